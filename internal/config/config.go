// Package config handles the Stellator engine configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/aidanlsb/stellator/internal/atomicfile"
)

// FileName is the name of a project-local configuration file.
const FileName = "stellator.toml"

// Config represents the engine configuration.
type Config struct {
	// Database is the sqlite database path. ":memory:" keeps it in memory.
	Database string `toml:"database"`

	// KVPath is the bbolt file backing sessions and other keyed values.
	// Empty keeps them in the database.
	KVPath string `toml:"kv_path"`

	// FilesDir is where file and image payloads are stored.
	FilesDir string `toml:"files_dir"`

	// Schemes is the YAML scheme definition file.
	Schemes string `toml:"schemes"`

	Engine EngineConfig `toml:"engine"`
	Log    LogConfig    `toml:"log"`
	UI     UIConfig     `toml:"ui"`

	// dir is the directory relative paths are resolved against.
	dir string
}

// EngineConfig tunes the storage engine.
type EngineConfig struct {
	ResolverMaxDepth     int      `toml:"resolver_max_depth"`
	PasswordSalt         string   `toml:"password_salt"`
	PasswordCost         int      `toml:"password_cost"`
	ObjectCacheSize      int      `toml:"object_cache_size"`
	AutoFieldWorkers     int      `toml:"auto_field_workers"`
	InternalsStorageTime Duration `toml:"internals_storage_time"`
}

// LogConfig controls logging.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `toml:"level"`
}

// UIConfig represents optional CLI theming preferences.
type UIConfig struct {
	// Accent is an optional accent color for CLI output and markdown rendering.
	// Supported values are ANSI color codes ("0" to "255") or hex colors ("#RRGGBB").
	Accent string `toml:"accent"`

	// CodeTheme sets the Glamour/Chroma theme used for rendered markdown code blocks.
	// Example values: "monokai", "dracula", "github", "nord".
	CodeTheme string `toml:"code_theme"`
}

// Duration is a time.Duration written as a string such as "720h".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Database: "stellator.db",
		KVPath:   "stellator.kv",
		FilesDir: "files",
		Schemes:  "schemes.yaml",
		Engine: EngineConfig{
			ResolverMaxDepth:     4,
			PasswordCost:         10,
			ObjectCacheSize:      512,
			AutoFieldWorkers:     2,
			InternalsStorageTime: Duration{720 * time.Hour},
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load loads the configuration from the default location.
// Returns a default config if the file doesn't exist.
func Load() (*Config, error) {
	return LoadFrom(DefaultPath())
}

// LoadFrom loads the configuration from a specific path. Values missing
// from the file keep their defaults, and a missing file yields the
// defaults with paths relative to the file's directory.
func LoadFrom(path string) (*Config, error) {
	cfg := Default()
	cfg.dir = filepath.Dir(path)

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if c.Database == "" {
		return fmt.Errorf("database is required")
	}
	if c.Engine.ResolverMaxDepth < 1 {
		return fmt.Errorf("engine.resolver_max_depth must be at least 1")
	}
	if c.Engine.PasswordCost != 0 && (c.Engine.PasswordCost < 4 || c.Engine.PasswordCost > 31) {
		return fmt.Errorf("engine.password_cost must be between 4 and 31")
	}
	if c.Engine.ObjectCacheSize < 0 {
		return fmt.Errorf("engine.object_cache_size must not be negative")
	}
	if c.Engine.AutoFieldWorkers < 1 {
		return fmt.Errorf("engine.auto_field_workers must be at least 1")
	}
	if c.Engine.InternalsStorageTime.Duration < 0 {
		return fmt.Errorf("engine.internals_storage_time must not be negative")
	}
	switch c.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.Log.Level)
	}
	return nil
}

// Dir returns the directory relative paths are resolved against.
func (c *Config) Dir() string {
	if c.dir == "" {
		return "."
	}
	return c.dir
}

// Resolve makes p absolute against the config directory. Empty paths and
// ":memory:" are returned unchanged.
func (c *Config) Resolve(p string) string {
	if p == "" || p == ":memory:" || filepath.IsAbs(p) {
		return p
	}
	if len(p) > 1 && p[0] == '~' && (p[1] == '/' || p[1] == filepath.Separator) {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, p[2:])
		}
	}
	return filepath.Join(c.Dir(), p)
}

// DatabasePath returns the resolved database path.
func (c *Config) DatabasePath() string { return c.Resolve(c.Database) }

// KVFilePath returns the resolved key/value store path, or "".
func (c *Config) KVFilePath() string { return c.Resolve(c.KVPath) }

// FilesPath returns the resolved file store directory.
func (c *Config) FilesPath() string { return c.Resolve(c.FilesDir) }

// SchemesPath returns the resolved scheme definition path.
func (c *Config) SchemesPath() string { return c.Resolve(c.Schemes) }

// DefaultPath returns the config file path: stellator.toml in the working
// directory when present, otherwise ~/.config/stellator/config.toml.
func DefaultPath() string {
	if _, err := os.Stat(FileName); err == nil {
		if abs, err := filepath.Abs(FileName); err == nil {
			return abs
		}
		return FileName
	}

	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".config", "stellator", "config.toml")
	}

	if configDir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(configDir, "stellator", "config.toml")
	}

	return filepath.Join(".", FileName)
}

// ResolveConfigPath resolves the effective config path from an optional override.
func ResolveConfigPath(explicit string) string {
	if explicit != "" {
		return explicit
	}
	return DefaultPath()
}

// CreateDefault writes a commented config file at path if none exists.
// It reports whether a file was written.
func CreateDefault(path string) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return false, fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := atomicfile.WriteFile(path, []byte(defaultConfig), 0644); err != nil {
		return false, fmt.Errorf("failed to write config file: %w", err)
	}

	return true, nil
}

const defaultConfig = `# Stellator Configuration
# Relative paths are resolved against the directory of this file.

database = "stellator.db"

# bbolt file for sessions and keyed values. Remove to keep them in the database.
kv_path = "stellator.kv"

files_dir = "files"
schemes = "schemes.yaml"

[engine]
resolver_max_depth = 4
# password_salt = ""
password_cost = 10
object_cache_size = 512
auto_field_workers = 2
# How long login history and broadcasts are kept.
internals_storage_time = "720h"

[log]
# debug, info, warn, error
level = "info"

# Optional UI accent color for headers in terminal output.
# Supports ANSI color codes (0-255) or hex (#RRGGBB).
# [ui]
# accent = "39"
# code_theme = "monokai"
`
