package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/aidanlsb/stellator/internal/atomicfile"
)

type persistedConfig struct {
	Database string               `toml:"database"`
	KVPath   *string              `toml:"kv_path,omitempty"`
	FilesDir *string              `toml:"files_dir,omitempty"`
	Schemes  *string              `toml:"schemes,omitempty"`
	Engine   EngineConfig         `toml:"engine"`
	Log      *LogConfig           `toml:"log,omitempty"`
	UI       *persistedUISettings `toml:"ui,omitempty"`
}

type persistedUISettings struct {
	Accent    *string `toml:"accent,omitempty"`
	CodeTheme *string `toml:"code_theme,omitempty"`
}

func nonEmptyPtr(value string) *string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

// SaveTo writes the config to a specific path atomically.
func SaveTo(path string, cfg *Config) error {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("config path is required")
	}
	if cfg == nil {
		cfg = Default()
	}

	out := persistedConfig{
		Database: cfg.Database,
		KVPath:   nonEmptyPtr(cfg.KVPath),
		FilesDir: nonEmptyPtr(cfg.FilesDir),
		Schemes:  nonEmptyPtr(cfg.Schemes),
		Engine:   cfg.Engine,
	}
	if cfg.Log.Level != "" {
		out.Log = &LogConfig{Level: cfg.Log.Level}
	}

	accent := nonEmptyPtr(cfg.UI.Accent)
	codeTheme := nonEmptyPtr(cfg.UI.CodeTheme)
	if accent != nil || codeTheme != nil {
		out.UI = &persistedUISettings{
			Accent:    accent,
			CodeTheme: codeTheme,
		}
	}

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(out); err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := atomicfile.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to write config %s: %w", path, err)
	}

	return nil
}
