package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadFrom(t *testing.T) {
	t.Run("missing file returns defaults", func(t *testing.T) {
		tmp := t.TempDir()
		cfg, err := LoadFrom(filepath.Join(tmp, "config.toml"))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if cfg.Engine.ResolverMaxDepth != 4 {
			t.Errorf("resolver_max_depth = %d, want 4", cfg.Engine.ResolverMaxDepth)
		}
		if cfg.Engine.ObjectCacheSize != 512 {
			t.Errorf("object_cache_size = %d, want 512", cfg.Engine.ObjectCacheSize)
		}
		if cfg.Engine.AutoFieldWorkers != 2 {
			t.Errorf("auto_field_workers = %d, want 2", cfg.Engine.AutoFieldWorkers)
		}
		if cfg.Engine.InternalsStorageTime.Duration != 720*time.Hour {
			t.Errorf("internals_storage_time = %v, want 720h", cfg.Engine.InternalsStorageTime)
		}
		if got, want := cfg.DatabasePath(), filepath.Join(tmp, "stellator.db"); got != want {
			t.Errorf("database path = %q, want %q", got, want)
		}
	})

	t.Run("partial file keeps defaults", func(t *testing.T) {
		tmp := t.TempDir()
		path := filepath.Join(tmp, "config.toml")
		content := `
database = ":memory:"
kv_path = ""
schemes = "/etc/stellator/schemes.yaml"

[engine]
resolver_max_depth = 2
password_salt = "s3cret"
internals_storage_time = "36h"

[log]
level = "debug"

[ui]
accent = "#ff8800"
code_theme = "nord"
`
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatalf("failed to write config: %v", err)
		}

		cfg, err := LoadFrom(path)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if cfg.DatabasePath() != ":memory:" {
			t.Errorf("database path = %q", cfg.DatabasePath())
		}
		if cfg.KVFilePath() != "" {
			t.Errorf("kv path = %q, want empty", cfg.KVFilePath())
		}
		if cfg.SchemesPath() != "/etc/stellator/schemes.yaml" {
			t.Errorf("schemes path = %q", cfg.SchemesPath())
		}
		if cfg.FilesPath() != filepath.Join(tmp, "files") {
			t.Errorf("files path = %q", cfg.FilesPath())
		}
		if cfg.Engine.ResolverMaxDepth != 2 || cfg.Engine.PasswordSalt != "s3cret" {
			t.Errorf("engine = %+v", cfg.Engine)
		}
		if cfg.Engine.ObjectCacheSize != 512 {
			t.Errorf("object_cache_size = %d, want default 512", cfg.Engine.ObjectCacheSize)
		}
		if cfg.Engine.InternalsStorageTime.Duration != 36*time.Hour {
			t.Errorf("internals_storage_time = %v", cfg.Engine.InternalsStorageTime)
		}
		if cfg.Log.Level != "debug" {
			t.Errorf("log level = %q", cfg.Log.Level)
		}
		if cfg.UI.Accent != "#ff8800" || cfg.UI.CodeTheme != "nord" {
			t.Errorf("ui = %+v", cfg.UI)
		}
	})

	t.Run("invalid values", func(t *testing.T) {
		tests := []struct {
			name    string
			content string
			want    string
		}{
			{"bad duration", "[engine]\ninternals_storage_time = \"forever\"", "invalid duration"},
			{"depth", "[engine]\nresolver_max_depth = 0", "resolver_max_depth"},
			{"cost", "[engine]\npassword_cost = 40", "password_cost"},
			{"workers", "[engine]\nauto_field_workers = 0", "auto_field_workers"},
			{"level", "[log]\nlevel = \"loud\"", "unknown log level"},
			{"syntax", "database = ", "failed to parse config"},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				path := filepath.Join(t.TempDir(), "config.toml")
				if err := os.WriteFile(path, []byte(tt.content), 0644); err != nil {
					t.Fatalf("failed to write config: %v", err)
				}
				_, err := LoadFrom(path)
				if err == nil || !strings.Contains(err.Error(), tt.want) {
					t.Fatalf("expected error containing %q, got %v", tt.want, err)
				}
			})
		}
	})
}

func TestCreateDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")

	written, err := CreateDefault(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !written {
		t.Fatal("expected file to be written")
	}

	written, err = CreateDefault(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if written {
		t.Fatal("expected existing file to be kept")
	}

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("default config does not load: %v", err)
	}
	want := Default()
	if cfg.Database != want.Database || cfg.KVPath != want.KVPath || cfg.Engine != want.Engine {
		t.Errorf("default file differs from Default(): %+v", cfg)
	}
}

func TestResolveConfigPath(t *testing.T) {
	if got := ResolveConfigPath("/tmp/x.toml"); got != "/tmp/x.toml" {
		t.Errorf("explicit path = %q", got)
	}
	if got := ResolveConfigPath(""); got == "" {
		t.Error("default path is empty")
	}
}

func TestResolveHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	cfg := Default()
	if got, want := cfg.Resolve("~/data.db"), filepath.Join(home, "data.db"); got != want {
		t.Errorf("Resolve(~/data.db) = %q, want %q", got, want)
	}
}
