package server

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultTOMLConfigHasStoragePaths(t *testing.T) {
	cfg := DefaultTOMLConfig()

	if cfg.Storage.SQLitePath == "" {
		t.Fatal("expected default sqlite path to be set")
	}

	if cfg.Storage.AttachmentsDir == "" {
		t.Fatal("expected default attachments dir to be set")
	}

	if cfg.Server.Port <= 0 {
		t.Fatalf("expected default port to be positive, got %d", cfg.Server.Port)
	}
}

func TestToConfigMapsSections(t *testing.T) {
	cfg := DefaultTOMLConfig()
	cfg.Server.Host = "0.0.0.0"
	cfg.Server.Port = 9000
	cfg.Storage.PostgresURL = "postgres://localhost/guildvault"
	cfg.Scrape.BatchSize = 250
	cfg.Scrape.AutoDownload = true

	runtime := cfg.ToConfig()

	if runtime.Host != "0.0.0.0" {
		t.Fatalf("expected host 0.0.0.0, got %s", runtime.Host)
	}

	if runtime.Port != 9000 {
		t.Fatalf("expected port 9000, got %d", runtime.Port)
	}

	if runtime.PostgresURL != "postgres://localhost/guildvault" {
		t.Fatalf("expected postgres URL to carry over, got %s", runtime.PostgresURL)
	}

	if runtime.ScrapeBatchSize != 250 {
		t.Fatalf("expected batch size 250, got %d", runtime.ScrapeBatchSize)
	}

	if !runtime.AutoDownload {
		t.Fatal("expected auto download enabled")
	}
}

func TestToConfigFallsBackToDefaults(t *testing.T) {
	var cfg TOMLConfig

	runtime := cfg.ToConfig()
	defaults := DefaultConfig()

	if runtime.Host != defaults.Host {
		t.Fatalf("expected fallback host %s, got %s", defaults.Host, runtime.Host)
	}

	if runtime.Port != defaults.Port {
		t.Fatalf("expected fallback port %d, got %d", defaults.Port, runtime.Port)
	}

	if runtime.ScrapeBatchSize != defaults.ScrapeBatchSize {
		t.Fatalf("expected fallback batch size %d, got %d", defaults.ScrapeBatchSize, runtime.ScrapeBatchSize)
	}

	if runtime.RequestDelayMS != defaults.RequestDelayMS {
		t.Fatalf("expected fallback request delay %d, got %d", defaults.RequestDelayMS, runtime.RequestDelayMS)
	}
}

func TestLoadConfigWritesDefaultWhenMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if cfg.Server.Port != DefaultConfig().Port {
		t.Fatalf("expected default port, got %d", cfg.Server.Port)
	}

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected default config file to be written: %v", err)
	}

	// A second load parses the file it just wrote.
	again, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig (reload): %v", err)
	}
	if again.Server.Port != cfg.Server.Port {
		t.Fatalf("reloaded port %d differs from written %d", again.Server.Port, cfg.Server.Port)
	}
}

func TestLoadConfigParsesExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
[server]
host = "10.0.0.5"
port = 8800

[storage]
sqlite_path = "/data/archive.db"

[scrape]
batch_size = 400
auto_download = true
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if cfg.Server.Host != "10.0.0.5" {
		t.Fatalf("expected host 10.0.0.5, got %s", cfg.Server.Host)
	}
	if cfg.Server.Port != 8800 {
		t.Fatalf("expected port 8800, got %d", cfg.Server.Port)
	}
	if cfg.Storage.SQLitePath != "/data/archive.db" {
		t.Fatalf("expected sqlite path /data/archive.db, got %s", cfg.Storage.SQLitePath)
	}
	if cfg.Scrape.BatchSize != 400 {
		t.Fatalf("expected batch size 400, got %d", cfg.Scrape.BatchSize)
	}
	if !cfg.Scrape.AutoDownload {
		t.Fatal("expected auto download enabled")
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("GUILDVAULT_TOKEN", "token-from-env")
	t.Setenv("GUILDVAULT_PORT", "9100")
	t.Setenv("GUILDVAULT_AUTO_DOWNLOAD", "true")
	t.Setenv("GUILDVAULT_POSTGRES_URL", "postgres://db.internal/guildvault")

	cfg := DefaultConfig()
	cfg.ApplyEnv()

	if cfg.Token != "token-from-env" {
		t.Fatalf("expected token from env, got %q", cfg.Token)
	}
	if cfg.Port != 9100 {
		t.Fatalf("expected port 9100, got %d", cfg.Port)
	}
	if !cfg.AutoDownload {
		t.Fatal("expected auto download enabled from env")
	}
	if cfg.PostgresURL != "postgres://db.internal/guildvault" {
		t.Fatalf("expected postgres URL from env, got %q", cfg.PostgresURL)
	}
}

func TestApplyEnvFallsBackToDiscordToken(t *testing.T) {
	t.Setenv("GUILDVAULT_TOKEN", "")
	t.Setenv("DISCORD_TOKEN", "legacy-token")

	cfg := DefaultConfig()
	cfg.ApplyEnv()

	if cfg.Token != "legacy-token" {
		t.Fatalf("expected DISCORD_TOKEN fallback, got %q", cfg.Token)
	}
}
