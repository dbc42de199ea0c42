package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config holds the resolved runtime configuration. Values come from the
// TOML file, then environment variables, then command-line flags, each
// layer overriding the one before it.
type Config struct {
	Host            string
	Port            int
	Token           string
	DefaultGuildID  string
	SQLitePath      string
	PostgresURL     string
	AttachmentsDir  string
	ScrapeBatchSize int
	RequestDelayMS  int
	AutoDownload    bool
	LogLevel        string
}

// DefaultConfig returns default runtime configuration
func DefaultConfig() Config {
	return Config{
		Host:            "127.0.0.1",
		Port:            8397,
		SQLitePath:      "~/.guildvault/guildvault.db",
		AttachmentsDir:  "~/.guildvault/attachments",
		ScrapeBatchSize: 1000,
		RequestDelayMS:  500,
		AutoDownload:    false,
		LogLevel:        "info",
	}
}

// Addr returns the host:port the HTTP server binds to.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// TOMLConfig represents the structure of the config file
type TOMLConfig struct {
	Server  ServerSection  `toml:"server"`
	Discord DiscordSection `toml:"discord"`
	Storage StorageSection `toml:"storage"`
	Scrape  ScrapeSection  `toml:"scrape"`
}

type ServerSection struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	LogLevel string `toml:"log_level"`
}

type DiscordSection struct {
	// Token is deliberately absent: credentials come from the
	// environment (GUILDVAULT_TOKEN or DISCORD_TOKEN), not the file.
	DefaultGuildID string `toml:"default_guild_id"`
}

type StorageSection struct {
	SQLitePath     string `toml:"sqlite_path"`
	PostgresURL    string `toml:"postgres_url"`
	AttachmentsDir string `toml:"attachments_dir"`
}

type ScrapeSection struct {
	BatchSize      int  `toml:"batch_size"`
	RequestDelayMS int  `toml:"request_delay_ms"`
	AutoDownload   bool `toml:"auto_download"`
}

// DefaultTOMLConfig returns the default TOML configuration
func DefaultTOMLConfig() TOMLConfig {
	def := DefaultConfig()
	return TOMLConfig{
		Server: ServerSection{
			Host:     def.Host,
			Port:     def.Port,
			LogLevel: def.LogLevel,
		},
		Discord: DiscordSection{},
		Storage: StorageSection{
			SQLitePath:     def.SQLitePath,
			AttachmentsDir: def.AttachmentsDir,
		},
		Scrape: ScrapeSection{
			BatchSize:      def.ScrapeBatchSize,
			RequestDelayMS: def.RequestDelayMS,
			AutoDownload:   def.AutoDownload,
		},
	}
}

// LoadConfig loads configuration from a TOML file, creates default if not found
func LoadConfig(path string) (TOMLConfig, error) {
	path, err := ExpandHome(path)
	if err != nil {
		return TOMLConfig{}, err
	}

	// Check if file exists
	if _, err := os.Stat(path); os.IsNotExist(err) {
		// File doesn't exist, create default config
		config := DefaultTOMLConfig()
		if err := writeDefaultConfig(path, config); err != nil {
			// If we can't write, just return defaults without error
			// (might be a permissions issue, but we can still run)
			return config, nil
		}
		return config, nil
	}

	// Load from file
	var config TOMLConfig
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// writeDefaultConfig writes the default config to a file
func writeDefaultConfig(path string, config TOMLConfig) error {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// Create file
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	// Write header comment
	header := `# GuildVault Server Configuration
# This file was auto-generated with default values
# Edit as needed and restart the server for changes to take effect
# The Discord token is read from the environment (GUILDVAULT_TOKEN or
# DISCORD_TOKEN), never from this file.

`
	if _, err := f.WriteString(header); err != nil {
		return err
	}

	// Encode config as TOML
	encoder := toml.NewEncoder(f)
	if err := encoder.Encode(config); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// ToConfig converts TOMLConfig to runtime Config
func (c *TOMLConfig) ToConfig() Config {
	cfg := DefaultConfig()

	if strings.TrimSpace(c.Server.Host) != "" {
		cfg.Host = c.Server.Host
	}

	if c.Server.Port != 0 {
		cfg.Port = c.Server.Port
	}

	if strings.TrimSpace(c.Server.LogLevel) != "" {
		cfg.LogLevel = c.Server.LogLevel
	}

	if strings.TrimSpace(c.Discord.DefaultGuildID) != "" {
		cfg.DefaultGuildID = c.Discord.DefaultGuildID
	}

	if strings.TrimSpace(c.Storage.SQLitePath) != "" {
		cfg.SQLitePath = c.Storage.SQLitePath
	}

	if strings.TrimSpace(c.Storage.PostgresURL) != "" {
		cfg.PostgresURL = c.Storage.PostgresURL
	}

	if strings.TrimSpace(c.Storage.AttachmentsDir) != "" {
		cfg.AttachmentsDir = c.Storage.AttachmentsDir
	}

	if c.Scrape.BatchSize != 0 {
		cfg.ScrapeBatchSize = c.Scrape.BatchSize
	}

	if c.Scrape.RequestDelayMS != 0 {
		cfg.RequestDelayMS = c.Scrape.RequestDelayMS
	}

	cfg.AutoDownload = c.Scrape.AutoDownload

	return cfg
}

// ApplyEnv overrides config fields from environment variables. Call after
// godotenv.Load so a .env file participates.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("GUILDVAULT_TOKEN"); v != "" {
		c.Token = v
	} else if v := os.Getenv("DISCORD_TOKEN"); v != "" {
		c.Token = v
	}
	if v := os.Getenv("GUILDVAULT_GUILD_ID"); v != "" {
		c.DefaultGuildID = v
	}
	if v := os.Getenv("GUILDVAULT_HOST"); v != "" {
		c.Host = v
	}
	if v := os.Getenv("GUILDVAULT_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Port = port
		}
	}
	if v := os.Getenv("GUILDVAULT_SQLITE_PATH"); v != "" {
		c.SQLitePath = v
	}
	if v := os.Getenv("GUILDVAULT_POSTGRES_URL"); v != "" {
		c.PostgresURL = v
	}
	if v := os.Getenv("GUILDVAULT_ATTACHMENTS_DIR"); v != "" {
		c.AttachmentsDir = v
	}
	if v := os.Getenv("GUILDVAULT_AUTO_DOWNLOAD"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.AutoDownload = b
		}
	}
	if v := os.Getenv("GUILDVAULT_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
}

// ExpandHome expands a leading ~/ to the user's home directory.
func ExpandHome(path string) (string, error) {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(homeDir, path[2:])
	}
	return path, nil
}
