package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/perihelia/guildvault/pkg/database"
	"github.com/perihelia/guildvault/pkg/server"
)

var (
	// Version is set at build time via ldflags
	Version = "dev"
)

func main() {
	// Command line flags
	configPath := flag.String("config", "~/.guildvault/config.toml", "Path to config file")
	host := flag.String("host", "", "Bind host (overrides config)")
	port := flag.Int("port", 0, "HTTP port to listen on (overrides config)")
	dbPath := flag.String("db", "", "Path to SQLite database (overrides config)")
	postgresURL := flag.String("postgres", "", "PostgreSQL URL for the secondary datasource (overrides config)")
	logLevel := flag.String("log-level", "", "Log level: debug, info, warn, error (overrides config)")
	version := flag.Bool("version", false, "Show version information")
	flag.Parse()

	// Handle --version flag
	if *version {
		fmt.Printf("GuildVault Server %s\n", Version)
		os.Exit(0)
	}

	log := logrus.StandardLogger()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	// Pull a .env file into the environment before env overrides apply
	_ = godotenv.Load()

	// Load configuration (creates default if not found)
	tomlConfig, err := server.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Fatal("failed to load config")
	}
	cfg := tomlConfig.ToConfig()
	cfg.ApplyEnv()

	// Command-line flags override config file and environment
	if *host != "" {
		cfg.Host = *host
	}
	if *port != 0 {
		cfg.Port = *port
	}
	if *dbPath != "" {
		cfg.SQLitePath = *dbPath
	}
	if *postgresURL != "" {
		cfg.PostgresURL = *postgresURL
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(level)
	} else {
		log.WithField("level", cfg.LogLevel).Warn("unknown log level, staying on info")
	}

	sqlitePath, err := server.ExpandHome(cfg.SQLitePath)
	if err != nil {
		log.WithError(err).Fatal("failed to resolve database path")
	}
	if err := os.MkdirAll(filepath.Dir(sqlitePath), 0755); err != nil {
		log.WithError(err).Fatal("failed to create database directory")
	}

	// Register datasources; sqlite is primary and starts active
	registry := database.NewRegistry()
	if _, err := registry.Register("sqlite", sqlitePath); err != nil {
		log.WithError(err).Fatal("failed to register sqlite datasource")
	}
	if cfg.PostgresURL != "" {
		if _, err := registry.Register("postgres", cfg.PostgresURL); err != nil {
			log.WithError(err).Fatal("failed to register postgres datasource")
		}
	}

	connectCtx, cancelConnect := context.WithTimeout(context.Background(), 30*time.Second)
	if err := registry.ConnectAll(connectCtx); err != nil {
		// A dead secondary shouldn't block startup, but the active store must work.
		log.WithError(err).Warn("not every datasource connected")
	}
	cancelConnect()

	active, err := registry.Active()
	if err != nil {
		log.WithError(err).Fatal("no active datasource")
	}
	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	available := active.Available(pingCtx)
	cancelPing()
	if !available {
		log.WithField("datasource", active.Name()).Fatal("active datasource is not reachable")
	}

	srv, err := server.New(cfg, registry, log)
	if err != nil {
		log.WithError(err).Fatal("failed to create server")
	}

	if err := srv.Start(); err != nil {
		log.WithError(err).Fatal("failed to start server")
	}

	log.WithFields(logrus.Fields{
		"version":    Version,
		"addr":       srv.Addr(),
		"datasource": registry.ActiveName(),
		"sources":    registry.Sources(),
	}).Info("guildvault server started")
	if !cfg.AutoDownload {
		log.Info("auto download disabled; trigger downloads via POST /downloads/start")
	}
	if cfg.Token == "" {
		log.Warn("no Discord token configured; scraping is unavailable until GUILDVAULT_TOKEN or DISCORD_TOKEN is set")
	}

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info("shutting down server...")
	if err := srv.Stop(); err != nil {
		log.WithError(err).Error("error during shutdown")
	}
	log.Info("server stopped")
}
