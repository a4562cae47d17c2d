package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"alerthook/internal/config"
	"alerthook/internal/console"
	"alerthook/internal/history"
	"alerthook/internal/security"
	"alerthook/internal/server"
	"alerthook/internal/sound"
	"alerthook/pkg/fileutil"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	configFile string
	logFile    string
	dbPath     string
	host       string
	port       int
	quiet      bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the alert receiver",
	Long: `Start the HTTP server that receives alert notifications on POST /test.

Configuration is read from defaults, an optional alerthook.yaml, a .env file
and the environment, in that order. Flags override everything else.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVarP(&configFile, "config", "c", getEnvOrDefault("ALERTHOOK_CONFIG_FILE", ""), "Path to alerthook.yaml configuration file")
	serveCmd.Flags().StringVar(&logFile, "log", "", "Path to log file (default stderr only)")
	serveCmd.Flags().StringVar(&dbPath, "db", "", "Path to SQLite alert history (default disabled)")
	serveCmd.Flags().StringVar(&host, "host", config.DefaultHost, "Host to bind to")
	serveCmd.Flags().IntVarP(&port, "port", "p", config.DefaultPort, "Port to listen on")
	serveCmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Do not print received alerts to the console")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	// Set up logging
	logger, logFileHandle, err := setupLogging(cfg.LogFile)
	if err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}
	if logFileHandle != nil {
		defer logFileHandle.Close()
	}

	logger.Info("Starting alerthook", "version", version)
	if configFile != "" {
		logger.Info("Loaded configuration file", "config", configFile)
	}

	if cfg.AuthToken == "" {
		logger.Warn("AUTH_TOKEN is not set; the ingestion endpoint accepts unauthenticated requests")
	} else if security.IsWeakToken(cfg.AuthToken) {
		logger.Warn("AUTH_TOKEN looks weak; use at least 32 random characters (e.g. openssl rand -hex 32)")
	}
	if len(cfg.AllowedIPs) > 0 {
		logger.Info("IP allow-list enabled", "entries", cfg.AllowedIPs)
	}
	if cfg.TrustProxy {
		logger.Warn("Trusting X-Forwarded-For and X-Real-IP; only enable behind a reverse proxy")
	}

	// Initialize alert history
	var hist *history.History
	if cfg.DBPath != "" {
		logger.Info("Initializing alert history", "db", cfg.DBPath)
		hist, err = history.NewHistory(cfg.DBPath)
		if err != nil {
			logger.Error("Failed to initialize alert history", "error", err)
			return fmt.Errorf("failed to initialize alert history: %w", err)
		}
	}

	printer := console.Discard()
	if !cfg.Quiet {
		printer = console.New(color.Output, !color.NoColor)
	}

	dispatcher := sound.NewDispatcher(cfg.Sound, logger)
	logger.Info("Sound playback", "enabled", dispatcher.Enabled(), "sound", cfg.Sound.Name)

	srv := server.NewServer(cfg, dispatcher, hist, printer, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.ListenAndServe(ctx); err != nil {
		logger.Error("Server failed", "error", err)
		printer.Error("Server failed", err)
		return err
	}

	logger.Info("Server stopped")
	return nil
}

// loadConfig resolves the configuration, applies explicitly set flags and
// only then validates, so a flag can fix a bad environment value
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	// Determine config file path; the file is optional
	if configFile == "" {
		configFile = fileutil.FindConfigOptional()
	}

	cfg, err := config.Resolve(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	applyFlags(cmd, cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// applyFlags copies explicitly set flags over the loaded configuration
func applyFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("host") {
		cfg.Host = host
	}
	if flags.Changed("port") {
		cfg.Port = port
	}
	if flags.Changed("log") {
		cfg.LogFile = logFile
	}
	if flags.Changed("db") {
		cfg.DBPath = dbPath
	}
	if flags.Changed("quiet") {
		cfg.Quiet = quiet
	}
}

// setupLogging configures slog for stderr and, when logPath is set, a log file.
// The returned file handle is nil without a log file; otherwise the caller closes it.
func setupLogging(logPath string) (*slog.Logger, *os.File, error) {
	var out io.Writer = os.Stderr
	var file *os.File

	if logPath != "" {
		// Create log directory if needed
		if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
			return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
		}

		// Open log file with secure permissions
		f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file: %w", err)
		}
		file = f

		// Log to both file and console
		out = io.MultiWriter(os.Stderr, file)
	}

	handler := slog.NewJSONHandler(out, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})

	return slog.New(handler), file, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
