package config

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr      string
	AuthToken string
}

// Config holds all runtime configuration options for the daemon.
type Config struct {
	Server ServerConfig

	LogLevel      string
	StateDir      string
	UserID        string
	Mode          string // http, mcp, or both
	SweepCron     string
	UseUTC        bool
	ShutdownGrace time.Duration
}

const (
	defaultAddr          = "127.0.0.1:7070"
	defaultLogLevel      = "info"
	defaultUserID        = "local"
	defaultMode          = "http"
	defaultSweepCron     = "5 0 * * *"
	defaultShutdownGrace = 5 * time.Second
)

func getEnvString(key, defaultVal string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val, ok := os.LookupEnv(key); ok {
		lower := strings.ToLower(val)
		return lower == "true" || lower == "1" || lower == "yes"
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

// Parse parses command line flags and environment variables into Config.
// Priority: CLI flags > environment variables > .env file > defaults.
func Parse() (*Config, error) {
	// Load .env if present, from the working directory or the user config dir.
	envFiles := []string{".env"}
	if configDir, err := os.UserConfigDir(); err == nil {
		envFiles = append(envFiles, filepath.Join(configDir, "habitd", ".env"))
	}
	_ = godotenv.Load(envFiles...)

	cfg := &Config{
		Server: ServerConfig{
			Addr:      getEnvString("HABITD_ADDR", defaultAddr),
			AuthToken: getEnvString("HABITD_AUTH_TOKEN", ""),
		},
		LogLevel:      getEnvString("HABITD_LOG_LEVEL", defaultLogLevel),
		StateDir:      getEnvString("HABITD_STATE_DIR", ""),
		UserID:        getEnvString("HABITD_USER_ID", defaultUserID),
		Mode:          getEnvString("HABITD_MODE", defaultMode),
		SweepCron:     getEnvString("HABITD_SWEEP_CRON", defaultSweepCron),
		UseUTC:        getEnvBool("HABITD_USE_UTC", false),
		ShutdownGrace: getEnvDuration("HABITD_SHUTDOWN_GRACE", defaultShutdownGrace),
	}

	var addr, logLevel, stateDir, userID, mode, sweepCron string
	var useUTC bool
	var shutdownGrace time.Duration

	flag.StringVar(&addr, "addr", "", "HTTP listen address (overrides env)")
	flag.StringVar(&stateDir, "state-dir", "", "Directory to store the database")
	flag.StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flag.StringVar(&userID, "user-id", "", "Owner of every task and completion")
	flag.StringVar(&mode, "mode", "", "Run mode: http, mcp, or both")
	flag.StringVar(&sweepCron, "sweep-cron", "", "Cron expression for the nightly rollover sweep")
	flag.BoolVar(&useUTC, "use-utc", false, "Evaluate calendar days in UTC instead of system local time")
	flag.DurationVar(&shutdownGrace, "shutdown-grace", 0, "Grace period when shutting down")

	flag.Parse()

	if addr != "" {
		cfg.Server.Addr = addr
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if stateDir != "" {
		cfg.StateDir = stateDir
	}
	if userID != "" {
		cfg.UserID = userID
	}
	if mode != "" {
		cfg.Mode = mode
	}
	if sweepCron != "" {
		cfg.SweepCron = sweepCron
	}
	// Bool flags only override when set explicitly.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "use-utc":
			cfg.UseUTC = useUTC
		case "shutdown-grace":
			cfg.ShutdownGrace = shutdownGrace
		}
	})

	switch cfg.Mode {
	case "http", "mcp", "both":
	default:
		return nil, fmt.Errorf("invalid mode %q, expected http, mcp, or both", cfg.Mode)
	}

	if cfg.StateDir == "" {
		dir, err := defaultStateDir()
		if err != nil {
			return nil, fmt.Errorf("resolve default state dir: %w", err)
		}
		cfg.StateDir = dir
	}

	return cfg, nil
}

// Location returns the timezone used for calendar-day evaluation.
func (c *Config) Location() *time.Location {
	if c.UseUTC {
		return time.UTC
	}
	return time.Local
}

func defaultStateDir() (string, error) {
	baseDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	path := filepath.Join(baseDir, "habitd")
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}
