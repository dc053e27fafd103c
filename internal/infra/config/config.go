package config

import (
	"fmt"
	"os"
	"strconv"
	"strings" // For LogLevel normalization
	"time"

	"github.com/joho/godotenv"
)

// AppConfig holds all configuration for the application
type AppConfig struct {
	DatabaseURL string
	LogLevel    string
	Environment string

	TelegramToken     string // bot disabled when empty
	AdminTelegramID   int64
	ManagerTelegramID int64 // receives run summaries; 0 disables
	NotifyRatePerSec  int

	HTTPAddr      string // API disabled when empty
	HTTPJWTSecret string

	CronSpecReconcile string // nightly refresh + reconcile of every series

	ReconcileWindowDays  int
	ReconcileBatchSize   int
	EnforceShipDateFloor bool
	ChildOrderType       string

	AdvancePreviewTTL          time.Duration
	AdvanceAllowMultipleCycles bool
}

// Load reads configuration from environment variables and .env file (if present).
func Load() (*AppConfig, error) {
	// Attempt to load .env file. Errors are ignored if the file doesn't exist.
	// godotenv.Load will not override existing env variables.
	_ = godotenv.Load()

	cfg := &AppConfig{}
	var err error

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is not set")
	}

	cfg.LogLevel = strings.ToLower(os.Getenv("LOG_LEVEL"))
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info" // Default log level
	}

	cfg.Environment = strings.ToLower(os.Getenv("ENVIRONMENT"))
	if cfg.Environment == "" {
		cfg.Environment = "development" // Default environment
	}

	cfg.TelegramToken = os.Getenv("TELEGRAM_TOKEN")
	if cfg.AdminTelegramID, err = int64Env("ADMIN_TELEGRAM_ID", 0); err != nil {
		return nil, err
	}
	if cfg.TelegramToken != "" && cfg.AdminTelegramID == 0 {
		return nil, fmt.Errorf("ADMIN_TELEGRAM_ID is not set")
	}
	if cfg.ManagerTelegramID, err = int64Env("MANAGER_TELEGRAM_ID", 0); err != nil {
		return nil, err
	}
	if cfg.NotifyRatePerSec, err = intEnv("NOTIFY_RATE_PER_SEC", 3); err != nil {
		return nil, err
	}

	cfg.HTTPAddr = stringEnv("HTTP_ADDR", ":8080")
	cfg.HTTPJWTSecret = os.Getenv("HTTP_JWT_SECRET")
	if cfg.HTTPAddr != "" && cfg.HTTPJWTSecret == "" {
		return nil, fmt.Errorf("HTTP_JWT_SECRET is not set")
	}

	cfg.CronSpecReconcile = stringEnv("CRON_SPEC_RECONCILE", "0 2 * * *") // Default: 02:00 daily

	if cfg.ReconcileWindowDays, err = intEnv("RECONCILE_WINDOW_DAYS", 60); err != nil {
		return nil, err
	}
	if cfg.ReconcileWindowDays <= 0 {
		return nil, fmt.Errorf("invalid RECONCILE_WINDOW_DAYS: must be positive")
	}
	if cfg.ReconcileBatchSize, err = intEnv("RECONCILE_BATCH_SIZE", 50); err != nil {
		return nil, err
	}
	if cfg.ReconcileBatchSize <= 0 {
		return nil, fmt.Errorf("invalid RECONCILE_BATCH_SIZE: must be positive")
	}
	if cfg.EnforceShipDateFloor, err = boolEnv("ENFORCE_SHIP_DATE_FLOOR", true); err != nil {
		return nil, err
	}
	cfg.ChildOrderType = strings.ToUpper(stringEnv("CHILD_ORDER_TYPE", "SO"))

	ttl := stringEnv("ADVANCE_PREVIEW_TTL", "30m")
	if cfg.AdvancePreviewTTL, err = time.ParseDuration(ttl); err != nil {
		return nil, fmt.Errorf("invalid ADVANCE_PREVIEW_TTL: %w", err)
	}
	if cfg.AdvanceAllowMultipleCycles, err = boolEnv("ADVANCE_ALLOW_MULTIPLE_CYCLES", false); err != nil {
		return nil, err
	}

	return cfg, nil
}

func stringEnv(key, def string) string {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	return strings.TrimSpace(v)
}

func intEnv(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func int64Env(key string, def int64) (int64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func boolEnv(key string, def bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return b, nil
}
