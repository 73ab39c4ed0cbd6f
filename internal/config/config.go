// Package config содержит логику чтения конфигурации сервиса платежей Pi Network.
package config

import (
	"errors"
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Поддерживаемые хранилища счётчика платежей.
const (
	CounterBackendFile = "file"
	CounterBackendBolt = "bolt"
)

const (
	defaultRunAddress     = "localhost:8080"
	defaultPiAPIURL       = "https://api.minepi.com"
	defaultDataDir        = "/tmp"
	defaultCounterBackend = CounterBackendFile
	defaultCounterSplit   = 0.5
	defaultStaticDir      = "static"
	defaultSweepInterval  = time.Minute
)

// ErrMissingAPIKey возвращается, если не задан серверный ключ Pi Network.
var ErrMissingAPIKey = errors.New("PI_API_KEY must be set")

// Config содержит параметры конфигурации сервиса.
type Config struct {
	RunAddress     string  `env:"RUN_ADDRESS"`
	PiAPIKey       string  `env:"PI_API_KEY"`
	PiAPIURL       string  `env:"PI_API_URL"`
	DataDir        string  `env:"DATA_DIR"`
	CounterBackend string  `env:"COUNTER_BACKEND"`
	CounterSplit   float64 `env:"COUNTER_SPLIT"`
	DatabaseURI    string  `env:"DATABASE_URI"`
	AdminToken     string  `env:"ADMIN_TOKEN"`
	StaticDir      string  `env:"STATIC_DIR"`

	SweepInterval time.Duration `env:"PENDING_SWEEP_INTERVAL"`
}

// Parse считывает конфигурацию из файла .env, флагов командной строки и переменных окружения.
// Переменные окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	// .env необязателен
	_ = godotenv.Load()

	envCfg := Config{}
	if err := env.Parse(&envCfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	cfg := &Config{}
	flag.StringVar(&cfg.RunAddress, "a", defaultRunAddress, "address and port for HTTP server")
	flag.StringVar(&cfg.PiAPIKey, "k", "", "Pi Network server API key")
	flag.StringVar(&cfg.PiAPIURL, "p", defaultPiAPIURL, "Pi Network API base URL")
	flag.StringVar(&cfg.DataDir, "d", defaultDataDir, "directory for the payment counter and its archives")
	flag.StringVar(&cfg.CounterBackend, "b", defaultCounterBackend, "payment counter storage: file or bolt")
	flag.Float64Var(&cfg.CounterSplit, "s", defaultCounterSplit, "share of each completed payment added to the counter")
	flag.StringVar(&cfg.DatabaseURI, "db", "", "database URI for scores (in-memory when empty)")
	flag.StringVar(&cfg.AdminToken, "t", "", "admin token for counter management endpoints")
	flag.StringVar(&cfg.StaticDir, "w", defaultStaticDir, "directory with static assets")
	flag.DurationVar(&cfg.SweepInterval, "i", defaultSweepInterval, "interval for completing pending payments (0 disables)")

	flag.Parse()

	override(&cfg.RunAddress, envCfg.RunAddress)
	override(&cfg.PiAPIKey, envCfg.PiAPIKey)
	override(&cfg.PiAPIURL, envCfg.PiAPIURL)
	override(&cfg.DataDir, envCfg.DataDir)
	override(&cfg.CounterBackend, envCfg.CounterBackend)
	override(&cfg.DatabaseURI, envCfg.DatabaseURI)
	override(&cfg.AdminToken, envCfg.AdminToken)
	override(&cfg.StaticDir, envCfg.StaticDir)
	if envCfg.CounterSplit != 0 {
		cfg.CounterSplit = envCfg.CounterSplit
	}
	if envCfg.SweepInterval != 0 {
		cfg.SweepInterval = envCfg.SweepInterval
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func override(dst *string, envValue string) {
	if envValue != "" {
		*dst = envValue
	}
}

// Validate проверяет обязательные параметры и допустимые значения.
func (c *Config) Validate() error {
	if c.PiAPIKey == "" {
		return ErrMissingAPIKey
	}

	if c.CounterSplit <= 0 || c.CounterSplit > 1 {
		return fmt.Errorf("counter split must be in (0, 1], got %v", c.CounterSplit)
	}

	switch c.CounterBackend {
	case CounterBackendFile, CounterBackendBolt:
	default:
		return fmt.Errorf("unknown counter backend %q", c.CounterBackend)
	}

	if c.DataDir == "" {
		return errors.New("data dir must not be empty")
	}

	if c.SweepInterval < 0 {
		return fmt.Errorf("sweep interval must not be negative, got %s", c.SweepInterval)
	}

	return nil
}
