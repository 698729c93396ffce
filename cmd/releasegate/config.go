package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/animus-labs/releasegate/internal/platform/auth"
	"github.com/animus-labs/releasegate/internal/platform/config"
	"github.com/animus-labs/releasegate/internal/platform/httpserver"
	platformotel "github.com/animus-labs/releasegate/internal/platform/otel"
)

const (
	serviceName = "releasegate"

	storeDriverPostgres = "postgres"
	storeDriverSQLite   = "sqlite"
)

type Config struct {
	HTTP httpserver.Config
	OTel platformotel.Config
	Auth auth.Config

	StoreDriver         string        `env:"RELEASEGATE_STORE_DRIVER" envDefault:"sqlite"`
	SQLitePath          string        `env:"RELEASEGATE_SQLITE_PATH" envDefault:"releasegate.db"`
	ChecklistPath       string        `env:"RELEASEGATE_CHECKLIST_PATH"`
	ChecklistTTL        time.Duration `env:"RELEASEGATE_CHECKLIST_TTL" envDefault:"30s"`
	EvaluateConcurrency int           `env:"RELEASEGATE_EVALUATE_CONCURRENCY" envDefault:"4"`
	ReportsEnabled      bool          `env:"RELEASEGATE_REPORTS_ENABLED" envDefault:"false"`
}

func configFromEnv() (Config, error) {
	var cfg Config
	if err := config.ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	cfg.HTTP.Service = serviceName
	cfg.StoreDriver = strings.ToLower(strings.TrimSpace(cfg.StoreDriver))
	cfg.ChecklistPath = strings.TrimSpace(cfg.ChecklistPath)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.HTTP.Addr) == "" {
		return errors.New("RELEASEGATE_HTTP_ADDR is required")
	}
	if c.HTTP.ShutdownTimeout <= 0 {
		return errors.New("RELEASEGATE_SHUTDOWN_TIMEOUT must be positive")
	}
	switch c.StoreDriver {
	case storeDriverPostgres:
	case storeDriverSQLite:
		if strings.TrimSpace(c.SQLitePath) == "" {
			return errors.New("RELEASEGATE_SQLITE_PATH is required for the sqlite store")
		}
	default:
		return fmt.Errorf("RELEASEGATE_STORE_DRIVER must be %s or %s, got %q", storeDriverPostgres, storeDriverSQLite, c.StoreDriver)
	}
	if err := c.Auth.Validate(); err != nil {
		return err
	}
	if c.ChecklistTTL < 0 {
		return errors.New("RELEASEGATE_CHECKLIST_TTL must be >= 0")
	}
	if c.EvaluateConcurrency < 1 {
		return errors.New("RELEASEGATE_EVALUATE_CONCURRENCY must be >= 1")
	}
	return nil
}
