package objectstore

import (
	"errors"
	"fmt"
	"strings"

	"github.com/animus-labs/releasegate/internal/platform/config"
)

type Config struct {
	Endpoint      string `env:"RELEASEGATE_MINIO_ENDPOINT" envDefault:"localhost:9000"`
	AccessKey     string `env:"RELEASEGATE_MINIO_ACCESS_KEY" envDefault:"releasegate"`
	SecretKey     string `env:"RELEASEGATE_MINIO_SECRET_KEY" envDefault:"releasegateminio"`
	Region        string `env:"RELEASEGATE_MINIO_REGION" envDefault:"us-east-1"`
	UseSSL        bool   `env:"RELEASEGATE_MINIO_USE_SSL" envDefault:"false"`
	BucketReports string `env:"RELEASEGATE_MINIO_BUCKET_REPORTS" envDefault:"release-reports"`
}

func ConfigFromEnv() (Config, error) {
	var cfg Config
	if err := config.ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("endpoint is required")
	}
	if strings.TrimSpace(c.AccessKey) == "" {
		return errors.New("access key is required")
	}
	if strings.TrimSpace(c.SecretKey) == "" {
		return errors.New("secret key is required")
	}
	if strings.TrimSpace(c.Region) == "" {
		return errors.New("region is required")
	}
	if strings.TrimSpace(c.BucketReports) == "" {
		return errors.New("reports bucket is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("endpoint must not include scheme: %q", c.Endpoint)
	}
	return nil
}
