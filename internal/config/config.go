package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port        string `mapstructure:"PORT"`
	Env         string `mapstructure:"ENV"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	// UpdateCreate enables update-as-create: PUT to a missing id creates
	// the resource with 201 instead of failing 404.
	UpdateCreate bool `mapstructure:"UPDATE_CREATE"`

	QueueWorkers           int           `mapstructure:"QUEUE_WORKERS"`
	ScoreWorkers           int           `mapstructure:"SCORE_WORKERS"`
	WorkerTimeout          time.Duration `mapstructure:"WORKER_TIMEOUT"`
	QueueVisibilityTimeout time.Duration `mapstructure:"QUEUE_VISIBILITY_TIMEOUT"`

	// MatchConfigFile points at the JSON matching configuration; empty
	// uses the built-in Patient defaults.
	MatchConfigFile string `mapstructure:"MATCH_CONFIG_FILE"`

	BodyLimit       string        `mapstructure:"BODY_LIMIT"`
	BundleBodyLimit string        `mapstructure:"BUNDLE_BODY_LIMIT"`
	RequestTimeout  time.Duration `mapstructure:"REQUEST_TIMEOUT"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("UPDATE_CREATE", true)
	v.SetDefault("QUEUE_WORKERS", 2)
	v.SetDefault("SCORE_WORKERS", 4)
	v.SetDefault("WORKER_TIMEOUT", "30s")
	v.SetDefault("QUEUE_VISIBILITY_TIMEOUT", "5m")
	v.SetDefault("BODY_LIMIT", "1M")
	v.SetDefault("BUNDLE_BODY_LIMIT", "10M")
	v.SetDefault("REQUEST_TIMEOUT", "60s")

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("UPDATE_CREATE")
	v.BindEnv("QUEUE_WORKERS")
	v.BindEnv("SCORE_WORKERS")
	v.BindEnv("WORKER_TIMEOUT")
	v.BindEnv("QUEUE_VISIBILITY_TIMEOUT")
	v.BindEnv("MATCH_CONFIG_FILE")
	v.BindEnv("BODY_LIMIT")
	v.BindEnv("BUNDLE_BODY_LIMIT")
	v.BindEnv("REQUEST_TIMEOUT")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Validate checks that the configuration is safe to run with.
func (c *Config) Validate() error {
	if c.QueueWorkers < 1 {
		return fmt.Errorf("QUEUE_WORKERS must be at least 1, got %d", c.QueueWorkers)
	}
	if c.ScoreWorkers < 1 {
		return fmt.Errorf("SCORE_WORKERS must be at least 1, got %d", c.ScoreWorkers)
	}
	if c.WorkerTimeout <= 0 {
		return fmt.Errorf("WORKER_TIMEOUT must be positive, got %s", c.WorkerTimeout)
	}
	if c.QueueVisibilityTimeout <= 0 {
		return fmt.Errorf("QUEUE_VISIBILITY_TIMEOUT must be positive, got %s", c.QueueVisibilityTimeout)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("REQUEST_TIMEOUT must be positive, got %s", c.RequestTimeout)
	}
	return nil
}
