package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port             string        `mapstructure:"PORT"`
	Env              string        `mapstructure:"ENV"`
	DatabaseURL      string        `mapstructure:"DATABASE_URL"`
	DBMaxConns       int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns       int32         `mapstructure:"DB_MIN_CONNS"`
	AuthSecret       string        `mapstructure:"AUTH_SECRET"`
	SessionTTL       time.Duration `mapstructure:"SESSION_TTL"`
	InferenceURL     string        `mapstructure:"INFERENCE_URL"`
	InferenceToken   string        `mapstructure:"INFERENCE_TOKEN"`
	InferenceTimeout time.Duration `mapstructure:"INFERENCE_TIMEOUT"`
	StorageBucket    string        `mapstructure:"STORAGE_BUCKET"`
	CORSOrigins      []string      `mapstructure:"CORS_ORIGINS"`
	BodyLimit        string        `mapstructure:"BODY_LIMIT"`
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
	v.SetDefault("SESSION_TTL", "24h")
	// Inference runs for minutes on the upstream model; the observed worst
	// case is just under six minutes.
	v.SetDefault("INFERENCE_TIMEOUT", "360s")
	v.SetDefault("STORAGE_BUCKET", "user-scans")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("BODY_LIMIT", "100M")

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("AUTH_SECRET")
	v.BindEnv("SESSION_TTL")
	v.BindEnv("INFERENCE_URL")
	v.BindEnv("INFERENCE_TOKEN")
	v.BindEnv("INFERENCE_TIMEOUT")
	v.BindEnv("STORAGE_BUCKET")
	v.BindEnv("CORS_ORIGINS")
	v.BindEnv("BODY_LIMIT")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.InferenceURL == "" {
		return nil, fmt.Errorf("INFERENCE_URL is required")
	}

	if cfg.IsDev() && cfg.AuthSecret == "" {
		cfg.AuthSecret = "dev-secret-do-not-use-in-production"
		log.Println("WARNING: AUTH_SECRET not set, using development secret.")
		log.Println("WARNING: Set AUTH_SECRET before deploying.")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to run. Outside development
// the session signing secret and the inference bearer token must be set, and
// the inference deadline has to be a positive duration.
func (c *Config) Validate() error {
	if !c.IsDev() {
		if c.AuthSecret == "" {
			return fmt.Errorf("AUTH_SECRET is required when ENV is %q", c.Env)
		}
		if c.InferenceToken == "" {
			return fmt.Errorf("INFERENCE_TOKEN is required when ENV is %q", c.Env)
		}
	}
	if c.InferenceTimeout <= 0 {
		return fmt.Errorf("INFERENCE_TIMEOUT must be positive, got %s", c.InferenceTimeout)
	}
	if c.StorageBucket == "" {
		return fmt.Errorf("STORAGE_BUCKET must not be empty")
	}
	return nil
}
