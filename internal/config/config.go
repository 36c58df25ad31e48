package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port              string        `mapstructure:"PORT"`
	Env               string        `mapstructure:"ENV"`
	DatabaseURL       string        `mapstructure:"DATABASE_URL"`
	DBMaxConns        int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns        int32         `mapstructure:"DB_MIN_CONNS"`
	DefaultTenant     string        `mapstructure:"DEFAULT_TENANT"`
	RulesDir          string        `mapstructure:"RULES_DIR"`
	JWTSecret         string        `mapstructure:"JWT_SECRET"`
	JWTAccessMinutes  int           `mapstructure:"JWT_ACCESS_MINUTES"`
	AdminUsername     string        `mapstructure:"ADMIN_USERNAME"`
	AdminPassword     string        `mapstructure:"ADMIN_PASSWORD"`
	GoogleAPIKey      string        `mapstructure:"GOOGLE_API_KEY"`
	GeminiModel       string        `mapstructure:"GEMINI_MODEL"`
	EnrichTimeout     time.Duration `mapstructure:"ENRICH_TIMEOUT"`
	EnrichMaxAttempts int           `mapstructure:"ENRICH_MAX_ATTEMPTS"`
	BatchWorkers      int           `mapstructure:"BATCH_WORKERS"`
	MaxUploadMB       int64         `mapstructure:"MAX_UPLOAD_MB"`
	RequestTimeout    time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	CORSOrigins       []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS      float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst    int           `mapstructure:"RATE_LIMIT_BURST"`
	WebhookURLs       []string      `mapstructure:"WEBHOOK_URLS"`
	WebhookSecret     string        `mapstructure:"WEBHOOK_SECRET"`
	WebhookMaxRetries int           `mapstructure:"WEBHOOK_MAX_RETRIES"`
}

var keys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "DEFAULT_TENANT",
	"RULES_DIR", "JWT_SECRET", "JWT_ACCESS_MINUTES", "ADMIN_USERNAME", "ADMIN_PASSWORD",
	"GOOGLE_API_KEY", "GEMINI_MODEL", "ENRICH_TIMEOUT", "ENRICH_MAX_ATTEMPTS",
	"BATCH_WORKERS", "MAX_UPLOAD_MB", "REQUEST_TIMEOUT", "CORS_ORIGINS",
	"RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "WEBHOOK_URLS", "WEBHOOK_SECRET",
	"WEBHOOK_MAX_RETRIES",
}

// Load reads configuration from the environment and an optional .env file.
// It does not require a database; commands that need one call Validate.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("DEFAULT_TENANT", "default")
	v.SetDefault("RULES_DIR", "rules")
	v.SetDefault("JWT_ACCESS_MINUTES", 60)
	v.SetDefault("ADMIN_USERNAME", "admin")
	v.SetDefault("GEMINI_MODEL", "gemini-1.5-flash")
	v.SetDefault("ENRICH_TIMEOUT", "10s")
	v.SetDefault("ENRICH_MAX_ATTEMPTS", 3)
	v.SetDefault("BATCH_WORKERS", 0)
	v.SetDefault("MAX_UPLOAD_MB", 10)
	v.SetDefault("REQUEST_TIMEOUT", "60s")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 50)
	v.SetDefault("RATE_LIMIT_BURST", 100)
	v.SetDefault("WEBHOOK_MAX_RETRIES", 3)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		if origins := v.GetString("CORS_ORIGINS"); origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}
	if cfg.WebhookURLs == nil {
		if urls := v.GetString("WEBHOOK_URLS"); urls != "" {
			cfg.WebhookURLs = strings.Split(urls, ",")
		}
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

// EnrichmentEnabled reports whether a text-generation key is configured.
func (c *Config) EnrichmentEnabled() bool {
	return c.GoogleAPIKey != ""
}

// Validate checks that the configuration is safe to serve with. Outside
// development a JWT secret and an admin password are mandatory.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) must not exceed DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if c.JWTAccessMinutes <= 0 {
		return fmt.Errorf("JWT_ACCESS_MINUTES must be positive, got %d", c.JWTAccessMinutes)
	}
	if c.MaxUploadMB <= 0 {
		return fmt.Errorf("MAX_UPLOAD_MB must be positive, got %d", c.MaxUploadMB)
	}
	if c.EnrichMaxAttempts <= 0 {
		return fmt.Errorf("ENRICH_MAX_ATTEMPTS must be positive, got %d", c.EnrichMaxAttempts)
	}

	if c.IsDev() {
		if c.JWTSecret == "" {
			log.Println("WARNING: JWT_SECRET is not set; using an insecure development secret.")
			c.JWTSecret = "dev-secret-change-me"
		}
		if c.AdminPassword == "" {
			log.Println("WARNING: ADMIN_PASSWORD is not set; using the development default.")
			c.AdminPassword = "admin"
		}
		return nil
	}

	if len(c.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 characters outside development")
	}
	if c.AdminPassword == "" {
		return fmt.Errorf("ADMIN_PASSWORD is required outside development")
	}
	return nil
}
