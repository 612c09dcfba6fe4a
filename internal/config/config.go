package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port            string        `mapstructure:"PORT"`
	Env             string        `mapstructure:"ENV"`
	DatabaseURL     string        `mapstructure:"DATABASE_URL"`
	DBMaxConns      int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns      int32         `mapstructure:"DB_MIN_CONNS"`
	AuthSecret      string        `mapstructure:"AUTH_SECRET"`
	CORSOrigins     []string      `mapstructure:"CORS_ORIGINS"`
	PublicBaseURL   string        `mapstructure:"PUBLIC_BASE_URL"`
	ScanMaxFPS      int           `mapstructure:"SCAN_MAX_FPS"`
	ScanTimeout     time.Duration `mapstructure:"SCAN_TIMEOUT"`
	SessionTTL      time.Duration `mapstructure:"SESSION_TTL"`
	ResolverURL     string        `mapstructure:"RESOLVER_URL"`
	ResolverTimeout time.Duration `mapstructure:"RESOLVER_TIMEOUT"`
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
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("PUBLIC_BASE_URL", "http://localhost:8000")
	v.SetDefault("SCAN_MAX_FPS", 15)
	v.SetDefault("SCAN_TIMEOUT", "2m")
	v.SetDefault("SESSION_TTL", "10m")
	v.SetDefault("RESOLVER_TIMEOUT", "15s")

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("AUTH_SECRET")
	v.BindEnv("CORS_ORIGINS")
	v.BindEnv("PUBLIC_BASE_URL")
	v.BindEnv("SCAN_MAX_FPS")
	v.BindEnv("SCAN_TIMEOUT")
	v.BindEnv("SESSION_TTL")
	v.BindEnv("RESOLVER_URL")
	v.BindEnv("RESOLVER_TIMEOUT")

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

	if cfg.ResolverURL == "" {
		cfg.ResolverURL = "http://localhost:" + cfg.Port
	}

	if cfg.IsDev() {
		log.Println("WARNING: Server is running in DEVELOPMENT mode (ENV=development).")
		log.Println("WARNING: All requests receive facility_admin access without authentication.")
		log.Println("WARNING: Set ENV=production and AUTH_SECRET for production use.")
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

// Validate checks that the configuration is safe to run. In production
// AUTH_SECRET is required so the management API is actually authenticated,
// and the scan loop rate must stay within a sane bound.
func (c *Config) Validate() error {
	if c.IsProduction() && c.AuthSecret == "" {
		return fmt.Errorf("AUTH_SECRET is required in production")
	}
	if c.AuthSecret != "" && len(c.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be at least 32 bytes, got %d", len(c.AuthSecret))
	}
	if c.ScanMaxFPS < 1 || c.ScanMaxFPS > 60 {
		return fmt.Errorf("SCAN_MAX_FPS must be between 1 and 60, got %d", c.ScanMaxFPS)
	}
	if c.ScanTimeout <= 0 {
		return fmt.Errorf("SCAN_TIMEOUT must be positive")
	}
	if c.SessionTTL < 0 {
		return fmt.Errorf("SESSION_TTL must not be negative")
	}
	if c.ResolverTimeout <= 0 {
		return fmt.Errorf("RESOLVER_TIMEOUT must be positive")
	}
	return nil
}

// FrameInterval returns the minimum spacing between scan loop ticks.
func (c *Config) FrameInterval() time.Duration {
	return time.Second / time.Duration(c.ScanMaxFPS)
}
