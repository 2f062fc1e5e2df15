package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"
)

const DefaultJWTSecret = "dev-secret-change-me"

type Config struct {
	Port                  string
	DatabaseDriver        string
	DatabaseDSN           string
	JWTSecret             string
	Env                   string
	AccessTokenTTLMinutes int
	RefreshTokenTTLDays   int
	// ValidateSender rejects messages from senders without an active membership.
	// Off by default: such sends are accepted and flagged.
	ValidateSender bool
	RateLimitRPS   int
	RateLimitBurst int
	WSReadLimit    int64
	WSPingPeriod   time.Duration
}

var envKeys = map[string]string{
	"port":                     "APP_PORT",
	"database_driver":          "DATABASE_DRIVER",
	"database_dsn":             "DATABASE_DSN",
	"jwt_secret":               "JWT_SECRET",
	"env":                      "APP_ENV",
	"access_token_ttl_minutes": "ACCESS_TOKEN_TTL_MINUTES",
	"refresh_token_ttl_days":   "REFRESH_TOKEN_TTL_DAYS",
	"validate_sender":          "CHAT_VALIDATE_SENDER",
	"rate_limit_rps":           "RATE_LIMIT_RPS",
	"rate_limit_burst":         "RATE_LIMIT_BURST",
	"ws_read_limit":            "WS_READ_LIMIT",
	"ws_ping_period":           "WS_PING_PERIOD",
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetDefault("port", "8080")
	v.SetDefault("database_driver", "postgres")
	v.SetDefault("database_dsn", "host=localhost user=postgres password=postgres dbname=chatroom port=5432 sslmode=disable TimeZone=UTC")
	v.SetDefault("jwt_secret", DefaultJWTSecret)
	v.SetDefault("env", "dev")
	v.SetDefault("access_token_ttl_minutes", 15)
	v.SetDefault("refresh_token_ttl_days", 7)
	v.SetDefault("validate_sender", false)
	v.SetDefault("rate_limit_rps", 20)
	v.SetDefault("rate_limit_burst", 40)
	v.SetDefault("ws_read_limit", 1<<20)
	v.SetDefault("ws_ping_period", "30s")
	for key, env := range envKeys {
		_ = v.BindEnv(key, env)
	}
	return v
}

// LoadFile reads configuration from the environment on top of built-in
// defaults, with an optional yaml file layered in between. A missing file is
// an error; an empty path skips the file.
func LoadFile(path string) (Config, error) {
	v := newViper()
	var fileErr error
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			fileErr = fmt.Errorf("read config %s: %w", path, err)
		}
	}
	cfg := Config{
		Port:                  v.GetString("port"),
		DatabaseDriver:        v.GetString("database_driver"),
		DatabaseDSN:           v.GetString("database_dsn"),
		JWTSecret:             v.GetString("jwt_secret"),
		Env:                   v.GetString("env"),
		AccessTokenTTLMinutes: positive(v.GetInt("access_token_ttl_minutes"), 15),
		RefreshTokenTTLDays:   positive(v.GetInt("refresh_token_ttl_days"), 7),
		ValidateSender:        v.GetBool("validate_sender"),
		RateLimitRPS:          positive(v.GetInt("rate_limit_rps"), 20),
		RateLimitBurst:        positive(v.GetInt("rate_limit_burst"), 40),
		WSReadLimit:           int64(positive(v.GetInt("ws_read_limit"), 1<<20)),
		WSPingPeriod:          v.GetDuration("ws_ping_period"),
	}
	if cfg.WSPingPeriod <= 0 {
		cfg.WSPingPeriod = 30 * time.Second
	}
	return cfg, fileErr
}

func positive(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// Validate rejects configurations the server must not start with.
func Validate(cfg Config) error {
	if cfg.Port == "" {
		return errors.New("port is required")
	}
	if cfg.DatabaseDSN == "" {
		return errors.New("database dsn is required")
	}
	switch cfg.DatabaseDriver {
	case "", "postgres", "sqlite":
	default:
		return fmt.Errorf("unsupported database driver %q", cfg.DatabaseDriver)
	}
	if cfg.Env != "dev" && cfg.JWTSecret == DefaultJWTSecret {
		return errors.New("jwt secret must be changed outside dev")
	}
	return nil
}
