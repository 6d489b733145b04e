package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port            int
	GinMode         string
	TLSCertFile     string
	TLSKeyFile      string
	ShutdownTimeout time.Duration

	MasterSecret string
	AdminExpiry  time.Duration

	DatabaseURL   string
	RedisAddr     string
	RedisPassword string

	LogLevel  string
	LogFormat string

	ProbeCooldown   time.Duration
	AccessAllowlist string

	SMTP SMTPConfig
}

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// Enabled reports whether outgoing mail is configured.
func (c SMTPConfig) Enabled() bool { return c.Host != "" && c.From != "" }

type Env interface {
	Getenv(key string) string
}

type osEnv struct{}

func (osEnv) Getenv(key string) string { return os.Getenv(key) }

func LoadConfig() (Config, error) {
	return LoadConfigFromEnv(osEnv{})
}

func LoadConfigFromEnv(env Env) (Config, error) {
	cfg := Config{
		Port:            3000,
		GinMode:         "release",
		ShutdownTimeout: 10 * time.Second,
		AdminExpiry:     time.Hour,
		DatabaseURL:     "file:viewer-relay.db",
		LogLevel:        "info",
		LogFormat:       "text",
		ProbeCooldown:   time.Minute,
		SMTP:            SMTPConfig{Port: 587},
	}

	var err error
	if cfg.Port, err = port(env, "PORT", cfg.Port); err != nil {
		return Config{}, err
	}

	cfg.MasterSecret = env.Getenv("MASTER_SECRET")
	if cfg.MasterSecret == "" {
		return Config{}, fmt.Errorf("MASTER_SECRET is required")
	}

	if raw := env.Getenv("GIN_MODE"); raw != "" {
		cfg.GinMode = raw
	}

	cfg.TLSCertFile = env.Getenv("TLS_CERT_FILE")
	cfg.TLSKeyFile = env.Getenv("TLS_KEY_FILE")

	if cfg.AdminExpiry, err = seconds(env, "ADMIN_TOKEN_EXPIRY_SECONDS", cfg.AdminExpiry); err != nil {
		return Config{}, err
	}
	if cfg.ProbeCooldown, err = seconds(env, "PROBE_COOLDOWN_SECONDS", cfg.ProbeCooldown); err != nil {
		return Config{}, err
	}
	if cfg.ShutdownTimeout, err = seconds(env, "SHUTDOWN_TIMEOUT_SECONDS", cfg.ShutdownTimeout); err != nil {
		return Config{}, err
	}

	if raw := env.Getenv("DATABASE_URL"); raw != "" {
		cfg.DatabaseURL = raw
	}
	cfg.RedisAddr = env.Getenv("REDIS_ADDR")
	cfg.RedisPassword = env.Getenv("REDIS_PASSWORD")

	if raw := env.Getenv("LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := env.Getenv("LOG_FORMAT"); raw != "" {
		cfg.LogFormat = raw
	}
	cfg.AccessAllowlist = env.Getenv("ACCESS_ALLOWLIST")

	cfg.SMTP.Host = env.Getenv("SMTP_HOST")
	if cfg.SMTP.Port, err = port(env, "SMTP_PORT", cfg.SMTP.Port); err != nil {
		return Config{}, err
	}
	cfg.SMTP.Username = env.Getenv("SMTP_USERNAME")
	cfg.SMTP.Password = env.Getenv("SMTP_PASSWORD")
	cfg.SMTP.From = env.Getenv("SMTP_FROM")

	return cfg, nil
}

func port(env Env, key string, def int) (int, error) {
	raw := env.Getenv(key)
	if raw == "" {
		return def, nil
	}
	p, err := strconv.Atoi(raw)
	if err != nil || p <= 0 || p > 65535 {
		return 0, fmt.Errorf("invalid %s", key)
	}
	return p, nil
}

func seconds(env Env, key string, def time.Duration) (time.Duration, error) {
	raw := env.Getenv(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid %s", key)
	}
	return time.Duration(n) * time.Second, nil
}
