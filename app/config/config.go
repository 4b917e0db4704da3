package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	// this will automatically load your .env file:
	_ "github.com/joho/godotenv/autoload"
)

type Config struct {
	Port     string
	Env      string
	Logs     LogConfig
	DB       PostgresConfig
	GenWave  GenWaveConfig
	Security SecurityConfig
	QueueURL string
	Workers  int

	// SyncInterval drives the background status sync loop. Zero disables it.
	SyncInterval time.Duration

	Tracing TracingConfig
}

// TracingConfig enables OTLP export when Endpoint is set.
type TracingConfig struct {
	Endpoint string
	Insecure bool
}

type LogConfig struct {
	Style string
	Level string
}

type PostgresConfig struct {
	Username    string
	Password    string
	URL         string
	Port        string
	Name        string
	SSLMode     string
	AutoMigrate bool
}

// DSN builds the lib/pq connection string.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		p.Username,
		p.Password,
		p.URL,
		p.Port,
		p.Name,
		p.SSLMode,
	)
}

type GenWaveConfig struct {
	APIURL       string
	AccountURL   string
	SiteURL      string
	DashboardURL string
	RateLimit    float64
	BatchSize    int
}

type SecurityConfig struct {
	EncryptionKey     string
	NonceSalt         string
	NonceLifetime     time.Duration
	ConnectSessionTTL time.Duration
}

// CallbackURL is where the account service sends editors back after connecting.
func (g GenWaveConfig) CallbackURL() string {
	return g.SiteURL + "/connect/callback"
}

// WebhookURL is where the generation backend posts results.
func (g GenWaveConfig) WebhookURL() string {
	return g.SiteURL + "/webhooks/generation"
}

func LoadConfig() (*Config, error) {
	var errs []error

	batchSize, err := intEnv("GENWAVE_BATCH_SIZE", 10)
	errs = append(errs, err)
	rateLimit, err := floatEnv("GENWAVE_RATE_LIMIT", 5)
	errs = append(errs, err)
	workers, err := intEnv("WORKERS", runtime.NumCPU())
	errs = append(errs, err)
	nonceLifetime, err := durationEnv("NONCE_LIFETIME", 24*time.Hour)
	errs = append(errs, err)
	sessionTTL, err := durationEnv("CONNECT_SESSION_TTL", 15*time.Minute)
	errs = append(errs, err)
	syncInterval, err := durationEnv("SYNC_INTERVAL", 0)
	errs = append(errs, err)
	autoMigrate, err := boolEnv("DB_AUTO_MIGRATE", true)
	errs = append(errs, err)
	otlpInsecure, err := boolEnv("OTEL_EXPORTER_OTLP_INSECURE", true)
	errs = append(errs, err)

	siteURL := strings.TrimRight(os.Getenv("SITE_URL"), "/")
	dashboardURL := strings.TrimRight(envOr("DASHBOARD_URL", siteURL), "/")

	cfg := &Config{
		Port:     envOr("PORT", "8080"),
		Env:      os.Getenv("ENV"),
		QueueURL: os.Getenv("QUEUE_URL"),
		Workers:  workers,
		Logs: LogConfig{
			Style: envOr("LOG_STYLE", "json"),
			Level: envOr("LOG_LEVEL", "info"),
		},
		DB: PostgresConfig{
			Username:    os.Getenv("POSTGRES_USER"),
			Password:    os.Getenv("POSTGRES_PWD"),
			URL:         os.Getenv("POSTGRES_URL"),
			Port:        envOr("POSTGRES_PORT", "5432"),
			Name:        envOr("POSTGRES_DB", "genwave"),
			SSLMode:     envOr("POSTGRES_SSLMODE", "disable"),
			AutoMigrate: autoMigrate,
		},
		GenWave: GenWaveConfig{
			APIURL:       strings.TrimRight(envOr("GENWAVE_API_URL", "https://api.genwave.ai"), "/"),
			AccountURL:   strings.TrimRight(envOr("GENWAVE_ACCOUNT_URL", "https://account.genwave.ai"), "/"),
			SiteURL:      siteURL,
			DashboardURL: dashboardURL,
			RateLimit:    rateLimit,
			BatchSize:    batchSize,
		},
		Security: SecurityConfig{
			EncryptionKey:     os.Getenv("ENCRYPTION_KEY"),
			NonceSalt:         os.Getenv("NONCE_SALT"),
			NonceLifetime:     nonceLifetime,
			ConnectSessionTTL: sessionTTL,
		},
		SyncInterval: syncInterval,
		Tracing: TracingConfig{
			Endpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
			Insecure: otlpInsecure,
		},
	}

	if cfg.GenWave.SiteURL == "" {
		errs = append(errs, errors.New("SITE_URL must be set"))
	}
	if cfg.Security.EncryptionKey == "" {
		errs = append(errs, errors.New("ENCRYPTION_KEY must be set"))
	}
	if cfg.Security.NonceSalt == "" {
		errs = append(errs, errors.New("NONCE_SALT must be set"))
	}
	if cfg.GenWave.BatchSize <= 0 {
		errs = append(errs, errors.New("GENWAVE_BATCH_SIZE must be positive"))
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return cfg, nil
}

// IsLocal reports whether the service runs in local development mode.
func (c *Config) IsLocal() bool {
	return strings.EqualFold(c.Env, "local")
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func intEnv(key string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback, fmt.Errorf("converting %s to int: %w", key, err)
	}
	return n, nil
}

func floatEnv(key string, fallback float64) (float64, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback, fmt.Errorf("converting %s to float: %w", key, err)
	}
	return f, nil
}

func boolEnv(key string, fallback bool) (bool, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback, fmt.Errorf("parsing %s: %w", key, err)
	}
	return b, nil
}

func durationEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback, fmt.Errorf("parsing %s: %w", key, err)
	}
	return d, nil
}
