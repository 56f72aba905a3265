package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Server        ServerConfig        `json:"server" yaml:"server"`
	Database      DatabaseConfig      `json:"database" yaml:"database"`
	Security      SecurityConfig      `json:"security" yaml:"security"`
	RateLimit     RateLimitConfig     `json:"rate_limit" yaml:"rate_limit"`
	Redis         RedisConfig         `json:"redis" yaml:"redis"`
	Authorization AuthorizationConfig `json:"authorization" yaml:"authorization"`
	Ledger        LedgerConfig        `json:"ledger" yaml:"ledger"`
	Anomaly       AnomalyConfig       `json:"anomaly" yaml:"anomaly"`
	Alerts        AlertsConfig        `json:"alerts" yaml:"alerts"`
	Events        EventsConfig        `json:"events" yaml:"events"`
	Tracing       TracingConfig       `json:"tracing" yaml:"tracing"`
	Logging       LoggingConfig       `json:"logging" yaml:"logging"`
	Features      map[string]bool     `json:"features" yaml:"features"`
}

// ServerConfig holds server-related configuration.
type ServerConfig struct {
	Port string `json:"port" yaml:"port"`
	Host string `json:"host" yaml:"host"`
}

// DatabaseConfig selects and configures the relational store.
type DatabaseConfig struct {
	Driver string `json:"driver" yaml:"driver"` // sqlite | postgres
	Path   string `json:"path" yaml:"path"`
	DSN    string `json:"dsn" yaml:"dsn"`
}

// SecurityConfig holds security-related configuration.
type SecurityConfig struct {
	// Max request body size in bytes
	MaxRequestBodySize int64 `json:"max_request_body_size" yaml:"max_request_body_size"`
	// Allowed CORS origins for operator routes (comma-separated)
	AllowedOrigins string `json:"allowed_origins" yaml:"allowed_origins"`
	// Shared secret used to sign inbound authorization webhooks
	WebhookSecret           string `json:"webhook_secret" yaml:"webhook_secret"`
	WebhookToleranceSeconds int    `json:"webhook_tolerance_seconds" yaml:"webhook_tolerance_seconds"`
	CronSecret              string `json:"cron_secret" yaml:"cron_secret"`
	AdminSecret             string `json:"admin_secret" yaml:"admin_secret"`
}

// RateLimitConfig holds rate limiting configuration for operator routes.
type RateLimitConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
	Rate    int  `json:"rate" yaml:"rate"`
	Window  int  `json:"window" yaml:"window"` // in seconds
}

// RedisConfig configures the shared cache and velocity counters.
type RedisConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Addr     string `json:"addr" yaml:"addr"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
}

// AuthorizationConfig bounds the synchronous decision path.
type AuthorizationConfig struct {
	DecisionTimeoutMs int    `json:"decision_timeout_ms" yaml:"decision_timeout_ms"`
	Timezone          string `json:"timezone" yaml:"timezone"`
	ReplayTTLSeconds  int    `json:"replay_ttl_seconds" yaml:"replay_ttl_seconds"`
}

// LedgerConfig configures the async ledger writer.
type LedgerConfig struct {
	Workers        int `json:"workers" yaml:"workers"`
	QueueSize      int `json:"queue_size" yaml:"queue_size"`
	MaxAttempts    int `json:"max_attempts" yaml:"max_attempts"`
	PollIntervalMs int `json:"poll_interval_ms" yaml:"poll_interval_ms"`
	LeaseSeconds   int `json:"lease_seconds" yaml:"lease_seconds"`
}

// AnomalyConfig holds the detector thresholds.
type AnomalyConfig struct {
	WindowMinutes              int     `json:"window_minutes" yaml:"window_minutes"`
	VelocityWindowMinutes      int     `json:"velocity_window_minutes" yaml:"velocity_window_minutes"`
	VelocityThresholdPerMinute int64   `json:"velocity_threshold_per_minute" yaml:"velocity_threshold_per_minute"`
	ScoreThreshold             int     `json:"score_threshold" yaml:"score_threshold"`
	FreezeScoreThreshold       int     `json:"freeze_score_threshold" yaml:"freeze_score_threshold"`
	BudgetWarningRatio         float64 `json:"budget_warning_ratio" yaml:"budget_warning_ratio"`
	Concurrency                int     `json:"concurrency" yaml:"concurrency"`
}

// AlertsConfig points at the external notification collaborator.
type AlertsConfig struct {
	WebhookURL string `json:"webhook_url" yaml:"webhook_url"`
	TimeoutMs  int    `json:"timeout_ms" yaml:"timeout_ms"`
}

// EventsConfig configures the Kafka event publisher.
type EventsConfig struct {
	KafkaBrokers string `json:"kafka_brokers" yaml:"kafka_brokers"` // comma-separated
	KafkaTopic   string `json:"kafka_topic" yaml:"kafka_topic"`
}

// TracingConfig configures OpenTelemetry export.
type TracingConfig struct {
	Enabled     bool   `json:"enabled" yaml:"enabled"`
	Endpoint    string `json:"endpoint" yaml:"endpoint"`
	Environment string `json:"environment" yaml:"environment"`
}

// LoggingConfig configures zerolog output.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

// LoadConfig loads configuration from environment variables and/or config file.
// Environment variables take precedence over config file values.
func LoadConfig(configFile string) (*Config, error) {
	cfg := Default()

	if configFile != "" {
		if err := loadFromFile(configFile, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	overrideFromEnv(cfg)

	return cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Port: "8080"},
		Database: DatabaseConfig{
			Driver: "sqlite",
			Path:   "./spend_authorizer.db",
		},
		Security: SecurityConfig{
			MaxRequestBodySize:      1 << 20,
			AllowedOrigins:          "*",
			WebhookToleranceSeconds: 300,
		},
		RateLimit: RateLimitConfig{Enabled: true, Rate: 60, Window: 60},
		Redis:     RedisConfig{Addr: "localhost:6379"},
		Authorization: AuthorizationConfig{
			DecisionTimeoutMs: 1500,
			Timezone:          "UTC",
			ReplayTTLSeconds:  86400,
		},
		Ledger: LedgerConfig{
			Workers:        4,
			QueueSize:      1024,
			MaxAttempts:    8,
			PollIntervalMs: 2000,
			LeaseSeconds:   30,
		},
		Anomaly: AnomalyConfig{
			WindowMinutes:              10,
			VelocityWindowMinutes:      5,
			VelocityThresholdPerMinute: 50000,
			ScoreThreshold:             70,
			FreezeScoreThreshold:       90,
			BudgetWarningRatio:         0.90,
			Concurrency:                8,
		},
		Alerts:   AlertsConfig{TimeoutMs: 5000},
		Events:   EventsConfig{KafkaTopic: "authorization-events"},
		Logging:  LoggingConfig{Level: "info", Format: "json"},
		Features: map[string]bool{},
	}
}

// loadFromFile loads configuration from a YAML or JSON file.
func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return err
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		expanded := os.ExpandEnv(string(data))
		return yaml.Unmarshal([]byte(expanded), cfg)
	default:
		return json.Unmarshal(data, cfg)
	}
}

// overrideFromEnv overrides configuration with environment variables.
func overrideFromEnv(cfg *Config) {
	setString(&cfg.Server.Port, "SERVER_PORT")
	setString(&cfg.Server.Host, "SERVER_HOST")

	setString(&cfg.Database.Driver, "DATABASE_DRIVER")
	setString(&cfg.Database.Path, "DATABASE_PATH")
	setString(&cfg.Database.DSN, "DATABASE_URL")

	setInt64(&cfg.Security.MaxRequestBodySize, "MAX_REQUEST_BODY_SIZE")
	setString(&cfg.Security.AllowedOrigins, "ALLOWED_ORIGINS")
	setString(&cfg.Security.WebhookSecret, "WEBHOOK_SECRET")
	setInt(&cfg.Security.WebhookToleranceSeconds, "WEBHOOK_TOLERANCE_SECONDS")
	setString(&cfg.Security.CronSecret, "CRON_SECRET")
	setString(&cfg.Security.AdminSecret, "ADMIN_SECRET")

	setBool(&cfg.RateLimit.Enabled, "RATE_LIMIT_ENABLED")
	setInt(&cfg.RateLimit.Rate, "RATE_LIMIT_RATE")
	setInt(&cfg.RateLimit.Window, "RATE_LIMIT_WINDOW")

	setBool(&cfg.Redis.Enabled, "REDIS_ENABLED")
	setString(&cfg.Redis.Addr, "REDIS_ADDR")
	setString(&cfg.Redis.Password, "REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "REDIS_DB")

	setInt(&cfg.Authorization.DecisionTimeoutMs, "AUTHORIZATION_DECISION_TIMEOUT_MS")
	setString(&cfg.Authorization.Timezone, "AUTHORIZATION_TIMEZONE")
	setInt(&cfg.Authorization.ReplayTTLSeconds, "AUTHORIZATION_REPLAY_TTL_SECONDS")

	setInt(&cfg.Ledger.Workers, "LEDGER_WORKERS")
	setInt(&cfg.Ledger.QueueSize, "LEDGER_QUEUE_SIZE")
	setInt(&cfg.Ledger.MaxAttempts, "LEDGER_MAX_ATTEMPTS")
	setInt(&cfg.Ledger.PollIntervalMs, "LEDGER_POLL_INTERVAL_MS")
	setInt(&cfg.Ledger.LeaseSeconds, "LEDGER_LEASE_SECONDS")

	setInt(&cfg.Anomaly.WindowMinutes, "ANOMALY_WINDOW_MINUTES")
	setInt(&cfg.Anomaly.VelocityWindowMinutes, "ANOMALY_VELOCITY_WINDOW_MINUTES")
	setInt64(&cfg.Anomaly.VelocityThresholdPerMinute, "ANOMALY_VELOCITY_THRESHOLD_PER_MINUTE")
	setInt(&cfg.Anomaly.ScoreThreshold, "ANOMALY_SCORE_THRESHOLD")
	setInt(&cfg.Anomaly.FreezeScoreThreshold, "ANOMALY_FREEZE_SCORE_THRESHOLD")
	setFloat(&cfg.Anomaly.BudgetWarningRatio, "ANOMALY_BUDGET_WARNING_RATIO")
	setInt(&cfg.Anomaly.Concurrency, "ANOMALY_CONCURRENCY")

	setString(&cfg.Alerts.WebhookURL, "ALERTS_WEBHOOK_URL")
	setInt(&cfg.Alerts.TimeoutMs, "ALERTS_TIMEOUT_MS")

	setString(&cfg.Events.KafkaBrokers, "EVENTS_KAFKA_BROKERS")
	setString(&cfg.Events.KafkaTopic, "EVENTS_KAFKA_TOPIC")

	setBool(&cfg.Tracing.Enabled, "TRACING_ENABLED")
	setString(&cfg.Tracing.Endpoint, "TRACING_ENDPOINT")
	setString(&cfg.Tracing.Environment, "TRACING_ENVIRONMENT")

	setString(&cfg.Logging.Level, "LOG_LEVEL")
	setString(&cfg.Logging.Format, "LOG_FORMAT")
}

func setString(dst *string, key string) {
	if value := os.Getenv(key); value != "" {
		*dst = value
	}
}

func setBool(dst *bool, key string) {
	if value := os.Getenv(key); value != "" {
		*dst = strings.ToLower(value) == "true" || value == "1"
	}
}

func setInt(dst *int, key string) {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			*dst = i
		}
	}
}

func setInt64(dst *int64, key string) {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			*dst = i
		}
	}
}

func setFloat(dst *float64, key string) {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			*dst = f
		}
	}
}

// Validate validates the configuration and returns any errors.
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	switch c.Database.Driver {
	case "sqlite":
		if c.Database.Path == "" {
			return fmt.Errorf("database path is required for sqlite")
		}
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database dsn is required for postgres")
		}
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if c.Security.WebhookSecret == "" {
		return fmt.Errorf("webhook secret is required")
	}
	if c.Authorization.DecisionTimeoutMs <= 0 || c.Authorization.DecisionTimeoutMs >= 2000 {
		return fmt.Errorf("decision timeout must be between 1 and 1999 ms")
	}
	if _, err := time.LoadLocation(c.Authorization.Timezone); err != nil {
		return fmt.Errorf("invalid authorization timezone %q: %w", c.Authorization.Timezone, err)
	}
	if c.Ledger.Workers <= 0 {
		return fmt.Errorf("ledger workers must be positive")
	}
	if c.Ledger.MaxAttempts <= 0 {
		return fmt.Errorf("ledger max attempts must be positive")
	}
	if c.Anomaly.BudgetWarningRatio <= 0 || c.Anomaly.BudgetWarningRatio > 1 {
		return fmt.Errorf("budget warning ratio must be in (0, 1]")
	}
	if c.Anomaly.ScoreThreshold < 0 || c.Anomaly.ScoreThreshold > 100 {
		return fmt.Errorf("anomaly score threshold must be in [0, 100]")
	}
	if c.RateLimit.Enabled {
		if c.RateLimit.Rate <= 0 {
			return fmt.Errorf("rate limit rate must be positive")
		}
		if c.RateLimit.Window <= 0 {
			return fmt.Errorf("rate limit window must be positive")
		}
	}
	return nil
}

// DecisionTimeout returns the synchronous pipeline budget.
func (c *Config) DecisionTimeout() time.Duration {
	return time.Duration(c.Authorization.DecisionTimeoutMs) * time.Millisecond
}

// Location returns the timezone used to compute the authorization's local day.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Authorization.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// KafkaBrokers splits the configured broker list.
func (c *Config) KafkaBrokers() []string {
	var brokers []string
	for _, b := range strings.Split(c.Events.KafkaBrokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}
