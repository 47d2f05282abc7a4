// Package config loads and validates the license server configuration using Viper.
//
// Configuration is layered: built-in defaults < YAML config file < environment
// variables. Environment variables use the SLS_ prefix (e.g., SLS_DATABASE_HOST
// overrides database.host in the YAML). The plan table is only read from the
// config file because it is a list of structured entries.
package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Security      SecurityConfig      `mapstructure:"security"`
	Logging       LoggingConfig       `mapstructure:"logging"`
	Telemetry     TelemetryConfig     `mapstructure:"telemetry"`
	Audit         AuditConfig         `mapstructure:"audit"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
	Licensing     LicensingConfig     `mapstructure:"licensing"`
	Admin         AdminConfig         `mapstructure:"admin"`
	Webhooks      WebhooksConfig      `mapstructure:"webhooks"`
	Plans         PlansConfig         `mapstructure:"plans"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	BaseURL      string        `mapstructure:"base_url"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig holds database connection configuration
type DatabaseConfig struct {
	Host               string `mapstructure:"host"`
	Port               int    `mapstructure:"port"`
	Name               string `mapstructure:"name"`
	User               string `mapstructure:"user"`
	Password           string `mapstructure:"password"`
	SSLMode            string `mapstructure:"ssl_mode"`
	MaxConnections     int    `mapstructure:"max_connections"`
	MinIdleConnections int    `mapstructure:"min_idle_connections"`
}

// RedisConfig holds the optional Redis connection used for distributed rate limiting.
// When disabled, each replica keeps its own in-memory limiter.
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// SecurityConfig holds security-related configuration
type SecurityConfig struct {
	CORS         CORSConfig         `mapstructure:"cors"`
	RateLimiting RateLimitingConfig `mapstructure:"rate_limiting"`
	TLS          TLSConfig          `mapstructure:"tls"`
}

// CORSConfig holds CORS configuration
type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	AllowedMethods []string `mapstructure:"allowed_methods"`
}

// RateLimitingConfig holds rate limiting configuration
type RateLimitingConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	RequestsPerMinute int  `mapstructure:"requests_per_minute"`
	Burst             int  `mapstructure:"burst"`
}

// TLSConfig holds TLS/HTTPS configuration
type TLSConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

// TelemetryConfig holds observability configuration
type TelemetryConfig struct {
	Enabled     bool            `mapstructure:"enabled"`
	ServiceName string          `mapstructure:"service_name"`
	Metrics     MetricsConfig   `mapstructure:"metrics"`
	Profiling   ProfilingConfig `mapstructure:"profiling"`
}

// MetricsConfig holds Prometheus metrics configuration
type MetricsConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	PrometheusPort int  `mapstructure:"prometheus_port"`
}

// ProfilingConfig holds profiling configuration
type ProfilingConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// AuditConfig holds audit logging configuration
type AuditConfig struct {
	// Enabled determines if admin overrides are written to the audit_logs table
	Enabled bool `mapstructure:"enabled"`
	// Shippers configures external log shipping
	Shippers []AuditShipperConfig `mapstructure:"shippers"`
}

// AuditShipperConfig holds configuration for a single audit shipper
type AuditShipperConfig struct {
	Enabled bool                `mapstructure:"enabled"`
	Type    string              `mapstructure:"type"` // webhook, file
	Webhook *AuditWebhookConfig `mapstructure:"webhook"`
	File    *AuditFileConfig    `mapstructure:"file"`
}

// AuditWebhookConfig holds webhook shipper configuration
type AuditWebhookConfig struct {
	URL           string            `mapstructure:"url"`
	Headers       map[string]string `mapstructure:"headers"`
	TimeoutSecs   int               `mapstructure:"timeout_secs"`
	BatchSize     int               `mapstructure:"batch_size"`
	FlushInterval int               `mapstructure:"flush_interval_secs"`
	// SigningSecret, when set, signs each payload with HMAC-SHA256 in X-Audit-Signature
	SigningSecret string `mapstructure:"signing_secret"`
	// MaxAttempts bounds delivery attempts for a payload (default 3)
	MaxAttempts int `mapstructure:"max_attempts"`
}

// AuditFileConfig holds file shipper configuration
type AuditFileConfig struct {
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

// NotificationsConfig holds settings for outbound customer notifications
type NotificationsConfig struct {
	// Enabled globally toggles all outbound notifications. When false, notifications are only logged.
	Enabled bool `mapstructure:"enabled"`
	// QueueSize bounds the in-memory dispatch queue; a full queue drops notifications
	QueueSize int `mapstructure:"queue_size"`
	// Workers is the number of dispatch goroutines
	Workers int `mapstructure:"workers"`
	// Webhook relays notifications as JSON to the marketing-automation endpoint
	Webhook NotificationWebhookConfig `mapstructure:"webhook"`
	// SMTP holds the outbound mail server settings
	SMTP SMTPConfig `mapstructure:"smtp"`
	// TrialReminderDays is how many days before trial expiry the reminder is sent (default 3)
	TrialReminderDays int `mapstructure:"trial_reminder_days"`
	// TrialReminderCheckIntervalHours determines how often the reminder job runs (default 6)
	TrialReminderCheckIntervalHours int `mapstructure:"trial_reminder_check_interval_hours"`
}

// NotificationWebhookConfig holds the marketing-automation relay configuration
type NotificationWebhookConfig struct {
	URL         string            `mapstructure:"url"`
	Headers     map[string]string `mapstructure:"headers"`
	TimeoutSecs int               `mapstructure:"timeout_secs"`
}

// SMTPConfig holds outbound mail server configuration for notification emails
type SMTPConfig struct {
	// Host is the SMTP server hostname (e.g. smtp.sendgrid.net)
	Host string `mapstructure:"host"`
	// Port is the SMTP server port (587 for STARTTLS, 465 for SMTPS, 25 for plain)
	Port int `mapstructure:"port"`
	// Username for SMTP authentication
	Username string `mapstructure:"username"`
	// Password for SMTP authentication
	Password string `mapstructure:"password"`
	// From is the sender address shown in notification emails
	From string `mapstructure:"from"`
	// UseTLS enables STARTTLS (port 587) or implicit TLS (port 465); false = plain SMTP
	UseTLS bool `mapstructure:"use_tls"`
}

// LicensingConfig holds the entitlement rules that are not part of the plan table
type LicensingConfig struct {
	// KeyPrefix is prepended to generated license keys (e.g. "WPL")
	KeyPrefix string `mapstructure:"key_prefix"`
	// KeyGenerationAttempts bounds regeneration after a key collision
	KeyGenerationAttempts int `mapstructure:"key_generation_attempts"`
	// TrialDays is the trial term
	TrialDays int `mapstructure:"trial_days"`
	// TrialSeatLimit is the number of sites a trial may activate
	TrialSeatLimit int `mapstructure:"trial_seat_limit"`
	// MinPluginVersion rejects validation from older plugin builds; empty disables the check
	MinPluginVersion string `mapstructure:"min_plugin_version"`
	// TokenSigningKey is a base64 Ed25519 seed (32 bytes) or private key (64 bytes).
	// Empty disables decision tokens.
	TokenSigningKey string `mapstructure:"token_signing_key"`
	// TokenTTL is how long a signed decision remains valid offline
	TokenTTL time.Duration `mapstructure:"token_ttl"`
	// ExpirySweepInterval is how often expired licenses are transitioned in bulk
	ExpirySweepInterval time.Duration `mapstructure:"expiry_sweep_interval"`
	// StoreRetryAttempts bounds retries of transient storage faults
	StoreRetryAttempts uint `mapstructure:"store_retry_attempts"`
	// StoreRetryInitialInterval is the first backoff delay
	StoreRetryInitialInterval time.Duration `mapstructure:"store_retry_initial_interval"`
}

// AdminConfig holds administrative API authentication
type AdminConfig struct {
	// APISecretHash is the bcrypt hash of the shared admin secret (see cmd/hash)
	APISecretHash string `mapstructure:"api_secret_hash"`
}

// WebhooksConfig holds inbound payment-processor webhook settings
type WebhooksConfig struct {
	// LifecycleSecret must be presented in X-Webhook-Secret by the payment relay
	LifecycleSecret string `mapstructure:"lifecycle_secret"`
}

// PlansConfig is the versioned plan table mapping purchasable plans to license terms
type PlansConfig struct {
	Version string      `mapstructure:"version"`
	Entries []PlanEntry `mapstructure:"entries"`
}

// PlanEntry describes one purchasable plan. SeatLimit -1 means unlimited; TermDays 0 means no expiry.
type PlanEntry struct {
	PlanID      string `mapstructure:"plan_id"`
	LicenseType string `mapstructure:"license_type"`
	SeatLimit   int    `mapstructure:"seat_limit"`
	TermDays    int    `mapstructure:"term_days"`
}

// bindEnvVars explicitly binds environment variables to config keys.
// This is necessary because AutomaticEnv() doesn't work well with nested structs during Unmarshal.
func bindEnvVars(v *viper.Viper) error {
	keys := []string{
		// Database
		"database.host",
		"database.port",
		"database.name",
		"database.user",
		"database.password",
		"database.ssl_mode",
		"database.max_connections",
		"database.min_idle_connections",

		// Server
		"server.host",
		"server.port",
		"server.base_url",
		"server.read_timeout",
		"server.write_timeout",

		// Redis
		"redis.enabled",
		"redis.addr",
		"redis.password",
		"redis.db",

		// Security
		"security.cors.allowed_origins",
		"security.cors.allowed_methods",
		"security.rate_limiting.enabled",
		"security.rate_limiting.requests_per_minute",
		"security.rate_limiting.burst",
		"security.tls.enabled",
		"security.tls.cert_file",
		"security.tls.key_file",

		// Logging
		"logging.level",
		"logging.format",
		"logging.output",

		// Telemetry
		"telemetry.enabled",
		"telemetry.service_name",
		"telemetry.metrics.enabled",
		"telemetry.metrics.prometheus_port",
		"telemetry.profiling.enabled",
		"telemetry.profiling.port",

		// Audit
		"audit.enabled",

		// Notifications
		"notifications.enabled",
		"notifications.queue_size",
		"notifications.workers",
		"notifications.webhook.url",
		"notifications.webhook.timeout_secs",
		"notifications.smtp.host",
		"notifications.smtp.port",
		"notifications.smtp.username",
		"notifications.smtp.password",
		"notifications.smtp.from",
		"notifications.smtp.use_tls",
		"notifications.trial_reminder_days",
		"notifications.trial_reminder_check_interval_hours",

		// Licensing
		"licensing.key_prefix",
		"licensing.key_generation_attempts",
		"licensing.trial_days",
		"licensing.trial_seat_limit",
		"licensing.min_plugin_version",
		"licensing.token_signing_key",
		"licensing.token_ttl",
		"licensing.expiry_sweep_interval",
		"licensing.store_retry_attempts",
		"licensing.store_retry_initial_interval",

		// Admin and webhooks
		"admin.api_secret_hash",
		"webhooks.lifecycle_secret",
	}
	for _, key := range keys {
		if err := v.BindEnv(key); err != nil {
			return fmt.Errorf("failed to bind env var %q: %w", key, err)
		}
	}
	return nil
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/license-server")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found; use defaults and environment variables
	}

	v.SetEnvPrefix("SLS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := bindEnvVars(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Expand environment variables in sensitive fields
	cfg.Database.Password = expandEnv(cfg.Database.Password)
	cfg.Redis.Password = expandEnv(cfg.Redis.Password)
	cfg.Notifications.SMTP.Password = expandEnv(cfg.Notifications.SMTP.Password)
	cfg.Licensing.TokenSigningKey = expandEnv(cfg.Licensing.TokenSigningKey)
	cfg.Admin.APISecretHash = expandEnv(cfg.Admin.APISecretHash)
	cfg.Webhooks.LifecycleSecret = expandEnv(cfg.Webhooks.LifecycleSecret)
	for _, sc := range cfg.Audit.Shippers {
		if sc.Webhook != nil {
			sc.Webhook.SigningSecret = expandEnv(sc.Webhook.SigningSecret)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.base_url", "http://localhost:8080")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "license_server")
	v.SetDefault("database.user", "licenses")
	v.SetDefault("database.ssl_mode", "require")
	v.SetDefault("database.max_connections", 25)
	v.SetDefault("database.min_idle_connections", 5)

	// Redis defaults
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)

	// Security defaults
	v.SetDefault("security.cors.allowed_origins", []string{"*"})
	v.SetDefault("security.cors.allowed_methods", []string{"GET", "POST", "DELETE", "OPTIONS"})
	v.SetDefault("security.rate_limiting.enabled", true)
	v.SetDefault("security.rate_limiting.requests_per_minute", 120)
	v.SetDefault("security.rate_limiting.burst", 20)
	v.SetDefault("security.tls.enabled", false)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")

	// Telemetry defaults
	v.SetDefault("telemetry.enabled", true)
	v.SetDefault("telemetry.service_name", "license-server")
	v.SetDefault("telemetry.metrics.enabled", true)
	v.SetDefault("telemetry.metrics.prometheus_port", 9090)
	v.SetDefault("telemetry.profiling.enabled", false)
	v.SetDefault("telemetry.profiling.port", 6060)

	// Audit defaults
	v.SetDefault("audit.enabled", true)

	// Notifications defaults
	v.SetDefault("notifications.enabled", false)
	v.SetDefault("notifications.queue_size", 256)
	v.SetDefault("notifications.workers", 2)
	v.SetDefault("notifications.webhook.timeout_secs", 10)
	v.SetDefault("notifications.smtp.port", 587)
	v.SetDefault("notifications.smtp.use_tls", true)
	v.SetDefault("notifications.trial_reminder_days", 3)
	v.SetDefault("notifications.trial_reminder_check_interval_hours", 6)

	// Licensing defaults
	v.SetDefault("licensing.key_prefix", "WPL")
	v.SetDefault("licensing.key_generation_attempts", 5)
	v.SetDefault("licensing.trial_days", 14)
	v.SetDefault("licensing.trial_seat_limit", 5)
	v.SetDefault("licensing.min_plugin_version", "")
	v.SetDefault("licensing.token_ttl", "72h")
	v.SetDefault("licensing.expiry_sweep_interval", "15m")
	v.SetDefault("licensing.store_retry_attempts", 3)
	v.SetDefault("licensing.store_retry_initial_interval", "50ms")

	// Plan table defaults
	v.SetDefault("plans.version", "default")
	v.SetDefault("plans.entries", []map[string]interface{}{
		{"plan_id": "pro-5", "license_type": "fixed-seat", "seat_limit": 5, "term_days": 365},
		{"plan_id": "agency", "license_type": "unlimited-subscription", "seat_limit": -1, "term_days": 365},
		{"plan_id": "lifetime", "license_type": "unlimited-lifetime", "seat_limit": -1, "term_days": 0},
	})
}

// expandEnv expands environment variables in the format ${VAR_NAME}
func expandEnv(s string) string {
	return os.ExpandEnv(s)
}

var validLicenseTypes = map[string]bool{
	"fixed-seat":             true,
	"unlimited-subscription": true,
	"unlimited-lifetime":     true,
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.BaseURL == "" {
		return fmt.Errorf("server.base_url is required")
	}

	if c.Database.Host == "" {
		return fmt.Errorf("database.host is required")
	}
	if c.Database.Name == "" {
		return fmt.Errorf("database.name is required")
	}
	if c.Database.User == "" {
		return fmt.Errorf("database.user is required")
	}

	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when redis is enabled")
	}

	if c.Security.TLS.Enabled {
		if c.Security.TLS.CertFile == "" {
			return fmt.Errorf("security.tls.cert_file is required when TLS is enabled")
		}
		if c.Security.TLS.KeyFile == "" {
			return fmt.Errorf("security.tls.key_file is required when TLS is enabled")
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	if c.Licensing.TrialDays < 1 {
		return fmt.Errorf("licensing.trial_days must be at least 1")
	}
	if c.Licensing.TrialSeatLimit < 1 {
		return fmt.Errorf("licensing.trial_seat_limit must be at least 1")
	}
	if c.Licensing.KeyGenerationAttempts < 1 {
		return fmt.Errorf("licensing.key_generation_attempts must be at least 1")
	}
	if c.Licensing.TokenSigningKey != "" {
		raw, err := base64.StdEncoding.DecodeString(c.Licensing.TokenSigningKey)
		if err != nil {
			return fmt.Errorf("licensing.token_signing_key is not valid base64: %w", err)
		}
		if len(raw) != 32 && len(raw) != 64 {
			return fmt.Errorf("licensing.token_signing_key must decode to 32 or 64 bytes, got %d", len(raw))
		}
	}

	seen := make(map[string]bool, len(c.Plans.Entries))
	for _, p := range c.Plans.Entries {
		if p.PlanID == "" {
			return fmt.Errorf("plans.entries: plan_id is required")
		}
		if seen[p.PlanID] {
			return fmt.Errorf("plans.entries: duplicate plan_id %q", p.PlanID)
		}
		seen[p.PlanID] = true
		if !validLicenseTypes[p.LicenseType] {
			return fmt.Errorf("plans.entries[%s]: invalid license_type %q", p.PlanID, p.LicenseType)
		}
		if p.SeatLimit < -1 || p.SeatLimit == 0 {
			return fmt.Errorf("plans.entries[%s]: seat_limit must be positive or -1 for unlimited", p.PlanID)
		}
		if p.LicenseType == "fixed-seat" && p.SeatLimit == -1 {
			return fmt.Errorf("plans.entries[%s]: fixed-seat plans need a finite seat_limit", p.PlanID)
		}
		if p.TermDays < 0 {
			return fmt.Errorf("plans.entries[%s]: term_days must not be negative", p.PlanID)
		}
	}

	return nil
}

// GetDSN returns the PostgreSQL connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// GetAddress returns the server address in host:port format
func (c *ServerConfig) GetAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
