package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// ServerConfig configures the HTTP listener that receives webhook deliveries
// and management calls.
type ServerConfig struct {
	Listen            string `yaml:"listen" envconfig:"SERVER_LISTEN" validate:"required"`
	AdminToken        string `yaml:"admin_token" envconfig:"ADMIN_TOKEN"`
	ReadTimeoutMS     int    `yaml:"read_timeout_ms" envconfig:"SERVER_READ_TIMEOUT_MS" validate:"gte=0"`
	ShutdownTimeoutMS int    `yaml:"shutdown_timeout_ms" envconfig:"SERVER_SHUTDOWN_TIMEOUT_MS" validate:"gte=0"`
	MaxBodyBytes      int64  `yaml:"max_body_bytes" envconfig:"SERVER_MAX_BODY_BYTES" validate:"gte=0"`
}

// WebhookConfig specifies how bots are registered with Telegram.
// An empty PublicURL leaves webhook registration to the operator.
type WebhookConfig struct {
	PublicURL  string `yaml:"public_url" envconfig:"WEBHOOK_PUBLIC_URL" validate:"omitempty,url"`
	Secret     string `yaml:"secret" envconfig:"WEBHOOK_SECRET" validate:"omitempty,max=256"`
	PathPrefix string `yaml:"path_prefix" envconfig:"WEBHOOK_PATH_PREFIX" validate:"required,startswith=/"`
}

// TelegramConfig holds Bot API client settings shared by every session.
type TelegramConfig struct {
	APIURL           string `yaml:"api_url" envconfig:"TELEGRAM_API_URL" validate:"omitempty,url"`
	RequestTimeoutMS int    `yaml:"request_timeout_ms" envconfig:"TELEGRAM_REQUEST_TIMEOUT_MS" validate:"gte=0"`
}

// DatabaseConfig holds postgres connection settings.
type DatabaseConfig struct {
	Host           string `yaml:"host" envconfig:"DB_HOST" validate:"required"`
	Port           string `yaml:"port" envconfig:"DB_PORT" validate:"required,numeric"`
	User           string `yaml:"user" envconfig:"DB_USER" validate:"required"`
	Password       string `yaml:"password" envconfig:"DB_PASSWORD"`
	Name           string `yaml:"name" envconfig:"DB_NAME" validate:"required"`
	SSLMode        string `yaml:"sslmode" envconfig:"DB_SSLMODE" validate:"oneof=disable allow prefer require verify-ca verify-full"`
	MaxConnections int    `yaml:"max_connections" envconfig:"DB_MAX_CONNECTIONS" validate:"gte=1"`
	// SkipMigrations disables applying embedded migrations at startup.
	SkipMigrations bool `yaml:"skip_migrations" envconfig:"DB_SKIP_MIGRATIONS"`
}

// RedisConfig selects the shared conversation state backend. Empty URL keeps
// pending slots in process memory.
type RedisConfig struct {
	URL       string `yaml:"url" envconfig:"REDIS_URL"`
	KeyPrefix string `yaml:"key_prefix" envconfig:"REDIS_KEY_PREFIX"`
}

// RuntimeConfig tunes the bot runtime.
type RuntimeConfig struct {
	ExecTimeoutMS      int `yaml:"exec_timeout_ms" envconfig:"RUNTIME_EXEC_TIMEOUT_MS" validate:"gte=100"`
	PendingTTLSeconds  int `yaml:"pending_ttl_seconds" envconfig:"RUNTIME_PENDING_TTL_SECONDS" validate:"gte=1"`
	BootstrapTimeoutMS int `yaml:"bootstrap_timeout_ms" envconfig:"RUNTIME_BOOTSTRAP_TIMEOUT_MS" validate:"gte=100"`
	MaxConcurrent      int `yaml:"max_concurrent" envconfig:"RUNTIME_MAX_CONCURRENT" validate:"gte=1"`
	WarmupConcurrency  int `yaml:"warmup_concurrency" envconfig:"RUNTIME_WARMUP_CONCURRENCY" validate:"gte=1"`
	// AllowOverlap lets several events of one user execute at the same time.
	AllowOverlap bool   `yaml:"allow_overlap" envconfig:"RUNTIME_ALLOW_OVERLAP"`
	NotFoundText string `yaml:"not_found_text" envconfig:"RUNTIME_NOT_FOUND_TEXT" validate:"max=4096"`
}

// SenderConfig controls the outbound delivery retry policy.
type SenderConfig struct {
	Workers        int `yaml:"workers" envconfig:"SENDER_WORKERS" validate:"gte=1"`
	QueueSize      int `yaml:"queue_size" envconfig:"SENDER_QUEUE_SIZE" validate:"gte=1"`
	MaxRetries     int `yaml:"max_retries" envconfig:"SENDER_MAX_RETRIES" validate:"gte=0,lte=10"`
	RetryBackoffMS int `yaml:"retry_backoff_ms" envconfig:"SENDER_RETRY_BACKOFF_MS" validate:"gte=0"`
	MaxDurationMS  int `yaml:"max_duration_ms" envconfig:"SENDER_MAX_DURATION_MS" validate:"gte=100"`
}

// SchedulerConfig sets background job periods. Zero disables a job.
type SchedulerConfig struct {
	SweepIntervalSeconds     int `yaml:"sweep_interval_seconds" envconfig:"SCHEDULER_SWEEP_INTERVAL_SECONDS" validate:"gte=0"`
	ReconcileIntervalSeconds int `yaml:"reconcile_interval_seconds" envconfig:"SCHEDULER_RECONCILE_INTERVAL_SECONDS" validate:"gte=0"`
}

// LoggingConfig defines logging related configuration.
type LoggingConfig struct {
	Level       string `yaml:"level" envconfig:"LOG_LEVEL" validate:"omitempty,oneof=debug info warn warning error"`
	Format      string `yaml:"format" envconfig:"LOG_FORMAT" validate:"omitempty,oneof=json kv text pretty"`
	KeysOrder   string `yaml:"keys_order"`
	DebugSample string `yaml:"debug_sample"`
	Dir         string `yaml:"dir"`
	File        string `yaml:"file"`
	// Profile indicates environment profile such as "debug" or "prod".
	Profile string `yaml:"profile" envconfig:"LOG_PROFILE"`
}

const (
	// UpdateCallback identifies callback updates for rate limit exclusions.
	UpdateCallback = "callback"
	// UpdateMessage identifies message updates for rate limit exclusions.
	UpdateMessage = "message"
)

// RateLimitConfig holds per-bot per-user throttling.
// ExcludeUpdates accepts "callback" and "message".
type RateLimitConfig struct {
	IntervalMS     int      `yaml:"interval_ms" envconfig:"RATE_LIMIT_INTERVAL_MS" validate:"gte=0"`
	ExcludeUpdates []string `yaml:"exclude_updates" envconfig:"RATE_LIMIT_EXCLUDE_UPDATES" validate:"dive,oneof=callback message"`
}

// Config aggregates the whole process configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Webhook   WebhookConfig   `yaml:"webhook"`
	Telegram  TelegramConfig  `yaml:"telegram"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Runtime   RuntimeConfig   `yaml:"runtime"`
	Sender    SenderConfig    `yaml:"sender"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Logging   LoggingConfig   `yaml:"logging"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// DefaultNotFoundText is sent when no command matches.
const DefaultNotFoundText = "❓ Command not found."

// Load reads configuration from a YAML file and environment variables.
func Load(path string) (*Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process env: %w", err)
	}

	if err := Normalize(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Normalize fills defaults and validates the result.
func Normalize(cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}

	setDefault(&cfg.Server.Listen, ":8080")
	if cfg.Server.ReadTimeoutMS == 0 {
		cfg.Server.ReadTimeoutMS = 10_000
	}
	if cfg.Server.ShutdownTimeoutMS == 0 {
		cfg.Server.ShutdownTimeoutMS = 15_000
	}
	if cfg.Server.MaxBodyBytes == 0 {
		cfg.Server.MaxBodyBytes = 1 << 20
	}

	setDefault(&cfg.Webhook.PathPrefix, "/api/webhook")
	cfg.Webhook.PathPrefix = "/" + strings.Trim(cfg.Webhook.PathPrefix, "/")
	cfg.Webhook.PublicURL = strings.TrimRight(strings.TrimSpace(cfg.Webhook.PublicURL), "/")

	if cfg.Telegram.RequestTimeoutMS == 0 {
		cfg.Telegram.RequestTimeoutMS = 30_000
	}

	setDefault(&cfg.Database.Port, "5432")
	setDefault(&cfg.Database.SSLMode, "disable")
	if cfg.Database.MaxConnections == 0 {
		cfg.Database.MaxConnections = 10
	}

	setDefault(&cfg.Redis.KeyPrefix, "botrunner")

	if cfg.Runtime.ExecTimeoutMS == 0 {
		cfg.Runtime.ExecTimeoutMS = 10_000
	}
	if cfg.Runtime.PendingTTLSeconds == 0 {
		cfg.Runtime.PendingTTLSeconds = 600
	}
	if cfg.Runtime.BootstrapTimeoutMS == 0 {
		cfg.Runtime.BootstrapTimeoutMS = 15_000
	}
	if cfg.Runtime.MaxConcurrent == 0 {
		cfg.Runtime.MaxConcurrent = 64
	}
	if cfg.Runtime.WarmupConcurrency == 0 {
		cfg.Runtime.WarmupConcurrency = 4
	}
	setDefault(&cfg.Runtime.NotFoundText, DefaultNotFoundText)

	if cfg.Sender.Workers == 0 {
		cfg.Sender.Workers = 4
	}
	if cfg.Sender.QueueSize == 0 {
		cfg.Sender.QueueSize = 256
	}
	if cfg.Sender.RetryBackoffMS == 0 {
		cfg.Sender.RetryBackoffMS = 1_000
	}
	if cfg.Sender.MaxDurationMS == 0 {
		cfg.Sender.MaxDurationMS = 12_000
	}

	cfg.Logging.Level = strings.ToLower(strings.TrimSpace(cfg.Logging.Level))
	cfg.Logging.Format = strings.ToLower(strings.TrimSpace(cfg.Logging.Format))
	for i, v := range cfg.RateLimit.ExcludeUpdates {
		cfg.RateLimit.ExcludeUpdates[i] = strings.ToLower(strings.TrimSpace(v))
	}

	if err := validate.Struct(cfg); err != nil {
		return formatValidation(err)
	}
	return nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func formatValidation(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("config validation: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.TrimPrefix(fe.Namespace(), "Config.")
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s failed %s=%s", field, fe.Tag(), fe.Param()))
			continue
		}
		msgs = append(msgs, fmt.Sprintf("%s failed %s", field, fe.Tag()))
	}
	return fmt.Errorf("config validation: %s", strings.Join(msgs, "; "))
}

func setDefault(dst *string, def string) {
	if strings.TrimSpace(*dst) == "" {
		*dst = def
	}
}

// ExecTimeout is the per-execution deadline for command code.
func (c RuntimeConfig) ExecTimeout() time.Duration {
	return time.Duration(c.ExecTimeoutMS) * time.Millisecond
}

// PendingTTL is the lifetime of a wait-for-answer slot.
func (c RuntimeConfig) PendingTTL() time.Duration {
	return time.Duration(c.PendingTTLSeconds) * time.Second
}

// BootstrapTimeout bounds one session bootstrap.
func (c RuntimeConfig) BootstrapTimeout() time.Duration {
	return time.Duration(c.BootstrapTimeoutMS) * time.Millisecond
}

// RetryBackoff is the base delay between delivery attempts.
func (c SenderConfig) RetryBackoff() time.Duration {
	return time.Duration(c.RetryBackoffMS) * time.Millisecond
}

// MaxDuration caps the time spent on one delivery including retries.
func (c SenderConfig) MaxDuration() time.Duration {
	return time.Duration(c.MaxDurationMS) * time.Millisecond
}

// DSN renders a libpq key/value connection string.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"user=%s password=%s host=%s port=%s dbname=%s sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode,
	)
}

// URL renders a postgres:// URL for the migrate driver.
func (c DatabaseConfig) URL() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     net.JoinHostPort(c.Host, c.Port),
		Path:     "/" + c.Name,
		RawQuery: "sslmode=" + url.QueryEscape(c.SSLMode),
	}
	return u.String()
}
