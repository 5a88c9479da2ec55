package internal

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server         ServerConfig         `mapstructure:"http_server"`
	Database       DatabaseConfig       `mapstructure:"database"`
	Security       SecurityConfig       `mapstructure:"security"`
	Gateway        GatewayConfig        `mapstructure:"gateway"`
	Reconciliation ReconciliationConfig `mapstructure:"reconciliation"`
	Notification   NotificationConfig   `mapstructure:"notification"`
	Observability  ObservabilityConfig  `mapstructure:"observability"`
}

type ServerConfig struct {
	Env               string        `mapstructure:"env"`
	Port              int           `mapstructure:"port"`
	BaseURL           string        `mapstructure:"base_url"`
	AllowedOrigins    string        `mapstructure:"allowed_origins"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
}

type DatabaseConfig struct {
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	Source          string        `mapstructure:"source"`
}

type SecurityConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	JWTIssuer string `mapstructure:"jwt_issuer"`
}

// GatewayConfig holds the Daraja credentials and STK push parameters.
type GatewayConfig struct {
	BaseURL           string        `mapstructure:"base_url"`
	ConsumerKey       string        `mapstructure:"consumer_key"`
	ConsumerSecret    string        `mapstructure:"consumer_secret"`
	ShortCode         string        `mapstructure:"short_code"`
	PassKey           string        `mapstructure:"pass_key"`
	CallbackURL       string        `mapstructure:"callback_url"`
	TransactionType   string        `mapstructure:"transaction_type"`
	Timeout           time.Duration `mapstructure:"timeout"`
	TokenSafetyMargin time.Duration `mapstructure:"token_safety_margin"`
	Timezone          string        `mapstructure:"timezone"`
}

type ReconciliationConfig struct {
	StaleSweepSchedule   string        `mapstructure:"stale_sweep_schedule"`
	ActivePollSchedule   string        `mapstructure:"active_poll_schedule"`
	WebhookRetrySchedule string        `mapstructure:"webhook_retry_schedule"`
	ActivePollEnabled    bool          `mapstructure:"active_poll_enabled"`
	StaleAfter           time.Duration `mapstructure:"stale_after"`
	PollMinAge           time.Duration `mapstructure:"poll_min_age"`
	BatchSize            int           `mapstructure:"batch_size"`
	PollConcurrency      int           `mapstructure:"poll_concurrency"`
	WebhookMaxAttempts   int           `mapstructure:"webhook_max_attempts"`
	WebhookBaseBackoff   time.Duration `mapstructure:"webhook_base_backoff"`
	WebhookMaxBackoff    time.Duration `mapstructure:"webhook_max_backoff"`
}

type NotificationConfig struct {
	WebhookTimeout time.Duration `mapstructure:"webhook_timeout"`
	ReceiptDir     string        `mapstructure:"receipt_dir"`
	SQS            SQSConfig     `mapstructure:"sqs"`
}

type SQSConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	QueueURL        string `mapstructure:"queue_url"`
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
}

type ObservabilityConfig struct {
	Logging LoggingConfig `mapstructure:"logging"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ----------------- DEFAULTS -----------------

// ApplyDefaults fills zero values with the operational defaults.
func (c *Config) ApplyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.Env == "" {
		c.Server.Env = "development"
	}
	if c.Gateway.TransactionType == "" {
		c.Gateway.TransactionType = "CustomerPayBillOnline"
	}
	if c.Gateway.Timeout == 0 {
		c.Gateway.Timeout = 15 * time.Second
	}
	if c.Gateway.TokenSafetyMargin == 0 {
		c.Gateway.TokenSafetyMargin = 60 * time.Second
	}
	if c.Gateway.Timezone == "" {
		c.Gateway.Timezone = "Africa/Nairobi"
	}

	r := &c.Reconciliation
	if r.StaleSweepSchedule == "" {
		r.StaleSweepSchedule = "@every 10m"
	}
	if r.ActivePollSchedule == "" {
		r.ActivePollSchedule = "@every 1m"
	}
	if r.WebhookRetrySchedule == "" {
		r.WebhookRetrySchedule = "@every 5m"
	}
	if r.StaleAfter == 0 {
		r.StaleAfter = 30 * time.Minute
	}
	if r.PollMinAge == 0 {
		r.PollMinAge = 30 * time.Second
	}
	if r.BatchSize == 0 {
		r.BatchSize = 100
	}
	if r.PollConcurrency == 0 {
		r.PollConcurrency = 4
	}
	if r.WebhookMaxAttempts == 0 {
		r.WebhookMaxAttempts = 6
	}
	if r.WebhookBaseBackoff == 0 {
		r.WebhookBaseBackoff = time.Minute
	}
	if r.WebhookMaxBackoff == 0 {
		r.WebhookMaxBackoff = 2 * time.Hour
	}

	if c.Notification.WebhookTimeout == 0 {
		c.Notification.WebhookTimeout = 10 * time.Second
	}
	if c.Observability.Logging.Level == "" {
		c.Observability.Logging.Level = "info"
	}
}

// ----------------- ENV -----------------

// LoadConfigFromEnv builds the configuration for container deployments. A .env
// file in the working directory is loaded first when present.
func LoadConfigFromEnv() *Config {
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Env:          getEnv("APP_ENV", "production"),
			Port:         getEnvAsInt("HTTP_PORT", 8080),
			BaseURL:      getEnv("BASE_URL", ""),
			ReadTimeout:  getEnvAsDuration("HTTP_READ_TIMEOUT", 15*time.Second),
			WriteTimeout: getEnvAsDuration("HTTP_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:  getEnvAsDuration("HTTP_IDLE_TIMEOUT", 60*time.Second),
		},
		Database: DatabaseConfig{
			Source:          getEnv("DATABASE_URL", ""),
			MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 20),
			MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", 30*time.Minute),
			ConnMaxIdleTime: getEnvAsDuration("DB_CONN_MAX_IDLE_TIME", 5*time.Minute),
		},
		Security: SecurityConfig{
			JWTSecret: getEnv("JWT_SECRET", ""),
			JWTIssuer: getEnv("JWT_ISSUER", ""),
		},
		Gateway: GatewayConfig{
			BaseURL:           getEnv("MPESA_BASE_URL", "https://sandbox.safaricom.co.ke"),
			ConsumerKey:       getEnv("MPESA_CONSUMER_KEY", ""),
			ConsumerSecret:    getEnv("MPESA_CONSUMER_SECRET", ""),
			ShortCode:         getEnv("MPESA_SHORTCODE", ""),
			PassKey:           getEnv("MPESA_PASSKEY", ""),
			CallbackURL:       getEnv("MPESA_CALLBACK_URL", ""),
			TransactionType:   getEnv("MPESA_TRANSACTION_TYPE", ""),
			Timeout:           getEnvAsDuration("MPESA_TIMEOUT", 0),
			TokenSafetyMargin: getEnvAsDuration("MPESA_TOKEN_SAFETY_MARGIN", 0),
			Timezone:          getEnv("MPESA_TIMEZONE", ""),
		},
		Reconciliation: ReconciliationConfig{
			StaleSweepSchedule:   getEnv("RECON_STALE_SWEEP_SCHEDULE", ""),
			ActivePollSchedule:   getEnv("RECON_ACTIVE_POLL_SCHEDULE", ""),
			WebhookRetrySchedule: getEnv("RECON_WEBHOOK_RETRY_SCHEDULE", ""),
			ActivePollEnabled:    getEnvAsBool("RECON_ACTIVE_POLL_ENABLED", true),
			StaleAfter:           getEnvAsDuration("RECON_STALE_AFTER", 0),
			PollMinAge:           getEnvAsDuration("RECON_POLL_MIN_AGE", 0),
			BatchSize:            getEnvAsInt("RECON_BATCH_SIZE", 0),
			PollConcurrency:      getEnvAsInt("RECON_POLL_CONCURRENCY", 0),
			WebhookMaxAttempts:   getEnvAsInt("RECON_WEBHOOK_MAX_ATTEMPTS", 0),
			WebhookBaseBackoff:   getEnvAsDuration("RECON_WEBHOOK_BASE_BACKOFF", 0),
			WebhookMaxBackoff:    getEnvAsDuration("RECON_WEBHOOK_MAX_BACKOFF", 0),
		},
		Notification: NotificationConfig{
			WebhookTimeout: getEnvAsDuration("NOTIFY_WEBHOOK_TIMEOUT", 0),
			ReceiptDir:     getEnv("NOTIFY_RECEIPT_DIR", ""),
			SQS: SQSConfig{
				Enabled:         getEnvAsBool("NOTIFY_SQS_ENABLED", false),
				QueueURL:        getEnv("NOTIFY_SQS_QUEUE_URL", ""),
				Region:          getEnv("AWS_REGION", "eu-west-1"),
				Endpoint:        getEnv("NOTIFY_SQS_ENDPOINT", ""),
				AccessKeyID:     getEnv("AWS_ACCESS_KEY_ID", ""),
				SecretAccessKey: getEnv("AWS_SECRET_ACCESS_KEY", ""),
			},
		},
		Observability: ObservabilityConfig{
			Logging: LoggingConfig{
				Level:  getEnv("LOG_LEVEL", "info"),
				Format: getEnv("LOG_FORMAT", "json"),
			},
		},
	}
	cfg.ApplyDefaults()
	return cfg
}

// ----------------- HELPERS -----------------

func getEnv(key, defaultVal string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsBool(key string, defaultVal bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultVal
}

// ----------------- VALIDATION -----------------

func (c *Config) Validate() error {
	var errs []string

	if err := c.Server.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("server config: %v", err))
	}

	if err := c.Database.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("database config: %v", err))
	}

	if err := c.Security.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("security config: %v", err))
	}

	if err := c.Gateway.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("gateway config: %v", err))
	}

	if err := c.Reconciliation.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("reconciliation config: %v", err))
	}

	if err := c.Notification.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("notification config: %v", err))
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}

	return nil
}

func (c *ServerConfig) Validate() error {
	if c.AllowedOrigins != "" {
		origins := strings.Split(c.AllowedOrigins, ",")
		for _, origin := range origins {
			origin = strings.TrimSpace(origin)
			if origin == "*" {
				continue
			}
			if _, err := url.Parse(origin); err != nil {
				return fmt.Errorf("invalid allowed origin %s: %w", origin, err)
			}
		}
	}
	if c.ReadTimeout < c.ReadHeaderTimeout {
		return errors.New("read_timeout must be >= read_header_timeout")
	}
	return nil
}

func (c *DatabaseConfig) Validate() error {
	if c.Source == "" {
		return errors.New("source is required")
	}
	if c.MaxIdleConns > c.MaxOpenConns {
		return errors.New("max_idle_conns cannot be greater than max_open_conns")
	}
	return nil
}

func (c *SecurityConfig) Validate() error {
	if len(c.JWTSecret) < 32 {
		return errors.New("jwt_secret must be at least 32 characters")
	}
	return nil
}

func (c *GatewayConfig) Validate() error {
	if c.BaseURL == "" {
		return errors.New("base_url is required")
	}
	if _, err := url.ParseRequestURI(c.BaseURL); err != nil {
		return fmt.Errorf("invalid base_url: %w", err)
	}
	if c.ConsumerKey == "" || c.ConsumerSecret == "" {
		return errors.New("consumer_key and consumer_secret are required")
	}
	if c.ShortCode == "" || c.PassKey == "" {
		return errors.New("short_code and pass_key are required")
	}
	if c.CallbackURL == "" {
		return errors.New("callback_url is required")
	}
	if c.Timeout < 10*time.Second || c.Timeout > 30*time.Second {
		return errors.New("timeout must be between 10s and 30s")
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("invalid timezone: %w", err)
	}
	return nil
}

func (c *ReconciliationConfig) Validate() error {
	if c.StaleAfter <= 0 {
		return errors.New("stale_after must be positive")
	}
	if c.PollMinAge >= c.StaleAfter {
		return errors.New("poll_min_age must be shorter than stale_after")
	}
	if c.WebhookMaxAttempts < 1 {
		return errors.New("webhook_max_attempts must be at least 1")
	}
	if c.WebhookMaxBackoff < c.WebhookBaseBackoff {
		return errors.New("webhook_max_backoff must be >= webhook_base_backoff")
	}
	return nil
}

func (c *NotificationConfig) Validate() error {
	if c.SQS.Enabled && c.SQS.QueueURL == "" {
		return errors.New("sqs.queue_url is required when sqs is enabled")
	}
	return nil
}
