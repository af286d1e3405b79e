package config

import (
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config top-level struct
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Redis     RedisConfig     `yaml:"redis"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
	Ledger    LedgerConfig    `yaml:"ledger"`
	Webhook   WebhookConfig   `yaml:"webhook"`
	Fraud     FraudConfig     `yaml:"fraud"`
	Auditor   AuditorConfig   `yaml:"auditor"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type KafkaConfig struct {
	Brokers    []string `yaml:"brokers"`
	EventTopic string   `yaml:"event_topic"`
	AlertTopic string   `yaml:"alert_topic"`
}

type RateLimitConfig struct {
	RPS   int `yaml:"rps"`
	Burst int `yaml:"burst"`
}

// LedgerConfig bounds issue amounts and the per-operation deadline.
type LedgerConfig struct {
	MinIssueAmount   string `yaml:"min_issue_amount"`
	MaxIssueAmount   string `yaml:"max_issue_amount"`
	OpTimeoutSeconds int    `yaml:"op_timeout_seconds"`
}

func (l LedgerConfig) Bounds() (min, max decimal.Decimal, err error) {
	min, err = decimal.NewFromString(l.MinIssueAmount)
	if err != nil {
		return min, max, fmt.Errorf("min_issue_amount: %w", err)
	}
	max, err = decimal.NewFromString(l.MaxIssueAmount)
	if err != nil {
		return min, max, fmt.Errorf("max_issue_amount: %w", err)
	}
	return min, max, nil
}

func (l LedgerConfig) OpTimeout() time.Duration {
	if l.OpTimeoutSeconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(l.OpTimeoutSeconds) * time.Second
}

// WebhookConfig controls signature verification and async application.
type WebhookConfig struct {
	Secret                 string `yaml:"secret"`
	QueueSize              int    `yaml:"queue_size"`
	MaxAttempts            int    `yaml:"max_attempts"`
	BaseBackoffMS          int    `yaml:"base_backoff_ms"`
	RequeueIntervalSeconds int    `yaml:"requeue_interval_seconds"`
}

// FraudConfig holds rule thresholds; decimal amounts are kept as strings
// so the yaml round-trips without float loss.
type FraudConfig struct {
	VelocityWindowMinutes int    `yaml:"velocity_window_minutes"`
	VelocityCount         int    `yaml:"velocity_count"`
	VelocityMinAmount     string `yaml:"velocity_min_amount"`
	LargeRedemptionAmount string `yaml:"large_redemption_amount"`
}

type AuditorConfig struct {
	IntervalSeconds int `yaml:"interval_seconds"`
	BatchSize       int `yaml:"batch_size"`
}

// Load reads yaml file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	// secrets come from env when present
	if pw := os.Getenv("POSTGRES_PASSWORD"); pw != "" {
		cfg.Postgres.DSN = cfg.Postgres.DSN + " password=" + pw
	}
	if sec := os.Getenv("WEBHOOK_SIGNING_SECRET"); sec != "" {
		cfg.Webhook.Secret = sec
	}
	return &cfg, nil
}
