package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config captures the full configuration surface for the application.
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Postgres   PostgresConfig   `mapstructure:"postgres"`
	Scylla     ScyllaConfig     `mapstructure:"scylla"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	Redis      RedisConfig      `mapstructure:"redis"`
	RabbitMQ   RabbitMQConfig   `mapstructure:"rabbitmq"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
	Sentry     SentryConfig     `mapstructure:"sentry"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Dispatch   DispatchConfig   `mapstructure:"dispatch"`
	Sequence   SequenceConfig   `mapstructure:"sequence"`
	Processing ProcessingConfig `mapstructure:"processing"`
	Health     HealthConfig     `mapstructure:"health"`
	Provider   ProviderConfig   `mapstructure:"provider"`
	Scorer     ScorerConfig     `mapstructure:"scorer"`
	Auth       AuthConfig       `mapstructure:"auth"`
}

type AppConfig struct {
	Name    string `mapstructure:"name"`
	Env     string `mapstructure:"env"`
	Version string `mapstructure:"version"`
}

type HTTPConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

type PostgresConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
}

type ScyllaConfig struct {
	Hosts       []string      `mapstructure:"hosts"`
	Port        int           `mapstructure:"port"`
	Keyspace    string        `mapstructure:"keyspace"`
	Consistency string        `mapstructure:"consistency"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

type KafkaConfig struct {
	Brokers                []string      `mapstructure:"brokers"`
	ClientID               string        `mapstructure:"client_id"`
	EventTopic             string        `mapstructure:"event_topic"`
	NotificationTopic      string        `mapstructure:"notification_topic"`
	DispatchRequestTopic   string        `mapstructure:"dispatch_request_topic"`
	DispatchConsumerGroup  string        `mapstructure:"dispatch_consumer_group"`
	CommitInterval         time.Duration `mapstructure:"commit_interval"`
	TopicPartitions        int           `mapstructure:"topic_partitions"`
	TopicReplicationFactor int           `mapstructure:"topic_replication_factor"`
}

type RedisConfig struct {
	Address      string        `mapstructure:"address"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	MaxRetries   int           `mapstructure:"max_retries"`
	KeyPrefix    string        `mapstructure:"key_prefix"`
}

type RabbitMQConfig struct {
	URL        string `mapstructure:"url"`
	SMSQueue   string `mapstructure:"sms_queue"`
	EmailQueue string `mapstructure:"email_queue"`
}

type TelemetryConfig struct {
	Endpoint        string        `mapstructure:"endpoint"`
	ServiceVersion  string        `mapstructure:"service_version"`
	SampleRatio     float64       `mapstructure:"sample_ratio"`
	TracingEnabled  bool          `mapstructure:"tracing_enabled"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type SentryConfig struct {
	DSN              string  `mapstructure:"dsn"`
	TracesSampleRate float64 `mapstructure:"traces_sample_rate"`
}

type SchedulerConfig struct {
	TickInterval  time.Duration `mapstructure:"tick_interval"`
	CampaignLimit int           `mapstructure:"campaign_limit"`
	StoreTimeout  time.Duration `mapstructure:"store_timeout"`
}

type DispatchConfig struct {
	DefaultCountryCode string        `mapstructure:"default_country_code"`
	SettlementTimeout  time.Duration `mapstructure:"settlement_timeout"`
	RequestTimeout     time.Duration `mapstructure:"request_timeout"`
}

type SequenceConfig struct {
	TickInterval     time.Duration `mapstructure:"tick_interval"`
	BatchSize        int           `mapstructure:"batch_size"`
	InterStepDelay   time.Duration `mapstructure:"inter_step_delay"`
	DefaultWaitHours int           `mapstructure:"default_wait_hours"`
}

type ProcessingConfig struct {
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	BatchSize         int           `mapstructure:"batch_size"`
	MaxAttempts       int           `mapstructure:"max_attempts"`
	RetryBackoff      time.Duration `mapstructure:"retry_backoff"`
	FastPathThreshold int           `mapstructure:"fast_path_threshold"`
	ScoreTimeout      time.Duration `mapstructure:"score_timeout"`
}

type HealthConfig struct {
	Interval          time.Duration `mapstructure:"interval"`
	ProbeTimeout      time.Duration `mapstructure:"probe_timeout"`
	DegradedThreshold time.Duration `mapstructure:"degraded_threshold"`
	DownThreshold     int           `mapstructure:"down_threshold"`
}

type ProviderConfig struct {
	Name    string `mapstructure:"name"`
	BaseURL string `mapstructure:"base_url"`
	APIKey  string `mapstructure:"api_key"`
	Mock    bool   `mapstructure:"mock"`
}

type ScorerConfig struct {
	APIKey string `mapstructure:"api_key"`
	Model  string `mapstructure:"model"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	Issuer    string `mapstructure:"issuer"`
}

// Load reads configuration from file and environment variables. A .env file
// next to the process is loaded first when present.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: failed to load .env: %w", err)
	}

	v := viper.New()

	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	v.SetEnvPrefix("OUTBOUND")
	v.SetEnvKeyReplacer(NewEnvReplacer())

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: failed to read config file: %w", err)
	}

	cfg := new(Config)
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: failed to unmarshal config: %w", err)
	}
	cfg.applyDefaults()

	return cfg, nil
}

// NewEnvReplacer standardizes environment variable names.
func NewEnvReplacer() *strings.Replacer {
	return strings.NewReplacer(".", "_", "-", "_")
}

func (c *Config) applyDefaults() {
	if c.Scheduler.TickInterval <= 0 {
		c.Scheduler.TickInterval = 5 * time.Second
	}
	if c.Scheduler.CampaignLimit <= 0 {
		c.Scheduler.CampaignLimit = 200
	}
	if c.Scheduler.StoreTimeout <= 0 {
		c.Scheduler.StoreTimeout = 15 * time.Second
	}
	if c.Dispatch.DefaultCountryCode == "" {
		c.Dispatch.DefaultCountryCode = "1"
	}
	if c.Dispatch.SettlementTimeout <= 0 {
		c.Dispatch.SettlementTimeout = 10 * time.Minute
	}
	if c.Dispatch.RequestTimeout <= 0 {
		c.Dispatch.RequestTimeout = 15 * time.Second
	}
	if c.Sequence.TickInterval <= 0 {
		c.Sequence.TickInterval = 30 * time.Second
	}
	if c.Sequence.BatchSize <= 0 {
		c.Sequence.BatchSize = 100
	}
	if c.Sequence.InterStepDelay <= 0 {
		c.Sequence.InterStepDelay = 30 * time.Second
	}
	if c.Sequence.DefaultWaitHours <= 0 {
		c.Sequence.DefaultWaitHours = 24
	}
	if c.Processing.PollInterval <= 0 {
		c.Processing.PollInterval = 10 * time.Second
	}
	if c.Processing.BatchSize <= 0 {
		c.Processing.BatchSize = 5
	}
	if c.Processing.MaxAttempts <= 0 {
		c.Processing.MaxAttempts = 3
	}
	if c.Processing.RetryBackoff <= 0 {
		c.Processing.RetryBackoff = 5 * time.Minute
	}
	if c.Processing.FastPathThreshold <= 0 {
		c.Processing.FastPathThreshold = 8
	}
	if c.Processing.ScoreTimeout <= 0 {
		c.Processing.ScoreTimeout = 2 * time.Minute
	}
	if c.Health.Interval <= 0 {
		c.Health.Interval = 5 * time.Minute
	}
	if c.Health.ProbeTimeout <= 0 {
		c.Health.ProbeTimeout = 10 * time.Second
	}
	if c.Health.DegradedThreshold <= 0 {
		c.Health.DegradedThreshold = 5 * time.Second
	}
	if c.Health.DownThreshold <= 0 {
		c.Health.DownThreshold = 3
	}
	if c.Provider.Name == "" {
		c.Provider.Name = "vapi"
	}
	if c.Kafka.TopicPartitions <= 0 {
		c.Kafka.TopicPartitions = 12
	}
	if c.Kafka.TopicReplicationFactor <= 0 {
		c.Kafka.TopicReplicationFactor = 1
	}
	if c.RabbitMQ.SMSQueue == "" {
		c.RabbitMQ.SMSQueue = "outbound_sms"
	}
	if c.RabbitMQ.EmailQueue == "" {
		c.RabbitMQ.EmailQueue = "outbound_email"
	}
	if c.Redis.KeyPrefix == "" {
		c.Redis.KeyPrefix = "outbound"
	}
}
