package config

import "time"

// Broker type constants
const (
	// BrokerTypeServiceBus represents Azure Service Bus
	BrokerTypeServiceBus = "servicebus"
	// BrokerTypeSQS represents AWS SQS
	BrokerTypeSQS = "sqs"
	// BrokerTypeRabbitMQ represents RabbitMQ
	BrokerTypeRabbitMQ = "rabbitmq"
	// BrokerTypeKafka represents Apache Kafka
	BrokerTypeKafka = "kafka"
	// BrokerTypeMemory is the in-process broker for local runs and tests
	BrokerTypeMemory = "memory"
)

// History store type constants
const (
	HistoryTypeNone     = "none"
	HistoryTypeMemory   = "memory"
	HistoryTypePostgres = "postgres"
)

// Scheduler lock provider constants
const (
	// SchedulerLockProviderRedis uses Redis for distributed locks
	SchedulerLockProviderRedis = "redis"
	// SchedulerLockProviderPostgres stores lock rows in a Postgres table
	SchedulerLockProviderPostgres = "postgres"
	// SchedulerLockProviderMemory only coordinates tasks inside one process
	SchedulerLockProviderMemory = "memory"
)

// Config is the root configuration of the replayer service.
//
// Fields tagged secret:"true" are masked by Redacted.
type Config struct {
	RouterType    string              `mapstructure:"router_type" validate:"oneof=gorilla gin"`
	Service       ServiceConfig       `mapstructure:"service"`
	HTTP          HTTPConfig          `mapstructure:"http"`
	Management    ManagementConfig    `mapstructure:"management"`
	Broker        BrokerConfig        `mapstructure:"broker"`
	Replay        ReplayConfig        `mapstructure:"replay"`
	History       HistoryConfig       `mapstructure:"history"`
	Scheduler     SchedulerConfig     `mapstructure:"scheduler"`
	Observability ObservabilityConfig `mapstructure:"observability"`
}

// ServiceConfig configures service identity metadata.
type ServiceConfig struct {
	Name        string `mapstructure:"name" validate:"required"`
	Environment string `mapstructure:"environment"`
}

// HTTPConfig configures the public API server
type HTTPConfig struct {
	Port         int           `mapstructure:"port" validate:"min=1,max=65535"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	// RateLimit throttles the replay trigger endpoint per client IP.
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
}

// RateLimitConfig configures the in-process token bucket limiter.
type RateLimitConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	RequestsPerSecond int  `mapstructure:"requests_per_second" validate:"min=0"`
	Burst             int  `mapstructure:"burst" validate:"min=0"`
}

// ManagementConfig configures the management server
type ManagementConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Port         int           `mapstructure:"port" validate:"min=1,max=65535"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`

	// MTLSEnabled serves management over TLS and requires client certificates signed by TLSCAFile.
	MTLSEnabled bool   `mapstructure:"mtls_enabled"`
	TLSCertFile string `mapstructure:"tls_cert_file"`
	TLSKeyFile  string `mapstructure:"tls_key_file"`
	TLSCAFile   string `mapstructure:"tls_ca_file"`
}

// BrokerConfig selects and configures the message broker adapter.
// Only the fields of the selected type are read.
type BrokerConfig struct {
	Type string `mapstructure:"type" validate:"required,oneof=servicebus sqs rabbitmq kafka memory"`

	// ConnectionString is the Service Bus connection string or the RabbitMQ URL.
	ConnectionString string `mapstructure:"connection_string" secret:"true"`
	// Namespace is the fully qualified Service Bus namespace used with Azure AD credentials.
	Namespace string `mapstructure:"namespace"`

	// Kafka
	Brokers []string `mapstructure:"brokers"`
	GroupID string   `mapstructure:"group_id"`

	// RabbitMQ
	Exchange     string `mapstructure:"exchange"`
	ExchangeType string `mapstructure:"exchange_type"`

	// DeadLetterSuffix derives the RabbitMQ queue or Kafka topic when no subscription is set.
	DeadLetterSuffix string `mapstructure:"dead_letter_suffix"`

	// SQS
	Region            string `mapstructure:"region"`
	Endpoint          string `mapstructure:"endpoint"`
	AccessKeyID       string `mapstructure:"access_key_id" secret:"true"`
	SecretAccessKey   string `mapstructure:"secret_access_key" secret:"true"`
	SessionToken      string `mapstructure:"session_token" secret:"true"`
	WaitTimeSeconds   int32  `mapstructure:"wait_time_seconds" validate:"min=0,max=20"`
	VisibilityTimeout int32  `mapstructure:"visibility_timeout" validate:"min=0"`

	// HealthEntity is probed by health checks (Service Bus queue, SQS queue URL).
	HealthEntity     string        `mapstructure:"health_entity"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout"`
}

// ReplayConfig configures the replay target and pacing.
type ReplayConfig struct {
	// Destination is the topic or queue messages are replayed to.
	Destination string `mapstructure:"destination" validate:"required"`
	// Subscription names the dead-lettered subscription (Service Bus), the dead-letter queue URL (SQS)
	// or the dead-letter queue/topic (RabbitMQ, Kafka).
	Subscription               string        `mapstructure:"subscription"`
	MaxBatchSize               int           `mapstructure:"max_batch_size" validate:"min=1"`
	OperationTimeout           time.Duration `mapstructure:"operation_timeout" validate:"min=0"`
	FetchTimeout               time.Duration `mapstructure:"fetch_timeout" validate:"min=0"`
	SendRate                   float64       `mapstructure:"send_rate" validate:"min=0"`
	MaxConsecutiveSendFailures int           `mapstructure:"max_consecutive_send_failures" validate:"min=0"`
}

// HistoryConfig configures where finished replay runs are recorded.
type HistoryConfig struct {
	Type     string                `mapstructure:"type" validate:"oneof=none memory postgres"`
	Capacity int                   `mapstructure:"capacity" validate:"min=0"`
	Postgres HistoryPostgresConfig `mapstructure:"postgres"`
}

// HistoryPostgresConfig configures the Postgres history store.
type HistoryPostgresConfig struct {
	URL             string        `mapstructure:"url" secret:"true"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" validate:"min=0"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" validate:"min=0"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	QueryTimeout    time.Duration `mapstructure:"query_timeout"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// SchedulerConfig configures periodic unattended replays.
type SchedulerConfig struct {
	Enabled         bool                    `mapstructure:"enabled"`
	LockProvider    string                  `mapstructure:"lock_provider" validate:"oneof=redis postgres memory"`
	LockTTL         time.Duration           `mapstructure:"lock_ttl"`
	DispatchTimeout time.Duration           `mapstructure:"dispatch_timeout"`
	Redis           SchedulerRedisConfig    `mapstructure:"redis"`
	Postgres        SchedulerPostgresConfig `mapstructure:"postgres"`
	Tasks           []SchedulerTaskConfig   `mapstructure:"tasks" validate:"dive"`
}

// SchedulerRedisConfig configures Redis lock provider.
type SchedulerRedisConfig struct {
	URL              string        `mapstructure:"url" secret:"true"`
	Prefix           string        `mapstructure:"prefix"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout"`
}

// SchedulerPostgresConfig configures the Postgres lock provider.
type SchedulerPostgresConfig struct {
	URL              string        `mapstructure:"url" secret:"true"`
	Table            string        `mapstructure:"table"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout"`
}

// SchedulerTaskConfig describes one scheduled replay.
// Schedule is a five-field cron expression or "@every <duration>".
type SchedulerTaskConfig struct {
	Name      string        `mapstructure:"name" validate:"required"`
	Schedule  string        `mapstructure:"schedule" validate:"required"`
	Timezone  string        `mapstructure:"timezone"`
	HoursBack int           `mapstructure:"hours_back" validate:"min=1"`
	LockTTL   time.Duration `mapstructure:"lock_ttl"`
	// MisfirePolicy is skip (default) or fire_once.
	MisfirePolicy string `mapstructure:"misfire_policy" validate:"omitempty,oneof=skip fire_once"`
}

// ObservabilityConfig configures logging, metrics, and tracing
type ObservabilityConfig struct {
	LogLevel          string  `mapstructure:"log_level" validate:"oneof=debug info warn error"`
	LogFormat         string  `mapstructure:"log_format" validate:"oneof=json text"`
	MetricsEnabled    bool    `mapstructure:"metrics_enabled"`
	TracingEnabled    bool    `mapstructure:"tracing_enabled"`
	TracingSampleRate float64 `mapstructure:"tracing_sample_rate" validate:"min=0,max=1"`
	TracingEndpoint   string  `mapstructure:"tracing_endpoint"`
	TracingInsecure   bool    `mapstructure:"tracing_insecure"`
}

// DefaultConfig returns the configuration used when neither file nor environment set a value.
func DefaultConfig() *Config {
	return &Config{
		RouterType: "gorilla",
		Service: ServiceConfig{
			Name:        "dlq-replayer",
			Environment: "production",
		},
		HTTP: HTTPConfig{
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 5 * time.Minute,
			IdleTimeout:  120 * time.Second,
			RateLimit: RateLimitConfig{
				Enabled:           true,
				RequestsPerSecond: 1,
				Burst:             2,
			},
		},
		Management: ManagementConfig{
			Enabled:      true,
			Port:         9090,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		Broker: BrokerConfig{
			Type:              BrokerTypeServiceBus,
			GroupID:           "dlq-replayer",
			ExchangeType:      "topic",
			DeadLetterSuffix:  ".dlq",
			WaitTimeSeconds:   1,
			VisibilityTimeout: 300,
			OperationTimeout:  30 * time.Second,
		},
		Replay: ReplayConfig{
			MaxBatchSize:     10000,
			OperationTimeout: 30 * time.Second,
			FetchTimeout:     2 * time.Minute,
		},
		History: HistoryConfig{
			Type:     HistoryTypeMemory,
			Capacity: 100,
			Postgres: HistoryPostgresConfig{
				MaxOpenConns:    5,
				MaxIdleConns:    2,
				ConnMaxLifetime: 5 * time.Minute,
				QueryTimeout:    5 * time.Second,
			},
		},
		Scheduler: SchedulerConfig{
			LockProvider:    SchedulerLockProviderMemory,
			LockTTL:         10 * time.Minute,
			DispatchTimeout: 5 * time.Minute,
			Redis: SchedulerRedisConfig{
				Prefix:           "dlq-replayer:lock",
				OperationTimeout: 2 * time.Second,
			},
			Postgres: SchedulerPostgresConfig{
				Table:            "dlq_replayer_locks",
				OperationTimeout: 3 * time.Second,
			},
		},
		Observability: ObservabilityConfig{
			LogLevel:          "info",
			LogFormat:         "json",
			MetricsEnabled:    true,
			TracingSampleRate: 0.1,
			TracingEndpoint:   "localhost:4317",
			TracingInsecure:   true,
		},
	}
}
