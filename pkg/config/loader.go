package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Loader defines the interface for loading configuration
type Loader interface {
	Load() (*Config, error)
	Validate(*Config) error
}

// ViperLoader implements Loader using Viper for configuration management
type ViperLoader struct {
	configFile string
	envPrefix  string
	envFile    string
	flags      *pflag.FlagSet
	flagKeys   map[string]string
}

// NewViperLoader creates a new ViperLoader
// configFile: path to configuration file (optional, can be empty)
// envPrefix: prefix for environment variables (e.g., "APP")
func NewViperLoader(configFile, envPrefix string) *ViperLoader {
	return &ViperLoader{
		configFile: configFile,
		envPrefix:  envPrefix,
	}
}

// WithEnvFile loads a dotenv file into the process environment before binding env vars.
// Variables already present in the environment are not overwritten.
func (l *ViperLoader) WithEnvFile(path string) *ViperLoader {
	l.envFile = strings.TrimSpace(path)
	return l
}

// WithFlag binds a command-line flag to a config key. A flag wins over env, file and defaults,
// but only when it was set explicitly.
func (l *ViperLoader) WithFlag(flags *pflag.FlagSet, flagName, key string) *ViperLoader {
	l.flags = flags
	if l.flagKeys == nil {
		l.flagKeys = make(map[string]string)
	}
	l.flagKeys[flagName] = key
	return l
}

// Load loads configuration with precedence: flags > ENV > file > defaults
func (l *ViperLoader) Load() (*Config, error) {
	cfg, _, err := l.load(false)
	return cfg, err
}

func (l *ViperLoader) load(withSecrets bool) (*Config, *Config, error) {
	v := viper.New()

	// Start with defaults
	l.setDefaults(v, DefaultConfig())

	// Read config file if provided
	if l.configFile != "" {
		v.SetConfigFile(l.configFile)
		if err := v.ReadInConfig(); err != nil {
			// Only return error if file was explicitly specified but couldn't be read
			return nil, nil, fmt.Errorf("failed to read config file %s: %w", l.configFile, err)
		}
	}

	var secrets *Config
	if withSecrets {
		var err error
		secrets, err = l.mergeSecrets(v)
		if err != nil {
			return nil, nil, err
		}
	}

	if l.envFile != "" {
		if err := godotenv.Load(l.envFile); err != nil {
			return nil, nil, fmt.Errorf("failed to load env file %s: %w", l.envFile, err)
		}
	}

	// Environment variables override file config through explicit bindings.
	v.SetEnvPrefix(l.envPrefix)
	l.bindLegacyEnvVars()
	l.bindEnvVars(v)

	if err := l.bindFlags(v); err != nil {
		return nil, nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := l.Validate(&cfg); err != nil {
		return nil, nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, secrets, nil
}

func (l *ViperLoader) bindFlags(v *viper.Viper) error {
	if l.flags == nil {
		return nil
	}
	for name, key := range l.flagKeys {
		flag := l.flags.Lookup(name)
		if flag == nil {
			return fmt.Errorf("unknown flag %q bound to %s", name, key)
		}
		if !flag.Changed {
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return fmt.Errorf("failed to bind flag %s: %w", name, err)
		}
	}
	return nil
}

// bindEnvVars explicitly binds environment variables for nested structs
func (l *ViperLoader) bindEnvVars(v *viper.Viper) {
	v.BindEnv("router_type", l.prefixedEnv("ROUTER_TYPE"))
	v.BindEnv("service.name", l.prefixedEnv("SERVICE_NAME"))
	v.BindEnv("service.environment", l.prefixedEnv("SERVICE_ENVIRONMENT"), l.prefixedEnv("ENVIRONMENT"))

	// HTTP
	v.BindEnv("http.port", l.prefixedEnv("HTTP_PORT"))
	v.BindEnv("http.read_timeout", l.prefixedEnv("HTTP_READ_TIMEOUT"))
	v.BindEnv("http.write_timeout", l.prefixedEnv("HTTP_WRITE_TIMEOUT"))
	v.BindEnv("http.idle_timeout", l.prefixedEnv("HTTP_IDLE_TIMEOUT"))
	v.BindEnv("http.rate_limit.enabled", l.prefixedEnv("HTTP_RATE_LIMIT_ENABLED"))
	v.BindEnv("http.rate_limit.requests_per_second", l.prefixedEnv("HTTP_RATE_LIMIT_REQUESTS_PER_SECOND"))
	v.BindEnv("http.rate_limit.burst", l.prefixedEnv("HTTP_RATE_LIMIT_BURST"))

	// Management
	v.BindEnv("management.enabled", l.prefixedEnv("MGMT_ENABLED"))
	v.BindEnv("management.port", l.prefixedEnv("MGMT_PORT"))
	v.BindEnv("management.read_timeout", l.prefixedEnv("MGMT_READ_TIMEOUT"))
	v.BindEnv("management.write_timeout", l.prefixedEnv("MGMT_WRITE_TIMEOUT"))
	v.BindEnv("management.mtls_enabled", l.prefixedEnv("MGMT_MTLS_ENABLED"))
	v.BindEnv("management.tls_cert_file", l.prefixedEnv("MGMT_TLS_CERT_FILE"))
	v.BindEnv("management.tls_key_file", l.prefixedEnv("MGMT_TLS_KEY_FILE"))
	v.BindEnv("management.tls_ca_file", l.prefixedEnv("MGMT_TLS_CA_FILE"))

	// Broker
	v.BindEnv("broker.type", l.prefixedEnv("BROKER_TYPE"))
	v.BindEnv("broker.connection_string", l.prefixedEnv("BROKER_CONNECTION_STRING"))
	v.BindEnv("broker.namespace", l.prefixedEnv("BROKER_NAMESPACE"))
	v.BindEnv("broker.brokers", l.prefixedEnv("BROKER_BROKERS"))
	v.BindEnv("broker.group_id", l.prefixedEnv("BROKER_GROUP_ID"))
	v.BindEnv("broker.exchange", l.prefixedEnv("BROKER_EXCHANGE"))
	v.BindEnv("broker.exchange_type", l.prefixedEnv("BROKER_EXCHANGE_TYPE"))
	v.BindEnv("broker.dead_letter_suffix", l.prefixedEnv("BROKER_DEAD_LETTER_SUFFIX"))
	v.BindEnv("broker.region", l.prefixedEnv("BROKER_REGION"))
	v.BindEnv("broker.endpoint", l.prefixedEnv("BROKER_ENDPOINT"))
	v.BindEnv("broker.access_key_id", l.prefixedEnv("BROKER_ACCESS_KEY_ID"))
	v.BindEnv("broker.secret_access_key", l.prefixedEnv("BROKER_SECRET_ACCESS_KEY"))
	v.BindEnv("broker.session_token", l.prefixedEnv("BROKER_SESSION_TOKEN"))
	v.BindEnv("broker.wait_time_seconds", l.prefixedEnv("BROKER_WAIT_TIME_SECONDS"))
	v.BindEnv("broker.visibility_timeout", l.prefixedEnv("BROKER_VISIBILITY_TIMEOUT"))
	v.BindEnv("broker.health_entity", l.prefixedEnv("BROKER_HEALTH_ENTITY"))
	v.BindEnv("broker.operation_timeout", l.prefixedEnv("BROKER_OPERATION_TIMEOUT"))

	// Replay
	v.BindEnv("replay.destination", l.prefixedEnv("REPLAY_DESTINATION"))
	v.BindEnv("replay.subscription", l.prefixedEnv("REPLAY_SUBSCRIPTION"))
	v.BindEnv("replay.max_batch_size", l.prefixedEnv("REPLAY_MAX_BATCH_SIZE"))
	v.BindEnv("replay.operation_timeout", l.prefixedEnv("REPLAY_OPERATION_TIMEOUT"))
	v.BindEnv("replay.fetch_timeout", l.prefixedEnv("REPLAY_FETCH_TIMEOUT"))
	v.BindEnv("replay.send_rate", l.prefixedEnv("REPLAY_SEND_RATE"))
	v.BindEnv("replay.max_consecutive_send_failures", l.prefixedEnv("REPLAY_MAX_CONSECUTIVE_SEND_FAILURES"))

	// History
	v.BindEnv("history.type", l.prefixedEnv("HISTORY_TYPE"))
	v.BindEnv("history.capacity", l.prefixedEnv("HISTORY_CAPACITY"))
	v.BindEnv("history.postgres.url", l.prefixedEnv("HISTORY_POSTGRES_URL"))
	v.BindEnv("history.postgres.max_open_conns", l.prefixedEnv("HISTORY_POSTGRES_MAX_OPEN_CONNS"))
	v.BindEnv("history.postgres.max_idle_conns", l.prefixedEnv("HISTORY_POSTGRES_MAX_IDLE_CONNS"))
	v.BindEnv("history.postgres.conn_max_lifetime", l.prefixedEnv("HISTORY_POSTGRES_CONN_MAX_LIFETIME"))
	v.BindEnv("history.postgres.query_timeout", l.prefixedEnv("HISTORY_POSTGRES_QUERY_TIMEOUT"))
	v.BindEnv("history.postgres.auto_migrate", l.prefixedEnv("HISTORY_POSTGRES_AUTO_MIGRATE"))

	// Scheduler
	v.BindEnv("scheduler.enabled", l.prefixedEnv("SCHEDULER_ENABLED"))
	v.BindEnv("scheduler.lock_provider", l.prefixedEnv("SCHEDULER_LOCK_PROVIDER"))
	v.BindEnv("scheduler.lock_ttl", l.prefixedEnv("SCHEDULER_LOCK_TTL"))
	v.BindEnv("scheduler.dispatch_timeout", l.prefixedEnv("SCHEDULER_DISPATCH_TIMEOUT"))
	v.BindEnv("scheduler.redis.url", l.prefixedEnv("SCHEDULER_REDIS_URL"))
	v.BindEnv("scheduler.redis.prefix", l.prefixedEnv("SCHEDULER_REDIS_PREFIX"))
	v.BindEnv("scheduler.redis.operation_timeout", l.prefixedEnv("SCHEDULER_REDIS_OPERATION_TIMEOUT"))
	v.BindEnv("scheduler.postgres.url", l.prefixedEnv("SCHEDULER_POSTGRES_URL"))
	v.BindEnv("scheduler.postgres.table", l.prefixedEnv("SCHEDULER_POSTGRES_TABLE"))
	v.BindEnv("scheduler.postgres.operation_timeout", l.prefixedEnv("SCHEDULER_POSTGRES_OPERATION_TIMEOUT"))

	// Observability
	v.BindEnv("observability.log_level", l.prefixedEnv("LOG_LEVEL"))
	v.BindEnv("observability.log_format", l.prefixedEnv("LOG_FORMAT"))
	v.BindEnv("observability.metrics_enabled", l.prefixedEnv("METRICS_ENABLED"))
	v.BindEnv("observability.tracing_enabled", l.prefixedEnv("TRACING_ENABLED"))
	v.BindEnv("observability.tracing_sample_rate", l.prefixedEnv("TRACING_SAMPLE_RATE"))
	v.BindEnv("observability.tracing_endpoint", l.prefixedEnv("TRACING_ENDPOINT"))
	v.BindEnv("observability.tracing_insecure", l.prefixedEnv("TRACING_INSECURE"))
}

// bindLegacyEnvVars maps legacy env vars (the unprefixed Azure Service Bus names among them)
// onto the current names when the current ones are absent.
func (l *ViperLoader) bindLegacyEnvVars() {
	aliases := []struct {
		env    string
		legacy string
	}{
		{l.prefixedEnv("BROKER_CONNECTION_STRING"), "AZURE_SERVICEBUS_CONNECTION_STRING"},
		{l.prefixedEnv("REPLAY_DESTINATION"), "AZURE_SERVICEBUS_TOPIC_NAME"},
		{l.prefixedEnv("REPLAY_SUBSCRIPTION"), "AZURE_SERVICEBUS_SUBSCRIPTION_NAME"},
		{l.prefixedEnv("MGMT_PORT"), l.prefixedEnv("MANAGEMENT_PORT")},
	}

	for _, alias := range aliases {
		if _, ok := os.LookupEnv(alias.env); ok {
			continue
		}
		if value, ok := os.LookupEnv(alias.legacy); ok {
			_ = os.Setenv(alias.env, value)
		}
	}
}

func (l *ViperLoader) prefixedEnv(suffix string) string {
	prefix := strings.TrimSpace(l.envPrefix)
	if prefix == "" {
		prefix = "APP"
	}
	return fmt.Sprintf("%s_%s", strings.ToUpper(prefix), suffix)
}

// setDefaults sets default values in Viper from the default config
func (l *ViperLoader) setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("router_type", cfg.RouterType)
	v.SetDefault("service.name", cfg.Service.Name)
	v.SetDefault("service.environment", cfg.Service.Environment)

	// HTTP defaults
	v.SetDefault("http.port", cfg.HTTP.Port)
	v.SetDefault("http.read_timeout", cfg.HTTP.ReadTimeout)
	v.SetDefault("http.write_timeout", cfg.HTTP.WriteTimeout)
	v.SetDefault("http.idle_timeout", cfg.HTTP.IdleTimeout)
	v.SetDefault("http.rate_limit.enabled", cfg.HTTP.RateLimit.Enabled)
	v.SetDefault("http.rate_limit.requests_per_second", cfg.HTTP.RateLimit.RequestsPerSecond)
	v.SetDefault("http.rate_limit.burst", cfg.HTTP.RateLimit.Burst)

	// Management defaults
	v.SetDefault("management.enabled", cfg.Management.Enabled)
	v.SetDefault("management.port", cfg.Management.Port)
	v.SetDefault("management.read_timeout", cfg.Management.ReadTimeout)
	v.SetDefault("management.write_timeout", cfg.Management.WriteTimeout)
	v.SetDefault("management.mtls_enabled", cfg.Management.MTLSEnabled)

	// Broker defaults
	v.SetDefault("broker.type", cfg.Broker.Type)
	v.SetDefault("broker.connection_string", cfg.Broker.ConnectionString)
	v.SetDefault("broker.namespace", cfg.Broker.Namespace)
	v.SetDefault("broker.brokers", cfg.Broker.Brokers)
	v.SetDefault("broker.group_id", cfg.Broker.GroupID)
	v.SetDefault("broker.exchange", cfg.Broker.Exchange)
	v.SetDefault("broker.exchange_type", cfg.Broker.ExchangeType)
	v.SetDefault("broker.dead_letter_suffix", cfg.Broker.DeadLetterSuffix)
	v.SetDefault("broker.region", cfg.Broker.Region)
	v.SetDefault("broker.endpoint", cfg.Broker.Endpoint)
	v.SetDefault("broker.access_key_id", cfg.Broker.AccessKeyID)
	v.SetDefault("broker.secret_access_key", cfg.Broker.SecretAccessKey)
	v.SetDefault("broker.session_token", cfg.Broker.SessionToken)
	v.SetDefault("broker.wait_time_seconds", cfg.Broker.WaitTimeSeconds)
	v.SetDefault("broker.visibility_timeout", cfg.Broker.VisibilityTimeout)
	v.SetDefault("broker.health_entity", cfg.Broker.HealthEntity)
	v.SetDefault("broker.operation_timeout", cfg.Broker.OperationTimeout)

	// Replay defaults
	v.SetDefault("replay.destination", cfg.Replay.Destination)
	v.SetDefault("replay.subscription", cfg.Replay.Subscription)
	v.SetDefault("replay.max_batch_size", cfg.Replay.MaxBatchSize)
	v.SetDefault("replay.operation_timeout", cfg.Replay.OperationTimeout)
	v.SetDefault("replay.fetch_timeout", cfg.Replay.FetchTimeout)
	v.SetDefault("replay.send_rate", cfg.Replay.SendRate)
	v.SetDefault("replay.max_consecutive_send_failures", cfg.Replay.MaxConsecutiveSendFailures)

	// History defaults
	v.SetDefault("history.type", cfg.History.Type)
	v.SetDefault("history.capacity", cfg.History.Capacity)
	v.SetDefault("history.postgres.url", cfg.History.Postgres.URL)
	v.SetDefault("history.postgres.max_open_conns", cfg.History.Postgres.MaxOpenConns)
	v.SetDefault("history.postgres.max_idle_conns", cfg.History.Postgres.MaxIdleConns)
	v.SetDefault("history.postgres.conn_max_lifetime", cfg.History.Postgres.ConnMaxLifetime)
	v.SetDefault("history.postgres.query_timeout", cfg.History.Postgres.QueryTimeout)
	v.SetDefault("history.postgres.auto_migrate", cfg.History.Postgres.AutoMigrate)

	// Scheduler defaults
	v.SetDefault("scheduler.enabled", cfg.Scheduler.Enabled)
	v.SetDefault("scheduler.lock_provider", cfg.Scheduler.LockProvider)
	v.SetDefault("scheduler.lock_ttl", cfg.Scheduler.LockTTL)
	v.SetDefault("scheduler.dispatch_timeout", cfg.Scheduler.DispatchTimeout)
	v.SetDefault("scheduler.redis.url", cfg.Scheduler.Redis.URL)
	v.SetDefault("scheduler.redis.prefix", cfg.Scheduler.Redis.Prefix)
	v.SetDefault("scheduler.redis.operation_timeout", cfg.Scheduler.Redis.OperationTimeout)
	v.SetDefault("scheduler.postgres.url", cfg.Scheduler.Postgres.URL)
	v.SetDefault("scheduler.postgres.table", cfg.Scheduler.Postgres.Table)
	v.SetDefault("scheduler.postgres.operation_timeout", cfg.Scheduler.Postgres.OperationTimeout)

	// Observability defaults
	v.SetDefault("observability.log_level", cfg.Observability.LogLevel)
	v.SetDefault("observability.log_format", cfg.Observability.LogFormat)
	v.SetDefault("observability.metrics_enabled", cfg.Observability.MetricsEnabled)
	v.SetDefault("observability.tracing_enabled", cfg.Observability.TracingEnabled)
	v.SetDefault("observability.tracing_sample_rate", cfg.Observability.TracingSampleRate)
	v.SetDefault("observability.tracing_endpoint", cfg.Observability.TracingEndpoint)
	v.SetDefault("observability.tracing_insecure", cfg.Observability.TracingInsecure)
}

// Validate normalizes cfg and checks struct tags plus the cross-field rules.
func (l *ViperLoader) Validate(cfg *Config) error {
	cfg.normalize()
	return cfg.Validate()
}

func normalizeStringSlice(values []string) []string {
	out := make([]string, 0, len(values))
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				out = append(out, trimmed)
			}
		}
	}
	return out
}
