package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report config keys, not Go field names.
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("mapstructure"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func (c *Config) normalize() {
	c.RouterType = strings.ToLower(strings.TrimSpace(c.RouterType))
	c.Broker.Type = strings.ToLower(strings.TrimSpace(c.Broker.Type))
	c.Broker.Brokers = normalizeStringSlice(c.Broker.Brokers)
	c.History.Type = strings.ToLower(strings.TrimSpace(c.History.Type))
	c.Scheduler.LockProvider = strings.ToLower(strings.TrimSpace(c.Scheduler.LockProvider))
	c.Observability.LogLevel = strings.ToLower(strings.TrimSpace(c.Observability.LogLevel))
	c.Observability.LogFormat = strings.ToLower(strings.TrimSpace(c.Observability.LogFormat))
	if c.Observability.LogFormat == "console" {
		c.Observability.LogFormat = "text"
	}
}

// Validate checks struct tags and the rules that span several fields. All violations are joined.
func (c *Config) Validate() error {
	var errs []error

	if err := validate.Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return err
		}
		for _, fe := range fieldErrs {
			errs = append(errs, fieldError(fe))
		}
	}

	switch c.Broker.Type {
	case BrokerTypeServiceBus:
		if c.Broker.ConnectionString == "" && c.Broker.Namespace == "" {
			errs = append(errs, errors.New("broker.connection_string or broker.namespace is required for servicebus"))
		}
	case BrokerTypeSQS:
		if c.Broker.Region == "" {
			errs = append(errs, errors.New("broker.region is required for sqs"))
		}
		if c.Replay.Subscription == "" {
			errs = append(errs, errors.New("replay.subscription (dead-letter queue URL) is required for sqs"))
		}
	case BrokerTypeRabbitMQ:
		if c.Broker.ConnectionString == "" {
			errs = append(errs, errors.New("broker.connection_string (amqp URL) is required for rabbitmq"))
		}
	case BrokerTypeKafka:
		if len(c.Broker.Brokers) == 0 {
			errs = append(errs, errors.New("broker.brokers is required for kafka"))
		}
	}

	if c.History.Type == HistoryTypePostgres && c.History.Postgres.URL == "" {
		errs = append(errs, errors.New("history.postgres.url is required when history.type is postgres"))
	}

	if c.Management.Enabled && c.Management.Port == c.HTTP.Port {
		errs = append(errs, fmt.Errorf("management.port must differ from http.port (%d)", c.HTTP.Port))
	}

	if c.Management.Enabled && c.Management.MTLSEnabled &&
		(c.Management.TLSCertFile == "" || c.Management.TLSKeyFile == "" || c.Management.TLSCAFile == "") {
		errs = append(errs, errors.New("management.tls_cert_file, tls_key_file and tls_ca_file are required when management.mtls_enabled is true"))
	}

	if c.HTTP.RateLimit.Enabled && c.HTTP.RateLimit.RequestsPerSecond <= 0 {
		errs = append(errs, errors.New("http.rate_limit.requests_per_second must be greater than 0 when rate limiting is enabled"))
	}

	if c.Scheduler.Enabled {
		if len(c.Scheduler.Tasks) == 0 {
			errs = append(errs, errors.New("scheduler.tasks must contain at least one task when the scheduler is enabled"))
		}
		if c.Scheduler.LockProvider == SchedulerLockProviderRedis && c.Scheduler.Redis.URL == "" {
			errs = append(errs, errors.New("scheduler.redis.url is required when scheduler.lock_provider is redis"))
		}
		if c.Scheduler.LockProvider == SchedulerLockProviderPostgres && c.Scheduler.Postgres.URL == "" {
			errs = append(errs, errors.New("scheduler.postgres.url is required when scheduler.lock_provider is postgres"))
		}
	}
	seen := make(map[string]bool, len(c.Scheduler.Tasks))
	for i, task := range c.Scheduler.Tasks {
		name := strings.TrimSpace(task.Name)
		if seen[name] {
			errs = append(errs, fmt.Errorf("scheduler.tasks[%d].name %q is duplicated", i, name))
		}
		seen[name] = true
	}

	return errors.Join(errs...)
}

func fieldError(fe validator.FieldError) error {
	key := fe.Namespace()
	if i := strings.Index(key, "."); i >= 0 {
		key = key[i+1:]
	}
	switch fe.Tag() {
	case "required":
		return fmt.Errorf("%s is required", key)
	case "oneof":
		return fmt.Errorf("%s must be one of [%s], got %v", key, fe.Param(), fe.Value())
	case "min":
		return fmt.Errorf("%s must be at least %s, got %v", key, fe.Param(), fe.Value())
	case "max":
		return fmt.Errorf("%s must be at most %s, got %v", key, fe.Param(), fe.Value())
	}
	return fmt.Errorf("%s failed %s validation", key, fe.Tag())
}

// Redacted returns the configuration as a nested map keyed by config keys, with secret fields
// and every value set by the secrets file masked. secrets may be nil.
func (c *Config) Redacted(secrets *Config) map[string]any {
	var mask reflect.Value
	if secrets != nil {
		mask = reflect.ValueOf(secrets).Elem()
	}
	return toMap(reflect.ValueOf(c).Elem(), mask, true)
}

// Settings returns the configuration as a nested map keyed by config keys, secrets included.
func (c *Config) Settings() map[string]any {
	return toMap(reflect.ValueOf(c).Elem(), reflect.Value{}, false)
}

func toMap(v, mask reflect.Value, redact bool) map[string]any {
	out := make(map[string]any, v.NumField())
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := t.Field(i)
		value := v.Field(i)
		if !value.CanInterface() {
			continue
		}

		fieldName := field.Name
		if tag := field.Tag.Get("mapstructure"); tag != "" && tag != "-" {
			fieldName = tag
		}

		var maskValue reflect.Value
		if mask.IsValid() {
			maskValue = mask.Field(i)
		}

		switch value.Kind() {
		case reflect.Struct:
			out[fieldName] = toMap(value, maskValue, redact)
		case reflect.Slice:
			items := make([]any, 0, value.Len())
			for j := 0; j < value.Len(); j++ {
				elem := value.Index(j)
				if elem.Kind() == reflect.Struct {
					items = append(items, toMap(elem, reflect.Value{}, redact))
					continue
				}
				items = append(items, elem.Interface())
			}
			out[fieldName] = items
		default:
			if redact && (field.Tag.Get("secret") == "true" && !value.IsZero() || shouldRedact(maskValue)) {
				out[fieldName] = "***"
				continue
			}
			if d, ok := value.Interface().(fmt.Stringer); ok {
				out[fieldName] = d.String()
				continue
			}
			out[fieldName] = value.Interface()
		}
	}

	return out
}

func shouldRedact(v reflect.Value) bool {
	if !v.IsValid() {
		return false
	}

	switch v.Kind() {
	case reflect.String:
		return v.String() != ""
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int() != 0
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return v.Uint() != 0
	case reflect.Float32, reflect.Float64:
		return v.Float() != 0
	case reflect.Bool:
		return v.Bool()
	case reflect.Slice, reflect.Map:
		return v.Len() > 0
	default:
		return false
	}
}
