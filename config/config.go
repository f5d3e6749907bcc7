package config

import (
	"log/slog"
	"net"
	"net/url"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/spf13/viper"
)

const (
	EnvDev     = "dev"
	EnvStaging = "staging"
	EnvProd    = "prod"
)

const (
	LogLevelDebug = "debug"
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"
)

const (
	StorageBadger = "badger"
	StorageMemory = "memory"
)

type ServerConfig struct {
	Address     string `mapstructure:"address"`
	Environment string `mapstructure:"environment"`
}

type CollectorConfig struct {
	URL       string `mapstructure:"url"`
	HealthURL string `mapstructure:"health_url"`
	Timeout   string `mapstructure:"timeout"`
}

type BreakerConfig struct {
	FailureThreshold    int    `mapstructure:"failure_threshold"`
	ResetTimeout        string `mapstructure:"reset_timeout"`
	HealthCheckInterval string `mapstructure:"health_check_interval"`
}

type RetryConfig struct {
	MaxAttempts int    `mapstructure:"max_attempts"`
	BaseDelay   string `mapstructure:"base_delay"`
	JitterMax   string `mapstructure:"jitter_max"`
}

type QueueConfig struct {
	MaxSize          int    `mapstructure:"max_size"`
	BatchConcurrency int    `mapstructure:"batch_concurrency"`
	InterBatchDelay  string `mapstructure:"inter_batch_delay"`
}

type StorageConfig struct {
	Type             string `mapstructure:"type"`
	Dir              string `mapstructure:"dir"`
	FallbackPath     string `mapstructure:"fallback_path"`
	VolatileCapacity int    `mapstructure:"volatile_capacity"`
}

type TrackerConfig struct {
	StaleThreshold string `mapstructure:"stale_threshold"`
	ScanInterval   string `mapstructure:"scan_interval"`
}

type IngestConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	SampleRate     float64  `mapstructure:"sample_rate"`
	SampleBurst    int      `mapstructure:"sample_burst"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Collector CollectorConfig `mapstructure:"collector"`
	Breaker   BreakerConfig   `mapstructure:"breaker"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Tracker   TrackerConfig   `mapstructure:"tracker"`
	Ingest    IngestConfig    `mapstructure:"ingest"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

func Load() (*Config, error) {
	viper.SetDefault("server.environment", EnvDev)
	viper.SetDefault("server.address", ":8090")
	viper.SetDefault("collector.url", "http://localhost:9400/v1/reports")
	viper.SetDefault("collector.health_url", "http://localhost:9400/healthz")
	viper.SetDefault("collector.timeout", "10s")
	viper.SetDefault("breaker.failure_threshold", 5)
	viper.SetDefault("breaker.reset_timeout", "60s")
	viper.SetDefault("breaker.health_check_interval", "30s")
	viper.SetDefault("retry.max_attempts", 3)
	viper.SetDefault("retry.base_delay", "1s")
	viper.SetDefault("retry.jitter_max", "1s")
	viper.SetDefault("queue.max_size", 100)
	viper.SetDefault("queue.batch_concurrency", 3)
	viper.SetDefault("queue.inter_batch_delay", "1s")
	viper.SetDefault("storage.type", StorageBadger)
	viper.SetDefault("storage.dir", "./data/state")
	viper.SetDefault("storage.fallback_path", "./data/state.json")
	viper.SetDefault("storage.volatile_capacity", 256)
	viper.SetDefault("tracker.stale_threshold", "5m")
	viper.SetDefault("tracker.scan_interval", "1m")
	viper.SetDefault("ingest.sample_rate", 50.0)
	viper.SetDefault("ingest.sample_burst", 100)
	viper.SetDefault("logging.level", LogLevelInfo)

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./config")
	viper.AddConfigPath(".")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Error("failed to read config file", slog.String("error", err.Error()))
			return nil, err
		}
		slog.Error("config file not found, using defaults and environment variables")
	} else {
		slog.Info("loaded config file", slog.String("file", viper.ConfigFileUsed()))
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		slog.Error("failed to unmarshal config", slog.String("error", err.Error()))
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.String("error", err.Error()))
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Server,
			validation.Required,
			validation.By(func(value interface{}) error {
				sc, ok := value.(ServerConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a ServerConfig")
				}
				return validation.ValidateStruct(&sc,
					validation.Field(&sc.Environment,
						validation.Required,
						validation.In(EnvDev, EnvStaging, EnvProd),
					),
					validation.Field(&sc.Address,
						validation.Required,
						validation.By(validateHostPort),
					),
				)
			}),
		),
		validation.Field(&c.Collector,
			validation.Required,
			validation.By(func(value interface{}) error {
				cc, ok := value.(CollectorConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a CollectorConfig")
				}
				return validation.ValidateStruct(&cc,
					validation.Field(&cc.URL,
						validation.Required,
						validation.By(validateServerURL),
					),
					validation.Field(&cc.HealthURL,
						validation.When(cc.HealthURL != "", validation.By(validateServerURL)),
					),
					validation.Field(&cc.Timeout,
						validation.Required,
						validation.By(validateDuration),
					),
				)
			}),
		),
		validation.Field(&c.Breaker,
			validation.Required,
			validation.By(func(value interface{}) error {
				bc, ok := value.(BreakerConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a BreakerConfig")
				}
				return validation.ValidateStruct(&bc,
					validation.Field(&bc.FailureThreshold,
						validation.Required,
						validation.Min(1),
					),
					validation.Field(&bc.ResetTimeout,
						validation.Required,
						validation.By(validateDuration),
					),
					validation.Field(&bc.HealthCheckInterval,
						validation.Required,
						validation.By(validateDuration),
					),
				)
			}),
		),
		validation.Field(&c.Retry,
			validation.Required,
			validation.By(func(value interface{}) error {
				rc, ok := value.(RetryConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a RetryConfig")
				}
				return validation.ValidateStruct(&rc,
					validation.Field(&rc.MaxAttempts,
						validation.Min(0),
					),
					validation.Field(&rc.BaseDelay,
						validation.Required,
						validation.By(validateDuration),
					),
					validation.Field(&rc.JitterMax,
						validation.Required,
						validation.By(validateDuration),
					),
				)
			}),
		),
		validation.Field(&c.Queue,
			validation.Required,
			validation.By(func(value interface{}) error {
				qc, ok := value.(QueueConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a QueueConfig")
				}
				return validation.ValidateStruct(&qc,
					validation.Field(&qc.MaxSize,
						validation.Required,
						validation.Min(1),
					),
					validation.Field(&qc.BatchConcurrency,
						validation.Required,
						validation.Min(1),
					),
					validation.Field(&qc.InterBatchDelay,
						validation.Required,
						validation.By(validateDuration),
					),
				)
			}),
		),
		validation.Field(&c.Storage,
			validation.Required,
			validation.By(func(value interface{}) error {
				sc, ok := value.(StorageConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a StorageConfig")
				}
				return validation.ValidateStruct(&sc,
					validation.Field(&sc.Type,
						validation.Required,
						validation.In(StorageBadger, StorageMemory),
					),
					validation.Field(&sc.Dir,
						validation.Required.When(sc.Type == StorageBadger),
					),
					validation.Field(&sc.FallbackPath,
						validation.Required,
					),
					validation.Field(&sc.VolatileCapacity,
						validation.Required,
						validation.Min(1),
					),
				)
			}),
		),
		validation.Field(&c.Tracker,
			validation.Required,
			validation.By(func(value interface{}) error {
				tc, ok := value.(TrackerConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a TrackerConfig")
				}
				return validation.ValidateStruct(&tc,
					validation.Field(&tc.StaleThreshold,
						validation.Required,
						validation.By(validateDuration),
					),
					validation.Field(&tc.ScanInterval,
						validation.Required,
						validation.By(validateDuration),
					),
				)
			}),
		),
		validation.Field(&c.Ingest,
			validation.By(func(value interface{}) error {
				ic, ok := value.(IngestConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be an IngestConfig")
				}
				return validation.ValidateStruct(&ic,
					validation.Field(&ic.SampleRate,
						validation.Min(0.0),
					),
					validation.Field(&ic.SampleBurst,
						validation.Min(0),
					),
				)
			}),
		),
		validation.Field(&c.Logging,
			validation.Required,
			validation.By(func(value interface{}) error {
				lc, ok := value.(LoggingConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a LoggingConfig")
				}
				return validation.ValidateStruct(&lc,
					validation.Field(&lc.Level,
						validation.Required,
						validation.In(LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError),
					),
				)
			}),
		),
	)
}

func validateHostPort(value interface{}) error {
	addr, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}

	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return validation.NewError("validation_invalid_hostport", "must be in host:port format")
	}

	if port == "" {
		return validation.NewError("validation_invalid_port", "port cannot be empty")
	}

	if host != "" {
		if err := is.Host.Validate(host); err != nil {
			return validation.NewError("validation_invalid_host", "invalid host")
		}
	}

	return nil
}

func validateDuration(value interface{}) error {
	durationStr, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}

	if _, err := time.ParseDuration(durationStr); err != nil {
		return validation.NewError("validation_invalid_duration", "must be a valid duration (e.g., 2s, 5m, 1h)")
	}

	return nil
}

func validateServerURL(value interface{}) error {
	serverURL, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}

	if serverURL == "" {
		return validation.NewError("validation_empty_url", "collector URL cannot be empty")
	}

	parsedURL, err := url.Parse(serverURL)
	if err != nil {
		return validation.NewError("validation_invalid_url", "must be a valid URL")
	}

	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return validation.NewError("validation_invalid_scheme", "URL must use http or https scheme")
	}

	if parsedURL.Host == "" {
		return validation.NewError("validation_missing_host", "URL must have a host")
	}

	return nil
}

// Duration parses a duration string, returning def when the value is empty
// or malformed.
func Duration(value string, def time.Duration) time.Duration {
	if value == "" {
		return def
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return d
}
