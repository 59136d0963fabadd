package config

import (
	"errors"
	"log/slog"
	"net/url"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/angeloszaimis/relay/pkg/hostport"
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
	FailureModeClose  = "close"
	FailureModeStatus = "status"
)

// EnvPrefix prefixes every environment variable, e.g. PROXY_UPSTREAM_URL.
const EnvPrefix = "PROXY"

type ServerConfig struct {
	Address           string `mapstructure:"address"`
	Environment       string `mapstructure:"environment"`
	HeaderReadTimeout string `mapstructure:"header_read_timeout"`
	IdleTimeout       string `mapstructure:"idle_timeout"`
	KeepAlive         bool   `mapstructure:"keep_alive"`
	Workers           int    `mapstructure:"workers"`
}

type UpstreamConfig struct {
	URL                 string `mapstructure:"url"`
	IdleConnTimeout     string `mapstructure:"idle_conn_timeout"`
	MaxIdleConnsPerHost int    `mapstructure:"max_idle_conns_per_host"`
	DialTimeout         string `mapstructure:"dial_timeout"`
	HealthPath          string `mapstructure:"health_path"`
	HealthInterval      string `mapstructure:"health_interval"`
}

type ProxyConfig struct {
	FailureMode     string `mapstructure:"failure_mode"`
	MaxBodyBytes    int64  `mapstructure:"max_body_bytes"`
	PropagateCancel bool   `mapstructure:"propagate_cancel"`
}

type MetricsConfig struct {
	Address    string `mapstructure:"address"`
	BufferSize int    `mapstructure:"buffer_size"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Upstream UpstreamConfig `mapstructure:"upstream"`
	Proxy    ProxyConfig    `mapstructure:"proxy"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// flagKeys maps command-line flag names onto configuration keys.
var flagKeys = map[string]string{
	"listen":       "server.address",
	"upstream":     "upstream.url",
	"environment":  "server.environment",
	"log-level":    "logging.level",
	"failure-mode": "proxy.failure_mode",
	"metrics":      "metrics.address",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.environment", EnvDev)
	v.SetDefault("server.header_read_timeout", "5s")
	v.SetDefault("server.idle_timeout", "60s")
	v.SetDefault("server.keep_alive", true)
	v.SetDefault("server.workers", 0)
	v.SetDefault("upstream.url", "http://127.0.0.1:3000")
	v.SetDefault("upstream.idle_conn_timeout", "30s")
	v.SetDefault("upstream.max_idle_conns_per_host", 100)
	v.SetDefault("upstream.dial_timeout", "0s")
	v.SetDefault("upstream.health_path", "")
	v.SetDefault("upstream.health_interval", "10s")
	v.SetDefault("proxy.failure_mode", FailureModeClose)
	v.SetDefault("proxy.max_body_bytes", 0)
	v.SetDefault("proxy.propagate_cancel", false)
	v.SetDefault("metrics.address", "")
	v.SetDefault("metrics.buffer_size", 1000)
	v.SetDefault("logging.level", LogLevelInfo)
}

// Load reads the configuration. configFile may be empty, in which case
// config.yaml is looked up in ./config and the working directory. Flags that
// were explicitly set on the command line override file and environment values.
func Load(configFile string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, err
				}
			}
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			slog.Error("failed to read config file", slog.String("error", err.Error()))
			return nil, err
		}
		slog.Debug("config file not found, using defaults and environment variables")
	} else {
		slog.Info("loaded config file", slog.String("file", v.ConfigFileUsed()))
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
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
		validation.Field(&c.Server),
		validation.Field(&c.Upstream),
		validation.Field(&c.Proxy),
		validation.Field(&c.Metrics),
		validation.Field(&c.Logging),
	)
}

func (sc ServerConfig) Validate() error {
	return validation.ValidateStruct(&sc,
		validation.Field(&sc.Environment,
			validation.Required,
			validation.In(EnvDev, EnvStaging, EnvProd),
		),
		validation.Field(&sc.Address,
			validation.Required,
			hostport.Rule,
		),
		validation.Field(&sc.HeaderReadTimeout,
			validation.Required,
			validation.By(validatePositiveDuration),
		),
		validation.Field(&sc.IdleTimeout,
			validation.Required,
			validation.By(validateDuration),
		),
		validation.Field(&sc.Workers, validation.Min(0)),
	)
}

func (uc UpstreamConfig) Validate() error {
	return validation.ValidateStruct(&uc,
		validation.Field(&uc.URL,
			validation.Required,
			validation.By(validateUpstreamURL),
		),
		validation.Field(&uc.IdleConnTimeout,
			validation.Required,
			validation.By(validateDuration),
		),
		validation.Field(&uc.MaxIdleConnsPerHost,
			validation.Required,
			validation.Min(1),
		),
		validation.Field(&uc.DialTimeout, validation.By(validateDuration)),
		validation.Field(&uc.HealthPath,
			validation.When(uc.HealthPath != "", validation.By(validateAbsolutePath)),
		),
		validation.Field(&uc.HealthInterval,
			validation.When(uc.HealthPath != "",
				validation.Required,
				validation.By(validatePositiveDuration),
			),
		),
	)
}

func (pc ProxyConfig) Validate() error {
	return validation.ValidateStruct(&pc,
		validation.Field(&pc.FailureMode,
			validation.Required,
			validation.In(FailureModeClose, FailureModeStatus),
		),
		validation.Field(&pc.MaxBodyBytes, validation.Min(int64(0))),
	)
}

func (mc MetricsConfig) Validate() error {
	return validation.ValidateStruct(&mc,
		validation.Field(&mc.Address,
			validation.When(mc.Address != "", hostport.Rule),
		),
		validation.Field(&mc.BufferSize,
			validation.Required,
			validation.Min(1),
		),
	)
}

func (lc LoggingConfig) Validate() error {
	return validation.ValidateStruct(&lc,
		validation.Field(&lc.Level,
			validation.Required,
			validation.In(LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError),
		),
	)
}

// Durations are validated by Validate, so the accessors below ignore parse errors.

func (sc ServerConfig) HeaderReadTimeoutDuration() time.Duration {
	return mustDuration(sc.HeaderReadTimeout)
}

func (sc ServerConfig) IdleTimeoutDuration() time.Duration {
	return mustDuration(sc.IdleTimeout)
}

func (uc UpstreamConfig) IdleConnTimeoutDuration() time.Duration {
	return mustDuration(uc.IdleConnTimeout)
}

func (uc UpstreamConfig) DialTimeoutDuration() time.Duration {
	return mustDuration(uc.DialTimeout)
}

func (uc UpstreamConfig) HealthIntervalDuration() time.Duration {
	return mustDuration(uc.HealthInterval)
}

func mustDuration(s string) time.Duration {
	if s == "" {
		return 0
	}
	d, _ := time.ParseDuration(s)
	return d
}

func validateDuration(value interface{}) error {
	durationStr, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}

	if durationStr == "" {
		return nil
	}

	d, err := time.ParseDuration(durationStr)
	if err != nil {
		return validation.NewError("validation_invalid_duration", "must be a valid duration (e.g., 2s, 5m, 1h)")
	}

	if d < 0 {
		return validation.NewError("validation_negative_duration", "must not be negative")
	}

	return nil
}

func validatePositiveDuration(value interface{}) error {
	if err := validateDuration(value); err != nil {
		return err
	}

	if mustDuration(value.(string)) <= 0 {
		return validation.NewError("validation_nonpositive_duration", "must be greater than zero")
	}

	return nil
}

func validateAbsolutePath(value interface{}) error {
	path, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}

	if !strings.HasPrefix(path, "/") {
		return validation.NewError("validation_invalid_path", "must start with /")
	}

	return nil
}

// validateUpstreamURL accepts plain http base URLs only: TLS towards the
// upstream is not supported and query or fragment parts cannot be combined
// with the inbound request target.
func validateUpstreamURL(value interface{}) error {
	upstreamURL, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}

	parsedURL, err := url.Parse(upstreamURL)
	if err != nil {
		return validation.NewError("validation_invalid_url", "must be a valid URL")
	}

	if parsedURL.Scheme != "http" {
		return validation.NewError("validation_invalid_scheme", "URL must use the http scheme")
	}

	if parsedURL.Host == "" {
		return validation.NewError("validation_missing_host", "URL must have a host")
	}

	if parsedURL.RawQuery != "" || parsedURL.Fragment != "" {
		return validation.NewError("validation_invalid_url", "URL must not carry a query or fragment")
	}

	return nil
}
