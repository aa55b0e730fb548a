// Package config loads the service configuration from file, environment and
// defaults.
package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"

	"github.com/stratumai/trustgate/internal/logging"
)

// EnvPrefix prefixes every environment override, e.g. TRUSTGATE_SERVER_PORT.
const EnvPrefix = "TRUSTGATE"

// ErrInvalid is returned when a configuration value fails validation.
var ErrInvalid = eris.New("invalid configuration")

// Config holds the service configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Server    ServerConfig    `mapstructure:"server"`
	Storage   StorageConfig   `mapstructure:"storage"`
	State     StateConfig     `mapstructure:"state"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Lock      LockConfig      `mapstructure:"lock"`
	Adapter   AdapterConfig   `mapstructure:"adapter"`
	Tenants   TenantsConfig   `mapstructure:"tenants"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Audit     AuditConfig     `mapstructure:"audit"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Host               string        `mapstructure:"host"`
	Port               int           `mapstructure:"port"`
	ReadTimeout        time.Duration `mapstructure:"read_timeout"`
	WriteTimeout       time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout    time.Duration `mapstructure:"shutdown_timeout"`
	CORSAllowedOrigins []string      `mapstructure:"cors_allowed_origins"`
}

// Addr is the listen address.
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// StorageConfig selects the snapshot, state and audit backend.
type StorageConfig struct {
	Driver      string `mapstructure:"driver"`
	SQLitePath  string `mapstructure:"sqlite_path"`
	PostgresDSN string `mapstructure:"postgres_dsn"`
	MaxConns    int32  `mapstructure:"max_conns"`
}

// StateConfig selects where gate state is read and written. "store" uses the
// storage backend; "redis" shares it through Redis.
type StateConfig struct {
	Driver string `mapstructure:"driver"`
}

// RedisConfig covers the Redis state store and lock.
type RedisConfig struct {
	Addr      string        `mapstructure:"addr"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	LockTTL   time.Duration `mapstructure:"lock_ttl"`
	KeyPrefix string        `mapstructure:"key_prefix"`
}

// LockConfig selects the cross-replica cycle lock.
type LockConfig struct {
	Driver string `mapstructure:"driver"`
}

// AdapterConfig selects and tunes the signal source.
type AdapterConfig struct {
	Type           string        `mapstructure:"type"`
	FixturesPath   string        `mapstructure:"fixtures_path"`
	BaseURL        string        `mapstructure:"base_url"`
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxConcurrency int           `mapstructure:"max_concurrency"`
	RatePerSecond  float64       `mapstructure:"rate_per_second"`
	Burst          int           `mapstructure:"burst"`
	RetryAttempts  int           `mapstructure:"retry_attempts"`
}

// TenantsConfig locates the tenant policy files.
type TenantsConfig struct {
	PolicyDir string `mapstructure:"policy_dir"`
}

// SchedulerConfig governs cycle cadence.
type SchedulerConfig struct {
	Enabled                bool          `mapstructure:"enabled"`
	AlignToInterval        bool          `mapstructure:"align_to_interval"`
	StartupDelay           time.Duration `mapstructure:"startup_delay"`
	MaxTenantConcurrency   int           `mapstructure:"max_tenant_concurrency"`
	MaxPlatformConcurrency int           `mapstructure:"max_platform_concurrency"`
}

// EngineConfig tunes the read side.
type EngineConfig struct {
	ViewTTL time.Duration `mapstructure:"view_ttl"`
}

// AuditConfig tunes the pending-decision queue.
type AuditConfig struct {
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	MaxPending    int           `mapstructure:"max_pending"`
}

// AlertingConfig routes operational alerts.
type AlertingConfig struct {
	WebhookURL           string        `mapstructure:"webhook_url"`
	Timeout              time.Duration `mapstructure:"timeout"`
	UnhealthyCyclesAlert int           `mapstructure:"unhealthy_cycles_alert"`
}

// TelemetryConfig controls OTLP metric export.
type TelemetryConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	OTLPEndpoint   string        `mapstructure:"otlp_endpoint"`
	Insecure       bool          `mapstructure:"insecure"`
	ExportInterval time.Duration `mapstructure:"export_interval"`
}

// Load builds configuration from file, environment, and defaults. An empty
// path looks for an optional config.yaml in the working directory.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, eris.Wrap(err, "unmarshal config")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return eris.Wrap(err, "read config")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "trustgate")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "10s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.cors_allowed_origins", []string{})

	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.sqlite_path", "trustgate.db")
	v.SetDefault("storage.max_conns", 10)

	v.SetDefault("state.driver", "store")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.lock_ttl", "60s")
	v.SetDefault("redis.key_prefix", "trustgate")

	v.SetDefault("lock.driver", "none")

	v.SetDefault("adapter.type", "synthetic")
	v.SetDefault("adapter.fixtures_path", "fixtures/signals")
	v.SetDefault("adapter.timeout", "10s")
	v.SetDefault("adapter.max_concurrency", 8)
	v.SetDefault("adapter.rate_per_second", 20.0)
	v.SetDefault("adapter.burst", 5)
	v.SetDefault("adapter.retry_attempts", 3)

	v.SetDefault("tenants.policy_dir", "policies")

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.align_to_interval", false)
	v.SetDefault("scheduler.startup_delay", "0s")
	v.SetDefault("scheduler.max_tenant_concurrency", 8)
	v.SetDefault("scheduler.max_platform_concurrency", 4)

	v.SetDefault("engine.view_ttl", "30s")

	v.SetDefault("audit.flush_interval", "15s")
	v.SetDefault("audit.max_pending", 1000)

	v.SetDefault("alerting.timeout", "5s")
	v.SetDefault("alerting.unhealthy_cycles_alert", 6)

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.otlp_endpoint", "localhost:4317")
	v.SetDefault("telemetry.insecure", true)
	v.SetDefault("telemetry.export_interval", "30s")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

func oneOf(v string, allowed ...string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}

// Validate performs sanity checks on the configuration values. Every problem
// is reported, not just the first.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		add("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Server.ShutdownTimeout <= 0 {
		add("server.shutdown_timeout must be positive")
	}

	switch c.Storage.Driver {
	case "memory":
	case "sqlite":
		if c.Storage.SQLitePath == "" {
			add("storage.sqlite_path is required for the sqlite driver")
		}
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			add("storage.postgres_dsn is required for the postgres driver")
		}
	default:
		add("storage.driver must be memory, sqlite or postgres, got %q", c.Storage.Driver)
	}

	if !oneOf(c.State.Driver, "store", "redis") {
		add("state.driver must be store or redis, got %q", c.State.Driver)
	}
	switch c.Lock.Driver {
	case "none", "redis":
	case "postgres":
		if c.Storage.Driver != "postgres" {
			add("lock.driver postgres requires storage.driver postgres")
		}
	default:
		add("lock.driver must be none, postgres or redis, got %q", c.Lock.Driver)
	}
	if (c.State.Driver == "redis" || c.Lock.Driver == "redis") && c.Redis.Addr == "" {
		add("redis.addr is required when redis is used")
	}
	if c.Lock.Driver == "redis" && c.Redis.LockTTL <= 0 {
		add("redis.lock_ttl must be positive")
	}

	switch c.Adapter.Type {
	case "synthetic":
		if c.Adapter.FixturesPath == "" {
			add("adapter.fixtures_path is required for the synthetic adapter")
		}
	case "http":
		if c.Adapter.BaseURL == "" {
			add("adapter.base_url is required for the http adapter")
		}
		if c.Adapter.Timeout <= 0 {
			add("adapter.timeout must be positive")
		}
	default:
		add("adapter.type must be synthetic or http, got %q", c.Adapter.Type)
	}

	if c.Tenants.PolicyDir == "" {
		add("tenants.policy_dir is required")
	}
	if c.Scheduler.MaxTenantConcurrency < 1 {
		add("scheduler.max_tenant_concurrency must be at least 1")
	}
	if c.Scheduler.MaxPlatformConcurrency < 1 {
		add("scheduler.max_platform_concurrency must be at least 1")
	}
	if c.Engine.ViewTTL <= 0 {
		add("engine.view_ttl must be positive")
	}
	if c.Audit.FlushInterval <= 0 {
		add("audit.flush_interval must be positive")
	}
	if c.Audit.MaxPending < 1 {
		add("audit.max_pending must be at least 1")
	}
	if c.Alerting.UnhealthyCyclesAlert < 0 {
		add("alerting.unhealthy_cycles_alert cannot be negative")
	}
	if c.Telemetry.Enabled && c.Telemetry.OTLPEndpoint == "" {
		add("telemetry.otlp_endpoint is required when telemetry is enabled")
	}

	if len(problems) > 0 {
		return eris.Wrap(ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}
