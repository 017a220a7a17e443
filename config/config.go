package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	// HTTP API
	App AppConfig `mapstructure:"app"`

	// PostgreSQL
	Postgres PostgresConfig `mapstructure:"postgres"`

	// Redis
	Redis RedisConfig `mapstructure:"redis"`

	// NATS
	NATS NATSConfig `mapstructure:"nats"`

	// Prometheus
	Prometheus PrometheusConfig `mapstructure:"prometheus"`

	// Live dashboard (WebSocket observers)
	Dashboard DashboardConfig `mapstructure:"dashboard"`

	// Notification fanout
	Fanout FanoutConfig `mapstructure:"fanout"`

	// Link change stream
	ChangeStream ChangeStreamConfig `mapstructure:"change_stream"`

	// Logging
	Log LogConfig `mapstructure:"log"`
}

type AppConfig struct {
	Addr    string `mapstructure:"addr"`
	BaseURL string `mapstructure:"base_url"`
}

// PostgresConfig is shared by the gorm catalog handle and the pgx pool.
type PostgresConfig struct {
	Host              string        `mapstructure:"host"`
	User              string        `mapstructure:"user"`
	Password          string        `mapstructure:"password"`
	Database          string        `mapstructure:"database"`
	Port              int           `mapstructure:"port"`
	SSLMode           string        `mapstructure:"sslmode"`
	MaxConns          int32         `mapstructure:"max_conns"`
	MinConns          int32         `mapstructure:"min_conns"`
	MaxConnLifetime   time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime   time.Duration `mapstructure:"max_conn_idle_time"`
	HealthCheckPeriod time.Duration `mapstructure:"health_check_period"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type NATSConfig struct {
	Host        string `mapstructure:"host"`
	Port        int    `mapstructure:"port"`
	User        string `mapstructure:"user"`
	Password    string `mapstructure:"password"`
	MonitorPort int    `mapstructure:"monitor_port"`
}

type PrometheusConfig struct {
	Port int `mapstructure:"port"`
}

// DashboardConfig drives the WebSocket hub and the connection registry.
type DashboardConfig struct {
	Addr          string        `mapstructure:"addr"`
	Path          string        `mapstructure:"path"`
	InstanceID    string        `mapstructure:"instance_id"`
	RegistryKey   string        `mapstructure:"registry_key"`
	ScanPageSize  int64         `mapstructure:"scan_page_size"`
	PingPeriod    time.Duration `mapstructure:"ping_period"`
	PongWait      time.Duration `mapstructure:"pong_wait"`
	WriteWait     time.Duration `mapstructure:"write_wait"`
	SendBuffer    int           `mapstructure:"send_buffer"`
	StaleAfter    time.Duration `mapstructure:"stale_after"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	RelaySubject  string        `mapstructure:"relay_subject"`
}

// FanoutConfig bounds a single broadcast batch.
type FanoutConfig struct {
	DeliveryTimeout time.Duration `mapstructure:"delivery_timeout"`
	BatchDeadline   time.Duration `mapstructure:"batch_deadline"`
	Concurrency     int           `mapstructure:"concurrency"`
	PruneGone       bool          `mapstructure:"prune_gone"`
}

// ChangeStreamConfig describes the Redis stream carrying link mutations.
type ChangeStreamConfig struct {
	Stream    string        `mapstructure:"stream"`
	Group     string        `mapstructure:"group"`
	Consumer  string        `mapstructure:"consumer"`
	BatchSize int64         `mapstructure:"batch_size"`
	Block     time.Duration `mapstructure:"block"`
	MaxLen    int64         `mapstructure:"max_len"`
	RetryWait time.Duration `mapstructure:"retry_wait"`
}

// LogConfig selects the zap preset, level and encoding.
type LogConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
	Encoding    string `mapstructure:"encoding"`
}

func Load() (*Config, error) {
	// Load local .env for development (ignored when missing).
	if err := godotenv.Load(".env"); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvPrefix("")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	bindEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.addr", ":8080")
	v.SetDefault("app.base_url", "http://localhost:8080")

	v.SetDefault("postgres.max_conns", 10)
	v.SetDefault("postgres.min_conns", 1)
	v.SetDefault("postgres.max_conn_lifetime", "30m")
	v.SetDefault("postgres.max_conn_idle_time", "5m")
	v.SetDefault("postgres.health_check_period", "1m")

	v.SetDefault("dashboard.addr", ":8081")
	v.SetDefault("dashboard.path", "/ws")
	v.SetDefault("dashboard.registry_key", "dashboard:connections")
	v.SetDefault("dashboard.scan_page_size", 500)
	v.SetDefault("dashboard.ping_period", "30s")
	v.SetDefault("dashboard.pong_wait", "60s")
	v.SetDefault("dashboard.write_wait", "10s")
	v.SetDefault("dashboard.send_buffer", 64)
	v.SetDefault("dashboard.stale_after", "5m")
	v.SetDefault("dashboard.sweep_interval", "1m")
	v.SetDefault("dashboard.relay_subject", "dashboard.deliver")

	v.SetDefault("fanout.delivery_timeout", "2s")
	v.SetDefault("fanout.batch_deadline", "25s")
	v.SetDefault("fanout.concurrency", 32)
	v.SetDefault("fanout.prune_gone", true)

	v.SetDefault("change_stream.stream", "links:changes")
	v.SetDefault("change_stream.group", "dashboard")
	v.SetDefault("change_stream.consumer", "dashboard-1")
	v.SetDefault("change_stream.batch_size", 100)
	v.SetDefault("change_stream.block", "5s")
	v.SetDefault("change_stream.max_len", 100000)
	v.SetDefault("change_stream.retry_wait", "2s")

	v.SetDefault("log.development", true)
	v.SetDefault("log.level", "info")
}

func bindEnvVars(v *viper.Viper) {
	// HTTP API
	v.BindEnv("app.addr", "APP_ADDR")
	v.BindEnv("app.base_url", "APP_BASE_URL")

	// PostgreSQL
	v.BindEnv("postgres.host", "PG_HOST")
	v.BindEnv("postgres.user", "PG_USER")
	v.BindEnv("postgres.password", "PG_PASSWORD")
	v.BindEnv("postgres.database", "PG_DB")
	v.BindEnv("postgres.port", "PG_PORT")
	v.BindEnv("postgres.sslmode", "PG_SSLMODE")
	v.BindEnv("postgres.max_conns", "PG_MAX_CONNS")
	v.BindEnv("postgres.max_conn_lifetime", "PG_MAX_CONN_LIFETIME")

	// Redis
	v.BindEnv("redis.host", "REDIS_HOST")
	v.BindEnv("redis.port", "REDIS_PORT")
	v.BindEnv("redis.password", "REDIS_PASSWORD")
	v.BindEnv("redis.db", "REDIS_DB")

	// NATS
	v.BindEnv("nats.host", "NATS_HOST")
	v.BindEnv("nats.port", "NATS_PORT")
	v.BindEnv("nats.user", "NATS_USER")
	v.BindEnv("nats.password", "NATS_PASSWORD")
	v.BindEnv("nats.monitor_port", "NATS_MONITOR_PORT")

	// Prometheus
	v.BindEnv("prometheus.port", "PROM_PORT")

	// Dashboard
	v.BindEnv("dashboard.addr", "DASHBOARD_ADDR")
	v.BindEnv("dashboard.instance_id", "DASHBOARD_INSTANCE_ID")
	v.BindEnv("dashboard.stale_after", "DASHBOARD_STALE_AFTER")

	// Fanout
	v.BindEnv("fanout.delivery_timeout", "FANOUT_DELIVERY_TIMEOUT")
	v.BindEnv("fanout.batch_deadline", "FANOUT_BATCH_DEADLINE")
	v.BindEnv("fanout.concurrency", "FANOUT_CONCURRENCY")
	v.BindEnv("fanout.prune_gone", "FANOUT_PRUNE_GONE")

	// Change stream
	v.BindEnv("change_stream.stream", "CHANGE_STREAM_KEY")
	v.BindEnv("change_stream.consumer", "CHANGE_STREAM_CONSUMER")

	// Logging
	v.BindEnv("log.level", "LOG_LEVEL")
	v.BindEnv("log.encoding", "LOG_ENCODING")
	v.BindEnv("log.development", "LOG_DEVELOPMENT")
}
