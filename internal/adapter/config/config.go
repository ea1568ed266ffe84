// Package config loads the service configuration and the link table.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment overrides, e.g. COMM_HTTP_PORT.
const EnvPrefix = "COMM"

// Config represents the complete service configuration
type Config struct {
	Environment     string         `mapstructure:"environment"`
	LinksConfigPath string         `mapstructure:"links_config_path"`
	HTTP            HTTPConfig     `mapstructure:"http"`
	MQTT            MQTTConfig     `mapstructure:"mqtt"`
	Database        DatabaseConfig `mapstructure:"database"`
	Events          EventsConfig   `mapstructure:"events"`
	Polling         PollingConfig  `mapstructure:"polling"`
	Logging         LoggingConfig  `mapstructure:"logging"`
}

// HTTPConfig contains HTTP server settings
type HTTPConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// MQTTConfig contains MQTT connection settings
type MQTTConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	BrokerURL      string        `mapstructure:"broker_url"`
	ClientID       string        `mapstructure:"client_id"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	TopicPrefix    string        `mapstructure:"topic_prefix"`
	QoS            byte          `mapstructure:"qos"`
	KeepAlive      time.Duration `mapstructure:"keep_alive"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	ReconnectDelay time.Duration `mapstructure:"reconnect_delay"`
	CleanSession   bool          `mapstructure:"clean_session"`
}

// DatabaseConfig contains TimescaleDB connection settings
type DatabaseConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Host        string        `mapstructure:"host"`
	Port        int           `mapstructure:"port"`
	Database    string        `mapstructure:"database"`
	User        string        `mapstructure:"user"`
	Password    string        `mapstructure:"password"`
	PoolSize    int           `mapstructure:"pool_size"`
	MaxIdleTime time.Duration `mapstructure:"max_idle_time"`
}

// EventsConfig contains event log batching settings
type EventsConfig struct {
	BufferSize    int           `mapstructure:"buffer_size"`
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	WriterCount   int           `mapstructure:"writer_count"`
}

// PollingConfig contains link poller settings
type PollingConfig struct {
	RetryDelay         time.Duration `mapstructure:"retry_delay"`
	MaxRetryDelay      time.Duration `mapstructure:"max_retry_delay"`
	ReopenDelay        time.Duration `mapstructure:"reopen_delay"`
	BreakerTimeout     time.Duration `mapstructure:"breaker_timeout"`
	MaxPhaseIterations int           `mapstructure:"max_phase_iterations"`
	MaxPending         int           `mapstructure:"max_pending"`
	ShutdownTimeout    time.Duration `mapstructure:"shutdown_timeout"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads the configuration from path (or ./config.yaml, ./config/config.yaml
// when empty) and applies COMM_ environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if cfg.MQTT.ClientID == "" {
		hostname, _ := os.Hostname()
		cfg.MQTT.ClientID = fmt.Sprintf("commd-%s", hostname)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// setDefaults registers every key so AutomaticEnv overrides reach Unmarshal.
func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("links_config_path", "./config/links.yaml")

	v.SetDefault("http.port", 8080)
	v.SetDefault("http.read_timeout", 10*time.Second)
	v.SetDefault("http.write_timeout", 10*time.Second)
	v.SetDefault("http.idle_timeout", 60*time.Second)

	v.SetDefault("mqtt.enabled", true)
	v.SetDefault("mqtt.broker_url", "tcp://localhost:1883")
	v.SetDefault("mqtt.client_id", "")
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.topic_prefix", "iris/controller")
	v.SetDefault("mqtt.qos", 1)
	v.SetDefault("mqtt.keep_alive", 30*time.Second)
	v.SetDefault("mqtt.connect_timeout", 10*time.Second)
	v.SetDefault("mqtt.reconnect_delay", 5*time.Second)
	v.SetDefault("mqtt.clean_session", true)

	v.SetDefault("database.enabled", false)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.database", "iris")
	v.SetDefault("database.user", "iris_comm")
	v.SetDefault("database.password", "")
	v.SetDefault("database.pool_size", 10)
	v.SetDefault("database.max_idle_time", 5*time.Minute)

	v.SetDefault("events.buffer_size", 10000)
	v.SetDefault("events.batch_size", 500)
	v.SetDefault("events.flush_interval", time.Second)
	v.SetDefault("events.writer_count", 2)

	v.SetDefault("polling.retry_delay", 100*time.Millisecond)
	v.SetDefault("polling.max_retry_delay", 10*time.Second)
	v.SetDefault("polling.reopen_delay", 5*time.Second)
	v.SetDefault("polling.breaker_timeout", 30*time.Second)
	v.SetDefault("polling.max_phase_iterations", 256)
	v.SetDefault("polling.max_pending", 1024)
	v.SetDefault("polling.shutdown_timeout", 30*time.Second)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

func validate(cfg *Config) error {
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return fmt.Errorf("http port %d out of range", cfg.HTTP.Port)
	}
	if cfg.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt qos must be 0, 1 or 2")
	}
	if cfg.Database.Enabled && cfg.Database.Password == "" && cfg.Environment == "production" {
		return fmt.Errorf("database password is required in production")
	}
	if cfg.Events.BatchSize > cfg.Events.BufferSize {
		return fmt.Errorf("batch_size cannot be larger than buffer_size")
	}
	if cfg.Events.WriterCount < 1 {
		return fmt.Errorf("writer_count must be at least 1")
	}
	if cfg.LinksConfigPath == "" {
		return fmt.Errorf("links_config_path is required")
	}
	return nil
}
