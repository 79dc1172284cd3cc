// Package config loads the bookfeed configuration from YAML files, the
// environment and command line flags.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// EnvPrefix prefixes every environment variable read by the loader.
const EnvPrefix = "BOOKFEED"

// Config is the complete service configuration.
type Config struct {
	Feed      FeedConfig      `mapstructure:"feed"`
	REST      RESTConfig      `mapstructure:"rest"`
	Server    ServerConfig    `mapstructure:"server"`
	Publisher PublisherConfig `mapstructure:"publisher"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
}

// FeedConfig selects and configures the market data feed.
type FeedConfig struct {
	Source            string          `mapstructure:"source" validate:"oneof=websocket kafka"`
	URL               string          `mapstructure:"url"`
	Products          []string        `mapstructure:"products" validate:"min=1,dive,required"`
	Channels          []string        `mapstructure:"channels"`
	ReconnectInterval time.Duration   `mapstructure:"reconnect_interval" validate:"gt=0"`
	PingInterval      time.Duration   `mapstructure:"ping_interval" validate:"gte=0"`
	GateTimeout       time.Duration   `mapstructure:"gate_timeout" validate:"gte=0"`
	LaneBuffer        int             `mapstructure:"lane_buffer" validate:"gte=1"`
	Kafka             KafkaFeedConfig `mapstructure:"kafka"`
}

// KafkaFeedConfig configures the Kafka replay feed.
type KafkaFeedConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
	GroupID string   `mapstructure:"group_id"`
}

// RESTConfig configures the exchange REST client.
type RESTConfig struct {
	URL               string        `mapstructure:"url" validate:"required,url"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second" validate:"gt=0"`
	Burst             int           `mapstructure:"burst" validate:"gte=1"`
	Timeout           time.Duration `mapstructure:"timeout" validate:"gt=0"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr" validate:"required"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" validate:"gte=0"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" validate:"gte=0"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
	AllowOrigins    []string      `mapstructure:"allow_origins"`
	RateLimit       string        `mapstructure:"rate_limit"`
}

// PublisherConfig configures book distribution.
type PublisherConfig struct {
	Backend  string        `mapstructure:"backend" validate:"oneof=none redis kafka"`
	Interval time.Duration `mapstructure:"interval" validate:"gt=0"`
	Depth    int           `mapstructure:"depth" validate:"gte=0"`
	Redis    RedisConfig   `mapstructure:"redis"`
	Kafka    KafkaConfig   `mapstructure:"kafka"`
}

// RedisConfig configures the Redis publisher backend.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db" validate:"gte=0"`
}

// KafkaConfig configures the Kafka publisher backend.
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// LoggingConfig configures the logger.
type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=none debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=json console"`
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
}

// DefaultPaths are searched when Load is given no paths.
var DefaultPaths = []string{
	"./config.yaml",
	"./configs/config.yaml",
	"/etc/bookfeed/config.yaml",
}

// Loader builds a Config from files, environment and flags.
type Loader struct {
	viper  *viper.Viper
	logger *zap.Logger
}

// NewLoader creates a loader with defaults set.
func NewLoader(logger *zap.Logger) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Loader{viper: viper.New(), logger: logger}
	l.setupViper()
	l.bindEnvironmentVariables()
	setDefaults(l.viper)
	return l
}

// Load is a shortcut for NewLoader(logger).Load(paths...).
func Load(logger *zap.Logger, paths ...string) (*Config, error) {
	return NewLoader(logger).Load(paths...)
}

// Load merges the config files found in paths (DefaultPaths when empty), the
// environment and any bound flags, then validates the result.
func (l *Loader) Load(paths ...string) (*Config, error) {
	if err := l.loadConfigFiles(paths...); err != nil {
		return nil, fmt.Errorf("failed to load config files: %w", err)
	}

	var cfg Config
	if err := l.viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// BindFlags binds the flags registered by RegisterFlags. Flags that were set
// on the command line take precedence over files and environment.
func (l *Loader) BindFlags(fs *pflag.FlagSet) error {
	for key, name := range flagKeys {
		f := fs.Lookup(name)
		if f == nil {
			continue
		}
		if err := l.viper.BindPFlag(key, f); err != nil {
			return fmt.Errorf("bind flag %s: %w", name, err)
		}
	}
	return nil
}

var flagKeys = map[string]string{
	"feed.url":       "feed-url",
	"feed.products":  "products",
	"server.addr":    "addr",
	"logging.level":  "log-level",
	"logging.format": "log-format",
}

// RegisterFlags adds the service flags to fs.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("feed-url", "", "websocket feed URL")
	fs.StringSlice("products", nil, "products to track, comma separated")
	fs.String("addr", "", "HTTP listen address")
	fs.String("log-level", "", "log level (none, debug, info, warn, error)")
	fs.String("log-format", "", "log format (json, console)")
}

func (l *Loader) setupViper() {
	l.viper.SetConfigType("yaml")
	l.viper.AutomaticEnv()
	l.viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.viper.SetEnvPrefix(EnvPrefix)
}

func (l *Loader) loadConfigFiles(paths ...string) error {
	if len(paths) == 0 {
		paths = DefaultPaths
	}

	var loaded []string
	for _, path := range paths {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			l.logger.Debug("Config file not found, skipping", zap.String("path", path))
			continue
		}
		l.viper.SetConfigFile(path)
		if err := l.viper.MergeInConfig(); err != nil {
			return fmt.Errorf("failed to load config file %s: %w", path, err)
		}
		loaded = append(loaded, path)
	}

	if len(loaded) == 0 {
		l.logger.Info("No configuration files found, using defaults and environment variables")
	} else {
		l.logger.Info("Loaded configuration files", zap.Strings("files", loaded))
	}
	return nil
}

func (l *Loader) bindEnvironmentVariables() {
	envMappings := map[string]string{
		// Feed
		"BOOKFEED_FEED_SOURCE":             "feed.source",
		"BOOKFEED_FEED_URL":                "feed.url",
		"BOOKFEED_FEED_PRODUCTS":           "feed.products",
		"BOOKFEED_FEED_CHANNELS":           "feed.channels",
		"BOOKFEED_FEED_RECONNECT_INTERVAL": "feed.reconnect_interval",
		"BOOKFEED_FEED_GATE_TIMEOUT":       "feed.gate_timeout",
		"BOOKFEED_FEED_KAFKA_BROKERS":      "feed.kafka.brokers",
		"BOOKFEED_FEED_KAFKA_TOPIC":        "feed.kafka.topic",

		// REST
		"BOOKFEED_REST_URL":                 "rest.url",
		"BOOKFEED_REST_REQUESTS_PER_SECOND": "rest.requests_per_second",

		// Server
		"BOOKFEED_SERVER_ADDR":       "server.addr",
		"BOOKFEED_SERVER_RATE_LIMIT": "server.rate_limit",

		// Publisher
		"BOOKFEED_PUBLISHER_BACKEND":        "publisher.backend",
		"BOOKFEED_PUBLISHER_INTERVAL":       "publisher.interval",
		"BOOKFEED_PUBLISHER_DEPTH":          "publisher.depth",
		"BOOKFEED_PUBLISHER_REDIS_ADDR":     "publisher.redis.addr",
		"BOOKFEED_PUBLISHER_REDIS_PASSWORD": "publisher.redis.password",
		"BOOKFEED_PUBLISHER_KAFKA_BROKERS":  "publisher.kafka.brokers",
		"BOOKFEED_PUBLISHER_KAFKA_TOPIC":    "publisher.kafka.topic",

		// Logging
		"BOOKFEED_LOGGING_LEVEL":  "logging.level",
		"BOOKFEED_LOGGING_FORMAT": "logging.format",

		// Tracing
		"BOOKFEED_TRACING_ENABLED": "tracing.enabled",
	}

	for envVar, key := range envMappings {
		if err := l.viper.BindEnv(key, envVar); err != nil {
			l.logger.Warn("Failed to bind environment variable", zap.String("env", envVar), zap.Error(err))
		}
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("feed.source", "websocket")
	v.SetDefault("feed.url", "wss://ws-feed.pro.coinbase.com")
	v.SetDefault("feed.products", []string{"BTC-USD"})
	v.SetDefault("feed.channels", []string{"heartbeat"})
	v.SetDefault("feed.reconnect_interval", 5*time.Second)
	v.SetDefault("feed.ping_interval", 30*time.Second)
	v.SetDefault("feed.gate_timeout", time.Duration(0))
	v.SetDefault("feed.lane_buffer", 4096)
	v.SetDefault("feed.kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("feed.kafka.topic", "coinbase-feed")
	v.SetDefault("feed.kafka.group_id", "bookfeed")

	v.SetDefault("rest.url", "https://api.pro.coinbase.com")
	v.SetDefault("rest.requests_per_second", 3.0)
	v.SetDefault("rest.burst", 1)
	v.SetDefault("rest.timeout", 10*time.Second)

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("server.allow_origins", []string{"*"})
	v.SetDefault("server.rate_limit", "600-M")

	v.SetDefault("publisher.backend", "none")
	v.SetDefault("publisher.interval", time.Second)
	v.SetDefault("publisher.depth", 50)
	v.SetDefault("publisher.redis.addr", "localhost:6379")
	v.SetDefault("publisher.redis.db", 0)
	v.SetDefault("publisher.kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("publisher.kafka.topic", "bookfeed-books")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "bookfeed")
}

var validate = validator.New()

// Validate checks field constraints and the rules that span fields.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return err
	}

	switch cfg.Feed.Source {
	case "websocket":
		if cfg.Feed.URL == "" {
			return fmt.Errorf("feed.url is required for the websocket feed")
		}
	case "kafka":
		if len(cfg.Feed.Kafka.Brokers) == 0 || cfg.Feed.Kafka.Topic == "" {
			return fmt.Errorf("feed.kafka.brokers and feed.kafka.topic are required for the kafka feed")
		}
	}

	switch cfg.Publisher.Backend {
	case "redis":
		if cfg.Publisher.Redis.Addr == "" {
			return fmt.Errorf("publisher.redis.addr is required for the redis backend")
		}
	case "kafka":
		if len(cfg.Publisher.Kafka.Brokers) == 0 || cfg.Publisher.Kafka.Topic == "" {
			return fmt.Errorf("publisher.kafka.brokers and publisher.kafka.topic are required for the kafka backend")
		}
	}
	return nil
}
