package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration, one section per concern.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Postgres   PostgresConfig   `mapstructure:"postgres"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	JWT        JWTConfig        `mapstructure:"jwt"`
	RateLimit  RateLimitConfig  `mapstructure:"ratelimit"`
	Moderation ModerationConfig `mapstructure:"moderation"`
	History    HistoryConfig    `mapstructure:"history"`
	WorkerPool WorkerPoolConfig `mapstructure:"worker_pool"`
	Websocket  WebsocketConfig  `mapstructure:"websocket"`
	Snowflake  SnowflakeConfig  `mapstructure:"snowflake"`
	Gateway    GatewayConfig    `mapstructure:"gateway"`
}

type ServerConfig struct {
	Port int    `mapstructure:"port"`
	Mode string `mapstructure:"mode"`
}

type PostgresConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	DBName       string `mapstructure:"dbname"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

// RedisConfig is optional; an empty Host disables every Redis-backed feature.
type RedisConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
}

// Enabled reports whether a Redis address is configured.
func (c RedisConfig) Enabled() bool {
	return c.Host != ""
}

// KafkaConfig configures message export and system event ingestion.
type KafkaConfig struct {
	Brokers       []string       `mapstructure:"brokers"`
	ConsumerGroup string         `mapstructure:"consumer_group"`
	Topics        TopicsConfig   `mapstructure:"topics"`
	Producer      ProducerConfig `mapstructure:"producer"`
	Consumer      ConsumerConfig `mapstructure:"consumer"`
}

// Enabled reports whether any broker is configured.
func (c KafkaConfig) Enabled() bool {
	return len(c.Brokers) > 0
}

type TopicsConfig struct {
	Messages     string `mapstructure:"messages"`
	SystemEvents string `mapstructure:"system_events"`
	DLQ          string `mapstructure:"dlq"`
}

type ProducerConfig struct {
	MaxRetries     int `mapstructure:"max_retries"`
	RetryBackoffMs int `mapstructure:"retry_backoff_ms"`
}

type ConsumerConfig struct {
	MaxRetries     int `mapstructure:"max_retries"`
	RetryBackoffMs int `mapstructure:"retry_backoff_ms"`
}

type LoggingConfig struct {
	Level    string `mapstructure:"level"`
	Format   string `mapstructure:"format"`
	Output   string `mapstructure:"output"`
	FilePath string `mapstructure:"file_path"`
}

// JWTConfig enables bearer tokens when Secret is set.
type JWTConfig struct {
	Secret string        `mapstructure:"secret"`
	Expire time.Duration `mapstructure:"expire"`
}

// WindowConfig is one sliding window: at most Max events per Window.
type WindowConfig struct {
	Max    int           `mapstructure:"max"`
	Window time.Duration `mapstructure:"window"`
}

// RateLimitConfig configures the send limiters. Backend is "memory" (default)
// or "redis"; API throttles the HTTP ingestion endpoints per caller.
type RateLimitConfig struct {
	Backend  string        `mapstructure:"backend"`
	Global   WindowConfig  `mapstructure:"global"`
	Room     WindowConfig  `mapstructure:"room"`
	API      WindowConfig  `mapstructure:"api"`
	IdleTTL  time.Duration `mapstructure:"idle_ttl"`
	FailOpen bool          `mapstructure:"fail_open"`
}

// ModerationConfig configures the denylist and mute escalation.
type ModerationConfig struct {
	Denylist         []string      `mapstructure:"denylist"`
	Threshold        int           `mapstructure:"threshold"`
	InfractionWindow time.Duration `mapstructure:"infraction_window"`
	MuteDuration     time.Duration `mapstructure:"mute_duration"`
	SweepInterval    time.Duration `mapstructure:"sweep_interval"`
}

type HistoryConfig struct {
	DefaultLimit int `mapstructure:"default_limit"`
	MaxLimit     int `mapstructure:"max_limit"`
}

type WorkerPoolConfig struct {
	Size      int `mapstructure:"size"`
	QueueSize int `mapstructure:"queue_size"`
}

// WebsocketConfig holds per-connection timeouts and buffer sizes.
type WebsocketConfig struct {
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	PongWait          time.Duration `mapstructure:"pong_wait"`
	WriteWait         time.Duration `mapstructure:"write_wait"`
	MaxMessageSize    int64         `mapstructure:"max_message_size"`
	SendBuffer        int           `mapstructure:"send_buffer"`
}

type SnowflakeConfig struct {
	WorkerID int64 `mapstructure:"worker_id"`
}

type GatewayConfig struct {
	NodeID string `mapstructure:"node_id"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 9000)
	v.SetDefault("server.mode", "release")

	v.SetDefault("postgres.host", "127.0.0.1")
	v.SetDefault("postgres.port", 5432)
	v.SetDefault("postgres.user", "postgres")
	v.SetDefault("postgres.dbname", "chatcore")
	v.SetDefault("postgres.max_idle_conns", 10)
	v.SetDefault("postgres.max_open_conns", 50)

	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.pool_size", 20)
	v.SetDefault("redis.min_idle_conns", 2)

	v.SetDefault("kafka.consumer_group", "chatcore-system-events")
	v.SetDefault("kafka.topics.messages", "chat.messages")
	v.SetDefault("kafka.topics.system_events", "chat.system-events")
	v.SetDefault("kafka.topics.dlq", "chat.system-events.dlq")
	v.SetDefault("kafka.producer.max_retries", 3)
	v.SetDefault("kafka.producer.retry_backoff_ms", 100)
	v.SetDefault("kafka.consumer.max_retries", 3)
	v.SetDefault("kafka.consumer.retry_backoff_ms", 100)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")

	v.SetDefault("jwt.expire", 24*time.Hour)

	v.SetDefault("ratelimit.backend", "memory")
	v.SetDefault("ratelimit.global.max", 10)
	v.SetDefault("ratelimit.global.window", 10*time.Second)
	v.SetDefault("ratelimit.room.max", 40)
	v.SetDefault("ratelimit.room.window", 60*time.Second)
	v.SetDefault("ratelimit.api.max", 120)
	v.SetDefault("ratelimit.api.window", time.Minute)
	v.SetDefault("ratelimit.idle_ttl", 5*time.Minute)
	v.SetDefault("ratelimit.fail_open", true)

	v.SetDefault("moderation.denylist", []string{})
	v.SetDefault("moderation.threshold", 3)
	v.SetDefault("moderation.infraction_window", 10*time.Minute)
	v.SetDefault("moderation.mute_duration", 5*time.Minute)
	v.SetDefault("moderation.sweep_interval", time.Minute)

	v.SetDefault("history.default_limit", 50)
	v.SetDefault("history.max_limit", 200)

	v.SetDefault("worker_pool.size", 8)
	v.SetDefault("worker_pool.queue_size", 1024)

	v.SetDefault("websocket.heartbeat_interval", 54*time.Second)
	v.SetDefault("websocket.pong_wait", 60*time.Second)
	v.SetDefault("websocket.write_wait", 10*time.Second)
	v.SetDefault("websocket.max_message_size", 4096)
	v.SetDefault("websocket.send_buffer", 256)

	v.SetDefault("gateway.node_id", "node-1")
}

// LoadConfig reads path (toml/yaml/json by extension) on top of the built-in
// defaults. A missing file is not an error; environment variables prefixed with
// CHATCORE_ override both.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("chatcore")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &config, nil
}
