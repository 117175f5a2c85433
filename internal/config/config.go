package config

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"
	pkgconfig "github.com/weiawesome/wes-io-live/viewer-service/pkg/config"
	pkglog "github.com/weiawesome/wes-io-live/viewer-service/pkg/log"
	"github.com/weiawesome/wes-io-live/viewer-service/pkg/pubsub"
)

type Config struct {
	Server    ServerConfig
	Bus       BusConfig
	Redis     pubsub.RedisConfig
	Kafka     KafkaConfig
	Presence  PresenceConfig
	Control   ControlConfig
	Transport TransportConfig
	Admin     AdminConfig
	Log       pkglog.Config
}

type ServerConfig struct {
	Host       string
	Port       int
	InstanceID string `mapstructure:"instance_id"`
}

type BusConfig struct {
	Driver            string // "redis" | "kafka"
	Channel           string
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	PeerTimeout       time.Duration `mapstructure:"peer_timeout"`
}

type KafkaConfig struct {
	Brokers        string
	GroupID        string `mapstructure:"group_id"`
	Partitions     int
	BroadcastTopic string `mapstructure:"broadcast_topic"`
	// BroadcastEvents enables the broadcast-events consumer.
	BroadcastEvents bool `mapstructure:"broadcast_events"`
}

type PresenceConfig struct {
	ReannounceInterval time.Duration `mapstructure:"reannounce_interval"`
}

type ControlConfig struct {
	GracePeriod time.Duration `mapstructure:"grace_period"`
}

type TransportConfig struct {
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	PongWait       time.Duration `mapstructure:"pong_wait"`
	WriteWait      time.Duration `mapstructure:"write_wait"`
	MaxMessageSize int64         `mapstructure:"max_message_size"`
}

type AdminConfig struct {
	APIKey string `mapstructure:"api_key"`
}

// PubSub returns the bus driver configuration.
func (c *Config) PubSub() pubsub.Config {
	return pubsub.Config{
		Driver: c.Bus.Driver,
		Redis:  c.Redis,
		Kafka: pubsub.KafkaConfig{
			Brokers:    c.Kafka.Brokers,
			GroupID:    c.Kafka.GroupID,
			Partitions: c.Kafka.Partitions,
			InstanceID: c.Server.InstanceID,
		},
	}
}

func Load() (*Config, error) {
	v, err := pkgconfig.Load("./config", "config")
	if err != nil {
		return nil, err
	}

	// Set defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 3003)
	v.SetDefault("server.instance_id", "")
	v.SetDefault("bus.driver", "redis")
	v.SetDefault("bus.channel", pubsub.DefaultChannel)
	v.SetDefault("bus.heartbeat_interval", "10s")
	v.SetDefault("bus.peer_timeout", "30s")
	v.SetDefault("redis.url", "")
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.read_timeout", "3s")
	v.SetDefault("redis.write_timeout", "3s")
	v.SetDefault("kafka.brokers", "localhost:9092")
	v.SetDefault("kafka.group_id", "viewer-service")
	v.SetDefault("kafka.partitions", 1)
	v.SetDefault("kafka.broadcast_topic", "broadcast-events")
	v.SetDefault("kafka.broadcast_events", false)
	v.SetDefault("presence.reannounce_interval", "30s")
	v.SetDefault("control.grace_period", "60s")
	v.SetDefault("transport.ping_interval", "30s")
	v.SetDefault("transport.pong_wait", "60s")
	v.SetDefault("transport.write_wait", "10s")
	v.SetDefault("transport.max_message_size", 4096)
	v.SetDefault("admin.api_key", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.service_name", "viewer-service")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 7)

	// Override from environment
	v.BindEnv("server.port", "PORT")
	v.BindEnv("server.instance_id", "INSTANCE_ID")
	v.BindEnv("admin.api_key", "API_KEY")
	v.BindEnv("bus.driver", "BUS_DRIVER")
	v.BindEnv("bus.channel", "BUS_CHANNEL")
	v.BindEnv("redis.url", "REDIS_URL")
	v.BindEnv("redis.address", "REDIS_ADDRESS")
	v.BindEnv("redis.password", "REDIS_PASSWORD")
	v.BindEnv("kafka.brokers", "KAFKA_BROKERS")
	v.BindEnv("kafka.broadcast_topic", "KAFKA_BROADCAST_TOPIC")
	v.BindEnv("kafka.broadcast_events", "KAFKA_BROADCAST_EVENTS")
	v.BindEnv("log.level", "LOG_LEVEL")
	v.BindEnv("log.file", "LOG_FILE")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	// Parse durations
	cfg.Bus.HeartbeatInterval = parseDuration(v, "bus.heartbeat_interval", 10*time.Second)
	cfg.Bus.PeerTimeout = parseDuration(v, "bus.peer_timeout", 30*time.Second)
	cfg.Redis.ReadTimeout = parseDuration(v, "redis.read_timeout", 3*time.Second)
	cfg.Redis.WriteTimeout = parseDuration(v, "redis.write_timeout", 3*time.Second)
	cfg.Presence.ReannounceInterval = parseDuration(v, "presence.reannounce_interval", 30*time.Second)
	cfg.Control.GracePeriod = parseDuration(v, "control.grace_period", 60*time.Second)
	cfg.Transport.PingInterval = parseDuration(v, "transport.ping_interval", 30*time.Second)
	cfg.Transport.PongWait = parseDuration(v, "transport.pong_wait", 60*time.Second)
	cfg.Transport.WriteWait = parseDuration(v, "transport.write_wait", 10*time.Second)

	// Every process needs a distinct origin on the bus.
	if strings.TrimSpace(cfg.Server.InstanceID) == "" {
		cfg.Server.InstanceID = uuid.New().String()
	}
	cfg.Log.InstanceID = cfg.Server.InstanceID

	return &cfg, nil
}

func parseDuration(v *viper.Viper, key string, defaultVal time.Duration) time.Duration {
	str := v.GetString(key)
	d, err := time.ParseDuration(str)
	if err != nil {
		return defaultVal
	}
	return d
}
