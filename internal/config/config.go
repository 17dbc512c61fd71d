package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                 = "HIVE"
	defaultHTTPAddress        = "0.0.0.0:8080"
	defaultDatabasePath       = "hive.db"
	defaultLogLevel           = "info"
	defaultBrokerKind         = "memory"
	defaultRedisAddress       = "127.0.0.1:6379"
	defaultRedisGroup         = "hive-delivery"
	defaultRedisClaimInterval = 30 * time.Second
	defaultKafkaGroup         = "hive-delivery"
	defaultWaitTimeout        = 30 * time.Second
	defaultMaxWaitTimeout     = 60 * time.Second
	defaultRegistryShards     = 32
	defaultMaxWaitersPerKey   = 1024
	defaultRecentRetention    = 10 * time.Second
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress  string
	DatabasePath string
	LogLevel     string

	Broker   BrokerConfig
	Poll     PollConfig
	Registry RegistryConfig
}

// BrokerConfig selects and configures the message broker adapter.
type BrokerConfig struct {
	Kind  string
	Redis RedisConfig
	Kafka KafkaConfig
}

// RedisConfig configures the Redis Streams adapter.
type RedisConfig struct {
	Address       string
	Password      string
	DB            int
	Group         string
	Consumer      string
	ClaimInterval time.Duration
}

// KafkaConfig configures the Kafka adapter.
type KafkaConfig struct {
	Brokers []string
	Group   string
}

// PollConfig bounds long-poll waits.
type PollConfig struct {
	DefaultWaitTimeout time.Duration
	MaxWaitTimeout     time.Duration
}

// RegistryConfig tunes the subscription registry.
type RegistryConfig struct {
	Shards           int
	MaxWaitersPerKey int
	RecentRetention  time.Duration
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)

	configViper.SetDefault("broker.kind", defaultBrokerKind)
	configViper.SetDefault("broker.redis.address", defaultRedisAddress)
	configViper.SetDefault("broker.redis.password", "")
	configViper.SetDefault("broker.redis.db", 0)
	configViper.SetDefault("broker.redis.group", defaultRedisGroup)
	configViper.SetDefault("broker.redis.consumer", defaultConsumerName())
	configViper.SetDefault("broker.redis.claim_interval", defaultRedisClaimInterval)
	configViper.SetDefault("broker.kafka.brokers", []string{})
	configViper.SetDefault("broker.kafka.group", defaultKafkaGroup)

	configViper.SetDefault("poll.default_wait_timeout", defaultWaitTimeout)
	configViper.SetDefault("poll.max_wait_timeout", defaultMaxWaitTimeout)

	configViper.SetDefault("registry.shards", defaultRegistryShards)
	configViper.SetDefault("registry.max_waiters_per_key", defaultMaxWaitersPerKey)
	configViper.SetDefault("registry.recent_retention", defaultRecentRetention)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:  configViper.GetString("http.address"),
		DatabasePath: configViper.GetString("database.path"),
		LogLevel:     configViper.GetString("log.level"),
		Broker: BrokerConfig{
			Kind: strings.ToLower(strings.TrimSpace(configViper.GetString("broker.kind"))),
			Redis: RedisConfig{
				Address:       configViper.GetString("broker.redis.address"),
				Password:      configViper.GetString("broker.redis.password"),
				DB:            configViper.GetInt("broker.redis.db"),
				Group:         configViper.GetString("broker.redis.group"),
				Consumer:      configViper.GetString("broker.redis.consumer"),
				ClaimInterval: configViper.GetDuration("broker.redis.claim_interval"),
			},
			Kafka: KafkaConfig{
				Brokers: splitList(configViper.GetStringSlice("broker.kafka.brokers")),
				Group:   configViper.GetString("broker.kafka.group"),
			},
		},
		Poll: PollConfig{
			DefaultWaitTimeout: configViper.GetDuration("poll.default_wait_timeout"),
			MaxWaitTimeout:     configViper.GetDuration("poll.max_wait_timeout"),
		},
		Registry: RegistryConfig{
			Shards:           configViper.GetInt("registry.shards"),
			MaxWaitersPerKey: configViper.GetInt("registry.max_waiters_per_key"),
			RecentRetention:  configViper.GetDuration("registry.recent_retention"),
		},
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.HTTPAddress) == "" {
		return fmt.Errorf("http.address is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	switch c.Broker.Kind {
	case "memory":
	case "redis":
		if strings.TrimSpace(c.Broker.Redis.Address) == "" {
			return fmt.Errorf("broker.redis.address is required")
		}
		if strings.TrimSpace(c.Broker.Redis.Group) == "" || strings.TrimSpace(c.Broker.Redis.Consumer) == "" {
			return fmt.Errorf("broker.redis.group and broker.redis.consumer are required")
		}
	case "kafka":
		if len(c.Broker.Kafka.Brokers) == 0 {
			return fmt.Errorf("broker.kafka.brokers is required")
		}
		if strings.TrimSpace(c.Broker.Kafka.Group) == "" {
			return fmt.Errorf("broker.kafka.group is required")
		}
	default:
		return fmt.Errorf("broker.kind %q is not one of memory, redis, kafka", c.Broker.Kind)
	}
	if c.Poll.MaxWaitTimeout <= 0 {
		return fmt.Errorf("poll.max_wait_timeout must be positive")
	}
	if c.Poll.DefaultWaitTimeout < 0 || c.Poll.DefaultWaitTimeout > c.Poll.MaxWaitTimeout {
		return fmt.Errorf("poll.default_wait_timeout must be within [0, poll.max_wait_timeout]")
	}
	if c.Registry.Shards <= 0 {
		return fmt.Errorf("registry.shards must be positive")
	}
	if c.Registry.MaxWaitersPerKey < 0 {
		return fmt.Errorf("registry.max_waiters_per_key must not be negative")
	}
	return nil
}

// splitList accepts both list values and comma separated env strings.
func splitList(values []string) []string {
	result := make([]string, 0, len(values))
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				result = append(result, trimmed)
			}
		}
	}
	return result
}

func defaultConsumerName() string {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		return "hive"
	}
	return hostname
}
