package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Config is the adlockd configuration, read from flags, ADLOCK_* env and an
// optional adlock.yaml.
type Config struct {
	Addr           string        `mapstructure:"addr"`
	AllowedOrigins []string      `mapstructure:"allowed-origins"`
	Trace          bool          `mapstructure:"trace"`
	Log            LogConfig     `mapstructure:"log"`
	Lock           LockConfig    `mapstructure:"lock"`
	Store          StoreConfig   `mapstructure:"store"`
	Backplane      BackplaneConf `mapstructure:"backplane"`
	Watch          WatchConfig   `mapstructure:"watch"`
}

// LogConfig selects the log level.
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// LockConfig tunes lock lifetimes and keys.
type LockConfig struct {
	TTL                  time.Duration `mapstructure:"ttl"`
	RenewIncrement       time.Duration `mapstructure:"renew-increment"`
	KeyPrefix            string        `mapstructure:"key-prefix"`
	UnconditionalRelease bool          `mapstructure:"unconditional-release"`
}

// StoreKind names a lock store backend.
type StoreKind string

const (
	MemoryStore StoreKind = "memory"
	RedisStore  StoreKind = "redis"
)

// StoreConfig selects and configures the lock store.
type StoreConfig struct {
	Kind    StoreKind     `mapstructure:"kind"`
	Redis   RedisConfig   `mapstructure:"redis"`
	Breaker BreakerConfig `mapstructure:"breaker"`
}

// RedisConfig holds the Redis connection settings.
type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// BreakerConfig configures the store circuit breaker.
type BreakerConfig struct {
	Threshold int           `mapstructure:"threshold"`
	Cooldown  time.Duration `mapstructure:"cooldown"`
}

// BackplaneKind names a cross-node fan-out transport.
type BackplaneKind string

const (
	NoBackplane    BackplaneKind = "none"
	RedisBackplane BackplaneKind = "redis"
	NATSBackplane  BackplaneKind = "nats"
	KafkaBackplane BackplaneKind = "kafka"
)

// BackplaneConf selects the backplane used to reach other adlockd nodes.
type BackplaneConf struct {
	Kind    BackplaneKind `mapstructure:"kind"`
	Channel string        `mapstructure:"channel"`
	NATS    NATSConfig    `mapstructure:"nats"`
	Kafka   KafkaConfig   `mapstructure:"kafka"`
}

// NATSConfig holds the NATS connection settings.
type NATSConfig struct {
	URL string `mapstructure:"url"`
}

// KafkaConfig holds the Kafka brokers and topic.
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// WatchConfig sets the expiry polling interval.
type WatchConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("addr", ":8080")
	v.SetDefault("allowed-origins", []string{})
	v.SetDefault("trace", false)
	v.SetDefault("log.level", "info")
	v.SetDefault("lock.ttl", 10*time.Second)
	v.SetDefault("lock.key-prefix", "lock:")
	v.SetDefault("store.kind", string(MemoryStore))
	v.SetDefault("store.redis.addr", "127.0.0.1:6379")
	v.SetDefault("store.redis.timeout", 2*time.Second)
	v.SetDefault("store.breaker.threshold", 5)
	v.SetDefault("store.breaker.cooldown", 5*time.Second)
	v.SetDefault("backplane.kind", string(NoBackplane))
	v.SetDefault("backplane.nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("backplane.kafka.topic", "adlock-events")
	v.SetDefault("watch.interval", time.Second)
}

// bindFlags registers the command line overrides for the most common keys.
func bindFlags(cmd *cobra.Command, v *viper.Viper) {
	flags := cmd.Flags()
	flags.String("addr", ":8080", "HTTP listen address")
	flags.String("log-level", "info", "Log level, can be one of: debug, info, warn, error, off")
	flags.String("store", string(MemoryStore), "Lock store, one of: memory, redis")
	flags.String("redis-addr", "127.0.0.1:6379", "Redis address for the store and backplane")
	flags.String("backplane", string(NoBackplane), "Fan-out backplane, one of: none, redis, nats, kafka")
	flags.Duration("lock-ttl", 10*time.Second, "Lifetime of a granted lock")
	flags.Bool("trace", false, "Export OpenTelemetry spans to stdout")

	for key, name := range map[string]string{
		"addr":             "addr",
		"log.level":        "log-level",
		"store.kind":       "store",
		"store.redis.addr": "redis-addr",
		"backplane.kind":   "backplane",
		"lock.ttl":         "lock-ttl",
		"trace":            "trace",
	} {
		_ = v.BindPFlag(key, flags.Lookup(name))
	}
}

// loadConfig reads the config file, if any, and the ADLOCK_ environment
// overrides into a Config.
func loadConfig(v *viper.Viper, file string) (*Config, error) {
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("adlock")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME")
	}
	v.SetEnvPrefix("adlock")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || file != "" {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	hooks := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(hooks)); err != nil {
		return nil, err
	}
	return &cfg, cfg.Validate()
}

// Validate rejects unknown backends and unusable lock durations.
func (c *Config) Validate() error {
	switch c.Store.Kind {
	case MemoryStore, RedisStore:
	default:
		return fmt.Errorf("unsupported store '%s'", c.Store.Kind)
	}
	switch c.Backplane.Kind {
	case NoBackplane, RedisBackplane, NATSBackplane, KafkaBackplane:
	default:
		return fmt.Errorf("unsupported backplane '%s'", c.Backplane.Kind)
	}
	if c.Backplane.Kind == KafkaBackplane && len(c.Backplane.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka backplane requires at least one broker")
	}
	if c.Lock.TTL < time.Second {
		return fmt.Errorf("lock ttl must be at least 1s, got %s", c.Lock.TTL)
	}
	if c.Lock.RenewIncrement < 0 {
		return fmt.Errorf("renew increment must not be negative")
	}
	return nil
}
