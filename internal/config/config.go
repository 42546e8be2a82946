package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Mode       string        `mapstructure:"mode" validate:"oneof=debug release test"`
	Port       int           `mapstructure:"port" validate:"min=1,max=65535"`
	LogLevel   string        `mapstructure:"log_level" validate:"oneof=trace debug info warn error"`
	ReadLimit  int64         `mapstructure:"read_limit" validate:"min=512"`
	PingPeriod time.Duration `mapstructure:"ping_period" validate:"min=1s"`
	PongWait   time.Duration `mapstructure:"pong_wait" validate:"gtfield=PingPeriod"`
	SendBuffer int           `mapstructure:"send_buffer" validate:"min=1"`
	// NodeID tells this gateway's fan-out messages apart; empty means generate one.
	NodeID string `mapstructure:"node_id"`

	Store        StoreConfig        `mapstructure:"store"`
	Presence     PresenceConfig     `mapstructure:"presence"`
	Cascade      CascadeConfig      `mapstructure:"cascade"`
	NATS         NATSConfig         `mapstructure:"nats"`
	Resolver     ResolverConfig     `mapstructure:"resolver"`
	Backpressure BackpressureConfig `mapstructure:"backpressure"`
}

type StoreConfig struct {
	Driver        string        `mapstructure:"driver" validate:"oneof=redis memory"`
	RedisAddr     string        `mapstructure:"redis_addr" validate:"required_if=Driver redis"`
	RedisDB       int           `mapstructure:"redis_db" validate:"min=0"`
	RedisPassword string        `mapstructure:"redis_password"`
	Prefix        string        `mapstructure:"prefix"`
	Timeout       time.Duration `mapstructure:"timeout" validate:"min=1ms"`
}

type PresenceConfig struct {
	TTL           time.Duration `mapstructure:"ttl" validate:"min=1s"`
	SweepInterval time.Duration `mapstructure:"sweep_interval" validate:"min=1s"`
}

type CascadeConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts" validate:"min=1,max=10"`
	Backoff     time.Duration `mapstructure:"backoff"`
	Timeout     time.Duration `mapstructure:"timeout" validate:"min=1ms"`
	Concurrency int           `mapstructure:"concurrency" validate:"min=1"`
}

type NATSConfig struct {
	URL           string `mapstructure:"url" validate:"required"`
	SubjectPrefix string `mapstructure:"subject_prefix" validate:"required"`
}

type ResolverConfig struct {
	Timeout time.Duration `mapstructure:"timeout" validate:"min=1ms"`
}

type BackpressureConfig struct {
	Policy string `mapstructure:"policy" validate:"oneof=kick drop"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("log_level", "info")
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("pong_wait", "60s")
	v.SetDefault("send_buffer", 32)
	v.SetDefault("node_id", "")

	v.SetDefault("store.driver", "redis")
	v.SetDefault("store.redis_addr", "127.0.0.1:6379")
	v.SetDefault("store.redis_db", 0)
	v.SetDefault("store.redis_password", "")
	v.SetDefault("store.prefix", "nearby")
	v.SetDefault("store.timeout", "2s")

	v.SetDefault("presence.ttl", "5m")
	v.SetDefault("presence.sweep_interval", "30s")

	v.SetDefault("cascade.max_attempts", 3)
	v.SetDefault("cascade.backoff", "200ms")
	v.SetDefault("cascade.timeout", "5s")
	v.SetDefault("cascade.concurrency", 8)

	v.SetDefault("nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("nats.subject_prefix", "nearby")

	v.SetDefault("resolver.timeout", "3s")
	v.SetDefault("backpressure.policy", "kick")
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func newViper() (*viper.Viper, string) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)
	v.SetConfigFile(fileName)

	v.SetEnvPrefix("NEARBY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v, fileName
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Load reads config/config.$CONFIG_ENV.yaml (dev by default) over the
// defaults; NEARBY_* environment variables win over both.
func Load() (*Config, error) {
	cfg, _, err := load()
	return cfg, err
}

func load() (*Config, *viper.Viper, error) {
	v, fileName := newViper()
	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, nil, err
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).Str("store", cfg.Store.Driver).Msg("config ready")
	return cfg, v, nil
}

// Watch loads like Load and then calls onChange with every valid edit of the
// config file. Invalid edits are logged and skipped.
func Watch(onChange func(*Config)) (*Config, error) {
	cfg, v, err := load()
	if err != nil {
		return nil, err
	}
	if v.ConfigFileUsed() == "" {
		return cfg, nil
	}
	if _, err := os.Stat(v.ConfigFileUsed()); err != nil {
		return cfg, nil
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		next, err := decode(v)
		if err != nil {
			log.Warn().Err(err).Str("module", "config").Str("file", e.Name).Msg("config change ignored")
			return
		}
		log.Info().Str("module", "config").Str("file", e.Name).Str("op", e.Op.String()).Msg("config changed")
		onChange(next)
	})
	v.WatchConfig()
	return cfg, nil
}
