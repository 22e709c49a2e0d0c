package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/olyamironova/spot-exchange/internal/logging"
	"github.com/olyamironova/spot-exchange/internal/registry"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

const EnvPrefix = "EXCHANGE"

type Config struct {
	Log       logging.Config  `mapstructure:"log"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	GRPC      GRPCConfig      `mapstructure:"grpc"`
	Postgres  PostgresConfig  `mapstructure:"postgres"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Outbox    OutboxConfig    `mapstructure:"outbox"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Auth      AuthConfig      `mapstructure:"auth"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Assets    registry.Config `mapstructure:"assets"`
}

type HTTPConfig struct {
	Address string `mapstructure:"address"`
}

type GRPCConfig struct {
	Address string `mapstructure:"address"`
}

// PostgresConfig selects the pg store. An empty DSN means in-memory.
type PostgresConfig struct {
	DSN string `mapstructure:"dsn"`
}

// RedisConfig selects the redis snapshot cache. An empty address means
// in-memory.
type RedisConfig struct {
	Address  string        `mapstructure:"address"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// KafkaConfig is optional; without brokers the outbox is acked locally.
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

type OutboxConfig struct {
	Dir      string        `mapstructure:"dir"`
	Interval time.Duration `mapstructure:"interval"`
}

type EngineConfig struct {
	CommissionRate string        `mapstructure:"commission_rate"`
	FeeAccount     string        `mapstructure:"fee_account"`
	QuoteAsset     string        `mapstructure:"quote_asset"`
	BookDepth      int           `mapstructure:"book_depth"`
	MaxRetries     int           `mapstructure:"max_retries"`
	LockTimeout    time.Duration `mapstructure:"lock_timeout"`
}

// Rate parses CommissionRate. Call Validate first.
func (e EngineConfig) Rate() decimal.Decimal {
	d, err := decimal.NewFromString(e.CommissionRate)
	if err != nil {
		return decimal.Zero
	}
	return d
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

type RateLimitConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

func NewDefaultConfig() Config {
	return Config{
		Log:  logging.NewDefaultConfig(),
		HTTP: HTTPConfig{Address: ":8080"},
		GRPC: GRPCConfig{Address: ":9090"},
		Redis: RedisConfig{
			TTL: 5 * time.Minute,
		},
		Kafka: KafkaConfig{Topic: "exchange.events"},
		Outbox: OutboxConfig{
			Dir:      "data/outbox",
			Interval: time.Second,
		},
		Engine: EngineConfig{
			CommissionRate: "0.015",
			QuoteAsset:     "USD",
			BookDepth:      20,
			MaxRetries:     3,
			LockTimeout:    2 * time.Second,
		},
		Auth:      AuthConfig{JWTSecret: "change-me"},
		RateLimit: RateLimitConfig{Interval: 50 * time.Millisecond},
		Assets:    registry.NewDefaultConfig(),
	}
}

func setDefaults(v *viper.Viper) {
	d := NewDefaultConfig()
	v.SetDefault("log.environment", d.Log.Environment)
	v.SetDefault("http.address", d.HTTP.Address)
	v.SetDefault("grpc.address", d.GRPC.Address)
	v.SetDefault("postgres.dsn", d.Postgres.DSN)
	v.SetDefault("redis.address", d.Redis.Address)
	v.SetDefault("redis.password", d.Redis.Password)
	v.SetDefault("redis.db", d.Redis.DB)
	v.SetDefault("redis.ttl", d.Redis.TTL)
	v.SetDefault("kafka.brokers", d.Kafka.Brokers)
	v.SetDefault("kafka.topic", d.Kafka.Topic)
	v.SetDefault("outbox.dir", d.Outbox.Dir)
	v.SetDefault("outbox.interval", d.Outbox.Interval)
	v.SetDefault("engine.commission_rate", d.Engine.CommissionRate)
	v.SetDefault("engine.fee_account", d.Engine.FeeAccount)
	v.SetDefault("engine.quote_asset", d.Engine.QuoteAsset)
	v.SetDefault("engine.book_depth", d.Engine.BookDepth)
	v.SetDefault("engine.max_retries", d.Engine.MaxRetries)
	v.SetDefault("engine.lock_timeout", d.Engine.LockTimeout)
	v.SetDefault("auth.jwt_secret", d.Auth.JWTSecret)
	v.SetDefault("ratelimit.interval", d.RateLimit.Interval)
	v.SetDefault("assets.auto_create", d.Assets.AutoCreate)
	v.SetDefault("assets.default_assets", d.Assets.DefaultAssets)

	supported := make(map[string]interface{}, len(d.Assets.Supported))
	for sym, a := range d.Assets.Supported {
		supported[sym] = map[string]interface{}{
			"name":           a.Name,
			"decimal_places": a.DecimalPlaces,
			"min_amount":     a.MinAmount,
			"enabled":        a.Enabled,
		}
	}
	v.SetDefault("assets.supported", supported)
}

// Load reads an optional config file and EXCHANGE_* environment overrides.
// With an empty path it looks for config.yaml in . and /etc/exchange and
// carries on with defaults when none exists.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/exchange")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("config: read: %w", err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	rate, err := decimal.NewFromString(c.Engine.CommissionRate)
	if err != nil {
		return fmt.Errorf("config: engine.commission_rate %q: %w", c.Engine.CommissionRate, err)
	}
	if rate.IsNegative() || rate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("config: engine.commission_rate %s must be in [0,1)", rate)
	}
	if c.Engine.QuoteAsset == "" {
		return errors.New("config: engine.quote_asset is required")
	}
	c.Engine.QuoteAsset = strings.ToUpper(c.Engine.QuoteAsset)
	if c.Engine.BookDepth <= 0 {
		return fmt.Errorf("config: engine.book_depth %d must be positive", c.Engine.BookDepth)
	}
	if c.Engine.MaxRetries < 0 {
		return fmt.Errorf("config: engine.max_retries %d must not be negative", c.Engine.MaxRetries)
	}
	if c.Engine.LockTimeout <= 0 {
		return fmt.Errorf("config: engine.lock_timeout %s must be positive", c.Engine.LockTimeout)
	}
	for sym, a := range c.Assets.Supported {
		if a.MinAmount == "" {
			continue
		}
		if _, err := decimal.NewFromString(a.MinAmount); err != nil {
			return fmt.Errorf("config: assets.supported.%s.min_amount %q: %w", sym, a.MinAmount, err)
		}
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		return errors.New("config: kafka.topic is required when brokers are set")
	}
	return nil
}
