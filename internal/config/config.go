package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// AppConfig holds process-wide settings
type AppConfig struct {
	Env        string `envconfig:"ENV" default:"development"`
	LogLevel   string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat  string `envconfig:"LOG_FORMAT" default:"json"`
	GRPCAddr   string `envconfig:"GRPC_ADDR" default:":8080"`
	HTTPAddr   string `envconfig:"HTTP_ADDR" default:":9090"`
	APIToken   string `envconfig:"API_TOKEN" default:"dev-token"`
	AssetsFile string `envconfig:"ASSETS_FILE"`
}

// DBConfig selects and configures the storage backend
type DBConfig struct {
	Driver         string        `envconfig:"DRIVER" default:"memory"`
	ConnStr        string        `envconfig:"CONN_STR"`
	Host           string        `envconfig:"HOST" default:"localhost"`
	Port           int           `envconfig:"PORT" default:"5432"`
	User           string        `envconfig:"USER" default:"postgres"`
	Password       string        `envconfig:"PASSWORD" default:"postgres"`
	Name           string        `envconfig:"NAME" default:"convertflow"`
	SSLMode        string        `envconfig:"SSLMODE" default:"disable"`
	Migrate        bool          `envconfig:"MIGRATE" default:"true"`
	ConnectRetries int           `envconfig:"CONNECT_RETRIES" default:"5"`
	ConnectDelay   time.Duration `envconfig:"CONNECT_DELAY" default:"1s"`
}

// DSN returns ConnStr when set, otherwise builds a lib/pq keyword/value string
func (c DBConfig) DSN() string {
	if c.ConnStr != "" {
		return c.ConnStr
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode)
}

// RedisConfig configures the Redis lock and event channel
type RedisConfig struct {
	Enabled  bool   `envconfig:"ENABLED" default:"false"`
	Addr     string `envconfig:"ADDR" default:"localhost:6379"`
	Password string `envconfig:"PASSWORD"`
	DB       int    `envconfig:"DB" default:"0"`
	Channel  string `envconfig:"CHANNEL" default:"convertflow:conversion_events"`
}

// KafkaConfig configures the conversion event topic
type KafkaConfig struct {
	Enabled bool     `envconfig:"ENABLED" default:"false"`
	Brokers []string `envconfig:"BROKERS" default:"localhost:9092"`
	Topic   string   `envconfig:"TOPIC" default:"convertflow.conversion.events"`
}

// LockConfig selects the conversion lock implementation
type LockConfig struct {
	Driver string        `envconfig:"DRIVER" default:"memory"`
	TTL    time.Duration `envconfig:"TTL" default:"30s"`
}

// RetryConfig tunes the linear retry loops
type RetryConfig struct {
	BalanceMaxRetries int           `envconfig:"BALANCE_MAX_RETRIES" default:"3"`
	BalanceBaseDelay  time.Duration `envconfig:"BALANCE_BASE_DELAY" default:"500ms"`
	PersistMaxRetries int           `envconfig:"PERSIST_MAX_RETRIES" default:"4"`
	PersistBaseDelay  time.Duration `envconfig:"PERSIST_BASE_DELAY" default:"200ms"`
}

// PricingConfig configures the CoinGecko client and the quote cache
type PricingConfig struct {
	Enabled           bool          `envconfig:"ENABLED" default:"true"`
	BaseURL           string        `envconfig:"BASE_URL" default:"https://api.coingecko.com"`
	Timeout           time.Duration `envconfig:"TIMEOUT" default:"10s"`
	CacheTTL          time.Duration `envconfig:"CACHE_TTL" default:"60s"`
	RequestsPerSecond float64       `envconfig:"REQUESTS_PER_SECOND" default:"0.5"`
	// LookupTimeout bounds one valuation lookup made while a conversion holds the owner's lock
	LookupTimeout time.Duration `envconfig:"LOOKUP_TIMEOUT" default:"2s"`
}

// ReconcileConfig configures the pending rollback worker
type ReconcileConfig struct {
	Enabled   bool          `envconfig:"ENABLED" default:"true"`
	Interval  time.Duration `envconfig:"INTERVAL" default:"1m"`
	BatchSize int           `envconfig:"BATCH_SIZE" default:"100"`
}

// Config is the full service configuration
type Config struct {
	App       AppConfig       `envconfig:"APP"`
	DB        DBConfig        `envconfig:"DB"`
	Redis     RedisConfig     `envconfig:"REDIS"`
	Kafka     KafkaConfig     `envconfig:"KAFKA"`
	Lock      LockConfig      `envconfig:"LOCK"`
	Retry     RetryConfig     `envconfig:"RETRY"`
	Pricing   PricingConfig   `envconfig:"PRICING"`
	Reconcile ReconcileConfig `envconfig:"RECONCILE"`
}

// Load reads the given .env files (or ./.env) into the environment and processes it.
// Missing env files are ignored.
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		_ = godotenv.Load()
	}
	for _, path := range envFiles {
		_ = godotenv.Load(path)
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects combinations the process cannot start with
func (c *Config) Validate() error {
	switch c.DB.Driver {
	case "memory", "postgres":
	default:
		return fmt.Errorf("unsupported DB_DRIVER %q", c.DB.Driver)
	}
	switch c.Lock.Driver {
	case "memory":
	case "redis":
		if !c.Redis.Enabled {
			return errors.New("LOCK_DRIVER=redis requires REDIS_ENABLED=true")
		}
	default:
		return fmt.Errorf("unsupported LOCK_DRIVER %q", c.Lock.Driver)
	}
	if c.Lock.TTL <= 0 {
		return errors.New("LOCK_TTL must be positive")
	}
	if c.Pricing.Enabled {
		if c.Pricing.LookupTimeout <= 0 {
			return errors.New("PRICING_LOOKUP_TIMEOUT must be positive")
		}
		// a conversion makes two lookups plus its writes inside one lease
		if c.Pricing.LookupTimeout*4 > c.Lock.TTL {
			return fmt.Errorf("PRICING_LOOKUP_TIMEOUT %s must be at most a quarter of LOCK_TTL %s",
				c.Pricing.LookupTimeout, c.Lock.TTL)
		}
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return errors.New("KAFKA_BROKERS is required when KAFKA_ENABLED=true")
	}
	if strings.TrimSpace(c.App.APIToken) == "" {
		return errors.New("APP_API_TOKEN cannot be empty")
	}
	return nil
}

// Mask hides all but the last four characters of a secret
func Mask(secret string) string {
	if len(secret) <= 6 {
		return "****"
	}
	return "****" + secret[len(secret)-4:]
}
