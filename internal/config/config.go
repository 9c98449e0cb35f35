package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"qms/entry-queue/internal/slots"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
)

type Config struct {
	Port         string        `envconfig:"PORT" default:"8000"`
	StoreDriver  string        `envconfig:"STORE_DRIVER" default:"memory"`
	DatabaseURL  string        `envconfig:"DB_DSN"`
	StoreTimeout time.Duration `envconfig:"STORE_TIMEOUT" default:"5s"`

	SlotCatalogPath  string `envconfig:"SLOT_CATALOG_PATH"`
	SlotCapacity     int    `envconfig:"SLOT_CAPACITY" default:"5"`
	MaxPartySize     int    `envconfig:"MAX_PARTY_SIZE" default:"20"`
	ExclusiveCalling bool   `envconfig:"EXCLUSIVE_CALLING" default:"true"`

	AdmissionSecret     string        `envconfig:"ADMISSION_SECRET"`
	AdmissionSecretHash string        `envconfig:"ADMISSION_SECRET_HASH"`
	AdmissionGateURL    string        `envconfig:"ADMISSION_GATE_URL"`
	AdmissionTimeout    time.Duration `envconfig:"ADMISSION_TIMEOUT" default:"3s"`

	GuestStaleness time.Duration `envconfig:"GUEST_STALENESS" default:"10s"`
	StaffStaleness time.Duration `envconfig:"STAFF_STALENESS" default:"3s"`

	RedisAddr     string `envconfig:"REDIS_ADDR"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`

	AMQPURL      string `envconfig:"AMQP_URL"`
	AMQPExchange string `envconfig:"AMQP_EXCHANGE" default:"entry-queue.tickets"`

	RateLimitPerMinute int      `envconfig:"RATE_LIMIT_PER_MIN" default:"120"`
	RateLimitBurst     int      `envconfig:"RATE_LIMIT_BURST" default:"30"`
	CORSAllowOrigins   []string `envconfig:"CORS_ALLOW_ORIGINS" default:"*"`
	TrustedProxies     []string `envconfig:"TRUSTED_PROXIES"`

	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat      string `envconfig:"LOG_FORMAT" default:"json"`
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"`
}

// Load reads an optional .env file, then the process environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	return FromEnv()
}

func FromEnv() (Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch strings.ToLower(c.StoreDriver) {
	case DriverMemory:
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return errors.New("DB_DSN is required when STORE_DRIVER=postgres")
		}
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}
	if c.SlotCapacity <= 0 {
		return errors.New("SLOT_CAPACITY must be positive")
	}
	if c.MaxPartySize <= 0 {
		return errors.New("MAX_PARTY_SIZE must be positive")
	}
	if c.GuestStaleness <= 0 || c.StaffStaleness <= 0 {
		return errors.New("staleness bounds must be positive")
	}
	return nil
}

// Catalog builds the slot catalog from SLOT_CATALOG_PATH, or the default
// schedule when no file is configured.
func (c Config) Catalog() (*slots.Catalog, error) {
	if c.SlotCatalogPath == "" {
		return slots.Default(c.SlotCapacity), nil
	}
	return slots.LoadFile(c.SlotCatalogPath, c.SlotCapacity)
}
