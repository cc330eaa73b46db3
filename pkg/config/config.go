package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/wleicht/salesapi/pkg/utils"
)

type Config struct {
	Env         string      `yaml:"env" env:"ENV" env-default:"local"`
	Service     string      `yaml:"service" env:"SERVICE_NAME"`
	Log         Log         `yaml:"log"`
	HTTP        HTTP        `yaml:"http"`
	GRPC        GRPC        `yaml:"grpc"`
	Postgres    PG          `yaml:"postgres"`
	Redis       Redis       `yaml:"redis"`
	Kafka       Kafka       `yaml:"kafka"`
	Outbox      Outbox      `yaml:"outbox"`
	Consumer    Consumer    `yaml:"consumer"`
	Services    Services    `yaml:"services"`
	Limiter     Limiter     `yaml:"limiter"`
	Reservation Reservation `yaml:"reservation"`
	Payment     Payment     `yaml:"payment"`
	Catalog     Catalog     `yaml:"catalog"`
	Events      Events      `yaml:"events"`
	Tracing     Tracing     `yaml:"tracing"`
}

type Log struct {
	Level string `yaml:"level" env:"LOG_LEVEL" env-default:"info"`
}

type HTTP struct {
	Port    string        `yaml:"port" env:"HTTP_PORT" env-default:":3000"`
	Timeout time.Duration `yaml:"timeout" env-default:"4s"`
}

type GRPC struct {
	Port    string        `yaml:"port" env:"GRPC_PORT" env-default:":50051"`
	Timeout time.Duration `yaml:"timeout" env-default:"4s"`
}

type PG struct {
	URL        string `yaml:"url" env:"DB_URL"`
	MaxConns   int32  `yaml:"max_conns" env:"DB_MAX_CONNS" env-default:"10"`
	MinConns   int32  `yaml:"min_conns" env:"DB_MIN_CONNS" env-default:"2"`
	Migrations string `yaml:"migrations" env:"DB_MIGRATIONS"`
}

type Redis struct {
	Addr string `yaml:"addr" env:"REDIS_ADDR" env-default:"localhost:6379"`
}

type Kafka struct {
	Brokers []string `yaml:"brokers" env:"KAFKA_BROKERS" env-separator:"," env-default:"localhost:9092"`
}

type Outbox struct {
	BatchSize   int           `yaml:"batch_size" env-default:"50"`
	Interval    time.Duration `yaml:"interval" env-default:"500ms"`
	MaxAttempts int           `yaml:"max_attempts" env-default:"10"`
}

type Consumer struct {
	GroupID       string        `yaml:"group_id" env:"CONSUMER_GROUP"`
	Workers       int64         `yaml:"workers" env:"CONSUMER_WORKERS" env-default:"8"`
	RejoinBackoff time.Duration `yaml:"rejoin_backoff" env-default:"1s"`
}

type Services struct {
	InventoryRPC string `yaml:"inventory_rpc" env:"INVENTORY_RPC_URL" env-default:"localhost:50052"`
}

type Limiter struct {
	Max        int           `yaml:"max" env-default:"20"`
	Expiration time.Duration `yaml:"expiration" env-default:"5s"`
}

type Reservation struct {
	Timeout          time.Duration `yaml:"timeout" env:"RESERVATION_TIMEOUT" env-default:"3s"`
	VersionRetries   int           `yaml:"version_retries" env-default:"5"`
	TransientRetries uint64        `yaml:"transient_retries" env-default:"3"`
}

// Payment amounts are minor currency units. Rates are approval probabilities.
type Payment struct {
	LowThreshold  int64         `yaml:"low_threshold" env:"PAYMENT_LOW_THRESHOLD" env-default:"10000"`
	MidThreshold  int64         `yaml:"mid_threshold" env:"PAYMENT_MID_THRESHOLD" env-default:"100000"`
	HighThreshold int64         `yaml:"high_threshold" env:"PAYMENT_HIGH_THRESHOLD" env-default:"500000"`
	MidRate       float64       `yaml:"mid_rate" env-default:"0.95"`
	HighRate      float64       `yaml:"high_rate" env-default:"0.85"`
	TopRate       float64       `yaml:"top_rate" env-default:"0.30"`
	Delay         time.Duration `yaml:"delay" env:"PAYMENT_DELAY" env-default:"100ms"`
}

type Catalog struct {
	CacheTTL time.Duration `yaml:"cache_ttl" env-default:"30s"`
}

type Events struct {
	Publisher string `yaml:"publisher" env:"EVENTS_PUBLISHER" env-default:"outbox"`
}

type Tracing struct {
	Enabled  bool   `yaml:"enabled" env:"TRACING_ENABLED" env-default:"true"`
	Endpoint string `yaml:"endpoint" env:"JAEGER_ENDPOINT" env-default:"localhost:4318"`
}

var ErrInvalidConfig = errors.New("invalid config")

func (p Payment) Validate() error {
	if p.LowThreshold < 0 || p.LowThreshold > p.MidThreshold || p.MidThreshold > p.HighThreshold {
		return fmt.Errorf("%w: payment thresholds must satisfy 0 <= low <= mid <= high", ErrInvalidConfig)
	}

	for name, rate := range map[string]float64{"mid_rate": p.MidRate, "high_rate": p.HighRate, "top_rate": p.TopRate} {
		if rate < 0 || rate > 1 {
			return fmt.Errorf("%w: payment %s must be within [0, 1]", ErrInvalidConfig, name)
		}
	}

	return nil
}

func (c *Config) Validate() error {
	if err := c.Payment.Validate(); err != nil {
		return err
	}

	switch c.Events.Publisher {
	case "outbox", "kafka", "noop":
	default:
		return fmt.Errorf("%w: events.publisher must be one of outbox, kafka, noop", ErrInvalidConfig)
	}

	if c.Consumer.Workers < 1 {
		return fmt.Errorf("%w: consumer.workers must be positive", ErrInvalidConfig)
	}

	return nil
}

func Load(configPath string) (*Config, error) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file does not exist: %w", err)
	}

	var cfg Config
	if err := cleanenv.ReadConfig(configPath, &cfg); err != nil {
		return nil, fmt.Errorf("error reading config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func MustLoad() *Config {
	configPath := utils.ParseWithFallback("CONFIG_PATH", "./config/local.yaml")

	cfg, err := Load(configPath)
	if err != nil {
		log.Fatalf("error loading config: %v", err)
	}

	return cfg
}
