package main

import (
	"errors"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/0x5487/margin-engine/redisoracle"
)

type Config struct {
	App     AppConfig          `envPrefix:"APP_"`
	HTTP    HTTPConfig         `envPrefix:"HTTP_"`
	Journal JournalConfig      `envPrefix:"JOURNAL_"`
	Kafka   KafkaConfig        `envPrefix:"KAFKA_"`
	Redis   redisoracle.Config `envPrefix:"REDIS_"`
	Oracle  OracleConfig       `envPrefix:"ORACLE_"`
}

type AppConfig struct {
	Env             string        `env:"ENV" envDefault:"development"` // development or production
	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info"`
	MarketsFile     string        `env:"MARKETS_FILE" envDefault:"markets.yaml"`
	SnapshotDir     string        `env:"SNAPSHOT_DIR" envDefault:"data/snapshot"`
	ExpireInterval  time.Duration `env:"EXPIRE_INTERVAL" envDefault:"1s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
	Operators       []string      `env:"OPERATORS" envSeparator:","`
}

type HTTPConfig struct {
	Addr           string        `env:"ADDR" envDefault:":8080"`
	RequestTimeout time.Duration `env:"REQUEST_TIMEOUT" envDefault:"5s"`
}

type JournalConfig struct {
	Enabled bool   `env:"ENABLED" envDefault:"true"`
	Dir     string `env:"DIR" envDefault:"data/journal"`
	NoSync  bool   `env:"NO_SYNC"`
}

type KafkaConfig struct {
	Enabled      bool          `env:"ENABLED"`
	Brokers      []string      `env:"BROKERS" envSeparator:"," envDefault:"localhost:9092"`
	Topic        string        `env:"TOPIC" envDefault:"match.events"`
	WriteTimeout time.Duration `env:"WRITE_TIMEOUT" envDefault:"5s"`
	RingSize     int64         `env:"RING_SIZE" envDefault:"4096"` // Batches buffered ahead of the broker, power of two
}

type OracleConfig struct {
	Enabled      bool          `env:"ENABLED"` // Requires Redis
	SpotTTL      time.Duration `env:"SPOT_TTL" envDefault:"5s"`
	ReportBuffer int           `env:"REPORT_BUFFER" envDefault:"1024"`
	Timeout      time.Duration `env:"TIMEOUT" envDefault:"2s"`
}

// LoadConfig reads an optional .env file, then the environment.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
