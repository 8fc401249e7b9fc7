package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/joripage/powerex/pkg/eventbus"
	postgres_wrapper "github.com/joripage/powerex/pkg/infra/postgres"
	redis_wrapper "github.com/joripage/powerex/pkg/infra/redis"
	riskrule "github.com/joripage/powerex/pkg/oms/risk_rule"
)

// Service names accepted by Validate.
const (
	ServiceWallet      = "wallet"
	ServiceMatchEngine = "matchengine"
	ServiceOMS         = "oms"
	ServiceMigrate     = "migrate"
)

const (
	BookBackendRedis  = "redis"
	BookBackendMemory = "memory"
)

type AppConfig struct {
	ServiceName string                           `yaml:"service_name"`
	LogLevel    string                           `yaml:"log_level"`
	HTTPAddr    string                           `yaml:"http_addr"`
	WalletDB    *postgres_wrapper.PostgresConfig `yaml:"wallet_db"`
	OmsDB       *postgres_wrapper.PostgresConfig `yaml:"oms_db"`
	Redis       *redis_wrapper.RedisConfig       `yaml:"redis"`
	EventBus    *eventbus.Config                 `yaml:"event_bus"`
	Outbox      *OutboxConfig                    `yaml:"outbox"`
	Matching    *MatchingConfig                  `yaml:"matching"`
	Risk        *RiskConfig                      `yaml:"risk"`
}

type OutboxConfig struct {
	Dir             string `yaml:"dir"`
	RelayIntervalMs int    `yaml:"relay_interval_ms"`
}

type MatchingConfig struct {
	BookBackend     string `yaml:"book_backend"`
	DedupTTLSeconds int    `yaml:"dedup_ttl_seconds"`
}

type RiskConfig struct {
	LimitPrices  map[string]riskrule.LimitPrice `yaml:"limit_prices"`
	TickSizeFile string                         `yaml:"tick_size_file"`
}

// Load load config from file and environment variables. A .env file in the
// working directory is loaded first when present.
func Load(filePath string) (*AppConfig, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		zap.S().Warnf("load .env: %v", err)
	}
	if len(filePath) == 0 {
		filePath = os.Getenv("CONFIG_FILE")
	}

	sugar := zap.S().With("func", "config.Load", "filePath", filePath)
	sugar.Debug("Load config...")

	configBytes, err := os.ReadFile(filePath)
	if err != nil {
		sugar.Error("Failed to load config file")
		return nil, err
	}
	configBytes = []byte(os.ExpandEnv(string(configBytes)))

	cfg := &AppConfig{}
	if err := yaml.Unmarshal(configBytes, cfg); err != nil {
		sugar.Error("Failed to parse config file")
		return nil, err
	}
	cfg.applyDefaults()

	return cfg, nil
}

func (c *AppConfig) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.HTTPAddr == "" {
		c.HTTPAddr = ":8080"
	}
	if c.EventBus == nil {
		c.EventBus = &eventbus.Config{Driver: eventbus.DriverMemory}
	}
	if c.Matching == nil {
		c.Matching = &MatchingConfig{}
	}
	if c.Matching.BookBackend == "" {
		c.Matching.BookBackend = BookBackendRedis
	}
	if c.Matching.DedupTTLSeconds <= 0 {
		c.Matching.DedupTTLSeconds = 24 * 60 * 60
	}
	if c.Outbox != nil && c.Outbox.RelayIntervalMs <= 0 {
		c.Outbox.RelayIntervalMs = 200
	}
}

// Validate reports the sections service needs but the file does not set.
func (c *AppConfig) Validate(service string) error {
	var errs []error
	requireDB := func(name string, db *postgres_wrapper.PostgresConfig) {
		if db == nil {
			errs = append(errs, fmt.Errorf("%s is required", name))
			return
		}
		if err := db.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}

	switch service {
	case ServiceWallet:
		requireDB("wallet_db", c.WalletDB)
	case ServiceOMS:
		requireDB("oms_db", c.OmsDB)
	case ServiceMatchEngine:
		if c.Outbox == nil || c.Outbox.Dir == "" {
			errs = append(errs, errors.New("outbox.dir is required"))
		}
		switch c.Matching.BookBackend {
		case BookBackendRedis:
			if c.Redis == nil || c.Redis.ConnectionURL == "" {
				errs = append(errs, errors.New("redis.connection_url is required for the redis book"))
			}
		case BookBackendMemory:
		default:
			errs = append(errs, fmt.Errorf("unknown matching.book_backend %q", c.Matching.BookBackend))
		}
	case ServiceMigrate:
		if c.WalletDB == nil && c.OmsDB == nil {
			errs = append(errs, errors.New("wallet_db or oms_db is required"))
		}
	default:
		return fmt.Errorf("unknown service %q", service)
	}

	if service != ServiceMigrate {
		switch c.EventBus.Driver {
		case eventbus.DriverMemory, "":
		case eventbus.DriverKafka:
			if len(c.EventBus.Brokers) == 0 {
				errs = append(errs, errors.New("event_bus.brokers is required for kafka"))
			}
		case eventbus.DriverNATS:
			if c.EventBus.NatsURL == "" {
				errs = append(errs, errors.New("event_bus.nats_url is required for nats"))
			}
		default:
			errs = append(errs, fmt.Errorf("unknown event_bus.driver %q", c.EventBus.Driver))
		}
	}
	return errors.Join(errs...)
}
