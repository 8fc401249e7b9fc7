package postgres_wrapper

import (
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	_ "github.com/lib/pq" // nolint
	"go.uber.org/zap"
	pg "gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/plugin/dbresolver"
)

type PostgresConfig struct {
	DataSource                 string `yaml:"data_source"`
	MaxOpenConns               int    `yaml:"max_open_conns"`
	MaxIdleConns               int    `yaml:"max_idle_conns"`
	ConnMaxLifeTimeMiliseconds int64  `yaml:"conn_max_life_time_ms"`
	MigrationConnURL           string `yaml:"migration_conn_url"`
	// ReplicaSources serve reads (settlement history, order lookups) through
	// dbresolver; writes always go to DataSource.
	ReplicaSources []string        `yaml:"replica_sources"`
	LogLevel       logger.LogLevel `yaml:"log_level"`
	Location       string          `yaml:"location"`
	// ConnectTimeoutSeconds bounds InitPostgresWithBackoff.
	ConnectTimeoutSeconds int `yaml:"connect_timeout_seconds"`
}

func (cfg *PostgresConfig) Validate() error {
	if cfg.DataSource == "" {
		return fmt.Errorf("postgres: data_source is required")
	}
	return nil
}

// zapWriter routes gorm's logger through the sugared zap logger.
type zapWriter struct{}

func (zapWriter) Printf(format string, args ...interface{}) {
	zap.S().Debugf(format, args...)
}

// InitPostgres set up postgres
func InitPostgres(cfg *PostgresConfig) (*gorm.DB, error) {
	loc := time.UTC
	if cfg.Location != "" {
		l, err := time.LoadLocation(cfg.Location)
		if err != nil {
			return nil, fmt.Errorf("postgres: location %q: %w", cfg.Location, err)
		}
		loc = l
	}

	db, err := gorm.Open(pg.Open(cfg.DataSource), &gorm.Config{
		Logger: logger.New(zapWriter{}, logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  cfg.LogLevel,
			IgnoreRecordNotFoundError: true,
		}),
		NowFunc: func() time.Time {
			return time.Now().In(loc)
		},
	})
	if err != nil {
		zap.S().Debugf("open postgres fail: %+v", err)
		return nil, err
	}

	var repl []gorm.Dialector
	for _, s := range cfg.ReplicaSources {
		repl = append(repl, pg.Open(s))
	}
	if len(repl) > 0 {
		zap.S().Debugf("register %d postgres replicas", len(repl))
		err := db.Use(dbresolver.Register(dbresolver.Config{
			Replicas: repl,
			Policy:   dbresolver.RandomPolicy{},
		}))
		if err != nil {
			zap.S().Debugf("init postgres replicas fail: %+v", err)
			return nil, err
		}
	}

	sqlDB, err := db.DB()
	if err != nil {
		zap.S().Debugf("get DB instance failed %v", err)
		return nil, err
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifeTimeMiliseconds) * time.Millisecond)

	return db, nil
}

// InitPostgresWithBackoff retries InitPostgres with exponential backoff
// until it succeeds or ConnectTimeoutSeconds (default 60) elapses.
func InitPostgresWithBackoff(cfg *PostgresConfig) (*gorm.DB, error) {
	var db *gorm.DB
	boff := backoff.NewExponentialBackOff()
	boff.MaxElapsedTime = connectTimeout(cfg.ConnectTimeoutSeconds)
	err := backoff.Retry(func() error {
		var err error
		db, err = InitPostgres(cfg)
		if err != nil {
			zap.S().Warnf("connect postgres error: %v", err)
		}
		return err
	}, boff)
	if err != nil {
		return nil, err
	}
	return db, nil
}

func connectTimeout(seconds int) time.Duration {
	if seconds <= 0 {
		return time.Minute
	}
	return time.Duration(seconds) * time.Second
}
