package infra

import (
	"errors"
	"fmt"
	"sync"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"go.uber.org/zap"

	postgres_wrapper "github.com/joripage/powerex/pkg/infra/postgres"
)

// IMigrateTool tool to migrate schema and data.
type IMigrateTool interface {
	// Migrate from current version to latest version.
	Migrate(source string, connStr string) error

	// WaitAndMigrate waits for the database to accept connections, then
	// migrates it.
	WaitAndMigrate(cfg *postgres_wrapper.PostgresConfig, source string) error
}

type migrateTool struct{}

var once sync.Once         // nolint
var mutex = &sync.Mutex{}  // nolint
var singleton IMigrateTool // nolint

// GetMigrateTool get singleton instance for migrate tool
func GetMigrateTool() IMigrateTool { // nolint
	once.Do(func() {
		singleton = &migrateTool{}
	})
	return singleton
}

// Migrate execute migration in serialize.
func (mt *migrateTool) Migrate(source string, connStr string) error {
	mutex.Lock()
	defer mutex.Unlock()

	sugar := zap.S().With("source", source)
	sugar.Info("migrating")

	mg, err := migrate.New(source, connStr)
	if err != nil {
		return fmt.Errorf("create migration: %w", err)
	}
	defer mg.Close()

	version, dirty, err := mg.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("read schema version: %w", err)
	}
	if dirty {
		sugar.Warnf("schema version %d is dirty, forcing %d", version, int(version)-1)
		if err := mg.Force(int(version) - 1); err != nil {
			return fmt.Errorf("force version: %w", err)
		}
	}

	if err := mg.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}

	sugar.Info("migration done")
	return nil
}

func (mt *migrateTool) WaitAndMigrate(cfg *postgres_wrapper.PostgresConfig, source string) error {
	db, err := postgres_wrapper.InitPostgresWithBackoff(cfg)
	if err != nil {
		return err
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.Close()
	}
	return mt.Migrate(source, cfg.MigrationConnURL)
}
