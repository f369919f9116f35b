package database

import (
	"github.com/pkg/errors"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/YSAWORK/events-api/config"
	"github.com/YSAWORK/events-api/internal/models"
)

// Connect opens the write and read-only database connections, tunes their
// pools and runs migrations on the write side.
func Connect(cfg config.DatabaseConfig) (*gorm.DB, *gorm.DB, error) {
	// Initialize write database
	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{})
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to connect to write database")
	}

	// Initialize read-only database
	readOnlyDB, err := gorm.Open(postgres.Open(cfg.ReadOnlyDSN), &gorm.Config{})
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to connect to read-only database")
	}

	// Auto-migrate only the write database
	if err := models.SetupModels(db); err != nil {
		return nil, nil, errors.Wrap(err, "failed to run migrations")
	}

	// Configure connection pool for the write DB
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to get underlying write DB connection")
	}
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	// Configure read-only connection pool (higher limits for read operations)
	readSqlDB, err := readOnlyDB.DB()
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to get underlying read-only DB connection")
	}
	readSqlDB.SetMaxIdleConns(cfg.MaxIdleConns * 2)
	readSqlDB.SetMaxOpenConns(cfg.MaxOpenConns * 2)
	readSqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	return db, readOnlyDB, nil
}

// Close closes both database connections
func Close(db *gorm.DB, readOnlyDB *gorm.DB) error {
	for _, conn := range []*gorm.DB{db, readOnlyDB} {
		if conn == nil {
			continue
		}
		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		if err := sqlDB.Close(); err != nil {
			return err
		}
	}
	return nil
}
