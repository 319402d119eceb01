package store

import (
	"fmt"

	"github.com/dcm-project/gpu-node-provisioner/internal/config"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// InitDB opens the inventory database described by cfg.
func InitDB(cfg *config.DatabaseConfig) (*gorm.DB, error) {
	var dia gorm.Dialector

	switch cfg.Type {
	case "pgsql":
		dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=disable",
			cfg.Hostname,
			cfg.User,
			cfg.Password,
			cfg.Name,
			cfg.Port,
		)
		dia = postgres.Open(dsn)
	case "sqlite":
		// foreign keys are off by default in sqlite
		dia = sqlite.Open(fmt.Sprintf("%s?_foreign_keys=on", cfg.SQLitePath))
	default:
		return nil, fmt.Errorf("unsupported database type %q", cfg.Type)
	}

	db, err := gorm.Open(dia, &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", cfg.Type, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database handle: %w", err)
	}
	if cfg.Type == "sqlite" {
		// sqlite serializes writers; a single connection avoids "database is locked"
		sqlDB.SetMaxOpenConns(1)
	}

	zap.S().Named("store").Infow("database connection established", "type", cfg.Type)
	return db, nil
}
