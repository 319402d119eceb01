package store

import (
	"context"

	"github.com/dcm-project/gpu-node-provisioner/internal/store/model"
	"gorm.io/gorm"
)

type Store interface {
	Close() error
	InitialMigration(ctx context.Context) error
	Server() ServerInventory
}

type DataStore struct {
	db     *gorm.DB
	server ServerInventory
}

func NewStore(db *gorm.DB) Store {
	return &DataStore{
		db:     db,
		server: NewServerInventory(db),
	}
}

func (s *DataStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// InitialMigration creates or updates the servers, gpus and deployments tables.
func (s *DataStore) InitialMigration(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&model.Server{}, &model.GPU{}, &model.Deployment{})
}

func (s *DataStore) Server() ServerInventory {
	return s.server
}
