package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/dcm-project/gpu-node-provisioner/internal/store/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrServerNotFound  = errors.New("server not found")
	ErrDuplicateServer = errors.New("server already exists")
)

type ServerInventory interface {
	List(ctx context.Context) (model.ServerList, error)
	Create(ctx context.Context, server model.Server) (*model.Server, error)
	Get(ctx context.Context, serverID string) (*model.Server, error)
	FindByIDOrName(ctx context.Context, idOrName string) (*model.Server, error)
	Exists(ctx context.Context, serverID, name string) (bool, error)
	SetVerificationPort(ctx context.Context, serverID string, port int) (*int, error)
	UpdateStatus(ctx context.Context, serverID string, status model.ServerStatus) error
	RecordGPUs(ctx context.Context, serverID string, gpus []model.GPU) (*model.Server, error)
	Delete(ctx context.Context, serverID string) error
}

type ServerStore struct {
	db *gorm.DB
}

var _ ServerInventory = (*ServerStore)(nil)

func NewServerInventory(db *gorm.DB) ServerInventory {
	return &ServerStore{db: db}
}

func (s *ServerStore) List(ctx context.Context) (model.ServerList, error) {
	var servers model.ServerList
	result := s.db.WithContext(ctx).Preload("GPUs").Preload("Deployments").Order("name").Find(&servers)
	if result.Error != nil {
		return nil, result.Error
	}
	return servers, nil
}

// Create inserts a new server. The unique constraints on server_id and name decide
// between concurrent creators; the loser gets ErrDuplicateServer.
func (s *ServerStore) Create(ctx context.Context, server model.Server) (*model.Server, error) {
	result := s.db.WithContext(ctx).Clauses(clause.Returning{}).Omit("GPUs", "Deployments").Create(&server)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrDuplicatedKey) {
			return nil, fmt.Errorf("%w: server %s (%s)", ErrDuplicateServer, server.ServerID, server.Name)
		}
		return nil, result.Error
	}
	return &server, nil
}

func (s *ServerStore) Get(ctx context.Context, serverID string) (*model.Server, error) {
	var server model.Server
	result := s.db.WithContext(ctx).Preload("GPUs").Preload("Deployments").Where("server_id = ?", serverID).First(&server)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrServerNotFound, serverID)
		}
		return nil, result.Error
	}
	return &server, nil
}

// FindByIDOrName treats the server id and the server name as interchangeable keys.
func (s *ServerStore) FindByIDOrName(ctx context.Context, idOrName string) (*model.Server, error) {
	var server model.Server
	result := s.db.WithContext(ctx).
		Preload("GPUs").
		Preload("Deployments").
		Where("name = ? OR server_id = ?", idOrName, idOrName).
		First(&server)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrServerNotFound, idOrName)
		}
		return nil, result.Error
	}
	return &server, nil
}

func (s *ServerStore) Exists(ctx context.Context, serverID, name string) (bool, error) {
	var count int64
	result := s.db.WithContext(ctx).Model(&model.Server{}).Where("server_id = ? OR name = ?", serverID, name).Count(&count)
	if result.Error != nil {
		return false, result.Error
	}
	return count > 0, nil
}

// SetVerificationPort writes the port and returns the value the database now holds,
// or nil when no row matched.
func (s *ServerStore) SetVerificationPort(ctx context.Context, serverID string, port int) (*int, error) {
	var updated []model.Server
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Model(&updated).
			Clauses(clause.Returning{Columns: []clause.Column{{Name: "server_id"}, {Name: "verification_port"}}}).
			Where("server_id = ?", serverID).
			Update("verification_port", port).Error
	})
	if err != nil {
		return nil, err
	}
	if len(updated) == 0 {
		return nil, nil
	}
	return updated[0].VerificationPort, nil
}

func (s *ServerStore) UpdateStatus(ctx context.Context, serverID string, status model.ServerStatus) error {
	result := s.db.WithContext(ctx).Model(&model.Server{}).Where("server_id = ?", serverID).Update("status", status)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrServerNotFound, serverID)
	}
	return nil
}

// RecordGPUs stores the devices of a server and sets its gpu_count in one transaction.
func (s *ServerStore) RecordGPUs(ctx context.Context, serverID string, gpus []model.GPU) (*model.Server, error) {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := range gpus {
			gpus[i].ServerID = serverID
		}
		if len(gpus) > 0 {
			if err := tx.Create(&gpus).Error; err != nil {
				return fmt.Errorf("failed to insert gpus: %w", err)
			}
		}
		result := tx.Model(&model.Server{}).Where("server_id = ?", serverID).Update("gpu_count", len(gpus))
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("%w: %s", ErrServerNotFound, serverID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, serverID)
}

// Delete removes a server together with its gpus and deployments.
func (s *ServerStore) Delete(ctx context.Context, serverID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("server_id = ?", serverID).Delete(&model.GPU{}).Error; err != nil {
			return err
		}
		if err := tx.Where("server_id = ?", serverID).Delete(&model.Deployment{}).Error; err != nil {
			return err
		}
		result := tx.Where("server_id = ?", serverID).Delete(&model.Server{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("%w: %s", ErrServerNotFound, serverID)
		}
		return nil
	})
}
