package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	corev1 "k8s.io/api/core/v1"

	"github.com/dcm-project/gpu-node-provisioner/internal/cluster"
	"github.com/dcm-project/gpu-node-provisioner/internal/events"
	"github.com/dcm-project/gpu-node-provisioner/internal/metrics"
	"github.com/dcm-project/gpu-node-provisioner/internal/store"
	"github.com/dcm-project/gpu-node-provisioner/internal/store/model"
)

// Deprovisioning triggers, used as metric labels
const (
	TriggerAPI         = "api"
	TriggerNodeRemoved = "node_removed"
)

// InventoryService exposes the server inventory and removes servers from it
type InventoryService struct {
	servers  store.ServerInventory
	deployer *Deployer
	notifier events.Notifier
}

func NewInventoryService(servers store.ServerInventory, deployer *Deployer, notifier events.Notifier) *InventoryService {
	return &InventoryService{
		servers:  servers,
		deployer: deployer,
		notifier: notifier,
	}
}

func (s *InventoryService) ListServers(ctx context.Context) (model.ServerList, error) {
	servers, err := s.servers.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list servers: %w", err)
	}
	return servers, nil
}

// Deprovision removes the server matching idOrName, its gpus and deployments, tears down
// its verification workload and announces the deletion.
func (s *InventoryService) Deprovision(ctx context.Context, idOrName, trigger string) (*model.Server, error) {
	logger := zap.S().Named("inventory:deprovision")

	server, err := s.servers.FindByIDOrName(ctx, idOrName)
	if err != nil {
		if errors.Is(err, store.ErrServerNotFound) {
			return nil, fmt.Errorf("%w: server %s", ErrNotFound, idOrName)
		}
		return nil, fmt.Errorf("failed to look up server %s: %w", idOrName, err)
	}

	if err := s.servers.Delete(ctx, server.ServerID); err != nil {
		if errors.Is(err, store.ErrServerNotFound) {
			return nil, fmt.Errorf("%w: server %s", ErrNotFound, idOrName)
		}
		return nil, fmt.Errorf("failed to delete server %s: %w", server.ServerID, err)
	}
	logger.Infow("Server removed from inventory", "serverId", server.ServerID, "name", server.Name, "trigger", trigger)
	metrics.ServerDeprovisioned(trigger)

	s.deployer.Teardown(ctx, server.Name)

	event := events.ServerEvent{
		ServerID:  server.ServerID,
		Name:      server.Name,
		Validator: server.Validator,
		Timestamp: time.Now().UTC(),
	}
	if err := s.notifier.ServerDeleted(context.WithoutCancel(ctx), event); err != nil {
		logger.Warnw("Failed to publish server deletion", "serverId", server.ServerID, "error", err)
	}
	return server, nil
}

// SyncNodeStatus copies the node's readiness onto its server row. Untracked nodes are ignored.
func (s *InventoryService) SyncNodeStatus(ctx context.Context, node *corev1.Node) error {
	status := model.ServerStatus(cluster.ExtractNodeStatus(node))
	err := s.servers.UpdateStatus(ctx, string(node.UID), status)
	if errors.Is(err, store.ErrServerNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to update status of server %s: %w", node.Name, err)
	}
	return nil
}
