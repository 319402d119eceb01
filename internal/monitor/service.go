package monitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/client-go/informers"
	"k8s.io/client-go/tools/cache"

	"github.com/dcm-project/gpu-node-provisioner/internal/cluster"
	"github.com/dcm-project/gpu-node-provisioner/internal/service"
	"github.com/dcm-project/gpu-node-provisioner/internal/store/model"
)

const handlerTimeout = 30 * time.Second

// NodeInventory is what the monitor needs from the inventory service
type NodeInventory interface {
	SyncNodeStatus(ctx context.Context, node *corev1.Node) error
	Deprovision(ctx context.Context, idOrName, trigger string) (*model.Server, error)
}

// Service watches cluster nodes and keeps tracked servers in line with them
type Service struct {
	informerFactory informers.SharedInformerFactory
	nodeInformer    cache.SharedIndexInformer
	inventory       NodeInventory
}

func NewMonitorService(informerFactory informers.SharedInformerFactory, inventory NodeInventory) (*Service, error) {
	s := &Service{
		informerFactory: informerFactory,
		inventory:       inventory,
	}
	if err := s.setupInformers(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Service) setupInformers() error {
	s.nodeInformer = s.informerFactory.Core().V1().Nodes().Informer()
	_, err := s.nodeInformer.AddEventHandler(cache.ResourceEventHandlerFuncs{
		AddFunc: func(obj interface{}) {
			s.handleNodeStatus(obj)
		},
		UpdateFunc: func(oldObj, newObj interface{}) {
			oldNode, okOld := oldObj.(*corev1.Node)
			newNode, okNew := newObj.(*corev1.Node)
			if okOld && okNew && cluster.ExtractNodeStatus(oldNode) == cluster.ExtractNodeStatus(newNode) {
				return
			}
			s.handleNodeStatus(newObj)
		},
		DeleteFunc: func(obj interface{}) {
			s.handleNodeDeleted(obj)
		},
	})
	if err != nil {
		return fmt.Errorf("failed to register node event handler: %w", err)
	}
	return nil
}

// Run starts the node informer and blocks until ctx is done
func (s *Service) Run(ctx context.Context) error {
	logger := zap.S().Named("monitor:run")
	logger.Info("Starting node monitor")

	s.informerFactory.Start(ctx.Done())

	logger.Info("Waiting for informer caches to sync")
	if !cache.WaitForCacheSync(ctx.Done(), s.nodeInformer.HasSynced) {
		s.informerFactory.Shutdown()
		if ctx.Err() != nil {
			logger.Info("Node monitor stopped before caches synced")
			return nil
		}
		return fmt.Errorf("failed to sync informer caches")
	}
	logger.Info("Node monitor is running")

	<-ctx.Done()
	logger.Info("Stopping node monitor")
	s.informerFactory.Shutdown()
	return nil
}

func (s *Service) handleNodeStatus(obj interface{}) {
	logger := zap.S().Named("monitor:node_status")
	node, ok := obj.(*corev1.Node)
	if !ok {
		logger.Warnw("Received unexpected object", "type", fmt.Sprintf("%T", obj))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	if err := s.inventory.SyncNodeStatus(ctx, node); err != nil {
		logger.Errorw("Failed to sync node status", "node", node.Name, "error", err)
	}
}

func (s *Service) handleNodeDeleted(obj interface{}) {
	logger := zap.S().Named("monitor:node_deleted")
	if tombstone, ok := obj.(cache.DeletedFinalStateUnknown); ok {
		obj = tombstone.Obj
	}
	node, ok := obj.(*corev1.Node)
	if !ok {
		logger.Warnw("Received unexpected object", "type", fmt.Sprintf("%T", obj))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	server, err := s.inventory.Deprovision(ctx, string(node.UID), service.TriggerNodeRemoved)
	if err != nil {
		if !errors.Is(err, service.ErrNotFound) {
			logger.Errorw("Failed to deprovision removed node", "node", node.Name, "error", err)
		}
		return
	}
	logger.Infow("Removed server of deleted node", "node", node.Name, "serverId", server.ServerID)
}
