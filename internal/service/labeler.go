package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	corev1 "k8s.io/api/core/v1"

	"github.com/dcm-project/gpu-node-provisioner/internal/cluster"
)

// Labeler keeps node labels in line with a desired set
type Labeler struct {
	gateway cluster.Gateway
}

func NewLabeler(gateway cluster.Gateway) *Labeler {
	return &Labeler{gateway: gateway}
}

// LabelDiff returns the desired labels that are missing from current or carry another value.
func LabelDiff(current, desired map[string]string) map[string]string {
	diff := make(map[string]string)
	for key, value := range desired {
		if existing, ok := current[key]; !ok || existing != value {
			diff[key] = value
		}
	}
	return diff
}

// Reconcile applies the missing or differing desired labels to node in a single patch.
// When nothing differs the node is returned as is and the cluster is not contacted.
func (l *Labeler) Reconcile(ctx context.Context, node *corev1.Node, desired map[string]string) (*corev1.Node, error) {
	logger := zap.S().Named("labeler:reconcile")

	diff := LabelDiff(node.GetLabels(), desired)
	if len(diff) == 0 {
		logger.Debugw("Node labels already up to date", "node", node.Name)
		return node, nil
	}

	logger.Infow("Patching node labels", "node", node.Name, "labels", diff)
	updated, err := l.gateway.PatchNodeLabels(ctx, node.Name, diff)
	if err != nil {
		return nil, fmt.Errorf("failed to label node %s: %w", node.Name, err)
	}
	return updated, nil
}
