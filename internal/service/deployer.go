package service

import (
	"context"
	"fmt"
	"strconv"

	"go.uber.org/zap"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/fields"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/utils/ptr"

	"github.com/dcm-project/gpu-node-provisioner/internal/cluster"
	"github.com/dcm-project/gpu-node-provisioner/internal/config"
	"github.com/dcm-project/gpu-node-provisioner/internal/constants"
	"github.com/dcm-project/gpu-node-provisioner/internal/store"
)

const maxGPUCount = 8

// VerificationWorkload is the deployment and service standing on a node being bootstrapped
type VerificationWorkload struct {
	NodeName    string
	ServerID    string
	NodeAddress string
	GPUCount    int
	Port        int
	Deployment  *appsv1.Deployment
	Service     *corev1.Service
}

// Deployer owns the verification deployment and service of every node, and is the
// only writer of a server's verification port.
type Deployer struct {
	gateway cluster.Gateway
	servers store.ServerInventory
	cfg     *config.VerificationConfig
}

func NewDeployer(gateway cluster.Gateway, servers store.ServerInventory, cfg *config.VerificationConfig) *Deployer {
	return &Deployer{
		gateway: gateway,
		servers: servers,
		cfg:     cfg,
	}
}

func VerificationDeploymentName(nodeName string) string {
	return fmt.Sprintf("verification-%s", nodeName)
}

func VerificationServiceName(nodeName string) string {
	return fmt.Sprintf("verification-service-%s", nodeName)
}

// ParseGPUCount reads the gpu-count label. Only plain decimal values from 1 to 8 are accepted.
func ParseGPUCount(nodeLabels map[string]string) (int, error) {
	raw, ok := nodeLabels[constants.LabelGPUCount]
	if !ok || raw == "" {
		return 0, fmt.Errorf("%w: %s label missing", ErrInvalidGPUCount, constants.LabelGPUCount)
	}
	for _, r := range raw {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("%w: %s=%q is not a number", ErrInvalidGPUCount, constants.LabelGPUCount, raw)
		}
	}
	count, err := strconv.Atoi(raw)
	if err != nil || count <= 0 || count > maxGPUCount {
		return 0, fmt.Errorf("%w: %s=%q must be between 1 and %d", ErrInvalidGPUCount, constants.LabelGPUCount, raw, maxGPUCount)
	}
	return count, nil
}

// Deploy stands up the verification workload on node and records its node port on the
// server row. On failure every object created here is removed again.
func (d *Deployer) Deploy(ctx context.Context, node *corev1.Node) (*VerificationWorkload, error) {
	logger := zap.S().Named("deployer:deploy")
	nodeName := node.Name

	if err := d.ensureUnoccupied(ctx, nodeName); err != nil {
		return nil, err
	}

	gpuCount, err := ParseGPUCount(node.GetLabels())
	if err != nil {
		return nil, fmt.Errorf("node %s: %w", nodeName, err)
	}

	logger.Infow("Deploying verification workload", "node", nodeName, "gpuCount", gpuCount)
	workload, err := d.deploy(ctx, node, gpuCount)
	if err != nil {
		logger.Errorw("Verification deployment failed, cleaning up", "node", nodeName, "error", err)
		d.Teardown(ctx, nodeName)
		return nil, fmt.Errorf("%w: failed to deploy verification workload on %s: %w", ErrDeploymentFailure, nodeName, err)
	}

	logger.Infow("Verification workload deployed", "node", nodeName, "port", workload.Port)
	return workload, nil
}

// ensureUnoccupied fails when any chute or verification deployment is pinned to the node.
func (d *Deployer) ensureUnoccupied(ctx context.Context, nodeName string) error {
	onNode := fields.OneTermEqualSelector(constants.NodeNameField, nodeName)
	selectors := []labels.Selector{
		labels.SelectorFromSet(labels.Set{constants.LabelChuteDeployment: "true"}),
		labels.SelectorFromSet(labels.Set{constants.LabelApp: constants.VerificationApp}),
	}

	for _, selector := range selectors {
		existing, err := d.gateway.ListDeployments(ctx, selector, onNode)
		if err != nil {
			return fmt.Errorf("failed to list deployments on node %s: %w", nodeName, err)
		}
		if len(existing) > 0 {
			return fmt.Errorf("%w: node %s already has %d chute and/or verification deployment(s)",
				ErrNodeAlreadyProvisioned, nodeName, len(existing))
		}
	}
	return nil
}

func (d *Deployer) deploy(ctx context.Context, node *corev1.Node, gpuCount int) (*VerificationWorkload, error) {
	nodeName := node.Name

	createdService, err := d.gateway.CreateService(ctx, d.buildService(nodeName))
	if err != nil {
		return nil, err
	}
	createdDeployment, err := d.gateway.CreateDeployment(ctx, d.buildDeployment(nodeName, gpuCount))
	if err != nil {
		return nil, err
	}

	if len(createdService.Spec.Ports) == 0 || createdService.Spec.Ports[0].NodePort == 0 {
		return nil, fmt.Errorf("service %s has no node port allocated", createdService.Name)
	}
	expectedPort := int(createdService.Spec.Ports[0].NodePort)

	port, err := d.servers.SetVerificationPort(ctx, string(node.UID), expectedPort)
	if err != nil {
		return nil, fmt.Errorf("failed to track verification port: %w", err)
	}
	if port == nil || *port != expectedPort {
		actual := "none"
		if port != nil {
			actual = strconv.Itoa(*port)
		}
		return nil, fmt.Errorf("unable to track verification port for node %s: expected=%d actual=%s", nodeName, expectedPort, actual)
	}

	return &VerificationWorkload{
		NodeName:    nodeName,
		ServerID:    string(node.UID),
		NodeAddress: cluster.PublicIPAddress(node),
		GPUCount:    gpuCount,
		Port:        expectedPort,
		Deployment:  createdDeployment,
		Service:     createdService,
	}, nil
}

// Teardown removes the verification service and deployment of a node. Failures are
// logged and otherwise ignored.
func (d *Deployer) Teardown(ctx context.Context, nodeName string) {
	logger := zap.S().Named("deployer:teardown")
	// cleanup must finish even when the caller went away
	ctx = context.WithoutCancel(ctx)

	if err := d.gateway.DeleteService(ctx, VerificationServiceName(nodeName)); err != nil && !cluster.IsNotFoundError(err) {
		logger.Warnw("Failed to delete verification service", "node", nodeName, "error", err)
	}
	if err := d.gateway.DeleteDeployment(ctx, VerificationDeploymentName(nodeName)); err != nil && !cluster.IsNotFoundError(err) {
		logger.Warnw("Failed to delete verification deployment", "node", nodeName, "error", err)
	}
}

func (d *Deployer) workloadLabels(nodeName string) map[string]string {
	return map[string]string{
		constants.LabelApp:  constants.VerificationApp,
		constants.LabelNode: nodeName,
	}
}

func (d *Deployer) buildDeployment(nodeName string, gpuCount int) *appsv1.Deployment {
	resources := corev1.ResourceList{
		corev1.ResourceCPU:    resource.MustParse(strconv.Itoa(gpuCount * d.cfg.CPUPerGPU)),
		corev1.ResourceMemory: resource.MustParse(fmt.Sprintf("%dGi", gpuCount*d.cfg.MemoryPerGPU)),
	}
	resources[corev1.ResourceName(constants.GPUResourceName)] = resource.MustParse(strconv.Itoa(gpuCount))

	deploymentLabels := d.workloadLabels(nodeName)
	deploymentLabels[constants.LabelChuteDeployment] = "false"

	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:   VerificationDeploymentName(nodeName),
			Labels: deploymentLabels,
		},
		Spec: appsv1.DeploymentSpec{
			Replicas: ptr.To(int32(1)),
			Selector: &metav1.LabelSelector{
				MatchLabels: d.workloadLabels(nodeName),
			},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels: d.workloadLabels(nodeName),
				},
				Spec: corev1.PodSpec{
					NodeName: nodeName,
					Containers: []corev1.Container{
						{
							Name:  "verification",
							Image: d.cfg.Image,
							Resources: corev1.ResourceRequirements{
								Requests: resources,
								Limits:   resources.DeepCopy(),
							},
							Ports: []corev1.ContainerPort{
								{
									ContainerPort: d.cfg.Port,
									Protocol:      corev1.ProtocolTCP,
								},
							},
						},
					},
				},
			},
		},
	}
}

func (d *Deployer) buildService(nodeName string) *corev1.Service {
	return &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:   VerificationServiceName(nodeName),
			Labels: d.workloadLabels(nodeName),
		},
		Spec: corev1.ServiceSpec{
			Type:     corev1.ServiceTypeNodePort,
			Selector: d.workloadLabels(nodeName),
			Ports: []corev1.ServicePort{
				{
					Name:       "verification",
					Protocol:   corev1.ProtocolTCP,
					Port:       d.cfg.Port,
					TargetPort: intstr.FromInt32(d.cfg.Port),
				},
			},
		},
	}
}
