package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	appsv1 "k8s.io/api/apps/v1"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/dcm-project/gpu-node-provisioner/internal/cluster"
	"github.com/dcm-project/gpu-node-provisioner/internal/config"
)

const devicesPath = "/devices"

// Device is one GPU as reported by the verification workload. Raw keeps every
// reported field, including the ones not mapped here.
type Device struct {
	UUID       string         `json:"uuid"`
	Name       string         `json:"name"`
	Memory     int64          `json:"memory"`
	Major      int            `json:"major"`
	Minor      int            `json:"minor"`
	Processors int            `json:"processors"`
	ClockRate  float64        `json:"clock_rate"`
	Raw        map[string]any `json:"-"`
}

func (d *Device) UnmarshalJSON(data []byte) error {
	type plain Device
	var device plain
	if err := json.Unmarshal(data, &device); err != nil {
		return err
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*d = Device(device)
	d.Raw = raw
	return nil
}

// DeviceReport is the payload of GET /devices
type DeviceReport struct {
	GPUs []Device `json:"gpus"`
}

// EndpointResolver tells the waiter where a verification workload can be reached
type EndpointResolver interface {
	BaseURL(workload *VerificationWorkload) (string, error)
}

// ServiceDNSResolver reaches the workload through its in-cluster service name
type ServiceDNSResolver struct {
	Namespace     string
	ClusterDomain string
	Port          int32
}

func (r ServiceDNSResolver) BaseURL(workload *VerificationWorkload) (string, error) {
	return fmt.Sprintf("http://%s.%s.svc.%s:%d",
		VerificationServiceName(workload.NodeName), r.Namespace, r.ClusterDomain, r.Port), nil
}

// NodePortResolver reaches the workload through the node's public address and node port
type NodePortResolver struct{}

func (NodePortResolver) BaseURL(workload *VerificationWorkload) (string, error) {
	if workload.NodeAddress == "" {
		return "", fmt.Errorf("node %s has no public address", workload.NodeName)
	}
	return fmt.Sprintf("http://%s:%d", workload.NodeAddress, workload.Port), nil
}

// NewEndpointResolver picks the resolver matching the verification configuration
func NewEndpointResolver(cfg *config.VerificationConfig, namespace string) EndpointResolver {
	if cfg.ExternalAccess {
		return NodePortResolver{}
	}
	return ServiceDNSResolver{
		Namespace:     namespace,
		ClusterDomain: cfg.ClusterDomain,
		Port:          cfg.Port,
	}
}

// Waiter blocks until a verification workload is rolled out, then collects its devices
type Waiter struct {
	gateway  cluster.Gateway
	resolver EndpointResolver
	client   *resty.Client
	cfg      *config.VerificationConfig
}

func NewWaiter(gateway cluster.Gateway, resolver EndpointResolver, cfg *config.VerificationConfig) *Waiter {
	return &Waiter{
		gateway:  gateway,
		resolver: resolver,
		cfg:      cfg,
		client: resty.New().
			SetTimeout(cfg.DeviceInfoTimeout).
			SetHeader("Accept", "application/json"),
	}
}

// RolloutComplete follows `kubectl rollout status` semantics for a deployment.
func RolloutComplete(deployment *appsv1.Deployment) (bool, error) {
	if deployment.Generation > deployment.Status.ObservedGeneration {
		return false, nil
	}
	for _, condition := range deployment.Status.Conditions {
		if condition.Type == appsv1.DeploymentProgressing && condition.Reason == "ProgressDeadlineExceeded" {
			return false, fmt.Errorf("%w: deployment %s exceeded its progress deadline", ErrDeploymentFailure, deployment.Name)
		}
	}

	replicas := int32(1)
	if deployment.Spec.Replicas != nil {
		replicas = *deployment.Spec.Replicas
	}
	status := deployment.Status
	if status.UpdatedReplicas < replicas {
		return false, nil
	}
	if status.Replicas > status.UpdatedReplicas {
		return false, nil
	}
	if status.AvailableReplicas < status.UpdatedReplicas {
		return false, nil
	}
	return true, nil
}

// Wait polls the workload's deployment until it is rolled out or the readiness timeout
// passes, then queries the device endpoint and checks the number of reported GPUs.
func (w *Waiter) Wait(ctx context.Context, workload *VerificationWorkload) ([]Device, error) {
	logger := zap.S().Named("waiter:wait")
	deploymentName := VerificationDeploymentName(workload.NodeName)

	logger.Infow("Waiting for verification workload", "node", workload.NodeName, "timeout", w.cfg.ReadinessTimeout)
	pollCtx, cancel := context.WithTimeout(ctx, w.cfg.ReadinessTimeout)
	defer cancel()
	err := wait.PollUntilContextCancel(pollCtx, w.cfg.PollInterval, true, func(ctx context.Context) (bool, error) {
		deployment, err := w.gateway.GetDeployment(ctx, deploymentName)
		if err != nil {
			return false, err
		}
		return RolloutComplete(deployment)
	})
	if err != nil {
		// a single cluster call hitting its own timeout is reported as is
		if ctx.Err() == nil && errors.Is(pollCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: verification workload on %s not ready after %s",
				ErrProvisioningTimeout, workload.NodeName, w.cfg.ReadinessTimeout)
		}
		if cluster.IsAPIError(err) || errors.Is(err, ErrDeploymentFailure) {
			return nil, err
		}
		return nil, fmt.Errorf("readiness wait for %s aborted: %w", workload.NodeName, err)
	}

	devices, err := w.fetchDevices(ctx, workload)
	if err != nil {
		return nil, err
	}
	if len(devices) != workload.GPUCount {
		return nil, fmt.Errorf("%w: node %s reports %d gpus, gpu-count label is %d",
			ErrGPUCountMismatch, workload.NodeName, len(devices), workload.GPUCount)
	}

	logger.Infow("Verification workload ready", "node", workload.NodeName, "gpus", len(devices))
	return devices, nil
}

func (w *Waiter) fetchDevices(ctx context.Context, workload *VerificationWorkload) ([]Device, error) {
	baseURL, err := w.resolver.BaseURL(workload)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDeviceInfoUnavailable, err)
	}
	url := baseURL + devicesPath

	resp, err := w.client.R().SetContext(ctx).Get(url)
	if err != nil {
		return nil, fmt.Errorf("%w: request to %s failed: %w", ErrDeviceInfoUnavailable, url, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("%w: %s returned %s", ErrDeviceInfoUnavailable, url, resp.Status())
	}

	var report DeviceReport
	if err := json.Unmarshal(resp.Body(), &report); err != nil {
		return nil, fmt.Errorf("%w: invalid payload from %s: %w", ErrDeviceInfoUnavailable, url, err)
	}
	return report.GPUs, nil
}
