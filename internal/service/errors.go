package service

import (
	"errors"

	"github.com/dcm-project/gpu-node-provisioner/internal/cluster"
	"github.com/dcm-project/gpu-node-provisioner/internal/store"
)

var (
	ErrNotFound               = errors.New("not found")
	ErrConflict               = errors.New("conflict")
	ErrInvalidArgs            = errors.New("invalid server arguments")
	ErrNodeNotReady           = errors.New("node not ready")
	ErrInvalidGPUCount        = errors.New("invalid gpu count")
	ErrNodeAlreadyProvisioned = errors.New("node already provisioned")
	ErrProvisioningTimeout    = errors.New("provisioning timeout")
	ErrGPUCountMismatch       = errors.New("gpu count mismatch")
	ErrDeviceInfoUnavailable  = errors.New("device info unavailable")
	ErrDeploymentFailure      = errors.New("deployment failure")
	ErrShuttingDown           = errors.New("provisioner is shutting down")
)

// ErrorKind names the failure category carried by a Failed progress event.
type ErrorKind string

const (
	KindNotFound               ErrorKind = "NotFound"
	KindDuplicateServer        ErrorKind = "DuplicateServer"
	KindConflict               ErrorKind = "Conflict"
	KindInvalidArgs            ErrorKind = "InvalidArgs"
	KindNodeNotReady           ErrorKind = "NodeNotReady"
	KindInvalidGPUCount        ErrorKind = "InvalidGpuCount"
	KindNodeAlreadyProvisioned ErrorKind = "NodeAlreadyProvisioned"
	KindProvisioningTimeout    ErrorKind = "ProvisioningTimeout"
	KindGPUCountMismatch       ErrorKind = "GpuCountMismatch"
	KindDeviceInfoUnavailable  ErrorKind = "DeviceInfoUnavailable"
	KindDeploymentFailure      ErrorKind = "DeploymentFailure"
	KindClusterAPIError        ErrorKind = "ClusterApiError"
	KindInternal               ErrorKind = "InternalError"
)

// KindOf classifies err. Specific kinds win over the wrappers around them, so a
// DeploymentFailure caused by a cluster error still reports DeploymentFailure.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, store.ErrDuplicateServer):
		return KindDuplicateServer
	case errors.Is(err, ErrConflict):
		return KindConflict
	case errors.Is(err, ErrNotFound), errors.Is(err, store.ErrServerNotFound):
		return KindNotFound
	case errors.Is(err, ErrInvalidArgs):
		return KindInvalidArgs
	case errors.Is(err, ErrNodeNotReady):
		return KindNodeNotReady
	case errors.Is(err, ErrInvalidGPUCount):
		return KindInvalidGPUCount
	case errors.Is(err, ErrNodeAlreadyProvisioned):
		return KindNodeAlreadyProvisioned
	case errors.Is(err, ErrProvisioningTimeout):
		return KindProvisioningTimeout
	case errors.Is(err, ErrGPUCountMismatch):
		return KindGPUCountMismatch
	case errors.Is(err, ErrDeviceInfoUnavailable):
		return KindDeviceInfoUnavailable
	case errors.Is(err, ErrDeploymentFailure):
		return KindDeploymentFailure
	case cluster.IsAPIError(err):
		return KindClusterAPIError
	default:
		return KindInternal
	}
}
