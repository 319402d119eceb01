package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/utils/ptr"

	"github.com/dcm-project/gpu-node-provisioner/internal/cluster"
	"github.com/dcm-project/gpu-node-provisioner/internal/config"
	"github.com/dcm-project/gpu-node-provisioner/internal/constants"
	"github.com/dcm-project/gpu-node-provisioner/internal/metrics"
	"github.com/dcm-project/gpu-node-provisioner/internal/store"
	"github.com/dcm-project/gpu-node-provisioner/internal/store/model"
)

// Stage is a step of a provisioning run
type Stage string

const (
	StageValidating        Stage = "Validating"
	StageLabeling          Stage = "Labeling"
	StageDeploying         Stage = "Deploying"
	StageAwaitingReadiness Stage = "AwaitingReadiness"
	StageRecording         Stage = "Recording"
	StageComplete          Stage = "Complete"
	StageFailed            Stage = "Failed"
)

// one event per stage plus the terminal one
const progressBufferSize = 8

// ServerArgs is what an operator supplies when adding a node
type ServerArgs struct {
	Name        string  `json:"name"`
	Validator   string  `json:"validator"`
	HourlyCost  float64 `json:"hourly_cost"`
	GPUShortRef string  `json:"gpu_short_ref"`
}

func (a ServerArgs) Validate() error {
	switch {
	case a.Name == "":
		return fmt.Errorf("%w: name is required", ErrInvalidArgs)
	case a.Validator == "":
		return fmt.Errorf("%w: validator is required", ErrInvalidArgs)
	case a.HourlyCost < 0:
		return fmt.Errorf("%w: hourly_cost must not be negative", ErrInvalidArgs)
	case !constants.IsKnownGPUShortRef(a.GPUShortRef):
		return fmt.Errorf("%w: unknown gpu_short_ref %q", ErrInvalidArgs, a.GPUShortRef)
	}
	return nil
}

// ProgressError describes why a run failed
type ProgressError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// ProgressEvent is emitted on every stage transition of a provisioning run
type ProgressEvent struct {
	Stage     Stage          `json:"stage"`
	Detail    string         `json:"detail"`
	Timestamp time.Time      `json:"timestamp"`
	Error     *ProgressError `json:"error,omitempty"`
	Server    *model.Server  `json:"server,omitempty"`
}

func (e ProgressEvent) Terminal() bool {
	return e.Stage == StageComplete || e.Stage == StageFailed
}

// Orchestrator drives a node through validation, labeling, verification and recording.
type Orchestrator struct {
	gateway  cluster.Gateway
	servers  store.ServerInventory
	labeler  *Labeler
	deployer *Deployer
	waiter   *Waiter
	cfg      *config.VerificationConfig

	mu       sync.Mutex
	draining bool
	runs     sync.WaitGroup
	aborted  context.Context
	abort    context.CancelFunc
}

func NewOrchestrator(gateway cluster.Gateway, servers store.ServerInventory, labeler *Labeler, deployer *Deployer, waiter *Waiter, cfg *config.VerificationConfig) *Orchestrator {
	aborted, abort := context.WithCancel(context.Background())
	return &Orchestrator{
		gateway:  gateway,
		servers:  servers,
		labeler:  labeler,
		deployer: deployer,
		waiter:   waiter,
		cfg:      cfg,
		aborted:  aborted,
		abort:    abort,
	}
}

// Precheck validates args and makes sure the node exists and is not registered yet.
func (o *Orchestrator) Precheck(ctx context.Context, nodeName string, args ServerArgs) (*corev1.Node, error) {
	if err := args.Validate(); err != nil {
		return nil, err
	}
	if args.Name != nodeName {
		return nil, fmt.Errorf("%w: server name %q must match node name %q", ErrInvalidArgs, args.Name, nodeName)
	}

	node, err := o.gateway.ReadNode(ctx, nodeName)
	if err != nil {
		if cluster.IsNotFoundError(err) {
			return nil, fmt.Errorf("%w: node %s", ErrNotFound, nodeName)
		}
		return nil, err
	}

	exists, err := o.servers.Exists(ctx, string(node.UID), nodeName)
	if err != nil {
		return nil, fmt.Errorf("failed to check inventory for node %s: %w", nodeName, err)
	}
	if exists {
		return nil, fmt.Errorf("%w: server %s (%s) is already registered", ErrConflict, nodeName, node.UID)
	}
	return node, nil
}

// Provision starts a provisioning run and returns its progress. The channel yields one
// event per stage and is closed after the terminal Complete or Failed event. The run is
// detached from ctx cancellation and always reaches a terminal state, even when nobody
// reads the channel.
func (o *Orchestrator) Provision(ctx context.Context, nodeName string, args ServerArgs) <-chan ProgressEvent {
	events := make(chan ProgressEvent, progressBufferSize)

	o.mu.Lock()
	if o.draining {
		o.mu.Unlock()
		metrics.RunFinished("failed", string(KindInternal))
		events <- ProgressEvent{
			Stage:     StageFailed,
			Detail:    fmt.Sprintf("provisioning of %s was not started", nodeName),
			Timestamp: time.Now(),
			Error:     &ProgressError{Kind: KindOf(ErrShuttingDown), Message: ErrShuttingDown.Error()},
		}
		close(events)
		return events
	}
	o.runs.Add(1)
	o.mu.Unlock()

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(o.aborted, cancel)
	go func() {
		defer o.runs.Done()
		defer cancel()
		defer stop()
		o.run(runCtx, nodeName, args, events)
	}()
	return events
}

// Shutdown refuses new runs and waits for the running ones to finish. When ctx ends
// first, the remaining runs are aborted, and Shutdown returns ctx's error once their
// rollback is done.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	logger := zap.S().Named("bootstrap:shutdown")

	o.mu.Lock()
	o.draining = true
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.runs.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
	}

	logger.Warnw("Aborting provisioning runs still in progress", "error", ctx.Err())
	o.abort()
	<-done
	return ctx.Err()
}

// provisioningRun holds the state rolled back when a run fails
type provisioningRun struct {
	nodeName      string
	serverID      string
	serverCreated bool
	deployed      bool
	stage         Stage
	stageStarted  time.Time
	events        chan<- ProgressEvent
}

func (r *provisioningRun) enter(stage Stage, detail string) {
	if r.stage != "" {
		metrics.ObserveStage(string(r.stage), r.stageStarted)
	}
	r.stage = stage
	r.stageStarted = time.Now()
	r.events <- ProgressEvent{Stage: stage, Detail: detail, Timestamp: r.stageStarted}
}

func (o *Orchestrator) run(ctx context.Context, nodeName string, args ServerArgs, events chan<- ProgressEvent) {
	defer close(events)
	logger := zap.S().Named("bootstrap:run")
	run := &provisioningRun{nodeName: nodeName, events: events}

	run.enter(StageValidating, fmt.Sprintf("validating node %s", nodeName))
	node, err := o.validate(ctx, nodeName, args)
	if err != nil {
		o.fail(ctx, run, err)
		return
	}
	run.serverID = string(node.UID)

	run.enter(StageLabeling, fmt.Sprintf("applying labels to node %s", nodeName))
	node, err = o.labeler.Reconcile(ctx, node, desiredLabels(args))
	if err != nil {
		o.fail(ctx, run, err)
		return
	}
	if _, err := o.servers.Create(ctx, o.newServer(node, args)); err != nil {
		o.fail(ctx, run, err)
		return
	}
	run.serverCreated = true

	run.enter(StageDeploying, fmt.Sprintf("deploying verification workload to %s", nodeName))
	workload, err := o.deployer.Deploy(ctx, node)
	if err != nil {
		o.fail(ctx, run, err)
		return
	}
	run.deployed = true

	run.enter(StageAwaitingReadiness, fmt.Sprintf("waiting for verification workload on %s, service port %d", nodeName, workload.Port))
	devices, err := o.waiter.Wait(ctx, workload)
	if err != nil {
		o.fail(ctx, run, err)
		return
	}

	run.enter(StageRecording, fmt.Sprintf("recording %d gpus for %s", len(devices), nodeName))
	server, err := o.servers.RecordGPUs(ctx, run.serverID, gpuRecords(devices, args.GPUShortRef))
	if err != nil {
		o.fail(ctx, run, err)
		return
	}

	metrics.ObserveStage(string(run.stage), run.stageStarted)
	metrics.RunFinished("complete", "")
	logger.Infow("Node provisioned", "node", nodeName, "serverId", run.serverID, "gpus", server.GPUCount)
	events <- ProgressEvent{
		Stage:     StageComplete,
		Detail:    fmt.Sprintf("node %s provisioned with %d gpus", nodeName, server.GPUCount),
		Timestamp: time.Now(),
		Server:    server,
	}
}

func (o *Orchestrator) validate(ctx context.Context, nodeName string, args ServerArgs) (*corev1.Node, error) {
	node, err := o.Precheck(ctx, nodeName, args)
	if err != nil {
		return nil, err
	}
	if status := cluster.ExtractNodeStatus(node); status != cluster.NodeStatusReady {
		return nil, fmt.Errorf("%w: node %s is %s", ErrNodeNotReady, nodeName, status)
	}
	return node, nil
}

// fail rolls back whatever the run created and emits the terminal Failed event.
func (o *Orchestrator) fail(ctx context.Context, run *provisioningRun, cause error) {
	logger := zap.S().Named("bootstrap:fail")
	kind := KindOf(cause)
	logger.Errorw("Provisioning failed", "node", run.nodeName, "stage", run.stage, "kind", kind, "error", cause)

	// rollback still runs for aborted runs
	ctx = context.WithoutCancel(ctx)
	if run.deployed {
		o.deployer.Teardown(ctx, run.nodeName)
	}
	if run.serverCreated {
		if err := o.servers.Delete(ctx, run.serverID); err != nil && !errors.Is(err, store.ErrServerNotFound) {
			logger.Warnw("Failed to remove server row", "node", run.nodeName, "serverId", run.serverID, "error", err)
		}
	}

	metrics.ObserveStage(string(run.stage), run.stageStarted)
	metrics.RunFinished("failed", string(kind))
	run.events <- ProgressEvent{
		Stage:     StageFailed,
		Detail:    fmt.Sprintf("provisioning of %s failed during %s", run.nodeName, run.stage),
		Timestamp: time.Now(),
		Error: &ProgressError{
			Kind:    kind,
			Message: cause.Error(),
		},
	}
}

func desiredLabels(args ServerArgs) map[string]string {
	return map[string]string{
		constants.LabelGPUShortRef: args.GPUShortRef,
		constants.LabelValidator:   args.Validator,
		constants.LabelWorker:      "true",
	}
}

func (o *Orchestrator) newServer(node *corev1.Node, args ServerArgs) model.Server {
	server := model.Server{
		ServerID:     string(node.UID),
		Name:         node.Name,
		Validator:    args.Validator,
		Status:       model.ServerStatus(cluster.ExtractNodeStatus(node)),
		Labels:       node.GetLabels(),
		HourlyCost:   args.HourlyCost,
		CPUPerGPU:    o.cfg.CPUPerGPU,
		MemoryPerGPU: o.cfg.MemoryPerGPU,
	}
	if server.Labels == nil {
		server.Labels = map[string]string{}
	}
	if ip := cluster.PublicIPAddress(node); ip != "" {
		server.IPAddress = ptr.To(ip)
	}
	if count, err := ParseGPUCount(node.GetLabels()); err == nil {
		server.GPUCount = count
	}
	return server
}

func gpuRecords(devices []Device, shortRef string) []model.GPU {
	gpus := make([]model.GPU, 0, len(devices))
	for _, device := range devices {
		id := device.UUID
		if id == "" {
			id = uuid.New().String()
		}
		gpus = append(gpus, model.GPU{
			GPUID:         id,
			ModelShortRef: shortRef,
			Name:          device.Name,
			Memory:        device.Memory,
			Major:         device.Major,
			Minor:         device.Minor,
			Processors:    device.Processors,
			ClockRate:     device.ClockRate,
			DeviceInfo:    device.Raw,
		})
	}
	return gpus
}
