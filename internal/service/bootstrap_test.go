package service

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"
	"k8s.io/utils/ptr"

	"github.com/dcm-project/gpu-node-provisioner/internal/cluster"
	"github.com/dcm-project/gpu-node-provisioner/internal/store"
	"github.com/dcm-project/gpu-node-provisioner/internal/store/model"
)

// drain collects every event of a run, failing the test if the run never ends.
func drain(events <-chan ProgressEvent) []ProgressEvent {
	var collected []ProgressEvent
	timeout := time.After(10 * time.Second)
	for {
		select {
		case event, ok := <-events:
			if !ok {
				return collected
			}
			collected = append(collected, event)
		case <-timeout:
			Fail("provisioning run did not reach a terminal state")
			return collected
		}
	}
}

func stagesOf(events []ProgressEvent) []Stage {
	stages := make([]Stage, 0, len(events))
	for _, event := range events {
		stages = append(stages, event.Stage)
	}
	return stages
}

var _ = Describe("Orchestrator", func() {
	var (
		ctx          context.Context
		node         *corev1.Node
		clientset    *fake.Clientset
		dataStore    store.Store
		deviceCount  int
		args         ServerArgs
		orchestrator *Orchestrator
	)

	BeforeEach(func() {
		ctx = context.Background()
		node = newGPUNode("gpu-node-7", "4", true)
		dataStore = newTestStore()
		deviceCount = 4
		args = ServerArgs{
			Name:        "gpu-node-7",
			Validator:   "v1",
			HourlyCost:  1.25,
			GPUShortRef: "h100",
		}
		clientset = nil
	})

	JustBeforeEach(func() {
		if clientset == nil {
			clientset = newFakeClientset(true, node)
		}
		cfg := testVerificationConfig()
		gateway := cluster.NewClient(clientset, testNamespace, time.Second)
		devices := newDeviceServer(deviceCount)
		deployer := NewDeployer(gateway, dataStore.Server(), cfg)
		waiter := NewWaiter(gateway, staticResolver{url: devices.URL}, cfg)
		orchestrator = NewOrchestrator(gateway, dataStore.Server(), NewLabeler(gateway), deployer, waiter, cfg)
	})

	expectNothingLeft := func() {
		deployments, services := listVerificationObjects(clientset)
		Expect(deployments).To(BeZero())
		Expect(services).To(BeZero())

		servers, err := dataStore.Server().List(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(servers).To(BeEmpty())
	}

	expectFailure := func(events []ProgressEvent, kind ErrorKind) {
		Expect(events).NotTo(BeEmpty())
		last := events[len(events)-1]
		Expect(last.Stage).To(Equal(StageFailed))
		Expect(last.Terminal()).To(BeTrue())
		Expect(last.Error).NotTo(BeNil())
		Expect(last.Error.Kind).To(Equal(kind))
		Expect(last.Error.Message).NotTo(BeEmpty())
	}

	It("should walk a ready node through every stage", func() {
		events := drain(orchestrator.Provision(ctx, "gpu-node-7", args))

		Expect(stagesOf(events)).To(Equal([]Stage{
			StageValidating,
			StageLabeling,
			StageDeploying,
			StageAwaitingReadiness,
			StageRecording,
			StageComplete,
		}))
		for _, event := range events {
			Expect(event.Detail).NotTo(BeEmpty())
		}

		server, err := dataStore.Server().Get(ctx, "uid-gpu-node-7")
		Expect(err).NotTo(HaveOccurred())
		Expect(server.Name).To(Equal("gpu-node-7"))
		Expect(server.Validator).To(Equal("v1"))
		Expect(server.HourlyCost).To(Equal(1.25))
		Expect(server.GPUCount).To(Equal(4))
		Expect(server.GPUs).To(HaveLen(4))
		Expect(server.VerificationPort).To(Equal(ptr.To(testNodePort)))
		Expect(server.IPAddress).To(Equal(ptr.To("203.0.113.7")))
		Expect(server.Status).To(Equal(model.ServerStatusReady))
		for _, gpu := range server.GPUs {
			Expect(gpu.ModelShortRef).To(Equal("h100"))
			Expect(gpu.Name).To(Equal("NVIDIA H100 80GB HBM3"))
			Expect(gpu.Verified).To(BeFalse())
		}

		complete := events[len(events)-1]
		Expect(complete.Server).NotTo(BeNil())
		Expect(complete.Server.GPUs).To(HaveLen(4))

		labeled, err := clientset.CoreV1().Nodes().Get(ctx, "gpu-node-7", metav1.GetOptions{})
		Expect(err).NotTo(HaveOccurred())
		Expect(labeled.Labels).To(HaveKeyWithValue("gpu-short-ref", "h100"))
		Expect(labeled.Labels).To(HaveKeyWithValue("validator", "v1"))
		Expect(labeled.Labels).To(HaveKeyWithValue("chutes/worker", "true"))
	})

	It("should finish the run when the caller goes away", func() {
		callerCtx, cancel := context.WithCancel(ctx)
		_ = orchestrator.Provision(callerCtx, "gpu-node-7", args)
		cancel()

		Eventually(func() (int, error) {
			server, err := dataStore.Server().Get(ctx, "uid-gpu-node-7")
			if err != nil {
				return 0, err
			}
			return len(server.GPUs), nil
		}).WithTimeout(5 * time.Second).Should(Equal(4))
	})

	Context("when the node already runs a verification workload", func() {
		BeforeEach(func() {
			existing := &appsv1.Deployment{
				ObjectMeta: metav1.ObjectMeta{
					Name:      "verification-gpu-node-7",
					Namespace: testNamespace,
					Labels:    map[string]string{"app": "verification"},
				},
				Spec: appsv1.DeploymentSpec{
					Template: corev1.PodTemplateSpec{Spec: corev1.PodSpec{NodeName: "gpu-node-7"}},
				},
			}
			clientset = newFakeClientset(true, node, existing)
		})

		It("should fail without creating objects or rows", func() {
			events := drain(orchestrator.Provision(ctx, "gpu-node-7", args))

			expectFailure(events, KindNodeAlreadyProvisioned)
			Expect(stagesOf(events)).To(Equal([]Stage{StageValidating, StageLabeling, StageDeploying, StageFailed}))
			Expect(countActions(clientset, "create", "services")).To(BeZero())
			Expect(countActions(clientset, "create", "deployments")).To(BeZero())

			servers, err := dataStore.Server().List(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(servers).To(BeEmpty())
		})
	})

	DescribeTable("invalid gpu counts",
		func(value string) {
			node.Labels["gpu-count"] = value
			clientset = newFakeClientset(true, node)
			cfg := testVerificationConfig()
			gateway := cluster.NewClient(clientset, testNamespace, time.Second)
			run := NewOrchestrator(gateway, dataStore.Server(), NewLabeler(gateway),
				NewDeployer(gateway, dataStore.Server(), cfg), NewWaiter(gateway, staticResolver{}, cfg), cfg)

			events := drain(run.Provision(ctx, "gpu-node-7", args))

			expectFailure(events, KindInvalidGPUCount)
			Expect(countActions(clientset, "create", "services")).To(BeZero())
			Expect(countActions(clientset, "create", "deployments")).To(BeZero())
			expectNothingLeft()
		},
		Entry("zero", "0"),
		Entry("too many", "9"),
		Entry("not a number", "eight"),
		Entry("empty", ""),
	)

	Describe("Shutdown", func() {
		It("should wait for running provisioning to finish", func() {
			events := orchestrator.Provision(ctx, "gpu-node-7", args)

			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			Expect(orchestrator.Shutdown(shutdownCtx)).To(Succeed())

			collected := drain(events)
			Expect(collected[len(collected)-1].Stage).To(Equal(StageComplete))
		})

		It("should refuse new runs once it has started", func() {
			Expect(orchestrator.Shutdown(ctx)).To(Succeed())

			events := drain(orchestrator.Provision(ctx, "gpu-node-7", args))
			Expect(stagesOf(events)).To(Equal([]Stage{StageFailed}))
			Expect(events[0].Error.Kind).To(Equal(KindInternal))
			Expect(countActions(clientset, "patch", "nodes")).To(BeZero())
		})

		Context("when a run outlives the drain timeout", func() {
			BeforeEach(func() {
				clientset = newFakeClientset(false, node)
			})

			It("should abort the run and roll it back", func() {
				cfg := testVerificationConfig()
				cfg.ReadinessTimeout = time.Minute
				gateway := cluster.NewClient(clientset, testNamespace, time.Second)
				slow := NewOrchestrator(gateway, dataStore.Server(), NewLabeler(gateway),
					NewDeployer(gateway, dataStore.Server(), cfg), NewWaiter(gateway, staticResolver{}, cfg), cfg)

				events := slow.Provision(ctx, "gpu-node-7", args)
				Eventually(events).Should(Receive(HaveField("Stage", StageAwaitingReadiness)))

				shutdownCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
				defer cancel()
				Expect(slow.Shutdown(shutdownCtx)).To(MatchError(context.DeadlineExceeded))

				collected := drain(events)
				Expect(collected).To(HaveLen(1))
				last := collected[0]
				Expect(last.Stage).To(Equal(StageFailed))
				Expect(last.Error).NotTo(BeNil())
				Expect(last.Error.Kind).To(BeElementOf(KindInternal, KindClusterAPIError))
				expectNothingLeft()
			})
		})
	})

	Context("when the device report disagrees with the label", func() {
		BeforeEach(func() {
			deviceCount = 3
		})

		It("should fail and remove everything it created", func() {
			events := drain(orchestrator.Provision(ctx, "gpu-node-7", args))

			expectFailure(events, KindGPUCountMismatch)
			Expect(stagesOf(events)).To(Equal([]Stage{
				StageValidating, StageLabeling, StageDeploying, StageAwaitingReadiness, StageFailed,
			}))
			expectNothingLeft()
		})
	})

	Context("when the workload never becomes ready", func() {
		BeforeEach(func() {
			clientset = newFakeClientset(false, node)
		})

		It("should time out and clean up", func() {
			events := drain(orchestrator.Provision(ctx, "gpu-node-7", args))

			expectFailure(events, KindProvisioningTimeout)
			expectNothingLeft()
		})
	})

	Context("when the node is not ready", func() {
		BeforeEach(func() {
			node = newGPUNode("gpu-node-7", "4", false)
		})

		It("should fail during validation", func() {
			events := drain(orchestrator.Provision(ctx, "gpu-node-7", args))

			expectFailure(events, KindNodeNotReady)
			Expect(stagesOf(events)).To(Equal([]Stage{StageValidating, StageFailed}))
			Expect(countActions(clientset, "patch", "nodes")).To(BeZero())
			expectNothingLeft()
		})
	})

	It("should fail for an unknown node", func() {
		args.Name = "gpu-node-404"
		events := drain(orchestrator.Provision(ctx, "gpu-node-404", args))

		expectFailure(events, KindNotFound)
	})

	Context("when the node is already registered", func() {
		BeforeEach(func() {
			_, err := dataStore.Server().Create(ctx, model.Server{
				ServerID:  "uid-gpu-node-7",
				Name:      "gpu-node-7",
				Validator: "v0",
				Labels:    map[string]string{},
			})
			Expect(err).NotTo(HaveOccurred())
		})

		It("should report a conflict and leave the existing row alone", func() {
			events := drain(orchestrator.Provision(ctx, "gpu-node-7", args))

			expectFailure(events, KindConflict)
			server, err := dataStore.Server().Get(ctx, "uid-gpu-node-7")
			Expect(err).NotTo(HaveOccurred())
			Expect(server.Validator).To(Equal("v0"))
		})

		It("should be caught by Precheck", func() {
			_, err := orchestrator.Precheck(ctx, "gpu-node-7", args)
			Expect(err).To(MatchError(ErrConflict))
		})
	})

	Describe("Precheck", func() {
		It("should accept a fresh node", func() {
			checked, err := orchestrator.Precheck(ctx, "gpu-node-7", args)
			Expect(err).NotTo(HaveOccurred())
			Expect(checked.UID).To(Equal(node.UID))
		})

		It("should report unknown nodes", func() {
			args.Name = "gpu-node-404"
			_, err := orchestrator.Precheck(ctx, "gpu-node-404", args)
			Expect(err).To(MatchError(ErrNotFound))
		})

		It("should require the server name to match the node", func() {
			args.Name = "other"
			_, err := orchestrator.Precheck(ctx, "gpu-node-7", args)
			Expect(err).To(MatchError(ErrInvalidArgs))
		})
	})

	DescribeTable("ServerArgs.Validate",
		func(mutate func(*ServerArgs), valid bool) {
			candidate := ServerArgs{Name: "n", Validator: "v", HourlyCost: 0.5, GPUShortRef: "a100"}
			mutate(&candidate)
			if valid {
				Expect(candidate.Validate()).To(Succeed())
			} else {
				Expect(candidate.Validate()).To(MatchError(ErrInvalidArgs))
			}
		},
		Entry("valid", func(a *ServerArgs) {}, true),
		Entry("free node", func(a *ServerArgs) { a.HourlyCost = 0 }, true),
		Entry("missing name", func(a *ServerArgs) { a.Name = "" }, false),
		Entry("missing validator", func(a *ServerArgs) { a.Validator = "" }, false),
		Entry("negative cost", func(a *ServerArgs) { a.HourlyCost = -1 }, false),
		Entry("unknown gpu", func(a *ServerArgs) { a.GPUShortRef = "v100" }, false),
	)
})
