package service

import (
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/dcm-project/gpu-node-provisioner/internal/cluster"
	"github.com/dcm-project/gpu-node-provisioner/internal/store"
	"github.com/dcm-project/gpu-node-provisioner/internal/store/model"
)

var _ = Describe("InventoryService", func() {
	var (
		ctx       context.Context
		node      *corev1.Node
		clientset *fake.Clientset
		dataStore store.Store
		notifier  *recordingNotifier
		inventory *InventoryService
	)

	BeforeEach(func() {
		ctx = context.Background()
		node = newGPUNode("gpu-node-7", "2", true)
		clientset = newFakeClientset(true, node)
		dataStore = newTestStore()
		notifier = &recordingNotifier{}

		cfg := testVerificationConfig()
		gateway := cluster.NewClient(clientset, testNamespace, time.Second)
		deployer := NewDeployer(gateway, dataStore.Server(), cfg)
		inventory = NewInventoryService(dataStore.Server(), deployer, notifier)

		_, err := dataStore.Server().Create(ctx, model.Server{
			ServerID:  string(node.UID),
			Name:      node.Name,
			Validator: "v1",
			Status:    model.ServerStatusReady,
			Labels:    node.Labels,
		})
		Expect(err).NotTo(HaveOccurred())
		_, err = dataStore.Server().RecordGPUs(ctx, string(node.UID), []model.GPU{
			{GPUID: "GPU-1", ModelShortRef: "a100"},
			{GPUID: "GPU-2", ModelShortRef: "a100"},
		})
		Expect(err).NotTo(HaveOccurred())
		_, err = deployer.Deploy(ctx, node)
		Expect(err).NotTo(HaveOccurred())
	})

	It("should list every server with its gpus", func() {
		servers, err := inventory.ListServers(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(servers).To(HaveLen(1))
		Expect(servers[0].GPUs).To(HaveLen(2))
	})

	DescribeTable("Deprovision",
		func(key string) {
			server, err := inventory.Deprovision(ctx, key, TriggerAPI)
			Expect(err).NotTo(HaveOccurred())
			Expect(server.ServerID).To(Equal("uid-gpu-node-7"))

			_, err = dataStore.Server().Get(ctx, "uid-gpu-node-7")
			Expect(err).To(MatchError(store.ErrServerNotFound))

			deployments, services := listVerificationObjects(clientset)
			Expect(deployments).To(BeZero())
			Expect(services).To(BeZero())

			Expect(notifier.events).To(HaveLen(1))
			Expect(notifier.events[0].ServerID).To(Equal("uid-gpu-node-7"))
			Expect(notifier.events[0].Name).To(Equal("gpu-node-7"))
		},
		Entry("by name", "gpu-node-7"),
		Entry("by id", "uid-gpu-node-7"),
	)

	It("should report unknown servers", func() {
		_, err := inventory.Deprovision(ctx, "gpu-node-404", TriggerAPI)
		Expect(err).To(MatchError(ErrNotFound))
		Expect(KindOf(err)).To(Equal(KindNotFound))
		Expect(notifier.events).To(BeEmpty())
	})

	It("should succeed even when the notification fails", func() {
		notifier.err = errors.New("bus unavailable")

		_, err := inventory.Deprovision(ctx, "gpu-node-7", TriggerNodeRemoved)
		Expect(err).NotTo(HaveOccurred())
		Expect(notifier.events).To(HaveLen(1))
	})

	Describe("SyncNodeStatus", func() {
		It("should copy the node readiness to the server", func() {
			Expect(inventory.SyncNodeStatus(ctx, newGPUNode("gpu-node-7", "2", false))).To(Succeed())

			server, err := dataStore.Server().Get(ctx, "uid-gpu-node-7")
			Expect(err).NotTo(HaveOccurred())
			Expect(server.Status).To(Equal(model.ServerStatusNotReady))
		})

		It("should ignore nodes that are not tracked", func() {
			Expect(inventory.SyncNodeStatus(ctx, newGPUNode("gpu-node-8", "2", true))).To(Succeed())
		})
	})
})
