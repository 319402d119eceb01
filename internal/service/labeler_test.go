package service

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/dcm-project/gpu-node-provisioner/internal/cluster"
)

var _ = Describe("Labeler", func() {
	DescribeTable("LabelDiff",
		func(current, desired, expected map[string]string) {
			Expect(LabelDiff(current, desired)).To(Equal(expected))
		},
		Entry("nothing desired", map[string]string{"a": "1"}, map[string]string{}, map[string]string{}),
		Entry("all present", map[string]string{"a": "1", "b": "2"}, map[string]string{"a": "1"}, map[string]string{}),
		Entry("missing key", map[string]string{"a": "1"}, map[string]string{"b": "2"}, map[string]string{"b": "2"}),
		Entry("changed value", map[string]string{"a": "1"}, map[string]string{"a": "2"}, map[string]string{"a": "2"}),
		Entry("nil current", nil, map[string]string{"a": "1"}, map[string]string{"a": "1"}),
	)

	Describe("Reconcile", func() {
		var (
			ctx       context.Context
			clientset *fake.Clientset
			labeler   *Labeler
			desired   map[string]string
		)

		BeforeEach(func() {
			ctx = context.Background()
			clientset = fake.NewSimpleClientset(newGPUNode("gpu-node-1", "2", true))
			labeler = NewLabeler(cluster.NewClient(clientset, testNamespace, time.Second))
			desired = map[string]string{
				"gpu-short-ref": "h100",
				"validator":     "v1",
				"chutes/worker": "true",
			}
		})

		It("should patch only the differing labels", func() {
			node, err := labeler.Reconcile(ctx, newGPUNode("gpu-node-1", "2", true), desired)
			Expect(err).NotTo(HaveOccurred())
			Expect(node.Labels).To(HaveKeyWithValue("validator", "v1"))
			Expect(node.Labels).To(HaveKeyWithValue("gpu-count", "2"))
			Expect(countActions(clientset, "patch", "nodes")).To(Equal(1))
		})

		It("should not contact the cluster the second time", func() {
			node, err := labeler.Reconcile(ctx, newGPUNode("gpu-node-1", "2", true), desired)
			Expect(err).NotTo(HaveOccurred())
			clientset.ClearActions()

			again, err := labeler.Reconcile(ctx, node, desired)
			Expect(err).NotTo(HaveOccurred())
			Expect(again).To(BeIdenticalTo(node))
			Expect(clientset.Actions()).To(BeEmpty())
		})

		It("should fail for a node the cluster does not know", func() {
			_, err := labeler.Reconcile(ctx, newGPUNode("gpu-node-9", "2", true), desired)
			Expect(err).To(HaveOccurred())
			Expect(cluster.IsNotFoundError(err)).To(BeTrue())
		})
	})
})
