package service

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"

	"github.com/dcm-project/gpu-node-provisioner/internal/config"
	"github.com/dcm-project/gpu-node-provisioner/internal/events"
	"github.com/dcm-project/gpu-node-provisioner/internal/store"
)

const (
	testNamespace = "chutes"
	testNodePort  = 30123
)

func testVerificationConfig() *config.VerificationConfig {
	return &config.VerificationConfig{
		Image:             "verification:test",
		Port:              8000,
		CPUPerGPU:         1,
		MemoryPerGPU:      8,
		PollInterval:      10 * time.Millisecond,
		ReadinessTimeout:  300 * time.Millisecond,
		DeviceInfoTimeout: 2 * time.Second,
		ClusterDomain:     "cluster.local",
	}
}

func newTestStore() store.Store {
	db, err := store.InitDB(&config.DatabaseConfig{
		Type:       "sqlite",
		SQLitePath: filepath.Join(GinkgoT().TempDir(), "inventory.db"),
	})
	Expect(err).NotTo(HaveOccurred())

	dataStore := store.NewStore(db)
	Expect(dataStore.InitialMigration(context.Background())).To(Succeed())
	DeferCleanup(dataStore.Close)
	return dataStore
}

func newGPUNode(name, gpuCount string, ready bool) *corev1.Node {
	status := corev1.ConditionTrue
	if !ready {
		status = corev1.ConditionFalse
	}
	nodeLabels := map[string]string{"kubernetes.io/hostname": name}
	if gpuCount != "" {
		nodeLabels["gpu-count"] = gpuCount
	}
	return &corev1.Node{
		ObjectMeta: metav1.ObjectMeta{
			Name:   name,
			UID:    types.UID("uid-" + name),
			Labels: nodeLabels,
		},
		Status: corev1.NodeStatus{
			Conditions: []corev1.NodeCondition{{Type: corev1.NodeReady, Status: status}},
			Addresses: []corev1.NodeAddress{
				{Type: corev1.NodeInternalIP, Address: "10.0.0.7"},
				{Type: corev1.NodeExternalIP, Address: "203.0.113.7"},
			},
		},
	}
}

// newFakeClientset allocates a node port to every created service and, when
// rolloutSucceeds is set, reports every created deployment as fully available.
func newFakeClientset(rolloutSucceeds bool, objects ...runtime.Object) *fake.Clientset {
	clientset := fake.NewSimpleClientset(objects...)
	clientset.PrependReactor("create", "services", func(action k8stesting.Action) (bool, runtime.Object, error) {
		svc := action.(k8stesting.CreateAction).GetObject().(*corev1.Service)
		for i := range svc.Spec.Ports {
			svc.Spec.Ports[i].NodePort = testNodePort
		}
		return false, nil, nil
	})
	if rolloutSucceeds {
		clientset.PrependReactor("create", "deployments", func(action k8stesting.Action) (bool, runtime.Object, error) {
			deployment := action.(k8stesting.CreateAction).GetObject().(*appsv1.Deployment)
			deployment.Status = appsv1.DeploymentStatus{
				Replicas:          1,
				UpdatedReplicas:   1,
				ReadyReplicas:     1,
				AvailableReplicas: 1,
			}
			return false, nil, nil
		})
	}
	return clientset
}

func deviceReport(count int) map[string]any {
	gpus := make([]map[string]any, 0, count)
	for i := 0; i < count; i++ {
		gpus = append(gpus, map[string]any{
			"uuid":       fmt.Sprintf("GPU-%08d", i),
			"name":       "NVIDIA H100 80GB HBM3",
			"memory":     int64(85045411840),
			"major":      9,
			"minor":      0,
			"processors": 132,
			"clock_rate": 1980000.0,
			"ecc":        true,
		})
	}
	return map[string]any{"gpus": gpus}
}

// newDeviceServer stands in for the verification workload's device endpoint
func newDeviceServer(count int) *httptest.Server {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/devices" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(deviceReport(count))
	}))
	DeferCleanup(server.Close)
	return server
}

type staticResolver struct {
	url string
}

func (r staticResolver) BaseURL(*VerificationWorkload) (string, error) {
	return r.url, nil
}

type recordingNotifier struct {
	events []events.ServerEvent
	err    error
}

func (n *recordingNotifier) ServerDeleted(_ context.Context, event events.ServerEvent) error {
	n.events = append(n.events, event)
	return n.err
}

func (n *recordingNotifier) Close() error {
	return nil
}

func listVerificationObjects(clientset *fake.Clientset) (int, int) {
	deployments, err := clientset.AppsV1().Deployments(testNamespace).List(context.Background(), metav1.ListOptions{})
	Expect(err).NotTo(HaveOccurred())
	services, err := clientset.CoreV1().Services(testNamespace).List(context.Background(), metav1.ListOptions{})
	Expect(err).NotTo(HaveOccurred())
	return len(deployments.Items), len(services.Items)
}

func countActions(clientset *fake.Clientset, verb, resource string) int {
	count := 0
	for _, action := range clientset.Actions() {
		if action.GetVerb() == verb && action.GetResource().Resource == resource {
			count++
		}
	}
	return count
}
