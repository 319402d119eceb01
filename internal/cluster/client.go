package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/fields"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/informers"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/dcm-project/gpu-node-provisioner/internal/config"
)

// Gateway is the set of control plane operations the provisioner relies on.
type Gateway interface {
	ReadNode(ctx context.Context, name string) (*corev1.Node, error)
	PatchNodeLabels(ctx context.Context, name string, nodeLabels map[string]string) (*corev1.Node, error)
	ListDeployments(ctx context.Context, labelSelector labels.Selector, fieldSelector fields.Selector) ([]appsv1.Deployment, error)
	GetDeployment(ctx context.Context, name string) (*appsv1.Deployment, error)
	CreateDeployment(ctx context.Context, deployment *appsv1.Deployment) (*appsv1.Deployment, error)
	DeleteDeployment(ctx context.Context, name string) error
	ListServices(ctx context.Context, labelSelector labels.Selector, fieldSelector fields.Selector) ([]corev1.Service, error)
	CreateService(ctx context.Context, service *corev1.Service) (*corev1.Service, error)
	DeleteService(ctx context.Context, name string) error
}

// Client implements Gateway on top of the typed Kubernetes clientset
type Client struct {
	clientset kubernetes.Interface
	namespace string
	timeout   time.Duration
}

var _ Gateway = (*Client)(nil)

// NewClientFromConfig builds a clientset from a kubeconfig file, or from the
// in-cluster service account when no kubeconfig is configured.
func NewClientFromConfig(cfg *config.KubernetesConfig) (*Client, error) {
	var restConfig *rest.Config
	var err error

	if cfg.Kubeconfig != "" {
		// Load kubeconfig from file
		restConfig, err = clientcmd.BuildConfigFromFlags("", cfg.Kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("failed to build config from kubeconfig file %s: %w", cfg.Kubeconfig, err)
		}
	} else {
		// Use in-cluster config
		restConfig, err = rest.InClusterConfig()
		if err != nil {
			return nil, fmt.Errorf("failed to build in-cluster config: %w", err)
		}
	}

	clientset, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes client: %w", err)
	}

	return NewClient(clientset, cfg.Namespace, cfg.Timeout), nil
}

// NewClient wraps an existing clientset. Every call is bounded by timeout.
func NewClient(clientset kubernetes.Interface, namespace string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		clientset: clientset,
		namespace: namespace,
		timeout:   timeout,
	}
}

// Namespace returns the namespace verification workloads live in
func (c *Client) Namespace() string {
	return c.namespace
}

// InformerFactory returns a shared informer factory for cluster scoped resources such as nodes
func (c *Client) InformerFactory(resync time.Duration) informers.SharedInformerFactory {
	return informers.NewSharedInformerFactory(c.clientset, resync)
}

// ReadNode retrieves a node by name. Use IsNotFoundError to detect a missing node.
func (c *Client) ReadNode(ctx context.Context, name string) (*corev1.Node, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	node, err := c.clientset.CoreV1().Nodes().Get(timeoutCtx, name, metav1.GetOptions{})
	if err != nil {
		return nil, wrap("read node", err)
	}
	return node, nil
}

// PatchNodeLabels merges nodeLabels into the node's labels with a single merge patch
func (c *Client) PatchNodeLabels(ctx context.Context, name string, nodeLabels map[string]string) (*corev1.Node, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	patch := map[string]interface{}{
		"metadata": map[string]interface{}{
			"labels": nodeLabels,
		},
	}
	body, err := json.Marshal(patch)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal label patch: %w", err)
	}

	node, err := c.clientset.CoreV1().Nodes().Patch(timeoutCtx, name, types.MergePatchType, body, metav1.PatchOptions{})
	if err != nil {
		return nil, wrap("patch node labels", err)
	}
	return node, nil
}

// ListDeployments lists deployments matching both selectors. Only metadata fields are
// selectable server side for deployments, so the field selector is applied here.
func (c *Client) ListDeployments(ctx context.Context, labelSelector labels.Selector, fieldSelector fields.Selector) ([]appsv1.Deployment, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	list, err := c.clientset.AppsV1().Deployments(c.namespace).List(timeoutCtx, listOptions(labelSelector))
	if err != nil {
		return nil, wrap("list deployments", err)
	}

	items := make([]appsv1.Deployment, 0, len(list.Items))
	for _, item := range list.Items {
		if fieldSelector == nil || fieldSelector.Matches(deploymentFields(&item)) {
			items = append(items, item)
		}
	}
	return items, nil
}

// GetDeployment retrieves a deployment by name
func (c *Client) GetDeployment(ctx context.Context, name string) (*appsv1.Deployment, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	deployment, err := c.clientset.AppsV1().Deployments(c.namespace).Get(timeoutCtx, name, metav1.GetOptions{})
	if err != nil {
		return nil, wrap("get deployment", err)
	}
	return deployment, nil
}

// CreateDeployment creates a deployment in the provisioner namespace
func (c *Client) CreateDeployment(ctx context.Context, deployment *appsv1.Deployment) (*appsv1.Deployment, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	created, err := c.clientset.AppsV1().Deployments(c.namespace).Create(timeoutCtx, deployment, metav1.CreateOptions{})
	if err != nil {
		return nil, wrap("create deployment", err)
	}
	return created, nil
}

// DeleteDeployment deletes a deployment by name
func (c *Client) DeleteDeployment(ctx context.Context, name string) error {
	timeoutCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	propagation := metav1.DeletePropagationForeground
	err := c.clientset.AppsV1().Deployments(c.namespace).Delete(timeoutCtx, name, metav1.DeleteOptions{
		PropagationPolicy: &propagation,
	})
	return wrap("delete deployment", err)
}

// ListServices lists services matching both selectors
func (c *Client) ListServices(ctx context.Context, labelSelector labels.Selector, fieldSelector fields.Selector) ([]corev1.Service, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	list, err := c.clientset.CoreV1().Services(c.namespace).List(timeoutCtx, listOptions(labelSelector))
	if err != nil {
		return nil, wrap("list services", err)
	}

	items := make([]corev1.Service, 0, len(list.Items))
	for _, item := range list.Items {
		if fieldSelector == nil || fieldSelector.Matches(objectMetaFields(&item.ObjectMeta)) {
			items = append(items, item)
		}
	}
	return items, nil
}

// CreateService creates a service; the returned object carries any allocated node ports
func (c *Client) CreateService(ctx context.Context, service *corev1.Service) (*corev1.Service, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	created, err := c.clientset.CoreV1().Services(c.namespace).Create(timeoutCtx, service, metav1.CreateOptions{})
	if err != nil {
		return nil, wrap("create service", err)
	}
	return created, nil
}

// DeleteService deletes a service by name
func (c *Client) DeleteService(ctx context.Context, name string) error {
	timeoutCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	err := c.clientset.CoreV1().Services(c.namespace).Delete(timeoutCtx, name, metav1.DeleteOptions{})
	return wrap("delete service", err)
}

func listOptions(labelSelector labels.Selector) metav1.ListOptions {
	options := metav1.ListOptions{}
	if labelSelector != nil && !labelSelector.Empty() {
		options.LabelSelector = labelSelector.String()
	}
	return options
}

func objectMetaFields(meta *metav1.ObjectMeta) fields.Set {
	return fields.Set{
		"metadata.name":      meta.Name,
		"metadata.namespace": meta.Namespace,
	}
}

func deploymentFields(deployment *appsv1.Deployment) fields.Set {
	set := objectMetaFields(&deployment.ObjectMeta)
	set["spec.template.spec.nodeName"] = deployment.Spec.Template.Spec.NodeName
	return set
}
