package cluster

import (
	"net"

	corev1 "k8s.io/api/core/v1"
)

// NodeStatus represents the readiness of a node as tracked in inventory
type NodeStatus string

func (s NodeStatus) String() string {
	return string(s)
}

const (
	NodeStatusUnknown  NodeStatus = "Unknown"
	NodeStatusReady    NodeStatus = "Ready"
	NodeStatusNotReady NodeStatus = "NotReady"
)

// ExtractNodeStatus maps the node's Ready condition. A node without one is Unknown.
func ExtractNodeStatus(node *corev1.Node) NodeStatus {
	if node == nil {
		return NodeStatusUnknown
	}
	for _, condition := range node.Status.Conditions {
		if condition.Type != corev1.NodeReady {
			continue
		}
		if condition.Status == corev1.ConditionTrue {
			return NodeStatusReady
		}
		return NodeStatusNotReady
	}
	return NodeStatusUnknown
}

// PublicIPAddress returns the first external address of the node that is publicly
// routable, or "" when there is none.
func PublicIPAddress(node *corev1.Node) string {
	if node == nil {
		return ""
	}
	for _, addr := range node.Status.Addresses {
		if addr.Type != corev1.NodeExternalIP {
			continue
		}
		ip := net.ParseIP(addr.Address)
		if ip == nil {
			continue
		}
		if ip.IsPrivate() || ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
			continue
		}
		return addr.Address
	}
	return ""
}
