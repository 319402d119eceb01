package constants

// Label keys and values used on nodes and verification workloads
const (
	// LabelGPUCount is set by operators on every GPU node
	LabelGPUCount = "gpu-count"

	// LabelGPUShortRef records the GPU model reference chosen at provisioning time
	LabelGPUShortRef = "gpu-short-ref"

	// LabelValidator records the validator owning the node
	LabelValidator = "validator"

	// LabelWorker marks a node as a chutes worker
	LabelWorker = "chutes/worker"

	// LabelChuteDeployment marks chute workloads; verification workloads carry "false"
	LabelChuteDeployment = "chute-deployment"

	LabelApp  = "app"
	LabelNode = "node"

	VerificationApp = "verification"

	// GPUResourceName is the extended resource requested by the verification container
	GPUResourceName = "nvidia.com/gpu"

	// NodeNameField selects pod templates pinned to a node
	NodeNameField = "spec.template.spec.nodeName"
)

// GPUShortRefs is the fixed set of GPU models a server can be registered with.
var GPUShortRefs = []string{
	"3090",
	"4090",
	"a4000",
	"a5000",
	"a6000",
	"a6000_ada",
	"l4",
	"t4",
	"a30",
	"a40",
	"l40",
	"l40s",
	"a100_40gb",
	"a100",
	"a100_sxm",
	"h100",
	"h100_sxm",
	"h200",
}

// IsKnownGPUShortRef reports whether ref is one of GPUShortRefs.
func IsKnownGPUShortRef(ref string) bool {
	for _, known := range GPUShortRefs {
		if known == ref {
			return true
		}
	}
	return false
}
