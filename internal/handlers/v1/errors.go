package v1

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/dcm-project/gpu-node-provisioner/internal/service"
)

const problemContentType = "application/problem+json"

// Problem is an RFC 7807 error body
type Problem struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
	Kind   string `json:"kind,omitempty"`
}

// statusFor maps an error kind to the HTTP status returned before a stream starts.
func statusFor(kind service.ErrorKind) int {
	switch kind {
	case service.KindNotFound:
		return http.StatusNotFound
	case service.KindConflict, service.KindDuplicateServer, service.KindNodeAlreadyProvisioned:
		return http.StatusConflict
	case service.KindInvalidArgs, service.KindInvalidGPUCount:
		return http.StatusBadRequest
	case service.KindNodeNotReady:
		return http.StatusUnprocessableEntity
	case service.KindClusterAPIError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	kind := service.KindOf(err)
	status := statusFor(kind)
	if status >= http.StatusInternalServerError {
		zap.S().Named("handler:error").Errorw("Request failed", "kind", kind, "error", err)
	}
	writeProblem(w, Problem{
		Type:   "about:blank",
		Title:  http.StatusText(status),
		Status: status,
		Detail: err.Error(),
		Kind:   string(kind),
	})
}

func writeProblem(w http.ResponseWriter, problem Problem) {
	w.Header().Set("Content-Type", problemContentType)
	w.WriteHeader(problem.Status)
	_ = json.NewEncoder(w).Encode(problem)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		zap.S().Named("handler:write").Warnw("Failed to encode response", "error", err)
	}
}
