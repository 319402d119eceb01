package v1

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	corev1 "k8s.io/api/core/v1"

	"github.com/dcm-project/gpu-node-provisioner/internal/service"
	"github.com/dcm-project/gpu-node-provisioner/internal/store/model"
)

const ApiPrefix = "/api/v1"

// Provisioner starts provisioning runs
type Provisioner interface {
	Precheck(ctx context.Context, nodeName string, args service.ServerArgs) (*corev1.Node, error)
	Provision(ctx context.Context, nodeName string, args service.ServerArgs) <-chan service.ProgressEvent
}

// Inventory lists and removes servers
type Inventory interface {
	ListServers(ctx context.Context) (model.ServerList, error)
	Deprovision(ctx context.Context, idOrName, trigger string) (*model.Server, error)
}

type ServerHandler struct {
	provisioner Provisioner
	inventory   Inventory
}

func NewServerHandler(provisioner Provisioner, inventory Inventory) *ServerHandler {
	return &ServerHandler{
		provisioner: provisioner,
		inventory:   inventory,
	}
}

// Routes mounts the server endpoints on r
func (h *ServerHandler) Routes(r chi.Router) {
	r.Get("/servers", h.ListServers)
	r.Post("/servers", h.CreateServer)
	r.Delete("/servers/{idOrName}", h.DeleteServer)
}

// (GET /health)
func (h *ServerHandler) GetHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"path":   "/health",
	})
}

// (GET /api/v1/servers)
func (h *ServerHandler) ListServers(w http.ResponseWriter, r *http.Request) {
	logger := zap.S().Named("handler:list-servers")

	servers, err := h.inventory.ListServers(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if servers == nil {
		servers = model.ServerList{}
	}

	logger.Debugw("Listed servers", "count", len(servers))
	writeJSON(w, http.StatusOK, servers)
}

// (POST /api/v1/servers)
func (h *ServerHandler) CreateServer(w http.ResponseWriter, r *http.Request) {
	logger := zap.S().Named("handler:create-server")

	var args service.ServerArgs
	if err := json.NewDecoder(r.Body).Decode(&args); err != nil {
		writeError(w, fmt.Errorf("%w: invalid request body: %w", service.ErrInvalidArgs, err))
		return
	}

	nodeName := args.Name
	if _, err := h.provisioner.Precheck(r.Context(), nodeName, args); err != nil {
		writeError(w, err)
		return
	}

	logger.Infow("Provisioning node", "node", nodeName, "validator", args.Validator, "gpuShortRef", args.GPUShortRef)
	streamProgress(w, r, h.provisioner.Provision(r.Context(), nodeName, args))
}

// (DELETE /api/v1/servers/{idOrName})
func (h *ServerHandler) DeleteServer(w http.ResponseWriter, r *http.Request) {
	logger := zap.S().Named("handler:delete-server")
	idOrName := chi.URLParam(r, "idOrName")

	server, err := h.inventory.Deprovision(r.Context(), idOrName, service.TriggerAPI)
	if err != nil {
		writeError(w, err)
		return
	}

	logger.Infow("Server deprovisioned", "serverId", server.ServerID, "name", server.Name)
	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":    "started",
		"server_id": server.ServerID,
		"name":      server.Name,
	})
}
