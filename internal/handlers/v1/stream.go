package v1

import (
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/dcm-project/gpu-node-provisioner/internal/service"
)

// streamProgress writes every event as a server-sent event until the run ends or the
// client goes away. A disconnect only stops the stream; the run carries on.
func streamProgress(w http.ResponseWriter, r *http.Request, events <-chan service.ProgressEvent) {
	logger := zap.S().Named("handler:stream")
	flusher, _ := w.(http.Flusher)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	for {
		select {
		case <-r.Context().Done():
			logger.Infow("Client disconnected, provisioning continues in background")
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			payload, err := json.Marshal(event)
			if err != nil {
				logger.Errorw("Failed to encode progress event", "stage", event.Stage, "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
				logger.Infow("Stream write failed, provisioning continues in background", "error", err)
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
	}
}
