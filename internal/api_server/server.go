package apiserver

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/dcm-project/gpu-node-provisioner/internal/config"
	v1 "github.com/dcm-project/gpu-node-provisioner/internal/handlers/v1"
	"github.com/dcm-project/gpu-node-provisioner/internal/metrics"
)

const gracefulShutdownTimeout = 5 * time.Second

type Server struct {
	cfg      *config.Config
	listener net.Listener
	handler  *v1.ServerHandler
}

func New(cfg *config.Config, listener net.Listener, handler *v1.ServerHandler) *Server {
	return &Server{
		cfg:      cfg,
		listener: listener,
		handler:  handler,
	}
}

// Router builds the HTTP routes served by the provisioner
func (s *Server) Router() http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)

	router.Get("/health", s.handler.GetHealth)
	router.Method(http.MethodGet, "/metrics", metrics.Handler())
	router.Route(v1.ApiPrefix, s.handler.Routes)
	return router
}

func (s *Server) Run(ctx context.Context) error {
	srv := http.Server{Handler: s.Router()}

	go func() {
		<-ctx.Done()
		ctxTimeout, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
		defer cancel()
		srv.SetKeepAlivesEnabled(false)
		_ = srv.Shutdown(ctxTimeout)
	}()

	zap.S().Named("api_server").Infow("Serving provisioner API", "address", s.listener.Addr().String())
	if err := srv.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
