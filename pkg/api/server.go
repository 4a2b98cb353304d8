package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/cuemby/notebroker/pkg/assetgc"
	"github.com/cuemby/notebroker/pkg/hub"
	"github.com/cuemby/notebroker/pkg/log"
	"github.com/cuemby/notebroker/pkg/scheduler"
	"github.com/cuemby/notebroker/pkg/types"
	"github.com/rs/zerolog"
)

// KernelController is the subset of kernel.Supervisor the API surface
// drives directly (outside the Scheduler's own dispatch path): listing
// sessions and issuing out-of-band interrupt/shutdown requests.
type KernelController interface {
	ListSessions() []*types.KernelSession
	IsAlive(notebookKey string) bool
	Interrupt(notebookKey string) error
	Shutdown(notebookKey string) error
}

// Server is the broker's HTTP+JSON external interface (spec.md §6).
type Server struct {
	sched   *scheduler.Scheduler
	kernels KernelController
	hub     *hub.Hub
	assets  *assetgc.GC
	token   string
	logger  zerolog.Logger
	mux     *http.ServeMux
	srv     *http.Server
}

// NewServer wires the broker's components behind the HTTP surface.
func NewServer(addr, token string, sched *scheduler.Scheduler, kernels KernelController, h *hub.Hub, assets *assetgc.GC) *Server {
	s := &Server{
		sched:   sched,
		kernels: kernels,
		hub:     h,
		assets:  assets,
		token:   token,
		logger:  log.WithComponent("api"),
		mux:     http.NewServeMux(),
	}
	s.routes()
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	s.handle("submit_execution", "/v1/executions", s.handleSubmitExecution)
	s.handle("cancel_execution", "/v1/executions/cancel", s.handleCancelExecution)
	s.handle("execution_status", "/v1/executions/status", s.handleExecutionStatus)
	s.handle("submit_input", "/v1/executions/input", s.handleSubmitInput)
	s.handle("list_active_sessions", "/v1/sessions", s.handleListSessions)
	s.handle("interrupt_kernel", "/v1/kernels/interrupt", s.handleInterruptKernel)
	s.handle("shutdown_kernel", "/v1/kernels/shutdown", s.handleShutdownKernel)
	s.handle("prune_unused_assets", "/v1/assets/prune", s.handlePruneAssets)
	s.handle("fetch_asset", "/v1/assets/fetch", s.handleFetchAsset)
	s.handle("notifications", "/v1/notifications", s.handleNotifications)
}

func (s *Server) handle(operation, pattern string, h http.HandlerFunc) {
	s.mux.Handle(pattern, authMiddleware(s.token, instrument(operation, h)))
}

// Start begins serving and blocks until the server stops.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.srv.Addr).Msg("api listening")
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api: serve: %w", err)
	}
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
