package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/nerrad567/energino-core/internal/audit"
	"github.com/nerrad567/energino-core/internal/command"
	"github.com/nerrad567/energino-core/internal/controller"
	"github.com/nerrad567/energino-core/internal/dispatch"
	"github.com/nerrad567/energino-core/internal/feed"
	"github.com/nerrad567/energino-core/internal/infrastructure/config"
	"github.com/nerrad567/energino-core/internal/infrastructure/logging"
	"github.com/nerrad567/energino-core/internal/ingest"
)

// gracefulShutdownTimeout bounds how long Close waits for in-flight requests.
const gracefulShutdownTimeout = 10 * time.Second

// Commander writes a datastream value to a feed's agent.
type Commander interface {
	Write(ctx context.Context, addr, key, value string) command.Result
}

// ControllerView exposes the power controller state.
type ControllerView interface {
	Snapshot() controller.Snapshot
}

// DispatchView exposes remote delivery state.
type DispatchView interface {
	Stats() []dispatch.QueueStats
}

// Deps holds the dependencies of the API server. Registry and Ingest are
// required; the rest are optional.
type Deps struct {
	Config     config.APIConfig
	WS         config.WebSocketConfig
	Logger     *logging.Logger
	Registry   *feed.Registry
	Ingest     *ingest.Pipeline
	Commands   Commander
	Controller ControllerView
	Dispatch   DispatchView
	Audit      audit.Repository

	// Hub is used instead of a server-owned hub when set, so other
	// components can broadcast through it.
	Hub     *Hub
	Version string
}

// Server is the registry HTTP server.
type Server struct {
	cfg        config.APIConfig
	wsCfg      config.WebSocketConfig
	logger     *logging.Logger
	registry   *feed.Registry
	ingest     *ingest.Pipeline
	commands   Commander
	controller ControllerView
	dispatch   DispatchView
	auditRepo  audit.Repository
	auditCh    chan *audit.Entry
	hub        *Hub
	ownHub     bool
	version    string
	resources  map[string]Resource

	server *http.Server
	cancel context.CancelFunc
}

// New creates a server. It does not listen until Start.
func New(deps Deps) (*Server, error) {
	if deps.Registry == nil {
		return nil, fmt.Errorf("feed registry is required")
	}
	if deps.Ingest == nil {
		return nil, fmt.Errorf("ingest pipeline is required")
	}
	if deps.Logger == nil {
		deps.Logger = logging.Discard()
	}

	s := &Server{
		cfg:        deps.Config,
		wsCfg:      deps.WS,
		logger:     deps.Logger,
		registry:   deps.Registry,
		ingest:     deps.Ingest,
		commands:   deps.Commands,
		controller: deps.Controller,
		dispatch:   deps.Dispatch,
		auditRepo:  deps.Audit,
		hub:        deps.Hub,
		version:    deps.Version,
	}
	if s.hub == nil {
		s.hub = NewHub(deps.WS, deps.Logger)
		s.ownHub = true
	}
	if s.auditRepo != nil {
		s.auditCh = make(chan *audit.Entry, auditChanSize)
	}
	s.resources = map[string]Resource{
		"feeds": &feedsResource{s: s},
	}
	return s, nil
}

// Hub returns the event hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Handler returns the routed handler without listening.
func (s *Server) Handler() http.Handler {
	return s.buildRouter()
}

// Start listens in the background until Close.
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	if s.ownHub {
		go s.hub.Run(srvCtx) //nolint:errcheck // Run only returns nil
	}
	if s.auditCh != nil {
		go s.drainAuditLog(srvCtx)
	}

	addr := net.JoinHostPort(s.cfg.Host, fmt.Sprint(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		s.cancel()
		return fmt.Errorf("listening on %s: %w", addr, err)
	}

	s.server = &http.Server{
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	s.logger.Info("API server listening", "address", ln.Addr().String())
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()
	return nil
}

// Run starts the server and closes it when ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return s.Close()
}

// Close shuts the server down, waiting for in-flight requests.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}
	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck reports whether the server is listening.
func (s *Server) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("api health check: %w", err)
	}
	if s.server == nil {
		return fmt.Errorf("api server not started")
	}
	return nil
}
