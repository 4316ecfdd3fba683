package control

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/veesix-networks/osdhcpc/pkg/component"
	"github.com/veesix-networks/osdhcpc/pkg/config"
	"github.com/veesix-networks/osdhcpc/pkg/events"
	"github.com/veesix-networks/osdhcpc/pkg/lease"
	"github.com/veesix-networks/osdhcpc/pkg/leasedb"
	"github.com/veesix-networks/osdhcpc/pkg/logger"
)

// Controller is the slice of the lease client the API drives.
type Controller interface {
	Snapshot(ctx context.Context) (lease.Snapshot, error)
	Renew(ctx context.Context) error
	Release(ctx context.Context) error
	Restart(ctx context.Context) error
}

type Options struct {
	Config *config.Config
	Client Controller
	Store  leasedb.Store
	Bus    events.Bus
}

type Server struct {
	*component.Base

	cfg    *config.Config
	client Controller
	store  leasedb.Store
	bus    events.Bus

	ring *eventRing
	sub  events.Subscription

	server *http.Server
	logger *slog.Logger
}

var _ component.Component = (*Server)(nil)

func New(opts Options) *Server {
	return &Server{
		Base:   component.NewBase("control"),
		cfg:    opts.Config,
		client: opts.Client,
		store:  opts.Store,
		bus:    opts.Bus,
		ring:   newEventRing(ringCapacity),
		logger: logger.Get(logger.Control),
	}
}

func (s *Server) Start(ctx context.Context) error {
	s.StartContext(ctx)

	if s.bus != nil {
		s.sub = s.bus.SubscribeAll(s.ring.record)
	}

	s.server = &http.Server{
		Addr:    s.cfg.API.Address,
		Handler: s.routes(),
	}

	s.logger.Info("Control API listening", "addr", s.cfg.API.Address)
	s.Go(func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Control API server failed", "error", err)
		}
	})
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping control API")

	if s.sub != nil {
		s.sub.Unsubscribe()
	}
	if s.server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(shutdownCtx)
	}

	s.StopContext()
	return nil
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/status", s.trace(s.handleStatus))
	mux.HandleFunc("GET /api/v1/lease", s.trace(s.handleLease))
	mux.HandleFunc("GET /api/v1/events", s.trace(s.handleEvents))
	mux.HandleFunc("GET /api/v1/events/stats", s.trace(s.handleEventStats))
	mux.HandleFunc("POST /api/v1/oper/renew", s.trace(s.handleRenew))
	mux.HandleFunc("POST /api/v1/oper/release", s.trace(s.handleRelease))
	mux.HandleFunc("POST /api/v1/oper/restart", s.trace(s.handleRestart))
	mux.HandleFunc("POST /api/v1/oper/logging/{component}", s.trace(s.handleLogging))
	mux.HandleFunc("POST /api/v1/oper/events/debug", s.trace(s.handleEventsDebug))
	mux.HandleFunc("GET /openapi.json", s.trace(s.handleOpenAPI))

	return mux
}

// trace stamps every response with a request id so operator actions can be
// matched to log lines.
func (s *Server) trace(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := uuid.New().String()
		w.Header().Set("X-Request-Id", id)
		s.logger.Debug("Request", "id", id, "method", r.Method, "path", r.URL.Path)
		next(w, r)
	}
}
