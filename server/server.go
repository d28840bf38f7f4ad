// Package server exposes the optimization service over HTTP: SSE
// streaming for pipeline runs, a relay tail for bus events, webhook
// ingress, and the project, prompt, file, and job surfaces. Handlers
// validate at the boundary and translate store errors to stable status
// codes; all domain logic stays in the packages they call.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/promptforge/promptforge/codebase"
	"github.com/promptforge/promptforge/events"
	"github.com/promptforge/promptforge/jobs"
	"github.com/promptforge/promptforge/pipeline"
	"github.com/promptforge/promptforge/project"
	"github.com/promptforge/promptforge/providers"
	"github.com/promptforge/promptforge/record"
	"github.com/promptforge/promptforge/vfs"
)

const (
	// defaultReadHeaderTimeout prevents Slowloris attacks.
	defaultReadHeaderTimeout = 10 * time.Second

	// persistTimeout bounds the final record write after a run ends,
	// independent of the client connection.
	persistTimeout = 10 * time.Second
)

// StreamMetrics counts live streaming clients. Implementations must be
// safe for concurrent use; a nil hook is skipped.
type StreamMetrics interface {
	ClientConnected(transport string)
	ClientDisconnected(transport string)
}

// Deps carries the collaborators a Server routes to. Orchestrator,
// Records, and Providers are required; nil optional deps disable the
// endpoints that need them.
type Deps struct {
	Orchestrator *pipeline.Orchestrator
	Records      record.Store
	Projects     *project.Store
	Files        *vfs.Store
	Queue        *jobs.Queue
	Bus          *events.Bus
	Relay        *events.Relay
	Resolver     *codebase.Resolver
	Stats        *record.Aggregator

	// Providers maps provider IDs to instances; DefaultProvider names
	// the one used when a request does not pick.
	Providers       map[string]providers.Provider
	DefaultProvider string
}

// Option customizes server construction.
type Option func(*Server)

// WithWebhookSecret guards POST /internal/mcp-event. An empty secret
// disables the check.
func WithWebhookSecret(secret string) Option {
	return func(s *Server) { s.webhookSecret = secret }
}

// WithCORSOrigins sets the allowed origins. Defaults to all.
func WithCORSOrigins(origins []string) Option {
	return func(s *Server) {
		if len(origins) > 0 {
			s.corsOrigins = origins
		}
	}
}

// WithMetricsHandler mounts a metrics endpoint, typically promhttp, at
// the given path.
func WithMetricsHandler(path string, h http.Handler) Option {
	return func(s *Server) {
		s.metricsPath = path
		s.metricsHandler = h
	}
}

// WithStreamMetrics counts SSE and WebSocket clients.
func WithStreamMetrics(m StreamMetrics) Option {
	return func(s *Server) { s.streamMetrics = m }
}

// WithMiddleware appends middleware to the router, after the built-in
// chain.
func WithMiddleware(mw ...func(http.Handler) http.Handler) Option {
	return func(s *Server) {
		s.extraMiddleware = append(s.extraMiddleware, mw...)
	}
}

// Server is the HTTP front of the service.
type Server struct {
	orch      *pipeline.Orchestrator
	records   record.Store
	projects  *project.Store
	files     *vfs.Store
	queue     *jobs.Queue
	bus       *events.Bus
	relay     *events.Relay
	resolver  *codebase.Resolver
	stats     *record.Aggregator
	providers map[string]providers.Provider

	defaultProvider string
	webhookSecret   string
	corsOrigins     []string
	metricsPath     string
	metricsHandler  http.Handler
	streamMetrics   StreamMetrics
	extraMiddleware []func(http.Handler) http.Handler

	httpSrv *http.Server

	// cancels maps in-flight run IDs to their cancel funcs so the
	// cancel endpoint can stop a live stream.
	cancelsMu sync.Mutex
	cancels   map[string]context.CancelFunc
}

// New builds a server over its collaborators.
func New(deps Deps, opts ...Option) (*Server, error) {
	if deps.Orchestrator == nil {
		return nil, errors.New("server: orchestrator is required")
	}
	if deps.Records == nil {
		return nil, errors.New("server: record store is required")
	}
	if len(deps.Providers) == 0 {
		return nil, errors.New("server: at least one provider is required")
	}
	if _, ok := deps.Providers[deps.DefaultProvider]; !ok {
		return nil, errors.New("server: default provider is not registered")
	}

	s := &Server{
		orch:            deps.Orchestrator,
		records:         deps.Records,
		projects:        deps.Projects,
		files:           deps.Files,
		queue:           deps.Queue,
		bus:             deps.Bus,
		relay:           deps.Relay,
		resolver:        deps.Resolver,
		stats:           deps.Stats,
		providers:       deps.Providers,
		defaultProvider: deps.DefaultProvider,
		corsOrigins:     []string{"*"},
		cancels:         make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Handler returns the routed handler tree.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "Last-Event-ID", "X-Webhook-Secret"},
		ExposedHeaders:   []string{"Cache-Control"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	for _, mw := range s.extraMiddleware {
		r.Use(mw)
	}

	r.Get("/healthz", s.handleHealthz)
	if s.stats != nil {
		r.Get("/stats", s.handleStats)
	}
	if s.metricsHandler != nil {
		r.Handle(s.metricsPath, s.metricsHandler)
	}

	r.Route("/optimize", func(r chi.Router) {
		r.Post("/", s.handleOptimize)
		r.Post("/batch", s.handleBatch)
		r.Get("/{id}", s.handleGetOptimization)
		r.Post("/{id}/retry", s.handleRetry)
		r.Post("/{id}/cancel", s.handleCancelOptimization)
	})
	r.Post("/orchestrate/{stage}", s.handleOrchestrateStage)

	if s.relay != nil {
		r.Get("/events", s.handleEventTail)
	}
	r.Route("/internal", func(r chi.Router) {
		if s.bus != nil {
			r.Post("/mcp-event", s.handleWebhook)
			r.Get("/events/contracts", s.handleContracts)
			r.Get("/events/subscriptions", s.handleSubscriptions)
		}
		if s.relay != nil {
			r.Get("/events/ws", s.handleEventWS)
		}
	})

	if s.projects != nil {
		s.mountProjectRoutes(r)
	}
	if s.files != nil {
		s.mountVFSRoutes(r)
	}
	if s.queue != nil {
		s.mountJobRoutes(r)
	}

	return r
}

// ListenAndServe starts the HTTP server on addr and blocks until it
// stops.
func (s *Server) ListenAndServe(addr string) error {
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: defaultReadHeaderTimeout,
	}
	return s.httpSrv.ListenAndServe()
}

// Serve starts the HTTP server on an existing listener.
func (s *Server) Serve(ln net.Listener) error {
	s.httpSrv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: defaultReadHeaderTimeout,
	}
	return s.httpSrv.Serve(ln)
}

// Shutdown drains HTTP requests and cancels in-flight optimization
// streams.
func (s *Server) Shutdown(ctx context.Context) error {
	var firstErr error
	if s.httpSrv != nil {
		firstErr = s.httpSrv.Shutdown(ctx)
	}

	s.cancelsMu.Lock()
	for _, cancel := range s.cancels {
		cancel()
	}
	s.cancels = make(map[string]context.CancelFunc)
	s.cancelsMu.Unlock()

	return firstErr
}

// trackRun registers a cancel func for a live run and returns the
// deregistration closure.
func (s *Server) trackRun(runID string, cancel context.CancelFunc) func() {
	s.cancelsMu.Lock()
	s.cancels[runID] = cancel
	s.cancelsMu.Unlock()
	return func() {
		s.cancelsMu.Lock()
		delete(s.cancels, runID)
		s.cancelsMu.Unlock()
	}
}

// cancelRun stops a live run. Reports whether a stream was actually
// cancelled.
func (s *Server) cancelRun(runID string) bool {
	s.cancelsMu.Lock()
	cancel, ok := s.cancels[runID]
	s.cancelsMu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func (s *Server) provider(name string) (providers.Provider, bool) {
	if name == "" {
		name = s.defaultProvider
	}
	p, ok := s.providers[name]
	return p, ok
}
