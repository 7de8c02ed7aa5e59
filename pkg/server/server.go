package server

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nodebook-dev/nodebook/pkg/blobstore"
	"github.com/nodebook-dev/nodebook/pkg/middleware"
	"github.com/nodebook-dev/nodebook/pkg/notebook"
)

// Server exposes one notebook runtime over HTTP and WebSocket.
type Server struct {
	runtime *notebook.Runtime
	logger  *slog.Logger
	metrics *middleware.Metrics
	blobs   blobstore.Source

	gatherer prometheus.Gatherer
	upgrader websocket.Upgrader
	router   chi.Router

	writeTimeout time.Duration
	pingInterval time.Duration
	sendBuffer   int

	mu      sync.Mutex
	clients map[string]*client
	closed  bool
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics attaches the metrics recorder; the client gauge and the
// /metrics endpoint use it.
func WithMetrics(metrics *middleware.Metrics) Option {
	return func(s *Server) { s.metrics = metrics }
}

// WithGatherer sets the registry /metrics serves. Default: the prometheus
// default gatherer.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) {
		if g != nil {
			s.gatherer = g
		}
	}
}

// WithBlobSource sets the source notebook-load refs resolve through.
func WithBlobSource(src blobstore.Source) Option {
	return func(s *Server) { s.blobs = src }
}

// WithCheckOrigin sets the WebSocket origin check. Default accepts all
// origins; put real origin policy here before exposing the server.
func WithCheckOrigin(fn func(r *http.Request) bool) Option {
	return func(s *Server) { s.upgrader.CheckOrigin = fn }
}

// WithWriteTimeout bounds individual WebSocket writes.
func WithWriteTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.writeTimeout = d
		}
	}
}

// New creates a server for the runtime.
func New(rt *notebook.Runtime, opts ...Option) *Server {
	s := &Server{
		runtime:  rt,
		logger:   slog.Default(),
		gatherer: prometheus.DefaultGatherer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		writeTimeout: 10 * time.Second,
		pingInterval: 30 * time.Second,
		sendBuffer:   64,
		clients:      make(map[string]*client),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close detaches every connected WebSocket client. The runtime stays open;
// it belongs to the caller.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	clients := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
	return nil
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	r.Get("/ws", s.handleWebSocket)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/variables", s.handleListVariables)
		r.Get("/variables/{name}", s.handleGetVariable)
		r.Put("/variables/{name}", s.handleSetVariable)

		r.Post("/formulas", s.handleCreateFormula)
		r.Get("/formulas/{name}", s.handleGetFormula)
		r.Delete("/formulas/{name}", s.handleRemoveFormula)

		r.Post("/inputs", s.handleDefineInput)
		r.Put("/inputs/{name}", s.handleSetInput)

		r.Post("/cells/{id}/execute", s.handleExecuteCell)
		r.Get("/cells/{id}", s.handleGetCell)
		r.Put("/cells/{id}", s.handleUpdateCell)
		r.Delete("/cells/{id}", s.handleRemoveCell)

		r.Put("/markdown/{id}", s.handleRegisterMarkdown)
		r.Get("/markdown/{id}", s.handleGetMarkdown)
		r.Delete("/markdown/{id}", s.handleRemoveMarkdown)

		r.Post("/notebook", s.handleLoadNotebook)
	})
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("http request",
			"method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
