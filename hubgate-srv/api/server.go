package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/codefionn/hubgate/hubgate-srv/config"
	"github.com/codefionn/hubgate/hubgate-srv/dataplane"
	"github.com/codefionn/hubgate/hubgate-srv/logger"
	"github.com/codefionn/hubgate/hubgate-srv/stats"
	"github.com/codefionn/hubgate/hubgate-srv/transport"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// Version is reported by the health endpoint.
var Version = "1.0.0"

// Dependencies wires the server to the rest of the process.
type Dependencies struct {
	Proxy       *dataplane.Proxy
	Loader      *transport.Loader  // optional; reported by /api/health
	Collector   stats.Collector    // audit queries
	Broadcaster *stats.Broadcaster // optional; enables /api/audit/stream
}

// Server is the local API the console calls instead of the endpoint itself.
type Server struct {
	config      *config.Config
	proxy       atomic.Pointer[dataplane.Proxy]
	loader      *transport.Loader
	collector   stats.Collector
	broadcaster *stats.Broadcaster
	router      *mux.Router
	limiter     *rate.Limiter
	upgrader    websocket.Upgrader
	jwtSecret   []byte
	token       string
	startTime   time.Time
}

// NewServer creates the API server and issues its session token.
func NewServer(cfg *config.Config, deps Dependencies) (*Server, error) {
	if deps.Proxy == nil {
		return nil, errors.New("api: proxy is required")
	}
	if deps.Collector == nil {
		deps.Collector = stats.NewDummyCollector()
	}

	s := &Server{
		config:      cfg,
		loader:      deps.Loader,
		collector:   deps.Collector,
		broadcaster: deps.Broadcaster,
		router:      mux.NewRouter(),
		jwtSecret:   newSessionSecret(),
		startTime:   time.Now(),
	}
	s.proxy.Store(deps.Proxy)
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}

	if cfg.API.RateLimit > 0 {
		burst := cfg.API.RateBurst
		if burst <= 0 {
			burst = int(cfg.API.RateLimit) + 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.API.RateLimit), burst)
	}

	token, err := s.createSessionToken()
	if err != nil {
		return nil, err
	}
	s.token = token

	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.router.Use(s.loggingMiddleware, s.hostGuardMiddleware, s.rateLimitMiddleware)

	s.router.HandleFunc("/api/health", s.handleHealth).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api").Subrouter()
	if s.config.API.AuthEnabled {
		api.Use(s.authMiddleware)
	}
	api.HandleFunc("/DataPlane", s.handleDataPlane).Methods(http.MethodPost)
	api.HandleFunc("/audit/calls", s.handleAuditCalls).Methods(http.MethodGet)
	api.HandleFunc("/audit/security", s.handleAuditSecurity).Methods(http.MethodGet)
	api.HandleFunc("/audit/stream", s.handleAuditStream).Methods(http.MethodGet)
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Token is the bearer token the console must present.
func (s *Server) Token() string {
	return s.token
}

// SetProxy swaps the proxy used for new calls, e.g. after a config reload.
func (s *Server) SetProxy(p *dataplane.Proxy) {
	if p != nil {
		s.proxy.Store(p)
	}
}

// ListenAndServe serves on the configured address until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.ListenAddress)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.ListenAddress, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("API listening on %s", ln.Addr())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		logger.Info("Shutting down API on %s", ln.Addr())
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("api shutdown: %w", err)
		}
		return nil
	}
}
