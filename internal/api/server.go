package api

import (
	"context"
	"errors"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"grimm.is/pktfilter/internal/brand"
	"grimm.is/pktfilter/internal/ctlplane"
	"grimm.is/pktfilter/internal/i18n"
	"grimm.is/pktfilter/internal/logging"
	"grimm.is/pktfilter/internal/ratelimit"
	"grimm.is/pktfilter/internal/store"
)

// ServerConfig holds HTTP server limits.
type ServerConfig struct {
	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int
	MaxBodyBytes      int64
	ShutdownTimeout   time.Duration
}

// DefaultServerConfig returns default server limits.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		ReadHeaderTimeout: 10 * time.Second, // Slowloris prevention
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 16,
		MaxBodyBytes:      4 << 20,
		ShutdownTimeout:   5 * time.Second,
	}
}

// ChangeSource lists journal entries. *store.DB implements it.
type ChangeSource interface {
	Changes(limit int) ([]store.Change, error)
}

// Server handles API requests.
type Server struct {
	ctl       *ctlplane.Controller
	changes   ChangeSource
	hub       *DecisionHub
	logger    *logging.Logger
	recorder  RequestRecorder
	gatherer  prometheus.Gatherer
	limiter   *ratelimit.Limiter
	config    *ServerConfig
	startTime time.Time

	mux *http.ServeMux
}

// ServerOptions holds dependencies for the API server
type ServerOptions struct {
	Controller *ctlplane.Controller
	Logger     *logging.Logger
	Config     *ServerConfig

	// Optional
	Changes  ChangeSource        // serves /api/changes
	Hub      *DecisionHub        // serves /api/ws/decisions
	Recorder RequestRecorder     // per-request metrics
	Gatherer prometheus.Gatherer // serves /metrics; defaults to the global registry
	Limiter  *ratelimit.Limiter  // bounds rule mutations per client IP
}

// NewServer creates a new API server with the provided options
func NewServer(opts ServerOptions) (*Server, error) {
	if opts.Controller == nil {
		return nil, errors.New("api: controller is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.New(logging.DefaultConfig())
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = DefaultServerConfig()
	}
	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		ctl:       opts.Controller,
		changes:   opts.Changes,
		hub:       opts.Hub,
		logger:    logger.WithComponent("api"),
		recorder:  opts.Recorder,
		gatherer:  gatherer,
		limiter:   opts.Limiter,
		config:    cfg,
		startTime: time.Now(),
	}
	s.initRoutes()
	return s, nil
}

// initRoutes initializes the HTTP router
func (s *Server) initRoutes() {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /readyz", s.handleHealth)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/brand", s.handleBrand)

	mux.HandleFunc("GET /api/scopes", s.handleScopes)
	mux.HandleFunc("GET /api/scopes/{ip}/{table}", s.handleScopeStats)
	mux.HandleFunc("GET /api/scopes/{ip}/{table}/rules", s.handleGetRules)
	mux.Handle("POST /api/scopes/{ip}/{table}/rules", s.limited(s.handleCommit))
	mux.Handle("POST /api/scopes/{ip}/{table}/delete", s.limited(s.handleDelete))
	mux.Handle("POST /api/scopes/{ip}/{table}/apply", s.limited(s.handleApply))
	mux.Handle("POST /api/scopes/{ip}/{table}/reset", s.limited(s.handleReset))
	mux.HandleFunc("POST /api/scopes/{ip}/{table}/classify", s.handleClassify)
	mux.HandleFunc("GET /api/scopes/{ip}/{table}/tier", s.handleTier)

	mux.HandleFunc("GET /api/export", s.handleExport)
	mux.HandleFunc("GET /api/changes", s.handleChanges)

	if s.hub != nil {
		mux.Handle("GET /api/ws/decisions", s.hub)
	}

	mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	s.mux = mux
}

// Handler returns the full middleware chain.
func (s *Server) Handler() http.Handler {
	// Chain: i18n -> AccessLog -> Mux
	return i18n.Middleware(AccessLogger(s.logger, s.recorder, s.mux))
}

// limited applies the mutation limiter, keyed by client IP.
func (s *Server) limited(h http.HandlerFunc) http.Handler {
	if !s.limiter.Enabled() {
		return h
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ok, retry := s.limiter.Allow(getClientIP(r))
		if !ok {
			secs := int(math.Ceil(retry.Seconds()))
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			WriteErrorCtx(w, r, http.StatusTooManyRequests, "too many requests, retry in %ds", secs)
			return
		}
		h(w, r)
	})
}

func (s *Server) httpServer() *http.Server {
	return &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.config.ReadHeaderTimeout,
		ReadTimeout:       s.config.ReadTimeout,
		WriteTimeout:      s.config.WriteTimeout,
		IdleTimeout:       s.config.IdleTimeout,
		MaxHeaderBytes:    s.config.MaxHeaderBytes,
	}
}

// Serve accepts connections on ln until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := s.httpServer()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	s.logger.Info("API server listening", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()
	if s.hub != nil {
		s.hub.Close()
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.logger.Info("API server stopped")
	return nil
}

// ListenAndServe listens on addr and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// StatusResponse is returned by /api/status.
type StatusResponse struct {
	Status      string `json:"status"`
	Version     string `json:"version"`
	Uptime      string `json:"uptime"`
	Scopes      int    `json:"scopes"`
	Subscribers int    `json:"subscribers"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		Status:  "online",
		Version: brand.Version,
		Uptime:  time.Since(s.startTime).Round(time.Second).String(),
		Scopes:  len(s.ctl.Engine().Scopes()),
	}
	if s.hub != nil {
		resp.Subscribers = s.hub.Subscribers()
	}
	WriteJSON(w, http.StatusOK, resp)
}

func (s *Server) handleBrand(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, brand.Get())
}
