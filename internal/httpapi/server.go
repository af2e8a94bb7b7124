// Package httpapi is the REST surface of the platform: the historical
// query endpoints, the websocket admin endpoints and the upgrade route.
package httpapi

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/sawpanic/klinehub/internal/cache"
	"github.com/sawpanic/klinehub/internal/config"
	"github.com/sawpanic/klinehub/internal/engine"
	"github.com/sawpanic/klinehub/internal/telemetry"
	"github.com/sawpanic/klinehub/internal/ws"
)

// ServerConfig tunes the HTTP server itself.
type ServerConfig struct {
	Addr            string
	ReadTimeout     time.Duration // default 10s
	WriteTimeout    time.Duration // default 30s
	IdleTimeout     time.Duration // default 60s
	RequestTimeout  time.Duration // per-request deadline, default 30s
	RateLimitRPM    int           // 0 disables limiting
	ShutdownTimeout time.Duration // default 30s
}

func (c ServerConfig) withDefaults() ServerConfig {
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 30 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 60 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
	return c
}

// Server routes REST and websocket traffic to the engine and the
// connection manager.
type Server struct {
	cfg     ServerConfig
	router  *mux.Router
	handler http.Handler
	server  *http.Server
	engine  *engine.Engine
	cache   *cache.TieredCache
	mgr     *ws.Manager
	health  *telemetry.HealthChecker
	metrics http.Handler
	scaling config.ScalingConfig
	limiter *rate.Limiter
	started time.Time
}

// NewServer wires the routes. Nothing listens until Start.
func NewServer(cfg ServerConfig, eng *engine.Engine, c *cache.TieredCache, mgr *ws.Manager,
	health *telemetry.HealthChecker, metrics http.Handler, scaling config.ScalingConfig) *Server {
	cfg = cfg.withDefaults()
	s := &Server{
		cfg:     cfg,
		router:  mux.NewRouter(),
		engine:  eng,
		cache:   c,
		mgr:     mgr,
		health:  health,
		metrics: metrics,
		scaling: scaling,
	}
	if cfg.RateLimitRPM > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(float64(cfg.RateLimitRPM)/60.0), cfg.RateLimitRPM)
	}
	s.routes()
	// Middleware wraps the router itself so CORS preflights and unmatched
	// methods still pass through it.
	s.handler = s.requestID(s.logging(s.rateLimit(s.cors(s.timeout(s.router)))))
	s.server = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

// Handler exposes the full middleware chain, mainly for tests.
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) routes() {
	s.router.HandleFunc("/historical-data", s.handleHistorical).Methods(http.MethodGet)
	s.router.HandleFunc("/multi-period", s.handleMultiPeriod).Methods(http.MethodGet)
	s.router.HandleFunc("/quality-check", s.handleQualityCheck).Methods(http.MethodGet)
	s.router.HandleFunc("/batch-data", s.handleBatch).Methods(http.MethodGet)

	s.router.HandleFunc("/cache/stats", s.handleCacheStats).Methods(http.MethodGet)
	s.router.HandleFunc("/cache/invalidate", s.handleCacheInvalidate).Methods(http.MethodPost)

	s.router.HandleFunc("/ws/status", s.handleWSStatus).Methods(http.MethodGet)
	s.router.HandleFunc("/ws/connections", s.handleWSConnections).Methods(http.MethodGet)
	s.router.HandleFunc("/ws/health", s.handleWSHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/ws/broadcast", s.handleBroadcast).Methods(http.MethodPost)
	s.router.HandleFunc("/ws/disconnect/{client_id}", s.handleDisconnect).Methods(http.MethodPost)

	if s.mgr != nil {
		s.router.HandleFunc("/ws", s.mgr.HandleWS)
	}
	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics)
	}
}

// Start begins serving. It returns once the listener goroutine is up.
func (s *Server) Start() {
	s.started = time.Now()
	go func() {
		log.Info().Str("addr", s.cfg.Addr).Msg("http server listening")
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("http server stopped")
		}
	}()
}

// Shutdown stops accepting connections, broadcasts the closing notice and
// drains within the configured timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()

	if s.mgr != nil {
		s.mgr.Broadcast(ws.Outbound{
			Type:      ws.MsgStatus,
			Data:      map[string]string{"status": "server_shutdown"},
			Timestamp: time.Now().UnixMilli(),
			MessageID: uuid.NewString(),
		})
	}
	err := s.server.Shutdown(ctx)
	if s.mgr != nil {
		s.mgr.Shutdown()
	}
	return err
}

// Middleware.

type ctxKey string

const requestIDKey ctxKey = "request_id"

func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

func (s *Server) logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", sw.status).
			Dur("elapsed", time.Since(start)).
			Msg("http request")
	})
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil && !s.limiter.Allow() {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) timeout(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The upgrade endpoint keeps its connection for the client's
		// lifetime; a deadline there would kill every stream.
		if r.URL.Path == "/ws" {
			next.ServeHTTP(w, r)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack lets the websocket upgrader take over the underlying connection
// even though the logging middleware wrapped the writer.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("underlying response writer does not support hijacking")
	}
	return h.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
