// Package api is the HTTP surface: REST reads and mailbox management,
// webhook CRUD, admin rate-limit CRUD, WebSocket push, optional
// account auth, the tools endpoint and static assets.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/themadorg/tossmail/internal/bus"
	"github.com/themadorg/tossmail/internal/metrics"
	"github.com/themadorg/tossmail/internal/ratelimit"
	"github.com/themadorg/tossmail/internal/storage"
	"github.com/themadorg/tossmail/internal/webhooks"
)

// Config carries the API-facing configuration.
type Config struct {
	Domain            string
	AuthEnabled       bool
	AuthSecret        string
	AuthAllowedDomain string
	AuthTokenTTL      time.Duration
	ToolsToken        string
	StaticDir         string
}

// Server is the HTTP endpoint.
type Server struct {
	cfg   Config
	store storage.Backend
	bus   *bus.Bus
	hooks *webhooks.Dispatcher
	gate  *ratelimit.Gate
	log   *zap.Logger

	httpSrv *http.Server
}

// New wires the HTTP surface to its collaborators.
func New(cfg Config, store storage.Backend, b *bus.Bus, hooks *webhooks.Dispatcher, log *zap.Logger) *Server {
	return &Server{
		cfg:   cfg,
		store: store,
		bus:   b,
		hooks: hooks,
		gate:  ratelimit.New(store, log.Named("ratelimit")),
		log:   log,
	}
}

// Handler builds the full route table with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/emails/{address}", s.handleListEmails)
	mux.HandleFunc("GET /api/email/{id}", s.handleGetEmail)
	mux.HandleFunc("DELETE /api/email/{id}", s.handleDeleteEmail)
	mux.HandleFunc("GET /api/search", s.handleSearch)

	mux.HandleFunc("GET /api/mailbox/{address}/status", s.handleMailboxStatus)
	mux.HandleFunc("POST /api/mailbox/{address}/claim", s.handleClaimMailbox)
	mux.HandleFunc("POST /api/mailbox/{address}/release", s.handleReleaseMailbox)

	mux.HandleFunc("POST /api/webhooks", s.handleCreateWebhook)
	mux.HandleFunc("GET /api/webhooks/{address}", s.handleListWebhooks)
	mux.HandleFunc("GET /api/webhook/{id}", s.handleGetWebhook)
	mux.HandleFunc("PUT /api/webhook/{id}", s.handleUpdateWebhook)
	mux.HandleFunc("DELETE /api/webhook/{id}", s.handleDeleteWebhook)
	mux.HandleFunc("POST /api/webhook/{id}/test", s.handleTestWebhook)

	mux.HandleFunc("GET /api/admin/rate-limit/{address}", s.handleGetRateLimit)
	mux.HandleFunc("POST /api/admin/rate-limit/{address}", s.handleSetRateLimit)
	mux.HandleFunc("DELETE /api/admin/rate-limit/{address}", s.handleDeleteRateLimit)
	mux.HandleFunc("GET /api/admin/rate-limit/{address}/stats", s.handleRateLimitStats)

	mux.HandleFunc("GET /api/ws/{address}", s.handleWebSocket)

	mux.HandleFunc("GET /api/auth/status", s.handleAuthStatus)
	mux.HandleFunc("POST /api/auth/register", s.handleRegister)
	mux.HandleFunc("POST /api/auth/login", s.handleLogin)
	mux.HandleFunc("GET /api/auth/me", s.handleMe)

	mux.HandleFunc("POST /api/tools", s.handleTools)

	mux.Handle("GET /metrics", metrics.Handler())

	if s.cfg.StaticDir != "" {
		if fi, err := os.Stat(s.cfg.StaticDir); err == nil && fi.IsDir() {
			mux.Handle("/", http.FileServer(http.Dir(s.cfg.StaticDir)))
		}
	}

	// Rate limiting sits outermost on the API routes; auth runs inside
	// it. Both skip paths they do not govern.
	return s.cors(s.gate.Middleware(s.requireAuth(s.logRequests(mux))))
}

// Start binds the listener and serves on its own goroutine.
func (s *Server) Start(addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("bind api listener on %s: %w", addr, err)
	}
	s.httpSrv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.log.Info("api listener started", zap.String("addr", addr))
	go func() {
		if err := s.httpSrv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("api listener failed", zap.Error(err))
		}
	}()
	return nil
}

// Shutdown stops accepting and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("took", time.Since(start)))
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError emits the uniform {status, message} error body.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]interface{}{
		"status":  status,
		"message": message,
	})
}

func decodeBody(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	return dec.Decode(v)
}
