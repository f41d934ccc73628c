// Package server serves the health check, the Telegram webhook and the admin
// API over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/cors"
	"go.uber.org/zap"
	"golang.org/x/net/netutil"

	"dilemma-experiment-backend/internal/admin"
	"dilemma-experiment-backend/internal/analytics"
	"dilemma-experiment-backend/internal/auth"
	"dilemma-experiment-backend/internal/telegram"
)

const (
	WebhookPath = "/webhook"

	// DefaultMaxConns caps concurrent connections per listener.
	DefaultMaxConns = 256

	shutdownTimeout = 10 * time.Second
)

// Routes selects what a handler serves. Nil parts are left out.
type Routes struct {
	Updates       *telegram.Queue
	WebhookSecret string

	Admin     *admin.Service
	Events    *analytics.Logger
	JWTSecret []byte

	Log *zap.Logger
}

// Handler builds the mux and wraps it in CORS.
func Handler(r Routes) http.Handler {
	log := r.Log.Named("http")
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("OK"))
	})

	if r.Updates != nil {
		mux.Handle("POST "+WebhookPath, telegram.WebhookHandler(r.Updates, r.WebhookSecret, log))
	}

	if r.Admin != nil && len(r.JWTSecret) > 0 {
		mw := auth.New(r.JWTSecret, log)
		mux.HandleFunc("GET /admin/stats", mw.Wrap(r.Admin.StatsHandler))
		mux.HandleFunc("GET /admin/sessions", mw.Wrap(r.Admin.SessionsHandler))
		mux.HandleFunc("GET /admin/export", mw.Wrap(r.Admin.ExportHandler))
		mux.HandleFunc("GET /admin/balance", mw.Wrap(r.Admin.BalanceHandler))
		if r.Events != nil {
			mux.HandleFunc("GET /admin/events", mw.Wrap(analytics.CountsHandler(r.Events)))
		}
	} else if r.Admin != nil {
		log.Warn("ADMIN_JWT_SECRET is not set, admin API disabled")
	}

	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	})
	return c.Handler(mux)
}

type Server struct {
	srv      *http.Server
	maxConns int
	log      *zap.Logger
}

func New(addr string, h http.Handler, maxConns int, log *zap.Logger) *Server {
	if maxConns <= 0 {
		maxConns = DefaultMaxConns
	}
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           h,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      60 * time.Second,
			IdleTimeout:       2 * time.Minute,
		},
		maxConns: maxConns,
		log:      log.Named("server"),
	}
}

// Run listens on the configured address and serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.srv.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts on ln until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	ln = netutil.LimitListener(ln, s.maxConns)
	s.log.Info("http server listening", zap.String("addr", ln.Addr().String()), zap.Int("max_conns", s.maxConns))

	errc := make(chan error, 1)
	go func() { errc <- s.srv.Serve(ln) }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.log.Info("http server stopped")
	return nil
}
