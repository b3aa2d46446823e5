// Package httpapi exposes the scheduling engine as a small JSON API.
//
// Endpoints:
//
//	POST /v1/schedule  run a scheduling request to a terminal state
//	POST /v1/accept    record an accepted slot for a series
//	GET  /healthz      liveness
package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"meridian/internal/engine"
	logx "meridian/pkg/logx"
)

const defaultAddr = "127.0.0.1:8780"

type Config struct {
	Enabled bool
	Addr    string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type Server struct {
	cfg Config
	opt *engine.Optimizer
	log logx.Logger

	mu  sync.Mutex
	ln  net.Listener
	srv *http.Server
}

func New(cfg Config, opt *engine.Optimizer, log logx.Logger) (*Server, error) {
	if opt == nil {
		return nil, errors.New("httpapi: optimizer is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{
		cfg: cfg,
		opt: opt,
		log: log.With(logx.String("comp", "httpapi")),
	}, nil
}

// Start binds the listener and serves in a background goroutine. No-op when
// disabled.
func (s *Server) Start(ctx context.Context) error {
	if !s.cfg.Enabled {
		s.log.Debug("api disabled")
		return nil
	}

	addr := strings.TrimSpace(s.cfg.Addr)
	if addr == "" {
		addr = defaultAddr
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return nil
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("POST /v1/schedule", s.handleSchedule)
	mux.HandleFunc("POST /v1/accept", s.handleAccept)

	srv := &http.Server{
		Handler:      mux,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}
	s.ln = ln
	s.srv = srv

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("api server failed", logx.Err(err))
		}
	}()
	s.log.Info("api listening", logx.String("addr", ln.Addr().String()))
	return nil
}

// Addr returns the bound address, empty if not started.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Stop shuts the server down gracefully, bounded by ctx.
func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	srv := s.srv
	s.srv = nil
	s.ln = nil
	s.mu.Unlock()
	if srv == nil {
		return
	}
	if err := srv.Shutdown(ctx); err != nil {
		_ = srv.Close()
	}
}
