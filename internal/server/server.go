// Package server hosts the gateway: the public listener the tunnel points
// at and the loopback control API.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/koltyakov/tunnelguard/internal/audit"
	"github.com/koltyakov/tunnelguard/internal/breaker"
	"github.com/koltyakov/tunnelguard/internal/engine"
	"github.com/koltyakov/tunnelguard/internal/gateway"
	"github.com/koltyakov/tunnelguard/internal/guard"
	ilog "github.com/koltyakov/tunnelguard/internal/log"
)

const (
	shutdownTimeout        = 5 * time.Second
	defaultJanitorInterval = time.Minute
)

// Config holds the listener settings.
type Config struct {
	PublicAddr      string
	ControlAddr     string
	AdminToken      string
	JanitorInterval time.Duration
}

// Deps are the components the server routes requests through.
type Deps struct {
	Gateway *gateway.Gateway
	Guard   *guard.Guard
	Breaker *breaker.Breaker
	Engine  *engine.Client
	Audit   *audit.Log
	Logger  *slog.Logger
}

// Server owns both listeners and the janitor loop.
type Server struct {
	cfg     Config
	gw      *gateway.Gateway
	guard   *guard.Guard
	breaker *breaker.Breaker
	engine  *engine.Client
	audit   *audit.Log
	log     *slog.Logger
}

// New returns a server over deps.
func New(cfg Config, deps Deps) *Server {
	if cfg.JanitorInterval <= 0 {
		cfg.JanitorInterval = defaultJanitorInterval
	}
	return &Server{
		cfg:     cfg,
		gw:      deps.Gateway,
		guard:   deps.Guard,
		breaker: deps.Breaker,
		engine:  deps.Engine,
		audit:   deps.Audit,
		log:     ilog.OrDiscard(deps.Logger),
	}
}

// Run serves until ctx is cancelled or a listener fails. Both listeners are
// bound before Run returns an address error.
func (s *Server) Run(ctx context.Context) error {
	publicLn, err := net.Listen("tcp", s.cfg.PublicAddr)
	if err != nil {
		return fmt.Errorf("public listener: %w", err)
	}
	controlLn, err := net.Listen("tcp", s.cfg.ControlAddr)
	if err != nil {
		_ = publicLn.Close()
		return fmt.Errorf("control listener: %w", err)
	}

	publicServer := &http.Server{
		Handler:           s.PublicHandler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	controlServer := &http.Server{
		Handler:           s.ControlHandler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go s.runJanitor(ctx)

	errCh := make(chan error, 2)
	go func() {
		s.log.Info("public gateway listening", "addr", publicLn.Addr().String())
		if err := publicServer.Serve(publicLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("public server: %w", err)
		}
	}()
	go func() {
		s.log.Info("control API listening", "addr", controlLn.Addr().String())
		if err := controlServer.Serve(controlLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("control server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		return errors.Join(
			shutdownServer(publicServer, shutdownTimeout),
			shutdownServer(controlServer, shutdownTimeout),
		)
	case err := <-errCh:
		_ = shutdownServer(publicServer, shutdownTimeout)
		_ = shutdownServer(controlServer, shutdownTimeout)
		return err
	}
}

func shutdownServer(server *http.Server, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// runJanitor evicts idle breaker state and reconciles tunnel records so
// expired temporary tunnels are stopped even without a timer.
func (s *Server) runJanitor(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.JanitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Server) sweep(ctx context.Context) {
	if s.breaker != nil {
		s.breaker.Cleanup()
	}
	if s.gw != nil {
		if _, err := s.gw.TunnelList(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.log.Warn("tunnel reconciliation failed", "err", err)
		}
	}
}
