package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/metrics"
)

// MetricsServer serves the Prometheus endpoint while the sync core runs. It is
// inert when no address is configured.
type MetricsServer struct {
	addr     string
	srv      *http.Server
	listener net.Listener
	logger   *zap.Logger
}

// NewMetricsServer creates the metrics server for the configured address.
func NewMetricsServer(p Params, logger *zap.Logger) *MetricsServer {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	return &MetricsServer{
		addr: p.Config.Metrics.Addr,
		srv: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger,
	}
}

// Enabled reports whether an address is configured.
func (s *MetricsServer) Enabled() bool {
	return s.addr != ""
}

// Addr returns the bound address once Listen has succeeded.
func (s *MetricsServer) Addr() string {
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// Listen binds the configured address.
func (s *MetricsServer) Listen() error {
	if !s.Enabled() {
		return nil
	}
	l, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen metrics %s: %w", s.addr, err)
	}
	s.listener = l
	return nil
}

// Serve handles requests until Stop. Blocks.
func (s *MetricsServer) Serve() error {
	if s.listener == nil {
		return nil
	}
	s.logger.Info("metrics server starting", zap.String("addr", s.Addr()))
	if err := s.srv.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop performs a graceful shutdown.
func (s *MetricsServer) Stop(ctx context.Context) {
	if s.listener == nil {
		return
	}
	s.logger.Info("metrics server stopping")
	if err := s.srv.Shutdown(ctx); err != nil {
		s.logger.Warn("metrics server shutdown", zap.Error(err))
	}
}
