package ringsocket

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/wbudd/ringsocket-go/internal/metrics"
)

// metricsServer wraps the /metrics http.Server so Shutdown can close
// it without the rest of this package depending on net/http directly.
type metricsServer struct {
	srv    *http.Server
	logger zerolog.Logger
}

func startMetricsServer(addr string, logger zerolog.Logger) *metricsServer {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	ms := &metricsServer{srv: srv, logger: logger}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server exited")
		}
	}()
	return ms
}

func (m *metricsServer) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.srv.Shutdown(ctx); err != nil {
		m.logger.Warn().Err(err).Msg("metrics server shutdown error")
	}
}
