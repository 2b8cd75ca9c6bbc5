package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/nimburion/dlqreplay/pkg/config"
	"github.com/nimburion/dlqreplay/pkg/health"
	"github.com/nimburion/dlqreplay/pkg/middleware/logging"
	"github.com/nimburion/dlqreplay/pkg/middleware/recovery"
	"github.com/nimburion/dlqreplay/pkg/middleware/requestid"
	"github.com/nimburion/dlqreplay/pkg/observability/logger"
	"github.com/nimburion/dlqreplay/pkg/observability/metrics"
	"github.com/nimburion/dlqreplay/pkg/server/router"
)

// ManagementServer serves probes and metrics on a separate port:
//   - /health: liveness, always 200
//   - /ready: runs the health registry, 503 when any dependency is unhealthy
//   - /metrics: Prometheus exposition
type ManagementServer struct {
	*Server
	healthRegistry  *health.Registry
	metricsRegistry *metrics.Registry
}

// NewManagementServer wires the management endpoints on r. Probe and scrape requests are
// not logged.
func NewManagementServer(
	cfg config.ManagementConfig,
	r router.Router,
	log logger.Logger,
	healthRegistry *health.Registry,
	metricsRegistry *metrics.Registry,
) (*ManagementServer, error) {
	r.Use(
		requestid.RequestID(),
		logging.WithConfig(log, logging.Config{
			ExcludedPathPrefixes: []string{"/health", "/ready", "/metrics"},
		}),
		recovery.Recovery(log),
	)

	serverCfg := Config{
		Port:         cfg.Port,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}
	if cfg.MTLSEnabled {
		tlsConfig, err := managementTLSConfig(cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to load management mTLS config: %w", err)
		}
		serverCfg.TLSConfig = tlsConfig
		log.Info("management mTLS enabled")
	}

	s := &ManagementServer{
		Server:          NewServer(serverCfg, r, log),
		healthRegistry:  healthRegistry,
		metricsRegistry: metricsRegistry,
	}

	r.GET("/health", s.handleHealth)
	r.GET("/ready", s.handleReady)
	r.GET("/metrics", s.handleMetrics)

	return s, nil
}

func (s *ManagementServer) handleHealth(c router.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status": "healthy",
	})
}

func (s *ManagementServer) handleReady(c router.Context) error {
	result := s.healthRegistry.Check(c.Request().Context())
	if !result.IsHealthy() {
		return c.JSON(http.StatusServiceUnavailable, result)
	}
	return c.JSON(http.StatusOK, result)
}

func (s *ManagementServer) handleMetrics(c router.Context) error {
	s.metricsRegistry.Handler().ServeHTTP(c.Response(), c.Request())
	return nil
}
