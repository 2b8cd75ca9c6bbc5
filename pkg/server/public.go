package server

import (
	"github.com/nimburion/dlqreplay/pkg/config"
	"github.com/nimburion/dlqreplay/pkg/middleware/logging"
	"github.com/nimburion/dlqreplay/pkg/middleware/metrics"
	"github.com/nimburion/dlqreplay/pkg/middleware/recovery"
	"github.com/nimburion/dlqreplay/pkg/middleware/requestid"
	"github.com/nimburion/dlqreplay/pkg/middleware/tracing"
	"github.com/nimburion/dlqreplay/pkg/observability/logger"
	"github.com/nimburion/dlqreplay/pkg/server/router"
)

// PublicAPIServer serves the replay API.
type PublicAPIServer struct {
	*Server
}

// NewPublicAPIServer applies the standard middleware stack to r:
//  1. request id
//  2. request logging
//  3. panic recovery, inside logging so a recovered panic is logged as a 500
//  4. metrics, when enabled
//  5. tracing, when enabled
func NewPublicAPIServer(cfg config.HTTPConfig, obsCfg config.ObservabilityConfig, r router.Router, log logger.Logger) *PublicAPIServer {
	r.Use(
		requestid.RequestID(),
		logging.Logging(log),
		recovery.Recovery(log),
	)
	if obsCfg.MetricsEnabled {
		r.Use(metrics.Metrics())
	}
	if obsCfg.TracingEnabled {
		r.Use(tracing.Tracing(tracing.Config{TracerName: "dlq-replayer-http"}))
	}

	return &PublicAPIServer{
		Server: NewServer(Config{
			Port:         cfg.Port,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  cfg.IdleTimeout,
		}, r, log),
	}
}
