package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"trading-aggregator/internal/aggregator"
	"trading-aggregator/internal/bus"
	"trading-aggregator/internal/metrics"
	"trading-aggregator/internal/risk"
	"trading-aggregator/pkg/config"
)

// Server wires the monitoring HTTP and WebSocket surface around the core.
type Server struct {
	Router *gin.Engine

	cfg        *config.Config
	core       *aggregator.Core
	col        *metrics.Collector
	risk       *risk.Engine
	bus        *bus.Adapter
	hub        *Hub
	logger     zerolog.Logger
	httpSrv    *http.Server
	instanceID string
	startedAt  time.Time
}

func NewServer(cfg *config.Config, core *aggregator.Core, col *metrics.Collector, riskEng *risk.Engine, adapter *bus.Adapter, hub *Hub, instanceID string) *Server {
	r := gin.New()

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger())
	r.Use(RateLimitMiddleware(newIPLimiters()))
	r.Use(TimeoutMiddleware(30 * time.Second))
	r.Use(CORSMiddleware())

	s := &Server{
		Router:     r,
		cfg:        cfg,
		core:       core,
		col:        col,
		risk:       riskEng,
		bus:        adapter,
		hub:        hub,
		logger:     log.With().Str("component", "api").Logger(),
		instanceID: instanceID,
		startedAt:  time.Now(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.col.Registry(), promhttp.HandlerOpts{})))
	s.Router.GET("/ws", s.serveWS)

	api := s.Router.Group("/api")
	{
		api.GET("/metrics", s.getMetrics)
		api.GET("/metrics/orders", s.getOrderMetrics)
		api.GET("/metrics/risk", s.getRiskMetrics)
		api.GET("/metrics/risk/journal", s.getRiskJournal)
		api.GET("/metrics/queue", s.getQueueMetrics)
		api.GET("/metrics/bus", s.getBusMetrics)
		api.GET("/metrics/sltp", s.getSLTPMetrics)
		api.GET("/metrics/history", s.getHistory)
		api.GET("/sources", s.getSources)
		api.GET("/orders", s.getOrders)
		api.GET("/positions", s.getPositions)

		api.POST("/auth/login", s.login)

		control := api.Group("/control")
		control.Use(AuthMiddleware(s.cfg.Auth.JWTSecret))
		{
			control.POST("/reset-metrics", s.resetMetrics)
			control.POST("/risk/pause", s.pauseRisk)
			control.POST("/risk/resume", s.resumeRisk)
			control.POST("/risk/shadow", s.setShadowMode)
		}
	}
}

// Start blocks serving HTTP until Shutdown or a listener error.
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.cfg.Monitoring.Host, s.cfg.Monitoring.Port)
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.Router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.logger.Info().Str("addr", addr).Msg("monitoring server listening")
	if err := s.httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}
