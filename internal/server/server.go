// Package server exposes the read surface: usage queries, intensity,
// and equivalency translation. Ingestion happens only through the
// scheduler, so every endpoint here is read-only.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stfc-cloud/carbonledger/internal/carbonintensity"
	"github.com/stfc-cloud/carbonledger/internal/config"
	dimdomain "github.com/stfc-cloud/carbonledger/internal/dimension/domain"
	obslogger "github.com/stfc-cloud/carbonledger/internal/observability/logger"
	factdomain "github.com/stfc-cloud/carbonledger/internal/usagefact/domain"
	wsdomain "github.com/stfc-cloud/carbonledger/internal/workspace/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(log *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obslogger.GinMiddleware(log))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(log *zap.Logger) *gin.Engine {
	return NewEngine(log)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					panic(err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine       *gin.Engine
	cfg          config.Config
	factSvc      factdomain.Service
	dimensionSvc dimdomain.Service
	workspaceSvc wsdomain.Service
	intensity    carbonintensity.Provider
}

type ServerParams struct {
	fx.In

	Gin          *gin.Engine
	Cfg          config.Config
	FactSvc      factdomain.Service
	DimensionSvc dimdomain.Service
	WorkspaceSvc wsdomain.Service
	Intensity    carbonintensity.Provider
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:       p.Gin,
		cfg:          p.Cfg,
		factSvc:      p.FactSvc,
		dimensionSvc: p.DimensionSvc,
		workspaceSvc: p.WorkspaceSvc,
		intensity:    p.Intensity,
	}

	svc.registerAPIRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api/v1")

	usage := api.Group("/usage")
	usage.GET("/:scope/series", s.GetUsageSeries)
	usage.GET("/:scope/totals", s.GetUsageTotals)
	usage.GET("/:scope/averages", s.GetUsageAverages)

	api.GET("/intensity/current", s.GetCurrentIntensity)
	api.GET("/intensity/forecast", s.GetIntensityForecast)

	api.GET("/equivalencies", s.GetEquivalencies)

	api.GET("/dimensions/:kind", s.ListDimensions)
	api.GET("/workspaces/active", s.ListActiveWorkspaces)
}
