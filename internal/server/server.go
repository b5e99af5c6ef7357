package server

import (
	"context"
	"net/http"
	"time"

	"github.com/campuspay/fulfillment/internal/config"
	creditdomain "github.com/campuspay/fulfillment/internal/credit/domain"
	"github.com/campuspay/fulfillment/internal/engine"
	"github.com/campuspay/fulfillment/internal/gateway"
	"github.com/campuspay/fulfillment/internal/heartbeat"
	"github.com/campuspay/fulfillment/internal/notify"
	"github.com/campuspay/fulfillment/internal/observability"
	obslogger "github.com/campuspay/fulfillment/internal/observability/logger"
	obsmetrics "github.com/campuspay/fulfillment/internal/observability/metrics"
	obstracing "github.com/campuspay/fulfillment/internal/observability/tracing"
	outboxdomain "github.com/campuspay/fulfillment/internal/outbox/domain"
	"github.com/campuspay/fulfillment/internal/plan"
	txdomain "github.com/campuspay/fulfillment/internal/transaction/domain"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

// NewEngine assembles the gin engine with the shared middleware chain.
func NewEngine(obsCfg observability.Config) *gin.Engine {
	if !obsCfg.Debug() {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obslogger.GinMiddleware(obslogger.MiddlewareConfig{Debug: obsCfg.Debug()}))
	r.Use(obstracing.GinMiddleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config) *gin.Engine {
	return NewEngine(obsCfg)
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
	engine     *gin.Engine
	cfg        config.Config
	db         *gorm.DB
	catalog    *plan.Catalog
	txSvc      txdomain.Service
	creditSvc  creditdomain.Service
	outboxSvc  outboxdomain.Service
	gateway    gateway.Gateway
	monitor    *heartbeat.Monitor
	hub        *notify.Hub
	loops      *engine.Engine
	obsMetrics *obsmetrics.Metrics
}

type ServerParams struct {
	fx.In

	Gin        *gin.Engine
	Cfg        config.Config
	DB         *gorm.DB
	Catalog    *plan.Catalog
	TxSvc      txdomain.Service
	CreditSvc  creditdomain.Service
	OutboxSvc  outboxdomain.Service
	Gateway    gateway.Gateway
	Monitor    *heartbeat.Monitor
	Hub        *notify.Hub
	Loops      *engine.Engine      `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:     p.Gin,
		cfg:        p.Cfg,
		db:         p.DB,
		catalog:    p.Catalog,
		txSvc:      p.TxSvc,
		creditSvc:  p.CreditSvc,
		outboxSvc:  p.OutboxSvc,
		gateway:    p.Gateway,
		monitor:    p.Monitor,
		hub:        p.Hub,
		loops:      p.Loops,
		obsMetrics: p.ObsMetrics,
	}

	svc.registerAPIRoutes()

	return svc
}

func (s *Server) registerAPIRoutes() {
	v1 := s.engine.Group("/v1")

	v1.POST("/transactions", s.CreateTransaction)
	v1.GET("/transactions/:id", s.GetTransaction)

	v1.POST("/webhooks/mpesa", s.MpesaWebhook)

	v1.GET("/verifications/pending", s.ListPendingVerifications)
	v1.POST("/verifications/:id", s.SubmitVerification)

	v1.GET("/users/:uid/credits", s.GetCredits)
	v1.POST("/users/:uid/credits/consume", s.ConsumeCredit)

	v1.GET("/status", s.Status)
	v1.GET("/events", s.StreamEvents)

	admin := v1.Group("/admin")
	admin.PUT("/users/:uid/credits", s.AdminSetCredits)
	admin.POST("/outbox/dead-letters/:id/replay", s.ReplayDeadLetter)
}
