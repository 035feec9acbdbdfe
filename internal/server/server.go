package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	auditdomain "github.com/smallbiznis/hotelier/internal/audit/domain"
	"github.com/smallbiznis/hotelier/internal/config"
	creditnotedomain "github.com/smallbiznis/hotelier/internal/creditnote/domain"
	invoicedomain "github.com/smallbiznis/hotelier/internal/invoice/domain"
	"github.com/smallbiznis/hotelier/internal/observability"
	obsmiddleware "github.com/smallbiznis/hotelier/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/hotelier/internal/observability/metrics"
	obstracing "github.com/smallbiznis/hotelier/internal/observability/tracing"
	resolutiondomain "github.com/smallbiznis/hotelier/internal/resolution/domain"
	submissiondomain "github.com/smallbiznis/hotelier/internal/submission/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Provide(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(httpMetrics.GinMiddleware())
	r.Use(OperatorContext())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	return NewEngine(obsCfg, httpMetrics)
}

func run(lc fx.Lifecycle, cfg config.Config, log *zap.Logger, s *Server) {
	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           s.Engine(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", srv.Addr))
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
	engine        *gin.Engine
	cfg           config.Config
	db            *gorm.DB
	log           *zap.Logger
	auditSvc      auditdomain.Service
	invoiceSvc    invoicedomain.Service
	submissionSvc submissiondomain.Service
	creditNoteSvc creditnotedomain.Service
	resolutionSvc resolutiondomain.Service
}

type ServerParams struct {
	fx.In

	Gin           *gin.Engine
	Cfg           config.Config
	DB            *gorm.DB `optional:"true"`
	Log           *zap.Logger
	AuditSvc      auditdomain.Service
	InvoiceSvc    invoicedomain.Service
	SubmissionSvc submissiondomain.Service
	CreditNoteSvc creditnotedomain.Service
	ResolutionSvc resolutiondomain.Service
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:        p.Gin,
		cfg:           p.Cfg,
		db:            p.DB,
		log:           p.Log.Named("http.server"),
		auditSvc:      p.AuditSvc,
		invoiceSvc:    p.InvoiceSvc,
		submissionSvc: p.SubmissionSvc,
		creditNoteSvc: p.CreditNoteSvc,
		resolutionSvc: p.ResolutionSvc,
	}

	svc.engine.GET("/health", svc.Health)
	svc.registerAPIRoutes()
	svc.registerAdminRoutes()
	svc.registerFallback()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api")

	// -------- Invoices --------
	api.POST("/invoices", s.CreateInvoice)
	api.GET("/invoices", s.ListInvoices)
	api.GET("/invoices/:id", s.GetInvoiceByID)
	api.GET("/invoices/:id/attempts", s.ListInvoiceAttempts)
	api.POST("/invoices/:id/submit", s.SubmitInvoice)
	api.POST("/invoices/:id/cancel", s.CancelInvoice)
	api.DELETE("/invoices/:id", s.DeleteInvoice)

	// -------- Credit notes --------
	api.POST("/invoices/:id/credit-notes", s.IssueCreditNote)
	api.GET("/invoices/:id/credit-notes", s.ListCreditNotes)

	// -------- Reports --------
	api.GET("/reports/revenue", s.RevenueReport)
}

func (s *Server) registerAdminRoutes() {
	admin := s.engine.Group("/admin", s.AdminTokenRequired())

	admin.PUT("/resolutions/:prefix", s.ConfigureResolution)
	admin.GET("/resolutions/:prefix", s.GetResolution)
	admin.GET("/resolutions/:prefix/usage", s.GetResolutionUsage)
	admin.POST("/submissions/retry", s.RetryDueSubmissions)

	admin.GET("/audit-logs", s.ListAuditLogs)
}

func (s *Server) registerFallback() {
	s.engine.NoRoute(func(c *gin.Context) {
		AbortWithError(c, ErrNotFound)
	})
}

// Health reports liveness and, when a database handle is wired, its reachability.
func (s *Server) Health(c *gin.Context) {
	if s.db != nil {
		sqlDB, err := s.db.DB()
		if err == nil {
			ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
			err = sqlDB.PingContext(ctx)
			cancel()
		}
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "database": "unreachable"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
