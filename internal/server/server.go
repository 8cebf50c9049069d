package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	auditdomain "github.com/relaybill/relaybill/internal/audit/domain"
	"github.com/relaybill/relaybill/internal/billing"
	"github.com/relaybill/relaybill/internal/config"
	ledgerdomain "github.com/relaybill/relaybill/internal/ledger/domain"
	"github.com/relaybill/relaybill/internal/observability"
	obsmiddleware "github.com/relaybill/relaybill/internal/observability/logger"
	obsmetrics "github.com/relaybill/relaybill/internal/observability/metrics"
	obstracing "github.com/relaybill/relaybill/internal/observability/tracing"
	"github.com/relaybill/relaybill/internal/quota"
	"github.com/relaybill/relaybill/internal/reconcile"
	subscriptiondomain "github.com/relaybill/relaybill/internal/subscription/domain"
	"github.com/relaybill/relaybill/internal/webhook"
	"go.uber.org/fx"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics, registry *prometheus.Registry) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	if httpMetrics != nil {
		r.Use(httpMetrics.GinMiddleware())
	}
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})))

	return r
}

func registerGin(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics, registry *prometheus.Registry) *gin.Engine {
	return NewEngine(obsCfg, httpMetrics, registry)
}

func run(lc fx.Lifecycle, r *gin.Engine) {
	srv := &http.Server{
		Addr:    ":8080",
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
	orchestrator *billing.Orchestrator
	ledgerSvc    ledgerdomain.Service
	quotaEnf     *quota.Enforcer
	webhookProc  *webhook.Processor
	reconcileSvc *reconcile.Service
	auditSvc     auditdomain.Service
	subs         subscriptiondomain.Repository
}

type ServerParams struct {
	fx.In

	Gin          *gin.Engine
	Cfg          config.Config
	Orchestrator *billing.Orchestrator
	LedgerSvc    ledgerdomain.Service
	QuotaEnf     *quota.Enforcer
	WebhookProc  *webhook.Processor
	ReconcileSvc *reconcile.Service
	AuditSvc     auditdomain.Service
	Subs         subscriptiondomain.Repository
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:       p.Gin,
		cfg:          p.Cfg,
		orchestrator: p.Orchestrator,
		ledgerSvc:    p.LedgerSvc,
		quotaEnf:     p.QuotaEnf,
		webhookProc:  p.WebhookProc,
		reconcileSvc: p.ReconcileSvc,
		auditSvc:     p.AuditSvc,
		subs:         p.Subs,
	}

	svc.registerAPIRoutes()
	svc.registerAdminRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api")

	// -------- Charges --------
	api.POST("/charges", s.PrincipalRequired(), s.Charge)
	api.POST("/charges/authorize", s.PrincipalRequired(), s.AuthorizeCharge)
	api.POST("/charges/:correlation_id/finalize", s.PrincipalRequired(), s.FinalizeCharge)

	// -------- Attributions / balance --------
	api.GET("/attributions/:correlation_id", s.PrincipalRequired(), s.GetAttribution)
	api.GET("/balance", s.PrincipalRequired(), s.GetBalance)
	api.GET("/quota", s.PrincipalRequired(), s.GetQuotaUsage)

	// -------- Provider webhooks --------
	// Authenticated by signature, not by principal.
	api.POST("/billing/webhooks/:provider", s.HandleBillingWebhook)
}

func (s *Server) registerAdminRoutes() {
	admin := s.engine.Group("/admin")
	admin.Use(s.ActorRequired())

	admin.POST("/pools/:pool_id/allocations", s.CreateAllocation)
	admin.POST("/pools/:pool_id/credits", s.GrantCredits)
	admin.GET("/pools/:pool_id/balance", s.GetPoolBalance)
	admin.POST("/refunds", s.CreateRefund)
	admin.POST("/quota/:principal_id/reset", s.ResetQuota)
	admin.GET("/reconciliation", s.GetReconciliationReport)
	admin.GET("/subscriptions", s.ListSubscriptions)
	admin.GET("/audit-logs", s.ListAuditLogs)
}
