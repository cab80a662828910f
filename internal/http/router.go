package http

import (
	"context"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/tackle-tarts/giveaway-backend/internal/common/config"
	"github.com/tackle-tarts/giveaway-backend/internal/common/middleware"
	"github.com/tackle-tarts/giveaway-backend/internal/domain/raffle"
	"github.com/tackle-tarts/giveaway-backend/internal/payment"
	"github.com/tackle-tarts/giveaway-backend/internal/platform/metrics"
	"github.com/tackle-tarts/giveaway-backend/internal/service/auth"
	"github.com/tackle-tarts/giveaway-backend/internal/service/checkout"
	"github.com/tackle-tarts/giveaway-backend/internal/service/ledger"
	"github.com/tackle-tarts/giveaway-backend/internal/service/reconcile"
)

// CompetitionCache is the read-through cache for competition views.
type CompetitionCache interface {
	Get(ctx context.Context, id int64) (*raffle.Competition, error)
	Set(ctx context.Context, c *raffle.Competition) error
	GetList(ctx context.Context, status raffle.CompetitionStatus, limit, offset int) ([]raffle.Competition, error)
	SetList(ctx context.Context, status raffle.CompetitionStatus, limit, offset int, list []raffle.Competition) error
	Invalidate(ctx context.Context, id int64) error
}

// EventQueue hands verified payment events to the stream worker.
type EventQueue interface {
	Publish(ctx context.Context, ev *payment.Event) (string, error)
}

// Checker is a readiness dependency.
type Checker func(ctx context.Context) error

// Deps is everything the router needs. Cache, Queue and Checks are optional.
type Deps struct {
	Config    *config.Config
	Auth      *auth.Service
	Ledger    *ledger.Service
	Checkout  *checkout.Service
	Reconcile *reconcile.Service
	Metrics   *metrics.Metrics
	Cache     CompetitionCache
	Queue     EventQueue
	Checks    map[string]Checker
}

// NewRouter builds the gin engine with every route registered.
func NewRouter(d Deps) *gin.Engine {
	if !d.Config.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(middleware.RequestID())
	r.Use(middleware.ErrorHandler())
	r.Use(middleware.Logger())
	if d.Metrics != nil {
		r.Use(d.Metrics.Middleware())
	}
	r.Use(cors.New(cors.Config{
		AllowOrigins:     d.Config.Server.Origins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Request-ID"},
		ExposeHeaders:    []string{"Content-Length", "X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))
	r.Use(middleware.HandleErrors())

	NewHealthHandlers(d.Checks).Register(r)
	if d.Metrics != nil {
		r.GET("/metrics", gin.WrapH(d.Metrics.Handler()))
	}

	limiter := middleware.NewRateLimiter(d.Config.Server.RateLimitRPS, d.Config.Server.RateLimitBurst)
	requireAuth := middleware.RequireAuth(d.Auth)

	api := r.Group("/api/v1")
	NewAuthHandlers(d.Auth).Register(api.Group("/auth", limiter.Middleware("auth")))

	comps := NewCompetitionHandlers(d.Ledger, d.Checkout, d.Cache, d.Config.Raffle.DirectPurchase)
	comps.Register(api, requireAuth, limiter.Middleware("checkout"))

	admin := api.Group("/admin", requireAuth, middleware.RequireAdmin())
	NewAdminHandlers(d.Ledger, d.Cache).Register(admin)

	payments := NewPaymentHandlers(d.Reconcile, d.Queue, d.Cache, d.Config.Payment.Async)
	webhookLimiter := middleware.NewRateLimiter(d.Config.Server.WebhookRateLimitRPS, d.Config.Server.WebhookRateLimitBurst)
	payments.Register(api.Group("/payments", webhookLimiter.Middleware("webhook")))

	return r
}
