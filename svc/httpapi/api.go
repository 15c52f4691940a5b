// Package httpapi exposes the billing engine over HTTP.
//
// Callers are identified by an owner id set by the authenticating proxy in
// front of this service. Provider webhooks are public and authenticated by
// their own signatures. Admin routes require a bearer token.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dmitrymomot/campaignbilling/pkg/gateway"
	"github.com/dmitrymomot/campaignbilling/pkg/httpserver"
	"github.com/dmitrymomot/campaignbilling/pkg/logger"
	"github.com/dmitrymomot/campaignbilling/pkg/ratelimiter"
	"github.com/dmitrymomot/campaignbilling/svc/billing"
)

type Config struct {
	// OwnerHeader carries the authenticated owner id.
	OwnerHeader string `env:"BILLING_OWNER_HEADER" envDefault:"X-Owner-ID"`
	// AdminToken enables the admin routes. Empty disables them.
	AdminToken      string `env:"BILLING_ADMIN_TOKEN"`
	MaxBodyBytes    int64  `env:"BILLING_MAX_BODY_BYTES" envDefault:"65536"`
	MaxWebhookBytes int64  `env:"BILLING_MAX_WEBHOOK_BYTES" envDefault:"1048576"`
	HistoryPageSize int    `env:"BILLING_HISTORY_PAGE_SIZE" envDefault:"20"`
}

// Payments is the payment side of the engine.
type Payments interface {
	CreatePayment(ctx context.Context, in billing.CreatePaymentInput) (billing.Checkout, error)
	HandleWebhook(ctx context.Context, provider gateway.Provider, cb gateway.Callback) (gateway.Ack, error)
	RefundPayment(ctx context.Context, paymentID, ownerID uuid.UUID, reason string) (billing.Payment, error)
	QueryPayment(ctx context.Context, paymentID, ownerID uuid.UUID) (billing.Payment, error)
	GetPayment(ctx context.Context, paymentID, ownerID uuid.UUID) (billing.Payment, error)
	History(ctx context.Context, ownerID uuid.UUID, limit, offset int) ([]billing.Payment, error)
}

// Subscriptions is the lifecycle side of the engine.
type Subscriptions interface {
	StartTrial(ctx context.Context, ownerID uuid.UUID) (billing.Subscription, error)
	Subscribe(ctx context.Context, ownerID, planID uuid.UUID) (billing.Subscription, error)
	Current(ctx context.Context, ownerID uuid.UUID) (billing.Subscription, error)
	PreviewUpgrade(ctx context.Context, ownerID, planID uuid.UUID) (billing.PlanChange, error)
	Upgrade(ctx context.Context, ownerID, planID uuid.UUID) (billing.Subscription, billing.PlanChange, error)
	PreviewDowngrade(ctx context.Context, ownerID, planID uuid.UUID) (billing.PlanChange, error)
	Downgrade(ctx context.Context, ownerID, planID uuid.UUID) (billing.Subscription, billing.PlanChange, error)
	CancelDowngrade(ctx context.Context, ownerID uuid.UUID) (billing.Subscription, error)
	Cancel(ctx context.Context, ownerID uuid.UUID, reason string) (billing.Subscription, error)
	SetAutoRenew(ctx context.Context, ownerID uuid.UUID, on bool) (billing.Subscription, error)
	SetCustomPrice(ctx context.Context, id uuid.UUID, price *int64, adj billing.PriceAdjustment) (billing.Subscription, error)
	SetPriceAdjustment(ctx context.Context, id uuid.UUID, delta *int64, adj billing.PriceAdjustment) (billing.Subscription, error)
}

// Contacts stores where billing notices for an owner are sent.
type Contacts interface {
	OwnerEmail(ctx context.Context, ownerID uuid.UUID) (string, error)
	SetOwnerEmail(ctx context.Context, ownerID uuid.UUID, addr string) error
}

type API struct {
	cfg           Config
	log           *slog.Logger
	payments      Payments
	subscriptions Subscriptions
	plans         billing.PlanStore
	contacts      Contacts
	gatherer      prometheus.Gatherer
	readiness     []func(context.Context) error
	limiter       *ratelimiter.Bucket
}

type Option func(*API)

func WithLogger(log *slog.Logger) Option {
	return func(a *API) {
		if log != nil {
			a.log = log
		}
	}
}

// WithContacts enables the contact routes.
func WithContacts(c Contacts) Option {
	return func(a *API) { a.contacts = c }
}

// WithMetrics serves g on /metrics.
func WithMetrics(g prometheus.Gatherer) Option {
	return func(a *API) { a.gatherer = g }
}

// WithReadiness adds checks run by /readyz.
func WithReadiness(checks ...func(context.Context) error) Option {
	return func(a *API) { a.readiness = append(a.readiness, checks...) }
}

// WithRateLimit throttles the routes that reach a payment provider, per
// owner.
func WithRateLimit(b *ratelimiter.Bucket) Option {
	return func(a *API) { a.limiter = b }
}

func New(cfg Config, payments Payments, subscriptions Subscriptions, plans billing.PlanStore, opts ...Option) *API {
	if cfg.OwnerHeader == "" {
		cfg.OwnerHeader = "X-Owner-ID"
	}
	if cfg.HistoryPageSize <= 0 {
		cfg.HistoryPageSize = 20
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 64 << 10
	}
	if cfg.MaxWebhookBytes <= 0 {
		cfg.MaxWebhookBytes = 1 << 20
	}
	a := &API{
		cfg:           cfg,
		log:           logger.Nop(),
		payments:      payments,
		subscriptions: subscriptions,
		plans:         plans,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.log = a.log.With(logger.Component("httpapi"))
	return a
}

// Handler returns the routed HTTP handler.
func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(a.recoverer)
	r.Use(a.accessLog)

	r.Get("/healthz", httpserver.HealthCheckHandler(a.log))
	r.Get("/readyz", httpserver.HealthCheckHandler(a.log, a.readiness...))
	if a.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(a.gatherer, promhttp.HandlerOpts{}))
	}

	r.Post("/payments/webhooks/{provider}", a.webhook)

	r.Group(func(r chi.Router) {
		r.Use(a.requireOwner)

		r.Get("/plans", handle(a, http.StatusOK, a.listPlans))

		// Flat so the public webhook route above shares the /payments prefix.
		r.Get("/payments/history", handle(a, http.StatusOK, a.paymentHistory))
		r.Get("/payments/{id}", handle(a, http.StatusOK, a.getPayment))
		r.Group(func(r chi.Router) {
			r.Use(a.throttle)
			r.Post("/payments/create", handle(a, http.StatusCreated, a.createPayment))
			r.Post("/payments/{id}/refund", handle(a, http.StatusOK, a.refundPayment))
			r.Post("/payments/{id}/query", handle(a, http.StatusOK, a.queryPayment))
		})

		r.Route("/subscriptions", func(r chi.Router) {
			r.Get("/current", handle(a, http.StatusOK, a.currentSubscription))
			r.Post("/trial", handle(a, http.StatusCreated, a.startTrial))
			r.Post("/subscribe/{planId}", handle(a, http.StatusCreated, a.subscribe))
			r.Get("/upgrade/{planId}", handle(a, http.StatusOK, a.previewUpgrade))
			r.Post("/upgrade/{planId}", handle(a, http.StatusOK, a.upgrade))
			r.Get("/downgrade/{planId}", handle(a, http.StatusOK, a.previewDowngrade))
			r.Post("/downgrade/{planId}", handle(a, http.StatusOK, a.downgrade))
			r.Delete("/downgrade", handle(a, http.StatusOK, a.cancelDowngrade))
			r.Post("/cancel", handle(a, http.StatusOK, a.cancelSubscription))
			r.Put("/auto-renew", handle(a, http.StatusOK, a.setAutoRenew))
		})

		if a.contacts != nil {
			r.Get("/contact", handle(a, http.StatusOK, a.getContact))
			r.Put("/contact", handle(a, http.StatusOK, a.setContact))
		}
	})

	if a.cfg.AdminToken != "" {
		r.Route("/admin/subscriptions/{id}", func(r chi.Router) {
			r.Use(a.requireAdmin)
			r.Put("/custom-price", handle(a, http.StatusOK, a.setCustomPrice))
			r.Put("/price-adjustment", handle(a, http.StatusOK, a.setPriceAdjustment))
		})
	}
	return r
}

func (a *API) throttle(next http.Handler) http.Handler {
	if a.limiter == nil {
		return next
	}
	byOwner := func(r *http.Request) string {
		id, err := ownerFrom(r.Context())
		if err != nil {
			return ""
		}
		return id.String()
	}
	return ratelimiter.Middleware(a.limiter, byOwner, a.fail)(next)
}

func (a *API) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		a.log.DebugContext(r.Context(), "http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Int("bytes", ww.BytesWritten()),
			logger.Duration(time.Since(start)),
		)
	})
}

func (a *API) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				a.log.ErrorContext(r.Context(), "panic serving request",
					slog.Any("panic", rec),
					slog.String("path", r.URL.Path))
				_ = writeJSON(w, http.StatusInternalServerError, Envelope{Error: &ErrorDetail{
					Code:    "internal_error",
					Message: "internal server error",
				}})
			}
		}()
		next.ServeHTTP(w, r)
	})
}
