package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/quickmartlabs/quickmart-backend/api/controllers"
	webhookcontrollers "github.com/quickmartlabs/quickmart-backend/api/controllers/webhooks"
	"github.com/quickmartlabs/quickmart-backend/api/middleware"
	"github.com/quickmartlabs/quickmart-backend/internal/catalog"
	"github.com/quickmartlabs/quickmart-backend/internal/orders"
	"github.com/quickmartlabs/quickmart-backend/internal/payments"
	"github.com/quickmartlabs/quickmart-backend/pkg/config"
	"github.com/quickmartlabs/quickmart-backend/pkg/db"
	"github.com/quickmartlabs/quickmart-backend/pkg/enums"
	"github.com/quickmartlabs/quickmart-backend/pkg/logger"
	"github.com/quickmartlabs/quickmart-backend/pkg/redis"
)

func NewRouter(
	cfg *config.Config,
	logg *logger.Logger,
	dbP db.Pinger,
	redisClient *redis.Client,
	catalogService catalog.Service,
	ordersService orders.Service,
	orderLifecycle orders.Lifecycle,
	paymentsService payments.Service,
	webhookVerifier webhookcontrollers.SignatureVerifier,
	webhookGuard *payments.IdempotencyGuard,
) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
		middleware.CORS(),
	)

	orderPolicy := middleware.NewRateLimitPolicy("order", cfg.RateLimit.OrderWindow, cfg.RateLimit.OrderLimit)
	pollPolicy := middleware.NewRateLimitPolicy("poll", cfg.RateLimit.PollWindow, cfg.RateLimit.PollLimit)
	authPolicy := middleware.NewRateLimitPolicy("auth", cfg.RateLimit.AuthWindow, cfg.RateLimit.AuthLimit)
	generalPolicy := middleware.NewRateLimitPolicy("general", cfg.RateLimit.GeneralWindow, cfg.RateLimit.GeneralLimit)

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg, dbP, redisClient))
	})

	r.Route("/api/v1/webhooks", func(r chi.Router) {
		r.Post("/qrpay", webhookcontrollers.QRPayWebhook(paymentsService, webhookVerifier, webhookGuard, logg))
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(middleware.RateLimit(generalPolicy, redisClient, logg))
			r.Get("/products", controllers.ListProducts(catalogService, logg))
			r.Get("/products/{productId}", controllers.GetProduct(catalogService, logg))
			r.Get("/categories", controllers.ListCategories(catalogService, logg))
			r.Get("/orders/{orderId}", controllers.OrderDetail(ordersService, logg))
		})

		r.With(middleware.RateLimit(orderPolicy, redisClient, logg)).
			Post("/orders", controllers.CreateOrder(ordersService, logg))
		r.With(middleware.RateLimit(orderPolicy, redisClient, logg)).
			Post("/orders/{orderId}/payment-session", controllers.CreatePaymentSession(paymentsService, logg))
		r.With(middleware.RateLimit(pollPolicy, redisClient, logg)).
			Get("/orders/{orderId}/payment-status", controllers.PaymentStatus(paymentsService, logg))

		r.Route("/admin", func(r chi.Router) {
			r.Use(middleware.RateLimit(authPolicy, redisClient, logg))
			r.Use(middleware.Auth(cfg.JWT, logg))
			r.Use(middleware.RequireRole(string(enums.ActorRoleAdmin), logg))
			r.Patch("/orders/{orderId}/status", controllers.AdminUpdateOrderStatus(orderLifecycle, logg))
		})
	})

	return r
}
