package rest

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi"
	chiMiddleware "github.com/go-chi/chi/middleware"

	"github.com/frahmantamala/mpesa-payments/internal/auth"
	"github.com/frahmantamala/mpesa-payments/internal/notification"
	"github.com/frahmantamala/mpesa-payments/internal/payment"
	"github.com/frahmantamala/mpesa-payments/internal/transport/middleware"
	"github.com/frahmantamala/mpesa-payments/internal/transport/swagger"
)

type Routes struct {
	Health         *HealthHandler
	Spec           *swagger.Spec
	Authenticator  *auth.Middleware
	RBAC           *auth.RBACAuthorization
	Payments       *payment.Handler
	Callbacks      *payment.WebhookHandler
	Deliveries     *notification.Handler
	AllowedOrigins string
}

func RegisterAllRoutes(router chi.Router, routes Routes, logger *slog.Logger) {
	router.Use(chiMiddleware.RequestID)
	router.Use(middleware.RequestID)
	router.Use(middleware.RecoveryMiddleware(logger))
	router.Use(middleware.CORS(routes.AllowedOrigins))
	router.Use(middleware.LoggingMiddleware(logger))

	if routes.Spec != nil {
		router.Method(http.MethodGet, swagger.SpecPath, routes.Spec)
		router.Handle("/swagger/*", swagger.Handler())
	}

	router.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", routes.Health.Health)
		r.Get("/ping", routes.Health.Ping)

		// The provider cannot present a token.
		if routes.Callbacks != nil {
			r.Post("/payments/callback", routes.Callbacks.HandlePaymentCallback)
		}

		if routes.Payments == nil {
			return
		}

		r.Group(func(pr chi.Router) {
			pr.Use(routes.Authenticator.Authenticate)
			rbac := routes.RBAC

			pr.With(rbac.Require(auth.ActionInitiate)).Post("/payments", routes.Payments.InitiatePayment)
			pr.Get("/payments", routes.Payments.ListPayments)
			pr.Get("/payments/{reference}", routes.Payments.GetPayment)
			pr.Get("/payments/{reference}/transactions", routes.Payments.ListTransactions)

			if routes.Deliveries != nil {
				pr.With(rbac.Require(auth.ActionViewAll)).Get("/payments/{reference}/deliveries", routes.Deliveries.ListDeliveries)
			}

			pr.With(rbac.Require(auth.ActionResolve)).Post("/payments/{reference}/resolve", routes.Payments.ResolvePayment)
			pr.With(rbac.Require(auth.ActionRefund)).Post("/payments/{id}/refund", routes.Payments.RefundPayment)
			pr.With(rbac.Require(auth.ActionCancel)).Post("/payments/{id}/cancel", routes.Payments.CancelPayment)
		})
	})
}
