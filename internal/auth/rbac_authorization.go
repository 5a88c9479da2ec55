package auth

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/frahmantamala/mpesa-payments/internal"
	"github.com/frahmantamala/mpesa-payments/internal/transport"
)

type ActionAuthorizer interface {
	Authorize(ctx context.Context, identity Identity, action Action) error
}

// RBACAuthorization guards routes by action before the handler runs.
type RBACAuthorization struct {
	*transport.BaseHandler
	authorizer ActionAuthorizer
}

func NewRBACAuthorization(authorizer ActionAuthorizer, logger *slog.Logger) *RBACAuthorization {
	return &RBACAuthorization{
		BaseHandler: transport.NewBaseHandler(logger),
		authorizer:  authorizer,
	}
}

func (ra *RBACAuthorization) Check(next http.HandlerFunc, action Action) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity, ok := IdentityFromContext(r.Context())
		if !ok {
			ra.Logger.Warn("authorization check failed: identity not found in context")
			ra.HandleError(w, internal.NewUnauthorizedError("authentication required", internal.ErrCodeInvalidToken))
			return
		}

		if err := ra.authorizer.Authorize(r.Context(), identity, action); err != nil {
			ra.Logger.WarnContext(r.Context(), "access denied",
				"subject", identity.Subject,
				"action", action,
				"permissions", identity.Permissions)
			ra.HandleServiceError(w, err)
			return
		}

		next.ServeHTTP(w, r)
	}
}

func (ra *RBACAuthorization) Require(action Action) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return ra.Check(next.ServeHTTP, action)
	}
}
