package auth

import (
	"net/http"

	"github.com/frahmantamala/mpesa-payments/internal"
	"github.com/frahmantamala/mpesa-payments/internal/transport"
	"github.com/frahmantamala/mpesa-payments/pkg/logger"
)

type Middleware struct {
	*transport.BaseHandler
	verifier TokenVerifier
}

func NewMiddleware(base *transport.BaseHandler, verifier TokenVerifier) *Middleware {
	return &Middleware{
		BaseHandler: base,
		verifier:    verifier,
	}
}

// Authenticate rejects requests without a valid bearer token and stores the
// caller's Identity in the request context.
func (m *Middleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := m.ExtractTokenFromHeader(r)
		if token == "" {
			m.HandleError(w, internal.NewUnauthorizedError("missing authorization token", internal.ErrCodeInvalidToken))
			return
		}

		claims, err := m.verifier.ValidateToken(token)
		if err != nil {
			m.Logger.Warn("token validation failed", "error", err, "path", r.URL.Path)
			m.HandleServiceError(w, err)
			return
		}

		ctx := WithIdentity(r.Context(), claims.Identity())
		ctx = logger.With(ctx, "subject", claims.Subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
