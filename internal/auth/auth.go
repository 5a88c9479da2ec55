package auth

import (
	"context"

	"github.com/golang-jwt/jwt/v5"
)

// Identity is the authenticated caller, taken from a verified token.
type Identity struct {
	Subject     string
	Permissions []string
}

// Action names an operation guarded by the authorizer.
type Action string

const (
	ActionInitiate Action = "initiate_payment"
	ActionViewAll  Action = "view_all_payments"
	ActionRefund   Action = "refund_payment"
	ActionCancel   Action = "cancel_payment"
	ActionResolve  Action = "resolve_payment"
)

const (
	PermissionAdmin          = "admin"
	PermissionViewPayments   = "view_payments"
	PermissionRefundPayments = "refund_payments"
	PermissionCancelPayments = "cancel_payments"
	PermissionResolve        = "resolve_payments"
)

// Claims represents JWT token claims
type Claims struct {
	Permissions []string `json:"permissions,omitempty"`
	jwt.RegisteredClaims
}

func (c *Claims) Identity() Identity {
	return Identity{
		Subject:     c.Subject,
		Permissions: c.Permissions,
	}
}

type ctxKey string

const contextIdentityKey ctxKey = "identity"

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, contextIdentityKey, id)
}

func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(contextIdentityKey).(Identity)
	return id, ok && id.Subject != ""
}
