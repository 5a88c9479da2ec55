package auth

import (
	"context"
	"fmt"

	"github.com/frahmantamala/mpesa-payments/internal"
)

// actionPermissions lists, per action, the permissions that grant it. An
// action with no entry only needs an authenticated caller.
var actionPermissions = map[Action][]string{
	ActionViewAll: {PermissionViewPayments, PermissionAdmin},
	ActionRefund:  {PermissionRefundPayments, PermissionAdmin},
	ActionCancel:  {PermissionCancelPayments, PermissionAdmin},
	ActionResolve: {PermissionResolve, PermissionAdmin},
}

type PermissionChecker struct{}

func NewPermissionChecker() *PermissionChecker {
	return &PermissionChecker{}
}

func (c *PermissionChecker) Authorize(ctx context.Context, identity Identity, action Action) error {
	if identity.Subject == "" {
		return internal.NewUnauthorizedError("authentication required", internal.ErrCodeInvalidToken)
	}

	required, guarded := actionPermissions[action]
	if !guarded || c.HasAnyPermission(identity.Permissions, required) {
		return nil
	}

	return internal.NewForbiddenError(
		fmt.Sprintf("%s is not allowed to %s", identity.Subject, action),
		internal.ErrCodeUnauthorizedAccess)
}

func (c *PermissionChecker) Can(identity Identity, action Action) bool {
	return c.Authorize(context.Background(), identity, action) == nil
}

func (c *PermissionChecker) HasAnyPermission(userPermissions []string, requiredPermissions []string) bool {
	for _, userPerm := range userPermissions {
		for _, requiredPerm := range requiredPermissions {
			if userPerm == requiredPerm {
				return true
			}
		}
	}
	return false
}
