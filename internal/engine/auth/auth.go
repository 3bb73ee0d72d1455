package auth

import (
	"fmt"
)

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required", e.Permission)
}

// ForbiddenTenantError indicates the principal does not belong to the tenant.
type ForbiddenTenantError struct {
	TenantID string
}

func (e ForbiddenTenantError) Error() string {
	return fmt.Sprintf("no access to tenant %s", e.TenantID)
}

const (
	RoleReviewer = "reviewer"
	RoleOperator = "operator"
)

const (
	PermRecipientsRead  = "recipients.read"
	PermRecipientsWrite = "recipients.write"
	PermAttemptsRead    = "attempts.read"
	PermAlertsRead      = "alerts.read"
	PermAlertsClaim     = "alerts.claim"
	PermAlertsResolve   = "alerts.resolve"
	PermEventsRead      = "events.read"
	PermRoundsRun       = "rounds.run"
	PermRetriesRun      = "retries.run"
	PermOutcomesWrite   = "outcomes.write"
)

var rolePermissions = map[string][]string{
	RoleReviewer: {
		PermRecipientsRead, PermAttemptsRead, PermAlertsRead,
		PermAlertsClaim, PermAlertsResolve, PermEventsRead,
	},
	RoleOperator: {
		PermRecipientsRead, PermRecipientsWrite, PermAttemptsRead, PermAlertsRead,
		PermAlertsClaim, PermAlertsResolve, PermEventsRead,
		PermRoundsRun, PermRetriesRun, PermOutcomesWrite,
	},
}

// ValidRole reports whether role is known.
func ValidRole(role string) bool {
	_, ok := rolePermissions[role]
	return ok
}

// Permissions returns the union of permissions granted by roles.
func Permissions(roles []string) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, r := range roles {
		for _, p := range rolePermissions[r] {
			if _, ok := seen[p]; ok {
				continue
			}
			seen[p] = struct{}{}
			out = append(out, p)
		}
	}
	return out
}

// Require returns ForbiddenError unless one of roles grants perm.
func Require(roles []string, perm string) error {
	for _, r := range roles {
		for _, p := range rolePermissions[r] {
			if p == perm {
				return nil
			}
		}
	}
	return ForbiddenError{Permission: perm}
}
