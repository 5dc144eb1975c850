// Package auth holds the authorization checks the engine applies before a
// mutation: manager status, role assignment, admin override. The checks are
// pure functions over project state; who the caller actually is comes from
// the transport layer.
package auth

import (
	"fmt"

	"scanline/internal/domain"
)

// ForbiddenError indicates the effective user lacks the required standing.
type ForbiddenError struct {
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required", e.Permission)
}

// RequireManager passes for project managers or when override is set.
func RequireManager(p *domain.Project, userID string, override bool) error {
	if override || p.IsManager(userID) {
		return nil
	}
	return ForbiddenError{Permission: "manager"}
}

// RequireRole passes when the user is assigned to the role at roleIndex. The
// index equal to the chain length is the publish slot and needs manager
// standing instead of an assignment.
func RequireRole(p *domain.Project, userID string, roleIndex int, override bool) error {
	if override {
		return nil
	}
	if roleIndex == len(p.Roles) {
		return RequireManager(p, userID, false)
	}
	if roleIndex >= 0 && roleIndex < len(p.Roles) && p.Roles[roleIndex].HasUser(userID) {
		return nil
	}
	return ForbiddenError{Permission: fmt.Sprintf("role %d", roleIndex)}
}
