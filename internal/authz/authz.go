// Package authz decides which reviewer roles may perform which actions.
//
// This package exists to share access-control logic between the HTTP server
// and the MCP server without creating a circular dependency (both import this
// package; neither imports the other).
package authz

import (
	"errors"
	"fmt"

	"github.com/ashita-ai/kotae/internal/auth"
	"github.com/ashita-ai/kotae/internal/model"
)

// Action is an operation a reviewer can attempt.
type Action string

const (
	ActionViewRuns        Action = "view_runs"
	ActionReview          Action = "review"
	ActionCancel          Action = "cancel"
	ActionRerun           Action = "rerun"
	ActionManageReviewers Action = "manage_reviewers"
)

// minRole is the least-privileged role allowed to perform each action.
var minRole = map[Action]model.Role{
	ActionViewRuns:        model.RoleViewer,
	ActionReview:          model.RoleReviewer,
	ActionCancel:          model.RoleReviewer,
	ActionRerun:           model.RoleReviewer,
	ActionManageReviewers: model.RoleAdmin,
}

var (
	// ErrUnauthenticated is returned when there are no claims to check.
	ErrUnauthenticated = errors.New("authz: not authenticated")
	// ErrForbidden is returned when the caller's role is too low.
	ErrForbidden = errors.New("authz: insufficient permissions")
)

// MinRole returns the least-privileged role allowed to perform a. Unknown
// actions require admin.
func MinRole(a Action) model.Role {
	if r, ok := minRole[a]; ok {
		return r
	}
	return model.RoleAdmin
}

// Allowed reports whether role may perform a.
func Allowed(role model.Role, a Action) bool {
	return model.RoleAtLeast(role, MinRole(a))
}

// Check returns nil if the caller may perform a, ErrUnauthenticated without
// claims, or an error wrapping ErrForbidden.
func Check(claims *auth.Claims, a Action) error {
	if claims == nil {
		return ErrUnauthenticated
	}
	if !Allowed(claims.Role, a) {
		return fmt.Errorf("%w: %s requires %s, have %s", ErrForbidden, a, MinRole(a), claims.Role)
	}
	return nil
}
