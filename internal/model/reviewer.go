package model

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Role is the access level assigned to a reviewer identity.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleReviewer Role = "reviewer"
	RoleViewer   Role = "viewer"
)

// Reviewer is a human (or tool) identity that can inspect runs and resume
// suspended ones.
type Reviewer struct {
	ID         uuid.UUID `json:"id"`
	ReviewerID string    `json:"reviewer_id"`
	Name       string    `json:"name"`
	Role       Role      `json:"role"`
	APIKeyHash *string   `json:"-"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// reviewerKeyPrefix marks generated reviewer API keys so they are
// recognisable in secret scanners.
const reviewerKeyPrefix = "kt_"

// NewReviewerKey returns a random API key for a reviewer created without
// one. Only its hash is stored.
func NewReviewerKey() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("model: generate reviewer key: %w", err)
	}
	return reviewerKeyPrefix + hex.EncodeToString(b), nil
}

// RoleRank returns the numeric rank of a role (higher = more privileges).
// Unknown roles rank below viewer.
func RoleRank(r Role) int {
	switch r {
	case RoleAdmin:
		return 3
	case RoleReviewer:
		return 2
	case RoleViewer:
		return 1
	default:
		return 0
	}
}

// RoleAtLeast returns true if role r has at least the privileges of minRole.
func RoleAtLeast(r, minRole Role) bool {
	return RoleRank(r) >= RoleRank(minRole)
}

// ValidRole reports whether r is one of the enumerated roles.
func ValidRole(r Role) bool {
	return RoleRank(r) > 0
}

// ValidateReviewerID checks that a reviewer ID conforms to the allowed format.
// IDs must be 1-255 ASCII characters: alphanumeric, dots, hyphens,
// underscores, and @ signs.
func ValidateReviewerID(id string) error {
	if len(id) == 0 {
		return fmt.Errorf("reviewer_id is required")
	}
	if len(id) > 255 {
		return fmt.Errorf("reviewer_id must be at most 255 characters")
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if (c < 'a' || c > 'z') && (c < 'A' || c > 'Z') && (c < '0' || c > '9') &&
			c != '.' && c != '-' && c != '_' && c != '@' {
			return fmt.Errorf("reviewer_id contains invalid character at position %d: %q", i, c)
		}
	}
	return nil
}
