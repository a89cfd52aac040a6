package token

import (
	"context"
	"errors"
	"time"
)

// MinValidity is the smallest window a token may be issued with.
const MinValidity = 24 * time.Hour

var (
	// ErrInvalidWindow is returned when valid_from does not precede
	// valid_until by at least MinValidity. Caller error, never retried.
	ErrInvalidWindow = errors.New("invalid validity window")

	// ErrNotFound is returned when no token exists for the given id.
	ErrNotFound = errors.New("token not found")

	// ErrHasCheckIns is returned when deleting a token that check-ins
	// already reference. Tokens are never silently cascaded away.
	ErrHasCheckIns = errors.New("token has recorded check-ins")
)

// Token is a time-boxed scannable credential a lecturer issues for a course.
// Immutable after issuance except for the active flag and window edits.
type Token struct {
	ID         string    `json:"id"`
	CourseID   string    `json:"course_id"`
	IssuerID   string    `json:"issuer_id"`
	ValidFrom  time.Time `json:"valid_from"`
	ValidUntil time.Time `json:"valid_until"`
	Active     bool      `json:"active"`
	CreatedAt  time.Time `json:"created_at"`
}

// Store is the durable record of issued tokens.
type Store interface {
	Issue(ctx context.Context, courseID, issuerID string, from, until time.Time) (Token, error)
	Get(ctx context.Context, id string) (Token, error)
	Deactivate(ctx context.Context, id string) error
	UpdateWindow(ctx context.Context, id string, from, until time.Time) (Token, error)
	ListByCourse(ctx context.Context, courseID string) ([]Token, error)
	Delete(ctx context.Context, id string) error
}

// ValidateWindow enforces the issuance rule shared by Issue and UpdateWindow.
func ValidateWindow(from, until time.Time) error {
	if !from.Before(until) || until.Sub(from) < MinValidity {
		return ErrInvalidWindow
	}
	return nil
}
