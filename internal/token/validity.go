package token

import "time"

// Status is the evaluated state of a token at a point in time.
type Status string

const (
	StatusActive      Status = "ACTIVE"
	StatusNotYetValid Status = "NOT_YET_VALID"
	StatusExpired     Status = "EXPIRED"
	StatusDeactivated Status = "DEACTIVATED"
)

// Evaluate computes a token's status from its window and active flag.
// Deactivation takes priority over the time window, so a stale inactive
// token reports DEACTIVATED rather than EXPIRED.
func Evaluate(t Token, now time.Time) Status {
	switch {
	case !t.Active:
		return StatusDeactivated
	case now.Before(t.ValidFrom):
		return StatusNotYetValid
	case now.After(t.ValidUntil):
		return StatusExpired
	default:
		return StatusActive
	}
}

// DaysRemaining reports whole days until the token's window closes, floored:
// a token expiring in 23 hours has 0 days remaining. Non-active tokens
// always report 0.
func DaysRemaining(t Token, now time.Time) int {
	if Evaluate(t, now) != StatusActive {
		return 0
	}
	return int(t.ValidUntil.Sub(now) / (24 * time.Hour))
}
