package checkin

import (
	"context"
	"errors"
	"fmt"
	"time"

	"qrattend/internal/token"
)

// Status of a recorded check-in.
type Status string

const (
	StatusPresent Status = "present"
	StatusAbsent  Status = "absent"
	StatusLate    Status = "late"
	StatusExcused Status = "excused"
)

// Method records how the check-in was produced.
type Method string

const (
	MethodScan   Method = "scan"
	MethodManual Method = "manual"
)

var (
	// ErrDuplicate is the ledger's internal race signal: a row for the
	// (student, course, day) key already exists. The service translates it
	// to ErrAlreadyRecorded and never lets it escape raw.
	ErrDuplicate = errors.New("duplicate check-in")

	// ErrAlreadyRecorded means the student is already checked in for the
	// day. Idempotent no-op from the caller's perspective.
	ErrAlreadyRecorded = errors.New("attendance already recorded for today")

	// ErrNotFound is returned when no check-in exists for the given id.
	ErrNotFound = errors.New("check-in not found")

	// ErrTokenNotFound is returned when a scan references an unknown token.
	ErrTokenNotFound = errors.New("token not found")

	// ErrActorIneligible is returned when the actor is not a student with a
	// completed profile. Terminal until the profile is completed externally.
	ErrActorIneligible = errors.New("actor is not eligible to check in")
)

// InvalidTokenError carries the specific non-active status so the caller can
// show the student why the scan was refused.
type InvalidTokenError struct {
	Reason token.Status
}

func (e *InvalidTokenError) Error() string {
	switch e.Reason {
	case token.StatusDeactivated:
		return "this token is inactive"
	case token.StatusNotYetValid:
		return "this token is not yet valid"
	case token.StatusExpired:
		return "this token has expired"
	default:
		return fmt.Sprintf("token is not active: %s", e.Reason)
	}
}

// CheckIn is the durable record that a student was present for a course on a
// given day. Never mutated after creation.
type CheckIn struct {
	ID          string    `json:"id"`
	StudentID   string    `json:"student_id"`
	CourseID    string    `json:"course_id"`
	TokenID     string    `json:"token_id"`
	Day         time.Time `json:"day"`
	RecordedAt  time.Time `json:"recorded_at"`
	Status      Status    `json:"status"`
	Method      Method    `json:"method"`
	OriginIP    string    `json:"origin_ip,omitempty"`
	OriginAgent string    `json:"origin_agent,omitempty"`
}

// Ledger is the uniqueness-constrained record of completed check-ins. Record
// must be atomic with respect to the (student, course, day) constraint: two
// concurrent calls for the same key yield exactly one row and one ErrDuplicate.
type Ledger interface {
	Record(ctx context.Context, rec CheckIn) (CheckIn, error)
	Get(ctx context.Context, id string) (CheckIn, error)
	ListForStudent(ctx context.Context, studentID string, limit, offset int) ([]CheckIn, error)
	ListForCourse(ctx context.Context, courseID string, limit, offset int) ([]CheckIn, error)
	CountPresent(ctx context.Context, studentID, courseID string) (int, error)
	HasForToken(ctx context.Context, tokenID string) (bool, error)
}

// DayOf truncates a timestamp to its UTC calendar day.
func DayOf(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
