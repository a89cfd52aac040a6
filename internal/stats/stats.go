// Package stats maintains denormalized per (student, course) attendance
// counters. Percentages are rounded half away from zero to two decimal
// places, in Go via math.Round and in Postgres via numeric ROUND, which
// agree on tie-breaking.
package stats

import (
	"context"
	"errors"
	"math"
	"time"
)

// ErrNotFound is returned when no stats row exists for the pair yet.
var ErrNotFound = errors.New("attendance stats not found")

// Stats is one row per (student, course), created lazily on first check-in.
type Stats struct {
	StudentID        string    `json:"student_id"`
	CourseID         string    `json:"course_id"`
	TotalSessions    int       `json:"total_sessions"`
	AttendedSessions int       `json:"attended_sessions"`
	Percentage       float64   `json:"percentage"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Aggregator incrementally maintains attendance counters. Increment is a
// single atomic fetch-or-create-and-bump; under this workflow only successful
// present check-ins flow through it, so total and attended move together and
// counts never decrease.
type Aggregator interface {
	Increment(ctx context.Context, studentID, courseID string) (Stats, error)
	Get(ctx context.Context, studentID, courseID string) (Stats, error)
	ListForStudent(ctx context.Context, studentID string) ([]Stats, error)
	ListForCourse(ctx context.Context, courseID string) ([]Stats, error)
	Recompute(ctx context.Context, studentID, courseID string, present int) (Stats, error)
}

// Percentage computes attended/total as a percentage rounded to 2 dp, half
// away from zero. Zero total yields 0.00.
func Percentage(attended, total int) float64 {
	if total <= 0 {
		return 0
	}
	return math.Round(float64(attended)/float64(total)*10000) / 100
}
