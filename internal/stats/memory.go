package stats

import (
	"context"
	"sync"
	"time"
)

// MemoryAggregator is a mutex-guarded in-memory Aggregator for dev mode and
// tests. Each Increment runs under one mutex hold, so counters cannot lose
// updates under concurrent calls.
type MemoryAggregator struct {
	mu   sync.Mutex
	rows map[string]Stats
}

// NewMemoryAggregator creates an empty aggregator.
func NewMemoryAggregator() *MemoryAggregator {
	return &MemoryAggregator{rows: make(map[string]Stats)}
}

func pairKey(studentID, courseID string) string {
	return studentID + "\x00" + courseID
}

// Increment bumps both counters for the pair, creating the row lazily.
func (a *MemoryAggregator) Increment(ctx context.Context, studentID, courseID string) (Stats, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	key := pairKey(studentID, courseID)
	st, ok := a.rows[key]
	if !ok {
		st = Stats{StudentID: studentID, CourseID: courseID}
	}
	st.TotalSessions++
	st.AttendedSessions++
	st.Percentage = Percentage(st.AttendedSessions, st.TotalSessions)
	st.UpdatedAt = time.Now().UTC()
	a.rows[key] = st
	return st, nil
}

// Get returns the stats row for a pair.
func (a *MemoryAggregator) Get(ctx context.Context, studentID, courseID string) (Stats, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.rows[pairKey(studentID, courseID)]
	if !ok {
		return Stats{}, ErrNotFound
	}
	return st, nil
}

// ListForStudent returns all stats rows for a student.
func (a *MemoryAggregator) ListForStudent(ctx context.Context, studentID string) ([]Stats, error) {
	return a.list(func(st Stats) bool { return st.StudentID == studentID }), nil
}

// ListForCourse returns all stats rows for a course.
func (a *MemoryAggregator) ListForCourse(ctx context.Context, courseID string) ([]Stats, error) {
	return a.list(func(st Stats) bool { return st.CourseID == courseID }), nil
}

func (a *MemoryAggregator) list(match func(Stats) bool) []Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	var res []Stats
	for _, st := range a.rows {
		if match(st) {
			res = append(res, st)
		}
	}
	return res
}

// Recompute overwrites the row from a fresh ledger count.
func (a *MemoryAggregator) Recompute(ctx context.Context, studentID, courseID string, present int) (Stats, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	st := Stats{
		StudentID:        studentID,
		CourseID:         courseID,
		TotalSessions:    present,
		AttendedSessions: present,
		Percentage:       Percentage(present, present),
		UpdatedAt:        time.Now().UTC(),
	}
	a.rows[pairKey(studentID, courseID)] = st
	return st, nil
}
