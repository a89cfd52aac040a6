package checkin

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryLedger is a mutex-guarded in-memory Ledger for dev mode and tests.
// The uniqueness check and the insert happen under one mutex hold, matching
// the atomicity the Postgres unique index provides.
type MemoryLedger struct {
	mu   sync.Mutex
	byID map[string]CheckIn
	keys map[string]string // (student,course,day) -> id
	seq  map[string]int
	next int
}

// NewMemoryLedger creates an empty ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		byID: make(map[string]CheckIn),
		keys: make(map[string]string),
		seq:  make(map[string]int),
	}
}

func pairDayKey(studentID, courseID string, day time.Time) string {
	return studentID + "\x00" + courseID + "\x00" + day.Format("2006-01-02")
}

// Record inserts a check-in or returns ErrDuplicate for an existing key.
func (l *MemoryLedger) Record(ctx context.Context, rec CheckIn) (CheckIn, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = time.Now().UTC()
	}
	if rec.Day.IsZero() {
		rec.Day = DayOf(rec.RecordedAt)
	}
	if rec.Status == "" {
		rec.Status = StatusPresent
	}
	if rec.Method == "" {
		rec.Method = MethodScan
	}

	key := pairDayKey(rec.StudentID, rec.CourseID, rec.Day)
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.keys[key]; exists {
		return CheckIn{}, ErrDuplicate
	}
	l.keys[key] = rec.ID
	l.byID[rec.ID] = rec
	l.seq[rec.ID] = l.next
	l.next++
	return rec, nil
}

// Get returns a check-in by id.
func (l *MemoryLedger) Get(ctx context.Context, id string) (CheckIn, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.byID[id]
	if !ok {
		return CheckIn{}, ErrNotFound
	}
	return rec, nil
}

// ListForStudent returns a student's check-ins, newest first.
func (l *MemoryLedger) ListForStudent(ctx context.Context, studentID string, limit, offset int) ([]CheckIn, error) {
	return l.list(func(rec CheckIn) bool { return rec.StudentID == studentID }, limit, offset)
}

// ListForCourse returns a course's check-ins, newest first.
func (l *MemoryLedger) ListForCourse(ctx context.Context, courseID string, limit, offset int) ([]CheckIn, error) {
	return l.list(func(rec CheckIn) bool { return rec.CourseID == courseID }, limit, offset)
}

func (l *MemoryLedger) list(match func(CheckIn) bool, limit, offset int) ([]CheckIn, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	var res []CheckIn
	for _, rec := range l.byID {
		if match(rec) {
			res = append(res, rec)
		}
	}
	sort.Slice(res, func(i, j int) bool { return l.seq[res[i].ID] > l.seq[res[j].ID] })
	if offset >= len(res) {
		return nil, nil
	}
	res = res[offset:]
	if len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

// CountPresent counts present rows for a (student, course) pair.
func (l *MemoryLedger) CountPresent(ctx context.Context, studentID, courseID string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, rec := range l.byID {
		if rec.StudentID == studentID && rec.CourseID == courseID && rec.Status == StatusPresent {
			n++
		}
	}
	return n, nil
}

// HasForToken reports whether any check-in references the token.
func (l *MemoryLedger) HasForToken(ctx context.Context, tokenID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, rec := range l.byID {
		if rec.TokenID == tokenID {
			return true, nil
		}
	}
	return false, nil
}
