package checkin

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

// PostgresLedger persists check-ins in Postgres.
type PostgresLedger struct {
	db *sql.DB
}

// NewPostgresLedger creates a ledger over an open connection pool.
func NewPostgresLedger(db *sql.DB) *PostgresLedger {
	return &PostgresLedger{db: db}
}

// Record inserts a check-in. The unique index on (student_id, course_id, day)
// makes the duplicate check part of the insert itself: on conflict no row is
// written and ErrDuplicate is returned.
func (l *PostgresLedger) Record(ctx context.Context, rec CheckIn) (CheckIn, error) {
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
	row := l.db.QueryRowContext(ctx, `
		INSERT INTO check_ins (id, student_id, course_id, token_id, day, recorded_at, status, method, origin_ip, origin_agent)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (student_id, course_id, day) DO NOTHING
		RETURNING id
	`, rec.ID, rec.StudentID, rec.CourseID, rec.TokenID, rec.Day, rec.RecordedAt, rec.Status, rec.Method, rec.OriginIP, rec.OriginAgent)
	if err := row.Scan(&rec.ID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return CheckIn{}, ErrDuplicate
		}
		return CheckIn{}, err
	}
	return rec, nil
}

// Get returns a check-in by id.
func (l *PostgresLedger) Get(ctx context.Context, id string) (CheckIn, error) {
	row := l.db.QueryRowContext(ctx, `
		SELECT id, student_id, course_id, token_id, day, recorded_at, status, method, origin_ip, origin_agent
		FROM check_ins WHERE id = $1
	`, id)
	return scanCheckIn(row)
}

// ListForStudent returns a student's check-ins, newest first.
func (l *PostgresLedger) ListForStudent(ctx context.Context, studentID string, limit, offset int) ([]CheckIn, error) {
	return l.list(ctx, `student_id`, studentID, limit, offset)
}

// ListForCourse returns a course's check-ins, newest first.
func (l *PostgresLedger) ListForCourse(ctx context.Context, courseID string, limit, offset int) ([]CheckIn, error) {
	return l.list(ctx, `course_id`, courseID, limit, offset)
}

func (l *PostgresLedger) list(ctx context.Context, col, val string, limit, offset int) ([]CheckIn, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, student_id, course_id, token_id, day, recorded_at, status, method, origin_ip, origin_agent
		FROM check_ins WHERE `+col+` = $1
		ORDER BY recorded_at DESC
		LIMIT $2 OFFSET $3
	`, val, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []CheckIn
	for rows.Next() {
		rec, err := scanCheckIn(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

// CountPresent counts present rows for a (student, course) pair. Used by the
// reconciliation worker to repair stats drift.
func (l *PostgresLedger) CountPresent(ctx context.Context, studentID, courseID string) (int, error) {
	var n int
	err := l.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM check_ins
		WHERE student_id = $1 AND course_id = $2 AND status = 'present'
	`, studentID, courseID).Scan(&n)
	return n, err
}

// HasForToken reports whether any check-in references the token.
func (l *PostgresLedger) HasForToken(ctx context.Context, tokenID string) (bool, error) {
	var exists bool
	err := l.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM check_ins WHERE token_id = $1)`, tokenID,
	).Scan(&exists)
	return exists, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCheckIn(row rowScanner) (CheckIn, error) {
	var rec CheckIn
	var ip, agent sql.NullString
	err := row.Scan(&rec.ID, &rec.StudentID, &rec.CourseID, &rec.TokenID, &rec.Day,
		&rec.RecordedAt, &rec.Status, &rec.Method, &ip, &agent)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return CheckIn{}, ErrNotFound
		}
		return CheckIn{}, err
	}
	rec.OriginIP = ip.String
	rec.OriginAgent = agent.String
	return rec, nil
}
