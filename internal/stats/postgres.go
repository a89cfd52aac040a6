package stats

import (
	"context"
	"database/sql"
	"errors"
)

// PostgresAggregator persists stats in Postgres.
type PostgresAggregator struct {
	db *sql.DB
}

// NewPostgresAggregator creates an aggregator over an open connection pool.
func NewPostgresAggregator(db *sql.DB) *PostgresAggregator {
	return &PostgresAggregator{db: db}
}

// Increment bumps both counters for the pair in one upsert statement, creating
// the row on first check-in. Single-statement, so no lost update is possible
// for a pair even without an enclosing transaction.
func (a *PostgresAggregator) Increment(ctx context.Context, studentID, courseID string) (Stats, error) {
	row := a.db.QueryRowContext(ctx, `
		INSERT INTO attendance_stats (student_id, course_id, total_sessions, attended_sessions, percentage, updated_at)
		VALUES ($1, $2, 1, 1, 100.00, NOW())
		ON CONFLICT (student_id, course_id) DO UPDATE SET
			total_sessions    = attendance_stats.total_sessions + 1,
			attended_sessions = attendance_stats.attended_sessions + 1,
			percentage        = ROUND((attendance_stats.attended_sessions + 1)::numeric
			                      / (attendance_stats.total_sessions + 1) * 100, 2),
			updated_at        = NOW()
		RETURNING student_id, course_id, total_sessions, attended_sessions, percentage, updated_at
	`, studentID, courseID)
	return scanStats(row)
}

// Get returns the stats row for a pair.
func (a *PostgresAggregator) Get(ctx context.Context, studentID, courseID string) (Stats, error) {
	row := a.db.QueryRowContext(ctx, `
		SELECT student_id, course_id, total_sessions, attended_sessions, percentage, updated_at
		FROM attendance_stats WHERE student_id = $1 AND course_id = $2
	`, studentID, courseID)
	return scanStats(row)
}

// ListForStudent returns all stats rows for a student.
func (a *PostgresAggregator) ListForStudent(ctx context.Context, studentID string) ([]Stats, error) {
	return a.list(ctx, `student_id`, studentID)
}

// ListForCourse returns all stats rows for a course.
func (a *PostgresAggregator) ListForCourse(ctx context.Context, courseID string) ([]Stats, error) {
	return a.list(ctx, `course_id`, courseID)
}

func (a *PostgresAggregator) list(ctx context.Context, col, val string) ([]Stats, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT student_id, course_id, total_sessions, attended_sessions, percentage, updated_at
		FROM attendance_stats WHERE `+col+` = $1
		ORDER BY student_id, course_id
	`, val)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Stats
	for rows.Next() {
		st, err := scanStats(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, st)
	}
	return res, rows.Err()
}

// Recompute overwrites the row from a fresh ledger count. Used by the
// reconciliation worker to repair drift after a crash between the ledger
// insert and the increment.
func (a *PostgresAggregator) Recompute(ctx context.Context, studentID, courseID string, present int) (Stats, error) {
	pct := Percentage(present, present)
	row := a.db.QueryRowContext(ctx, `
		INSERT INTO attendance_stats (student_id, course_id, total_sessions, attended_sessions, percentage, updated_at)
		VALUES ($1, $2, $3, $3, $4, NOW())
		ON CONFLICT (student_id, course_id) DO UPDATE SET
			total_sessions    = EXCLUDED.total_sessions,
			attended_sessions = EXCLUDED.attended_sessions,
			percentage        = EXCLUDED.percentage,
			updated_at        = NOW()
		RETURNING student_id, course_id, total_sessions, attended_sessions, percentage, updated_at
	`, studentID, courseID, present, pct)
	return scanStats(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStats(row rowScanner) (Stats, error) {
	var st Stats
	err := row.Scan(&st.StudentID, &st.CourseID, &st.TotalSessions, &st.AttendedSessions, &st.Percentage, &st.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Stats{}, ErrNotFound
		}
		return Stats{}, err
	}
	return st, nil
}
