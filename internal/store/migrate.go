package store

import (
	"context"
	"database/sql"
	"fmt"
)

// migrations are applied in order and must stay idempotent.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS qr_tokens (
		id          UUID PRIMARY KEY,
		course_id   TEXT NOT NULL,
		issuer_id   TEXT NOT NULL,
		valid_from  TIMESTAMPTZ NOT NULL,
		valid_until TIMESTAMPTZ NOT NULL,
		active      BOOLEAN NOT NULL DEFAULT TRUE,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_qr_tokens_course ON qr_tokens (course_id, created_at DESC)`,

	`CREATE TABLE IF NOT EXISTS check_ins (
		id          UUID PRIMARY KEY,
		student_id  TEXT NOT NULL,
		course_id   TEXT NOT NULL,
		token_id    UUID NOT NULL REFERENCES qr_tokens (id),
		day         DATE NOT NULL,
		recorded_at TIMESTAMPTZ NOT NULL,
		status      TEXT NOT NULL DEFAULT 'present',
		method      TEXT NOT NULL DEFAULT 'scan',
		origin_ip   TEXT,
		origin_agent TEXT
	)`,
	// One check-in per student/course/day; the scan path relies on this
	// constraint for race safety, not on a prior existence check.
	`CREATE UNIQUE INDEX IF NOT EXISTS uq_check_ins_student_course_day
		ON check_ins (student_id, course_id, day)`,
	`CREATE INDEX IF NOT EXISTS idx_check_ins_course ON check_ins (course_id, recorded_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_check_ins_student ON check_ins (student_id, recorded_at DESC)`,

	`CREATE TABLE IF NOT EXISTS attendance_stats (
		student_id        TEXT NOT NULL,
		course_id         TEXT NOT NULL,
		total_sessions    INT NOT NULL DEFAULT 0,
		attended_sessions INT NOT NULL DEFAULT 0,
		percentage        NUMERIC(5,2) NOT NULL DEFAULT 0.00,
		updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (student_id, course_id)
	)`,

	`CREATE TABLE IF NOT EXISTS refresh_tokens (
		id         SERIAL PRIMARY KEY,
		actor_id   TEXT NOT NULL,
		token      TEXT NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL,
		revoked    BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
}

// Migrate applies the schema. Safe to run on every startup.
func Migrate(ctx context.Context, db *sql.DB) error {
	for i, stmt := range migrations {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d failed: %w", i, err)
		}
	}
	return nil
}
