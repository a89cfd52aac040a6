package token

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

// PostgresStore persists tokens in Postgres.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a store over an open connection pool.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Issue validates the window and writes a new token.
func (s *PostgresStore) Issue(ctx context.Context, courseID, issuerID string, from, until time.Time) (Token, error) {
	if err := ValidateWindow(from, until); err != nil {
		return Token{}, err
	}
	t := Token{
		ID:         uuid.NewString(),
		CourseID:   courseID,
		IssuerID:   issuerID,
		ValidFrom:  from,
		ValidUntil: until,
		Active:     true,
	}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO qr_tokens (id, course_id, issuer_id, valid_from, valid_until, active)
		VALUES ($1,$2,$3,$4,$5,$6)
		RETURNING created_at
	`, t.ID, t.CourseID, t.IssuerID, t.ValidFrom, t.ValidUntil, t.Active)
	if err := row.Scan(&t.CreatedAt); err != nil {
		return Token{}, err
	}
	return t, nil
}

// Get returns a token by id.
func (s *PostgresStore) Get(ctx context.Context, id string) (Token, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, course_id, issuer_id, valid_from, valid_until, active, created_at
		FROM qr_tokens WHERE id = $1
	`, id)
	var t Token
	if err := row.Scan(&t.ID, &t.CourseID, &t.IssuerID, &t.ValidFrom, &t.ValidUntil, &t.Active, &t.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Token{}, ErrNotFound
		}
		return Token{}, err
	}
	return t, nil
}

// Deactivate clears the active flag. Deactivating twice is a no-op.
func (s *PostgresStore) Deactivate(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE qr_tokens SET active = FALSE WHERE id = $1`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateWindow replaces the validity window, subject to the same rule as Issue.
func (s *PostgresStore) UpdateWindow(ctx context.Context, id string, from, until time.Time) (Token, error) {
	if err := ValidateWindow(from, until); err != nil {
		return Token{}, err
	}
	row := s.db.QueryRowContext(ctx, `
		UPDATE qr_tokens SET valid_from = $2, valid_until = $3
		WHERE id = $1
		RETURNING id, course_id, issuer_id, valid_from, valid_until, active, created_at
	`, id, from, until)
	var t Token
	if err := row.Scan(&t.ID, &t.CourseID, &t.IssuerID, &t.ValidFrom, &t.ValidUntil, &t.Active, &t.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Token{}, ErrNotFound
		}
		return Token{}, err
	}
	return t, nil
}

// ListByCourse returns a course's tokens, newest first.
func (s *PostgresStore) ListByCourse(ctx context.Context, courseID string) ([]Token, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, course_id, issuer_id, valid_from, valid_until, active, created_at
		FROM qr_tokens WHERE course_id = $1
		ORDER BY created_at DESC
	`, courseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Token
	for rows.Next() {
		var t Token
		if err := rows.Scan(&t.ID, &t.CourseID, &t.IssuerID, &t.ValidFrom, &t.ValidUntil, &t.Active, &t.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// Delete removes a token that has never been scanned. The check_ins foreign
// key turns a delete of a referenced token into ErrHasCheckIns.
func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM qr_tokens WHERE id = $1`, id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return ErrHasCheckIns
		}
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
