package auth

import (
	"context"
	"database/sql"
	"sync"
	"time"
)

// RefreshStore persists refresh tokens for rotation checks.
type RefreshStore interface {
	SaveRefreshToken(ctx context.Context, actorID, token string, expiresAt time.Time) error
	RevokeRefreshToken(ctx context.Context, token string) error
}

// PostgresRefreshStore keeps refresh tokens in Postgres.
type PostgresRefreshStore struct {
	db *sql.DB
}

// NewPostgresRefreshStore creates a store over an open connection pool.
func NewPostgresRefreshStore(db *sql.DB) *PostgresRefreshStore {
	return &PostgresRefreshStore{db: db}
}

// SaveRefreshToken stores a refresh token for rotation checks.
func (s *PostgresRefreshStore) SaveRefreshToken(ctx context.Context, actorID, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_tokens (actor_id, token, expires_at)
		VALUES ($1, $2, $3)
	`, actorID, token, expiresAt)
	return err
}

// RevokeRefreshToken marks a token revoked.
func (s *PostgresRefreshStore) RevokeRefreshToken(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_tokens SET revoked = TRUE WHERE token = $1`, token)
	return err
}

// MemoryRefreshStore keeps refresh tokens in memory for dev mode.
type MemoryRefreshStore struct {
	mu     sync.Mutex
	tokens map[string]string // token -> actor id
}

// NewMemoryRefreshStore creates an empty store.
func NewMemoryRefreshStore() *MemoryRefreshStore {
	return &MemoryRefreshStore{tokens: make(map[string]string)}
}

// SaveRefreshToken stores a refresh token.
func (s *MemoryRefreshStore) SaveRefreshToken(ctx context.Context, actorID, token string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[token] = actorID
	return nil
}

// RevokeRefreshToken forgets a token.
func (s *MemoryRefreshStore) RevokeRefreshToken(ctx context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, token)
	return nil
}
