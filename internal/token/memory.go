package token

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is a mutex-guarded in-memory Store for dev mode and tests.
type MemoryStore struct {
	mu   sync.Mutex
	toks map[string]Token
	seq  map[string]int
	next int

	// Referenced reports whether check-ins reference a token. When set
	// (wired to the ledger) it gives Delete the same guard the Postgres
	// foreign key provides.
	Referenced func(ctx context.Context, tokenID string) (bool, error)
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		toks: make(map[string]Token),
		seq:  make(map[string]int),
	}
}

// Issue validates the window and records a new token.
func (s *MemoryStore) Issue(ctx context.Context, courseID, issuerID string, from, until time.Time) (Token, error) {
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
		CreatedAt:  time.Now().UTC(),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.toks[t.ID] = t
	s.seq[t.ID] = s.next
	s.next++
	return t, nil
}

// Get returns a token by id.
func (s *MemoryStore) Get(ctx context.Context, id string) (Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.toks[id]
	if !ok {
		return Token{}, ErrNotFound
	}
	return t, nil
}

// Deactivate clears the active flag; idempotent.
func (s *MemoryStore) Deactivate(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.toks[id]
	if !ok {
		return ErrNotFound
	}
	t.Active = false
	s.toks[id] = t
	return nil
}

// UpdateWindow replaces the validity window.
func (s *MemoryStore) UpdateWindow(ctx context.Context, id string, from, until time.Time) (Token, error) {
	if err := ValidateWindow(from, until); err != nil {
		return Token{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.toks[id]
	if !ok {
		return Token{}, ErrNotFound
	}
	t.ValidFrom = from
	t.ValidUntil = until
	s.toks[id] = t
	return t, nil
}

// ListByCourse returns a course's tokens, newest first.
func (s *MemoryStore) ListByCourse(ctx context.Context, courseID string) ([]Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res []Token
	for _, t := range s.toks {
		if t.CourseID == courseID {
			res = append(res, t)
		}
	}
	// insertion order stands in for created_at, which may collide in tests
	sort.Slice(res, func(i, j int) bool { return s.seq[res[i].ID] > s.seq[res[j].ID] })
	return res, nil
}

// Delete removes a token unless check-ins reference it.
func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	if s.Referenced != nil {
		ref, err := s.Referenced(ctx, id)
		if err != nil {
			return err
		}
		if ref {
			return ErrHasCheckIns
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.toks[id]; !ok {
		return ErrNotFound
	}
	delete(s.toks, id)
	delete(s.seq, id)
	return nil
}
