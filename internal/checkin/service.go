package checkin

import (
	"context"
	"errors"
	"fmt"
	"time"

	"qrattend/internal/stats"
	"qrattend/internal/token"
)

// EligibilityChecker answers whether an actor may check in. Backed by the
// external identity provider; an actor is eligible when it is a student with
// a completed profile.
type EligibilityChecker interface {
	Eligible(ctx context.Context, actorID string) (bool, error)
}

// Service orchestrates a scan: token gate, eligibility gate, atomic duplicate
// gate, then the stats increment. It is the sole translator from storage
// errors to the caller-facing taxonomy.
type Service struct {
	tokens  token.Store
	ledger  Ledger
	stats   stats.Aggregator
	checker EligibilityChecker
}

// NewService creates a service over its collaborators.
func NewService(tokens token.Store, ledger Ledger, agg stats.Aggregator, checker EligibilityChecker) *Service {
	return &Service{tokens: tokens, ledger: ledger, stats: agg, checker: checker}
}

// Scan validates the token and actor, records the check-in for date(now), and
// bumps the pair's statistics. The gate order is fixed: token validity before
// eligibility before the duplicate check, so the first reported failure is
// deterministic. A duplicate day surfaces as ErrAlreadyRecorded with no side
// effects; every other failure path also leaves no trace.
func (s *Service) Scan(ctx context.Context, tokenID, actorID string, now time.Time, ip, agent string) (CheckIn, error) {
	tok, err := s.tokens.Get(ctx, tokenID)
	if err != nil {
		if errors.Is(err, token.ErrNotFound) {
			scanOutcomes.WithLabelValues(outcomeTokenNotFound).Inc()
			return CheckIn{}, ErrTokenNotFound
		}
		scanOutcomes.WithLabelValues(outcomeError).Inc()
		return CheckIn{}, fmt.Errorf("fetch token: %w", err)
	}

	if st := token.Evaluate(tok, now); st != token.StatusActive {
		scanOutcomes.WithLabelValues(outcomeTokenInvalid).Inc()
		return CheckIn{}, &InvalidTokenError{Reason: st}
	}

	ok, err := s.checker.Eligible(ctx, actorID)
	if err != nil {
		scanOutcomes.WithLabelValues(outcomeError).Inc()
		return CheckIn{}, fmt.Errorf("check eligibility: %w", err)
	}
	if !ok {
		scanOutcomes.WithLabelValues(outcomeIneligible).Inc()
		return CheckIn{}, ErrActorIneligible
	}

	rec, err := s.ledger.Record(ctx, CheckIn{
		StudentID:   actorID,
		CourseID:    tok.CourseID,
		TokenID:     tok.ID,
		Day:         DayOf(now),
		RecordedAt:  now,
		Status:      StatusPresent,
		Method:      MethodScan,
		OriginIP:    ip,
		OriginAgent: agent,
	})
	if err != nil {
		if errors.Is(err, ErrDuplicate) {
			scanOutcomes.WithLabelValues(outcomeAlreadyRecorded).Inc()
			return CheckIn{}, ErrAlreadyRecorded
		}
		scanOutcomes.WithLabelValues(outcomeError).Inc()
		return CheckIn{}, fmt.Errorf("record check-in: %w", err)
	}

	if _, err := s.stats.Increment(ctx, rec.StudentID, rec.CourseID); err != nil {
		// The check-in row is durable; the reconciliation worker repairs
		// the counter from the ledger.
		scanOutcomes.WithLabelValues(outcomeError).Inc()
		return rec, fmt.Errorf("update stats: %w", err)
	}

	scanOutcomes.WithLabelValues(outcomeSuccess).Inc()
	return rec, nil
}

// RecordManual records a lecturer-entered check-in with an explicit status.
// It shares the ledger's per-day uniqueness but skips the token gates; only
// present entries count toward statistics.
func (s *Service) RecordManual(ctx context.Context, studentID, courseID, tokenID string, status Status, now time.Time) (CheckIn, error) {
	rec, err := s.ledger.Record(ctx, CheckIn{
		StudentID:  studentID,
		CourseID:   courseID,
		TokenID:    tokenID,
		Day:        DayOf(now),
		RecordedAt: now,
		Status:     status,
		Method:     MethodManual,
	})
	if err != nil {
		if errors.Is(err, ErrDuplicate) {
			return CheckIn{}, ErrAlreadyRecorded
		}
		return CheckIn{}, fmt.Errorf("record check-in: %w", err)
	}
	if rec.Status == StatusPresent {
		if _, err := s.stats.Increment(ctx, rec.StudentID, rec.CourseID); err != nil {
			return rec, fmt.Errorf("update stats: %w", err)
		}
	}
	return rec, nil
}
