package checkin

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"qrattend/internal/stats"
	"qrattend/internal/token"
)

type stubChecker struct {
	eligible bool
	err      error
}

func (s stubChecker) Eligible(ctx context.Context, actorID string) (bool, error) {
	return s.eligible, s.err
}

type fixture struct {
	tokens *token.MemoryStore
	ledger *MemoryLedger
	agg    *stats.MemoryAggregator
	svc    *Service
}

func newFixture(t *testing.T, eligible bool) *fixture {
	t.Helper()
	f := &fixture{
		tokens: token.NewMemoryStore(),
		ledger: NewMemoryLedger(),
		agg:    stats.NewMemoryAggregator(),
	}
	f.svc = NewService(f.tokens, f.ledger, f.agg, stubChecker{eligible: eligible})
	return f
}

func (f *fixture) issue(t *testing.T, from, until time.Time) token.Token {
	t.Helper()
	tk, err := f.tokens.Issue(context.Background(), "CS101", "lect-1", from, until)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	return tk
}

func (f *fixture) courseRows(t *testing.T) []CheckIn {
	t.Helper()
	rows, err := f.ledger.ListForCourse(context.Background(), "CS101", 100, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	return rows
}

var scanNow = time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)

func TestScan_Success(t *testing.T) {
	f := newFixture(t, true)
	// issued 5 minutes ago, open well past now
	tk := f.issue(t, scanNow.Add(-5*time.Minute), scanNow.Add(47*time.Hour))

	rec, err := f.svc.Scan(context.Background(), tk.ID, "stu-1", scanNow, "203.0.113.9", "test-agent")
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if rec.StudentID != "stu-1" || rec.CourseID != "CS101" || rec.TokenID != tk.ID {
		t.Errorf("record fields wrong: %+v", rec)
	}
	if rec.Status != StatusPresent || rec.Method != MethodScan {
		t.Errorf("status/method = %s/%s, want present/scan", rec.Status, rec.Method)
	}
	if rec.OriginIP != "203.0.113.9" || rec.OriginAgent != "test-agent" {
		t.Errorf("origin fields wrong: %+v", rec)
	}

	st, err := f.agg.Get(context.Background(), "stu-1", "CS101")
	if err != nil {
		t.Fatalf("stats get: %v", err)
	}
	if st.TotalSessions != 1 || st.AttendedSessions != 1 || st.Percentage != 100.00 {
		t.Errorf("stats = %+v, want {1 1 100.00}", st)
	}
}

func TestScan_SecondScanSameDayIsIdempotent(t *testing.T) {
	f := newFixture(t, true)
	tk := f.issue(t, scanNow.Add(-time.Hour), scanNow.Add(48*time.Hour))

	if _, err := f.svc.Scan(context.Background(), tk.ID, "stu-1", scanNow, "", ""); err != nil {
		t.Fatalf("first scan: %v", err)
	}
	_, err := f.svc.Scan(context.Background(), tk.ID, "stu-1", scanNow.Add(2*time.Hour), "", "")
	if !errors.Is(err, ErrAlreadyRecorded) {
		t.Fatalf("second scan: got %v, want ErrAlreadyRecorded", err)
	}

	if n := len(f.courseRows(t)); n != 1 {
		t.Errorf("ledger rows = %d, want 1", n)
	}
	st, _ := f.agg.Get(context.Background(), "stu-1", "CS101")
	if st.TotalSessions != 1 || st.AttendedSessions != 1 {
		t.Errorf("stats double counted: %+v", st)
	}
}

func TestScan_TokenNotFound(t *testing.T) {
	f := newFixture(t, true)
	_, err := f.svc.Scan(context.Background(), "missing", "stu-1", scanNow, "", "")
	if !errors.Is(err, ErrTokenNotFound) {
		t.Fatalf("got %v, want ErrTokenNotFound", err)
	}
}

func TestScan_TokenGatesCarryReason(t *testing.T) {
	cases := []struct {
		name       string
		from, to   time.Time
		deactivate bool
		want       token.Status
	}{
		{"not yet valid", scanNow.Add(time.Hour), scanNow.Add(49 * time.Hour), false, token.StatusNotYetValid},
		{"expired", scanNow.Add(-72 * time.Hour), scanNow.Add(-time.Hour), false, token.StatusExpired},
		{"deactivated", scanNow.Add(-time.Hour), scanNow.Add(48 * time.Hour), true, token.StatusDeactivated},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, true)
			tk := f.issue(t, tc.from, tc.to)
			if tc.deactivate {
				if err := f.tokens.Deactivate(context.Background(), tk.ID); err != nil {
					t.Fatalf("deactivate: %v", err)
				}
			}

			_, err := f.svc.Scan(context.Background(), tk.ID, "stu-1", scanNow, "", "")
			var invalid *InvalidTokenError
			if !errors.As(err, &invalid) {
				t.Fatalf("got %v, want InvalidTokenError", err)
			}
			if invalid.Reason != tc.want {
				t.Errorf("reason = %s, want %s", invalid.Reason, tc.want)
			}

			// failed scans leave no trace
			if n := len(f.courseRows(t)); n != 0 {
				t.Errorf("ledger rows = %d, want 0", n)
			}
			if _, err := f.agg.Get(context.Background(), "stu-1", "CS101"); !errors.Is(err, stats.ErrNotFound) {
				t.Errorf("stats row created on failed scan")
			}
		})
	}
}

func TestScan_FutureTokenExpiredTokenUseDifferentWindows(t *testing.T) {
	// issued with valid_from an hour out: the expired branch must not fire
	f := newFixture(t, true)
	tk := f.issue(t, scanNow.Add(time.Hour), scanNow.Add(49*time.Hour))
	_, err := f.svc.Scan(context.Background(), tk.ID, "stu-1", scanNow, "", "")
	var invalid *InvalidTokenError
	if !errors.As(err, &invalid) || invalid.Reason != token.StatusNotYetValid {
		t.Fatalf("got %v, want NOT_YET_VALID", err)
	}
}

func TestScan_IneligibleActor(t *testing.T) {
	f := newFixture(t, false)
	tk := f.issue(t, scanNow.Add(-time.Hour), scanNow.Add(48*time.Hour))

	_, err := f.svc.Scan(context.Background(), tk.ID, "stu-1", scanNow, "", "")
	if !errors.Is(err, ErrActorIneligible) {
		t.Fatalf("got %v, want ErrActorIneligible", err)
	}
	if n := len(f.courseRows(t)); n != 0 {
		t.Errorf("ledger rows = %d, want 0", n)
	}
}

func TestScan_EligibilityCheckedAfterTokenGates(t *testing.T) {
	// a deactivated token must report the token failure even for an
	// ineligible actor: the gate order is fixed
	f := newFixture(t, false)
	tk := f.issue(t, scanNow.Add(-time.Hour), scanNow.Add(48*time.Hour))
	_ = f.tokens.Deactivate(context.Background(), tk.ID)

	_, err := f.svc.Scan(context.Background(), tk.ID, "stu-1", scanNow, "", "")
	var invalid *InvalidTokenError
	if !errors.As(err, &invalid) {
		t.Fatalf("got %v, want InvalidTokenError before eligibility", err)
	}
}

func TestScan_ConcurrentSameStudentRecordsOnce(t *testing.T) {
	f := newFixture(t, true)
	tk := f.issue(t, scanNow.Add(-time.Hour), scanNow.Add(48*time.Hour))

	const attempts = 16
	var wg sync.WaitGroup
	results := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.svc.Scan(context.Background(), tk.ID, "stu-1", scanNow, "", "")
			results[i] = err
		}(i)
	}
	wg.Wait()

	successes, dups := 0, 0
	for _, err := range results {
		switch {
		case err == nil:
			successes++
		case errors.Is(err, ErrAlreadyRecorded):
			dups++
		default:
			t.Fatalf("unexpected scan error: %v", err)
		}
	}
	if successes != 1 || dups != attempts-1 {
		t.Fatalf("successes=%d dups=%d, want 1 and %d", successes, dups, attempts-1)
	}

	if n := len(f.courseRows(t)); n != 1 {
		t.Errorf("ledger rows = %d, want 1", n)
	}
	st, err := f.agg.Get(context.Background(), "stu-1", "CS101")
	if err != nil {
		t.Fatalf("stats get: %v", err)
	}
	if st.AttendedSessions != 1 || st.TotalSessions != 1 {
		t.Errorf("stats incremented %d times, want once", st.AttendedSessions)
	}
}

func TestScan_ConcurrentDifferentStudentsAllSucceed(t *testing.T) {
	f := newFixture(t, true)
	tk := f.issue(t, scanNow.Add(-time.Hour), scanNow.Add(48*time.Hour))

	students := []string{"stu-1", "stu-2", "stu-3", "stu-4"}
	var wg sync.WaitGroup
	errs := make([]error, len(students))
	for i, id := range students {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			_, errs[i] = f.svc.Scan(context.Background(), tk.ID, id, scanNow, "", "")
		}(i, id)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("student %s scan failed: %v", students[i], err)
		}
	}
	if n := len(f.courseRows(t)); n != len(students) {
		t.Errorf("ledger rows = %d, want %d", n, len(students))
	}
}

func TestRecordManual(t *testing.T) {
	f := newFixture(t, true)
	tk := f.issue(t, scanNow.Add(-time.Hour), scanNow.Add(48*time.Hour))

	rec, err := f.svc.RecordManual(context.Background(), "stu-1", "CS101", tk.ID, StatusLate, scanNow)
	if err != nil {
		t.Fatalf("manual: %v", err)
	}
	if rec.Method != MethodManual || rec.Status != StatusLate {
		t.Errorf("manual record = %+v", rec)
	}
	// late entries do not count toward attendance
	if _, err := f.agg.Get(context.Background(), "stu-1", "CS101"); !errors.Is(err, stats.ErrNotFound) {
		t.Error("non-present manual entry should not touch stats")
	}

	// and a present entry for another student does
	if _, err := f.svc.RecordManual(context.Background(), "stu-2", "CS101", tk.ID, StatusPresent, scanNow); err != nil {
		t.Fatalf("manual present: %v", err)
	}
	st, err := f.agg.Get(context.Background(), "stu-2", "CS101")
	if err != nil || st.AttendedSessions != 1 {
		t.Errorf("stats after manual present = %+v, %v", st, err)
	}

	// same day duplicate surfaces the same way as scans
	if _, err := f.svc.RecordManual(context.Background(), "stu-1", "CS101", tk.ID, StatusPresent, scanNow.Add(time.Hour)); !errors.Is(err, ErrAlreadyRecorded) {
		t.Errorf("duplicate manual: got %v, want ErrAlreadyRecorded", err)
	}
}

func TestInvalidTokenErrorMessagesAreDistinct(t *testing.T) {
	seen := map[string]token.Status{}
	for _, reason := range []token.Status{token.StatusDeactivated, token.StatusNotYetValid, token.StatusExpired} {
		msg := (&InvalidTokenError{Reason: reason}).Error()
		if prev, dup := seen[msg]; dup {
			t.Errorf("reasons %s and %s share message %q", prev, reason, msg)
		}
		seen[msg] = reason
	}
}
