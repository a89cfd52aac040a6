package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"qrattend/internal/auth"
	"qrattend/internal/checkin"
	"qrattend/internal/config"
	"qrattend/internal/queue"
	"qrattend/internal/registry"
	"qrattend/internal/stats"
	"qrattend/internal/token"
)

func testDeps(t *testing.T) (deps, *registry.Memory) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := config.App{
		Env:             "test",
		BaseURL:         "http://localhost:8081",
		JWTIssuer:       "qrattend",
		JWTSigningKey:   "test-secret",
		AccessTTL:       15 * time.Minute,
		RefreshTTL:      24 * time.Hour,
		RateLimitPerMin: 10000,
	}

	dir := registry.NewMemory()
	dir.AddActor("stu-1", registry.Eligibility{IsStudent: true, ProfileComplete: true})
	dir.AddActor("stu-incomplete", registry.Eligibility{IsStudent: true, ProfileComplete: false})
	dir.AddCourse("CS101", "lect-1")

	tokens := token.NewMemoryStore()
	ledger := checkin.NewMemoryLedger()
	tokens.Referenced = ledger.HasForToken
	agg := stats.NewMemoryAggregator()

	d := deps{
		cfg:     cfg,
		tokens:  tokens,
		ledger:  ledger,
		agg:     agg,
		svc:     checkin.NewService(tokens, ledger, agg, dir),
		dir:     dir,
		q:       queue.NewInMemory(64),
		refresh: auth.NewMemoryRefreshStore(),
		healthy: func(ctx context.Context) (bool, bool) { return true, true },
	}
	return d, dir
}

func bearer(t *testing.T, d deps, actorID, role string) string {
	t.Helper()
	pair, err := auth.Issue(actorID, role, d.cfg.JWTIssuer, d.cfg.JWTSigningKey, d.cfg.AccessTTL, d.cfg.RefreshTTL)
	if err != nil {
		t.Fatalf("issue jwt: %v", err)
	}
	return "Bearer " + pair.AccessToken
}

func doJSON(t *testing.T, r http.Handler, method, path, authz string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if authz != "" {
		req.Header.Set("Authorization", authz)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func issueToken(t *testing.T, r http.Handler, d deps, from, until time.Time) string {
	t.Helper()
	w := doJSON(t, r, http.MethodPost, "/v1/tokens", bearer(t, d, "lect-1", auth.RoleLecturer), gin.H{
		"course_id":   "CS101",
		"valid_from":  from.Format(time.RFC3339),
		"valid_until": until.Format(time.RFC3339),
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("issue token: status %d body %s", w.Code, w.Body.String())
	}
	var resp struct {
		Token token.Token `json:"token"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode token: %v", err)
	}
	return resp.Token.ID
}

func TestScanEndToEnd(t *testing.T) {
	d, _ := testDeps(t)
	r := buildRouter(d)
	now := time.Now().UTC()

	id := issueToken(t, r, d, now.Add(-5*time.Minute), now.Add(47*time.Hour))
	studentAuthz := bearer(t, d, "stu-1", auth.RoleStudent)

	w := doJSON(t, r, http.MethodGet, "/v1/scan/"+id, studentAuthz, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("scan: status %d body %s", w.Code, w.Body.String())
	}

	// statistics for the pair read back as one fully attended session
	w = doJSON(t, r, http.MethodGet, "/v1/stats?student_id=stu-1&course_id=CS101", studentAuthz, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("stats: status %d", w.Code)
	}
	var st stats.Stats
	if err := json.Unmarshal(w.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if st.TotalSessions != 1 || st.AttendedSessions != 1 || st.Percentage != 100.00 {
		t.Errorf("stats = %+v, want {1 1 100.00}", st)
	}

	// a second scan the same day is a quiet no-op
	w = doJSON(t, r, http.MethodGet, "/v1/scan/"+id, studentAuthz, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("repeat scan: status %d body %s", w.Code, w.Body.String())
	}
	var resp map[string]string
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["status"] != "already_recorded" {
		t.Errorf("repeat scan body = %s", w.Body.String())
	}

	w = doJSON(t, r, http.MethodGet, "/v1/stats?student_id=stu-1&course_id=CS101", studentAuthz, nil)
	_ = json.Unmarshal(w.Body.Bytes(), &st)
	if st.TotalSessions != 1 {
		t.Errorf("stats changed after idempotent scan: %+v", st)
	}
}

func TestScanFutureTokenRejected(t *testing.T) {
	d, _ := testDeps(t)
	r := buildRouter(d)
	now := time.Now().UTC()

	id := issueToken(t, r, d, now.Add(time.Hour), now.Add(49*time.Hour))

	w := doJSON(t, r, http.MethodGet, "/v1/scan/"+id, bearer(t, d, "stu-1", auth.RoleStudent), nil)
	if w.Code != http.StatusForbidden {
		t.Fatalf("future scan: status %d body %s", w.Code, w.Body.String())
	}
	var resp map[string]string
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["reason"] != string(token.StatusNotYetValid) {
		t.Errorf("reason = %q, want NOT_YET_VALID", resp["reason"])
	}

	// nothing was recorded
	w = doJSON(t, r, http.MethodGet, "/v1/checkins?student_id=stu-1", bearer(t, d, "stu-1", auth.RoleStudent), nil)
	var list struct {
		CheckIns []checkin.CheckIn `json:"check_ins"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &list)
	if len(list.CheckIns) != 0 {
		t.Errorf("check-ins = %d, want 0", len(list.CheckIns))
	}
}

func TestScanErrorTaxonomyOverHTTP(t *testing.T) {
	d, _ := testDeps(t)
	r := buildRouter(d)
	now := time.Now().UTC()

	activeID := issueToken(t, r, d, now.Add(-time.Hour), now.Add(47*time.Hour))

	t.Run("unknown token is 404", func(t *testing.T) {
		w := doJSON(t, r, http.MethodGet, "/v1/scan/00000000-0000-0000-0000-000000000000", bearer(t, d, "stu-1", auth.RoleStudent), nil)
		if w.Code != http.StatusNotFound {
			t.Errorf("status = %d", w.Code)
		}
	})

	t.Run("incomplete profile is 403", func(t *testing.T) {
		w := doJSON(t, r, http.MethodGet, "/v1/scan/"+activeID, bearer(t, d, "stu-incomplete", auth.RoleStudent), nil)
		if w.Code != http.StatusForbidden {
			t.Errorf("status = %d body %s", w.Code, w.Body.String())
		}
	})

	t.Run("lecturer cannot scan", func(t *testing.T) {
		w := doJSON(t, r, http.MethodGet, "/v1/scan/"+activeID, bearer(t, d, "lect-1", auth.RoleLecturer), nil)
		if w.Code != http.StatusForbidden {
			t.Errorf("status = %d", w.Code)
		}
	})

	t.Run("missing bearer is 401", func(t *testing.T) {
		w := doJSON(t, r, http.MethodGet, "/v1/scan/"+activeID, "", nil)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("status = %d", w.Code)
		}
	})
}

func TestTokenLifecycleOverHTTP(t *testing.T) {
	d, _ := testDeps(t)
	r := buildRouter(d)
	now := time.Now().UTC()
	lectAuthz := bearer(t, d, "lect-1", auth.RoleLecturer)

	t.Run("23h window rejected", func(t *testing.T) {
		w := doJSON(t, r, http.MethodPost, "/v1/tokens", lectAuthz, gin.H{
			"course_id":   "CS101",
			"valid_from":  now.Format(time.RFC3339),
			"valid_until": now.Add(23 * time.Hour).Format(time.RFC3339),
		})
		if w.Code != http.StatusBadRequest {
			t.Errorf("status = %d body %s", w.Code, w.Body.String())
		}
	})

	t.Run("foreign course rejected", func(t *testing.T) {
		w := doJSON(t, r, http.MethodPost, "/v1/tokens", lectAuthz, gin.H{
			"course_id":   "CS999",
			"valid_from":  now.Format(time.RFC3339),
			"valid_until": now.Add(48 * time.Hour).Format(time.RFC3339),
		})
		if w.Code != http.StatusForbidden {
			t.Errorf("status = %d", w.Code)
		}
	})

	id := issueToken(t, r, d, now.Add(-time.Hour), now.Add(47*time.Hour))

	t.Run("deactivate then scan reports inactive", func(t *testing.T) {
		w := doJSON(t, r, http.MethodPost, "/v1/tokens/"+id+"/deactivate", lectAuthz, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("deactivate: status %d", w.Code)
		}
		w = doJSON(t, r, http.MethodGet, "/v1/scan/"+id, bearer(t, d, "stu-1", auth.RoleStudent), nil)
		if w.Code != http.StatusForbidden {
			t.Fatalf("scan deactivated: status %d", w.Code)
		}
		var resp map[string]string
		_ = json.Unmarshal(w.Body.Bytes(), &resp)
		if resp["reason"] != string(token.StatusDeactivated) {
			t.Errorf("reason = %q", resp["reason"])
		}
	})

	t.Run("delete refused once check-ins exist", func(t *testing.T) {
		scannedID := issueToken(t, r, d, now.Add(-time.Hour), now.Add(47*time.Hour))
		w := doJSON(t, r, http.MethodGet, "/v1/scan/"+scannedID, bearer(t, d, "stu-1", auth.RoleStudent), nil)
		if w.Code != http.StatusCreated {
			t.Fatalf("scan: status %d", w.Code)
		}
		w = doJSON(t, r, http.MethodDelete, "/v1/tokens/"+scannedID, lectAuthz, nil)
		if w.Code != http.StatusConflict {
			t.Errorf("delete scanned token: status %d, want 409", w.Code)
		}
	})

	t.Run("qr png renders", func(t *testing.T) {
		w := doJSON(t, r, http.MethodGet, "/v1/tokens/"+id+"/qr.png", lectAuthz, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("qr: status %d", w.Code)
		}
		if ct := w.Header().Get("Content-Type"); ct != "image/png" {
			t.Errorf("content type = %q", ct)
		}
	})
}

func TestActorRegister(t *testing.T) {
	d, _ := testDeps(t)
	r := buildRouter(d)

	w := doJSON(t, r, http.MethodPost, "/v1/actors/register", "", gin.H{"actor_id": "stu-1", "role": "student"})
	if w.Code != http.StatusCreated {
		t.Fatalf("register: status %d body %s", w.Code, w.Body.String())
	}
	var resp struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil || resp.AccessToken == "" {
		t.Fatalf("no access token in %s", w.Body.String())
	}

	w = doJSON(t, r, http.MethodPost, "/v1/actors/register", "", gin.H{"actor_id": "x", "role": "superuser"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad role: status %d", w.Code)
	}
}

func TestCourseReportCSV(t *testing.T) {
	d, _ := testDeps(t)
	r := buildRouter(d)
	now := time.Now().UTC()

	id := issueToken(t, r, d, now.Add(-time.Hour), now.Add(47*time.Hour))
	if w := doJSON(t, r, http.MethodGet, "/v1/scan/"+id, bearer(t, d, "stu-1", auth.RoleStudent), nil); w.Code != http.StatusCreated {
		t.Fatalf("scan: status %d", w.Code)
	}

	w := doJSON(t, r, http.MethodGet, "/v1/courses/CS101/report.csv", bearer(t, d, "lect-1", auth.RoleLecturer), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("report: status %d", w.Code)
	}
	body := w.Body.String()
	wantRow := fmt.Sprintf("stu-1,CS101,1,1,0,%s,Good", "100.00")
	if !bytes.Contains([]byte(body), []byte(wantRow)) {
		t.Errorf("report missing row %q in:\n%s", wantRow, body)
	}
}
