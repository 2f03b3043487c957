package health_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MrWong99/voicesync/internal/health"
)

func ok(context.Context) error { return nil }

func failing(msg string) func(context.Context) error {
	return func(context.Context) error { return errors.New(msg) }
}

func serve(t *testing.T, h *health.Handler, path string) (int, health.Report) {
	t.Helper()
	mux := http.NewServeMux()
	h.Register(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))

	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
	var rep health.Report
	if err := json.NewDecoder(rec.Body).Decode(&rep); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	return rec.Code, rep
}

func TestHealthz_AlwaysOK(t *testing.T) {
	t.Parallel()

	h := health.New("1.2.3", health.Checker{Name: "llm", Check: failing("down")})
	code, rep := serve(t, h, "/healthz")
	if code != http.StatusOK {
		t.Errorf("status = %d, want %d", code, http.StatusOK)
	}
	if rep.Status != health.StatusOK || rep.Version != "1.2.3" || rep.Uptime == "" {
		t.Errorf("unexpected report %+v", rep)
	}
}

func TestReadyz(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		checkers   []health.Checker
		wantCode   int
		wantStatus string
		wantChecks map[string]string
	}{
		{
			name:       "no checkers",
			wantCode:   http.StatusOK,
			wantStatus: health.StatusOK,
			wantChecks: map[string]string{},
		},
		{
			name: "all pass",
			checkers: []health.Checker{
				{Name: "llm", Check: ok},
				{Name: "warmup", Check: ok, Optional: true},
			},
			wantCode:   http.StatusOK,
			wantStatus: health.StatusOK,
			wantChecks: map[string]string{"llm": "", "warmup": ""},
		},
		{
			name: "optional failure degrades",
			checkers: []health.Checker{
				{Name: "llm", Check: ok},
				{Name: "warmup", Check: failing("cold"), Optional: true},
			},
			wantCode:   http.StatusOK,
			wantStatus: health.StatusDegraded,
			wantChecks: map[string]string{"llm": "", "warmup": "cold"},
		},
		{
			name: "critical failure fails",
			checkers: []health.Checker{
				{Name: "llm", Check: failing("connection refused")},
				{Name: "warmup", Check: failing("cold"), Optional: true},
			},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: health.StatusFail,
			wantChecks: map[string]string{"llm": "connection refused", "warmup": "cold"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			code, rep := serve(t, health.New("", tt.checkers...), "/readyz")
			if code != tt.wantCode {
				t.Errorf("status code = %d, want %d", code, tt.wantCode)
			}
			if rep.Status != tt.wantStatus {
				t.Errorf("status = %q, want %q", rep.Status, tt.wantStatus)
			}
			if len(rep.Checks) != len(tt.wantChecks) {
				t.Fatalf("checks = %v, want %d entries", rep.Checks, len(tt.wantChecks))
			}
			for name, wantErr := range tt.wantChecks {
				got, ok := rep.Checks[name]
				if !ok {
					t.Errorf("check %q missing", name)
					continue
				}
				if got.Error != wantErr {
					t.Errorf("check %q error = %q, want %q", name, got.Error, wantErr)
				}
			}
		})
	}
}

func TestEvaluate_RunsChecksConcurrently(t *testing.T) {
	t.Parallel()

	slow := func(ctx context.Context) error {
		select {
		case <-time.After(200 * time.Millisecond):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	h := health.New("",
		health.Checker{Name: "a", Check: slow},
		health.Checker{Name: "b", Check: slow},
		health.Checker{Name: "c", Check: slow},
	)

	start := time.Now()
	rep := h.Evaluate(context.Background())
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("Evaluate took %v, want checks to overlap", elapsed)
	}
	if rep.Status != health.StatusOK {
		t.Errorf("status = %q, want ok", rep.Status)
	}
}

func TestEvaluate_RespectsCancellation(t *testing.T) {
	t.Parallel()

	h := health.New("", health.Checker{Name: "slow", Check: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if rep := h.Evaluate(ctx); rep.Status != health.StatusFail {
		t.Errorf("status = %q, want fail", rep.Status)
	}
}

func TestAdd(t *testing.T) {
	t.Parallel()

	h := health.New("")
	h.Add(health.Checker{Name: "late", Check: failing("nope")})
	if rep := h.Evaluate(context.Background()); rep.Checks["late"].Error != "nope" {
		t.Errorf("added checker not evaluated: %+v", rep)
	}
}
