// Package health provides HTTP liveness and readiness handlers.
//
//   - /healthz is the liveness probe. It always returns 200 OK with the
//     process uptime.
//   - /readyz is the readiness probe. Every registered [Checker] runs
//     concurrently; a failing critical check turns the response into 503,
//     a failing non-critical one only marks the service "degraded".
//
// Responses are JSON objects with a top-level "status" field ("ok",
// "degraded" or "fail") and a "checks" map keyed by checker name.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 5 * time.Second

// Response statuses.
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
	StatusFail     = "fail"
)

// Checker is a named readiness probe.
type Checker struct {
	// Name labels the check in the response (e.g. "llm", "warmup").
	Name string

	// Check returns nil when the dependency is usable. It must respect
	// context cancellation.
	Check func(ctx context.Context) error

	// Optional checks degrade the service instead of failing readiness.
	Optional bool
}

// CheckResult is the outcome of one [Checker].
type CheckResult struct {
	Status    string  `json:"status"`
	Error     string  `json:"error,omitempty"`
	LatencyMS float64 `json:"latency_ms"`
}

// Report is the JSON body of both endpoints.
type Report struct {
	Status  string                 `json:"status"`
	Uptime  string                 `json:"uptime,omitempty"`
	Version string                 `json:"version,omitempty"`
	Checks  map[string]CheckResult `json:"checks,omitempty"`
}

// Handler serves /healthz and /readyz. It is safe for concurrent use.
type Handler struct {
	version string
	started time.Time

	mu       sync.RWMutex
	checkers []Checker
}

// New creates a [Handler] reporting version and evaluating checkers on every
// /readyz request.
func New(version string, checkers ...Checker) *Handler {
	return &Handler{
		version:  version,
		started:  time.Now(),
		checkers: append([]Checker(nil), checkers...),
	}
}

// Add registers more checkers.
func (h *Handler) Add(checkers ...Checker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checkers = append(h.checkers, checkers...)
}

// Healthz is the liveness probe.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, Report{
		Status:  StatusOK,
		Uptime:  time.Since(h.started).Round(time.Second).String(),
		Version: h.version,
	})
}

// Readyz is the readiness probe.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	rep := h.Evaluate(r.Context())
	status := http.StatusOK
	if rep.Status == StatusFail {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, rep)
}

// Evaluate runs every checker concurrently and aggregates the results.
func (h *Handler) Evaluate(ctx context.Context) Report {
	h.mu.RLock()
	checkers := append([]Checker(nil), h.checkers...)
	h.mu.RUnlock()

	results := make([]CheckResult, len(checkers))
	var g errgroup.Group
	for i, c := range checkers {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, checkTimeout)
			defer cancel()

			start := time.Now()
			err := c.Check(cctx)
			res := CheckResult{
				Status:    StatusOK,
				LatencyMS: float64(time.Since(start).Microseconds()) / 1000,
			}
			if err != nil {
				res.Status, res.Error = StatusFail, err.Error()
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()

	rep := Report{Status: StatusOK, Version: h.version, Checks: make(map[string]CheckResult, len(checkers))}
	for i, c := range checkers {
		res := results[i]
		rep.Checks[c.Name] = res
		if res.Status == StatusOK {
			continue
		}
		switch {
		case !c.Optional:
			rep.Status = StatusFail
		case rep.Status == StatusOK:
			rep.Status = StatusDegraded
		}
	}
	return rep
}

// Register adds the /healthz and /readyz routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
