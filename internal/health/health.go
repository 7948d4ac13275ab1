// Package health serves the liveness and readiness probes.
//
// Liveness (/healthz) answers 200 for any process that can still serve HTTP
// and reports the process uptime. Readiness (/readyz) runs every registered
// [Checker] and answers 200 only when all of them pass; a failing dependency
// flips the response to 503 with the failure message under its checker name.
//
// Both endpoints answer JSON: a top-level "status" of "ok" or "fail" plus a
// "checks" map keyed by checker name.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// checkTimeout caps how long one readiness check may run.
const checkTimeout = 5 * time.Second

// Checker probes one dependency by name. Check returns nil when the
// dependency can serve and an error describing the outage otherwise; it must
// honor context cancellation.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

// report is the response body shared by both probes.
type report struct {
	Status string            `json:"status"`
	Uptime string            `json:"uptime,omitempty"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler answers the two probe endpoints. The checker list is fixed at
// construction, so a Handler is safe for concurrent use.
type Handler struct {
	started  time.Time
	checkers []Checker
}

// New builds a Handler over the given checkers. Readiness evaluates them
// sequentially in the order given.
func New(checkers ...Checker) *Handler {
	return &Handler{
		started:  time.Now(),
		checkers: append([]Checker(nil), checkers...),
	}
}

// Healthz is the liveness probe. It always answers 200; the uptime in the
// body makes restart loops visible at a glance.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, report{
		Status: "ok",
		Uptime: time.Since(h.started).Round(time.Second).String(),
	})
}

// Readyz is the readiness probe. Every checker runs with its own
// checkTimeout deadline under the request context; one failure is enough for
// a 503.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	checks, ok := h.run(r.Context())

	rep := report{Status: "ok", Checks: checks}
	code := http.StatusOK
	if !ok {
		rep.Status = "fail"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, rep)
}

// run evaluates all checkers and reports whether every one passed.
func (h *Handler) run(ctx context.Context) (map[string]string, bool) {
	checks := make(map[string]string, len(h.checkers))
	ok := true
	for _, c := range h.checkers {
		cctx, cancel := context.WithTimeout(ctx, checkTimeout)
		err := c.Check(cctx)
		cancel()
		if err != nil {
			checks[c.Name] = "fail: " + err.Error()
			ok = false
			continue
		}
		checks[c.Name] = "ok"
	}
	return checks, ok
}

// writeJSON marshals v before touching the response so an encoding failure
// never leaves a half-written body.
func writeJSON(w http.ResponseWriter, status int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "encoding failure", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(b)
}
