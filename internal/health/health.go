// Package health serves the liveness and readiness probes of the voice
// client.
//
// /healthz answers 200 while the process can serve HTTP. /readyz answers 200
// only when every [Checker] passes, which for voxlink means the agent socket
// is open and a microphone is present. Both respond with a JSON object:
//
//	{"status":"fail","session_id":"…","checks":{"transport":"fail: agent socket is connecting","microphone":"ok"}}
package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 5 * time.Second

// Checker is a named readiness probe. Check returns nil when healthy and must
// respect ctx.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

type result struct {
	Status  string            `json:"status"`
	Session string            `json:"session_id,omitempty"`
	Checks  map[string]string `json:"checks,omitempty"`
}

// Option configures a [Handler].
type Option func(*Handler)

// WithSession reports the live session ID in every response. fn returns ""
// between sessions.
func WithSession(fn func() string) Option {
	return func(h *Handler) { h.session = fn }
}

// Handler serves /healthz and /readyz. The checker list is fixed at
// construction.
type Handler struct {
	checkers []Checker
	session  func() string
}

// New returns a [Handler] that runs checkers concurrently on every /readyz
// request.
func New(checkers []Checker, opts ...Option) *Handler {
	h := &Handler{checkers: append([]Checker(nil), checkers...)}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Healthz always answers 200.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok", Session: h.sessionID()})
}

// Readyz answers 200 when every checker passes and 503 otherwise.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	checks, ok := h.evaluate(r.Context())
	res := result{Status: "ok", Session: h.sessionID(), Checks: checks}
	status := http.StatusOK
	if !ok {
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}

// evaluate runs every checker with its own deadline and reports each outcome
// by name.
func (h *Handler) evaluate(ctx context.Context) (map[string]string, bool) {
	var (
		mu     sync.Mutex
		checks = make(map[string]string, len(h.checkers))
		ok     = true
		g      errgroup.Group
	)
	for _, c := range h.checkers {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, checkTimeout)
			defer cancel()
			err := c.Check(cctx)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				ok = false
				checks[c.Name] = "fail: " + err.Error()
				slog.Debug("health: readiness check failed", "check", c.Name, "err", err)
			} else {
				checks[c.Name] = "ok"
			}
			return nil
		})
	}
	_ = g.Wait()
	return checks, ok
}

func (h *Handler) sessionID() string {
	if h.session == nil {
		return ""
	}
	return h.session()
}

// Register adds the /healthz and /readyz routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("health: encode response", "err", err)
	}
}
