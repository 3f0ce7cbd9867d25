package httpapi

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"zubridge/host/internal/logging"
	"zubridge/host/internal/thunk"
)

// ReadinessProvider exposes kernel state required for readiness checks.
type ReadinessProvider interface {
	StartupError() error
	Uptime() time.Duration
}

// KernelStats exposes kernel load for the metrics endpoint, mirroring
// kernel.Stats without importing the kernel package directly (avoids a
// cyclic import since cmd/zubridged wires both together).
type KernelStats struct {
	QueueDepth     int
	DroppedActions int64
	ActiveThunks   int
	LockState      string
}

// StatsFunc returns the current kernel load snapshot.
type StatsFunc func() KernelStats

// ThunkStateFunc returns a snapshot of every currently active thunk, used by
// the admin-gated thunk dump endpoint.
type ThunkStateFunc func() thunk.TreeState

// RateLimiter gates how frequently sensitive operations may be invoked.
type RateLimiter interface {
	Allow() bool
}

// Options configures the HandlerSet.
type Options struct {
	Logger      *logging.Logger
	Readiness   ReadinessProvider
	Stats       StatsFunc
	ThunkState  ThunkStateFunc
	AdminToken  string
	RateLimiter RateLimiter
	TimeSource  func() time.Time
}

// HandlerSet bundles the kernel's operational HTTP endpoints: liveness,
// readiness, Prometheus metrics, and an admin-gated thunk-state dump.
type HandlerSet struct {
	logger      *logging.Logger
	readiness   ReadinessProvider
	stats       StatsFunc
	thunkState  ThunkStateFunc
	adminToken  string
	rateLimiter RateLimiter
	now         func() time.Time
}

// NewHandlerSet constructs a HandlerSet using the provided options.
func NewHandlerSet(opts Options) *HandlerSet {
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewTestLogger()
	}
	now := opts.TimeSource
	if now == nil {
		now = time.Now
	}
	return &HandlerSet{
		logger:      logger,
		readiness:   opts.Readiness,
		stats:       opts.Stats,
		thunkState:  opts.ThunkState,
		adminToken:  strings.TrimSpace(opts.AdminToken),
		rateLimiter: opts.RateLimiter,
		now:         now,
	}
}

// Register attaches all handlers to the provided mux.
func (h *HandlerSet) Register(mux *http.ServeMux) {
	if mux == nil {
		return
	}
	mux.HandleFunc("/livez", h.LivenessHandler())
	mux.HandleFunc("/readyz", h.ReadinessHandler())
	mux.HandleFunc("/metrics", h.MetricsHandler())
	if h.thunkState != nil {
		mux.HandleFunc("/admin/thunks", h.ThunkDumpHandler())
	}
}

// LivenessHandler reports that the HTTP server is reachable.
func (h *HandlerSet) LivenessHandler() http.HandlerFunc {
	type response struct {
		Status    string `json:"status"`
		Timestamp string `json:"timestamp"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, response{
			Status:    "alive",
			Timestamp: h.now().UTC().Format(time.RFC3339Nano),
		})
	}
}

// ReadinessHandler reports kernel readiness, including startup status.
func (h *HandlerSet) ReadinessHandler() http.HandlerFunc {
	type response struct {
		Status        string  `json:"status"`
		Message       string  `json:"message,omitempty"`
		UptimeSeconds float64 `json:"uptime_seconds"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		resp := response{Status: "ok"}
		if h.readiness != nil {
			resp.UptimeSeconds = h.readiness.Uptime().Seconds()
			if err := h.readiness.StartupError(); err != nil {
				status = http.StatusServiceUnavailable
				resp.Status = "error"
				resp.Message = err.Error()
			}
		}
		writeJSON(w, status, resp)
	}
}

// MetricsHandler emits Prometheus compatible text metrics describing kernel load.
func (h *HandlerSet) MetricsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")

		if h.readiness != nil {
			fmt.Fprintf(w, "# HELP zubridge_uptime_seconds Kernel uptime in seconds.\n")
			fmt.Fprintf(w, "# TYPE zubridge_uptime_seconds gauge\n")
			fmt.Fprintf(w, "zubridge_uptime_seconds %.0f\n", h.readiness.Uptime().Seconds())
		}

		if h.stats == nil {
			return
		}
		stats := h.stats()
		fmt.Fprintf(w, "# HELP zubridge_queue_depth Actions currently queued awaiting execution.\n")
		fmt.Fprintf(w, "# TYPE zubridge_queue_depth gauge\n")
		fmt.Fprintf(w, "zubridge_queue_depth %d\n", stats.QueueDepth)

		fmt.Fprintf(w, "# HELP zubridge_dropped_actions_total Actions dropped by the overflow policy.\n")
		fmt.Fprintf(w, "# TYPE zubridge_dropped_actions_total counter\n")
		fmt.Fprintf(w, "zubridge_dropped_actions_total %d\n", stats.DroppedActions)

		fmt.Fprintf(w, "# HELP zubridge_active_thunks Currently active (non-terminal) thunks.\n")
		fmt.Fprintf(w, "# TYPE zubridge_active_thunks gauge\n")
		fmt.Fprintf(w, "zubridge_active_thunks %d\n", stats.ActiveThunks)

		fmt.Fprintf(w, "# HELP zubridge_lock_held Whether the thunk lock is currently held (1) or idle (0).\n")
		fmt.Fprintf(w, "# TYPE zubridge_lock_held gauge\n")
		held := 0
		if stats.LockState == string(thunk.LockLocked) {
			held = 1
		}
		fmt.Fprintf(w, "zubridge_lock_held %d\n", held)
	}
}

// ThunkDumpHandler authorises and returns the full active-thunk tree, useful
// for debugging stuck locks in production.
func (h *HandlerSet) ThunkDumpHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := h.logger.With(
			logging.String("handler", "thunk_dump"),
			logging.String("remote_addr", r.RemoteAddr),
		)
		if h.adminToken == "" {
			logger.Warn("thunk dump denied: admin auth disabled")
			http.Error(w, "admin authentication not configured", http.StatusForbidden)
			return
		}
		if !h.authorise(r) {
			logger.Warn("thunk dump denied: unauthorized request")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if h.rateLimiter != nil && !h.rateLimiter.Allow() {
			logger.Warn("thunk dump denied: rate limit exceeded")
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		writeJSON(w, http.StatusOK, h.thunkState())
	}
}

func (h *HandlerSet) authorise(r *http.Request) bool {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	var token string
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		token = strings.TrimSpace(header[7:])
	} else if header != "" {
		token = header
	}
	if token == "" {
		token = strings.TrimSpace(r.Header.Get("X-Admin-Token"))
	}
	if token == "" {
		token = strings.TrimSpace(r.URL.Query().Get("token"))
	}
	if token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.adminToken)) == 1
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(payload)
}
