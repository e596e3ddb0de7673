package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go-estate-market/internal/model"
)

type Checker func(ctx context.Context) error

type CheckStatus string

const (
	StatusUp       CheckStatus = "up"
	StatusDown     CheckStatus = "down"
	StatusDegraded CheckStatus = "degraded"
)

type HealthReport struct {
	Status    CheckStatus            `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
}

type CheckResult struct {
	Status CheckStatus `json:"status"`
	Error  string      `json:"error,omitempty"`
}

type dependency struct {
	check    Checker
	critical bool
}

// HealthHandler serves liveness and readiness. A failing critical
// dependency makes the instance unready; a failing optional one only
// degrades it.
type HealthHandler struct {
	deps    map[string]dependency
	timeout time.Duration
}

func NewHealthHandler(timeout time.Duration) *HealthHandler {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &HealthHandler{deps: map[string]dependency{}, timeout: timeout}
}

// Register adds a dependency check. It is not safe to call once serving.
func (h *HealthHandler) Register(name string, check Checker, critical bool) {
	h.deps[name] = dependency{check: check, critical: critical}
}

func (h *HealthHandler) Live(w http.ResponseWriter, _ *http.Request) {
	writeSuccess(w, http.StatusOK, HealthReport{Status: StatusUp, Timestamp: time.Now().UTC()})
}

func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	report := HealthReport{
		Status:    StatusUp,
		Timestamp: time.Now().UTC(),
		Checks:    make(map[string]CheckResult, len(h.deps)),
	}

	for name, dep := range h.deps {
		if err := dep.check(ctx); err != nil {
			report.Checks[name] = CheckResult{Status: StatusDown, Error: err.Error()}
			switch {
			case dep.critical:
				report.Status = StatusDown
			case report.Status == StatusUp:
				report.Status = StatusDegraded
			}
			continue
		}
		report.Checks[name] = CheckResult{Status: StatusUp}
	}

	if report.Status == StatusDown {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(model.APIResponse{
			Success: false,
			Data:    report,
			Error:   &model.APIError{Code: "NOT_READY", Message: "A required dependency is unavailable"},
		})
		return
	}
	writeSuccess(w, http.StatusOK, report)
}
