package api

import (
	"context"
	"database/sql"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/felipepmaragno/seo-llm-proxy/internal/circuitbreaker"
)

const (
	statusOK       = "ok"
	statusDegraded = "degraded"
	statusNotReady = "not_ready"
)

// HealthCheck probes one dependency for /health/ready. A failing Optional check only
// degrades readiness: every caller of it fails open.
type HealthCheck struct {
	Name     string
	Check    func(ctx context.Context) error
	Optional bool
}

// RedisCheck is optional. Rate limiting, caching and alert dedup all fail open, so
// completions keep flowing without Redis.
func RedisCheck(client redis.UniversalClient) HealthCheck {
	return HealthCheck{
		Name:     "redis",
		Check:    func(ctx context.Context) error { return client.Ping(ctx).Err() },
		Optional: true,
	}
}

// PostgresCheck is required: profiles, stored keys and usage records live there.
func PostgresCheck(db *sql.DB) HealthCheck {
	return HealthCheck{Name: "postgres", Check: db.PingContext}
}

type HealthStatus struct {
	Status   string                 `json:"status"`
	Checks   map[string]CheckResult `json:"checks,omitempty"`
	Breakers map[string]string      `json:"circuit_breakers,omitempty"`
	Version  string                 `json:"version,omitempty"`
}

type CheckResult struct {
	Status   string `json:"status"`
	Optional bool   `json:"optional,omitempty"`
	Duration string `json:"duration,omitempty"`
	Error    string `json:"error,omitempty"`
}

// probe runs all checks concurrently and folds them into one status.
func probe(ctx context.Context, checks []HealthCheck) (string, map[string]CheckResult) {
	results := make([]CheckResult, len(checks))
	var wg sync.WaitGroup
	for i, hc := range checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			start := time.Now()
			res := CheckResult{Status: statusOK, Optional: hc.Optional}
			if err := hc.Check(ctx); err != nil {
				res.Status, res.Error = "error", err.Error()
			}
			res.Duration = time.Since(start).Round(time.Microsecond).String()
			results[i] = res
		}()
	}
	wg.Wait()

	overall := statusOK
	byName := make(map[string]CheckResult, len(checks))
	for i, hc := range checks {
		res := results[i]
		byName[hc.Name] = res
		switch {
		case res.Status == statusOK:
		case hc.Optional:
			if overall == statusOK {
				overall = statusDegraded
			}
		default:
			overall = statusNotReady
		}
	}
	return overall, byName
}

func (h *Handler) handleHealthReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.checkTimeout)
	defer cancel()

	overall, results := probe(ctx, h.checks)
	code := http.StatusOK
	if overall == statusNotReady {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, HealthStatus{Status: overall, Checks: results, Version: h.version})
}

// handleHealth lists every provider breaker. An open breaker takes one provider out,
// not the proxy, so the answer is degraded with a 200.
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := HealthStatus{Status: statusOK, Version: h.version}
	if h.breakers != nil {
		status.Breakers = make(map[string]string)
		for p, state := range h.breakers.States(r.Context()) {
			status.Breakers[string(p)] = state
			if state == circuitbreaker.StateOpen.String() {
				status.Status = statusDegraded
			}
		}
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *Handler) handleHealthLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthStatus{Status: statusOK})
}
