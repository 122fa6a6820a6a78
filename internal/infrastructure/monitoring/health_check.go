package monitoring

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

type HealthChecker struct {
	checks    []HealthCheck
	mu        sync.RWMutex
	startedAt time.Time
}

type HealthCheck struct {
	Name    string
	Check   func(ctx context.Context) (bool, error)
	Timeout time.Duration
}

type HealthStatus struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Uptime    string            `json:"uptime,omitempty"`
	Checks    map[string]string `json:"checks,omitempty"`
}

func NewHealthChecker() *HealthChecker {
	return &HealthChecker{
		checks:    make([]HealthCheck, 0),
		startedAt: time.Now(),
	}
}

func (h *HealthChecker) AddCheck(name string, check func(ctx context.Context) (bool, error), timeout time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.checks = append(h.checks, HealthCheck{
		Name:    name,
		Check:   check,
		Timeout: timeout,
	})
}

// CheckAll runs every check concurrently, each under its own timeout.
func (h *HealthChecker) CheckAll(ctx context.Context) HealthStatus {
	h.mu.RLock()
	checks := append([]HealthCheck(nil), h.checks...)
	h.mu.RUnlock()

	status := HealthStatus{
		Status:    "healthy",
		Timestamp: time.Now(),
		Uptime:    time.Since(h.startedAt).Round(time.Second).String(),
		Checks:    make(map[string]string, len(checks)),
	}

	results := make([]string, len(checks))
	var wg sync.WaitGroup
	for i, check := range checks {
		wg.Add(1)
		go func(i int, check HealthCheck) {
			defer wg.Done()
			checkCtx, cancel := context.WithTimeout(ctx, check.Timeout)
			defer cancel()

			healthy, err := check.Check(checkCtx)
			switch {
			case err != nil:
				results[i] = err.Error()
			case !healthy:
				results[i] = "check failed"
			default:
				results[i] = "healthy"
			}
		}(i, check)
	}
	wg.Wait()

	for i, check := range checks {
		status.Checks[check.Name] = results[i]
		if results[i] != "healthy" {
			status.Status = "unhealthy"
		}
	}
	return status
}

// Names lists the registered checks.
func (h *HealthChecker) Names() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	names := make([]string, 0, len(h.checks))
	for _, c := range h.checks {
		names = append(names, c.Name)
	}
	sort.Strings(names)
	return names
}

// LivenessHandler reports the process as alive without running checks.
func (h *HealthChecker) LivenessHandler(c *gin.Context) {
	c.JSON(http.StatusOK, HealthStatus{
		Status:    "healthy",
		Timestamp: time.Now(),
		Uptime:    time.Since(h.startedAt).Round(time.Second).String(),
	})
}

// ReadinessHandler runs every check and answers 503 if one fails.
func (h *HealthChecker) ReadinessHandler(c *gin.Context) {
	status := h.CheckAll(c.Request.Context())
	code := http.StatusOK
	if status.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, status)
}
