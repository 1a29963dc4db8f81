package admin

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/syntor/relay/pkg/models"
)

// ErrDegraded marks a check result that is worth reporting but does not
// make the process unhealthy
var ErrDegraded = errors.New("degraded")

// CheckFunc reports one component's status
type CheckFunc func() (string, error)

// HealthReport is the outcome of running every check
type HealthReport struct {
	Overall    models.HealthStatus `json:"overall"`
	Components map[string]string   `json:"components"`
	Timestamp  time.Time           `json:"timestamp"`
}

// HealthChecker runs named checks
type HealthChecker struct {
	checks map[string]CheckFunc
	mu     sync.RWMutex
}

// NewHealthChecker creates a checker with the runtime and goroutine checks
func NewHealthChecker() *HealthChecker {
	hc := &HealthChecker{checks: make(map[string]CheckFunc)}
	hc.RegisterCheck("runtime", checkRuntime)
	hc.RegisterCheck("goroutines", checkGoroutines)
	return hc
}

// RegisterCheck adds or replaces a check
func (hc *HealthChecker) RegisterCheck(name string, check CheckFunc) {
	hc.mu.Lock()
	hc.checks[name] = check
	hc.mu.Unlock()
}

// Check runs all checks. A check returning ErrDegraded degrades the report;
// any other error makes it unhealthy.
func (hc *HealthChecker) Check() HealthReport {
	hc.mu.RLock()
	names := make([]string, 0, len(hc.checks))
	for name := range hc.checks {
		names = append(names, name)
	}
	checks := make(map[string]CheckFunc, len(hc.checks))
	for name, check := range hc.checks {
		checks[name] = check
	}
	hc.mu.RUnlock()
	sort.Strings(names)

	report := HealthReport{
		Overall:    models.HealthHealthy,
		Components: make(map[string]string, len(names)),
		Timestamp:  time.Now(),
	}

	for _, name := range names {
		result, err := checks[name]()
		switch {
		case err == nil:
			report.Components[name] = result
		case errors.Is(err, ErrDegraded):
			report.Components[name] = "degraded: " + result
			if report.Overall == models.HealthHealthy {
				report.Overall = models.HealthDegraded
			}
		default:
			report.Components[name] = "unhealthy: " + err.Error()
			report.Overall = models.HealthUnhealthy
		}
	}

	return report
}

// ServeHTTP writes the report as JSON, with 503 when unhealthy
func (hc *HealthChecker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	report := hc.Check()

	w.Header().Set("Content-Type", "application/json")
	if report.Overall == models.HealthUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(report)
}

func checkRuntime() (string, error) {
	return fmt.Sprintf("Go %s on %s/%s", runtime.Version(), runtime.GOOS, runtime.GOARCH), nil
}

func checkGoroutines() (string, error) {
	count := runtime.NumGoroutine()
	if count > 10000 {
		return fmt.Sprintf("%d (high)", count), fmt.Errorf("too many goroutines")
	}
	return fmt.Sprintf("%d", count), nil
}

// AgentsCheck reports the number of registered agents; none is unhealthy
func AgentsCheck(r Router) CheckFunc {
	return func() (string, error) {
		n := len(r.Agents())
		if n == 0 {
			return "0", errors.New("no agents registered")
		}
		return fmt.Sprintf("%d registered", n), nil
	}
}

// BreakersCheck reports open breakers as degraded
func BreakersCheck(r Router) CheckFunc {
	return func() (string, error) {
		open := r.Stats().OpenBreakers
		if open > 0 {
			return fmt.Sprintf("%d open", open), ErrDegraded
		}
		return "all closed", nil
	}
}
