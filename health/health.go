// Package health aggregates liveness checks of the broker connection, the
// consumers and the management API, and serves them over HTTP.
package health

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/glimte/rmqbus/internal/jsoncodec"
)

// Status of a single check or of the whole bus
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

func (s Status) severity() int {
	switch s {
	case StatusHealthy:
		return 0
	case StatusDegraded:
		return 1
	default:
		return 2
	}
}

// worst returns the more severe of a and b
func worst(a, b Status) Status {
	if b.severity() > a.severity() {
		return b
	}
	return a
}

// CheckResult is what one Checker observed
type CheckResult struct {
	Name      string                 `json:"name"`
	Status    Status                 `json:"status"`
	Message   string                 `json:"message,omitempty"`
	Duration  time.Duration          `json:"duration"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Error     string                 `json:"error,omitempty"`
}

// OverallHealth is the report served on the health endpoint. Its status is
// the most severe status of its checks.
type OverallHealth struct {
	Status    Status                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Duration  time.Duration          `json:"duration"`
	Checks    map[string]CheckResult `json:"checks"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Checker probes one dependency
type Checker interface {
	Check(ctx context.Context) CheckResult
	Name() string
}

// Registry holds the checkers of a bus, keyed by name
type Registry struct {
	mu       sync.RWMutex
	checkers map[string]Checker
	metadata map[string]interface{}
}

func NewRegistry() *Registry {
	return &Registry{
		checkers: map[string]Checker{},
		metadata: map[string]interface{}{},
	}
}

// Register adds checker, replacing any checker with the same name
func (r *Registry) Register(checker Checker) {
	r.mu.Lock()
	r.checkers[checker.Name()] = checker
	r.mu.Unlock()
}

func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	delete(r.checkers, name)
	r.mu.Unlock()
}

// SetMetadata attaches a static value to every report
func (r *Registry) SetMetadata(key string, value interface{}) {
	r.mu.Lock()
	r.metadata[key] = value
	r.mu.Unlock()
}

func (r *Registry) snapshot() ([]Checker, map[string]interface{}) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	checkers := make([]Checker, 0, len(r.checkers))
	for _, c := range r.checkers {
		checkers = append(checkers, c)
	}
	sort.Slice(checkers, func(i, j int) bool { return checkers[i].Name() < checkers[j].Name() })

	metadata := make(map[string]interface{}, len(r.metadata))
	for k, v := range r.metadata {
		metadata[k] = v
	}
	return checkers, metadata
}

// Check runs every checker in its own goroutine and waits until they all
// return or ctx ends. A checker that has not answered by then is reported
// unhealthy; its late result is discarded.
func (r *Registry) Check(ctx context.Context) OverallHealth {
	start := time.Now()
	checkers, metadata := r.snapshot()

	var (
		mu      sync.Mutex
		done    = make([]bool, len(checkers))
		results = make([]CheckResult, len(checkers))
		wg      sync.WaitGroup
	)
	for i, c := range checkers {
		wg.Add(1)
		go func(i int, c Checker) {
			defer wg.Done()
			res := c.Check(ctx)
			mu.Lock()
			defer mu.Unlock()
			if !done[i] {
				results[i], done[i] = res, true
			}
		}(i, c)
	}

	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-ctx.Done():
	}

	report := OverallHealth{
		Status:   StatusHealthy,
		Checks:   make(map[string]CheckResult, len(checkers)),
		Metadata: metadata,
	}

	mu.Lock()
	for i, c := range checkers {
		res := results[i]
		if !done[i] {
			// mark it so a late answer cannot overwrite the timeout
			done[i] = true
			res = CheckResult{
				Name:      c.Name(),
				Status:    StatusUnhealthy,
				Message:   "Check timed out",
				Duration:  time.Since(start),
				Timestamp: time.Now(),
				Error:     context.Cause(ctx).Error(),
			}
		}
		report.Checks[c.Name()] = res
		report.Status = worst(report.Status, res.Status)
	}
	mu.Unlock()

	report.Timestamp = time.Now()
	report.Duration = time.Since(start)
	return report
}

// Handler serves the report of a Registry as JSON. Unhealthy answers 503,
// degraded still answers 200 so load balancers keep the instance.
type Handler struct {
	registry *Registry
	timeout  time.Duration
}

func NewHandler(registry *Registry, timeout time.Duration) *Handler {
	return &Handler{registry: registry, timeout: timeout}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()
	report := h.registry.Check(ctx)

	body, err := jsoncodec.Marshal(report)
	if err != nil {
		http.Error(w, "cannot encode health report", http.StatusInternalServerError)
		return
	}

	code := http.StatusOK
	if report.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(body)
}

// LivenessHandler answers 200 while the process runs
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("alive"))
	}
}
