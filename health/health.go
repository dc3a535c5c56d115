// Package health reports whether the engines of a process can currently
// reach the broker, and serves that report over HTTP.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Status is ordered from best to worst so reports can take the maximum.
type Status int

const (
	StatusHealthy Status = iota
	StatusDegraded
	StatusUnhealthy
)

func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusDegraded:
		return "degraded"
	case StatusUnhealthy:
		return "unhealthy"
	}
	return "unknown"
}

// MarshalText encodes the status by name
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a status name
func (s *Status) UnmarshalText(text []byte) error {
	for _, candidate := range []Status{StatusHealthy, StatusDegraded, StatusUnhealthy} {
		if candidate.String() == string(text) {
			*s = candidate
			return nil
		}
	}
	return fmt.Errorf("health: unknown status %q", text)
}

// Result is the outcome of one check
type Result struct {
	Name     string         `json:"name"`
	Status   Status         `json:"status"`
	Message  string         `json:"message,omitempty"`
	Details  map[string]any `json:"details,omitempty"`
	Duration time.Duration  `json:"duration_ns"`
}

// Report is the outcome of every check, sorted by name
type Report struct {
	Status    Status            `json:"status"`
	CheckedAt time.Time         `json:"checked_at"`
	Checks    []Result          `json:"checks"`
	Labels    map[string]string `json:"labels,omitempty"`
}

// Result returns the check registered under name
func (r Report) Result(name string) (Result, bool) {
	for _, res := range r.Checks {
		if res.Name == name {
			return res, true
		}
	}
	return Result{}, false
}

// Checker inspects one component
type Checker interface {
	Check(ctx context.Context) Result
}

// CheckerFunc adapts a function to Checker
type CheckerFunc func(ctx context.Context) Result

func (f CheckerFunc) Check(ctx context.Context) Result {
	return f(ctx)
}

// Monitor holds the named checks of a process
type Monitor struct {
	mu       sync.RWMutex
	checkers map[string]Checker
	labels   map[string]string
}

func NewMonitor() *Monitor {
	return &Monitor{
		checkers: make(map[string]Checker),
		labels:   make(map[string]string),
	}
}

// Add registers checker under name, replacing any previous one
func (m *Monitor) Add(name string, checker Checker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkers[name] = checker
}

func (m *Monitor) Remove(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.checkers, name)
}

// Label attaches a value to every report
func (m *Monitor) Label(key, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.labels[key] = value
}

// Run executes all checks concurrently. A check still running when ctx ends,
// or one that panics, counts as unhealthy. The report takes the worst status.
func (m *Monitor) Run(ctx context.Context) Report {
	m.mu.RLock()
	names := make([]string, 0, len(m.checkers))
	for name := range m.checkers {
		names = append(names, name)
	}
	checkers := make([]Checker, len(names))
	sort.Strings(names)
	for i, name := range names {
		checkers[i] = m.checkers[name]
	}
	labels := make(map[string]string, len(m.labels))
	for k, v := range m.labels {
		labels[k] = v
	}
	m.mu.RUnlock()

	results := make([]Result, len(names))
	var g errgroup.Group
	for i := range names {
		g.Go(func() error {
			results[i] = runCheck(ctx, names[i], checkers[i])
			return nil
		})
	}
	g.Wait()

	report := Report{
		Status:    StatusHealthy,
		CheckedAt: time.Now(),
		Checks:    results,
		Labels:    labels,
	}
	for _, res := range results {
		report.Status = max(report.Status, res.Status)
	}
	return report
}

func runCheck(ctx context.Context, name string, checker Checker) Result {
	start := time.Now()
	out := make(chan Result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				out <- Result{Status: StatusUnhealthy, Message: fmt.Sprintf("check panicked: %v", r)}
			}
		}()
		out <- checker.Check(ctx)
	}()

	var res Result
	select {
	case res = <-out:
	case <-ctx.Done():
		res = Result{Status: StatusUnhealthy, Message: "check timed out: " + ctx.Err().Error()}
	}
	res.Name = name
	if res.Duration == 0 {
		res.Duration = time.Since(start)
	}
	return res
}

// Handler serves the full report as JSON. Degraded still answers 200, only
// unhealthy answers 503.
func (m *Monitor) Handler(timeout time.Duration) http.Handler {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		report := m.Run(ctx)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(statusCode(report.Status))
		if r.Method == http.MethodHead {
			return
		}
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		encoder.Encode(report)
	})
}

// ReadyHandler answers with a plain "ready" or "not ready"
func (m *Monitor) ReadyHandler(timeout time.Duration) http.Handler {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()

		code := statusCode(m.Run(ctx).Status)
		w.WriteHeader(code)
		if code == http.StatusOK {
			w.Write([]byte("ready"))
			return
		}
		w.Write([]byte("not ready"))
	})
}

func statusCode(s Status) int {
	if s == StatusUnhealthy {
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}
