package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixed(status Status) CheckerFunc {
	return func(context.Context) Result {
		return Result{Status: status}
	}
}

func TestMonitor_Run(t *testing.T) {
	tests := []struct {
		name     string
		statuses []Status
		want     Status
	}{
		{"empty", nil, StatusHealthy},
		{"all healthy", []Status{StatusHealthy, StatusHealthy}, StatusHealthy},
		{"one degraded", []Status{StatusHealthy, StatusDegraded}, StatusDegraded},
		{"unhealthy wins", []Status{StatusDegraded, StatusUnhealthy, StatusHealthy}, StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMonitor()
			for i, s := range tt.statuses {
				m.Add(string(rune('c'-i)), fixed(s))
			}

			report := m.Run(context.Background())
			assert.Equal(t, tt.want, report.Status)
			require.Len(t, report.Checks, len(tt.statuses))
			for i := 1; i < len(report.Checks); i++ {
				assert.Less(t, report.Checks[i-1].Name, report.Checks[i].Name)
			}
		})
	}
}

func TestMonitor_SlowCheckTimesOut(t *testing.T) {
	m := NewMonitor()
	m.Add("slow", CheckerFunc(func(ctx context.Context) Result {
		<-ctx.Done()
		time.Sleep(10 * time.Millisecond)
		return Result{Status: StatusHealthy}
	}))
	m.Add("fast", fixed(StatusHealthy))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	report := m.Run(ctx)
	assert.Equal(t, StatusUnhealthy, report.Status)
	slow, ok := report.Result("slow")
	require.True(t, ok)
	assert.Contains(t, slow.Message, "timed out")
	fast, ok := report.Result("fast")
	require.True(t, ok)
	assert.Equal(t, StatusHealthy, fast.Status)
}

func TestMonitor_PanickingCheckIsUnhealthy(t *testing.T) {
	m := NewMonitor()
	m.Add("broken", CheckerFunc(func(context.Context) Result {
		panic("nil engine")
	}))

	report := m.Run(context.Background())
	assert.Equal(t, StatusUnhealthy, report.Status)
	res, _ := report.Result("broken")
	assert.Contains(t, res.Message, "nil engine")
}

func TestMonitor_RemoveAndLabels(t *testing.T) {
	m := NewMonitor()
	m.Add("broker", fixed(StatusUnhealthy))
	m.Label("service", "orders")
	m.Remove("broker")

	report := m.Run(context.Background())
	assert.Equal(t, StatusHealthy, report.Status)
	assert.Empty(t, report.Checks)
	assert.Equal(t, "orders", report.Labels["service"])
}

func TestStatus_Text(t *testing.T) {
	for _, s := range []Status{StatusHealthy, StatusDegraded, StatusUnhealthy} {
		text, err := s.MarshalText()
		require.NoError(t, err)

		var back Status
		require.NoError(t, back.UnmarshalText(text))
		assert.Equal(t, s, back)
	}

	var s Status
	assert.Error(t, s.UnmarshalText([]byte("fine")))
}

func TestMonitor_Handler(t *testing.T) {
	tests := []struct {
		name   string
		status Status
		code   int
	}{
		{"healthy", StatusHealthy, http.StatusOK},
		{"degraded", StatusDegraded, http.StatusOK},
		{"unhealthy", StatusUnhealthy, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMonitor()
			m.Add("engine", fixed(tt.status))

			rec := httptest.NewRecorder()
			m.Handler(time.Second).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

			assert.Equal(t, tt.code, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

			var body struct {
				Status string `json:"status"`
				Checks []struct {
					Name   string `json:"name"`
					Status string `json:"status"`
				} `json:"checks"`
			}
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.status.String(), body.Status)
			require.Len(t, body.Checks, 1)
			assert.Equal(t, "engine", body.Checks[0].Name)
		})
	}
}

func TestMonitor_HandlerMethods(t *testing.T) {
	h := NewMonitor().Handler(0)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/health", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodHead, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Zero(t, rec.Body.Len())
}

func TestMonitor_ReadyHandler(t *testing.T) {
	m := NewMonitor()
	m.Add("engine", fixed(StatusDegraded))

	rec := httptest.NewRecorder()
	m.ReadyHandler(time.Second).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ready", rec.Body.String())

	m.Add("engine", fixed(StatusUnhealthy))
	rec = httptest.NewRecorder()
	m.ReadyHandler(time.Second).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "not ready", rec.Body.String())
}
