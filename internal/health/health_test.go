package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"
)

func healthy(ctx context.Context) ComponentHealth {
	return ComponentHealth{Status: StatusHealthy}
}

func TestNewChecker(t *testing.T) {
	checker := NewChecker(0)
	if checker.timeout != 5*time.Second {
		t.Errorf("default timeout = %v, want 5s", checker.timeout)
	}

	checker = NewChecker(time.Second)
	if checker.timeout != time.Second {
		t.Errorf("timeout = %v, want 1s", checker.timeout)
	}
}

func TestRegisterUnregister(t *testing.T) {
	checker := NewChecker(time.Second)
	checker.Register("logs", healthy)

	if _, ok := checker.CheckComponent(context.Background(), "logs"); !ok {
		t.Fatal("logs component not registered")
	}

	checker.Unregister("logs")
	if _, ok := checker.CheckComponent(context.Background(), "logs"); ok {
		t.Error("logs component still registered")
	}
	if len(checker.GetLastStatus()) != 0 {
		t.Error("last status not cleared on unregister")
	}
}

func TestCheckManyComponents(t *testing.T) {
	checker := NewChecker(time.Second)
	names := []string{"logs", "resolver", "outputs", "map", "stream", "topology"}
	for _, n := range names {
		checker.Register(n, healthy)
	}

	results := checker.Check(context.Background())
	if len(results) != len(names) {
		t.Fatalf("got %d results, want %d", len(results), len(names))
	}
	for _, n := range names {
		r, ok := results[n]
		if !ok {
			t.Errorf("missing result for %s", n)
			continue
		}
		if r.LastChecked.IsZero() {
			t.Errorf("%s: LastChecked not set", n)
		}
	}

	if got := len(checker.GetLastStatus()); got != len(names) {
		t.Errorf("last status has %d entries, want %d", got, len(names))
	}
}

func TestAggregate(t *testing.T) {
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
			results := make(map[string]ComponentHealth)
			for i, s := range tt.statuses {
				results[string(rune('a'+i))] = ComponentHealth{Status: s}
			}
			if got := Aggregate(results); got != tt.want {
				t.Errorf("Aggregate() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestLogDirectoryCheck(t *testing.T) {
	dir := ""
	ready := false
	check := LogDirectoryCheck(func() (string, bool) { return dir, ready })

	r := check(context.Background())
	if r.Status != StatusUnhealthy || r.Message != MessageNotReceiving {
		t.Errorf("no directory: got %s %q", r.Status, r.Message)
	}

	dir = "/tmp/Chatlogs"
	r = check(context.Background())
	if r.Status != StatusUnhealthy {
		t.Errorf("missing directory: got %s", r.Status)
	}
	if r.Metadata["directory"] != dir {
		t.Errorf("directory metadata = %v", r.Metadata["directory"])
	}

	ready = true
	r = check(context.Background())
	if r.Status != StatusHealthy {
		t.Errorf("ready directory: got %s", r.Status)
	}
}

func TestResolverCheck(t *testing.T) {
	var open []string
	check := ResolverCheck(func() int { return 3 }, func() []string { return open })

	r := check(context.Background())
	if r.Status != StatusHealthy {
		t.Errorf("status = %s, want healthy", r.Status)
	}
	if r.Metadata["in_flight"] != 3 {
		t.Errorf("in_flight = %v", r.Metadata["in_flight"])
	}

	open = []string{"kos"}
	r = check(context.Background())
	if r.Status != StatusDegraded {
		t.Errorf("status = %s, want degraded", r.Status)
	}

	r = ResolverCheck(func() int { return 0 }, nil)(context.Background())
	if r.Status != StatusHealthy {
		t.Errorf("nil breakers: status = %s", r.Status)
	}
}

func TestHTTPHandler(t *testing.T) {
	checker := NewChecker(time.Second)
	checker.Register("resolver", healthy)
	checker.Register("logs", LogDirectoryCheck(func() (string, bool) { return "/logs", true }))

	w := httptest.NewRecorder()
	checker.HTTPHandler()(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	if w.Code != http.StatusOK {
		t.Errorf("status code = %d, want 200", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("content type = %q", ct)
	}

	var response HealthResponse
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if response.Status != StatusHealthy {
		t.Errorf("status = %s", response.Status)
	}
	if len(response.Components) != 2 {
		t.Errorf("components = %d, want 2", len(response.Components))
	}
}

func TestHTTPHandlerMissingDirectory(t *testing.T) {
	checker := NewChecker(time.Second)
	checker.Register("logs", LogDirectoryCheck(func() (string, bool) { return "/gone", false }))

	w := httptest.NewRecorder()
	checker.HTTPHandler()(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status code = %d, want 503", w.Code)
	}

	var response HealthResponse
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if response.Components["logs"].Message != MessageNotReceiving {
		t.Errorf("logs message = %q", response.Components["logs"].Message)
	}
}

func TestLivenessHandler(t *testing.T) {
	checker := NewChecker(time.Second)
	checker.Register("logs", CheckFunc(func() (bool, string) { return false, "down" }))

	w := httptest.NewRecorder()
	checker.LivenessHandler()(w, httptest.NewRequest(http.MethodGet, "/health/live", nil))

	if w.Code != http.StatusOK {
		t.Errorf("liveness must not depend on components, got %d", w.Code)
	}
}

func TestReadinessHandler(t *testing.T) {
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
			checker := NewChecker(time.Second)
			status := tt.status
			checker.Register("resolver", CheckWithMetadata(func() (Status, string, map[string]interface{}) {
				return status, "", nil
			}))

			w := httptest.NewRecorder()
			checker.ReadinessHandler()(w, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
			if w.Code != tt.code {
				t.Errorf("code = %d, want %d", w.Code, tt.code)
			}
		})
	}
}

func TestCheckTimeout(t *testing.T) {
	checker := NewChecker(20 * time.Millisecond)
	checker.Register("slow", func(ctx context.Context) ComponentHealth {
		select {
		case <-ctx.Done():
			return ComponentHealth{Status: StatusUnhealthy, Message: "timeout"}
		case <-time.After(time.Second):
			return ComponentHealth{Status: StatusHealthy}
		}
	})

	start := time.Now()
	result, _ := checker.CheckComponent(context.Background(), "slow")
	if time.Since(start) > 500*time.Millisecond {
		t.Error("check did not honour timeout")
	}
	if result.Status != StatusUnhealthy {
		t.Errorf("status = %s, want unhealthy", result.Status)
	}
}
