package server

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/therealutkarshpriyadarshi/intelwatch/internal/health"
	"github.com/therealutkarshpriyadarshi/intelwatch/internal/logging"
	"github.com/therealutkarshpriyadarshi/intelwatch/internal/metrics"
	"github.com/therealutkarshpriyadarshi/intelwatch/internal/pilot"
	"github.com/therealutkarshpriyadarshi/intelwatch/internal/position"
	"github.com/therealutkarshpriyadarshi/intelwatch/internal/profiling"
	"github.com/therealutkarshpriyadarshi/intelwatch/internal/stream"
	"github.com/therealutkarshpriyadarshi/intelwatch/internal/tracker"
	"github.com/therealutkarshpriyadarshi/intelwatch/pkg/types"
)

type fakeState struct {
	pilots []pilot.Entry
	frame  position.Frame
}

func (f *fakeState) Pilots() []pilot.Entry {
	return append([]pilot.Entry(nil), f.pilots...)
}

func (f *fakeState) Pilot(name string) (pilot.Entry, bool) {
	for _, e := range f.pilots {
		if pilot.Normalize(e.Name) == pilot.Normalize(name) {
			return e, true
		}
	}
	return pilot.Entry{}, false
}

func (f *fakeState) Position() position.Frame { return f.frame }

func (f *fakeState) Sources() []tracker.LogSource {
	return []tracker.LogSource{{Path: "/logs/Intel_20240301_180000_Alpha.txt", Channel: "Intel", Character: "Alpha"}}
}

func (f *fakeState) Generation() uint64 { return 7 }
func (f *fakeState) InFlight() int      { return 2 }

func newTestAPI(t *testing.T, mutate func(*Config)) *httptest.Server {
	t.Helper()
	hc := health.NewChecker(time.Second)
	hc.Register("logs", health.LogDirectoryCheck(func() (string, bool) { return "/logs", true }))

	cfg := Config{
		HealthChecker: hc,
		State: &fakeState{
			pilots: []pilot.Entry{
				{Name: "Foo", KOS: types.StatusHostile},
				{Name: "Bar", KOS: types.StatusClear},
			},
			frame: position.Frame{State: position.StateSettled, System: "Jita", Position: position.Point{X: 1, Y: 2}},
		},
		Logger: logging.Nop(),
	}
	if mutate != nil {
		mutate(&cfg)
	}

	srv := httptest.NewServer(APIHandler(cfg))
	t.Cleanup(srv.Close)
	return srv
}

func get(t *testing.T, url string) (int, []byte) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp.StatusCode, body
}

func TestHealthRoutes(t *testing.T) {
	srv := newTestAPI(t, nil)

	for _, path := range []string{"/health", "/health/live", "/health/ready"} {
		code, _ := get(t, srv.URL+path)
		if code != http.StatusOK {
			t.Errorf("%s: status %d, want 200", path, code)
		}
	}
}

func TestPilotsRoute(t *testing.T) {
	srv := newTestAPI(t, nil)

	code, body := get(t, srv.URL+"/api/pilots")
	if code != http.StatusOK {
		t.Fatalf("status %d", code)
	}
	var entries []pilot.Entry
	if err := json.Unmarshal(body, &entries); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(entries) != 2 {
		t.Errorf("got %d pilots, want 2", len(entries))
	}

	_, body = get(t, srv.URL+"/api/pilots?hostile=true")
	entries = nil
	if err := json.Unmarshal(body, &entries); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(entries) != 1 || entries[0].Name != "Foo" {
		t.Errorf("hostile filter = %+v", entries)
	}
}

func TestPilotRoute(t *testing.T) {
	srv := newTestAPI(t, nil)

	code, body := get(t, srv.URL+"/api/pilots/foo")
	if code != http.StatusOK {
		t.Fatalf("status %d", code)
	}
	var entry pilot.Entry
	if err := json.Unmarshal(body, &entry); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if entry.KOS != types.StatusHostile {
		t.Errorf("KOS = %s", entry.KOS)
	}

	code, _ = get(t, srv.URL+"/api/pilots/nobody")
	if code != http.StatusNotFound {
		t.Errorf("unknown pilot: status %d, want 404", code)
	}
}

func TestPositionAndStatusRoutes(t *testing.T) {
	srv := newTestAPI(t, nil)

	_, body := get(t, srv.URL+"/api/position")
	if !strings.Contains(string(body), `"state":"settled"`) || !strings.Contains(string(body), `"system":"Jita"`) {
		t.Errorf("position body = %s", body)
	}

	_, body = get(t, srv.URL+"/api/status")
	var status map[string]float64
	if err := json.Unmarshal(body, &status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if status["generation"] != 7 || status["in_flight"] != 2 || status["sources"] != 1 {
		t.Errorf("status = %v", status)
	}

	_, body = get(t, srv.URL+"/api/sources")
	if !strings.Contains(string(body), `"character":"Alpha"`) {
		t.Errorf("sources body = %s", body)
	}
}

func TestStreamRoute(t *testing.T) {
	hub := stream.NewHub(stream.Config{}, logging.Nop(), nil)
	t.Cleanup(func() { _ = hub.Close() })
	srv := newTestAPI(t, func(c *Config) { c.Stream = hub })

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	hub.Broadcast([]byte(`{"type":"alert"}`))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(msg) != `{"type":"alert"}` {
		t.Errorf("message = %s", msg)
	}
}

func TestRoutesDisabledWithoutCollaborators(t *testing.T) {
	srv := httptest.NewServer(APIHandler(Config{}))
	defer srv.Close()

	for _, path := range []string{"/health", "/ws", "/api/pilots"} {
		code, _ := get(t, srv.URL+path)
		if code != http.StatusNotFound {
			t.Errorf("%s: status %d, want 404", path, code)
		}
	}
}

func TestMetricsHandler(t *testing.T) {
	m := metrics.NewCollector()
	m.AlertsEmitted.WithLabelValues("hostile", "high").Inc()

	srv := httptest.NewServer(MetricsHandler(m.Registry(), "", nil))
	defer srv.Close()

	code, body := get(t, srv.URL+"/metrics")
	if code != http.StatusOK {
		t.Fatalf("status %d", code)
	}
	if !strings.Contains(string(body), "intelwatch_alerts_emitted_total") {
		t.Error("alert counter missing from exposition")
	}
	if code, _ := get(t, srv.URL+"/debug/stats"); code != http.StatusNotFound {
		t.Errorf("debug routes served without a handler: %d", code)
	}
}

func TestMetricsHandlerDebug(t *testing.T) {
	debug := profiling.New(profiling.Config{Enabled: true}, logging.Nop()).Handler()
	srv := httptest.NewServer(MetricsHandler(metrics.NewCollector().Registry(), "/prom", debug))
	defer srv.Close()

	if code, _ := get(t, srv.URL+"/prom"); code != http.StatusOK {
		t.Errorf("metrics path status %d", code)
	}
	code, body := get(t, srv.URL+"/debug/stats")
	if code != http.StatusOK || !strings.Contains(string(body), "goroutines") {
		t.Errorf("debug stats status %d body %s", code, body)
	}
}

func TestServerStartStop(t *testing.T) {
	s := New(Config{
		MetricsAddress:  "127.0.0.1:0",
		MetricsRegistry: metrics.NewCollector().Registry(),
		APIAddress:      "127.0.0.1:0",
		Logger:          logging.Nop(),
	})
	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := s.Stop(context.Background()); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
	if s.Name() != "server" {
		t.Errorf("Name() = %q", s.Name())
	}
}
