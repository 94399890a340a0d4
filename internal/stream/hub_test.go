package stream

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	dto "github.com/prometheus/client_model/go"

	"github.com/therealutkarshpriyadarshi/intelwatch/internal/logging"
	"github.com/therealutkarshpriyadarshi/intelwatch/internal/metrics"
)

func dial(t *testing.T, server *httptest.Server, header http.Header) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func waitClients(t *testing.T, h *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for h.ClientCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("Expected %d clients, got %d", n, h.ClientCount())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage failed: %v", err)
	}
	return string(data)
}

func gaugeValue(t *testing.T, g interface{ Write(*dto.Metric) error }) float64 {
	t.Helper()
	m := &dto.Metric{}
	if err := g.Write(m); err != nil {
		t.Fatalf("Failed to read metric: %v", err)
	}
	return m.GetGauge().GetValue()
}

func TestHubBroadcastsToClients(t *testing.T) {
	m := metrics.NewCollector()
	hub := NewHub(Config{}, logging.Nop(), m)
	server := httptest.NewServer(hub)
	defer server.Close()
	defer hub.Close()

	a := dial(t, server, nil)
	b := dial(t, server, nil)
	waitClients(t, hub, 2)

	if got := gaugeValue(t, m.StreamClients); got != 2 {
		t.Errorf("Expected client gauge 2, got %v", got)
	}

	hub.Broadcast([]byte(`{"type":"alert"}`))

	for _, conn := range []*websocket.Conn{a, b} {
		if got := readFrame(t, conn); got != `{"type":"alert"}` {
			t.Errorf("Unexpected frame %q", got)
		}
	}

	_ = a.Close()
	waitClients(t, hub, 1)
}

func TestHubReplaysHistory(t *testing.T) {
	hub := NewHub(Config{History: 2}, logging.Nop(), nil)
	server := httptest.NewServer(hub)
	defer server.Close()
	defer hub.Close()

	hub.Broadcast([]byte("one"))
	hub.Broadcast([]byte("two"))
	hub.Broadcast([]byte("three"))

	conn := dial(t, server, nil)
	if got := readFrame(t, conn); got != "two" {
		t.Errorf("Expected oldest retained frame two, got %q", got)
	}
	if got := readFrame(t, conn); got != "three" {
		t.Errorf("Expected three, got %q", got)
	}
}

func TestHubRejectsForeignOrigin(t *testing.T) {
	hub := NewHub(Config{AllowedOrigins: []string{"http://intel.example"}}, logging.Nop(), nil)
	server := httptest.NewServer(hub)
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http")

	if _, _, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"http://evil.example"}}); err == nil {
		t.Error("Expected foreign origin to be rejected")
	}

	conn, _, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"http://intel.example"}})
	if err != nil {
		t.Fatalf("Expected allowed origin to connect: %v", err)
	}
	_ = conn.Close()
}

func TestHubCloseDisconnectsClients(t *testing.T) {
	hub := NewHub(Config{}, logging.Nop(), nil)
	server := httptest.NewServer(hub)
	defer server.Close()

	conn := dial(t, server, nil)
	waitClients(t, hub, 1)

	if err := hub.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if hub.ClientCount() != 0 {
		t.Errorf("Expected no clients after close, got %d", hub.ClientCount())
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("Expected the connection to be closed")
	}

	hub.Broadcast([]byte("ignored"))
}

func TestHubClientIDsAscending(t *testing.T) {
	hub := NewHub(Config{}, logging.Nop(), nil)
	server := httptest.NewServer(hub)
	defer server.Close()
	defer hub.Close()

	dial(t, server, nil)
	dial(t, server, nil)
	waitClients(t, hub, 2)

	ids := hub.ClientIDs()
	if len(ids) != 2 || ids[0] >= ids[1] {
		t.Errorf("Expected ascending ids, got %v", ids)
	}
}
