package topology

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/therealutkarshpriyadarshi/intelwatch/internal/logging"
	"github.com/therealutkarshpriyadarshi/intelwatch/internal/reliability"
)

const forgeRegion = `{
  "region": "The Forge",
  "systems": [
    {"name": "Jita", "id": 30000142, "x": 100, "y": 200, "neighbors": ["Perimeter", "New Caldari"]},
    {"name": "Perimeter", "id": 30000144, "x": 120, "y": 210, "neighbors": ["Jita", "Urlen"]},
    {"name": "New Caldari", "id": 30000145, "x": 90, "y": 180, "neighbors": ["Jita"]},
    {"name": "Urlen", "id": 30000139, "x": 150, "y": 230, "neighbors": ["Perimeter", "Sobaseki"]}
  ]
}`

const bridges = `{"bridges": [{"from": "New Caldari", "to": "Urlen"}, {"from": "Jita", "to": "Nowhere"}]}`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write %s: %v", name, err)
	}
	return path
}

func TestLoadFromFiles(t *testing.T) {
	dir := t.TempDir()
	region := writeFile(t, dir, "forge.json", forgeRegion)

	m, err := NewLoader(logging.Nop()).Load(context.Background(), []string{region}, "")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if m.Len() != 4 {
		t.Errorf("Expected 4 systems, got %d", m.Len())
	}

	sys, ok := m.Lookup("jita")
	if !ok {
		t.Fatal("Expected Jita to be found case-insensitively")
	}
	if sys.Name != "Jita" || sys.X != 100 || sys.Y != 200 || sys.Region != "The Forge" {
		t.Errorf("Unexpected system: %+v", sys)
	}

	if name, ok := m.Canonical("NEW CALDARI"); !ok || name != "New Caldari" {
		t.Errorf("Expected canonical 'New Caldari', got %q, %v", name, ok)
	}
	if _, ok := m.Canonical("Amarr"); ok {
		t.Error("Expected unknown system to be rejected")
	}
}

func TestJumps(t *testing.T) {
	dir := t.TempDir()
	region := writeFile(t, dir, "forge.json", forgeRegion)

	m, err := NewLoader(logging.Nop()).Load(context.Background(), []string{region}, "")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	tests := []struct {
		from, to string
		max      int
		want     int
		ok       bool
	}{
		{"Jita", "Jita", 5, 0, true},
		{"Jita", "Perimeter", 5, 1, true},
		{"New Caldari", "Urlen", 5, 3, true},
		{"New Caldari", "Urlen", 2, 0, false},
		{"Jita", "Amarr", 5, 0, false},
	}

	for _, tt := range tests {
		got, ok := m.Jumps(tt.from, tt.to, tt.max)
		if got != tt.want || ok != tt.ok {
			t.Errorf("Jumps(%s, %s, %d) = %d, %v; want %d, %v", tt.from, tt.to, tt.max, got, ok, tt.want, tt.ok)
		}
	}
}

func TestBridgesShortenRoutes(t *testing.T) {
	dir := t.TempDir()
	region := writeFile(t, dir, "forge.json", forgeRegion)
	bridgeFile := writeFile(t, dir, "bridges.json", bridges)

	m, err := NewLoader(logging.Nop()).Load(context.Background(), []string{region}, bridgeFile)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if m.Bridges() != 1 {
		t.Errorf("Expected 1 usable bridge, got %d", m.Bridges())
	}
	if jumps, ok := m.Jumps("New Caldari", "Urlen", 5); !ok || jumps != 1 {
		t.Errorf("Expected 1 jump over the bridge, got %d, %v", jumps, ok)
	}

	sys, _ := m.Lookup("Urlen")
	found := false
	for _, n := range sys.Neighbors {
		if n == "New Caldari" {
			found = true
		}
	}
	if !found {
		t.Errorf("Expected bridge endpoint in neighbors, got %v", sys.Neighbors)
	}
}

func TestBuildRejectsEmptyRegion(t *testing.T) {
	_, _, err := Build([]RegionFile{{Region: "Empty"}}, nil)
	if err == nil {
		t.Fatal("Expected error for empty region")
	}
}

func TestBuildWarnsOnUnknownNeighbor(t *testing.T) {
	_, warnings, err := Build([]RegionFile{{
		Region:  "Delve",
		Systems: []SystemFile{{Name: "1DQ1-A", Neighbors: []string{"8QT-H4"}}},
	}}, nil)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if len(warnings) != 1 {
		t.Errorf("Expected 1 warning, got %v", warnings)
	}
}

func TestSystemsSorted(t *testing.T) {
	m, _, err := Build([]RegionFile{{
		Region:  "Delve",
		Systems: []SystemFile{{Name: "PR-8CA"}, {Name: "1DQ1-A"}, {Name: "D-W7F0"}},
	}}, nil)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	systems := m.Systems()
	if len(systems) != 3 || systems[0].Name != "1DQ1-A" || systems[2].Name != "PR-8CA" {
		t.Errorf("Unexpected order: %+v", systems)
	}
}

func TestLoadFromURLRetries(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(forgeRegion))
	}))
	defer server.Close()

	loader := NewLoader(logging.Nop(), WithRetry(reliability.RetryConfig{
		MaxRetries:     3,
		InitialBackoff: time.Millisecond,
	}))

	m, err := loader.Load(context.Background(), []string{server.URL + "/forge.json"}, "")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if m.Len() != 4 {
		t.Errorf("Expected 4 systems, got %d", m.Len())
	}
	if atomic.LoadInt32(&hits) != 2 {
		t.Errorf("Expected 2 requests, got %d", hits)
	}
}

func TestLoadFromURLNotFoundIsPermanent(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		http.NotFound(w, r)
	}))
	defer server.Close()

	loader := NewLoader(logging.Nop(), WithRetry(reliability.RetryConfig{
		MaxRetries:     3,
		InitialBackoff: time.Millisecond,
	}))

	if _, err := loader.Load(context.Background(), []string{server.URL}, ""); err == nil {
		t.Fatal("Expected error for missing region")
	}
	if atomic.LoadInt32(&hits) != 1 {
		t.Errorf("Expected a single request, got %d", hits)
	}
}

func TestLoadInvalidJSON(t *testing.T) {
	dir := t.TempDir()
	region := writeFile(t, dir, "bad.json", "{not json")

	if _, err := NewLoader(logging.Nop()).Load(context.Background(), []string{region}, ""); err == nil {
		t.Fatal("Expected error for invalid JSON")
	}
}
