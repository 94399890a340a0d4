package reputation

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/therealutkarshpriyadarshi/intelwatch/internal/reliability"
)

func TestKOSCheckHostilePilot(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("q") != "Foo Bar" || r.URL.Query().Get("type") != "unit" {
			t.Errorf("Unexpected query: %s", r.URL.RawQuery)
		}
		_, _ = io.WriteString(w, `{"code":200,"message":"OK","total":1,"results":[
			{"type":"pilot","label":"Foo Bar","kos":false,"eveid":901,
			 "corp":{"label":"Bad Corp","kos":false,"eveid":77,"alliance":{"label":"Worse Alliance","kos":true,"eveid":5}}}]}`)
	}))
	defer server.Close()

	c := NewKOSClient("kos", server.URL, WithRateLimit(0))
	entry, err := c.Check(context.Background(), "Foo Bar")
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if !entry.Hostile {
		t.Error("Expected pilot hostile through alliance")
	}
	if entry.EveID != 901 || entry.CorpID != 77 || entry.CorpName != "Bad Corp" {
		t.Errorf("Unexpected entry: %+v", entry)
	}
}

func TestKOSCheckUnlistedPilotIsClear(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"code":200,"message":"OK","total":1,"results":[{"type":"pilot","label":"Someone Else","kos":true}]}`)
	}))
	defer server.Close()

	entry, err := NewKOSClient("ess", server.URL, WithRateLimit(0)).Check(context.Background(), "Foo")
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if entry.Hostile {
		t.Error("Expected unlisted pilot to be clear")
	}
}

func TestKOSServiceError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"code":500,"message":"database down"}`)
	}))
	defer server.Close()

	_, err := NewKOSClient("kos", server.URL, WithRateLimit(0)).Check(context.Background(), "Foo")
	var qe *QueryError
	if !errors.As(err, &qe) {
		t.Fatalf("Expected QueryError, got %v", err)
	}
	if qe.Kind != KindService || qe.Service != "kos" {
		t.Errorf("Expected kos service error, got %+v", qe)
	}
}

func TestKOSMalformedReply(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `<html>oops</html>`)
	}))
	defer server.Close()

	_, err := NewKOSClient("kos", server.URL, WithRateLimit(0)).Check(context.Background(), "Foo")
	if KindOf(err) != KindParse {
		t.Errorf("Expected parse error, got %v", err)
	}
}

func TestRBLCheck(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("name") {
		case "Foo":
			_, _ = io.WriteString(w, `{"name":"Foo","red":true,"corp_id":42}`)
		case "Missing":
			http.NotFound(w, r)
		default:
			_, _ = io.WriteString(w, `{"name":"Bar"}`)
		}
	}))
	defer server.Close()

	c := NewRBLClient(server.URL, WithRateLimit(0))

	entry, err := c.Check(context.Background(), "Foo")
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if !entry.Hostile || entry.CorpID != 42 {
		t.Errorf("Expected hostile with corp 42, got %+v", entry)
	}

	entry, err = c.Check(context.Background(), "Missing")
	if err != nil {
		t.Fatalf("Expected not found to be clear, got %v", err)
	}
	if entry.Hostile {
		t.Error("Expected missing pilot to be clear")
	}

	if _, err := c.Check(context.Background(), "Bar"); KindOf(err) != KindParse {
		t.Errorf("Expected parse error without red field, got %v", err)
	}
}

func TestNetworkError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	_, err := NewRBLClient(url, WithRateLimit(0), WithTimeout(time.Second)).Check(context.Background(), "Foo")
	if KindOf(err) != KindNetwork {
		t.Errorf("Expected network error, got %v", err)
	}
}

func TestBreakerRejectsAfterFailures(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	c := NewRBLClient(server.URL,
		WithRateLimit(0),
		WithBreaker(reliability.BreakerConfig{FailureThreshold: 2, Timeout: time.Minute}, nil),
	)

	for i := 0; i < 2; i++ {
		if _, err := c.Check(context.Background(), "Foo"); KindOf(err) != KindService {
			t.Fatalf("attempt %d: expected service error, got %v", i, err)
		}
	}

	_, err := c.Check(context.Background(), "Foo")
	if KindOf(err) != KindUnavailable {
		t.Errorf("Expected breaker rejection, got %v", err)
	}
	if atomic.LoadInt32(&hits) != 2 {
		t.Errorf("Expected 2 requests to reach the server, got %d", hits)
	}
}

func TestNotFoundDoesNotTripBreaker(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer server.Close()

	c := NewKOSClient("kos", server.URL,
		WithRateLimit(0),
		WithBreaker(reliability.BreakerConfig{FailureThreshold: 1}, nil),
	)
	for i := 0; i < 3; i++ {
		if _, err := c.Check(context.Background(), "Foo"); err != nil {
			t.Fatalf("attempt %d: expected clear result, got %v", i, err)
		}
	}
}

func TestAvatarFetch(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/universe/ids/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("Expected POST, got %s", r.Method)
		}
		body, _ := io.ReadAll(r.Body)
		if !strings.Contains(string(body), `"Foo Bar"`) {
			t.Errorf("Unexpected body: %s", body)
		}
		_, _ = io.WriteString(w, `{"characters":[{"id":9001,"name":"Foo Bar"}]}`)
	})
	mux.HandleFunc("/characters/9001/portrait", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("size") != "32" {
			t.Errorf("Expected size 32, got %s", r.URL.RawQuery)
		}
		w.Header().Set("Content-Type", "image/jpeg")
		_, _ = w.Write([]byte{0xff, 0xd8, 0xff})
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	c := NewAvatarClient(server.URL, server.URL, 32, WithRateLimit(0))
	avatar, err := c.Fetch(context.Background(), "Foo Bar")
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if avatar.CharacterID != 9001 || len(avatar.Image) != 3 {
		t.Errorf("Unexpected avatar: id=%d bytes=%d", avatar.CharacterID, len(avatar.Image))
	}
}

func TestAvatarUnknownCharacter(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{}`)
	}))
	defer server.Close()

	_, err := NewAvatarClient(server.URL, server.URL, 0, WithRateLimit(0)).Fetch(context.Background(), "Nobody")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestRateLimitHonorsContext(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"name":"Foo","red":false}`)
	}))
	defer server.Close()

	c := NewRBLClient(server.URL, WithRateLimit(0.01))
	if _, err := c.Check(context.Background(), "Foo"); err != nil {
		t.Fatalf("First check should pass the limiter: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := c.Check(ctx, "Foo"); KindOf(err) != KindNetwork {
		t.Errorf("Expected limiter wait to fail as network error, got %v", err)
	}
}
