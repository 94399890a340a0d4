package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"

	"github.com/therealutkarshpriyadarshi/intelwatch/internal/alert"
	"github.com/therealutkarshpriyadarshi/intelwatch/internal/config"
	"github.com/therealutkarshpriyadarshi/intelwatch/internal/health"
	"github.com/therealutkarshpriyadarshi/intelwatch/internal/logging"
	"github.com/therealutkarshpriyadarshi/intelwatch/internal/metrics"
	"github.com/therealutkarshpriyadarshi/intelwatch/internal/output"
	"github.com/therealutkarshpriyadarshi/intelwatch/internal/position"
	"github.com/therealutkarshpriyadarshi/intelwatch/internal/resolver"
	"github.com/therealutkarshpriyadarshi/intelwatch/internal/topology"
	"github.com/therealutkarshpriyadarshi/intelwatch/internal/tracker"
	"github.com/therealutkarshpriyadarshi/intelwatch/pkg/types"
)

type recorder struct {
	mu   sync.Mutex
	envs []*output.Envelope
}

func (r *recorder) Publish(ctx context.Context, env *output.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *env
	r.envs = append(r.envs, &cp)
	return nil
}

func (r *recorder) Close() error                    { return nil }
func (r *recorder) Name() string                    { return "recorder" }
func (r *recorder) Metrics() *output.OutputMetrics { return &output.OutputMetrics{} }

func (r *recorder) ofType(t output.EventType) []*output.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*output.Envelope
	for _, env := range r.envs {
		if env.Type == t {
			out = append(out, env)
		}
	}
	return out
}

type fakeChecker struct {
	service string
	hostile map[string]bool
	calls   atomic.Int32
}

func (c *fakeChecker) Service() string { return c.service }

func (c *fakeChecker) Check(ctx context.Context, name string) (types.KosEntry, error) {
	c.calls.Add(1)
	return types.KosEntry{Label: name, Type: "pilot", Hostile: c.hostile[strings.ToLower(name)]}, nil
}

func checker(service string, hostile ...string) *fakeChecker {
	c := &fakeChecker{service: service, hostile: make(map[string]bool)}
	for _, h := range hostile {
		c.hostile[strings.ToLower(h)] = true
	}
	return c
}

// testMap is a short chain: Jita - Perimeter - Urlen - Sirppala, plus an
// unconnected Amarr
func testMap(t *testing.T) *topology.Map {
	t.Helper()
	m, _, err := topology.Build([]topology.RegionFile{{
		Region: "The Forge",
		Systems: []topology.SystemFile{
			{Name: "Jita", X: 0, Y: 0, Neighbors: []string{"Perimeter"}},
			{Name: "Perimeter", X: 10, Y: 0, Neighbors: []string{"Jita", "Urlen"}},
			{Name: "Urlen", X: 20, Y: 0, Neighbors: []string{"Perimeter", "Sirppala"}},
			{Name: "Sirppala", X: 30, Y: 0, Neighbors: []string{"Urlen"}},
			{Name: "Amarr", X: 500, Y: 500},
		},
	}}, nil)
	if err != nil {
		t.Fatalf("failed to build map: %v", err)
	}
	return m
}

type harness struct {
	p   *Pipeline
	rec *recorder
	m   *metrics.Collector
	kos *fakeChecker
	hc  *health.Checker
}

func newHarness(t *testing.T, dir string, mutate func(*Options)) *harness {
	t.Helper()

	m := metrics.NewCollector()
	rec := &recorder{}
	router := output.NewRouter(output.RouterConfig{}, logging.Nop(), m)
	router.AddOutput(rec)

	kos := checker(resolver.ServiceKOS, "Foo")
	hc := health.NewChecker(time.Second)
	opts := Options{
		Config: Config{
			Directory:     dir,
			FollowIntel:   true,
			FrameInterval: 5 * time.Millisecond,
			Sounds:        Sounds{Hostile: "hostile.wav", High: "high.wav", Medium: "medium.wav", Low: "low.wav"},
		},
		Tracker: tracker.Config{
			Encoding:       tracker.EncodingUTF8,
			PollInterval:   20 * time.Millisecond,
			DirectoryRetry: 50 * time.Millisecond,
		},
		Resolver: resolver.Config{
			KOS:      kos,
			RBL:      checker(resolver.ServiceRBL),
			ESS:      checker(resolver.ServiceESS),
			Timeout:  time.Second,
			CacheTTL: time.Minute,
		},
		Alerts:   alert.Config{SystemWindow: time.Minute, SoundWindow: time.Minute},
		Position: position.Config{Duration: 50 * time.Millisecond, Default: position.Point{X: 50, Y: 50}},
		Topology: testMap(t),
		Router:   router,
		Health:   hc,
	}
	if mutate != nil {
		mutate(&opts)
	}

	p, err := New(opts, logging.Nop(), m)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := p.Stop(ctx); err != nil {
			t.Errorf("Stop() error = %v", err)
		}
		_ = router.Close()
	})

	return &harness{p: p, rec: rec, m: m, kos: kos, hc: hc}
}

func createLog(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, nil, 0644); err != nil {
		t.Fatalf("failed to create log: %v", err)
	}
	return path
}

func appendLine(t *testing.T, path, line string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatalf("failed to open log: %v", err)
	}
	defer f.Close()
	if _, err := f.WriteString(line + "\n"); err != nil {
		t.Fatalf("failed to append: %v", err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func counterValue(t *testing.T, c interface{ Write(*dto.Metric) error }) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("failed to read metric: %v", err)
	}
	return m.GetCounter().GetValue()
}

func TestHostileRoundTripRaisesOneAlert(t *testing.T) {
	dir := t.TempDir()
	intel := createLog(t, dir, "Intel_20240301_180000_Alpha.txt")

	h := newHarness(t, dir, nil)
	if err := h.p.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	appendLine(t, intel, "[ 2024.03.01 18:00:01 ] Scout > Foo Jita")

	waitFor(t, "hostile alert", func() bool { return len(h.rec.ofType(output.EventAlert)) > 0 })
	// a later completion or poll must not produce a second alert
	time.Sleep(100 * time.Millisecond)

	alerts := h.rec.ofType(output.EventAlert)
	if len(alerts) != 1 {
		t.Fatalf("got %d alerts, want 1", len(alerts))
	}
	a := alerts[0].Alert
	if a.System != "Jita" || a.Pilot != "Foo" {
		t.Errorf("alert = %s/%s, want Jita/Foo", a.System, a.Pilot)
	}
	if a.Reason != types.ReasonHostile || a.Severity != types.SeverityHigh {
		t.Errorf("alert reason/severity = %s/%s", a.Reason, a.Severity)
	}
	if a.Sound != "hostile.wav" || !a.PlaySound {
		t.Errorf("alert sound = %q play=%v", a.Sound, a.PlaySound)
	}
	if a.Jumps != -1 {
		t.Errorf("jumps = %d, want -1 with no located character", a.Jumps)
	}
	if alerts[0].ID != a.ID {
		t.Error("envelope id should be the alert id")
	}

	entry, ok := h.p.Pilot("foo")
	if !ok {
		t.Fatal("pilot not cached")
	}
	if entry.KOS != types.StatusHostile || entry.RBL != types.StatusClear || entry.ESS != types.StatusClear {
		t.Errorf("statuses = %s/%s/%s", entry.KOS, entry.RBL, entry.ESS)
	}
	if entry.LastSystem != "Jita" {
		t.Errorf("last system = %q", entry.LastSystem)
	}

	if len(h.rec.ofType(output.EventMessage)) != 1 {
		t.Errorf("got %d message envelopes, want 1", len(h.rec.ofType(output.EventMessage)))
	}
	if len(h.rec.ofType(output.EventPilot)) == 0 {
		t.Error("no pilot envelope published")
	}
	if got := counterValue(t, h.m.AlertsEmitted.WithLabelValues("hostile", "high")); got != 1 {
		t.Errorf("alerts emitted = %v, want 1", got)
	}
	if h.p.InFlight() != 0 {
		t.Errorf("in flight = %d after completion", h.p.InFlight())
	}
}

func TestTwoCharactersSameReport(t *testing.T) {
	dir := t.TempDir()
	alpha := createLog(t, dir, "Intel_20240301_180000_Alpha.txt")
	bravo := createLog(t, dir, "Intel_20240301_180000_Bravo.txt")

	h := newHarness(t, dir, nil)
	if err := h.p.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	appendLine(t, alpha, "[ 2024.03.01 18:00:01 ] Scout > Foo Jita")
	appendLine(t, bravo, "[ 2024.03.01 18:00:01 ] Scout > Foo Jita")

	waitFor(t, "both messages", func() bool { return len(h.rec.ofType(output.EventMessage)) == 2 })
	waitFor(t, "hostile alert", func() bool { return len(h.rec.ofType(output.EventAlert)) > 0 })
	waitFor(t, "map settled on Jita", func() bool {
		f := h.p.Position()
		return f.State == position.StateSettled && f.System == "Jita"
	})
	waitFor(t, "resolutions retired", func() bool { return h.p.InFlight() == 0 })
	time.Sleep(100 * time.Millisecond)

	alerts := h.rec.ofType(output.EventAlert)
	if len(alerts) != 1 {
		t.Fatalf("got %d alerts, want 1", len(alerts))
	}
	if alerts[0].Alert.System != "Jita" {
		t.Errorf("alert system = %q", alerts[0].Alert.System)
	}

	entry, _ := h.p.Pilot("Foo")
	if entry.KOS != types.StatusHostile {
		t.Errorf("KOS status = %s, want hostile", entry.KOS)
	}

	f := h.p.Position()
	if f.Position != (position.Point{X: 0, Y: 0}) {
		t.Errorf("settled position = %+v, want Jita", f.Position)
	}
	frames := h.rec.ofType(output.EventPosition)
	if len(frames) == 0 {
		t.Fatal("no position frames published")
	}
	if last := frames[len(frames)-1].Position; last.State != position.StateSettled {
		t.Errorf("last frame state = %s, want settled", last.State)
	}
}

func TestStaleMessageDropped(t *testing.T) {
	h := newHarness(t, "", nil)

	old := h.p.Generation()
	h.p.gen.Advance()

	h.p.handleMessage(tracker.LogSource{}, &types.MessageInfo{
		Kind:       types.KindChat,
		Character:  "Alpha",
		System:     "Jita",
		Pilots:     []string{"Foo"},
		Generation: old,
	})

	if n := len(h.rec.ofType(output.EventMessage)); n != 0 {
		t.Errorf("stale message published %d envelopes", n)
	}
	if _, ok := h.p.Pilot("Foo"); ok {
		t.Error("stale message touched the pilot cache")
	}
	if got := counterValue(t, h.m.StaleMessages); got != 1 {
		t.Errorf("stale messages = %v, want 1", got)
	}
}

func TestDisabledCharacterIgnored(t *testing.T) {
	h := newHarness(t, "", func(o *Options) {
		o.Config.Enabled = []string{"Alpha"}
	})

	h.p.handleMessage(tracker.LogSource{}, &types.MessageInfo{
		Kind:       types.KindChat,
		Character:  "Bravo",
		System:     "Jita",
		Pilots:     []string{"Foo"},
		Generation: h.p.Generation(),
	})
	if n := len(h.rec.ofType(output.EventMessage)); n != 0 {
		t.Errorf("disabled character published %d messages", n)
	}

	h.p.handleMessage(tracker.LogSource{}, &types.MessageInfo{
		Kind:       types.KindChat,
		Character:  "alpha",
		System:     "Jita",
		Generation: h.p.Generation(),
	})
	if n := len(h.rec.ofType(output.EventMessage)); n != 1 {
		t.Errorf("enabled character published %d messages, want 1", n)
	}
}

func TestProximityAlert(t *testing.T) {
	h := newHarness(t, "", func(o *Options) {
		o.Config.MaxJumps = 5
		o.Config.FollowIntel = false
	})
	gen := h.p.Generation()

	h.p.handleMessage(tracker.LogSource{Path: "/logs/Local.txt"}, &types.MessageInfo{
		Kind:       types.KindLocation,
		Character:  "Alpha",
		Pilot:      "Alpha",
		System:     "Urlen",
		Generation: gen,
	})
	if loc, ok := h.p.Location("alpha"); !ok || loc != "Urlen" {
		t.Fatalf("location = %q %v, want Urlen", loc, ok)
	}
	if f := h.p.Position(); f.System != "Urlen" {
		t.Errorf("map moving to %q, want Urlen", f.System)
	}

	report := &types.MessageInfo{
		Kind:       types.KindChat,
		Character:  "Alpha",
		System:     "Jita",
		Generation: gen,
	}
	h.p.handleMessage(tracker.LogSource{}, report)

	alerts := h.rec.ofType(output.EventAlert)
	if len(alerts) != 1 {
		t.Fatalf("got %d alerts, want 1", len(alerts))
	}
	a := alerts[0].Alert
	if a.Reason != types.ReasonProximity || a.Jumps != 2 || a.Severity != types.SeverityMedium {
		t.Errorf("alert = %s jumps=%d severity=%s", a.Reason, a.Jumps, a.Severity)
	}
	if a.Sound != "medium.wav" || !a.PlaySound {
		t.Errorf("sound = %q play=%v", a.Sound, a.PlaySound)
	}
	if f := h.p.Position(); f.System != "Urlen" {
		t.Errorf("map followed intel with follow_intel off: %q", f.System)
	}

	h.p.handleMessage(tracker.LogSource{}, report)
	if n := len(h.rec.ofType(output.EventAlert)); n != 1 {
		t.Errorf("repeat report within window raised %d alerts", n)
	}
	if got := counterValue(t, h.m.AlertsSuppressed.WithLabelValues("system")); got != 1 {
		t.Errorf("suppressed = %v, want 1", got)
	}

	// out of range and unreachable systems stay quiet
	h.p.handleMessage(tracker.LogSource{}, &types.MessageInfo{
		Kind: types.KindChat, Character: "Alpha", System: "Amarr", Generation: gen,
	})
	if n := len(h.rec.ofType(output.EventAlert)); n != 1 {
		t.Errorf("unreachable system raised an alert")
	}
}

func TestClearReportDoesNotResolve(t *testing.T) {
	h := newHarness(t, "", nil)

	h.p.handleMessage(tracker.LogSource{}, &types.MessageInfo{
		Kind:       types.KindChat,
		Character:  "Alpha",
		System:     "Jita",
		Clear:      true,
		Generation: h.p.Generation(),
	})
	if h.kos.calls.Load() != 0 {
		t.Error("clear report started a resolution")
	}
	if f := h.p.Position(); f.System != "Jita" {
		t.Errorf("clear report should still move the map, got %q", f.System)
	}
}

func TestMissingDirectory(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "Chatlogs")
	h := newHarness(t, missing, nil)

	if err := h.p.Start(); err != nil {
		t.Fatalf("Start() should tolerate a missing directory: %v", err)
	}

	waitFor(t, "status envelope", func() bool { return len(h.rec.ofType(output.EventStatus)) > 0 })
	st := h.rec.ofType(output.EventStatus)[0].Status
	if st.Message != health.MessageNotReceiving || st.State != string(health.StatusUnhealthy) {
		t.Errorf("status = %+v", st)
	}

	result, ok := h.hc.CheckComponent(context.Background(), "logs")
	if !ok || result.Status != health.StatusUnhealthy {
		t.Errorf("logs health = %+v", result)
	}

	if err := os.Mkdir(missing, 0755); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "directory ready", func() bool {
		r, _ := h.hc.CheckComponent(context.Background(), "logs")
		return r.Status == health.StatusHealthy
	})
}

func TestSetLogDirectoryAdvancesGeneration(t *testing.T) {
	h := newHarness(t, "", nil)
	before := h.p.Generation()

	err := h.p.SetLogDirectory(filepath.Join(t.TempDir(), "gone"))
	if !errors.Is(err, tracker.ErrDirectoryMissing) {
		t.Errorf("error = %v, want ErrDirectoryMissing", err)
	}
	if h.p.Generation() != before+1 {
		t.Errorf("generation = %d, want %d", h.p.Generation(), before+1)
	}

	if err := h.p.SetLogDirectory(t.TempDir()); err != nil {
		t.Errorf("SetLogDirectory() error = %v", err)
	}
	if h.p.Generation() != before+2 {
		t.Errorf("generation = %d, want %d", h.p.Generation(), before+2)
	}
}

func TestReplacedSourceAdvancesGeneration(t *testing.T) {
	dir := t.TempDir()
	createLog(t, dir, "Local_20240301_180000_Alpha.txt")

	h := newHarness(t, dir, nil)
	if err := h.p.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	before := h.p.Generation()

	createLog(t, dir, "Intel_20240301_180000_Alpha.txt")
	waitFor(t, "second source", func() bool { return len(h.p.Sources()) == 2 })
	if h.p.Generation() != before {
		t.Error("new source advanced the generation")
	}

	createLog(t, dir, "Local_20240302_090000_Alpha.txt")
	waitFor(t, "replaced source", func() bool { return h.p.Generation() == before+1 })
}

func TestQueuedLineFromOldDirectoryDropped(t *testing.T) {
	oldDir := t.TempDir()
	intel := createLog(t, oldDir, "Intel_20240301_180000_Alpha.txt")

	h := newHarness(t, "", nil)
	if err := h.p.SetLogDirectory(oldDir); err != nil {
		t.Fatalf("SetLogDirectory() error = %v", err)
	}

	appendLine(t, intel, "[ 2024.03.01 18:00:01 ] Scout > Foo Jita")
	if n := h.p.tracker.ReadAppended(intel); n != 1 {
		t.Fatalf("read %d lines, want 1", n)
	}

	var queued tracker.Event
	for ev := range h.p.tracker.Events() {
		if ev.Type == tracker.EventLine {
			queued = ev
			break
		}
	}

	if err := h.p.SetLogDirectory(t.TempDir()); err != nil {
		t.Fatalf("SetLogDirectory() error = %v", err)
	}
	h.p.handleEvent(queued)

	if n := len(h.rec.ofType(output.EventMessage)); n != 0 {
		t.Errorf("line from the old directory published %d messages", n)
	}
	if _, ok := h.p.Pilot("Foo"); ok {
		t.Error("line from the old directory touched the pilot cache")
	}
	if h.kos.calls.Load() != 0 {
		t.Errorf("line from the old directory started %d queries", h.kos.calls.Load())
	}
	if n := len(h.rec.ofType(output.EventAlert)); n != 0 {
		t.Errorf("line from the old directory raised %d alerts", n)
	}
	if got := counterValue(t, h.m.StaleMessages); got != 1 {
		t.Errorf("stale messages = %v, want 1", got)
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	if _, err := New(Options{}, logging.Nop(), nil); err == nil {
		t.Error("expected error without topology")
	}
	if _, err := New(Options{Topology: testMap(t)}, logging.Nop(), nil); err == nil {
		t.Error("expected error without router")
	}
}

func TestGeneration(t *testing.T) {
	var g Generation
	if g.Current() != 0 {
		t.Errorf("zero generation = %d", g.Current())
	}
	if g.Advance() != 1 || !g.IsCurrent(1) || g.IsCurrent(0) {
		t.Error("advance did not move to 1")
	}
}

func TestSoundsFor(t *testing.T) {
	s := Sounds{Hostile: "h", High: "1", Medium: "2", Low: "3"}
	tests := []struct {
		severity types.Severity
		want     string
	}{
		{types.SeverityHigh, "1"},
		{types.SeverityMedium, "2"},
		{types.SeverityLow, "3"},
	}
	for _, tt := range tests {
		if got := s.For(tt.severity); got != tt.want {
			t.Errorf("For(%s) = %q, want %q", tt.severity, got, tt.want)
		}
	}
}

func TestOptionsFromConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Pilots.Enabled = []string{"Alpha"}
	cfg.Resolver.RBLURL = "http://rbl.example/"

	opts := OptionsFromConfig(cfg, testMap(t), nil, nil, logging.Nop(), metrics.NewCollector())

	if opts.Resolver.KOS == nil || opts.Resolver.RBL == nil {
		t.Error("configured services not wired")
	}
	if opts.Resolver.ESS != nil {
		t.Error("ESS wired without a URL")
	}
	if opts.Resolver.Avatars == nil {
		t.Error("avatars enabled by default")
	}
	if !opts.Config.FollowIntel {
		t.Error("follow_intel defaults to true")
	}
	if opts.Config.Directory != cfg.Logs.Directory || len(opts.Config.Enabled) != 1 {
		t.Errorf("config not carried: %+v", opts.Config)
	}
	if opts.Position.Duration != cfg.Map.AnimationDuration {
		t.Errorf("animation duration = %v", opts.Position.Duration)
	}
	if open := opts.OpenBreakers(); len(open) != 0 {
		t.Errorf("open breakers = %v", open)
	}

	follow := false
	cfg.Map.FollowIntel = &follow
	if OptionsFromConfig(cfg, testMap(t), nil, nil, logging.Nop(), nil).Config.FollowIntel {
		t.Error("follow_intel override ignored")
	}
}
