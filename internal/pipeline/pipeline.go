package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/therealutkarshpriyadarshi/intelwatch/internal/alert"
	"github.com/therealutkarshpriyadarshi/intelwatch/internal/checkpoint"
	"github.com/therealutkarshpriyadarshi/intelwatch/internal/health"
	"github.com/therealutkarshpriyadarshi/intelwatch/internal/logging"
	"github.com/therealutkarshpriyadarshi/intelwatch/internal/metrics"
	"github.com/therealutkarshpriyadarshi/intelwatch/internal/output"
	"github.com/therealutkarshpriyadarshi/intelwatch/internal/parser"
	"github.com/therealutkarshpriyadarshi/intelwatch/internal/pilot"
	"github.com/therealutkarshpriyadarshi/intelwatch/internal/position"
	"github.com/therealutkarshpriyadarshi/intelwatch/internal/resolver"
	"github.com/therealutkarshpriyadarshi/intelwatch/internal/topology"
	"github.com/therealutkarshpriyadarshi/intelwatch/internal/tracker"
	"github.com/therealutkarshpriyadarshi/intelwatch/pkg/types"
)

// Sounds maps alert severities to sound files
type Sounds struct {
	Hostile string
	High    string
	Medium  string
	Low     string
}

// For returns the sound for a proximity alert of the given severity
func (s Sounds) For(severity types.Severity) string {
	switch severity {
	case types.SeverityHigh:
		return s.High
	case types.SeverityMedium:
		return s.Medium
	default:
		return s.Low
	}
}

// Config holds pipeline behaviour
type Config struct {
	// Directory is the log directory registered on Start
	Directory string
	// Enabled lists the characters whose logs are used; empty means all
	Enabled []string
	// FollowIntel moves the map to systems named in chat reports
	FollowIntel bool
	// MaxJumps bounds proximity alerts; zero disables them
	MaxJumps      int
	Sounds        Sounds
	FrameInterval time.Duration
}

// Options wires the pipeline's collaborators
type Options struct {
	Config   Config
	Tracker  tracker.Config
	Resolver resolver.Config
	Alerts   alert.Config
	Position position.Config
	Topology *topology.Map
	Router   *output.Router
	// Health receives the logs and resolver components when set
	Health *health.Checker
	// OpenBreakers lists reputation services whose breaker is open
	OpenBreakers func() []string
}

// Pipeline connects the tracker, parser, resolver, alert deduplicator and
// position engine, and owns the parse generation
type Pipeline struct {
	cfg      Config
	gen      Generation
	tracker  *tracker.Tracker
	parser   parser.Parser
	resolver *resolver.Resolver
	cache    *pilot.Cache
	alerts   *alert.Deduplicator
	engine   *position.Engine
	topo     *topology.Map
	router   *output.Router
	logger   *logging.Logger
	metrics  *metrics.Collector
	now      func() time.Time

	enabled map[string]bool

	// locations holds the current system of each character, keyed by
	// normalized character name
	locMu     sync.RWMutex
	locations map[string]string

	ctx      context.Context
	cancel   context.CancelFunc
	eventsWg sync.WaitGroup
	workWg   sync.WaitGroup
	stopOnce sync.Once
}

// New creates a pipeline. The router and topology are required.
func New(opts Options, logger *logging.Logger, m *metrics.Collector) (*Pipeline, error) {
	if opts.Topology == nil {
		return nil, errors.New("pipeline requires a topology")
	}
	if opts.Router == nil {
		return nil, errors.New("pipeline requires an output router")
	}

	p := &Pipeline{
		cfg:       opts.Config,
		cache:     pilot.NewCache(),
		alerts:    alert.NewDeduplicator(opts.Alerts),
		engine:    position.New(opts.Position),
		topo:      opts.Topology,
		router:    opts.Router,
		parser:    parser.NewChatParser(opts.Topology),
		logger:    logger.WithComponent("pipeline"),
		metrics:   m,
		now:       time.Now,
		enabled:   make(map[string]bool),
		locations: make(map[string]string),
	}
	for _, name := range opts.Config.Enabled {
		p.enabled[pilot.Normalize(name)] = true
	}

	tcfg := opts.Tracker
	tcfg.Generations = &p.gen
	t, err := tracker.New(tcfg, checkpoint.NewManager(), logger, m)
	if err != nil {
		return nil, fmt.Errorf("failed to create tracker: %w", err)
	}
	p.tracker = t
	p.resolver = resolver.New(opts.Resolver, p.cache, &p.gen, logger, m)

	if opts.Health != nil {
		opts.Health.Register("logs", health.LogDirectoryCheck(p.tracker.Dir))
		opts.Health.Register("resolver", health.ResolverCheck(p.resolver.InFlight, opts.OpenBreakers))
	}

	p.ctx, p.cancel = context.WithCancel(context.Background())
	return p, nil
}

// Start begins consuming log events and registers the configured directory.
// A missing directory is not an error; the tracker keeps waiting for it.
func (p *Pipeline) Start() error {
	p.tracker.Start()

	p.eventsWg.Add(1)
	go p.eventLoop()

	p.workWg.Add(2)
	go p.completionLoop()
	go p.positionLoop()

	if p.cfg.Directory == "" {
		return nil
	}
	if err := p.SetLogDirectory(p.cfg.Directory); err != nil && !errors.Is(err, tracker.ErrDirectoryMissing) {
		return err
	}
	return nil
}

// SetLogDirectory switches to a new log directory. The tracker advances the
// generation, so lines read from the previous directory become stale.
func (p *Pipeline) SetLogDirectory(dir string) error {
	err := p.tracker.RegisterDirectory(dir)

	p.locMu.Lock()
	p.locations = make(map[string]string)
	p.locMu.Unlock()

	gen := p.generationChanged("log directory changed")
	if err != nil {
		p.logger.Warn().Err(err).Str("dir", dir).Uint64("generation", gen).Msg("Log directory unavailable")
		return err
	}
	return nil
}

// generationChanged records a generation the tracker advanced to
func (p *Pipeline) generationChanged(reason string) uint64 {
	gen := p.gen.Current()
	if p.metrics != nil {
		p.metrics.Generation.Set(float64(gen))
	}
	p.logger.Info().Uint64("generation", gen).Str("reason", reason).Msg("Parse generation advanced")
	return gen
}

// SetTracer sets the tracer used for resolution spans
func (p *Pipeline) SetTracer(tracer trace.Tracer) {
	p.resolver.SetTracer(tracer)
}

// Generation returns the active parse generation
func (p *Pipeline) Generation() uint64 {
	return p.gen.Current()
}

// Pilots returns every known pilot
func (p *Pipeline) Pilots() []pilot.Entry {
	return p.cache.Snapshot()
}

// Pilot returns one pilot by name
func (p *Pipeline) Pilot(name string) (pilot.Entry, bool) {
	return p.cache.Get(name)
}

// Position returns the viewport frame at this instant
func (p *Pipeline) Position() position.Frame {
	return p.engine.Frame(p.now())
}

// Sources returns the tracked log files
func (p *Pipeline) Sources() []tracker.LogSource {
	return p.tracker.Sources()
}

// InFlight returns the number of pilots being checked
func (p *Pipeline) InFlight() int {
	return p.resolver.InFlight()
}

// Location returns the current system of a character
func (p *Pipeline) Location(character string) (string, bool) {
	p.locMu.RLock()
	defer p.locMu.RUnlock()
	system, ok := p.locations[pilot.Normalize(character)]
	return system, ok
}

func (p *Pipeline) characterEnabled(character string) bool {
	if len(p.enabled) == 0 {
		return true
	}
	return p.enabled[pilot.Normalize(character)]
}

func (p *Pipeline) eventLoop() {
	defer p.eventsWg.Done()

	for ev := range p.tracker.Events() {
		p.handleEvent(ev)
	}
}

func (p *Pipeline) handleEvent(ev tracker.Event) {
	switch ev.Type {
	case tracker.EventLine:
		src := parser.Source{Character: ev.Source.Character, Channel: ev.Source.Channel}
		msg := p.parser.Parse(ev.Line, src, ev.Generation)
		if msg == nil {
			if p.metrics != nil {
				p.metrics.ParserSkipped.Inc()
			}
			return
		}
		if p.metrics != nil {
			p.metrics.ParserMessages.WithLabelValues(string(msg.Kind)).Inc()
		}
		p.handleMessage(ev.Source, msg)

	case tracker.EventSourceAdded:
		p.logger.Debug().Str("path", ev.Source.Path).Str("character", ev.Source.Character).
			Str("channel", ev.Source.Channel).Bool("replaced", ev.Replaced).Msg("Log source added")
		if ev.Replaced {
			p.generationChanged("log source replaced")
		}

	case tracker.EventSourceRemoved:
		p.logger.Debug().Str("path", ev.Source.Path).Msg("Log source removed")

	case tracker.EventDirectoryMissing:
		p.publish(&output.Envelope{
			Type: output.EventStatus,
			Status: &output.Status{
				Component: "logs",
				State:     string(health.StatusUnhealthy),
				Message:   health.MessageNotReceiving,
				Directory: ev.Dir,
			},
		})

	case tracker.EventDirectoryReady:
		p.publish(&output.Envelope{
			Type: output.EventStatus,
			Status: &output.Status{
				Component: "logs",
				State:     string(health.StatusHealthy),
				Directory: ev.Dir,
			},
		})
	}
}

func (p *Pipeline) handleMessage(src tracker.LogSource, msg *types.MessageInfo) {
	if !p.gen.IsCurrent(msg.Generation) {
		if p.metrics != nil {
			p.metrics.StaleMessages.Inc()
		}
		return
	}
	if !p.characterEnabled(msg.Character) {
		return
	}

	p.publish(&output.Envelope{
		Type:       output.EventMessage,
		Generation: msg.Generation,
		Message:    msg,
	})

	if msg.Kind == types.KindLocation {
		if msg.System == "" {
			return
		}
		p.tracker.SetSystem(src.Path, msg.System)
		p.locMu.Lock()
		p.locations[pilot.Normalize(msg.Character)] = msg.System
		p.locMu.Unlock()
		p.moveTo(msg.System)
		return
	}

	if msg.System == "" {
		return
	}
	if p.cfg.FollowIntel {
		p.moveTo(msg.System)
	}
	if msg.Clear {
		return
	}

	seen := msg.Timestamp
	if seen.IsZero() {
		seen = p.now()
	}
	for _, name := range msg.Pilots {
		p.cache.Upsert(name, func(e *pilot.Entry) {
			e.LastSystem = msg.System
			e.LastSeen = seen
		})
		p.resolver.Resolve(name, msg.Generation)
	}

	p.checkProximity(msg)
}

// checkProximity raises an alert when a report names a system close to
// one of the user's characters
func (p *Pipeline) checkProximity(msg *types.MessageInfo) {
	if p.cfg.MaxJumps <= 0 {
		return
	}
	jumps, ok := p.nearest(msg.System)
	if !ok {
		return
	}

	severity := types.SeverityLow
	switch {
	case jumps <= 1:
		severity = types.SeverityHigh
	case jumps <= 3:
		severity = types.SeverityMedium
	}
	p.raiseAlert(types.ReasonProximity, msg.System, msg.Pilot, jumps, severity, p.cfg.Sounds.For(severity))
}

// nearest returns the fewest jumps from any enabled character to system
func (p *Pipeline) nearest(system string) (int, bool) {
	p.locMu.RLock()
	defer p.locMu.RUnlock()

	best, found := 0, false
	for character, loc := range p.locations {
		if len(p.enabled) > 0 && !p.enabled[character] {
			continue
		}
		n, ok := p.topo.Jumps(loc, system, p.cfg.MaxJumps)
		if ok && (!found || n < best) {
			best, found = n, true
		}
	}
	return best, found
}

func (p *Pipeline) moveTo(system string) {
	sys, ok := p.topo.Lookup(system)
	if !ok {
		p.logger.Debug().Str("system", system).Msg("System not on the map")
		return
	}
	p.engine.MoveTo(sys.Name, position.Point{X: sys.X, Y: sys.Y}, p.now())
	if p.metrics != nil {
		p.metrics.PositionMoves.Inc()
		p.metrics.PositionState.Set(float64(p.engine.State()))
	}
}

func (p *Pipeline) completionLoop() {
	defer p.workWg.Done()

	for c := range p.resolver.Completions() {
		p.handleCompletion(c)
	}
}

func (p *Pipeline) handleCompletion(c resolver.Completion) {
	if !p.gen.IsCurrent(c.Generation) {
		return
	}
	for service, err := range c.Errors {
		p.logger.Debug().Err(err).Str("pilot", c.Name).Str("service", service).Msg("Reputation query failed")
	}

	entry := c.Entry
	p.publish(&output.Envelope{
		Type:       output.EventPilot,
		Generation: c.Generation,
		Pilot:      &entry,
	})

	if !entry.Hostile() || entry.LastSystem == "" {
		return
	}
	jumps, ok := p.nearest(entry.LastSystem)
	if !ok {
		jumps = -1
	}
	p.raiseAlert(types.ReasonHostile, entry.LastSystem, entry.Name, jumps, types.SeverityHigh, p.cfg.Sounds.Hostile)
}

// raiseAlert emits an alert unless the system was alerted within the
// system window. The sound window decides whether the sound is played.
func (p *Pipeline) raiseAlert(reason types.AlertReason, system, name string, jumps int, severity types.Severity, sound string) bool {
	now := p.now()
	if !p.alerts.ShouldAlertSystem(system, now) {
		if p.metrics != nil {
			p.metrics.AlertsSuppressed.WithLabelValues("system").Inc()
		}
		return false
	}

	play := p.alerts.ShouldPlaySound(sound, now)
	if sound != "" && !play && p.metrics != nil {
		p.metrics.AlertsSuppressed.WithLabelValues("sound").Inc()
	}

	a := &types.Alert{
		ID:        uuid.NewString(),
		Timestamp: now,
		System:    system,
		Pilot:     name,
		Reason:    reason,
		Severity:  severity,
		Jumps:     jumps,
		Sound:     sound,
		PlaySound: play,
	}
	if p.metrics != nil {
		p.metrics.AlertsEmitted.WithLabelValues(string(reason), string(severity)).Inc()
	}
	p.logger.Info().Str("system", system).Str("pilot", name).Str("reason", string(reason)).
		Str("severity", string(severity)).Int("jumps", jumps).Bool("play_sound", play).Msg("Alert")

	p.publish(&output.Envelope{
		ID:         a.ID,
		Type:       output.EventAlert,
		Timestamp:  now,
		Generation: p.gen.Current(),
		Alert:      a,
	})
	return true
}

func (p *Pipeline) positionLoop() {
	defer p.workWg.Done()

	p.engine.Run(p.ctx, p.cfg.FrameInterval, func(f position.Frame) {
		if p.metrics != nil {
			p.metrics.PositionState.Set(float64(f.State))
		}
		p.publish(&output.Envelope{
			Type:       output.EventPosition,
			Timestamp:  f.Timestamp,
			Generation: p.gen.Current(),
			Position:   &f,
		})
	})
}

func (p *Pipeline) publish(env *output.Envelope) {
	if env.ID == "" {
		env.ID = uuid.NewString()
	}
	if env.Timestamp.IsZero() {
		env.Timestamp = p.now()
	}
	if err := p.router.Publish(p.ctx, env); err != nil {
		p.logger.Warn().Err(err).Str("type", string(env.Type)).Msg("Failed to publish")
	}
}

// Stop stops the tracker, drains pending events and waits for the resolver
// to retire its flights
func (p *Pipeline) Stop(ctx context.Context) error {
	var err error
	p.stopOnce.Do(func() {
		p.tracker.Stop()
		p.eventsWg.Wait()

		if closeErr := p.resolver.Close(); closeErr != nil {
			err = closeErr
		}
		p.cancel()

		done := make(chan struct{})
		go func() {
			p.workWg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			err = ctx.Err()
		}
	})
	return err
}

// Name returns the component name
func (p *Pipeline) Name() string {
	return "pipeline"
}
