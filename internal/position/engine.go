package position

import (
	"context"
	"sync"
	"time"
)

// State is the animation state of the viewport
type State int

const (
	// StateIdle shows the default position, no system resolved yet
	StateIdle State = iota
	// StateAnimating interpolates toward a destination
	StateAnimating
	// StateSettled rests on the last destination
	StateSettled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAnimating:
		return "animating"
	case StateSettled:
		return "settled"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state by name
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Point is a map coordinate
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Frame is the viewport transform at one instant
type Frame struct {
	State       State     `json:"state"`
	System      string    `json:"system,omitempty"`
	Position    Point     `json:"position"`
	Origin      Point     `json:"origin"`
	Destination Point     `json:"destination"`
	Progress    float64   `json:"progress"`
	Rotation    float64   `json:"rotation"`
	Move        uint64    `json:"move"`
	Timestamp   time.Time `json:"timestamp"`
}

// Config holds engine configuration
type Config struct {
	Duration time.Duration
	Default  Point
	Rotation float64
}

// Engine drives the viewport toward the most recently resolved system. One
// transition is active at a time; a new destination restarts the animation
// from the currently interpolated point.
type Engine struct {
	mu       sync.Mutex
	state    State
	system   string
	origin   Point
	dest     Point
	current  Point
	start    time.Time
	duration time.Duration
	rotation float64
	def      Point
	moves    uint64
}

// New creates an engine in the Idle state at the default point
func New(cfg Config) *Engine {
	return &Engine{
		state:    StateIdle,
		origin:   cfg.Default,
		dest:     cfg.Default,
		current:  cfg.Default,
		duration: cfg.Duration,
		rotation: cfg.Rotation,
		def:      cfg.Default,
	}
}

// MoveTo starts a transition toward dest. While animating, the origin is
// the point interpolated at now.
func (e *Engine) MoveTo(system string, dest Point, now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == StateAnimating {
		e.advance(now)
	}

	e.origin = e.current
	e.dest = dest
	e.system = system
	e.start = now
	e.moves++

	if e.duration <= 0 {
		e.current = dest
		e.state = StateSettled
		return
	}
	e.state = StateAnimating
}

// Frame returns the transform at now, settling the engine once the
// configured duration has elapsed
func (e *Engine) Frame(now time.Time) Frame {
	e.mu.Lock()
	defer e.mu.Unlock()

	progress := e.advance(now)
	return Frame{
		State:       e.state,
		System:      e.system,
		Position:    e.current,
		Origin:      e.origin,
		Destination: e.dest,
		Progress:    progress,
		Rotation:    e.rotation,
		Move:        e.moves,
		Timestamp:   now,
	}
}

// advance updates current for now and returns the linear progress
func (e *Engine) advance(now time.Time) float64 {
	switch e.state {
	case StateIdle:
		return 0
	case StateSettled:
		return 1
	}

	elapsed := now.Sub(e.start)
	if elapsed >= e.duration {
		e.current = e.dest
		e.state = StateSettled
		return 1
	}

	t := 0.0
	if elapsed > 0 {
		t = float64(elapsed) / float64(e.duration)
	}
	e.current = interpolate(e.origin, e.dest, ease(t))
	return t
}

// ease is smoothstep, monotonic on [0,1] with ease(0)=0 and ease(1)=1
func ease(t float64) float64 {
	if t <= 0 {
		return 0
	}
	if t >= 1 {
		return 1
	}
	return t * t * (3 - 2*t)
}

func interpolate(a, b Point, t float64) Point {
	return Point{
		X: a.X + (b.X-a.X)*t,
		Y: a.Y + (b.Y-a.Y)*t,
	}
}

// State returns the current state without advancing time
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// SetRotation sets the rotation carried on every frame
func (e *Engine) SetRotation(rotation float64) {
	e.mu.Lock()
	e.rotation = rotation
	e.mu.Unlock()
}

// Rotation returns the carried rotation
func (e *Engine) Rotation() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rotation
}

// Reset returns to Idle at the default point. The rotation is kept.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.state = StateIdle
	e.system = ""
	e.origin = e.def
	e.dest = e.def
	e.current = e.def
	e.start = time.Time{}
}

// Run calls fn with a frame on every tick while animating, plus one frame
// when a transition settles, until ctx is done
func (e *Engine) Run(ctx context.Context, interval time.Duration, fn func(Frame)) {
	if interval <= 0 {
		interval = 16 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastSettled uint64
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			f := e.Frame(now)
			switch f.State {
			case StateAnimating:
				fn(f)
			case StateSettled:
				if f.Move != lastSettled {
					lastSettled = f.Move
					fn(f)
				}
			}
		}
	}
}
