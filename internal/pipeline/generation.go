package pipeline

import "sync/atomic"

// Generation is the parse generation. Work stamped with an older value is
// stale and must not touch shared state.
type Generation struct {
	v atomic.Uint64
}

// Current returns the active generation
func (g *Generation) Current() uint64 {
	return g.v.Load()
}

// Advance starts a new generation and returns it
func (g *Generation) Advance() uint64 {
	return g.v.Add(1)
}

// IsCurrent reports whether gen is the active generation
func (g *Generation) IsCurrent(gen uint64) bool {
	return g.v.Load() == gen
}
