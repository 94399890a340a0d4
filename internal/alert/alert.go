package alert

import (
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Suppressor decides whether a keyed alert may fire, allowing at most one
// per key within window
type Suppressor struct {
	mu     sync.Mutex
	window time.Duration
	last   map[string]time.Time
}

// NewSuppressor creates a suppressor with the given window
func NewSuppressor(window time.Duration) *Suppressor {
	return &Suppressor{
		window: window,
		last:   make(map[string]time.Time),
	}
}

// ShouldAlert reports whether key may alert at now, and records now when it
// may. A call less than window after the last recorded one returns false.
func (s *Suppressor) ShouldAlert(key string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if last, ok := s.last[key]; ok && now.Sub(last) < s.window {
		return false
	}
	s.last[key] = now
	return true
}

// LastAlert returns when key last alerted
func (s *Suppressor) LastAlert(key string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.last[key]
	return t, ok
}

// Window returns the suppression window
func (s *Suppressor) Window() time.Duration {
	return s.window
}

// Len returns the number of tracked keys
func (s *Suppressor) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.last)
}

// Config holds the suppression windows
type Config struct {
	SystemWindow time.Duration
	SoundWindow  time.Duration
}

// Deduplicator holds the two independent suppression domains: one keyed by
// system name for alerts and one keyed by sound file for audio
type Deduplicator struct {
	systems *Suppressor
	sounds  *Suppressor
}

// NewDeduplicator creates a deduplicator
func NewDeduplicator(cfg Config) *Deduplicator {
	return &Deduplicator{
		systems: NewSuppressor(cfg.SystemWindow),
		sounds:  NewSuppressor(cfg.SoundWindow),
	}
}

// ShouldAlertSystem applies system suppression
func (d *Deduplicator) ShouldAlertSystem(system string, now time.Time) bool {
	return d.systems.ShouldAlert(SystemKey(system), now)
}

// ShouldPlaySound applies sound suppression. An empty sound never plays.
func (d *Deduplicator) ShouldPlaySound(sound string, now time.Time) bool {
	if sound == "" {
		return false
	}
	return d.sounds.ShouldAlert(SoundKey(sound), now)
}

// Systems returns the system suppressor
func (d *Deduplicator) Systems() *Suppressor {
	return d.systems
}

// Sounds returns the sound suppressor
func (d *Deduplicator) Sounds() *Suppressor {
	return d.sounds
}

// SystemKey normalizes a system name for suppression
func SystemKey(system string) string {
	return strings.ToLower(strings.TrimSpace(system))
}

// SoundKey normalizes a sound file path for suppression
func SoundKey(path string) string {
	return filepath.Clean(strings.TrimSpace(path))
}
