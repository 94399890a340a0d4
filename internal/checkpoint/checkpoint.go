package checkpoint

import (
	"errors"
	"sort"
	"sync"
)

// ErrOffsetMismatch is returned when an advance does not start where the
// stored offset ends, which would re-read or skip bytes
var ErrOffsetMismatch = errors.New("offset does not match stored position")

// Position is the read position within one tracked file
type Position struct {
	Path   string `json:"path"`
	Offset int64  `json:"offset"`
	Inode  uint64 `json:"inode"`
}

// Manager keeps read positions for tracked files. Positions live for the
// process lifetime only; a file seen again after a restart starts from the
// point it is first observed.
type Manager struct {
	mu        sync.RWMutex
	positions map[string]*Position
}

// NewManager creates a new position manager
func NewManager() *Manager {
	return &Manager{
		positions: make(map[string]*Position),
	}
}

// UpdatePosition sets the position for a file unconditionally
func (m *Manager) UpdatePosition(path string, offset int64, inode uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.positions[path] = &Position{
		Path:   path,
		Offset: offset,
		Inode:  inode,
	}
}

// Advance moves the offset of path from `from` to `to`. It fails if the
// stored offset is not `from`, so a byte range can only be consumed once.
func (m *Manager) Advance(path string, from, to int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	pos, ok := m.positions[path]
	if !ok || pos.Offset != from || to < from {
		return ErrOffsetMismatch
	}
	pos.Offset = to
	return nil
}

// GetPosition retrieves the position for a file
func (m *Manager) GetPosition(path string) (Position, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	pos, ok := m.positions[path]
	if !ok {
		return Position{}, false
	}
	return *pos, true
}

// Forget drops the position for a file
func (m *Manager) Forget(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.positions, path)
}

// Len returns the number of tracked positions
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.positions)
}

// Snapshot returns a copy of all positions ordered by path
func (m *Manager) Snapshot() []Position {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Position, 0, len(m.positions))
	for _, pos := range m.positions {
		out = append(out, *pos)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}
