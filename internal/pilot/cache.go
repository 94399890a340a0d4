package pilot

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/therealutkarshpriyadarshi/intelwatch/pkg/types"
)

// Entry is the resolved state of one pilot
type Entry struct {
	Name        string       `json:"name"`
	CharacterID int64        `json:"character_id,omitempty"`
	Avatar      []byte       `json:"avatar,omitempty"`
	KOS         types.Status `json:"kos"`
	RBL         types.Status `json:"rbl"`
	ESS         types.Status `json:"ess"`
	CorpID      int64        `json:"corp_id,omitempty"`
	CorpName    string       `json:"corp_name,omitempty"`
	FirstSeen   time.Time    `json:"first_seen"`
	LastChecked time.Time    `json:"last_checked,omitempty"`
	LastSystem  string       `json:"last_system,omitempty"`
	LastSeen    time.Time    `json:"last_seen,omitempty"`
}

// Hostile reports whether any reputation service flagged the pilot
func (e Entry) Hostile() bool {
	return e.KOS == types.StatusHostile || e.RBL == types.StatusHostile || e.ESS == types.StatusHostile
}

// clone copies the entry so callers never share the avatar buffer
func (e Entry) clone() Entry {
	if e.Avatar != nil {
		e.Avatar = append([]byte(nil), e.Avatar...)
	}
	return e
}

type slot struct {
	mu    sync.Mutex
	entry Entry
}

// Cache is the name-keyed store of pilot entries. Updates to one name are
// serialized; different names proceed in parallel. Entries are never evicted.
type Cache struct {
	mu    sync.RWMutex
	slots map[string]*slot
	now   func() time.Time
}

// NewCache creates an empty pilot cache
func NewCache() *Cache {
	return &Cache{
		slots: make(map[string]*slot),
		now:   time.Now,
	}
}

// Normalize returns the cache key for a pilot name
func Normalize(name string) string {
	return strings.ToLower(strings.Join(strings.Fields(name), " "))
}

// Get returns a copy of the entry for name
func (c *Cache) Get(name string) (Entry, bool) {
	c.mu.RLock()
	s, ok := c.slots[Normalize(name)]
	c.mu.RUnlock()
	if !ok {
		return Entry{}, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entry.clone(), true
}

// Upsert creates the entry for name when missing, then applies fn to it
// while holding that entry's lock, and returns a copy of the result
func (c *Cache) Upsert(name string, fn func(*Entry)) Entry {
	s := c.slot(name)

	s.mu.Lock()
	defer s.mu.Unlock()
	if fn != nil {
		fn(&s.entry)
	}
	return s.entry.clone()
}

func (c *Cache) slot(name string) *slot {
	k := Normalize(name)

	c.mu.RLock()
	s, ok := c.slots[k]
	c.mu.RUnlock()
	if ok {
		return s
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.slots[k]; ok {
		return s
	}
	s = &slot{entry: Entry{
		Name:      strings.Join(strings.Fields(name), " "),
		FirstSeen: c.now(),
	}}
	c.slots[k] = s
	return s
}

// Snapshot returns copies of every entry sorted by name
func (c *Cache) Snapshot() []Entry {
	c.mu.RLock()
	slots := make([]*slot, 0, len(c.slots))
	for _, s := range c.slots {
		slots = append(slots, s)
	}
	c.mu.RUnlock()

	out := make([]Entry, 0, len(slots))
	for _, s := range slots {
		s.mu.Lock()
		out = append(out, s.entry.clone())
		s.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		return Normalize(out[i].Name) < Normalize(out[j].Name)
	})
	return out
}

// Len returns the number of cached pilots
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.slots)
}
