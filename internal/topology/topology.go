package topology

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrUnknownSystem = errors.New("unknown system")
	ErrEmptyRegion   = errors.New("region has no systems")
)

// RegionFile is the on-disk layout of one region
type RegionFile struct {
	Region  string       `json:"region"`
	Systems []SystemFile `json:"systems"`
}

// SystemFile is one system inside a region file
type SystemFile struct {
	Name      string   `json:"name"`
	ID        int64    `json:"id"`
	X         float64  `json:"x"`
	Y         float64  `json:"y"`
	Neighbors []string `json:"neighbors"`
}

// BridgeFile is the on-disk layout of the jump bridge list
type BridgeFile struct {
	Bridges []Bridge `json:"bridges"`
}

// Bridge is a bidirectional shortcut between two systems
type Bridge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// System is a resolved map node
type System struct {
	Name      string
	ID        int64
	Region    string
	X         float64
	Y         float64
	Neighbors []string
}

// Map is an immutable system graph with coordinates. It is safe for
// concurrent use.
type Map struct {
	systems   map[string]*System
	adjacency map[string][]string
	regions   []string
	bridges   int
}

func key(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Build assembles a map from decoded region and bridge files. Neighbor and
// bridge endpoints that name no loaded system are skipped and returned as
// warnings.
func Build(regions []RegionFile, bridges []Bridge) (*Map, []string, error) {
	m := &Map{
		systems:   make(map[string]*System),
		adjacency: make(map[string][]string),
	}
	var warnings []string

	for _, region := range regions {
		if len(region.Systems) == 0 {
			return nil, nil, fmt.Errorf("%w: %q", ErrEmptyRegion, region.Region)
		}
		m.regions = append(m.regions, region.Region)
		for _, sf := range region.Systems {
			name := strings.TrimSpace(sf.Name)
			if name == "" {
				return nil, nil, fmt.Errorf("region %q: system without a name", region.Region)
			}
			if _, exists := m.systems[key(name)]; exists {
				warnings = append(warnings, fmt.Sprintf("duplicate system %q in region %q", name, region.Region))
				continue
			}
			m.systems[key(name)] = &System{
				Name:   name,
				ID:     sf.ID,
				Region: region.Region,
				X:      sf.X,
				Y:      sf.Y,
			}
		}
	}

	for _, region := range regions {
		for _, sf := range region.Systems {
			for _, n := range sf.Neighbors {
				if _, ok := m.systems[key(n)]; !ok {
					warnings = append(warnings, fmt.Sprintf("%s: neighbor %q not loaded", sf.Name, n))
					continue
				}
				m.link(sf.Name, n)
			}
		}
	}

	for _, b := range bridges {
		_, fromOK := m.systems[key(b.From)]
		_, toOK := m.systems[key(b.To)]
		if !fromOK || !toOK {
			warnings = append(warnings, fmt.Sprintf("bridge %s -> %s: endpoint not loaded", b.From, b.To))
			continue
		}
		m.link(b.From, b.To)
		m.bridges++
	}

	for k, sys := range m.systems {
		for _, n := range m.adjacency[k] {
			sys.Neighbors = append(sys.Neighbors, m.systems[n].Name)
		}
		sort.Strings(sys.Neighbors)
	}

	return m, warnings, nil
}

// link adds an undirected edge, ignoring duplicates and self loops
func (m *Map) link(a, b string) {
	ka, kb := key(a), key(b)
	if ka == kb {
		return
	}
	for _, n := range m.adjacency[ka] {
		if n == kb {
			return
		}
	}
	m.adjacency[ka] = append(m.adjacency[ka], kb)
	m.adjacency[kb] = append(m.adjacency[kb], ka)
}

// Lookup returns the system with the given name, case-insensitively
func (m *Map) Lookup(name string) (System, bool) {
	sys, ok := m.systems[key(name)]
	if !ok {
		return System{}, false
	}
	out := *sys
	out.Neighbors = append([]string(nil), sys.Neighbors...)
	return out, true
}

// Canonical returns the canonical spelling of a known system name
func (m *Map) Canonical(name string) (string, bool) {
	sys, ok := m.systems[key(name)]
	if !ok {
		return "", false
	}
	return sys.Name, true
}

// Jumps returns the number of gate or bridge jumps between two systems,
// searching no deeper than max. ok is false when either system is unknown
// or the distance exceeds max.
func (m *Map) Jumps(from, to string, max int) (int, bool) {
	start, goal := key(from), key(to)
	if _, ok := m.systems[start]; !ok {
		return 0, false
	}
	if _, ok := m.systems[goal]; !ok {
		return 0, false
	}
	if start == goal {
		return 0, true
	}

	visited := map[string]bool{start: true}
	frontier := []string{start}
	for depth := 1; depth <= max && len(frontier) > 0; depth++ {
		var next []string
		for _, cur := range frontier {
			for _, n := range m.adjacency[cur] {
				if n == goal {
					return depth, true
				}
				if !visited[n] {
					visited[n] = true
					next = append(next, n)
				}
			}
		}
		frontier = next
	}
	return 0, false
}

// Systems returns every loaded system sorted by name
func (m *Map) Systems() []System {
	out := make([]System, 0, len(m.systems))
	for _, sys := range m.systems {
		out = append(out, *sys)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Regions returns the loaded region names in load order
func (m *Map) Regions() []string {
	return append([]string(nil), m.regions...)
}

// Len returns the number of loaded systems
func (m *Map) Len() int {
	return len(m.systems)
}

// Bridges returns the number of bridges applied to the graph
func (m *Map) Bridges() int {
	return m.bridges
}
