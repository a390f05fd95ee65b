package search

import (
	"sort"
	"strings"
	"sync"
)

// builtinLocations maps monitor location codes to provider identifiers.
var builtinLocations = map[string]string{
	"Colindale":     "STATION^2252",
	"WhiteCity":     "REGION^85399",
	"Islington":     "REGION^93965",
	"NorthActon":    "STATION^6704",
	"ActonMainLine": "STATION^74",
}

// Locations is a case-insensitive location table. Safe for concurrent use.
type Locations struct {
	mu    sync.RWMutex
	names map[string]string // lower(code) -> display code
	ids   map[string]string // lower(code) -> provider identifier
}

// NewLocations returns the built-in table merged with extra. Extra entries
// win on conflicts.
func NewLocations(extra map[string]string) *Locations {
	l := &Locations{}
	l.Replace(extra)
	return l
}

// Replace rebuilds the table from the built-ins plus extra.
func (l *Locations) Replace(extra map[string]string) {
	names := make(map[string]string, len(builtinLocations)+len(extra))
	ids := make(map[string]string, len(builtinLocations)+len(extra))
	add := func(code, id string) {
		code = strings.TrimSpace(code)
		id = strings.TrimSpace(id)
		if code == "" || id == "" {
			return
		}
		k := strings.ToLower(code)
		names[k] = code
		ids[k] = id
	}
	for k, v := range builtinLocations {
		add(k, v)
	}
	for k, v := range extra {
		add(k, v)
	}

	l.mu.Lock()
	l.names, l.ids = names, ids
	l.mu.Unlock()
}

// Lookup resolves a location code.
func (l *Locations) Lookup(code string) (string, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	id, ok := l.ids[strings.ToLower(strings.TrimSpace(code))]
	return id, ok
}

// Canonical returns the configured spelling of code.
func (l *Locations) Canonical(code string) (string, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	name, ok := l.names[strings.ToLower(strings.TrimSpace(code))]
	return name, ok
}

// Names lists known codes, sorted.
func (l *Locations) Names() []string {
	l.mu.RLock()
	out := make([]string, 0, len(l.names))
	for _, n := range l.names {
		out = append(out, n)
	}
	l.mu.RUnlock()
	sort.Strings(out)
	return out
}
