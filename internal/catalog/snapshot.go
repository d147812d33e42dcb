package catalog

import (
	"strings"
	"sync/atomic"
	"time"

	"github.com/tsubotan1985/clads-llm-bridge/internal/models"
)

// EndpointKind selects which proxy listener a request arrived on.
type EndpointKind string

// EndpointKind constants name the two proxy listeners.
const (
	// EndpointGeneral is the limited-visibility listener.
	EndpointGeneral EndpointKind = "general"
	// EndpointSpecial is the full-visibility listener.
	EndpointSpecial EndpointKind = "special"
)

// Entry is the resolved runtime view of one enabled upstream config. The
// API key is held decrypted in memory for the lifetime of the snapshot.
type Entry struct {
	ID                 uint64
	ServiceType        models.ServiceType
	PublicName         string
	ModelName          string
	APIKey             string
	BaseURL            string
	Headers            map[string]string
	AvailableOnGeneral bool
	AvailableOnSpecial bool
	CreatedAt          time.Time
}

// VisibleOn reports whether the entry is exposed on the given endpoint.
func (e Entry) VisibleOn(kind EndpointKind) bool {
	if kind == EndpointSpecial {
		return e.AvailableOnSpecial
	}
	return e.AvailableOnGeneral
}

// Snapshot is an immutable view of the enabled config set. Readers capture
// one snapshot per request and never synchronize with writers.
type Snapshot struct {
	builtAt      time.Time
	byPublicName map[string]Entry
	entries      []Entry
}

// BuiltAt returns when the snapshot was published.
func (s *Snapshot) BuiltAt() time.Time {
	if s == nil {
		return time.Time{}
	}
	return s.builtAt
}

// Lookup resolves a public name to its entry.
func (s *Snapshot) Lookup(publicName string) (Entry, bool) {
	if s == nil {
		return Entry{}, false
	}
	entry, ok := s.byPublicName[strings.TrimSpace(publicName)]
	return entry, ok
}

// VisibleOn returns the entries exposed on the given endpoint in insertion
// order.
func (s *Snapshot) VisibleOn(kind EndpointKind) []Entry {
	if s == nil {
		return nil
	}
	out := make([]Entry, 0, len(s.entries))
	for _, entry := range s.entries {
		if entry.VisibleOn(kind) {
			out = append(out, entry)
		}
	}
	return out
}

// Len returns the number of enabled entries in the snapshot.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.entries)
}

// Store publishes config snapshots atomically. A new snapshot replaces the
// old one in a single store; in-flight requests keep the snapshot they
// captured at resolution time.
type Store struct {
	current atomic.Value
}

// NewStore returns a store holding an empty snapshot.
func NewStore() *Store {
	s := &Store{}
	s.current.Store(&Snapshot{byPublicName: make(map[string]Entry)})
	return s
}

// Current returns the active snapshot.
func (s *Store) Current() *Snapshot {
	if s == nil {
		return nil
	}
	snap, ok := s.current.Load().(*Snapshot)
	if !ok || snap == nil {
		return &Snapshot{byPublicName: make(map[string]Entry)}
	}
	return snap
}

// Replace builds and publishes a new snapshot from the given entries.
// Later entries with a duplicate public name are dropped.
func (s *Store) Replace(entries []Entry) {
	if s == nil {
		return
	}
	next := &Snapshot{
		builtAt:      time.Now().UTC(),
		byPublicName: make(map[string]Entry, len(entries)),
		entries:      make([]Entry, 0, len(entries)),
	}
	for _, entry := range entries {
		name := strings.TrimSpace(entry.PublicName)
		if name == "" {
			continue
		}
		if _, exists := next.byPublicName[name]; exists {
			continue
		}
		entry.PublicName = name
		next.byPublicName[name] = entry
		next.entries = append(next.entries, entry)
	}
	s.current.Store(next)
}
