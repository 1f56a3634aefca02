// Package cursor tracks, per source, the last consumed record key and the time
// of the last upstream request.
package cursor

import (
	"context"
	"sync"
	"time"

	"github.com/ppiankov/sensorpress/internal/config"
)

// Descriptor is the persisted sync state of one source.
type Descriptor struct {
	Name         string        `yaml:"name"`
	Kind         string        `yaml:"kind"`
	K            string        `yaml:"k"`
	Head         string        `yaml:"head,omitempty"`
	LastRequest  time.Time     `yaml:"last_request"`
	RequestDelta time.Duration `yaml:"request_delta"`
}

// Store loads and saves the whole descriptor set.
type Store interface {
	Load(ctx context.Context) (map[string]Descriptor, error)
	Save(ctx context.Context, s *State) error
}

// State is the descriptor set of the registered sources in registration order.
// It is safe for concurrent use.
type State struct {
	mu    sync.Mutex
	order []string
	byKey map[string]*Descriptor
}

// Snapshot holds the cursor values of a State at one point in time.
type Snapshot map[string]mark

type mark struct {
	k    string
	head string
}

// After returns the key an incremental fetch resumes after: the newest key of
// the last committed window, or K when no window has been recorded yet.
func (d Descriptor) After() string {
	if d.Head != "" {
		return d.Head
	}
	return d.K
}

// NewState builds the state for the registered sources. Name, kind and
// request delta come from config; K, Head and LastRequest from persisted values.
// Persisted entries for sources no longer registered are dropped.
func NewState(registered []config.SourceConfig, persisted map[string]Descriptor) *State {
	s := &State{byKey: make(map[string]*Descriptor, len(registered))}
	for _, sc := range registered {
		d := &Descriptor{
			Name:         sc.Name,
			Kind:         sc.Kind,
			RequestDelta: sc.RequestDelta.Duration,
		}
		if p, ok := persisted[sc.Name]; ok {
			d.K = p.K
			d.Head = p.Head
			d.LastRequest = p.LastRequest
		}
		s.order = append(s.order, sc.Name)
		s.byKey[sc.Name] = d
	}
	return s
}

// Names returns the registered source names in order.
func (s *State) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...)
}

// Get returns a copy of the named descriptor.
func (s *State) Get(name string) (Descriptor, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.byKey[name]
	if !ok {
		return Descriptor{}, false
	}
	return *d, true
}

// Descriptors returns copies of all descriptors in registration order.
func (s *State) Descriptors() []Descriptor {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Descriptor, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, *s.byKey[name])
	}
	return out
}

// Advance sets the cursor of name to k and clears its head, so the next
// incremental fetch resumes after k. Unknown names are ignored.
func (s *State) Advance(name, k string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.byKey[name]; ok {
		d.K = k
		d.Head = ""
	}
}

// Commit records a consumed window for name: the cursor moves to oldest and
// the head to newest. An empty newest leaves the head alone.
func (s *State) Commit(name, oldest, newest string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.byKey[name]
	if !ok {
		return
	}
	d.K = oldest
	if newest != "" {
		d.Head = newest
	}
}

// Stamp records that a request to name was issued at t.
func (s *State) Stamp(name string, t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.byKey[name]; ok {
		d.LastRequest = t
	}
}

// Snapshot captures the current cursor values.
func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := make(Snapshot, len(s.order))
	for name, d := range s.byKey {
		snap[name] = mark{k: d.K, head: d.Head}
	}
	return snap
}

// RestoreCursors resets cursor values to snap. Request stamps are kept.
func (s *State) RestoreCursors(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, m := range snap {
		if d, ok := s.byKey[name]; ok {
			d.K = m.k
			d.Head = m.head
		}
	}
}
