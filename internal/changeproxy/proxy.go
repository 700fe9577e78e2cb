// Package changeproxy records field assignments made against an entity
// snapshot and extracts them as a ChangeSet.
//
// A Proxy and its Handle share one mutation log. The snapshot passed to New
// is never modified; reads through the proxy see the snapshot overlaid with
// the log.
package changeproxy

import (
	"reflect"
	"sort"
	"sync"

	"txrepo/pkg/domain"
)

// Mode selects which recorded assignments end up in the ChangeSet.
type Mode uint8

const (
	// TrackAssigned reports every field that was assigned, with its last
	// written value, even when it equals the original.
	TrackAssigned Mode = iota
	// TrackValueChanged drops assignments whose final value deep-equals the
	// snapshot value.
	TrackValueChanged
)

func (m Mode) String() string {
	switch m {
	case TrackAssigned:
		return "assigned"
	case TrackValueChanged:
		return "value"
	default:
		return "unknown"
	}
}

// ParseMode maps a configuration string onto a Mode. Empty selects
// TrackAssigned.
func ParseMode(s string) (Mode, bool) {
	switch s {
	case "", "assigned":
		return TrackAssigned, true
	case "value":
		return TrackValueChanged, true
	default:
		return TrackAssigned, false
	}
}

type mutationLog struct {
	mu       sync.Mutex
	original domain.Entity
	writes   map[string]any
	order    []string
}

// Proxy is the mutable facade over a snapshot. It implements domain.Record.
type Proxy struct {
	log *mutationLog
}

var _ domain.Record = (*Proxy)(nil)

// Handle extracts the ChangeSet from the log shared with its Proxy.
type Handle struct {
	log  *mutationLog
	mode Mode
}

// Factory builds a proxy/handle pair for a snapshot.
type Factory func(snapshot domain.Entity) (*Handle, *Proxy)

// Option configures a Factory.
type Option func(*Handle)

// WithMode sets the ChangeSet semantics.
func WithMode(m Mode) Option {
	return func(h *Handle) { h.mode = m }
}

// NewFactory returns a Factory applying opts to every handle it builds.
func NewFactory(opts ...Option) Factory {
	return func(snapshot domain.Entity) (*Handle, *Proxy) {
		return New(snapshot, opts...)
	}
}

// New builds a proxy/handle pair. Creation is synchronous and copies only the
// top-level map of the snapshot.
func New(snapshot domain.Entity, opts ...Option) (*Handle, *Proxy) {
	log := &mutationLog{
		original: snapshot.Clone(),
		writes:   make(map[string]any),
	}
	if log.original == nil {
		log.original = domain.Entity{}
	}
	h := &Handle{log: log}
	for _, opt := range opts {
		opt(h)
	}
	return h, &Proxy{log: log}
}

// Get returns the current value of field: the last write if any, else the
// snapshot value.
func (p *Proxy) Get(field string) (any, bool) {
	p.log.mu.Lock()
	defer p.log.mu.Unlock()
	if v, ok := p.log.writes[field]; ok {
		return v, true
	}
	v, ok := p.log.original[field]
	return v, ok
}

// Set records an assignment. Later writes to the same field win.
func (p *Proxy) Set(field string, value any) {
	p.log.mu.Lock()
	defer p.log.mu.Unlock()
	if _, seen := p.log.writes[field]; !seen {
		p.log.order = append(p.log.order, field)
	}
	p.log.writes[field] = value
}

// Fields lists every field visible through the proxy in ascending order.
func (p *Proxy) Fields() []string {
	p.log.mu.Lock()
	defer p.log.mu.Unlock()
	seen := make(map[string]struct{}, len(p.log.original)+len(p.log.writes))
	for k := range p.log.original {
		seen[k] = struct{}{}
	}
	for k := range p.log.writes {
		seen[k] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Snapshot returns the snapshot overlaid with every recorded write.
func (p *Proxy) Snapshot() domain.Entity {
	p.log.mu.Lock()
	defer p.log.mu.Unlock()
	out := p.log.original.Clone()
	for k, v := range p.log.writes {
		out[k] = v
	}
	return out
}

// Changes returns the ChangeSet for the recorded writes. It is idempotent
// and returns a fresh map on each call; an empty result means the write
// should be skipped.
func (h *Handle) Changes() domain.ChangeSet {
	h.log.mu.Lock()
	defer h.log.mu.Unlock()
	out := make(domain.ChangeSet, len(h.log.writes))
	for _, field := range h.log.order {
		v := h.log.writes[field]
		if h.mode == TrackValueChanged {
			if orig, ok := h.log.original[field]; ok && reflect.DeepEqual(orig, v) {
				continue
			}
		}
		out[field] = v
	}
	return out
}

// Touched lists assigned fields in first-assignment order, regardless of mode.
func (h *Handle) Touched() []string {
	h.log.mu.Lock()
	defer h.log.mu.Unlock()
	out := make([]string, len(h.log.order))
	copy(out, h.log.order)
	return out
}
