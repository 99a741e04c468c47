package sources

import (
	"sort"
	"sync"
	"time"
)

// Kind classifies where orders come from.
type Kind string

const (
	KindBot    Kind = "BOT"
	KindManual Kind = "MANUAL"
	KindSystem Kind = "SYSTEM"
)

// Source is one registered order producer with its running tallies.
type Source struct {
	ID             string    `json:"id"`
	Kind           Kind      `json:"kind"`
	DisplayName    string    `json:"displayName"`
	StrategyTag    string    `json:"strategyTag,omitempty"`
	RegisteredAt   time.Time `json:"registeredAt"`
	LastSeenAt     time.Time `json:"lastSeenAt"`
	OrdersReceived uint64    `json:"ordersReceived"`
	OrdersAccepted uint64    `json:"ordersAccepted"`
	OrdersRejected uint64    `json:"ordersRejected"`
	FillsReceived  uint64    `json:"fillsReceived"`
}

// Registry tracks every producer that has ever submitted an order.
// Unknown producers are registered on first contact as SYSTEM sources;
// nothing is ever evicted.
type Registry struct {
	mu      sync.RWMutex
	sources map[string]*Source
	now     func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		sources: make(map[string]*Source),
		now:     time.Now,
	}
}

// Register adds or updates a source with explicit identity. Tallies on an
// existing source are preserved.
func (r *Registry) Register(id string, kind Kind, displayName, strategyTag string) {
	if id == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	s, ok := r.sources[id]
	if !ok {
		s = &Source{ID: id, RegisteredAt: now}
		r.sources[id] = s
	}
	s.Kind = kind
	if displayName != "" {
		s.DisplayName = displayName
	}
	if strategyTag != "" {
		s.StrategyTag = strategyTag
	}
	s.LastSeenAt = now
}

// Resolve returns the source id to attribute an order to, auto-registering
// unknown producers as SYSTEM. An empty id maps to the shared "system"
// source.
func (r *Registry) Resolve(id string) string {
	if id == "" {
		id = "system"
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	s, ok := r.sources[id]
	if !ok {
		s = &Source{ID: id, Kind: KindSystem, DisplayName: id, RegisteredAt: now}
		r.sources[id] = s
	}
	s.LastSeenAt = now
	return id
}

func (r *Registry) RecordReceived(id string) { r.bump(id, func(s *Source) { s.OrdersReceived++ }) }
func (r *Registry) RecordAccepted(id string) { r.bump(id, func(s *Source) { s.OrdersAccepted++ }) }
func (r *Registry) RecordRejected(id string) { r.bump(id, func(s *Source) { s.OrdersRejected++ }) }
func (r *Registry) RecordFill(id string)     { r.bump(id, func(s *Source) { s.FillsReceived++ }) }

func (r *Registry) bump(id string, f func(*Source)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sources[id]
	if !ok {
		s = &Source{ID: id, Kind: KindSystem, DisplayName: id, RegisteredAt: r.now()}
		r.sources[id] = s
	}
	s.LastSeenAt = r.now()
	f(s)
}

// Snapshot copies every source, sorted by id, for API responses.
func (r *Registry) Snapshot() []Source {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Source, 0, len(r.sources))
	for _, s := range r.sources {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
