package config

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Scope is the level an override applies at; more specific scopes win
type Scope string

const (
	ScopeGlobal  Scope = "global"
	ScopeZone    Scope = "zone"
	ScopeCluster Scope = "cluster"
)

// Capacity ratio names. Ratios are integer percentages: 100 means no overcommit.
const (
	CPUOvercommitRatio    = "cpu.overcommit_ratio"
	MemoryOvercommitRatio = "memory.overcommit_ratio"
)

var (
	ErrInvalidOverride  = errors.New("invalid override")
	ErrOverrideNotFound = errors.New("override not found")
)

// Override sets a capacity ratio, in percent, for one scope
type Override struct {
	Name    string `yaml:"name" json:"name"`
	Scope   Scope  `yaml:"scope" json:"scope"`
	ScopeID string `yaml:"scope_id" json:"scope_id,omitempty"`
	Value   int    `yaml:"value" json:"value"`
}

func (o Override) validate() error {
	if o.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidOverride)
	}
	switch o.Scope {
	case ScopeGlobal:
	case ScopeZone, ScopeCluster:
		if o.ScopeID == "" {
			return fmt.Errorf("%w: %s scope requires scope_id", ErrInvalidOverride, o.Scope)
		}
	default:
		return fmt.Errorf("%w: unknown scope %q", ErrInvalidOverride, o.Scope)
	}
	if o.Value <= 0 {
		return fmt.Errorf("%w: %s must be positive, got %d", ErrInvalidOverride, o.Name, o.Value)
	}
	return nil
}

type overrideKey struct {
	name    string
	scope   Scope
	scopeID string
}

// ChangeKind distinguishes set from delete notifications
type ChangeKind int

const (
	ChangeSet ChangeKind = iota
	ChangeDelete
)

// Change is delivered to listeners after every set or delete
type Change struct {
	Kind     ChangeKind
	Override Override
}

// Listener recalculates dependent state after an override changes
type Listener func(Change)

// OverrideRegistry holds capacity ratio overrides. It is the only configuration
// that changes at runtime; a single mutex guards it.
type OverrideRegistry struct {
	mu        sync.Mutex
	values    map[overrideKey]int
	defaults  map[string]int
	listeners []Listener
}

// NewOverrideRegistry creates a registry with the given global defaults
func NewOverrideRegistry(defaults map[string]int) *OverrideRegistry {
	d := make(map[string]int, len(defaults))
	for k, v := range defaults {
		d[k] = v
	}
	return &OverrideRegistry{
		values:   make(map[overrideKey]int),
		defaults: d,
	}
}

// DefaultRatios are used when nothing overrides a ratio
func DefaultRatios() map[string]int {
	return map[string]int{
		CPUOvercommitRatio:    100,
		MemoryOvercommitRatio: 100,
	}
}

// Subscribe registers a listener; listeners run synchronously after the lock is released
func (r *OverrideRegistry) Subscribe(l Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, l)
}

// Set stores o and notifies listeners
func (r *OverrideRegistry) Set(o Override) error {
	if err := o.validate(); err != nil {
		return err
	}

	r.mu.Lock()
	r.values[overrideKey{o.Name, o.Scope, o.ScopeID}] = o.Value
	listeners := append([]Listener(nil), r.listeners...)
	r.mu.Unlock()

	notify(listeners, Change{Kind: ChangeSet, Override: o})
	return nil
}

// Delete removes an override and notifies listeners
func (r *OverrideRegistry) Delete(name string, scope Scope, scopeID string) error {
	key := overrideKey{name, scope, scopeID}

	r.mu.Lock()
	v, ok := r.values[key]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s at %s/%s", ErrOverrideNotFound, name, scope, scopeID)
	}
	delete(r.values, key)
	listeners := append([]Listener(nil), r.listeners...)
	r.mu.Unlock()

	notify(listeners, Change{
		Kind:     ChangeDelete,
		Override: Override{Name: name, Scope: scope, ScopeID: scopeID, Value: v},
	})
	return nil
}

// Replace makes the registry hold exactly overrides: new or changed values are
// set and missing ones deleted, each notifying listeners. Nothing changes if any
// override is invalid.
func (r *OverrideRegistry) Replace(overrides []Override) error {
	want := make(map[overrideKey]Override, len(overrides))
	for _, o := range overrides {
		if err := o.validate(); err != nil {
			return err
		}
		want[overrideKey{o.Name, o.Scope, o.ScopeID}] = o
	}

	for _, o := range r.List() {
		if _, ok := want[overrideKey{o.Name, o.Scope, o.ScopeID}]; !ok {
			if err := r.Delete(o.Name, o.Scope, o.ScopeID); err != nil && !errors.Is(err, ErrOverrideNotFound) {
				return err
			}
		}
	}
	for k, o := range want {
		r.mu.Lock()
		v, ok := r.values[k]
		r.mu.Unlock()
		if ok && v == o.Value {
			continue
		}
		if err := r.Set(o); err != nil {
			return err
		}
	}
	return nil
}

// Effective resolves a ratio for a cluster in a zone: cluster, then zone, then global, then default
func (r *OverrideRegistry) Effective(name, zoneID, clusterID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, k := range []overrideKey{
		{name, ScopeCluster, clusterID},
		{name, ScopeZone, zoneID},
		{name, ScopeGlobal, ""},
	} {
		if k.scope != ScopeGlobal && k.scopeID == "" {
			continue
		}
		if v, ok := r.values[k]; ok {
			return v
		}
	}
	if v, ok := r.defaults[name]; ok {
		return v
	}
	return 1.0
}

// List returns all overrides sorted by name, scope and scope ID
func (r *OverrideRegistry) List() []Override {
	r.mu.Lock()
	out := make([]Override, 0, len(r.values))
	for k, v := range r.values {
		out = append(out, Override{Name: k.name, Scope: k.scope, ScopeID: k.scopeID, Value: v})
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		if out[i].Scope != out[j].Scope {
			return out[i].Scope < out[j].Scope
		}
		return out[i].ScopeID < out[j].ScopeID
	})
	return out
}

func notify(listeners []Listener, c Change) {
	for _, l := range listeners {
		l(c)
	}
}
