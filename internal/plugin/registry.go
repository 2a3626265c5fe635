package plugin

import (
	"errors"
	"fmt"
	"sync"
)

// State is the lifecycle state of a registered plugin.
type State int

const (
	// StateUnloaded means no sandbox exists yet; one is built lazily on the
	// next evaluation pass.
	StateUnloaded State = iota
	// StateLoaded means a sandbox is attached and the plugin is evaluated.
	StateLoaded
	// StateFaulted means the plugin is skipped until Reset.
	StateFaulted
)

func (s State) String() string {
	switch s {
	case StateUnloaded:
		return "UNLOADED"
	case StateLoaded:
		return "LOADED"
	case StateFaulted:
		return "FAULTED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// DefaultMaxFailures is the number of consecutive execution failures after
// which a plugin is faulted.
const DefaultMaxFailures = 3

// ErrNotFound is returned for operations on an unknown plugin id.
var ErrNotFound = errors.New("plugin not found")

// Instance is a loaded sandbox owned by the registry. Close releases it.
type Instance interface {
	Close() error
}

// Status is a point-in-time description of a registered plugin.
type Status struct {
	Config     Config
	State      State
	Failures   int
	Rejections int
	LastError  error
}

type entry struct {
	config     Config
	gate       *Gate
	state      State
	failures   int
	rejections int
	lastErr    error
	instance   Instance
}

// Registry holds the configured plugins in registration order.
//
// Registry is safe for concurrent use, though mutations are expected to be
// serialized with evaluation passes by the caller.
type Registry struct {
	mu          sync.Mutex
	order       []string
	entries     map[string]*entry
	maxFailures int
}

// NewRegistry creates an empty registry. maxFailures <= 0 selects
// DefaultMaxFailures.
func NewRegistry(maxFailures int) *Registry {
	if maxFailures <= 0 {
		maxFailures = DefaultMaxFailures
	}
	return &Registry{
		entries:     make(map[string]*entry),
		maxFailures: maxFailures,
	}
}

// Register adds a plugin, or replaces the config of an existing plugin with
// the same id while keeping its position. If the hash differs from the
// registered one, the existing sandbox is released and the plugin returns
// to StateUnloaded, discarding any fault. It reports whether a reload was
// triggered.
func (r *Registry) Register(c Config) (reloaded bool, err error) {
	if err := c.Validate(); err != nil {
		return false, err
	}
	c, err = c.withHash()
	if err != nil {
		return false, err
	}
	gate, err := CompileGate(c.When)
	if err != nil {
		return false, fmt.Errorf("plugin %q: %w", c.ID, err)
	}

	r.mu.Lock()
	e, exists := r.entries[c.ID]
	if !exists {
		r.entries[c.ID] = &entry{config: c, gate: gate, state: StateUnloaded}
		r.order = append(r.order, c.ID)
		r.mu.Unlock()
		return false, nil
	}

	var released Instance
	if e.config.Hash != c.Hash {
		released = e.instance
		e.instance = nil
		e.state = StateUnloaded
		e.failures = 0
		e.lastErr = nil
		reloaded = true
	}
	e.config = c
	e.gate = gate
	r.mu.Unlock()

	if released != nil {
		_ = released.Close()
	}
	return reloaded, nil
}

// Unregister removes a plugin and releases its sandbox. It reports whether
// the plugin existed.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.entries, id)
	for i, v := range r.order {
		if v == id {
			r.order = append(r.order[:i:i], r.order[i+1:]...)
			break
		}
	}
	inst := e.instance
	e.instance = nil
	r.mu.Unlock()

	if inst != nil {
		_ = inst.Close()
	}
	return true
}

// ListActive returns the configs of all plugins that are not faulted, in
// registration order.
func (r *Registry) ListActive() []Config {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Config, 0, len(r.order))
	for _, id := range r.order {
		if e := r.entries[id]; e.state != StateFaulted {
			out = append(out, e.config)
		}
	}
	return out
}

// Gate returns the compiled activation condition for a plugin, nil when the
// plugin has none.
func (r *Registry) Gate(id string) *Gate {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok {
		return e.gate
	}
	return nil
}

// Instance returns the sandbox attached to a plugin whose hash matches, or
// nil when it must be (re)built.
func (r *Registry) Instance(id, hash string) Instance {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok || e.config.Hash != hash {
		return nil
	}
	return e.instance
}

// Attach records a freshly built sandbox for a plugin and marks it loaded.
// If the plugin was unregistered or its hash changed while the sandbox was
// being built, the sandbox is closed and ErrNotFound returned.
func (r *Registry) Attach(id, hash string, inst Instance) error {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok || e.config.Hash != hash || e.state == StateFaulted {
		r.mu.Unlock()
		_ = inst.Close()
		return fmt.Errorf("attach %q: %w", id, ErrNotFound)
	}
	prev := e.instance
	e.instance = inst
	e.state = StateLoaded
	r.mu.Unlock()

	if prev != nil && prev != inst {
		_ = prev.Close()
	}
	return nil
}

// MarkFaulted disables a plugin until Reset, releasing its sandbox.
func (r *Registry) MarkFaulted(id string, err error) {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	e.state = StateFaulted
	e.lastErr = err
	inst := e.instance
	e.instance = nil
	r.mu.Unlock()

	if inst != nil {
		_ = inst.Close()
	}
}

// RecordFailure counts a consecutive execution failure. Once the count
// reaches the configured maximum the plugin is faulted, and true returned.
func (r *Registry) RecordFailure(id string, err error) (faulted bool) {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	e.failures++
	e.lastErr = err
	faulted = e.failures >= r.maxFailures
	r.mu.Unlock()

	if faulted {
		r.MarkFaulted(id, err)
	}
	return faulted
}

// RecordRejection counts a malformed result. Rejections never fault a
// plugin and do not reset the consecutive failure count.
func (r *Registry) RecordRejection(id string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok {
		e.rejections++
		e.lastErr = err
	}
}

// RecordSuccess resets the consecutive failure count.
func (r *Registry) RecordSuccess(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok {
		e.failures = 0
	}
}

// Reset clears a fault, returning the plugin to StateUnloaded so its sandbox
// is rebuilt on the next pass.
func (r *Registry) Reset(id string) error {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("reset %q: %w", id, ErrNotFound)
	}
	inst := e.instance
	e.instance = nil
	e.state = StateUnloaded
	e.failures = 0
	e.rejections = 0
	e.lastErr = nil
	r.mu.Unlock()

	if inst != nil {
		_ = inst.Close()
	}
	return nil
}

// Status returns the status of one plugin.
func (r *Registry) Status(id string) (Status, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return Status{}, false
	}
	return e.status(), true
}

// Statuses returns the status of every plugin in registration order.
func (r *Registry) Statuses() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Status, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.entries[id].status())
	}
	return out
}

// Close unregisters every plugin.
func (r *Registry) Close() error {
	r.mu.Lock()
	ids := append([]string(nil), r.order...)
	r.mu.Unlock()
	for _, id := range ids {
		r.Unregister(id)
	}
	return nil
}

func (e *entry) status() Status {
	return Status{
		Config:     e.config,
		State:      e.state,
		Failures:   e.failures,
		Rejections: e.rejections,
		LastError:  e.lastErr,
	}
}
