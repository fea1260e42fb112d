// Package registry tracks registered game instances, their coordinates and
// tick engines. All mutation happens under an exclusive lock; the scheduler
// iterates instances under the read lock so registration never overlaps a
// control-tick window.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oasis-mmo/oasis-core/internal/engine"
	"github.com/oasis-mmo/oasis-core/internal/stat7"
)

// Sentinel errors.
var (
	ErrDuplicateRealmID   = errors.New("registry: realm_id already registered")
	ErrInvalidCoordinate  = errors.New("registry: invalid coordinate")
	ErrRegistrationFailed = errors.New("registry: engine rejected registration")
	ErrNotFound           = errors.New("registry: instance not found")
	ErrNotOwner           = errors.New("registry: session does not own instance")
)

// InstanceState is the lifecycle state of a registered instance.
type InstanceState string

const (
	StateRegistered    InstanceState = "REGISTERED"
	StateRunning       InstanceState = "RUNNING"
	StatePaused        InstanceState = "PAUSED"
	StateUnregistering InstanceState = "UNREGISTERING"
)

// GameInstance is one registered instance. Address, Coord, Owner and Engine
// are immutable after registration; tick-time fields use their own guards so
// the scheduler can update them while holding only the registry read lock.
type GameInstance struct {
	Address      stat7.Address
	Coord        stat7.Coordinate
	Owner        string
	Engine       engine.TickEngine
	EngineInfo   map[string]string
	RegisteredAt time.Time

	localTick atomic.Uint64

	mu       sync.Mutex
	state    InstanceState
	failures int
}

// State returns the current lifecycle state.
func (g *GameInstance) State() InstanceState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// SetState transitions the instance lifecycle state.
func (g *GameInstance) SetState(s InstanceState) {
	g.mu.Lock()
	g.state = s
	g.mu.Unlock()
}

// LocalTick returns the instance's local tick counter.
func (g *GameInstance) LocalTick() uint64 {
	return g.localTick.Load()
}

// RecordAdvance credits n local ticks and clears the failure streak.
func (g *GameInstance) RecordAdvance(n int) {
	g.localTick.Add(uint64(n))
	g.mu.Lock()
	g.failures = 0
	g.mu.Unlock()
}

// RecordFailure increments the consecutive-failure streak and returns it.
func (g *GameInstance) RecordFailure() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failures++
	return g.failures
}

// InstanceInfo is the serializable view of an instance used in list replies
// and snapshots.
type InstanceInfo struct {
	Address      stat7.Address     `json:"address"`
	Coord        stat7.Coordinate  `json:"coord"`
	LocalTick    uint64            `json:"local_tick"`
	State        InstanceState     `json:"state"`
	RegisteredAt time.Time         `json:"registered_at"`
	EngineInfo   map[string]string `json:"engine,omitempty"`
}

// Registry is the authoritative table of registered instances.
type Registry struct {
	logger *slog.Logger

	mu      sync.RWMutex
	byAddr  map[stat7.Address]*GameInstance
	byRealm map[string]*GameInstance
	order   []*GameInstance
}

// New creates an empty registry.
func New(logger *slog.Logger) *Registry {
	return &Registry{
		logger:  logger,
		byAddr:  make(map[stat7.Address]*GameInstance),
		byRealm: make(map[string]*GameInstance),
	}
}

// Register validates the coordinate, probes the engine and inserts the
// instance. On any failure the registry is left exactly as it was.
func (r *Registry) Register(coord stat7.Coordinate, eng engine.TickEngine, owner string) (*GameInstance, error) {
	addr, _, err := stat7.Encode(coord)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCoordinate, err)
	}

	info, err := probeEngine(eng)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRegistrationFailed, err)
	}

	gi := &GameInstance{
		Address:      addr,
		Coord:        coord,
		Owner:        owner,
		Engine:       eng,
		EngineInfo:   info,
		RegisteredAt: time.Now().UTC(),
		state:        StateRunning,
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byRealm[coord.RealmID]; exists {
		return nil, fmt.Errorf("%w: %q", ErrDuplicateRealmID, coord.RealmID)
	}
	if _, exists := r.byAddr[addr]; exists {
		return nil, fmt.Errorf("%w: address %s", ErrDuplicateRealmID, addr)
	}

	r.byAddr[addr] = gi
	r.byRealm[coord.RealmID] = gi
	r.order = append(r.order, gi)

	r.logger.Info("instance registered",
		slog.String("realm_id", coord.RealmID),
		slog.String("address", addr.String()),
		slog.String("owner", owner),
	)
	return gi, nil
}

// probeEngine queries Describe, converting panics from misbehaving engine
// constructors into registration errors.
func probeEngine(eng engine.TickEngine) (info map[string]string, err error) {
	if eng == nil {
		return nil, errors.New("nil engine")
	}
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("engine describe panicked: %v", rec)
		}
	}()
	return eng.Describe(), nil
}

// Unregister removes the instance at addr. Only the owning session or an
// admin may unregister.
func (r *Registry) Unregister(addr stat7.Address, owner string, admin bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	gi, ok := r.byAddr[addr]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, addr)
	}
	if !admin && gi.Owner != owner {
		return fmt.Errorf("%w: %s", ErrNotOwner, addr)
	}

	gi.SetState(StateUnregistering)
	r.remove(gi)

	r.logger.Info("instance unregistered",
		slog.String("realm_id", gi.Coord.RealmID),
		slog.String("address", addr.String()),
	)
	return nil
}

// UnregisterOwnedBy removes every instance owned by the session and returns
// the removed addresses. Used for disconnect cleanup.
func (r *Registry) UnregisterOwnedBy(owner string) []stat7.Address {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []stat7.Address
	for _, gi := range append([]*GameInstance(nil), r.order...) {
		if gi.Owner == owner {
			gi.SetState(StateUnregistering)
			r.remove(gi)
			removed = append(removed, gi.Address)
		}
	}
	if len(removed) > 0 {
		r.logger.Info("session instances unregistered",
			slog.String("owner", owner),
			slog.Int("count", len(removed)),
		)
	}
	return removed
}

// remove deletes gi from all indexes. Caller holds the write lock.
func (r *Registry) remove(gi *GameInstance) {
	delete(r.byAddr, gi.Address)
	delete(r.byRealm, gi.Coord.RealmID)
	for i, other := range r.order {
		if other == gi {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Lookup returns the instance at addr, or nil.
func (r *Registry) Lookup(addr stat7.Address) *GameInstance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byAddr[addr]
}

// Exists reports whether an instance is registered at addr.
func (r *Registry) Exists(addr stat7.Address) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byAddr[addr]
	return ok
}

// LookupByRealmID returns the instance with the given realm id, or nil.
func (r *Registry) LookupByRealmID(realmID string) *GameInstance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byRealm[realmID]
}

// RealmAddress returns the address serving realmID, if any. Satisfies the
// player router's realm resolver.
func (r *Registry) RealmAddress(realmID string) (stat7.Address, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	gi, ok := r.byRealm[realmID]
	if !ok {
		return stat7.Zero, false
	}
	return gi.Address, true
}

// Len returns the number of registered instances.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byAddr)
}

// List returns a point-in-time serializable view in registration order.
func (r *Registry) List() []InstanceInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]InstanceInfo, 0, len(r.order))
	for _, gi := range r.order {
		out = append(out, InstanceInfo{
			Address:      gi.Address,
			Coord:        gi.Coord,
			LocalTick:    gi.LocalTick(),
			State:        gi.State(),
			RegisteredAt: gi.RegisteredAt,
			EngineInfo:   gi.EngineInfo,
		})
	}
	return out
}

// View runs fn with the instance list in registration order while holding the
// read lock. The scheduler wraps each control-tick in View so register and
// unregister wait for the tick window to close.
func (r *Registry) View(fn func(instances []*GameInstance)) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn(r.order)
}

// Snapshot serializes the registry for the optional persistence hook. Engines
// are process-local and are not captured; Restore recreates them through a
// factory.
func (r *Registry) Snapshot() ([]byte, error) {
	return json.Marshal(r.List())
}

// EngineFactory builds a fresh engine for a restored coordinate.
type EngineFactory func(coord stat7.Coordinate) engine.TickEngine

// Restore re-registers instances from a prior Snapshot. Restored instances
// are owned by the empty session (orphaned; an admin may unregister them).
func (r *Registry) Restore(data []byte, factory EngineFactory) error {
	var infos []InstanceInfo
	if err := json.Unmarshal(data, &infos); err != nil {
		return fmt.Errorf("registry: decode snapshot: %w", err)
	}
	for _, info := range infos {
		gi, err := r.Register(info.Coord, factory(info.Coord), "")
		if err != nil {
			return fmt.Errorf("registry: restore %q: %w", info.Coord.RealmID, err)
		}
		gi.localTick.Store(info.LocalTick)
		if info.State == StatePaused {
			gi.SetState(StatePaused)
		}
	}
	return nil
}
