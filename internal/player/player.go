// Package player implements the universal player router: realm-independent
// identity, realm transitions, inventory and reputation. Per-player operations
// serialize on a per-player lock; cross-player reads work on snapshots.
package player

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/oasis-mmo/oasis-core/internal/models"
	"github.com/oasis-mmo/oasis-core/internal/stat7"
	"github.com/oasis-mmo/oasis-core/internal/telemetry"
)

// Sentinel errors.
var (
	ErrNotFound       = errors.New("player: not found")
	ErrNotInSource    = errors.New("player: not in source realm")
	ErrUnknownFaction = errors.New("player: unknown faction")
	ErrInvalidName    = errors.New("player: display name is required")
)

// TravelEventType is the event type queued on the event router for every
// successful realm transition.
const TravelEventType = "player_traveled"

// RealmResolver maps realm ids onto registered instance addresses. The
// instance registry satisfies it; a nil resolver disables realm checks.
type RealmResolver interface {
	RealmAddress(realmID string) (stat7.Address, bool)
}

// Publisher queues cross-instance events. The event router satisfies it.
type Publisher interface {
	Enqueue(ev models.CrossInstanceEvent) error
}

// ContextSnapshot is the immutable view handed to external consumers such as
// narrative engines.
type ContextSnapshot struct {
	Player        *models.UniversalPlayer           `json:"player"`
	Standings     map[models.Faction]models.Standing `json:"standings"`
	RealmsVisited int                               `json:"realms_visited"`
	HasLegendary  bool                              `json:"has_legendary"`
}

// MultiverseStats aggregates the whole player population.
type MultiverseStats struct {
	TotalPlayers      int            `json:"total_players"`
	TotalTransitions  int            `json:"total_transitions"`
	PlayersByRealm    map[string]int `json:"players_by_realm"`
	RaceDistribution  map[string]int `json:"race_distribution"`
	ClassDistribution map[string]int `json:"class_distribution"`
	AvgRealmsVisited  float64        `json:"avg_realms_visited"`
}

type playerEntry struct {
	mu sync.Mutex
	p  *models.UniversalPlayer
}

// Router owns all universal player state.
type Router struct {
	realms RealmResolver
	events Publisher
	logger *slog.Logger

	mu      sync.RWMutex
	players map[uuid.UUID]*playerEntry
}

// NewRouter creates a player router. realms and events may be nil in tests.
func NewRouter(realms RealmResolver, events Publisher, logger *slog.Logger) *Router {
	return &Router{
		realms:  realms,
		events:  events,
		logger:  logger,
		players: make(map[uuid.UUID]*playerEntry),
	}
}

// CreatePlayer registers a new universal player. The starting realm does not
// need to be registered; absence is only recorded as a warning metric since
// players are realm-agnostic identifiers.
func (r *Router) CreatePlayer(name, race, startingRealm, class string) (*models.UniversalPlayer, error) {
	if name == "" {
		return nil, ErrInvalidName
	}

	reputation := make(map[models.Faction]int, len(models.Factions()))
	for _, f := range models.Factions() {
		reputation[f] = 0
	}

	p := &models.UniversalPlayer{
		PlayerID:      uuid.New(),
		DisplayName:   name,
		Race:          race,
		Class:         class,
		ActiveRealm:   startingRealm,
		VisitedRealms: []string{startingRealm},
		Inventory:     []models.Item{},
		Reputation:    reputation,
		TransitionLog: []models.TransitionRecord{},
		CreatedAt:     time.Now().UTC(),
	}

	unregistered := false
	if r.realms != nil {
		_, registered := r.realms.RealmAddress(startingRealm)
		unregistered = !registered
	}
	telemetry.PlayerCreated(unregistered)
	if unregistered {
		r.logger.Warn("player created in unregistered realm",
			slog.String("player_id", p.PlayerID.String()),
			slog.String("realm", startingRealm),
		)
	}

	r.mu.Lock()
	r.players[p.PlayerID] = &playerEntry{p: p}
	r.mu.Unlock()

	r.logger.Info("player created",
		slog.String("player_id", p.PlayerID.String()),
		slog.String("name", name),
		slog.String("realm", startingRealm),
	)
	return p.Clone(), nil
}

func (r *Router) entry(id uuid.UUID) (*playerEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.players[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e, nil
}

// Transition moves a player from src to dst. It rejects when the player is
// not currently in src, strips non-transferable items bound to other realms,
// and queues a player_traveled event when the source realm is registered.
func (r *Router) Transition(playerID uuid.UUID, src, dst, narrativeCtx string) error {
	e, err := r.entry(playerID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	p := e.p
	if p.ActiveRealm != src {
		active := p.ActiveRealm
		e.mu.Unlock()
		return fmt.Errorf("%w: active realm is %q, not %q", ErrNotInSource, active, src)
	}

	// Non-transferable items stay behind unless they were acquired in the
	// destination realm.
	kept := p.Inventory[:0]
	for _, item := range p.Inventory {
		if item.Transferable || item.SourceRealm == dst {
			kept = append(kept, item)
		}
	}
	p.Inventory = kept

	p.TransitionLog = append(p.TransitionLog, models.TransitionRecord{
		SrcRealm:     src,
		DstRealm:     dst,
		NarrativeCtx: narrativeCtx,
		Timestamp:    time.Now().UTC(),
	})
	if !p.HasVisited(dst) {
		p.VisitedRealms = append(p.VisitedRealms, dst)
	}
	p.ActiveRealm = dst
	name := p.DisplayName
	e.mu.Unlock()

	telemetry.PlayerTransitioned()
	r.announceTravel(playerID, name, src, dst, narrativeCtx)

	r.logger.Info("player transitioned",
		slog.String("player_id", playerID.String()),
		slog.String("src", src),
		slog.String("dst", dst),
	)
	return nil
}

// announceTravel queues player_traveled with the source realm's address. An
// unregistered source realm or full router only loses the announcement, never
// the transition.
func (r *Router) announceTravel(playerID uuid.UUID, name, src, dst, narrativeCtx string) {
	if r.realms == nil || r.events == nil {
		return
	}
	srcAddr, ok := r.realms.RealmAddress(src)
	if !ok {
		return
	}
	payload, _ := json.Marshal(map[string]string{
		"player_id":     playerID.String(),
		"display_name":  name,
		"src_realm":     src,
		"dst_realm":     dst,
		"narrative_ctx": narrativeCtx,
	})
	ev := models.CrossInstanceEvent{
		EventID:    uuid.New(),
		SourceAddr: srcAddr,
		EventType:  TravelEventType,
		Payload:    payload,
		CreatedAt:  time.Now().UTC(),
	}
	if err := r.events.Enqueue(ev); err != nil {
		r.logger.Warn("travel announcement dropped",
			slog.String("player_id", playerID.String()),
			slog.String("error", err.Error()),
		)
	}
}

// ModifyReputation applies a clamped delta and returns the resulting score.
// It never fails on magnitude, only on unknown players or factions.
func (r *Router) ModifyReputation(playerID uuid.UUID, faction models.Faction, delta int) (int, error) {
	if !models.ValidFaction(faction) {
		return 0, fmt.Errorf("%w: %q", ErrUnknownFaction, faction)
	}
	e, err := r.entry(playerID)
	if err != nil {
		return 0, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	score := models.ClampReputation(e.p.Reputation[faction] + delta)
	e.p.Reputation[faction] = score
	return score, nil
}

// AddItem appends an item to the player's inventory.
func (r *Router) AddItem(playerID uuid.UUID, item models.Item) error {
	e, err := r.entry(playerID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.p.Inventory = append(e.p.Inventory, item)
	return nil
}

// RemoveItem removes the item with the given id. Removing an absent item is a
// no-op.
func (r *Router) RemoveItem(playerID uuid.UUID, itemID string) error {
	e, err := r.entry(playerID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, item := range e.p.Inventory {
		if item.ItemID == itemID {
			e.p.Inventory = append(e.p.Inventory[:i], e.p.Inventory[i+1:]...)
			return nil
		}
	}
	return nil
}

// GetContext returns an immutable context snapshot with derived fields.
func (r *Router) GetContext(playerID uuid.UUID) (*ContextSnapshot, error) {
	e, err := r.entry(playerID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	p := e.p.Clone()
	e.mu.Unlock()

	standings := make(map[models.Faction]models.Standing, len(p.Reputation))
	for f, score := range p.Reputation {
		standings[f] = models.StandingFor(score)
	}
	hasLegendary := false
	for _, item := range p.Inventory {
		if item.Rarity == models.RarityLegendary {
			hasLegendary = true
			break
		}
	}
	return &ContextSnapshot{
		Player:        p,
		Standings:     standings,
		RealmsVisited: len(p.VisitedRealms),
		HasLegendary:  hasLegendary,
	}, nil
}

// GetRoster returns copies of all players whose active realm is realmID.
func (r *Router) GetRoster(realmID string) []*models.UniversalPlayer {
	var roster []*models.UniversalPlayer
	for _, e := range r.snapshotEntries() {
		e.mu.Lock()
		if e.p.ActiveRealm == realmID {
			roster = append(roster, e.p.Clone())
		}
		e.mu.Unlock()
	}
	return roster
}

// Stats aggregates population totals over a point-in-time copy of the player
// map.
func (r *Router) Stats() MultiverseStats {
	stats := MultiverseStats{
		PlayersByRealm:    map[string]int{},
		RaceDistribution:  map[string]int{},
		ClassDistribution: map[string]int{},
	}
	totalVisited := 0
	for _, e := range r.snapshotEntries() {
		e.mu.Lock()
		stats.TotalPlayers++
		stats.TotalTransitions += len(e.p.TransitionLog)
		stats.PlayersByRealm[e.p.ActiveRealm]++
		stats.RaceDistribution[e.p.Race]++
		stats.ClassDistribution[e.p.Class]++
		totalVisited += len(e.p.VisitedRealms)
		e.mu.Unlock()
	}
	if stats.TotalPlayers > 0 {
		stats.AvgRealmsVisited = float64(totalVisited) / float64(stats.TotalPlayers)
	}
	return stats
}

func (r *Router) snapshotEntries() []*playerEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entries := make([]*playerEntry, 0, len(r.players))
	for _, e := range r.players {
		entries = append(entries, e)
	}
	return entries
}

// Snapshot serializes all players for the persistence hook.
func (r *Router) Snapshot() ([]byte, error) {
	players := make([]*models.UniversalPlayer, 0)
	for _, e := range r.snapshotEntries() {
		e.mu.Lock()
		players = append(players, e.p.Clone())
		e.mu.Unlock()
	}
	return json.Marshal(players)
}

// Restore loads players from a prior Snapshot, replacing the current map.
func (r *Router) Restore(data []byte) error {
	var players []*models.UniversalPlayer
	if err := json.Unmarshal(data, &players); err != nil {
		return fmt.Errorf("player: decode snapshot: %w", err)
	}
	restored := make(map[uuid.UUID]*playerEntry, len(players))
	for _, p := range players {
		restored[p.PlayerID] = &playerEntry{p: p}
	}
	r.mu.Lock()
	r.players = restored
	r.mu.Unlock()
	return nil
}
