package player

import (
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oasis-mmo/oasis-core/internal/models"
	"github.com/oasis-mmo/oasis-core/internal/stat7"
)

// fakeRealms resolves realm ids present in the map.
type fakeRealms map[string]stat7.Address

func (f fakeRealms) RealmAddress(realmID string) (stat7.Address, bool) {
	addr, ok := f[realmID]
	return addr, ok
}

// fakePublisher records queued events.
type fakePublisher struct {
	events []models.CrossInstanceEvent
	err    error
}

func (f *fakePublisher) Enqueue(ev models.CrossInstanceEvent) error {
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, ev)
	return nil
}

func addrFor(realmID string) stat7.Address {
	addr, _, err := stat7.Encode(stat7.Coordinate{
		RealmID:   realmID,
		RealmType: "sol_system",
		Adjacency: "cluster_0",
		Resonance: "narrative_prime",
		Horizon:   stat7.HorizonGenesis,
	})
	if err != nil {
		panic(err)
	}
	return addr
}

func newTestRouter(realms fakeRealms, pub *fakePublisher) *Router {
	var rr RealmResolver
	if realms != nil {
		rr = realms
	}
	var p Publisher
	if pub != nil {
		p = pub
	}
	return NewRouter(rr, p, slog.New(slog.DiscardHandler))
}

func TestCreatePlayer(t *testing.T) {
	t.Parallel()

	r := newTestRouter(nil, nil)

	p, err := r.CreatePlayer("Aria", "elf", "verdant_reach", "ranger")
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, p.PlayerID)
	assert.Equal(t, "verdant_reach", p.ActiveRealm)
	assert.Equal(t, []string{"verdant_reach"}, p.VisitedRealms)
	assert.Len(t, p.Reputation, len(models.Factions()))
	for _, f := range models.Factions() {
		assert.Zero(t, p.Reputation[f])
	}

	_, err = r.CreatePlayer("", "elf", "verdant_reach", "ranger")
	assert.ErrorIs(t, err, ErrInvalidName)
}

func TestCreatePlayer_ReturnsCopy(t *testing.T) {
	t.Parallel()

	r := newTestRouter(nil, nil)
	p, err := r.CreatePlayer("Aria", "elf", "verdant_reach", "ranger")
	require.NoError(t, err)

	// Mutating the returned copy must not leak into router state.
	p.ActiveRealm = "elsewhere"
	p.Reputation[models.FactionSages] = 9000

	ctx, err := r.GetContext(p.PlayerID)
	require.NoError(t, err)
	assert.Equal(t, "verdant_reach", ctx.Player.ActiveRealm)
	assert.Zero(t, ctx.Player.Reputation[models.FactionSages])
}

func TestTransition(t *testing.T) {
	t.Parallel()

	r := newTestRouter(nil, nil)
	p, err := r.CreatePlayer("Aria", "elf", "verdant_reach", "ranger")
	require.NoError(t, err)

	require.NoError(t, r.Transition(p.PlayerID, "verdant_reach", "ember_wastes", "sought the forge"))

	ctx, err := r.GetContext(p.PlayerID)
	require.NoError(t, err)
	assert.Equal(t, "ember_wastes", ctx.Player.ActiveRealm)
	assert.Equal(t, []string{"verdant_reach", "ember_wastes"}, ctx.Player.VisitedRealms)
	require.Len(t, ctx.Player.TransitionLog, 1)
	assert.Equal(t, "verdant_reach", ctx.Player.TransitionLog[0].SrcRealm)
	assert.Equal(t, "sought the forge", ctx.Player.TransitionLog[0].NarrativeCtx)

	// Returning to a visited realm does not duplicate the visited entry.
	require.NoError(t, r.Transition(p.PlayerID, "ember_wastes", "verdant_reach", ""))
	ctx, err = r.GetContext(p.PlayerID)
	require.NoError(t, err)
	assert.Equal(t, []string{"verdant_reach", "ember_wastes"}, ctx.Player.VisitedRealms)
	assert.Equal(t, 2, ctx.RealmsVisited)
}

func TestTransition_RejectsWrongSource(t *testing.T) {
	t.Parallel()

	r := newTestRouter(nil, nil)
	p, err := r.CreatePlayer("Aria", "elf", "verdant_reach", "ranger")
	require.NoError(t, err)

	err = r.Transition(p.PlayerID, "ember_wastes", "verdant_reach", "")
	assert.ErrorIs(t, err, ErrNotInSource)

	err = r.Transition(uuid.New(), "verdant_reach", "ember_wastes", "")
	assert.ErrorIs(t, err, ErrNotFound)

	// A rejected transition leaves the player untouched.
	ctx, err := r.GetContext(p.PlayerID)
	require.NoError(t, err)
	assert.Equal(t, "verdant_reach", ctx.Player.ActiveRealm)
	assert.Empty(t, ctx.Player.TransitionLog)
}

func TestTransition_StripsNonTransferableItems(t *testing.T) {
	t.Parallel()

	r := newTestRouter(nil, nil)
	p, err := r.CreatePlayer("Aria", "elf", "verdant_reach", "ranger")
	require.NoError(t, err)

	bound := models.Item{ItemID: "soulblade", SourceRealm: "verdant_reach", Transferable: false}
	free := models.Item{ItemID: "coin_pouch", SourceRealm: "verdant_reach", Transferable: true}
	dstBound := models.Item{ItemID: "ember_sigil", SourceRealm: "ember_wastes", Transferable: false}
	require.NoError(t, r.AddItem(p.PlayerID, bound))
	require.NoError(t, r.AddItem(p.PlayerID, free))
	require.NoError(t, r.AddItem(p.PlayerID, dstBound))

	require.NoError(t, r.Transition(p.PlayerID, "verdant_reach", "ember_wastes", ""))

	ctx, err := r.GetContext(p.PlayerID)
	require.NoError(t, err)
	var ids []string
	for _, item := range ctx.Player.Inventory {
		ids = append(ids, item.ItemID)
	}
	assert.ElementsMatch(t, []string{"coin_pouch", "ember_sigil"}, ids)
}

func TestTransition_AnnouncesTravel(t *testing.T) {
	t.Parallel()

	src := addrFor("verdant_reach")
	pub := &fakePublisher{}
	r := newTestRouter(fakeRealms{"verdant_reach": src}, pub)

	p, err := r.CreatePlayer("Aria", "elf", "verdant_reach", "ranger")
	require.NoError(t, err)
	require.NoError(t, r.Transition(p.PlayerID, "verdant_reach", "ember_wastes", "sought the forge"))

	require.Len(t, pub.events, 1)
	ev := pub.events[0]
	assert.Equal(t, TravelEventType, ev.EventType)
	assert.Equal(t, src, ev.SourceAddr)
	assert.Nil(t, ev.TargetAddr, "travel announcements are broadcast")

	var payload map[string]string
	require.NoError(t, json.Unmarshal(ev.Payload, &payload))
	assert.Equal(t, p.PlayerID.String(), payload["player_id"])
	assert.Equal(t, "ember_wastes", payload["dst_realm"])
	assert.Equal(t, "sought the forge", payload["narrative_ctx"])
}

func TestTransition_UnregisteredSourceSkipsAnnouncement(t *testing.T) {
	t.Parallel()

	pub := &fakePublisher{}
	r := newTestRouter(fakeRealms{}, pub)

	p, err := r.CreatePlayer("Aria", "elf", "verdant_reach", "ranger")
	require.NoError(t, err)
	require.NoError(t, r.Transition(p.PlayerID, "verdant_reach", "ember_wastes", ""))
	assert.Empty(t, pub.events)
}

func TestModifyReputation_Clamps(t *testing.T) {
	t.Parallel()

	r := newTestRouter(nil, nil)
	p, err := r.CreatePlayer("Aria", "elf", "verdant_reach", "ranger")
	require.NoError(t, err)

	score, err := r.ModifyReputation(p.PlayerID, models.FactionSages, 7000)
	require.NoError(t, err)
	assert.Equal(t, 7000, score)

	score, err = r.ModifyReputation(p.PlayerID, models.FactionSages, 7000)
	require.NoError(t, err)
	assert.Equal(t, models.ReputationMax, score)

	score, err = r.ModifyReputation(p.PlayerID, models.FactionShadowCourt, -25000)
	require.NoError(t, err)
	assert.Equal(t, models.ReputationMin, score)

	_, err = r.ModifyReputation(p.PlayerID, "void_legion", 10)
	assert.ErrorIs(t, err, ErrUnknownFaction)

	_, err = r.ModifyReputation(uuid.New(), models.FactionSages, 10)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInventory_AddAndIdempotentRemove(t *testing.T) {
	t.Parallel()

	r := newTestRouter(nil, nil)
	p, err := r.CreatePlayer("Aria", "elf", "verdant_reach", "ranger")
	require.NoError(t, err)

	require.NoError(t, r.AddItem(p.PlayerID, models.Item{ItemID: "lantern"}))
	require.NoError(t, r.RemoveItem(p.PlayerID, "lantern"))
	require.NoError(t, r.RemoveItem(p.PlayerID, "lantern"))

	ctx, err := r.GetContext(p.PlayerID)
	require.NoError(t, err)
	assert.Empty(t, ctx.Player.Inventory)
}

func TestGetContext_DerivedFields(t *testing.T) {
	t.Parallel()

	r := newTestRouter(nil, nil)
	p, err := r.CreatePlayer("Aria", "elf", "verdant_reach", "ranger")
	require.NoError(t, err)

	_, err = r.ModifyReputation(p.PlayerID, models.FactionSages, 6500)
	require.NoError(t, err)
	_, err = r.ModifyReputation(p.PlayerID, models.FactionShadowCourt, -3000)
	require.NoError(t, err)
	require.NoError(t, r.AddItem(p.PlayerID, models.Item{ItemID: "relic", Rarity: models.RarityLegendary}))

	ctx, err := r.GetContext(p.PlayerID)
	require.NoError(t, err)
	assert.Equal(t, models.StandingRevered, ctx.Standings[models.FactionSages])
	assert.Equal(t, models.StandingDisliked, ctx.Standings[models.FactionShadowCourt])
	assert.Equal(t, models.StandingNeutral, ctx.Standings[models.FactionWanderers])
	assert.True(t, ctx.HasLegendary)
	assert.Equal(t, 1, ctx.RealmsVisited)

	_, err = r.GetContext(uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetRoster(t *testing.T) {
	t.Parallel()

	r := newTestRouter(nil, nil)
	a, err := r.CreatePlayer("Aria", "elf", "verdant_reach", "ranger")
	require.NoError(t, err)
	_, err = r.CreatePlayer("Borin", "dwarf", "ember_wastes", "smith")
	require.NoError(t, err)

	roster := r.GetRoster("verdant_reach")
	require.Len(t, roster, 1)
	assert.Equal(t, a.PlayerID, roster[0].PlayerID)
	assert.Empty(t, r.GetRoster("ghost_realm"))
}

func TestStats(t *testing.T) {
	t.Parallel()

	r := newTestRouter(nil, nil)
	a, err := r.CreatePlayer("Aria", "elf", "verdant_reach", "ranger")
	require.NoError(t, err)
	_, err = r.CreatePlayer("Borin", "dwarf", "ember_wastes", "smith")
	require.NoError(t, err)
	require.NoError(t, r.Transition(a.PlayerID, "verdant_reach", "ember_wastes", ""))

	stats := r.Stats()
	assert.Equal(t, 2, stats.TotalPlayers)
	assert.Equal(t, 1, stats.TotalTransitions)
	assert.Equal(t, 2, stats.PlayersByRealm["ember_wastes"])
	assert.Equal(t, 1, stats.RaceDistribution["elf"])
	assert.Equal(t, 1, stats.ClassDistribution["smith"])
	assert.InDelta(t, 1.5, stats.AvgRealmsVisited, 1e-9)
}

func TestSnapshotRestore(t *testing.T) {
	t.Parallel()

	r := newTestRouter(nil, nil)
	a, err := r.CreatePlayer("Aria", "elf", "verdant_reach", "ranger")
	require.NoError(t, err)
	require.NoError(t, r.Transition(a.PlayerID, "verdant_reach", "ember_wastes", "fled the blight"))
	_, err = r.ModifyReputation(a.PlayerID, models.FactionMystics, 4200)
	require.NoError(t, err)

	blob, err := r.Snapshot()
	require.NoError(t, err)

	restored := newTestRouter(nil, nil)
	require.NoError(t, restored.Restore(blob))

	ctx, err := restored.GetContext(a.PlayerID)
	require.NoError(t, err)
	assert.Equal(t, "Aria", ctx.Player.DisplayName)
	assert.Equal(t, "ember_wastes", ctx.Player.ActiveRealm)
	assert.Equal(t, 4200, ctx.Player.Reputation[models.FactionMystics])
	require.Len(t, ctx.Player.TransitionLog, 1)

	assert.Error(t, restored.Restore([]byte("{not json")))
}
