package models

import (
	"time"

	"github.com/google/uuid"
)

// Faction is a closed enumeration; extending it is a spec revision.
type Faction string

const (
	FactionWanderers      Faction = "wanderers"
	FactionRealmKeepers   Faction = "realm_keepers"
	FactionShadowCourt    Faction = "shadow_court"
	FactionSages          Faction = "sages"
	FactionArtisans       Faction = "artisans"
	FactionMerchantGuild  Faction = "merchant_guild"
	FactionWarriorsCircle Faction = "warriors_circle"
	FactionMystics        Faction = "mystics"
)

// Factions returns the closed faction set in declaration order.
func Factions() []Faction {
	return []Faction{
		FactionWanderers, FactionRealmKeepers, FactionShadowCourt, FactionSages,
		FactionArtisans, FactionMerchantGuild, FactionWarriorsCircle, FactionMystics,
	}
}

// ValidFaction reports whether f belongs to the closed set.
func ValidFaction(f Faction) bool {
	for _, known := range Factions() {
		if f == known {
			return true
		}
	}
	return false
}

// Reputation bounds. Scores are clamped, never rejected.
const (
	ReputationMin = -10000
	ReputationMax = 10000
)

// Standing is the band derived from a clamped reputation score.
type Standing string

const (
	StandingDespised Standing = "despised"
	StandingDisliked Standing = "disliked"
	StandingNeutral  Standing = "neutral"
	StandingLiked    Standing = "liked"
	StandingRevered  Standing = "revered"
)

// StandingFor maps a clamped score onto its band. Bands are symmetric around
// zero with boundaries at +-2000 and +-6000.
func StandingFor(score int) Standing {
	switch {
	case score <= -6000:
		return StandingDespised
	case score <= -2000:
		return StandingDisliked
	case score < 2000:
		return StandingNeutral
	case score < 6000:
		return StandingLiked
	default:
		return StandingRevered
	}
}

// ClampReputation bounds a score to [ReputationMin, ReputationMax].
func ClampReputation(score int) int {
	if score < ReputationMin {
		return ReputationMin
	}
	if score > ReputationMax {
		return ReputationMax
	}
	return score
}

// Item rarity values recognized by the context snapshot.
const (
	RarityCommon    = "common"
	RarityUncommon  = "uncommon"
	RarityRare      = "rare"
	RarityLegendary = "legendary"
)

// Item is an inventory entry. Non-transferable items are bound to the realm
// they were acquired in and are stripped on realm transition.
type Item struct {
	ItemID       string `json:"item_id"`
	Name         string `json:"name"`
	Type         string `json:"type"`
	Rarity       string `json:"rarity"`
	SourceRealm  string `json:"source_realm"`
	Transferable bool   `json:"transferable"`
}

// TransitionRecord is one append-only entry in a player's travel history.
type TransitionRecord struct {
	SrcRealm     string    `json:"src_realm"`
	DstRealm     string    `json:"dst_realm"`
	NarrativeCtx string    `json:"narrative_ctx,omitempty"`
	Timestamp    time.Time `json:"ts"`
}

// UniversalPlayer is realm-independent player identity and state. The player
// router owns all mutation; external readers only ever see copies.
type UniversalPlayer struct {
	PlayerID      uuid.UUID          `json:"player_id"`
	DisplayName   string             `json:"display_name"`
	Race          string             `json:"race"`
	Class         string             `json:"class"`
	ActiveRealm   string             `json:"active_realm"`
	VisitedRealms []string           `json:"visited_realms"`
	Inventory     []Item             `json:"inventory"`
	Reputation    map[Faction]int    `json:"reputation"`
	TransitionLog []TransitionRecord `json:"transition_log"`
	CreatedAt     time.Time          `json:"created_at"`
}

// HasVisited reports whether the player's visited set contains realm.
func (p *UniversalPlayer) HasVisited(realm string) bool {
	for _, r := range p.VisitedRealms {
		if r == realm {
			return true
		}
	}
	return false
}

// Clone returns a deep copy safe to hand outside the player router's locks.
func (p *UniversalPlayer) Clone() *UniversalPlayer {
	cp := *p
	cp.VisitedRealms = append([]string(nil), p.VisitedRealms...)
	cp.Inventory = append([]Item(nil), p.Inventory...)
	cp.TransitionLog = append([]TransitionRecord(nil), p.TransitionLog...)
	cp.Reputation = make(map[Faction]int, len(p.Reputation))
	for f, v := range p.Reputation {
		cp.Reputation[f] = v
	}
	return &cp
}
