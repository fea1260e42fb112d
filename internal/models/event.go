// Package models defines the domain records shared across the orchestrator:
// cross-instance events and universal player state.
package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/oasis-mmo/oasis-core/internal/stat7"
)

// CrossInstanceEvent is an event published by one instance for delivery to
// another (or to all others when TargetAddr is nil).
type CrossInstanceEvent struct {
	EventID    uuid.UUID       `json:"event_id"`
	SourceAddr stat7.Address   `json:"source_address"`
	TargetAddr *stat7.Address  `json:"target_address,omitempty"`
	EventType  string          `json:"event_type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Broadcast reports whether the event targets every instance except its source.
func (e CrossInstanceEvent) Broadcast() bool {
	return e.TargetAddr == nil
}

// Delivery is a per-target delivery produced by draining the router. Broadcast
// events expand into one Delivery per non-source instance.
type Delivery struct {
	EventID       uuid.UUID       `json:"event_id"`
	SourceAddr    stat7.Address   `json:"source_address"`
	TargetAddr    stat7.Address   `json:"target_address"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	ControlTickID uint64          `json:"control_tick_id"`
	OriginalTS    time.Time       `json:"original_ts"`
	DeliveredTS   time.Time       `json:"delivered_ts"`
}
