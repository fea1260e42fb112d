package gateway

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/oasis-mmo/oasis-core/internal/pkg/apierrors"
	"github.com/oasis-mmo/oasis-core/internal/stat7"
)

// Inbound action names.
const (
	ActionRegisterGame     = "register_game"
	ActionUnregisterGame   = "unregister_game"
	ActionListGames        = "list_games"
	ActionPublishEvent     = "publish_event"
	ActionSubscribe        = "subscribe"
	ActionUnsubscribe      = "unsubscribe"
	ActionPlayerCreate     = "player_create"
	ActionPlayerTransition = "player_transition"
	ActionPlayerContext    = "player_context"
	ActionAdminStats       = "admin_stats"
	ActionListSessions     = "list_sessions"
)

// Outbound frame types. Every action has its own reply type so clients can
// dispatch without inspecting payloads.
const (
	TypeConnectionEstablished = "connection_established"
	TypeError                 = "error"
	TypeGameRegistered        = "game_registered"
	TypeGameUnregistered      = "game_unregistered"
	TypeGameList              = "game_list"
	TypeEventQueued           = "event_queued"
	TypeEventDelivered        = "event_delivered"
	TypeSubscribed            = "subscribed"
	TypeUnsubscribed          = "unsubscribed"
	TypePlayerCreated         = "player_created"
	TypePlayerTransitioned    = "player_transitioned"
	TypePlayerContext         = "player_context"
	TypeStats                 = "stats"
	TypeSessionList           = "session_list"
	TypeControlTickComplete   = "control_tick_complete"
	TypeInstancePaused        = "instance_paused"
)

// SubscribeAll matches every event type.
const SubscribeAll = "ALL"

// envelope is the part of an inbound frame read before action dispatch.
type envelope struct {
	Action    string `json:"action"`
	RequestID string `json:"request_id,omitempty"`
}

// OutboundFrame is the single shape of every server-to-client message: the
// type, request_id and ts envelope keys with the payload fields spread at the
// top level of the same object. RequestID echoes the inbound frame when the
// message is a direct reply.
type OutboundFrame struct {
	Type      string
	RequestID string
	TS        string
	// Data must marshal to a JSON object; its fields become frame fields.
	Data  any
	Error *apierrors.WireError
}

// MarshalJSON spreads the payload fields alongside the envelope keys. Payload
// fields never shadow the envelope.
func (f OutboundFrame) MarshalJSON() ([]byte, error) {
	out := map[string]any{
		"type": f.Type,
		"ts":   f.TS,
	}
	if f.RequestID != "" {
		out["request_id"] = f.RequestID
	}
	if f.Error != nil {
		out["error"] = f.Error
	}
	if f.Data != nil {
		raw, err := json.Marshal(f.Data)
		if err != nil {
			return nil, err
		}
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, fmt.Errorf("frame payload must be a JSON object: %w", err)
		}
		for k, v := range fields {
			if _, reserved := out[k]; !reserved {
				out[k] = v
			}
		}
	}
	return json.Marshal(out)
}

// UnmarshalJSON is the client-side inverse: envelope keys are split off and
// the remaining fields land in Data.
func (f *OutboundFrame) UnmarshalJSON(b []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(b, &fields); err != nil {
		return err
	}
	take := func(key string, dst any) error {
		raw, ok := fields[key]
		if !ok {
			return nil
		}
		delete(fields, key)
		return json.Unmarshal(raw, dst)
	}
	if err := take("type", &f.Type); err != nil {
		return err
	}
	if err := take("request_id", &f.RequestID); err != nil {
		return err
	}
	if err := take("ts", &f.TS); err != nil {
		return err
	}
	if err := take("error", &f.Error); err != nil {
		return err
	}
	if len(fields) > 0 {
		f.Data = fields
	}
	return nil
}

func newFrame(frameType, requestID string, data any) OutboundFrame {
	return OutboundFrame{
		Type:      frameType,
		RequestID: requestID,
		TS:        time.Now().UTC().Format(time.RFC3339Nano),
		Data:      data,
	}
}

func errorFrame(requestID string, we *apierrors.WireError) OutboundFrame {
	return OutboundFrame{
		Type:      TypeError,
		RequestID: requestID,
		TS:        time.Now().UTC().Format(time.RFC3339Nano),
		Error:     we,
	}
}

// registerGameRequest carries the coordinate fields flat in the frame. The
// server constructs the engine; clients only name the coordinate.
type registerGameRequest struct {
	stat7.Coordinate
}

type unregisterGameRequest struct {
	Address string `json:"address" validate:"required"`
}

type publishEventRequest struct {
	SourceAddr string          `json:"source_address" validate:"required"`
	TargetAddr string          `json:"target_address,omitempty"`
	EventType  string          `json:"event_type" validate:"required,max=128"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// eventTypeList accepts either a JSON array of event types or the literal
// string "ALL".
type eventTypeList []string

func (e *eventTypeList) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*e = eventTypeList{s}
		return nil
	}
	var list []string
	if err := json.Unmarshal(b, &list); err != nil {
		return err
	}
	*e = eventTypeList(list)
	return nil
}

type subscribeRequest struct {
	EventTypes eventTypeList `json:"event_types" validate:"required,min=1"`
}

type playerCreateRequest struct {
	Name          string `json:"name" validate:"required,max=64"`
	Race          string `json:"race" validate:"required,max=32"`
	Class         string `json:"class" validate:"required,max=32"`
	StartingRealm string `json:"starting_realm" validate:"required,max=64"`
}

type playerTransitionRequest struct {
	PlayerID     string `json:"player_id" validate:"required,uuid"`
	SrcRealm     string `json:"src_realm" validate:"required,max=64"`
	DstRealm     string `json:"dst_realm" validate:"required,max=64"`
	NarrativeCtx string `json:"narrative_ctx,omitempty" validate:"max=512"`
}

type playerContextRequest struct {
	PlayerID string `json:"player_id" validate:"required,uuid"`
}
