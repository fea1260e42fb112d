// Package gateway is the WebSocket surface of the orchestrator. Each
// connection becomes a Session with its own reader and writer goroutines;
// the gateway also implements the scheduler's sink, fanning control-tick
// output to subscribed sessions.
package gateway

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/oasis-mmo/oasis-core/internal/engine"
	"github.com/oasis-mmo/oasis-core/internal/models"
	"github.com/oasis-mmo/oasis-core/internal/pkg/apierrors"
	"github.com/oasis-mmo/oasis-core/internal/pkg/ulid"
	"github.com/oasis-mmo/oasis-core/internal/player"
	"github.com/oasis-mmo/oasis-core/internal/registry"
	"github.com/oasis-mmo/oasis-core/internal/router"
	"github.com/oasis-mmo/oasis-core/internal/scheduler"
	"github.com/oasis-mmo/oasis-core/internal/stat7"
	"github.com/oasis-mmo/oasis-core/internal/telemetry"
)

// TickSource exposes the scheduler state admin_stats reports on.
type TickSource interface {
	CurrentTickID() uint64
	Running() bool
}

// EngineFactory builds the tick engine backing a newly registered instance.
type EngineFactory func(coord stat7.Coordinate) engine.TickEngine

// Config holds gateway tuning.
type Config struct {
	// ReplayCapacity is how many recent event deliveries new sessions receive.
	ReplayCapacity int
	// OutboundQueue is the per-session send buffer; overflow disconnects.
	OutboundQueue int
	// RatePerMinute and RateBurst bound inbound frames per session.
	RatePerMinute int
	RateBurst     int
}

func (c Config) withDefaults() Config {
	if c.ReplayCapacity <= 0 {
		c.ReplayCapacity = 5000
	}
	if c.OutboundQueue <= 0 {
		c.OutboundQueue = 1024
	}
	if c.RatePerMinute <= 0 {
		c.RatePerMinute = 120
	}
	if c.RateBurst <= 0 {
		c.RateBurst = 40
	}
	return c
}

// Gateway owns all live sessions.
type Gateway struct {
	cfg     Config
	reg     *registry.Registry
	rt      *router.Router
	players *player.Router
	ticks   TickSource
	engines EngineFactory
	roles   RoleResolver
	logger  *slog.Logger

	upgrader websocket.Upgrader
	validate *validator.Validate
	replay   *replayRing

	mu       sync.RWMutex
	sessions map[string]*Session
}

// New creates a gateway. roles may be nil, leaving every session anonymous.
func New(cfg Config, reg *registry.Registry, rt *router.Router, players *player.Router,
	ticks TickSource, engines EngineFactory, roles RoleResolver, logger *slog.Logger) *Gateway {
	cfg = cfg.withDefaults()
	return &Gateway{
		cfg:     cfg,
		reg:     reg,
		rt:      rt,
		players: players,
		ticks:   ticks,
		engines: engines,
		roles:   roles,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Origin policy is enforced by the CORS middleware in front.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		validate: validator.New(),
		replay:   newReplayRing(cfg.ReplayCapacity),
		sessions: make(map[string]*Session),
	}
}

// SetTickSource binds the scheduler after construction. The gateway is the
// scheduler's sink, so one side of the pair has to bind late; call this
// before serving traffic.
func (g *Gateway) SetTickSource(ticks TickSource) {
	g.ticks = ticks
}

// ServeHTTP upgrades the request and runs the session until disconnect.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	role := RoleAnonymous
	if g.roles != nil {
		role = g.roles.Resolve(r)
	}

	s := &Session{
		ID:          ulid.New(),
		Role:        role,
		RemoteAddr:  r.RemoteAddr,
		ConnectedAt: time.Now().UTC(),
		gw:          g,
		conn:        conn,
		send:        make(chan []byte, g.cfg.OutboundQueue),
		done:        make(chan struct{}),
		limiter:     rate.NewLimiter(rate.Limit(float64(g.cfg.RatePerMinute)/60.0), g.cfg.RateBurst),
		logger:      g.logger,
		subs:        make(map[string]struct{}),
	}

	g.mu.Lock()
	g.sessions[s.ID] = s
	g.mu.Unlock()
	telemetry.SessionOpened()

	g.logger.Info("session connected",
		slog.String("session_id", s.ID),
		slog.String("role", string(role)),
		slog.String("remote", s.RemoteAddr),
	)

	// Welcome and replay catch-up are written synchronously before the pumps
	// start: the replay ring can hold far more frames than the outbound queue,
	// and a fresh session must receive all of them in order.
	replayFrames := g.replay.Snapshot()
	welcome := newFrame(TypeConnectionEstablished, "", map[string]any{
		"session_id":    s.ID,
		"role":          role,
		"replay_events": len(replayFrames),
	})
	if err := s.writeDirect(welcome); err != nil {
		g.dropSession(s)
		return
	}
	for _, frame := range replayFrames {
		if err := s.writeDirect(frame); err != nil {
			g.dropSession(s)
			return
		}
	}

	go s.writePump()
	go s.readPump()
}

// dropSession runs disconnect cleanup exactly once per session: instances
// registered by the session are unregistered, subscriptions die with the
// session itself.
func (g *Gateway) dropSession(s *Session) {
	g.mu.Lock()
	_, present := g.sessions[s.ID]
	delete(g.sessions, s.ID)
	g.mu.Unlock()
	if !present {
		return
	}

	s.close(websocket.CloseNormalClosure, "")
	close(s.done)
	telemetry.SessionClosed()

	removed := g.reg.UnregisterOwnedBy(s.ID)
	g.logger.Info("session disconnected",
		slog.String("session_id", s.ID),
		slog.Int("instances_removed", len(removed)),
	)
}

// Shutdown tells every session the server is going away and disconnects it.
func (g *Gateway) Shutdown() {
	g.mu.RLock()
	sessions := make([]*Session, 0, len(g.sessions))
	for _, s := range g.sessions {
		sessions = append(sessions, s)
	}
	g.mu.RUnlock()

	for _, s := range sessions {
		s.close(websocket.CloseGoingAway, "server_shutdown")
	}
	g.logger.Info("gateway shut down", slog.Int("sessions_closed", len(sessions)))
}

// SessionCount returns the number of live sessions.
func (g *Gateway) SessionCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.sessions)
}

// dispatch handles one inbound frame on the session's reader goroutine.
func (g *Gateway) dispatch(s *Session, raw []byte) {
	if !s.limiter.Allow() {
		telemetry.ActionError(apierrors.CodeUnavailable)
		s.enqueue(errorFrame("", apierrors.New(apierrors.CodeUnavailable, "rate limit exceeded")))
		return
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		telemetry.ActionError(apierrors.CodeInvalidInput)
		s.enqueue(errorFrame("", apierrors.Newf(apierrors.CodeInvalidInput, "malformed frame: %v", err)))
		return
	}
	if env.Action == "" {
		telemetry.ActionError(apierrors.CodeInvalidInput)
		s.enqueue(errorFrame(env.RequestID, apierrors.New(apierrors.CodeInvalidInput, "action is required")))
		return
	}

	telemetry.ActionReceived(env.Action)
	replyType, data, werr := g.handleAction(s, env.Action, raw)
	if werr != nil {
		telemetry.ActionError(werr.Code)
		g.logger.Debug("action failed",
			slog.String("session_id", s.ID),
			slog.String("action", env.Action),
			slog.String("code", werr.Code),
		)
		s.enqueue(errorFrame(env.RequestID, werr))
		return
	}
	s.enqueue(newFrame(replyType, env.RequestID, data))
}

func (g *Gateway) handleAction(s *Session, action string, raw []byte) (string, any, *apierrors.WireError) {
	switch action {
	case ActionRegisterGame:
		return g.handleRegisterGame(s, raw)
	case ActionUnregisterGame:
		return g.handleUnregisterGame(s, raw)
	case ActionListGames:
		return TypeGameList, map[string]any{"games": g.reg.List(), "count": g.reg.Len()}, nil
	case ActionPublishEvent:
		return g.handlePublishEvent(s, raw)
	case ActionSubscribe:
		return g.handleSubscribe(s, raw)
	case ActionUnsubscribe:
		return g.handleUnsubscribe(s, raw)
	case ActionPlayerCreate:
		return g.handlePlayerCreate(raw)
	case ActionPlayerTransition:
		return g.handlePlayerTransition(raw)
	case ActionPlayerContext:
		return g.handlePlayerContext(raw)
	case ActionAdminStats:
		return g.handleAdminStats(s)
	case ActionListSessions:
		return g.handleListSessions(s)
	default:
		return "", nil, apierrors.Newf(apierrors.CodeInvalidInput, "unknown action %q", action)
	}
}

// decode unmarshals and validates an action payload.
func (g *Gateway) decode(raw []byte, dst any) *apierrors.WireError {
	if err := json.Unmarshal(raw, dst); err != nil {
		return apierrors.Newf(apierrors.CodeInvalidInput, "malformed payload: %v", err)
	}
	if err := g.validate.Struct(dst); err != nil {
		return apierrors.Newf(apierrors.CodeInvalidInput, "invalid payload: %v", err)
	}
	return nil
}

func (g *Gateway) handleRegisterGame(s *Session, raw []byte) (string, any, *apierrors.WireError) {
	var req registerGameRequest
	if werr := g.decode(raw, &req); werr != nil {
		return "", nil, werr
	}

	gi, err := g.reg.Register(req.Coordinate, g.engines(req.Coordinate), s.ID)
	if err != nil {
		return "", nil, apierrors.AsWireError(err)
	}
	return TypeGameRegistered, map[string]any{
		"address":       gi.Address,
		"coord":         gi.Coord,
		"state":         gi.State(),
		"registered_at": gi.RegisteredAt,
		"engine":        gi.EngineInfo,
	}, nil
}

func (g *Gateway) handleUnregisterGame(s *Session, raw []byte) (string, any, *apierrors.WireError) {
	var req unregisterGameRequest
	if werr := g.decode(raw, &req); werr != nil {
		return "", nil, werr
	}
	addr, err := stat7.ParseAddress(req.Address)
	if err != nil {
		return "", nil, apierrors.Newf(apierrors.CodeInvalidInput, "invalid address: %v", err)
	}
	if err := g.reg.Unregister(addr, s.ID, s.Role == RoleAdmin); err != nil {
		return "", nil, apierrors.AsWireError(err)
	}
	return TypeGameUnregistered, map[string]any{"address": addr}, nil
}

func (g *Gateway) handlePublishEvent(s *Session, raw []byte) (string, any, *apierrors.WireError) {
	var req publishEventRequest
	if werr := g.decode(raw, &req); werr != nil {
		return "", nil, werr
	}

	src, err := stat7.ParseAddress(req.SourceAddr)
	if err != nil {
		return "", nil, apierrors.Newf(apierrors.CodeInvalidInput, "invalid source_address: %v", err)
	}
	ev := models.CrossInstanceEvent{
		EventID:    uuid.New(),
		SourceAddr: src,
		EventType:  req.EventType,
		Payload:    req.Payload,
		CreatedAt:  time.Now().UTC(),
	}
	if req.TargetAddr != "" {
		target, err := stat7.ParseAddress(req.TargetAddr)
		if err != nil {
			return "", nil, apierrors.Newf(apierrors.CodeInvalidInput, "invalid target_address: %v", err)
		}
		ev.TargetAddr = &target
	}

	if err := g.rt.Enqueue(ev); err != nil {
		return "", nil, apierrors.AsWireError(err)
	}
	return TypeEventQueued, map[string]any{"event_id": ev.EventID}, nil
}

func (g *Gateway) handleSubscribe(s *Session, raw []byte) (string, any, *apierrors.WireError) {
	var req subscribeRequest
	if werr := g.decode(raw, &req); werr != nil {
		return "", nil, werr
	}
	for _, et := range req.EventTypes {
		if et == SubscribeAll {
			s.subscribeAll()
		} else {
			s.subscribe(et)
		}
	}
	return TypeSubscribed, map[string]any{"event_types": req.EventTypes}, nil
}

func (g *Gateway) handleUnsubscribe(s *Session, raw []byte) (string, any, *apierrors.WireError) {
	var req subscribeRequest
	if werr := g.decode(raw, &req); werr != nil {
		return "", nil, werr
	}
	for _, et := range req.EventTypes {
		if et == SubscribeAll {
			s.unsubscribeAll()
		} else {
			s.unsubscribe(et)
		}
	}
	return TypeUnsubscribed, map[string]any{"event_types": req.EventTypes}, nil
}

func (g *Gateway) handlePlayerCreate(raw []byte) (string, any, *apierrors.WireError) {
	var req playerCreateRequest
	if werr := g.decode(raw, &req); werr != nil {
		return "", nil, werr
	}
	p, err := g.players.CreatePlayer(req.Name, req.Race, req.StartingRealm, req.Class)
	if err != nil {
		return "", nil, apierrors.AsWireError(err)
	}
	return TypePlayerCreated, map[string]any{"player": p}, nil
}

func (g *Gateway) handlePlayerTransition(raw []byte) (string, any, *apierrors.WireError) {
	var req playerTransitionRequest
	if werr := g.decode(raw, &req); werr != nil {
		return "", nil, werr
	}
	id, err := uuid.Parse(req.PlayerID)
	if err != nil {
		return "", nil, apierrors.Newf(apierrors.CodeInvalidInput, "invalid player_id: %v", err)
	}
	if err := g.players.Transition(id, req.SrcRealm, req.DstRealm, req.NarrativeCtx); err != nil {
		return "", nil, apierrors.AsWireError(err)
	}
	return TypePlayerTransitioned, map[string]any{"player_id": id, "active_realm": req.DstRealm}, nil
}

func (g *Gateway) handlePlayerContext(raw []byte) (string, any, *apierrors.WireError) {
	var req playerContextRequest
	if werr := g.decode(raw, &req); werr != nil {
		return "", nil, werr
	}
	id, err := uuid.Parse(req.PlayerID)
	if err != nil {
		return "", nil, apierrors.Newf(apierrors.CodeInvalidInput, "invalid player_id: %v", err)
	}
	ctx, err := g.players.GetContext(id)
	if err != nil {
		return "", nil, apierrors.AsWireError(err)
	}
	return TypePlayerContext, ctx, nil
}

func (g *Gateway) handleAdminStats(s *Session) (string, any, *apierrors.WireError) {
	if s.Role != RoleAdmin {
		return "", nil, apierrors.New(apierrors.CodeUnauthorized, "admin role required")
	}
	var tickID uint64
	var running bool
	if g.ticks != nil {
		tickID = g.ticks.CurrentTickID()
		running = g.ticks.Running()
	}
	return TypeStats, map[string]any{
		"control_tick_id":   tickID,
		"scheduler_running": running,
		"instances":         g.reg.Len(),
		"sessions":          g.SessionCount(),
		"router": map[string]any{
			"pending": g.rt.Size(),
			"dropped": g.rt.Dropped(),
		},
		"replay_retained": g.replay.Len(),
		"players":         g.players.Stats(),
	}, nil
}

func (g *Gateway) handleListSessions(s *Session) (string, any, *apierrors.WireError) {
	if s.Role != RoleAdmin {
		return "", nil, apierrors.New(apierrors.CodeUnauthorized, "admin role required")
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	infos := make([]SessionInfo, 0, len(g.sessions))
	for _, sess := range g.sessions {
		infos = append(infos, sess.info())
	}
	return TypeSessionList, map[string]any{"sessions": infos, "count": len(infos)}, nil
}

// DeliverEvents implements the scheduler sink: each delivery is recorded for
// replay and fanned out to sessions whose filter matches its event type. Slow
// consumers are disconnected by enqueue, never waited on.
func (g *Gateway) DeliverEvents(deliveries []models.Delivery) {
	g.mu.RLock()
	sessions := make([]*Session, 0, len(g.sessions))
	for _, s := range g.sessions {
		sessions = append(sessions, s)
	}
	g.mu.RUnlock()

	for _, d := range deliveries {
		frame := newFrame(TypeEventDelivered, "", d)
		g.replay.Record(frame)
		for _, s := range sessions {
			if s.subscribedTo(d.EventType) {
				s.enqueue(frame)
			}
		}
	}
}

// TickCompleted broadcasts control-tick telemetry to every session.
func (g *Gateway) TickCompleted(metrics scheduler.TickMetrics) {
	g.broadcast(newFrame(TypeControlTickComplete, "", metrics))
}

// InstancePaused broadcasts that an instance tripped its failure threshold.
func (g *Gateway) InstancePaused(addr stat7.Address, reason string) {
	g.broadcast(newFrame(TypeInstancePaused, "", map[string]any{
		"address": addr,
		"reason":  reason,
	}))
}

func (g *Gateway) broadcast(frame OutboundFrame) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, s := range g.sessions {
		s.enqueue(frame)
	}
}
