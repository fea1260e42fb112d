package gateway

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/oasis-mmo/oasis-core/internal/telemetry"
)

// Role is a session's privilege level.
type Role string

const (
	RoleAnonymous     Role = "anonymous"
	RoleAuthenticated Role = "authenticated"
	RoleAdmin         Role = "admin"
)

// RoleResolver maps an upgrade request onto a role. Deployments plug in
// their own token scheme; a nil resolver leaves every session anonymous.
type RoleResolver interface {
	Resolve(r *http.Request) Role
}

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	maxFrameSize = 64 * 1024

	// Close code sent when a session's outbound queue overflows.
	closeSlowConsumer = 4008
)

// Session is one WebSocket connection. The reader goroutine owns all reads
// and action dispatch; the writer goroutine owns all writes. Everything else
// communicates through the bounded send channel.
type Session struct {
	ID          string
	Role        Role
	RemoteAddr  string
	ConnectedAt time.Time

	gw      *Gateway
	conn    *websocket.Conn
	send    chan []byte
	done    chan struct{}
	limiter *rate.Limiter
	logger  *slog.Logger

	mu        sync.Mutex
	subs      map[string]struct{}
	subAll    bool
	closeOnce sync.Once
}

// subscribedTo reports whether the session's filter matches eventType.
func (s *Session) subscribedTo(eventType string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subAll {
		return true
	}
	_, ok := s.subs[eventType]
	return ok
}

func (s *Session) subscribe(eventType string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs[eventType] = struct{}{}
}

func (s *Session) subscribeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subAll = true
}

func (s *Session) unsubscribe(eventType string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, eventType)
}

func (s *Session) unsubscribeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subAll = false
	s.subs = make(map[string]struct{})
}

// enqueue hands a frame to the writer without blocking. A full queue marks
// the session as a slow consumer and tears it down.
func (s *Session) enqueue(frame OutboundFrame) {
	payload, err := json.Marshal(frame)
	if err != nil {
		s.logger.Error("frame marshal failed", slog.String("error", err.Error()))
		return
	}
	select {
	case s.send <- payload:
	default:
		telemetry.SlowConsumerDisconnect()
		s.logger.Warn("slow consumer, disconnecting",
			slog.String("session_id", s.ID),
			slog.Int("queue", cap(s.send)),
		)
		s.close(closeSlowConsumer, "slow_consumer")
	}
}

// writeDirect writes a frame on the caller's goroutine, bypassing the send
// queue and its overflow policy. Only valid before writePump starts; the
// connect-time welcome and replay catch-up go through here so a large replay
// ring cannot trip the slow-consumer close.
func (s *Session) writeDirect(frame OutboundFrame) error {
	payload, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.TextMessage, payload)
}

// close sends a close frame once and drops the connection. The reader pump
// unblocks on the closed conn and runs session teardown.
func (s *Session) close(code int, reason string) {
	s.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(code, reason)
		_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		_ = s.conn.Close()
	})
}

// readPump consumes inbound frames until the connection drops, then runs
// disconnect cleanup.
func (s *Session) readPump() {
	defer s.gw.dropSession(s)

	s.conn.SetReadLimit(maxFrameSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("session read error",
					slog.String("session_id", s.ID),
					slog.String("error", err.Error()),
				)
			}
			return
		}
		s.gw.dispatch(s, raw)
	}
}

// writePump drains the send channel and keeps the connection alive with
// pings. Exits when the channel closes or a write fails.
func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case <-s.done:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case payload := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// SessionInfo is the serializable session view returned by list_sessions.
type SessionInfo struct {
	SessionID   string    `json:"session_id"`
	Role        Role      `json:"role"`
	RemoteAddr  string    `json:"remote_addr"`
	ConnectedAt time.Time `json:"connected_at"`
	Subscribed  int       `json:"subscribed"`
	SubAll      bool      `json:"subscribed_all"`
}

func (s *Session) info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionInfo{
		SessionID:   s.ID,
		Role:        s.Role,
		RemoteAddr:  s.RemoteAddr,
		ConnectedAt: s.ConnectedAt,
		Subscribed:  len(s.subs),
		SubAll:      s.subAll,
	}
}
