package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"nexusvoice/internal/core/domain"
	"nexusvoice/internal/core/ports"
	"nexusvoice/internal/core/services"
	"nexusvoice/pkg/config"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Should be configured properly for production
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// sendQueueSize bounds per-connection outbound buffering. A full queue
// drops the frame; the relay is at-most-once by design.
const sendQueueSize = 64

type client struct {
	connID   domain.ConnID
	userID   domain.UserID
	username string
	avatar   string

	conn    *websocket.Conn
	send    chan []byte
	limiter *rate.Limiter

	closeOnce sync.Once
}

func (c *client) trySend(frame []byte) bool {
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() { close(c.send) })
}

// WebSocketServer is the transport for the voice coordinator: it owns the
// connection set and room topic subscriptions, forwards opaque signaling
// payloads, and hands join/leave choreography to the VoiceService. It also
// implements ports.Messenger.
type WebSocketServer struct {
	voice   ports.VoiceService
	auth    services.AuthService
	metrics ports.VoiceMetrics

	mu      sync.RWMutex
	conns   map[domain.ConnID]*client
	rooms   map[domain.RoomID]map[domain.ConnID]*client

	pingInterval time.Duration
	pongTimeout  time.Duration
	writeTimeout time.Duration

	msgRate        rate.Limit
	msgBurst       int
	maxMessageSize int64

	logger *zap.SugaredLogger
}

func NewWebSocketServer(auth services.AuthService, metrics ports.VoiceMetrics, cfg *config.Config, logger *zap.SugaredLogger) *WebSocketServer {
	s := &WebSocketServer{
		auth:         auth,
		metrics:      metrics,
		conns:        make(map[domain.ConnID]*client),
		rooms:        make(map[domain.RoomID]map[domain.ConnID]*client),
		pingInterval: cfg.Signal.PingInterval,
		pongTimeout:  cfg.Signal.PongTimeout,
		writeTimeout: cfg.Signal.WriteTimeout,
		logger:       logger,
	}
	if cfg.RateLimiting.Enabled {
		s.msgRate = rate.Limit(cfg.RateLimiting.WebSocket.MessagesPerSecond)
		s.msgBurst = cfg.RateLimiting.WebSocket.Burst
		s.maxMessageSize = cfg.RateLimiting.WebSocket.MaxMessageSizeBytes
	}
	return s
}

// SetVoiceService wires the coordinator. Done post-construction because the
// coordinator needs this server as its Messenger.
func (s *WebSocketServer) SetVoiceService(voice ports.VoiceService) {
	s.voice = voice
}

func (s *WebSocketServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	// Identity is validated before admission; no voice event is processed
	// for an unauthenticated connection.
	token := r.URL.Query().Get("token")
	if token == "" {
		token = bearerToken(r)
	}
	claims, err := s.auth.ValidateToken(token)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	c := &client{
		connID:   domain.ConnID(uuid.NewString()),
		userID:   claims.UserID,
		username: claims.Username,
		avatar:   claims.Avatar,
		conn:     conn,
		send:     make(chan []byte, sendQueueSize),
	}
	if s.msgRate > 0 {
		c.limiter = rate.NewLimiter(s.msgRate, s.msgBurst)
	}
	if s.maxMessageSize > 0 {
		conn.SetReadLimit(s.maxMessageSize)
	}

	s.mu.Lock()
	s.conns[c.connID] = c
	s.mu.Unlock()

	s.logger.Infow("connection admitted", "conn_id", c.connID, "user_id", c.userID)

	go s.writePump(c)

	// Sidebar bootstrap: the fresh connection sees who is already in voice
	// without subscribing to any room.
	s.pushSnapshot(c)

	conn.SetReadDeadline(time.Now().Add(s.pongTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.pongTimeout))
		return nil
	})

	pingTicker := time.NewTicker(s.pingInterval)
	defer pingTicker.Stop()

	messageChan := make(chan Message, 10)
	errorChan := make(chan error, 1)

	go func() {
		for {
			var msg Message
			if err := conn.ReadJSON(&msg); err != nil {
				errorChan <- err
				return
			}
			conn.SetReadDeadline(time.Now().Add(s.pongTimeout))
			messageChan <- msg
		}
	}()

	for {
		select {
		case msg := <-messageChan:
			if c.limiter != nil && !c.limiter.Allow() {
				s.sendError(c, "RATE_LIMIT_EXCEEDED", "too many messages")
				continue
			}
			if err := s.handleMessage(r.Context(), c, msg); err != nil {
				s.logger.Infow("error handling message", "conn_id", c.connID, "type", msg.Type, "error", err)
				s.sendError(c, "INVALID_INPUT", err.Error())
			}

		case <-pingTicker.C:
			conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.logger.Infow("error sending ping", "conn_id", c.connID, "error", err)
				goto cleanup
			}

		case err := <-errorChan:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Infow("error reading message", "conn_id", c.connID, "error", err)
			}
			goto cleanup
		}
	}

cleanup:
	s.mu.Lock()
	delete(s.conns, c.connID)
	for _, subs := range s.rooms {
		delete(subs, c.connID)
	}
	s.mu.Unlock()
	c.close()

	if err := s.voice.Disconnect(context.Background(), c.connID); err != nil {
		s.logger.Infow("error on disconnect cleanup", "conn_id", c.connID, "error", err)
	}

	s.logger.Infow("connection closed", "conn_id", c.connID, "user_id", c.userID)
}

// writePump is the only goroutine writing data frames to the socket.
func (s *WebSocketServer) writePump(c *client) {
	for frame := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			return
		}
	}
}

func (s *WebSocketServer) handleMessage(ctx context.Context, c *client, msg Message) error {
	if msg.Type == "" {
		return fmt.Errorf("message type is required")
	}

	switch msg.Type {
	case TypeJoin:
		return s.handleJoin(ctx, c, msg)
	case TypeLeave:
		return s.handleLeave(ctx, c, msg)
	case TypeOffer, TypeAnswer, TypeICE:
		s.relayUnicast(c, msg)
		return nil
	case TypeSpeaking, TypeStats:
		s.relayMulticast(c, msg)
		return nil
	case TypePing:
		if msg.RoomID == "" {
			return fmt.Errorf("room_id is required")
		}
		return s.voice.RefreshPresence(ctx, msg.RoomID)
	case TypeSnapshot:
		s.pushSnapshot(c)
		return nil
	default:
		return fmt.Errorf("unknown message type: %s", msg.Type)
	}
}

func (s *WebSocketServer) handleJoin(ctx context.Context, c *client, msg Message) error {
	roomID := msg.RoomID
	if roomID == "" && msg.Payload != nil {
		var p joinPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return fmt.Errorf("invalid join payload: %w", err)
		}
		roomID = p.RoomID
	}
	if roomID == "" {
		return fmt.Errorf("room_id is required")
	}

	member := domain.Member{
		ConnID:   c.connID,
		UserID:   c.userID,
		Username: c.username,
		Avatar:   c.avatar,
	}

	result, err := s.voice.Join(ctx, roomID, member)
	if err != nil {
		if err == domain.ErrRoomFull {
			s.sendError(c, "ROOM_FULL", fmt.Sprintf("room %s has no free seat", roomID))
			return nil
		}
		return err
	}

	s.Unicast(c.connID, services.EventInit, result)
	return nil
}

func (s *WebSocketServer) handleLeave(ctx context.Context, c *client, msg Message) error {
	if msg.RoomID == "" {
		return fmt.Errorf("room_id is required")
	}
	return s.voice.Leave(ctx, msg.RoomID, c.connID)
}

// relayUnicast forwards an opaque negotiation payload to one target. A
// missing target means the peer raced away; the frame is dropped without
// an error, engines recover via their own timeouts.
func (s *WebSocketServer) relayUnicast(c *client, msg Message) {
	if msg.To == "" {
		return
	}

	out, err := json.Marshal(Message{
		Type:    msg.Type,
		RoomID:  msg.RoomID,
		From:    c.connID,
		Payload: msg.Payload,
	})
	if err != nil {
		return
	}

	s.mu.RLock()
	target, ok := s.conns[msg.To]
	s.mu.RUnlock()
	if !ok {
		if s.metrics != nil {
			s.metrics.RelayDropped()
		}
		return
	}

	if target.trySend(out) {
		if s.metrics != nil {
			s.metrics.MessageRelayed(msg.Type)
		}
	} else if s.metrics != nil {
		s.metrics.RelayDropped()
	}

	s.logger.Debugw("relayed message",
		"type", msg.Type, "from", c.connID, "to", msg.To, "bytes", len(msg.Payload))
}

func (s *WebSocketServer) relayMulticast(c *client, msg Message) {
	if msg.RoomID == "" {
		return
	}
	out, err := json.Marshal(Message{
		Type:    msg.Type,
		RoomID:  msg.RoomID,
		From:    c.connID,
		Payload: msg.Payload,
	})
	if err != nil {
		return
	}
	s.fanout(msg.RoomID, c.connID, out)
	if s.metrics != nil {
		s.metrics.MessageRelayed(msg.Type)
	}
}

func (s *WebSocketServer) pushSnapshot(c *client) {
	snapshots, err := s.voice.Snapshot(context.Background())
	if err != nil {
		s.logger.Warnw("failed to build snapshot", "conn_id", c.connID, "error", err)
		return
	}
	s.Unicast(c.connID, TypeSnapshot, snapshots)
}

func (s *WebSocketServer) sendError(c *client, code, message string) {
	payload, err := json.Marshal(errorPayload{Code: code, Message: message})
	if err != nil {
		return
	}
	out, err := json.Marshal(Message{Type: TypeError, Payload: payload})
	if err != nil {
		return
	}
	c.trySend(out)
}

func (s *WebSocketServer) fanout(roomID domain.RoomID, exclude domain.ConnID, frame []byte) {
	s.mu.RLock()
	subs := s.rooms[roomID]
	targets := make([]*client, 0, len(subs))
	for connID, cl := range subs {
		if connID == exclude {
			continue
		}
		targets = append(targets, cl)
	}
	s.mu.RUnlock()

	if s.metrics != nil {
		s.metrics.MulticastFanout(len(targets))
	}
	for _, cl := range targets {
		cl.trySend(frame)
	}
}

// ── ports.Messenger ──────────────────────────────────────────────

func (s *WebSocketServer) Subscribe(connID domain.ConnID, roomID domain.RoomID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cl, ok := s.conns[connID]
	if !ok {
		return
	}
	subs, ok := s.rooms[roomID]
	if !ok {
		subs = make(map[domain.ConnID]*client)
		s.rooms[roomID] = subs
	}
	subs[connID] = cl
}

func (s *WebSocketServer) Unsubscribe(connID domain.ConnID, roomID domain.RoomID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if subs, ok := s.rooms[roomID]; ok {
		delete(subs, connID)
		if len(subs) == 0 {
			delete(s.rooms, roomID)
		}
	}
}

func (s *WebSocketServer) Unicast(connID domain.ConnID, event string, payload interface{}) {
	body, err := json.Marshal(payload)
	if err != nil {
		return
	}
	out, err := json.Marshal(Message{Type: event, Payload: body})
	if err != nil {
		return
	}

	s.mu.RLock()
	cl, ok := s.conns[connID]
	s.mu.RUnlock()
	if !ok {
		return
	}
	cl.trySend(out)
}

func (s *WebSocketServer) Multicast(roomID domain.RoomID, exclude domain.ConnID, event string, payload interface{}) {
	body, err := json.Marshal(payload)
	if err != nil {
		return
	}
	out, err := json.Marshal(Message{Type: event, RoomID: roomID, Payload: body})
	if err != nil {
		return
	}
	s.fanout(roomID, exclude, out)
}

func (s *WebSocketServer) Presence(event string, payload interface{}) {
	body, err := json.Marshal(payload)
	if err != nil {
		return
	}
	out, err := json.Marshal(Message{Type: event, Payload: body})
	if err != nil {
		return
	}

	// Every admitted connection is a sidebar subscriber; room membership is
	// not required to observe presence.
	s.mu.RLock()
	targets := make([]*client, 0, len(s.conns))
	for _, cl := range s.conns {
		targets = append(targets, cl)
	}
	s.mu.RUnlock()

	for _, cl := range targets {
		cl.trySend(out)
	}
}

// ── HTTP helpers ─────────────────────────────────────────────────

func (s *WebSocketServer) HealthCheck(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	connectionCount := len(s.conns)
	s.mu.RUnlock()

	response := map[string]interface{}{
		"status":      "healthy",
		"timestamp":   time.Now().Unix(),
		"connections": connectionCount,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

func (s *WebSocketServer) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return ""
}
