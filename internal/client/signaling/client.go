package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"nexusvoice/internal/core/domain"
	"nexusvoice/internal/core/ports"
	"nexusvoice/internal/core/services"
	"nexusvoice/internal/infrastructure/signal"
	"nexusvoice/pkg/retry"
)

// Handler receives decoded server events. Callbacks run on the read loop
// goroutine; implementations hand work off if they block.
type Handler interface {
	// OnInit delivers the join result: assigned seat plus the roster that
	// was there first.
	OnInit(result ports.JoinResult)
	OnPeerJoined(roomID domain.RoomID, peer domain.Member)
	OnPeerLeft(roomID domain.RoomID, connID domain.ConnID)
	OnRoomUpdate(snapshot domain.RoomSnapshot)
	OnSnapshot(snapshots []domain.RoomSnapshot)

	// Relayed negotiation traffic; payload stays opaque to this layer.
	OnOffer(from domain.ConnID, payload json.RawMessage)
	OnAnswer(from domain.ConnID, payload json.RawMessage)
	OnICECandidate(from domain.ConnID, payload json.RawMessage)

	OnSpeaking(from domain.ConnID, speaking bool)
	OnStats(from domain.ConnID, rttMs *float64)
	OnError(code, message string)

	// OnReconnected fires after the transport has been re-established.
	// The previous connection identity is gone; the engine rejoins from
	// scratch.
	OnReconnected()
}

// Client is the websocket signaling client. It owns the transport and
// reconnects forever with backoff; higher layers only see OnReconnected.
type Client struct {
	serverURL string
	token     string
	handler   Handler
	logger    *zap.SugaredLogger

	retryCfg retry.Config

	mu   sync.Mutex
	conn *websocket.Conn

	closed    chan struct{}
	closeOnce sync.Once
}

func NewClient(serverURL, token string, handler Handler, logger *zap.SugaredLogger) *Client {
	return &Client{
		serverURL: serverURL,
		token:     token,
		handler:   handler,
		logger:    logger,
		retryCfg: retry.Config{
			MaxAttempts:  0, // reconnect until cancelled
			InitialDelay: 500 * time.Millisecond,
			MaxDelay:     15 * time.Second,
			Multiplier:   2.0,
			Jitter:       true,
		},
		closed: make(chan struct{}),
	}
}

// Connect dials the server and starts the read loop. The read loop keeps
// the client alive across transport drops until ctx is cancelled or Close
// is called.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.dial(ctx); err != nil {
		return err
	}
	go c.readLoop(ctx)
	return nil
}

func (c *Client) dial(ctx context.Context) error {
	u, err := url.Parse(c.serverURL)
	if err != nil {
		return fmt.Errorf("parse server url: %w", err)
	}
	q := u.Query()
	q.Set("token", c.token)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}

	conn.SetPingHandler(func(appData string) error {
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(5*time.Second))
	})

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	c.logger.Infow("signaling connected", "url", c.serverURL)
	return nil
}

func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.closed) })
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.mu.Unlock()
}

func (c *Client) readLoop(ctx context.Context) {
	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()

		var msg signal.Message
		err := conn.ReadJSON(&msg)
		if err == nil {
			c.dispatch(msg)
			continue
		}

		select {
		case <-c.closed:
			return
		case <-ctx.Done():
			return
		default:
		}

		c.logger.Warnw("signaling connection lost", "error", err)
		conn.Close()

		if rerr := retry.Retry(ctx, c.retryCfg, func() error {
			return c.dial(ctx)
		}); rerr != nil {
			c.logger.Errorw("signaling reconnect abandoned", "error", rerr)
			return
		}

		// New connection means a new server-side identity; everything the
		// old one owned (seat, sessions) is stale.
		c.handler.OnReconnected()
	}
}

func (c *Client) dispatch(msg signal.Message) {
	switch msg.Type {
	case services.EventInit:
		var result ports.JoinResult
		if err := json.Unmarshal(msg.Payload, &result); err != nil {
			c.logger.Warnw("bad init payload", "error", err)
			return
		}
		c.handler.OnInit(result)

	case services.EventPeerJoined:
		var p struct {
			RoomID domain.RoomID `json:"room_id"`
			Peer   domain.Member `json:"peer"`
		}
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			c.logger.Warnw("bad peer_joined payload", "error", err)
			return
		}
		c.handler.OnPeerJoined(p.RoomID, p.Peer)

	case services.EventPeerLeft:
		var p struct {
			RoomID domain.RoomID `json:"room_id"`
			ConnID domain.ConnID `json:"conn_id"`
		}
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			c.logger.Warnw("bad peer_left payload", "error", err)
			return
		}
		c.handler.OnPeerLeft(p.RoomID, p.ConnID)

	case services.EventRoomUpdate:
		var snapshot domain.RoomSnapshot
		if err := json.Unmarshal(msg.Payload, &snapshot); err != nil {
			c.logger.Warnw("bad room_update payload", "error", err)
			return
		}
		c.handler.OnRoomUpdate(snapshot)

	case signal.TypeSnapshot:
		var snapshots []domain.RoomSnapshot
		if err := json.Unmarshal(msg.Payload, &snapshots); err != nil {
			c.logger.Warnw("bad snapshot payload", "error", err)
			return
		}
		c.handler.OnSnapshot(snapshots)

	case signal.TypeOffer:
		c.handler.OnOffer(msg.From, msg.Payload)

	case signal.TypeAnswer:
		c.handler.OnAnswer(msg.From, msg.Payload)

	case signal.TypeICE:
		c.handler.OnICECandidate(msg.From, msg.Payload)

	case signal.TypeSpeaking:
		var p signal.SpeakingPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return
		}
		c.handler.OnSpeaking(msg.From, p.Speaking)

	case signal.TypeStats:
		var p signal.StatsPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return
		}
		c.handler.OnStats(msg.From, p.RTTMs)

	case signal.TypeError:
		var p struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return
		}
		c.handler.OnError(p.Code, p.Message)

	default:
		c.logger.Debugw("unhandled message type", "type", msg.Type)
	}
}

// ── outbound ─────────────────────────────────────────────────────

func (c *Client) send(msg signal.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("not connected")
	}
	return c.conn.WriteJSON(msg)
}

func (c *Client) Join(roomID domain.RoomID) error {
	return c.send(signal.Message{Type: signal.TypeJoin, RoomID: roomID})
}

func (c *Client) Leave(roomID domain.RoomID) error {
	return c.send(signal.Message{Type: signal.TypeLeave, RoomID: roomID})
}

func (c *Client) SendOffer(roomID domain.RoomID, to domain.ConnID, payload interface{}) error {
	return c.relay(signal.TypeOffer, roomID, to, payload)
}

func (c *Client) SendAnswer(roomID domain.RoomID, to domain.ConnID, payload interface{}) error {
	return c.relay(signal.TypeAnswer, roomID, to, payload)
}

func (c *Client) SendICECandidate(roomID domain.RoomID, to domain.ConnID, payload interface{}) error {
	return c.relay(signal.TypeICE, roomID, to, payload)
}

func (c *Client) relay(msgType string, roomID domain.RoomID, to domain.ConnID, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", msgType, err)
	}
	return c.send(signal.Message{Type: msgType, RoomID: roomID, To: to, Payload: body})
}

func (c *Client) SendSpeaking(roomID domain.RoomID, speaking bool) error {
	body, err := json.Marshal(signal.SpeakingPayload{RoomID: roomID, Speaking: speaking})
	if err != nil {
		return err
	}
	return c.send(signal.Message{Type: signal.TypeSpeaking, RoomID: roomID, Payload: body})
}

func (c *Client) SendStats(roomID domain.RoomID, rttMs *float64) error {
	body, err := json.Marshal(signal.StatsPayload{RoomID: roomID, RTTMs: rttMs})
	if err != nil {
		return err
	}
	return c.send(signal.Message{Type: signal.TypeStats, RoomID: roomID, Payload: body})
}

// Ping refreshes the room's presence entry; the server re-broadcasts the
// roster to sidebar subscribers.
func (c *Client) Ping(roomID domain.RoomID) error {
	return c.send(signal.Message{Type: signal.TypePing, RoomID: roomID})
}

func (c *Client) RequestSnapshot() error {
	return c.send(signal.Message{Type: signal.TypeSnapshot})
}
