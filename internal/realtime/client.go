package realtime

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	maxMessageSize = 64 << 10
	writeWait      = 10 * time.Second
	sendBuffer     = 256

	closeNormal    = websocket.CloseNormalClosure
	closeGoingAway = websocket.CloseGoingAway
)

var errConnectionClosed = errors.New("connection closed")

// State is the lifecycle stage of a connection.
type State int

const (
	StateOpen State = iota
	StateJoined
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateJoined:
		return "joined"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// Client represents a single WebSocket connection.
type Client struct {
	ID string

	hub    *Hub
	conn   *websocket.Conn
	send   chan WSMessage
	done   chan struct{}
	logger *zap.Logger

	closeOnce sync.Once

	mu           sync.Mutex
	state        State
	roomID       string
	userName     string
	role         string
	connectedAt  time.Time
	lastActivity time.Time
	lastProbe    time.Time
	lastPing     time.Time
	rtt          time.Duration
	healthy      bool
	closeCode    int
}

// NewClient wraps conn. A nil conn gives a detached client whose outbound
// events stay in its send buffer.
func NewClient(hub *Hub, conn *websocket.Conn, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		ID:        uuid.New().String(),
		hub:       hub,
		conn:      conn,
		send:      make(chan WSMessage, sendBuffer),
		done:      make(chan struct{}),
		logger:    logger,
		closeCode: closeNormal,
	}
}

// ClientInfo is a point-in-time copy of a connection's metadata.
type ClientInfo struct {
	ID           string
	State        State
	RoomID       string
	UserName     string
	Role         string
	ConnectedAt  time.Time
	LastActivity time.Time
	LastProbe    time.Time
	RTT          time.Duration
	Healthy      bool
}

// Info returns the connection metadata.
func (c *Client) Info() ClientInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ClientInfo{
		ID:           c.ID,
		State:        c.state,
		RoomID:       c.roomID,
		UserName:     c.userName,
		Role:         c.role,
		ConnectedAt:  c.connectedAt,
		LastActivity: c.lastActivity,
		LastProbe:    c.lastProbe,
		RTT:          c.rtt,
		Healthy:      c.healthy,
	}
}

// RoomID returns the joined room, or "".
func (c *Client) RoomID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomID
}

// State returns the lifecycle stage.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) participant() Participant {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Participant{UserID: c.ID, UserName: c.userName, Role: c.role}
}

func (c *Client) setCloseCode(code int) {
	c.mu.Lock()
	c.closeCode = code
	c.mu.Unlock()
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = StateClosing
		c.mu.Unlock()
		close(c.done)
		if c.conn == nil {
			return
		}
		// Unblock a reader stuck in ReadMessage; the writer sends the close frame.
		_ = c.conn.SetReadDeadline(time.Now().Add(writeWait))
	})
}

func (c *Client) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Upgrader builds the WebSocket upgrader. With strictOrigin set, only
// requests whose Origin equals allowedOrigin are upgraded.
func Upgrader(strictOrigin bool, allowedOrigin string) *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if !strictOrigin {
				return true
			}
			return r.Header.Get("Origin") == allowedOrigin
		},
	}
}

// ServeWs handles the WebSocket upgrade and runs the client loop.
func ServeWs(hub *Hub, router *Router, upgrader *websocket.Upgrader, logger *zap.Logger) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		conn, err := upgrader.Upgrade(ctx.Writer, ctx.Request, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", zap.Error(err), zap.String("origin", ctx.GetHeader("Origin")))
			return
		}

		client := NewClient(hub, conn, logger)
		hub.wg.Add(2)
		hub.Register(client)
		go client.writePump()
		client.readPump(router)
	}
}

func (c *Client) readPump(router *Router) {
	defer func() {
		c.hub.Remove(c.ID)
		_ = c.conn.Close()
		c.hub.wg.Done()
	}()

	pongWait := 2 * c.hub.ProbeInterval()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.mu.Lock()
		rtt := time.Since(c.lastPing)
		c.mu.Unlock()
		c.hub.RecordProbe(c.ID, rtt)
		if c.isClosed() {
			return nil
		}
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !c.isClosed() {
				c.logger.Debug("websocket read error", zap.String("conn_id", c.ID), zap.Error(err))
			}
			return
		}
		if c.isClosed() {
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.hub.Touch(c.ID)

		var msg WSMessage
		if err := json.Unmarshal(data, &msg); err != nil || msg.Event == "" {
			router.reject(c, newEventError(CodeInvalidInput, "malformed message"))
			continue
		}
		router.Handle(c, msg)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.hub.ProbeInterval())
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
		c.hub.wg.Done()
	}()

	for {
		select {
		case msg := <-c.send:
			if err := c.write(msg); err != nil {
				return
			}
		case <-c.done:
			c.flush()
			c.mu.Lock()
			code := c.closeCode
			c.mu.Unlock()
			_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, ""), time.Now().Add(writeWait))
			return
		case <-ticker.C:
			c.mu.Lock()
			c.lastPing = time.Now()
			c.mu.Unlock()
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func (c *Client) write(msg WSMessage) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(msg)
}

// flush writes what is already queued so a leaving client still sees its
// last events.
func (c *Client) flush() {
	for {
		select {
		case msg := <-c.send:
			if c.write(msg) != nil {
				return
			}
		default:
			return
		}
	}
}
