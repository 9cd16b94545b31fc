package realtime

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aura-webinar/signaling/internal/metrics"
)

// DefaultProbeInterval is the liveness probe cadence when none is configured.
const DefaultProbeInterval = 30 * time.Second

// Observer receives connection lifecycle events. Calls happen outside hub locks.
type Observer interface {
	ConnectionAdded(c *Client)
	// ConnectionRemoved reports the room the connection was in, or "".
	ConnectionRemoved(c *Client, roomID string)
}

// RoomObserver is implemented by observers that also want room lifecycle events.
type RoomObserver interface {
	RoomLifecycle(event, roomID string)
}

// Hub is the connection pool: every live connection plus the reverse index
// room -> members. Reads dominate, so the index sits behind an RWMutex.
type Hub struct {
	mu        sync.RWMutex
	clients   map[string]*Client
	rooms     map[string]map[string]*Client
	observers []Observer

	probeInterval time.Duration
	logger        *zap.Logger
	metrics       *metrics.Metrics
	now           func() time.Time
	wg            sync.WaitGroup
}

// NewHub creates a connection pool.
func NewHub(probeInterval time.Duration, m *metrics.Metrics, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.New()
	}
	if probeInterval <= 0 {
		probeInterval = DefaultProbeInterval
	}
	return &Hub{
		clients:       make(map[string]*Client),
		rooms:         make(map[string]map[string]*Client),
		probeInterval: probeInterval,
		logger:        logger,
		metrics:       m,
		now:           time.Now,
	}
}

// WithClock replaces the time source; intended for tests.
func (h *Hub) WithClock(now func() time.Time) *Hub {
	h.now = now
	return h
}

// ProbeInterval returns the liveness probe cadence.
func (h *Hub) ProbeInterval() time.Duration {
	return h.probeInterval
}

// AddObserver subscribes o to connection lifecycle events.
func (h *Hub) AddObserver(o Observer) {
	h.mu.Lock()
	h.observers = append(h.observers, o)
	h.mu.Unlock()
}

func (h *Hub) snapshotObservers() []Observer {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]Observer(nil), h.observers...)
}

// NotifyRoom forwards a room lifecycle event to observers that want it.
func (h *Hub) NotifyRoom(event, roomID string) {
	for _, o := range h.snapshotObservers() {
		if ro, ok := o.(RoomObserver); ok {
			ro.RoomLifecycle(event, roomID)
		}
	}
}

// Register adds a freshly upgraded connection to the pool.
func (h *Hub) Register(c *Client) {
	now := h.now()
	c.mu.Lock()
	c.connectedAt = now
	c.lastActivity = now
	c.lastProbe = now
	c.healthy = true
	c.mu.Unlock()

	h.mu.Lock()
	h.clients[c.ID] = c
	observers := append([]Observer(nil), h.observers...)
	h.mu.Unlock()

	h.metrics.ConnectionOpened()
	h.logger.Debug("connection added", zap.String("conn_id", c.ID))
	for _, o := range observers {
		o.ConnectionAdded(c)
	}
}

// Get returns a live connection by id.
func (h *Hub) Get(id string) (*Client, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.clients[id]
	return c, ok
}

// Join puts c into roomID if the room has fewer than max members. A
// connection is in at most one room; callers leave the previous room first.
func (h *Hub) Join(c *Client, roomID, userName, role string, max int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c.ID]; !ok {
		return errConnectionClosed
	}
	members := h.rooms[roomID]
	if max > 0 && len(members) >= max {
		return &RoomFullError{Current: len(members), Max: max}
	}
	if members == nil {
		members = make(map[string]*Client)
		h.rooms[roomID] = members
	}
	members[c.ID] = c

	c.mu.Lock()
	c.roomID = roomID
	c.userName = userName
	c.role = role
	c.state = StateJoined
	c.mu.Unlock()
	h.logger.Debug("connection joined room", zap.String("conn_id", c.ID), zap.String("room_id", roomID))
	return nil
}

// Leave takes c out of its room and returns that room, or "" if it had none.
func (h *Hub) Leave(c *Client) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.leaveLocked(c)
}

func (h *Hub) leaveLocked(c *Client) string {
	c.mu.Lock()
	roomID := c.roomID
	c.roomID = ""
	if c.state == StateJoined {
		c.state = StateOpen
	}
	c.mu.Unlock()
	if roomID == "" {
		return ""
	}
	if m, ok := h.rooms[roomID]; ok {
		delete(m, c.ID)
		if len(m) == 0 {
			delete(h.rooms, roomID)
		}
	}
	return roomID
}

// Remove closes a connection and drops every trace of it. Transport close,
// the health pass, user-leaving and shutdown all end here. Idempotent.
func (h *Hub) Remove(id string) {
	h.mu.Lock()
	c, ok := h.clients[id]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, id)
	roomID := h.leaveLocked(c)
	observers := append([]Observer(nil), h.observers...)
	h.mu.Unlock()

	c.close()
	h.metrics.ConnectionClosed()
	h.logger.Debug("connection removed", zap.String("conn_id", id), zap.String("room_id", roomID))
	for _, o := range observers {
		o.ConnectionRemoved(c, roomID)
	}
}

// Touch refreshes the activity timestamp of a connection.
func (h *Hub) Touch(id string) {
	if c, ok := h.Get(id); ok {
		c.mu.Lock()
		c.lastActivity = h.now()
		c.mu.Unlock()
	}
}

// RecordProbe stores a liveness response and its round trip time.
func (h *Hub) RecordProbe(id string, rtt time.Duration) {
	if c, ok := h.Get(id); ok {
		c.mu.Lock()
		c.lastProbe = h.now()
		c.rtt = rtt
		c.healthy = true
		c.mu.Unlock()
	}
}

// ForRoom returns the current members of roomID.
func (h *Hub) ForRoom(roomID string) []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	members := h.rooms[roomID]
	out := make([]*Client, 0, len(members))
	for _, c := range members {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Occupied reports whether roomID has members.
func (h *Hub) Occupied(roomID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[roomID]) > 0
}

// RoomSizes returns member counts per room.
func (h *Hub) RoomSizes() map[string]int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]int, len(h.rooms))
	for id, m := range h.rooms {
		out[id] = len(m)
	}
	return out
}

// Count returns the number of live connections.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// SendTo delivers one event to one connection. Never blocks.
func (h *Hub) SendTo(c *Client, event string, payload interface{}) {
	msg, err := newMessage(event, payload)
	if err != nil {
		h.logger.Error("encode event", zap.String("event", event), zap.Error(err))
		return
	}
	h.deliver(c, msg)
}

// BroadcastToRoom delivers one event to every member of roomID except the
// connection with id except (pass "" to include everyone). Never blocks.
func (h *Hub) BroadcastToRoom(roomID, except, event string, payload interface{}) {
	msg, err := newMessage(event, payload)
	if err != nil {
		h.logger.Error("encode event", zap.String("event", event), zap.Error(err))
		return
	}
	for _, c := range h.ForRoom(roomID) {
		if c.ID == except {
			continue
		}
		h.deliver(c, msg)
	}
}

func (h *Hub) deliver(c *Client, msg WSMessage) {
	if c.isClosed() {
		return
	}
	select {
	case c.send <- msg:
	default:
		// buffer full: drop for this connection only
		h.metrics.MessageDropped()
		h.logger.Debug("send buffer full, event dropped", zap.String("conn_id", c.ID), zap.String("event", msg.Event))
	}
}

// HealthPass closes every connection whose last probe response is older than
// twice the probe interval. Returns the removed ids.
func (h *Hub) HealthPass() []string {
	now := h.now()
	limit := 2 * h.probeInterval

	h.mu.RLock()
	var stale []string
	for id, c := range h.clients {
		c.mu.Lock()
		if now.Sub(c.lastProbe) > limit {
			c.healthy = false
			stale = append(stale, id)
		}
		c.mu.Unlock()
	}
	h.mu.RUnlock()

	for _, id := range stale {
		h.logger.Info("connection failed liveness check", zap.String("conn_id", id))
		h.Remove(id)
	}
	return stale
}

// RunHealthChecks runs HealthPass every probe interval until ctx is done.
func (h *Hub) RunHealthChecks(ctx context.Context) {
	ticker := time.NewTicker(h.probeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.HealthPass()
		}
	}
}

// Shutdown closes every connection and waits for their goroutines to exit
// or ctx to end.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.RLock()
	ids := make([]string, 0, len(h.clients))
	for id := range h.clients {
		ids = append(ids, id)
	}
	h.mu.RUnlock()

	for _, id := range ids {
		if c, ok := h.Get(id); ok {
			c.setCloseCode(closeGoingAway)
		}
		h.Remove(id)
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
