// Package rooms owns the ephemeral per-room state: chat history, polls,
// questions, reactions and raised hands.
package rooms

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Lifecycle events passed to a LifecycleHandler.
const (
	EventRoomCreated = "room-created"
	EventRoomEvicted = "room-evicted"
)

// LifecycleHandler is called outside any lock when a room is created or evicted.
type LifecycleHandler func(event, roomID string)

// Config holds room caps and retention.
type Config struct {
	HistoryCap  int
	InactiveTTL time.Duration
	ReactionTTL time.Duration
}

// Manager maps room ids to rooms. The map has its own lock; each room is
// serialized by its own mutex, so rooms never contend with each other.
type Manager struct {
	mu      sync.RWMutex
	rooms   map[string]*Room
	cfg     Config
	now     func() time.Time
	logger  *zap.Logger
	created atomic.Int64
	evicted atomic.Int64

	onLifecycle LifecycleHandler
}

// NewManager creates a room manager.
func NewManager(cfg Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.HistoryCap <= 0 {
		cfg.HistoryCap = 100
	}
	if cfg.InactiveTTL <= 0 {
		cfg.InactiveTTL = time.Hour
	}
	if cfg.ReactionTTL <= 0 {
		cfg.ReactionTTL = 10 * time.Second
	}
	return &Manager{
		rooms:  make(map[string]*Room),
		cfg:    cfg,
		now:    time.Now,
		logger: logger,
	}
}

// WithClock replaces the time source; intended for tests.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// SetLifecycleHandler sets the callback for room creation and eviction.
func (m *Manager) SetLifecycleHandler(fn LifecycleHandler) {
	m.mu.Lock()
	m.onLifecycle = fn
	m.mu.Unlock()
}

// Config returns the manager's settings.
func (m *Manager) Config() Config {
	return m.cfg
}

func (m *Manager) getOrCreate(roomID string) *Room {
	m.mu.RLock()
	r := m.rooms[roomID]
	m.mu.RUnlock()
	if r != nil {
		return r
	}

	m.mu.Lock()
	if r = m.rooms[roomID]; r != nil {
		m.mu.Unlock()
		return r
	}
	r = newRoom(roomID, m.cfg.HistoryCap, m.cfg.ReactionTTL, m.now)
	m.rooms[roomID] = r
	onLifecycle := m.onLifecycle
	m.mu.Unlock()

	m.created.Add(1)
	m.logger.Debug("room created", zap.String("room_id", roomID))
	if onLifecycle != nil {
		onLifecycle(EventRoomCreated, roomID)
	}
	return r
}

// Update runs fn with the room locked, creating the room lazily. Activity is
// marked before fn runs. Anything fn sends to room members is ordered with
// every other Update of the same room.
func (m *Manager) Update(roomID string, fn func(*Room) error) error {
	for {
		r := m.getOrCreate(roomID)
		if done, err := r.update(fn); done {
			return err
		}
		// Lost a race with EvictIdle; the next lookup creates a fresh room.
	}
}

func (r *Room) update(fn func(*Room) error) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.evicted {
		return false, nil
	}
	r.touch()
	return true, fn(r)
}

// View runs fn with an existing room locked, without marking activity.
func (m *Manager) View(roomID string, fn func(*Room) error) error {
	m.mu.RLock()
	r := m.rooms[roomID]
	m.mu.RUnlock()
	if r == nil {
		return ErrRoomNotFound
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.evicted {
		return ErrRoomNotFound
	}
	return fn(r)
}

// EvictIdle deletes rooms idle for longer than the inactive TTL. Rooms for
// which occupied reports true are kept. Returns the evicted ids.
func (m *Manager) EvictIdle(occupied func(roomID string) bool) []string {
	now := m.now()
	var evicted []string

	m.mu.Lock()
	for id, r := range m.rooms {
		if occupied != nil && occupied(id) {
			continue
		}
		r.mu.Lock()
		if now.Sub(r.LastActivity) > m.cfg.InactiveTTL {
			r.evicted = true
			delete(m.rooms, id)
			evicted = append(evicted, id)
		}
		r.mu.Unlock()
	}
	onLifecycle := m.onLifecycle
	m.mu.Unlock()

	m.evicted.Add(int64(len(evicted)))
	for _, id := range evicted {
		m.logger.Info("room evicted", zap.String("room_id", id))
		if onLifecycle != nil {
			onLifecycle(EventRoomEvicted, id)
		}
	}
	return evicted
}

// PruneReactions drops expired reactions from every room.
func (m *Manager) PruneReactions() int {
	m.mu.RLock()
	rooms := make([]*Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		rooms = append(rooms, r)
	}
	m.mu.RUnlock()

	now := m.now()
	pruned := 0
	for _, r := range rooms {
		r.mu.Lock()
		pruned += r.pruneReactions(now)
		r.mu.Unlock()
	}
	return pruned
}

// Count returns the number of live rooms.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rooms)
}

// Created returns the number of rooms created since start.
func (m *Manager) Created() int64 {
	return m.created.Load()
}

// Evicted returns the number of rooms evicted since start.
func (m *Manager) Evicted() int64 {
	return m.evicted.Load()
}
