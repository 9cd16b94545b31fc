package realtime

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// EventsChannel is the Redis channel lifecycle events are published on.
	EventsChannel = "signaling:events"
	publishWait   = 5 * time.Second
	publishQueue  = 1024
)

// Lifecycle event names published to Redis.
const (
	LifecycleConnectionAdded   = "connection-added"
	LifecycleConnectionRemoved = "connection-removed"
)

// LifecycleEvent is the message published to Redis.
type LifecycleEvent struct {
	Event        string `json:"event"`
	ConnectionID string `json:"connectionId,omitempty"`
	RoomID       string `json:"roomId,omitempty"`
	At           int64  `json:"at"`
}

// RedisPublisher mirrors connection and room lifecycle events onto a Redis
// channel for external consumers. Events are queued and published by Run;
// when the queue is full they are dropped.
type RedisPublisher struct {
	client  *redis.Client
	channel string
	logger  *zap.Logger
	queue   chan LifecycleEvent
	now     func() time.Time
	dropped atomic.Int64
}

// NewRedisPublisher creates a publisher for client.
func NewRedisPublisher(client *redis.Client, logger *zap.Logger) *RedisPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisPublisher{
		client:  client,
		channel: EventsChannel,
		logger:  logger,
		queue:   make(chan LifecycleEvent, publishQueue),
		now:     time.Now,
	}
}

// ConnectionAdded implements Observer.
func (p *RedisPublisher) ConnectionAdded(c *Client) {
	p.enqueue(LifecycleEvent{Event: LifecycleConnectionAdded, ConnectionID: c.ID})
}

// ConnectionRemoved implements Observer.
func (p *RedisPublisher) ConnectionRemoved(c *Client, roomID string) {
	p.enqueue(LifecycleEvent{Event: LifecycleConnectionRemoved, ConnectionID: c.ID, RoomID: roomID})
}

// RoomLifecycle implements RoomObserver.
func (p *RedisPublisher) RoomLifecycle(event, roomID string) {
	p.enqueue(LifecycleEvent{Event: event, RoomID: roomID})
}

func (p *RedisPublisher) enqueue(ev LifecycleEvent) {
	ev.At = p.now().Unix()
	select {
	case p.queue <- ev:
	default:
		p.dropped.Add(1)
	}
}

// Run publishes queued events until ctx is done.
func (p *RedisPublisher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-p.queue:
			if err := p.publish(ctx, ev); err != nil {
				p.logger.Warn("publish lifecycle event", zap.String("event", ev.Event), zap.Error(err))
			}
			if n := p.dropped.Swap(0); n > 0 {
				p.logger.Warn("lifecycle events dropped on a full queue", zap.Int64("count", n))
			}
		}
	}
}

func (p *RedisPublisher) publish(ctx context.Context, ev LifecycleEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, publishWait)
	defer cancel()
	return p.client.Publish(ctx, p.channel, body).Err()
}
