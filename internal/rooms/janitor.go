package rooms

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Run evicts idle rooms every interval and prunes expired reactions at a
// fraction of the reaction TTL, until ctx is done.
func (m *Manager) Run(ctx context.Context, interval time.Duration, occupied func(roomID string) bool) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	evictTicker := time.NewTicker(interval)
	defer evictTicker.Stop()
	reactionTicker := time.NewTicker(reactionSweepInterval(m.cfg.ReactionTTL))
	defer reactionTicker.Stop()

	m.logger.Info("room janitor started", zap.Duration("interval", interval), zap.Duration("inactive_ttl", m.cfg.InactiveTTL))
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("room janitor stopped")
			return
		case <-evictTicker.C:
			if evicted := m.EvictIdle(occupied); len(evicted) > 0 {
				m.logger.Info("idle rooms evicted", zap.Int("count", len(evicted)), zap.Int("remaining", m.Count()))
			}
		case <-reactionTicker.C:
			m.PruneReactions()
		}
	}
}

func reactionSweepInterval(ttl time.Duration) time.Duration {
	d := ttl / 4
	if d < 250*time.Millisecond {
		d = 250 * time.Millisecond
	}
	return d
}
