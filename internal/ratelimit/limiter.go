// Package ratelimit implements per-(connection, action) sliding-window admission control.
package ratelimit

import (
	"sync"
	"time"
)

// Action names used as bucket keys.
const (
	ActionTokenRequest     = "token-request"
	ActionJoinRoom         = "join-room"
	ActionSendMessage      = "send-message"
	ActionSendReaction     = "send-reaction"
	ActionCreatePoll       = "create-poll"
	ActionVotePoll         = "vote-poll"
	ActionClosePoll        = "close-poll"
	ActionSubmitQuestion   = "submit-question"
	ActionVoteQuestion     = "vote-question"
	ActionAnswerQuestion   = "answer-question"
	ActionRelayCredentials = "relay-credentials"
	ActionSignal           = "signal"
	ActionHand             = "hand"
)

// Rule is the admission budget of one action: at most Limit events per Window.
type Rule struct {
	Limit  int
	Window time.Duration
}

// DefaultRules returns the built-in per-action budgets.
func DefaultRules() map[string]Rule {
	return map[string]Rule{
		ActionTokenRequest:     {Limit: 5, Window: time.Minute},
		ActionJoinRoom:         {Limit: 3, Window: time.Minute},
		ActionSendMessage:      {Limit: 20, Window: time.Minute},
		ActionSendReaction:     {Limit: 30, Window: time.Minute},
		ActionCreatePoll:       {Limit: 5, Window: 5 * time.Minute},
		ActionVotePoll:         {Limit: 20, Window: time.Minute},
		ActionClosePoll:        {Limit: 5, Window: 5 * time.Minute},
		ActionSubmitQuestion:   {Limit: 10, Window: 5 * time.Minute},
		ActionVoteQuestion:     {Limit: 30, Window: time.Minute},
		ActionAnswerQuestion:   {Limit: 10, Window: 5 * time.Minute},
		ActionRelayCredentials: {Limit: 10, Window: time.Minute},
		ActionSignal:           {Limit: 300, Window: time.Minute},
		ActionHand:             {Limit: 30, Window: time.Minute},
	}
}

type bucket struct {
	mu    sync.Mutex
	stamp []time.Time
	rule  Rule
}

// allow prunes expired timestamps, then admits if fewer than Limit remain.
func (b *bucket) allow(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pruneLocked(now)
	if len(b.stamp) >= b.rule.Limit {
		return false
	}
	b.stamp = append(b.stamp, now)
	return true
}

func (b *bucket) pruneLocked(now time.Time) {
	cutoff := now.Add(-b.rule.Window)
	i := 0
	for i < len(b.stamp) && !b.stamp[i].After(cutoff) {
		i++
	}
	if i > 0 {
		b.stamp = append(b.stamp[:0], b.stamp[i:]...)
	}
}

func (b *bucket) empty(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pruneLocked(now)
	return len(b.stamp) == 0
}

// Limiter tracks buckets per connection. Buckets of one connection are
// independent, so contention is bounded by a single connection's events.
type Limiter struct {
	mu       sync.RWMutex
	conns    map[string]map[string]*bucket
	rules    map[string]Rule
	fallback Rule
	now      func() time.Time
}

// New creates a limiter. Actions without a rule use fallback.
func New(rules map[string]Rule, fallback Rule) *Limiter {
	if rules == nil {
		rules = DefaultRules()
	}
	if fallback.Limit <= 0 {
		fallback.Limit = 10
	}
	if fallback.Window <= 0 {
		fallback.Window = time.Minute
	}
	return &Limiter{
		conns:    make(map[string]map[string]*bucket),
		rules:    rules,
		fallback: fallback,
		now:      time.Now,
	}
}

// WithClock replaces the time source; intended for tests.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

// Rule returns the budget applied to action.
func (l *Limiter) Rule(action string) Rule {
	if r, ok := l.rules[action]; ok {
		return r
	}
	return l.fallback
}

// Allow records an attempt of action by connID and reports whether it is admitted.
// A denied attempt is not recorded.
func (l *Limiter) Allow(connID, action string) bool {
	return l.bucket(connID, action).allow(l.now())
}

func (l *Limiter) bucket(connID, action string) *bucket {
	l.mu.RLock()
	b := l.conns[connID][action]
	l.mu.RUnlock()
	if b != nil {
		return b
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	actions := l.conns[connID]
	if actions == nil {
		actions = make(map[string]*bucket)
		l.conns[connID] = actions
	}
	if b = actions[action]; b == nil {
		b = &bucket{rule: l.Rule(action)}
		actions[action] = b
	}
	return b
}

// Forget drops every bucket of connID. Called on disconnect.
func (l *Limiter) Forget(connID string) {
	l.mu.Lock()
	delete(l.conns, connID)
	l.mu.Unlock()
}

// Cleanup removes buckets whose window holds no timestamps. Returns the number removed.
func (l *Limiter) Cleanup() int {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for connID, actions := range l.conns {
		for action, b := range actions {
			if b.empty(now) {
				delete(actions, action)
				removed++
			}
		}
		if len(actions) == 0 {
			delete(l.conns, connID)
		}
	}
	return removed
}

// Connections returns the number of connections holding at least one bucket.
func (l *Limiter) Connections() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.conns)
}
