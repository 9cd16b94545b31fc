package rooms

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestManager(cfg Config) (*Manager, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	return NewManager(cfg, nil).WithClock(clock.Now), clock
}

const testRoom = "room-abcdef"

var alice = Author{UserID: "conn-a", UserName: "Alice"}
var bob = Author{UserID: "conn-b", UserName: "Bob"}

func mustUpdate(t *testing.T, m *Manager, roomID string, fn func(r *Room)) {
	t.Helper()
	if err := m.Update(roomID, func(r *Room) error { fn(r); return nil }); err != nil {
		t.Fatalf("Update(%s): %v", roomID, err)
	}
}

func snapshot(m *Manager, roomID string) (s Snapshot, err error) {
	err = m.View(roomID, func(r *Room) error {
		s = r.Snapshot()
		return nil
	})
	return s, err
}

func TestHistoryCap(t *testing.T) {
	m, clock := newTestManager(Config{HistoryCap: 3})

	var ids []string
	for i := 0; i < 5; i++ {
		mustUpdate(t, m, testRoom, func(r *Room) {
			ids = append(ids, r.AppendMessage(alice, fmt.Sprintf("msg %d", i)).ID)
		})
		clock.Advance(time.Millisecond)
	}

	snap, err := snapshot(m, testRoom)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(snap.Messages) != 3 {
		t.Fatalf("history len = %d, want 3", len(snap.Messages))
	}
	if snap.Messages[0].Text != "msg 2" || snap.Messages[2].Text != "msg 4" {
		t.Fatalf("unexpected FIFO order: %+v", snap.Messages)
	}
	if !sort.StringsAreSorted(ids) {
		t.Fatalf("ids not monotonic: %v", ids)
	}
}

func TestMessageIDsMonotonicWithinMillisecond(t *testing.T) {
	m, _ := newTestManager(Config{HistoryCap: 100})
	seen := make(map[string]bool)
	prev := ""
	for i := 0; i < 50; i++ {
		var msg Message
		mustUpdate(t, m, testRoom, func(r *Room) { msg = r.AppendMessage(alice, "hi") })
		if seen[msg.ID] {
			t.Fatalf("duplicate id %s", msg.ID)
		}
		if msg.ID <= prev {
			t.Fatalf("id %s not greater than %s", msg.ID, prev)
		}
		seen[msg.ID] = true
		prev = msg.ID
	}
}

func TestQuestionVotesCountedOnce(t *testing.T) {
	m, _ := newTestManager(Config{})
	var q Question
	mustUpdate(t, m, testRoom, func(r *Room) { q = r.CreateQuestion(alice, "Why?") })

	vote := func(voter string) (Question, bool, error) {
		var (
			got     Question
			counted bool
		)
		err := m.Update(testRoom, func(r *Room) error {
			var err error
			got, counted, err = r.VoteQuestion(q.ID, voter)
			return err
		})
		return got, counted, err
	}

	q1, counted, err := vote(bob.UserID)
	if err != nil || !counted || q1.Votes != 1 {
		t.Fatalf("first vote: %+v counted=%v err=%v", q1, counted, err)
	}
	q2, counted, err := vote(bob.UserID)
	if err != nil || counted || q2.Votes != 1 {
		t.Fatalf("repeat vote: %+v counted=%v err=%v", q2, counted, err)
	}
	q3, _, _ := vote(alice.UserID)
	if q3.Votes != 2 || len(q3.Voters) != 2 {
		t.Fatalf("votes = %d voters = %v", q3.Votes, q3.Voters)
	}

	err = m.Update(testRoom, func(r *Room) error {
		_, _, err := r.VoteQuestion("missing", bob.UserID)
		return err
	})
	if !errors.Is(err, ErrQuestionNotFound) {
		t.Fatalf("err = %v, want ErrQuestionNotFound", err)
	}
}

func TestAnswerQuestionLastWriteWins(t *testing.T) {
	m, _ := newTestManager(Config{})
	var q Question
	mustUpdate(t, m, testRoom, func(r *Room) { q = r.CreateQuestion(alice, "Why?") })

	answer := func(text, by string) (got Question, err error) {
		err = m.Update(testRoom, func(r *Room) error {
			got, err = r.AnswerQuestion(q.ID, text, by)
			return err
		})
		return got, err
	}
	if _, err := answer("Because.", "Bob"); err != nil {
		t.Fatalf("AnswerQuestion: %v", err)
	}
	got, err := answer("Actually, no.", "Alice")
	if err != nil {
		t.Fatalf("AnswerQuestion: %v", err)
	}
	if !got.Answered || got.Answer != "Actually, no." || got.AnsweredBy != "Alice" || got.AnsweredAt == nil {
		t.Fatalf("answer = %+v", got)
	}
}

func votePoll(t *testing.T, m *Manager, pollID, voter string, option int) (got Poll, err error) {
	t.Helper()
	err = m.Update(testRoom, func(r *Room) error {
		got, err = r.VotePoll(pollID, voter, option)
		return err
	})
	return got, err
}

func TestPollVotes(t *testing.T) {
	m, _ := newTestManager(Config{})
	var p Poll
	mustUpdate(t, m, testRoom, func(r *Room) { p = r.AddPoll(alice, "Lunch?", []string{"Pizza", "Sushi"}) })
	if !p.Active || len(p.Results) != 2 {
		t.Fatalf("poll = %+v", p)
	}

	if _, err := votePoll(t, m, p.ID, bob.UserID, 0); err != nil {
		t.Fatalf("vote: %v", err)
	}
	got, err := votePoll(t, m, p.ID, bob.UserID, 1)
	if err != nil {
		t.Fatalf("revote: %v", err)
	}
	if len(got.Votes) != 1 || got.Votes[bob.UserID] != 1 || got.Results[0] != 0 || got.Results[1] != 1 {
		t.Fatalf("revote not overwritten: %+v", got)
	}

	if _, err := votePoll(t, m, p.ID, bob.UserID, 5); !errors.Is(err, ErrInvalidOption) {
		t.Fatalf("err = %v, want ErrInvalidOption", err)
	}
	if _, err := votePoll(t, m, "missing", bob.UserID, 0); !errors.Is(err, ErrPollNotFound) {
		t.Fatalf("err = %v, want ErrPollNotFound", err)
	}
}

func TestClosePoll(t *testing.T) {
	m, _ := newTestManager(Config{})
	var p Poll
	mustUpdate(t, m, testRoom, func(r *Room) { p = r.AddPoll(alice, "Lunch?", []string{"Pizza", "Sushi"}) })

	err := m.Update(testRoom, func(r *Room) error {
		_, err := r.ClosePoll(p.ID, bob.UserID)
		return err
	})
	if !errors.Is(err, ErrNotPollCreator) {
		t.Fatalf("err = %v, want ErrNotPollCreator", err)
	}

	var closed Poll
	err = m.Update(testRoom, func(r *Room) error {
		var err error
		closed, err = r.ClosePoll(p.ID, alice.UserID)
		return err
	})
	if err != nil || closed.Active {
		t.Fatalf("close: %+v %v", closed, err)
	}
	if _, err := votePoll(t, m, p.ID, bob.UserID, 0); !errors.Is(err, ErrPollInactive) {
		t.Fatalf("err = %v, want ErrPollInactive", err)
	}
}

func TestRaiseHandIdempotent(t *testing.T) {
	m, _ := newTestManager(Config{})
	raise := func() (raised bool) {
		mustUpdate(t, m, testRoom, func(r *Room) { _, raised = r.RaiseHand(alice) })
		return raised
	}
	lower := func() (lowered bool) {
		mustUpdate(t, m, testRoom, func(r *Room) { lowered = r.LowerHand(alice.UserID) })
		return lowered
	}

	if !raise() {
		t.Fatal("first raise not reported")
	}
	if raise() {
		t.Fatal("second raise reported as new")
	}
	snap, _ := snapshot(m, testRoom)
	if len(snap.RaisedHands) != 1 {
		t.Fatalf("hands = %v", snap.RaisedHands)
	}

	if !lower() {
		t.Fatal("lower not reported")
	}
	if lower() {
		t.Fatal("lowering an un-raised hand reported a change")
	}
	snap, _ = snapshot(m, testRoom)
	if len(snap.RaisedHands) != 0 {
		t.Fatalf("hands = %v", snap.RaisedHands)
	}
}

func TestReactionsExpire(t *testing.T) {
	m, clock := newTestManager(Config{ReactionTTL: 10 * time.Second})
	mustUpdate(t, m, testRoom, func(r *Room) { r.AddReaction(alice, "🎉") })

	clock.Advance(5 * time.Second)
	snap, _ := snapshot(m, testRoom)
	if len(snap.Reactions) != 1 {
		t.Fatalf("reaction missing before expiry: %v", snap.Reactions)
	}

	clock.Advance(5*time.Second + time.Millisecond)
	snap, _ = snapshot(m, testRoom)
	if len(snap.Reactions) != 0 {
		t.Fatalf("reaction present after expiry: %v", snap.Reactions)
	}
}

func TestPruneReactions(t *testing.T) {
	m, clock := newTestManager(Config{ReactionTTL: 10 * time.Second})
	mustUpdate(t, m, "room-abcdef", func(r *Room) { r.AddReaction(alice, "👍") })
	mustUpdate(t, m, "room-ghijkl", func(r *Room) { r.AddReaction(bob, "👏") })
	clock.Advance(11 * time.Second)
	if pruned := m.PruneReactions(); pruned != 2 {
		t.Fatalf("pruned = %d, want 2", pruned)
	}
}

func TestViewDoesNotCreateOrTouch(t *testing.T) {
	m, clock := newTestManager(Config{InactiveTTL: time.Minute})
	if _, err := snapshot(m, testRoom); !errors.Is(err, ErrRoomNotFound) {
		t.Fatalf("err = %v, want ErrRoomNotFound", err)
	}
	if m.Count() != 0 {
		t.Fatal("View created a room")
	}

	mustUpdate(t, m, testRoom, func(*Room) {})
	clock.Advance(2 * time.Minute)
	_, _ = snapshot(m, testRoom)
	if got := m.EvictIdle(nil); len(got) != 1 {
		t.Fatalf("View marked activity: evicted = %v", got)
	}
}

func TestEvictIdle(t *testing.T) {
	m, clock := newTestManager(Config{InactiveTTL: time.Hour})
	var events []string
	m.SetLifecycleHandler(func(event, roomID string) {
		events = append(events, event+":"+roomID)
	})

	for _, id := range []string{"room-idle01", "room-busy01", "room-full01"} {
		mustUpdate(t, m, id, func(*Room) {})
	}
	if m.Count() != 3 || m.Created() != 3 {
		t.Fatalf("count = %d created = %d", m.Count(), m.Created())
	}

	clock.Advance(30 * time.Minute)
	mustUpdate(t, m, "room-busy01", func(*Room) {})
	clock.Advance(31 * time.Minute)

	occupied := func(id string) bool { return id == "room-full01" }
	evicted := m.EvictIdle(occupied)
	if len(evicted) != 1 || evicted[0] != "room-idle01" {
		t.Fatalf("evicted = %v", evicted)
	}
	if _, err := snapshot(m, "room-idle01"); !errors.Is(err, ErrRoomNotFound) {
		t.Fatalf("evicted room still readable: %v", err)
	}
	if m.Count() != 2 || m.Evicted() != 1 {
		t.Fatalf("count = %d evicted = %d", m.Count(), m.Evicted())
	}
	if events[len(events)-1] != EventRoomEvicted+":room-idle01" {
		t.Fatalf("events = %v", events)
	}

	// Exactly at the TTL the room stays.
	clock.Advance(29 * time.Minute)
	if got := m.EvictIdle(occupied); len(got) != 0 {
		t.Fatalf("evicted at TTL boundary: %v", got)
	}
}

func TestUpdateAfterEvictionCreatesFreshRoom(t *testing.T) {
	m, clock := newTestManager(Config{InactiveTTL: time.Minute})
	mustUpdate(t, m, testRoom, func(r *Room) { r.AppendMessage(alice, "old") })
	clock.Advance(2 * time.Minute)
	m.EvictIdle(nil)

	mustUpdate(t, m, testRoom, func(r *Room) { r.AppendMessage(alice, "new") })
	snap, err := snapshot(m, testRoom)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(snap.Messages) != 1 || snap.Messages[0].Text != "new" {
		t.Fatalf("messages = %+v", snap.Messages)
	}
}

func TestUpdateReleasesLockOnPanic(t *testing.T) {
	m, _ := newTestManager(Config{})
	func() {
		defer func() { _ = recover() }()
		_ = m.Update(testRoom, func(*Room) error { panic("boom") })
	}()

	done := make(chan struct{})
	go func() {
		_ = m.Update(testRoom, func(*Room) error { return nil })
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("room lock held after panic")
	}
}

func TestConcurrentRooms(t *testing.T) {
	m, _ := newTestManager(Config{HistoryCap: 10})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			room := fmt.Sprintf("room-%06d", i%3)
			for j := 0; j < 100; j++ {
				_ = m.Update(room, func(r *Room) error {
					r.AppendMessage(alice, "x")
					return nil
				})
			}
		}(i)
	}
	wg.Wait()
	for i := 0; i < 3; i++ {
		snap, _ := snapshot(m, fmt.Sprintf("room-%06d", i))
		if len(snap.Messages) != 10 {
			t.Fatalf("room %d history = %d", i, len(snap.Messages))
		}
	}
}
