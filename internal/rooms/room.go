package rooms

import (
	"errors"
	"sort"
	"sync"
	"time"
)

var (
	ErrPollNotFound     = errors.New("poll not found")
	ErrPollInactive     = errors.New("poll is not active")
	ErrInvalidOption    = errors.New("invalid poll option")
	ErrNotPollCreator   = errors.New("only the poll creator can close it")
	ErrQuestionNotFound = errors.New("question not found")
	ErrRoomNotFound     = errors.New("room not found")
)

// Author identifies the connection behind a room entry.
type Author struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
}

// Message is one chat line.
type Message struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	UserID    string    `json:"userId"`
	UserName  string    `json:"userName"`
	Timestamp time.Time `json:"timestamp"`
}

// Reaction is a short-lived emoji burst.
type Reaction struct {
	ID        string    `json:"id"`
	Emoji     string    `json:"emoji"`
	UserID    string    `json:"userId"`
	UserName  string    `json:"userName"`
	Timestamp time.Time `json:"timestamp"`
	ExpiresAt time.Time `json:"-"`
}

// Poll is a creator-owned multiple choice vote. Votes maps connection id to option index.
type Poll struct {
	ID          string         `json:"id"`
	Question    string         `json:"question"`
	Options     []string       `json:"options"`
	CreatorID   string         `json:"creatorId"`
	CreatorName string         `json:"creatorName"`
	Active      bool           `json:"active"`
	Votes       map[string]int `json:"votes"`
	Results     []int          `json:"results"`
	CreatedAt   time.Time      `json:"createdAt"`
}

// Question is an audience question; Voters holds each voter once.
type Question struct {
	ID         string     `json:"id"`
	Text       string     `json:"text"`
	UserID     string     `json:"userId"`
	UserName   string     `json:"userName"`
	Votes      int        `json:"votes"`
	Voters     []string   `json:"voters"`
	Answered   bool       `json:"answered"`
	Answer     string     `json:"answer,omitempty"`
	AnsweredBy string     `json:"answeredBy,omitempty"`
	AnsweredAt *time.Time `json:"answeredAt,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
}

// RaisedHand marks a participant waiting to speak.
type RaisedHand struct {
	UserID   string    `json:"userId"`
	UserName string    `json:"userName"`
	RaisedAt time.Time `json:"raisedAt"`
}

// Snapshot is the room state handed to a newly joined connection.
type Snapshot struct {
	Messages    []Message    `json:"messages"`
	Polls       []Poll       `json:"polls"`
	Questions   []Question   `json:"questions"`
	RaisedHands []RaisedHand `json:"raisedHands"`
	Reactions   []Reaction   `json:"reactions"`
}

type poll struct {
	Poll
	votes map[string]int
}

type question struct {
	Question
	voters map[string]struct{}
	order  []string
}

// Room holds the ephemeral state of one room. Its methods require the room
// lock, which Manager.Update and friends hold while calling them.
type Room struct {
	ID           string
	CreatedAt    time.Time
	LastActivity time.Time

	mu          sync.Mutex
	evicted     bool
	now         func() time.Time
	ids         *idSource
	reactionTTL time.Duration

	messages  *history[Message]
	polls     map[string]*poll
	pollOrder []string
	questions map[string]*question
	qOrder    []string
	reactions []Reaction
	hands     map[string]RaisedHand
}

func newRoom(id string, historyCap int, reactionTTL time.Duration, now func() time.Time) *Room {
	t := now()
	return &Room{
		ID:           id,
		CreatedAt:    t,
		LastActivity: t,
		now:          now,
		ids:          newIDSource(),
		reactionTTL:  reactionTTL,
		messages:     newHistory[Message](historyCap),
		polls:        make(map[string]*poll),
		questions:    make(map[string]*question),
		hands:        make(map[string]RaisedHand),
	}
}

func (r *Room) touch() {
	r.LastActivity = r.now()
}

// AppendMessage stores a chat message, evicting the oldest past the history cap.
func (r *Room) AppendMessage(author Author, text string) Message {
	t := r.now()
	msg := Message{
		ID:        r.ids.next(t),
		Text:      text,
		UserID:    author.UserID,
		UserName:  author.UserName,
		Timestamp: t,
	}
	r.messages.push(msg)
	r.touch()
	return msg
}

// AddReaction stores a reaction that disappears after the reaction TTL.
func (r *Room) AddReaction(author Author, emoji string) Reaction {
	t := r.now()
	r.pruneReactions(t)
	re := Reaction{
		ID:        r.ids.next(t),
		Emoji:     emoji,
		UserID:    author.UserID,
		UserName:  author.UserName,
		Timestamp: t,
		ExpiresAt: t.Add(r.reactionTTL),
	}
	r.reactions = append(r.reactions, re)
	r.touch()
	return re
}

// pruneReactions drops expired reactions. Reactions are appended in time
// order, so the expired ones form a prefix.
func (r *Room) pruneReactions(now time.Time) int {
	i := 0
	for i < len(r.reactions) && !now.Before(r.reactions[i].ExpiresAt) {
		i++
	}
	if i > 0 {
		r.reactions = append(r.reactions[:0], r.reactions[i:]...)
	}
	return i
}

// AddPoll creates an active poll.
func (r *Room) AddPoll(author Author, q string, options []string) Poll {
	t := r.now()
	p := &poll{
		Poll: Poll{
			ID:          r.ids.next(t),
			Question:    q,
			Options:     append([]string(nil), options...),
			CreatorID:   author.UserID,
			CreatorName: author.UserName,
			Active:      true,
			CreatedAt:   t,
		},
		votes: make(map[string]int),
	}
	r.polls[p.ID] = p
	r.pollOrder = append(r.pollOrder, p.ID)
	r.touch()
	return p.view()
}

// VotePoll records voterID's choice, replacing any earlier choice. Votes on
// an inactive poll return ErrPollInactive and change nothing.
func (r *Room) VotePoll(pollID, voterID string, option int) (Poll, error) {
	p, ok := r.polls[pollID]
	if !ok {
		return Poll{}, ErrPollNotFound
	}
	if !p.Active {
		return Poll{}, ErrPollInactive
	}
	if option < 0 || option >= len(p.Options) {
		return Poll{}, ErrInvalidOption
	}
	p.votes[voterID] = option
	r.touch()
	return p.view(), nil
}

// ClosePoll deactivates a poll. Only its creator may close it.
func (r *Room) ClosePoll(pollID, userID string) (Poll, error) {
	p, ok := r.polls[pollID]
	if !ok {
		return Poll{}, ErrPollNotFound
	}
	if p.CreatorID != userID {
		return Poll{}, ErrNotPollCreator
	}
	p.Active = false
	r.touch()
	return p.view(), nil
}

func (p *poll) view() Poll {
	out := p.Poll
	out.Options = append([]string(nil), p.Options...)
	out.Votes = make(map[string]int, len(p.votes))
	out.Results = make([]int, len(p.Options))
	for voter, opt := range p.votes {
		out.Votes[voter] = opt
		out.Results[opt]++
	}
	return out
}

// CreateQuestion adds an unanswered question with no votes.
func (r *Room) CreateQuestion(author Author, text string) Question {
	t := r.now()
	q := &question{
		Question: Question{
			ID:        r.ids.next(t),
			Text:      text,
			UserID:    author.UserID,
			UserName:  author.UserName,
			CreatedAt: t,
		},
		voters: make(map[string]struct{}),
	}
	r.questions[q.ID] = q
	r.qOrder = append(r.qOrder, q.ID)
	r.touch()
	return q.view()
}

// VoteQuestion counts voterID once. The bool is false when the vote was a repeat.
func (r *Room) VoteQuestion(questionID, voterID string) (Question, bool, error) {
	q, ok := r.questions[questionID]
	if !ok {
		return Question{}, false, ErrQuestionNotFound
	}
	r.touch()
	if _, dup := q.voters[voterID]; dup {
		return q.view(), false, nil
	}
	q.voters[voterID] = struct{}{}
	q.order = append(q.order, voterID)
	q.Votes = len(q.voters)
	return q.view(), true, nil
}

// AnswerQuestion sets the answer unconditionally; the latest answer wins.
func (r *Room) AnswerQuestion(questionID, answer, answeredBy string) (Question, error) {
	q, ok := r.questions[questionID]
	if !ok {
		return Question{}, ErrQuestionNotFound
	}
	t := r.now()
	q.Answered = true
	q.Answer = answer
	q.AnsweredBy = answeredBy
	q.AnsweredAt = &t
	r.touch()
	return q.view(), nil
}

func (q *question) view() Question {
	out := q.Question
	out.Voters = append([]string{}, q.order...)
	if q.AnsweredAt != nil {
		at := *q.AnsweredAt
		out.AnsweredAt = &at
	}
	return out
}

// RaiseHand marks author's hand raised. The bool is false if it already was.
func (r *Room) RaiseHand(author Author) (RaisedHand, bool) {
	r.touch()
	if h, ok := r.hands[author.UserID]; ok {
		return h, false
	}
	h := RaisedHand{UserID: author.UserID, UserName: author.UserName, RaisedAt: r.now()}
	r.hands[author.UserID] = h
	return h, true
}

// LowerHand clears userID's hand. The bool is false if it was not raised.
func (r *Room) LowerHand(userID string) bool {
	r.touch()
	if _, ok := r.hands[userID]; !ok {
		return false
	}
	delete(r.hands, userID)
	return true
}

// Snapshot copies the current room histories.
func (r *Room) Snapshot() Snapshot {
	r.pruneReactions(r.now())
	s := Snapshot{
		Messages:    r.messages.items(),
		Polls:       make([]Poll, 0, len(r.pollOrder)),
		Questions:   make([]Question, 0, len(r.qOrder)),
		RaisedHands: make([]RaisedHand, 0, len(r.hands)),
		Reactions:   append([]Reaction{}, r.reactions...),
	}
	for _, id := range r.pollOrder {
		s.Polls = append(s.Polls, r.polls[id].view())
	}
	for _, id := range r.qOrder {
		s.Questions = append(s.Questions, r.questions[id].view())
	}
	for _, h := range r.hands {
		s.RaisedHands = append(s.RaisedHands, h)
	}
	sort.Slice(s.RaisedHands, func(i, j int) bool {
		return s.RaisedHands[i].RaisedAt.Before(s.RaisedHands[j].RaisedAt)
	})
	return s
}
