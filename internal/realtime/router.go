package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.uber.org/zap"

	"github.com/aura-webinar/signaling/internal/auth"
	"github.com/aura-webinar/signaling/internal/metrics"
	"github.com/aura-webinar/signaling/internal/ratelimit"
	"github.com/aura-webinar/signaling/internal/relay"
	"github.com/aura-webinar/signaling/internal/rooms"
	"github.com/aura-webinar/signaling/internal/validate"
)

// handlerFunc handles one decoded event for c. A returned error is reported
// to c as an error event.
type handlerFunc func(ctx context.Context, c *Client, data json.RawMessage) error

// route binds an event to its handler. Handlers validate the payload before
// checking room membership.
type route struct {
	action string // rate limit key; "" means unlimited
	handle handlerFunc
}

// RouterConfig wires the router to the rest of the server.
type RouterConfig struct {
	Hub             *Hub
	Rooms           *rooms.Manager
	Tokens          *auth.JWTService
	Relay           *relay.Service
	Limiter         *ratelimit.Limiter
	Validator       *validate.Validator
	Metrics         *metrics.Metrics
	MaxParticipants int
	Logger          *zap.Logger
}

// Router consumes events one at a time per connection and applies rate
// limiting, validation, membership checks, room mutation and fan-out.
type Router struct {
	hub             *Hub
	rooms           *rooms.Manager
	tokens          *auth.JWTService
	relay           *relay.Service
	limiter         *ratelimit.Limiter
	val             *validate.Validator
	metrics         *metrics.Metrics
	maxParticipants int
	logger          *zap.Logger

	routes map[string]route
}

// NewRouter creates a router and subscribes it to hub lifecycle events.
func NewRouter(cfg RouterConfig) *Router {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	r := &Router{
		hub:             cfg.Hub,
		rooms:           cfg.Rooms,
		tokens:          cfg.Tokens,
		relay:           cfg.Relay,
		limiter:         cfg.Limiter,
		val:             cfg.Validator,
		metrics:         cfg.Metrics,
		maxParticipants: cfg.MaxParticipants,
		logger:          cfg.Logger,
	}
	r.routes = map[string]route{
		EventRequestRoomToken:        {action: ratelimit.ActionTokenRequest, handle: r.requestRoomToken},
		EventRequestRelayCredentials: {action: ratelimit.ActionRelayCredentials, handle: r.requestRelayCredentials},
		EventJoinRoom:                {action: ratelimit.ActionJoinRoom, handle: r.joinRoom},
		EventSendingSignal:           {action: ratelimit.ActionSignal, handle: r.sendingSignal},
		EventReturningSignal:         {action: ratelimit.ActionSignal, handle: r.returningSignal},
		EventSendMessage:             {action: ratelimit.ActionSendMessage, handle: r.sendMessage},
		EventSendReaction:            {action: ratelimit.ActionSendReaction, handle: r.sendReaction},
		EventCreatePoll:              {action: ratelimit.ActionCreatePoll, handle: r.createPoll},
		EventVotePoll:                {action: ratelimit.ActionVotePoll, handle: r.votePoll},
		EventClosePoll:               {action: ratelimit.ActionClosePoll, handle: r.closePoll},
		EventSubmitQuestion:          {action: ratelimit.ActionSubmitQuestion, handle: r.submitQuestion},
		EventVoteQuestion:            {action: ratelimit.ActionVoteQuestion, handle: r.voteQuestion},
		EventAnswerQuestion:          {action: ratelimit.ActionAnswerQuestion, handle: r.answerQuestion},
		EventRaiseHand:               {action: ratelimit.ActionHand, handle: r.raiseHand},
		EventLowerHand:               {action: ratelimit.ActionHand, handle: r.lowerHand},
		EventUserLeaving:             {handle: r.userLeaving},
	}
	cfg.Hub.AddObserver(r)
	return r
}

// Handle runs one inbound event through the pipeline. Faults inside a
// handler are recovered and reported as ServerError; the connection stays.
func (r *Router) Handle(c *Client, msg WSMessage) {
	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			r.metrics.ServerError()
			r.logger.Error("event handler panic",
				zap.String("event", msg.Event),
				zap.String("conn_id", c.ID),
				zap.Any("panic", p),
				zap.ByteString("stack", debug.Stack()),
			)
			r.reject(c, newEventError(CodeServerError, "internal error"))
		}
		r.metrics.EventHandled(time.Since(start))
	}()

	rt, ok := r.routes[msg.Event]
	if !ok {
		r.reject(c, &EventError{Code: CodeInvalidInput, Message: "unknown event", Details: map[string]string{"event": msg.Event}})
		return
	}
	if rt.action != "" && !r.limiter.Allow(c.ID, rt.action) {
		r.metrics.RateLimited()
		r.reject(c, &EventError{
			Code:    CodeRateLimitExceeded,
			Message: "too many requests",
			Details: map[string]interface{}{"action": rt.action, "limit": r.limiter.Rule(rt.action).Limit},
		})
		return
	}
	if err := rt.handle(context.Background(), c, msg.Data); err != nil {
		r.reject(c, r.toEventError(msg.Event, c, err))
	}
}

func (r *Router) toEventError(event string, c *Client, err error) *EventError {
	var ee *EventError
	var fe *validate.FieldError
	var full *RoomFullError
	switch {
	case errors.As(err, &ee):
		return ee
	case errors.As(err, &fe):
		return &EventError{Code: CodeInvalidInput, Message: fe.Error(), Details: map[string]string{"field": fe.Field, "reason": fe.Reason}}
	case errors.As(err, &full):
		return &EventError{Code: CodeRoomFull, Message: "room is full", Details: full}
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrRoomMismatch):
		return newEventError(CodeAuthFailed, err.Error())
	case errors.Is(err, rooms.ErrPollNotFound), errors.Is(err, rooms.ErrQuestionNotFound),
		errors.Is(err, rooms.ErrInvalidOption), errors.Is(err, rooms.ErrNotPollCreator):
		return newEventError(CodeInvalidInput, err.Error())
	case errors.Is(err, relay.ErrNoRelayServers):
		return newEventError(CodeNoRelayServers, err.Error())
	}
	r.metrics.ServerError()
	r.logger.Error("event handler failed", zap.String("event", event), zap.String("conn_id", c.ID), zap.Error(err))
	return newEventError(CodeServerError, "internal error")
}

// reject sends a single error event to c.
func (r *Router) reject(c *Client, e *EventError) {
	r.metrics.ErrorSent()
	r.hub.SendTo(c, EventErrorMsg, e)
}

// renameField reports a field error under the payload's own field name.
func renameField(err error, field string) error {
	var fe *validate.FieldError
	if errors.As(err, &fe) {
		return &validate.FieldError{Field: field, Reason: fe.Reason}
	}
	return err
}

func decode(data json.RawMessage, v interface{}) error {
	if len(data) == 0 || string(data) == "null" {
		data = json.RawMessage("{}")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return &validate.FieldError{Field: "data", Reason: "malformed payload"}
	}
	return nil
}

func (r *Router) requestRoomToken(_ context.Context, c *Client, data json.RawMessage) error {
	var req roomTokenRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	if err := r.val.Struct(&req); err != nil {
		return err
	}
	token, expiresAt, err := r.tokens.IssueRoomToken(req.RoomID, req.UserName)
	if err != nil {
		return fmt.Errorf("issue token: %w", err)
	}
	r.hub.SendTo(c, EventRoomToken, roomTokenResponse{
		Token:     token,
		RoomID:    req.RoomID,
		UserName:  req.UserName,
		ExpiresAt: expiresAt,
	})
	return nil
}

// requestRelayCredentials answers with relay-credentials, or with
// relay-credentials-error when no bundle can be built.
func (r *Router) requestRelayCredentials(ctx context.Context, c *Client, _ json.RawMessage) error {
	if r.relay == nil {
		r.relayError(c, relay.ErrNoRelayServers)
		return nil
	}
	b, err := r.relay.Credentials(ctx, c.ID)
	if err != nil {
		r.relayError(c, err)
		return nil
	}
	r.hub.SendTo(c, EventRelayCredentials, relayCredentialsResponse{
		ICEServers: b.ICEServers(),
		ExpiresAt:  b.ExpiresAt,
	})
	return nil
}

func (r *Router) relayError(c *Client, err error) {
	code := CodeServerError
	if errors.Is(err, relay.ErrNoRelayServers) {
		code = CodeNoRelayServers
	} else {
		r.logger.Error("relay credentials", zap.String("conn_id", c.ID), zap.Error(err))
	}
	r.metrics.ErrorSent()
	r.hub.SendTo(c, EventRelayCredentialsError, newEventError(code, err.Error()))
}

func (r *Router) joinRoom(_ context.Context, c *Client, data json.RawMessage) error {
	var req joinRoomRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	if err := r.val.Struct(&req); err != nil {
		return err
	}
	claims, err := r.tokens.VerifyForRoom(req.Token, req.RoomID)
	if err != nil {
		return err
	}
	name, err := r.val.DisplayName(claims.UserName)
	if err != nil {
		return newEventError(CodeAuthFailed, "token carries an invalid display name")
	}

	switch current := c.RoomID(); current {
	case "":
	case req.RoomID:
		return &validate.FieldError{Field: "roomId", Reason: "already joined"}
	default:
		r.leave(c)
	}

	return r.rooms.Update(req.RoomID, func(room *rooms.Room) error {
		if err := r.hub.Join(c, req.RoomID, name, req.Role, r.maxParticipants); err != nil {
			return err
		}
		snap := room.Snapshot()
		self := c.participant()

		var peers []Participant
		for _, m := range r.hub.ForRoom(req.RoomID) {
			if m.ID != c.ID {
				peers = append(peers, m.participant())
			}
		}
		r.hub.SendTo(c, EventAllUsers, emptyIfNil(peers))
		r.hub.SendTo(c, EventChatHistory, emptyIfNil(snap.Messages))
		r.hub.SendTo(c, EventPollsHistory, emptyIfNil(snap.Polls))
		r.hub.SendTo(c, EventQuestionsHistory, emptyIfNil(snap.Questions))
		r.hub.SendTo(c, EventRaisedHandsHistory, emptyIfNil(snap.RaisedHands))
		r.hub.BroadcastToRoom(req.RoomID, c.ID, EventUserJoined, self)

		r.logger.Info("user joined room",
			zap.String("conn_id", c.ID),
			zap.String("room_id", req.RoomID),
			zap.String("user_name", name),
			zap.Int("members", len(peers)+1),
		)
		return nil
	})
}

// leave takes c out of its room and tells the remaining members.
func (r *Router) leave(c *Client) {
	p := c.participant()
	roomID := r.hub.Leave(c)
	if roomID != "" {
		r.departed(roomID, p)
	}
}

// departed clears what a departed member leaves behind in roomID.
func (r *Router) departed(roomID string, p Participant) {
	err := r.rooms.View(roomID, func(room *rooms.Room) error {
		room.LowerHand(p.UserID)
		r.hub.BroadcastToRoom(roomID, p.UserID, EventUserLeft, userLeft{UserID: p.UserID, UserName: p.UserName})
		return nil
	})
	if err != nil && !errors.Is(err, rooms.ErrRoomNotFound) {
		r.logger.Warn("room cleanup on leave", zap.String("room_id", roomID), zap.Error(err))
	}
	r.logger.Info("user left room", zap.String("conn_id", p.UserID), zap.String("room_id", roomID))
}

func (r *Router) peer(c *Client, targetID, field string) (*Client, error) {
	if c.RoomID() == "" {
		return nil, errNotInRoom
	}
	target, ok := r.hub.Get(targetID)
	if !ok || target.RoomID() == "" || target.RoomID() != c.RoomID() || target.ID == c.ID {
		return nil, &validate.FieldError{Field: field, Reason: "is not a member of this room"}
	}
	return target, nil
}

func (r *Router) sendingSignal(_ context.Context, c *Client, data json.RawMessage) error {
	var req sendingSignalRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	if err := r.val.Struct(&req); err != nil {
		return err
	}
	if err := validSignal(req.Signal); err != nil {
		return err
	}
	target, err := r.peer(c, req.UserToSignal, "userToSignal")
	if err != nil {
		return err
	}
	self := c.participant()
	r.hub.SendTo(target, EventUserJoined, signalDelivery{
		Signal:   req.Signal,
		CallerID: c.ID,
		UserName: self.UserName,
		Role:     self.Role,
	})
	return nil
}

func (r *Router) returningSignal(_ context.Context, c *Client, data json.RawMessage) error {
	var req returningSignalRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	if err := r.val.Struct(&req); err != nil {
		return err
	}
	if err := validSignal(req.Signal); err != nil {
		return err
	}
	target, err := r.peer(c, req.CallerID, "callerId")
	if err != nil {
		return err
	}
	r.hub.SendTo(target, EventReceivingReturnedSignal, returnedSignal{Signal: req.Signal, ID: c.ID})
	return nil
}

func (r *Router) author(c *Client) rooms.Author {
	p := c.participant()
	return rooms.Author{UserID: p.UserID, UserName: p.UserName}
}

// inRoom runs fn under the lock of c's room, so fan-out from fn is ordered
// with every other change to that room.
func (r *Router) inRoom(c *Client, fn func(roomID string, room *rooms.Room) error) error {
	roomID := c.RoomID()
	if roomID == "" {
		return errNotInRoom
	}
	return r.rooms.Update(roomID, func(room *rooms.Room) error {
		return fn(roomID, room)
	})
}

func (r *Router) sendMessage(_ context.Context, c *Client, data json.RawMessage) error {
	var req sendMessageRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	text, err := r.val.ChatText(req.Text)
	if err != nil {
		return err
	}
	author := r.author(c)
	return r.inRoom(c, func(roomID string, room *rooms.Room) error {
		msg := room.AppendMessage(author, text)
		r.hub.BroadcastToRoom(roomID, "", EventNewMessage, msg)
		return nil
	})
}

func (r *Router) sendReaction(_ context.Context, c *Client, data json.RawMessage) error {
	var req sendReactionRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	emoji, err := r.val.Emoji(req.Emoji)
	if err != nil {
		return err
	}
	author := r.author(c)
	return r.inRoom(c, func(roomID string, room *rooms.Room) error {
		re := room.AddReaction(author, emoji)
		r.hub.BroadcastToRoom(roomID, "", EventNewReaction, re)
		return nil
	})
}

func (r *Router) createPoll(_ context.Context, c *Client, data json.RawMessage) error {
	var req createPollRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	if err := r.val.Struct(&req); err != nil {
		return err
	}
	author := r.author(c)
	return r.inRoom(c, func(roomID string, room *rooms.Room) error {
		p := room.AddPoll(author, req.Question, req.Options)
		r.hub.BroadcastToRoom(roomID, "", EventNewPoll, p)
		return nil
	})
}

func (r *Router) votePoll(_ context.Context, c *Client, data json.RawMessage) error {
	var req votePollRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	if err := r.val.Struct(&req); err != nil {
		return err
	}
	return r.inRoom(c, func(roomID string, room *rooms.Room) error {
		p, err := room.VotePoll(req.PollID, c.ID, *req.Option)
		if errors.Is(err, rooms.ErrPollInactive) {
			return nil
		}
		if err != nil {
			return err
		}
		r.hub.BroadcastToRoom(roomID, "", EventPollUpdated, p)
		return nil
	})
}

func (r *Router) closePoll(_ context.Context, c *Client, data json.RawMessage) error {
	var req closePollRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	if err := r.val.Struct(&req); err != nil {
		return err
	}
	return r.inRoom(c, func(roomID string, room *rooms.Room) error {
		p, err := room.ClosePoll(req.PollID, c.ID)
		if err != nil {
			return err
		}
		r.hub.BroadcastToRoom(roomID, "", EventPollUpdated, p)
		return nil
	})
}

func (r *Router) submitQuestion(_ context.Context, c *Client, data json.RawMessage) error {
	var req submitQuestionRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	text, err := r.val.ChatText(req.Text)
	if err != nil {
		return err
	}
	author := r.author(c)
	return r.inRoom(c, func(roomID string, room *rooms.Room) error {
		q := room.CreateQuestion(author, text)
		r.hub.BroadcastToRoom(roomID, "", EventNewQuestion, q)
		return nil
	})
}

func (r *Router) voteQuestion(_ context.Context, c *Client, data json.RawMessage) error {
	var req voteQuestionRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	if err := r.val.Struct(&req); err != nil {
		return err
	}
	return r.inRoom(c, func(roomID string, room *rooms.Room) error {
		q, counted, err := room.VoteQuestion(req.QuestionID, c.ID)
		if err != nil {
			return err
		}
		if counted {
			r.hub.BroadcastToRoom(roomID, "", EventQuestionUpdated, q)
		}
		return nil
	})
}

func (r *Router) answerQuestion(_ context.Context, c *Client, data json.RawMessage) error {
	var req answerQuestionRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	if err := r.val.Struct(&req); err != nil {
		return err
	}
	answer, err := r.val.ChatText(req.Answer)
	if err != nil {
		return renameField(err, "answer")
	}
	by := c.participant().UserName
	return r.inRoom(c, func(roomID string, room *rooms.Room) error {
		q, err := room.AnswerQuestion(req.QuestionID, answer, by)
		if err != nil {
			return err
		}
		r.hub.BroadcastToRoom(roomID, "", EventQuestionUpdated, q)
		return nil
	})
}

func (r *Router) raiseHand(_ context.Context, c *Client, _ json.RawMessage) error {
	author := r.author(c)
	return r.inRoom(c, func(roomID string, room *rooms.Room) error {
		h, raised := room.RaiseHand(author)
		if raised {
			r.hub.BroadcastToRoom(roomID, "", EventHandRaised, h)
		}
		return nil
	})
}

func (r *Router) lowerHand(_ context.Context, c *Client, _ json.RawMessage) error {
	author := r.author(c)
	return r.inRoom(c, func(roomID string, room *rooms.Room) error {
		if room.LowerHand(author.UserID) {
			r.hub.BroadcastToRoom(roomID, "", EventHandLowered, handLowered{UserID: author.UserID, UserName: author.UserName})
		}
		return nil
	})
}

// userLeaving closes the connection; ConnectionRemoved tells the room.
func (r *Router) userLeaving(_ context.Context, c *Client, _ json.RawMessage) error {
	r.hub.Remove(c.ID)
	return nil
}

// ConnectionAdded implements Observer.
func (r *Router) ConnectionAdded(*Client) {}

// ConnectionRemoved implements Observer: the room hears user-left and the
// connection's rate-limit buckets and relay bundle are dropped.
func (r *Router) ConnectionRemoved(c *Client, roomID string) {
	if roomID != "" {
		r.departed(roomID, c.participant())
	}
	r.limiter.Forget(c.ID)
	if r.relay != nil {
		r.relay.Forget(c.ID)
	}
}
