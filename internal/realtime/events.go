package realtime

import (
	"encoding/json"
	"fmt"
	"time"
)

// Client to server events.
const (
	EventRequestRoomToken        = "request-room-token"
	EventRequestRelayCredentials = "request-relay-credentials"
	EventJoinRoom                = "join-room"
	EventSendingSignal           = "sending-signal"
	EventReturningSignal         = "returning-signal"
	EventSendMessage             = "send-message"
	EventSendReaction            = "send-reaction"
	EventCreatePoll              = "create-poll"
	EventVotePoll                = "vote-poll"
	EventClosePoll               = "close-poll"
	EventSubmitQuestion          = "submit-question"
	EventVoteQuestion            = "vote-question"
	EventAnswerQuestion          = "answer-question"
	EventRaiseHand               = "raise-hand"
	EventLowerHand               = "lower-hand"
	EventUserLeaving             = "user-leaving"
)

// Server to client events.
const (
	EventRoomToken               = "room-token"
	EventRelayCredentials        = "relay-credentials"
	EventRelayCredentialsError   = "relay-credentials-error"
	EventAllUsers                = "all-users"
	EventChatHistory             = "chat-history"
	EventPollsHistory            = "polls-history"
	EventQuestionsHistory        = "questions-history"
	EventRaisedHandsHistory      = "raised-hands-history"
	EventUserJoined              = "user-joined"
	EventReceivingReturnedSignal = "receiving-returned-signal"
	EventNewMessage              = "new-message"
	EventNewReaction             = "new-reaction"
	EventNewPoll                 = "new-poll"
	EventPollUpdated             = "poll-updated"
	EventNewQuestion             = "new-question"
	EventQuestionUpdated         = "question-updated"
	EventHandRaised              = "hand-raised"
	EventHandLowered             = "hand-lowered"
	EventUserLeft                = "user-left"
	EventErrorMsg                = "error"
)

// Wire-visible error codes.
const (
	CodeAuthFailed        = "AuthFailed"
	CodeInvalidInput      = "InvalidInput"
	CodeNotInRoom         = "NotInRoom"
	CodeRoomFull          = "RoomFull"
	CodeRateLimitExceeded = "RateLimitExceeded"
	CodeNoRelayServers    = "NoRelayServers"
	CodeServerError       = "ServerError"
)

// WSMessage is the WebSocket message envelope.
type WSMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func newMessage(event string, payload interface{}) (WSMessage, error) {
	switch v := payload.(type) {
	case nil:
		return WSMessage{Event: event}, nil
	case json.RawMessage:
		return WSMessage{Event: event, Data: v}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return WSMessage{}, fmt.Errorf("marshal %s: %w", event, err)
	}
	return WSMessage{Event: event, Data: data}, nil
}

// EventError is the payload of an error event.
type EventError struct {
	Message string      `json:"message"`
	Code    string      `json:"code"`
	Details interface{} `json:"details,omitempty"`
}

func (e *EventError) Error() string {
	return e.Code + ": " + e.Message
}

func newEventError(code, message string) *EventError {
	return &EventError{Code: code, Message: message}
}

var errNotInRoom = newEventError(CodeNotInRoom, "join a room first")

// RoomFullError carries the occupancy at the time of the rejected join.
type RoomFullError struct {
	Current int `json:"current"`
	Max     int `json:"max"`
}

func (e *RoomFullError) Error() string {
	return fmt.Sprintf("room is full (%d/%d)", e.Current, e.Max)
}

// Inbound payloads. String fields are sanitized before validation.

type roomTokenRequest struct {
	RoomID   string `json:"roomId" validate:"required,roomid"`
	UserName string `json:"userName" validate:"required,displayname"`
}

type joinRoomRequest struct {
	RoomID string `json:"roomId" validate:"required,roomid"`
	Token  string `json:"token" validate:"required"`
	Role   string `json:"role" validate:"max=50"`
}

type sendingSignalRequest struct {
	UserToSignal string          `json:"userToSignal" validate:"required"`
	Signal       json.RawMessage `json:"signal"`
}

type returningSignalRequest struct {
	CallerID string          `json:"callerId" validate:"required"`
	Signal   json.RawMessage `json:"signal"`
}

type sendMessageRequest struct {
	Text string `json:"text"`
}

type sendReactionRequest struct {
	Emoji string `json:"emoji"`
}

type createPollRequest struct {
	Question string   `json:"question" validate:"required,max=200"`
	Options  []string `json:"options" validate:"min=2,max=10,dive,required,max=100"`
}

type votePollRequest struct {
	PollID string `json:"pollId" validate:"required"`
	Option *int   `json:"option" validate:"required,gte=0"`
}

type closePollRequest struct {
	PollID string `json:"pollId" validate:"required"`
}

type submitQuestionRequest struct {
	Text string `json:"text"`
}

type voteQuestionRequest struct {
	QuestionID string `json:"questionId" validate:"required"`
}

type answerQuestionRequest struct {
	QuestionID string `json:"questionId" validate:"required"`
	Answer     string `json:"answer"`
}

// Outbound payloads.

// Participant is a room member as seen by other members.
type Participant struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
	Role     string `json:"role,omitempty"`
}

type roomTokenResponse struct {
	Token     string    `json:"token"`
	RoomID    string    `json:"roomId"`
	UserName  string    `json:"userName"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type relayCredentialsResponse struct {
	ICEServers interface{} `json:"iceServers"`
	ExpiresAt  time.Time   `json:"expiresAt"`
}

type signalDelivery struct {
	Signal   json.RawMessage `json:"signal"`
	CallerID string          `json:"callerId"`
	UserName string          `json:"userName"`
	Role     string          `json:"role,omitempty"`
}

type returnedSignal struct {
	Signal json.RawMessage `json:"signal"`
	ID     string          `json:"id"`
}

type handLowered struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
}

type userLeft struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
}

// emptyIfNil keeps history payloads as JSON arrays.
func emptyIfNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
