package protocol

import (
	"encoding/json"
	"fmt"
)

// Event names carried in Message.Event.
const (
	EventJoinRoom   = "join-room"
	EventUserJoined = "user-joined"
	EventUserLeft   = "user-left"
	EventAck        = "ack"
	EventError      = "error"
)

// Acknowledgement statuses.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Message is the envelope of every websocket frame. Ack is non-zero when the
// sender expects a one-to-one reply carrying the same id.
type Message struct {
	Event string          `json:"event"`
	Ack   uint64          `json:"ack,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type JoinRoom struct {
	RoomID   string `json:"roomId"`
	UserName string `json:"userName"`
}

// UserJoined is broadcast to the other members of a room. It carries no
// "me" flag: recipients are never the joining connection.
type UserJoined struct {
	ID       string `json:"id"`
	UserName string `json:"userName"`
}

// RoomUser is one entry of the roster returned in a join acknowledgement.
type RoomUser struct {
	ID       string `json:"id"`
	UserName string `json:"userName"`
	Me       bool   `json:"me"`
}

type JoinAck struct {
	Status  string     `json:"status"`
	Users   []RoomUser `json:"users,omitempty"`
	Message string     `json:"message,omitempty"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

func JoinOK(users []RoomUser) JoinAck {
	return JoinAck{Status: StatusOK, Users: users}
}

func JoinFailed(message string) JoinAck {
	return JoinAck{Status: StatusError, Message: message}
}

func DecodeMessage(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return msg, err
	}
	if msg.Event == "" {
		return msg, fmt.Errorf("missing event name")
	}
	return msg, nil
}

// Encode wraps payload in an envelope. A nil payload produces no data field.
func Encode(event string, ack uint64, payload any) ([]byte, error) {
	msg := Message{Event: event, Ack: ack}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", event, err)
		}
		msg.Data = raw
	}
	return json.Marshal(msg)
}
