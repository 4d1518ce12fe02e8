package presence

import "github.com/zoravur/room-presence/internal/protocol"

// RoomCapacity is the maximum number of members a room may hold.
const RoomCapacity = 10

// Client is the delivery side of a connection. Send queues an event and must
// not block; transports abstract over their socket through it.
type Client struct {
	Send func(event string, payload any) error
}

// Membership is one (room, display name) pair held by a connection.
type Membership struct {
	RoomID      string
	DisplayName string
}

// Member is one entry of a room's roster, in join order.
type Member struct {
	ConnectionID string
	DisplayName  string
}

// Connection is a live transport session.
type Connection struct {
	ID     string
	Client *Client

	memberships []Membership // join order, guarded by the owning Registry
}

type JoinRequest struct {
	ConnectionID string
	RoomID       string
	DisplayName  string

	// Ack, if set, runs on the coordinator goroutine once the outcome is
	// known and after peers were notified, so a reply queued from it cannot
	// be overtaken by later events for the room.
	Ack func(JoinResult, error)
}

type JoinResult struct {
	RoomID string
	Users  []protocol.RoomUser
}

type Stats struct {
	Rooms       int `json:"rooms"`
	Connections int `json:"connections"`
}

// Observer is told about every membership change the coordinator makes. It is
// called on the coordinator goroutine and must not block.
type Observer interface {
	Joined(roomID string, m Member)
	Rejected(roomID string, m Member, reason error)
	Left(roomID string, m Member)
}

// snapshot builds the roster as seen by viewer.
func snapshot(members []Member, viewer string) []protocol.RoomUser {
	users := make([]protocol.RoomUser, 0, len(members))
	for _, m := range members {
		users = append(users, protocol.RoomUser{
			ID:       m.ConnectionID,
			UserName: m.DisplayName,
			Me:       m.ConnectionID == viewer,
		})
	}
	return users
}
