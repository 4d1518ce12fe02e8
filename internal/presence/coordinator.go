// Package presence keeps track of who is in which room and tells room members
// when someone arrives or leaves.
//
// All room state is owned by a single Coordinator goroutine. Callers submit
// commands and wait for them to complete, so a join's capacity check, name
// check and insertion are one step that no other join or disconnect can
// interleave with.
package presence

import (
	"context"
	"slices"

	"go.uber.org/zap"

	"github.com/zoravur/room-presence/internal/logutil"
	"github.com/zoravur/room-presence/internal/protocol"
)

type Coordinator struct {
	reg      *Registry
	rooms    map[string][]Member
	cmds     chan func()
	done     chan struct{}
	log      *zap.Logger
	observer Observer
}

type Option func(*Coordinator)

func WithLogger(l *zap.Logger) Option {
	return func(c *Coordinator) { c.log = l }
}

// WithObserver reports membership changes to o, e.g. the presence journal.
func WithObserver(o Observer) Option {
	return func(c *Coordinator) { c.observer = o }
}

func NewCoordinator(reg *Registry, opts ...Option) *Coordinator {
	c := &Coordinator{
		reg:   reg,
		rooms: make(map[string][]Member),
		cmds:  make(chan func()),
		done:  make(chan struct{}),
		log:   zap.L(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Run processes commands until ctx is cancelled. It must be started exactly
// once; commands submitted before Run starts wait for it.
func (c *Coordinator) Run(ctx context.Context) error {
	defer close(c.done)
	c.log.Info("coordinator started")
	for {
		select {
		case <-ctx.Done():
			c.log.Info("coordinator stopped",
				zap.Int("rooms", len(c.rooms)),
				zap.Int("connections", c.reg.Len()))
			return nil
		case fn := <-c.cmds:
			fn()
		}
	}
}

// do runs fn on the coordinator goroutine and waits for it. Once accepted, fn
// always runs to completion.
func (c *Coordinator) do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	select {
	case c.cmds <- func() { fn(); close(finished) }:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrStopped
	}
	<-finished
	return nil
}

// Connect registers a new connection delivering through cl.
func (c *Coordinator) Connect(cl *Client) *Connection {
	conn := c.reg.OnConnect(cl)
	c.log.Info("connected", zap.String("conn", conn.ID))
	return conn
}

// Join adds the connection to the room under the requested display name.
// On success every other member receives "user-joined" and the result holds
// the full roster after the join. ErrRoomFull and ErrNameTaken leave all
// state untouched.
func (c *Coordinator) Join(ctx context.Context, req JoinRequest) (JoinResult, error) {
	var (
		res     JoinResult
		joinErr error
	)
	err := c.do(ctx, func() {
		res, joinErr = c.join(req)
		if req.Ack != nil {
			req.Ack(res, joinErr)
		}
	})
	if err != nil {
		return JoinResult{}, err
	}
	return res, joinErr
}

func (c *Coordinator) join(req JoinRequest) (JoinResult, error) {
	joiner := Member{ConnectionID: req.ConnectionID, DisplayName: req.DisplayName}

	if _, ok := c.reg.Get(req.ConnectionID); !ok {
		return JoinResult{}, ErrUnknownConnection
	}

	members := c.rooms[req.RoomID]
	if len(members) >= RoomCapacity {
		c.reject(req.RoomID, joiner, ErrRoomFull)
		return JoinResult{}, ErrRoomFull
	}
	for _, m := range members {
		if m.DisplayName == req.DisplayName {
			c.reject(req.RoomID, joiner, ErrNameTaken)
			return JoinResult{}, ErrNameTaken
		}
	}

	members = append(members, joiner)
	c.rooms[req.RoomID] = members
	c.reg.addMembership(req.ConnectionID, Membership{RoomID: req.RoomID, DisplayName: req.DisplayName})

	c.broadcast(req.RoomID, req.ConnectionID, protocol.EventUserJoined, protocol.UserJoined{
		ID:       joiner.ConnectionID,
		UserName: joiner.DisplayName,
	})
	if c.observer != nil {
		c.observer.Joined(req.RoomID, joiner)
	}

	c.log.Info("joined room", logutil.Values(
		zap.String("conn", req.ConnectionID),
		zap.String("room", req.RoomID),
		zap.Int("members", len(members)),
	))

	return JoinResult{RoomID: req.RoomID, Users: snapshot(members, req.ConnectionID)}, nil
}

func (c *Coordinator) reject(roomID string, m Member, reason error) {
	c.log.Debug("join rejected",
		zap.String("conn", m.ConnectionID),
		zap.String("room", roomID),
		zap.Error(reason))
	if c.observer != nil {
		c.observer.Rejected(roomID, m, reason)
	}
}

// Disconnect drops the connection from the registry and from every room it
// joined, in join order. Rooms left empty are deleted; otherwise the remaining
// members receive "user-left". Unknown connections are ignored.
func (c *Coordinator) Disconnect(ctx context.Context, connID string) error {
	return c.do(ctx, func() { c.leave(connID) })
}

func (c *Coordinator) leave(connID string) {
	memberships := c.reg.OnDisconnect(connID)
	for _, ms := range memberships {
		members, ok := c.rooms[ms.RoomID]
		if !ok {
			continue
		}
		idx := slices.IndexFunc(members, func(m Member) bool {
			return m.ConnectionID == connID && m.DisplayName == ms.DisplayName
		})
		if idx < 0 {
			continue
		}
		left := members[idx]
		members = slices.Delete(members, idx, idx+1)

		if len(members) == 0 {
			delete(c.rooms, ms.RoomID)
			c.log.Info("room removed", zap.String("room", ms.RoomID))
		} else {
			c.rooms[ms.RoomID] = members
			c.broadcast(ms.RoomID, connID, protocol.EventUserLeft, connID)
		}
		if c.observer != nil {
			c.observer.Left(ms.RoomID, left)
		}
	}
	c.log.Info("disconnected", zap.String("conn", connID), zap.Int("rooms", len(memberships)))
}

// broadcast delivers to every member of roomID except actor, once per
// connection. Delivery never blocks; failures are the transport's to handle.
func (c *Coordinator) broadcast(roomID, actor, event string, payload any) {
	seen := map[string]struct{}{actor: {}}
	for _, m := range c.rooms[roomID] {
		if _, dup := seen[m.ConnectionID]; dup {
			continue
		}
		seen[m.ConnectionID] = struct{}{}

		conn, ok := c.reg.Get(m.ConnectionID)
		if !ok || conn.Client == nil || conn.Client.Send == nil {
			continue
		}
		if err := conn.Client.Send(event, payload); err != nil {
			c.log.Warn("delivery failed",
				zap.String("event", event),
				zap.String("room", roomID),
				zap.String("conn", m.ConnectionID),
				zap.Error(err))
		}
	}
}

// Members returns a copy of the room's roster in join order.
func (c *Coordinator) Members(ctx context.Context, roomID string) ([]Member, error) {
	var out []Member
	err := c.do(ctx, func() {
		out = append([]Member(nil), c.rooms[roomID]...)
	})
	return out, err
}

func (c *Coordinator) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	err := c.do(ctx, func() {
		s = Stats{Rooms: len(c.rooms), Connections: c.reg.Len()}
	})
	return s, err
}
