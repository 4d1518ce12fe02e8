// Package roomclient is a Go client for the room presence websocket API.
package roomclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zoravur/room-presence/internal/protocol"
)

// DefaultJoinTimeout bounds the wait for a join acknowledgement.
const DefaultJoinTimeout = 5 * time.Second

var (
	// ErrJoinTimeout reports that no acknowledgement arrived in time. The
	// join must be treated as failed.
	ErrJoinTimeout = errors.New("timed out joining room")
	ErrClosed      = errors.New("client closed")
)

// JoinError carries the server's reason for rejecting a join, e.g.
// "This room is currently full".
type JoinError struct {
	Message string
}

func (e *JoinError) Error() string { return e.Message }

// Event is a membership delta for a room this client joined. For
// "user-left" only ID is set.
type Event struct {
	Name     string
	ID       string
	UserName string
}

type Client struct {
	ws          *websocket.Conn
	joinTimeout time.Duration

	writeMu sync.Mutex
	nextAck atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]chan protocol.Message

	incoming chan Event
	events   chan Event
	done     chan struct{}
	once     sync.Once
}

type Option func(*Client)

func WithJoinTimeout(d time.Duration) Option {
	return func(c *Client) { c.joinTimeout = d }
}

// Dial connects to a presence server websocket endpoint, e.g.
// "ws://localhost:8080/ws".
func Dial(ctx context.Context, url string, opts ...Option) (*Client, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	c := &Client{
		ws:          ws,
		joinTimeout: DefaultJoinTimeout,
		pending:     make(map[uint64]chan protocol.Message),
		incoming:    make(chan Event),
		events:      make(chan Event),
		done:        make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	go c.readLoop()
	go c.forward()
	return c, nil
}

// Events delivers membership deltas in the order the server sent them. It is
// closed when the connection ends. Undelivered deltas are queued without
// bound, so acknowledgements never wait on a caller that does not drain it.
func (c *Client) Events() <-chan Event { return c.events }

// JoinRoom asks to join roomID as userName and returns the room roster.
// Rejections are returned as *JoinError; a missing acknowledgement as
// ErrJoinTimeout.
func (c *Client) JoinRoom(ctx context.Context, roomID, userName string) ([]protocol.RoomUser, error) {
	ctx, cancel := context.WithTimeout(ctx, c.joinTimeout)
	defer cancel()

	reply, err := c.request(ctx, protocol.EventJoinRoom, protocol.JoinRoom{RoomID: roomID, UserName: userName})
	if err != nil {
		return nil, err
	}
	if reply.Event == protocol.EventError {
		var p protocol.ErrorPayload
		_ = json.Unmarshal(reply.Data, &p)
		return nil, &JoinError{Message: p.Message}
	}

	var ack protocol.JoinAck
	if err := json.Unmarshal(reply.Data, &ack); err != nil {
		return nil, fmt.Errorf("decode join ack: %w", err)
	}
	if ack.Status != protocol.StatusOK {
		return nil, &JoinError{Message: ack.Message}
	}
	return ack.Users, nil
}

func (c *Client) request(ctx context.Context, event string, payload any) (protocol.Message, error) {
	id := c.nextAck.Add(1)
	ch := make(chan protocol.Message, 1)

	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	raw, err := protocol.Encode(event, id, payload)
	if err != nil {
		return protocol.Message{}, err
	}
	if err := c.write(raw); err != nil {
		return protocol.Message{}, err
	}

	select {
	case msg := <-ch:
		return msg, nil
	case <-c.done:
		return protocol.Message{}, ErrClosed
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return protocol.Message{}, ErrJoinTimeout
		}
		return protocol.Message{}, ctx.Err()
	}
}

func (c *Client) write(raw []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := c.ws.WriteMessage(websocket.TextMessage, raw); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

func (c *Client) readLoop() {
	defer c.shutdown()

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		msg, err := protocol.DecodeMessage(raw)
		if err != nil {
			continue
		}

		switch msg.Event {
		case protocol.EventAck, protocol.EventError:
			c.mu.Lock()
			ch, ok := c.pending[msg.Ack]
			c.mu.Unlock()
			if ok {
				select {
				case ch <- msg:
				default:
				}
			}
		case protocol.EventUserJoined:
			var u protocol.UserJoined
			if json.Unmarshal(msg.Data, &u) == nil {
				c.emit(Event{Name: msg.Event, ID: u.ID, UserName: u.UserName})
			}
		case protocol.EventUserLeft:
			var id string
			if json.Unmarshal(msg.Data, &id) == nil {
				c.emit(Event{Name: msg.Event, ID: id})
			}
		}
	}
}

func (c *Client) emit(ev Event) {
	select {
	case c.incoming <- ev:
	case <-c.done:
	}
}

// forward moves deltas from the read loop to Events, holding a backlog while
// the caller is busy.
func (c *Client) forward() {
	defer close(c.events)

	var backlog []Event
	for {
		var (
			out  chan Event
			next Event
		)
		if len(backlog) > 0 {
			out, next = c.events, backlog[0]
		}
		select {
		case ev := <-c.incoming:
			backlog = append(backlog, ev)
		case out <- next:
			backlog = backlog[1:]
		case <-c.done:
			return
		}
	}
}

func (c *Client) shutdown() {
	c.once.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

// Close sends a normal close frame and tears the connection down.
func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	c.shutdown()
	return nil
}
