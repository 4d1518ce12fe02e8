package journal

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/zoravur/room-presence/internal/logutil"
	"github.com/zoravur/room-presence/internal/presence"
)

const drainTimeout = 5 * time.Second

var _ presence.Observer = (*Consumer)(nil)

// Consumer receives membership changes from the coordinator and writes them
// to a Store from its own goroutine. The coordinator never waits on it: when
// the queue is full entries are dropped.
type Consumer struct {
	store Store
	queue chan Entry
	log   *zap.Logger
	now   func() time.Time
}

func NewConsumer(store Store, size int, log *zap.Logger) *Consumer {
	if size <= 0 {
		size = 1024
	}
	return &Consumer{
		store: store,
		queue: make(chan Entry, size),
		log:   log,
		now:   time.Now,
	}
}

func (c *Consumer) Joined(roomID string, m presence.Member) {
	c.enqueue(Entry{Kind: KindJoined, RoomID: roomID, ConnectionID: m.ConnectionID, DisplayName: m.DisplayName})
}

func (c *Consumer) Rejected(roomID string, m presence.Member, reason error) {
	c.enqueue(Entry{Kind: KindRejected, RoomID: roomID, ConnectionID: m.ConnectionID, DisplayName: m.DisplayName, Reason: reason.Error()})
}

func (c *Consumer) Left(roomID string, m presence.Member) {
	c.enqueue(Entry{Kind: KindLeft, RoomID: roomID, ConnectionID: m.ConnectionID, DisplayName: m.DisplayName})
}

func (c *Consumer) enqueue(e Entry) {
	e.At = c.now()
	select {
	case c.queue <- e:
	default:
		c.log.Warn("journal queue full, dropping entry", logutil.Values(
			zap.String("kind", string(e.Kind)),
			zap.String("room", e.RoomID),
			zap.String("conn", e.ConnectionID),
		))
	}
}

// Run writes queued entries until ctx is cancelled, then flushes what is left.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			c.drain()
			return nil
		case e := <-c.queue:
			c.write(ctx, e)
		}
	}
}

func (c *Consumer) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	for {
		select {
		case e := <-c.queue:
			c.write(ctx, e)
		default:
			return
		}
	}
}

func (c *Consumer) write(ctx context.Context, e Entry) {
	if err := c.store.Insert(ctx, e); err != nil {
		c.log.Warn("journal write failed", zap.Error(err))
	}
}
