package presence

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	faker "github.com/go-faker/faker/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/zoravur/room-presence/internal/protocol"
	"github.com/zoravur/room-presence/pkg/prng"
)

type delivered struct {
	Event   string
	Payload any
}

// inbox records what the coordinator delivers to one connection.
type inbox struct {
	mu     sync.Mutex
	events []delivered
}

func (in *inbox) client() *Client {
	return &Client{Send: func(event string, payload any) error {
		in.push(event, payload)
		return nil
	}}
}

func (in *inbox) push(event string, payload any) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.events = append(in.events, delivered{event, payload})
}

func (in *inbox) all() []delivered {
	in.mu.Lock()
	defer in.mu.Unlock()
	return append([]delivered(nil), in.events...)
}

type recordingObserver struct {
	mu    sync.Mutex
	calls []string
}

func (o *recordingObserver) record(s string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls = append(o.calls, s)
}

func (o *recordingObserver) Joined(roomID string, m Member) {
	o.record("joined " + roomID + " " + m.DisplayName)
}

func (o *recordingObserver) Rejected(roomID string, m Member, reason error) {
	o.record("rejected " + roomID + " " + m.DisplayName + ": " + reason.Error())
}

func (o *recordingObserver) Left(roomID string, m Member) {
	o.record("left " + roomID + " " + m.DisplayName)
}

func startCoordinator(t *testing.T, opts ...Option) *Coordinator {
	t.Helper()
	reg := NewRegistry(WithIDSource(prng.New(1)))
	c := NewCoordinator(reg, append([]Option{WithLogger(zaptest.NewLogger(t))}, opts...)...)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = c.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return c
}

func connect(c *Coordinator) (*Connection, *inbox) {
	in := &inbox{}
	return c.Connect(in.client()), in
}

func join(t *testing.T, c *Coordinator, conn *Connection, room, name string) (JoinResult, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return c.Join(ctx, JoinRequest{ConnectionID: conn.ID, RoomID: room, DisplayName: name})
}

func members(t *testing.T, c *Coordinator, room string) []Member {
	t.Helper()
	m, err := c.Members(context.Background(), room)
	require.NoError(t, err)
	return m
}

func TestJoin_EmptyRoom(t *testing.T) {
	c := startCoordinator(t)
	c1, in1 := connect(c)

	res, err := join(t, c, c1, "R1", "Alice")
	require.NoError(t, err)

	assert.Equal(t, "R1", res.RoomID)
	assert.Equal(t, []protocol.RoomUser{{ID: c1.ID, UserName: "Alice", Me: true}}, res.Users)
	assert.Empty(t, in1.all(), "joiner gets no broadcast about itself")
}

func TestJoin_NameTaken(t *testing.T) {
	c := startCoordinator(t)
	c1, _ := connect(c)
	c2, in2 := connect(c)

	_, err := join(t, c, c1, "R1", "Alice")
	require.NoError(t, err)

	_, err = join(t, c, c2, "R1", "Alice")
	require.ErrorIs(t, err, ErrNameTaken)
	assert.Equal(t, "Name not available", UserMessage(err))

	assert.Len(t, members(t, c, "R1"), 1)
	assert.Empty(t, in2.all())

	// Names are compared exactly.
	_, err = join(t, c, c2, "R1", "alice")
	assert.NoError(t, err)
}

func TestJoin_RoomFull(t *testing.T) {
	c := startCoordinator(t)
	for i := 0; i < RoomCapacity; i++ {
		conn, _ := connect(c)
		_, err := join(t, c, conn, "R1", fmt.Sprintf("user-%d", i))
		require.NoError(t, err)
	}

	c11, _ := connect(c)
	_, err := join(t, c, c11, "R1", "Kim")
	require.ErrorIs(t, err, ErrRoomFull)
	assert.Equal(t, "This room is currently full", UserMessage(err))

	// Capacity is checked before the name.
	_, err = join(t, c, c11, "R1", "user-0")
	require.ErrorIs(t, err, ErrRoomFull)

	assert.Len(t, members(t, c, "R1"), RoomCapacity)
	assert.Empty(t, c.reg.memberships(c11.ID))
}

func TestJoin_UnknownConnection(t *testing.T) {
	c := startCoordinator(t)
	_, err := c.Join(context.Background(), JoinRequest{ConnectionID: "ghost", RoomID: "R1", DisplayName: "Alice"})
	require.ErrorIs(t, err, ErrUnknownConnection)
	assert.Empty(t, members(t, c, "R1"))
}

func TestJoin_BroadcastsToOtherMembers(t *testing.T) {
	c := startCoordinator(t)
	c1, in1 := connect(c)
	c2, in2 := connect(c)
	c3, in3 := connect(c)

	_, err := join(t, c, c1, "R1", "Alice")
	require.NoError(t, err)
	_, err = join(t, c, c2, "R1", "Bob")
	require.NoError(t, err)
	_, err = join(t, c, c3, "R2", "Carol")
	require.NoError(t, err)

	assert.Equal(t, []delivered{
		{protocol.EventUserJoined, protocol.UserJoined{ID: c2.ID, UserName: "Bob"}},
	}, in1.all())
	assert.Empty(t, in2.all())
	assert.Empty(t, in3.all(), "no cross-room delivery")
}

func TestJoin_SnapshotHasExactlyOneSelf(t *testing.T) {
	c := startCoordinator(t)
	faker.SetCryptoSource(prng.New(9))
	room := faker.UUIDHyphenated()

	for i := 0; i < RoomCapacity; i++ {
		conn, _ := connect(c)
		res, err := join(t, c, conn, room, fmt.Sprintf("%s-%d", faker.FirstName(), i))
		require.NoError(t, err)

		assert.Len(t, res.Users, len(members(t, c, room)))
		self := 0
		for _, u := range res.Users {
			if u.Me {
				self++
				assert.Equal(t, conn.ID, u.ID)
			}
		}
		assert.Equal(t, 1, self)
		assert.Equal(t, conn.ID, res.Users[len(res.Users)-1].ID, "roster is in join order")
	}
}

// A connection may hold several names in one room. Every entry it owns is
// flagged as the caller's, and each membership is released on its own.
func TestJoin_SameConnectionTwoNames(t *testing.T) {
	c := startCoordinator(t)
	c1, in1 := connect(c)
	c2, in2 := connect(c)

	_, err := join(t, c, c1, "R1", "Alice")
	require.NoError(t, err)
	_, err = join(t, c, c2, "R1", "Bob")
	require.NoError(t, err)
	res, err := join(t, c, c1, "R1", "Alicia")
	require.NoError(t, err)

	assert.Equal(t, []protocol.RoomUser{
		{ID: c1.ID, UserName: "Alice", Me: true},
		{ID: c2.ID, UserName: "Bob"},
		{ID: c1.ID, UserName: "Alicia", Me: true},
	}, res.Users)

	assert.Equal(t, []delivered{
		{protocol.EventUserJoined, protocol.UserJoined{ID: c2.ID, UserName: "Bob"}},
	}, in1.all())
	assert.Equal(t, []delivered{
		{protocol.EventUserJoined, protocol.UserJoined{ID: c1.ID, UserName: "Alicia"}},
	}, in2.all())

	_, err = join(t, c, c1, "R1", "Bob")
	assert.ErrorIs(t, err, ErrNameTaken)

	require.NoError(t, c.Disconnect(context.Background(), c1.ID))
	assert.Equal(t, []delivered{
		{protocol.EventUserJoined, protocol.UserJoined{ID: c1.ID, UserName: "Alicia"}},
		{protocol.EventUserLeft, c1.ID},
		{protocol.EventUserLeft, c1.ID},
	}, in2.all())
	assert.Equal(t, []Member{{ConnectionID: c2.ID, DisplayName: "Bob"}}, members(t, c, "R1"))
}

func TestDisconnect_NotifiesRemainingMembers(t *testing.T) {
	c := startCoordinator(t)
	c1, _ := connect(c)
	c2, in2 := connect(c)

	_, err := join(t, c, c1, "R1", "Alice")
	require.NoError(t, err)
	_, err = join(t, c, c2, "R1", "Bob")
	require.NoError(t, err)

	require.NoError(t, c.Disconnect(context.Background(), c1.ID))

	assert.Equal(t, []delivered{{protocol.EventUserLeft, c1.ID}}, in2.all())
	assert.Equal(t, []Member{{ConnectionID: c2.ID, DisplayName: "Bob"}}, members(t, c, "R1"))

	_, ok := c.reg.Get(c1.ID)
	assert.False(t, ok)
}

func TestDisconnect_LastMemberRemovesRoom(t *testing.T) {
	c := startCoordinator(t)
	c1, _ := connect(c)

	_, err := join(t, c, c1, "R2", "Alice")
	require.NoError(t, err)
	require.NoError(t, c.Disconnect(context.Background(), c1.ID))

	stats, err := c.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Stats{Rooms: 0, Connections: 0}, stats)
	assert.Empty(t, members(t, c, "R2"))

	c2, _ := connect(c)
	res, err := join(t, c, c2, "R2", "Alice")
	require.NoError(t, err)
	assert.Len(t, res.Users, 1)
}

func TestDisconnect_LeavesEveryRoom(t *testing.T) {
	c := startCoordinator(t)
	c1, _ := connect(c)
	c2, in2 := connect(c)
	c3, in3 := connect(c)

	for _, room := range []string{"A", "B", "C"} {
		_, err := join(t, c, c1, room, "Alice")
		require.NoError(t, err)
	}
	_, err := join(t, c, c2, "A", "Bob")
	require.NoError(t, err)
	_, err = join(t, c, c3, "C", "Carol")
	require.NoError(t, err)

	require.NoError(t, c.Disconnect(context.Background(), c1.ID))

	assert.Equal(t, []Member{{ConnectionID: c2.ID, DisplayName: "Bob"}}, members(t, c, "A"))
	assert.Empty(t, members(t, c, "B"))
	assert.Equal(t, []Member{{ConnectionID: c3.ID, DisplayName: "Carol"}}, members(t, c, "C"))
	assert.Equal(t, []delivered{{protocol.EventUserLeft, c1.ID}}, in2.all())
	assert.Equal(t, []delivered{{protocol.EventUserLeft, c1.ID}}, in3.all())

	stats, err := c.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Stats{Rooms: 2, Connections: 2}, stats)
}

func TestDisconnect_UnknownIsNoop(t *testing.T) {
	c := startCoordinator(t)
	c1, in1 := connect(c)
	_, err := join(t, c, c1, "R1", "Alice")
	require.NoError(t, err)

	require.NoError(t, c.Disconnect(context.Background(), "ghost"))
	require.NoError(t, c.Disconnect(context.Background(), "ghost"))

	assert.Len(t, members(t, c, "R1"), 1)
	assert.Empty(t, in1.all())
}

func TestBroadcastOrderingPerRoom(t *testing.T) {
	c := startCoordinator(t)
	watcher, inW := connect(c)
	b, _ := connect(c)
	a, _ := connect(c)

	_, err := join(t, c, watcher, "R", "Watcher")
	require.NoError(t, err)
	_, err = join(t, c, b, "R", "B")
	require.NoError(t, err)

	_, err = join(t, c, a, "R", "A")
	require.NoError(t, err)
	require.NoError(t, c.Disconnect(context.Background(), b.ID))

	assert.Equal(t, []delivered{
		{protocol.EventUserJoined, protocol.UserJoined{ID: b.ID, UserName: "B"}},
		{protocol.EventUserJoined, protocol.UserJoined{ID: a.ID, UserName: "A"}},
		{protocol.EventUserLeft, b.ID},
	}, inW.all())
}

func TestAckPrecedesLaterRoomEvents(t *testing.T) {
	c := startCoordinator(t)
	c1, in1 := connect(c)
	c2, _ := connect(c)

	_, err := c.Join(context.Background(), JoinRequest{
		ConnectionID: c1.ID, RoomID: "R1", DisplayName: "Alice",
		Ack: func(res JoinResult, err error) {
			assert.NoError(t, err)
			in1.push(protocol.EventAck, res.Users)
		},
	})
	require.NoError(t, err)
	_, err = join(t, c, c2, "R1", "Bob")
	require.NoError(t, err)

	got := in1.all()
	require.Len(t, got, 2)
	assert.Equal(t, protocol.EventAck, got[0].Event)
	assert.Equal(t, protocol.EventUserJoined, got[1].Event)
}

func TestAckReceivesFailure(t *testing.T) {
	c := startCoordinator(t)
	c1, _ := connect(c)
	c2, _ := connect(c)
	_, err := join(t, c, c1, "R1", "Alice")
	require.NoError(t, err)

	var ackErr error
	_, err = c.Join(context.Background(), JoinRequest{
		ConnectionID: c2.ID, RoomID: "R1", DisplayName: "Alice",
		Ack: func(_ JoinResult, err error) { ackErr = err },
	})
	assert.ErrorIs(t, err, ErrNameTaken)
	assert.ErrorIs(t, ackErr, ErrNameTaken)
}

func TestConcurrentJoinsRespectCapacityAndNames(t *testing.T) {
	c := startCoordinator(t)
	const joiners = 60
	names := []string{"Alice", "Bob", "Carol", "Dave", "Eve", "Frank", "Grace", "Heidi",
		"Ivan", "Judy", "Mallory", "Niaj", "Olivia", "Peggy", "Rupert"}

	conns := make([]*Connection, joiners)
	for i := range conns {
		conns[i], _ = connect(c)
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i, conn := range conns {
		wg.Add(1)
		go func(conn *Connection, name string) {
			defer wg.Done()
			_, err := c.Join(context.Background(), JoinRequest{ConnectionID: conn.ID, RoomID: "busy", DisplayName: name})
			if err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
				return
			}
			assert.True(t, err == ErrRoomFull || err == ErrNameTaken, "unexpected error %v", err)
		}(conn, names[i%len(names)])
	}
	wg.Wait()

	got := members(t, c, "busy")
	assert.Equal(t, RoomCapacity, successes)
	assert.Len(t, got, RoomCapacity)

	seen := map[string]bool{}
	for _, m := range got {
		assert.False(t, seen[m.DisplayName], "duplicate name %q", m.DisplayName)
		seen[m.DisplayName] = true
	}
}

func TestConcurrentJoinAndDisconnect(t *testing.T) {
	c := startCoordinator(t)
	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conn, _ := connect(c)
			_, _ = c.Join(context.Background(), JoinRequest{ConnectionID: conn.ID, RoomID: "churn", DisplayName: fmt.Sprintf("u%d", i%12)})
			_ = c.Disconnect(context.Background(), conn.ID)
		}(i)
	}
	wg.Wait()

	stats, err := c.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Stats{}, stats)
}

func TestObserverSeesMembershipChanges(t *testing.T) {
	obs := &recordingObserver{}
	c := startCoordinator(t, WithObserver(obs))
	c1, _ := connect(c)
	c2, _ := connect(c)

	_, err := join(t, c, c1, "R1", "Alice")
	require.NoError(t, err)
	_, err = join(t, c, c2, "R1", "Alice")
	require.Error(t, err)
	require.NoError(t, c.Disconnect(context.Background(), c1.ID))

	assert.Equal(t, []string{
		"joined R1 Alice",
		"rejected R1 Alice: " + ErrNameTaken.Error(),
		"left R1 Alice",
	}, obs.calls)
}

func TestCommandsAfterStop(t *testing.T) {
	reg := NewRegistry()
	c := NewCoordinator(reg, WithLogger(zaptest.NewLogger(t)))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Stats(ctx)
	assert.ErrorIs(t, err, context.Canceled, "no Run yet, caller context wins")

	runCtx, stop := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = c.Run(runCtx)
		close(done)
	}()
	stop()
	<-done

	err = c.Disconnect(context.Background(), "c1")
	assert.ErrorIs(t, err, ErrStopped)
}
