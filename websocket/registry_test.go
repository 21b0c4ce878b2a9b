package websocket

import (
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wailbentafat/ws-gateway/metrics"
	"github.com/wailbentafat/ws-gateway/protocol"
)

func newTestRegistry() (*Registry, *metrics.Metrics) {
	m := metrics.NewNop()
	return NewRegistry(RegistryOptions{}, m), m
}

func typingIn(cid string) protocol.Event {
	return protocol.Event{Type: protocol.TypeTyping, CID: cid, Data: map[string]any{"is_typing": true}}
}

func TestRegistry_RegisterAndDisconnect(t *testing.T) {
	reg, m := newTestRegistry()
	ft := newFakeTransport()

	c := reg.Register(ft, "alice", "v1")
	assert.NotEmpty(t, c.ID)
	assert.Equal(t, "alice", c.UserID)
	assert.Equal(t, "v1", c.Subprotocol)
	assert.Equal(t, 1, reg.Count())
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ConnectionsOpen))

	reg.JoinRooms(c, []string{"c-1"})
	reg.Disconnect(c)
	reg.Disconnect(c)

	assert.Equal(t, 0, reg.Count())
	assert.Equal(t, 0, reg.RoomSize("c-1"))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.ConnectionsOpen))
	assert.True(t, ft.isClosed())

	code, ok := ft.closeCode()
	require.True(t, ok)
	assert.Equal(t, closeNormal, code)

	done := make(chan struct{})
	go func() {
		reg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after Disconnect")
	}
}

func TestRegistry_BroadcastToRoom(t *testing.T) {
	reg, _ := newTestRegistry()
	fa, fb, fc := newFakeTransport(), newFakeTransport(), newFakeTransport()
	a := reg.Register(fa, "a", "")
	b := reg.Register(fb, "b", "")
	other := reg.Register(fc, "c", "")
	t.Cleanup(func() {
		reg.Disconnect(a)
		reg.Disconnect(b)
		reg.Disconnect(other)
	})

	reg.JoinRooms(a, []string{"c-1"})
	reg.JoinRooms(b, []string{"c-1"})
	reg.JoinRooms(other, []string{"c-2"})

	assert.Equal(t, 2, reg.BroadcastToRoom("c-1", typingIn("c-1"), nil))
	waitForEvents(t, fa, 1)
	waitForEvents(t, fb, 1)

	assert.Equal(t, 1, reg.BroadcastToRoom("c-1", typingIn("c-1"), a))
	waitForEvents(t, fb, 2)

	// Excluding a non-member changes nothing.
	assert.Equal(t, 2, reg.BroadcastToRoom("c-1", typingIn("c-1"), other))
	assert.Equal(t, 0, reg.BroadcastToRoom("missing", typingIn("missing"), nil))

	waitForEvents(t, fa, 2)
	waitForEvents(t, fb, 3)
	assert.Empty(t, fc.events())
}

func TestRegistry_BroadcastToUser(t *testing.T) {
	reg, _ := newTestRegistry()
	phone, laptop, stranger := newFakeTransport(), newFakeTransport(), newFakeTransport()
	p := reg.Register(phone, "alice", "")
	l := reg.Register(laptop, "alice", "")
	s := reg.Register(stranger, "bob", "")
	t.Cleanup(func() {
		reg.Disconnect(p)
		reg.Disconnect(l)
		reg.Disconnect(s)
	})

	assert.Equal(t, 2, reg.BroadcastToUser("alice", protocol.NewPong(), nil))
	assert.Equal(t, 1, reg.BroadcastToUser("alice", protocol.NewPong(), p))

	waitForEvents(t, phone, 1)
	waitForEvents(t, laptop, 2)
	assert.Empty(t, stranger.events())
}

func TestRegistry_JoinRoomsIdempotent(t *testing.T) {
	reg, _ := newTestRegistry()
	c := reg.Register(newFakeTransport(), "a", "")
	t.Cleanup(func() { reg.Disconnect(c) })

	assert.Equal(t, []string{"c-2", "c-1"}, reg.JoinRooms(c, []string{"c-2", "c-1", "c-2", ""}))
	assert.Equal(t, []string{"c-1"}, reg.JoinRooms(c, []string{"c-1"}))
	assert.Equal(t, 1, reg.RoomSize("c-1"))
	assert.Equal(t, []string{"c-1", "c-2"}, reg.Rooms(c))
}

func TestRegistry_LeaveAllIdempotent(t *testing.T) {
	reg, _ := newTestRegistry()
	c := reg.Register(newFakeTransport(), "a", "")
	t.Cleanup(func() { reg.Disconnect(c) })

	reg.JoinRooms(c, []string{"c-3", "c-1", "c-2"})

	assert.Equal(t, []string{"c-1", "c-2", "c-3"}, reg.LeaveAll(c))
	assert.Empty(t, reg.LeaveAll(c))
	assert.Empty(t, reg.Rooms(c))
	assert.Equal(t, 0, reg.RoomSize("c-1"))
}

func TestRegistry_JoinAfterDisconnect(t *testing.T) {
	reg, _ := newTestRegistry()
	c := reg.Register(newFakeTransport(), "a", "")
	reg.Disconnect(c)

	assert.Nil(t, reg.JoinRooms(c, []string{"c-1"}))
	assert.Equal(t, 0, reg.RoomSize("c-1"))
	assert.False(t, reg.Send(c, protocol.NewPong()))
}

func TestRegistry_FullQueueDrops(t *testing.T) {
	reg, m := newTestRegistry()
	ft := newFakeTransport()
	ft.block = make(chan struct{})
	c := reg.Register(ft, "slow", "")
	reg.JoinRooms(c, []string{"c-1"})

	// The writer takes the first frame and blocks writing it, leaving the
	// whole queue free.
	require.True(t, reg.Send(c, protocol.NewPong()))
	select {
	case <-ft.entered:
	case <-time.After(time.Second):
		t.Fatal("writer never started")
	}

	delivered := 0
	for i := 0; i < DefaultQueueSize+88; i++ {
		delivered += reg.BroadcastToRoom("c-1", typingIn("c-1"), nil)
	}

	assert.Equal(t, DefaultQueueSize, delivered)
	assert.Equal(t, float64(88), testutil.ToFloat64(m.DroppedMessages))

	close(ft.block)
	reg.Disconnect(c)
}

func TestRegistry_SlowConsumerDoesNotStallOthers(t *testing.T) {
	reg, _ := newTestRegistry()
	slow := newFakeTransport()
	slow.block = make(chan struct{})
	fast := newFakeTransport()

	s := reg.Register(slow, "slow", "")
	f := reg.Register(fast, "fast", "")
	reg.JoinRooms(s, []string{"c-1"})
	reg.JoinRooms(f, []string{"c-1"})

	for i := 0; i < 10; i++ {
		reg.BroadcastToRoom("c-1", typingIn("c-1"), nil)
	}
	waitForEvents(t, fast, 10)

	close(slow.block)
	reg.Disconnect(s)
	reg.Disconnect(f)
}

func TestRegistry_CloseAll(t *testing.T) {
	reg, _ := newTestRegistry()
	fa, fb := newFakeTransport(), newFakeTransport()
	a := reg.Register(fa, "a", "")
	b := reg.Register(fb, "b", "")

	reg.CloseAll(protocol.CloseShutdown, "server shutting down")

	for _, ft := range []*fakeTransport{fa, fb} {
		code, ok := ft.closeCode()
		require.True(t, ok)
		assert.Equal(t, protocol.CloseShutdown, code)
		assert.True(t, ft.isClosed())
	}

	// Handlers disconnect once their read loops fail.
	var wg sync.WaitGroup
	for _, c := range []*Connection{a, b} {
		wg.Add(1)
		go func(c *Connection) {
			defer wg.Done()
			reg.Disconnect(c)
		}(c)
	}
	wg.Wait()
	reg.Wait()
	assert.Equal(t, 0, reg.Count())
}

func TestRegistry_BroadcastMetrics(t *testing.T) {
	reg, m := newTestRegistry()
	a := reg.Register(newFakeTransport(), "a", "")
	b := reg.Register(newFakeTransport(), "b", "")
	t.Cleanup(func() {
		reg.Disconnect(a)
		reg.Disconnect(b)
	})
	reg.JoinRooms(a, []string{"c-1"})
	reg.JoinRooms(b, []string{"c-1"})

	reg.BroadcastToRoom("c-1", typingIn("c-1"), nil)

	assert.Equal(t, float64(2), testutil.ToFloat64(m.EventsOut.WithLabelValues(protocol.TypeTyping)))
}

func TestRegistry_UserOnlineHooks(t *testing.T) {
	var mu sync.Mutex
	var online, offline []string
	reg := NewRegistry(RegistryOptions{
		OnUserOnline: func(u string) {
			mu.Lock()
			defer mu.Unlock()
			online = append(online, u)
		},
		OnUserOffline: func(u string) {
			mu.Lock()
			defer mu.Unlock()
			offline = append(offline, u)
		},
	}, metrics.NewNop())

	phone := reg.Register(newFakeTransport(), "alice", "")
	laptop := reg.Register(newFakeTransport(), "alice", "")
	bob := reg.Register(newFakeTransport(), "bob", "")

	reg.Disconnect(phone)
	assert.Empty(t, offline)

	reg.Disconnect(laptop)
	reg.Disconnect(bob)

	assert.Equal(t, []string{"alice", "bob"}, online)
	assert.Equal(t, []string{"alice", "bob"}, offline)
}
