package websocket

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wailbentafat/ws-gateway/metrics"
	"github.com/wailbentafat/ws-gateway/protocol"
)

const (
	DefaultQueueSize    = 512
	DefaultWriteTimeout = 5 * time.Second
)

type RegistryOptions struct {
	QueueSize    int
	WriteTimeout time.Duration
	// OnUserOnline and OnUserOffline run outside the lock when a user's
	// first local connection registers and when their last one leaves.
	OnUserOnline  func(userID string)
	OnUserOffline func(userID string)
}

// Registry tracks live connections and their room and user memberships.
// Broadcasts enqueue while holding the read lock, so a connection removed
// by Disconnect never receives a frame afterwards.
type Registry struct {
	mu    sync.RWMutex
	byID  map[string]*Connection
	rooms map[string]map[*Connection]struct{}
	users map[string]map[*Connection]struct{}

	wg      sync.WaitGroup
	opts    RegistryOptions
	metrics *metrics.Metrics
}

func NewRegistry(opts RegistryOptions, m *metrics.Metrics) *Registry {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	return &Registry{
		byID:    make(map[string]*Connection),
		rooms:   make(map[string]map[*Connection]struct{}),
		users:   make(map[string]map[*Connection]struct{}),
		opts:    opts,
		metrics: m,
	}
}

// Register wraps t in a Connection, starts its writer and indexes it
// under userID.
func (r *Registry) Register(t Transport, userID, subprotocol string) *Connection {
	c := newConnection(uuid.NewString(), t, userID, subprotocol, r.opts.QueueSize, r.opts.WriteTimeout)

	r.mu.Lock()
	r.byID[c.ID] = c
	first := len(r.users[userID]) == 0
	addMember(r.users, userID, c)
	r.wg.Add(1)
	r.mu.Unlock()

	r.metrics.ConnectionsOpen.Inc()
	if first && r.opts.OnUserOnline != nil {
		r.opts.OnUserOnline(userID)
	}
	log().Debug("Connection registered",
		zap.String("conn_id", c.ID),
		zap.String("user_id", userID),
		zap.String("subprotocol", subprotocol))
	return c
}

// JoinRooms adds c to each room and returns the distinct rooms in
// request order. Joining a room twice is a no-op.
func (r *Registry) JoinRooms(c *Connection, rooms []string) []string {
	joined := make([]string, 0, len(rooms))
	seen := make(map[string]struct{}, len(rooms))

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byID[c.ID]; !ok {
		return nil
	}
	for _, room := range rooms {
		if room == "" {
			continue
		}
		if _, dup := seen[room]; dup {
			continue
		}
		seen[room] = struct{}{}
		joined = append(joined, room)
		c.rooms[room] = struct{}{}
		addMember(r.rooms, room, c)
	}
	return joined
}

// LeaveAll removes c from every room and returns the rooms it left, sorted.
func (r *Registry) LeaveAll(c *Connection) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.leaveAllLocked(c)
}

func (r *Registry) leaveAllLocked(c *Connection) []string {
	left := make([]string, 0, len(c.rooms))
	for room := range c.rooms {
		removeMember(r.rooms, room, c)
		left = append(left, room)
	}
	c.rooms = make(map[string]struct{})
	sort.Strings(left)
	return left
}

// Disconnect removes c from the registry and closes it. Calling it again
// for the same connection does nothing.
func (r *Registry) Disconnect(c *Connection) {
	r.mu.Lock()
	if _, ok := r.byID[c.ID]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.byID, c.ID)
	r.leaveAllLocked(c)
	removeMember(r.users, c.UserID, c)
	last := len(r.users[c.UserID]) == 0
	r.mu.Unlock()

	c.Close(closeNormal, "")
	r.metrics.ConnectionsOpen.Dec()
	if last && r.opts.OnUserOffline != nil {
		r.opts.OnUserOffline(c.UserID)
	}
	r.wg.Done()

	log().Debug("Connection removed", zap.String("conn_id", c.ID), zap.String("user_id", c.UserID))
}

// BroadcastToRoom queues ev for every member of room except exclude and
// returns the number of connections it was queued for.
func (r *Registry) BroadcastToRoom(room string, ev protocol.Event, exclude *Connection) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.fanOutLocked(r.rooms[room], ev, exclude)
}

// BroadcastToUser queues ev for every connection of userID except exclude.
func (r *Registry) BroadcastToUser(userID string, ev protocol.Event, exclude *Connection) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.fanOutLocked(r.users[userID], ev, exclude)
}

func (r *Registry) fanOutLocked(members map[*Connection]struct{}, ev protocol.Event, exclude *Connection) int {
	msg, err := ev.Marshal()
	if err != nil {
		log().Error("Failed to encode broadcast", zap.String("type", ev.Type), zap.Error(err))
		return 0
	}

	delivered := 0
	for c := range members {
		if c == exclude {
			continue
		}
		if r.deliver(c, msg) {
			delivered++
		}
	}

	r.metrics.BroadcastRecipients.Observe(float64(delivered))
	r.metrics.EventsOut.WithLabelValues(metrics.EventTypeLabel(ev.Type)).Add(float64(delivered))
	return delivered
}

func (r *Registry) deliver(c *Connection, msg []byte) bool {
	if c.Closed() {
		return false
	}
	if !c.enqueue(msg) {
		r.metrics.DroppedMessages.Inc()
		log().Debug("Send queue full, dropping event", zap.String("conn_id", c.ID))
		return false
	}
	return true
}

// Send queues ev for a single connection.
func (r *Registry) Send(c *Connection, ev protocol.Event) bool {
	msg, err := ev.Marshal()
	if err != nil {
		log().Error("Failed to encode event", zap.String("type", ev.Type), zap.Error(err))
		return false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.byID[c.ID]; !ok {
		return false
	}
	if !r.deliver(c, msg) {
		return false
	}
	r.metrics.EventsOut.WithLabelValues(metrics.EventTypeLabel(ev.Type)).Inc()
	return true
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

func (r *Registry) RoomSize(room string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[room])
}

// Rooms returns the rooms c belongs to, sorted.
func (r *Registry) Rooms(c *Connection) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(c.rooms))
	for room := range c.rooms {
		out = append(out, room)
	}
	sort.Strings(out)
	return out
}

// CloseAll sends every connection a close frame. Each connection's read
// loop then fails and its handler calls Disconnect.
func (r *Registry) CloseAll(code int, reason string) {
	r.mu.RLock()
	conns := make([]*Connection, 0, len(r.byID))
	for _, c := range r.byID {
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	for _, c := range conns {
		log().Info("Closing connection",
			zap.String("conn_id", c.ID),
			zap.String("user_id", c.UserID),
			zap.String("reason", reason))
		c.Close(code, reason)
	}
}

// Wait blocks until every registered connection has been disconnected.
func (r *Registry) Wait() {
	r.wg.Wait()
}

func addMember(index map[string]map[*Connection]struct{}, key string, c *Connection) {
	set, ok := index[key]
	if !ok {
		set = make(map[*Connection]struct{})
		index[key] = set
	}
	set[c] = struct{}{}
}

func removeMember(index map[string]map[*Connection]struct{}, key string, c *Connection) {
	set, ok := index[key]
	if !ok {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(index, key)
	}
}
