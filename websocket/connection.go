package websocket

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/wailbentafat/ws-gateway/protocol"
)

const closeNormal = websocket.CloseNormalClosure

var errConnectionClosed = errors.New("connection closed")

// Connection is one authenticated socket. Queued frames are written by a
// single writer goroutine; every write, queued or direct, holds writeMu.
type Connection struct {
	ID          string
	UserID      string
	Subprotocol string

	transport    Transport
	writeTimeout time.Duration

	queue      chan []byte
	done       chan struct{}
	writerDone chan struct{}
	closeOnce  sync.Once
	writeMu    sync.Mutex

	// rooms is guarded by the owning Registry's lock.
	rooms map[string]struct{}
}

func newConnection(id string, t Transport, userID, subprotocol string, queueSize int, writeTimeout time.Duration) *Connection {
	c := &Connection{
		ID:           id,
		UserID:       userID,
		Subprotocol:  subprotocol,
		transport:    t,
		writeTimeout: writeTimeout,
		queue:        make(chan []byte, queueSize),
		done:         make(chan struct{}),
		writerDone:   make(chan struct{}),
		rooms:        make(map[string]struct{}),
	}
	go c.writeLoop()
	return c
}

func (c *Connection) writeLoop() {
	defer close(c.writerDone)

	for {
		select {
		case <-c.done:
			c.flush()
			return
		case msg := <-c.queue:
			if err := c.write(websocket.TextMessage, msg); err != nil {
				log().Debug("Write failed, closing transport",
					zap.String("conn_id", c.ID),
					zap.Error(err))
				_ = c.transport.Close()
				return
			}
		}
	}
}

// flush writes whatever is still queued, stopping at the first error.
func (c *Connection) flush() {
	for {
		select {
		case msg := <-c.queue:
			if err := c.write(websocket.TextMessage, msg); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Connection) write(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.transport.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.transport.WriteMessage(messageType, data)
}

// enqueue never blocks. It reports false when the queue is full.
func (c *Connection) enqueue(msg []byte) bool {
	select {
	case c.queue <- msg:
		return true
	default:
		return false
	}
}

// Closed reports whether Close has started.
func (c *Connection) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// WriteNow writes ev directly, bypassing the queue.
func (c *Connection) WriteNow(ev protocol.Event) error {
	if c.Closed() {
		return errConnectionClosed
	}
	msg, err := ev.Marshal()
	if err != nil {
		return err
	}
	return c.write(websocket.TextMessage, msg)
}

// Close stops the writer, sends a close frame with code and reason, then
// closes the transport. Only the first call has any effect.
func (c *Connection) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		close(c.done)
		<-c.writerDone

		if err := c.write(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason)); err != nil {
			log().Debug("Error sending close message",
				zap.String("conn_id", c.ID),
				zap.Int("code", code),
				zap.Error(err))
		}
		_ = c.transport.Close()
	})
}
