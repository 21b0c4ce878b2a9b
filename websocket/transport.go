package websocket

import "time"

// Transport is the write side of a socket. *websocket.Conn satisfies it;
// tests substitute fakes.
type Transport interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}
