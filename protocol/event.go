package protocol

import (
	"encoding/json"
	"time"
)

// Event types carried over the wire, one JSON object per text frame.
const (
	TypePresenceJoin  = "presence.join"
	TypePresenceLeave = "presence.leave"
	TypeMessageNew    = "message.new"
	TypeMessageAck    = "message.ack"
	TypeMessageRead   = "message.read"
	TypeTyping        = "typing"
	TypePing          = "ping"
	TypePong          = "pong"
	TypeError         = "error"
	TypeAuthOK        = "auth.ok"
	TypeAuthError     = "auth.error"
)

// Error reasons sent in the "error" field of error events.
const (
	ErrFrameTooLarge  = "frame_too_large"
	ErrRateLimited    = "rate_limited"
	ErrBadJSON        = "bad_json"
	ErrMissingCIDs    = "missing_cids"
	ErrInvalidMessage = "invalid_message"
	ErrInvalidReceipt = "invalid_receipt"
	ErrUnknownEvent   = "unknown_event"
)

// MaxContentLength is the longest message.new content accepted, in characters.
const MaxContentLength = 4000

// Event is a single wire frame.
type Event struct {
	Type  string         `json:"type"`
	CID   string         `json:"cid,omitempty"`
	Data  map[string]any `json:"data,omitempty"`
	Error string         `json:"error,omitempty"`
	TS    string         `json:"ts,omitempty"`
}

// Parse decodes one inbound frame.
func Parse(raw []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return Event{}, err
	}
	return ev, nil
}

// Marshal encodes an event for the wire.
func (e Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// RoomID returns the event's conversation id, falling back to data.cid.
func (e Event) RoomID() string {
	if e.CID != "" {
		return e.CID
	}
	return e.String("cid")
}

// String returns data[key] if it is a string.
func (e Event) String(key string) string {
	s, _ := e.Data[key].(string)
	return s
}

// Strings returns data[key] as a string list, skipping non-string and empty entries.
func (e Event) Strings(key string) []string {
	raw, ok := e.Data[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Bool returns data[key] if it is a bool, def otherwise.
func (e Event) Bool(key string, def bool) bool {
	b, ok := e.Data[key].(bool)
	if !ok {
		return def
	}
	return b
}

func NewError(reason string) Event {
	return Event{Type: TypeError, Error: reason}
}

func NewPing(now time.Time) Event {
	return Event{Type: TypePing, TS: now.UTC().Format(time.RFC3339Nano)}
}

func NewPong() Event {
	return Event{Type: TypePong}
}
