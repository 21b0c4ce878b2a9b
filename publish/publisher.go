// Package publish is the entry point for services that persist a message
// and then need it fanned out to the room's live sockets.
package publish

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/wailbentafat/ws-gateway/broker"
	"github.com/wailbentafat/ws-gateway/protocol"
)

const (
	maxBodyBytes   = 1 << 20
	publishTimeout = 10 * time.Second
)

type Publisher struct {
	local   broker.Local
	bus     broker.Bus
	maxBody int64
}

func New(local broker.Local, bus broker.Bus) *Publisher {
	return &Publisher{local: local, bus: bus, maxBody: maxBodyBytes}
}

// PublishToRoom delivers payload as a message.new event to every local
// member of roomID, then relays it to other processes. Relay failures are
// logged and never returned. The result is the local delivery count.
func (p *Publisher) PublishToRoom(ctx context.Context, roomID string, payload map[string]any) int {
	ev := protocol.Event{Type: protocol.TypeMessageNew, CID: roomID, Data: payload}

	delivered := p.local.Deliver(roomID, ev)

	if err := p.bus.Publish(ctx, roomID, ev); err != nil {
		log().Error("Failed to relay published event",
			zap.String("room", roomID),
			zap.Int("delivered", delivered),
			zap.Error(err))
	}
	return delivered
}

// HandleDevPublish serves POST /_dev/conversations/{cid}/messages. The body
// must be a JSON object; it becomes the event's data.
func (p *Publisher) HandleDevPublish(w http.ResponseWriter, r *http.Request) {
	cid := r.PathValue("cid")
	if cid == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing cid"})
		return
	}

	var payload map[string]any
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, p.maxBody))
	if err := dec.Decode(&payload); err != nil {
		status := http.StatusBadRequest
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		writeJSON(w, status, map[string]string{"error": "body must be a JSON object"})
		return
	}
	if payload == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "body must be a JSON object"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), publishTimeout)
	defer cancel()

	n := p.PublishToRoom(ctx, cid, payload)
	writeJSON(w, http.StatusAccepted, map[string]int{"delivered": n})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log().Warn("Failed to write response", zap.Error(err))
	}
}

func log() *zap.Logger {
	return zap.L().Named("publish")
}
