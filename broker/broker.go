// Package broker relays room events between gateway processes.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/wailbentafat/ws-gateway/metrics"
	"github.com/wailbentafat/ws-gateway/protocol"
)

// Bus fans an event out to every other process serving the same room.
// Callers always deliver locally before publishing.
type Bus interface {
	// EnsureStarted starts consuming from the broker. It is safe to call
	// many times and concurrently; only the first call subscribes.
	EnsureStarted(ctx context.Context) error
	Publish(ctx context.Context, roomID string, ev protocol.Event) error
	Close() error
}

// Local receives relayed events for delivery to this process's sockets.
type Local interface {
	Deliver(roomID string, ev protocol.Event) int
}

// LocalFunc adapts a function to Local.
type LocalFunc func(roomID string, ev protocol.Event) int

func (f LocalFunc) Deliver(roomID string, ev protocol.Event) int {
	return f(roomID, ev)
}

// envelope is the relay payload. Origin lets a process skip its own publishes.
type envelope struct {
	Origin string         `json:"origin"`
	Event  protocol.Event `json:"event"`
}

// MarshalBinary lets go-redis publish the envelope directly.
func (e envelope) MarshalBinary() ([]byte, error) {
	return json.Marshal(e)
}

func decodeEnvelope(payload []byte) (envelope, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return envelope{}, err
	}
	if env.Event.Type == "" {
		return envelope{}, fmt.Errorf("envelope without event type")
	}
	return env, nil
}

// resolveRoom prefers the event's own cid, then data.cid, then the
// room encoded in the channel or subject name.
func resolveRoom(ev protocol.Event, channelRoom string) string {
	if room := ev.RoomID(); room != "" {
		return room
	}
	return channelRoom
}

const (
	maxRetries     = 3
	initialBackoff = 100 * time.Millisecond
	maxBackoff     = 5 * time.Second
)

// publishWithRetry runs op under the publish backoff policy.
func publishWithRetry(ctx context.Context, roomID string, op func() error) error {
	policy := backoff.WithContext(
		backoff.WithMaxRetries(
			backoff.NewExponentialBackOff(
				backoff.WithInitialInterval(initialBackoff),
				backoff.WithMaxInterval(maxBackoff),
			),
			maxRetries,
		),
		ctx,
	)

	return backoff.RetryNotify(op, policy, func(err error, d time.Duration) {
		log().Warn("Retrying bus publish",
			zap.String("room", roomID),
			zap.Error(err),
			zap.Duration("next_attempt", d))
	})
}

// relay is the receive half shared by the broker-backed buses.
type relay struct {
	instanceID string
	local      Local
	metrics    *metrics.Metrics
}

// handle decodes one broker payload and delivers it locally. Payloads
// this process published itself are skipped; local delivery already
// happened before the publish.
func (r *relay) handle(channelRoom string, payload []byte) {
	env, err := decodeEnvelope(payload)
	if err != nil {
		r.metrics.BusBadPayloads.Inc()
		log().Warn("Skipping malformed bus payload", zap.String("channel_room", channelRoom), zap.Error(err))
		return
	}
	if env.Origin == r.instanceID {
		return
	}

	room := resolveRoom(env.Event, channelRoom)
	if room == "" {
		r.metrics.BusBadPayloads.Inc()
		log().Warn("Skipping bus payload without room", zap.String("type", env.Event.Type))
		return
	}

	n := r.local.Deliver(room, env.Event)
	r.metrics.BusConsumed.Inc()
	log().Debug("Delivered relayed event",
		zap.String("room", room),
		zap.String("type", env.Event.Type),
		zap.String("origin", env.Origin),
		zap.Int("recipients", n))
}

// NoopBus is used when no broker is configured. Local delivery already
// reached every socket, so publishing does nothing.
type NoopBus struct{}

func (NoopBus) EnsureStarted(context.Context) error                  { return nil }
func (NoopBus) Publish(context.Context, string, protocol.Event) error { return nil }
func (NoopBus) Close() error                                         { return nil }

// New picks the bus implementation from the broker URL scheme. An empty
// URL selects NoopBus.
func New(rawURL, instanceID string, local Local, m *metrics.Metrics) (Bus, error) {
	if rawURL == "" {
		return NoopBus{}, nil
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse broker url: %w", err)
	}

	switch u.Scheme {
	case "redis", "rediss":
		return NewRedisBus(rawURL, instanceID, local, m)
	case "nats", "tls":
		return NewNatsBus(rawURL, instanceID, local, m), nil
	default:
		return nil, fmt.Errorf("unsupported broker scheme %q", u.Scheme)
	}
}

func log() *zap.Logger {
	return zap.L().Named("broker")
}
