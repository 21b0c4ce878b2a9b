package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/wailbentafat/ws-gateway/metrics"
	"github.com/wailbentafat/ws-gateway/protocol"
)

const (
	natsSubjectPrefix   = "ws.conversation."
	natsSubjectWildcard = natsSubjectPrefix + ">"
)

// NatsBus relays events over core NATS subjects, one subject per room.
type NatsBus struct {
	relay
	url string

	mu     sync.Mutex
	nc     *nats.Conn
	sub    *nats.Subscription
	closed bool
}

// NewNatsBus defers connecting until the bus is first used.
func NewNatsBus(rawURL, instanceID string, local Local, m *metrics.Metrics) *NatsBus {
	return &NatsBus{
		relay: relay{instanceID: instanceID, local: local, metrics: m},
		url:   rawURL,
	}
}

func natsSubject(roomID string) string {
	return natsSubjectPrefix + roomID
}

// connLocked returns the shared connection, dialing it on first use.
// Callers hold b.mu.
func (b *NatsBus) connLocked() (*nats.Conn, error) {
	if b.closed {
		return nil, errBusClosed
	}
	if b.nc != nil {
		return b.nc, nil
	}

	nc, err := nats.Connect(b.url,
		nats.Name("ws-gateway-"+b.instanceID),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(500*time.Millisecond),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log().Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log().Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}
	b.nc = nc
	return nc, nil
}

func (b *NatsBus) EnsureStarted(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.sub != nil {
		return nil
	}
	nc, err := b.connLocked()
	if err != nil {
		return err
	}

	sub, err := nc.Subscribe(natsSubjectWildcard, b.onMsg)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", natsSubjectWildcard, err)
	}
	if err := nc.FlushWithContext(ctx); err != nil {
		_ = sub.Unsubscribe()
		return fmt.Errorf("confirm subscription: %w", err)
	}
	b.sub = sub

	log().Info("NATS bus subscribed", zap.String("subject", natsSubjectWildcard))
	return nil
}

func (b *NatsBus) onMsg(msg *nats.Msg) {
	b.handle(strings.TrimPrefix(msg.Subject, natsSubjectPrefix), msg.Data)
}

func (b *NatsBus) Publish(ctx context.Context, roomID string, ev protocol.Event) error {
	payload, err := envelope{Origin: b.instanceID, Event: ev}.MarshalBinary()
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	subject := natsSubject(roomID)

	err = publishWithRetry(ctx, roomID, func() error {
		b.mu.Lock()
		nc, err := b.connLocked()
		b.mu.Unlock()
		if errors.Is(err, errBusClosed) {
			return backoff.Permanent(err)
		}
		if err != nil {
			return err
		}
		return nc.Publish(subject, payload)
	})
	if err != nil {
		b.metrics.BusPublishFailed.Inc()
		return fmt.Errorf("publish to %s: %w", subject, err)
	}

	b.metrics.BusPublished.Inc()
	return nil
}

func (b *NatsBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	if b.sub != nil {
		_ = b.sub.Drain()
	}
	if b.nc != nil {
		return b.nc.Drain()
	}
	return nil
}
