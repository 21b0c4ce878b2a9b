package websocket

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/wailbentafat/ws-gateway/metrics"
	"github.com/wailbentafat/ws-gateway/protocol"
)

const (
	DefaultPingInterval    = 25 * time.Second
	DefaultPingMissAllowed = 2
)

// Heartbeat writes an application-level ping every interval. A failed
// write counts as a miss; misses are never reset, and once they exceed the
// tolerance the connection is closed with 1011.
type Heartbeat struct {
	conn      *Connection
	interval  time.Duration
	tolerance int
	clock     clockwork.Clock
	metrics   *metrics.Metrics

	misses int
	cancel context.CancelFunc
	done   chan struct{}
}

func StartHeartbeat(ctx context.Context, c *Connection, interval time.Duration, tolerance int, clock clockwork.Clock, m *metrics.Metrics) *Heartbeat {
	if interval <= 0 {
		interval = DefaultPingInterval
	}
	if tolerance < 0 {
		tolerance = DefaultPingMissAllowed
	}

	ctx, cancel := context.WithCancel(ctx)
	h := &Heartbeat{
		conn:      c,
		interval:  interval,
		tolerance: tolerance,
		clock:     clock,
		metrics:   m,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	go h.run(ctx)
	return h
}

func (h *Heartbeat) run(ctx context.Context) {
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.clock.After(h.interval):
		}

		if err := h.conn.WriteNow(protocol.NewPing(h.clock.Now())); err != nil {
			h.misses++
			log().Debug("Heartbeat ping failed",
				zap.String("conn_id", h.conn.ID),
				zap.Int("misses", h.misses),
				zap.Error(err))

			if h.misses > h.tolerance {
				h.metrics.HeartbeatDisconnects.Inc()
				log().Info("Closing connection after missed heartbeats",
					zap.String("conn_id", h.conn.ID),
					zap.String("user_id", h.conn.UserID),
					zap.Int("misses", h.misses))
				h.conn.Close(protocol.CloseHeartbeatFailed, "heartbeat failed")
				return
			}
			continue
		}

		h.metrics.HeartbeatPings.Inc()
	}
}

// Stop ends the loop and waits for it to exit.
func (h *Heartbeat) Stop() {
	h.cancel()
	<-h.done
}
