package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/wailbentafat/ws-gateway/metrics"
	"github.com/wailbentafat/ws-gateway/protocol"
)

const (
	redisChannelPrefix  = "ws:conversation:"
	redisChannelPattern = redisChannelPrefix + "*"
)

var errBusClosed = errors.New("bus closed")

// RedisBus relays events over Redis pub/sub, one channel per room and a
// single pattern subscription per process.
type RedisBus struct {
	relay
	client *redis.Client

	mu      sync.Mutex
	started bool
	closed  bool
	pubsub  *redis.PubSub
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewRedisBus builds the client from a redis:// or rediss:// URL. No
// connection is made until EnsureStarted or Publish.
func NewRedisBus(rawURL, instanceID string, local Local, m *metrics.Metrics) (*RedisBus, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return NewRedisBusWithClient(redis.NewClient(opts), instanceID, local, m), nil
}

func NewRedisBusWithClient(client *redis.Client, instanceID string, local Local, m *metrics.Metrics) *RedisBus {
	return &RedisBus{
		relay:  relay{instanceID: instanceID, local: local, metrics: m},
		client: client,
	}
}

func redisChannel(roomID string) string {
	return redisChannelPrefix + roomID
}

func (b *RedisBus) EnsureStarted(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return errBusClosed
	}
	if b.started {
		return nil
	}

	pubsub := b.client.PSubscribe(ctx, redisChannelPattern)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return fmt.Errorf("failed to subscribe to %s: %w", redisChannelPattern, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	b.pubsub = pubsub
	b.cancel = cancel
	b.done = make(chan struct{})
	b.started = true

	go b.consume(runCtx, pubsub.Channel(), b.done)

	log().Info("Redis bus subscribed", zap.String("pattern", redisChannelPattern))
	return nil
}

func (b *RedisBus) consume(ctx context.Context, messages <-chan *redis.Message, done chan struct{}) {
	defer close(done)

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			b.handle(strings.TrimPrefix(msg.Channel, redisChannelPrefix), []byte(msg.Payload))
		}
	}
}

func (b *RedisBus) Publish(ctx context.Context, roomID string, ev protocol.Event) error {
	env := envelope{Origin: b.instanceID, Event: ev}
	channel := redisChannel(roomID)

	err := publishWithRetry(ctx, roomID, func() error {
		return b.client.Publish(ctx, channel, env).Err()
	})
	if err != nil {
		b.metrics.BusPublishFailed.Inc()
		return fmt.Errorf("publish to %s: %w", channel, err)
	}

	b.metrics.BusPublished.Inc()
	return nil
}

func (b *RedisBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	if b.started {
		b.cancel()
		if err := b.pubsub.Close(); err != nil {
			log().Warn("Error closing Redis subscription", zap.Error(err))
		}
		<-b.done
	}

	return b.client.Close()
}
