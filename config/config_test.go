package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, 25*time.Second, cfg.PingInterval())
	assert.Equal(t, 2, cfg.PingMissAllowed)
	assert.Equal(t, 20, cfg.MaxMsgPer10s)
	assert.Equal(t, 1000000, cfg.MaxFrameBytes)
	assert.Equal(t, 512, cfg.QueueSize)
	assert.Equal(t, 5*time.Second, cfg.WriteTimeout)
	assert.Equal(t, time.Second, cfg.TypingDebounce)
	assert.Equal(t, []string{"bearer", "v1"}, cfg.SubprotocolList())
	assert.Empty(t, cfg.Origins())
	assert.Empty(t, cfg.Broker())
	assert.Equal(t, "HS256", cfg.JWTAlg)
	assert.False(t, cfg.DevAllowAnyToken)
	assert.False(t, cfg.DevEndpoints)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("WS_ADDR", ":9090")
	t.Setenv("WS_PING_INTERVAL", "10")
	t.Setenv("WS_MAX_MSG_PER_10S", "5")
	t.Setenv("WS_TYPING_DEBOUNCE", "250ms")
	t.Setenv("WS_SUBPROTOCOLS", " v2 , ,bearer")
	t.Setenv("WS_ALLOWED_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("JWT_ALG", "HS512")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Addr)
	assert.Equal(t, 10*time.Second, cfg.PingInterval())
	assert.Equal(t, 5, cfg.MaxMsgPer10s)
	assert.Equal(t, 250*time.Millisecond, cfg.TypingDebounce)
	assert.Equal(t, []string{"v2", "bearer"}, cfg.SubprotocolList())
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Origins())
	assert.Equal(t, "s3cret", cfg.JWTSecret)
}

func TestBroker_PrefersBrokerURL(t *testing.T) {
	t.Setenv("WS_REDIS_URL", "redis://localhost:6379")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "redis://localhost:6379", cfg.Broker())

	t.Setenv("WS_BROKER_URL", "nats://localhost:4222")
	cfg, err = Load()
	require.NoError(t, err)
	assert.Equal(t, "nats://localhost:4222", cfg.Broker())
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		value   string
		wantErr string
	}{
		{"zero ping interval", "WS_PING_INTERVAL", "0", "WS_PING_INTERVAL must be positive, got 0"},
		{"negative queue", "WS_QUEUE_SIZE", "-1", "WS_QUEUE_SIZE must be positive, got -1"},
		{"zero frame size", "WS_MAX_FRAME_BYTES", "0", "WS_MAX_FRAME_BYTES must be positive, got 0"},
		{"negative miss tolerance", "WS_PING_MISS_ALLOWED", "-3", "WS_PING_MISS_ALLOWED must not be negative"},
		{"bad broker scheme", "WS_BROKER_URL", "amqp://localhost", `broker url scheme "amqp" is not supported`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)

			_, err := Load()
			require.Error(t, err)
			assert.Equal(t, tt.wantErr, err.Error())
		})
	}
}

func TestLoad_UnsupportedAlg(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("JWT_ALG", "RS256")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RS256")
}

func TestLoad_NotAnInteger(t *testing.T) {
	t.Setenv("WS_QUEUE_SIZE", "lots")

	_, err := Load()
	assert.Error(t, err)
}
