package websocket

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/wailbentafat/ws-gateway/auth"
	"github.com/wailbentafat/ws-gateway/broker"
	"github.com/wailbentafat/ws-gateway/metrics"
	"github.com/wailbentafat/ws-gateway/protocol"
)

type frame struct {
	messageType int
	data        []byte
}

// fakeTransport records every write. With err set every write fails; with
// block set writes wait until it is closed.
type fakeTransport struct {
	mu      sync.Mutex
	frames  []frame
	closed  bool
	err     error
	block   chan struct{}
	entered chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{entered: make(chan struct{}, 1)}
}

func (f *fakeTransport) WriteMessage(messageType int, data []byte) error {
	f.mu.Lock()
	f.frames = append(f.frames, frame{messageType: messageType, data: append([]byte(nil), data...)})
	f.mu.Unlock()

	select {
	case f.entered <- struct{}{}:
	default:
	}
	if f.block != nil {
		<-f.block
	}
	return f.err
}

func (f *fakeTransport) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeTransport) events() []protocol.Event {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []protocol.Event
	for _, fr := range f.frames {
		if fr.messageType != websocket.TextMessage {
			continue
		}
		var ev protocol.Event
		if err := json.Unmarshal(fr.data, &ev); err == nil {
			out = append(out, ev)
		}
	}
	return out
}

// closeCode returns the code of the last close frame written.
func (f *fakeTransport) closeCode() (int, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for i := len(f.frames) - 1; i >= 0; i-- {
		fr := f.frames[i]
		if fr.messageType == websocket.CloseMessage && len(fr.data) >= 2 {
			return int(binary.BigEndian.Uint16(fr.data[:2])), true
		}
	}
	return 0, false
}

func waitForEvents(t *testing.T, f *fakeTransport, n int) []protocol.Event {
	t.Helper()
	require.Eventually(t, func() bool { return len(f.events()) >= n }, 2*time.Second, 5*time.Millisecond)
	return f.events()
}

// tokenVerifier accepts any token and uses it as the user id.
type tokenVerifier struct{}

func (tokenVerifier) Verify(token string) (*auth.Claims, error) {
	return &auth.Claims{Subject: token, UserID: token, Mode: "static", Alg: "none"}, nil
}

type published struct {
	room string
	ev   protocol.Event
}

type recordingBus struct {
	mu        sync.Mutex
	started   int
	published []published
}

func (b *recordingBus) EnsureStarted(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.started++
	return nil
}

func (b *recordingBus) Publish(_ context.Context, room string, ev protocol.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, published{room: room, ev: ev})
	return nil
}

func (b *recordingBus) Close() error { return nil }

func (b *recordingBus) startedCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.started
}

func (b *recordingBus) snapshot() []published {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]published(nil), b.published...)
}

var _ broker.Bus = (*recordingBus)(nil)

type gateway struct {
	srv      *httptest.Server
	registry *Registry
	bus      *recordingBus
	metrics  *metrics.Metrics
}

// newGateway serves the handler with a fake clock, so heartbeats never
// fire and rate-limit buckets never refill.
func newGateway(t *testing.T, tune func(*Options)) *gateway {
	t.Helper()

	opts := DefaultOptions()
	if tune != nil {
		tune(&opts)
	}

	m := metrics.NewNop()
	reg := NewRegistry(RegistryOptions{}, m)
	bus := &recordingBus{}
	h := NewHandler(reg, auth.New(tokenVerifier{}, []string{"https://app.example"}), bus, m, clockwork.NewFakeClock(), opts)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.HandleWebSocket)
	mux.HandleFunc("/ws/conversations/{cid}", h.HandleWebSocket)
	srv := httptest.NewServer(mux)

	t.Cleanup(func() {
		srv.Close()
		reg.CloseAll(protocol.CloseShutdown, "test done")
		reg.Wait()
	})
	return &gateway{srv: srv, registry: reg, bus: bus, metrics: m}
}

func (g *gateway) url(path, token string) string {
	u := "ws" + strings.TrimPrefix(g.srv.URL, "http") + path
	if token != "" {
		u += "?token=" + token
	}
	return u
}

func (g *gateway) dial(t *testing.T, path, token string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(g.url(path, token), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// dialAuthed connects and consumes the auth.ok frame.
func (g *gateway) dialAuthed(t *testing.T, path, token string) *websocket.Conn {
	t.Helper()
	conn := g.dial(t, path, token)
	ev := readEvent(t, conn)
	require.Equal(t, protocol.TypeAuthOK, ev.Type)
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) protocol.Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev protocol.Event
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

// readUntil reads until an event of type typ arrives and returns it along
// with everything read before it.
func readUntil(t *testing.T, conn *websocket.Conn, typ string) (protocol.Event, []protocol.Event) {
	t.Helper()
	var skipped []protocol.Event
	for {
		ev := readEvent(t, conn)
		if ev.Type == typ {
			return ev, skipped
		}
		skipped = append(skipped, ev)
	}
}

// readClose reads until the peer closes and returns the close code.
func readClose(t *testing.T, conn *websocket.Conn) int {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var closeErr *websocket.CloseError
		require.ErrorAs(t, err, &closeErr)
		return closeErr.Code
	}
}

func sendEvent(t *testing.T, conn *websocket.Conn, ev protocol.Event) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(ev))
}
