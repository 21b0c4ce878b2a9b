package websocket

import (
	"context"
	"errors"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/wailbentafat/ws-gateway/auth"
	"github.com/wailbentafat/ws-gateway/broker"
	"github.com/wailbentafat/ws-gateway/metrics"
	"github.com/wailbentafat/ws-gateway/protocol"
	"github.com/wailbentafat/ws-gateway/ratelimit"
)

const busStartTimeout = 5 * time.Second

type Options struct {
	Subprotocols    []string
	MaxFrameBytes   int
	MaxMsgPer10s    int
	PingInterval    time.Duration
	PingMissAllowed int
	// TypingDebounce suppresses repeated is_typing=true events per room.
	// Zero disables it.
	TypingDebounce time.Duration
}

func DefaultOptions() Options {
	return Options{
		Subprotocols:    []string{"bearer", "v1"},
		MaxFrameBytes:   1_000_000,
		MaxMsgPer10s:    20,
		PingInterval:    DefaultPingInterval,
		PingMissAllowed: DefaultPingMissAllowed,
		TypingDebounce:  time.Second,
	}
}

type Handler struct {
	registry *Registry
	auth     *auth.Authenticator
	bus      broker.Bus
	metrics  *metrics.Metrics
	clock    clockwork.Clock
	opts     Options
	upgrader websocket.Upgrader
}

func NewHandler(registry *Registry, authenticator *auth.Authenticator, bus broker.Bus, m *metrics.Metrics, clock clockwork.Clock, opts Options) *Handler {
	return &Handler{
		registry: registry,
		auth:     authenticator,
		bus:      bus,
		metrics:  m,
		clock:    clock,
		opts:     opts,
		upgrader: websocket.Upgrader{
			// Origins are checked after the upgrade so the rejection
			// reaches the client as an auth.error frame.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// negotiateSubprotocol returns the first protocol the client offered that
// is also supported, or "".
func negotiateSubprotocol(offered, supported []string) string {
	for _, p := range offered {
		for _, s := range supported {
			if p == s {
				return p
			}
		}
	}
	return ""
}

func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	subprotocol := negotiateSubprotocol(websocket.Subprotocols(r), h.opts.Subprotocols)
	var header http.Header
	if subprotocol != "" {
		header = http.Header{"Sec-Websocket-Protocol": []string{subprotocol}}
	}

	conn, err := h.upgrader.Upgrade(w, r, header)
	if err != nil {
		log().Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}
	// Frames between the configured ceiling and twice that are rejected
	// in-band; anything larger is cut off by the transport.
	conn.SetReadLimit(int64(h.opts.MaxFrameBytes) * 2)

	claims, err := h.auth.Authenticate(r)
	if err != nil {
		h.reject(conn, err)
		return
	}

	c := h.registry.Register(conn, claims.UserID, subprotocol)
	h.metrics.AuthOK.Inc()
	log().Info("Authentication successful",
		zap.String("conn_id", c.ID),
		zap.String("user_id", claims.UserID),
		zap.String("mode", claims.Mode))

	h.registry.Send(c, protocol.Event{
		Type: protocol.TypeAuthOK,
		Data: map[string]any{"mode": claims.Mode, "alg": claims.Alg},
	})

	startCtx, cancelStart := context.WithTimeout(context.Background(), busStartTimeout)
	if err := h.bus.EnsureStarted(startCtx); err != nil {
		log().Warn("Bus unavailable, connection is local-only", zap.String("conn_id", c.ID), zap.Error(err))
	}
	cancelStart()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hb := StartHeartbeat(ctx, c, h.opts.PingInterval, h.opts.PingMissAllowed, h.clock, h.metrics)

	s := &session{
		h:       h,
		conn:    c,
		limiter: ratelimit.PerWindow(h.opts.MaxMsgPer10s, h.clock),
		typing:  make(map[string]time.Time),
	}

	if cid := r.PathValue("cid"); cid != "" {
		s.join([]string{cid})
	}

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			log().Debug("Read loop ended", zap.String("conn_id", c.ID), zap.Error(err))
			break
		}
		if !s.handleFrame(ctx, raw) {
			break
		}
	}

	log().Info("Cleaning up connection", zap.String("conn_id", c.ID), zap.String("user_id", c.UserID))
	hb.Stop()
	s.leave()
	h.registry.Disconnect(c)
}

func (h *Handler) reject(conn *websocket.Conn, err error) {
	var authErr *auth.Error
	if !errors.As(err, &authErr) {
		authErr = &auth.Error{Reason: auth.ErrUnauthorized.Reason, Code: auth.ErrUnauthorized.Code, Err: err}
	}
	h.metrics.AuthError.WithLabelValues(authErr.Reason).Inc()
	log().Info("Authentication rejected", zap.String("reason", authErr.Reason), zap.Error(err))

	_ = conn.SetWriteDeadline(time.Now().Add(DefaultWriteTimeout))
	_ = conn.WriteJSON(protocol.Event{Type: protocol.TypeAuthError, Error: authErr.Reason})
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(authErr.Code, authErr.Reason))
	_ = conn.Close()
}

// session is the per-connection state owned by the read loop.
type session struct {
	h       *Handler
	conn    *Connection
	limiter *ratelimit.Bucket
	// typing holds the last emitted is_typing=true per room.
	typing map[string]time.Time
}

// handleFrame processes one inbound frame and reports whether the read
// loop should continue.
func (s *session) handleFrame(ctx context.Context, raw []byte) bool {
	m := s.h.metrics

	if len(raw) > s.h.opts.MaxFrameBytes {
		m.FrameTooLarge.Inc()
		s.fatal(protocol.ErrFrameTooLarge, protocol.CloseFrameTooLarge)
		return false
	}

	if !s.limiter.Consume(1) {
		m.RateLimited.Inc()
		s.fatal(protocol.ErrRateLimited, protocol.CloseRateLimited)
		return false
	}

	ev, err := protocol.Parse(raw)
	if err != nil {
		m.BadJSON.Inc()
		s.replyError(protocol.ErrBadJSON)
		return true
	}

	start := s.h.clock.Now()
	label := metrics.EventTypeLabel(ev.Type)
	m.EventsIn.WithLabelValues(label).Inc()
	s.dispatch(ctx, ev)
	m.EventProcess.WithLabelValues(label).Observe(s.h.clock.Since(start).Seconds())
	return true
}

func (s *session) dispatch(ctx context.Context, ev protocol.Event) {
	switch ev.Type {
	case protocol.TypePresenceJoin:
		cids := ev.Strings("cids")
		if len(cids) == 0 {
			s.replyError(protocol.ErrMissingCIDs)
			return
		}
		s.join(cids)

	case protocol.TypeMessageNew:
		s.messageNew(ctx, ev)

	case protocol.TypeTyping:
		s.typingEvent(ev)

	case protocol.TypeMessageRead:
		s.messageRead(ctx, ev)

	case protocol.TypePing:
		s.h.registry.Send(s.conn, protocol.NewPong())

	case protocol.TypePong:

	default:
		s.replyError(protocol.ErrUnknownEvent)
	}
}

func (s *session) join(cids []string) {
	reg := s.h.registry
	joined := reg.JoinRooms(s.conn, cids)

	for _, cid := range joined {
		reg.BroadcastToRoom(cid, protocol.Event{
			Type: protocol.TypePresenceJoin,
			CID:  cid,
			Data: map[string]any{"cid": cid, "user_id": s.conn.UserID},
		}, s.conn)
		s.h.metrics.PresenceJoins.Inc()
	}

	reg.Send(s.conn, protocol.Event{
		Type: protocol.TypePresenceJoin,
		Data: map[string]any{"cids": joined},
	})
}

func (s *session) leave() {
	reg := s.h.registry
	for _, cid := range reg.LeaveAll(s.conn) {
		reg.BroadcastToRoom(cid, protocol.Event{
			Type: protocol.TypePresenceLeave,
			CID:  cid,
			Data: map[string]any{"cid": cid, "user_id": s.conn.UserID},
		}, s.conn)
		s.h.metrics.PresenceLeaves.Inc()
	}
}

func (s *session) messageNew(ctx context.Context, ev protocol.Event) {
	cid := ev.RoomID()
	content := ev.String("content")
	if cid == "" || content == "" || utf8.RuneCountInString(content) > protocol.MaxContentLength {
		s.replyError(protocol.ErrInvalidMessage)
		return
	}

	s.h.registry.Send(s.conn, protocol.Event{
		Type: protocol.TypeMessageAck,
		CID:  cid,
		Data: map[string]any{"ok": true},
	})
	s.h.metrics.MessagesAcked.Inc()

	s.relay(ctx, cid, protocol.Event{Type: protocol.TypeMessageNew, CID: cid, Data: ev.Data})
}

func (s *session) typingEvent(ev protocol.Event) {
	cid := ev.RoomID()
	if cid == "" {
		return
	}
	isTyping := ev.Bool("is_typing", true)

	if isTyping && s.h.opts.TypingDebounce > 0 {
		now := s.h.clock.Now()
		if last, ok := s.typing[cid]; ok && now.Sub(last) < s.h.opts.TypingDebounce {
			s.h.metrics.TypingSuppressed.Inc()
			return
		}
		s.typing[cid] = now
	} else if !isTyping {
		delete(s.typing, cid)
	}

	s.h.registry.BroadcastToRoom(cid, protocol.Event{
		Type: protocol.TypeTyping,
		CID:  cid,
		Data: map[string]any{"cid": cid, "is_typing": isTyping, "user_id": s.conn.UserID},
	}, s.conn)
	s.h.metrics.TypingEmitted.Inc()
}

func (s *session) messageRead(ctx context.Context, ev protocol.Event) {
	cid := ev.RoomID()
	mid := ev.String("mid")
	if cid == "" || mid == "" {
		s.replyError(protocol.ErrInvalidReceipt)
		return
	}

	s.relay(ctx, cid, protocol.Event{
		Type: protocol.TypeMessageRead,
		CID:  cid,
		Data: map[string]any{"mid": mid, "user_id": s.conn.UserID},
	})
	s.h.metrics.ReadReceipts.Inc()
}

// relay delivers ev to the room's other local members, then to other
// processes through the bus.
func (s *session) relay(ctx context.Context, cid string, ev protocol.Event) {
	s.h.registry.BroadcastToRoom(cid, ev, s.conn)

	pubCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := s.h.bus.Publish(pubCtx, cid, ev); err != nil {
		log().Warn("Failed to publish event",
			zap.String("conn_id", s.conn.ID),
			zap.String("cid", cid),
			zap.String("type", ev.Type),
			zap.Error(err))
	}
}

func (s *session) replyError(reason string) {
	s.h.metrics.Errors.WithLabelValues(reason).Inc()
	s.h.registry.Send(s.conn, protocol.NewError(reason))
}

// fatal writes the error ahead of anything still queued, then closes.
func (s *session) fatal(reason string, code int) {
	s.h.metrics.Errors.WithLabelValues(reason).Inc()
	if err := s.conn.WriteNow(protocol.NewError(reason)); err != nil {
		log().Debug("Failed to write fatal error", zap.String("conn_id", s.conn.ID), zap.Error(err))
	}
	log().Info("Closing connection",
		zap.String("conn_id", s.conn.ID),
		zap.String("reason", reason),
		zap.Int("code", code))
	s.conn.Close(code, reason)
}
