package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/wailbentafat/ws-gateway/broker"
	"github.com/wailbentafat/ws-gateway/protocol"
	"github.com/wailbentafat/ws-gateway/websocket"
)

const defaultShutdownTimeout = 15 * time.Second

// Routes are the handlers the server mounts. Nil dev handlers are not
// mounted.
type Routes struct {
	WebSocket  http.HandlerFunc
	DevPublish http.HandlerFunc
	DevOnline  http.HandlerFunc
}

type Server struct {
	httpServer      *http.Server
	registry        *websocket.Registry
	bus             broker.Bus
	shutdownTimeout time.Duration
}

func NewServer(addr string, routes Routes, registry *websocket.Registry, bus broker.Bus, gatherer prometheus.Gatherer, shutdownTimeout time.Duration) *Server {
	if shutdownTimeout <= 0 {
		shutdownTimeout = defaultShutdownTimeout
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", routes.WebSocket)
	mux.HandleFunc("GET /ws/conversations/{cid}", routes.WebSocket)
	mux.HandleFunc("GET /healthz", healthHandler(registry))
	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	if routes.DevPublish != nil {
		mux.HandleFunc("POST /_dev/conversations/{cid}/messages", routes.DevPublish)
	}
	if routes.DevOnline != nil {
		mux.HandleFunc("GET /_dev/online", routes.DevOnline)
	}

	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
		registry:        registry,
		bus:             bus,
		shutdownTimeout: shutdownTimeout,
	}
}

func healthHandler(registry *websocket.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":      "ok",
			"connections": registry.Count(),
		})
	}
}

func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start serves until Shutdown. It returns nil once the server is closed.
func (s *Server) Start() error {
	log().Info("Listening", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Serve is Start on an existing listener.
func (s *Server) Serve(l net.Listener) error {
	if err := s.httpServer.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests, closes every socket with 1001, waits
// for their handlers to finish and finally closes the bus.
func (s *Server) Shutdown(ctx context.Context) {
	shutdownCtx, cancel := context.WithTimeout(ctx, s.shutdownTimeout)
	defer cancel()

	log().Info("Shutting down HTTP server")
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		log().Warn("HTTP server shutdown error", zap.Error(err))
	}

	log().Info("Closing WebSocket connections", zap.Int("connections", s.registry.Count()))
	s.registry.CloseAll(protocol.CloseShutdown, "server shutting down")

	done := make(chan struct{})
	go func() {
		s.registry.Wait()
		close(done)
	}()

	select {
	case <-done:
		log().Info("All connections drained")
	case <-shutdownCtx.Done():
		log().Warn("Shutdown timeout exceeded, forcing exit")
	}

	log().Info("Closing bus")
	if err := s.bus.Close(); err != nil {
		log().Warn("Bus close error", zap.Error(err))
	}

	log().Info("Shutdown complete")
}

func log() *zap.Logger {
	return zap.L().Named("server")
}
