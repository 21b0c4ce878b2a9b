package cmd

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wailbentafat/ws-gateway/auth"
	"github.com/wailbentafat/ws-gateway/broker"
	"github.com/wailbentafat/ws-gateway/config"
	"github.com/wailbentafat/ws-gateway/logging"
	"github.com/wailbentafat/ws-gateway/metrics"
	"github.com/wailbentafat/ws-gateway/presence"
	"github.com/wailbentafat/ws-gateway/protocol"
	"github.com/wailbentafat/ws-gateway/publish"
	"github.com/wailbentafat/ws-gateway/server"
	"github.com/wailbentafat/ws-gateway/websocket"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"s"},
	Short:   "Start the WebSocket gateway",
	Long: `Start the gateway. Configuration comes from the environment and an
optional .env file; see WS_* and JWT_* variables.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address, overrides WS_ADDR")

	// A bare invocation serves.
	rootCmd.RunE = runServe
	rootCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address, overrides WS_ADDR")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if serveAddr != "" {
		cfg.Addr = serveAddr
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(promReg)

	verifier, err := auth.Select(cfg.JWTSecret, cfg.JWTAlg, cfg.DevAllowAnyToken)
	if err != nil {
		return err
	}
	if verifier == nil {
		logger.Warn("No JWT_SECRET configured and dev auth disabled, every connection will be rejected")
	}
	authenticator := auth.New(verifier, cfg.Origins())

	store, closeStore, err := presenceStore(cfg.Broker())
	if err != nil {
		return err
	}
	defer closeStore()
	tracker := presence.NewTracker(store)

	registry := websocket.NewRegistry(websocket.RegistryOptions{
		QueueSize:     cfg.QueueSize,
		WriteTimeout:  cfg.WriteTimeout,
		OnUserOnline:  tracker.Online,
		OnUserOffline: tracker.Offline,
	}, m)

	instanceID := uuid.NewString()
	local := broker.LocalFunc(func(roomID string, ev protocol.Event) int {
		return registry.BroadcastToRoom(roomID, ev, nil)
	})
	bus, err := broker.New(cfg.Broker(), instanceID, local, m)
	if err != nil {
		return err
	}

	handler := websocket.NewHandler(registry, authenticator, bus, m, clockwork.NewRealClock(), websocket.Options{
		Subprotocols:    cfg.SubprotocolList(),
		MaxFrameBytes:   cfg.MaxFrameBytes,
		MaxMsgPer10s:    cfg.MaxMsgPer10s,
		PingInterval:    cfg.PingInterval(),
		PingMissAllowed: cfg.PingMissAllowed,
		TypingDebounce:  cfg.TypingDebounce,
	})

	routes := server.Routes{WebSocket: handler.HandleWebSocket}
	if cfg.DevEndpoints {
		routes.DevPublish = publish.New(local, bus).HandleDevPublish
		routes.DevOnline = tracker.HandleOnlineUsers
		logger.Warn("Dev endpoints enabled")
	}
	srv := server.NewServer(cfg.Addr, routes, registry, bus, promReg, cfg.ShutdownTimeout)

	logger.Info("Gateway starting",
		zap.String("instance_id", instanceID),
		zap.String("addr", cfg.Addr),
		zap.Bool("bus", cfg.Broker() != ""),
		zap.Bool("dev_endpoints", cfg.DevEndpoints))

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		logger.Info("Shutdown signal received", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			_ = bus.Close()
			return fmt.Errorf("server: %w", err)
		}
	}

	srv.Shutdown(context.Background())
	return nil
}

// presenceStore shares the Redis bus URL when there is one. NATS and
// single-process deployments keep presence in memory.
func presenceStore(brokerURL string) (presence.Store, func(), error) {
	noop := func() {}
	if brokerURL == "" {
		return presence.NewMemoryStore(), noop, nil
	}
	u, err := url.Parse(brokerURL)
	if err != nil {
		return nil, noop, err
	}
	if u.Scheme != "redis" && u.Scheme != "rediss" {
		return presence.NewMemoryStore(), noop, nil
	}
	store, err := presence.NewRedisStoreFromURL(brokerURL)
	if err != nil {
		return nil, noop, fmt.Errorf("presence store: %w", err)
	}
	return store, func() {
		if err := store.Close(); err != nil {
			zap.L().Warn("Presence store close error", zap.Error(err))
		}
	}, nil
}
