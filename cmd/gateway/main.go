package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/example/nats-chat-gateway/internal/bus"
	"github.com/example/nats-chat-gateway/internal/config"
	"github.com/example/nats-chat-gateway/internal/gateway"
	"github.com/example/nats-chat-gateway/internal/health"
	"github.com/example/nats-chat-gateway/internal/presence"
	"github.com/example/nats-chat-gateway/internal/router"
	"github.com/example/nats-chat-gateway/internal/telemetry"
	"github.com/example/nats-chat-gateway/internal/transport"
)

// clientFrame is the thin command protocol spoken over the websocket. Auth
// and richer framing belong to the upstream protocol layer; this endpoint is
// its minimal binding.
type clientFrame struct {
	Action       string          `json:"action"` // "send", "join", "leave"
	Scope        router.Scope    `json:"scope,omitempty"`
	Targets      []string        `json:"targets,omitempty"`
	Room         string          `json:"room,omitempty"`
	PartitionKey string          `json:"partitionKey,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

func handleClientFrame(gw *gateway.Gateway, sessionID string, data []byte) {
	var frame clientFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		slog.Debug("Invalid client frame", "session_id", sessionID, "error", err)
		return
	}

	switch frame.Action {
	case "join":
		gw.Join(sessionID, frame.Room)
	case "leave":
		gw.Leave(sessionID, frame.Room)
	case "send":
		if err := gw.Send(context.Background(), frame.Scope, frame.Targets, frame.Payload, frame.PartitionKey); err != nil {
			slog.Warn("Send failed", "session_id", sessionID, "error", err)
		}
	default:
		slog.Debug("Unknown client action", "session_id", sessionID, "action", frame.Action)
	}
}

var upgrader = websocket.Upgrader{
	// Origin policy is enforced upstream at the edge.
	CheckOrigin: func(*http.Request) bool { return true },
}

func serveWS(gw *gateway.Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := r.URL.Query().Get("user")
		if userID == "" {
			http.Error(w, "missing user", http.StatusBadRequest)
			return
		}

		raw, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Warn("Upgrade failed", "error", err)
			return
		}

		sessionID := uuid.NewString()
		conn := transport.NewWSConn(raw, gw.HeartbeatHandlers(sessionID, func(data []byte) {
			handleClientFrame(gw, sessionID, data)
		}))

		sess, err := gw.Attach(r.Context(), userID, sessionID, conn)
		if err != nil {
			slog.Warn("Attach failed", "user_id", userID, "error", err)
			conn.Close()
			return
		}
		go gw.PingLoop(sess, conn)
	}
}

func buildDirectory(ctx context.Context, cfg config.Config, b *bus.NATS) (presence.Directory, error) {
	switch cfg.PresenceBackend {
	case config.PresenceNATS:
		js, err := b.JetStream()
		if err != nil {
			return nil, err
		}
		return presence.NewKV(js, cfg.PresenceBucket, cfg.PresenceTTL)
	case config.PresenceRedis:
		return presence.NewRedis(ctx, cfg.RedisAddr, cfg.RedisPassword)
	default:
		return presence.Noop{}, nil
	}
}

func main() {
	ctx := context.Background()

	otelShutdown, err := telemetry.Init(ctx)
	if err != nil {
		slog.Error("Failed to initialize OpenTelemetry", "error", err)
		os.Exit(1)
	}
	defer otelShutdown(ctx)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting gateway node", "node_id", cfg.NodeID, "nats_url", cfg.NATSURL)

	b, err := bus.ConnectNATS(ctx, cfg.NATSURL, cfg.NATSUser, cfg.NATSPass, "gateway-"+cfg.NodeID)
	if err != nil {
		slog.Error("Failed to connect to NATS", "error", err)
		os.Exit(1)
	}

	dir, err := buildDirectory(ctx, cfg, b)
	if err != nil {
		// Presence is advisory; run without it rather than refuse traffic.
		slog.Warn("Presence directory unavailable, running without short-circuit", "error", err)
		dir = presence.Noop{}
	}

	gw := gateway.New(cfg, b, dir)
	if err := gw.Start(ctx); err != nil {
		slog.Error("Failed to start gateway", "error", err)
		os.Exit(1)
	}

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	healthSrv := health.New(cfg.NodeID, cfg.HTTPAddr, gw.Registry(), b)
	go func() {
		if err := healthSrv.Run(sigCtx); err != nil && err != http.ErrServerClosed {
			slog.Error("Health server failed", "error", err)
		}
	}()

	wsSrv := &http.Server{Addr: cfg.WSAddr}
	mux := http.NewServeMux()
	mux.Handle("/ws", serveWS(gw))
	wsSrv.Handler = mux
	go func() {
		slog.Info("WebSocket endpoint listening", "addr", cfg.WSAddr)
		if err := wsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("WebSocket server failed", "error", err)
		}
	}()

	slog.Info("Gateway ready", "ws_addr", cfg.WSAddr, "http_addr", cfg.HTTPAddr)

	<-sigCtx.Done()

	slog.Info("Shutting down gateway node")

	// Stop accepting new connections first, then drain the node.
	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.DrainTimeout+5*time.Second)
	defer cancel()
	if err := wsSrv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("WebSocket server shutdown failed", "error", err)
	}
	if err := gw.Shutdown(shutdownCtx); err != nil {
		slog.Error("Gateway shutdown failed", "error", err)
	}
	slog.Info("Gateway node shutdown complete")
}
