package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mama165/sdk-go/logs"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/Arvindchoudhary21/editor/config"
	"github.com/Arvindchoudhary21/editor/domain"
	"github.com/Arvindchoudhary21/editor/hub"
	"github.com/Arvindchoudhary21/editor/presence"
	"github.com/Arvindchoudhary21/editor/protocol"
	ws "github.com/Arvindchoudhary21/editor/websocket"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.LoadRelay()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	log := logs.GetLoggerFromString(cfg.LogLevel)
	slog.SetDefault(log)

	if err := run(cfg, log); err != nil {
		log.Error("server error", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Relay, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	broadcaster := hub.New(log)

	var store domain.Presence
	if cfg.RedisURL != "" {
		redisStore, err := presence.NewRedisStore(cfg.RedisURL)
		if err != nil {
			return err
		}
		defer redisStore.Close()
		store = redisStore
		log.Info("presence mirroring enabled")
	}

	handler := protocol.NewHandler(log, broadcaster, store, cfg.Mode())
	server := &http.Server{
		Addr: cfg.Addr(),
		Handler: newMux(broadcaster, ws.NewServer(handler, ws.Options{
			Mode:            cfg.Mode(),
			DeliveryTimeout: cfg.DeliveryTimeout,
			SendBuffer:      cfg.SendBuffer,
			MaxMessageSize:  int64(cfg.MaxMessageSize),
		}, cfg.AllowedOrigin, log)),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("server starting", "addr", cfg.Addr(), "deliveryMode", cfg.Mode())
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func newMux(broadcaster *hub.Hub, upgrade http.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/ws", upgrade)
	mux.HandleFunc("/health", healthHandler)
	mux.HandleFunc("/stats", statsHandler(broadcaster))
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func statsHandler(broadcaster *hub.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rooms, clients := broadcaster.Stats()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]int{"rooms": rooms, "clients": clients})
	}
}
