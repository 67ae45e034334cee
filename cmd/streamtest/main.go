// streamtest connects to the auction WebSocket and prints every signal and frame to console.
// Usage: go run ./cmd/streamtest --config configs/bidder.example.yaml
//
// Optional environment variables (read from .env when present):
//
//	AUCTION_TOKEN - Bearer token sent with the WebSocket handshake
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/rickgao/auction-sync/internal/config"
	"github.com/rickgao/auction-sync/internal/connection"
	"github.com/rickgao/auction-sync/internal/session"
)

func main() {
	configPath := flag.String("config", "", "path to config file (defaults when empty)")
	verbose := flag.Bool("verbose", false, "print full frame JSON")
	flag.Parse()

	// Setup logger
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))

	_ = godotenv.Load()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.LoadAndValidate(*configPath)
		if err != nil {
			logger.Error("failed to load config", "error", err)
			os.Exit(1)
		}
	}

	if cfg.API.Token == "" {
		cfg.API.Token = os.Getenv("AUCTION_TOKEN")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	mgr := connection.NewManager(session.ConfigFrom(cfg).Channel, connection.WithLogger(logger))

	logger.Info("connecting", "url", cfg.Channel.WSURL)
	if err := mgr.Connect(ctx); err != nil {
		// Auto-reconnect keeps trying in the background.
		logger.Warn("initial connect failed", "error", err)
	}

	events := mgr.Events()
	go func() {
		for {
			in, ok := events.Pop()
			if !ok {
				return
			}
			switch {
			case in.Signal != nil:
				printSignal(*in.Signal)
			case in.Frame != nil:
				printFrame(*in.Frame, *verbose)
			}
		}
	}()

	// Stats printer
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				st := mgr.State()
				qs := events.Stats()
				logger.Info("stats",
					"status", st.Status,
					"participant", st.ParticipantID,
					"queued", qs.Len,
					"pushed", qs.Pushed,
					"queue_capacity", qs.Capacity,
				)
			}
		}
	}()

	logger.Info("streaming started - press Ctrl+C to stop")

	<-ctx.Done()

	logger.Info("shutting down...")
	mgr.Close()
	logger.Info("shutdown complete")
}

func printSignal(sig connection.Signal) {
	fmt.Printf("[SIGNAL] kind=%s status=%s participant=%s attempt=%d manual=%t reason=%q\n",
		sig.Kind, sig.Status, sig.ParticipantID, sig.Attempt, sig.Manual, sig.Reason)
}

func printFrame(raw connection.RawMessage, verbose bool) {
	var env connection.Envelope
	if err := json.Unmarshal(raw.Data, &env); err != nil {
		fmt.Printf("[FRAME] undecodable: %v\n", err)
		return
	}
	if verbose {
		fmt.Printf("[%s] %s\n", env.Event, env.Data)
		return
	}
	fmt.Printf("[%s] bytes=%d received=%s\n", env.Event, len(env.Data), raw.ReceivedAt.Format(time.RFC3339Nano))
}
