// bidder is an interactive line-oriented auction client.
// Usage: go run ./cmd/bidder --config configs/bidder.example.yaml
//
// Commands are read from stdin, one per line; type "help" for the list.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/rickgao/auction-sync/internal/config"
	"github.com/rickgao/auction-sync/internal/model"
	"github.com/rickgao/auction-sync/internal/session"
	"github.com/rickgao/auction-sync/internal/version"
)

var errQuit = errors.New("quit")

const helpText = `commands:
  list                 show every listing with its countdown
  bid <id> [amount]    place a bid (next valid amount when omitted)
  next <id>            show the next valid bid
  disconnect           close the channel
  reconnect            reopen the channel
  auto on|off          toggle auto-reconnect
  status               show connection and sync state
  reload               fetch the listing snapshot again
  reset <id>           restart an auction (demo servers only)
  health               check the REST endpoint
  quit                 exit`

func main() {
	configPath := flag.String("config", "", "path to config file (defaults when empty)")
	envFile := flag.String("env", ".env", "dotenv file loaded before the config")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "load %s: %v\n", *envFile, err)
		os.Exit(1)
	}

	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.LoadAndValidate(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "load config: %v\n", err)
			os.Exit(1)
		}
	}
	if cfg.API.Token == "" {
		cfg.API.Token = os.Getenv("AUCTION_TOKEN")
	}

	level, err := config.ParseLevel(cfg.Log.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})).With("client", cfg.Client.Name)
	slog.SetDefault(logger)

	logger.Info("starting bidder",
		"version", version.Version,
		"commit", version.Commit,
		"rest_url", cfg.API.RestURL,
		"ws_url", cfg.Channel.WSURL,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	sess := session.New(session.ConfigFrom(cfg), session.WithLogger(logger))
	defer sess.Close()

	// Subscribe before Start so the connect notification is not missed.
	notes := sess.SubscribeNotifications(0)
	ticks := sess.SubscribeTicks(64)

	if err := sess.Start(ctx); err != nil {
		logger.Warn("start", "error", err)
	}

	fmt.Println(helpText)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		printNotifications(gctx, notes.C())
		return nil
	})
	g.Go(func() error {
		printCountdowns(gctx, sess, ticks.C())
		return nil
	})
	g.Go(func() error {
		return commandLoop(gctx, sess, readLines(os.Stdin))
	})

	if err := g.Wait(); err != nil && !errors.Is(err, errQuit) {
		logger.Error("bidder failed", "error", err)
	}

	notes.Close()
	ticks.Close()
	logger.Info("bidder stopped")
}

// readLines forwards stdin lines until EOF. The goroutine is not joined since
// a blocked read cannot be interrupted.
func readLines(r io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()
	return lines
}

func commandLoop(ctx context.Context, sess *session.Session, lines <-chan string) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return errQuit
			}
			if err := runCommand(ctx, sess, strings.Fields(line)); err != nil {
				if errors.Is(err, errQuit) {
					return err
				}
				fmt.Printf("error: %v\n", err)
			}
		}
	}
}

func runCommand(ctx context.Context, sess *session.Session, args []string) error {
	if len(args) == 0 {
		return nil
	}

	switch args[0] {
	case "help":
		fmt.Println(helpText)
	case "list", "ls":
		printListings(sess)
	case "bid":
		if len(args) < 2 {
			return errors.New("usage: bid <id> [amount]")
		}
		id, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("parse id: %w", err)
		}
		if len(args) == 2 {
			amount, err := sess.PlaceNextBid(id)
			if err == nil {
				fmt.Printf("bid %s sent on listing %d\n", sess.Amount(amount), id)
			}
			return err
		}
		amount, err := strconv.ParseInt(args[2], 10, 64)
		if err != nil {
			return fmt.Errorf("parse amount: %w", err)
		}
		if err := sess.PlaceBid(id, amount); err != nil {
			return err
		}
		fmt.Printf("bid %s sent on listing %d\n", sess.Amount(amount), id)
	case "next":
		if len(args) < 2 {
			return errors.New("usage: next <id>")
		}
		id, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("parse id: %w", err)
		}
		amount, ok := sess.NextBid(id)
		if !ok {
			return fmt.Errorf("unknown listing %d", id)
		}
		fmt.Printf("next bid on listing %d: %s\n", id, sess.Amount(amount))
	case "disconnect":
		sess.Disconnect()
	case "reconnect":
		return sess.Reconnect(ctx)
	case "auto":
		if len(args) < 2 || (args[1] != "on" && args[1] != "off") {
			return errors.New("usage: auto on|off")
		}
		sess.SetAutoReconnect(args[1] == "on")
	case "status":
		printStatus(sess)
	case "reload":
		return sess.Reload(ctx)
	case "reset":
		if len(args) < 2 {
			return errors.New("usage: reset <id>")
		}
		id, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("parse id: %w", err)
		}
		return sess.ResetItem(ctx, id)
	case "health":
		h, err := sess.Health(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("server %s at %s\n", h.Status, model.FromMillis(h.Timestamp).Format(time.RFC3339))
	case "quit", "exit":
		return errQuit
	default:
		return fmt.Errorf("unknown command %q (try help)", args[0])
	}
	return nil
}

func printListings(sess *session.Session) {
	listings := sess.Listings()
	if len(listings) == 0 {
		fmt.Println("no listings")
		return
	}
	for _, l := range listings {
		remaining := "ended"
		if cd, ok := sess.Countdown(l.ID); ok && l.IsActive {
			remaining = cd.Format()
		}
		line := fmt.Sprintf("%3d  %-30s  %10s  bids=%-3d  %s", l.ID, l.Title, sess.Amount(l.CurrentBid), l.BidCount, remaining)
		if st, ok := sess.Standing(l.ID); ok && st != model.StandingNone {
			line += "  " + string(st)
		}
		if sess.CoolingDown(l.ID) {
			line += "  (cooling down)"
		}
		fmt.Println(line)
	}
}

func printStatus(sess *session.Session) {
	st := sess.State()
	stats := sess.Stats()
	fmt.Printf("status=%s participant=%q auto_reconnect=%t attempt=%d\n",
		st.Status, st.ParticipantID, st.AutoReconnect, st.Attempt)
	fmt.Printf("synced=%t offset=%s server_now=%s degraded=%t\n",
		stats.Synced, stats.Offset, sess.ServerNow().Format("15:04:05.000"), sess.Degraded())
	fmt.Printf("frames=%d applied=%d duplicates=%d stale=%d parse_errors=%d queued=%d\n",
		stats.Engine.FramesReceived, stats.Engine.FramesApplied, stats.Engine.Duplicates,
		stats.Engine.StaleUpdates, stats.Engine.ParseErrors, stats.Queue.Len)
}

func printNotifications(ctx context.Context, notes <-chan model.Notification) {
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-notes:
			if !ok {
				return
			}
			if n.ListingID != 0 {
				fmt.Printf("[%s] #%d %s\n", strings.ToUpper(string(n.Kind)), n.ListingID, n.Message)
			} else {
				fmt.Printf("[%s] %s\n", strings.ToUpper(string(n.Kind)), n.Message)
			}
		}
	}
}

// printCountdowns announces listings entering their last ten seconds and ending.
func printCountdowns(ctx context.Context, sess *session.Session, ticks <-chan session.Tick) {
	announced := make(map[int64]bool)
	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-ticks:
			if !ok {
				return
			}
			switch {
			case t.Status.Expired:
				delete(announced, t.ListingID)
				fmt.Printf("[COUNTDOWN] #%d ended\n", t.ListingID)
			case t.Status.LastTenSeconds && !announced[t.ListingID]:
				announced[t.ListingID] = true
				l, _ := sess.Listing(t.ListingID)
				fmt.Printf("[COUNTDOWN] #%d %s ends in %s at %s\n",
					t.ListingID, l.Title, t.Status.Format(), sess.Amount(l.CurrentBid))
			}
		}
	}
}
