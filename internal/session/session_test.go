package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rickgao/auction-sync/internal/api"
	"github.com/rickgao/auction-sync/internal/bidding"
	"github.com/rickgao/auction-sync/internal/connection"
	"github.com/rickgao/auction-sync/internal/model"
	"github.com/rickgao/auction-sync/internal/notify"
)

// auctionServer is a minimal auction server: REST snapshot plus a channel
// that accepts bids and broadcasts the resulting updates.
type auctionServer struct {
	*httptest.Server

	failItems atomic.Int32 // Number of GET /api/items requests to fail

	mu     sync.Mutex
	items  map[int64]*api.Item
	conns  map[*websocket.Conn]string
	nextID int
}

func newAuctionServer(t *testing.T) *auctionServer {
	t.Helper()

	end := time.Now().Add(10 * time.Minute).UnixMilli()
	s := &auctionServer{
		items: map[int64]*api.Item{
			1: {ID: 1, Title: "Lamp", StartingPrice: 100, CurrentBid: 100, EndTime: end, IsActive: true},
			2: {ID: 2, Title: "Clock", StartingPrice: 50, CurrentBid: 50, EndTime: end, IsActive: true},
		},
		conns: make(map[*websocket.Conn]string),
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/items", func(w http.ResponseWriter, r *http.Request) {
		if s.failItems.Load() > 0 {
			s.failItems.Add(-1)
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte(`{"error":"database unavailable"}`))
			return
		}
		json.NewEncoder(w).Encode(api.ItemsResponse{Data: s.snapshot(), ServerTime: time.Now().UnixMilli()})
	})
	mux.HandleFunc("POST /api/items/{id}/reset", func(w http.ResponseWriter, r *http.Request) {
		id, _ := strconv.ParseInt(r.PathValue("id"), 10, 64)

		s.mu.Lock()
		item, ok := s.items[id]
		if !ok {
			s.mu.Unlock()
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"error":"Item not found"}`))
			return
		}
		item.CurrentBid = item.StartingPrice
		item.HighestBidder = nil
		item.BidCount = 0
		item.EndTime = time.Now().Add(20 * time.Minute).UnixMilli()
		item.IsActive = true
		reset := *item
		s.mu.Unlock()

		json.NewEncoder(w).Encode(api.ResetResponse{Success: true, Message: "Auction reset", Data: &reset})
	})
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		defer conn.Close()

		s.mu.Lock()
		s.nextID++
		id := fmt.Sprintf("participant-%d", s.nextID)
		s.conns[conn] = id
		err = s.writeLocked(conn, connection.FrameConnected, connection.HelloMsg{
			ParticipantID: id,
			ServerTime:    time.Now().UnixMilli(),
		})
		s.mu.Unlock()
		if err != nil {
			return
		}

		defer func() {
			s.mu.Lock()
			delete(s.conns, conn)
			s.mu.Unlock()
		}()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var env connection.Envelope
			if json.Unmarshal(data, &env) != nil {
				continue
			}
			s.handle(conn, id, env)
		}
	})

	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Server.Close)
	return s
}

func (s *auctionServer) snapshot() []api.Item {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]api.Item, 0, len(s.items))
	for id := int64(1); id <= int64(len(s.items)); id++ {
		out = append(out, *s.items[id])
	}
	return out
}

func (s *auctionServer) writeLocked(conn *websocket.Conn, event string, payload any) error {
	data, _ := json.Marshal(payload)
	frame, _ := json.Marshal(connection.Envelope{Event: event, Data: data})
	return conn.WriteMessage(websocket.TextMessage, frame)
}

func (s *auctionServer) broadcast(event string, payload any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		s.writeLocked(c, event, payload)
	}
}

func (s *auctionServer) handle(conn *websocket.Conn, participant string, env connection.Envelope) {
	switch env.Event {
	case connection.FrameRequestSync:
		s.mu.Lock()
		s.writeLocked(conn, connection.FrameTimeSync, map[string]int64{"serverTime": time.Now().UnixMilli()})
		s.mu.Unlock()

	case connection.FrameBidPlaced:
		var bid connection.BidPlacedMsg
		json.Unmarshal(env.Data, &bid)

		s.mu.Lock()
		item, ok := s.items[bid.ItemID]
		if !ok || bid.BidAmount <= item.CurrentBid {
			s.writeLocked(conn, connection.FrameBidError, map[string]string{"message": "Bid must be higher than current bid"})
			s.mu.Unlock()
			return
		}
		item.CurrentBid = bid.BidAmount
		bidder := participant
		item.HighestBidder = &bidder
		item.BidCount++
		s.writeLocked(conn, connection.FrameBidSuccess, map[string]int64{"itemId": bid.ItemID, "bidAmount": bid.BidAmount})
		s.mu.Unlock()

		s.broadcast(connection.FrameUpdateBid, map[string]any{
			"itemId":        bid.ItemID,
			"currentBid":    bid.BidAmount,
			"highestBidder": participant,
		})
	}
}

// dropAll closes every channel without a close frame.
func (s *auctionServer) dropAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		c.Close()
	}
}

func testConfig(server *auctionServer) Config {
	cfg := DefaultConfig()
	cfg.RestURL = server.URL
	cfg.Channel.Client.URL = "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	cfg.Channel.ConnectTimeout = 2 * time.Second
	cfg.Channel.ReconnectDelay = 10 * time.Millisecond
	cfg.Channel.ReconnectAttempts = 3
	return cfg
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

// waitNotification reads notifications until one with msg arrives.
func waitNotification(t *testing.T, sub *notify.Subscription[model.Notification], msg string) model.Notification {
	t.Helper()

	timeout := time.After(3 * time.Second)
	for {
		select {
		case n, ok := <-sub.C():
			if !ok {
				t.Fatalf("notifications closed before %q", msg)
			}
			if n.Message == msg {
				return n
			}
		case <-timeout:
			t.Fatalf("timeout waiting for notification %q", msg)
			return model.Notification{}
		}
	}
}

func TestSession_StartLoadsAndConnects(t *testing.T) {
	server := newAuctionServer(t)
	s := New(testConfig(server))
	defer s.Close()
	notes := s.SubscribeNotifications(32)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if got := len(s.Listings()); got != 2 {
		t.Fatalf("got %d listings, want 2", got)
	}
	waitNotification(t, notes, MsgConnected)

	state := s.State()
	if !state.Connected() || state.ParticipantID != "participant-1" {
		t.Errorf("unexpected state %+v", state)
	}
	waitFor(t, "clock sync", func() bool { return s.Stats().Synced })

	if err := s.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start: expected ErrAlreadyStarted, got %v", err)
	}
}

func TestSession_BidRoundTrip(t *testing.T) {
	server := newAuctionServer(t)
	s := New(testConfig(server))
	defer s.Close()
	notes := s.SubscribeNotifications(32)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitNotification(t, notes, MsgConnected)

	amount, err := s.PlaceNextBid(1)
	if err != nil {
		t.Fatalf("PlaceNextBid failed: %v", err)
	}
	if amount != 110 {
		t.Errorf("amount = %d, want 110", amount)
	}

	// The bid is not applied locally before the server confirms it.
	waitNotification(t, notes, "Your bid has been placed!")

	l, _ := s.Listing(1)
	if l.CurrentBid != 110 || l.HighestBidder != "participant-1" || l.BidCount != 1 {
		t.Errorf("unexpected listing %+v", l)
	}
	if st, _ := s.Standing(1); st != model.StandingWinning {
		t.Errorf("Standing = %q, want winning", st)
	}

	// Same bid again inside the cool-down is refused without a send.
	if err := s.PlaceBid(1, 120); !errors.Is(err, bidding.ErrCoolingDown) {
		t.Errorf("expected ErrCoolingDown, got %v", err)
	}
}

func TestSession_ManualDisconnect(t *testing.T) {
	server := newAuctionServer(t)
	s := New(testConfig(server))
	defer s.Close()
	notes := s.SubscribeNotifications(32)
	signals := s.SubscribeSignals(32)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitNotification(t, notes, MsgConnected)

	s.Disconnect()
	n := waitNotification(t, notes, MsgDisconnected)
	if n.Kind != model.KindInfo {
		t.Errorf("Kind = %q, want info", n.Kind)
	}

	err := s.PlaceBid(1, 110)
	if !errors.Is(err, bidding.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	waitNotification(t, notes, bidding.MsgNotConnected)

	time.Sleep(50 * time.Millisecond)
	if got := s.State().Status; got != connection.StatusDisconnected {
		t.Errorf("status = %s, want disconnected", got)
	}

	var kinds []connection.SignalKind
	for len(signals.C()) > 0 {
		kinds = append(kinds, (<-signals.C()).Kind)
	}
	for _, k := range kinds {
		if k == connection.SignalReconnectAttempt {
			t.Errorf("manual disconnect triggered a reconnect attempt: %v", kinds)
		}
	}
}

func TestSession_TransportDropReconnectsAndReloads(t *testing.T) {
	server := newAuctionServer(t)
	s := New(testConfig(server))
	defer s.Close()
	notes := s.SubscribeNotifications(32)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitNotification(t, notes, MsgConnected)

	// A bid placed by someone else while we are away.
	server.mu.Lock()
	server.items[2].CurrentBid = 75
	other := "someone"
	server.items[2].HighestBidder = &other
	server.items[2].BidCount = 1
	server.mu.Unlock()

	server.dropAll()
	n := waitNotification(t, notes, MsgDisconnected)
	if n.Kind != model.KindWarning {
		t.Errorf("Kind = %q, want warning", n.Kind)
	}
	waitNotification(t, notes, MsgReconnected)

	l, _ := s.Listing(2)
	if l.CurrentBid != 75 || l.HighestBidder != "someone" {
		t.Errorf("snapshot not reloaded after reconnect: %+v", l)
	}
	if got := s.State().ParticipantID; got != "participant-2" {
		t.Errorf("ParticipantID = %q, want participant-2", got)
	}
}

func TestSession_SnapshotFailureDegrades(t *testing.T) {
	server := newAuctionServer(t)
	server.failItems.Store(1)

	s := New(testConfig(server))
	defer s.Close()
	notes := s.SubscribeNotifications(32)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	waitNotification(t, notes, MsgSnapshotFailed)
	// The reload on connect succeeds.
	waitFor(t, "degraded state to clear", func() bool { return !s.Degraded() })
	if got := len(s.Listings()); got != 2 {
		t.Errorf("got %d listings, want 2", got)
	}
}

func TestSession_ReloadError(t *testing.T) {
	server := newAuctionServer(t)
	s := New(testConfig(server))
	defer s.Close()

	server.failItems.Store(1)
	err := s.Reload(context.Background())

	var lerr *SnapshotLoadError
	if !errors.As(err, &lerr) {
		t.Fatalf("expected SnapshotLoadError, got %v", err)
	}
	if !errors.Is(err, api.ErrFetchFailed) {
		t.Errorf("expected wrapped ErrFetchFailed, got %v", err)
	}
	if !s.Degraded() || len(s.Listings()) != 0 {
		t.Error("expected an empty degraded collection")
	}
}

func TestSession_InitialDataFrameReplacesListings(t *testing.T) {
	server := newAuctionServer(t)
	s := New(testConfig(server))
	defer s.Close()
	notes := s.SubscribeNotifications(32)
	ticks := s.SubscribeTicks(64)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitNotification(t, notes, MsgConnected)

	end := time.Now().Add(time.Minute).UnixMilli()
	server.broadcast(connection.FrameInitialData, map[string]any{
		"serverTime": time.Now().UnixMilli(),
		"items":      []api.Item{{ID: 7, Title: "Vase", StartingPrice: 10, CurrentBid: 10, EndTime: end, IsActive: true}},
	})

	waitFor(t, "listing 7", func() bool {
		_, ok := s.Listing(7)
		return ok
	})
	if got := len(s.Listings()); got != 1 {
		t.Errorf("got %d listings, want 1", got)
	}

	timeout := time.After(2 * time.Second)
	for {
		select {
		case tick := <-ticks.C():
			if tick.ListingID != 7 {
				continue
			}
			if !tick.Status.LastMinute || tick.Status.Expired {
				t.Errorf("unexpected status %+v", tick.Status)
			}
			return
		case <-timeout:
			t.Fatal("no countdown tick for listing 7")
		}
	}
}

func TestSession_AutoReconnectToggle(t *testing.T) {
	server := newAuctionServer(t)
	s := New(testConfig(server))
	defer s.Close()
	notes := s.SubscribeNotifications(32)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitNotification(t, notes, MsgConnected)

	s.SetAutoReconnect(false)
	waitNotification(t, notes, MsgAutoOff)

	server.dropAll()
	waitNotification(t, notes, MsgDisconnected)

	time.Sleep(100 * time.Millisecond)
	state := s.State()
	if state.Status != connection.StatusDisconnected || state.Attempt != 0 {
		t.Errorf("unexpected state %+v", state)
	}

	if err := s.Reconnect(context.Background()); err != nil {
		t.Fatalf("Reconnect failed: %v", err)
	}
	waitNotification(t, notes, MsgConnected)
}

func TestSession_CloseIsIdempotent(t *testing.T) {
	server := newAuctionServer(t)
	s := New(testConfig(server))

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}
	if err := s.Start(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Start after Close: expected ErrClosed, got %v", err)
	}
}

func TestSession_ConnectWhileConnectedReloads(t *testing.T) {
	server := newAuctionServer(t)
	s := New(testConfig(server))
	defer s.Close()
	notes := s.SubscribeNotifications(32)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitNotification(t, notes, MsgConnected)

	// Changed on the server without a broadcast to this client.
	server.mu.Lock()
	server.items[1].CurrentBid = 150
	other := "other"
	server.items[1].HighestBidder = &other
	server.items[1].BidCount = 1
	server.mu.Unlock()

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	waitNotification(t, notes, MsgConnected)

	l, _ := s.Listing(1)
	if l.CurrentBid != 150 || l.HighestBidder != "other" {
		t.Errorf("snapshot not reloaded after replacing the channel: %+v", l)
	}
	if got := s.Stats().Engine.Snapshots; got != 2 {
		t.Errorf("Snapshots = %d, want 2", got)
	}
	if got := s.State().ParticipantID; got != "participant-2" {
		t.Errorf("ParticipantID = %q, want participant-2", got)
	}
}

func TestSession_ResetItemRestartsListing(t *testing.T) {
	server := newAuctionServer(t)
	s := New(testConfig(server))
	defer s.Close()
	notes := s.SubscribeNotifications(32)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitNotification(t, notes, MsgConnected)

	if _, err := s.PlaceNextBid(1); err != nil {
		t.Fatalf("PlaceNextBid failed: %v", err)
	}
	waitNotification(t, notes, "Your bid has been placed!")

	server.mu.Lock()
	server.items[1].IsActive = false
	server.mu.Unlock()
	server.broadcast(connection.FrameAuctionEnded, map[string]int64{"itemId": 1})
	waitFor(t, "auction 1 to end", func() bool {
		l, _ := s.Listing(1)
		return !l.IsActive
	})

	if err := s.ResetItem(context.Background(), 1); err != nil {
		t.Fatalf("ResetItem failed: %v", err)
	}
	waitNotification(t, notes, "Auction reset")

	l, _ := s.Listing(1)
	if !l.IsActive || l.CurrentBid != 100 || l.HighestBidder != "" || l.BidCount != 0 {
		t.Fatalf("listing not restarted: %+v", l)
	}
	if st, _ := s.Standing(1); st != model.StandingNone {
		t.Errorf("Standing = %q, want none", st)
	}

	// Bids on the restarted auction apply again.
	server.broadcast(connection.FrameUpdateBid, map[string]any{
		"itemId":        1,
		"currentBid":    110,
		"highestBidder": "other",
	})
	waitFor(t, "bid on restarted auction", func() bool {
		l, _ := s.Listing(1)
		return l.CurrentBid == 110 && l.HighestBidder == "other"
	})
	if got := s.Stats().Engine.StaleUpdates; got != 0 {
		t.Errorf("StaleUpdates = %d, want 0", got)
	}
	if next, ok := s.NextBid(1); !ok || next != 120 {
		t.Errorf("NextBid = %d, %v, want 120, true", next, ok)
	}
}
