package reconcile

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/rickgao/auction-sync/internal/connection"
	"github.com/rickgao/auction-sync/internal/model"
	"github.com/rickgao/auction-sync/internal/notify"
	"github.com/rickgao/auction-sync/internal/timesync"
)

var epoch = time.UnixMilli(1700000000000)

type fixture struct {
	engine *Engine
	clock  *clockwork.FakeClock
	sync   *timesync.Synchronizer
	notes  *notify.Subscription[model.Notification]
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	clock := clockwork.NewFakeClockAt(epoch)
	sync := timesync.New(timesync.DefaultConfig(), nil, clock, nil)
	notifier := notify.NewNotifier(notify.WithClock(clock))
	t.Cleanup(notifier.Close)

	return &fixture{
		engine: NewEngine(sync, notifier, nil),
		clock:  clock,
		sync:   sync,
		notes:  notifier.Subscribe(32),
	}
}

func (f *fixture) apply(t *testing.T, event, data string) Result {
	t.Helper()

	res, err := f.engine.Apply(frame(event, data))
	if err != nil {
		t.Fatalf("Apply(%s) failed: %v", event, err)
	}
	return res
}

// drain returns every notification published so far.
func (f *fixture) drain() []model.Notification {
	var out []model.Notification
	for {
		select {
		case n := <-f.notes.C():
			out = append(out, n)
		default:
			return out
		}
	}
}

func frame(event, data string) connection.RawMessage {
	if data == "" {
		return connection.RawMessage{Data: []byte(fmt.Sprintf(`{"event":%q}`, event))}
	}
	return connection.RawMessage{Data: []byte(fmt.Sprintf(`{"event":%q,"data":%s}`, event, data))}
}

const initialData = `{"serverTime":1700000005000,"items":[
	{"id":1,"title":"Lamp","startingPrice":100,"currentBid":100,"highestBidder":null,"bidCount":0,"endTime":1700000300000,"isActive":true},
	{"id":2,"title":"Clock","startingPrice":50,"currentBid":80,"highestBidder":"Y","bidCount":2,"endTime":1700000600000,"isActive":true}
]}`

func TestEngine_InitialData(t *testing.T) {
	f := newFixture(t)

	res := f.apply(t, connection.FrameInitialData, initialData)
	if !res.Snapshot || !res.Changed {
		t.Errorf("unexpected result %+v", res)
	}

	listings := f.engine.Listings()
	if len(listings) != 2 {
		t.Fatalf("got %d listings, want 2", len(listings))
	}
	if listings[0].ID != 1 || listings[1].ID != 2 {
		t.Errorf("listings not sorted by id: %d, %d", listings[0].ID, listings[1].ID)
	}
	if listings[0].HighestBidder != "" || listings[1].HighestBidder != "Y" {
		t.Errorf("unexpected bidders %q, %q", listings[0].HighestBidder, listings[1].HighestBidder)
	}
	if !listings[0].EndTime.Equal(time.UnixMilli(1700000300000)) {
		t.Errorf("EndTime = %v", listings[0].EndTime)
	}

	if got := f.sync.Offset(); got != 5*time.Second {
		t.Errorf("Offset = %v, want 5s", got)
	}
	if n := f.drain(); len(n) != 0 {
		t.Errorf("INITIAL_DATA should not notify, got %v", n)
	}
}

func TestEngine_BidUpdateScenario(t *testing.T) {
	f := newFixture(t)
	f.apply(t, connection.FrameInitialData, `{"serverTime":1700000005000,"items":[
		{"id":1,"startingPrice":100,"currentBid":100,"bidCount":0,"endTime":1700000300000,"isActive":true}]}`)
	f.engine.SetParticipant("X")

	res := f.apply(t, connection.FrameUpdateBid, `{"itemId":1,"currentBid":110,"highestBidder":"X"}`)
	if !res.Changed || res.ListingID != 1 {
		t.Errorf("unexpected result %+v", res)
	}

	l, ok := f.engine.Listing(1)
	if !ok {
		t.Fatal("listing 1 missing")
	}
	if l.CurrentBid != 110 || l.HighestBidder != "X" || l.BidCount != 1 {
		t.Errorf("unexpected listing %+v", l)
	}

	notes := f.drain()
	if len(notes) != 1 {
		t.Fatalf("got %d notifications, want 1", len(notes))
	}
	if notes[0].Kind != model.KindSuccess || notes[0].Message != MsgBidPlaced || notes[0].ListingID != 1 {
		t.Errorf("unexpected notification %+v", notes[0])
	}
}

func TestEngine_UpdateBidFromOtherParticipant(t *testing.T) {
	f := newFixture(t)
	f.apply(t, connection.FrameInitialData, initialData)
	f.engine.SetParticipant("X")

	f.apply(t, connection.FrameUpdateBid, `{"itemId":2,"currentBid":90,"highestBidder":"Z"}`)

	l, _ := f.engine.Listing(2)
	if l.CurrentBid != 90 || l.HighestBidder != "Z" || l.BidCount != 3 {
		t.Errorf("unexpected listing %+v", l)
	}
	if n := f.drain(); len(n) != 0 {
		t.Errorf("expected no notification, got %v", n)
	}
}

func TestEngine_DuplicatesWithoutVersionIncrement(t *testing.T) {
	f := newFixture(t)
	f.apply(t, connection.FrameInitialData, initialData)

	for i := 0; i < 2; i++ {
		f.apply(t, connection.FrameUpdateBid, `{"itemId":1,"currentBid":110,"highestBidder":"Z"}`)
	}

	l, _ := f.engine.Listing(1)
	if l.BidCount != 2 {
		t.Errorf("BidCount = %d, want 2", l.BidCount)
	}
}

func TestEngine_VersionedDuplicatesDropped(t *testing.T) {
	f := newFixture(t)
	f.apply(t, connection.FrameInitialData, initialData)

	f.apply(t, connection.FrameUpdateBid, `{"itemId":1,"currentBid":110,"highestBidder":"Z","version":1}`)
	res := f.apply(t, connection.FrameUpdateBid, `{"itemId":1,"currentBid":110,"highestBidder":"Z","version":1}`)
	if res.Changed {
		t.Error("duplicate reported as a change")
	}
	f.apply(t, connection.FrameUpdateBid, `{"itemId":1,"currentBid":120,"highestBidder":"W","version":2}`)

	l, _ := f.engine.Listing(1)
	if l.BidCount != 2 || l.CurrentBid != 120 || l.Version != 2 {
		t.Errorf("unexpected listing %+v", l)
	}
	if got := f.engine.Stats().Duplicates; got != 1 {
		t.Errorf("Duplicates = %d, want 1", got)
	}
}

func TestEngine_StaleUpdateDropped(t *testing.T) {
	f := newFixture(t)
	f.apply(t, connection.FrameInitialData, initialData)

	f.apply(t, connection.FrameUpdateBid, `{"itemId":2,"currentBid":70,"highestBidder":"Z"}`)

	l, _ := f.engine.Listing(2)
	if l.CurrentBid != 80 || l.HighestBidder != "Y" || l.BidCount != 2 {
		t.Errorf("stale update mutated listing %+v", l)
	}
	if got := f.engine.Stats().StaleUpdates; got != 1 {
		t.Errorf("StaleUpdates = %d, want 1", got)
	}
}

func TestEngine_AuctionEndedIdempotent(t *testing.T) {
	f := newFixture(t)
	f.apply(t, connection.FrameInitialData, initialData)

	first := f.apply(t, connection.FrameAuctionEnded, `{"itemId":1}`)
	second := f.apply(t, connection.FrameAuctionEnded, `{"itemId":1}`)

	if !first.Changed || second.Changed {
		t.Errorf("Changed = %v then %v, want true then false", first.Changed, second.Changed)
	}
	l, _ := f.engine.Listing(1)
	if l.IsActive {
		t.Error("listing still active")
	}
}

func TestEngine_UnknownListingIgnored(t *testing.T) {
	f := newFixture(t)
	f.apply(t, connection.FrameInitialData, initialData)
	before := f.engine.Listings()

	f.apply(t, connection.FrameUpdateBid, `{"itemId":99,"currentBid":500,"highestBidder":"Z"}`)
	f.apply(t, connection.FrameAuctionEnded, `{"itemId":99}`)

	after := f.engine.Listings()
	if len(after) != len(before) {
		t.Fatalf("collection size changed: %d → %d", len(before), len(after))
	}
	for i := range before {
		if before[i] != after[i] {
			t.Errorf("listing %d changed: %+v → %+v", before[i].ID, before[i], after[i])
		}
	}
	if got := f.engine.Stats().UnknownListings; got != 2 {
		t.Errorf("UnknownListings = %d, want 2", got)
	}
}

func TestEngine_MalformedFrames(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"not json", `{"event":`},
		{"no event", `{"data":{}}`},
		{"bid without data", `{"event":"UPDATE_BID"}`},
		{"bid wrong type", `{"event":"UPDATE_BID","data":{"itemId":"one","currentBid":110}}`},
		{"bid missing item", `{"event":"UPDATE_BID","data":{"currentBid":110}}`},
		{"negative bid", `{"event":"UPDATE_BID","data":{"itemId":1,"currentBid":-5}}`},
		{"ended missing item", `{"event":"AUCTION_ENDED","data":{}}`},
		{"sync missing time", `{"event":"TIME_SYNC","data":{}}`},
		{"snapshot item without id", `{"event":"INITIAL_DATA","data":{"items":[{"title":"x"}]}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.apply(t, connection.FrameInitialData, initialData)
			before := f.engine.Listings()

			_, err := f.engine.Apply(connection.RawMessage{Data: []byte(tt.raw)})
			if !IsProtocolError(err) {
				t.Fatalf("expected ProtocolError, got %v", err)
			}

			after := f.engine.Listings()
			if len(after) != len(before) {
				t.Fatalf("collection size changed")
			}
			for i := range before {
				if before[i] != after[i] {
					t.Errorf("listing %d mutated", before[i].ID)
				}
			}
			if got := f.engine.Stats().ParseErrors; got != 1 {
				t.Errorf("ParseErrors = %d, want 1", got)
			}
		})
	}
}

func TestEngine_UnknownEvent(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.Apply(frame("CHAT", `{"text":"hi"}`))
	if !errors.Is(err, ErrUnknownEvent) {
		t.Fatalf("expected ErrUnknownEvent, got %v", err)
	}
	if IsProtocolError(err) {
		t.Error("unknown event should not be a ProtocolError")
	}
	if got := f.engine.Stats().UnknownEvents; got != 1 {
		t.Errorf("UnknownEvents = %d, want 1", got)
	}
}

func TestEngine_BidError(t *testing.T) {
	f := newFixture(t)

	f.apply(t, connection.FrameBidError, `{"message":"Bid must be higher than current bid"}`)
	f.apply(t, connection.FrameBidError, `{}`)

	notes := f.drain()
	if len(notes) != 2 {
		t.Fatalf("got %d notifications, want 2", len(notes))
	}
	if notes[0].Kind != model.KindError || notes[0].Message != "Bid must be higher than current bid" {
		t.Errorf("unexpected notification %+v", notes[0])
	}
	if notes[1].Message != MsgBidRejected {
		t.Errorf("Message = %q, want %q", notes[1].Message, MsgBidRejected)
	}
}

func TestEngine_BidSuccessOnlyLogs(t *testing.T) {
	f := newFixture(t)
	f.apply(t, connection.FrameInitialData, initialData)

	res := f.apply(t, connection.FrameBidSuccess, `{"itemId":1,"bidAmount":110}`)
	if res.Changed {
		t.Error("BID_SUCCESS should not change state")
	}
	if l, _ := f.engine.Listing(1); l.CurrentBid != 100 {
		t.Errorf("CurrentBid = %d, want 100", l.CurrentBid)
	}
	if n := f.drain(); len(n) != 0 {
		t.Errorf("expected no notification, got %v", n)
	}
}

func TestEngine_OutbidDerivedAndSuppressed(t *testing.T) {
	f := newFixture(t)
	f.apply(t, connection.FrameInitialData, initialData)
	f.engine.SetParticipant("X")

	f.apply(t, connection.FrameUpdateBid, `{"itemId":1,"currentBid":110,"highestBidder":"X"}`)
	f.apply(t, connection.FrameUpdateBid, `{"itemId":1,"currentBid":1250,"highestBidder":"Z"}`)
	f.apply(t, connection.FrameOutbid, `{"itemId":1,"currentBid":1250}`)

	notes := f.drain()
	if len(notes) != 2 {
		t.Fatalf("got %d notifications, want 2: %v", len(notes), notes)
	}
	if notes[1].Kind != model.KindOutbid {
		t.Errorf("Kind = %q, want outbid", notes[1].Kind)
	}
	if want := "You've been outbid on an item! New bid: $1,250"; notes[1].Message != want {
		t.Errorf("Message = %q, want %q", notes[1].Message, want)
	}
	if got := f.engine.Stats().Suppressed; got != 1 {
		t.Errorf("Suppressed = %d, want 1", got)
	}
}

func TestEngine_ExplicitOutbid(t *testing.T) {
	f := newFixture(t)
	f.apply(t, connection.FrameInitialData, initialData)

	f.apply(t, connection.FrameOutbid, `{"itemId":2,"currentBid":90}`)
	// A later derived outbid at the same amount is not repeated.
	f.engine.SetParticipant("Y")
	f.apply(t, connection.FrameUpdateBid, `{"itemId":2,"currentBid":90,"highestBidder":"Z"}`)

	notes := f.drain()
	if len(notes) != 1 {
		t.Fatalf("got %d notifications, want 1: %v", len(notes), notes)
	}
	if notes[0].Message != "You've been outbid on an item! New bid: $90" {
		t.Errorf("Message = %q", notes[0].Message)
	}
}

func TestEngine_NoParticipantNoAttribution(t *testing.T) {
	f := newFixture(t)
	f.apply(t, connection.FrameInitialData, initialData)

	f.apply(t, connection.FrameUpdateBid, `{"itemId":1,"currentBid":110,"highestBidder":""}`)
	if n := f.drain(); len(n) != 0 {
		t.Errorf("expected no notification, got %v", n)
	}
}

func TestEngine_TimeSync(t *testing.T) {
	f := newFixture(t)

	f.apply(t, connection.FrameTimeSync, `{"serverTime":1699999998000}`)
	if got := f.sync.Offset(); got != -2*time.Second {
		t.Errorf("Offset = %v, want -2s", got)
	}

	// Same measurement twice gives the same offset.
	f.apply(t, connection.FrameTimeSync, `{"serverTime":1699999998000}`)
	if got := f.sync.Offset(); got != -2*time.Second {
		t.Errorf("Offset = %v, want -2s", got)
	}
}

func TestEngine_ClockMeasuredAtReceiveTime(t *testing.T) {
	tests := []struct {
		name  string
		event string
		data  string
	}{
		{"time sync", connection.FrameTimeSync, `{"serverTime":1700000002000}`},
		{"initial data", connection.FrameInitialData, `{"serverTime":1700000002000,"items":[]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)

			raw := frame(tt.event, tt.data)
			raw.ReceivedAt = f.clock.Now()
			// The frame waits in the queue before it is applied.
			f.clock.Advance(5 * time.Second)

			if _, err := f.engine.Apply(raw); err != nil {
				t.Fatalf("Apply failed: %v", err)
			}
			if got := f.sync.Offset(); got != 2*time.Second {
				t.Errorf("Offset = %v, want 2s", got)
			}
		})
	}
}

func TestEngine_Restart(t *testing.T) {
	f := newFixture(t)
	f.engine.SetParticipant("me")
	f.apply(t, connection.FrameInitialData, initialData)
	f.apply(t, connection.FrameUpdateBid, `{"itemId":1,"currentBid":120,"highestBidder":"me","version":4}`)
	f.apply(t, connection.FrameAuctionEnded, `{"itemId":1}`)

	restarted := model.Listing{
		ID:            1,
		Title:         "Lamp",
		StartingPrice: 100,
		CurrentBid:    100,
		EndTime:       epoch.Add(20 * time.Minute),
		IsActive:      true,
	}
	if !f.engine.Restart(restarted) {
		t.Fatal("Restart of an ended listing returned false")
	}

	f.apply(t, connection.FrameUpdateBid, `{"itemId":1,"currentBid":110,"highestBidder":"X","version":1}`)
	l, _ := f.engine.Listing(1)
	if !l.IsActive || l.CurrentBid != 110 || l.HighestBidder != "X" || l.BidCount != 1 {
		t.Errorf("unexpected listing after restart %+v", l)
	}
	if got := f.engine.Stats().StaleUpdates; got != 0 {
		t.Errorf("StaleUpdates = %d, want 0", got)
	}

	// A second reply for the same restart keeps the newer bid.
	if f.engine.Restart(restarted) {
		t.Error("Restart replaced an already restarted listing")
	}
	if l, _ := f.engine.Listing(1); l.CurrentBid != 110 {
		t.Errorf("CurrentBid = %d, want 110", l.CurrentBid)
	}
}

func TestEngine_DegradedUntilSnapshot(t *testing.T) {
	f := newFixture(t)
	f.apply(t, connection.FrameInitialData, initialData)

	f.engine.MarkDegraded(errors.New("fetch failed"))
	if !f.engine.Degraded() || len(f.engine.Listings()) != 0 {
		t.Fatal("expected an empty degraded collection")
	}

	f.apply(t, connection.FrameInitialData, initialData)
	if f.engine.Degraded() || len(f.engine.Listings()) != 2 {
		t.Error("INITIAL_DATA should clear the degraded state")
	}
}

func TestEngine_ListingsAreCopies(t *testing.T) {
	f := newFixture(t)
	f.apply(t, connection.FrameInitialData, initialData)

	listings := f.engine.Listings()
	listings[0].CurrentBid = 9999

	l, _ := f.engine.Listing(1)
	if l.CurrentBid == 9999 {
		t.Error("mutating a returned listing changed the engine")
	}
}
