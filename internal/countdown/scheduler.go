package countdown

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// DefaultTickInterval is the refresh period of a watched countdown.
const DefaultTickInterval = 100 * time.Millisecond

// NowFunc returns the current synchronized time.
type NowFunc func() time.Time

// TickFunc receives each evaluation of a watched listing.
type TickFunc func(listingID int64, s Status)

// Scheduler runs one ticker per watched listing. A watch ends by itself once
// its countdown expires, or when the listing is unwatched or no longer retained.
type Scheduler struct {
	interval time.Duration
	clock    clockwork.Clock
	now      NowFunc
	logger   *slog.Logger

	mu      sync.Mutex
	watches map[int64]*watch
	closed  bool
	wg      sync.WaitGroup
}

type watch struct {
	ticker clockwork.Ticker
	stop   chan struct{}
	once   sync.Once
}

func (w *watch) cancel() {
	w.once.Do(func() { close(w.stop) })
}

// NewScheduler creates a Scheduler. now supplies the synchronized time.
func NewScheduler(interval time.Duration, now NowFunc, clock clockwork.Clock, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		interval: interval,
		clock:    clock,
		now:      now,
		logger:   logger,
		watches:  make(map[int64]*watch),
	}
}

// Watch starts calling fn every tick for the listing until its countdown
// expires. fn is called once immediately. Watching an already watched
// listing replaces the previous watch. Returns false once the scheduler is closed.
func (s *Scheduler) Watch(listingID int64, endTime time.Time, fn TickFunc) bool {
	status := Evaluate(endTime, s.now())
	fn(listingID, status)
	if status.Expired {
		s.Unwatch(listingID)
		return true
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	if prev, ok := s.watches[listingID]; ok {
		prev.cancel()
	}

	w := &watch{
		ticker: s.clock.NewTicker(s.interval),
		stop:   make(chan struct{}),
	}
	s.watches[listingID] = w

	s.wg.Add(1)
	go s.run(listingID, endTime, fn, w)

	return true
}

// Unwatch cancels the watch for a listing, if any.
func (s *Scheduler) Unwatch(listingID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if w, ok := s.watches[listingID]; ok {
		w.cancel()
		delete(s.watches, listingID)
	}
}

// Retain cancels every watch whose listing is not in keep.
func (s *Scheduler) Retain(keep map[int64]struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, w := range s.watches {
		if _, ok := keep[id]; !ok {
			w.cancel()
			delete(s.watches, id)
		}
	}
}

// Active returns the number of running watches.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.watches)
}

// Close cancels every watch and waits for their goroutines.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	for id, w := range s.watches {
		w.cancel()
		delete(s.watches, id)
	}
	s.mu.Unlock()

	s.wg.Wait()
}

func (s *Scheduler) run(listingID int64, endTime time.Time, fn TickFunc, w *watch) {
	defer s.wg.Done()
	defer w.ticker.Stop()

	for {
		select {
		case <-w.stop:
			return
		case <-w.ticker.Chan():
			select {
			case <-w.stop:
				return
			default:
			}
			status := Evaluate(endTime, s.now())
			fn(listingID, status)
			if status.Expired {
				s.release(listingID, w)
				s.logger.Debug("countdown finished", "listing_id", listingID)
				return
			}
		}
	}
}

// release removes w from the map unless it was already replaced.
func (s *Scheduler) release(listingID int64, w *watch) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.watches[listingID]; ok && cur == w {
		delete(s.watches, listingID)
	}
	w.cancel()
}
