// Package timesync keeps the offset between the local clock and the
// server's authoritative clock.
//
// The offset is measured from a single round trip: when a server time reply
// arrives at local time t1, offset = serverTime - t1. Network latency is not
// compensated, so the offset carries up to one round trip of error.
package timesync

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Requester asks the server for its current time. The reply arrives
// asynchronously and is fed back through Apply.
type Requester interface {
	RequestSync() error
}

// Config holds synchronizer settings.
type Config struct {
	ResyncInterval time.Duration // Period between sync requests while connected (default: 30s)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		ResyncInterval: 30 * time.Second,
	}
}

// Synchronizer owns the clock offset and the periodic resync timer.
type Synchronizer struct {
	cfg       Config
	clock     clockwork.Clock
	requester Requester
	logger    *slog.Logger

	mu         sync.RWMutex
	offset     time.Duration
	synced     bool
	measuredAt time.Time

	// Resync loop
	loopMu sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Synchronizer. A nil clock means the real clock.
func New(cfg Config, requester Requester, clock clockwork.Clock, logger *slog.Logger) *Synchronizer {
	if cfg.ResyncInterval <= 0 {
		cfg.ResyncInterval = DefaultConfig().ResyncInterval
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Synchronizer{
		cfg:       cfg,
		clock:     clock,
		requester: requester,
		logger:    logger,
	}
}

// Apply records a server time reply received now and returns the new offset.
func (s *Synchronizer) Apply(serverTime time.Time) time.Duration {
	return s.ApplyAt(serverTime, s.clock.Now())
}

// ApplyAt records a server time reply received at local time local.
// The same inputs always produce the same offset.
func (s *Synchronizer) ApplyAt(serverTime, local time.Time) time.Duration {
	offset := serverTime.Sub(local)

	s.mu.Lock()
	prev := s.offset
	s.offset = offset
	s.synced = true
	s.measuredAt = local
	s.mu.Unlock()

	if drift := offset - prev; drift > time.Second || drift < -time.Second {
		s.logger.Debug("clock offset changed",
			"offset", offset,
			"drift", drift,
		)
	}

	return offset
}

// Offset returns the current offset (server minus local).
func (s *Synchronizer) Offset() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.offset
}

// Synced reports whether at least one server time has been applied.
func (s *Synchronizer) Synced() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.synced
}

// LastMeasured returns the local time of the last applied reply.
func (s *Synchronizer) LastMeasured() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.measuredAt
}

// Now returns the current time in the server's clock domain.
func (s *Synchronizer) Now() time.Time {
	return s.clock.Now().Add(s.Offset())
}

// StartResync sends a sync request immediately and then every ResyncInterval
// until StopResync. Calling it again restarts the timer.
func (s *Synchronizer) StartResync(ctx context.Context) {
	s.loopMu.Lock()
	defer s.loopMu.Unlock()

	s.stopLocked()

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.request()

	ticker := s.clock.NewTicker(s.cfg.ResyncInterval)
	s.wg.Add(1)
	go s.run(loopCtx, ticker)

	s.logger.Debug("clock resync started", "interval", s.cfg.ResyncInterval)
}

// StopResync cancels the resync timer. The offset is kept.
func (s *Synchronizer) StopResync() {
	s.loopMu.Lock()
	defer s.loopMu.Unlock()
	s.stopLocked()
}

// Close stops the resync timer and waits for it to exit.
func (s *Synchronizer) Close() {
	s.StopResync()
}

// stopLocked cancels a running loop and waits for it. Caller must hold loopMu.
func (s *Synchronizer) stopLocked() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	s.cancel = nil
	s.wg.Wait()
}

func (s *Synchronizer) run(ctx context.Context, ticker clockwork.Ticker) {
	defer s.wg.Done()
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			s.request()
		}
	}
}

func (s *Synchronizer) request() {
	if s.requester == nil {
		return
	}
	if err := s.requester.RequestSync(); err != nil {
		s.logger.Warn("clock sync request failed", "error", err)
	}
}
