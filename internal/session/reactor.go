package session

import (
	"errors"

	"github.com/rickgao/auction-sync/internal/connection"
	"github.com/rickgao/auction-sync/internal/model"
	"github.com/rickgao/auction-sync/internal/reconcile"
)

// reactor applies the manager's queue in order until it is closed.
func (s *Session) reactor() {
	defer s.wg.Done()

	events := s.conn.Events()
	for {
		in, ok := events.Pop()
		if !ok {
			s.logger.Debug("event queue closed")
			return
		}

		switch {
		case in.Signal != nil:
			s.handleSignal(*in.Signal)
		case in.Frame != nil:
			s.handleFrame(*in.Frame)
		}
	}
}

func (s *Session) handleSignal(sig connection.Signal) {
	s.logger.Debug("lifecycle signal",
		"kind", sig.Kind,
		"status", sig.Status,
		"attempt", sig.Attempt,
		"reason", sig.Reason,
	)

	prev := s.lastStatus
	s.lastStatus = sig.Status

	switch sig.Kind {
	case connection.SignalConnected, connection.SignalReconnected:
		s.engine.SetParticipant(sig.ParticipantID)
		switch {
		case sig.ServerTime.IsZero():
		case sig.At.IsZero():
			s.sync.Apply(sig.ServerTime)
		default:
			s.sync.ApplyAt(sig.ServerTime, sig.At)
		}
		if s.needsSnapshot.Load() || s.engine.Degraded() {
			if err := s.loadSnapshot(s.ctx); err != nil {
				s.logger.Warn("snapshot reload failed", "error", err)
			}
		}
		s.sync.StartResync(s.ctx)

		if sig.Kind == connection.SignalReconnected {
			s.notifier.Notify(model.KindSuccess, MsgReconnected)
		} else {
			s.notifier.Notify(model.KindSuccess, MsgConnected)
		}

	case connection.SignalDisconnected:
		s.engine.SetParticipant("")
		s.sync.StopResync()
		s.needsSnapshot.Store(true)

		switch {
		case sig.Manual:
			s.notifier.Notify(model.KindInfo, MsgDisconnected)
		case prev == connection.StatusReconnecting && sig.Status == connection.StatusDisconnected:
			s.notifier.Notify(model.KindInfo, MsgStoppedRetrying)
		default:
			s.notifier.Notify(model.KindWarning, MsgDisconnected)
		}

	case connection.SignalReconnectFailed:
		s.notifier.Notify(model.KindError, MsgReconnectFailed)

	case connection.SignalAlreadyConnected:
		s.notifier.Notify(model.KindInfo, MsgAlreadyConnected)

	case connection.SignalConnecting:
		// Connect replaced a live channel without a disconnect signal.
		if prev == connection.StatusConnected {
			s.engine.SetParticipant("")
			s.sync.StopResync()
			s.needsSnapshot.Store(true)
		}

	case connection.SignalReconnectAttempt:
		// Progress only.
	}

	s.signals.Publish(sig)
}

func (s *Session) handleFrame(raw connection.RawMessage) {
	res, err := s.engine.Apply(raw)
	if err != nil {
		if !errors.Is(err, reconcile.ErrUnknownEvent) && !reconcile.IsProtocolError(err) {
			s.logger.Warn("frame failed", "error", err)
		}
		return
	}

	switch {
	case res.Snapshot:
		s.needsSnapshot.Store(false)
		s.afterSnapshot()
	case res.Event == connection.FrameAuctionEnded && res.Changed:
		s.countdowns.Unwatch(res.ListingID)
	}
}
