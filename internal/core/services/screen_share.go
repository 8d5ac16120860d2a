package services

import (
	"context"
	"fmt"

	"teleconsulta/internal/core/domain"
	"teleconsulta/internal/core/ports"
)

const screenShareListenerKey = "screen-share"

// ScreenShareCoordinator keeps the "want screen share" flag and the relay's
// screen publication in agreement.
type ScreenShareCoordinator struct {
	env   Env
	relay ports.Relay

	ctx     context.Context
	want    bool
	pending bool
	epoch   uint64
	// attached only moves on Attach and Detach, so the relay listener
	// survives Reset.
	attached uint64

	onReverted func()
}

func NewScreenShareCoordinator(env Env, relay ports.Relay) *ScreenShareCoordinator {
	return &ScreenShareCoordinator{
		env:   env.withDefaults(),
		relay: relay,
		ctx:   context.Background(),
	}
}

// OnReverted is called when the flag was switched off because enabling
// failed or the relay stopped the share.
func (s *ScreenShareCoordinator) OnReverted(fn func()) { s.onReverted = fn }

// Attach subscribes to relay unpublish events. Attaching again replaces the
// previous subscription.
func (s *ScreenShareCoordinator) Attach(ctx context.Context) {
	s.ctx = ctx
	s.attached++
	gen := s.attached
	s.relay.Subscribe(screenShareListenerKey, func(ev ports.RelayEvent) {
		if ev.Type != ports.EventTrackUnpublished || ev.Source != domain.SourceScreenShare {
			return
		}
		s.env.Loop.Post(func() {
			if gen != s.attached {
				return
			}
			s.handleUnpublished()
		})
	})
}

// Detach unsubscribes and forgets any pending request.
func (s *ScreenShareCoordinator) Detach() {
	s.relay.Unsubscribe(screenShareListenerKey)
	s.attached++
	s.Reset()
}

// SetWanted records the desired state and drives the relay towards it.
func (s *ScreenShareCoordinator) SetWanted(want bool) {
	if s.want == want {
		return
	}
	s.want = want
	s.reconcile()
}

func (s *ScreenShareCoordinator) Wanted() bool {
	return s.want
}

func (s *ScreenShareCoordinator) reconcile() {
	if s.pending {
		return
	}

	target := s.want
	s.pending = true
	epoch, ctx := s.epoch, s.ctx

	s.env.Exec.Go(func() {
		err := s.relay.SetScreenShareEnabled(ctx, target)
		var pub ports.Publication
		if err == nil && target {
			pub = s.relay.ScreenSharePublication()
		}
		s.env.Loop.Post(func() {
			s.finish(epoch, target, pub, err)
		})
	})
}

func (s *ScreenShareCoordinator) finish(epoch uint64, target bool, pub ports.Publication, err error) {
	if epoch != s.epoch {
		return
	}
	s.pending = false

	if target {
		if err == nil && pub == nil {
			err = fmt.Errorf("%w: relay reports no screen publication", domain.ErrScreenShare)
		}
		if err != nil {
			s.env.Logger.Warnw("screen share failed", "error", err)
			s.env.notify(domain.NoticeWarning, domain.CodeScreenShareFailed, "Screen share failed",
				"Your screen could not be shared. Try again.")
			s.revert()
			return
		}
		s.env.Logger.Infow("screen share started", "sid", pub.SID())
	} else if err != nil {
		s.env.Logger.Warnw("stopping screen share failed", "error", err)
	}

	if s.want != target {
		s.reconcile()
	}
}

func (s *ScreenShareCoordinator) handleUnpublished() {
	if !s.want || s.pending {
		return
	}
	s.env.Logger.Infow("screen share stopped by relay")
	s.revert()
}

func (s *ScreenShareCoordinator) revert() {
	if !s.want {
		return
	}
	s.want = false
	if s.onReverted != nil {
		s.onReverted()
	}
}

// Reset clears the flag without talking to the relay, for when the
// connection that carried the share is gone.
func (s *ScreenShareCoordinator) Reset() {
	s.epoch++
	s.pending = false
	s.want = false
}
