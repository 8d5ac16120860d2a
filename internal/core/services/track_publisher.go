package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"teleconsulta/internal/core/domain"
	"teleconsulta/internal/core/ports"
	"teleconsulta/pkg/retry"
)

const closeUnpublishTimeout = 5 * time.Second

type PublisherConfig struct {
	MaxAttempts int
	BackoffBase time.Duration
}

func DefaultPublisherConfig() PublisherConfig {
	return PublisherConfig{
		MaxAttempts: 5,
		BackoffBase: time.Second,
	}
}

// BackoffDelay is the wait before retrying after zero-based failed attempt n.
func BackoffDelay(base time.Duration, n int) time.Duration {
	return retry.Delay(retry.Config{InitialDelay: base, Multiplier: 2}, n)
}

type publication struct {
	handle  ports.Publication
	track   ports.MediaTrack
	muted   bool
	attempt int
}

// TrackPublisher keeps the camera publication in line with the connection
// state and the user's publish intent.
//
// Ownership: the publisher only ever hands clones of the source to the
// relay and stops those clones itself. It never stops the source track.
type TrackPublisher struct {
	env   Env
	relay ports.Relay
	cfg   PublisherConfig

	ctx       context.Context
	connected bool
	intent    bool
	source    ports.MediaTrack

	pub        *publication
	pending    ports.MediaTrack
	publishing bool
	muting     bool
	attempt    int
	retryTimer Timer
	exhausted  bool
	epoch      uint64

	onFatal        func(error)
	onIntentForced func(bool)
}

func NewTrackPublisher(env Env, relay ports.Relay, cfg PublisherConfig) *TrackPublisher {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultPublisherConfig().MaxAttempts
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultPublisherConfig().BackoffBase
	}
	return &TrackPublisher{
		env:   env.withDefaults(),
		relay: relay,
		cfg:   cfg,
		ctx:   context.Background(),
	}
}

// OnFatal is called once the retry ceiling is reached.
func (tp *TrackPublisher) OnFatal(fn func(error)) { tp.onFatal = fn }

// OnIntentForced is called when the platform paused the publication and the
// publish intent was switched off as a result.
func (tp *TrackPublisher) OnIntentForced(fn func(bool)) { tp.onIntentForced = fn }

// Sync reconciles the publication with the given inputs.
func (tp *TrackPublisher) Sync(ctx context.Context, connected, intent bool, source ports.MediaTrack) {
	tp.ctx = ctx
	sourceChanged := source != tp.source
	tp.connected, tp.intent, tp.source = connected, intent, source

	if !connected {
		tp.reset()
		return
	}
	if sourceChanged {
		tp.replace()
	}
	if tp.pub != nil {
		tp.reconcileMute()
		return
	}
	if !intent || source == nil || tp.publishing || tp.retryTimer != nil || tp.exhausted {
		return
	}

	tp.attempt = 0
	tp.publish()
}

func (tp *TrackPublisher) replace() {
	old := tp.pub
	tp.reset()
	if old == nil {
		return
	}

	ctx := tp.ctx
	tp.env.Logger.Infow("source changed, replacing camera publication", "sid", old.handle.SID())
	tp.env.Exec.Go(func() {
		if err := tp.relay.UnpublishTrack(ctx, old.handle); err != nil {
			tp.env.Logger.Warnw("unpublish replaced track failed", "sid", old.handle.SID(), "error", err)
		}
	})
}

func (tp *TrackPublisher) publish() {
	attempt := tp.attempt
	tp.env.Metrics.IncPublishAttempts()

	clone, err := tp.source.Clone()
	if err != nil {
		tp.failed(attempt, fmt.Errorf("clone source: %w", err))
		return
	}

	tp.pending = clone
	tp.publishing = true
	epoch, ctx := tp.epoch, tp.ctx

	tp.env.Logger.Infow("publishing camera track", "attempt", attempt+1, "track_id", clone.ID())
	tp.env.Exec.Go(func() {
		handle, err := tp.relay.PublishTrack(ctx, clone, domain.SourceCamera)
		tp.env.Loop.Post(func() {
			tp.published(epoch, attempt, clone, handle, err)
		})
	})
}

func (tp *TrackPublisher) published(epoch uint64, attempt int, clone ports.MediaTrack, handle ports.Publication, err error) {
	if epoch != tp.epoch {
		clone.Stop()
		if err == nil && handle != nil {
			ctx := tp.ctx
			tp.env.Exec.Go(func() {
				_ = tp.relay.UnpublishTrack(ctx, handle)
			})
		}
		return
	}

	tp.publishing = false
	tp.pending = nil

	if err == nil && handle == nil {
		err = errors.New("relay returned no publication")
	}
	if err != nil {
		clone.Stop()
		tp.failed(attempt, err)
		return
	}

	tp.pub = &publication{handle: handle, track: clone, attempt: attempt}
	tp.attempt = 0
	tp.env.Logger.Infow("camera track published", "sid", handle.SID(), "attempt", attempt+1)

	tp.reconcileMute()
}

func (tp *TrackPublisher) failed(attempt int, err error) {
	tp.env.Metrics.IncPublishFailures()

	if attempt+1 >= tp.cfg.MaxAttempts {
		tp.exhausted = true
		tp.attempt = attempt + 1
		err = fmt.Errorf("%w after %d attempts: %v", domain.ErrPublishExhausted, attempt+1, err)

		tp.env.Logger.Errorw("camera publish failed", "attempts", attempt+1, "error", err)
		tp.env.notify(domain.NoticeError, domain.CodePublishFailed, "Transmission failed",
			"Your video could not be sent. Check your connection and join the consultation again.")
		if tp.onFatal != nil {
			tp.onFatal(err)
		}
		return
	}

	delay := BackoffDelay(tp.cfg.BackoffBase, attempt)
	tp.attempt = attempt + 1
	tp.env.Logger.Warnw("camera publish failed, retrying", "attempt", attempt+1, "retry_in", delay, "error", err)

	epoch := tp.epoch
	tp.retryTimer = tp.env.after(delay, func() {
		if epoch != tp.epoch {
			return
		}
		tp.retryTimer = nil
		if !tp.connected || !tp.intent || tp.source == nil || tp.pub != nil {
			tp.attempt = 0
			return
		}
		tp.publish()
	})
}

func (tp *TrackPublisher) reconcileMute() {
	if tp.pub == nil || tp.muting {
		return
	}
	want := !tp.intent
	if tp.pub.muted == want {
		return
	}

	tp.muting = true
	pub, epoch, ctx := tp.pub, tp.epoch, tp.ctx
	tp.env.Exec.Go(func() {
		err := tp.relay.SetMuted(ctx, pub.handle, want)
		tp.env.Loop.Post(func() {
			if epoch != tp.epoch || tp.pub != pub {
				return
			}
			tp.muting = false
			if err != nil {
				tp.env.Logger.Warnw("changing camera mute failed", "sid", pub.handle.SID(), "muted", want, "error", err)
				return
			}
			pub.muted = want
			tp.reconcileMute()
		})
	})
}

// HandleMuteChanged applies a mute change reported by the relay.
func (tp *TrackPublisher) HandleMuteChanged(sid string, muted bool) {
	if tp.pub == nil || tp.pub.handle.SID() != sid || tp.muting {
		return
	}
	if tp.pub.muted == muted {
		return
	}
	tp.pub.muted = muted

	if !muted {
		tp.reconcileMute()
		return
	}
	if tp.intent {
		tp.intent = false
		tp.env.Logger.Warnw("camera publication muted by relay", "sid", sid)
		tp.env.notify(domain.NoticeWarning, domain.CodePublishPaused, "Transmission paused",
			"Your camera was paused automatically. Turn it back on to resume.")
		if tp.onIntentForced != nil {
			tp.onIntentForced(false)
		}
	}
}

// HandleUnpublished drops a publication the relay removed on its own and
// starts over if the inputs still call for one.
func (tp *TrackPublisher) HandleUnpublished(sid string) {
	if tp.pub == nil || tp.pub.handle.SID() != sid {
		return
	}
	tp.env.Logger.Warnw("camera publication removed by relay", "sid", sid)
	tp.reset()
	tp.Sync(tp.ctx, tp.connected, tp.intent, tp.source)
}

// IsActuallyPublishing reports whether a live, unmuted camera publication
// exists. It is never true while the publish intent is off.
func (tp *TrackPublisher) IsActuallyPublishing() bool {
	return tp.connected && tp.intent && tp.pub != nil && !tp.pub.muted && !tp.pub.track.Ended()
}

// Attempt returns the number of failed attempts in the current cycle.
func (tp *TrackPublisher) Attempt() int {
	return tp.attempt
}

func (tp *TrackPublisher) Exhausted() bool {
	return tp.exhausted
}

// Close unpublishes and releases everything the publisher holds.
func (tp *TrackPublisher) Close() {
	if tp.pub != nil && tp.connected {
		// The session context is cancelled right after Close.
		handle := tp.pub.handle
		tp.env.Exec.Go(func() {
			ctx, cancel := context.WithTimeout(context.Background(), closeUnpublishTimeout)
			defer cancel()
			if err := tp.relay.UnpublishTrack(ctx, handle); err != nil {
				tp.env.Logger.Infow("unpublish on close failed", "sid", handle.SID(), "error", err)
			}
		})
	}
	tp.connected = false
	tp.source = nil
	tp.reset()
}

func (tp *TrackPublisher) reset() {
	tp.epoch++
	if tp.retryTimer != nil {
		tp.retryTimer.Stop()
		tp.retryTimer = nil
	}
	if tp.pending != nil {
		tp.pending.Stop()
		tp.pending = nil
	}
	if tp.pub != nil {
		tp.pub.track.Stop()
		tp.pub = nil
	}
	tp.publishing = false
	tp.muting = false
	tp.attempt = 0
	tp.exhausted = false
}
