package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"teleconsulta/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoffDelay(t *testing.T) {
	want := []time.Duration{
		time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
	}
	for n, d := range want {
		assert.Equal(t, d, BackoffDelay(time.Second, n), "attempt %d", n)
	}
}

func newTestPublisher(t *testing.T) (*harness, *TrackPublisher) {
	h := newHarness(t)
	tp := NewTrackPublisher(h.env, h.relay, DefaultPublisherConfig())
	return h, tp
}

func TestTrackPublisher_WaitsForAllInputs(t *testing.T) {
	h, tp := newTestPublisher(t)
	source := newFakeTrack("camera")
	ctx := context.Background()

	h.onLoop(func() { tp.Sync(ctx, false, true, source) })
	h.onLoop(func() { tp.Sync(ctx, true, false, source) })
	h.onLoop(func() { tp.Sync(ctx, true, true, nil) })
	h.settle()
	assert.Zero(t, h.relay.publishCount())

	h.onLoop(func() { tp.Sync(ctx, true, true, source) })
	h.settle()
	assert.Equal(t, 1, h.relay.publishCount())

	var publishing bool
	h.onLoop(func() { publishing = tp.IsActuallyPublishing() })
	assert.True(t, publishing)
}

func TestTrackPublisher_SyncIsIdempotent(t *testing.T) {
	h, tp := newTestPublisher(t)
	source := newFakeTrack("camera")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		h.onLoop(func() { tp.Sync(ctx, true, true, source) })
	}
	h.settle()

	assert.Equal(t, 1, h.relay.publishCount())
	assert.Len(t, source.Clones(), 1)
}

func TestTrackPublisher_DisconnectReleasesClone(t *testing.T) {
	h, tp := newTestPublisher(t)
	source := newFakeTrack("camera")
	ctx := context.Background()

	h.onLoop(func() { tp.Sync(ctx, true, true, source) })
	h.settle()
	h.onLoop(func() { tp.Sync(ctx, false, true, source) })

	require.Len(t, source.Clones(), 1)
	assert.True(t, source.Clones()[0].Ended())
	assert.False(t, source.Ended())

	var publishing bool
	h.onLoop(func() { publishing = tp.IsActuallyPublishing() })
	assert.False(t, publishing)
}

func TestTrackPublisher_StalePublishIsRolledBack(t *testing.T) {
	h := newHarness(t)
	exec := &deferredExecutor{}
	h.env.Exec = exec
	tp := NewTrackPublisher(h.env, h.relay, DefaultPublisherConfig())
	source := newFakeTrack("camera")
	ctx := context.Background()

	h.onLoop(func() { tp.Sync(ctx, true, true, source) })
	// Connection drops before the relay answers.
	h.onLoop(func() { tp.Sync(ctx, false, true, source) })
	exec.RunAll()
	h.settle()
	exec.RunAll()

	require.Len(t, source.Clones(), 1)
	assert.True(t, source.Clones()[0].Ended())
	assert.Equal(t, []string{"TR_1"}, h.relay.unpublished)
}

func TestTrackPublisher_CloneFailureCountsAsAttempt(t *testing.T) {
	h, tp := newTestPublisher(t)
	source := newFakeTrack("camera")
	source.cloneErr = errors.New("track ended")

	h.onLoop(func() { tp.Sync(context.Background(), true, true, source) })
	h.settle()

	var attempt int
	h.onLoop(func() { attempt = tp.Attempt() })
	assert.Equal(t, 1, attempt)
	assert.Equal(t, 1, h.clock.Pending())
	assert.Zero(t, h.relay.publishCount())
}

func TestTrackPublisher_ExhaustionCallsOnFatalOnce(t *testing.T) {
	h := newHarness(t)
	tp := NewTrackPublisher(h.env, h.relay, PublisherConfig{MaxAttempts: 2, BackoffBase: time.Second})
	h.relay.publishErrs = []error{errRelayUnavailable, errRelayUnavailable}

	var fatal []error
	tp.OnFatal(func(err error) { fatal = append(fatal, err) })
	h.onLoop(func() { tp.Sync(context.Background(), true, true, newFakeTrack("camera")) })
	h.settle()
	h.advance(time.Second)

	require.Len(t, fatal, 1)
	assert.ErrorIs(t, fatal[0], domain.ErrPublishExhausted)
	assert.Equal(t, 1, h.notices.count(domain.CodePublishFailed))

	var exhausted bool
	h.onLoop(func() { exhausted = tp.Exhausted() })
	assert.True(t, exhausted)

	// No further attempts until something resets the cycle.
	h.onLoop(func() { tp.Sync(context.Background(), true, true, tp.source) })
	h.advance(time.Minute)
	assert.Len(t, fatal, 1)
}

func TestTrackPublisher_RelayUnpublishRestartsPublication(t *testing.T) {
	h, tp := newTestPublisher(t)
	source := newFakeTrack("camera")

	h.onLoop(func() { tp.Sync(context.Background(), true, true, source) })
	h.settle()
	h.onLoop(func() { tp.HandleUnpublished("TR_1") })
	h.settle()

	assert.Equal(t, 2, h.relay.publishCount())
	clones := source.Clones()
	require.Len(t, clones, 2)
	assert.True(t, clones[0].Ended())
	assert.False(t, clones[1].Ended())
}

func TestTrackPublisher_MuteErrorKeepsMirror(t *testing.T) {
	h, tp := newTestPublisher(t)
	source := newFakeTrack("camera")
	h.relay.muteErr = errors.New("signal closed")

	h.onLoop(func() { tp.Sync(context.Background(), true, true, source) })
	h.settle()
	h.onLoop(func() { tp.Sync(context.Background(), true, false, source) })
	h.settle()

	var muted bool
	h.onLoop(func() { muted = tp.pub.muted })
	assert.False(t, muted)
	assert.Equal(t, []bool{true}, h.relay.muteCalls)
}
