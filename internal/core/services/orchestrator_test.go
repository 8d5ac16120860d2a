package services

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"teleconsulta/internal/core/domain"
	"teleconsulta/internal/core/ports"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestOrchestrator_StartNormalizesRoomName(t *testing.T) {
	h := newHarness(t)
	h.expectToken("consulta-abc123")

	require.NoError(t, h.orch.Start(h.ctx, "  ABC123 "))
	h.settle()

	snap := h.snapshot()
	assert.Equal(t, domain.RoomName("consulta-abc123"), snap.RoomName)
	assert.Equal(t, domain.StateConnected, snap.State)
	assert.True(t, snap.Live)
	require.Len(t, h.relay.connects, 1)
	assert.Equal(t, "jwt-consulta-abc123", h.relay.connects[0].Token)
	h.fetcher.AssertExpectations(t)
}

func TestOrchestrator_CaseVariantsShareRoom(t *testing.T) {
	h := newHarness(t)
	h.expectToken("consulta-abc123")

	require.NoError(t, h.orch.Start(h.ctx, "ABC123"))
	h.settle()
	require.NoError(t, h.orch.Start(h.ctx, "abc123"))
	h.settle()

	// Same room: the second Start is a no-op.
	h.fetcher.AssertNumberOfCalls(t, "FetchToken", 1)
	assert.Equal(t, domain.RoomName("consulta-abc123"), h.snapshot().RoomName)
}

func TestOrchestrator_RejectsEmptyIdentifier(t *testing.T) {
	h := newHarness(t)

	err := h.orch.Start(h.ctx, "   ")
	assert.ErrorIs(t, err, domain.ErrInvalidRoom)
	h.fetcher.AssertNotCalled(t, "FetchToken", mock.Anything, mock.Anything)
}

func TestOrchestrator_TokenFailureStaysDisconnected(t *testing.T) {
	h := newHarness(t)
	h.fetcher.On("FetchToken", mock.Anything, mock.Anything).
		Return(nil, fmt.Errorf("%w: status 500: boom", domain.ErrTokenAcquisition))

	source := newFakeTrack("camera")
	h.orch.SetSource(source)
	require.NoError(t, h.orch.SetPublishIntent(h.ctx, true))
	require.NoError(t, h.orch.Start(h.ctx, "abc"))
	h.settle()

	snap := h.snapshot()
	assert.Equal(t, domain.StateDisconnected, snap.State)
	assert.False(t, snap.Publishing)
	assert.Empty(t, h.relay.connects)
	assert.Zero(t, h.relay.publishCount())

	notice, ok := h.notices.last(domain.CodeTokenFailed)
	require.True(t, ok)
	assert.Equal(t, domain.NoticeError, notice.Kind)
	assert.Contains(t, notice.Message, "boom")
	assert.Equal(t, domain.RoomName("consulta-abc"), notice.RoomName)

	// No automatic retry for the initial fetch.
	h.advance(time.Minute)
	h.fetcher.AssertNumberOfCalls(t, "FetchToken", 1)
}

func TestOrchestrator_StartAgainRetriesAfterTokenFailure(t *testing.T) {
	h := newHarness(t)
	req := ports.TokenRequest{RoomName: "consulta-abc", ParticipantName: "Dra. Helena"}
	h.fetcher.On("FetchToken", mock.Anything, req).
		Return(nil, fmt.Errorf("%w: status 500: boom", domain.ErrTokenAcquisition)).Once()
	h.fetcher.On("FetchToken", mock.Anything, req).
		Return(credentialFor("consulta-abc"), nil).Once()

	require.NoError(t, h.orch.Start(h.ctx, "abc"))
	h.settle()
	require.Equal(t, domain.StateDisconnected, h.snapshot().State)

	require.NoError(t, h.orch.Start(h.ctx, " ABC "))
	h.settle()

	h.fetcher.AssertNumberOfCalls(t, "FetchToken", 2)
	snap := h.snapshot()
	assert.Equal(t, domain.StateConnected, snap.State)
	assert.Equal(t, domain.RoomName("consulta-abc"), snap.RoomName)
	assert.Zero(t, snap.ReconnectAttempts)
	assert.Len(t, h.relay.connects, 1)
}

func TestOrchestrator_StartAgainWhileConnectedIsNoop(t *testing.T) {
	h := newHarness(t)
	h.startConnected()

	require.NoError(t, h.orch.Start(h.ctx, "abc"))
	h.settle()

	h.fetcher.AssertNumberOfCalls(t, "FetchToken", 1)
	assert.Len(t, h.relay.connects, 1)
	assert.Equal(t, domain.StateConnected, h.snapshot().State)
}

func TestOrchestrator_PublishesCloneWhenConnectedWithIntent(t *testing.T) {
	h := newHarness(t)
	source := newFakeTrack("camera")
	h.orch.SetSource(source)
	require.NoError(t, h.orch.SetPublishIntent(h.ctx, true))

	h.startConnected()

	require.Equal(t, 1, h.relay.publishCount())
	pub := h.relay.lastPublication()
	assert.Equal(t, domain.SourceCamera, pub.source)
	require.Len(t, source.Clones(), 1)
	assert.Same(t, source.Clones()[0], pub.track)
	assert.True(t, h.snapshot().Publishing)
	assert.False(t, source.Ended())
}

func TestOrchestrator_NoPublicationWithoutIntent(t *testing.T) {
	h := newHarness(t)
	h.orch.SetSource(newFakeTrack("camera"))

	h.startConnected()

	assert.Zero(t, h.relay.publishCount())
	assert.False(t, h.snapshot().Publishing)
}

func TestOrchestrator_PublishRetriesWithBackoffThenTearsDown(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 5; i++ {
		h.relay.publishErrs = append(h.relay.publishErrs, fmt.Errorf("publish attempt %d: %w", i+1, errRelayUnavailable))
	}
	source := newFakeTrack("camera")
	h.orch.SetSource(source)
	require.NoError(t, h.orch.SetPublishIntent(h.ctx, true))

	h.startConnected()
	assert.Len(t, source.Clones(), 1)

	waits := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}
	for i, wait := range waits {
		h.advance(wait - time.Millisecond)
		require.Len(t, source.Clones(), i+1, "retry %d fired early", i+1)
		h.advance(time.Millisecond)
		require.Len(t, source.Clones(), i+2, "retry %d did not fire", i+1)
	}

	assert.Equal(t, 1, h.notices.count(domain.CodePublishFailed))
	notice, _ := h.notices.last(domain.CodePublishFailed)
	assert.Equal(t, domain.NoticeError, notice.Kind)

	snap := h.snapshot()
	assert.Equal(t, domain.StateDisconnected, snap.State)
	assert.False(t, snap.Live)
	assert.Equal(t, 1, h.relay.disconnects)
	for _, clone := range source.Clones() {
		assert.True(t, clone.Ended(), "clone %s not released", clone.ID())
	}
	assert.False(t, source.Ended())
	assert.Zero(t, h.clock.Pending())

	h.advance(time.Minute)
	assert.Len(t, source.Clones(), 5)
}

func TestOrchestrator_PublishRecoversWithinBudget(t *testing.T) {
	h := newHarness(t)
	h.relay.publishErrs = []error{errRelayUnavailable, errRelayUnavailable}
	source := newFakeTrack("camera")
	h.orch.SetSource(source)
	require.NoError(t, h.orch.SetPublishIntent(h.ctx, true))

	h.startConnected()
	h.advance(time.Second)
	h.advance(2 * time.Second)

	snap := h.snapshot()
	assert.True(t, snap.Publishing)
	assert.Equal(t, 0, snap.PublishAttempt)
	assert.Zero(t, h.notices.count(domain.CodePublishFailed))
	clones := source.Clones()
	require.Len(t, clones, 3)
	assert.True(t, clones[0].Ended())
	assert.True(t, clones[1].Ended())
	assert.False(t, clones[2].Ended())
}

func TestOrchestrator_IntentOffMutesInsteadOfUnpublishing(t *testing.T) {
	h := newHarness(t)
	h.orch.SetSource(newFakeTrack("camera"))
	require.NoError(t, h.orch.SetPublishIntent(h.ctx, true))
	h.startConnected()

	require.NoError(t, h.orch.SetPublishIntent(h.ctx, false))
	h.settle()

	assert.Equal(t, []bool{true}, h.relay.muteCalls)
	assert.Empty(t, h.relay.unpublished)
	assert.False(t, h.snapshot().Publishing)

	require.NoError(t, h.orch.SetPublishIntent(h.ctx, true))
	h.settle()

	assert.Equal(t, []bool{true, false}, h.relay.muteCalls)
	assert.Equal(t, 1, h.relay.publishCount())
	assert.True(t, h.snapshot().Publishing)
}

func TestOrchestrator_NotPublishingWithoutIntent(t *testing.T) {
	h := newHarness(t)
	h.orch.SetSource(newFakeTrack("camera"))
	require.NoError(t, h.orch.SetPublishIntent(h.ctx, true))
	h.startConnected()

	var publishing bool
	h.onLoop(func() {
		h.orch.intent = false
		h.orch.publisher.intent = false
		publishing = h.orch.publisher.IsActuallyPublishing()
	})
	assert.False(t, publishing)
}

func TestOrchestrator_PlatformMuteForcesIntentOff(t *testing.T) {
	h := newHarness(t)
	h.orch.SetSource(newFakeTrack("camera"))
	require.NoError(t, h.orch.SetPublishIntent(h.ctx, true))
	h.startConnected()

	pub := h.relay.lastPublication()
	h.relay.emit(ports.RelayEvent{Type: ports.EventTrackMuted, PublicationSID: pub.sid, Source: domain.SourceCamera})
	h.settle()

	snap := h.snapshot()
	assert.False(t, snap.PublishIntent)
	assert.False(t, snap.Publishing)
	notice, ok := h.notices.last(domain.CodePublishPaused)
	require.True(t, ok)
	assert.Equal(t, domain.NoticeWarning, notice.Kind)
	assert.Zero(t, h.notices.count(domain.CodePublishFailed))
}

func TestOrchestrator_SourceSwapReplacesPublication(t *testing.T) {
	h := newHarness(t)
	raw := newFakeTrack("camera")
	h.orch.SetSource(raw)
	require.NoError(t, h.orch.SetPublishIntent(h.ctx, true))
	h.startConnected()
	first := h.relay.lastPublication()

	processed := newFakeTrack("background")
	h.orch.SetSource(processed)
	h.settle()

	assert.Equal(t, []string{first.sid}, h.relay.unpublished)
	assert.True(t, raw.Clones()[0].Ended())
	assert.False(t, raw.Ended())

	require.Equal(t, 2, h.relay.publishCount())
	second := h.relay.lastPublication()
	require.Len(t, processed.Clones(), 1)
	assert.Same(t, processed.Clones()[0], second.track)
	assert.Zero(t, h.relay.disconnects)
	assert.Len(t, h.relay.connects, 1)
	assert.True(t, h.snapshot().Publishing)
}

func TestOrchestrator_ReconnectingThenConnectedResetsBudget(t *testing.T) {
	h := newHarness(t)
	h.startConnected()

	h.relay.emit(ports.RelayEvent{Type: ports.EventDisconnected, Err: errors.New("network lost")})
	h.settle()

	snap := h.snapshot()
	assert.Equal(t, domain.StateReconnecting, snap.State)
	assert.Equal(t, 1, snap.ReconnectAttempts)
	assert.Equal(t, 1, h.notices.count(domain.CodeReconnectAttempt))

	h.advance(2 * time.Second)

	snap = h.snapshot()
	assert.Equal(t, domain.StateConnected, snap.State)
	assert.Equal(t, 0, snap.ReconnectAttempts)
	h.fetcher.AssertNumberOfCalls(t, "FetchToken", 2)
	assert.Len(t, h.relay.connects, 2)

	h.relay.emit(ports.RelayEvent{Type: ports.EventReconnecting})
	h.settle()
	assert.Equal(t, domain.StateReconnecting, h.snapshot().State)
	assert.Equal(t, 1, h.notices.count(domain.CodeReconnecting))

	h.relay.emit(ports.RelayEvent{Type: ports.EventConnected})
	h.settle()
	snap = h.snapshot()
	assert.Equal(t, domain.StateConnected, snap.State)
	assert.Equal(t, 0, snap.ReconnectAttempts)
}

func TestOrchestrator_ReconnectRepublishesCamera(t *testing.T) {
	h := newHarness(t)
	source := newFakeTrack("camera")
	h.orch.SetSource(source)
	require.NoError(t, h.orch.SetPublishIntent(h.ctx, true))
	h.startConnected()

	h.relay.emit(ports.RelayEvent{Type: ports.EventReconnecting})
	h.settle()
	assert.False(t, h.snapshot().Publishing)
	assert.True(t, source.Clones()[0].Ended())

	h.relay.emit(ports.RelayEvent{Type: ports.EventConnected})
	h.settle()
	assert.True(t, h.snapshot().Publishing)
	assert.Len(t, source.Clones(), 2)
}

func TestOrchestrator_ReconnectBudgetExhausted(t *testing.T) {
	h := newHarness(t)
	h.startConnected()
	h.relay.connectErrs = []error{errRelayUnavailable, errRelayUnavailable, errRelayUnavailable}

	h.relay.emit(ports.RelayEvent{Type: ports.EventDisconnected, Err: errRelayUnavailable})
	h.settle()
	for i := 0; i < 3; i++ {
		h.advance(2 * time.Second)
	}

	assert.Equal(t, 3, h.notices.count(domain.CodeReconnectAttempt))
	assert.Equal(t, 1, h.notices.count(domain.CodeReconnectExhausted))
	snap := h.snapshot()
	assert.Equal(t, domain.StateDisconnected, snap.State)
	assert.Equal(t, 3, snap.ReconnectAttempts)
	assert.Len(t, h.relay.connects, 4)

	h.advance(time.Minute)
	assert.Len(t, h.relay.connects, 4)
}

func TestOrchestrator_AuthErrorStopsReconnecting(t *testing.T) {
	h := newHarness(t)
	h.startConnected()

	h.relay.emit(ports.RelayEvent{Type: ports.EventError, Err: errors.New("signal: 401 Unauthorized")})
	h.settle()

	snap := h.snapshot()
	assert.Equal(t, domain.StateDisconnected, snap.State)
	assert.Equal(t, BudgetExhausted, snap.ReconnectAttempts)
	assert.Equal(t, 1, h.notices.count(domain.CodeSessionExpired))
	assert.Equal(t, 1, h.relay.disconnects)
	assert.Zero(t, h.relay.listenerCount())

	h.relay.emit(ports.RelayEvent{Type: ports.EventDisconnected})
	h.advance(time.Minute)

	h.fetcher.AssertNumberOfCalls(t, "FetchToken", 1)
	assert.Zero(t, h.notices.count(domain.CodeReconnectAttempt))
}

func TestOrchestrator_FatalConnectErrorDuringReconnect(t *testing.T) {
	h := newHarness(t)
	h.startConnected()
	h.relay.connectErrs = []error{errors.New("join rejected: token expired")}

	h.relay.emit(ports.RelayEvent{Type: ports.EventDisconnected})
	h.settle()
	h.advance(2 * time.Second)

	assert.Equal(t, 1, h.notices.count(domain.CodeSessionExpired))
	assert.Equal(t, BudgetExhausted, h.snapshot().ReconnectAttempts)
	h.advance(time.Minute)
	assert.Len(t, h.relay.connects, 2)
}

func TestOrchestrator_TokenFailureDuringReconnectSpendsBudget(t *testing.T) {
	h := newHarness(t)
	h.startConnected()

	h.fetcher.ExpectedCalls = nil
	h.fetcher.On("FetchToken", mock.Anything, mock.Anything).Return(nil, errors.New("status 503"))

	h.relay.emit(ports.RelayEvent{Type: ports.EventDisconnected})
	h.settle()
	h.advance(2 * time.Second)

	snap := h.snapshot()
	assert.Equal(t, domain.StateReconnecting, snap.State)
	assert.Equal(t, 2, snap.ReconnectAttempts)
	assert.Equal(t, 1, h.notices.count(domain.CodeTokenFailed))
}

func TestOrchestrator_StopReleasesEverything(t *testing.T) {
	h := newHarness(t)
	h.relay.publishErrs = []error{errRelayUnavailable}
	source := newFakeTrack("camera")
	h.orch.SetSource(source)
	require.NoError(t, h.orch.SetPublishIntent(h.ctx, true))
	h.startConnected()
	require.Equal(t, 1, h.clock.Pending())

	require.NoError(t, h.orch.Stop(h.ctx))

	assert.Zero(t, h.clock.Pending())
	assert.Equal(t, 1, h.relay.disconnects)
	assert.Zero(t, h.relay.listenerCount())
	for _, clone := range source.Clones() {
		assert.True(t, clone.Ended())
	}
	assert.False(t, source.Ended())

	snap := h.snapshot()
	assert.Equal(t, domain.StateDisconnected, snap.State)
	assert.Empty(t, snap.RoomName)

	h.advance(time.Minute)
	assert.Len(t, source.Clones(), 1)
}

func TestOrchestrator_StopUnpublishesWithLiveContext(t *testing.T) {
	h := newHarness(t)
	exec := &deferredExecutor{}
	env := h.env
	env.Exec = exec
	opts := DefaultOptions()
	opts.ParticipantName = "Dra. Helena"
	h.orch = NewOrchestrator(env, h.relay, h.fetcher, opts)
	pump := func() {
		for i := 0; i < 10; i++ {
			exec.RunAll()
			h.settle()
		}
	}

	h.orch.SetSource(newFakeTrack("camera"))
	require.NoError(t, h.orch.SetPublishIntent(h.ctx, true))
	h.expectToken("consulta-abc")
	require.NoError(t, h.orch.Start(h.ctx, "abc"))
	pump()
	require.True(t, h.snapshot().Publishing)

	require.NoError(t, h.orch.Stop(h.ctx))
	exec.RunAll()

	h.relay.mu.Lock()
	defer h.relay.mu.Unlock()
	assert.Equal(t, []string{"TR_1"}, h.relay.unpublished)
	assert.Equal(t, []error{nil}, h.relay.unpublishCtxErrs)
	assert.Equal(t, 1, h.relay.disconnects)
}

func TestOrchestrator_StartAnotherRoomReplacesSession(t *testing.T) {
	h := newHarness(t)
	h.startConnected()
	h.expectToken("consulta-xyz")

	require.NoError(t, h.orch.Start(h.ctx, "XYZ"))
	h.settle()

	snap := h.snapshot()
	assert.Equal(t, domain.RoomName("consulta-xyz"), snap.RoomName)
	assert.Equal(t, domain.StateConnected, snap.State)
	assert.Equal(t, 1, h.relay.disconnects)
}

func TestOrchestrator_StateListener(t *testing.T) {
	h := newHarness(t)
	var states []domain.ConnectionState
	h.orch.OnStateChange("test", func(s domain.ConnectionState) { states = append(states, s) })
	h.startConnected()

	h.onLoop(func() {
		assert.Equal(t, []domain.ConnectionState{domain.StateConnecting, domain.StateConnected}, states)
	})
}

func TestOrchestrator_ScreenShare(t *testing.T) {
	h := newHarness(t)

	err := h.orch.SetScreenShare(h.ctx, true)
	assert.ErrorIs(t, err, domain.ErrNotConnected)

	h.startConnected()
	require.NoError(t, h.orch.SetScreenShare(h.ctx, true))
	h.settle()
	assert.True(t, h.snapshot().ScreenSharing)
	assert.Equal(t, []bool{true}, h.relay.screenCalls)

	// Stopped from the platform's own UI.
	h.relay.emit(ports.RelayEvent{Type: ports.EventTrackUnpublished, Source: domain.SourceScreenShare, PublicationSID: "SS_1"})
	h.settle()
	assert.False(t, h.snapshot().ScreenSharing)
}

func TestOrchestrator_ScreenShareStoppedByRelayAfterReconnect(t *testing.T) {
	h := newHarness(t)
	h.startConnected()

	h.relay.emit(ports.RelayEvent{Type: ports.EventReconnecting})
	h.settle()
	h.relay.emit(ports.RelayEvent{Type: ports.EventConnected})
	h.settle()
	require.Equal(t, domain.StateConnected, h.snapshot().State)

	require.NoError(t, h.orch.SetScreenShare(h.ctx, true))
	h.settle()
	require.True(t, h.snapshot().ScreenSharing)

	h.relay.emit(ports.RelayEvent{Type: ports.EventTrackUnpublished, Source: domain.SourceScreenShare, PublicationSID: "SS_1"})
	h.settle()
	assert.False(t, h.snapshot().ScreenSharing)
}

func TestOrchestrator_ScreenShareWithoutPublicationFails(t *testing.T) {
	h := newHarness(t)
	h.relay.screenNoPub = true
	h.startConnected()

	require.NoError(t, h.orch.SetScreenShare(h.ctx, true))
	h.settle()

	assert.False(t, h.snapshot().ScreenSharing)
	notice, ok := h.notices.last(domain.CodeScreenShareFailed)
	require.True(t, ok)
	assert.Equal(t, domain.NoticeWarning, notice.Kind)
}

func TestOrchestrator_PresenceAndQuality(t *testing.T) {
	h := newHarness(t)
	h.relay.setParticipants(domain.Participant{Identity: "doctor", IsLocal: true, HasCamera: true})
	h.startConnected()

	snap := h.snapshot()
	assert.False(t, snap.Presence.HasRemote)
	assert.Equal(t, 1, snap.Presence.Total)

	h.relay.setParticipants(
		domain.Participant{Identity: "doctor", IsLocal: true, HasCamera: true},
		domain.Participant{Identity: "patient", HasMic: true},
		domain.Participant{Identity: "observer"},
	)
	h.relay.emit(ports.RelayEvent{Type: ports.EventRosterChanged})
	h.settle()

	snap = h.snapshot()
	assert.Equal(t, domain.PresenceStats{HasRemote: true, Total: 3, Transmitting: 2}, snap.Presence)

	h.relay.emit(ports.RelayEvent{Type: ports.EventQualityChanged, Participant: domain.Participant{Identity: "doctor", Quality: domain.QualityPoor}})
	h.relay.emit(ports.RelayEvent{Type: ports.EventQualityChanged, Participant: domain.Participant{Identity: "patient", Quality: domain.QualityPoor}})
	h.settle()

	assert.Equal(t, 1, h.notices.count(domain.CodeQualityDegraded))
	notice, _ := h.notices.last(domain.CodeQualityDegraded)
	assert.Contains(t, notice.Message, "patient")
	for _, p := range h.snapshot().Participants {
		if p.Identity == "patient" {
			assert.Equal(t, domain.QualityPoor, p.Quality)
		}
	}
}

func TestOrchestrator_IgnoresEventsFromPreviousSession(t *testing.T) {
	h := newHarness(t)
	h.startConnected()

	var stale func(ports.RelayEvent)
	h.relay.mu.Lock()
	stale = h.relay.listeners[orchestratorListenerKey]
	h.relay.mu.Unlock()

	require.NoError(t, h.orch.Stop(h.ctx))
	h.startConnected()

	stale(ports.RelayEvent{Type: ports.EventDisconnected})
	h.settle()
	assert.Equal(t, domain.StateConnected, h.snapshot().State)
}
