package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"teleconsulta/internal/core/domain"
	"teleconsulta/internal/core/ports"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// fakeClock only moves when Advance is called.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	fn      func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, fn func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), fn: fn}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// Advance moves time forward, firing due timers in deadline order.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		var next *fakeTimer
		for _, t := range c.timers {
			if t.stopped || t.fired || t.at.After(target) {
				continue
			}
			if next == nil || t.at.Before(next.at) {
				next = t
			}
		}
		if next == nil {
			c.now = target
			c.mu.Unlock()
			return
		}
		next.fired = true
		c.now = next.at
		c.mu.Unlock()

		next.fn()
	}
}

// Pending counts timers that have neither fired nor been stopped.
func (c *fakeClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

type inlineExecutor struct{}

func (inlineExecutor) Go(fn func()) { fn() }

// deferredExecutor holds calls until the test releases them.
type deferredExecutor struct {
	mu  sync.Mutex
	fns []func()
}

func (e *deferredExecutor) Go(fn func()) {
	e.mu.Lock()
	e.fns = append(e.fns, fn)
	e.mu.Unlock()
}

func (e *deferredExecutor) RunAll() {
	e.mu.Lock()
	fns := e.fns
	e.fns = nil
	e.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

type fakeTrack struct {
	id       string
	kind     ports.TrackKind
	cloneErr error

	mu      sync.Mutex
	stopped bool
	clones  []*fakeTrack
}

func newFakeTrack(id string) *fakeTrack {
	return &fakeTrack{id: id, kind: ports.KindVideo}
}

func (t *fakeTrack) ID() string            { return t.id }
func (t *fakeTrack) Kind() ports.TrackKind { return t.kind }

func (t *fakeTrack) Clone() (ports.MediaTrack, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cloneErr != nil {
		return nil, t.cloneErr
	}
	c := &fakeTrack{id: fmt.Sprintf("%s-clone-%d", t.id, len(t.clones)+1), kind: t.kind}
	t.clones = append(t.clones, c)
	return c, nil
}

func (t *fakeTrack) Stop() {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
}

func (t *fakeTrack) Ended() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

func (t *fakeTrack) Clones() []*fakeTrack {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*fakeTrack, len(t.clones))
	copy(out, t.clones)
	return out
}

type fakePublication struct {
	sid    string
	source domain.TrackSource
	track  ports.MediaTrack
}

func (p *fakePublication) SID() string                { return p.sid }
func (p *fakePublication) Source() domain.TrackSource { return p.source }
func (p *fakePublication) Track() ports.MediaTrack    { return p.track }

type fakeRelay struct {
	mu           sync.Mutex
	listeners    map[string]func(ports.RelayEvent)
	connectErrs  []error
	connects     []domain.Credential
	disconnects  int
	publishErrs  []error
	published    []*fakePublication
	unpublished  []string
	muteCalls    []bool
	muteErr      error
	screenErr    error
	screenNoPub  bool
	screen       *fakePublication
	screenCalls  []bool
	participants []domain.Participant
	seq          int

	// ctx.Err() seen by each UnpublishTrack call.
	unpublishCtxErrs []error
}

func newFakeRelay() *fakeRelay {
	return &fakeRelay{listeners: make(map[string]func(ports.RelayEvent))}
}

func (r *fakeRelay) Connect(_ context.Context, cred domain.Credential) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connects = append(r.connects, cred)
	if len(r.connectErrs) > 0 {
		err := r.connectErrs[0]
		r.connectErrs = r.connectErrs[1:]
		return err
	}
	return nil
}

func (r *fakeRelay) Disconnect() {
	r.mu.Lock()
	r.disconnects++
	r.mu.Unlock()
}

func (r *fakeRelay) Subscribe(key string, fn func(ports.RelayEvent)) {
	r.mu.Lock()
	r.listeners[key] = fn
	r.mu.Unlock()
}

func (r *fakeRelay) Unsubscribe(key string) {
	r.mu.Lock()
	delete(r.listeners, key)
	r.mu.Unlock()
}

func (r *fakeRelay) PublishTrack(_ context.Context, track ports.MediaTrack, source domain.TrackSource) (ports.Publication, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.publishErrs) > 0 {
		err := r.publishErrs[0]
		r.publishErrs = r.publishErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	r.seq++
	pub := &fakePublication{sid: fmt.Sprintf("TR_%d", r.seq), source: source, track: track}
	r.published = append(r.published, pub)
	return pub, nil
}

func (r *fakeRelay) UnpublishTrack(ctx context.Context, pub ports.Publication) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unpublished = append(r.unpublished, pub.SID())
	r.unpublishCtxErrs = append(r.unpublishCtxErrs, ctx.Err())
	return nil
}

func (r *fakeRelay) SetMuted(_ context.Context, _ ports.Publication, muted bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.muteCalls = append(r.muteCalls, muted)
	return r.muteErr
}

func (r *fakeRelay) SetScreenShareEnabled(_ context.Context, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.screenCalls = append(r.screenCalls, enabled)
	if r.screenErr != nil {
		return r.screenErr
	}
	if !enabled {
		r.screen = nil
		return nil
	}
	if !r.screenNoPub {
		r.seq++
		r.screen = &fakePublication{sid: fmt.Sprintf("SS_%d", r.seq), source: domain.SourceScreenShare}
	}
	return nil
}

func (r *fakeRelay) ScreenSharePublication() ports.Publication {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.screen == nil {
		return nil
	}
	return r.screen
}

func (r *fakeRelay) Participants() []domain.Participant {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Participant, len(r.participants))
	copy(out, r.participants)
	return out
}

func (r *fakeRelay) setParticipants(ps ...domain.Participant) {
	r.mu.Lock()
	r.participants = ps
	r.mu.Unlock()
}

func (r *fakeRelay) emit(ev ports.RelayEvent) {
	r.mu.Lock()
	fns := make([]func(ports.RelayEvent), 0, len(r.listeners))
	for _, fn := range r.listeners {
		fns = append(fns, fn)
	}
	r.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

func (r *fakeRelay) listenerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.listeners)
}

func (r *fakeRelay) publishCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.published)
}

func (r *fakeRelay) lastPublication() *fakePublication {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.published) == 0 {
		return nil
	}
	return r.published[len(r.published)-1]
}

type recordingNotifier struct {
	mu      sync.Mutex
	notices []domain.Notice
}

func (n *recordingNotifier) Notify(notice domain.Notice) {
	n.mu.Lock()
	n.notices = append(n.notices, notice)
	n.mu.Unlock()
}

func (n *recordingNotifier) count(code domain.NoticeCode) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, notice := range n.notices {
		if notice.Code == code {
			c++
		}
	}
	return c
}

func (n *recordingNotifier) last(code domain.NoticeCode) (domain.Notice, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i := len(n.notices) - 1; i >= 0; i-- {
		if n.notices[i].Code == code {
			return n.notices[i], true
		}
	}
	return domain.Notice{}, false
}

type mockTokenFetcher struct {
	mock.Mock
}

func (m *mockTokenFetcher) FetchToken(ctx context.Context, req ports.TokenRequest) (*domain.Credential, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Credential), args.Error(1)
}

var errRelayUnavailable = errors.New("relay unavailable")

func credentialFor(room domain.RoomName) *domain.Credential {
	return &domain.Credential{Token: "jwt-" + string(room), RelayURL: "wss://relay.test", RoomName: room}
}

type harness struct {
	t       *testing.T
	ctx     context.Context
	loop    *Loop
	clock   *fakeClock
	relay   *fakeRelay
	fetcher *mockTokenFetcher
	notices *recordingNotifier
	env     Env
	orch    *Orchestrator
}

func newHarness(t *testing.T) *harness {
	return newHarnessWith(t, DefaultOptions())
}

func newHarnessWith(t *testing.T, opts Options) *harness {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	loop := NewLoop()
	go loop.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-loop.Done()
	})

	h := &harness{
		t:       t,
		ctx:     ctx,
		loop:    loop,
		clock:   newFakeClock(),
		relay:   newFakeRelay(),
		fetcher: &mockTokenFetcher{},
		notices: &recordingNotifier{},
	}
	h.env = Env{
		Loop:     loop,
		Exec:     inlineExecutor{},
		Clock:    h.clock,
		Notifier: h.notices,
		Logger:   zaptest.NewLogger(t).Sugar(),
	}
	if opts.ParticipantName == "" {
		opts.ParticipantName = "Dra. Helena"
	}
	h.orch = NewOrchestrator(h.env, h.relay, h.fetcher, opts)
	return h
}

// settle waits until the loop has nothing left to do.
func (h *harness) settle() {
	h.t.Helper()
	for i := 0; i < 100; i++ {
		idle := false
		require.NoError(h.t, h.loop.Do(h.ctx, func() { idle = h.loop.Idle() }))
		if idle {
			return
		}
	}
	h.t.Fatal("session loop did not settle")
}

func (h *harness) advance(d time.Duration) {
	h.t.Helper()
	h.clock.Advance(d)
	h.settle()
}

// onLoop runs fn on the session loop and waits for it.
func (h *harness) onLoop(fn func()) {
	h.t.Helper()
	require.NoError(h.t, h.loop.Do(h.ctx, fn))
}

func (h *harness) expectToken(room domain.RoomName) {
	h.fetcher.On("FetchToken", mock.Anything, ports.TokenRequest{RoomName: room, ParticipantName: "Dra. Helena"}).
		Return(credentialFor(room), nil)
}

func (h *harness) snapshot() domain.SessionSnapshot {
	h.t.Helper()
	snap, err := h.orch.Snapshot(h.ctx)
	require.NoError(h.t, err)
	return snap
}

// startConnected starts room "abc" and waits for the connection.
func (h *harness) startConnected() {
	h.t.Helper()
	h.expectToken("consulta-abc")
	require.NoError(h.t, h.orch.Start(h.ctx, "abc"))
	h.settle()
	require.Equal(h.t, domain.StateConnected, h.snapshot().State)
}
