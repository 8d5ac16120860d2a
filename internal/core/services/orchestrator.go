package services

import (
	"context"
	"errors"

	"teleconsulta/internal/core/domain"
	"teleconsulta/internal/core/ports"
)

const orchestratorListenerKey = "orchestrator"

type Options struct {
	ParticipantName string
	Publish         PublisherConfig
	Reconnect       ReconnectConfig
	Quality         QualityConfig
}

func DefaultOptions() Options {
	return Options{
		Publish:   DefaultPublisherConfig(),
		Reconnect: DefaultReconnectConfig(),
		Quality:   DefaultQualityConfig(),
	}
}

// Orchestrator owns the consultation session. Its exported methods are safe
// to call from any goroutine; everything else runs on the session loop.
type Orchestrator struct {
	env   Env
	relay ports.Relay

	tokens     *TokenProvider
	publisher  *TrackPublisher
	screen     *ScreenShareCoordinator
	presence   *PresenceTracker
	quality    *QualityMonitor
	supervisor *ReconnectionSupervisor

	session    *domain.Session
	active     bool
	identifier string
	ctx        context.Context
	cancel     context.CancelFunc
	relayEpoch uint64
	intent     bool
	source     ports.MediaTrack

	stateListeners map[string]func(domain.ConnectionState)
}

func NewOrchestrator(env Env, relay ports.Relay, fetcher ports.TokenFetcher, opts Options) *Orchestrator {
	env = env.withDefaults()
	o := &Orchestrator{
		relay:          relay,
		ctx:            context.Background(),
		stateListeners: make(map[string]func(domain.ConnectionState)),
	}
	env.Notifier = roomNotifier{next: env.Notifier, room: o.roomName}
	o.env = env

	o.tokens = NewTokenProvider(env, fetcher, opts.ParticipantName)
	o.publisher = NewTrackPublisher(env, relay, opts.Publish)
	o.screen = NewScreenShareCoordinator(env, relay)
	o.presence = NewPresenceTracker()
	o.quality = NewQualityMonitor(env, opts.Quality)
	o.supervisor = NewReconnectionSupervisor(env, opts.Reconnect)

	o.tokens.OnResult(o.handleTokenResult)
	o.publisher.OnFatal(o.teardown)
	o.publisher.OnIntentForced(func(enabled bool) {
		o.intent = enabled
		o.env.Metrics.SetPublishing(o.publisher.IsActuallyPublishing())
	})
	o.screen.OnReverted(func() {
		o.env.Logger.Infow("screen share flag reverted", "room_name", o.roomName())
	})
	o.supervisor.OnReconnect(o.connect)
	o.supervisor.OnTerminal(o.teardown)

	return o
}

// OnStateChange registers fn under key. Callbacks run on the session loop
// and must not block.
func (o *Orchestrator) OnStateChange(key string, fn func(domain.ConnectionState)) {
	o.env.Loop.Post(func() {
		o.stateListeners[key] = fn
	})
}

// Start opens a session for the consultation identifier. Starting the room
// that is already active retries the connection if it is sitting
// disconnected and does nothing otherwise; another room replaces it.
func (o *Orchestrator) Start(ctx context.Context, identifier string) error {
	var err error
	if doErr := o.env.Loop.Do(ctx, func() { err = o.start(identifier) }); doErr != nil {
		return doErr
	}
	return err
}

// Stop ends the session. Timers are cancelled and clones released before it
// returns.
func (o *Orchestrator) Stop(ctx context.Context) error {
	return o.env.Loop.Do(ctx, o.stop)
}

// SetPublishIntent records whether the user wants the camera sent.
func (o *Orchestrator) SetPublishIntent(ctx context.Context, enabled bool) error {
	return o.env.Loop.Do(ctx, func() {
		o.intent = enabled
		if o.active {
			o.syncPublisher()
		}
	})
}

// SetSource sets the track to publish. It does not wait.
func (o *Orchestrator) SetSource(track ports.MediaTrack) {
	o.env.Loop.Post(func() {
		o.source = track
		if o.active {
			o.syncPublisher()
		}
	})
}

// SetScreenShare asks for the screen share to be turned on or off.
func (o *Orchestrator) SetScreenShare(ctx context.Context, enabled bool) error {
	var err error
	doErr := o.env.Loop.Do(ctx, func() {
		if enabled && !o.connected() {
			err = domain.ErrNotConnected
			return
		}
		o.screen.SetWanted(enabled)
	})
	if doErr != nil {
		return doErr
	}
	return err
}

func (o *Orchestrator) Snapshot(ctx context.Context) (domain.SessionSnapshot, error) {
	var snap domain.SessionSnapshot
	err := o.env.Loop.Do(ctx, func() { snap = o.snapshot() })
	return snap, err
}

func (o *Orchestrator) snapshot() domain.SessionSnapshot {
	snap := domain.SessionSnapshot{
		State:          domain.StateDisconnected,
		PublishIntent:  o.intent,
		Publishing:     o.publisher.IsActuallyPublishing(),
		PublishAttempt: o.publisher.Attempt(),
		ScreenSharing:  o.screen.Wanted(),
		Presence:       o.presence.Stats(),
		Participants:   o.presence.Participants(),
	}
	if o.session != nil {
		snap.RoomName = o.session.RoomName
		snap.State = o.session.State
		snap.Live = o.session.Live()
		snap.ReconnectAttempts = o.session.ReconnectAttempts
		snap.StartedAt = o.session.StartedAt
		snap.ConnectedAt = o.session.ConnectedAt
	}
	return snap
}

func (o *Orchestrator) start(identifier string) error {
	if err := domain.ValidateIdentifier(identifier); err != nil {
		return err
	}
	room := domain.NormalizeRoomName(identifier)
	if o.active && o.session.RoomName == room {
		o.retry()
		return nil
	}
	if o.active {
		o.shutdown()
	}

	o.ctx, o.cancel = context.WithCancel(context.Background())
	o.session = &domain.Session{
		RoomName:  room,
		State:     domain.StateDisconnected,
		StartedAt: o.env.Clock.Now(),
	}
	o.identifier = identifier
	o.active = true
	o.relayEpoch++

	epoch := o.relayEpoch
	o.relay.Subscribe(orchestratorListenerKey, func(ev ports.RelayEvent) {
		o.env.Loop.Post(func() { o.handleRelayEvent(epoch, ev) })
	})
	o.screen.Attach(o.ctx)
	o.presence.Reset()
	o.supervisor.Begin()

	o.env.Logger.Infow("starting consultation session", "room_name", room)
	o.connect()
	return nil
}

// retry refetches the credential for the current room when the session
// sits disconnected with nothing in progress, such as after a failed token
// request.
func (o *Orchestrator) retry() {
	if o.session.State != domain.StateDisconnected || o.tokens.InFlight() || o.supervisor.Recovering() {
		return
	}
	o.env.Logger.Infow("retrying consultation session", "room_name", o.session.RoomName)
	o.supervisor.Begin()
	o.connect()
}

func (o *Orchestrator) connect() {
	if !o.active {
		return
	}
	if o.supervisor.Recovering() {
		o.setState(domain.StateReconnecting)
	} else {
		o.setState(domain.StateConnecting)
	}

	err := o.tokens.Connect(o.ctx, o.identifier)
	if errors.Is(err, domain.ErrConnectInFlight) {
		return
	}
	if err != nil {
		o.env.Logger.Warnw("cannot request session token", "error", err)
		o.setState(domain.StateDisconnected)
	}
}

func (o *Orchestrator) handleTokenResult(st TokenState) {
	if !o.active {
		return
	}
	if st.Err != nil {
		o.session.Credential = nil
		o.env.notify(domain.NoticeError, domain.CodeTokenFailed, "Could not join the consultation", st.Err.Error())
		if o.supervisor.Recovering() {
			o.supervisor.HandleDisconnected(st.Err)
			o.syncState()
			return
		}
		o.setState(domain.StateDisconnected)
		return
	}

	o.session.Credential = st.Credential
	o.connectRelay(*st.Credential)
}

func (o *Orchestrator) connectRelay(cred domain.Credential) {
	epoch, ctx := o.relayEpoch, o.ctx
	o.env.Exec.Go(func() {
		err := o.relay.Connect(ctx, cred)
		o.env.Loop.Post(func() { o.relayConnected(epoch, err) })
	})
}

func (o *Orchestrator) relayConnected(epoch uint64, err error) {
	if epoch != o.relayEpoch || !o.active {
		return
	}
	if err != nil {
		o.env.Logger.Warnw("relay connect failed", "room_name", o.session.RoomName, "error", err)
		if o.supervisor.HandleError(err) {
			return
		}
		o.tokens.Disconnect()
		o.session.Credential = nil
		o.supervisor.HandleDisconnected(err)
		o.syncState()
		return
	}
	o.onConnected()
}

func (o *Orchestrator) onConnected() {
	now := o.env.Clock.Now()
	if o.session.ConnectedAt.IsZero() {
		o.session.ConnectedAt = now
		o.quality.Begin(now)
	}
	o.supervisor.HandleConnected()
	o.env.Metrics.SetPresence(o.presence.Update(o.relay.Participants()))
	o.setState(domain.StateConnected)
	o.syncPublisher()
}

func (o *Orchestrator) handleRelayEvent(epoch uint64, ev ports.RelayEvent) {
	if epoch != o.relayEpoch || !o.active {
		return
	}

	switch ev.Type {
	case ports.EventConnected:
		o.onConnected()
	case ports.EventReconnecting:
		o.supervisor.HandleReconnecting()
		o.screen.Reset()
		o.setState(domain.StateReconnecting)
		o.syncPublisher()
	case ports.EventDisconnected:
		o.connectionLost(ev.Err)
	case ports.EventError:
		if !o.supervisor.HandleError(ev.Err) {
			o.env.Logger.Warnw("relay error", "room_name", o.session.RoomName, "error", ev.Err)
		}
	case ports.EventRosterChanged:
		o.env.Metrics.SetPresence(o.presence.Update(o.relay.Participants()))
	case ports.EventQualityChanged:
		p, ok := o.presence.SetQuality(ev.Participant.Identity, ev.Participant.Quality)
		if !ok {
			p = ev.Participant
		}
		o.quality.Observe(p)
	case ports.EventTrackMuted, ports.EventTrackUnmuted:
		o.publisher.HandleMuteChanged(ev.PublicationSID, ev.Type == ports.EventTrackMuted)
		o.env.Metrics.SetPublishing(o.publisher.IsActuallyPublishing())
	case ports.EventTrackUnpublished:
		if ev.Source == domain.SourceCamera {
			o.publisher.HandleUnpublished(ev.PublicationSID)
		}
	}
}

func (o *Orchestrator) connectionLost(cause error) {
	o.tokens.Disconnect()
	o.session.Credential = nil
	o.screen.Reset()
	o.supervisor.HandleDisconnected(cause)
	o.syncState()
}

func (o *Orchestrator) syncState() {
	if !o.active {
		return
	}
	switch o.supervisor.State() {
	case SupervisorConnected:
		o.setState(domain.StateConnected)
	case SupervisorConnecting:
		o.setState(domain.StateConnecting)
	case SupervisorReconnecting:
		o.setState(domain.StateReconnecting)
	default:
		o.setState(domain.StateDisconnected)
	}
	o.syncPublisher()
}

func (o *Orchestrator) syncPublisher() {
	o.publisher.Sync(o.ctx, o.connected(), o.intent, o.source)
	o.env.Metrics.SetPublishing(o.publisher.IsActuallyPublishing())
}

func (o *Orchestrator) connected() bool {
	return o.active && o.session != nil && o.session.State == domain.StateConnected
}

// teardown ends the session after a fatal failure. The session record stays
// so its final state can still be reported.
func (o *Orchestrator) teardown(reason error) {
	if !o.active {
		return
	}
	o.env.Logger.Errorw("tearing down consultation session", "room_name", o.session.RoomName, "error", reason)
	o.shutdown()
}

func (o *Orchestrator) stop() {
	if o.session == nil {
		return
	}
	if o.active {
		o.shutdown()
	}
	o.env.Logger.Infow("consultation session stopped", "room_name", o.session.RoomName)
	o.session = nil
}

func (o *Orchestrator) shutdown() {
	o.active = false
	o.relayEpoch++

	o.relay.Unsubscribe(orchestratorListenerKey)
	o.screen.Detach()
	o.publisher.Close()
	o.supervisor.Stop()
	o.tokens.Disconnect()
	o.presence.Reset()
	if o.cancel != nil {
		o.cancel()
	}
	o.env.Exec.Go(o.relay.Disconnect)

	o.session.Credential = nil
	o.setState(domain.StateDisconnected)
	o.env.Metrics.SetPublishing(false)
	o.env.Metrics.SetPresence(domain.PresenceStats{})
}

func (o *Orchestrator) setState(s domain.ConnectionState) {
	if o.session == nil {
		return
	}
	o.session.ReconnectAttempts = o.supervisor.Attempts()
	if o.session.State == s {
		return
	}
	o.session.State = s
	o.env.Metrics.SetConnectionState(s)
	o.env.Logger.Infow("session state changed", "room_name", o.session.RoomName, "state", s,
		"reconnect_attempts", o.session.ReconnectAttempts)
	for _, fn := range o.stateListeners {
		fn(s)
	}
}

func (o *Orchestrator) roomName() domain.RoomName {
	if o.session == nil {
		return ""
	}
	return o.session.RoomName
}

// roomNotifier stamps notices with the active room. Only used from the loop.
type roomNotifier struct {
	next ports.Notifier
	room func() domain.RoomName
}

func (n roomNotifier) Notify(notice domain.Notice) {
	if notice.RoomName == "" {
		notice.RoomName = n.room()
	}
	n.next.Notify(notice)
}
