// Package relay is the client side of the media relay: JSON signaling over
// a websocket plus one publisher PeerConnection carrying local tracks.
package relay

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"teleconsulta/internal/core/domain"
	"teleconsulta/internal/core/ports"
	"teleconsulta/internal/infrastructure/media"
	"teleconsulta/pkg/tracing"

	"github.com/google/uuid"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

var errSuperseded = errors.New("relay connection superseded")

type Config struct {
	ICEServers     []webrtc.ICEServer
	PortMin        uint16
	PortMax        uint16
	DialTimeout    time.Duration
	PingInterval   time.Duration
	PongTimeout    time.Duration
	PublishTimeout time.Duration
	// ResumeAttempts bounds how often a dropped connection is resumed with
	// the same credential before EventDisconnected is reported.
	ResumeAttempts int
	ResumeDelay    time.Duration
	// ScreenDevice opens the screen capture. Screen share fails without it.
	ScreenDevice ports.CaptureDevice
}

func DefaultConfig() Config {
	return Config{
		DialTimeout:    10 * time.Second,
		PingInterval:   15 * time.Second,
		PongTimeout:    30 * time.Second,
		PublishTimeout: 15 * time.Second,
		ResumeAttempts: 2,
		ResumeDelay:    time.Second,
	}
}

// session is one signaling socket and its PeerConnection.
type session struct {
	sig  *signalConn
	pc   *webrtc.PeerConnection
	cred domain.Credential

	pmu     sync.Mutex
	pending map[string]chan SignalMessage

	lost    chan error
	failMu  sync.Mutex
	failErr error
}

// fail tears the session down and records err as the reason.
func (s *session) fail(err error) {
	s.failMu.Lock()
	if s.failErr == nil {
		s.failErr = err
	}
	s.failMu.Unlock()
	s.sig.close()
}

func (s *session) failure() error {
	s.failMu.Lock()
	defer s.failMu.Unlock()
	return s.failErr
}

func (s *session) close() {
	s.sig.close()
	_ = s.pc.Close()
}

// Client implements ports.Relay.
type Client struct {
	cfg    Config
	api    *webrtc.API
	logger *zap.SugaredLogger

	lmu       sync.RWMutex
	listeners map[string]func(ports.RelayEvent)

	// negotiateMu serializes track changes and the offer/answer they need.
	negotiateMu sync.Mutex

	mu           sync.Mutex
	gen          uint64
	sess         *session
	identity     string
	localQuality domain.ConnectionQuality
	roster       map[string]domain.Participant
	pubs         map[string]*publication
	screenPub    *publication
	screenTrack  ports.MediaTrack
}

var _ ports.Relay = (*Client)(nil)

func NewClient(cfg Config, logger *zap.SugaredLogger) (*Client, error) {
	def := DefaultConfig()
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = def.DialTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.PongTimeout <= cfg.PingInterval {
		cfg.PongTimeout = 2 * cfg.PingInterval
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = def.PublishTimeout
	}
	if cfg.ResumeDelay <= 0 {
		cfg.ResumeDelay = def.ResumeDelay
	}

	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}
	se := webrtc.SettingEngine{}
	if cfg.PortMin > 0 && cfg.PortMax > 0 {
		if err := se.SetEphemeralUDPPortRange(cfg.PortMin, cfg.PortMax); err != nil {
			return nil, fmt.Errorf("port range: %w", err)
		}
	}

	return &Client{
		cfg: cfg,
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(m),
			webrtc.WithInterceptorRegistry(registry),
			webrtc.WithSettingEngine(se),
		),
		logger:       logger,
		listeners:    make(map[string]func(ports.RelayEvent)),
		localQuality: domain.QualityUnknown,
		roster:       make(map[string]domain.Participant),
		pubs:         make(map[string]*publication),
	}, nil
}

func (c *Client) Subscribe(key string, fn func(ports.RelayEvent)) {
	c.lmu.Lock()
	c.listeners[key] = fn
	c.lmu.Unlock()
}

func (c *Client) Unsubscribe(key string) {
	c.lmu.Lock()
	delete(c.listeners, key)
	c.lmu.Unlock()
}

func (c *Client) emit(ev ports.RelayEvent) {
	c.lmu.RLock()
	fns := make([]func(ports.RelayEvent), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.lmu.RUnlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// Connect joins the credential's room. Any previous connection is closed
// first without emitting events.
func (c *Client) Connect(ctx context.Context, cred domain.Credential) error {
	ctx, span := tracing.TraceRelay(ctx, "connect", string(cred.RoomName))
	err := c.connect(ctx, cred)
	tracing.EndSpan(span, err)
	return err
}

func (c *Client) connect(ctx context.Context, cred domain.Credential) error {
	c.mu.Lock()
	c.gen++
	gen := c.gen
	old := c.detachLocked()
	c.mu.Unlock()
	c.release(old)

	sess, joined, err := c.open(ctx, cred)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		sess.close()
		return errSuperseded
	}
	c.attachLocked(sess, joined)
	c.mu.Unlock()

	c.logger.Infow("joined relay room", "room_name", cred.RoomName, "identity", joined.Identity)
	go c.supervise(gen, sess)
	return nil
}

func (c *Client) open(ctx context.Context, cred domain.Credential) (*session, JoinedPayload, error) {
	var joined JoinedPayload

	ctx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()

	sig, err := dialSignal(ctx, cred, c.cfg.DialTimeout, c.cfg.PongTimeout)
	if err != nil {
		return nil, joined, err
	}
	pc, err := c.api.NewPeerConnection(webrtc.Configuration{ICEServers: c.cfg.ICEServers})
	if err != nil {
		sig.close()
		return nil, joined, fmt.Errorf("create peer connection: %w", err)
	}

	sess := &session{
		sig:     sig,
		pc:      pc,
		cred:    cred,
		pending: make(map[string]chan SignalMessage),
		lost:    make(chan error, 1),
	}
	pc.OnICECandidate(func(ic *webrtc.ICECandidate) {
		if ic == nil {
			return
		}
		msg, err := newMessage(msgCandidate, "", CandidatePayload{Candidate: ic.ToJSON()})
		if err == nil {
			_ = sig.send(context.Background(), msg)
		}
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		c.logger.Debugw("relay peer connection state changed", "room_name", cred.RoomName, "connection_state", state)
		if state == webrtc.PeerConnectionStateFailed {
			sess.fail(errors.New("relay peer connection failed"))
		}
	})

	go func() {
		sess.lost <- sig.run(c.cfg.PingInterval, func(msg SignalMessage) { c.handle(sess, msg) })
	}()

	resp, err := c.request(ctx, sess, msgJoin, JoinPayload{Room: string(cred.RoomName)})
	if err == nil {
		err = decode(resp, &joined)
	}
	if err != nil {
		sess.close()
		return nil, joined, err
	}
	return sess, joined, nil
}

func (c *Client) attachLocked(sess *session, joined JoinedPayload) {
	c.sess = sess
	c.identity = joined.Identity
	c.localQuality = domain.QualityUnknown
	c.roster = make(map[string]domain.Participant, len(joined.Participants))
	c.setRosterLocked(joined.Participants)
}

type detached struct {
	sess        *session
	pubs        []*publication
	screenTrack ports.MediaTrack
}

func (c *Client) detachLocked() detached {
	d := detached{sess: c.sess, screenTrack: c.screenTrack}
	for _, p := range c.pubs {
		d.pubs = append(d.pubs, p)
	}
	c.sess = nil
	c.identity = ""
	c.roster = make(map[string]domain.Participant)
	c.pubs = make(map[string]*publication)
	c.screenPub, c.screenTrack = nil, nil
	return d
}

// release stops forwarding for every dropped publication. Only the screen
// capture is owned here; other tracks belong to the publisher.
func (c *Client) release(d detached) {
	for _, p := range d.pubs {
		p.stop()
	}
	if d.screenTrack != nil {
		d.screenTrack.Stop()
	}
	if d.sess != nil {
		d.sess.close()
	}
}

// supervise waits for the session to end. A drop that was not asked for is
// resumed with the same credential before the loss is reported.
func (c *Client) supervise(gen uint64, sess *session) {
	err := <-sess.lost
	if ferr := sess.failure(); ferr != nil {
		err = ferr
	}
	if err == nil {
		return
	}

	c.mu.Lock()
	if c.gen != gen || c.sess != sess {
		c.mu.Unlock()
		return
	}
	d := c.detachLocked()
	c.mu.Unlock()
	c.release(d)

	c.logger.Warnw("relay connection lost", "room_name", sess.cred.RoomName, "error", err)
	if domain.IsFatalRelayError(err) || c.cfg.ResumeAttempts <= 0 {
		c.emit(ports.RelayEvent{Type: ports.EventDisconnected, Err: err})
		return
	}
	c.emit(ports.RelayEvent{Type: ports.EventReconnecting})
	c.resume(gen, sess.cred, err)
}

func (c *Client) resume(gen uint64, cred domain.Credential, cause error) {
	last := cause
	for attempt := 1; attempt <= c.cfg.ResumeAttempts; attempt++ {
		time.Sleep(c.cfg.ResumeDelay)
		if c.stale(gen) {
			return
		}

		sess, joined, err := c.open(context.Background(), cred)
		if err != nil {
			c.logger.Warnw("relay resume failed", "room_name", cred.RoomName, "attempt", attempt, "error", err)
			last = err
			if domain.IsFatalRelayError(err) {
				break
			}
			continue
		}

		c.mu.Lock()
		if c.gen != gen {
			c.mu.Unlock()
			sess.close()
			return
		}
		c.attachLocked(sess, joined)
		c.mu.Unlock()

		c.logger.Infow("relay connection resumed", "room_name", cred.RoomName, "attempt", attempt)
		go c.supervise(gen, sess)
		c.emit(ports.RelayEvent{Type: ports.EventConnected})
		return
	}

	if !c.stale(gen) {
		c.emit(ports.RelayEvent{Type: ports.EventDisconnected, Err: last})
	}
}

func (c *Client) stale(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen != gen
}

// Disconnect leaves the room. No events follow.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.gen++
	d := c.detachLocked()
	c.mu.Unlock()

	if d.sess != nil {
		if msg, err := newMessage(msgLeave, "", nil); err == nil {
			_ = d.sess.sig.send(context.Background(), msg)
		}
		c.logger.Infow("left relay room", "room_name", d.sess.cred.RoomName)
	}
	c.release(d)
}

func (c *Client) current() *session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess
}

func (c *Client) request(ctx context.Context, sess *session, typ string, payload interface{}) (SignalMessage, error) {
	id := uuid.NewString()
	ch := make(chan SignalMessage, 1)

	sess.pmu.Lock()
	sess.pending[id] = ch
	sess.pmu.Unlock()
	defer func() {
		sess.pmu.Lock()
		delete(sess.pending, id)
		sess.pmu.Unlock()
	}()

	msg, err := newMessage(typ, id, payload)
	if err != nil {
		return SignalMessage{}, err
	}
	if err := sess.sig.send(ctx, msg); err != nil {
		return SignalMessage{}, fmt.Errorf("send %s: %w", typ, err)
	}

	select {
	case resp := <-ch:
		if resp.Type == msgError {
			var ep ErrorPayload
			if err := decode(resp, &ep); err != nil {
				return resp, err
			}
			return resp, ep.Err()
		}
		return resp, nil
	case <-sess.sig.closed:
		return SignalMessage{}, fmt.Errorf("%s: %w", typ, errSignalClosed)
	case <-ctx.Done():
		return SignalMessage{}, fmt.Errorf("%s: %w", typ, ctx.Err())
	}
}

// negotiate runs one offer/answer round. Callers hold negotiateMu.
func (c *Client) negotiate(ctx context.Context, sess *session) error {
	offer, err := sess.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := sess.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}

	resp, err := c.request(ctx, sess, msgOffer, SDPPayload{SDP: offer.SDP})
	if err != nil {
		return err
	}
	var answer SDPPayload
	if err := decode(resp, &answer); err != nil {
		return err
	}
	return sess.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer.SDP})
}

func (c *Client) handle(sess *session, msg SignalMessage) {
	if msg.ID != "" {
		sess.pmu.Lock()
		ch, ok := sess.pending[msg.ID]
		sess.pmu.Unlock()
		if ok {
			ch <- msg
			return
		}
	}

	var err error
	switch msg.Type {
	case msgCandidate:
		var p CandidatePayload
		if err = decode(msg, &p); err == nil {
			err = sess.pc.AddICECandidate(p.Candidate)
		}
	case msgRoster:
		var p RosterPayload
		if err = decode(msg, &p); err == nil && c.updateRoster(sess, p.Participants) {
			c.emit(ports.RelayEvent{Type: ports.EventRosterChanged})
		}
	case msgQuality:
		var p QualityPayload
		if err = decode(msg, &p); err == nil {
			c.updateQuality(sess, p.Identity, p.Quality)
		}
	case msgMuted:
		var p TrackPayload
		if err = decode(msg, &p); err == nil {
			c.remoteMute(sess, p.SID, p.Muted)
		}
	case msgUnpublished:
		var p TrackPayload
		if err = decode(msg, &p); err == nil {
			go c.remoteUnpublish(sess, p.SID)
		}
	case msgError:
		var p ErrorPayload
		if err = decode(msg, &p); err == nil && c.current() == sess {
			c.emit(ports.RelayEvent{Type: ports.EventError, Err: p.Err()})
		}
	case msgLeave:
		var p ErrorPayload
		_ = decode(msg, &p)
		sess.fail(fmt.Errorf("removed from room: %s", p.Message))
	default:
		c.logger.Debugw("ignoring relay message", "type", msg.Type)
	}
	if err != nil {
		c.logger.Warnw("relay message rejected", "type", msg.Type, "error", err)
	}
}

func (c *Client) setRosterLocked(infos []ParticipantInfo) {
	next := make(map[string]domain.Participant, len(infos))
	for _, info := range infos {
		if info.Identity == "" || info.Identity == c.identity {
			continue
		}
		q := info.Quality
		if q == "" {
			q = c.roster[info.Identity].Quality
		}
		next[info.Identity] = domain.Participant{
			Identity:  info.Identity,
			HasCamera: info.HasCamera,
			HasMic:    info.HasMic,
			Quality:   q,
		}
	}
	c.roster = next
}

func (c *Client) updateRoster(sess *session, infos []ParticipantInfo) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess != sess {
		return false
	}
	c.setRosterLocked(infos)
	return true
}

func (c *Client) updateQuality(sess *session, identity string, q domain.ConnectionQuality) {
	c.mu.Lock()
	if c.sess != sess {
		c.mu.Unlock()
		return
	}
	var p domain.Participant
	if identity == c.identity {
		c.localQuality = q
		p = c.localLocked()
	} else {
		known, ok := c.roster[identity]
		if !ok {
			c.mu.Unlock()
			return
		}
		known.Quality = q
		c.roster[identity] = known
		p = known
	}
	c.mu.Unlock()

	c.emit(ports.RelayEvent{Type: ports.EventQualityChanged, Participant: p})
}

func (c *Client) remoteMute(sess *session, sid string, muted bool) {
	c.mu.Lock()
	p, ok := c.pubs[sid]
	if c.sess != sess || !ok {
		c.mu.Unlock()
		return
	}
	p.muted.Store(muted)
	c.mu.Unlock()

	typ := ports.EventTrackUnmuted
	if muted {
		typ = ports.EventTrackMuted
	}
	c.emit(ports.RelayEvent{Type: typ, PublicationSID: sid, Source: p.source})
}

// remoteUnpublish handles the relay dropping one of our tracks.
func (c *Client) remoteUnpublish(sess *session, sid string) {
	c.mu.Lock()
	p, ok := c.pubs[sid]
	if c.sess != sess || !ok {
		c.mu.Unlock()
		return
	}
	delete(c.pubs, sid)
	var screen ports.MediaTrack
	if c.screenPub == p {
		screen = c.screenTrack
		c.screenPub, c.screenTrack = nil, nil
	}
	c.mu.Unlock()

	p.stop()
	if screen != nil {
		screen.Stop()
	}
	c.logger.Infow("relay unpublished track", "sid", sid, "source", p.source)
	c.emit(ports.RelayEvent{Type: ports.EventTrackUnpublished, PublicationSID: sid, Source: p.source})

	c.negotiateMu.Lock()
	defer c.negotiateMu.Unlock()
	if err := sess.pc.RemoveTrack(p.sender); err != nil {
		c.logger.Debugw("remove sender failed", "sid", sid, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.PublishTimeout)
	defer cancel()
	if err := c.negotiate(ctx, sess); err != nil {
		c.logger.Warnw("renegotiation after unpublish failed", "sid", sid, "error", err)
	}
}

func (c *Client) localLocked() domain.Participant {
	local := domain.Participant{Identity: c.identity, IsLocal: true, Quality: c.localQuality}
	for _, p := range c.pubs {
		if p.Muted() {
			continue
		}
		switch p.source {
		case domain.SourceCamera:
			local.HasCamera = true
		case domain.SourceMicrophone:
			local.HasMic = true
		}
	}
	return local
}

func (c *Client) setLocalQuality(sess *session, q domain.ConnectionQuality) {
	c.mu.Lock()
	if c.sess != sess {
		c.mu.Unlock()
		return
	}
	c.localQuality = q
	p := c.localLocked()
	c.mu.Unlock()

	c.emit(ports.RelayEvent{Type: ports.EventQualityChanged, Participant: p})
}

// Participants returns the local participant first, then remote ones by
// identity. It is empty while disconnected.
func (c *Client) Participants() []domain.Participant {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sess == nil {
		return nil
	}
	out := make([]domain.Participant, 0, len(c.roster)+1)
	out = append(out, c.localLocked())

	remote := make([]domain.Participant, 0, len(c.roster))
	for _, p := range c.roster {
		remote = append(remote, p)
	}
	sort.Slice(remote, func(i, j int) bool { return remote[i].Identity < remote[j].Identity })
	return append(out, remote...)
}

func (c *Client) PublishTrack(ctx context.Context, track ports.MediaTrack, source domain.TrackSource) (ports.Publication, error) {
	sess := c.current()
	if sess == nil {
		return nil, domain.ErrNotConnected
	}
	ctx, span := tracing.TraceRelay(ctx, "publish", string(sess.cred.RoomName))
	tracing.AddSpanAttributes(ctx, tracing.TrackSourceKey.String(string(source)))
	pub, err := c.publish(ctx, sess, track, source)
	tracing.EndSpan(span, err)
	if err != nil {
		return nil, err
	}
	return pub, nil
}

func (c *Client) publish(ctx context.Context, sess *session, track ports.MediaTrack, source domain.TrackSource) (*publication, error) {
	reader, ok := track.(media.FrameReader)
	if !ok {
		return nil, fmt.Errorf("%w: track %s has no frames", domain.ErrPublish, track.ID())
	}
	if track.Ended() {
		return nil, fmt.Errorf("%w: track %s ended", domain.ErrPublish, track.ID())
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.PublishTimeout)
	defer cancel()

	mime := webrtc.MimeTypeVP8
	if track.Kind() == ports.KindAudio {
		mime = webrtc.MimeTypeOpus
	}
	c.mu.Lock()
	identity := c.identity
	c.mu.Unlock()

	local, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{MimeType: mime}, track.ID(), identity)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrPublish, err)
	}

	c.negotiateMu.Lock()
	defer c.negotiateMu.Unlock()

	sender, err := sess.pc.AddTrack(local)
	if err != nil {
		return nil, fmt.Errorf("%w: add track: %v", domain.ErrPublish, err)
	}
	resp, err := c.request(ctx, sess, msgPublish, PublishPayload{CID: track.ID(), Source: source, Kind: string(track.Kind())})
	var published PublishedPayload
	if err == nil {
		err = decode(resp, &published)
	}
	if err == nil {
		err = c.negotiate(ctx, sess)
	}
	if err != nil {
		_ = sess.pc.RemoveTrack(sender)
		return nil, fmt.Errorf("%w: %w", domain.ErrPublish, err)
	}

	pub := &publication{
		sid:    published.SID,
		source: source,
		track:  track,
		local:  local,
		sender: sender,
		done:   make(chan struct{}),
	}

	c.mu.Lock()
	if c.sess != sess {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %w", domain.ErrPublish, domain.ErrNotConnected)
	}
	c.pubs[pub.sid] = pub
	c.mu.Unlock()

	go pub.forward(reader.Frames(), c.logger)
	go pub.readRTCP(func(q domain.ConnectionQuality) { c.setLocalQuality(sess, q) })

	c.logger.Infow("track published", "sid", pub.sid, "source", source, "track_id", track.ID())
	return pub, nil
}

func (c *Client) lookup(pub ports.Publication) (*publication, *session) {
	if pub == nil {
		return nil, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pubs[pub.SID()], c.sess
}

func (c *Client) UnpublishTrack(ctx context.Context, pub ports.Publication) error {
	c.mu.Lock()
	p, ok := c.pubs[pub.SID()]
	sess := c.sess
	if ok {
		delete(c.pubs, p.sid)
		if c.screenPub == p {
			c.screenPub = nil
		}
	}
	c.mu.Unlock()

	if !ok {
		return nil
	}
	p.stop()
	if sess == nil {
		return nil
	}

	ctx, span := tracing.TraceRelay(ctx, "unpublish", string(sess.cred.RoomName))
	err := c.unpublish(ctx, sess, p)
	tracing.EndSpan(span, err)
	return err
}

func (c *Client) unpublish(ctx context.Context, sess *session, p *publication) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.PublishTimeout)
	defer cancel()

	c.negotiateMu.Lock()
	defer c.negotiateMu.Unlock()

	if err := sess.pc.RemoveTrack(p.sender); err != nil {
		return fmt.Errorf("remove track: %w", err)
	}
	if _, err := c.request(ctx, sess, msgUnpublish, TrackPayload{SID: p.sid}); err != nil {
		return err
	}
	return c.negotiate(ctx, sess)
}

// SetMuted stops or resumes forwarding frames and tells the relay.
func (c *Client) SetMuted(ctx context.Context, pub ports.Publication, muted bool) error {
	p, sess := c.lookup(pub)
	if sess == nil {
		return domain.ErrNotConnected
	}
	if p == nil {
		return fmt.Errorf("unknown publication %s", pub.SID())
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.PublishTimeout)
	defer cancel()
	if _, err := c.request(ctx, sess, msgMute, TrackPayload{SID: p.sid, Muted: muted}); err != nil {
		return err
	}
	p.muted.Store(muted)
	return nil
}

func (c *Client) SetScreenShareEnabled(ctx context.Context, enabled bool) error {
	if !enabled {
		c.mu.Lock()
		pub, track := c.screenPub, c.screenTrack
		c.screenTrack = nil
		c.mu.Unlock()

		var err error
		if pub != nil {
			err = c.UnpublishTrack(ctx, pub)
		}
		if track != nil {
			track.Stop()
		}
		return err
	}

	c.mu.Lock()
	active := c.screenPub != nil
	c.mu.Unlock()
	if active {
		return nil
	}
	if c.cfg.ScreenDevice == nil {
		return fmt.Errorf("%w: no screen capture device", domain.ErrScreenShare)
	}

	track, err := c.cfg.ScreenDevice.Open(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrScreenShare, err)
	}
	pub, err := c.PublishTrack(ctx, track, domain.SourceScreenShare)
	if err != nil {
		track.Stop()
		return fmt.Errorf("%w: %w", domain.ErrScreenShare, err)
	}

	c.mu.Lock()
	p, ok := c.pubs[pub.SID()]
	if !ok {
		c.mu.Unlock()
		track.Stop()
		return fmt.Errorf("%w: publication dropped", domain.ErrScreenShare)
	}
	c.screenPub, c.screenTrack = p, track
	c.mu.Unlock()
	return nil
}

func (c *Client) ScreenSharePublication() ports.Publication {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.screenPub == nil {
		return nil
	}
	return c.screenPub
}
