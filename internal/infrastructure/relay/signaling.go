package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"teleconsulta/internal/core/domain"
	"teleconsulta/pkg/tracing"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"
)

// Signal message types. Requests carry an ID that the relay echoes on the
// matching response or error.
const (
	msgJoin        = "join"
	msgJoined      = "joined"
	msgOffer       = "offer"
	msgAnswer      = "answer"
	msgCandidate   = "candidate"
	msgPublish     = "publish"
	msgPublished   = "published"
	msgUnpublish   = "unpublish"
	msgUnpublished = "unpublished"
	msgMute        = "mute"
	msgMuted       = "muted"
	msgRoster      = "roster"
	msgQuality     = "quality"
	msgError       = "error"
	msgLeave       = "leave"
)

type SignalMessage struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type JoinPayload struct {
	Room string `json:"room"`
}

type JoinedPayload struct {
	Identity     string            `json:"identity"`
	Participants []ParticipantInfo `json:"participants"`
}

type ParticipantInfo struct {
	Identity  string                   `json:"identity"`
	HasCamera bool                     `json:"has_camera"`
	HasMic    bool                     `json:"has_mic"`
	Quality   domain.ConnectionQuality `json:"quality,omitempty"`
}

type SDPPayload struct {
	SDP string `json:"sdp"`
}

type CandidatePayload struct {
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

type PublishPayload struct {
	CID    string             `json:"cid"`
	Source domain.TrackSource `json:"source"`
	Kind   string             `json:"kind"`
}

type PublishedPayload struct {
	CID string `json:"cid"`
	SID string `json:"sid"`
}

type TrackPayload struct {
	SID   string `json:"sid"`
	Muted bool   `json:"muted,omitempty"`
}

type RosterPayload struct {
	Participants []ParticipantInfo `json:"participants"`
}

type QualityPayload struct {
	Identity string                   `json:"identity"`
	Quality  domain.ConnectionQuality `json:"quality"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Err maps relay error codes onto domain errors.
func (p ErrorPayload) Err() error {
	switch p.Code {
	case "unauthorized", "token_expired", "forbidden":
		return fmt.Errorf("%w: %s", domain.ErrAuth, p.Message)
	}
	return fmt.Errorf("relay error %s: %s", p.Code, p.Message)
}

func newMessage(typ, id string, payload interface{}) (SignalMessage, error) {
	msg := SignalMessage{Type: typ, ID: id}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return msg, fmt.Errorf("encode %s: %w", typ, err)
		}
		msg.Payload = raw
	}
	return msg, nil
}

func decode(msg SignalMessage, v interface{}) error {
	if err := json.Unmarshal(msg.Payload, v); err != nil {
		return fmt.Errorf("decode %s: %w", msg.Type, err)
	}
	return nil
}

var errSignalClosed = errors.New("signal connection closed")

// signalConn is the websocket to the relay. Writes are serialized; reads
// happen on a single goroutine started by run.
type signalConn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration
	pongTimeout  time.Duration

	writeMu sync.Mutex
	once    sync.Once
	closed  chan struct{}
}

// dialSignal opens the signaling websocket. A rejected handshake with 401 or
// 403 is reported as domain.ErrAuth.
func dialSignal(ctx context.Context, cred domain.Credential, timeout, pongTimeout time.Duration) (*signalConn, error) {
	u, err := url.Parse(strings.TrimRight(cred.RelayURL, "/") + "/rtc")
	if err != nil {
		return nil, fmt.Errorf("relay url: %w", err)
	}
	header := make(http.Header)
	header.Set("Authorization", "Bearer "+cred.Token)

	dialer := websocket.Dialer{HandshakeTimeout: timeout}
	ws, resp, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: %s", domain.ErrAuth, resp.Status)
		}
		return nil, fmt.Errorf("dial relay: %w", err)
	}

	c := &signalConn{
		ws:           ws,
		writeTimeout: timeout,
		pongTimeout:  pongTimeout,
		closed:       make(chan struct{}),
	}
	ws.SetReadDeadline(time.Now().Add(pongTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongTimeout))
	})
	return c, nil
}

func (c *signalConn) send(ctx context.Context, msg SignalMessage) error {
	_, span := tracing.TraceSignal(ctx, msg.Type)
	err := c.write(func() error { return c.ws.WriteJSON(msg) })
	tracing.EndSpan(span, err)
	return err
}

func (c *signalConn) ping() error {
	return c.write(func() error { return c.ws.WriteMessage(websocket.PingMessage, nil) })
}

func (c *signalConn) write(fn func() error) error {
	select {
	case <-c.closed:
		return errSignalClosed
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return fn()
}

// run reads messages until the socket fails and keeps it alive with pings.
// It returns the read error, or nil after close.
func (c *signalConn) run(pingInterval time.Duration, handle func(SignalMessage)) error {
	errCh := make(chan error, 1)
	go func() {
		for {
			var msg SignalMessage
			if err := c.ws.ReadJSON(&msg); err != nil {
				errCh <- err
				return
			}
			c.ws.SetReadDeadline(time.Now().Add(c.pongTimeout))
			handle(msg)
		}
	}()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := c.ping(); err != nil {
				c.close()
				return err
			}
		case err := <-errCh:
			select {
			case <-c.closed:
				return nil
			default:
			}
			c.close()
			return err
		case <-c.closed:
			return nil
		}
	}
}

func (c *signalConn) close() {
	c.once.Do(func() {
		c.writeMu.Lock()
		c.ws.SetWriteDeadline(time.Now().Add(time.Second))
		c.ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		close(c.closed)
		c.ws.Close()
	})
}
