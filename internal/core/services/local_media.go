package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"teleconsulta/internal/core/domain"
	"teleconsulta/internal/core/ports"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// LocalMediaLayer keeps the professional's own preview on screen. It is not
// owned by the session loop and keeps rendering whatever the connection
// does.
type LocalMediaLayer struct {
	device   ports.CaptureDevice
	target   ports.RenderTarget
	notifier ports.Notifier
	logger   *zap.SugaredLogger

	mu              sync.Mutex
	capture         ports.MediaTrack
	processed       ports.MediaTrack
	attached        ports.MediaTrack
	playing         bool
	autoplayBlocked bool
	captureErr      error
	listeners       map[string]func(ports.MediaTrack)
}

func NewLocalMediaLayer(device ports.CaptureDevice, target ports.RenderTarget, notifier ports.Notifier, logger *zap.SugaredLogger) *LocalMediaLayer {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &LocalMediaLayer{
		device:    device,
		target:    target,
		notifier:  notifier,
		logger:    logger,
		listeners: make(map[string]func(ports.MediaTrack)),
	}
}

// OnSourceChange registers fn under key; it is called with the track that
// should be published whenever the active source changes. Registering the
// same key again replaces the previous callback.
func (m *LocalMediaLayer) OnSourceChange(key string, fn func(ports.MediaTrack)) {
	m.mu.Lock()
	m.listeners[key] = fn
	m.mu.Unlock()
}

// Start opens the capture device and renders it. A refused permission
// leaves the preview empty.
func (m *LocalMediaLayer) Start(ctx context.Context) error {
	track, err := m.device.Open(ctx)
	if err != nil {
		if !errors.Is(err, domain.ErrPermissionDenied) {
			err = fmt.Errorf("open capture device: %w", err)
		}
		m.mu.Lock()
		m.captureErr = err
		m.detachLocked()
		m.mu.Unlock()

		m.logger.Warnw("camera unavailable", "error", err)
		m.notify(domain.NoticeWarning, domain.CodeCaptureFailed, "Camera unavailable",
			"Allow camera access to show your video. The consultation continues without it.")
		return err
	}

	m.mu.Lock()
	old := m.capture
	m.capture = track
	m.captureErr = nil
	m.mu.Unlock()
	if old != nil {
		old.Stop()
	}

	return m.refresh(ctx)
}

// SetProcessedTrack installs a processed version of the capture, such as a
// background-replaced video. Nil goes back to the raw capture. The layer
// owns the processed track from here on.
func (m *LocalMediaLayer) SetProcessedTrack(ctx context.Context, track ports.MediaTrack) error {
	m.mu.Lock()
	old := m.processed
	m.processed = track
	m.mu.Unlock()

	err := m.refresh(ctx)
	if old != nil && old != track {
		old.Stop()
	}
	return err
}

// ActiveSource returns the track the preview shows and the session should
// publish, or nil.
func (m *LocalMediaLayer) ActiveSource() ports.MediaTrack {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeLocked()
}

func (m *LocalMediaLayer) activeLocked() ports.MediaTrack {
	if m.processed != nil && !m.processed.Ended() {
		return m.processed
	}
	return m.capture
}

func (m *LocalMediaLayer) refresh(ctx context.Context) error {
	m.mu.Lock()
	active := m.activeLocked()
	if active == m.attached {
		m.mu.Unlock()
		return nil
	}

	m.detachLocked()
	if active == nil {
		listeners := m.snapshotListenersLocked()
		m.mu.Unlock()
		notifySource(listeners, nil)
		return nil
	}

	if err := m.target.Attach(active); err != nil {
		m.mu.Unlock()
		return fmt.Errorf("attach preview: %w", err)
	}
	m.attached = active
	listeners := m.snapshotListenersLocked()
	m.mu.Unlock()

	m.logger.Infow("preview source attached", "track_id", active.ID())
	notifySource(listeners, active)

	return m.play(ctx)
}

// ResumePlayback retries playback after a user gesture.
func (m *LocalMediaLayer) ResumePlayback(ctx context.Context) error {
	m.mu.Lock()
	attached := m.attached
	m.mu.Unlock()
	if attached == nil {
		return domain.ErrNoSource
	}
	return m.play(ctx)
}

func (m *LocalMediaLayer) play(ctx context.Context) error {
	err := m.target.Play(ctx)

	m.mu.Lock()
	m.playing = err == nil
	m.autoplayBlocked = errors.Is(err, domain.ErrAutoplayBlocked)
	m.mu.Unlock()

	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrAutoplayBlocked):
		m.logger.Infow("preview playback waiting for user gesture")
		m.notify(domain.NoticeWarning, domain.CodeAutoplayBlocked, "Click to start video",
			"Your browser blocked automatic playback. Interact with the page to show your preview.")
		return err
	default:
		m.logger.Warnw("preview playback failed", "error", err)
		return fmt.Errorf("play preview: %w", err)
	}
}

func (m *LocalMediaLayer) detachLocked() {
	if m.attached != nil {
		m.target.Detach()
		m.attached = nil
	}
	m.playing = false
}

// Status reports what the preview currently shows.
func (m *LocalMediaLayer) Status() domain.PreviewStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := domain.PreviewStatus{
		Active:          m.attached != nil,
		Processed:       m.attached != nil && m.attached == m.processed,
		Playing:         m.playing,
		AutoplayBlocked: m.autoplayBlocked,
	}
	if m.attached != nil {
		st.SourceID = m.attached.ID()
	}
	if m.captureErr != nil {
		st.Error = m.captureErr.Error()
	}
	return st
}

// Close detaches the preview and releases the layer's own tracks. Clones
// handed out to other components are unaffected.
func (m *LocalMediaLayer) Close() {
	m.mu.Lock()
	m.detachLocked()
	capture, processed := m.capture, m.processed
	m.capture, m.processed = nil, nil
	m.mu.Unlock()

	if processed != nil {
		processed.Stop()
	}
	if capture != nil {
		capture.Stop()
	}
}

func (m *LocalMediaLayer) snapshotListenersLocked() []func(ports.MediaTrack) {
	out := make([]func(ports.MediaTrack), 0, len(m.listeners))
	for _, fn := range m.listeners {
		out = append(out, fn)
	}
	return out
}

func notifySource(listeners []func(ports.MediaTrack), track ports.MediaTrack) {
	for _, fn := range listeners {
		fn(track)
	}
}

func (m *LocalMediaLayer) notify(kind domain.NoticeKind, code domain.NoticeCode, title, message string) {
	m.notifier.Notify(domain.Notice{
		ID:      uuid.NewString(),
		Kind:    kind,
		Code:    code,
		Title:   title,
		Message: message,
		Time:    time.Now(),
	})
}
