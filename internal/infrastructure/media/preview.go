package media

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"teleconsulta/internal/core/domain"
	"teleconsulta/internal/core/ports"
)

// PreviewTarget renders the local preview by consuming the attached
// track's frames. It implements ports.RenderTarget. Without autoplay, Play
// is refused until a user gesture is recorded.
type PreviewTarget struct {
	autoplay bool

	mu      sync.Mutex
	gesture bool
	track   ports.MediaTrack
	frames  <-chan Frame
	cancel  context.CancelFunc
	done    chan struct{}

	rendered atomic.Uint64
}

func NewPreviewTarget(autoplay bool) *PreviewTarget {
	return &PreviewTarget{autoplay: autoplay}
}

func (p *PreviewTarget) Attach(track ports.MediaTrack) error {
	reader, ok := track.(FrameReader)
	if !ok {
		return fmt.Errorf("track %s cannot be rendered", track.ID())
	}
	p.Detach()

	p.mu.Lock()
	p.track = track
	p.frames = reader.Frames()
	p.mu.Unlock()
	return nil
}

func (p *PreviewTarget) Detach() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.track, p.frames, p.cancel, p.done = nil, nil, nil, nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

func (p *PreviewTarget) Play(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.frames == nil {
		return domain.ErrNoSource
	}
	if !p.autoplay && !p.gesture {
		return domain.ErrAutoplayBlocked
	}
	if p.cancel != nil {
		return nil
	}

	renderCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	p.cancel, p.done = cancel, done
	go p.render(renderCtx, p.frames, done)
	return nil
}

func (p *PreviewTarget) render(ctx context.Context, frames <-chan Frame, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-frames:
			if !ok {
				return
			}
			p.rendered.Add(1)
		}
	}
}

// UserGesture records the interaction that unlocks playback.
func (p *PreviewTarget) UserGesture() {
	p.mu.Lock()
	p.gesture = true
	p.mu.Unlock()
}

// FramesRendered counts frames shown since creation.
func (p *PreviewTarget) FramesRendered() uint64 {
	return p.rendered.Load()
}

// Attached returns the track on screen, or nil.
func (p *PreviewTarget) Attached() ports.MediaTrack {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.track
}
