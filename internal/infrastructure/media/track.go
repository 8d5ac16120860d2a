package media

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"teleconsulta/internal/core/ports"
)

var ErrTrackEnded = errors.New("track ended")

// Frame is one unit of media as produced by a capture. Data is shared
// between subscribers and must not be modified; transforms copy it.
type Frame struct {
	Data      []byte
	Width     int
	Height    int
	Timestamp time.Duration
	Keyframe  bool
}

// FrameSource feeds a capture. Next blocks until the next frame is due.
type FrameSource interface {
	Next(ctx context.Context) (Frame, error)
	Close() error
}

// FrameReader is implemented by tracks whose frames can be consumed.
type FrameReader interface {
	Frames() <-chan Frame
}

const frameBuffer = 8

// broadcaster pumps one source to every live handle. The source is closed
// once the last handle is stopped.
type broadcaster struct {
	id     string
	kind   ports.TrackKind
	cancel context.CancelFunc

	mu    sync.Mutex
	subs  map[*Track]struct{}
	seq   int
	ended bool
}

// Track is one handle on a capture. Handles share the source but have
// independent lifetimes.
type Track struct {
	id     string
	b      *broadcaster
	frames chan Frame
	once   sync.Once
	done   chan struct{}
}

var _ ports.MediaTrack = (*Track)(nil)

// NewCapture starts pumping src and returns the first handle on it.
func NewCapture(id string, kind ports.TrackKind, src FrameSource) *Track {
	ctx, cancel := context.WithCancel(context.Background())
	b := &broadcaster{
		id:     id,
		kind:   kind,
		cancel: cancel,
		subs:   make(map[*Track]struct{}),
	}
	root, _ := b.subscribe(id)
	go b.pump(ctx, src)
	return root
}

func (b *broadcaster) subscribe(id string) (*Track, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.ended {
		return nil, ErrTrackEnded
	}
	if id == "" {
		b.seq++
		id = fmt.Sprintf("%s#%d", b.id, b.seq)
	}
	t := &Track{
		id:     id,
		b:      b,
		frames: make(chan Frame, frameBuffer),
		done:   make(chan struct{}),
	}
	b.subs[t] = struct{}{}
	return t, nil
}

func (b *broadcaster) unsubscribe(t *Track) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[t]; !ok {
		return
	}
	delete(b.subs, t)
	close(t.frames)
	if len(b.subs) == 0 {
		b.ended = true
		b.cancel()
	}
}

func (b *broadcaster) pump(ctx context.Context, src FrameSource) {
	defer src.Close()

	for {
		frame, err := src.Next(ctx)
		if err != nil {
			b.endAll()
			return
		}

		b.mu.Lock()
		for t := range b.subs {
			select {
			case t.frames <- frame:
			default:
				// Slow reader: drop rather than stall the other handles.
			}
		}
		b.mu.Unlock()
	}
}

func (b *broadcaster) endAll() {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[*Track]struct{})
	b.ended = true
	for t := range subs {
		close(t.frames)
	}
	b.mu.Unlock()

	b.cancel()
	for t := range subs {
		t.markDone()
	}
}

func (t *Track) ID() string { return t.id }

func (t *Track) Kind() ports.TrackKind { return t.b.kind }

// Clone returns a new handle on the same source.
func (t *Track) Clone() (ports.MediaTrack, error) {
	if t.Ended() {
		return nil, ErrTrackEnded
	}
	clone, err := t.b.subscribe("")
	if err != nil {
		return nil, err
	}
	return clone, nil
}

// Stop releases this handle. Other handles keep running.
func (t *Track) Stop() {
	t.b.unsubscribe(t)
	t.markDone()
}

func (t *Track) Ended() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Done is closed when the handle ends.
func (t *Track) Done() <-chan struct{} { return t.done }

// Frames delivers the capture's frames. The channel is closed when the
// handle ends.
func (t *Track) Frames() <-chan Frame { return t.frames }

func (t *Track) markDone() {
	t.once.Do(func() { close(t.done) })
}
