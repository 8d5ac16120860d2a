package ports

import "context"

type TrackKind string

const (
	KindVideo TrackKind = "video"
	KindAudio TrackKind = "audio"
)

// MediaTrack is a handle on a capture stream. Clones share the underlying
// source but have independent lifetimes: stopping one handle never ends
// another. Stop is idempotent.
type MediaTrack interface {
	ID() string
	Kind() TrackKind
	Clone() (MediaTrack, error)
	Stop()
	Ended() bool
}

// CaptureDevice opens the local camera. Implementations return
// domain.ErrPermissionDenied when the user refuses access.
type CaptureDevice interface {
	Open(ctx context.Context) (MediaTrack, error)
}

// RenderTarget displays one track at a time.
type RenderTarget interface {
	Attach(track MediaTrack) error
	Detach()
	// Play starts playback of the attached track. It returns
	// domain.ErrAutoplayBlocked when the platform wants a user gesture first.
	Play(ctx context.Context) error
}
