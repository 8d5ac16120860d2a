package ports

import (
	"context"

	"teleconsulta/internal/core/domain"
)

type RelayEventType string

const (
	// EventConnected is emitted when a dropped connection was resumed. The
	// initial join is reported by Connect returning nil.
	EventConnected RelayEventType = "connected"
	// EventReconnecting is emitted when the relay starts resuming a dropped
	// connection. Local publications are gone once this is delivered.
	EventReconnecting     RelayEventType = "reconnecting"
	EventDisconnected     RelayEventType = "disconnected"
	EventError            RelayEventType = "error"
	EventRosterChanged    RelayEventType = "roster_changed"
	EventQualityChanged   RelayEventType = "quality_changed"
	EventTrackMuted       RelayEventType = "track_muted"
	EventTrackUnmuted     RelayEventType = "track_unmuted"
	EventTrackUnpublished RelayEventType = "track_unpublished"
)

type RelayEvent struct {
	Type           RelayEventType
	Err            error
	Participant    domain.Participant
	PublicationSID string
	Source         domain.TrackSource
}

// Publication is a local track the relay accepted.
type Publication interface {
	SID() string
	Source() domain.TrackSource
	Track() MediaTrack
}

// Relay is the client side of the media relay session. Listeners are keyed:
// subscribing twice with the same key replaces the first handler. Handlers
// run on relay goroutines and must not block.
type Relay interface {
	Connect(ctx context.Context, cred domain.Credential) error
	Disconnect()

	Subscribe(key string, fn func(RelayEvent))
	Unsubscribe(key string)

	// PublishTrack sends track to the relay. The relay never stops a track
	// handed to it; the caller keeps ownership.
	PublishTrack(ctx context.Context, track MediaTrack, source domain.TrackSource) (Publication, error)
	UnpublishTrack(ctx context.Context, pub Publication) error
	SetMuted(ctx context.Context, pub Publication, muted bool) error

	SetScreenShareEnabled(ctx context.Context, enabled bool) error
	ScreenSharePublication() Publication

	Participants() []domain.Participant
}
