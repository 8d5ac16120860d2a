package ports

import (
	"context"

	"teleconsulta/internal/core/domain"
)

// SessionController is what the session agent's HTTP API drives.
type SessionController interface {
	Start(ctx context.Context, identifier string) error
	Stop(ctx context.Context) error
	SetPublishIntent(ctx context.Context, enabled bool) error
	SetScreenShare(ctx context.Context, enabled bool) error
	Snapshot(ctx context.Context) (domain.SessionSnapshot, error)
}

// PreviewController exposes the local preview independently of the session.
type PreviewController interface {
	Status() domain.PreviewStatus
	ResumePlayback(ctx context.Context) error
}
