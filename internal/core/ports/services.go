package ports

import (
	"context"
	"time"

	"teleconsulta/internal/core/domain"
)

type TokenRequest struct {
	RoomName        domain.RoomName `json:"roomName"`
	ParticipantName string          `json:"participantName"`
}

// TokenFetcher obtains join credentials from the credential endpoint.
type TokenFetcher interface {
	FetchToken(ctx context.Context, req TokenRequest) (*domain.Credential, error)
}

// Notifier receives user-facing notices. Implementations must be safe for
// concurrent use and must not block.
type Notifier interface {
	Notify(notice domain.Notice)
}

type SessionMetrics interface {
	SetConnectionState(state domain.ConnectionState)
	SetPresence(stats domain.PresenceStats)
	SetPublishing(publishing bool)
	IncReconnectAttempts()
	IncPublishAttempts()
	IncPublishFailures()
	IncNotices(code domain.NoticeCode)
	ObserveTokenFetch(d time.Duration, err error)
}
