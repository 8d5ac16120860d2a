package ports

import (
	"context"

	"teleconsulta/internal/core/domain"
)

// IssuanceRepository keeps the join credentials handed out per room.
type IssuanceRepository interface {
	Record(ctx context.Context, issuance *domain.Issuance) error
	ListActive(ctx context.Context, room domain.RoomName) ([]*domain.Issuance, error)
}
