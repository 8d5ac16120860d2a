package memory

import (
	"context"
	"testing"
	"time"

	"teleconsulta/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryIssuanceRepository(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	repo := NewMemoryIssuanceRepository().(*MemoryIssuanceRepository)
	repo.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, repo.Record(ctx, &domain.Issuance{
		ID: "b", RoomName: "consulta-abc", IssuedAt: now.Add(-time.Minute), ExpiresAt: now.Add(time.Hour),
	}))
	require.NoError(t, repo.Record(ctx, &domain.Issuance{
		ID: "a", RoomName: "consulta-abc", IssuedAt: now.Add(-2 * time.Minute), ExpiresAt: now.Add(time.Hour),
	}))
	require.NoError(t, repo.Record(ctx, &domain.Issuance{
		ID: "c", RoomName: "consulta-xyz", IssuedAt: now, ExpiresAt: now.Add(time.Hour),
	}))

	err := repo.Record(ctx, &domain.Issuance{ID: "a", RoomName: "consulta-abc", ExpiresAt: now.Add(time.Hour)})
	assert.Error(t, err)
	assert.Error(t, repo.Record(ctx, &domain.Issuance{}))

	active, err := repo.ListActive(ctx, "consulta-abc")
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "a", active[0].ID)
	assert.Equal(t, "b", active[1].ID)

	now = now.Add(2 * time.Hour)
	active, err = repo.ListActive(ctx, "consulta-abc")
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestMemoryIssuanceRepository_ReturnsCopies(t *testing.T) {
	repo := NewMemoryIssuanceRepository()
	ctx := context.Background()
	require.NoError(t, repo.Record(ctx, &domain.Issuance{
		ID: "a", RoomName: "consulta-abc", Participant: "Ana", ExpiresAt: time.Now().Add(time.Hour),
	}))

	active, err := repo.ListActive(ctx, "consulta-abc")
	require.NoError(t, err)
	active[0].Participant = "changed"

	active, err = repo.ListActive(ctx, "consulta-abc")
	require.NoError(t, err)
	assert.Equal(t, "Ana", active[0].Participant)
}
