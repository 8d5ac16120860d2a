package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"teleconsulta/internal/core/domain"
	"teleconsulta/internal/core/ports"
)

type MemoryIssuanceRepository struct {
	issuances map[domain.RoomName]map[string]*domain.Issuance
	mu        sync.RWMutex
	now       func() time.Time
}

func NewMemoryIssuanceRepository() ports.IssuanceRepository {
	return &MemoryIssuanceRepository{
		issuances: make(map[domain.RoomName]map[string]*domain.Issuance),
		now:       time.Now,
	}
}

func (r *MemoryIssuanceRepository) Record(ctx context.Context, issuance *domain.Issuance) error {
	if issuance == nil || issuance.ID == "" {
		return fmt.Errorf("issuance id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.issuances[issuance.RoomName]
	if !ok {
		room = make(map[string]*domain.Issuance)
		r.issuances[issuance.RoomName] = room
	}
	if _, exists := room[issuance.ID]; exists {
		return fmt.Errorf("issuance already exists: %s", issuance.ID)
	}

	copied := *issuance
	room[issuance.ID] = &copied
	r.pruneLocked(issuance.RoomName)
	return nil
}

// ListActive returns unexpired issuances for room, oldest first.
func (r *MemoryIssuanceRepository) ListActive(ctx context.Context, room domain.RoomName) ([]*domain.Issuance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.pruneLocked(room)

	active := make([]*domain.Issuance, 0, len(r.issuances[room]))
	for _, iss := range r.issuances[room] {
		copied := *iss
		active = append(active, &copied)
	}
	sort.Slice(active, func(i, j int) bool {
		return active[i].IssuedAt.Before(active[j].IssuedAt)
	})
	return active, nil
}

func (r *MemoryIssuanceRepository) pruneLocked(room domain.RoomName) {
	now := r.now()
	for id, iss := range r.issuances[room] {
		if iss.Expired(now) {
			delete(r.issuances[room], id)
		}
	}
	if len(r.issuances[room]) == 0 {
		delete(r.issuances, room)
	}
}
