package monitoring

import (
	"context"
	"time"

	"teleconsulta/internal/core/domain"
	"teleconsulta/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

// AddRedisCheck adds a Redis health check
func (h *HealthChecker) AddRedisCheck(client *redis.Client, interval, timeout time.Duration) {
	h.AddCheck("redis", func(ctx context.Context) (bool, error) {
		if err := client.Ping(ctx).Err(); err != nil {
			return false, err
		}
		return true, nil
	}, interval, timeout)
}

// AddRepositoryCheck adds an issuance registry health check
func (h *HealthChecker) AddRepositoryCheck(repo ports.IssuanceRepository, interval, timeout time.Duration) {
	h.AddCheck("repository", func(ctx context.Context) (bool, error) {
		if _, err := repo.ListActive(ctx, domain.RoomName(domain.RoomPrefix+"healthcheck")); err != nil {
			return false, err
		}
		return true, nil
	}, interval, timeout)
}

// AddSessionCheck verifies that the session loop still answers.
func (h *HealthChecker) AddSessionCheck(session ports.SessionController, interval, timeout time.Duration) {
	h.AddCheck("session", func(ctx context.Context) (bool, error) {
		if _, err := session.Snapshot(ctx); err != nil {
			return false, err
		}
		return true, nil
	}, interval, timeout)
}
