package repositories

import (
	"context"
	"testing"

	"teleconsulta/internal/infrastructure/repositories/memory"
	"teleconsulta/pkg/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestRepositoryFactory_MemoryWhenRedisDisabled(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Redis.Enabled = false

	f := NewRepositoryFactory(cfg, zaptest.NewLogger(t).Sugar())
	t.Cleanup(func() { require.NoError(t, f.Close()) })

	assert.IsType(t, &memory.MemoryIssuanceRepository{}, f.CreateIssuanceRepository())
	assert.Nil(t, f.RedisClient())
	assert.NoError(t, f.HealthCheck(context.Background()))
}

func TestRepositoryFactory_FallsBackWhenRedisUnreachable(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Redis.Enabled = true
	cfg.Redis.Address = "127.0.0.1:1"

	f := NewRepositoryFactory(cfg, zaptest.NewLogger(t).Sugar())

	assert.IsType(t, &memory.MemoryIssuanceRepository{}, f.CreateIssuanceRepository())
	assert.Nil(t, f.RedisClient())
}
