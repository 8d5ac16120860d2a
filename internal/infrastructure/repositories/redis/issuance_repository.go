package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"teleconsulta/internal/core/domain"
	"teleconsulta/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

// RedisIssuanceRepository stores each issuance under its own key with a TTL
// matching the token lifetime, plus a per-room sorted set scored by expiry.
type RedisIssuanceRepository struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

func NewRedisIssuanceRepository(client *redis.Client) ports.IssuanceRepository {
	return &RedisIssuanceRepository{
		client: client,
		prefix: KeyPrefix + "issuance:",
		now:    time.Now,
	}
}

func (r *RedisIssuanceRepository) issuanceKey(id string) string {
	return r.prefix + id
}

func (r *RedisIssuanceRepository) roomKey(room domain.RoomName) string {
	return r.prefix + "room:" + string(room)
}

func (r *RedisIssuanceRepository) Record(ctx context.Context, issuance *domain.Issuance) error {
	if issuance == nil || issuance.ID == "" {
		return fmt.Errorf("issuance id is required")
	}
	ttl := issuance.ExpiresAt.Sub(r.now())
	if ttl <= 0 {
		return nil
	}

	data, err := json.Marshal(issuance)
	if err != nil {
		return fmt.Errorf("failed to marshal issuance: %w", err)
	}

	roomKey := r.roomKey(issuance.RoomName)
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.issuanceKey(issuance.ID), data, ttl)
	pipe.ZAdd(ctx, roomKey, redis.Z{
		Score:  float64(issuance.ExpiresAt.Unix()),
		Member: issuance.ID,
	})
	pipe.ExpireGT(ctx, roomKey, ttl)
	pipe.ExpireNX(ctx, roomKey, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record issuance in Redis: %w", err)
	}
	return nil
}

func (r *RedisIssuanceRepository) ListActive(ctx context.Context, room domain.RoomName) ([]*domain.Issuance, error) {
	roomKey := r.roomKey(room)
	now := strconv.FormatInt(r.now().Unix(), 10)

	if err := r.client.ZRemRangeByScore(ctx, roomKey, "-inf", now).Err(); err != nil {
		return nil, fmt.Errorf("failed to prune room issuances: %w", err)
	}
	ids, err := r.client.ZRangeByScore(ctx, roomKey, &redis.ZRangeBy{Min: "(" + now, Max: "+inf"}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get room issuances from Redis: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.issuanceKey(id)
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load issuances from Redis: %w", err)
	}

	issuances := make([]*domain.Issuance, 0, len(values))
	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			// Skip issuances whose key already expired
			continue
		}
		var iss domain.Issuance
		if err := json.Unmarshal([]byte(s), &iss); err != nil {
			return nil, fmt.Errorf("failed to unmarshal issuance: %w", err)
		}
		issuances = append(issuances, &iss)
	}
	return issuances, nil
}
