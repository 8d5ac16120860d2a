package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"teleconsulta/internal/core/domain"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Envelope is what goes over the wire on the notice channel.
type Envelope struct {
	InstanceID string        `json:"instance_id"`
	Notice     domain.Notice `json:"notice"`
}

// RedisNotifier publishes notices on a per-room pub/sub channel. Notify never
// blocks: notices are queued and published by Run, and dropped when the
// queue is full.
type RedisNotifier struct {
	client     *redis.Client
	prefix     string
	instanceID string
	logger     *zap.SugaredLogger
	queue      chan domain.Notice
	timeout    time.Duration
}

func NewRedisNotifier(client *redis.Client, prefix, instanceID string, logger *zap.SugaredLogger) *RedisNotifier {
	return &RedisNotifier{
		client:     client,
		prefix:     prefix,
		instanceID: instanceID,
		logger:     logger,
		queue:      make(chan domain.Notice, 64),
		timeout:    3 * time.Second,
	}
}

// Channel returns the pub/sub channel for room.
func (n *RedisNotifier) Channel(room domain.RoomName) string {
	if room == "" {
		return n.prefix
	}
	return n.prefix + ":" + string(room)
}

func (n *RedisNotifier) Notify(notice domain.Notice) {
	select {
	case n.queue <- notice:
	default:
		n.logger.Warnw("notice queue full, dropping notice",
			"code", notice.Code,
			"room_name", notice.RoomName,
		)
	}
}

// Run publishes queued notices until ctx is cancelled.
func (n *RedisNotifier) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case notice := <-n.queue:
			pctx, cancel := context.WithTimeout(ctx, n.timeout)
			if err := n.publish(pctx, notice); err != nil {
				n.logger.Warnw("failed to publish notice",
					"code", notice.Code,
					"error", err,
				)
			}
			cancel()
		}
	}
}

func (n *RedisNotifier) publish(ctx context.Context, notice domain.Notice) error {
	data, err := json.Marshal(Envelope{InstanceID: n.instanceID, Notice: notice})
	if err != nil {
		return fmt.Errorf("failed to marshal notice: %w", err)
	}
	if err := n.client.Publish(ctx, n.Channel(notice.RoomName), data).Err(); err != nil {
		return fmt.Errorf("failed to publish notice: %w", err)
	}
	return nil
}

// Subscribe calls handler for notices published for room by other
// instances, until ctx is cancelled.
func (n *RedisNotifier) Subscribe(ctx context.Context, room domain.RoomName, handler func(domain.Notice)) error {
	pubsub := n.client.Subscribe(ctx, n.Channel(room))
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var env Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				n.logger.Warnw("failed to unmarshal notice",
					"error", err,
					"payload", msg.Payload,
				)
				continue
			}
			if env.InstanceID == n.instanceID {
				continue
			}
			handler(env.Notice)
		}
	}
}
