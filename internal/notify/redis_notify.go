package notify

import (
	"context"
	"encoding/json"

	redis "github.com/redis/go-redis/v9"

	"ordena/backend/internal/domain"
)

type RedisPublisher struct {
	client *redis.Client
}

func NewRedisPublisher(addr string, password string, db int) *RedisPublisher {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisPublisher{client: client}
}

func (p *RedisPublisher) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

func (p *RedisPublisher) Close() error {
	return p.client.Close()
}

// Publish sends the event as JSON on a per-branch channel so each kitchen
// display only subscribes to its own branch.
func (p *RedisPublisher) Publish(ctx context.Context, event domain.OrderEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return p.client.Publish(ctx, "orders."+event.BranchID, payload).Err()
}
