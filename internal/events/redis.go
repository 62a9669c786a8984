package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// RedisConfig 描述事件流的连接参数。
type RedisConfig struct {
	Address  string
	Password string
	DB       int
	Stream   string
	MaxLen   int64
}

// RedisPublisher 使用 XADD 把事件追加到 Redis Stream。
type RedisPublisher struct {
	client goredis.UniversalClient
	stream string
	maxLen int64
	owned  bool
}

// NewRedisPublisher 创建 Redis Stream 发布器并检查连通性。
func NewRedisPublisher(ctx context.Context, cfg RedisConfig) (*RedisPublisher, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	client := goredis.NewClient(&goredis.Options{Addr: cfg.Address, Password: cfg.Password, DB: cfg.DB})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	p := NewRedisPublisherWithClient(client, cfg.Stream, cfg.MaxLen)
	p.owned = true
	return p, nil
}

// NewRedisPublisherWithClient 复用已有客户端。
func NewRedisPublisherWithClient(client goredis.UniversalClient, stream string, maxLen int64) *RedisPublisher {
	if stream == "" {
		stream = "opagent:provision:events"
	}
	return &RedisPublisher{client: client, stream: stream, maxLen: maxLen}
}

// Publish 实现 Publisher。
func (p *RedisPublisher) Publish(ctx context.Context, event Event) error {
	args := &goredis.XAddArgs{
		Stream: p.stream,
		Values: map[string]any{
			"run_id":      event.RunID,
			"step":        string(event.Step),
			"status":      string(event.Status),
			"address":     event.Address,
			"tx_hash":     event.TxHash,
			"message":     event.Message,
			"occurred_at": event.OccurredAt.UTC().Format(time.RFC3339Nano),
		},
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}
	if err := p.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("写入 Redis Stream 失败: %w", err)
	}
	return nil
}

// Close 实现 Publisher。
func (p *RedisPublisher) Close() error {
	if p.owned {
		return p.client.Close()
	}
	return nil
}
