package notify

import (
	"context"
	"strings"

	"github.com/redis/go-redis/v9"

	xerrors "PhoneAgent-Web/internal/errors"
)

// RedisConfig 描述 Redis 通知的连接参数。
type RedisConfig struct {
	Address  string
	Password string
	DB       int
	List     string
	MaxLen   int64
}

// RedisPublisher 把通知写入 Redis list，并裁剪到固定长度。
type RedisPublisher struct {
	client *redis.Client
	list   string
	maxLen int64
}

// NewRedisPublisher 创建 Redis 通知器。
func NewRedisPublisher(ctx context.Context, cfg RedisConfig) (*RedisPublisher, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Redis address 不能为空")
	}
	list := cfg.List
	if list == "" {
		list = "phoneagent:runs"
	}
	maxLen := cfg.MaxLen
	if maxLen <= 0 {
		maxLen = 1000
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, xerrors.Wrap(xerrors.CodeNotifyFailure, err, "连接 Redis 失败")
	}
	return &RedisPublisher{client: client, list: list, maxLen: maxLen}, nil
}

// Publish 把事件推入列表头部。
func (p *RedisPublisher) Publish(ctx context.Context, event Event) error {
	payload, err := event.Encode()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeNotifyFailure, err, "编码运行通知失败")
	}
	pipe := p.client.Pipeline()
	pipe.LPush(ctx, p.list, payload)
	pipe.LTrim(ctx, p.list, 0, p.maxLen-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return xerrors.Wrap(xerrors.CodeNotifyFailure, err, "Redis 发布运行通知失败")
	}
	return nil
}

// Close 关闭 Redis 连接。
func (p *RedisPublisher) Close() error {
	if p == nil || p.client == nil {
		return nil
	}
	return p.client.Close()
}
