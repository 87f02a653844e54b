package runconfig

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/redis/go-redis/v9"

	xerrors "PhoneAgent-Web/internal/errors"
)

// RedisConfig 描述 Redis 存储的连接参数。
type RedisConfig struct {
	Address  string
	Password string
	DB       int
	Key      string
}

// RedisStore 把配置保存在 Redis hash 中，每个字段的值为 JSON 编码。
type RedisStore struct {
	client *redis.Client
	key    string
}

// NewRedisStore 创建 Redis 存储并检查连通性。
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Redis address 不能为空")
	}
	key := cfg.Key
	if key == "" {
		key = "phoneagent:config"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 Redis 失败")
	}
	return &RedisStore{client: client, key: key}, nil
}

// Load 读取 hash，为空时写入默认值。
func (s *RedisStore) Load(ctx context.Context) (Document, error) {
	fields, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取 Redis 配置失败")
	}
	if len(fields) == 0 {
		doc := Defaults()
		if err := s.Save(ctx, doc); err != nil {
			return nil, err
		}
		return doc, nil
	}
	return decodeFields(fields)
}

// Save 覆盖 hash 内容。
func (s *RedisStore) Save(ctx context.Context, doc Document) error {
	values, err := encodeFields(doc)
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.key)
		if len(values) > 0 {
			pipe.HSet(ctx, s.key, values)
		}
		return nil
	})
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入 Redis 配置失败")
	}
	return nil
}

// Close 关闭 Redis 连接。
func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func encodeFields(doc Document) (map[string]any, error) {
	out := make(map[string]any, len(doc))
	for k, v := range doc {
		data, err := json.Marshal(v)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码配置项 "+k+" 失败")
		}
		out[k] = string(data)
	}
	return out, nil
}

func decodeFields(fields map[string]string) (Document, error) {
	doc := make(Document, len(fields))
	for k, raw := range fields {
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeConfigInvalid, err, "解析配置项 "+k+" 失败")
		}
		doc[k] = v
	}
	return doc, nil
}
