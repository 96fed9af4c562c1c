package queue

import (
	"context"
	"errors"

	r "github.com/redis/go-redis/v9"
)

// RedisKV stores values as plain Redis strings under a key prefix.
type RedisKV struct {
	rdb    r.Cmdable
	prefix string
}

func NewRedisKV(rdb r.Cmdable, prefix string) *RedisKV { return &RedisKV{rdb: rdb, prefix: prefix} }

func (k *RedisKV) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := k.rdb.Get(ctx, k.prefix+key).Bytes()
	if errors.Is(err, r.Nil) {
		return nil, ErrNotFound
	}
	return v, err
}

func (k *RedisKV) Set(ctx context.Context, key string, value []byte) error {
	return k.rdb.Set(ctx, k.prefix+key, value, 0).Err()
}

func (k *RedisKV) Delete(ctx context.Context, key string) error {
	return k.rdb.Del(ctx, k.prefix+key).Err()
}
