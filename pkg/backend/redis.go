package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"docshard/pkg/dcerrors"
	"docshard/pkg/types"
)

const docKeyPrefix = "doc:"

// Redis stores documents as JSON strings under "doc:<collection>:<id>".
type Redis struct {
	rdb *redis.Client
}

func NewRedis(cfg RedisConfig) *Redis {
	return &Redis{rdb: redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		DB:       cfg.DB,
		Password: cfg.Password,
	})}
}

func (r *Redis) Start(ctx context.Context) error {
	if err := r.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: redis ping: %v", dcerrors.ErrBackendUnavailable, err)
	}
	return nil
}

func (r *Redis) Stop(ctx context.Context) error {
	return r.rdb.Close()
}

func (r *Redis) Get(ctx context.Context, collection, id string) (types.Document, error) {
	raw, err := r.rdb.Get(ctx, docKey(collection, id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: redis get: %v", dcerrors.ErrBackendUnavailable, err)
	}

	var doc types.Document
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("decode document %s:%s: %w", collection, id, err)
	}
	return doc, nil
}

func (r *Redis) Set(ctx context.Context, collection, id string, doc types.Document) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode document %s:%s: %w", collection, id, err)
	}
	if err := r.rdb.Set(ctx, docKey(collection, id), raw, 0).Err(); err != nil {
		return fmt.Errorf("%w: redis set: %v", dcerrors.ErrBackendUnavailable, err)
	}
	return nil
}

func (r *Redis) Del(ctx context.Context, collection, id string) error {
	if err := r.rdb.Del(ctx, docKey(collection, id)).Err(); err != nil {
		return fmt.Errorf("%w: redis del: %v", dcerrors.ErrBackendUnavailable, err)
	}
	return nil
}

func (r *Redis) Drop(ctx context.Context, collection string) error {
	var cursor uint64
	match := docKeyPrefix + collection + ":*"
	for {
		keys, next, err := r.rdb.Scan(ctx, cursor, match, 500).Result()
		if err != nil {
			return fmt.Errorf("%w: redis scan: %v", dcerrors.ErrBackendUnavailable, err)
		}
		if len(keys) > 0 {
			if err := r.rdb.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("%w: redis del: %v", dcerrors.ErrBackendUnavailable, err)
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

func docKey(collection, id string) string {
	return docKeyPrefix + collection + ":" + id
}
