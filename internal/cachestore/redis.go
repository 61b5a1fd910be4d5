package cachestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
)

// Redis is a Store backed by one hash per generation plus a sorted set
// of tags ordered by creation time.
//
// Layout:
//
//	{prefix}:caches       ZSET  tag -> created unix nanos
//	{prefix}:cache:{tag}  HASH  key -> JSON Entry
type Redis struct {
	rdb    redis.UniversalClient
	prefix string
}

// NewRedis returns a Store on rdb. Keys are namespaced under prefix.
func NewRedis(rdb redis.UniversalClient, prefix string) *Redis {
	return &Redis{rdb: rdb, prefix: prefix}
}

func (r *Redis) indexKey() string           { return r.prefix + ":caches" }
func (r *Redis) cacheKey(tag string) string { return r.prefix + ":cache:" + tag }

type redisCache struct {
	store *Redis
	tag   string
}

// Open implements Store.
func (r *Redis) Open(ctx context.Context, tag string) (Cache, error) {
	if err := r.register(ctx, r.rdb, tag); err != nil {
		return nil, fmt.Errorf("open cache %s: %w", tag, err)
	}
	return &redisCache{store: r, tag: tag}, nil
}

func (r *Redis) register(ctx context.Context, c redis.Cmdable, tag string) error {
	return c.ZAddNX(ctx, r.indexKey(), redis.Z{
		Score:  float64(time.Now().UnixNano()),
		Member: tag,
	}).Err()
}

// Keys implements Store.
func (r *Redis) Keys(ctx context.Context) ([]string, error) {
	tags, err := r.rdb.ZRange(ctx, r.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list caches: %w", err)
	}
	return tags, nil
}

// Delete implements Store. The index entry and the hash go in one transaction.
func (r *Redis) Delete(ctx context.Context, tag string) (bool, error) {
	var removed *redis.IntCmd
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		removed = pipe.ZRem(ctx, r.indexKey(), tag)
		pipe.Del(ctx, r.cacheKey(tag))
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("delete cache %s: %w", tag, err)
	}
	return removed.Val() > 0, nil
}

// Match implements Store.
func (r *Redis) Match(ctx context.Context, key string) (*Entry, error) {
	tags, err := r.Keys(ctx)
	if err != nil {
		return nil, err
	}
	if len(tags) == 0 {
		return nil, ErrNotFound
	}

	cmds := make([]*redis.StringCmd, len(tags))
	_, err = r.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, tag := range tags {
			cmds[i] = pipe.HGet(ctx, r.cacheKey(tag), key)
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("match %s: %w", key, err)
	}

	for _, cmd := range cmds {
		raw, err := cmd.Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("match %s: %w", key, err)
		}
		return decodeEntry(raw)
	}
	return nil, ErrNotFound
}

func (c *redisCache) Match(ctx context.Context, key string) (*Entry, error) {
	raw, err := c.store.rdb.HGet(ctx, c.store.cacheKey(c.tag), key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("match %s in %s: %w", key, c.tag, err)
	}
	return decodeEntry(raw)
}

func (c *redisCache) Put(ctx context.Context, e *Entry) error {
	return c.PutAll(ctx, []*Entry{e})
}

// PutAll writes all entries in a MULTI/EXEC block.
func (c *redisCache) PutAll(ctx context.Context, entries []*Entry) error {
	if len(entries) == 0 {
		return nil
	}
	fields := make([]any, 0, len(entries)*2)
	for _, e := range entries {
		raw, err := json.Marshal(stamp(c.tag, e))
		if err != nil {
			return fmt.Errorf("encode %s: %w", e.Key, err)
		}
		fields = append(fields, e.Key, raw)
	}

	_, err := c.store.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if err := c.store.register(ctx, pipe, c.tag); err != nil {
			return err
		}
		pipe.HSet(ctx, c.store.cacheKey(c.tag), fields...)
		return nil
	})
	if err != nil {
		return fmt.Errorf("put %d entries in %s: %w", len(entries), c.tag, err)
	}
	return nil
}

func decodeEntry(raw []byte) (*Entry, error) {
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("decode entry: %w", err)
	}
	return &e, nil
}
