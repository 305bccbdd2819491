package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
)

// RedisStore implements Store[S] on Redis.
//
// Layout, for prefix "essaygraph:":
//
//	essaygraph:thread:<id>   hash   step -> encoded checkpoint
//	essaygraph:steps:<id>    zset   member=step score=step
//	essaygraph:threads       set    known thread IDs
//
// Records are encoded with msgpack; the state inside each record uses the
// store's Codec.
type RedisStore[S any] struct {
	client *redis.Client
	prefix string
	codec  Codec

	mu     sync.RWMutex
	closed bool
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// Addr is the Redis server address (host:port).
	Addr string
	// Password is the Redis password (optional).
	Password string
	// DB is the Redis database number.
	DB int
	// Prefix is the key prefix (default: "essaygraph:").
	Prefix string
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore[S any](cfg RedisConfig, codec Codec) (*RedisStore[S], error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return NewRedisStoreFromClient[S](client, cfg.Prefix, codec), nil
}

// NewRedisStoreFromClient wraps an existing client, which the store then
// owns. Tests use it with miniredis.
func NewRedisStoreFromClient[S any](client *redis.Client, prefix string, codec Codec) *RedisStore[S] {
	if prefix == "" {
		prefix = "essaygraph:"
	}
	if codec == nil {
		codec = JSONCodec{}
	}
	return &RedisStore[S]{client: client, prefix: prefix, codec: codec}
}

func (r *RedisStore[S]) threadKey(id string) string { return r.prefix + "thread:" + id }
func (r *RedisStore[S]) stepsKey(id string) string  { return r.prefix + "steps:" + id }
func (r *RedisStore[S]) threadsKey() string         { return r.prefix + "threads" }

func (r *RedisStore[S]) checkOpen() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return ErrClosed
	}
	return nil
}

// putScript writes a checkpoint and its indexes in one step. The steps
// zset decides whether a step exists, so a hash field left without an
// index entry is overwritten rather than reported as a duplicate.
//
//	KEYS: thread hash, steps zset, threads set
//	ARGV: step, encoded record, thread ID
var putScript = redis.NewScript(`
if redis.call('ZSCORE', KEYS[2], ARGV[1]) then
	return 0
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
redis.call('ZADD', KEYS[2], ARGV[1], ARGV[1])
redis.call('SADD', KEYS[3], ARGV[3])
return 1
`)

// Put stores cp atomically.
func (r *RedisStore[S]) Put(ctx context.Context, cp Checkpoint[S]) error {
	if err := r.checkOpen(); err != nil {
		return err
	}
	rec, err := encodeRecord(r.codec, cp)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	data, err := msgpack.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	keys := []string{r.threadKey(cp.ThreadID), r.stepsKey(cp.ThreadID), r.threadsKey()}
	written, err := putScript.Run(ctx, r.client, keys, strconv.Itoa(cp.Step), data, cp.ThreadID).Int()
	if err != nil {
		return fmt.Errorf("redis put checkpoint: %w", err)
	}
	if written == 0 {
		return ErrDuplicateStep
	}
	return nil
}

func (r *RedisStore[S]) load(ctx context.Context, threadID string, steps []string) ([]Checkpoint[S], error) {
	if len(steps) == 0 {
		return nil, ErrNotFound
	}
	vals, err := r.client.HMGet(ctx, r.threadKey(threadID), steps...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hmget: %w", err)
	}

	out := make([]Checkpoint[S], 0, len(vals))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("checkpoint %s/%s missing", threadID, steps[i])
		}
		var rec record
		if err := msgpack.Unmarshal([]byte(s), &rec); err != nil {
			return nil, fmt.Errorf("unmarshal checkpoint: %w", err)
		}
		cp, err := decodeRecord[S](r.codec, rec)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, nil
}

func (r *RedisStore[S]) Latest(ctx context.Context, threadID string) (Checkpoint[S], error) {
	if err := r.checkOpen(); err != nil {
		return Checkpoint[S]{}, err
	}

	steps, err := r.client.ZRevRange(ctx, r.stepsKey(threadID), 0, 0).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return Checkpoint[S]{}, fmt.Errorf("redis zrevrange: %w", err)
	}
	cps, err := r.load(ctx, threadID, steps)
	if err != nil {
		return Checkpoint[S]{}, err
	}
	return cps[0], nil
}

func (r *RedisStore[S]) History(ctx context.Context, threadID string) ([]Checkpoint[S], error) {
	if err := r.checkOpen(); err != nil {
		return nil, err
	}

	steps, err := r.client.ZRange(ctx, r.stepsKey(threadID), 0, -1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis zrange: %w", err)
	}
	return r.load(ctx, threadID, steps)
}

func (r *RedisStore[S]) Threads(ctx context.Context) ([]string, error) {
	if err := r.checkOpen(); err != nil {
		return nil, err
	}

	ids, err := r.client.SMembers(ctx, r.threadsKey()).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis smembers: %w", err)
	}
	if ids == nil {
		ids = []string{}
	}
	sort.Strings(ids)
	return ids, nil
}

func (r *RedisStore[S]) Delete(ctx context.Context, threadID string) error {
	if err := r.checkOpen(); err != nil {
		return err
	}

	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.threadKey(threadID), r.stepsKey(threadID))
		pipe.SRem(ctx, r.threadsKey(), threadID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis delete thread: %w", err)
	}
	return nil
}

func (r *RedisStore[S]) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	return r.client.Close()
}
