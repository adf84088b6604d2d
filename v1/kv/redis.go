package kv

import (
	"context"
	stdErrors "errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	adlockerrors "github.com/mirkobrombin/go-adlock/v1/errors"
)

const defaultRedisOpTimeout = 2 * time.Second

var delScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end
`)

// Redis implements Store using a Redis backend.
type Redis struct {
	client  *redis.Client
	timeout time.Duration
}

// RedisOption configures a Redis store.
type RedisOption func(*redisOptions)

type redisOptions struct {
	timeout time.Duration
}

// WithTimeout sets the per-operation timeout for Redis calls.
func WithTimeout(d time.Duration) RedisOption {
	return func(o *redisOptions) {
		o.timeout = d
	}
}

// NewRedis returns a Store backed by the provided Redis client.
func NewRedis(client *redis.Client, opts ...RedisOption) *Redis {
	o := redisOptions{timeout: defaultRedisOpTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	return &Redis{client: client, timeout: o.timeout}
}

// SetIfAbsentWithExpiry implements Store.SetIfAbsentWithExpiry.
func (r *Redis) SetIfAbsentWithExpiry(ctx context.Context, key, value string, ttlSeconds int64) (bool, error) {
	cctx, cancel := r.opContext(ctx)
	defer cancel()
	ok, err := r.client.SetNX(cctx, key, value, seconds(ttlSeconds)).Result()
	if err != nil {
		return false, mapRedisErr("setnx", err)
	}
	return ok, nil
}

// Get implements Store.Get.
func (r *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	cctx, cancel := r.opContext(ctx)
	defer cancel()
	v, err := r.client.Get(cctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, mapRedisErr("get", err)
	}
	return v, true, nil
}

// GetTTL implements Store.GetTTL.
func (r *Redis) GetTTL(ctx context.Context, key string) (int64, error) {
	cctx, cancel := r.opContext(ctx)
	defer cancel()
	d, err := r.client.TTL(cctx, key).Result()
	if err != nil {
		return 0, mapRedisErr("ttl", err)
	}
	// go-redis returns the raw -1/-2 replies without scaling them.
	switch d {
	case -2:
		return TTLAbsent, nil
	case -1:
		return TTLNoExpiry, nil
	}
	return int64(d / time.Second), nil
}

// ExtendExpiry implements Store.ExtendExpiry.
func (r *Redis) ExtendExpiry(ctx context.Context, key string, ttlSeconds int64) (bool, error) {
	cctx, cancel := r.opContext(ctx)
	defer cancel()
	ok, err := r.client.Expire(cctx, key, seconds(ttlSeconds)).Result()
	if err != nil {
		return false, mapRedisErr("expire", err)
	}
	return ok, nil
}

// Delete implements Store.Delete.
func (r *Redis) Delete(ctx context.Context, key string) error {
	cctx, cancel := r.opContext(ctx)
	defer cancel()
	if err := r.client.Del(cctx, key).Err(); err != nil {
		return mapRedisErr("del", err)
	}
	return nil
}

// DeleteIfValue implements Store.DeleteIfValue with a compare-and-delete script.
func (r *Redis) DeleteIfValue(ctx context.Context, key, value string) (bool, error) {
	cctx, cancel := r.opContext(ctx)
	defer cancel()
	n, err := delScript.Run(cctx, r.client, []string{key}, value).Int64()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, mapRedisErr("cas del", err)
	}
	return n == 1, nil
}

// Expirations subscribes to keyspace expiry events of the client's database.
// It enables the "Ex" notification class on the server first; servers that
// refuse CONFIG SET yield ErrNotifyUnsupported.
func (r *Redis) Expirations(ctx context.Context) (<-chan string, error) {
	cctx, cancel := r.opContext(ctx)
	err := r.client.ConfigSet(cctx, "notify-keyspace-events", "Ex").Err()
	cancel()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotifyUnsupported, err)
	}

	channel := fmt.Sprintf("__keyevent@%d__:expired", r.client.Options().DB)
	ps := r.client.Subscribe(ctx, channel)
	cctx, cancel = r.opContext(ctx)
	_, err = ps.Receive(cctx)
	cancel()
	if err != nil {
		_ = ps.Close()
		return nil, mapRedisErr("subscribe", err)
	}

	out := make(chan string, 16)
	go func() {
		defer close(out)
		defer ps.Close()
		for {
			msg, err := ps.ReceiveMessage(ctx)
			if err != nil {
				return
			}
			select {
			case out <- msg.Payload:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (r *Redis) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.timeout)
}

func seconds(ttl int64) time.Duration {
	if ttl <= 0 {
		return 0
	}
	return time.Duration(ttl) * time.Second
}

// mapRedisErr classifies transport failures as ErrStoreUnavailable while
// leaving Redis reply errors (WRONGTYPE and friends) untouched.
func mapRedisErr(op string, err error) error {
	var replyErr redis.Error
	if stdErrors.As(err, &replyErr) {
		return fmt.Errorf("redis %s: %w", op, err)
	}
	switch {
	case stdErrors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("redis %s: %w: %w", op, adlockerrors.ErrStoreUnavailable, adlockerrors.ErrTimeout)
	case stdErrors.Is(err, redis.ErrClosed):
		return fmt.Errorf("redis %s: %w: %w", op, adlockerrors.ErrStoreUnavailable, adlockerrors.ErrConnectionClosed)
	case stdErrors.Is(err, context.Canceled):
		return err
	}
	return fmt.Errorf("redis %s: %w: %v", op, adlockerrors.ErrStoreUnavailable, err)
}
