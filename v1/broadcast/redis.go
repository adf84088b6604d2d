package broadcast

import (
	"context"
	stdErrors "errors"
	"time"

	redis "github.com/redis/go-redis/v9"

	adlockerrors "github.com/mirkobrombin/go-adlock/v1/errors"
)

const (
	redisBackplaneTimeout = 5 * time.Second
	// DefaultChannel is the pub/sub channel or subject used by backplanes.
	DefaultChannel = "adlock:events"
)

// RedisBackplane implements Backplane over Redis pub/sub.
type RedisBackplane struct {
	client  *redis.Client
	channel string
}

// NewRedisBackplane returns a backplane publishing on channel. An empty
// channel selects DefaultChannel.
func NewRedisBackplane(client *redis.Client, channel string) *RedisBackplane {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisBackplane{client: client, channel: channel}
}

// Publish implements Backplane.Publish.
func (b *RedisBackplane) Publish(ctx context.Context, msg []byte) error {
	cctx, cancel := context.WithTimeout(ctx, redisBackplaneTimeout)
	defer cancel()
	if err := b.client.Publish(cctx, b.channel, msg).Err(); err != nil {
		if stdErrors.Is(err, context.DeadlineExceeded) {
			return adlockerrors.ErrTimeout
		}
		if stdErrors.Is(err, redis.ErrClosed) {
			return adlockerrors.ErrConnectionClosed
		}
		return err
	}
	return nil
}

// Subscribe implements Backplane.Subscribe.
func (b *RedisBackplane) Subscribe(ctx context.Context) (<-chan []byte, error) {
	ps := b.client.Subscribe(ctx, b.channel)
	cctx, cancel := context.WithTimeout(ctx, redisBackplaneTimeout)
	_, err := ps.Receive(cctx)
	cancel()
	if err != nil {
		_ = ps.Close()
		if stdErrors.Is(err, context.DeadlineExceeded) {
			return nil, adlockerrors.ErrTimeout
		}
		return nil, err
	}

	out := make(chan []byte, 64)
	go func() {
		defer close(out)
		defer ps.Close()
		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				default:
				}
			}
		}
	}()
	return out, nil
}

// Close implements Backplane.Close. The client is owned by the caller.
func (b *RedisBackplane) Close() error {
	return nil
}
