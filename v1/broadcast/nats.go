package broadcast

import (
	"context"
	"sync"

	nats "github.com/nats-io/nats.go"
)

// NATSBackplane implements Backplane over a NATS subject.
type NATSBackplane struct {
	conn    *nats.Conn
	subject string

	mu   sync.Mutex
	subs []*nats.Subscription
}

// NewNATSBackplane returns a backplane publishing on subject. An empty
// subject selects DefaultChannel.
func NewNATSBackplane(conn *nats.Conn, subject string) *NATSBackplane {
	if subject == "" {
		subject = DefaultChannel
	}
	return &NATSBackplane{conn: conn, subject: subject}
}

// Publish implements Backplane.Publish.
func (b *NATSBackplane) Publish(ctx context.Context, msg []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.conn.Publish(b.subject, msg)
}

// Subscribe implements Backplane.Subscribe.
func (b *NATSBackplane) Subscribe(ctx context.Context) (<-chan []byte, error) {
	in := make(chan *nats.Msg, 64)
	sub, err := b.conn.ChanSubscribe(b.subject, in)
	if err != nil {
		return nil, err
	}
	// Make sure the server has registered the interest before returning.
	if err := b.conn.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, err
	}
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	out := make(chan []byte, 64)
	go func() {
		defer close(out)
		defer sub.Unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case m := <-in:
				select {
				case out <- m.Data:
				default:
				}
			}
		}
	}()
	return out, nil
}

// Close implements Backplane.Close. The connection is owned by the caller.
func (b *NATSBackplane) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.subs {
		_ = s.Unsubscribe()
	}
	b.subs = nil
	return nil
}
