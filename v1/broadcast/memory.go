package broadcast

import (
	"context"
	"sync"
)

// InMemoryBackplane connects hubs living in the same process, mainly for
// testing multi-node fan-out.
type InMemoryBackplane struct {
	mu     sync.Mutex
	subs   []chan []byte
	closed bool
}

// NewInMemoryBackplane returns a new InMemoryBackplane.
func NewInMemoryBackplane() *InMemoryBackplane {
	return &InMemoryBackplane{}
}

// Publish implements Backplane.Publish.
func (b *InMemoryBackplane) Publish(ctx context.Context, msg []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- msg:
		default:
		}
	}
	return nil
}

// Subscribe implements Backplane.Subscribe.
func (b *InMemoryBackplane) Subscribe(ctx context.Context) (<-chan []byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch := make(chan []byte, 64)
	b.mu.Lock()
	if b.closed {
		close(ch)
		b.mu.Unlock()
		return ch, nil
	}
	b.subs = append(b.subs, ch)
	b.mu.Unlock()
	go func() {
		<-ctx.Done()
		b.unsubscribe(ch)
	}()
	return ch, nil
}

func (b *InMemoryBackplane) unsubscribe(ch chan []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, c := range b.subs {
		if c == ch {
			b.subs[i] = b.subs[len(b.subs)-1]
			b.subs = b.subs[:len(b.subs)-1]
			close(c)
			return
		}
	}
}

// Close implements Backplane.Close.
func (b *InMemoryBackplane) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		close(ch)
	}
	b.subs = nil
	b.closed = true
	return nil
}
