package coordinator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/mirkobrombin/go-adlock/v1/kv"
	"github.com/mirkobrombin/go-adlock/v1/protocol"
)

// plainStore hides any ExpiryNotifier implementation of the wrapped store.
type plainStore struct{ kv.Store }

// droppingStore ends its first expiry stream as soon as it is handed out,
// the way a Redis subscription ends when the connection drops.
type droppingStore struct {
	*kv.InMemory

	mu   sync.Mutex
	subs int
}

func (d *droppingStore) Expirations(ctx context.Context) (<-chan string, error) {
	d.mu.Lock()
	d.subs++
	first := d.subs == 1
	d.mu.Unlock()
	if first {
		ch := make(chan string)
		close(ch)
		return ch, nil
	}
	return d.InMemory.Expirations(ctx)
}

func (d *droppingStore) subscriptions() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.subs
}

// refusingStore reports that it cannot push expirations.
type refusingStore struct{ *kv.InMemory }

func (refusingStore) Expirations(context.Context) (<-chan string, error) {
	return nil, kv.ErrNotifyUnsupported
}

func TestWatcherAnnouncesNotifiedExpiry(t *testing.T) {
	rec := newRecorder()
	c := New(kv.NewInMemory(), rec, WithDefaultTTL(time.Second))
	w := NewWatcher(c, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()
	// Let Run subscribe before the lock is granted.
	time.Sleep(20 * time.Millisecond)

	_ = c.Request(ctx, "a1", "car-123", "alice")
	if evt := rec.nextBroadcast(t); !evt.Locked {
		t.Fatalf("expected grant, got %+v", evt)
	}
	if evt := rec.nextBroadcast(t); evt != protocol.Free("car-123") {
		t.Fatalf("expected expiry, got %+v", evt)
	}
	if n := w.Tracked(); n != 0 {
		t.Fatalf("expected nothing tracked, got %d", n)
	}
}

func TestWatcherPollsTrackedResources(t *testing.T) {
	rec := newRecorder()
	c := New(plainStore{kv.NewInMemory()}, rec, WithDefaultTTL(time.Second))
	w := NewWatcher(c, 50*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	_ = c.Request(ctx, "a1", "car-123", "alice")
	rec.nextBroadcast(t)
	if n := w.Tracked(); n != 1 {
		t.Fatalf("expected 1 tracked resource, got %d", n)
	}
	if evt := rec.nextBroadcast(t); evt != protocol.Free("car-123") {
		t.Fatalf("expected expiry, got %+v", evt)
	}
	if n := w.Tracked(); n != 0 {
		t.Fatalf("expected nothing tracked, got %d", n)
	}
}

func TestWatcherIgnoresReleasedLocks(t *testing.T) {
	rec := newRecorder()
	c := New(plainStore{kv.NewInMemory()}, rec)
	w := NewWatcher(c, 20*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	_ = c.Request(ctx, "a1", "car-123", "alice")
	rec.nextBroadcast(t)
	_ = c.Release(ctx, "a1", "car-123", "alice")
	rec.nextBroadcast(t)

	time.Sleep(100 * time.Millisecond)
	rec.expectQuiet(t)
}

func TestWatcherSkipsForeignKeys(t *testing.T) {
	store := kv.NewInMemory()
	rec := newRecorder()
	c := New(store, rec)
	w := NewWatcher(c, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)

	if _, err := store.SetIfAbsentWithExpiry(ctx, "session:abc", "x", 1); err != nil {
		t.Fatalf("set: %v", err)
	}
	time.Sleep(1500 * time.Millisecond)
	rec.expectQuiet(t)
}

func TestWatcherResubscribesAfterStreamEnds(t *testing.T) {
	store := &droppingStore{InMemory: kv.NewInMemory()}
	rec := newRecorder()
	c := New(store, rec, WithDefaultTTL(time.Second))
	w := NewWatcher(c, 50*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = w.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for store.subscriptions() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("watcher did not resubscribe")
		}
		time.Sleep(5 * time.Millisecond)
	}

	_ = c.Request(ctx, "a1", "car-123", "alice")
	if evt := rec.nextBroadcast(t); !evt.Locked {
		t.Fatalf("expected grant, got %+v", evt)
	}
	if evt := rec.nextBroadcast(t); evt != protocol.Free("car-123") {
		t.Fatalf("expected expiry, got %+v", evt)
	}
	select {
	case <-done:
		t.Fatal("watcher stopped while its context was live")
	default:
	}
}

func TestWatcherPollsWhenNotificationsUnsupported(t *testing.T) {
	rec := newRecorder()
	c := New(refusingStore{kv.NewInMemory()}, rec, WithDefaultTTL(time.Second))
	w := NewWatcher(c, 50*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	_ = c.Request(ctx, "a1", "car-123", "alice")
	rec.nextBroadcast(t)
	if evt := rec.nextBroadcast(t); evt != protocol.Free("car-123") {
		t.Fatalf("expected expiry, got %+v", evt)
	}
}
