package kv

import (
	"context"
	"sync"
	"time"
)

type entry struct {
	value   string
	expires time.Time
	timer   *time.Timer
}

// InMemory implements Store using local memory. Expiry is driven by
// time.AfterFunc and reported to Expirations subscribers.
type InMemory struct {
	mu      sync.Mutex
	entries map[string]*entry
	watch   []chan string
}

// NewInMemory returns an empty in-memory store.
func NewInMemory() *InMemory {
	return &InMemory{entries: make(map[string]*entry)}
}

// SetIfAbsentWithExpiry implements Store.SetIfAbsentWithExpiry.
func (m *InMemory) SetIfAbsentWithExpiry(ctx context.Context, key, value string, ttlSeconds int64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[key]; ok {
		return false, nil
	}
	e := &entry{value: value}
	m.entries[key] = e
	m.armLocked(key, e, ttlSeconds)
	return true, nil
}

// Get implements Store.Get.
func (m *InMemory) Get(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return "", false, nil
	}
	return e.value, true, nil
}

// GetTTL implements Store.GetTTL. Remaining time is rounded to the nearest
// second, as Redis does.
func (m *InMemory) GetTTL(ctx context.Context, key string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return TTLAbsent, nil
	}
	if e.expires.IsZero() {
		return TTLNoExpiry, nil
	}
	remaining := time.Until(e.expires)
	if remaining < 0 {
		remaining = 0
	}
	return int64((remaining + time.Second/2) / time.Second), nil
}

// ExtendExpiry implements Store.ExtendExpiry.
func (m *InMemory) ExtendExpiry(ctx context.Context, key string, ttlSeconds int64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return false, nil
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	m.armLocked(key, e, ttlSeconds)
	return true, nil
}

// Delete implements Store.Delete.
func (m *InMemory) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	m.removeLocked(key)
	m.mu.Unlock()
	return nil
}

// DeleteIfValue implements Store.DeleteIfValue.
func (m *InMemory) DeleteIfValue(ctx context.Context, key, value string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok || e.value != value {
		return false, nil
	}
	m.removeLocked(key)
	return true, nil
}

// Expirations implements ExpiryNotifier.
func (m *InMemory) Expirations(ctx context.Context) (<-chan string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch := make(chan string, 16)
	m.mu.Lock()
	m.watch = append(m.watch, ch)
	m.mu.Unlock()
	go func() {
		<-ctx.Done()
		m.mu.Lock()
		for i, c := range m.watch {
			if c == ch {
				m.watch[i] = m.watch[len(m.watch)-1]
				m.watch = m.watch[:len(m.watch)-1]
				close(c)
				break
			}
		}
		m.mu.Unlock()
	}()
	return ch, nil
}

func (m *InMemory) armLocked(key string, e *entry, ttlSeconds int64) {
	if ttlSeconds <= 0 {
		e.expires = time.Time{}
		e.timer = nil
		return
	}
	ttl := time.Duration(ttlSeconds) * time.Second
	e.expires = time.Now().Add(ttl)
	e.timer = time.AfterFunc(ttl, func() { m.expire(key, e) })
}

func (m *InMemory) expire(key string, e *entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	// The entry may have been replaced or re-armed since the timer started.
	if cur, ok := m.entries[key]; !ok || cur != e || time.Now().Before(e.expires) {
		return
	}
	delete(m.entries, key)
	for _, ch := range m.watch {
		select {
		case ch <- key:
		default:
		}
	}
}

func (m *InMemory) removeLocked(key string) {
	if e, ok := m.entries[key]; ok {
		if e.timer != nil {
			e.timer.Stop()
		}
		delete(m.entries, key)
	}
}
