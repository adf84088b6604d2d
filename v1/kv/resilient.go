package kv

import (
	"context"
	"log/slog"
	"sync"
	"time"

	adlockerrors "github.com/mirkobrombin/go-adlock/v1/errors"
)

type state int

const (
	stateClosed state = iota
	stateOpen
	stateHalfOpen
)

// Resilient decorates a Store with circuit breaker logic. Once threshold
// consecutive retryable failures are observed, calls fail fast with
// ErrCircuitOpen until cooldown elapses and a single probe succeeds.
type Resilient struct {
	inner     Store
	mu        sync.Mutex
	state     state
	failures  int
	threshold int
	cooldown  time.Duration
	lastFail  time.Time
	logger    *slog.Logger
}

// NewResilient wraps inner with a circuit breaker.
func NewResilient(inner Store, threshold int, cooldown time.Duration) *Resilient {
	if threshold <= 0 {
		threshold = 1
	}
	return &Resilient{
		inner:     inner,
		threshold: threshold,
		cooldown:  cooldown,
		logger:    slog.Default(),
	}
}

// IsHealthy returns true unless the circuit is open and still cooling down.
func (r *Resilient) IsHealthy() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == stateOpen {
		return time.Since(r.lastFail) > r.cooldown
	}
	return true
}

func (r *Resilient) allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.state {
	case stateClosed:
		return true
	case stateOpen:
		if time.Since(r.lastFail) > r.cooldown {
			r.state = stateHalfOpen
			return true
		}
		return false
	case stateHalfOpen:
		return false // one probe at a time
	}
	return false
}

func (r *Resilient) record(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err == nil || !adlockerrors.Retryable(err) {
		if r.state == stateHalfOpen {
			r.logger.Info("adlock: store circuit closed")
		}
		r.state = stateClosed
		r.failures = 0
		return
	}
	r.lastFail = time.Now()
	r.failures++
	if (r.state == stateClosed && r.failures >= r.threshold) || r.state == stateHalfOpen {
		if r.state != stateOpen {
			r.logger.Warn("adlock: store circuit opened", "failures", r.failures, "error", err)
		}
		r.state = stateOpen
	}
}

// SetIfAbsentWithExpiry implements Store.SetIfAbsentWithExpiry.
func (r *Resilient) SetIfAbsentWithExpiry(ctx context.Context, key, value string, ttlSeconds int64) (bool, error) {
	if !r.allow() {
		return false, adlockerrors.ErrCircuitOpen
	}
	ok, err := r.inner.SetIfAbsentWithExpiry(ctx, key, value, ttlSeconds)
	r.record(err)
	return ok, err
}

// Get implements Store.Get.
func (r *Resilient) Get(ctx context.Context, key string) (string, bool, error) {
	if !r.allow() {
		return "", false, adlockerrors.ErrCircuitOpen
	}
	v, ok, err := r.inner.Get(ctx, key)
	r.record(err)
	return v, ok, err
}

// GetTTL implements Store.GetTTL.
func (r *Resilient) GetTTL(ctx context.Context, key string) (int64, error) {
	if !r.allow() {
		return 0, adlockerrors.ErrCircuitOpen
	}
	ttl, err := r.inner.GetTTL(ctx, key)
	r.record(err)
	return ttl, err
}

// ExtendExpiry implements Store.ExtendExpiry.
func (r *Resilient) ExtendExpiry(ctx context.Context, key string, ttlSeconds int64) (bool, error) {
	if !r.allow() {
		return false, adlockerrors.ErrCircuitOpen
	}
	ok, err := r.inner.ExtendExpiry(ctx, key, ttlSeconds)
	r.record(err)
	return ok, err
}

// Delete implements Store.Delete.
func (r *Resilient) Delete(ctx context.Context, key string) error {
	if !r.allow() {
		return adlockerrors.ErrCircuitOpen
	}
	err := r.inner.Delete(ctx, key)
	r.record(err)
	return err
}

// DeleteIfValue implements Store.DeleteIfValue.
func (r *Resilient) DeleteIfValue(ctx context.Context, key, value string) (bool, error) {
	if !r.allow() {
		return false, adlockerrors.ErrCircuitOpen
	}
	ok, err := r.inner.DeleteIfValue(ctx, key, value)
	r.record(err)
	return ok, err
}

// Expirations proxies to the wrapped store when it supports notifications.
func (r *Resilient) Expirations(ctx context.Context) (<-chan string, error) {
	n, ok := r.inner.(ExpiryNotifier)
	if !ok {
		return nil, ErrNotifyUnsupported
	}
	return n.Expirations(ctx)
}
