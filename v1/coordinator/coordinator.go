// Package coordinator implements the server-side lock authority. It holds no
// ownership state of its own: every decision is derived from the atomic
// operations of a kv.Store, and every outcome is published through a
// broadcast.Channel.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/mirkobrombin/go-adlock/v1/broadcast"
	adlockerrors "github.com/mirkobrombin/go-adlock/v1/errors"
	"github.com/mirkobrombin/go-adlock/v1/kv"
	"github.com/mirkobrombin/go-adlock/v1/metrics"
	"github.com/mirkobrombin/go-adlock/v1/protocol"
)

const (
	// DefaultTTL is the lifetime of a freshly granted lock.
	DefaultTTL = 10 * time.Second
	// DefaultKeyPrefix namespaces lock keys in the store.
	DefaultKeyPrefix = "lock:"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-adlock/v1/coordinator")

// Coordinator decides lock acquisition, renewal and release.
type Coordinator struct {
	store     kv.Store
	ch        broadcast.Channel
	ttl       int64
	increment int64
	prefix    string
	logger    *slog.Logger

	unconditionalRelease bool
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithDefaultTTL sets the lifetime of a granted lock. Sub-second values are
// rounded up to one second; non-positive values keep DefaultTTL.
func WithDefaultTTL(d time.Duration) Option {
	return func(c *Coordinator) { c.ttl = toSeconds(d) }
}

// WithRenewIncrement sets how much a renewal adds to the remaining time.
// Non-positive values fall back to the lock TTL.
func WithRenewIncrement(d time.Duration) Option {
	return func(c *Coordinator) { c.increment = toSeconds(d) }
}

// WithKeyPrefix sets the store key namespace.
func WithKeyPrefix(p string) Option {
	return func(c *Coordinator) { c.prefix = p }
}

// WithLogger sets the coordinator logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithUnconditionalRelease lets any requester delete a lock, skipping the
// ownership check. It exists for compatibility with legacy clients only.
func WithUnconditionalRelease() Option {
	return func(c *Coordinator) { c.unconditionalRelease = true }
}

// New returns a Coordinator using store as the authority and ch to emit events.
func New(store kv.Store, ch broadcast.Channel, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:  store,
		ch:     ch,
		ttl:    toSeconds(DefaultTTL),
		prefix: DefaultKeyPrefix,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	// A lock must always expire on its own.
	if c.ttl <= 0 {
		c.ttl = toSeconds(DefaultTTL)
	}
	if c.increment <= 0 {
		c.increment = c.ttl
	}
	return c
}

// Key returns the store key for resourceID.
func (c *Coordinator) Key(resourceID string) string {
	return c.prefix + resourceID
}

// resourceOf reverses Key. It returns false for keys outside the namespace.
func (c *Coordinator) resourceOf(key string) (string, bool) {
	if !strings.HasPrefix(key, c.prefix) {
		return "", false
	}
	return strings.TrimPrefix(key, c.prefix), true
}

// Handle dispatches an intent received on connection connID.
func (c *Coordinator) Handle(ctx context.Context, connID string, in protocol.Intent) error {
	switch i := in.(type) {
	case protocol.Request:
		return c.Request(ctx, connID, i.ResourceID, i.RequesterID)
	case protocol.Renew:
		return c.Renew(ctx, connID, i.ResourceID, i.RequesterID)
	case protocol.Release:
		return c.Release(ctx, connID, i.ResourceID, i.RequesterID)
	}
	return fmt.Errorf("%w: %T", adlockerrors.ErrUnknownIntent, in)
}

// Request grants the lock to requesterID if nobody holds it. The winner is
// announced to everyone; a loser is told so on its own connection only.
func (c *Coordinator) Request(ctx context.Context, connID, resourceID, requesterID string) error {
	ctx, span := c.startSpan(ctx, "Coordinator.Request", resourceID, requesterID)
	defer span.End()

	ok, err := c.store.SetIfAbsentWithExpiry(ctx, c.Key(resourceID), requesterID, c.ttl)
	if err != nil {
		span.RecordError(err)
		return c.storeFailure(ctx, connID, protocol.EventRequestLock, err)
	}
	if !ok {
		metrics.IntentCounter.WithLabelValues(protocol.EventRequestLock, metrics.OutcomeDenied).Inc()
		c.logger.Debug("adlock: lock denied", "resource", resourceID, "requester", requesterID)
		c.unicast(ctx, connID, protocol.ErrorEvent{Message: protocol.MsgAccessDenied})
		return nil
	}
	metrics.IntentCounter.WithLabelValues(protocol.EventRequestLock, metrics.OutcomeGranted).Inc()
	c.logger.Info("adlock: lock granted", "resource", resourceID, "owner", requesterID, "ttl", c.ttl)
	c.broadcast(ctx, protocol.Locked(resourceID, requesterID, c.ttl))
	return nil
}

// Renew stacks the renewal increment on top of the owner's remaining time.
// A renewal by anyone but the current owner mutates nothing and re-announces
// the true state of the resource instead.
func (c *Coordinator) Renew(ctx context.Context, connID, resourceID, requesterID string) error {
	ctx, span := c.startSpan(ctx, "Coordinator.Renew", resourceID, requesterID)
	defer span.End()
	key := c.Key(resourceID)

	owner, held, err := c.store.Get(ctx, key)
	if err != nil {
		span.RecordError(err)
		return c.storeFailure(ctx, connID, protocol.EventRenewLock, err)
	}
	if !held || owner != requesterID {
		return c.stale(ctx, connID, resourceID, requesterID)
	}

	ttl, err := c.store.GetTTL(ctx, key)
	if err != nil {
		span.RecordError(err)
		return c.storeFailure(ctx, connID, protocol.EventRenewLock, err)
	}
	if ttl == kv.TTLAbsent {
		return c.stale(ctx, connID, resourceID, requesterID)
	}
	newTTL := max(ttl, 0) + c.increment

	ok, err := c.store.ExtendExpiry(ctx, key, newTTL)
	if err != nil {
		span.RecordError(err)
		return c.storeFailure(ctx, connID, protocol.EventRenewLock, err)
	}
	if !ok {
		return c.stale(ctx, connID, resourceID, requesterID)
	}
	span.SetAttributes(attribute.Int64("adlock.ttl", newTTL))
	metrics.IntentCounter.WithLabelValues(protocol.EventRenewLock, metrics.OutcomeGranted).Inc()
	c.logger.Debug("adlock: lock renewed", "resource", resourceID, "owner", requesterID, "previous", ttl, "ttl", newTTL)
	c.broadcast(ctx, protocol.Locked(resourceID, requesterID, newTTL))
	return nil
}

// stale resolves a renewal that no longer matches the store by broadcasting
// the authoritative state. The renewer gets no error.
func (c *Coordinator) stale(ctx context.Context, connID, resourceID, requesterID string) error {
	metrics.IntentCounter.WithLabelValues(protocol.EventRenewLock, metrics.OutcomeStale).Inc()
	snap, err := c.Snapshot(ctx, resourceID)
	if err != nil {
		return c.storeFailure(ctx, connID, protocol.EventRenewLock, err)
	}
	c.logger.Debug("adlock: stale renewal", "resource", resourceID, "requester", requesterID, "owner", snap.OwnerID)
	c.broadcast(ctx, snap)
	return nil
}

// Release drops the lock if requesterID owns it. When the lock is already
// gone everyone is told it is free; when someone else holds it the requester
// alone receives the current state.
func (c *Coordinator) Release(ctx context.Context, connID, resourceID, requesterID string) error {
	ctx, span := c.startSpan(ctx, "Coordinator.Release", resourceID, requesterID)
	defer span.End()
	key := c.Key(resourceID)

	if c.unconditionalRelease {
		if err := c.store.Delete(ctx, key); err != nil {
			span.RecordError(err)
			return c.storeFailure(ctx, connID, protocol.EventReleaseLock, err)
		}
		metrics.IntentCounter.WithLabelValues(protocol.EventReleaseLock, metrics.OutcomeReleased).Inc()
		c.broadcast(ctx, protocol.Free(resourceID))
		return nil
	}

	deleted, err := c.store.DeleteIfValue(ctx, key, requesterID)
	if err != nil {
		span.RecordError(err)
		return c.storeFailure(ctx, connID, protocol.EventReleaseLock, err)
	}
	if deleted {
		metrics.IntentCounter.WithLabelValues(protocol.EventReleaseLock, metrics.OutcomeReleased).Inc()
		c.logger.Info("adlock: lock released", "resource", resourceID, "owner", requesterID)
		c.broadcast(ctx, protocol.Free(resourceID))
		return nil
	}

	snap, err := c.Snapshot(ctx, resourceID)
	if err != nil {
		span.RecordError(err)
		return c.storeFailure(ctx, connID, protocol.EventReleaseLock, err)
	}
	if !snap.Locked {
		metrics.IntentCounter.WithLabelValues(protocol.EventReleaseLock, metrics.OutcomeStale).Inc()
		c.broadcast(ctx, snap)
		return nil
	}
	metrics.IntentCounter.WithLabelValues(protocol.EventReleaseLock, metrics.OutcomeDenied).Inc()
	c.logger.Debug("adlock: release by non-owner ignored", "resource", resourceID, "requester", requesterID, "owner", snap.OwnerID)
	c.unicast(ctx, connID, snap)
	return nil
}

// Snapshot reads the current authoritative state of resourceID.
func (c *Coordinator) Snapshot(ctx context.Context, resourceID string) (protocol.LockStateEvent, error) {
	key := c.Key(resourceID)
	owner, held, err := c.store.Get(ctx, key)
	if err != nil {
		return protocol.LockStateEvent{}, err
	}
	if !held {
		return protocol.Free(resourceID), nil
	}
	ttl, err := c.store.GetTTL(ctx, key)
	if err != nil {
		return protocol.LockStateEvent{}, err
	}
	if ttl == kv.TTLAbsent {
		return protocol.Free(resourceID), nil
	}
	return protocol.Locked(resourceID, owner, max(ttl, 0)), nil
}

// SendSnapshot pushes the current state of resourceID to connID. It is used
// to resynchronize a freshly connected client.
func (c *Coordinator) SendSnapshot(ctx context.Context, connID, resourceID string) error {
	snap, err := c.Snapshot(ctx, resourceID)
	if err != nil {
		return c.storeFailure(ctx, connID, "snapshot", err)
	}
	c.unicast(ctx, connID, snap)
	return nil
}

func (c *Coordinator) storeFailure(ctx context.Context, connID, intent string, err error) error {
	metrics.IntentCounter.WithLabelValues(intent, metrics.OutcomeUnavailable).Inc()
	evt := protocol.ErrorEvent{Message: protocol.MsgStoreUnavailable, Retryable: true}
	if !adlockerrors.Retryable(err) {
		evt = protocol.ErrorEvent{Message: protocol.MsgLockFailure}
	}
	c.logger.Warn("adlock: store operation failed", "intent", intent, "conn", connID, "error", err)
	// The request context may be the one that expired; reply regardless.
	c.unicast(context.WithoutCancel(ctx), connID, evt)
	return fmt.Errorf("%s: %w", intent, err)
}

func (c *Coordinator) broadcast(ctx context.Context, evt protocol.LockStateEvent) {
	if err := c.ch.Broadcast(ctx, evt); err != nil {
		c.logger.Warn("adlock: broadcast failed", "resource", evt.ResourceID, "error", err)
	}
}

func (c *Coordinator) unicast(ctx context.Context, connID string, evt protocol.Event) {
	if err := c.ch.Unicast(ctx, connID, evt); err != nil {
		if errors.Is(err, broadcast.ErrUnknownConn) {
			c.logger.Debug("adlock: requester gone", "conn", connID)
			return
		}
		c.logger.Warn("adlock: unicast failed", "conn", connID, "error", err)
	}
}

func (c *Coordinator) startSpan(ctx context.Context, name, resourceID, requesterID string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("adlock.resource", resourceID),
		attribute.String("adlock.requester", requesterID),
	))
}

func toSeconds(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	s := int64(d / time.Second)
	if d%time.Second != 0 {
		s++
	}
	return s
}
