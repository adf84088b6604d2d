package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/mirkobrombin/go-adlock/v1/broadcast"
	"github.com/mirkobrombin/go-adlock/v1/kv"
	"github.com/mirkobrombin/go-adlock/v1/metrics"
	"github.com/mirkobrombin/go-adlock/v1/protocol"
)

// DefaultPollInterval is used when the store cannot push expirations.
const DefaultPollInterval = time.Second

// Watcher announces locks that lapse without any client intent. It prefers
// store expiry notifications and falls back to polling the resources this
// node has announced as locked. Only resource ids are tracked; ownership is
// always read back from the store.
type Watcher struct {
	coord    *Coordinator
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	tracked map[string]struct{}
}

// NewWatcher attaches a watcher to c. It must be called before c serves
// any intent, since the coordinator's channel is wrapped to observe its
// broadcasts.
func NewWatcher(c *Coordinator, interval time.Duration) *Watcher {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	w := &Watcher{
		coord:    c,
		interval: interval,
		logger:   c.logger,
		tracked:  make(map[string]struct{}),
	}
	c.ch = &observed{Channel: c.ch, w: w}
	return w
}

// Run blocks until ctx is done. A notification stream that ends early is
// re-subscribed after one poll interval; tracked resources are swept in
// between so that lapses in the gap are still announced.
func (w *Watcher) Run(ctx context.Context) error {
	n, ok := w.coord.store.(kv.ExpiryNotifier)
	if !ok {
		w.logger.Info("adlock: polling for lock expiry", "interval", w.interval)
		return w.runPolling(ctx)
	}
	for {
		ch, err := n.Expirations(ctx)
		switch {
		case errors.Is(err, kv.ErrNotifyUnsupported):
			w.logger.Info("adlock: polling for lock expiry", "interval", w.interval, "reason", err)
			return w.runPolling(ctx)
		case err != nil:
			w.logger.Warn("adlock: expiry subscription failed, retrying", "error", err)
		default:
			w.logger.Info("adlock: watching store expiry notifications")
			w.runNotified(ctx, ch)
			if ctx.Err() == nil {
				w.logger.Warn("adlock: expiry notifications interrupted, resubscribing")
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(w.interval):
		}
		w.sweep(ctx)
	}
}

// Tracked returns the number of resources currently believed locked.
func (w *Watcher) Tracked() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.tracked)
}

// runNotified returns when ch is closed or ctx is done.
func (w *Watcher) runNotified(ctx context.Context, ch <-chan string) {
	for {
		select {
		case <-ctx.Done():
			return
		case key, ok := <-ch:
			if !ok {
				return
			}
			resourceID, ok := w.coord.resourceOf(key)
			if !ok {
				continue
			}
			w.check(ctx, resourceID)
		}
	}
}

func (w *Watcher) runPolling(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

func (w *Watcher) sweep(ctx context.Context) {
	for _, resourceID := range w.snapshotTracked() {
		w.check(ctx, resourceID)
	}
}

// check re-reads resourceID and announces it free if the lock is gone. A
// lock re-acquired in the meantime is left alone.
func (w *Watcher) check(ctx context.Context, resourceID string) {
	snap, err := w.coord.Snapshot(ctx, resourceID)
	if err != nil {
		w.logger.Warn("adlock: expiry check failed", "resource", resourceID, "error", err)
		return
	}
	if snap.Locked {
		return
	}
	metrics.ExpiryCounter.Inc()
	w.logger.Info("adlock: lock expired", "resource", resourceID)
	w.coord.broadcast(ctx, snap)
}

func (w *Watcher) snapshotTracked() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	ids := make([]string, 0, len(w.tracked))
	for id := range w.tracked {
		ids = append(ids, id)
	}
	return ids
}

func (w *Watcher) observe(evt protocol.Event) {
	e, ok := evt.(protocol.LockStateEvent)
	if !ok {
		return
	}
	w.mu.Lock()
	if e.Locked {
		w.tracked[e.ResourceID] = struct{}{}
	} else {
		delete(w.tracked, e.ResourceID)
	}
	w.mu.Unlock()
}

// observed reports every broadcast to the watcher before forwarding it.
type observed struct {
	broadcast.Channel
	w *Watcher
}

func (o *observed) Broadcast(ctx context.Context, evt protocol.Event) error {
	o.w.observe(evt)
	return o.Channel.Broadcast(ctx, evt)
}
