// Package replica mirrors the coordinator's lock state on the client side
// and interpolates the remaining time between authoritative updates.
package replica

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	adlockerrors "github.com/mirkobrombin/go-adlock/v1/errors"
	"github.com/mirkobrombin/go-adlock/v1/protocol"
)

// Phase is the UI-facing lock state of a replica.
type Phase int

const (
	Free Phase = iota
	LockedBySelf
	LockedByOther
	Expired
)

func (p Phase) String() string {
	switch p {
	case Free:
		return "free"
	case LockedBySelf:
		return "locked-by-self"
	case LockedByOther:
		return "locked-by-other"
	case Expired:
		return "expired"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// State is a snapshot of a replica.
type State struct {
	ResourceID       string
	SelfID           string
	Phase            Phase
	Locked           bool
	OwnerID          string
	SecondsRemaining int64
	// Notice holds the last lock-error message until the next state update.
	Notice    string
	Retryable bool
	// UpdatedAt is when SecondsRemaining was last synchronized.
	UpdatedAt time.Time
}

// IntentSink delivers intents to the coordinator.
type IntentSink interface {
	Send(ctx context.Context, in protocol.Intent) error
}

// SinkFunc adapts a function to IntentSink.
type SinkFunc func(ctx context.Context, in protocol.Intent) error

// Send implements IntentSink.
func (f SinkFunc) Send(ctx context.Context, in protocol.Intent) error { return f(ctx, in) }

// Option configures a Replica.
type Option func(*Replica)

// WithClock replaces the time source.
func WithClock(c Clock) Option {
	return func(r *Replica) { r.clock = c }
}

// WithLogger sets the replica logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Replica) {
		if l != nil {
			r.logger = l
		}
	}
}

// Replica tracks the lock on a single resource for one client session.
//
// At most one countdown task runs at a time. Every authoritative update
// stops the current task before a new one is scheduled, and a task whose
// generation no longer matches exits without touching the state.
type Replica struct {
	sink   IntentSink
	clock  Clock
	logger *slog.Logger

	mu     sync.Mutex
	state  State
	gen    uint64
	stop   chan struct{}
	subs   []chan State
	closed bool
}

// New returns a replica for resourceID on behalf of selfID, starting Free.
func New(resourceID, selfID string, sink IntentSink, opts ...Option) *Replica {
	r := &Replica{
		sink:   sink,
		clock:  NewStandardClock(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.state = State{ResourceID: resourceID, SelfID: selfID, UpdatedAt: r.clock.Now()}
	return r
}

// State returns the current snapshot.
func (r *Replica) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// CanRequest reports whether a lock request is allowed.
func (r *Replica) CanRequest() bool { return r.State().Phase == Free }

// CanRenew reports whether a renewal is allowed.
func (r *Replica) CanRenew() bool { return r.State().Phase == LockedBySelf }

// CanRelease reports whether a release is allowed.
func (r *Replica) CanRelease() bool { return r.State().Phase == LockedBySelf }

// Request asks the coordinator for the lock.
func (r *Replica) Request(ctx context.Context) error {
	return r.send(ctx, Free, func(res, self string) protocol.Intent {
		return protocol.Request{ResourceID: res, RequesterID: self}
	})
}

// Renew asks the coordinator to extend the held lock.
func (r *Replica) Renew(ctx context.Context) error {
	return r.send(ctx, LockedBySelf, func(res, self string) protocol.Intent {
		return protocol.Renew{ResourceID: res, RequesterID: self}
	})
}

// Release gives the held lock back.
func (r *Replica) Release(ctx context.Context) error {
	return r.send(ctx, LockedBySelf, func(res, self string) protocol.Intent {
		return protocol.Release{ResourceID: res, RequesterID: self}
	})
}

func (r *Replica) send(ctx context.Context, want Phase, build func(res, self string) protocol.Intent) error {
	st := r.State()
	if st.Phase != want {
		return fmt.Errorf("%w: %s", adlockerrors.ErrNotPermitted, st.Phase)
	}
	return r.sink.Send(ctx, build(st.ResourceID, st.SelfID))
}

// Acknowledge clears Expired. The replica returns to Free unless the last
// authoritative state still has time left, in which case that lock is
// resumed with the time spent in Expired deducted.
func (r *Replica) Acknowledge() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.Phase != Expired {
		return fmt.Errorf("%w: %s", adlockerrors.ErrNotPermitted, r.state.Phase)
	}
	now := r.clock.Now()
	remaining := int64(0)
	if r.state.Locked {
		elapsed := int64(now.Sub(r.state.UpdatedAt) / time.Second)
		remaining = max(r.state.SecondsRemaining-elapsed, 0)
	}
	r.state.UpdatedAt = now
	if remaining > 0 {
		r.state.SecondsRemaining = remaining
		r.state.Phase = r.phaseLocked()
		r.startCountdownLocked()
	} else {
		r.state.Locked = false
		r.state.OwnerID = ""
		r.state.SecondsRemaining = 0
		r.state.Phase = Free
	}
	r.notifyLocked()
	return nil
}

// Apply feeds a server event into the replica. Lock updates for other
// resources are ignored.
func (r *Replica) Apply(evt protocol.Event) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	expired := false
	switch e := evt.(type) {
	case protocol.LockStateEvent:
		if e.ResourceID != r.state.ResourceID {
			r.mu.Unlock()
			return
		}
		r.state.Locked = e.Locked
		r.state.OwnerID = e.OwnerID
		r.state.SecondsRemaining = max(e.ExpiresInSeconds, 0)
		r.state.Notice = ""
		r.state.Retryable = false
		r.state.UpdatedAt = r.clock.Now()
		r.stopCountdownLocked()
		// Expired holds until acknowledged; only the lock facts move on.
		if r.state.Phase != Expired {
			r.state.Phase = r.phaseLocked()
			if e.Locked {
				if r.state.SecondsRemaining == 0 {
					r.state.Phase = Expired
					expired = true
				} else {
					r.startCountdownLocked()
				}
			}
		}
	case protocol.ErrorEvent:
		r.state.Notice = e.Message
		r.state.Retryable = e.Retryable
	case protocol.SessionEvent:
		r.state.SelfID = e.SessionID
		if r.state.Phase != Expired {
			r.state.Phase = r.phaseLocked()
		}
	}
	r.notifyLocked()
	st := r.state
	r.mu.Unlock()

	if expired {
		r.cleanup(st)
	}
}

// Subscribe returns a channel carrying the latest state after every change.
// Intermediate states may be skipped by slow readers. The channel is closed
// by the returned func or by Close.
func (r *Replica) Subscribe() (<-chan State, func()) {
	ch := make(chan State, 1)
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	r.subs = append(r.subs, ch)
	ch <- r.state
	r.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			for i, c := range r.subs {
				if c == ch {
					r.subs = append(r.subs[:i], r.subs[i+1:]...)
					close(ch)
					return
				}
			}
		})
	}
}

// Close stops the countdown and closes every subscription.
func (r *Replica) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	r.stopCountdownLocked()
	for _, ch := range r.subs {
		close(ch)
	}
	r.subs = nil
}

func (r *Replica) phaseLocked() Phase {
	switch {
	case !r.state.Locked:
		return Free
	case r.state.OwnerID == r.state.SelfID:
		return LockedBySelf
	default:
		return LockedByOther
	}
}

func (r *Replica) startCountdownLocked() {
	r.stopCountdownLocked()
	r.gen++
	stop := make(chan struct{})
	r.stop = stop
	go r.countdown(r.gen, stop, r.clock.NewTicker(time.Second))
}

func (r *Replica) stopCountdownLocked() {
	if r.stop != nil {
		close(r.stop)
		r.stop = nil
	}
	r.gen++
}

func (r *Replica) countdown(gen uint64, stop <-chan struct{}, t Ticker) {
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.Chan():
			if !r.tick(gen) {
				return
			}
		}
	}
}

// tick decrements the countdown and reports whether the task should go on.
func (r *Replica) tick(gen uint64) bool {
	r.mu.Lock()
	if gen != r.gen || r.closed {
		r.mu.Unlock()
		return false
	}
	if r.state.SecondsRemaining > 0 {
		r.state.SecondsRemaining--
	}
	r.state.UpdatedAt = r.clock.Now()
	if r.state.SecondsRemaining > 0 {
		r.notifyLocked()
		r.mu.Unlock()
		return true
	}
	r.state.Phase = Expired
	r.stop = nil
	r.gen++
	r.notifyLocked()
	st := r.state
	r.mu.Unlock()

	r.cleanup(st)
	return false
}

// cleanup releases the resource after the countdown lapsed. The coordinator
// only deletes the lock if this session still owns it.
func (r *Replica) cleanup(st State) {
	r.logger.Info("adlock: lock countdown lapsed", "resource", st.ResourceID, "owner", st.OwnerID)
	in := protocol.Release{ResourceID: st.ResourceID, RequesterID: st.SelfID}
	if err := r.sink.Send(context.Background(), in); err != nil {
		r.logger.Warn("adlock: cleanup release failed", "resource", st.ResourceID, "error", err)
	}
}

// notifyLocked replaces any unread state with the current one. It never
// blocks since r.mu serializes all senders.
func (r *Replica) notifyLocked() {
	for _, ch := range r.subs {
		select {
		case <-ch:
		default:
		}
		ch <- r.state
	}
}
