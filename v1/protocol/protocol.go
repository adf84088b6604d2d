// Package protocol defines the lock coordination wire events. Client intents
// and server events are closed variants: only the types declared here satisfy
// Intent and Event, so handlers can switch over them exhaustively.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Wire event names.
const (
	EventRequestLock = "request-lock"
	EventRenewLock   = "renew-lock"
	EventReleaseLock = "release-lock"
	EventLockUpdate  = "lock-update"
	EventLockError   = "lock-error"
	EventSession     = "session"
)

// Messages carried by ErrorEvent.
const (
	MsgAccessDenied     = "Access Denied: Someone is already editing."
	MsgStoreUnavailable = "Lock service temporarily unavailable, try again."
	MsgLockFailure      = "Lock operation failed."
	MsgInvalidIntent    = "Invalid lock request."
)

var (
	ErrUnknownEvent   = errors.New("protocol: unknown event")
	ErrInvalidPayload = errors.New("protocol: invalid payload")
)

// Intent is a client request against a resource lock.
type Intent interface {
	intent()
	Name() string
	Resource() string
	Requester() string
}

type target struct {
	ResourceID  string `json:"resourceId"`
	RequesterID string `json:"requesterId"`
}

// Request asks for the lock on ResourceID.
type Request target

// Renew asks to extend the lock held by RequesterID.
type Renew target

// Release asks to drop the lock held by RequesterID.
type Release target

func (Request) intent() {}
func (Renew) intent()   {}
func (Release) intent() {}

func (Request) Name() string { return EventRequestLock }
func (Renew) Name() string   { return EventRenewLock }
func (Release) Name() string { return EventReleaseLock }

func (i Request) Resource() string  { return i.ResourceID }
func (i Renew) Resource() string    { return i.ResourceID }
func (i Release) Resource() string  { return i.ResourceID }
func (i Request) Requester() string { return i.RequesterID }
func (i Renew) Requester() string   { return i.RequesterID }
func (i Release) Requester() string { return i.RequesterID }

// Event is a server to client message.
type Event interface {
	event()
	Name() string
}

// LockStateEvent is the authoritative lock state of a resource. An empty
// OwnerID is encoded as null.
type LockStateEvent struct {
	ResourceID       string
	Locked           bool
	OwnerID          string
	ExpiresInSeconds int64
}

// ErrorEvent reports a failed intent to the requester only.
type ErrorEvent struct {
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}

// SessionEvent tells a connection which session id it acts as.
type SessionEvent struct {
	SessionID string `json:"sessionId"`
}

func (LockStateEvent) event() {}
func (ErrorEvent) event()     {}
func (SessionEvent) event()   {}

func (LockStateEvent) Name() string { return EventLockUpdate }
func (ErrorEvent) Name() string     { return EventLockError }
func (SessionEvent) Name() string   { return EventSession }

// Locked returns the state event for a held lock.
func Locked(resourceID, ownerID string, ttlSeconds int64) LockStateEvent {
	return LockStateEvent{ResourceID: resourceID, Locked: true, OwnerID: ownerID, ExpiresInSeconds: ttlSeconds}
}

// Free returns the state event for an unheld lock.
func Free(resourceID string) LockStateEvent {
	return LockStateEvent{ResourceID: resourceID}
}

type lockStateWire struct {
	ResourceID       string  `json:"resourceId"`
	Locked           bool    `json:"locked"`
	OwnerID          *string `json:"ownerId"`
	ExpiresInSeconds int64   `json:"expiresInSeconds"`
}

// MarshalJSON implements json.Marshaler.
func (e LockStateEvent) MarshalJSON() ([]byte, error) {
	w := lockStateWire{ResourceID: e.ResourceID, Locked: e.Locked, ExpiresInSeconds: e.ExpiresInSeconds}
	if e.OwnerID != "" {
		owner := e.OwnerID
		w.OwnerID = &owner
	}
	return json.Marshal(w)
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *LockStateEvent) UnmarshalJSON(data []byte) error {
	var w lockStateWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*e = LockStateEvent{ResourceID: w.ResourceID, Locked: w.Locked, ExpiresInSeconds: w.ExpiresInSeconds}
	if w.OwnerID != nil {
		e.OwnerID = *w.OwnerID
	}
	return nil
}

type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func encode(name string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Event: name, Data: data})
}

// EncodeIntent serializes an intent into its wire envelope.
func EncodeIntent(i Intent) ([]byte, error) {
	return encode(i.Name(), target{ResourceID: i.Resource(), RequesterID: i.Requester()})
}

// DecodeIntent parses a wire envelope into an Intent.
func DecodeIntent(b []byte) (Intent, error) {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	var t target
	if err := json.Unmarshal(env.Data, &t); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if t.ResourceID == "" || t.RequesterID == "" {
		return nil, fmt.Errorf("%w: resourceId and requesterId are required", ErrInvalidPayload)
	}
	switch env.Event {
	case EventRequestLock:
		return Request(t), nil
	case EventRenewLock:
		return Renew(t), nil
	case EventReleaseLock:
		return Release(t), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
}

// EncodeEvent serializes a server event into its wire envelope.
func EncodeEvent(e Event) ([]byte, error) {
	return encode(e.Name(), e)
}

// DecodeEvent parses a wire envelope into an Event.
func DecodeEvent(b []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	var (
		evt Event
		err error
	)
	switch env.Event {
	case EventLockUpdate:
		var e LockStateEvent
		err = json.Unmarshal(env.Data, &e)
		evt = e
	case EventLockError:
		var e ErrorEvent
		err = json.Unmarshal(env.Data, &e)
		evt = e
	case EventSession:
		var e SessionEvent
		err = json.Unmarshal(env.Data, &e)
		evt = e
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return evt, nil
}
