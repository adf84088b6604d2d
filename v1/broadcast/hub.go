package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/mirkobrombin/go-adlock/v1/metrics"
	"github.com/mirkobrombin/go-adlock/v1/protocol"
)

const defaultSendBuffer = 16

type conn struct {
	resource string
	send     chan []byte
}

// frame is the backplane envelope. Origin lets a hub skip its own frames,
// which it has already delivered locally.
type frame struct {
	Origin   string          `json:"o"`
	Resource string          `json:"r,omitempty"`
	Payload  json.RawMessage `json:"p"`
}

// Hub implements Channel for the connections of one node.
type Hub struct {
	nodeID    string
	backplane Backplane
	buffer    int
	logger    *slog.Logger

	mu    sync.RWMutex
	conns map[string]*conn

	published atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithBackplane relays broadcasts to other nodes through bp.
func WithBackplane(bp Backplane) HubOption {
	return func(h *Hub) { h.backplane = bp }
}

// WithSendBuffer sets the per-connection outbound buffer size.
func WithSendBuffer(n int) HubOption {
	return func(h *Hub) {
		if n > 0 {
			h.buffer = n
		}
	}
}

// WithLogger sets the hub logger.
func WithLogger(l *slog.Logger) HubOption {
	return func(h *Hub) {
		if l != nil {
			h.logger = l
		}
	}
}

// NewHub returns an empty hub.
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		nodeID: uuid.NewString(),
		buffer: defaultSendBuffer,
		logger: slog.Default(),
		conns:  make(map[string]*conn),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register adds a connection interested in resource; an empty resource
// receives every broadcast. The returned channel carries encoded events and
// is closed by the returned unregister func.
func (h *Hub) Register(connID, resource string) (<-chan []byte, func()) {
	c := &conn{resource: resource, send: make(chan []byte, h.buffer)}
	h.mu.Lock()
	if old, ok := h.conns[connID]; ok {
		close(old.send)
	}
	h.conns[connID] = c
	h.mu.Unlock()
	metrics.ConnectionGauge.Inc()

	var once sync.Once
	return c.send, func() {
		once.Do(func() {
			h.mu.Lock()
			if cur, ok := h.conns[connID]; ok && cur == c {
				delete(h.conns, connID)
				close(c.send)
			}
			h.mu.Unlock()
			metrics.ConnectionGauge.Dec()
		})
	}
}

// Len returns the number of registered connections.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Broadcast implements Channel.Broadcast. Local connections are served
// immediately; the backplane, if any, carries the event to other nodes.
func (h *Hub) Broadcast(ctx context.Context, evt protocol.Event) error {
	data, err := protocol.EncodeEvent(evt)
	if err != nil {
		return err
	}
	resource := resourceOf(evt)
	h.published.Add(1)
	metrics.BroadcastCounter.Inc()
	h.deliver(resource, data)

	if h.backplane == nil {
		return nil
	}
	msg, err := json.Marshal(frame{Origin: h.nodeID, Resource: resource, Payload: data})
	if err != nil {
		return err
	}
	if err := h.backplane.Publish(ctx, msg); err != nil {
		return fmt.Errorf("backplane publish: %w", err)
	}
	return nil
}

// Unicast implements Channel.Unicast.
func (h *Hub) Unicast(ctx context.Context, connID string, evt protocol.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := protocol.EncodeEvent(evt)
	if err != nil {
		return err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.conns[connID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConn, connID)
	}
	metrics.UnicastCounter.Inc()
	h.offer(c, data)
	return nil
}

// Run relays backplane frames from other nodes to local connections until
// ctx is done. It returns immediately when the hub has no backplane.
func (h *Hub) Run(ctx context.Context) error {
	if h.backplane == nil {
		return nil
	}
	ch, err := h.backplane.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("backplane subscribe: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var f frame
			if err := json.Unmarshal(msg, &f); err != nil {
				h.logger.Warn("adlock: dropping malformed backplane frame", "error", err)
				continue
			}
			if f.Origin == h.nodeID {
				continue
			}
			h.deliver(f.Resource, f.Payload)
		}
	}
}

// Metrics returns the published, delivered and dropped counts.
func (h *Hub) Metrics() Metrics {
	return Metrics{
		Published: h.published.Load(),
		Delivered: h.delivered.Load(),
		Dropped:   h.dropped.Load(),
	}
}

func (h *Hub) deliver(resource string, data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.conns {
		if resource != "" && c.resource != "" && c.resource != resource {
			continue
		}
		h.offer(c, data)
	}
}

// offer must be called with h.mu held so that c.send cannot be closed
// concurrently.
func (h *Hub) offer(c *conn, data []byte) {
	select {
	case c.send <- data:
		h.delivered.Add(1)
	default:
		h.dropped.Add(1)
		metrics.DroppedCounter.Inc()
	}
}

func resourceOf(evt protocol.Event) string {
	if e, ok := evt.(protocol.LockStateEvent); ok {
		return e.ResourceID
	}
	return ""
}
