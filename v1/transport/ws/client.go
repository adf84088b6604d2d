package ws

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	adlockerrors "github.com/mirkobrombin/go-adlock/v1/errors"
	"github.com/mirkobrombin/go-adlock/v1/protocol"
)

const (
	defaultMinBackoff = 100 * time.Millisecond
	defaultMaxBackoff = 5 * time.Second
)

// Client keeps a lock protocol session open against a Handler, re-dialing
// with jittered exponential backoff. The session id is kept across
// reconnects, and every reconnect yields a fresh snapshot from the server.
type Client struct {
	endpoint string
	session  string
	resource string
	handle   func(protocol.Event)
	onStatus func(bool)
	dialer   *websocket.Dialer
	logger   *slog.Logger

	minBackoff time.Duration
	maxBackoff time.Duration

	mu   sync.Mutex
	conn *websocket.Conn
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithSession fixes the session id instead of generating one.
func WithSession(id string) ClientOption {
	return func(c *Client) {
		if id != "" {
			c.session = id
		}
	}
}

// WithBackoff sets the re-dial backoff bounds.
func WithBackoff(minDelay, maxDelay time.Duration) ClientOption {
	return func(c *Client) {
		if minDelay > 0 {
			c.minBackoff = minDelay
		}
		if maxDelay >= c.minBackoff {
			c.maxBackoff = maxDelay
		}
	}
}

// WithStatusFunc registers fn to be told about connection changes.
func WithStatusFunc(fn func(connected bool)) ClientOption {
	return func(c *Client) { c.onStatus = fn }
}

// WithClientLogger sets the client logger.
func WithClientLogger(l *slog.Logger) ClientOption {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewClient returns a client for the handler at endpoint, a ws:// or wss://
// URL. Events received for resource are passed to handle.
func NewClient(endpoint, resource string, handle func(protocol.Event), opts ...ClientOption) *Client {
	c := &Client{
		endpoint:   endpoint,
		session:    uuid.NewString(),
		resource:   resource,
		handle:     handle,
		onStatus:   func(bool) {},
		dialer:     websocket.DefaultDialer,
		logger:     slog.Default(),
		minBackoff: defaultMinBackoff,
		maxBackoff: defaultMaxBackoff,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Session returns the session id this client identifies as.
func (c *Client) Session() string { return c.session }

// Connected reports whether a connection is currently open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Send implements replica.IntentSink. Intents are never queued across
// reconnects; while disconnected Send fails with ErrConnectionClosed.
func (c *Client) Send(ctx context.Context, in protocol.Intent) error {
	data, err := protocol.EncodeIntent(in)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return adlockerrors.ErrConnectionClosed
	}
	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("%w: %v", adlockerrors.ErrConnectionClosed, err)
	}
	return nil
}

// Run dials and serves connections until ctx is done.
func (c *Client) Run(ctx context.Context) error {
	u, err := c.dialURL()
	if err != nil {
		return err
	}
	backoff := c.minBackoff
	for {
		conn, _, err := c.dialer.DialContext(ctx, u, nil)
		if err == nil {
			backoff = c.minBackoff
			c.serve(ctx, conn)
		} else {
			c.logger.Debug("adlock: dial failed", "url", u, "error", err)
		}
		if ctx.Err() != nil {
			return nil
		}

		jitter := time.Duration(rand.Int63n(int64(backoff)))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff + jitter):
		}
		if backoff < c.maxBackoff {
			backoff *= 2
			if backoff > c.maxBackoff {
				backoff = c.maxBackoff
			}
		}
	}
}

func (c *Client) serve(ctx context.Context, conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.onStatus(true)

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			c.mu.Lock()
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			c.mu.Unlock()
			_ = conn.Close()
		case <-done:
		}
	}()

	defer func() {
		close(done)
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		_ = conn.Close()
		c.onStatus(false)
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Info("adlock: connection lost", "error", err)
			}
			return
		}
		evt, err := protocol.DecodeEvent(data)
		if err != nil {
			c.logger.Warn("adlock: dropping malformed event", "error", err)
			continue
		}
		c.handle(evt)
	}
}

func (c *Client) dialURL() (string, error) {
	u, err := url.Parse(c.endpoint)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("session", c.session)
	if c.resource != "" {
		q.Set("resource", c.resource)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
