package ws

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-adlock/v1/broadcast"
	"github.com/mirkobrombin/go-adlock/v1/coordinator"
	adlockerrors "github.com/mirkobrombin/go-adlock/v1/errors"
	"github.com/mirkobrombin/go-adlock/v1/kv"
	"github.com/mirkobrombin/go-adlock/v1/protocol"
	"github.com/mirkobrombin/go-adlock/v1/replica"
)

func newServer(t *testing.T, store kv.Store) string {
	t.Helper()
	hub := broadcast.NewHub()
	srv := httptest.NewServer(NewHandler(coordinator.New(store, hub), hub))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, u string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) protocol.Event {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	evt, err := protocol.DecodeEvent(data)
	if err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return evt
}

func writeIntent(t *testing.T, conn *websocket.Conn, in protocol.Intent) {
	t.Helper()
	data, err := protocol.EncodeIntent(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHandlerSendsSessionThenSnapshot(t *testing.T) {
	u := newServer(t, kv.NewInMemory())
	conn := dial(t, u+"?session=alice&resource=car-123")

	if evt := readEvent(t, conn); evt != (protocol.SessionEvent{SessionID: "alice"}) {
		t.Fatalf("expected session event, got %+v", evt)
	}
	if evt := readEvent(t, conn); evt != protocol.Free("car-123") {
		t.Fatalf("expected free snapshot, got %+v", evt)
	}
}

func TestHandlerGeneratesSession(t *testing.T) {
	u := newServer(t, kv.NewInMemory())
	conn := dial(t, u)

	evt, ok := readEvent(t, conn).(protocol.SessionEvent)
	if !ok || evt.SessionID == "" {
		t.Fatalf("expected generated session, got %+v", evt)
	}
}

func TestHandlerRejectsInvalidIntents(t *testing.T) {
	u := newServer(t, kv.NewInMemory())
	conn := dial(t, u+"?session=alice")
	readEvent(t, conn)

	writeIntent(t, conn, protocol.Request{ResourceID: "car-123", RequesterID: "bob"})
	if evt := readEvent(t, conn); evt != (protocol.ErrorEvent{Message: protocol.MsgInvalidIntent}) {
		t.Fatalf("expected rejection of foreign requester, got %+v", evt)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"steal-lock","data":{}}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if evt := readEvent(t, conn); evt != (protocol.ErrorEvent{Message: protocol.MsgInvalidIntent}) {
		t.Fatalf("expected rejection of unknown event, got %+v", evt)
	}
}

type peer struct {
	client  *Client
	replica *replica.Replica
}

func startPeer(t *testing.T, ctx context.Context, u, session string) *peer {
	t.Helper()
	var (
		rep    *replica.Replica
		once   sync.Once
		synced = make(chan struct{})
	)
	cl := NewClient(u, "car-123", func(e protocol.Event) {
		rep.Apply(e)
		if _, ok := e.(protocol.LockStateEvent); ok {
			once.Do(func() { close(synced) })
		}
	}, WithSession(session), WithBackoff(10*time.Millisecond, 50*time.Millisecond))
	rep = replica.New("car-123", cl.Session(), cl)
	t.Cleanup(rep.Close)
	go func() { _ = cl.Run(ctx) }()
	select {
	case <-synced:
	case <-time.After(2 * time.Second):
		t.Fatal("no snapshot received")
	}
	return &peer{client: cl, replica: rep}
}

func (p *peer) phase() replica.Phase { return p.replica.State().Phase }

// TestEditingSessionOverWebsocket drives two editors and a passive observer
// through grant, denial, stacked renewal and release.
func TestEditingSessionOverWebsocket(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	u := newServer(t, kv.NewRedis(client))

	observer := dial(t, u+"?session=carol&resource=car-123")
	readEvent(t, observer)
	readEvent(t, observer)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	alice := startPeer(t, ctx, u, "alice")
	bob := startPeer(t, ctx, u, "bob")

	if err := alice.replica.Request(ctx); err != nil {
		t.Fatalf("request: %v", err)
	}
	if evt := readEvent(t, observer); evt != protocol.Locked("car-123", "alice", 10) {
		t.Fatalf("expected grant, got %+v", evt)
	}
	eventually(t, func() bool { return alice.phase() == replica.LockedBySelf && bob.phase() == replica.LockedByOther })

	if err := bob.replica.Request(ctx); !errors.Is(err, adlockerrors.ErrNotPermitted) {
		t.Fatalf("expected gated request, got %v", err)
	}
	if err := bob.client.Send(ctx, protocol.Request{ResourceID: "car-123", RequesterID: "bob"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	eventually(t, func() bool { return bob.replica.State().Notice == protocol.MsgAccessDenied })
	if n := alice.replica.State().Notice; n != "" {
		t.Fatalf("denial leaked to alice: %q", n)
	}

	mr.FastForward(3 * time.Second)
	if err := alice.replica.Renew(ctx); err != nil {
		t.Fatalf("renew: %v", err)
	}
	if evt := readEvent(t, observer); evt != protocol.Locked("car-123", "alice", 17) {
		t.Fatalf("expected stacked renewal, got %+v", evt)
	}

	if err := alice.replica.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	if evt := readEvent(t, observer); evt != protocol.Free("car-123") {
		t.Fatalf("expected free, got %+v", evt)
	}
	eventually(t, func() bool { return alice.phase() == replica.Free && bob.phase() == replica.Free })
}

func TestClientReconnectsAndResyncs(t *testing.T) {
	store := kv.NewInMemory()
	hub := broadcast.NewHub()
	h := NewHandler(coordinator.New(store, hub), hub)

	var (
		mu    sync.Mutex
		kills []context.CancelFunc
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithCancel(r.Context())
		mu.Lock()
		kills = append(kills, cancel)
		mu.Unlock()
		h.ServeHTTP(w, r.WithContext(ctx))
	}))
	defer srv.Close()
	u := "ws" + strings.TrimPrefix(srv.URL, "http")

	sessions := make(chan string, 8)
	snapshots := make(chan protocol.LockStateEvent, 8)
	cl := NewClient(u, "car-123", func(e protocol.Event) {
		switch e := e.(type) {
		case protocol.SessionEvent:
			sessions <- e.SessionID
		case protocol.LockStateEvent:
			snapshots <- e
		}
	}, WithBackoff(10*time.Millisecond, 20*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = cl.Run(ctx) }()

	first := <-sessions
	if first != cl.Session() {
		t.Fatalf("expected session %s, got %s", cl.Session(), first)
	}
	<-snapshots

	// The lock changes while the client is away.
	if _, err := store.SetIfAbsentWithExpiry(ctx, "lock:car-123", "bob", 10); err != nil {
		t.Fatalf("set: %v", err)
	}
	mu.Lock()
	kills[0]()
	mu.Unlock()

	select {
	case second := <-sessions:
		if second != first {
			t.Fatalf("session changed across reconnect: %s != %s", second, first)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("client did not reconnect")
	}
	select {
	case snap := <-snapshots:
		if !snap.Locked || snap.OwnerID != "bob" {
			t.Fatalf("expected fresh snapshot, got %+v", snap)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no snapshot after reconnect")
	}
}

func TestClientSendWhileDisconnected(t *testing.T) {
	cl := NewClient("ws://127.0.0.1:1", "car-123", func(protocol.Event) {})
	err := cl.Send(context.Background(), protocol.Request{ResourceID: "car-123", RequesterID: cl.Session()})
	if !errors.Is(err, adlockerrors.ErrConnectionClosed) {
		t.Fatalf("expected ErrConnectionClosed, got %v", err)
	}
}
