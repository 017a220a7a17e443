package wshub

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/sifan077/quicklink/internal/app/model"
	"github.com/sifan077/quicklink/internal/app/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type signalLog struct {
	mu      sync.Mutex
	signals []model.ConnectionSignal
	changed chan struct{}
}

func newSignalLog() *signalLog {
	return &signalLog{changed: make(chan struct{}, 16)}
}

func (l *signalLog) HandleSignal(_ context.Context, sig model.ConnectionSignal) error {
	l.mu.Lock()
	l.signals = append(l.signals, sig)
	l.mu.Unlock()
	l.changed <- struct{}{}
	return nil
}

func (l *signalLog) wait(t *testing.T) model.ConnectionSignal {
	t.Helper()
	select {
	case <-l.changed:
	case <-time.After(2 * time.Second):
		t.Fatal("no connection signal")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.signals[len(l.signals)-1]
}

type forwardFunc func(ctx context.Context, id string, payload []byte) error

func (f forwardFunc) Forward(ctx context.Context, id string, payload []byte) error {
	return f(ctx, id, payload)
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func newTestHub(t *testing.T, signals SignalHandler) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub(Config{InstanceID: "i1"}, signals, nil, zap.NewNop(), nil)
	srv := httptest.NewServer(NewServer("", "/ws", hub).Handler)
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return hub, srv
}

func TestHubDeliversInOrder(t *testing.T) {
	signals := newSignalLog()
	hub, srv := newTestHub(t, signals)
	conn := dial(t, srv)

	sig := signals.wait(t)
	require.Equal(t, model.RouteConnect, sig.Route)
	assert.Equal(t, "i1", OwnerOf(sig.ConnectionID))
	assert.Equal(t, 1, hub.Len())

	ctx := context.Background()
	for _, p := range []string{`{"shortCode":"a","clicks":1}`, `{"shortCode":"a","clicks":2}`} {
		require.NoError(t, hub.Send(ctx, sig.ConnectionID, []byte(p)))
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, first, err := conn.ReadMessage()
	require.NoError(t, err)
	_, second, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, `{"shortCode":"a","clicks":1}`, string(first))
	assert.Equal(t, `{"shortCode":"a","clicks":2}`, string(second))
}

func TestHubSignalsDisconnect(t *testing.T) {
	signals := newSignalLog()
	hub, srv := newTestHub(t, signals)
	conn := dial(t, srv)
	connected := signals.wait(t)

	require.NoError(t, conn.Close())

	sig := signals.wait(t)
	assert.Equal(t, model.ConnectionSignal{Route: model.RouteDisconnect, ConnectionID: connected.ConnectionID}, sig)
	assert.ErrorIs(t, hub.Send(context.Background(), connected.ConnectionID, []byte("{}")), model.ErrConnectionGone)
}

func TestHubSendRoutesByOwner(t *testing.T) {
	hub := NewHub(Config{InstanceID: "i1"}, newSignalLog(), nil, zap.NewNop(), nil)
	ctx := context.Background()

	assert.ErrorIs(t, hub.Send(ctx, "i1.unknown", nil), model.ErrConnectionGone)
	assert.ErrorIs(t, hub.Send(ctx, "i2.remote", nil), model.ErrConnectionGone)

	var forwarded []string
	hub.SetForwarder(forwardFunc(func(_ context.Context, id string, _ []byte) error {
		forwarded = append(forwarded, id)
		return nil
	}))
	assert.NoError(t, hub.Send(ctx, "i2.remote", nil))
	assert.ErrorIs(t, hub.Send(ctx, "i1.unknown", nil), model.ErrConnectionGone)
	assert.Equal(t, []string{"i2.remote"}, forwarded)

	assert.ErrorIs(t, hub.Deliver(ctx, "i2.remote", nil), model.ErrConnectionGone)
}

func TestHubRejectsConnectionWhenRegistrationFails(t *testing.T) {
	failing := SignalFunc(func(context.Context, model.ConnectionSignal) error {
		return errors.New("registry down")
	})
	hub, srv := newTestHub(t, failing)
	conn := dial(t, srv)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
	assert.Zero(t, hub.Len())
}

func TestClientEnqueueTimesOutWhenBufferFull(t *testing.T) {
	c := &client{id: "i1.x", send: make(chan []byte, 1), done: make(chan struct{})}
	require.NoError(t, c.enqueue(context.Background(), []byte("1")))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.enqueue(ctx, []byte("2")), context.DeadlineExceeded)

	close(c.done)
	assert.ErrorIs(t, c.enqueue(context.Background(), []byte("3")), model.ErrConnectionGone)
}

func TestOwnerOf(t *testing.T) {
	assert.Equal(t, "i1", OwnerOf("i1.abc"))
	assert.Equal(t, "", OwnerOf("abc"))
}

func TestHubHeartbeatRestoresPrunedRegistration(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	registry := repository.NewConnectionRegistry(rdb, "dashboard:connections", 0)

	connected := make(chan string, 1)
	signals := SignalFunc(func(ctx context.Context, sig model.ConnectionSignal) error {
		if sig.Route != model.RouteConnect {
			return registry.Deregister(ctx, sig.ConnectionID)
		}
		if err := registry.Register(ctx, sig.ConnectionID); err != nil {
			return err
		}
		connected <- sig.ConnectionID
		return nil
	})
	hub := NewHub(Config{InstanceID: "i1"}, signals, registry, zap.NewNop(), nil)
	srv := httptest.NewServer(NewServer("", "/ws", hub).Handler)
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	conn := dial(t, srv)

	var id string
	select {
	case id = <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("connection never registered")
	}

	ctx := context.Background()
	require.NoError(t, registry.Deregister(ctx, id))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("hello")))

	assert.Eventually(t, func() bool {
		ids, err := registry.ListAll(ctx)
		return err == nil && len(ids) == 1 && ids[0] == id
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, hub.Len())
}

func TestRelayReplies(t *testing.T) {
	assert.Equal(t, replyGone, deliveryReply(model.ErrConnectionGone))
	assert.Equal(t, "error: boom", deliveryReply(errors.New("boom")))

	assert.NoError(t, replyError(replyDelivered))
	assert.ErrorIs(t, replyError(replyGone), model.ErrConnectionGone)
	err := replyError("error: boom")
	assert.ErrorIs(t, err, errRelayRejected)
	assert.ErrorContains(t, err, "boom")
}
