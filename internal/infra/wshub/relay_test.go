package wshub

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	natstest "github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/sifan077/quicklink/internal/app/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type deliverFunc func(ctx context.Context, id string, payload []byte) error

func (f deliverFunc) Deliver(ctx context.Context, id string, payload []byte) error {
	return f(ctx, id, payload)
}

func connectNATS(t *testing.T) *nats.Conn {
	t.Helper()
	opts := natstest.DefaultTestOptions
	opts.Port = -1
	srv := natstest.RunServer(&opts)
	t.Cleanup(srv.Shutdown)

	nc, err := nats.Connect(srv.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)
	return nc
}

func listen(t *testing.T, relay *NATSRelay, instanceID string, local Deliverer) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, relay.Listen(ctx, instanceID, local))
	require.NoError(t, relay.nc.Flush())
}

func TestNATSRelayForwardsToOwner(t *testing.T) {
	relay := NewNATSRelay(connectNATS(t), "dashboard.deliver", zap.NewNop())

	var mu sync.Mutex
	var delivered []string
	listen(t, relay, "i2", deliverFunc(func(_ context.Context, id string, payload []byte) error {
		switch id {
		case "i2.closed":
			return model.ErrConnectionGone
		case "i2.broken":
			return errors.New("socket write failed")
		}
		mu.Lock()
		delivered = append(delivered, id+" "+string(payload))
		mu.Unlock()
		return nil
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, relay.Forward(ctx, "i2.live", []byte(`{"shortCode":"abc1234","clicks":7}`)))
	assert.ErrorIs(t, relay.Forward(ctx, "i2.closed", []byte("{}")), model.ErrConnectionGone)

	err := relay.Forward(ctx, "i2.broken", []byte("{}"))
	assert.ErrorIs(t, err, errRelayRejected)
	assert.ErrorContains(t, err, "socket write failed")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{`i2.live {"shortCode":"abc1234","clicks":7}`}, delivered)
}

func TestNATSRelayUnansweredOwnerIsNotGone(t *testing.T) {
	relay := NewNATSRelay(connectNATS(t), "dashboard.deliver", zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := relay.Forward(ctx, "i3.abc", []byte("{}"))
	assert.ErrorIs(t, err, nats.ErrNoResponders)
	assert.NotErrorIs(t, err, model.ErrConnectionGone)

	assert.ErrorIs(t, relay.Forward(ctx, "no-owner", nil), model.ErrConnectionGone)
}

func TestNATSRelaySlowConnectionDoesNotDelayOthers(t *testing.T) {
	relay := NewNATSRelay(connectNATS(t), "dashboard.deliver", zap.NewNop())

	slowStarted := make(chan time.Duration, 1)
	listen(t, relay, "i2", deliverFunc(func(ctx context.Context, id string, _ []byte) error {
		if id != "i2.slow" {
			return nil
		}
		deadline, ok := ctx.Deadline()
		if !ok {
			slowStarted <- 0
			return errors.New("no deadline")
		}
		slowStarted <- time.Until(deadline)
		<-ctx.Done()
		return ctx.Err()
	}))

	slowDone := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
		defer cancel()
		slowDone <- relay.Forward(ctx, "i2.slow", []byte("{}"))
	}()

	select {
	case budget := <-slowStarted:
		assert.Positive(t, budget)
		assert.LessOrEqual(t, budget, 500*time.Millisecond)
	case <-time.After(2 * time.Second):
		t.Fatal("slow delivery never reached the owner")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	assert.NoError(t, relay.Forward(ctx, "i2.fast", []byte("{}")))

	select {
	case err := <-slowDone:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("slow delivery was never bounded")
	}
}

func TestRequestTimeout(t *testing.T) {
	assert.Equal(t, defaultRelayTimeout, requestTimeout(""))
	assert.Equal(t, defaultRelayTimeout, requestTimeout("-5"))
	assert.Equal(t, 750*time.Millisecond, requestTimeout("750"))
	assert.Equal(t, maxRelayTimeout, requestTimeout("3600000"))
}
