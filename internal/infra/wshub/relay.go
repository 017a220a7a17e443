package wshub

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sifan077/quicklink/internal/app/model"
	"go.uber.org/zap"
)

const (
	connectionIDHeader = "Connection-Id"
	timeoutHeader      = "Delivery-Timeout"

	defaultRelayTimeout = 2 * time.Second
	maxRelayTimeout     = 30 * time.Second

	replyDelivered = "ok"
	replyGone      = "gone"
)

var errRelayRejected = errors.New("relay rejected delivery")

// Deliverer queues a payload on a locally held connection.
type Deliverer interface {
	Deliver(ctx context.Context, connectionID string, payload []byte) error
}

// NATSRelay carries notifications between instances over core NATS
// request/reply on <subject>.<instance>.
type NATSRelay struct {
	nc      *nats.Conn
	subject string
	logger  *zap.Logger
}

// NewNATSRelay creates a relay rooted at subject.
func NewNATSRelay(nc *nats.Conn, subject string, logger *zap.Logger) *NATSRelay {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATSRelay{nc: nc, subject: subject, logger: logger}
}

// Forward asks the owning instance to deliver payload. Only the owner's
// answer that it no longer holds the connection yields
// model.ErrConnectionGone; an owner that is not listening may just be
// reconnecting, so nats.ErrNoResponders is returned wrapped.
func (r *NATSRelay) Forward(ctx context.Context, connectionID string, payload []byte) error {
	owner := OwnerOf(connectionID)
	if owner == "" {
		return model.ErrConnectionGone
	}

	msg := nats.NewMsg(r.subject + "." + owner)
	msg.Header.Set(connectionIDHeader, connectionID)
	if deadline, ok := ctx.Deadline(); ok {
		msg.Header.Set(timeoutHeader, strconv.FormatInt(time.Until(deadline).Milliseconds(), 10))
	}
	msg.Data = payload

	reply, err := r.nc.RequestMsgWithContext(ctx, msg)
	if err != nil {
		return fmt.Errorf("relay to %s: %w", owner, err)
	}
	return replyError(string(reply.Data))
}

// Listen serves deliveries addressed to instanceID until ctx is cancelled.
// Each request is served on its own goroutine within the sender's remaining
// timeout, so a connection with a full buffer only holds up its own sender.
func (r *NATSRelay) Listen(ctx context.Context, instanceID string, local Deliverer) error {
	sub, err := r.nc.Subscribe(r.subject+"."+instanceID, func(msg *nats.Msg) {
		go r.serve(ctx, msg, local)
	})
	if err != nil {
		return fmt.Errorf("relay subscribe: %w", err)
	}

	go func() {
		<-ctx.Done()
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			r.logger.Warn("failed to unsubscribe relay", zap.Error(err))
		}
	}()
	return nil
}

func (r *NATSRelay) serve(ctx context.Context, msg *nats.Msg, local Deliverer) {
	id := msg.Header.Get(connectionIDHeader)

	deliverCtx, cancel := context.WithTimeout(ctx, requestTimeout(msg.Header.Get(timeoutHeader)))
	defer cancel()

	reply := replyDelivered
	if err := local.Deliver(deliverCtx, id, msg.Data); err != nil {
		reply = deliveryReply(err)
	}
	if err := msg.Respond([]byte(reply)); err != nil {
		r.logger.Debug("failed to answer relay request", zap.String("connection_id", id), zap.Error(err))
	}
}

// requestTimeout reads the sender's remaining budget in milliseconds.
func requestTimeout(header string) time.Duration {
	ms, err := strconv.ParseInt(header, 10, 64)
	if err != nil || ms <= 0 {
		return defaultRelayTimeout
	}
	return min(time.Duration(ms)*time.Millisecond, maxRelayTimeout)
}

func deliveryReply(err error) string {
	if errors.Is(err, model.ErrConnectionGone) {
		return replyGone
	}
	return "error: " + err.Error()
}

func replyError(reply string) error {
	switch {
	case reply == replyDelivered:
		return nil
	case reply == replyGone:
		return model.ErrConnectionGone
	default:
		return fmt.Errorf("%w: %s", errRelayRejected, strings.TrimPrefix(reply, "error: "))
	}
}
