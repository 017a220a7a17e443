package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sifan077/quicklink/internal/app/model"
	"github.com/sifan077/quicklink/internal/app/repository"
	metrics "github.com/sifan077/quicklink/internal/infra/prometheus"
	"go.uber.org/zap"
)

const (
	counterFetchBatch = 10
	counterFetchWait  = 5 * time.Second
)

// ClickCounter applies an atomic server-side increment to a link's clicks.
type ClickCounter interface {
	IncrementClicks(ctx context.Context, code string) (int64, error)
}

// CounterUpdater applies access events to click counters.
type CounterUpdater struct {
	counter ClickCounter
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewCounterUpdater returns an updater incrementing through counter.
func NewCounterUpdater(counter ClickCounter, logger *zap.Logger, m *metrics.Metrics) *CounterUpdater {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CounterUpdater{counter: counter, logger: logger, metrics: m}
}

// Apply adds one click for event. Events without a short code and events
// for unknown links are acknowledged without effect; only store failures
// are returned so the relay redelivers.
func (u *CounterUpdater) Apply(ctx context.Context, event model.AccessEvent) error {
	if event.ShortCode == "" {
		u.metrics.ClickIncrement(metrics.OutcomeNoop)
		u.logger.Debug("access event without short code")
		return nil
	}

	clicks, err := u.counter.IncrementClicks(ctx, event.ShortCode)
	if err != nil {
		if errors.Is(err, repository.ErrLinkNotFound) {
			u.metrics.ClickIncrement(metrics.OutcomeOrphaned)
			u.logger.Warn("access event for unknown link", zap.String("short_code", event.ShortCode))
			return nil
		}
		u.metrics.ClickIncrement(metrics.OutcomeError)
		return fmt.Errorf("increment clicks for %q: %w", event.ShortCode, err)
	}

	u.metrics.ClickIncrement(metrics.OutcomeApplied)
	u.logger.Debug("click counted",
		zap.String("short_code", event.ShortCode),
		zap.Int64("clicks", clicks),
	)
	return nil
}

// CounterConsumer consumes access events from NATS JetStream.
type CounterConsumer struct {
	js      nats.JetStreamContext
	updater *CounterUpdater
	logger  *zap.Logger
}

// NewCounterConsumer creates a new access event consumer.
func NewCounterConsumer(js nats.JetStreamContext, updater *CounterUpdater, logger *zap.Logger) *CounterConsumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CounterConsumer{js: js, updater: updater, logger: logger}
}

// Start ensures the durable consumer exists and begins pulling events until
// ctx is cancelled.
func (c *CounterConsumer) Start(ctx context.Context) error {
	_, err := c.js.ConsumerInfo(model.AccessStreamName, model.AccessConsumerName)
	if err != nil {
		_, err = c.js.AddConsumer(model.AccessStreamName, &nats.ConsumerConfig{
			Durable:   model.AccessConsumerName,
			AckPolicy: nats.AckExplicitPolicy,
		})
		if err != nil {
			return fmt.Errorf("failed to create consumer: %w", err)
		}
	}

	sub, err := c.js.PullSubscribe(model.AccessStreamSubject, model.AccessConsumerName, nats.Bind(model.AccessStreamName, model.AccessConsumerName))
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	go c.consume(ctx, sub)
	return nil
}

func (c *CounterConsumer) consume(ctx context.Context, sub *nats.Subscription) {
	defer func() {
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			c.logger.Warn("failed to unsubscribe access consumer", zap.Error(err))
		}
	}()

	for {
		if ctx.Err() != nil {
			c.logger.Info("access event consumer stopped")
			return
		}

		msgs, err := sub.Fetch(counterFetchBatch, nats.MaxWait(counterFetchWait))
		if err != nil && !errors.Is(err, nats.ErrTimeout) {
			if errors.Is(err, nats.ErrConnectionClosed) || errors.Is(err, nats.ErrBadSubscription) {
				c.logger.Info("access event consumer closed", zap.Error(err))
				return
			}
			c.logger.Error("failed to fetch access events", zap.Error(err))
			continue
		}

		for _, msg := range msgs {
			c.handle(ctx, msg)
		}
	}
}

// AckMessage is the subset of *nats.Msg acknowledgement used by handle.
type AckMessage interface {
	Ack(opts ...nats.AckOpt) error
	Nak(opts ...nats.AckOpt) error
	Term(opts ...nats.AckOpt) error
}

func (c *CounterConsumer) handle(ctx context.Context, msg *nats.Msg) {
	c.process(ctx, msg.Data, msg)
}

func (c *CounterConsumer) process(ctx context.Context, data []byte, ack AckMessage) {
	var event model.AccessEvent
	if err := json.Unmarshal(data, &event); err != nil {
		c.logger.Error("failed to unmarshal access event", zap.Error(err))
		if termErr := ack.Term(); termErr != nil {
			c.logger.Warn("failed to terminate access event", zap.Error(termErr))
		}
		return
	}

	if err := c.updater.Apply(ctx, event); err != nil {
		c.logger.Error("failed to apply access event",
			zap.String("short_code", event.ShortCode),
			zap.Error(err))
		if nakErr := ack.Nak(); nakErr != nil {
			c.logger.Warn("failed to nak access event", zap.Error(nakErr))
		}
		return
	}

	if err := ack.Ack(); err != nil {
		c.logger.Warn("failed to ack access event", zap.String("short_code", event.ShortCode), zap.Error(err))
	}
}
