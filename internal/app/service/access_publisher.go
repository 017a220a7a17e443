package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sifan077/quicklink/internal/app/model"
	metrics "github.com/sifan077/quicklink/internal/infra/prometheus"
	"go.uber.org/zap"
)

const accessPublishTimeout = 2 * time.Second

// JetStreamPublisher is the part of nats.JetStreamContext used to publish.
type JetStreamPublisher interface {
	Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error)
}

// AccessPublisher publishes link access events to NATS JetStream.
type AccessPublisher struct {
	js      JetStreamPublisher
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	// OnSuppressed, when set, is called with every error swallowed by
	// FireAndForget.
	OnSuppressed func(code string, err error)
}

// NewAccessPublisher creates a new access event publisher.
func NewAccessPublisher(js JetStreamPublisher, logger *zap.Logger, m *metrics.Metrics) *AccessPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AccessPublisher{js: js, logger: logger, metrics: m, now: time.Now}
}

// Publish emits one access event for code and waits for the stream ack.
func (p *AccessPublisher) Publish(ctx context.Context, code string) error {
	data, err := json.Marshal(model.AccessEvent{
		ShortCode:  code,
		OccurredAt: p.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("encode access event: %w", err)
	}

	if _, err := p.js.Publish(model.AccessStreamSubject, data, nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish access event: %w", err)
	}
	return nil
}

// FireAndForget publishes in the background so a redirect never waits on
// the relay. Failures are logged and counted, never returned.
func (p *AccessPublisher) FireAndForget(ctx context.Context, code string) {
	go func() {
		pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), accessPublishTimeout)
		defer cancel()

		if err := p.Publish(pubCtx, code); err != nil {
			p.metrics.AccessEventSuppressed()
			p.logger.Warn("access event dropped", zap.String("short_code", code), zap.Error(err))
			if p.OnSuppressed != nil {
				p.OnSuppressed(code, err)
			}
		}
	}()
}
