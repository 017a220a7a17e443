package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sifan077/quicklink/internal/app/model"
	metrics "github.com/sifan077/quicklink/internal/infra/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultDeliveryTimeout = 2 * time.Second
	defaultConcurrency     = 32
)

// ConnectionLister returns a point-in-time snapshot of registered ids.
type ConnectionLister interface {
	ListAll(ctx context.Context) ([]string, error)
}

// ConnectionRegistry is the full lifecycle contract of the registry.
type ConnectionRegistry interface {
	ConnectionLister
	Register(ctx context.Context, id string) error
	Deregister(ctx context.Context, id string) error
}

// Transport delivers a payload to one connection. Implementations return
// model.ErrConnectionGone when the connection is known to be closed.
type Transport interface {
	Send(ctx context.Context, connectionID string, payload []byte) error
}

// FanoutConfig bounds a single broadcast.
type FanoutConfig struct {
	DeliveryTimeout time.Duration
	BatchDeadline   time.Duration
	Concurrency     int
	PruneGone       bool
}

// BroadcastReport summarises one Broadcast call.
type BroadcastReport struct {
	Records   int
	Attempted int
	Delivered int
	Failed    int
	Abandoned int
	Pruned    int
}

// FanoutBroadcaster pushes every change record to every registered
// connection. Delivery failures stay local to their connection.
type FanoutBroadcaster struct {
	registry  ConnectionRegistry
	transport Transport
	cfg       FanoutConfig
	logger    *zap.Logger
	metrics   *metrics.Metrics
}

// NewFanoutBroadcaster returns a broadcaster reading targets from registry.
// The per-delivery timeout is kept to at most half of the batch deadline.
func NewFanoutBroadcaster(registry ConnectionRegistry, transport Transport, cfg FanoutConfig, logger *zap.Logger, m *metrics.Metrics) *FanoutBroadcaster {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = defaultDeliveryTimeout
	}
	if cfg.BatchDeadline > 0 && cfg.DeliveryTimeout > cfg.BatchDeadline/2 {
		cfg.DeliveryTimeout = cfg.BatchDeadline / 2
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	return &FanoutBroadcaster{
		registry:  registry,
		transport: transport,
		cfg:       cfg,
		logger:    logger,
		metrics:   m,
	}
}

// Broadcast delivers records in order. Within one record deliveries run
// concurrently. Only a failure to list the registry is returned; individual
// delivery failures are logged and counted in the report.
func (b *FanoutBroadcaster) Broadcast(ctx context.Context, records []model.ChangeRecord) (BroadcastReport, error) {
	report := BroadcastReport{Records: len(records)}
	if len(records) == 0 {
		return report, nil
	}

	batchCtx := ctx
	if b.cfg.BatchDeadline > 0 {
		var cancel context.CancelFunc
		batchCtx, cancel = context.WithTimeout(ctx, b.cfg.BatchDeadline)
		defer cancel()
	}

	for i, rec := range records {
		if batchCtx.Err() != nil {
			b.logger.Warn("broadcast deadline reached, abandoning remaining records",
				zap.Int("remaining_records", len(records)-i),
				zap.Error(batchCtx.Err()),
			)
			break
		}

		outcome, err := b.broadcastOne(batchCtx, rec)
		report.Attempted += outcome.attempted
		report.Delivered += outcome.delivered
		report.Failed += outcome.failed
		report.Abandoned += outcome.abandoned
		report.Pruned += outcome.pruned
		if err != nil {
			if batchCtx.Err() != nil && ctx.Err() == nil {
				b.logger.Warn("broadcast deadline reached while listing connections",
					zap.Int("remaining_records", len(records)-i),
					zap.Error(err),
				)
				break
			}
			return report, err
		}
	}

	if report.Abandoned > 0 {
		b.logger.Warn("broadcast abandoned deliveries",
			zap.Int("abandoned", report.Abandoned),
			zap.Int("delivered", report.Delivered),
		)
	}
	return report, nil
}

type recordOutcome struct {
	attempted int
	delivered int
	failed    int
	abandoned int
	pruned    int
}

func (b *FanoutBroadcaster) broadcastOne(ctx context.Context, rec model.ChangeRecord) (recordOutcome, error) {
	var out recordOutcome

	payload, err := json.Marshal(model.NotificationFor(rec))
	if err != nil {
		b.logger.Error("failed to encode notification", zap.String("short_code", rec.ShortCode), zap.Error(err))
		return out, nil
	}

	ids, err := b.registry.ListAll(ctx)
	if err != nil {
		return out, fmt.Errorf("list connections: %w", err)
	}

	var delivered, failed, abandoned, pruned atomic.Int64
	var g errgroup.Group
	g.SetLimit(b.cfg.Concurrency)

	for _, id := range ids {
		id := id
		g.Go(func() error {
			if ctx.Err() != nil {
				abandoned.Add(1)
				return nil
			}
			switch err := b.deliver(ctx, id, payload); {
			case err == nil:
				delivered.Add(1)
			case errors.Is(err, model.ErrConnectionGone):
				failed.Add(1)
				if b.prune(ctx, id) {
					pruned.Add(1)
				}
			default:
				failed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	out.attempted = len(ids) - int(abandoned.Load())
	out.delivered = int(delivered.Load())
	out.failed = int(failed.Load())
	out.abandoned = int(abandoned.Load())
	out.pruned = int(pruned.Load())

	b.metrics.NotificationN(metrics.OutcomeDelivered, out.delivered)
	b.metrics.NotificationN(metrics.OutcomeFailed, out.failed)
	b.metrics.NotificationN(metrics.OutcomeAbandoned, out.abandoned)
	b.metrics.ConnectionsPruned(out.pruned)

	b.logger.Debug("change broadcast",
		zap.String("short_code", rec.ShortCode),
		zap.Int64("clicks", rec.Clicks),
		zap.Int("targets", len(ids)),
		zap.Int("delivered", out.delivered),
		zap.Int("failed", out.failed),
	)
	return out, nil
}

func (b *FanoutBroadcaster) deliver(ctx context.Context, id string, payload []byte) error {
	deliveryCtx, cancel := context.WithTimeout(ctx, b.cfg.DeliveryTimeout)
	defer cancel()

	if err := b.transport.Send(deliveryCtx, id, payload); err != nil {
		b.logger.Warn("notification delivery failed",
			zap.String("connection_id", id),
			zap.Error(err),
		)
		return err
	}
	return nil
}

func (b *FanoutBroadcaster) prune(ctx context.Context, id string) bool {
	if !b.cfg.PruneGone {
		return false
	}
	// The batch deadline must not keep a gone connection registered.
	pruneCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.cfg.DeliveryTimeout)
	defer cancel()

	if err := b.registry.Deregister(pruneCtx, id); err != nil {
		b.logger.Warn("failed to prune gone connection", zap.String("connection_id", id), zap.Error(err))
		return false
	}
	b.logger.Info("pruned gone connection", zap.String("connection_id", id))
	return true
}
