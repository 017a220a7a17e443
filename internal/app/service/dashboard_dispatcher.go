package service

import (
	"context"
	"fmt"

	"github.com/sifan077/quicklink/internal/app/model"
	metrics "github.com/sifan077/quicklink/internal/infra/prometheus"
	"go.uber.org/zap"
)

// DashboardDispatcher routes dashboard triggers: change batches to the
// normalizer and broadcaster, connection signals to the registry.
type DashboardDispatcher struct {
	registry    ConnectionRegistry
	normalizer  *ChangeNormalizer
	broadcaster *FanoutBroadcaster
	logger      *zap.Logger
	metrics     *metrics.Metrics
}

// DispatcherDeps groups the collaborators of a DashboardDispatcher.
type DispatcherDeps struct {
	Registry    ConnectionRegistry
	Normalizer  *ChangeNormalizer
	Broadcaster *FanoutBroadcaster
	Logger      *zap.Logger
	Metrics     *metrics.Metrics
}

// NewDashboardDispatcher wires a dispatcher from deps.
func NewDashboardDispatcher(deps DispatcherDeps) *DashboardDispatcher {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DashboardDispatcher{
		registry:    deps.Registry,
		normalizer:  deps.Normalizer,
		broadcaster: deps.Broadcaster,
		logger:      logger,
		metrics:     deps.Metrics,
	}
}

// Handle decodes raw into a trigger and dispatches it.
func (d *DashboardDispatcher) Handle(ctx context.Context, raw []byte) (model.Result, error) {
	return d.Dispatch(ctx, model.DecodeTrigger(raw))
}

// Dispatch processes one trigger. Errors are returned only when a
// downstream store is unavailable and the trigger source should retry.
func (d *DashboardDispatcher) Dispatch(ctx context.Context, trigger model.Trigger) (model.Result, error) {
	switch t := trigger.(type) {
	case model.ChangeBatch:
		return d.HandleChangeBatch(ctx, t.Payload)
	case model.ConnectionSignal:
		if err := d.HandleSignal(ctx, t); err != nil {
			return "", err
		}
		return model.ResultOK, nil
	default:
		d.metrics.ChangeBatch(string(model.ResultUnsupported))
		d.logger.Debug("unsupported dashboard trigger", zap.String("type", fmt.Sprintf("%T", trigger)))
		return model.ResultUnsupported, nil
	}
}

// HandleChangeBatch normalizes payload and broadcasts the surviving records.
// An unreadable payload completes with ResultBadBatch rather than an error,
// so the source does not redeliver it.
func (d *DashboardDispatcher) HandleChangeBatch(ctx context.Context, payload []byte) (model.Result, error) {
	records, err := d.normalizer.Normalize(payload)
	if err != nil {
		d.metrics.ChangeBatch(string(model.ResultBadBatch))
		d.logger.Error("failed to parse change batch", zap.Error(err), zap.Int("bytes", len(payload)))
		return model.ResultBadBatch, nil
	}
	if len(records) == 0 {
		d.metrics.ChangeBatch(string(model.ResultNoRecords))
		d.logger.Debug("change batch without relevant records")
		return model.ResultNoRecords, nil
	}

	report, err := d.broadcaster.Broadcast(ctx, records)
	if err != nil {
		return "", fmt.Errorf("broadcast change batch: %w", err)
	}

	d.metrics.ChangeBatch(string(model.ResultOK))
	d.logger.Debug("change batch processed",
		zap.Int("records", report.Records),
		zap.Int("delivered", report.Delivered),
		zap.Int("failed", report.Failed),
		zap.Int("abandoned", report.Abandoned),
	)
	return model.ResultOK, nil
}

// HandleSignal applies a connect or disconnect to the registry. Signals with
// any other route are ignored.
func (d *DashboardDispatcher) HandleSignal(ctx context.Context, sig model.ConnectionSignal) error {
	if sig.ConnectionID == "" {
		d.logger.Warn("connection signal without connection id", zap.String("route", string(sig.Route)))
		return nil
	}

	switch sig.Route {
	case model.RouteConnect:
		if err := d.registry.Register(ctx, sig.ConnectionID); err != nil {
			return err
		}
		d.logger.Info("dashboard connection registered", zap.String("connection_id", sig.ConnectionID))
	case model.RouteDisconnect:
		if err := d.registry.Deregister(ctx, sig.ConnectionID); err != nil {
			return err
		}
		d.logger.Info("dashboard connection deregistered", zap.String("connection_id", sig.ConnectionID))
	default:
		d.logger.Debug("ignoring connection signal", zap.String("route", string(sig.Route)))
	}
	return nil
}
