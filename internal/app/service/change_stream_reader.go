package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sifan077/quicklink/internal/app/model"
	"go.uber.org/zap"
)

const (
	changeEntryField = "entry"

	defaultReadBatch = 100
	defaultRetryWait = 2 * time.Second
)

// ChangeBatchHandler consumes one assembled change batch.
type ChangeBatchHandler interface {
	HandleChangeBatch(ctx context.Context, payload []byte) (model.Result, error)
}

// ChangeStreamConfig locates the stream and the consumer group to read with.
type ChangeStreamConfig struct {
	Stream    string
	Group     string
	Consumer  string
	BatchSize int64
	Block     time.Duration
	RetryWait time.Duration
}

// ChangeStreamReader reads link mutations from a Redis stream through a
// consumer group and hands them to the dashboard as change batches. A batch
// is acknowledged only after the handler accepted it; failed batches stay
// pending and are read again.
type ChangeStreamReader struct {
	rdb     redis.UniversalClient
	cfg     ChangeStreamConfig
	handler ChangeBatchHandler
	logger  *zap.Logger

	pending bool
}

// NewChangeStreamReader creates a reader feeding handler.
func NewChangeStreamReader(rdb redis.UniversalClient, cfg ChangeStreamConfig, handler ChangeBatchHandler, logger *zap.Logger) *ChangeStreamReader {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultReadBatch
	}
	if cfg.RetryWait <= 0 {
		cfg.RetryWait = defaultRetryWait
	}
	return &ChangeStreamReader{
		rdb:     rdb,
		cfg:     cfg,
		handler: handler,
		logger:  logger,
		pending: true,
	}
}

// EnsureGroup creates the consumer group, and the stream if needed.
func (r *ChangeStreamReader) EnsureGroup(ctx context.Context) error {
	err := r.rdb.XGroupCreateMkStream(ctx, r.cfg.Stream, r.cfg.Group, "$").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group %q on %q: %w", r.cfg.Group, r.cfg.Stream, err)
	}
	return nil
}

// Start ensures the group exists and reads in the background until ctx is
// cancelled.
func (r *ChangeStreamReader) Start(ctx context.Context) error {
	if err := r.EnsureGroup(ctx); err != nil {
		return err
	}
	go r.run(ctx)
	return nil
}

func (r *ChangeStreamReader) run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			r.logger.Info("change stream reader stopped")
			return
		}

		if _, err := r.ProcessOnce(ctx); err != nil {
			if ctx.Err() != nil {
				continue
			}
			r.logger.Error("change stream batch failed", zap.Error(err))
			select {
			case <-time.After(r.cfg.RetryWait):
			case <-ctx.Done():
			}
		}
	}
}

// ProcessOnce reads and handles at most one batch. It returns the number of
// stream messages acknowledged.
func (r *ChangeStreamReader) ProcessOnce(ctx context.Context) (int, error) {
	msgs, err := r.read(ctx)
	if err != nil {
		return 0, err
	}
	if len(msgs) == 0 {
		return 0, nil
	}

	ids := make([]string, 0, len(msgs))
	entries := make([]json.RawMessage, 0, len(msgs))
	for _, msg := range msgs {
		ids = append(ids, msg.ID)
		raw, ok := msg.Values[changeEntryField].(string)
		if !ok || !json.Valid([]byte(raw)) {
			r.logger.Warn("skipping unreadable change stream message", zap.String("id", msg.ID))
			continue
		}
		entries = append(entries, json.RawMessage(raw))
	}

	if len(entries) > 0 {
		payload, err := json.Marshal(struct {
			Records []json.RawMessage `json:"records"`
		}{Records: entries})
		if err != nil {
			return 0, fmt.Errorf("encode change batch: %w", err)
		}

		result, err := r.handler.HandleChangeBatch(ctx, payload)
		if err != nil {
			r.pending = true
			return 0, fmt.Errorf("handle change batch: %w", err)
		}
		r.logger.Debug("change batch handled",
			zap.String("result", string(result)),
			zap.Int("messages", len(msgs)),
		)
	}

	if err := r.rdb.XAck(ctx, r.cfg.Stream, r.cfg.Group, ids...).Err(); err != nil {
		r.pending = true
		return 0, fmt.Errorf("ack change messages: %w", err)
	}
	return len(ids), nil
}

// read returns this consumer's pending messages first, then new ones.
func (r *ChangeStreamReader) read(ctx context.Context) ([]redis.XMessage, error) {
	if r.pending {
		msgs, err := r.readGroup(ctx, "0", -1)
		if err != nil {
			return nil, err
		}
		if len(msgs) > 0 {
			return msgs, nil
		}
		r.pending = false
	}
	return r.readGroup(ctx, ">", r.cfg.Block)
}

func (r *ChangeStreamReader) readGroup(ctx context.Context, id string, block time.Duration) ([]redis.XMessage, error) {
	streams, err := r.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    r.cfg.Group,
		Consumer: r.cfg.Consumer,
		Streams:  []string{r.cfg.Stream, id},
		Count:    r.cfg.BatchSize,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("read change stream: %w", err)
	}

	var msgs []redis.XMessage
	for _, s := range streams {
		msgs = append(msgs, s.Messages...)
	}
	return msgs, nil
}
