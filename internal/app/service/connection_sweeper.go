package service

import (
	"context"
	"time"

	metrics "github.com/sifan077/quicklink/internal/infra/prometheus"
	"go.uber.org/zap"
)

const defaultSweepInterval = time.Minute

// StaleSweeper removes registry entries not refreshed since a cutoff.
type StaleSweeper interface {
	SweepStale(ctx context.Context, before time.Time) (int64, error)
}

// ConnectionSweeper periodically drops connections that stopped
// heartbeating without a disconnect signal.
type ConnectionSweeper struct {
	logger     *zap.Logger
	registry   StaleSweeper
	metrics    *metrics.Metrics
	staleAfter time.Duration
	interval   time.Duration
	now        func() time.Time
	stopChan   chan struct{}
}

// NewConnectionSweeper creates a sweeper removing entries older than staleAfter.
func NewConnectionSweeper(logger *zap.Logger, registry StaleSweeper, staleAfter, interval time.Duration, m *metrics.Metrics) *ConnectionSweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	return &ConnectionSweeper{
		logger:     logger,
		registry:   registry,
		metrics:    m,
		staleAfter: staleAfter,
		interval:   interval,
		now:        time.Now,
		stopChan:   make(chan struct{}),
	}
}

// Start begins sweeping in the background.
func (s *ConnectionSweeper) Start() {
	go s.run()
}

// Stop stops the sweeper.
func (s *ConnectionSweeper) Stop() {
	close(s.stopChan)
}

func (s *ConnectionSweeper) run() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Sweep(context.Background())
		case <-s.stopChan:
			s.logger.Info("connection sweeper stopped")
			return
		}
	}
}

// Sweep runs one pass and returns the number of removed connections.
func (s *ConnectionSweeper) Sweep(ctx context.Context) int64 {
	before := s.now().Add(-s.staleAfter)

	removed, err := s.registry.SweepStale(ctx, before)
	if err != nil {
		s.logger.Error("failed to sweep stale connections", zap.Error(err))
		return 0
	}

	if removed > 0 {
		s.metrics.ConnectionsPruned(int(removed))
		s.logger.Info("removed stale dashboard connections",
			zap.Int64("count", removed),
			zap.Time("stale_before", before),
		)
	}
	return removed
}
