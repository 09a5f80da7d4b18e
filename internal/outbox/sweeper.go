package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/bizmatters/collab/event-relay/internal/logging"
	"github.com/bizmatters/collab/event-relay/internal/metrics"
)

// Purger deletes published rows older than a cutoff
type Purger interface {
	DeleteOldPublished(ctx context.Context, olderThan time.Time) (int64, error)
}

// ErrInvalidSweep is returned when the retention window or sweep interval is not positive
var ErrInvalidSweep = errors.New("invalid outbox sweep settings")

// Sweeper periodically removes published rows past the retention window
type Sweeper struct {
	purger    Purger
	retention time.Duration
	interval  time.Duration
	logger    *zap.Logger
	metrics   *metrics.PipelineMetrics
	now       func() time.Time
}

func NewSweeper(purger Purger, retention, interval time.Duration, logger *zap.Logger, m *metrics.PipelineMetrics) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{
		purger:    purger,
		retention: retention,
		interval:  interval,
		logger:    logger,
		metrics:   m,
		now:       time.Now,
	}
}

// SweepOnce deletes published rows older than now minus the retention window
func (s *Sweeper) SweepOnce(ctx context.Context) (int64, error) {
	if s.retention <= 0 {
		return 0, fmt.Errorf("%w: retention %s", ErrInvalidSweep, s.retention)
	}
	cutoff := s.now().Add(-s.retention)

	deleted, err := s.purger.DeleteOldPublished(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	s.metrics.RecordOutboxSwept(ctx, deleted)
	if deleted > 0 {
		logging.Info(ctx, s.logger, "swept published outbox events",
			zap.Int64("deleted", deleted),
			zap.Time("cutoff", cutoff),
		)
	}
	return deleted, nil
}

// Run sweeps every interval until ctx is done
func (s *Sweeper) Run(ctx context.Context) error {
	if s.interval <= 0 {
		return fmt.Errorf("%w: interval %s", ErrInvalidSweep, s.interval)
	}
	if s.retention <= 0 {
		return fmt.Errorf("%w: retention %s", ErrInvalidSweep, s.retention)
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil {
				logging.Error(ctx, s.logger, "outbox sweep failed", zap.Error(err))
			}
		}
	}
}
