package deadletter

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/signalhub/internal/buffer"
	"github.com/MarcoPoloResearchLab/signalhub/internal/channelkey"
	"go.uber.org/zap"
)

const defaultReplayTimeout = 10 * time.Second

var errMissingReplayWriter = errors.New("deadletter: batch writer is required")

// ReplayerConfig describes the replay dependencies.
type ReplayerConfig struct {
	Store   *Store
	Writer  buffer.BatchWriter
	Timeout time.Duration
	Logger  *zap.Logger
}

// ReplayReport summarizes one replay run.
type ReplayReport struct {
	Attempted int
	Replayed  int
	Failed    int
}

// Replayer re-submits archived batches to the batch writer. Each batch gets a single attempt
// per run; successful batches are removed from the archive.
type Replayer struct {
	store   *Store
	writer  buffer.BatchWriter
	timeout time.Duration
	logger  *zap.Logger
}

// NewReplayer constructs a Replayer.
func NewReplayer(cfg ReplayerConfig) (*Replayer, error) {
	if cfg.Store == nil {
		return nil, errMissingDatabase
	}
	if cfg.Writer == nil {
		return nil, errMissingReplayWriter
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultReplayTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Replayer{store: cfg.Store, writer: cfg.Writer, timeout: timeout, logger: logger}, nil
}

// Replay processes up to limit archived batches, oldest first.
func (r *Replayer) Replay(ctx context.Context, limit int) (ReplayReport, error) {
	batches, err := r.store.List(ctx, limit)
	if err != nil {
		return ReplayReport{}, err
	}
	report := ReplayReport{}
	for _, batch := range batches {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Attempted++
		key := channelkey.New(batch.ServerID, batch.ChannelID)

		attemptCtx, cancel := context.WithTimeout(ctx, r.timeout)
		writeErr := r.writer.WriteBatch(attemptCtx, key, batch.Messages)
		cancel()
		if writeErr != nil {
			report.Failed++
			r.logger.Warn("failed batch replay failed",
				zap.String("batch_id", batch.ID),
				zap.String("channel_key", key.String()),
				zap.Error(writeErr))
			if err := r.store.MarkReplayFailed(ctx, batch.ID); err != nil {
				r.logger.Error("failed to record replay failure", zap.String("batch_id", batch.ID), zap.Error(err))
			}
			continue
		}

		if err := r.store.Delete(ctx, batch.ID); err != nil {
			// Delivered but still archived; a later replay would duplicate it downstream,
			// where message ids deduplicate.
			r.logger.Error("failed to remove replayed batch", zap.String("batch_id", batch.ID), zap.Error(err))
		}
		report.Replayed++
		r.logger.Info("failed batch replayed",
			zap.String("batch_id", batch.ID),
			zap.String("channel_key", key.String()),
			zap.Int("messages", len(batch.Messages)))
	}
	return report, nil
}
