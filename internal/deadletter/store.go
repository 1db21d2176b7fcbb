// Package deadletter persists batches that exhausted their retry budget and replays them on
// operator request.
package deadletter

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/signalhub/internal/buffer"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const defaultListLimit = 100

var (
	// ErrBatchNotFound indicates that no failed batch exists under the identifier.
	ErrBatchNotFound = errors.New("deadletter: batch not found")

	errMissingDatabase = errors.New("deadletter: database handle is required")
	errMissingBatchID  = errors.New("deadletter: batch id is required")
)

// StoreConfig describes the store dependencies.
type StoreConfig struct {
	Database *gorm.DB
	Logger   *zap.Logger
}

// Store keeps failed batches in the failed_batches table.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewStore constructs a Store over an already migrated database.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: cfg.Database, logger: logger}, nil
}

// Archive appends a failed batch.
func (s *Store) Archive(ctx context.Context, batch buffer.FailedBatch) error {
	if strings.TrimSpace(batch.ID) == "" {
		return errMissingBatchID
	}
	record, err := newRecord(batch)
	if err != nil {
		return fmt.Errorf("deadletter: encode batch %s: %w", batch.ID, err)
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		return fmt.Errorf("deadletter: archive batch %s: %w", batch.ID, err)
	}
	s.logger.Info("failed batch archived",
		zap.String("batch_id", batch.ID),
		zap.Int64("server_id", batch.ServerID),
		zap.Int64("channel_id", batch.ChannelID),
		zap.Int("messages", record.MessageCount))
	return nil
}

// Count returns the number of archived batches.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&Record{}).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("deadletter: count: %w", err)
	}
	return count, nil
}

// List returns up to limit batches, oldest first. Records that cannot be decoded are skipped.
func (s *Store) List(ctx context.Context, limit int) ([]buffer.FailedBatch, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	var records []Record
	if err := s.db.WithContext(ctx).
		Order("failed_at_ms ASC").
		Order("batch_id ASC").
		Limit(limit).
		Find(&records).Error; err != nil {
		return nil, fmt.Errorf("deadletter: list: %w", err)
	}
	batches := make([]buffer.FailedBatch, 0, len(records))
	for _, record := range records {
		batch, err := record.failedBatch()
		if err != nil {
			s.logger.Warn("skipping undecodable failed batch", zap.String("batch_id", record.BatchID), zap.Error(err))
			continue
		}
		batches = append(batches, batch)
	}
	return batches, nil
}

// Delete removes a batch after it was replayed.
func (s *Store) Delete(ctx context.Context, batchID string) error {
	result := s.db.WithContext(ctx).Where("batch_id = ?", batchID).Delete(&Record{})
	if result.Error != nil {
		return fmt.Errorf("deadletter: delete %s: %w", batchID, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrBatchNotFound
	}
	return nil
}

// MarkReplayFailed records an unsuccessful manual replay.
func (s *Store) MarkReplayFailed(ctx context.Context, batchID string) error {
	result := s.db.WithContext(ctx).
		Model(&Record{}).
		Where("batch_id = ?", batchID).
		Update("replay_attempts", gorm.Expr("replay_attempts + 1"))
	if result.Error != nil {
		return fmt.Errorf("deadletter: mark replay failed %s: %w", batchID, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrBatchNotFound
	}
	return nil
}

// ReplayAttempts returns how many manual replays of the batch have failed.
func (s *Store) ReplayAttempts(ctx context.Context, batchID string) (int, error) {
	var record Record
	err := s.db.WithContext(ctx).Where("batch_id = ?", batchID).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, ErrBatchNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("deadletter: load %s: %w", batchID, err)
	}
	return record.ReplayAttempts, nil
}
