package buffer

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/signalhub/internal/channelkey"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// FlushAll flushes up to one batch from every live channel queue. A call made while another
// cycle is running returns a skipped summary immediately.
func (e *Engine) FlushAll(ctx context.Context) (FlushSummary, error) {
	if !e.track() {
		return FlushSummary{Skipped: true}, ErrEngineClosed
	}
	defer e.inflight.Done()
	return e.flushAll(ctx)
}

// FlushChannel pops up to one batch from the queue stored under bufferKey and hands it to the
// batch writer, retrying with backoff and dead-lettering the batch when retries run out.
func (e *Engine) FlushChannel(ctx context.Context, bufferKey string) (FlushResult, error) {
	if !e.track() {
		return FlushResult{BufferKey: bufferKey, Skipped: true}, ErrEngineClosed
	}
	defer e.inflight.Done()
	return e.flushChannel(ctx, bufferKey)
}

func (e *Engine) flushAll(ctx context.Context) (FlushSummary, error) {
	if !e.processing.CompareAndSwap(false, true) {
		e.logger.Debug("flush cycle already running")
		return FlushSummary{Skipped: true}, nil
	}
	defer e.processing.Store(false)

	keys, err := e.store.ListKeys(ctx, e.policy.KeyPrefix)
	if err != nil {
		e.logError(opFlushAll, "list_keys_failed", err)
		return FlushSummary{}, newEngineError(opFlushAll, "list_keys_failed", err)
	}

	var (
		summaryMu sync.Mutex
		summary   FlushSummary
		group     errgroup.Group
	)
	group.SetLimit(e.policy.FlushConcurrency)
	for _, bufferKey := range keys {
		group.Go(func() error {
			result, err := e.flushChannel(ctx, bufferKey)
			summaryMu.Lock()
			defer summaryMu.Unlock()
			summary.Channels++
			summary.Delivered += result.Delivered
			if result.DeadLettered {
				summary.DeadLettered++
			}
			if err != nil {
				summary.Failed++
			}
			return nil
		})
	}
	_ = group.Wait()
	return summary, nil
}

func (e *Engine) flushChannel(ctx context.Context, bufferKey string) (FlushResult, error) {
	result := FlushResult{BufferKey: bufferKey}
	if !e.beginChannel(bufferKey) {
		result.Skipped = true
		return result, nil
	}
	defer e.endChannel(bufferKey)

	key, err := channelkey.ParseBufferKey(e.policy.KeyPrefix, bufferKey)
	if err != nil {
		e.logError(opFlushChannel, "invalid_buffer_key", err, zap.String("buffer_key", bufferKey))
		return result, newEngineError(opFlushChannel, "invalid_buffer_key", err)
	}

	messages := make([]BufferedMessage, 0, e.policy.BatchSize)
	for result.Popped < e.policy.BatchSize {
		raw, ok, err := e.store.PopHead(ctx, bufferKey)
		if err != nil {
			e.logError(opFlushChannel, "pop_failed", err,
				zap.String("buffer_key", bufferKey),
				zap.Int("popped", result.Popped))
			if len(messages) == 0 {
				return result, newEngineError(opFlushChannel, "pop_failed", err)
			}
			break
		}
		if !ok {
			break
		}
		result.Popped++

		var message BufferedMessage
		if err := json.Unmarshal([]byte(raw), &message); err != nil {
			result.Malformed++
			e.logger.Warn("dropping malformed buffered message",
				zap.String("buffer_key", bufferKey),
				zap.Error(err))
			continue
		}
		messages = append(messages, message)
	}
	if len(messages) == 0 {
		return result, nil
	}

	attempts, writeErr := e.deliver(ctx, key, messages)
	result.Attempts = attempts
	if writeErr == nil {
		result.Delivered = len(messages)
		e.logger.Debug("batch delivered",
			zap.String("buffer_key", bufferKey),
			zap.Int("messages", len(messages)),
			zap.Int("attempts", attempts))
		return result, nil
	}

	if err := e.deadLetter(ctx, key, messages, attempts); err != nil {
		return result, err
	}
	result.DeadLettered = true
	e.logger.Warn("batch dead-lettered",
		zap.String("buffer_key", bufferKey),
		zap.Int("messages", len(messages)),
		zap.Int("attempts", attempts),
		zap.Error(writeErr))
	return result, nil
}

// deliver returns the number of attempts made and the last writer error.
func (e *Engine) deliver(ctx context.Context, key channelkey.Key, messages []BufferedMessage) (int, error) {
	totalAttempts := e.policy.MaxRetryAttempts + 1
	var lastErr error
	for attempt := 1; attempt <= totalAttempts; attempt++ {
		if attempt > 1 {
			if err := e.wait(ctx, e.retryDelay(attempt-1)); err != nil {
				return attempt - 1, lastErr
			}
		}
		attemptCtx, cancel := context.WithTimeout(ctx, e.policy.WriteTimeout)
		err := e.writer.WriteBatch(attemptCtx, key, messages)
		cancel()
		if err == nil {
			return attempt, nil
		}
		lastErr = err
		e.logger.Warn("batch write attempt failed",
			zap.String("channel_key", key.String()),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", totalAttempts),
			zap.Error(err))
	}
	return totalAttempts, lastErr
}

// retryDelay grows linearly with the retry number: 1x, 2x, 3x the base delay.
func (e *Engine) retryDelay(retry int) time.Duration {
	return e.policy.RetryBaseDelay * time.Duration(retry)
}

func (e *Engine) wait(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := e.clock.Timer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) deadLetter(ctx context.Context, key channelkey.Key, messages []BufferedMessage, attempts int) error {
	batchID, err := e.ids.NewBatchID()
	if err != nil {
		e.logError(opFlushChannel, "batch_id_failed", err, zap.String("channel_key", key.String()))
		return newEngineError(opFlushChannel, "batch_id_failed", err)
	}
	retries := attempts - 1
	if retries < 0 {
		retries = 0
	}
	batch := FailedBatch{
		ID:         batchID,
		Messages:   messages,
		ServerID:   key.ServerID,
		ChannelID:  key.ChannelID,
		FailedAt:   e.clock.Now().UTC(),
		RetryCount: retries,
	}
	// Archive must outlive a cancelled flush context or the popped batch would be lost.
	if err := e.deadLetters.Archive(context.WithoutCancel(ctx), batch); err != nil {
		messageIDs := make([]string, 0, len(messages))
		for _, message := range messages {
			messageIDs = append(messageIDs, message.ID)
		}
		e.logError(opFlushChannel, "dead_letter_failed", err,
			zap.String("channel_key", key.String()),
			zap.Strings("message_ids", messageIDs))
		return newEngineError(opFlushChannel, "dead_letter_failed", err)
	}
	return nil
}

func (e *Engine) beginChannel(bufferKey string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.flushing[bufferKey]; busy {
		return false
	}
	e.flushing[bufferKey] = struct{}{}
	return true
}

func (e *Engine) endChannel(bufferKey string) {
	e.mu.Lock()
	delete(e.flushing, bufferKey)
	e.mu.Unlock()
}
