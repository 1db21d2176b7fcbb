package buffer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/signalhub/internal/channelkey"
	"github.com/MarcoPoloResearchLab/signalhub/internal/scheduler"
	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

const (
	DefaultKeyPrefix        = "message_buffer:"
	DefaultBatchSize        = 50
	DefaultFlushInterval    = 5 * time.Second
	DefaultMaxRetryAttempts = 3
	DefaultRetryBaseDelay   = time.Second
	DefaultDebounceDelay    = 100 * time.Millisecond
	DefaultWriteTimeout     = 10 * time.Second
	DefaultFlushConcurrency = 4
)

var (
	// ErrInvalidMessage indicates that a message is missing its content or username.
	ErrInvalidMessage = errors.New("buffer: message content and username are required")
	// ErrEngineClosed indicates that the engine has been shut down.
	ErrEngineClosed = errors.New("buffer: engine closed")

	errMissingStore       = errors.New("buffer store is required")
	errMissingWriter      = errors.New("batch writer is required")
	errMissingDeadLetters = errors.New("dead-letter store is required")
	noOpLogger            = zap.NewNop()
)

const (
	opEngineNew    = "buffer.engine.new"
	opEnqueue      = "buffer.enqueue"
	opFlushAll     = "buffer.flush_all"
	opFlushChannel = "buffer.flush_channel"
	opStatus       = "buffer.status"
	opShutdown     = "buffer.shutdown"
)

// EngineError carries a machine-readable code of the form <operation>.<reason>.
type EngineError struct {
	code string
	err  error
}

func (e *EngineError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *EngineError) Unwrap() error {
	return e.err
}

// Code returns the error code.
func (e *EngineError) Code() string {
	return e.code
}

func newEngineError(operation, reason string, cause error) error {
	return &EngineError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// Store is the durable list store holding one queue per channel key.
type Store interface {
	PushTail(ctx context.Context, key, value string) error
	PopHead(ctx context.Context, key string) (string, bool, error)
	Length(ctx context.Context, key string) (int64, error)
	ListKeys(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

// BatchWriter persists one batch of messages belonging to a single channel.
type BatchWriter interface {
	WriteBatch(ctx context.Context, key channelkey.Key, messages []BufferedMessage) error
}

// DeadLetterStore parks batches that exhausted their retry budget.
type DeadLetterStore interface {
	Archive(ctx context.Context, batch FailedBatch) error
	Count(ctx context.Context) (int64, error)
}

// Policy holds the batching and retry parameters.
type Policy struct {
	KeyPrefix        string
	BatchSize        int
	FlushInterval    time.Duration
	MaxRetryAttempts int
	RetryBaseDelay   time.Duration
	DebounceDelay    time.Duration
	WriteTimeout     time.Duration
	FlushConcurrency int
}

// DefaultPolicy returns the production defaults.
func DefaultPolicy() Policy {
	return Policy{
		KeyPrefix:        DefaultKeyPrefix,
		BatchSize:        DefaultBatchSize,
		FlushInterval:    DefaultFlushInterval,
		MaxRetryAttempts: DefaultMaxRetryAttempts,
		RetryBaseDelay:   DefaultRetryBaseDelay,
		DebounceDelay:    DefaultDebounceDelay,
		WriteTimeout:     DefaultWriteTimeout,
		FlushConcurrency: DefaultFlushConcurrency,
	}
}

func (p Policy) normalized() Policy {
	defaults := DefaultPolicy()
	if p.KeyPrefix == "" {
		p.KeyPrefix = defaults.KeyPrefix
	}
	if p.BatchSize <= 0 {
		p.BatchSize = defaults.BatchSize
	}
	if p.FlushInterval <= 0 {
		p.FlushInterval = defaults.FlushInterval
	}
	if p.MaxRetryAttempts < 0 {
		p.MaxRetryAttempts = 0
	}
	if p.RetryBaseDelay < 0 {
		p.RetryBaseDelay = 0
	}
	if p.DebounceDelay < 0 {
		p.DebounceDelay = 0
	}
	if p.WriteTimeout <= 0 {
		p.WriteTimeout = defaults.WriteTimeout
	}
	if p.FlushConcurrency <= 0 {
		p.FlushConcurrency = defaults.FlushConcurrency
	}
	return p
}

// EngineConfig describes the engine dependencies.
type EngineConfig struct {
	Store       Store
	Writer      BatchWriter
	DeadLetters DeadLetterStore
	Policy      Policy
	Clock       clock.Clock
	IDProvider  IDProvider
	Logger      *zap.Logger
}

// Engine accumulates chat messages in the durable store and flushes them in batches.
type Engine struct {
	store       Store
	writer      BatchWriter
	deadLetters DeadLetterStore
	policy      Policy
	clock       clock.Clock
	ids         IDProvider
	logger      *zap.Logger

	processing atomic.Bool

	mu       sync.Mutex
	flushing map[string]struct{}
	debounce map[string]*clock.Timer
	periodic *scheduler.Job
	closed   bool
	inflight sync.WaitGroup

	shutdownOnce sync.Once
	shutdownErr  error
}

// NewEngine validates the configuration and constructs an Engine.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Store == nil {
		return nil, newEngineError(opEngineNew, "missing_store", errMissingStore)
	}
	if cfg.Writer == nil {
		return nil, newEngineError(opEngineNew, "missing_writer", errMissingWriter)
	}
	if cfg.DeadLetters == nil {
		return nil, newEngineError(opEngineNew, "missing_dead_letters", errMissingDeadLetters)
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	ids := cfg.IDProvider
	if ids == nil {
		ids = NewRandomIDProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Engine{
		store:       cfg.Store,
		writer:      cfg.Writer,
		deadLetters: cfg.DeadLetters,
		policy:      cfg.Policy.normalized(),
		clock:       clk,
		ids:         ids,
		logger:      logger,
		flushing:    make(map[string]struct{}),
		debounce:    make(map[string]*clock.Timer),
	}, nil
}

// Policy returns the effective policy after defaults were applied.
func (e *Engine) Policy() Policy {
	return e.policy
}

// Start begins the periodic flush. Calling Start more than once has no effect.
func (e *Engine) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || e.periodic != nil {
		return
	}
	e.periodic = scheduler.Every(e.clock, e.policy.FlushInterval, func() {
		if _, err := e.FlushAll(context.Background()); err != nil && !errors.Is(err, ErrEngineClosed) {
			e.logger.Warn("periodic flush failed", zap.Error(err))
		}
	})
	e.logger.Info("message buffer started",
		zap.Int("batch_size", e.policy.BatchSize),
		zap.Duration("flush_interval", e.policy.FlushInterval))
}

// Enqueue buffers a message for the given channel and returns its generated identifier.
// It schedules a debounced flush once the channel queue reaches the batch size and never
// waits for that flush.
func (e *Engine) Enqueue(ctx context.Context, message Message, serverID, channelID int64) (string, error) {
	if message.Content == "" || message.Username == "" {
		return "", ErrInvalidMessage
	}
	if e.isClosed() {
		return "", ErrEngineClosed
	}

	now := e.clock.Now().UTC()
	id, err := e.ids.NewMessageID(now)
	if err != nil {
		e.logError(opEnqueue, "id_generation_failed", err)
		return "", newEngineError(opEnqueue, "id_generation_failed", err)
	}

	timestamp := message.Timestamp
	if timestamp.IsZero() {
		timestamp = now
	}
	messageType := message.MessageType
	if messageType == "" {
		messageType = MessageTypeText
	}
	buffered := BufferedMessage{
		ID:          id,
		ServerID:    serverID,
		ChannelID:   channelID,
		UserID:      message.UserID,
		Username:    message.Username,
		Content:     message.Content,
		MessageType: messageType,
		Timestamp:   timestamp.UTC(),
		BufferedAt:  now,
	}
	payload, err := json.Marshal(buffered)
	if err != nil {
		e.logError(opEnqueue, "encode_failed", err, zap.String("message_id", id))
		return "", newEngineError(opEnqueue, "encode_failed", err)
	}

	bufferKey := channelkey.New(serverID, channelID).BufferKey(e.policy.KeyPrefix)
	if err := e.store.PushTail(ctx, bufferKey, string(payload)); err != nil {
		e.logError(opEnqueue, "push_failed", err, zap.String("buffer_key", bufferKey))
		return "", newEngineError(opEnqueue, "push_failed", err)
	}

	length, err := e.store.Length(ctx, bufferKey)
	if err != nil {
		// The message is buffered; the periodic flush will pick it up.
		e.logger.Warn("buffer length check failed",
			zap.String("buffer_key", bufferKey),
			zap.Error(err))
		return id, nil
	}
	if length >= int64(e.policy.BatchSize) {
		e.scheduleFlush(bufferKey)
	}
	return id, nil
}

func (e *Engine) scheduleFlush(bufferKey string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	if _, pending := e.debounce[bufferKey]; pending {
		return
	}
	e.debounce[bufferKey] = e.clock.AfterFunc(e.policy.DebounceDelay, func() {
		e.mu.Lock()
		delete(e.debounce, bufferKey)
		e.mu.Unlock()
		if _, err := e.FlushChannel(context.Background(), bufferKey); err != nil && !errors.Is(err, ErrEngineClosed) {
			e.logger.Warn("immediate flush failed", zap.String("buffer_key", bufferKey), zap.Error(err))
		}
	})
	e.logger.Debug("immediate flush scheduled", zap.String("buffer_key", bufferKey))
}

// GetBufferStatus reports buffered and dead-lettered counts without mutating anything.
func (e *Engine) GetBufferStatus(ctx context.Context) (Status, error) {
	status := Status{
		ChannelBuffers: make(map[string]int64),
		IsProcessing:   e.processing.Load(),
		BatchSize:      e.policy.BatchSize,
		FlushInterval:  e.policy.FlushInterval,
	}

	keys, err := e.store.ListKeys(ctx, e.policy.KeyPrefix)
	if err != nil {
		e.logError(opStatus, "list_keys_failed", err)
		return Status{}, newEngineError(opStatus, "list_keys_failed", err)
	}
	for _, bufferKey := range keys {
		key, err := channelkey.ParseBufferKey(e.policy.KeyPrefix, bufferKey)
		if err != nil {
			e.logger.Warn("skipping unrecognized buffer key", zap.String("buffer_key", bufferKey), zap.Error(err))
			continue
		}
		length, err := e.store.Length(ctx, bufferKey)
		if err != nil {
			e.logError(opStatus, "length_failed", err, zap.String("buffer_key", bufferKey))
			return Status{}, newEngineError(opStatus, "length_failed", err)
		}
		status.ChannelBuffers[key.String()] = length
		status.TotalBuffered += length
	}

	deadLettered, err := e.deadLetters.Count(ctx)
	if err != nil {
		e.logError(opStatus, "dead_letter_count_failed", err)
		return Status{}, newEngineError(opStatus, "dead_letter_count_failed", err)
	}
	status.TotalDeadLettered = deadLettered
	return status, nil
}

// Shutdown stops the periodic flush, cancels pending immediate flushes, waits for running
// flushes, drains one final cycle and closes the store. Subsequent calls return the first result.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.shutdownOnce.Do(func() {
		e.mu.Lock()
		e.closed = true
		periodic := e.periodic
		e.periodic = nil
		for bufferKey, timer := range e.debounce {
			timer.Stop()
			delete(e.debounce, bufferKey)
		}
		e.mu.Unlock()

		periodic.Stop()
		e.inflight.Wait()

		summary, err := e.flushAll(ctx)
		if err != nil {
			e.logError(opShutdown, "final_flush_failed", err)
		} else {
			e.logger.Info("message buffer drained",
				zap.Int("channels", summary.Channels),
				zap.Int("delivered", summary.Delivered),
				zap.Int("dead_lettered", summary.DeadLettered))
		}

		if err := e.store.Close(); err != nil {
			e.logError(opShutdown, "store_close_failed", err)
			e.shutdownErr = newEngineError(opShutdown, "store_close_failed", err)
		}
	})
	return e.shutdownErr
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// track registers an externally triggered flush so Shutdown can wait for it.
func (e *Engine) track() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	e.inflight.Add(1)
	return true
}

func (e *Engine) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	e.logger.Error("message buffer error", attrs...)
}
