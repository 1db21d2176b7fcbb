package deadletter

import (
	"encoding/json"
	"time"

	"github.com/MarcoPoloResearchLab/signalhub/internal/buffer"
)

// Record is the persisted form of a failed batch.
type Record struct {
	BatchID        string `gorm:"column:batch_id;primaryKey;size:64;not null"`
	ServerID       int64  `gorm:"column:server_id;not null"`
	ChannelID      int64  `gorm:"column:channel_id;not null"`
	MessageCount   int    `gorm:"column:message_count;not null"`
	MessagesJSON   string `gorm:"column:messages_json;type:text;not null"`
	RetryCount     int    `gorm:"column:retry_count;not null"`
	ReplayAttempts int    `gorm:"column:replay_attempts;not null;default:0"`
	FailedAtMillis int64  `gorm:"column:failed_at_ms;not null;index"`
}

// TableName exposes the table backing failed batches.
func (Record) TableName() string {
	return "failed_batches"
}

func newRecord(batch buffer.FailedBatch) (Record, error) {
	messagesJSON, err := json.Marshal(batch.Messages)
	if err != nil {
		return Record{}, err
	}
	return Record{
		BatchID:        batch.ID,
		ServerID:       batch.ServerID,
		ChannelID:      batch.ChannelID,
		MessageCount:   len(batch.Messages),
		MessagesJSON:   string(messagesJSON),
		RetryCount:     batch.RetryCount,
		FailedAtMillis: batch.FailedAt.UTC().UnixMilli(),
	}, nil
}

func (r Record) failedBatch() (buffer.FailedBatch, error) {
	var messages []buffer.BufferedMessage
	if err := json.Unmarshal([]byte(r.MessagesJSON), &messages); err != nil {
		return buffer.FailedBatch{}, err
	}
	return buffer.FailedBatch{
		ID:         r.BatchID,
		Messages:   messages,
		ServerID:   r.ServerID,
		ChannelID:  r.ChannelID,
		FailedAt:   time.UnixMilli(r.FailedAtMillis).UTC(),
		RetryCount: r.RetryCount,
	}, nil
}
