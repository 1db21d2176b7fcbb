package buffer

import (
	"time"

	"github.com/MarcoPoloResearchLab/signalhub/internal/channelkey"
)

// MessageTypeText is applied when the caller does not specify a message type.
const MessageTypeText = "text"

// Message is an inbound chat message as accepted from the gateway.
type Message struct {
	UserID      string
	Username    string
	Content     string
	MessageType string
	Timestamp   time.Time
}

// BufferedMessage is the record held in the durable buffer until it is written or dead-lettered.
type BufferedMessage struct {
	ID          string    `json:"id"`
	ServerID    int64     `json:"serverId"`
	ChannelID   int64     `json:"channelId"`
	UserID      string    `json:"userId"`
	Username    string    `json:"username"`
	Content     string    `json:"content"`
	MessageType string    `json:"messageType"`
	Timestamp   time.Time `json:"timestamp"`
	BufferedAt  time.Time `json:"bufferedAt"`
}

// Key returns the channel key the message belongs to.
func (m BufferedMessage) Key() channelkey.Key {
	return channelkey.New(m.ServerID, m.ChannelID)
}

// FailedBatch is a batch that exhausted its retry budget. It is never retried automatically.
type FailedBatch struct {
	ID         string
	Messages   []BufferedMessage
	ServerID   int64
	ChannelID  int64
	FailedAt   time.Time
	RetryCount int
}

// Status is a read-only snapshot of the buffer.
type Status struct {
	TotalBuffered     int64            `json:"totalBuffered"`
	TotalDeadLettered int64            `json:"totalDeadLettered"`
	ChannelBuffers    map[string]int64 `json:"channelBuffers"`
	IsProcessing      bool             `json:"isProcessing"`
	BatchSize         int              `json:"batchSize"`
	FlushInterval     time.Duration    `json:"flushInterval"`
}

// FlushResult describes one FlushChannel invocation.
type FlushResult struct {
	BufferKey    string
	Skipped      bool
	Popped       int
	Malformed    int
	Delivered    int
	Attempts     int
	DeadLettered bool
}

// FlushSummary aggregates the channel results of one FlushAll cycle.
type FlushSummary struct {
	Skipped      bool `json:"skipped"`
	Channels     int  `json:"channels"`
	Delivered    int  `json:"delivered"`
	DeadLettered int  `json:"deadLettered"`
	Failed       int  `json:"failed"`
}
