// Package gateway exposes the WebSocket and HTTP surface that feeds the message buffer and
// the voice presence engine.
package gateway

import (
	"encoding/json"
	"time"

	"github.com/MarcoPoloResearchLab/signalhub/internal/channelkey"
	"github.com/MarcoPoloResearchLab/signalhub/internal/voice"
)

// Inbound event types.
const (
	EventChatSubscribe   = "chat:subscribe"
	EventChatUnsubscribe = "chat:unsubscribe"
	EventChatSend        = "chat:send"
	EventVoiceJoin       = "voice:join"
	EventVoiceLeave      = "voice:leave"
	EventVoiceState      = "voice:state"
	EventVoiceSpeaking   = "voice:speaking"
	EventPing            = "ping"
)

// Outbound event types.
const (
	EventChatMessage       = "chat:message"
	EventChatAck           = "chat:ack"
	EventVoiceRoster       = "voice:roster"
	EventVoiceUserJoined   = "voice:user-joined"
	EventVoiceUserLeft     = "voice:user-left"
	EventVoiceStateUpdated = "voice:state-updated"
	EventVoiceSpeakingOut  = "voice:speaking"
	EventPong              = "pong"
	EventError             = "error"
)

// Envelope is the wire frame in both directions.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type outboundEnvelope struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

type channelPayload struct {
	ServerID  int64 `json:"serverId"`
	ChannelID int64 `json:"channelId"`
}

func (p channelPayload) key() channelkey.Key {
	return channelkey.New(p.ServerID, p.ChannelID)
}

type chatSendPayload struct {
	ServerID        int64     `json:"serverId"`
	ChannelID       int64     `json:"channelId"`
	Content         string    `json:"content"`
	MessageType     string    `json:"messageType"`
	Timestamp       time.Time `json:"timestamp"`
	ClientMessageID string    `json:"clientMessageId,omitempty"`
}

type chatMessagePayload struct {
	ID          string    `json:"id"`
	ServerID    int64     `json:"serverId"`
	ChannelID   int64     `json:"channelId"`
	UserID      string    `json:"userId"`
	Username    string    `json:"username"`
	Content     string    `json:"content"`
	MessageType string    `json:"messageType"`
	Timestamp   time.Time `json:"timestamp"`
}

type chatAckPayload struct {
	ID              string `json:"id"`
	ClientMessageID string `json:"clientMessageId,omitempty"`
}

type voiceJoinPayload struct {
	ServerID  int64  `json:"serverId"`
	ChannelID int64  `json:"channelId"`
	TrackID   string `json:"trackId,omitempty"`
}

type voiceSpeakingPayload struct {
	IsSpeaking bool `json:"isSpeaking"`
}

type rosterPayload struct {
	ServerID  int64               `json:"serverId"`
	ChannelID int64               `json:"channelId"`
	Users     []voice.RosterEntry `json:"users"`
}

type pongPayload struct {
	Timestamp time.Time `json:"timestamp"`
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Event   string `json:"event,omitempty"`
}

func chatTopic(key channelkey.Key) string {
	return "chat:" + key.String()
}

func voiceTopic(key channelkey.Key) string {
	return "voice:" + key.String()
}
