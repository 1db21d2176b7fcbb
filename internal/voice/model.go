package voice

import (
	"time"

	"github.com/MarcoPoloResearchLab/signalhub/internal/channelkey"
)

// VoiceState is the live presence record of one user in one voice channel.
type VoiceState struct {
	UserID          string    `json:"userId"`
	Username        string    `json:"username"`
	ServerID        int64     `json:"serverId"`
	ChannelID       int64     `json:"channelId"`
	ChannelKey      string    `json:"channelKey"`
	TrackID         string    `json:"trackId,omitempty"`
	IsMuted         bool      `json:"isMuted"`
	IsDeafened      bool      `json:"isDeafened"`
	IsScreenSharing bool      `json:"isScreenSharing"`
	JoinedAt        time.Time `json:"joinedAt"`
	LastActivity    time.Time `json:"lastActivity"`
}

// Key returns the channel key of the state.
func (s VoiceState) Key() channelkey.Key {
	return channelkey.New(s.ServerID, s.ChannelID)
}

type speakingState struct {
	isSpeaking bool
	lastUpdate time.Time
}

// RosterEntry is one member of a channel roster.
type RosterEntry struct {
	VoiceState
	IsSpeaking bool `json:"isSpeaking"`
}

// StatusUpdate carries a partial voice flag update. Nil fields are left untouched.
type StatusUpdate struct {
	IsMuted         *bool `json:"isMuted,omitempty"`
	IsDeafened      *bool `json:"isDeafened,omitempty"`
	IsScreenSharing *bool `json:"isScreenSharing,omitempty"`
}

// Departure identifies the channel a user vacated.
type Departure struct {
	UserID     string `json:"userId"`
	ServerID   int64  `json:"serverId"`
	ChannelID  int64  `json:"channelId"`
	ChannelKey string `json:"channelKey"`
}

// SpeakingUpdate is returned after a speaking flag change.
type SpeakingUpdate struct {
	UserID     string `json:"userId"`
	Username   string `json:"username"`
	ServerID   int64  `json:"serverId"`
	ChannelID  int64  `json:"channelId"`
	IsSpeaking bool   `json:"isSpeaking"`
}

// Stats summarizes current presence.
type Stats struct {
	TotalUsers     int            `json:"totalUsers"`
	ActiveChannels int            `json:"activeChannels"`
	SpeakingUsers  int            `json:"speakingUsers"`
	Channels       map[string]int `json:"channels"`
}
