// Package voice tracks in-memory voice channel membership, per-user voice flags, and the
// socket that owns each membership.
package voice

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/signalhub/internal/channelkey"
	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// DefaultIdleThreshold is the inactivity window after which Cleanup evicts a user.
const DefaultIdleThreshold = 30 * time.Minute

// ErrInvalidJoin indicates that a join request is missing its user or socket identity.
var ErrInvalidJoin = errors.New("voice: user id and socket id are required")

// EngineConfig configures the presence engine.
type EngineConfig struct {
	Clock  clock.Clock
	Logger *zap.Logger
}

// JoinRequest describes a user entering a voice channel.
type JoinRequest struct {
	UserID    string
	Username  string
	ServerID  int64
	ChannelID int64
	SocketID  string
	TrackID   string
}

// Engine owns all presence state. Every operation runs under one mutex so compound
// leave-then-join sequences are atomic.
type Engine struct {
	clock  clock.Clock
	logger *zap.Logger

	mu           sync.Mutex
	channels     map[channelkey.Key]map[string]struct{}
	states       map[string]*VoiceState
	speaking     map[string]speakingState
	socketToUser map[string]string
	userToSocket map[string]string
}

// NewEngine constructs an empty presence engine.
func NewEngine(cfg EngineConfig) *Engine {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		clock:        clk,
		logger:       logger,
		channels:     make(map[channelkey.Key]map[string]struct{}),
		states:       make(map[string]*VoiceState),
		speaking:     make(map[string]speakingState),
		socketToUser: make(map[string]string),
		userToSocket: make(map[string]string),
	}
}

// JoinChannel moves the user into the channel, leaving any previous channel first, and
// returns the destination roster.
func (e *Engine) JoinChannel(request JoinRequest) ([]RosterEntry, *Departure, error) {
	userID := strings.TrimSpace(request.UserID)
	socketID := strings.TrimSpace(request.SocketID)
	if userID == "" || socketID == "" {
		return nil, nil, ErrInvalidJoin
	}
	key := channelkey.New(request.ServerID, request.ChannelID)
	now := e.clock.Now().UTC()

	e.mu.Lock()
	defer e.mu.Unlock()

	departure := e.leaveLocked(userID)

	members, ok := e.channels[key]
	if !ok {
		members = make(map[string]struct{})
		e.channels[key] = members
	}
	members[userID] = struct{}{}
	e.states[userID] = &VoiceState{
		UserID:       userID,
		Username:     request.Username,
		ServerID:     request.ServerID,
		ChannelID:    request.ChannelID,
		ChannelKey:   key.String(),
		TrackID:      request.TrackID,
		JoinedAt:     now,
		LastActivity: now,
	}
	if previousUser, mapped := e.socketToUser[socketID]; mapped && previousUser != userID {
		delete(e.userToSocket, previousUser)
	}
	e.socketToUser[socketID] = userID
	e.userToSocket[userID] = socketID

	e.logger.Debug("voice channel joined",
		zap.String("user_id", userID),
		zap.String("channel_key", key.String()),
		zap.String("socket_id", socketID))
	return e.rosterLocked(key), departure, nil
}

// LeaveAllChannels removes the user from whatever channel they occupy. It returns nil when
// the user is not in voice.
func (e *Engine) LeaveAllChannels(userID string) *Departure {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.leaveLocked(userID)
}

// HandleSocketDisconnect resolves the socket to its user and removes that user from voice.
func (e *Engine) HandleSocketDisconnect(socketID string) *Departure {
	e.mu.Lock()
	defer e.mu.Unlock()
	userID, ok := e.socketToUser[socketID]
	if !ok {
		return nil
	}
	return e.leaveLocked(userID)
}

func (e *Engine) leaveLocked(userID string) *Departure {
	state, ok := e.states[userID]
	if !ok {
		return nil
	}
	key := state.Key()
	if members, exists := e.channels[key]; exists {
		delete(members, userID)
		if len(members) == 0 {
			delete(e.channels, key)
		}
	}
	delete(e.states, userID)
	delete(e.speaking, userID)
	if socketID, mapped := e.userToSocket[userID]; mapped {
		if e.socketToUser[socketID] == userID {
			delete(e.socketToUser, socketID)
		}
		delete(e.userToSocket, userID)
	}

	e.logger.Debug("voice channel left",
		zap.String("user_id", userID),
		zap.String("channel_key", key.String()))
	return &Departure{
		UserID:     userID,
		ServerID:   state.ServerID,
		ChannelID:  state.ChannelID,
		ChannelKey: state.ChannelKey,
	}
}

// UpdateVoiceStatus applies the present fields of update and returns a copy of the new
// state, or nil when the user is not in voice.
func (e *Engine) UpdateVoiceStatus(userID string, update StatusUpdate) *VoiceState {
	e.mu.Lock()
	defer e.mu.Unlock()
	state, ok := e.states[userID]
	if !ok {
		return nil
	}
	if update.IsMuted != nil {
		state.IsMuted = *update.IsMuted
	}
	if update.IsDeafened != nil {
		state.IsDeafened = *update.IsDeafened
	}
	if update.IsScreenSharing != nil {
		state.IsScreenSharing = *update.IsScreenSharing
	}
	state.LastActivity = e.clock.Now().UTC()
	snapshot := *state
	return &snapshot
}

// UpdateSpeakingStatus records the speaking flag, or returns nil when the user is not in voice.
func (e *Engine) UpdateSpeakingStatus(userID string, isSpeaking bool) *SpeakingUpdate {
	e.mu.Lock()
	defer e.mu.Unlock()
	state, ok := e.states[userID]
	if !ok {
		return nil
	}
	now := e.clock.Now().UTC()
	e.speaking[userID] = speakingState{isSpeaking: isSpeaking, lastUpdate: now}
	state.LastActivity = now
	return &SpeakingUpdate{
		UserID:     userID,
		Username:   state.Username,
		ServerID:   state.ServerID,
		ChannelID:  state.ChannelID,
		IsSpeaking: isSpeaking,
	}
}

// GetChannelUsers returns the channel roster ordered by join time.
func (e *Engine) GetChannelUsers(serverID, channelID int64) []RosterEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rosterLocked(channelkey.New(serverID, channelID))
}

func (e *Engine) rosterLocked(key channelkey.Key) []RosterEntry {
	members := e.channels[key]
	roster := make([]RosterEntry, 0, len(members))
	for userID := range members {
		state, ok := e.states[userID]
		if !ok {
			continue
		}
		roster = append(roster, RosterEntry{
			VoiceState: *state,
			IsSpeaking: e.speaking[userID].isSpeaking,
		})
	}
	sort.Slice(roster, func(i, j int) bool {
		if roster[i].JoinedAt.Equal(roster[j].JoinedAt) {
			return roster[i].UserID < roster[j].UserID
		}
		return roster[i].JoinedAt.Before(roster[j].JoinedAt)
	})
	return roster
}

// IsUserInChannel reports whether the user currently occupies the channel.
func (e *Engine) IsUserInChannel(userID string, serverID, channelID int64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.channels[channelkey.New(serverID, channelID)][userID]
	return ok
}

// GetUserState returns a copy of the user's state.
func (e *Engine) GetUserState(userID string) (VoiceState, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	state, ok := e.states[userID]
	if !ok {
		return VoiceState{}, false
	}
	return *state, true
}

// Sweep evicts every user idle for longer than threshold and returns their departures.
func (e *Engine) Sweep(threshold time.Duration) []Departure {
	if threshold <= 0 {
		threshold = DefaultIdleThreshold
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	cutoff := e.clock.Now().UTC().Add(-threshold)
	idle := make([]string, 0)
	for userID, state := range e.states {
		if state.LastActivity.Before(cutoff) {
			idle = append(idle, userID)
		}
	}
	sort.Strings(idle)

	departures := make([]Departure, 0, len(idle))
	for _, userID := range idle {
		if departure := e.leaveLocked(userID); departure != nil {
			departures = append(departures, *departure)
		}
	}
	if len(departures) > 0 {
		e.logger.Info("idle voice users removed",
			zap.Int("count", len(departures)),
			zap.Duration("threshold", threshold))
	}
	return departures
}

// Cleanup evicts idle users and returns how many were removed.
func (e *Engine) Cleanup(threshold time.Duration) int {
	return len(e.Sweep(threshold))
}

// GetStats returns a presence summary.
func (e *Engine) GetStats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	stats := Stats{
		TotalUsers:     len(e.states),
		ActiveChannels: len(e.channels),
		Channels:       make(map[string]int, len(e.channels)),
	}
	for key, members := range e.channels {
		stats.Channels[key.String()] = len(members)
	}
	for _, state := range e.speaking {
		if state.isSpeaking {
			stats.SpeakingUsers++
		}
	}
	return stats
}
