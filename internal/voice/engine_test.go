package voice

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func newTestEngine(t *testing.T) (*Engine, *clock.Mock) {
	t.Helper()
	mockClock := clock.NewMock()
	mockClock.Set(time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC))
	return NewEngine(EngineConfig{Clock: mockClock}), mockClock
}

func join(t *testing.T, engine *Engine, userID string, serverID, channelID int64, socketID string) []RosterEntry {
	t.Helper()
	roster, _, err := engine.JoinChannel(JoinRequest{
		UserID:    userID,
		Username:  "name-" + userID,
		ServerID:  serverID,
		ChannelID: channelID,
		SocketID:  socketID,
	})
	if err != nil {
		t.Fatalf("join failed: %v", err)
	}
	return roster
}

func boolPtr(value bool) *bool {
	return &value
}

func TestJoinChannelMovesUserBetweenChannels(t *testing.T) {
	engine, _ := newTestEngine(t)

	join(t, engine, "u1", 1, 2, "sockA")
	roster, departure, err := engine.JoinChannel(JoinRequest{UserID: "u1", Username: "Alice", ServerID: 1, ChannelID: 3, SocketID: "sockA"})
	if err != nil {
		t.Fatalf("join failed: %v", err)
	}

	if engine.IsUserInChannel("u1", 1, 2) {
		t.Fatalf("expected user to have left channel 2")
	}
	if !engine.IsUserInChannel("u1", 1, 3) {
		t.Fatalf("expected user to be in channel 3")
	}
	if departure == nil || departure.ChannelKey != "1:2" {
		t.Fatalf("expected departure from 1:2, got %+v", departure)
	}
	if len(roster) != 1 || roster[0].UserID != "u1" || roster[0].Username != "Alice" {
		t.Fatalf("unexpected roster: %+v", roster)
	}
	if users := engine.GetChannelUsers(1, 2); len(users) != 0 {
		t.Fatalf("expected empty roster for vacated channel, got %+v", users)
	}
	if stats := engine.GetStats(); stats.ActiveChannels != 1 || stats.TotalUsers != 1 {
		t.Fatalf("expected vacated channel set to be removed, got %+v", stats)
	}
}

func TestJoinChannelCreatesFreshState(t *testing.T) {
	engine, mockClock := newTestEngine(t)

	join(t, engine, "u1", 1, 2, "sockA")
	engine.UpdateVoiceStatus("u1", StatusUpdate{IsMuted: boolPtr(true)})
	engine.UpdateSpeakingStatus("u1", true)
	mockClock.Add(time.Minute)
	join(t, engine, "u1", 1, 2, "sockA")

	state, ok := engine.GetUserState("u1")
	if !ok {
		t.Fatalf("expected state after rejoin")
	}
	if state.IsMuted || state.IsDeafened || state.IsScreenSharing {
		t.Fatalf("expected flags to reset on join, got %+v", state)
	}
	if !state.JoinedAt.Equal(mockClock.Now()) || !state.LastActivity.Equal(state.JoinedAt) {
		t.Fatalf("expected joinedAt and lastActivity at join time, got %+v", state)
	}
	if roster := engine.GetChannelUsers(1, 2); len(roster) != 1 || roster[0].IsSpeaking {
		t.Fatalf("expected speaking flag to reset on join, got %+v", roster)
	}
}

func TestJoinChannelRejectsMissingIdentity(t *testing.T) {
	engine, _ := newTestEngine(t)
	if _, _, err := engine.JoinChannel(JoinRequest{UserID: "u1"}); !errors.Is(err, ErrInvalidJoin) {
		t.Fatalf("expected invalid join error, got %v", err)
	}
	if _, _, err := engine.JoinChannel(JoinRequest{SocketID: "sockA"}); !errors.Is(err, ErrInvalidJoin) {
		t.Fatalf("expected invalid join error, got %v", err)
	}
}

func TestSingleChannelInvariantUnderConcurrentJoins(t *testing.T) {
	engine, _ := newTestEngine(t)

	var wg sync.WaitGroup
	for index := 0; index < 64; index++ {
		wg.Add(1)
		go func(channelID int64) {
			defer wg.Done()
			_, _, _ = engine.JoinChannel(JoinRequest{UserID: "u1", Username: "Alice", ServerID: 1, ChannelID: channelID, SocketID: "sockA"})
		}(int64(index % 8))
	}
	wg.Wait()

	occupied := 0
	for channelID := int64(0); channelID < 8; channelID++ {
		if engine.IsUserInChannel("u1", 1, channelID) {
			occupied++
		}
	}
	if occupied != 1 {
		t.Fatalf("expected user in exactly one channel, got %d", occupied)
	}
	if stats := engine.GetStats(); stats.ActiveChannels != 1 || stats.TotalUsers != 1 {
		t.Fatalf("unexpected stats after concurrent joins: %+v", stats)
	}
}

func TestLeaveAllChannelsIsIdempotent(t *testing.T) {
	engine, _ := newTestEngine(t)
	join(t, engine, "u1", 1, 2, "sockA")

	first := engine.LeaveAllChannels("u1")
	if first == nil || first.UserID != "u1" || first.ServerID != 1 || first.ChannelID != 2 || first.ChannelKey != "1:2" {
		t.Fatalf("unexpected departure: %+v", first)
	}
	if second := engine.LeaveAllChannels("u1"); second != nil {
		t.Fatalf("expected nil on second leave, got %+v", second)
	}
	if departure := engine.HandleSocketDisconnect("sockA"); departure != nil {
		t.Fatalf("expected socket mapping to be cleared on leave, got %+v", departure)
	}
}

func TestHandleSocketDisconnectRemovesUser(t *testing.T) {
	engine, _ := newTestEngine(t)
	join(t, engine, "u1", 1, 2, "sockA")
	join(t, engine, "u2", 1, 2, "sockB")

	departure := engine.HandleSocketDisconnect("sockA")
	if departure == nil || departure.UserID != "u1" {
		t.Fatalf("expected u1 departure, got %+v", departure)
	}
	roster := engine.GetChannelUsers(1, 2)
	if len(roster) != 1 || roster[0].UserID != "u2" {
		t.Fatalf("expected only u2 to remain, got %+v", roster)
	}
	for channelID := int64(0); channelID < 4; channelID++ {
		if engine.IsUserInChannel("u1", 1, channelID) {
			t.Fatalf("expected u1 to be in no channel")
		}
	}
	if engine.HandleSocketDisconnect("unknown") != nil {
		t.Fatalf("expected unmapped socket to be a no-op")
	}
}

func TestRejoinOnNewSocketReplacesStaleMapping(t *testing.T) {
	engine, _ := newTestEngine(t)
	join(t, engine, "u1", 1, 2, "sockA")
	join(t, engine, "u1", 1, 3, "sockB")

	if departure := engine.HandleSocketDisconnect("sockA"); departure != nil {
		t.Fatalf("expected stale socket disconnect to be ignored, got %+v", departure)
	}
	if !engine.IsUserInChannel("u1", 1, 3) {
		t.Fatalf("expected user to remain in channel 3")
	}
	if departure := engine.HandleSocketDisconnect("sockB"); departure == nil || departure.ChannelKey != "1:3" {
		t.Fatalf("expected current socket disconnect to remove user, got %+v", departure)
	}
}

func TestUpdateVoiceStatusAppliesPartialUpdate(t *testing.T) {
	engine, mockClock := newTestEngine(t)
	join(t, engine, "u1", 1, 2, "sockA")

	engine.UpdateVoiceStatus("u1", StatusUpdate{IsMuted: boolPtr(true), IsScreenSharing: boolPtr(true)})
	mockClock.Add(time.Second)
	updated := engine.UpdateVoiceStatus("u1", StatusUpdate{IsDeafened: boolPtr(true)})
	if updated == nil {
		t.Fatalf("expected updated state")
	}
	if !updated.IsMuted || !updated.IsDeafened || !updated.IsScreenSharing {
		t.Fatalf("expected absent fields to be untouched, got %+v", updated)
	}
	if !updated.LastActivity.Equal(mockClock.Now()) {
		t.Fatalf("expected lastActivity refresh, got %v", updated.LastActivity)
	}

	updated.IsMuted = false
	if state, _ := engine.GetUserState("u1"); !state.IsMuted {
		t.Fatalf("expected returned state to be a copy")
	}
}

func TestUpdateVoiceStatusForUnknownUserReturnsNil(t *testing.T) {
	engine, _ := newTestEngine(t)
	join(t, engine, "u1", 1, 2, "sockA")
	before := engine.GetStats()

	if state := engine.UpdateVoiceStatus("ghost", StatusUpdate{IsMuted: boolPtr(true)}); state != nil {
		t.Fatalf("expected nil for ghost user, got %+v", state)
	}
	if _, ok := engine.GetUserState("ghost"); ok {
		t.Fatalf("expected no state created for ghost user")
	}
	after := engine.GetStats()
	if after.TotalUsers != before.TotalUsers || after.ActiveChannels != before.ActiveChannels {
		t.Fatalf("expected no mutation, before=%+v after=%+v", before, after)
	}
	if update := engine.UpdateSpeakingStatus("ghost", true); update != nil {
		t.Fatalf("expected nil speaking update for ghost user, got %+v", update)
	}
}

func TestUpdateSpeakingStatusMergesIntoRoster(t *testing.T) {
	engine, mockClock := newTestEngine(t)
	join(t, engine, "u1", 1, 2, "sockA")
	mockClock.Add(time.Second)
	join(t, engine, "u2", 1, 2, "sockB")

	mockClock.Add(time.Second)
	update := engine.UpdateSpeakingStatus("u2", true)
	if update == nil || update.UserID != "u2" || update.Username != "name-u2" || update.ServerID != 1 || update.ChannelID != 2 || !update.IsSpeaking {
		t.Fatalf("unexpected speaking update: %+v", update)
	}
	if state, _ := engine.GetUserState("u2"); !state.LastActivity.Equal(mockClock.Now()) {
		t.Fatalf("expected speaking update to refresh lastActivity")
	}

	roster := engine.GetChannelUsers(1, 2)
	if len(roster) != 2 || roster[0].UserID != "u1" || roster[1].UserID != "u2" {
		t.Fatalf("expected roster ordered by join time, got %+v", roster)
	}
	if roster[0].IsSpeaking || !roster[1].IsSpeaking {
		t.Fatalf("expected speaking flags to merge, got %+v", roster)
	}
	if stats := engine.GetStats(); stats.SpeakingUsers != 1 || stats.Channels["1:2"] != 2 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	engine.LeaveAllChannels("u2")
	if stats := engine.GetStats(); stats.SpeakingUsers != 0 {
		t.Fatalf("expected speaking state cleared on leave, got %+v", stats)
	}
}

func TestGetChannelUsersForEmptyChannel(t *testing.T) {
	engine, _ := newTestEngine(t)
	roster := engine.GetChannelUsers(9, 9)
	if roster == nil || len(roster) != 0 {
		t.Fatalf("expected empty non-nil roster, got %#v", roster)
	}
}

func TestCleanupEvictsIdleUsers(t *testing.T) {
	core, recorded := observer.New(zapcore.InfoLevel)
	mockClock := clock.NewMock()
	mockClock.Set(time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC))
	engine := NewEngine(EngineConfig{Clock: mockClock, Logger: zap.New(core)})

	join(t, engine, "idle", 1, 2, "sockA")
	join(t, engine, "active", 1, 2, "sockB")
	mockClock.Add(20 * time.Minute)
	engine.UpdateVoiceStatus("active", StatusUpdate{})
	mockClock.Add(15 * time.Minute)

	departures := engine.Sweep(30 * time.Minute)
	if len(departures) != 1 || departures[0].UserID != "idle" || departures[0].ChannelKey != "1:2" {
		t.Fatalf("expected only idle user to be evicted, got %+v", departures)
	}
	if engine.IsUserInChannel("idle", 1, 2) || !engine.IsUserInChannel("active", 1, 2) {
		t.Fatalf("unexpected membership after sweep")
	}
	if engine.HandleSocketDisconnect("sockA") != nil {
		t.Fatalf("expected evicted user's socket mapping to be cleared")
	}
	if recorded.FilterMessage("idle voice users removed").Len() != 1 {
		t.Fatalf("expected sweep to be logged")
	}

	if removed := engine.Cleanup(30 * time.Minute); removed != 0 {
		t.Fatalf("expected nothing left to clean, got %d", removed)
	}
	mockClock.Add(31 * time.Minute)
	if removed := engine.Cleanup(0); removed != 1 {
		t.Fatalf("expected default threshold to evict remaining user, got %d", removed)
	}
}

func TestConcurrentOperationsKeepMapsConsistent(t *testing.T) {
	engine, _ := newTestEngine(t)

	var wg sync.WaitGroup
	for worker := 0; worker < 16; worker++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			userID := fmt.Sprintf("u%d", worker)
			socketID := fmt.Sprintf("sock%d", worker)
			for step := 0; step < 50; step++ {
				_, _, _ = engine.JoinChannel(JoinRequest{UserID: userID, ServerID: 1, ChannelID: int64(step % 3), SocketID: socketID})
				engine.UpdateSpeakingStatus(userID, step%2 == 0)
				engine.UpdateVoiceStatus(userID, StatusUpdate{IsMuted: boolPtr(step%2 == 1)})
				if step%5 == 0 {
					engine.HandleSocketDisconnect(socketID)
				}
				_ = engine.GetChannelUsers(1, int64(step%3))
			}
			engine.LeaveAllChannels(userID)
		}(worker)
	}
	wg.Wait()

	stats := engine.GetStats()
	if stats.TotalUsers != 0 || stats.ActiveChannels != 0 || stats.SpeakingUsers != 0 {
		t.Fatalf("expected empty engine after all leaves, got %+v", stats)
	}
}
