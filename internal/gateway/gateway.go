package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/signalhub/internal/buffer"
	"github.com/MarcoPoloResearchLab/signalhub/internal/channelkey"
	"github.com/MarcoPoloResearchLab/signalhub/internal/voice"
	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

const defaultEventTimeout = 5 * time.Second

var (
	errMissingBuffer = errors.New("message buffer dependency required")
	errMissingVoice  = errors.New("voice presence dependency required")
	errMissingHub    = errors.New("hub dependency required")
)

// MessageBuffer is the subset of the buffering engine the gateway drives.
type MessageBuffer interface {
	Enqueue(ctx context.Context, message buffer.Message, serverID, channelID int64) (string, error)
	GetBufferStatus(ctx context.Context) (buffer.Status, error)
	FlushAll(ctx context.Context) (buffer.FlushSummary, error)
}

// VoicePresence is the subset of the presence engine the gateway drives.
type VoicePresence interface {
	JoinChannel(request voice.JoinRequest) ([]voice.RosterEntry, *voice.Departure, error)
	LeaveAllChannels(userID string) *voice.Departure
	HandleSocketDisconnect(socketID string) *voice.Departure
	UpdateVoiceStatus(userID string, update voice.StatusUpdate) *voice.VoiceState
	UpdateSpeakingStatus(userID string, isSpeaking bool) *voice.SpeakingUpdate
	GetStats() voice.Stats
	Sweep(threshold time.Duration) []voice.Departure
}

// Config wires the gateway to both engines.
type Config struct {
	Buffer       MessageBuffer
	Voice        VoicePresence
	Hub          *Hub
	Clock        clock.Clock
	EventTimeout time.Duration
	Logger       *zap.Logger
}

// Gateway translates socket events into engine calls and broadcasts the results.
type Gateway struct {
	buffer       MessageBuffer
	voice        VoicePresence
	hub          *Hub
	clock        clock.Clock
	eventTimeout time.Duration
	logger       *zap.Logger
}

// New constructs a Gateway.
func New(cfg Config) (*Gateway, error) {
	if cfg.Buffer == nil {
		return nil, errMissingBuffer
	}
	if cfg.Voice == nil {
		return nil, errMissingVoice
	}
	if cfg.Hub == nil {
		return nil, errMissingHub
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	timeout := cfg.EventTimeout
	if timeout <= 0 {
		timeout = defaultEventTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{
		buffer:       cfg.Buffer,
		voice:        cfg.Voice,
		hub:          cfg.Hub,
		clock:        clk,
		eventTimeout: timeout,
		logger:       logger,
	}, nil
}

// Hub returns the gateway's topic hub.
func (g *Gateway) Hub() *Hub {
	return g.hub
}

// Connect registers a new connection.
func (g *Gateway) Connect(session *Session) {
	g.hub.Register(session)
	g.logger.Debug("socket connected",
		zap.String("socket_id", session.ID()),
		zap.String("user_id", session.UserID()))
}

// Disconnect removes the connection from voice and from every topic.
func (g *Gateway) Disconnect(session *Session) {
	if departure := g.voice.HandleSocketDisconnect(session.ID()); departure != nil {
		g.announceDeparture(*departure)
	}
	g.hub.Remove(session)
	g.logger.Debug("socket disconnected",
		zap.String("socket_id", session.ID()),
		zap.String("user_id", session.UserID()))
}

// HandleEvent dispatches one inbound frame. Failures are reported to the sender as error
// events and never end the connection.
func (g *Gateway) HandleEvent(ctx context.Context, session *Session, envelope Envelope) {
	ctx, cancel := context.WithTimeout(ctx, g.eventTimeout)
	defer cancel()

	switch envelope.Type {
	case EventPing:
		g.hub.Send(session, EventPong, pongPayload{Timestamp: g.clock.Now().UTC()})
	case EventChatSubscribe:
		g.handleChatSubscription(session, envelope, true)
	case EventChatUnsubscribe:
		g.handleChatSubscription(session, envelope, false)
	case EventChatSend:
		g.handleChatSend(ctx, session, envelope)
	case EventVoiceJoin:
		g.handleVoiceJoin(session, envelope)
	case EventVoiceLeave:
		if departure := g.voice.LeaveAllChannels(session.UserID()); departure != nil {
			g.announceDeparture(*departure)
		}
	case EventVoiceState:
		g.handleVoiceState(session, envelope)
	case EventVoiceSpeaking:
		g.handleVoiceSpeaking(session, envelope)
	default:
		g.sendError(session, envelope.Type, "unknown_event", "unsupported event type")
	}
}

func (g *Gateway) handleChatSubscription(session *Session, envelope Envelope, subscribe bool) {
	var payload channelPayload
	if !g.decode(session, envelope, &payload) {
		return
	}
	topic := chatTopic(payload.key())
	if subscribe {
		g.hub.Subscribe(topic, session)
		return
	}
	g.hub.Unsubscribe(topic, session)
}

func (g *Gateway) handleChatSend(ctx context.Context, session *Session, envelope Envelope) {
	var payload chatSendPayload
	if !g.decode(session, envelope, &payload) {
		return
	}
	timestamp := payload.Timestamp
	if timestamp.IsZero() {
		timestamp = g.clock.Now()
	}
	messageType := strings.TrimSpace(payload.MessageType)
	if messageType == "" {
		messageType = buffer.MessageTypeText
	}
	message := buffer.Message{
		UserID:      session.UserID(),
		Username:    session.Username(),
		Content:     payload.Content,
		MessageType: messageType,
		Timestamp:   timestamp.UTC(),
	}
	id, err := g.buffer.Enqueue(ctx, message, payload.ServerID, payload.ChannelID)
	if err != nil {
		switch {
		case errors.Is(err, buffer.ErrInvalidMessage):
			g.sendError(session, envelope.Type, "invalid_message", err.Error())
		default:
			g.logger.Warn("chat message not buffered",
				zap.String("user_id", session.UserID()),
				zap.String("channel_key", channelkey.New(payload.ServerID, payload.ChannelID).String()),
				zap.Error(err))
			g.sendError(session, envelope.Type, "buffer_unavailable", "message could not be accepted")
		}
		return
	}

	g.hub.Send(session, EventChatAck, chatAckPayload{ID: id, ClientMessageID: payload.ClientMessageID})
	g.hub.Publish(chatTopic(channelkey.New(payload.ServerID, payload.ChannelID)), EventChatMessage, chatMessagePayload{
		ID:          id,
		ServerID:    payload.ServerID,
		ChannelID:   payload.ChannelID,
		UserID:      message.UserID,
		Username:    message.Username,
		Content:     message.Content,
		MessageType: message.MessageType,
		Timestamp:   message.Timestamp,
	}, "")
}

func (g *Gateway) handleVoiceJoin(session *Session, envelope Envelope) {
	var payload voiceJoinPayload
	if !g.decode(session, envelope, &payload) {
		return
	}
	roster, departure, err := g.voice.JoinChannel(voice.JoinRequest{
		UserID:    session.UserID(),
		Username:  session.Username(),
		ServerID:  payload.ServerID,
		ChannelID: payload.ChannelID,
		SocketID:  session.ID(),
		TrackID:   payload.TrackID,
	})
	if err != nil {
		g.sendError(session, envelope.Type, "invalid_join", err.Error())
		return
	}
	if departure != nil {
		g.announceDeparture(*departure)
	}

	key := channelkey.New(payload.ServerID, payload.ChannelID)
	topic := voiceTopic(key)
	g.hub.Subscribe(topic, session)
	g.hub.Send(session, EventVoiceRoster, rosterPayload{ServerID: key.ServerID, ChannelID: key.ChannelID, Users: roster})

	for _, entry := range roster {
		if entry.UserID == session.UserID() {
			g.hub.Publish(topic, EventVoiceUserJoined, entry, session.ID())
			break
		}
	}
}

func (g *Gateway) handleVoiceState(session *Session, envelope Envelope) {
	var update voice.StatusUpdate
	if !g.decode(session, envelope, &update) {
		return
	}
	state := g.voice.UpdateVoiceStatus(session.UserID(), update)
	if state == nil {
		return
	}
	g.hub.Publish(voiceTopic(state.Key()), EventVoiceStateUpdated, state, "")
}

func (g *Gateway) handleVoiceSpeaking(session *Session, envelope Envelope) {
	var payload voiceSpeakingPayload
	if !g.decode(session, envelope, &payload) {
		return
	}
	update := g.voice.UpdateSpeakingStatus(session.UserID(), payload.IsSpeaking)
	if update == nil {
		return
	}
	g.hub.Publish(voiceTopic(channelkey.New(update.ServerID, update.ChannelID)), EventVoiceSpeakingOut, update, session.ID())
}

// announceDeparture unsubscribes the departed user from the voice topic and tells the
// remaining members.
func (g *Gateway) announceDeparture(departure voice.Departure) {
	topic := voiceTopic(channelkey.New(departure.ServerID, departure.ChannelID))
	g.hub.UnsubscribeUser(topic, departure.UserID)
	g.hub.Publish(topic, EventVoiceUserLeft, departure, "")
}

// SweepIdle evicts idle voice users and announces each departure.
func (g *Gateway) SweepIdle(threshold time.Duration) int {
	departures := g.voice.Sweep(threshold)
	for _, departure := range departures {
		g.announceDeparture(departure)
	}
	return len(departures)
}

func (g *Gateway) decode(session *Session, envelope Envelope, target any) bool {
	if len(envelope.Data) == 0 {
		g.sendError(session, envelope.Type, "invalid_payload", "event data is required")
		return false
	}
	if err := json.Unmarshal(envelope.Data, target); err != nil {
		g.sendError(session, envelope.Type, "invalid_payload", "event data could not be decoded")
		return false
	}
	return true
}

func (g *Gateway) sendError(session *Session, eventType, code, message string) {
	g.hub.Send(session, EventError, errorPayload{Code: code, Message: message, Event: eventType})
}
