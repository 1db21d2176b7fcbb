package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait            = 10 * time.Second
	pongWait             = 90 * time.Second
	pingPeriod           = (pongWait * 9) / 10
	maxMessageSize       = 8192
	defaultSendQueueSize = 256
)

// Session is one authenticated WebSocket connection.
type Session struct {
	id       string
	userID   string
	username string
	conn     *websocket.Conn
	send     chan []byte
	done     chan struct{}
	once     sync.Once
	logger   *zap.Logger
}

// NewSession wraps conn for the authenticated user. conn may be nil for in-process use.
func NewSession(id, userID, username string, conn *websocket.Conn, queueSize int, logger *zap.Logger) *Session {
	if queueSize <= 0 {
		queueSize = defaultSendQueueSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{
		id:       id,
		userID:   userID,
		username: username,
		conn:     conn,
		send:     make(chan []byte, queueSize),
		done:     make(chan struct{}),
		logger:   logger,
	}
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) UserID() string {
	return s.userID
}

func (s *Session) Username() string {
	return s.username
}

// Enqueue queues a frame for the write pump. Frames for a closed session are discarded.
func (s *Session) Enqueue(frame []byte) bool {
	select {
	case <-s.done:
		return true
	default:
	}
	select {
	case s.send <- frame:
		return true
	default:
		return false
	}
}

// Close ends the session. The read pump unblocks because the connection is closed.
func (s *Session) Close() {
	s.once.Do(func() {
		close(s.done)
		if s.conn != nil {
			_ = s.conn.Close()
		}
	})
}

// Done is closed once the session has been closed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// ReadPump decodes inbound frames and hands them to handle until the connection fails.
func (s *Session) ReadPump(ctx context.Context, handle func(context.Context, Envelope)) {
	defer s.Close()

	s.conn.SetReadLimit(maxMessageSize)
	if err := s.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return
	}
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Info("unexpected socket close", zap.String("socket_id", s.id), zap.Error(err))
			}
			return
		}
		if err := s.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			return
		}

		var envelope Envelope
		if err := json.Unmarshal(raw, &envelope); err != nil || envelope.Type == "" {
			s.logger.Debug("discarding malformed frame", zap.String("socket_id", s.id))
			continue
		}
		handle(ctx, envelope)
	}
}

// WritePump writes queued frames and keepalive pings until the session closes.
func (s *Session) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.Close()
	}()

	for {
		select {
		case frame := <-s.send:
			if err := s.write(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			if err := s.write(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.done:
			_ = s.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (s *Session) write(messageType int, data []byte) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return s.conn.WriteMessage(messageType, data)
}
