package gateway

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"
)

// Subscriber is one live connection known to the hub.
type Subscriber interface {
	ID() string
	UserID() string
	// Enqueue queues a frame without blocking and reports whether it was accepted.
	Enqueue(frame []byte) bool
	Close()
}

// Hub fans frames out to topic subscribers. A subscriber whose send queue is full is closed.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]Subscriber
	topics      map[string]map[string]Subscriber
	memberships map[string]map[string]struct{}
	logger      *zap.Logger
}

// NewHub constructs an empty hub.
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		subscribers: make(map[string]Subscriber),
		topics:      make(map[string]map[string]Subscriber),
		memberships: make(map[string]map[string]struct{}),
		logger:      logger,
	}
}

// Register adds the subscriber to the hub.
func (h *Hub) Register(subscriber Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subscribers[subscriber.ID()] = subscriber
}

// Remove drops the subscriber and all of its topic memberships.
func (h *Hub) Remove(subscriber Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := subscriber.ID()
	for topic := range h.memberships[id] {
		h.unsubscribeLocked(topic, id)
	}
	delete(h.memberships, id)
	delete(h.subscribers, id)
}

// Subscribe adds a registered subscriber to topic.
func (h *Hub) Subscribe(topic string, subscriber Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := subscriber.ID()
	if _, registered := h.subscribers[id]; !registered {
		return
	}
	members, ok := h.topics[topic]
	if !ok {
		members = make(map[string]Subscriber)
		h.topics[topic] = members
	}
	members[id] = subscriber
	topics, ok := h.memberships[id]
	if !ok {
		topics = make(map[string]struct{})
		h.memberships[id] = topics
	}
	topics[topic] = struct{}{}
}

// Unsubscribe removes the subscriber from topic.
func (h *Hub) Unsubscribe(topic string, subscriber Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unsubscribeLocked(topic, subscriber.ID())
}

// UnsubscribeUser removes every subscriber belonging to userID from topic.
func (h *Hub) UnsubscribeUser(topic, userID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, subscriber := range h.topics[topic] {
		if subscriber.UserID() == userID {
			h.unsubscribeLocked(topic, id)
		}
	}
}

func (h *Hub) unsubscribeLocked(topic, id string) {
	if members := h.topics[topic]; members != nil {
		delete(members, id)
		if len(members) == 0 {
			delete(h.topics, topic)
		}
	}
	if topics := h.memberships[id]; topics != nil {
		delete(topics, topic)
		if len(topics) == 0 {
			delete(h.memberships, id)
		}
	}
}

// TopicSize returns the number of subscribers on topic.
func (h *Hub) TopicSize(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

// ConnectionCount returns the number of registered subscribers.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// Publish sends the event to every subscriber of topic except excludeID.
func (h *Hub) Publish(topic, eventType string, data any, excludeID string) {
	frame, err := encodeFrame(eventType, data)
	if err != nil {
		h.logger.Error("failed to encode event", zap.String("event", eventType), zap.Error(err))
		return
	}
	h.mu.RLock()
	members := h.topics[topic]
	if len(members) == 0 {
		h.mu.RUnlock()
		return
	}
	copies := make([]Subscriber, 0, len(members))
	for id, subscriber := range members {
		if id == excludeID {
			continue
		}
		copies = append(copies, subscriber)
	}
	h.mu.RUnlock()
	for _, subscriber := range copies {
		h.deliver(subscriber, eventType, frame)
	}
}

// Send delivers the event to one subscriber.
func (h *Hub) Send(subscriber Subscriber, eventType string, data any) {
	frame, err := encodeFrame(eventType, data)
	if err != nil {
		h.logger.Error("failed to encode event", zap.String("event", eventType), zap.Error(err))
		return
	}
	h.deliver(subscriber, eventType, frame)
}

func (h *Hub) deliver(subscriber Subscriber, eventType string, frame []byte) {
	if subscriber.Enqueue(frame) {
		return
	}
	h.logger.Warn("send queue full, closing connection",
		zap.String("socket_id", subscriber.ID()),
		zap.String("user_id", subscriber.UserID()),
		zap.String("event", eventType))
	subscriber.Close()
}

func encodeFrame(eventType string, data any) ([]byte, error) {
	return json.Marshal(outboundEnvelope{Type: eventType, Data: data})
}

// CloseAll closes every registered subscriber. Their connection handlers perform the removal.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	subscribers := make([]Subscriber, 0, len(h.subscribers))
	for _, subscriber := range h.subscribers {
		subscribers = append(subscribers, subscriber)
	}
	h.mu.RUnlock()
	for _, subscriber := range subscribers {
		subscriber.Close()
	}
}
