package gateway

import (
	"encoding/json"
	"sync"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type recordingSubscriber struct {
	id       string
	userID   string
	capacity int

	mu     sync.Mutex
	frames [][]byte
	closed bool
}

func (s *recordingSubscriber) ID() string     { return s.id }
func (s *recordingSubscriber) UserID() string { return s.userID }

func (s *recordingSubscriber) Enqueue(frame []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.capacity > 0 && len(s.frames) >= s.capacity {
		return false
	}
	s.frames = append(s.frames, frame)
	return true
}

func (s *recordingSubscriber) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *recordingSubscriber) eventTypes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	types := make([]string, 0, len(s.frames))
	for _, frame := range s.frames {
		var envelope Envelope
		if err := json.Unmarshal(frame, &envelope); err == nil {
			types = append(types, envelope.Type)
		}
	}
	return types
}

func TestHubPublishesToTopicSubscribersOnly(t *testing.T) {
	hub := NewHub(nil)
	alice := &recordingSubscriber{id: "s1", userID: "alice"}
	bob := &recordingSubscriber{id: "s2", userID: "bob"}
	carol := &recordingSubscriber{id: "s3", userID: "carol"}
	for _, subscriber := range []*recordingSubscriber{alice, bob, carol} {
		hub.Register(subscriber)
	}
	hub.Subscribe("chat:1:2", alice)
	hub.Subscribe("chat:1:2", bob)
	hub.Subscribe("chat:1:3", carol)

	hub.Publish("chat:1:2", EventChatMessage, map[string]string{"content": "hi"}, "s1")

	if got := alice.eventTypes(); len(got) != 0 {
		t.Fatalf("expected excluded sender to receive nothing, got %v", got)
	}
	if got := bob.eventTypes(); len(got) != 1 || got[0] != EventChatMessage {
		t.Fatalf("expected bob to receive chat message, got %v", got)
	}
	if got := carol.eventTypes(); len(got) != 0 {
		t.Fatalf("expected other topic to receive nothing, got %v", got)
	}
}

func TestHubIgnoresSubscriptionsForUnregisteredSubscribers(t *testing.T) {
	hub := NewHub(nil)
	stranger := &recordingSubscriber{id: "s9", userID: "nobody"}
	hub.Subscribe("chat:1:2", stranger)
	if hub.TopicSize("chat:1:2") != 0 {
		t.Fatalf("expected unregistered subscriber to be ignored")
	}
}

func TestHubRemoveDropsAllMemberships(t *testing.T) {
	hub := NewHub(nil)
	alice := &recordingSubscriber{id: "s1", userID: "alice"}
	hub.Register(alice)
	hub.Subscribe("chat:1:2", alice)
	hub.Subscribe("voice:1:2", alice)

	hub.Remove(alice)

	if hub.TopicSize("chat:1:2") != 0 || hub.TopicSize("voice:1:2") != 0 {
		t.Fatalf("expected topics to be emptied")
	}
	if hub.ConnectionCount() != 0 {
		t.Fatalf("expected subscriber to be removed")
	}
}

func TestHubUnsubscribeUserRemovesEverySocketOfUser(t *testing.T) {
	hub := NewHub(nil)
	phone := &recordingSubscriber{id: "s1", userID: "alice"}
	laptop := &recordingSubscriber{id: "s2", userID: "alice"}
	bob := &recordingSubscriber{id: "s3", userID: "bob"}
	for _, subscriber := range []*recordingSubscriber{phone, laptop, bob} {
		hub.Register(subscriber)
		hub.Subscribe("voice:1:2", subscriber)
	}

	hub.UnsubscribeUser("voice:1:2", "alice")

	if hub.TopicSize("voice:1:2") != 1 {
		t.Fatalf("expected only bob to remain, got %d", hub.TopicSize("voice:1:2"))
	}
}

func TestHubClosesSubscriberWithFullQueue(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	hub := NewHub(zap.New(core))
	slow := &recordingSubscriber{id: "s1", userID: "slow", capacity: 1}
	hub.Register(slow)
	hub.Subscribe("chat:1:2", slow)

	hub.Publish("chat:1:2", EventChatMessage, nil, "")
	hub.Publish("chat:1:2", EventChatMessage, nil, "")

	slow.mu.Lock()
	closed := slow.closed
	slow.mu.Unlock()
	if !closed {
		t.Fatalf("expected slow subscriber to be closed")
	}
	if logs.FilterMessage("send queue full, closing connection").Len() != 1 {
		t.Fatalf("expected backpressure to be logged once")
	}
}

func TestHubCloseAllClosesEverySubscriber(t *testing.T) {
	hub := NewHub(nil)
	first := &recordingSubscriber{id: "s1", userID: "a"}
	second := &recordingSubscriber{id: "s2", userID: "b"}
	hub.Register(first)
	hub.Register(second)

	hub.CloseAll()

	if !first.closed || !second.closed {
		t.Fatalf("expected all subscribers to be closed")
	}
}
