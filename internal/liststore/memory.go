// Package liststore provides key-ordered list stores used as the durable message buffer.
package liststore

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
)

// ErrStoreClosed indicates the store has been closed.
var ErrStoreClosed = errors.New("liststore: store closed")

// MemoryStore is a process-local list store. Empty lists are removed, matching Redis.
type MemoryStore struct {
	mu     sync.Mutex
	lists  map[string][]string
	closed bool
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{lists: make(map[string][]string)}
}

func (s *MemoryStore) PushTail(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	s.lists[key] = append(s.lists[key], value)
	return nil
}

func (s *MemoryStore) PopHead(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", false, ErrStoreClosed
	}
	list := s.lists[key]
	if len(list) == 0 {
		return "", false, nil
	}
	head := list[0]
	if len(list) == 1 {
		delete(s.lists, key)
	} else {
		s.lists[key] = list[1:]
	}
	return head, true, nil
}

func (s *MemoryStore) Length(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrStoreClosed
	}
	return int64(len(s.lists[key])), nil
}

func (s *MemoryStore) ListKeys(_ context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	keys := make([]string, 0, len(s.lists))
	for key := range s.lists {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Close marks the store closed. Buffered values are discarded.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
