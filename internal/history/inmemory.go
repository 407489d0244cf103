package history

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quickchat/realtime-service/internal/event"
)

// InMemoryStore is a simple in-process history store for local/dev use.
type InMemoryStore struct {
	mu     sync.RWMutex
	events map[string][]event.Event
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{events: make(map[string][]event.Event)}
}

func (s *InMemoryStore) Insert(_ context.Context, ev event.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	s.events[ev.Topic] = append(s.events[ev.Topic], ev)
	return nil
}

func (s *InMemoryStore) Recent(_ context.Context, topic string, limit int) ([]event.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.events[topic]
	if len(arr) == 0 {
		return nil, nil
	}
	if limit <= 0 || limit > len(arr) {
		limit = len(arr)
	}
	out := make([]event.Event, 0, limit)
	for i := len(arr) - limit; i < len(arr); i++ {
		out = append(out, arr[i])
	}
	return out, nil
}

func (s *InMemoryStore) Close() error { return nil }
