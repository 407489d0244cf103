package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/quickchat/realtime-service/internal/broadcast"
	"github.com/quickchat/realtime-service/internal/cache"
	"github.com/quickchat/realtime-service/internal/event"
	"github.com/quickchat/realtime-service/internal/observability"
)

// Status is a user's connectivity state. Not a strict state machine: any
// explicit status is accepted at any time.
type Status string

const (
	StatusOnline  Status = "online"
	StatusAway    Status = "away"
	StatusBusy    Status = "busy"
	StatusOffline Status = "offline"
)

// ParseStatus validates a client-supplied status string.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusOnline, StatusAway, StatusBusy, StatusOffline:
		return Status(s), nil
	default:
		return "", fmt.Errorf("unknown presence status %q", s)
	}
}

// Snapshot is the externally visible state of one presence session.
type Snapshot struct {
	UserID       string            `json:"user_id"`
	Status       Status            `json:"status"`
	LastActivity time.Time         `json:"last_activity"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Messages accepted by the actor.

type Heartbeat struct{}

type SetStatus struct {
	Status Status
}

type SetMetadata struct {
	Key   string
	Value string
}

type Subscribe struct {
	Watcher string
}

type Unsubscribe struct {
	Watcher string
}

type SnapshotReq struct {
	Reply chan Snapshot
}

// Sweep is sent only by the staleness sweeper. Any session whose last
// activity predates StaleBefore goes offline; nothing else in the system is
// allowed to force a transition without a client action.
type Sweep struct {
	StaleBefore time.Time
}

// Session is the authoritative presence actor for one user.
type Session struct {
	userID       string
	status       Status
	lastActivity time.Time
	subscribers  map[string]struct{}
	metadata     map[string]string

	bc      *broadcast.Broadcaster
	cache   *cache.PresenceCache
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewSession(userID string, bc *broadcast.Broadcaster, snapshots *cache.PresenceCache, metrics *observability.Metrics, logger zerolog.Logger) *Session {
	return &Session{
		userID:       userID,
		status:       StatusOnline,
		lastActivity: time.Now().UTC(),
		subscribers:  make(map[string]struct{}),
		metadata:     make(map[string]string),
		bc:           bc,
		cache:        snapshots,
		metrics:      metrics,
		logger:       logger.With().Str("user_id", userID).Logger(),
	}
}

func (s *Session) Run(ctx context.Context, inbox <-chan any) {
	s.announceState()
	s.writeThrough()

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-inbox:
			switch m := msg.(type) {
			case Heartbeat:
				s.lastActivity = time.Now().UTC()
			case SetStatus:
				s.setStatus(m.Status, false)
			case SetMetadata:
				s.metadata[m.Key] = m.Value
				s.writeThrough()
			case Subscribe:
				s.subscribers[m.Watcher] = struct{}{}
			case Unsubscribe:
				delete(s.subscribers, m.Watcher)
			case SnapshotReq:
				if m.Reply != nil {
					select {
					case m.Reply <- s.snapshot():
					default:
					}
				}
			case Sweep:
				if s.status != StatusOffline && s.lastActivity.Before(m.StaleBefore) {
					s.setStatus(StatusOffline, true)
					s.metrics.SweepTransitions.Inc()
					s.logger.Info().Msg("presence swept offline")
				}
			}
		}
	}
}

// setStatus applies a transition and broadcasts it when the status actually
// changed. swept transitions do not refresh last-activity; a later heartbeat
// must still look stale relative to the real client silence.
func (s *Session) setStatus(status Status, swept bool) {
	if !swept {
		s.lastActivity = time.Now().UTC()
	}
	if status == s.status {
		return
	}
	s.status = status
	s.bc.Broadcast(event.Event{
		Type:  event.TypePresenceChange,
		Topic: event.PresenceTopic(s.userID),
		Payload: event.MarshalPayload(event.PresenceChangePayload{
			UserID: s.userID,
			Status: string(status),
		}),
	})
	s.writeThrough()
}

// announceState publishes the full state to the owner's watcher topic on
// creation.
func (s *Session) announceState() {
	s.bc.Broadcast(event.Event{
		Type:  event.TypePresenceState,
		Topic: event.PresenceTopic(s.userID),
		Payload: event.MarshalPayload(event.PresenceStatePayload{
			UserID:       s.userID,
			Status:       string(s.status),
			LastActivity: s.lastActivity.UnixMilli(),
			Metadata:     s.metadata,
		}),
	})
}

func (s *Session) writeThrough() {
	s.cache.Put(cache.PresenceSnapshot{
		UserID:       s.userID,
		Status:       string(s.status),
		LastActivity: s.lastActivity,
		Metadata:     s.metadata,
	})
}

func (s *Session) snapshot() Snapshot {
	md := make(map[string]string, len(s.metadata))
	for k, v := range s.metadata {
		md[k] = v
	}
	return Snapshot{
		UserID:       s.userID,
		Status:       s.status,
		LastActivity: s.lastActivity,
		Metadata:     md,
	}
}
