package typing

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/quickchat/realtime-service/internal/broadcast"
	"github.com/quickchat/realtime-service/internal/event"
)

// Messages accepted by the tracker.

type Start struct {
	UserID string
}

type Stop struct {
	UserID string
}

type SnapshotReq struct {
	Reply chan []string
}

// Tracker is the typing actor for one conversation. It serves every
// (conversation, user) pair through a deadline map instead of an actor per
// pair, to bound actor growth in high-fanout conversations. Explicit stop
// and timer expiry share one removal path, so the two are idempotent and
// externally identical.
type Tracker struct {
	convID    string
	ttl       time.Duration
	deadlines map[string]time.Time

	bc     *broadcast.Broadcaster
	logger zerolog.Logger
}

func NewTracker(conversationID string, ttl time.Duration, bc *broadcast.Broadcaster, logger zerolog.Logger) *Tracker {
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	return &Tracker{
		convID:    conversationID,
		ttl:       ttl,
		deadlines: make(map[string]time.Time),
		bc:        bc,
		logger:    logger.With().Str("conversation_id", conversationID).Logger(),
	}
}

func (t *Tracker) Run(ctx context.Context, inbox <-chan any) {
	// One timer armed to the earliest pending deadline. While the typing set
	// is empty the timer doubles as the idle deadline after which the
	// tracker retires itself.
	emptySince := time.Now()
	timer := time.NewTimer(t.ttl)
	defer timer.Stop()

	for {
		wake := emptySince.Add(t.ttl)
		if len(t.deadlines) > 0 {
			wake = t.earliest()
		}
		d := time.Until(wake)
		if d < 0 {
			d = 0
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(d)

		select {
		case <-ctx.Done():
			return
		case now := <-timer.C:
			if len(t.deadlines) == 0 {
				// Idle for a full TTL with nothing tracked.
				return
			}
			for user, deadline := range t.deadlines {
				if !deadline.After(now) {
					t.remove(user)
				}
			}
			if len(t.deadlines) == 0 {
				emptySince = now
			}
		case msg := <-inbox:
			switch m := msg.(type) {
			case Start:
				_, already := t.deadlines[m.UserID]
				t.deadlines[m.UserID] = time.Now().Add(t.ttl)
				if !already {
					t.broadcast(m.UserID, true)
				}
			case Stop:
				if t.remove(m.UserID) && len(t.deadlines) == 0 {
					emptySince = time.Now()
				}
			case SnapshotReq:
				if m.Reply != nil {
					select {
					case m.Reply <- t.typingUsers():
					default:
					}
				}
			}
		}
	}
}

// remove deletes the pair and broadcasts typing=false, exactly once per
// typing episode. Reports whether the pair was present.
func (t *Tracker) remove(userID string) bool {
	if _, ok := t.deadlines[userID]; !ok {
		return false
	}
	delete(t.deadlines, userID)
	t.broadcast(userID, false)
	return true
}

func (t *Tracker) broadcast(userID string, typing bool) {
	t.bc.Broadcast(event.Event{
		Type:  event.TypeTyping,
		Topic: event.ConversationTopic(t.convID),
		Payload: event.MarshalPayload(event.TypingPayload{
			ConversationID: t.convID,
			UserID:         userID,
			Typing:         typing,
		}),
	})
}

func (t *Tracker) earliest() time.Time {
	var min time.Time
	for _, deadline := range t.deadlines {
		if min.IsZero() || deadline.Before(min) {
			min = deadline
		}
	}
	return min
}

func (t *Tracker) typingUsers() []string {
	users := make([]string, 0, len(t.deadlines))
	for user := range t.deadlines {
		users = append(users, user)
	}
	sort.Strings(users)
	return users
}
