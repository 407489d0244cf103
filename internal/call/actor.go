package call

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/quickchat/realtime-service/internal/broadcast"
	"github.com/quickchat/realtime-service/internal/event"
)

// State of a call session. Transitions are monotonic:
// ringing -> active -> ended, never reversed.
type State string

const (
	StateRinging State = "ringing"
	StateActive  State = "active"
	StateEnded   State = "ended"
)

// End reasons carried in the terminal notice.
const (
	ReasonTimeout     = "timeout"
	ReasonMaxDuration = "max-duration"
	ReasonHangup      = "hangup"
	ReasonEmpty       = "empty"
	ReasonCrashed     = "crashed"
)

// Participant tracks one user's membership and media flags.
type Participant struct {
	UserID   string     `json:"user_id"`
	Audio    bool       `json:"audio"`
	Video    bool       `json:"video"`
	Muted    bool       `json:"muted"`
	JoinedAt time.Time  `json:"joined_at"`
	LeftAt   *time.Time `json:"left_at,omitempty"`
}

// Snapshot is the externally visible state of a call session.
type Snapshot struct {
	CallID       string        `json:"call_id"`
	State        State         `json:"state"`
	StartedAt    time.Time     `json:"started_at"`
	Participants []Participant `json:"participants"`
}

// Messages accepted by the actor.

type Join struct {
	UserID string
	Reply  chan Snapshot
}

type Leave struct {
	UserID string
}

type Offer struct {
	From string
	SDP  string
}

type Answer struct {
	From string
	SDP  string
}

type ICE struct {
	From      string
	Candidate string
}

type Toggle struct {
	From    string
	Kind    string // "audio" | "video" | "mute"
	Enabled bool
}

type End struct {
	By string
}

type SnapshotReq struct {
	Reply chan Snapshot
}

// Config carries the two call timers.
type Config struct {
	AnswerTimeout time.Duration
	MaxDuration   time.Duration
}

// Session is the signaling actor for one call. It relays offer/ice payloads
// verbatim between participants and never inspects them: it is a signaling
// relay, not a media node. Reaching ended, for any reason, terminates the
// actor.
type Session struct {
	id           string
	state        State
	participants map[string]*Participant
	order        []string
	startedAt    time.Time

	cfg    Config
	bc     *broadcast.Broadcaster
	logger zerolog.Logger
}

// NewSession creates a call in ringing state with the initiator as the sole
// participant.
func NewSession(callID, initiator string, cfg Config, bc *broadcast.Broadcaster, logger zerolog.Logger) *Session {
	now := time.Now().UTC()
	s := &Session{
		id:           callID,
		state:        StateRinging,
		participants: make(map[string]*Participant),
		startedAt:    now,
		cfg:          cfg,
		bc:           bc,
		logger:       logger.With().Str("call_id", callID).Logger(),
	}
	s.addParticipant(initiator, now)
	return s
}

func (s *Session) Run(ctx context.Context, inbox <-chan any) {
	answerTimer := time.NewTimer(s.cfg.AnswerTimeout)
	defer answerTimer.Stop()
	answerC := answerTimer.C

	var maxTimer *time.Timer
	var maxC <-chan time.Time
	defer func() {
		if maxTimer != nil {
			maxTimer.Stop()
		}
	}()

	s.broadcastJoined(s.order[0])

	for {
		select {
		case <-ctx.Done():
			s.terminate(ReasonHangup)
			return
		case <-answerC:
			// Nobody answered in time.
			s.terminate(ReasonTimeout)
			return
		case <-maxC:
			s.terminate(ReasonMaxDuration)
			return
		case msg := <-inbox:
			switch m := msg.(type) {
			case Join:
				s.handleJoin(m)
			case Leave:
				if s.handleLeave(m) {
					s.terminate(ReasonEmpty)
					return
				}
			case Offer:
				s.relay(event.TypeSDPOffer, m.From, m.SDP)
			case Answer:
				if s.state == StateRinging {
					// First answer: stop the answer clock, start the
					// max-duration clock, go active.
					answerTimer.Stop()
					answerC = nil
					maxTimer = time.NewTimer(s.cfg.MaxDuration)
					maxC = maxTimer.C
					s.state = StateActive
					s.logger.Info().Str("answered_by", m.From).Msg("call active")
				}
				// The answer goes to every participant, the answerer
				// included, so all ends converge on the accepted SDP.
				s.bc.Broadcast(event.Event{
					Type:  event.TypeSDPAnswer,
					Topic: event.CallTopic(s.id),
					Payload: event.MarshalPayload(event.SignalPayload{
						CallID: s.id,
						From:   m.From,
						Data:   m.SDP,
					}),
				})
			case ICE:
				s.relay(event.TypeICECandidate, m.From, m.Candidate)
			case Toggle:
				s.handleToggle(m)
			case End:
				s.terminate(ReasonHangup)
				return
			case SnapshotReq:
				reply(m.Reply, s.snapshot())
			}
		}
	}
}

// NotifyCrashed runs on the actor goroutine after a panic was recovered by
// the supervisor. Participants must never be left on a silently dead call.
func (s *Session) NotifyCrashed() {
	s.terminate(ReasonCrashed)
}

func (s *Session) handleJoin(m Join) {
	if s.state == StateEnded {
		reply(m.Reply, s.snapshot())
		return
	}
	if p, ok := s.participants[m.UserID]; ok && p.LeftAt == nil {
		reply(m.Reply, s.snapshot())
		return
	}
	s.addParticipant(m.UserID, time.Now().UTC())
	s.broadcastJoined(m.UserID)
	reply(m.Reply, s.snapshot())
}

// handleLeave reports whether the participant set became empty.
func (s *Session) handleLeave(m Leave) bool {
	p, ok := s.participants[m.UserID]
	if !ok || p.LeftAt != nil {
		return s.liveCount() == 0
	}
	now := time.Now().UTC()
	p.LeftAt = &now

	s.bc.Broadcast(event.Event{
		Type:  event.TypeParticipantLeft,
		Topic: event.CallTopic(s.id),
		Payload: event.MarshalPayload(event.ParticipantPayload{
			CallID: s.id,
			UserID: m.UserID,
		}),
	})
	return s.liveCount() == 0
}

func (s *Session) handleToggle(m Toggle) {
	p, ok := s.participants[m.From]
	if !ok || p.LeftAt != nil {
		return
	}
	switch m.Kind {
	case "audio":
		p.Audio = m.Enabled
	case "video":
		p.Video = m.Enabled
	case "mute":
		p.Muted = m.Enabled
	default:
		return
	}
	s.bc.Broadcast(event.Event{
		Type:  event.TypeMediaToggle,
		Topic: event.CallTopic(s.id),
		Payload: event.MarshalPayload(event.MediaTogglePayload{
			CallID:  s.id,
			UserID:  m.From,
			Kind:    m.Kind,
			Enabled: m.Enabled,
		}),
	})
}

// relay sends a signaling payload, untouched, to every live participant
// except the sender. Fire-and-forget: a lost relay surfaces to the sender
// only as silence.
func (s *Session) relay(evType event.Type, from, data string) {
	if s.state == StateEnded {
		return
	}
	targets := s.targetsExcept(from)
	if len(targets) == 0 {
		return
	}
	s.bc.BroadcastTargeted(event.Event{
		Type:  evType,
		Topic: event.CallTopic(s.id),
		Payload: event.MarshalPayload(event.SignalPayload{
			CallID: s.id,
			From:   from,
			Data:   data,
		}),
	}, targets)
}

// terminate drives the session to ended exactly once and notifies every
// participant, including ones that already left.
func (s *Session) terminate(reason string) {
	if s.state == StateEnded {
		return
	}
	s.state = StateEnded

	evType := event.TypeCallEnded
	switch reason {
	case ReasonTimeout:
		evType = event.TypeCallTimeout
	case ReasonMaxDuration:
		evType = event.TypeCallMaxDuration
	}

	targets := make([]event.Target, 0, len(s.order))
	for _, id := range s.order {
		targets = append(targets, event.Target{Type: event.TargetUser, ID: id})
	}
	s.bc.BroadcastTargeted(event.Event{
		Type:  evType,
		Topic: event.CallTopic(s.id),
		Payload: event.MarshalPayload(event.CallEndedPayload{
			CallID: s.id,
			Reason: reason,
		}),
	}, targets)

	s.logger.Info().Str("reason", reason).Msg("call ended")
}

func (s *Session) addParticipant(userID string, now time.Time) {
	if _, seen := s.participants[userID]; !seen {
		s.order = append(s.order, userID)
	}
	s.participants[userID] = &Participant{
		UserID:   userID,
		Audio:    true,
		Video:    false,
		JoinedAt: now,
	}
}

func (s *Session) broadcastJoined(userID string) {
	s.bc.Broadcast(event.Event{
		Type:  event.TypeParticipantJoin,
		Topic: event.CallTopic(s.id),
		Payload: event.MarshalPayload(event.ParticipantPayload{
			CallID: s.id,
			UserID: userID,
		}),
	})
}

func (s *Session) targetsExcept(from string) []event.Target {
	targets := make([]event.Target, 0, len(s.order))
	for _, id := range s.order {
		p := s.participants[id]
		if id == from || p.LeftAt != nil {
			continue
		}
		targets = append(targets, event.Target{Type: event.TargetUser, ID: id})
	}
	return targets
}

func (s *Session) liveCount() int {
	n := 0
	for _, p := range s.participants {
		if p.LeftAt == nil {
			n++
		}
	}
	return n
}

func (s *Session) snapshot() Snapshot {
	parts := make([]Participant, 0, len(s.order))
	for _, id := range s.order {
		parts = append(parts, *s.participants[id])
	}
	return Snapshot{
		CallID:       s.id,
		State:        s.state,
		StartedAt:    s.startedAt,
		Participants: parts,
	}
}

func reply(ch chan Snapshot, snap Snapshot) {
	if ch == nil {
		return
	}
	select {
	case ch <- snap:
	default:
	}
}
