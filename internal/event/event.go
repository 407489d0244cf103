package event

import (
	"encoding/json"
	"time"
)

// Type identifies broadcast event variants.
type Type string

const (
	TypePresenceState   Type = "presence_state"
	TypePresenceChange  Type = "presence_change"
	TypeTyping          Type = "typing"
	TypeParticipantJoin Type = "participant_joined"
	TypeParticipantLeft Type = "participant_left"
	TypeSDPOffer        Type = "sdp_offer"
	TypeSDPAnswer       Type = "sdp_answer"
	TypeICECandidate    Type = "ice_candidate"
	TypeMediaToggle     Type = "media_toggle"
	TypeCallTimeout     Type = "call_timeout"
	TypeCallMaxDuration Type = "call_max_duration"
	TypeCallEnded       Type = "call_ended"
)

// SchemaVersion is stamped onto every published event.
const SchemaVersion = 1

// TargetType selects a fanout namespace for targeted delivery.
type TargetType string

const (
	TargetUser      TargetType = "user"
	TargetChannel   TargetType = "channel"
	TargetWorkspace TargetType = "workspace"
)

// Target addresses one recipient scope of a targeted broadcast.
type Target struct {
	Type TargetType `json:"type"`
	ID   string     `json:"id"`
}

// Topic returns the pub/sub topic a target resolves to.
func (t Target) Topic() string {
	return string(t.Type) + ":" + t.ID
}

// Event is an immutable fact delivered to topic subscribers. The broadcaster
// assigns ID, Timestamp and SchemaVersion; everything else is set by the
// publisher and never mutated afterwards.
type Event struct {
	ID            string          `json:"id"`
	Type          Type            `json:"type"`
	Topic         string          `json:"topic"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Targets       []Target        `json:"targets,omitempty"`
	SchemaVersion int             `json:"schema_version"`
	Timestamp     time.Time       `json:"timestamp"`
}

// Topic constructors. Every fanout namespace is derived through one of these
// so topic strings never get assembled ad hoc at call sites.

func UserTopic(userID string) string         { return "user:" + userID }
func ChannelTopic(channelID string) string   { return "channel:" + channelID }
func WorkspaceTopic(wsID string) string      { return "workspace:" + wsID }
func CallTopic(callID string) string         { return "call:" + callID }
func ConversationTopic(convID string) string { return "conversation:" + convID }
func PresenceTopic(userID string) string     { return "presence:" + userID }

// MarshalPayload encodes v for use as an event payload. A marshal failure
// yields a null payload rather than an error; payloads are plain structs
// owned by this module and cannot legitimately fail to encode.
func MarshalPayload(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return data
}
