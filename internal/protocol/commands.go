package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// CommandType identifies inbound websocket command variants.
type CommandType string

const (
	TypeJoin              CommandType = "join"
	TypeLeave             CommandType = "leave"
	TypeCallOffer         CommandType = "call.offer"
	TypeCallAnswer        CommandType = "call.answer"
	TypeCallICE           CommandType = "call.ice"
	TypeCallToggle        CommandType = "call.toggle"
	TypePresenceHeartbeat CommandType = "presence.heartbeat"
	TypePresenceSetStatus CommandType = "presence.set_status"
	TypePresenceGetBulk   CommandType = "presence.get_bulk"
	TypeTypingStart       CommandType = "typing.start"
	TypeTypingStop        CommandType = "typing.stop"
)

// Session kinds accepted by join/leave.
const (
	KindCall         = "call"
	KindPresence     = "presence"
	KindConversation = "conversation"
)

var ErrUnsupportedType = errors.New("unsupported command type")

type Envelope struct {
	Type CommandType `json:"type"`
}

// Join attaches the connection to a session: a call (key = call id), a
// watched user's presence (key = user id) or a conversation's typing set
// (key = conversation id).
type Join struct {
	Type CommandType `json:"type"`
	Kind string      `json:"session_kind"`
	Key  string      `json:"key"`
}

type Leave struct {
	Type CommandType `json:"type"`
	Kind string      `json:"session_kind"`
	Key  string      `json:"key"`
}

// CallSignal carries offer/answer/ice payloads. The payload is opaque to the
// engine and relayed verbatim.
type CallSignal struct {
	Type    CommandType `json:"type"`
	CallID  string      `json:"call_id"`
	Payload string      `json:"payload"`
}

type CallToggle struct {
	Type    CommandType `json:"type"`
	CallID  string      `json:"call_id"`
	Kind    string      `json:"kind"`
	Enabled bool        `json:"enabled"`
}

type PresenceHeartbeat struct {
	Type CommandType `json:"type"`
}

type PresenceSetStatus struct {
	Type   CommandType `json:"type"`
	Status string      `json:"status"`
}

type PresenceGetBulk struct {
	Type    CommandType `json:"type"`
	UserIDs []string    `json:"user_ids"`
}

type TypingStart struct {
	Type           CommandType `json:"type"`
	ConversationID string      `json:"conversation_id"`
}

type TypingStop struct {
	Type           CommandType `json:"type"`
	ConversationID string      `json:"conversation_id"`
}

// ParseCommand decodes and validates one inbound command frame. Malformed
// frames are rejected here, before any actor state is touched.
func ParseCommand(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeJoin:
		var msg Join
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if err := validateKindKey(msg.Kind, msg.Key); err != nil {
			return nil, fmt.Errorf("invalid join: %w", err)
		}
		return msg, nil
	case TypeLeave:
		var msg Leave
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if err := validateKindKey(msg.Kind, msg.Key); err != nil {
			return nil, fmt.Errorf("invalid leave: %w", err)
		}
		return msg, nil
	case TypeCallOffer, TypeCallAnswer, TypeCallICE:
		var msg CallSignal
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.CallID == "" || msg.Payload == "" {
			return nil, errors.New("invalid call signal")
		}
		return msg, nil
	case TypeCallToggle:
		var msg CallToggle
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.CallID == "" {
			return nil, errors.New("invalid call_toggle: missing call_id")
		}
		switch msg.Kind {
		case "audio", "video", "mute":
		default:
			return nil, fmt.Errorf("invalid call_toggle kind %q", msg.Kind)
		}
		return msg, nil
	case TypePresenceHeartbeat:
		var msg PresenceHeartbeat
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypePresenceSetStatus:
		var msg PresenceSetStatus
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Status == "" {
			return nil, errors.New("invalid presence.set_status: missing status")
		}
		return msg, nil
	case TypePresenceGetBulk:
		var msg PresenceGetBulk
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if len(msg.UserIDs) == 0 {
			return nil, errors.New("invalid presence.get_bulk: empty user_ids")
		}
		return msg, nil
	case TypeTypingStart:
		var msg TypingStart
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.ConversationID == "" {
			return nil, errors.New("invalid typing.start: missing conversation_id")
		}
		return msg, nil
	case TypeTypingStop:
		var msg TypingStop
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.ConversationID == "" {
			return nil, errors.New("invalid typing.stop: missing conversation_id")
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}

func validateKindKey(kind, key string) error {
	switch kind {
	case KindCall, KindPresence, KindConversation:
	default:
		return fmt.Errorf("unknown session_kind %q", kind)
	}
	if key == "" {
		return errors.New("missing key")
	}
	return nil
}
