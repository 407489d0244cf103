package protocol

import (
	"encoding/json"

	"github.com/quickchat/realtime-service/internal/event"
)

// FrameType identifies outbound websocket frames.
type FrameType string

const (
	FrameEvent    FrameType = "event"
	FrameError    FrameType = "error"
	FrameSnapshot FrameType = "snapshot"
)

// EventFrame wraps a broadcast event for wire delivery.
type EventFrame struct {
	Type  FrameType   `json:"type"`
	Event event.Event `json:"event"`
}

func NewEventFrame(ev event.Event) EventFrame {
	return EventFrame{Type: FrameEvent, Event: ev}
}

// ErrorFrame reports a rejected command. Actor state is unchanged when the
// client receives one.
type ErrorFrame struct {
	Type   FrameType `json:"type"`
	Code   string    `json:"code"`
	Detail string    `json:"detail,omitempty"`
}

func NewErrorFrame(code, detail string) ErrorFrame {
	return ErrorFrame{Type: FrameError, Code: code, Detail: detail}
}

// SnapshotFrame replies to join and presence.get_bulk with current state.
type SnapshotFrame struct {
	Type FrameType       `json:"type"`
	Kind string          `json:"session_kind"`
	Key  string          `json:"key,omitempty"`
	Data json.RawMessage `json:"data"`
}

func NewSnapshotFrame(kind, key string, data any) SnapshotFrame {
	raw, err := json.Marshal(data)
	if err != nil {
		raw = json.RawMessage("null")
	}
	return SnapshotFrame{Type: FrameSnapshot, Kind: kind, Key: key, Data: raw}
}
