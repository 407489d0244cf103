package event

// Payload shapes for the events this engine publishes. Kept in one place so
// gateway clients and downstream consumers share a single wire contract.

type PresenceStatePayload struct {
	UserID       string            `json:"user_id"`
	Status       string            `json:"status"`
	LastActivity int64             `json:"last_activity_ms"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

type PresenceChangePayload struct {
	UserID string `json:"user_id"`
	Status string `json:"status"`
}

type TypingPayload struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	Typing         bool   `json:"typing"`
}

type ParticipantPayload struct {
	CallID string `json:"call_id"`
	UserID string `json:"user_id"`
}

type SignalPayload struct {
	CallID string `json:"call_id"`
	From   string `json:"from"`
	// SDP or ICE candidate blob, relayed verbatim.
	Data string `json:"data"`
}

type MediaTogglePayload struct {
	CallID  string `json:"call_id"`
	UserID  string `json:"user_id"`
	Kind    string `json:"kind"`
	Enabled bool   `json:"enabled"`
}

type CallEndedPayload struct {
	CallID string `json:"call_id"`
	Reason string `json:"reason"`
}
