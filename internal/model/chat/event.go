package chat

// EventType enumerates state transitions applied to a conversation.
type EventType string

const (
	// EventMessageAdded appends a complete message (the user's question).
	EventMessageAdded EventType = "message_added"
	// EventMessageStarted appends the empty assistant placeholder.
	EventMessageStarted EventType = "message_started"
	// EventMessageAppended replaces the assistant content after a typed slice.
	EventMessageAppended EventType = "message_appended"
	// EventMessageFinished commits the final normalized content.
	EventMessageFinished EventType = "message_finished"
	// EventStatusChanged reports a send lifecycle transition.
	EventStatusChanged EventType = "status_changed"
)

// Event is addressed by conversation and message identity so updates can be
// replayed against a store independently of rendering.
type Event struct {
	Type           EventType `json:"type"`
	ConversationID string    `json:"conversationId"`
	MessageID      string    `json:"messageId,omitempty"`
	Message        *Message  `json:"message,omitempty"`
	// Content is the full message content after the update.
	Content string `json:"content,omitempty"`
	// Delta is the raw text revealed by this update.
	Delta  string `json:"delta,omitempty"`
	Status Status `json:"status,omitempty"`
	Error  string `json:"error,omitempty"`
}
