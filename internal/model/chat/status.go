package chat

// Status tracks the send lifecycle of a conversation.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusSending   Status = "sending"
	StatusStreaming Status = "streaming"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// InFlight reports whether a send is still running.
func (s Status) InFlight() bool {
	return s == StatusSending || s == StatusStreaming
}

// Settled reports whether the last send reached a terminal state.
func (s Status) Settled() bool {
	return s == StatusSucceeded || s == StatusFailed
}
