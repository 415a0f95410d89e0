package model

// EventType classifies lifecycle and output events for one execution.
type EventType string

const (
	EventStatus    EventType = "status"
	EventOutput    EventType = "output"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
	EventTimeout   EventType = "timeout"
)

// OutputStream names the origin of an output chunk.
type OutputStream string

const (
	StreamStdout OutputStream = "stdout"
	StreamStderr OutputStream = "stderr"
)

// Event is one entry of an execution's ordered event stream.
// Seq is assigned by the streamer and strictly increases per execution.
type Event struct {
	ExecutionID string       `json:"execution_id"`
	Seq         uint64       `json:"seq"`
	Type        EventType    `json:"type"`
	Status      ExecStatus   `json:"status,omitempty"`
	Stream      OutputStream `json:"stream,omitempty"`
	Data        string       `json:"data,omitempty"`
	At          int64        `json:"at"` // unix milliseconds
}

// IsTerminal reports whether the event closes the stream.
func (e Event) IsTerminal() bool {
	switch e.Type {
	case EventCompleted, EventFailed, EventTimeout:
		return true
	}
	return false
}

// TerminalEventType maps a terminal execution status to its event type.
func TerminalEventType(status ExecStatus) EventType {
	switch status {
	case StatusCompleted:
		return EventCompleted
	case StatusTimedOut:
		return EventTimeout
	default:
		return EventFailed
	}
}
