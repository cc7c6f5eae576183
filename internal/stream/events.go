package stream

// EventType discriminates the messages sent over the push channel.
type EventType string

const (
	// EventProgress announces a stage is starting.
	EventProgress EventType = "progress"
	// EventDelta carries an intermediate result (or a partial-failure
	// notice) while later stages are still running.
	EventDelta EventType = "delta"
	// EventComplete is the terminal success message carrying the full
	// combined payload. Nothing follows it.
	EventComplete EventType = "complete"
	// EventError is the terminal failure message. No partial payload is
	// ever sent after it.
	EventError EventType = "error"
)

// Event is one message on the push channel.
type Event struct {
	Type        EventType `json:"event_type"`
	Stage       string    `json:"stage,omitempty"`
	StageIndex  int       `json:"stage_index,omitempty"`
	TotalStages int       `json:"total_stages,omitempty"`
	Message     string    `json:"message,omitempty"`
	Data        any       `json:"data,omitempty"`
}

// ProgressSink receives orchestrator events. The concrete transport (SSE
// handler, polling buffer, test harness) adapts this interface, keeping
// the orchestrator transport-agnostic. Emit returning an error means the
// consumer is gone; the orchestrator treats it like a client disconnect.
type ProgressSink interface {
	Emit(Event) error
}

// SinkFunc adapts a function to the ProgressSink interface.
type SinkFunc func(Event) error

// Emit calls f(e).
func (f SinkFunc) Emit(e Event) error { return f(e) }
