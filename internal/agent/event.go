package agent

// EventKind names what happened during a turn.
type EventKind string

// Event kinds, in the order a step produces them.
const (
	EventAssistant   EventKind = "assistant"
	EventAction      EventKind = "action"
	EventObservation EventKind = "observation"
	EventError       EventKind = "error"
	EventDone        EventKind = "done"
)

// Event is one step of progress, delivered to an Observer while the turn
// is still running.
type Event struct {
	Kind     EventKind `json:"kind"`
	Step     int       `json:"step"`
	Text     string    `json:"text,omitempty"`
	Action   string    `json:"action,omitempty"`
	Argument string    `json:"argument,omitempty"`
	// Answered is set on the done event when the model gave a Final Answer.
	Answered bool `json:"answered,omitempty"`
}

// Observer receives events. It runs on the loop's goroutine and should
// return quickly.
type Observer func(Event)
