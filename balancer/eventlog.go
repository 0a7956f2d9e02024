package balancer

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Action classifies what a balance event records.
type Action string

const (
	ActionShed    Action = "shed"
	ActionRestore Action = "restore"
	ActionSkipped Action = "skipped"
	ActionFailed  Action = "failed"
)

// Event is one entry in the balancing history.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`

	// Appliance is the affected switch entity, empty when no single appliance
	// was involved (e.g. "no action possible").
	Appliance string `json:"appliance,omitempty"`
	Action    Action `json:"action"`

	// Readings at decision time.
	TotalWatts   float64 `json:"total_watts"`
	BudgetWatts  float64 `json:"budget_watts"`
	DeficitWatts float64 `json:"deficit_watts"`

	Reason string `json:"reason"`
}

// String renders the event the way the log sensor displays it.
func (e Event) String() string {
	if e.Appliance == "" {
		return fmt.Sprintf("%s: %s", e.Action, e.Reason)
	}
	return fmt.Sprintf("%s %s: %s", e.Action, e.Appliance, e.Reason)
}

// EventLog is an append-only, capacity-bounded history of balancing actions.
// Once full, the oldest entry is evicted first. It is mutated only from within
// a decision cycle, so it carries no locking.
type EventLog struct {
	capacity int
	events   []Event
}

// DefaultLogCapacity matches the bound the log sensor advertises.
const DefaultLogCapacity = 50

// NewEventLog creates a log holding at most capacity entries.
func NewEventLog(capacity int) *EventLog {
	if capacity <= 0 {
		capacity = DefaultLogCapacity
	}
	return &EventLog{capacity: capacity}
}

// Append records an event, assigning its ID, and returns it.
func (l *EventLog) Append(e Event) Event {
	e.ID = uuid.NewString()
	l.events = append(l.events, e)
	if len(l.events) > l.capacity {
		l.events = append(l.events[:0], l.events[len(l.events)-l.capacity:]...)
	}
	return e
}

// Events returns the full sequence, oldest first.
func (l *EventLog) Events() []Event {
	out := make([]Event, len(l.events))
	copy(out, l.events)
	return out
}

// Synopsis returns the most recent entry rendered as a single value, or
// "initialized" before the first event.
func (l *EventLog) Synopsis() string {
	if len(l.events) == 0 {
		return "initialized"
	}
	return l.events[len(l.events)-1].String()
}

// Len reports the number of retained entries.
func (l *EventLog) Len() int {
	return len(l.events)
}
