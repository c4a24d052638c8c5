// Package command implements the durable command lifecycle: a priority
// queue per satellite with at-most-one in-flight dispatch, retry with
// exponential backoff, a timeout sweep, and the executor that simulates
// the ground link and runs type-specific handlers.
package command

import (
	"time"

	"github.com/stellarops/stellarops/internal/faults"
)

// Named priority levels. Priority is an open integer scale where higher
// dispatches first; these are the conventional operator levels.
const (
	PriorityCritical = 100
	PriorityHigh     = 75
	PriorityNormal   = 50
	PriorityLow      = 25
)

// ParsePriority maps a named level to its numeric value.
func ParsePriority(s string) (int, error) {
	switch s {
	case "critical":
		return PriorityCritical, nil
	case "high":
		return PriorityHigh, nil
	case "normal":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	default:
		return 0, faults.Validation.New("unknown priority %q", s)
	}
}

// Status is a command's position in its lifecycle state machine.
type Status string

const (
	StatusQueued       Status = "queued"
	StatusPending      Status = "pending"
	StatusAcknowledged Status = "acknowledged"
	StatusExecuting    Status = "executing"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusCancelled    Status = "cancelled"
)

// transitions lists the valid arrows. Retry requeue (non-terminal back to
// queued) is handled separately by the queue and is not a general arrow.
var transitions = map[Status][]Status{
	StatusQueued:       {StatusPending, StatusCancelled},
	StatusPending:      {StatusAcknowledged, StatusFailed, StatusCancelled},
	StatusAcknowledged: {StatusExecuting, StatusFailed, StatusCancelled},
	StatusExecuting:    {StatusCompleted, StatusFailed},
}

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether s → to is a valid arrow.
func (s Status) CanTransition(to Status) bool {
	for _, t := range transitions[s] {
		if t == to {
			return true
		}
	}
	return false
}

// Command is one instruction bound for a satellite. Terminal commands are
// never mutated again.
type Command struct {
	ID          string         `json:"id" db:"id"`
	SatelliteID string         `json:"satellite_id" db:"satellite_id"`
	Type        string         `json:"type" db:"type"`
	Payload     map[string]any `json:"payload,omitempty" db:"-"`
	Priority    int            `json:"priority" db:"priority"`
	Status      Status         `json:"status" db:"status"`
	TimeoutMS   int            `json:"timeout_ms" db:"timeout_ms"`
	RetryCount  int            `json:"retry_count" db:"retry_count"`

	ScheduledAt *time.Time `json:"scheduled_at,omitempty" db:"scheduled_at"`
	InsertedAt  time.Time  `json:"inserted_at" db:"inserted_at"`
	SentAt      time.Time  `json:"sent_at,omitzero" db:"sent_at"`
	StartedAt   time.Time  `json:"started_at,omitzero" db:"started_at"`
	CompletedAt time.Time  `json:"completed_at,omitzero" db:"completed_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`

	Result    map[string]any `json:"result,omitempty" db:"-"`
	Error     string         `json:"error,omitempty" db:"error"`
	ErrorKind string         `json:"error_kind,omitempty" db:"error_kind"`
}

// transition moves the command to a new status or rejects the arrow.
func (c *Command) transition(to Status, now time.Time) error {
	if !c.Status.CanTransition(to) {
		return faults.InvalidStatus.New("command %s cannot go %s -> %s", c.ID, c.Status, to)
	}
	c.Status = to
	c.UpdatedAt = now
	return nil
}

// Timeout is the command's execution deadline as a duration.
func (c *Command) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

// InFlight reports whether the command occupies its satellite's single
// dispatch slot.
func (c *Command) InFlight() bool {
	switch c.Status {
	case StatusPending, StatusAcknowledged, StatusExecuting:
		return true
	}
	return false
}

// Ready reports whether the command may be dispatched at the given time.
func (c *Command) Ready(now time.Time) bool {
	return c.ScheduledAt == nil || !c.ScheduledAt.After(now)
}

// clone returns a deep enough copy for handing outside the queue lock.
func (c *Command) clone() *Command {
	cp := *c
	if c.ScheduledAt != nil {
		t := *c.ScheduledAt
		cp.ScheduledAt = &t
	}
	if c.Payload != nil {
		cp.Payload = make(map[string]any, len(c.Payload))
		for k, v := range c.Payload {
			cp.Payload[k] = v
		}
	}
	if c.Result != nil {
		cp.Result = make(map[string]any, len(c.Result))
		for k, v := range c.Result {
			cp.Result[k] = v
		}
	}
	return &cp
}
