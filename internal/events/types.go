// Package events provides event types and publishing infrastructure for klyve.
package events

import (
	"time"
)

// EventType defines the type of event.
type EventType string

const (
	// EventPhase indicates the orchestrator committed a phase transition.
	EventPhase EventType = "phase"
	// EventBacklog indicates a change-request node was added, moved, reordered, or deleted.
	EventBacklog EventType = "backlog"
	// EventSprint indicates a sprint was created, gated, or closed.
	EventSprint EventType = "sprint"
	// EventProgress carries a progress tuple from a background task.
	EventProgress EventType = "progress"
	// EventTaskDone indicates a background task delivered its result.
	EventTaskDone EventType = "task_done"
	// EventEscalation indicates the debug controller changed state.
	EventEscalation EventType = "escalation"
	// EventError indicates a non-fatal error worth surfacing.
	EventError EventType = "error"
)

// Event represents a published event.
type Event struct {
	Type      EventType `json:"type"`
	ProjectID string    `json:"project_id"`
	Data      any       `json:"data"`
	Time      time.Time `json:"time"`
}

// NewEvent creates a new event with the current timestamp.
func NewEvent(eventType EventType, projectID string, data any) Event {
	return Event{
		Type:      eventType,
		ProjectID: projectID,
		Data:      data,
		Time:      time.Now(),
	}
}

// PhaseUpdate represents a committed phase change.
type PhaseUpdate struct {
	From string `json:"from"`
	To   string `json:"to"`
	Step string `json:"step,omitempty"`
}

// BacklogUpdate describes a tree mutation.
type BacklogUpdate struct {
	Op       string  `json:"op"` // add, move, reorder, delete, status
	NodeIDs  []int64 `json:"node_ids"`
	ParentID *int64  `json:"parent_id,omitempty"`
}

// SprintUpdate describes a sprint lifecycle change.
type SprintUpdate struct {
	SprintID string `json:"sprint_id"`
	Status   string `json:"status"`
}

// ProgressUpdate mirrors a task progress tuple. Tags are open-ended.
type ProgressUpdate struct {
	TaskID  string `json:"task_id"`
	Tag     string `json:"tag"`
	Payload any    `json:"payload,omitempty"`
}

// TaskResult reports the terminal outcome of a background task.
type TaskResult struct {
	TaskID    string `json:"task_id"`
	Name      string `json:"name"`
	Cancelled bool   `json:"cancelled,omitempty"`
	Error     string `json:"error,omitempty"`
}

// EscalationUpdate reports the debug controller's state after a change.
type EscalationUpdate struct {
	State    string `json:"state"`
	Attempts int    `json:"attempts"`
	Max      int    `json:"max"`
	Decision string `json:"decision,omitempty"`
}
