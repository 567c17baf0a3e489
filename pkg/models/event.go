package models

import "time"

type EventKind string

const (
	TaskCreatedEvent      EventKind = "task_created"
	ProgressUpdatedEvent  EventKind = "progress_updated"
	WorkflowModifiedEvent EventKind = "workflow_modified"
)

// Event is a mutation notification published after a commit.
type Event struct {
	Kind       EventKind `json:"type"`
	TaskID     string    `json:"-"`
	Data       any       `json:"data"`
	OccurredAt time.Time `json:"occurred_at"`
}

// ProgressUpdate is the payload of a progress_updated event.
type ProgressUpdate struct {
	TaskID      string `json:"task_id"`
	Progress    int    `json:"progress_percentage"`
	CurrentStep *Step  `json:"current_step,omitempty"`
}

// WorkflowChange is the payload of a workflow_modified event.
type WorkflowChange struct {
	TaskID   string        `json:"task_id"`
	Action   HistoryAction `json:"action"`
	Workflow Workflow      `json:"workflow"`
}
