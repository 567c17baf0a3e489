package models

import "time"

type HistoryAction string

const (
	CreatedHistoryAction      HistoryAction = "created"
	StepAddedHistoryAction    HistoryAction = "step_added"
	StepModifiedHistoryAction HistoryAction = "step_modified"
	StepRemovedHistoryAction  HistoryAction = "step_removed"
	ForkedHistoryAction       HistoryAction = "forked"
)

// HistoryEntry is an immutable audit record of a workflow-level change.
type HistoryEntry struct {
	Seq        int64         `json:"-" db:"seq"` // Assigned by the store, strictly increasing
	ID         string        `json:"history_id" db:"history_id"`
	WorkflowID string        `json:"workflow_id" db:"workflow_id"`
	Action     HistoryAction `json:"action" db:"action"`
	Details    JSONMap       `json:"details" db:"details"`
	CreatedAt  time.Time     `json:"created_at" db:"created_at"`
}
