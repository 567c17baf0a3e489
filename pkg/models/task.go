package models

import "time"

type TaskStatus string

const (
	PendingTaskStatus   TaskStatus = "pending"
	ActiveTaskStatus    TaskStatus = "active"
	CompletedTaskStatus TaskStatus = "completed"
	FailedTaskStatus    TaskStatus = "failed"
	CancelledTaskStatus TaskStatus = "cancelled"
)

// TaskType classifies a task and selects its default workflow template.
type TaskType string

const (
	FeaturePlanningTaskType TaskType = "feature-planning"
	IssueResolutionTaskType TaskType = "issue-resolution"
	DocumentationTaskType   TaskType = "documentation"
	ResearchTaskType        TaskType = "research"
	RefactoringTaskType     TaskType = "refactoring"
	CustomTaskType          TaskType = "custom"
)

// TaskTypes lists every known task type in display order.
var TaskTypes = []TaskType{
	FeaturePlanningTaskType,
	IssueResolutionTaskType,
	DocumentationTaskType,
	ResearchTaskType,
	RefactoringTaskType,
	CustomTaskType,
}

func (t TaskType) Valid() bool {
	for _, known := range TaskTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Task is the outer unit of work tracked by the system.
type Task struct {
	ID          string     `json:"task_id" db:"task_id"`
	Title       string     `json:"title" db:"title"`
	Description string     `json:"description,omitempty" db:"description"`
	Type        TaskType   `json:"task_type" db:"task_type"`
	Status      TaskStatus `json:"status" db:"status"`
	Progress    int        `json:"progress_percentage" db:"progress_percentage"` // Derived from step completion
	WorkflowID  string     `json:"workflow_id" db:"workflow_id"`                 // Empty until a workflow is linked
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty" db:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	Metadata    JSONMap    `json:"metadata,omitempty" db:"metadata"`
}

// IsOpen reports whether the task still shows up in the active task list.
func (t Task) IsOpen() bool {
	return t.Status == PendingTaskStatus || t.Status == ActiveTaskStatus
}
