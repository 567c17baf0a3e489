package models

import "time"

type WorkflowStatus string

const (
	ActiveWorkflowStatus    WorkflowStatus = "active"
	CompletedWorkflowStatus WorkflowStatus = "completed"
	CancelledWorkflowStatus WorkflowStatus = "cancelled"
)

type StepStatus string

const (
	PendingStepStatus   StepStatus = "pending"
	ActiveStepStatus    StepStatus = "active"
	CompletedStepStatus StepStatus = "completed"
	FailedStepStatus    StepStatus = "failed"
	SkippedStepStatus   StepStatus = "skipped"
)

func (s StepStatus) Valid() bool {
	switch s {
	case PendingStepStatus, ActiveStepStatus, CompletedStepStatus, FailedStepStatus, SkippedStepStatus:
		return true
	}
	return false
}

// Terminal reports whether the status ends the step's lifetime.
func (s StepStatus) Terminal() bool {
	return s == CompletedStepStatus || s == FailedStepStatus || s == SkippedStepStatus
}

// Open reports whether the step can still make progress.
func (s StepStatus) Open() bool {
	return s == PendingStepStatus || s == ActiveStepStatus
}

// Workflow is the ordered plan of steps that accomplishes a task.
type Workflow struct {
	ID            string         `json:"workflow_id" db:"workflow_id"`
	TaskID        string         `json:"task_id" db:"task_id"`
	Name          string         `json:"name" db:"name"`
	Status        WorkflowStatus `json:"status" db:"status"`
	CurrentStepID *string        `json:"current_step_id,omitempty" db:"current_step_id"` // nil once completed or while empty
	CreatedAt     time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at" db:"updated_at"`
	Steps         []Step         `json:"steps"` // Ordered by OrderIndex (populated by the store)
}

// Step is one ordered unit within a workflow.
type Step struct {
	ID          string     `json:"step_id" db:"step_id"`
	WorkflowID  string     `json:"-" db:"workflow_id"`
	Name        string     `json:"name" db:"name"`
	Description string     `json:"description,omitempty" db:"description"`
	OrderIndex  int        `json:"order_index" db:"order_index"`
	Status      StepStatus `json:"status" db:"status"`
	StartedAt   *time.Time `json:"started_at,omitempty" db:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	Result      JSONMap    `json:"result,omitempty" db:"result"`
	Error       string     `json:"error,omitempty" db:"error"`
	CreatedAt   time.Time  `json:"-" db:"created_at"`
	UpdatedAt   time.Time  `json:"-" db:"updated_at"`
}

// StepByID returns the step with the given ID, if the workflow holds one.
func (w Workflow) StepByID(id string) (Step, bool) {
	for _, s := range w.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return Step{}, false
}

// CurrentStep resolves the cursor to its step.
func (w Workflow) CurrentStep() (Step, bool) {
	if w.CurrentStepID == nil {
		return Step{}, false
	}
	return w.StepByID(*w.CurrentStepID)
}

// StepTemplate describes a step to materialize when a workflow is created.
type StepTemplate struct {
	ID          string `json:"id" yaml:"id"`
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description"`
	Order       int    `json:"order" yaml:"order"`
}
