package command

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/naok1207/workflow-visualizer/pkg/models"
	"github.com/naok1207/workflow-visualizer/pkg/service"
)

// request is a decoded command payload.
type request interface {
	Validate() error
}

func invalid(format string, args ...interface{}) error {
	return &service.Error{Kind: service.KindValidation, Message: fmt.Sprintf(format, args...)}
}

// decode rejects unknown fields and trailing data, then validates req.
func decode(raw json.RawMessage, req request) error {
	body := bytes.TrimSpace(raw)
	if len(body) == 0 || bytes.Equal(body, []byte("null")) {
		body = []byte("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(req); err != nil {
		return invalid("invalid arguments: %v", err)
	}
	if dec.More() {
		return invalid("invalid arguments: trailing data")
	}
	return req.Validate()
}

func required(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return invalid("%s is required", field)
	}
	return nil
}

type CreateTaskRequest struct {
	Title            string          `json:"title"`
	Description      string          `json:"description,omitempty"`
	TaskType         models.TaskType `json:"task_type"`
	WorkflowTemplate string          `json:"workflow_template,omitempty"`
	Metadata         models.JSONMap  `json:"metadata,omitempty"`
}

func (r *CreateTaskRequest) Validate() error {
	if err := required("title", r.Title); err != nil {
		return err
	}
	if !r.TaskType.Valid() {
		return invalid("task_type must be one of %s", joinTypes())
	}
	return nil
}

type UpdateTaskProgressRequest struct {
	TaskID      string             `json:"task_id"`
	CurrentStep string             `json:"current_step,omitempty"`
	Status      *models.StepStatus `json:"status,omitempty"`
	Result      models.JSONMap     `json:"result,omitempty"`
	Error       *string            `json:"error,omitempty"`
}

func (r *UpdateTaskProgressRequest) Validate() error {
	if err := required("task_id", r.TaskID); err != nil {
		return err
	}
	if r.Status != nil && *r.Status != models.CompletedStepStatus && *r.Status != models.FailedStepStatus {
		return invalid("status must be completed or failed")
	}
	return nil
}

type GetTaskStatusRequest struct {
	TaskID          string `json:"task_id"`
	IncludeWorkflow bool   `json:"include_workflow,omitempty"`
	IncludeHistory  bool   `json:"include_history,omitempty"`
}

func (r *GetTaskStatusRequest) Validate() error {
	return required("task_id", r.TaskID)
}

type ListActiveTasksRequest struct {
	TaskType models.TaskType `json:"task_type,omitempty"`
	Limit    int             `json:"limit,omitempty"`
	Offset   int             `json:"offset,omitempty"`
}

func (r *ListActiveTasksRequest) Validate() error {
	if r.TaskType != "" && !r.TaskType.Valid() {
		return invalid("task_type must be one of %s", joinTypes())
	}
	if r.Limit < 0 || r.Offset < 0 {
		return invalid("limit and offset must not be negative")
	}
	return nil
}

type NewStepArgs struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

type AddWorkflowStepRequest struct {
	TaskID    string      `json:"task_id"`
	AfterStep string      `json:"after_step,omitempty"`
	NewStep   NewStepArgs `json:"new_step"`
}

func (r *AddWorkflowStepRequest) Validate() error {
	if err := required("task_id", r.TaskID); err != nil {
		return err
	}
	if err := required("new_step.id", r.NewStep.ID); err != nil {
		return err
	}
	return required("new_step.name", r.NewStep.Name)
}

type StepUpdatesArgs struct {
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
	Order       *int    `json:"order,omitempty"`
}

type ModifyWorkflowRequest struct {
	TaskID  string          `json:"task_id"`
	StepID  string          `json:"step_id"`
	Updates StepUpdatesArgs `json:"updates"`
}

func (r *ModifyWorkflowRequest) Validate() error {
	if err := required("task_id", r.TaskID); err != nil {
		return err
	}
	if err := required("step_id", r.StepID); err != nil {
		return err
	}
	if r.Updates.Name != nil && strings.TrimSpace(*r.Updates.Name) == "" {
		return invalid("updates.name cannot be empty")
	}
	if r.Updates.Order != nil && *r.Updates.Order < 1 {
		return invalid("updates.order must be at least 1")
	}
	return nil
}

type ForkWorkflowRequest struct {
	TaskID        string `json:"task_id"`
	FromStep      string `json:"from_step"`
	NewBranchName string `json:"new_branch_name"`
}

func (r *ForkWorkflowRequest) Validate() error {
	if err := required("task_id", r.TaskID); err != nil {
		return err
	}
	if err := required("from_step", r.FromStep); err != nil {
		return err
	}
	return required("new_branch_name", r.NewBranchName)
}

type GetWorkflowHistoryRequest struct {
	TaskID string `json:"task_id"`
	Limit  int    `json:"limit,omitempty"`
}

func (r *GetWorkflowHistoryRequest) Validate() error {
	if err := required("task_id", r.TaskID); err != nil {
		return err
	}
	if r.Limit < 0 {
		return invalid("limit must not be negative")
	}
	return nil
}

// emptyRequest accepts only {} or no body.
type emptyRequest struct{}

func (*emptyRequest) Validate() error { return nil }

func joinTypes() string {
	names := make([]string, len(models.TaskTypes))
	for i, t := range models.TaskTypes {
		names[i] = string(t)
	}
	return strings.Join(names, ", ")
}
