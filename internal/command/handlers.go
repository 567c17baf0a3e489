package command

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/naok1207/workflow-visualizer/pkg/models"
	"github.com/naok1207/workflow-visualizer/pkg/service"
	"github.com/naok1207/workflow-visualizer/pkg/templates"
)

// StatusHistoryLimit is how many history entries get_task_status returns.
const StatusHistoryLimit = 20

func (d *Dispatcher) register() {
	d.add(Definition{
		Name:        "create_task",
		Description: "Create a task and its workflow from the task type's default template or a named template",
		Params: []Param{
			{Name: "title", Type: "string", Required: true, Description: "Task title"},
			{Name: "description", Type: "string", Description: "Task description"},
			{Name: "task_type", Type: "string", Required: true, Description: "One of " + joinTypes()},
			{Name: "workflow_template", Type: "string", Description: "Template name overriding the task type default"},
			{Name: "metadata", Type: "object", Description: "Free-form metadata"},
		},
	}, d.createTask)

	d.add(Definition{
		Name:        "update_task_progress",
		Description: "Complete or fail a step and report the recomputed progress",
		Params: []Param{
			{Name: "task_id", Type: "string", Required: true, Description: "Task ID"},
			{Name: "current_step", Type: "string", Description: "Step ID; defaults to the workflow's current step"},
			{Name: "status", Type: "string", Description: "completed or failed; omit to only read progress"},
			{Name: "result", Type: "object", Description: "Step result"},
			{Name: "error", Type: "string", Description: "Failure message"},
		},
	}, d.updateTaskProgress)

	d.add(Definition{
		Name:        "get_task_status",
		Description: "Get a task with optionally its workflow and recent history",
		Params: []Param{
			{Name: "task_id", Type: "string", Required: true, Description: "Task ID"},
			{Name: "include_workflow", Type: "boolean", Description: "Include the workflow and its steps"},
			{Name: "include_history", Type: "boolean", Description: fmt.Sprintf("Include the last %d history entries", StatusHistoryLimit)},
		},
	}, d.getTaskStatus)

	d.add(Definition{
		Name:        "list_active_tasks",
		Description: "List pending and active tasks, newest first",
		Params: []Param{
			{Name: "task_type", Type: "string", Description: "Filter by task type"},
			{Name: "limit", Type: "integer", Description: fmt.Sprintf("Page size (default %d)", service.DefaultListLimit)},
			{Name: "offset", Type: "integer", Description: "Page offset"},
		},
	}, d.listActiveTasks)

	d.add(Definition{
		Name:        "add_workflow_step",
		Description: "Insert a step into a running workflow",
		Params: []Param{
			{Name: "task_id", Type: "string", Required: true, Description: "Task ID"},
			{Name: "after_step", Type: "string", Description: "Insert after this step; appended when omitted"},
			{Name: "new_step", Type: "object", Required: true, Description: "{id, name, description?}"},
		},
	}, d.addWorkflowStep)

	d.add(Definition{
		Name:        "modify_workflow",
		Description: "Rename, describe or move a step",
		Params: []Param{
			{Name: "task_id", Type: "string", Required: true, Description: "Task ID"},
			{Name: "step_id", Type: "string", Required: true, Description: "Step ID"},
			{Name: "updates", Type: "object", Required: true, Description: "{name?, description?, order?}"},
		},
	}, d.modifyWorkflow)

	d.add(Definition{
		Name:        "fork_workflow",
		Description: "Branch a new task from the steps after a given step",
		Params: []Param{
			{Name: "task_id", Type: "string", Required: true, Description: "Task ID"},
			{Name: "from_step", Type: "string", Required: true, Description: "Fork point step ID"},
			{Name: "new_branch_name", Type: "string", Required: true, Description: "Branch name"},
		},
	}, d.forkWorkflow)

	d.add(Definition{
		Name:        "get_workflow_history",
		Description: "Get the change history of a task's workflow, newest first",
		Params: []Param{
			{Name: "task_id", Type: "string", Required: true, Description: "Task ID"},
			{Name: "limit", Type: "integer", Description: fmt.Sprintf("Entries to return (default %d)", service.DefaultHistoryLimit)},
		},
	}, d.getWorkflowHistory)

	d.add(Definition{
		Name:        "get_system_info",
		Description: "Report version, store health, observers and task counts",
	}, d.getSystemInfo)

	d.add(Definition{
		Name:        "list_task_types",
		Description: "List task types with their default step templates",
	}, d.listTaskTypes)
}

type CreateTaskResult struct {
	TaskID     string            `json:"task_id"`
	Title      string            `json:"title"`
	WorkflowID string            `json:"workflow_id"`
	Status     models.TaskStatus `json:"status"`
	Steps      []models.Step     `json:"steps"`
	Message    string            `json:"message"`
}

func (d *Dispatcher) createTask(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var req CreateTaskRequest
	if err := decode(raw, &req); err != nil {
		return nil, err
	}
	steps := d.deps.Templates.ForType(req.TaskType)
	if req.WorkflowTemplate != "" {
		var ok bool
		if steps, ok = d.deps.Templates.Template(req.WorkflowTemplate); !ok {
			return nil, invalid("unknown workflow_template %q", req.WorkflowTemplate)
		}
	}
	task, wf, err := d.deps.Workflows.CreateTask(ctx, service.NewTask{
		Title:       req.Title,
		Description: req.Description,
		Type:        req.TaskType,
		Metadata:    req.Metadata,
	}, steps)
	if err != nil {
		return nil, err
	}
	return CreateTaskResult{
		TaskID:     task.ID,
		Title:      task.Title,
		WorkflowID: wf.ID,
		Status:     task.Status,
		Steps:      wf.Steps,
		Message:    fmt.Sprintf("Created task %q", task.Title),
	}, nil
}

type ProgressResult struct {
	TaskID         string                `json:"task_id"`
	Progress       int                   `json:"progress_percentage"`
	CurrentStep    string                `json:"current_step,omitempty"`
	WorkflowStatus models.WorkflowStatus `json:"workflow_status"`
	Message        string                `json:"message"`
}

func (d *Dispatcher) updateTaskProgress(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var req UpdateTaskProgressRequest
	if err := decode(raw, &req); err != nil {
		return nil, err
	}
	task, err := d.deps.Tasks.GetTask(ctx, req.TaskID)
	if err != nil {
		return nil, err
	}
	wf, err := d.deps.Workflows.GetWorkflowByTaskID(ctx, req.TaskID)
	if err != nil {
		return nil, err
	}

	stepID := req.CurrentStep
	if stepID == "" && wf.CurrentStepID != nil {
		stepID = *wf.CurrentStepID
	}
	if stepID != "" {
		if _, ok := wf.StepByID(stepID); !ok {
			return nil, &service.Error{Kind: service.KindNotFound, Op: "update_task_progress",
				Message: fmt.Sprintf("step %s not found in workflow %s", stepID, wf.ID)}
		}
	}

	message := "Progress unchanged"
	if req.Status == nil {
		tr, err := d.deps.Workflows.RefreshProgress(ctx, wf.ID)
		if err != nil {
			return nil, err
		}
		task, wf = tr.Task, tr.Workflow
	} else {
		if stepID == "" {
			return nil, &service.Error{Kind: service.KindInvalidState, Op: "update_task_progress",
				Message: fmt.Sprintf("workflow %s is %s and has no current step", wf.ID, wf.Status)}
		}
		tr, err := d.deps.Workflows.UpdateStep(ctx, wf.ID, stepID, service.StepUpdate{
			Status: req.Status,
			Result: req.Result,
			Error:  req.Error,
		})
		if err != nil {
			return nil, err
		}
		task, wf = tr.Task, tr.Workflow
		message = fmt.Sprintf("Step %q marked %s", tr.Step.Name, tr.Step.Status)
	}

	res := ProgressResult{
		TaskID:         task.ID,
		Progress:       task.Progress,
		WorkflowStatus: wf.Status,
		Message:        message,
	}
	if current, ok := wf.CurrentStep(); ok {
		res.CurrentStep = current.Name
	}
	return res, nil
}

type TaskStatusResult struct {
	Task     models.Task           `json:"task"`
	Workflow *models.Workflow      `json:"workflow,omitempty"`
	History  []models.HistoryEntry `json:"history,omitempty"`
}

func (d *Dispatcher) getTaskStatus(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var req GetTaskStatusRequest
	if err := decode(raw, &req); err != nil {
		return nil, err
	}
	return d.TaskStatus(ctx, req)
}

// TaskStatus is shared with the read API.
func (d *Dispatcher) TaskStatus(ctx context.Context, req GetTaskStatusRequest) (TaskStatusResult, error) {
	task, err := d.deps.Tasks.GetTask(ctx, req.TaskID)
	if err != nil {
		return TaskStatusResult{}, err
	}
	res := TaskStatusResult{Task: task}
	if !req.IncludeWorkflow && !req.IncludeHistory {
		return res, nil
	}
	wf, err := d.deps.Workflows.GetWorkflowByTaskID(ctx, req.TaskID)
	if service.IsKind(err, service.KindNotFound) {
		return res, nil
	}
	if err != nil {
		return TaskStatusResult{}, err
	}
	if req.IncludeWorkflow {
		res.Workflow = &wf
	}
	if req.IncludeHistory {
		if res.History, err = d.deps.Workflows.History(ctx, wf.ID, StatusHistoryLimit); err != nil {
			return TaskStatusResult{}, err
		}
	}
	return res, nil
}

func (d *Dispatcher) listActiveTasks(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var req ListActiveTasksRequest
	if err := decode(raw, &req); err != nil {
		return nil, err
	}
	return d.deps.Tasks.ListActive(ctx, service.ActiveFilter{
		Type:   req.TaskType,
		Limit:  req.Limit,
		Offset: req.Offset,
	})
}

type StepResult struct {
	TaskID     string          `json:"task_id"`
	WorkflowID string          `json:"workflow_id"`
	Step       models.Step     `json:"step"`
	Workflow   models.Workflow `json:"workflow"`
	Message    string          `json:"message"`
}

func (d *Dispatcher) addWorkflowStep(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var req AddWorkflowStepRequest
	if err := decode(raw, &req); err != nil {
		return nil, err
	}
	wf, err := d.deps.Workflows.GetWorkflowByTaskID(ctx, req.TaskID)
	if err != nil {
		return nil, err
	}
	tr, err := d.deps.Workflows.AddStep(ctx, wf.ID, req.AfterStep, service.NewStep{
		ID:          req.NewStep.ID,
		Name:        req.NewStep.Name,
		Description: req.NewStep.Description,
	})
	if err != nil {
		return nil, err
	}
	return StepResult{
		TaskID:     req.TaskID,
		WorkflowID: wf.ID,
		Step:       tr.Step,
		Workflow:   tr.Workflow,
		Message:    fmt.Sprintf("Added step %q at position %d", tr.Step.Name, tr.Step.OrderIndex),
	}, nil
}

func (d *Dispatcher) modifyWorkflow(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var req ModifyWorkflowRequest
	if err := decode(raw, &req); err != nil {
		return nil, err
	}
	wf, err := d.deps.Workflows.GetWorkflowByTaskID(ctx, req.TaskID)
	if err != nil {
		return nil, err
	}
	tr, err := d.deps.Workflows.ModifyStep(ctx, wf.ID, req.StepID, service.StepChanges{
		Name:        req.Updates.Name,
		Description: req.Updates.Description,
		Order:       req.Updates.Order,
	})
	if err != nil {
		return nil, err
	}
	return StepResult{
		TaskID:     req.TaskID,
		WorkflowID: wf.ID,
		Step:       tr.Step,
		Workflow:   tr.Workflow,
		Message:    fmt.Sprintf("Updated step %q", tr.Step.Name),
	}, nil
}

type ForkResult struct {
	OriginalTaskID   string        `json:"original_task_id"`
	ForkedTaskID     string        `json:"forked_task_id"`
	ForkedWorkflowID string        `json:"forked_workflow_id"`
	FromStep         string        `json:"from_step"`
	BranchName       string        `json:"branch_name"`
	Steps            []models.Step `json:"steps"`
	Message          string        `json:"message"`
}

func (d *Dispatcher) forkWorkflow(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var req ForkWorkflowRequest
	if err := decode(raw, &req); err != nil {
		return nil, err
	}
	res, err := d.deps.Workflows.Fork(ctx, req.TaskID, req.FromStep, req.NewBranchName)
	if err != nil {
		return nil, err
	}
	return ForkResult{
		OriginalTaskID:   req.TaskID,
		ForkedTaskID:     res.Task.ID,
		ForkedWorkflowID: res.Workflow.ID,
		FromStep:         req.FromStep,
		BranchName:       req.NewBranchName,
		Steps:            res.Workflow.Steps,
		Message:          fmt.Sprintf("Forked workflow into %q", res.Task.Title),
	}, nil
}

type HistoryResult struct {
	TaskID     string                `json:"task_id"`
	WorkflowID string                `json:"workflow_id"`
	History    []models.HistoryEntry `json:"history"`
	Total      int                   `json:"total_entries"`
}

func (d *Dispatcher) getWorkflowHistory(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var req GetWorkflowHistoryRequest
	if err := decode(raw, &req); err != nil {
		return nil, err
	}
	wf, err := d.deps.Workflows.GetWorkflowByTaskID(ctx, req.TaskID)
	if err != nil {
		return nil, err
	}
	entries, err := d.deps.Workflows.History(ctx, wf.ID, req.Limit)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []models.HistoryEntry{}
	}
	return HistoryResult{
		TaskID:     req.TaskID,
		WorkflowID: wf.ID,
		History:    entries,
		Total:      len(entries),
	}, nil
}

type SystemInfo struct {
	Version     string `json:"version"`
	Store       string `json:"store"`
	Subscribers int    `json:"subscribers"`
	service.Stats
	Uptime string `json:"uptime"`
}

func (d *Dispatcher) getSystemInfo(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	if err := decode(raw, &emptyRequest{}); err != nil {
		return nil, err
	}
	info := SystemInfo{
		Version: d.deps.Version,
		Store:   "ok",
		Uptime:  d.deps.Clock.Since(d.started).Truncate(time.Second).String(),
	}
	if d.deps.Store != nil {
		if err := d.deps.Store.Ping(ctx); err != nil {
			d.deps.Logger.Errorf("Store ping failed: %v", err)
			info.Store = "unavailable"
		}
	}
	if d.deps.Subscribers != nil {
		info.Subscribers = d.deps.Subscribers()
	}
	stats, err := d.deps.Tasks.Stats(ctx)
	if err != nil {
		return nil, err
	}
	info.Stats = stats
	return info, nil
}

type TaskTypesResult struct {
	TaskTypes []templates.TaskTypeInfo `json:"task_types"`
	Templates []string                 `json:"templates"`
}

func (d *Dispatcher) listTaskTypes(_ context.Context, raw json.RawMessage) (interface{}, error) {
	if err := decode(raw, &emptyRequest{}); err != nil {
		return nil, err
	}
	return TaskTypesResult{
		TaskTypes: d.deps.Templates.Types(),
		Templates: d.deps.Templates.Names(),
	}, nil
}
