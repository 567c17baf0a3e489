package service

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/naok1207/workflow-visualizer/pkg/models"
	"github.com/naok1207/workflow-visualizer/pkg/storage"
	"go.opentelemetry.io/otel/attribute"
)

// StepUpdate carries the fields of a status transition. Nil fields are left
// unchanged.
type StepUpdate struct {
	Status *models.StepStatus
	Result models.JSONMap
	Error  *string
}

// StepChanges carries the editable fields of a step. Nil fields are left
// unchanged.
type StepChanges struct {
	Name        *string
	Description *string
	Order       *int
}

// NewStep describes a step to insert. An empty ID is generated.
type NewStep struct {
	ID          string
	Name        string
	Description string
}

// Transition is the state after a step mutation.
type Transition struct {
	Step     models.Step
	Workflow models.Workflow
	Task     models.Task
}

// UpdateStep applies a status transition to a step. Completing a step, or
// failing or skipping the step under the cursor, moves the cursor to the next
// open step. The workflow completes when no step is pending or active.
func (s *WorkflowService) UpdateStep(ctx context.Context, workflowID, stepID string, update StepUpdate) (res Transition, err error) {
	const op = "UpdateStep"
	ctx, span := s.startSpan(ctx, op, attribute.String("workflow.id", workflowID), attribute.String("step.id", stepID))
	defer func() { endSpan(span, err) }()

	if update.Status != nil && !update.Status.Valid() {
		return Transition{}, newError(KindValidation, op, "unknown step status %q", *update.Status)
	}

	unlock := s.locks.Lock(workflowID)
	defer unlock()

	err = s.withTx(ctx, op, func(tx storage.Store) error {
		wf, err := s.loadActive(ctx, tx, op, workflowID)
		if err != nil {
			return err
		}
		idx := stepIndex(wf.Steps, stepID)
		if idx < 0 {
			return newError(KindNotFound, op, "step %s not found in workflow %s", stepID, workflowID)
		}

		now := s.now()
		step := wf.Steps[idx]
		if update.Status != nil {
			step.Status = *update.Status
			switch {
			case step.Status == models.ActiveStepStatus:
				step.StartedAt = &now
			case step.Status.Terminal():
				step.CompletedAt = &now
			}
		}
		if update.Result != nil {
			step.Result = update.Result.Clone()
		}
		if update.Error != nil {
			step.Error = *update.Error
		}
		step.UpdatedAt = now
		if err := tx.UpdateStep(ctx, step); err != nil {
			return storeError(s.logger, op, err, "step %s", stepID)
		}
		wf.Steps[idx] = step

		if movesCursor(wf, step) {
			if next, ok := nextOpenStep(wf.Steps, idx); ok {
				wf.CurrentStepID = &next.ID
			} else {
				wf.CurrentStepID = nil
				wf.Status = models.CompletedWorkflowStatus
			}
		}
		wf.UpdatedAt = now
		if err := tx.UpdateWorkflow(ctx, wf); err != nil {
			return storeError(s.logger, op, err, "workflow %s", workflowID)
		}

		task, err := tx.GetTask(ctx, wf.TaskID)
		if err != nil {
			return storeError(s.logger, op, err, "task %s", wf.TaskID)
		}
		task, err = s.syncTask(ctx, tx, op, task, wf, now)
		if err != nil {
			return err
		}
		res = Transition{Step: step, Workflow: wf, Task: task}
		return nil
	})
	if err != nil {
		return Transition{}, err
	}

	if res.Workflow.Status == models.CompletedWorkflowStatus {
		s.logger.Infof("Workflow %s completed", workflowID)
	}
	s.publishProgress(res.Task, res.Workflow)
	return res, nil
}

// RefreshProgress rewrites the task progress of a workflow from its steps and
// republishes it. Step state is not touched.
func (s *WorkflowService) RefreshProgress(ctx context.Context, workflowID string) (res Transition, err error) {
	const op = "RefreshProgress"
	ctx, span := s.startSpan(ctx, op, attribute.String("workflow.id", workflowID))
	defer func() { endSpan(span, err) }()

	unlock := s.locks.Lock(workflowID)
	defer unlock()

	err = s.withTx(ctx, op, func(tx storage.Store) error {
		if err := tx.LockWorkflow(ctx, workflowID); err != nil {
			return storeError(s.logger, op, err, "workflow %s", workflowID)
		}
		wf, err := tx.GetWorkflow(ctx, workflowID)
		if err != nil {
			return storeError(s.logger, op, err, "workflow %s", workflowID)
		}
		task, err := tx.GetTask(ctx, wf.TaskID)
		if err != nil {
			return storeError(s.logger, op, err, "task %s", wf.TaskID)
		}
		if task, err = s.syncTask(ctx, tx, op, task, wf, s.now()); err != nil {
			return err
		}
		res = Transition{Workflow: wf, Task: task}
		if step, ok := wf.CurrentStep(); ok {
			res.Step = step
		}
		return nil
	})
	if err != nil {
		return Transition{}, err
	}

	s.publishProgress(res.Task, res.Workflow)
	return res, nil
}

// AddStep inserts a step after afterStepID, shifting later steps up by one.
// An empty or unknown afterStepID appends the step.
func (s *WorkflowService) AddStep(ctx context.Context, workflowID, afterStepID string, newStep NewStep) (res Transition, err error) {
	const op = "AddStep"
	ctx, span := s.startSpan(ctx, op, attribute.String("workflow.id", workflowID))
	defer func() { endSpan(span, err) }()

	name := strings.TrimSpace(newStep.Name)
	if name == "" {
		return Transition{}, newError(KindValidation, op, "step name is required")
	}

	unlock := s.locks.Lock(workflowID)
	defer unlock()

	err = s.withTx(ctx, op, func(tx storage.Store) error {
		wf, err := s.loadActive(ctx, tx, op, workflowID)
		if err != nil {
			return err
		}
		stepID := newStep.ID
		if stepID == "" {
			stepID = uuid.NewString()
		} else if stepIndex(wf.Steps, stepID) >= 0 {
			return newError(KindConflict, op, "step %s already exists in workflow %s", stepID, workflowID)
		}

		now := s.now()
		order, resolved := insertionOrder(wf.Steps, afterStepID)
		if afterStepID != "" && !resolved {
			s.logger.Infof("Step %s not found in workflow %s, appending %s", afterStepID, workflowID, stepID)
		}
		shifted := shiftForInsert(wf.Steps, order)
		for _, moved := range shifted {
			moved.UpdatedAt = now
			if err := tx.UpdateStep(ctx, moved); err != nil {
				return storeError(s.logger, op, err, "step %s", moved.ID)
			}
		}

		step := models.Step{
			ID:          stepID,
			WorkflowID:  workflowID,
			Name:        name,
			Description: newStep.Description,
			OrderIndex:  order,
			Status:      models.PendingStepStatus,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := tx.SaveStep(ctx, step); err != nil {
			return storeError(s.logger, op, err, "step %s", stepID)
		}
		wf.Steps = append(applyIndices(wf.Steps, shifted), step)
		wf.Steps = applyIndices(wf.Steps, nil)

		if wf.CurrentStepID == nil {
			wf.CurrentStepID = &step.ID
		}
		wf.UpdatedAt = now
		if err := tx.UpdateWorkflow(ctx, wf); err != nil {
			return storeError(s.logger, op, err, "workflow %s", workflowID)
		}

		var after interface{}
		if afterStepID != "" {
			after = afterStepID
		}
		if err := s.appendHistory(ctx, tx, op, workflowID, models.StepAddedHistoryAction, models.JSONMap{
			"step_id":    stepID,
			"step_name":  name,
			"after_step": after,
			"order":      order,
		}); err != nil {
			return err
		}

		task, err := tx.GetTask(ctx, wf.TaskID)
		if err != nil {
			return storeError(s.logger, op, err, "task %s", wf.TaskID)
		}
		task, err = s.syncTask(ctx, tx, op, task, wf, now)
		if err != nil {
			return err
		}
		res = Transition{Step: step, Workflow: wf, Task: task}
		return nil
	})
	if err != nil {
		return Transition{}, err
	}

	s.logger.Infof("Added step %s at %d to workflow %s", res.Step.ID, res.Step.OrderIndex, workflowID)
	s.publishWorkflowChange(models.StepAddedHistoryAction, res.Workflow)
	s.publishProgress(res.Task, res.Workflow)
	return res, nil
}

// ModifyStep renames, re-describes or moves a step. Moving shifts the steps
// in between so indices stay 1..N.
func (s *WorkflowService) ModifyStep(ctx context.Context, workflowID, stepID string, changes StepChanges) (res Transition, err error) {
	const op = "ModifyStep"
	ctx, span := s.startSpan(ctx, op, attribute.String("workflow.id", workflowID), attribute.String("step.id", stepID))
	defer func() { endSpan(span, err) }()

	if changes.Name != nil && strings.TrimSpace(*changes.Name) == "" {
		return Transition{}, newError(KindValidation, op, "step name cannot be empty")
	}

	unlock := s.locks.Lock(workflowID)
	defer unlock()

	err = s.withTx(ctx, op, func(tx storage.Store) error {
		wf, err := s.loadActive(ctx, tx, op, workflowID)
		if err != nil {
			return err
		}
		idx := stepIndex(wf.Steps, stepID)
		if idx < 0 {
			return newError(KindNotFound, op, "step %s not found in workflow %s", stepID, workflowID)
		}
		if changes.Order != nil && (*changes.Order < 1 || *changes.Order > len(wf.Steps)) {
			return newError(KindValidation, op, "order %d is outside 1..%d", *changes.Order, len(wf.Steps))
		}

		now := s.now()
		updates := models.JSONMap{}
		step := wf.Steps[idx]
		if changes.Name != nil {
			step.Name = strings.TrimSpace(*changes.Name)
			updates["name"] = step.Name
		}
		if changes.Description != nil {
			step.Description = *changes.Description
			updates["description"] = step.Description
		}

		changed := []models.Step{step}
		if changes.Order != nil {
			updates["order"] = *changes.Order
			wf.Steps[idx] = step
			if moved := reorder(wf.Steps, stepID, *changes.Order); moved != nil {
				changed = moved
			}
		}
		for _, c := range changed {
			c.UpdatedAt = now
			if err := tx.UpdateStep(ctx, c); err != nil {
				return storeError(s.logger, op, err, "step %s", c.ID)
			}
			if c.ID == stepID {
				step = c
			}
		}
		wf.Steps = applyIndices(wf.Steps, changed)

		wf.UpdatedAt = now
		if err := tx.UpdateWorkflow(ctx, wf); err != nil {
			return storeError(s.logger, op, err, "workflow %s", workflowID)
		}
		if err := s.appendHistory(ctx, tx, op, workflowID, models.StepModifiedHistoryAction, models.JSONMap{
			"step_id": stepID,
			"updates": map[string]interface{}(updates),
		}); err != nil {
			return err
		}
		res = Transition{Step: step, Workflow: wf}
		return nil
	})
	if err != nil {
		return Transition{}, err
	}

	s.publishWorkflowChange(models.StepModifiedHistoryAction, res.Workflow)
	return res, nil
}

// movesCursor reports whether step's new status closes the cursor position.
func movesCursor(wf models.Workflow, step models.Step) bool {
	if step.Status == models.CompletedStepStatus {
		return true
	}
	if !step.Status.Terminal() {
		return false
	}
	return wf.CurrentStepID == nil || *wf.CurrentStepID == step.ID
}

func stepIndex(steps []models.Step, id string) int {
	for i, s := range steps {
		if s.ID == id {
			return i
		}
	}
	return -1
}
