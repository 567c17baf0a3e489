package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/naok1207/workflow-visualizer/pkg/models"
	"github.com/naok1207/workflow-visualizer/pkg/storage"
	"go.opentelemetry.io/otel/attribute"
)

// ForkResult holds the branch created by Fork and the original workflow.
type ForkResult struct {
	Task     models.Task
	Workflow models.Workflow
	Origin   models.Workflow
}

// Fork starts a new task whose workflow holds copies of the steps after
// fromStepID. The original task and its steps are left untouched apart from a
// forked history entry.
func (s *WorkflowService) Fork(ctx context.Context, taskID, fromStepID, branchName string) (res ForkResult, err error) {
	const op = "Fork"
	ctx, span := s.startSpan(ctx, op, attribute.String("task.id", taskID), attribute.String("step.id", fromStepID))
	defer func() { endSpan(span, err) }()

	branch := strings.TrimSpace(branchName)
	if branch == "" {
		return ForkResult{}, newError(KindValidation, op, "branch name is required")
	}

	origin, err := s.store.GetWorkflowByTaskID(ctx, taskID)
	if err != nil {
		return ForkResult{}, storeError(s.logger, op, err, "workflow of task %s", taskID)
	}
	unlock := s.locks.Lock(origin.ID)
	defer unlock()

	err = s.withTx(ctx, op, func(tx storage.Store) error {
		parent, err := tx.GetTask(ctx, taskID)
		if err != nil {
			return storeError(s.logger, op, err, "task %s", taskID)
		}
		if err := tx.LockWorkflow(ctx, origin.ID); err != nil {
			return storeError(s.logger, op, err, "workflow %s", origin.ID)
		}
		origin, err = tx.GetWorkflow(ctx, origin.ID)
		if err != nil {
			return storeError(s.logger, op, err, "workflow %s", origin.ID)
		}
		idx := stepIndex(origin.Steps, fromStepID)
		if idx < 0 {
			return newError(KindNotFound, op, "step %s not found in workflow %s", fromStepID, origin.ID)
		}
		forkPoint := origin.Steps[idx]

		remaining := origin.Steps[idx+1:]
		templates := make([]models.StepTemplate, 0, len(remaining))
		for i, step := range remaining {
			templates = append(templates, models.StepTemplate{
				ID:          step.ID,
				Name:        step.Name,
				Description: step.Description,
				Order:       i + 1,
			})
		}

		now := s.now()
		metadata := parent.Metadata.Clone()
		if metadata == nil {
			metadata = models.JSONMap{}
		}
		metadata["forked_from"] = parent.ID
		metadata["forked_at_step"] = fromStepID

		child := models.Task{
			ID:          uuid.NewString(),
			Title:       fmt.Sprintf("%s - %s", parent.Title, branch),
			Description: forkDescription(parent, forkPoint),
			Type:        parent.Type,
			Status:      models.PendingTaskStatus,
			CreatedAt:   now,
			UpdatedAt:   now,
			Metadata:    metadata,
		}
		if err := tx.SaveTask(ctx, child); err != nil {
			return storeError(s.logger, op, err, "task %s", child.ID)
		}
		child, branchWF, err := s.buildWorkflow(ctx, tx, op, child, branch+" - workflow", templates)
		if err != nil {
			return err
		}

		if err := s.appendHistory(ctx, tx, op, origin.ID, models.ForkedHistoryAction, models.JSONMap{
			"forked_task_id":     child.ID,
			"forked_workflow_id": branchWF.ID,
			"from_step":          fromStepID,
			"branch_name":        branch,
		}); err != nil {
			return err
		}
		res = ForkResult{Task: child, Workflow: branchWF, Origin: origin}
		return nil
	})
	if err != nil {
		return ForkResult{}, err
	}

	s.logger.Infof("Forked task %s at step %s into task %s (%s)", taskID, fromStepID, res.Task.ID, branch)
	s.publish(models.TaskCreatedEvent, res.Task.ID, res.Task)
	s.publishWorkflowChange(models.CreatedHistoryAction, res.Workflow)
	s.publishWorkflowChange(models.ForkedHistoryAction, res.Origin)
	return res, nil
}

func forkDescription(parent models.Task, at models.Step) string {
	note := fmt.Sprintf("Forked from %q at step %q.", parent.Title, at.Name)
	if strings.TrimSpace(parent.Description) == "" {
		return note
	}
	return parent.Description + "\n\n" + note
}
