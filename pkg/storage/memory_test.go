package storage_test

import (
	"context"
	"testing"
	"time"

	"github.com/naok1207/workflow-visualizer/pkg/models"
	"github.com/naok1207/workflow-visualizer/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedWorkflow(t *testing.T, store storage.Store, taskID, wfID string, stepIDs ...string) {
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, store.SaveTask(ctx, models.Task{ID: taskID, Title: "T", Type: models.CustomTaskType, Status: models.PendingTaskStatus, CreatedAt: now, UpdatedAt: now}))
	require.NoError(t, store.SaveWorkflow(ctx, models.Workflow{ID: wfID, TaskID: taskID, Name: "W", Status: models.ActiveWorkflowStatus, CreatedAt: now, UpdatedAt: now}))
	for i, id := range stepIDs {
		require.NoError(t, store.SaveStep(ctx, models.Step{ID: id, WorkflowID: wfID, Name: id, OrderIndex: i + 1, Status: models.PendingStepStatus}))
	}
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()

	t.Run("CommitMakesWritesVisible", func(t *testing.T) {
		store := storage.NewMemoryStore()
		tx, err := store.Begin(ctx)
		require.NoError(t, err)
		seedWorkflow(t, tx, "task-1", "wf-1", "a", "b")

		require.NoError(t, tx.Commit())

		wf, err := store.GetWorkflow(ctx, "wf-1")
		require.NoError(t, err)
		assert.Len(t, wf.Steps, 2)
		assert.Equal(t, "a", wf.Steps[0].ID)
	})

	t.Run("RollbackDiscardsWrites", func(t *testing.T) {
		store := storage.NewMemoryStore()
		tx, err := store.Begin(ctx)
		require.NoError(t, err)
		seedWorkflow(t, tx, "task-1", "wf-1", "a")

		require.NoError(t, tx.Rollback())

		_, err = store.GetTask(ctx, "task-1")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		_, err = store.GetWorkflow(ctx, "wf-1")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("FinishedTransactionRejectsWork", func(t *testing.T) {
		store := storage.NewMemoryStore()
		tx, err := store.Begin(ctx)
		require.NoError(t, err)
		require.NoError(t, tx.Commit())

		assert.ErrorIs(t, tx.Commit(), storage.ErrTxDone)
		_, err = tx.GetTask(ctx, "x")
		assert.ErrorIs(t, err, storage.ErrTxDone)
		assert.ErrorIs(t, store.Commit(), storage.ErrNotTransaction)
	})

	t.Run("StepsOrderedByIndex", func(t *testing.T) {
		store := storage.NewMemoryStore()
		seedWorkflow(t, store, "task-1", "wf-1", "a", "b", "c")
		require.NoError(t, store.UpdateStep(ctx, models.Step{ID: "a", WorkflowID: "wf-1", Name: "a", OrderIndex: 3, Status: models.PendingStepStatus}))
		require.NoError(t, store.UpdateStep(ctx, models.Step{ID: "c", WorkflowID: "wf-1", Name: "c", OrderIndex: 1, Status: models.PendingStepStatus}))

		wf, err := store.GetWorkflowByTaskID(ctx, "task-1")
		require.NoError(t, err)
		ids := []string{wf.Steps[0].ID, wf.Steps[1].ID, wf.Steps[2].ID}
		assert.Equal(t, []string{"c", "b", "a"}, ids)
	})

	t.Run("DuplicatesRejected", func(t *testing.T) {
		store := storage.NewMemoryStore()
		seedWorkflow(t, store, "task-1", "wf-1", "a")

		err := store.SaveStep(ctx, models.Step{ID: "a", WorkflowID: "wf-1", OrderIndex: 2})
		assert.ErrorIs(t, err, storage.ErrAlreadyExists)
		err = store.SaveWorkflow(ctx, models.Workflow{ID: "wf-2", TaskID: "task-1"})
		assert.ErrorIs(t, err, storage.ErrAlreadyExists)
	})

	t.Run("HistoryNewestFirst", func(t *testing.T) {
		store := storage.NewMemoryStore()
		seedWorkflow(t, store, "task-1", "wf-1")
		for _, action := range []models.HistoryAction{models.CreatedHistoryAction, models.StepAddedHistoryAction, models.StepModifiedHistoryAction} {
			_, err := store.AppendHistory(ctx, models.HistoryEntry{ID: string(action), WorkflowID: "wf-1", Action: action})
			require.NoError(t, err)
		}

		entries, err := store.ListHistory(ctx, "wf-1", 2)
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, models.StepModifiedHistoryAction, entries[0].Action)
		assert.Equal(t, models.StepAddedHistoryAction, entries[1].Action)
		assert.Greater(t, entries[0].Seq, entries[1].Seq)
	})

	t.Run("ListTasksFiltersAndPages", func(t *testing.T) {
		store := storage.NewMemoryStore()
		base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
		for i, st := range []models.TaskStatus{models.ActiveTaskStatus, models.PendingTaskStatus, models.CompletedTaskStatus, models.ActiveTaskStatus} {
			id := string(rune('a' + i))
			require.NoError(t, store.SaveTask(ctx, models.Task{ID: id, Type: models.ResearchTaskType, Status: st, CreatedAt: base.Add(time.Duration(i) * time.Minute)}))
		}

		tasks, total, err := store.ListTasks(ctx, storage.TaskFilter{
			Statuses: []models.TaskStatus{models.PendingTaskStatus, models.ActiveTaskStatus},
			Limit:    2,
		})
		require.NoError(t, err)
		assert.Equal(t, 3, total)
		require.Len(t, tasks, 2)
		assert.Equal(t, "d", tasks[0].ID)
		assert.Equal(t, "b", tasks[1].ID)

		counts, err := store.CountTasksByStatus(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, counts[models.ActiveTaskStatus])
		assert.Equal(t, 1, counts[models.CompletedTaskStatus])
	})
}
