package storage

import (
	"context"

	"github.com/naok1207/workflow-visualizer/pkg/models"
)

// TaskFilter narrows ListTasks. Zero values mean "no constraint".
type TaskFilter struct {
	Statuses []models.TaskStatus
	Type     models.TaskType
	Limit    int
	Offset   int
}

// Store defines the storage operations for the workflow visualizer.
//
// Begin returns a transaction-scoped Store; all writes of one engine operation
// go through it and become visible together on Commit.
type Store interface {
	Begin(ctx context.Context) (Store, error)
	Commit() error
	Rollback() error
	Close() error
	Ping(ctx context.Context) error

	// Task operations
	SaveTask(ctx context.Context, t models.Task) error
	GetTask(ctx context.Context, id string) (models.Task, error)
	UpdateTask(ctx context.Context, t models.Task) error
	ListTasks(ctx context.Context, filter TaskFilter) ([]models.Task, int, error)
	CountTasksByStatus(ctx context.Context) (map[models.TaskStatus]int, error)

	// Workflow operations. GetWorkflow* return steps ordered by OrderIndex.
	SaveWorkflow(ctx context.Context, w models.Workflow) error
	GetWorkflow(ctx context.Context, id string) (models.Workflow, error)
	GetWorkflowByTaskID(ctx context.Context, taskID string) (models.Workflow, error)
	LockWorkflow(ctx context.Context, id string) error
	UpdateWorkflow(ctx context.Context, w models.Workflow) error

	// Step operations
	SaveStep(ctx context.Context, s models.Step) error
	UpdateStep(ctx context.Context, s models.Step) error

	// History operations. ListHistory returns newest entries first.
	AppendHistory(ctx context.Context, h models.HistoryEntry) (int64, error)
	ListHistory(ctx context.Context, workflowID string, limit int) ([]models.HistoryEntry, error)
}
