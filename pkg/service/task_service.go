package service

import (
	"context"

	"github.com/naok1207/workflow-visualizer/pkg/models"
	"github.com/naok1207/workflow-visualizer/pkg/storage"
)

const DefaultListLimit = 50

// TaskService serves read-only task queries.
type TaskService struct {
	store  storage.Store
	logger Logger
}

func NewTaskService(store storage.Store, logger Logger) *TaskService {
	return &TaskService{
		store:  store,
		logger: logger,
	}
}

// ActiveFilter selects a page of open tasks.
type ActiveFilter struct {
	Type   models.TaskType
	Limit  int
	Offset int
}

// TaskPage is one page of tasks and the total number of matches.
type TaskPage struct {
	Tasks []models.Task `json:"tasks"`
	Total int           `json:"total"`
}

// Stats summarizes task counts by lifecycle bucket.
type Stats struct {
	Active    int `json:"active_tasks"`
	Completed int `json:"completed_tasks"`
	Failed    int `json:"failed_tasks"`
	Total     int `json:"total_tasks"`
}

func (ts *TaskService) GetTask(ctx context.Context, taskID string) (models.Task, error) {
	task, err := ts.store.GetTask(ctx, taskID)
	if err != nil {
		return models.Task{}, storeError(ts.logger, "GetTask", err, "task %s", taskID)
	}
	return task, nil
}

// ListActive returns pending and active tasks, newest first.
func (ts *TaskService) ListActive(ctx context.Context, filter ActiveFilter) (TaskPage, error) {
	const op = "ListActive"
	if filter.Type != "" && !filter.Type.Valid() {
		return TaskPage{}, newError(KindValidation, op, "unknown task type %q", filter.Type)
	}
	if filter.Limit < 0 || filter.Offset < 0 {
		return TaskPage{}, newError(KindValidation, op, "limit and offset must not be negative")
	}
	if filter.Limit == 0 {
		filter.Limit = DefaultListLimit
	}
	tasks, total, err := ts.store.ListTasks(ctx, storage.TaskFilter{
		Statuses: []models.TaskStatus{models.PendingTaskStatus, models.ActiveTaskStatus},
		Type:     filter.Type,
		Limit:    filter.Limit,
		Offset:   filter.Offset,
	})
	if err != nil {
		return TaskPage{}, storeError(ts.logger, op, err, "tasks")
	}
	if tasks == nil {
		tasks = []models.Task{}
	}
	return TaskPage{Tasks: tasks, Total: total}, nil
}

func (ts *TaskService) Stats(ctx context.Context) (Stats, error) {
	counts, err := ts.store.CountTasksByStatus(ctx)
	if err != nil {
		return Stats{}, storeError(ts.logger, "Stats", err, "task counts")
	}
	var stats Stats
	for status, n := range counts {
		stats.Total += n
		switch status {
		case models.PendingTaskStatus, models.ActiveTaskStatus:
			stats.Active += n
		case models.CompletedTaskStatus:
			stats.Completed += n
		case models.FailedTaskStatus:
			stats.Failed += n
		}
	}
	return stats, nil
}
