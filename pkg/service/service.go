package service

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/naok1207/workflow-visualizer/pkg/models"
	"github.com/naok1207/workflow-visualizer/pkg/storage"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName = "github.com/naok1207/workflow-visualizer/pkg/service"

	DefaultHistoryLimit = 50
)

// Logger defines the logging interface for the services
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Notifier receives events after the mutation that produced them committed.
// Publish must not block.
type Notifier interface {
	Publish(event models.Event)
}

type nopNotifier struct{}

func (nopNotifier) Publish(models.Event) {}

type Option func(*WorkflowService)

func WithClock(c clock.Clock) Option {
	return func(s *WorkflowService) { s.clock = c }
}

func WithNotifier(n Notifier) Option {
	return func(s *WorkflowService) { s.notifier = n }
}

func WithTracer(t trace.Tracer) Option {
	return func(s *WorkflowService) { s.tracer = t }
}

// WorkflowService owns workflow and step state: ordering, the cursor, derived
// task progress and the history trail. Every mutation runs in one store
// transaction and publishes its events only after commit.
type WorkflowService struct {
	store    storage.Store
	logger   Logger
	clock    clock.Clock
	notifier Notifier
	tracer   trace.Tracer
	locks    *keyedMutex
}

func NewWorkflowService(store storage.Store, logger Logger, opts ...Option) *WorkflowService {
	s := &WorkflowService{
		store:    store,
		logger:   logger,
		clock:    clock.New(),
		notifier: nopNotifier{},
		tracer:   otel.Tracer(tracerName),
		locks:    newKeyedMutex(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewTask describes a task to create.
type NewTask struct {
	Title       string
	Description string
	Type        models.TaskType
	Metadata    models.JSONMap
}

func (s *WorkflowService) now() time.Time {
	return s.clock.Now().UTC()
}

func (s *WorkflowService) startSpan(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "WorkflowService."+op, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.String("error.kind", string(KindOf(err))))
	}
	span.End()
}

// withTx runs fn in a transaction, committing when it returns nil.
func (s *WorkflowService) withTx(ctx context.Context, op string, fn func(tx storage.Store) error) (err error) {
	txStore, err := s.store.Begin(ctx)
	if err != nil {
		return storeError(s.logger, op, err, "begin transaction")
	}
	defer func() {
		if err != nil {
			if rollbackErr := txStore.Rollback(); rollbackErr != nil {
				s.logger.Errorf("Failed to rollback after error: %v (original error: %v)", rollbackErr, err)
			}
			return
		}
		if commitErr := txStore.Commit(); commitErr != nil {
			s.logger.Errorf("Failed to commit %s: %v", op, commitErr)
			err = &Error{Kind: KindInternal, Op: op, Message: "storage failure", Err: commitErr}
		}
	}()
	return fn(txStore)
}

func (s *WorkflowService) publish(kind models.EventKind, taskID string, data any) {
	s.notifier.Publish(models.Event{Kind: kind, TaskID: taskID, Data: data, OccurredAt: s.now()})
}

func (s *WorkflowService) publishWorkflowChange(action models.HistoryAction, wf models.Workflow) {
	s.publish(models.WorkflowModifiedEvent, wf.TaskID, models.WorkflowChange{TaskID: wf.TaskID, Action: action, Workflow: wf})
}

func (s *WorkflowService) publishProgress(task models.Task, wf models.Workflow) {
	update := models.ProgressUpdate{TaskID: task.ID, Progress: task.Progress}
	if step, ok := wf.CurrentStep(); ok {
		update.CurrentStep = &step
	}
	s.publish(models.ProgressUpdatedEvent, task.ID, update)
}

// CreateTask creates a task together with its workflow built from templates.
func (s *WorkflowService) CreateTask(ctx context.Context, req NewTask, templates []models.StepTemplate) (task models.Task, wf models.Workflow, err error) {
	const op = "CreateTask"
	ctx, span := s.startSpan(ctx, op, attribute.String("task.type", string(req.Type)))
	defer func() { endSpan(span, err) }()

	title := strings.TrimSpace(req.Title)
	if title == "" {
		return models.Task{}, models.Workflow{}, newError(KindValidation, op, "title is required")
	}
	if !req.Type.Valid() {
		return models.Task{}, models.Workflow{}, newError(KindValidation, op, "unknown task type %q", req.Type)
	}

	now := s.now()
	task = models.Task{
		ID:          uuid.NewString(),
		Title:       title,
		Description: req.Description,
		Type:        req.Type,
		Status:      models.PendingTaskStatus,
		CreatedAt:   now,
		UpdatedAt:   now,
		Metadata:    req.Metadata.Clone(),
	}

	unlock := s.locks.Lock(task.ID)
	defer unlock()

	err = s.withTx(ctx, op, func(tx storage.Store) error {
		if err := tx.SaveTask(ctx, task); err != nil {
			return storeError(s.logger, op, err, "task %s", task.ID)
		}
		var err error
		task, wf, err = s.buildWorkflow(ctx, tx, op, task, title+" - workflow", templates)
		return err
	})
	if err != nil {
		return models.Task{}, models.Workflow{}, err
	}

	s.logger.Infof("Created task %s (%s) with workflow %s", task.ID, task.Type, wf.ID)
	s.publish(models.TaskCreatedEvent, task.ID, task)
	s.publishWorkflowChange(models.CreatedHistoryAction, wf)
	return task, wf, nil
}

// CreateWorkflow builds an active workflow for an existing task. Steps follow
// the templates' declared order.
func (s *WorkflowService) CreateWorkflow(ctx context.Context, taskID, name string, templates []models.StepTemplate) (wf models.Workflow, err error) {
	const op = "CreateWorkflow"
	ctx, span := s.startSpan(ctx, op, attribute.String("task.id", taskID))
	defer func() { endSpan(span, err) }()

	if strings.TrimSpace(name) == "" {
		return models.Workflow{}, newError(KindValidation, op, "workflow name is required")
	}

	unlock := s.locks.Lock(taskID)
	defer unlock()

	err = s.withTx(ctx, op, func(tx storage.Store) error {
		task, err := tx.GetTask(ctx, taskID)
		if err != nil {
			return storeError(s.logger, op, err, "task %s", taskID)
		}
		if task.WorkflowID != "" {
			return newError(KindConflict, op, "task %s already has workflow %s", taskID, task.WorkflowID)
		}
		if existing, err := tx.GetWorkflowByTaskID(ctx, taskID); err == nil {
			return newError(KindConflict, op, "task %s already has workflow %s", taskID, existing.ID)
		} else if !storage.IsNotFound(err) {
			return storeError(s.logger, op, err, "workflow of task %s", taskID)
		}
		_, wf, err = s.buildWorkflow(ctx, tx, op, task, name, templates)
		return err
	})
	if err != nil {
		return models.Workflow{}, err
	}

	s.logger.Infof("Created workflow %s for task %s with %d steps", wf.ID, taskID, len(wf.Steps))
	s.publishWorkflowChange(models.CreatedHistoryAction, wf)
	return wf, nil
}

// buildWorkflow persists a new workflow for task and links the task to it.
func (s *WorkflowService) buildWorkflow(ctx context.Context, tx storage.Store, op string, task models.Task, name string, templates []models.StepTemplate) (models.Task, models.Workflow, error) {
	now := s.now()
	ordered := append([]models.StepTemplate(nil), templates...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Order < ordered[j].Order })

	wf := models.Workflow{
		ID:        uuid.NewString(),
		TaskID:    task.ID,
		Name:      name,
		Status:    models.ActiveWorkflowStatus,
		CreatedAt: now,
		UpdatedAt: now,
		Steps:     make([]models.Step, 0, len(ordered)),
	}
	for i, tmpl := range ordered {
		wf.Steps = append(wf.Steps, models.Step{
			ID:          uuid.NewString(),
			WorkflowID:  wf.ID,
			Name:        tmpl.Name,
			Description: tmpl.Description,
			OrderIndex:  i + 1,
			Status:      models.PendingStepStatus,
			CreatedAt:   now,
			UpdatedAt:   now,
		})
	}
	if len(wf.Steps) > 0 {
		first := wf.Steps[0].ID
		wf.CurrentStepID = &first
	}

	if err := tx.SaveWorkflow(ctx, wf); err != nil {
		return models.Task{}, models.Workflow{}, storeError(s.logger, op, err, "workflow %s", wf.ID)
	}
	created := make([]interface{}, 0, len(wf.Steps))
	for _, step := range wf.Steps {
		if err := tx.SaveStep(ctx, step); err != nil {
			return models.Task{}, models.Workflow{}, storeError(s.logger, op, err, "step %s", step.ID)
		}
		created = append(created, map[string]interface{}{"id": step.ID, "name": step.Name})
	}
	if err := s.appendHistory(ctx, tx, op, wf.ID, models.CreatedHistoryAction, models.JSONMap{"steps": created}); err != nil {
		return models.Task{}, models.Workflow{}, err
	}

	task.WorkflowID = wf.ID
	if task.Status == models.PendingTaskStatus {
		task.Status = models.ActiveTaskStatus
		task.StartedAt = &now
	}
	task, err := s.syncTask(ctx, tx, op, task, wf, now)
	if err != nil {
		return models.Task{}, models.Workflow{}, err
	}
	return task, wf, nil
}

// syncTask writes the progress derived from wf onto task and completes the
// task when the workflow completed.
func (s *WorkflowService) syncTask(ctx context.Context, tx storage.Store, op string, task models.Task, wf models.Workflow, now time.Time) (models.Task, error) {
	task.Progress = Progress(wf.Steps)
	if wf.Status == models.CompletedWorkflowStatus && task.IsOpen() {
		task.Status = models.CompletedTaskStatus
		if hasFailedStep(wf.Steps) {
			task.Status = models.FailedTaskStatus
		}
		task.CompletedAt = &now
	}
	task.UpdatedAt = now
	if err := tx.UpdateTask(ctx, task); err != nil {
		return models.Task{}, storeError(s.logger, op, err, "task %s", task.ID)
	}
	return task, nil
}

func (s *WorkflowService) appendHistory(ctx context.Context, tx storage.Store, op, workflowID string, action models.HistoryAction, details models.JSONMap) error {
	entry := models.HistoryEntry{
		ID:         uuid.NewString(),
		WorkflowID: workflowID,
		Action:     action,
		Details:    details,
		CreatedAt:  s.now(),
	}
	if _, err := tx.AppendHistory(ctx, entry); err != nil {
		return storeError(s.logger, op, err, "history of workflow %s", workflowID)
	}
	return nil
}

// loadActive locks and loads a workflow that must still be active.
func (s *WorkflowService) loadActive(ctx context.Context, tx storage.Store, op, workflowID string) (models.Workflow, error) {
	if err := tx.LockWorkflow(ctx, workflowID); err != nil {
		return models.Workflow{}, storeError(s.logger, op, err, "workflow %s", workflowID)
	}
	wf, err := tx.GetWorkflow(ctx, workflowID)
	if err != nil {
		return models.Workflow{}, storeError(s.logger, op, err, "workflow %s", workflowID)
	}
	if wf.Status != models.ActiveWorkflowStatus {
		return models.Workflow{}, newError(KindInvalidState, op, "workflow %s is %s", workflowID, wf.Status)
	}
	return wf, nil
}

func (s *WorkflowService) GetWorkflow(ctx context.Context, workflowID string) (models.Workflow, error) {
	wf, err := s.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return models.Workflow{}, storeError(s.logger, "GetWorkflow", err, "workflow %s", workflowID)
	}
	return wf, nil
}

func (s *WorkflowService) GetWorkflowByTaskID(ctx context.Context, taskID string) (models.Workflow, error) {
	wf, err := s.store.GetWorkflowByTaskID(ctx, taskID)
	if err != nil {
		return models.Workflow{}, storeError(s.logger, "GetWorkflowByTaskID", err, "workflow of task %s", taskID)
	}
	return wf, nil
}

// History returns the newest limit entries of a workflow's audit trail.
func (s *WorkflowService) History(ctx context.Context, workflowID string, limit int) ([]models.HistoryEntry, error) {
	const op = "History"
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if _, err := s.store.GetWorkflow(ctx, workflowID); err != nil {
		return nil, storeError(s.logger, op, err, "workflow %s", workflowID)
	}
	entries, err := s.store.ListHistory(ctx, workflowID, limit)
	if err != nil {
		return nil, storeError(s.logger, op, err, "history of workflow %s", workflowID)
	}
	return entries, nil
}
