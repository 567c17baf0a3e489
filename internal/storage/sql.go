package storage

import (
	"context"
	"database/sql"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/naok1207/workflow-visualizer/pkg/models"
	"github.com/naok1207/workflow-visualizer/pkg/storage"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

var errUnsupportedDriver = errors.New("unsupported driver")

// DBInterface is satisfied by both *sqlx.DB and *sqlx.Tx.
type DBInterface interface {
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	QueryRowxContext(ctx context.Context, query string, args ...interface{}) *sqlx.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	Rebind(query string) string
}

// SQLStore implements storage.Store on postgres or sqlite. Queries are written
// with '?' placeholders and rebound for the driver.
type SQLStore struct {
	db     DBInterface
	driver string
}

// NewSQLStore opens a connection for driver ("postgres" or "sqlite") and pings it.
func NewSQLStore(driver, dsn string) (*SQLStore, error) {
	if driver != DriverPostgres && driver != DriverSQLite {
		return nil, errors.Wrap(errUnsupportedDriver, driver)
	}
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	if driver == DriverSQLite {
		// One writer at a time; also keeps ":memory:" databases on a single connection.
		db.SetMaxOpenConns(1)
		if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
			db.Close()
			return nil, errors.Wrap(err, "enable foreign keys")
		}
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLStore{db: db, driver: driver}, nil
}

func (s *SQLStore) Driver() string {
	return s.driver
}

// DB exposes the underlying pool; nil inside a transaction.
func (s *SQLStore) DB() *sqlx.DB {
	db, _ := s.db.(*sqlx.DB)
	return db
}

func (s *SQLStore) Begin(ctx context.Context) (storage.Store, error) {
	if db, ok := s.db.(*sqlx.DB); ok {
		tx, err := db.BeginTxx(ctx, nil)
		if err != nil {
			return nil, err
		}
		return &SQLStore{db: tx, driver: s.driver}, nil
	}
	return nil, errors.New("cannot begin transaction on unknown type")
}

func (s *SQLStore) Commit() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Commit()
	}
	return storage.ErrNotTransaction
}

func (s *SQLStore) Rollback() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Rollback()
	}
	return storage.ErrNotTransaction
}

func (s *SQLStore) Close() error {
	if db, ok := s.db.(*sqlx.DB); ok {
		return db.Close()
	}
	return nil // No-op for *sqlx.Tx
}

func (s *SQLStore) Ping(ctx context.Context) error {
	if db, ok := s.db.(*sqlx.DB); ok {
		return db.PingContext(ctx)
	}
	return nil
}

func (s *SQLStore) exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.db.Rebind(query), args...)
}

func (s *SQLStore) get(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	err := s.db.GetContext(ctx, dest, s.db.Rebind(query), args...)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	return err
}

func (s *SQLStore) selectAll(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	return s.db.SelectContext(ctx, dest, s.db.Rebind(query), args...)
}

// mustAffect turns a zero-row update into storage.ErrNotFound.
func mustAffect(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

const taskColumns = `task_id, title, description, task_type, status, progress_percentage, workflow_id,
	created_at, updated_at, started_at, completed_at, metadata`

func (s *SQLStore) SaveTask(ctx context.Context, t models.Task) error {
	_, err := s.exec(ctx, `INSERT INTO tasks (`+taskColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Title, t.Description, t.Type, t.Status, t.Progress, t.WorkflowID,
		t.CreatedAt, t.UpdatedAt, t.StartedAt, t.CompletedAt, t.Metadata)
	if err != nil {
		return errors.Wrapf(err, "save task %s", t.ID)
	}
	return nil
}

func (s *SQLStore) GetTask(ctx context.Context, id string) (models.Task, error) {
	var task models.Task
	if err := s.get(ctx, &task, `SELECT `+taskColumns+` FROM tasks WHERE task_id = ?`, id); err != nil {
		return models.Task{}, err
	}
	return task, nil
}

func (s *SQLStore) UpdateTask(ctx context.Context, t models.Task) error {
	return mustAffect(s.exec(ctx, `
		UPDATE tasks
		SET title = ?, description = ?, status = ?, progress_percentage = ?, workflow_id = ?,
			updated_at = ?, started_at = ?, completed_at = ?, metadata = ?
		WHERE task_id = ?`,
		t.Title, t.Description, t.Status, t.Progress, t.WorkflowID,
		t.UpdatedAt, t.StartedAt, t.CompletedAt, t.Metadata, t.ID))
}

func (s *SQLStore) ListTasks(ctx context.Context, filter storage.TaskFilter) ([]models.Task, int, error) {
	where := " WHERE 1 = 1"
	var args []interface{}
	if filter.Type != "" {
		where += " AND task_type = ?"
		args = append(args, filter.Type)
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			statuses[i] = string(st)
		}
		clause, inArgs, err := sqlx.In(" AND status IN (?)", statuses)
		if err != nil {
			return nil, 0, err
		}
		where += clause
		args = append(args, inArgs...)
	}

	var total int
	if err := s.get(ctx, &total, `SELECT COUNT(*) FROM tasks`+where, args...); err != nil {
		return nil, 0, errors.Wrap(err, "count tasks")
	}

	query := `SELECT ` + taskColumns + ` FROM tasks` + where + ` ORDER BY created_at DESC, task_id DESC`
	pageArgs := append([]interface{}{}, args...)
	switch {
	case filter.Limit > 0:
		query += " LIMIT ?"
		pageArgs = append(pageArgs, filter.Limit)
	case filter.Offset > 0 && s.driver == DriverSQLite:
		// SQLite only accepts OFFSET after a LIMIT clause.
		query += " LIMIT -1"
	}
	if filter.Offset > 0 {
		query += " OFFSET ?"
		pageArgs = append(pageArgs, filter.Offset)
	}

	tasks := []models.Task{}
	if err := s.selectAll(ctx, &tasks, query, pageArgs...); err != nil {
		return nil, 0, errors.Wrap(err, "list tasks")
	}
	return tasks, total, nil
}

func (s *SQLStore) CountTasksByStatus(ctx context.Context) (map[models.TaskStatus]int, error) {
	var rows []struct {
		Status models.TaskStatus `db:"status"`
		N      int               `db:"n"`
	}
	if err := s.selectAll(ctx, &rows, `SELECT status, COUNT(*) AS n FROM tasks GROUP BY status`); err != nil {
		return nil, errors.Wrap(err, "count tasks by status")
	}
	counts := make(map[models.TaskStatus]int, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.N
	}
	return counts, nil
}

const workflowColumns = `workflow_id, task_id, name, status, current_step_id, created_at, updated_at`

func (s *SQLStore) SaveWorkflow(ctx context.Context, w models.Workflow) error {
	_, err := s.exec(ctx, `INSERT INTO workflows (`+workflowColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.TaskID, w.Name, w.Status, w.CurrentStepID, w.CreatedAt, w.UpdatedAt)
	if err != nil {
		return errors.Wrapf(err, "save workflow %s", w.ID)
	}
	return nil
}

func (s *SQLStore) withSteps(ctx context.Context, wf models.Workflow) (models.Workflow, error) {
	wf.Steps = []models.Step{}
	err := s.selectAll(ctx, &wf.Steps, `SELECT `+stepColumns+` FROM workflow_steps WHERE workflow_id = ? ORDER BY order_index`, wf.ID)
	if err != nil {
		return models.Workflow{}, errors.Wrapf(err, "get steps of workflow %s", wf.ID)
	}
	return wf, nil
}

// GetWorkflow retrieves a workflow by ID, including its ordered steps
func (s *SQLStore) GetWorkflow(ctx context.Context, id string) (models.Workflow, error) {
	var wf models.Workflow
	if err := s.get(ctx, &wf, `SELECT `+workflowColumns+` FROM workflows WHERE workflow_id = ?`, id); err != nil {
		return models.Workflow{}, err
	}
	return s.withSteps(ctx, wf)
}

func (s *SQLStore) GetWorkflowByTaskID(ctx context.Context, taskID string) (models.Workflow, error) {
	var wf models.Workflow
	if err := s.get(ctx, &wf, `SELECT `+workflowColumns+` FROM workflows WHERE task_id = ?`, taskID); err != nil {
		return models.Workflow{}, err
	}
	return s.withSteps(ctx, wf)
}

// LockWorkflow takes a row lock on postgres. SQLite serializes writers on its
// single connection, so there it only checks existence.
func (s *SQLStore) LockWorkflow(ctx context.Context, id string) error {
	query := `SELECT workflow_id FROM workflows WHERE workflow_id = ?`
	if s.driver == DriverPostgres {
		query += ` FOR UPDATE`
	}
	var got string
	return s.get(ctx, &got, query, id)
}

func (s *SQLStore) UpdateWorkflow(ctx context.Context, w models.Workflow) error {
	return mustAffect(s.exec(ctx, `
		UPDATE workflows SET name = ?, status = ?, current_step_id = ?, updated_at = ?
		WHERE workflow_id = ?`,
		w.Name, w.Status, w.CurrentStepID, w.UpdatedAt, w.ID))
}

const stepColumns = `step_id, workflow_id, name, description, order_index, status, started_at, completed_at,
	result, error, created_at, updated_at`

func (s *SQLStore) SaveStep(ctx context.Context, st models.Step) error {
	_, err := s.exec(ctx, `INSERT INTO workflow_steps (`+stepColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		st.ID, st.WorkflowID, st.Name, st.Description, st.OrderIndex, st.Status, st.StartedAt, st.CompletedAt,
		st.Result, st.Error, st.CreatedAt, st.UpdatedAt)
	if err != nil {
		return errors.Wrapf(err, "save step %s", st.ID)
	}
	return nil
}

func (s *SQLStore) UpdateStep(ctx context.Context, st models.Step) error {
	return mustAffect(s.exec(ctx, `
		UPDATE workflow_steps
		SET name = ?, description = ?, order_index = ?, status = ?, started_at = ?, completed_at = ?,
			result = ?, error = ?, updated_at = ?
		WHERE workflow_id = ? AND step_id = ?`,
		st.Name, st.Description, st.OrderIndex, st.Status, st.StartedAt, st.CompletedAt,
		st.Result, st.Error, st.UpdatedAt, st.WorkflowID, st.ID))
}

func (s *SQLStore) AppendHistory(ctx context.Context, h models.HistoryEntry) (int64, error) {
	var seq int64
	err := s.db.QueryRowxContext(ctx, s.db.Rebind(`
		INSERT INTO workflow_history (history_id, workflow_id, action, details, created_at)
		VALUES (?, ?, ?, ?, ?) RETURNING seq`),
		h.ID, h.WorkflowID, h.Action, h.Details, h.CreatedAt).Scan(&seq)
	if err != nil {
		return 0, errors.Wrapf(err, "append history to workflow %s", h.WorkflowID)
	}
	return seq, nil
}

func (s *SQLStore) ListHistory(ctx context.Context, workflowID string, limit int) ([]models.HistoryEntry, error) {
	query := `SELECT seq, history_id, workflow_id, action, details, created_at
		FROM workflow_history WHERE workflow_id = ? ORDER BY seq DESC`
	args := []interface{}{workflowID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	entries := []models.HistoryEntry{}
	if err := s.selectAll(ctx, &entries, query, args...); err != nil {
		return nil, errors.Wrapf(err, "list history of workflow %s", workflowID)
	}
	return entries, nil
}
