package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/naok1207/workflow-visualizer/pkg/models"
	"github.com/pkg/errors"
)

// memoryState is the full dataset held by a memoryStore. Transactions work on
// a deep copy and swap it in on Commit.
type memoryState struct {
	tasks     map[string]models.Task
	taskSeq   map[string]int64 // insertion order, tie-breaker for equal CreatedAt
	workflows map[string]models.Workflow
	steps     map[string][]models.Step // keyed by workflow ID
	history   []models.HistoryEntry
	seq       int64
}

func newMemoryState() *memoryState {
	return &memoryState{
		tasks:     make(map[string]models.Task),
		taskSeq:   make(map[string]int64),
		workflows: make(map[string]models.Workflow),
		steps:     make(map[string][]models.Step),
	}
}

func (s *memoryState) clone() *memoryState {
	c := newMemoryState()
	for k, v := range s.tasks {
		v.Metadata = v.Metadata.Clone()
		c.tasks[k] = v
	}
	for k, v := range s.taskSeq {
		c.taskSeq[k] = v
	}
	for k, v := range s.workflows {
		c.workflows[k] = v
	}
	for k, v := range s.steps {
		steps := make([]models.Step, len(v))
		copy(steps, v)
		for i := range steps {
			steps[i].Result = steps[i].Result.Clone()
		}
		c.steps[k] = steps
	}
	c.history = append([]models.HistoryEntry(nil), s.history...)
	c.seq = s.seq
	return c
}

// memoryStore implements Store in memory. A transaction holds the write lock
// from Begin until Commit or Rollback, so transactions are serialized.
type memoryStore struct {
	mu    *sync.RWMutex
	root  *memoryStore // nil for the root store
	state *memoryState
	done  bool
}

// NewMemoryStore returns an empty transactional in-memory Store.
func NewMemoryStore() Store {
	return &memoryStore{mu: &sync.RWMutex{}, state: newMemoryState()}
}

func (m *memoryStore) isTx() bool { return m.root != nil }

// read runs fn against the visible state.
func (m *memoryStore) read(fn func(s *memoryState) error) error {
	if m.isTx() {
		if m.done {
			return ErrTxDone
		}
		return fn(m.state)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fn(m.state)
}

// write runs fn against the mutable state. Outside a transaction the change is
// applied directly under the write lock.
func (m *memoryStore) write(fn func(s *memoryState) error) error {
	if m.isTx() {
		if m.done {
			return ErrTxDone
		}
		return fn(m.state)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	next := m.state.clone()
	if err := fn(next); err != nil {
		return err
	}
	m.state = next
	return nil
}

func (m *memoryStore) Begin(ctx context.Context) (Store, error) {
	if m.isTx() {
		return nil, errors.New("nested transactions are not supported")
	}
	m.mu.Lock()
	if err := ctx.Err(); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	return &memoryStore{mu: m.mu, root: m, state: m.state.clone()}, nil
}

func (m *memoryStore) Commit() error {
	if !m.isTx() {
		return ErrNotTransaction
	}
	if m.done {
		return ErrTxDone
	}
	m.done = true
	m.root.state = m.state
	m.mu.Unlock()
	return nil
}

func (m *memoryStore) Rollback() error {
	if !m.isTx() {
		return ErrNotTransaction
	}
	if m.done {
		return ErrTxDone
	}
	m.done = true
	m.mu.Unlock()
	return nil
}

func (m *memoryStore) Close() error {
	return nil
}

func (m *memoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (m *memoryStore) SaveTask(_ context.Context, t models.Task) error {
	return m.write(func(s *memoryState) error {
		if _, ok := s.tasks[t.ID]; ok {
			return errors.Wrapf(ErrAlreadyExists, "task %s", t.ID)
		}
		s.seq++
		t.Metadata = t.Metadata.Clone()
		s.tasks[t.ID] = t
		s.taskSeq[t.ID] = s.seq
		return nil
	})
}

func (m *memoryStore) GetTask(_ context.Context, id string) (models.Task, error) {
	var task models.Task
	err := m.read(func(s *memoryState) error {
		t, ok := s.tasks[id]
		if !ok {
			return ErrNotFound
		}
		task = t
		task.Metadata = t.Metadata.Clone()
		return nil
	})
	return task, err
}

func (m *memoryStore) UpdateTask(_ context.Context, t models.Task) error {
	return m.write(func(s *memoryState) error {
		if _, ok := s.tasks[t.ID]; !ok {
			return ErrNotFound
		}
		t.Metadata = t.Metadata.Clone()
		s.tasks[t.ID] = t
		return nil
	})
}

func (m *memoryStore) ListTasks(_ context.Context, filter TaskFilter) ([]models.Task, int, error) {
	var (
		out   []models.Task
		total int
	)
	err := m.read(func(s *memoryState) error {
		matched := make([]models.Task, 0, len(s.tasks))
		for _, t := range s.tasks {
			if filter.Type != "" && t.Type != filter.Type {
				continue
			}
			if len(filter.Statuses) > 0 && !containsStatus(filter.Statuses, t.Status) {
				continue
			}
			matched = append(matched, t)
		}
		sort.Slice(matched, func(i, j int) bool {
			a, b := matched[i], matched[j]
			if !a.CreatedAt.Equal(b.CreatedAt) {
				return a.CreatedAt.After(b.CreatedAt)
			}
			return s.taskSeq[a.ID] > s.taskSeq[b.ID]
		})
		total = len(matched)
		if filter.Offset > 0 {
			if filter.Offset >= len(matched) {
				matched = nil
			} else {
				matched = matched[filter.Offset:]
			}
		}
		if filter.Limit > 0 && len(matched) > filter.Limit {
			matched = matched[:filter.Limit]
		}
		out = matched
		return nil
	})
	return out, total, err
}

func containsStatus(statuses []models.TaskStatus, st models.TaskStatus) bool {
	for _, s := range statuses {
		if s == st {
			return true
		}
	}
	return false
}

func (m *memoryStore) CountTasksByStatus(_ context.Context) (map[models.TaskStatus]int, error) {
	counts := make(map[models.TaskStatus]int)
	err := m.read(func(s *memoryState) error {
		for _, t := range s.tasks {
			counts[t.Status]++
		}
		return nil
	})
	return counts, err
}

func (m *memoryStore) SaveWorkflow(_ context.Context, w models.Workflow) error {
	return m.write(func(s *memoryState) error {
		if _, ok := s.workflows[w.ID]; ok {
			return errors.Wrapf(ErrAlreadyExists, "workflow %s", w.ID)
		}
		for _, existing := range s.workflows {
			if existing.TaskID == w.TaskID {
				return errors.Wrapf(ErrAlreadyExists, "workflow for task %s", w.TaskID)
			}
		}
		w.Steps = nil
		s.workflows[w.ID] = w
		return nil
	})
}

func (s *memoryState) workflowWithSteps(w models.Workflow) models.Workflow {
	steps := make([]models.Step, len(s.steps[w.ID]))
	copy(steps, s.steps[w.ID])
	for i := range steps {
		steps[i].Result = steps[i].Result.Clone()
	}
	sort.SliceStable(steps, func(i, j int) bool { return steps[i].OrderIndex < steps[j].OrderIndex })
	w.Steps = steps
	return w
}

func (m *memoryStore) GetWorkflow(_ context.Context, id string) (models.Workflow, error) {
	var wf models.Workflow
	err := m.read(func(s *memoryState) error {
		w, ok := s.workflows[id]
		if !ok {
			return ErrNotFound
		}
		wf = s.workflowWithSteps(w)
		return nil
	})
	return wf, err
}

func (m *memoryStore) GetWorkflowByTaskID(_ context.Context, taskID string) (models.Workflow, error) {
	var wf models.Workflow
	err := m.read(func(s *memoryState) error {
		for _, w := range s.workflows {
			if w.TaskID == taskID {
				wf = s.workflowWithSteps(w)
				return nil
			}
		}
		return ErrNotFound
	})
	return wf, err
}

// LockWorkflow only checks existence; memory transactions are already exclusive.
func (m *memoryStore) LockWorkflow(_ context.Context, id string) error {
	return m.read(func(s *memoryState) error {
		if _, ok := s.workflows[id]; !ok {
			return ErrNotFound
		}
		return nil
	})
}

func (m *memoryStore) UpdateWorkflow(_ context.Context, w models.Workflow) error {
	return m.write(func(s *memoryState) error {
		if _, ok := s.workflows[w.ID]; !ok {
			return ErrNotFound
		}
		w.Steps = nil
		s.workflows[w.ID] = w
		return nil
	})
}

func (m *memoryStore) SaveStep(_ context.Context, step models.Step) error {
	return m.write(func(s *memoryState) error {
		if _, ok := s.workflows[step.WorkflowID]; !ok {
			return errors.Wrapf(ErrNotFound, "workflow %s", step.WorkflowID)
		}
		for _, existing := range s.steps[step.WorkflowID] {
			if existing.ID == step.ID {
				return errors.Wrapf(ErrAlreadyExists, "step %s", step.ID)
			}
		}
		step.Result = step.Result.Clone()
		s.steps[step.WorkflowID] = append(s.steps[step.WorkflowID], step)
		return nil
	})
}

func (m *memoryStore) UpdateStep(_ context.Context, step models.Step) error {
	return m.write(func(s *memoryState) error {
		steps := s.steps[step.WorkflowID]
		for i := range steps {
			if steps[i].ID == step.ID {
				step.Result = step.Result.Clone()
				steps[i] = step
				return nil
			}
		}
		return ErrNotFound
	})
}

func (m *memoryStore) AppendHistory(_ context.Context, h models.HistoryEntry) (int64, error) {
	var seq int64
	err := m.write(func(s *memoryState) error {
		if _, ok := s.workflows[h.WorkflowID]; !ok {
			return errors.Wrapf(ErrNotFound, "workflow %s", h.WorkflowID)
		}
		s.seq++
		h.Seq = s.seq
		h.Details = h.Details.Clone()
		s.history = append(s.history, h)
		seq = h.Seq
		return nil
	})
	return seq, err
}

func (m *memoryStore) ListHistory(_ context.Context, workflowID string, limit int) ([]models.HistoryEntry, error) {
	var out []models.HistoryEntry
	err := m.read(func(s *memoryState) error {
		for i := len(s.history) - 1; i >= 0; i-- {
			if s.history[i].WorkflowID != workflowID {
				continue
			}
			out = append(out, s.history[i])
			if limit > 0 && len(out) == limit {
				break
			}
		}
		return nil
	})
	return out, err
}
