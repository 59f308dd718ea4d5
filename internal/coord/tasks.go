package coord

import (
	"fmt"
	"strings"
	"time"
)

// Task status values.
const (
	TaskPending    = "pending"
	TaskInProgress = "in_progress"
	TaskBlocked    = "blocked"
	TaskDone       = "done"
	TaskFailed     = "failed"
	TaskCancelled  = "cancelled"
)

var taskStatuses = map[string]bool{
	TaskPending: true, TaskInProgress: true, TaskBlocked: true,
	TaskDone: true, TaskFailed: true, TaskCancelled: true,
}

var taskPriorities = map[string]bool{
	"low": true, "normal": true, "high": true, "critical": true,
}

// Task is one unit of fleet work. DependsOn forms the DAG.
type Task struct {
	TaskID         string    `json:"task_id"`
	Title          string    `json:"title"`
	Description    string    `json:"description,omitempty"`
	Creator        string    `json:"creator"`
	Assignee       string    `json:"assignee,omitempty"`
	Priority       string    `json:"priority"`
	Status         string    `json:"status"`
	Result         string    `json:"result,omitempty"`
	ProjectID      string    `json:"project_id,omitempty"`
	DependsOn      []string  `json:"depends_on,omitempty"`
	TimeoutSec     int       `json:"timeout_sec,omitempty"`
	MaxRetries     int       `json:"max_retries,omitempty"`
	RetryCount     int       `json:"retry_count"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Terminal reports whether no further transitions (including auto-retry)
// apply.
func (t *Task) Terminal() bool {
	return t.Status == TaskDone || t.Status == TaskCancelled
}

type taskState struct {
	LastID int64            `json:"last_id"`
	Tasks  map[string]*Task `json:"tasks"`
}

func (st *taskState) init() {
	if st.Tasks == nil {
		st.Tasks = map[string]*Task{}
	}
}

const taskFile = "agent_tasks.json"

// nextTaskID derives a monotonic id from now_ms mod 1e8, prefixed T. Clock
// stalls or rewinds still advance the counter.
func (st *taskState) nextTaskID(now time.Time) string {
	n := now.UnixMilli() % 100000000
	if n <= st.LastID {
		n = st.LastID + 1
	}
	st.LastID = n
	return fmt.Sprintf("T%08d", n)
}

// CreateTask inserts a pending task. With an idempotency key, an existing
// matching task is returned unchanged.
func (s *Store) CreateTask(t Task) (*Task, bool, error) {
	if strings.TrimSpace(t.Title) == "" {
		return nil, false, fmt.Errorf("title is required")
	}
	if t.Priority == "" {
		t.Priority = "normal"
	}
	if !taskPriorities[t.Priority] {
		return nil, false, fmt.Errorf("invalid priority %q", t.Priority)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var st taskState
	if err := s.loadFile(taskFile, &st); err != nil {
		return nil, false, err
	}
	st.init()

	if t.IdempotencyKey != "" {
		for _, existing := range st.Tasks {
			if existing.IdempotencyKey == t.IdempotencyKey {
				copied := *existing
				return &copied, true, nil
			}
		}
	}

	now := time.Now().UTC()
	t.TaskID = st.nextTaskID(now)
	t.Status = TaskPending
	t.RetryCount = 0
	t.CreatedAt = now
	t.UpdatedAt = now
	st.Tasks[t.TaskID] = &t

	if err := s.saveFile(taskFile, &st); err != nil {
		return nil, false, err
	}
	s.publish("tasks", "create")
	copied := t
	return &copied, false, nil
}

// GetTask returns one task by id.
func (s *Store) GetTask(id string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var st taskState
	if err := s.loadFile(taskFile, &st); err != nil {
		return nil, err
	}
	st.init()
	t, ok := st.Tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s not found", id)
	}
	copied := *t
	return &copied, nil
}

// TaskFilter selects tasks for listing.
type TaskFilter struct {
	Status    string
	Assignee  string
	Creator   string
	ProjectID string
}

// ListTasks returns matching tasks newest-first by created_at.
func (s *Store) ListTasks(f TaskFilter) ([]Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var st taskState
	if err := s.loadFile(taskFile, &st); err != nil {
		return nil, err
	}
	st.init()

	out := []Task{}
	for _, t := range st.Tasks {
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		if f.Assignee != "" && t.Assignee != f.Assignee {
			continue
		}
		if f.Creator != "" && t.Creator != f.Creator {
			continue
		}
		if f.ProjectID != "" && t.ProjectID != f.ProjectID {
			continue
		}
		out = append(out, *t)
	}
	sortTasksNewestFirst(out)
	return out, nil
}

func sortTasksNewestFirst(tasks []Task) {
	for i := 1; i < len(tasks); i++ {
		for j := i; j > 0 && tasks[j].CreatedAt.After(tasks[j-1].CreatedAt); j-- {
			tasks[j], tasks[j-1] = tasks[j-1], tasks[j]
		}
	}
}

// UpdateResult reports what an update did.
type UpdateResult struct {
	Task        *Task `json:"task"`
	AutoRetried bool  `json:"auto_retried,omitempty"`
}

// UpdateTask applies status/result/assignee changes. A failure with retries
// remaining reverts to pending, increments retry_count, and prefixes the
// stored result with the retry marker.
func (s *Store) UpdateTask(id, status, result, assignee string) (*UpdateResult, error) {
	if status != "" && !taskStatuses[status] {
		return nil, fmt.Errorf("invalid status %q", status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var st taskState
	if err := s.loadFile(taskFile, &st); err != nil {
		return nil, err
	}
	st.init()
	t, ok := st.Tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s not found", id)
	}
	if t.Terminal() {
		return nil, fmt.Errorf("task %s is %s and cannot change", id, t.Status)
	}

	autoRetried := false
	if status == TaskFailed && t.RetryCount < t.MaxRetries {
		t.RetryCount++
		t.Status = TaskPending
		t.Result = fmt.Sprintf("[重试 %d/%d] %s", t.RetryCount, t.MaxRetries, result)
		autoRetried = true
	} else {
		if status != "" {
			t.Status = status
		}
		if result != "" {
			t.Result = result
		}
	}
	if assignee != "" {
		t.Assignee = assignee
	}
	t.UpdatedAt = time.Now().UTC()

	if err := s.saveFile(taskFile, &st); err != nil {
		return nil, err
	}
	s.publish("tasks", "update")
	copied := *t
	return &UpdateResult{Task: &copied, AutoRetried: autoRetried}, nil
}

// AssignTask sets the assignee and moves a pending task to in_progress.
func (s *Store) AssignTask(id, assignee string) (*Task, error) {
	if assignee == "" {
		return nil, fmt.Errorf("assignee is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var st taskState
	if err := s.loadFile(taskFile, &st); err != nil {
		return nil, err
	}
	st.init()
	t, ok := st.Tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s not found", id)
	}
	if t.Terminal() {
		return nil, fmt.Errorf("task %s is %s and cannot be assigned", id, t.Status)
	}

	t.Assignee = assignee
	if t.Status == TaskPending {
		t.Status = TaskInProgress
	}
	t.UpdatedAt = time.Now().UTC()

	if err := s.saveFile(taskFile, &st); err != nil {
		return nil, err
	}
	s.publish("tasks", "assign")
	copied := *t
	return &copied, nil
}

// ReadyTasks returns pending tasks whose dependencies are all done or
// cancelled, optionally filtered by assignee.
func (s *Store) ReadyTasks(assignee string) ([]Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var st taskState
	if err := s.loadFile(taskFile, &st); err != nil {
		return nil, err
	}
	st.init()

	out := []Task{}
	for _, t := range st.Tasks {
		if t.Status != TaskPending {
			continue
		}
		if assignee != "" && t.Assignee != "" && t.Assignee != assignee {
			continue
		}
		if !depsSatisfied(t, st.Tasks) {
			continue
		}
		out = append(out, *t)
	}
	sortTasksNewestFirst(out)
	return out, nil
}

func depsSatisfied(t *Task, tasks map[string]*Task) bool {
	for _, dep := range t.DependsOn {
		d, ok := tasks[dep]
		if !ok {
			return false
		}
		if d.Status != TaskDone && d.Status != TaskCancelled {
			return false
		}
	}
	return true
}

// Progress summarizes the DAG per project.
type Progress struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	InFlight  int `json:"in_flight"`
	Blocked   int `json:"blocked"`
	Done      int `json:"done"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}

// TaskProgress counts tasks per status, optionally scoped to a project.
func (s *Store) TaskProgress(projectID string) (*Progress, error) {
	tasks, err := s.ListTasks(TaskFilter{ProjectID: projectID})
	if err != nil {
		return nil, err
	}
	p := &Progress{Total: len(tasks)}
	for _, t := range tasks {
		switch t.Status {
		case TaskPending:
			p.Pending++
		case TaskInProgress:
			p.InFlight++
		case TaskBlocked:
			p.Blocked++
		case TaskDone:
			p.Done++
		case TaskFailed:
			p.Failed++
		case TaskCancelled:
			p.Cancelled++
		}
	}
	return p, nil
}

// CancelTask moves a non-terminal task to cancelled.
func (s *Store) CancelTask(id, reason string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var st taskState
	if err := s.loadFile(taskFile, &st); err != nil {
		return nil, err
	}
	st.init()
	t, ok := st.Tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s not found", id)
	}
	if t.Terminal() {
		return nil, fmt.Errorf("task %s is %s and cannot be cancelled", id, t.Status)
	}

	t.Status = TaskCancelled
	if reason != "" {
		t.Result = reason
	}
	t.UpdatedAt = time.Now().UTC()

	if err := s.saveFile(taskFile, &st); err != nil {
		return nil, err
	}
	s.publish("tasks", "cancel")
	copied := *t
	return &copied, nil
}
