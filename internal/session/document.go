package session

import (
	"fmt"
	"time"

	"github.com/portside/anchor/internal/shared"
)

// TaskStatus is the lifecycle state of one task inside a session.
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
)

const defaultTaskMaxAttempts = 3

var allowedTransitions = map[TaskStatus]map[TaskStatus]struct{}{
	TaskStatusPending: {
		TaskStatusInProgress: {},
	},
	TaskStatusInProgress: {
		TaskStatusCompleted: {},
		TaskStatusFailed:    {},
	},
	TaskStatusFailed: {
		TaskStatusPending: {}, // Retry while attempts remain.
	},
}

func canTransition(from, to TaskStatus) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

func validStatus(s TaskStatus) bool {
	switch s {
	case TaskStatusPending, TaskStatusInProgress, TaskStatusCompleted, TaskStatusFailed:
		return true
	}
	return false
}

// MessageRole tags who produced a conversation message.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
	RoleTool      MessageRole = "tool"
)

func validRole(r MessageRole) bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem, RoleTool:
		return true
	}
	return false
}

// Message is one entry in the session's conversation history. Order in the
// slice is the order of the conversation.
type Message struct {
	Role    MessageRole `json:"role"`
	Content string      `json:"content"`
	At      time.Time   `json:"at"`
}

// Task is one unit of work tracked inside a session document.
type Task struct {
	ID          string     `json:"id"`
	Status      TaskStatus `json:"status"`
	Attempts    int        `json:"attempts"`
	MaxAttempts int        `json:"max_attempts"`
	DependsOn   []string   `json:"depends_on,omitempty"`
}

// Terminal reports whether the task can never run again: completed, or
// failed with its attempt budget spent.
func (t *Task) Terminal() bool {
	if t.Status == TaskStatusCompleted {
		return true
	}
	return t.Status == TaskStatusFailed && t.Attempts >= t.MaxAttempts
}

// Document is the full state of one session. It lives in the TTL store as a
// single JSON value; every mutation rewrites the whole document under the
// session's lock.
type Document struct {
	SessionID        string            `json:"session_id"`
	TenantID         string            `json:"tenant_id,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
	Revision         int64             `json:"revision"`
	Messages         []Message         `json:"messages,omitempty"`
	Tasks            map[string]*Task  `json:"tasks,omitempty"`
	CompletedTaskIDs []string          `json:"completed_task_ids,omitempty"`
	FailedTaskIDs    []string          `json:"failed_task_ids,omitempty"`
	Meta             map[string]string `json:"meta,omitempty"`

	// transitions records the task status changes applied during the current
	// mutation so the manager can publish them after a successful write.
	transitions []transition
}

type transition struct {
	TaskID   string
	From     TaskStatus
	To       TaskStatus
	Attempts int
}

// AppendMessage adds one entry to the conversation history. A zero timestamp
// gets the current time.
func (d *Document) AppendMessage(msg Message) error {
	if !validRole(msg.Role) {
		return &shared.ValidationError{Msg: fmt.Sprintf("message role %q unknown", msg.Role)}
	}
	if msg.Content == "" {
		return &shared.ValidationError{Msg: "message content must not be empty"}
	}
	if msg.At.IsZero() {
		msg.At = time.Now().UTC()
	}
	d.Messages = append(d.Messages, msg)
	return nil
}

// TaskCompleted reports whether id is in the session's completed set.
func (d *Document) TaskCompleted(id string) bool {
	for _, done := range d.CompletedTaskIDs {
		if done == id {
			return true
		}
	}
	return false
}

// TaskFailed reports whether id is in the session's terminally-failed set.
func (d *Document) TaskFailed(id string) bool {
	for _, failed := range d.FailedTaskIDs {
		if failed == id {
			return true
		}
	}
	return false
}

// AddTask registers a new task in pending state. A zero MaxAttempts gets the
// default of 3.
func (d *Document) AddTask(task Task) error {
	if task.ID == "" {
		return &shared.ValidationError{Msg: "task id must not be empty"}
	}
	if d.Tasks == nil {
		d.Tasks = make(map[string]*Task)
	}
	if _, exists := d.Tasks[task.ID]; exists {
		return &shared.ValidationError{Msg: fmt.Sprintf("task %q already exists", task.ID)}
	}
	if task.MaxAttempts <= 0 {
		task.MaxAttempts = defaultTaskMaxAttempts
	}
	task.Status = TaskStatusPending
	task.Attempts = 0
	d.Tasks[task.ID] = &task
	return nil
}

// StartTask moves a pending task to in_progress. Every dependency must
// already be in CompletedTaskIDs.
func (d *Document) StartTask(id string) error {
	task, err := d.task(id)
	if err != nil {
		return err
	}
	if !canTransition(task.Status, TaskStatusInProgress) {
		return transitionError(task, TaskStatusInProgress)
	}
	var missing []string
	for _, dep := range task.DependsOn {
		if !d.TaskCompleted(dep) {
			missing = append(missing, fmt.Sprintf("dependency %q not completed", dep))
		}
	}
	if len(missing) > 0 {
		return &shared.ValidationError{
			Msg:        fmt.Sprintf("task %q cannot start", id),
			Violations: missing,
		}
	}
	d.applyTransition(task, TaskStatusInProgress)
	return nil
}

// CompleteTask moves an in_progress task to completed and appends it to the
// session's completed set.
func (d *Document) CompleteTask(id string) error {
	task, err := d.task(id)
	if err != nil {
		return err
	}
	if !canTransition(task.Status, TaskStatusCompleted) {
		return transitionError(task, TaskStatusCompleted)
	}
	d.applyTransition(task, TaskStatusCompleted)
	if !d.TaskCompleted(id) {
		d.CompletedTaskIDs = append(d.CompletedTaskIDs, id)
	}
	return nil
}

// FailTask records a failed attempt. While attempts remain the task resets
// to pending for retry; at the budget it stays failed for good.
func (d *Document) FailTask(id string) error {
	task, err := d.task(id)
	if err != nil {
		return err
	}
	if !canTransition(task.Status, TaskStatusFailed) {
		return transitionError(task, TaskStatusFailed)
	}
	task.Attempts++
	d.applyTransition(task, TaskStatusFailed)
	if task.Attempts < task.MaxAttempts {
		d.applyTransition(task, TaskStatusPending)
	} else if !d.TaskFailed(id) {
		// Budget spent: the failure is terminal.
		d.FailedTaskIDs = append(d.FailedTaskIDs, id)
	}
	return nil
}

func (d *Document) task(id string) (*Task, error) {
	task, ok := d.Tasks[id]
	if !ok {
		return nil, &shared.ValidationError{Msg: fmt.Sprintf("task %q not found in session", id)}
	}
	return task, nil
}

func (d *Document) applyTransition(task *Task, to TaskStatus) {
	from := task.Status
	task.Status = to
	d.transitions = append(d.transitions, transition{
		TaskID:   task.ID,
		From:     from,
		To:       to,
		Attempts: task.Attempts,
	})
}

func transitionError(task *Task, to TaskStatus) error {
	return &shared.ValidationError{
		Msg: fmt.Sprintf("task %q cannot move from %s to %s", task.ID, task.Status, to),
	}
}

// validate enforces the document invariants before any write.
func (d *Document) validate() error {
	if d.SessionID == "" {
		return &shared.ValidationError{Msg: "session_id must not be empty"}
	}
	var violations []string
	for id, task := range d.Tasks {
		if task == nil {
			violations = append(violations, fmt.Sprintf("task %q is nil", id))
			continue
		}
		if task.ID != id {
			violations = append(violations, fmt.Sprintf("task %q keyed as %q", task.ID, id))
		}
		if !validStatus(task.Status) {
			violations = append(violations, fmt.Sprintf("task %q has unknown status %q", id, task.Status))
		}
		if task.Status == TaskStatusCompleted && !d.TaskCompleted(id) {
			violations = append(violations, fmt.Sprintf("completed task %q missing from completed_task_ids", id))
		}
		if task.Attempts < 0 || task.MaxAttempts < 1 {
			violations = append(violations, fmt.Sprintf("task %q has invalid attempt accounting", id))
		}
		// Every dependency must resolve to a known task, or the task could
		// never start.
		for _, dep := range task.DependsOn {
			if dep == id {
				violations = append(violations, fmt.Sprintf("task %q depends on itself", id))
				continue
			}
			if _, ok := d.Tasks[dep]; !ok && !d.TaskCompleted(dep) {
				violations = append(violations, fmt.Sprintf("task %q depends on unknown task %q", id, dep))
			}
		}
	}
	seen := make(map[string]struct{}, len(d.CompletedTaskIDs))
	for _, id := range d.CompletedTaskIDs {
		if _, dup := seen[id]; dup {
			violations = append(violations, fmt.Sprintf("completed_task_ids lists %q twice", id))
		}
		seen[id] = struct{}{}
		if task, ok := d.Tasks[id]; ok && task != nil && task.Status != TaskStatusCompleted {
			violations = append(violations, fmt.Sprintf("completed task %q has status %s", id, task.Status))
		}
	}
	seenFailed := make(map[string]struct{}, len(d.FailedTaskIDs))
	for _, id := range d.FailedTaskIDs {
		if _, dup := seenFailed[id]; dup {
			violations = append(violations, fmt.Sprintf("failed_task_ids lists %q twice", id))
		}
		seenFailed[id] = struct{}{}
		// A task can end in exactly one terminal set.
		if _, done := seen[id]; done {
			violations = append(violations, fmt.Sprintf("task %q is in both completed and failed sets", id))
		}
		if task, ok := d.Tasks[id]; ok && task != nil && task.Status != TaskStatusFailed {
			violations = append(violations, fmt.Sprintf("failed task %q has status %s", id, task.Status))
		}
	}
	for i, msg := range d.Messages {
		if !validRole(msg.Role) {
			violations = append(violations, fmt.Sprintf("message %d has unknown role %q", i, msg.Role))
		}
	}
	if len(violations) > 0 {
		return &shared.ValidationError{Msg: "session document invalid", Violations: violations}
	}
	return nil
}
