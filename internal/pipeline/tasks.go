package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/loqalabs/loqa-narrator/internal/book"
)

// TaskState is the lifecycle of a background stage.
type TaskState string

const (
	TaskQueued    TaskState = "queued"
	TaskRunning   TaskState = "running"
	TaskSucceeded TaskState = "succeeded"
	TaskFailed    TaskState = "failed"
)

// taskRetention is how long a finished task stays queryable.
const taskRetention = time.Hour

// Task tracks a stage running in the background.
type Task struct {
	ID         string      `json:"id"`
	ProjectID  string      `json:"project_id"`
	Stage      string      `json:"stage"`
	State      TaskState   `json:"state"`
	Error      string      `json:"error,omitempty"`
	Status     book.Status `json:"status,omitempty"`
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt time.Time   `json:"finished_at"`
}

// SubmitSynthesis validates the project synchronously and then runs
// synthesis and assembly in the background. The project lock is taken before
// returning, so a second submission reports ErrBusy.
func (o *Orchestrator) SubmitSynthesis(ctx context.Context, id string) (Task, error) {
	if err := o.acquire(id, StageSynthesize); err != nil {
		return Task{}, err
	}
	p, err := o.deps.Store.LoadProject(id)
	if err != nil {
		o.release(id)
		return Task{}, classify(id, err)
	}
	if !canRun(StageSynthesize, p.Effective()) {
		o.release(id)
		return Task{}, fmt.Errorf("%w: cannot %s project %s in status %s", ErrInvalidState, StageSynthesize, id, p.Status)
	}

	task := &Task{ID: uuid.NewString(), ProjectID: id, Stage: StageSynthesize, State: TaskQueued}
	o.tasksMu.Lock()
	o.pruneTasks(o.clock())
	o.tasks[task.ID] = task
	o.tasksMu.Unlock()

	snapshot := *task
	runCtx := context.WithoutCancel(ctx)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer o.release(id)
		o.updateTask(task.ID, func(t *Task) {
			t.State = TaskRunning
			t.StartedAt = o.clock()
		})
		p, err := o.synthesizeLocked(runCtx, id)
		o.updateTask(task.ID, func(t *Task) {
			t.FinishedAt = o.clock()
			if p != nil {
				t.Status = p.Status
			}
			if err != nil {
				t.State = TaskFailed
				t.Error = err.Error()
				return
			}
			t.State = TaskSucceeded
		})
		if err != nil {
			o.logger.Warn("background synthesis failed", slog.String("task_id", task.ID), slog.String("project_id", id), slogError(err))
		}
	}()
	return snapshot, nil
}

// Task returns a snapshot of a background task.
func (o *Orchestrator) Task(id string) (Task, error) {
	o.tasksMu.RLock()
	defer o.tasksMu.RUnlock()
	t, ok := o.tasks[id]
	if !ok || t.expired(o.clock()) {
		return Task{}, fmt.Errorf("%w: task %s", ErrNotFound, id)
	}
	return *t, nil
}

func (t *Task) expired(now time.Time) bool {
	return !t.FinishedAt.IsZero() && now.Sub(t.FinishedAt) > taskRetention
}

// pruneTasks drops expired tasks. The caller holds tasksMu.
func (o *Orchestrator) pruneTasks(now time.Time) {
	for id, t := range o.tasks {
		if t.expired(now) {
			delete(o.tasks, id)
		}
	}
}

func (o *Orchestrator) updateTask(id string, fn func(*Task)) {
	o.tasksMu.Lock()
	defer o.tasksMu.Unlock()
	if t, ok := o.tasks[id]; ok {
		fn(t)
	}
}
