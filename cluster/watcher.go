package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/samber/lo"
)

// TaskPhase is the watcher's view of a task's two-level completion.
type TaskPhase int

const (
	PhaseNotCompleted TaskPhase = iota
	// PhaseCompletedTopLevel: the task is completed, its subtasks may not be.
	PhaseCompletedTopLevel
	PhaseFullyCompleted
)

func (p TaskPhase) String() string {
	switch p {
	case PhaseNotCompleted:
		return "not-completed"
	case PhaseCompletedTopLevel:
		return "completed-top-level"
	case PhaseFullyCompleted:
		return "fully-completed"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// outerState is the state of one Await call.
type outerState struct {
	job      string
	start    time.Time
	timeout  time.Duration
	deadline time.Time

	phases map[string]TaskPhase
	// order keeps tasks in the order they were first seen, for reporting.
	order []string
}

func newOuterState(job string, start time.Time, timeout time.Duration, expected []string) *outerState {
	state := &outerState{
		job:      job,
		start:    start,
		timeout:  timeout,
		deadline: start.Add(timeout),
		phases:   make(map[string]TaskPhase),
	}
	for _, id := range expected {
		state.observe(id)
	}
	return state
}

func (s *outerState) observe(task string) TaskPhase {
	phase, ok := s.phases[task]
	if !ok {
		s.phases[task] = PhaseNotCompleted
		s.order = append(s.order, task)
	}
	return phase
}

func (s *outerState) done() bool {
	for _, phase := range s.phases {
		if phase != PhaseFullyCompleted {
			return false
		}
	}
	return true
}

func (s *outerState) timeoutError(now time.Time) *TimeoutError {
	return &TimeoutError{
		JobID: s.job,
		Incomplete: lo.Filter(s.order, func(id string, _ int) bool {
			return s.phases[id] != PhaseFullyCompleted
		}),
		Elapsed:  now.Sub(s.start),
		Allotted: s.timeout,
	}
}

// Watcher waits for the tasks of a job, and the subtasks of each of them, to complete.
type Watcher struct {
	client Client
	config Config
	clock  clock
	log    *slog.Logger
}

func NewWatcher(client Client, config Config) (*Watcher, error) {
	if err := Validate(config); err != nil {
		return nil, fmt.Errorf("invalid cluster config: %w", err)
	}

	return &Watcher{
		client: client,
		config: config,
		clock:  systemClock{},
		log:    config.logger().With("component", "watcher"),
	}, nil
}

// Await blocks until every task of the job is fully completed. See AwaitTasks.
func (w *Watcher) Await(ctx context.Context, jobID string, timeout time.Duration) error {
	return w.AwaitTasks(ctx, jobID, nil, timeout)
}

// AwaitTasks blocks until every task of the job, including the expected ones
// even if they are not listed yet, is completed and so are all its subtasks.
//
// A task observed as completed is subtask-checked immediately, within the same
// poll cycle. That nested wait is bounded by Config.SubtaskTimeout only, unless
// Config.ClampSubtaskWait is set, so the call may outlast timeout.
//
// It returns a *TimeoutError if timeout elapses first, and an *IncompleteError
// if a completed task's subtasks do not all complete in time.
func (w *Watcher) AwaitTasks(ctx context.Context, jobID string, expected []string, timeout time.Duration) error {
	state := newOuterState(jobID, w.clock.Now(), timeout, expected)
	log := w.log.With("job", jobID)

	if timeout <= 0 {
		return state.timeoutError(state.start)
	}

	err := poll(ctx, w.clock, w.config.PollInterval, timeout, func(ctx context.Context) (bool, error) {
		return w.step(ctx, state, log)
	})

	var timeoutErr *TimeoutError
	switch {
	case err == nil:
		log.Info("All tasks completed", "tasks", len(state.order), "elapsed", w.clock.Now().Sub(state.start).Round(time.Second))
		w.config.emit(EventJobCompleted{Job: jobID})
		return nil
	case errors.As(err, &timeoutErr):
		return timeoutErr
	case errors.Is(err, ErrDeadlineExceeded):
		return state.timeoutError(w.clock.Now())
	default:
		return err
	}
}

// step is one outer cycle: it advances every listed task's phase and reports
// whether all of them are fully completed.
func (w *Watcher) step(ctx context.Context, state *outerState, log *slog.Logger) (bool, error) {
	tasks, err := w.client.ListTasks(ctx, state.job)
	if err != nil {
		return false, fmt.Errorf("failed to list tasks of job '%s': %w", state.job, err)
	}
	w.config.emit(EventTasksObserved{Job: state.job, Tasks: tasks})

	for _, task := range tasks {
		phase := state.observe(task.ID)
		if phase == PhaseFullyCompleted {
			continue
		}
		if task.State != TaskStateCompleted {
			state.phases[task.ID] = PhaseNotCompleted
			continue
		}

		state.phases[task.ID] = PhaseCompletedTopLevel
		log.Info("Task completed, waiting for subtasks", "task", task.ID, "exit-code", exitCode(task.ExitCode))
		w.config.emit(EventTaskCompleted{Job: state.job, Task: task.ID, ExitCode: task.ExitCode})

		if err := w.awaitSubtasks(ctx, state, task.ID, log); err != nil {
			return false, err
		}

		state.phases[task.ID] = PhaseFullyCompleted
		log.Info("Task fully completed", "task", task.ID)
		w.config.emit(EventTaskFullyCompleted{Job: state.job, Task: task.ID})
	}

	return state.done(), nil
}

func (w *Watcher) awaitSubtasks(ctx context.Context, state *outerState, taskID string, log *slog.Logger) error {
	start := w.clock.Now()
	allotted := w.config.SubtaskTimeout
	clamped := false
	if w.config.ClampSubtaskWait {
		remaining := state.deadline.Sub(start)
		if remaining <= 0 {
			return state.timeoutError(start)
		}
		if remaining < allotted {
			allotted, clamped = remaining, true
		}
	}

	var subtasks []Subtask
	err := poll(ctx, w.clock, w.config.PollInterval, allotted, func(ctx context.Context) (bool, error) {
		var err error
		subtasks, err = w.client.ListSubtasks(ctx, state.job, taskID)
		if err != nil {
			return false, fmt.Errorf("failed to list subtasks of task '%s': %w", taskID, err)
		}
		w.config.emit(EventSubtasksObserved{Job: state.job, Task: taskID, Subtasks: subtasks})

		return lo.EveryBy(subtasks, func(s Subtask) bool { return s.State == TaskStateCompleted }), nil
	})
	if errors.Is(err, ErrDeadlineExceeded) {
		now := w.clock.Now()
		if clamped {
			return state.timeoutError(now)
		}

		incomplete := lo.Filter(subtasks, func(s Subtask, _ int) bool { return s.State != TaskStateCompleted })
		log.Error("Subtasks did not complete in time", "task", taskID, "incomplete", len(incomplete))
		return &IncompleteError{
			JobID:      state.job,
			TaskID:     taskID,
			Incomplete: incomplete,
			Elapsed:    now.Sub(start),
			Allotted:   allotted,
		}
	}
	return err
}

func exitCode(code *int) any {
	if code == nil {
		return nil
	}
	return *code
}
