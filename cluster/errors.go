package cluster

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/samber/lo"
)

var (
	ErrPoolExists = errors.New("pool already exists")
	ErrJobExists  = errors.New("job already exists")
	ErrTaskExists = errors.New("task already exists")
	ErrNotFound   = errors.New("not found")

	// ErrDeadlineExceeded is returned by Poll when its timeout elapses.
	ErrDeadlineExceeded = errors.New("deadline exceeded")
)

// ProvisionError reports a pool that could not be brought to a ready state.
type ProvisionError struct {
	PoolID string
	// Nodes holds the offending nodes, if any were observed.
	Nodes   []Node
	Elapsed time.Duration
	Err     error
}

func (e *ProvisionError) Error() string {
	msg := fmt.Sprintf("failed to provision pool '%s' after %s", e.PoolID, e.Elapsed.Round(time.Second))
	if len(e.Nodes) > 0 {
		msg += fmt.Sprintf(" (%s)", strings.Join(lo.Map(e.Nodes, func(n Node, _ int) string {
			return fmt.Sprintf("%s: %s", n.ID, n.State)
		}), ", "))
	}
	return fmt.Sprintf("%s: %v", msg, e.Err)
}

func (e *ProvisionError) Unwrap() error {
	return e.Err
}

// SubmitError reports a task rejected by the control plane.
type SubmitError struct {
	JobID  string
	TaskID string
	Err    error
}

func (e *SubmitError) Error() string {
	return fmt.Sprintf("failed to submit task '%s' to job '%s': %v", e.TaskID, e.JobID, e.Err)
}

func (e *SubmitError) Unwrap() error {
	return e.Err
}

// IncompleteError reports a task that completed while some of its subtasks did
// not within the allotted time. It does not unwrap to ErrDeadlineExceeded, so
// errors.Is tells a hung subtask apart from a job that never finished.
type IncompleteError struct {
	JobID      string
	TaskID     string
	Incomplete []Subtask
	Elapsed    time.Duration
	Allotted   time.Duration
}

func (e *IncompleteError) Error() string {
	return fmt.Sprintf(
		"task '%s' of job '%s' completed but %d subtask(s) did not complete within %s (elapsed %s): %s",
		e.TaskID, e.JobID, len(e.Incomplete), e.Allotted, e.Elapsed.Round(time.Second),
		strings.Join(lo.Map(e.Incomplete, func(s Subtask, _ int) string {
			return fmt.Sprintf("%d@%s: %s", s.ID, s.NodeID, s.State)
		}), ", "),
	)
}

// TimeoutError reports a job whose tasks did not all complete before the deadline.
type TimeoutError struct {
	JobID      string
	Incomplete []string
	Elapsed    time.Duration
	Allotted   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf(
		"tasks of job '%s' did not reach the completed state within %s (elapsed %s), incomplete: %s",
		e.JobID, e.Allotted, e.Elapsed.Round(time.Second), strings.Join(e.Incomplete, ", "),
	)
}

func (e *TimeoutError) Unwrap() error {
	return ErrDeadlineExceeded
}
