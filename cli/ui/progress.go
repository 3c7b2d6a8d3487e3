package ui

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/gammadia/batchmpi/cluster"
	"github.com/gammadia/batchmpi/runner"
	"github.com/samber/lo"
)

// Progress renders runner events, either as one spinner per step or, when
// verbose, as plain section headers leaving the screen to the logs.
type Progress struct {
	w       io.Writer
	verbose bool

	mu      sync.Mutex
	current *Spinner
}

func NewProgress(w io.Writer, verbose bool) *Progress {
	return &Progress{w: w, verbose: verbose}
}

// Observe is a runner.Config Observer.
func (p *Progress) Observe(event runner.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch event := event.(type) {
	case runner.EventStepStarted:
		if p.verbose {
			fmt.Fprintln(p.w, SectionHeaderColor.Sprintf("  %s  ", event.Step))
			return
		}
		p.current = newSpinner(p.w, string(event.Step))

	case runner.EventStepCompleted:
		if event.Err != nil {
			p.current.Fail()
		} else {
			p.current.Success()
		}
		p.current = nil

	case runner.EventCluster:
		if detail := Describe(event.Event); detail != "" {
			p.current.UpdateDetail(detail)
		}
	}
}

// Describe summarizes a cluster event in a few words, or returns an empty
// string for events not worth showing.
func Describe(event cluster.Event) string {
	switch event := event.(type) {
	case cluster.EventPoolCreated:
		return lo.Ternary(event.Existing, "reusing existing pool", "pool created")
	case cluster.EventNodesObserved:
		return fmt.Sprintf("nodes: %s", countStates(lo.Map(event.Nodes, func(n cluster.Node, _ int) string { return string(n.State) })))
	case cluster.EventTaskSubmitted:
		return fmt.Sprintf("%d instance(s)", event.Instances)
	case cluster.EventTasksObserved:
		return fmt.Sprintf("tasks: %s", countStates(lo.Map(event.Tasks, func(t cluster.Task, _ int) string { return string(t.State) })))
	case cluster.EventSubtasksObserved:
		return fmt.Sprintf("subtasks: %s", countStates(lo.Map(event.Subtasks, func(s cluster.Subtask, _ int) string { return string(s.State) })))
	case cluster.EventTaskCompleted:
		if event.ExitCode != nil {
			return fmt.Sprintf("task exited with code %d", *event.ExitCode)
		}
		return "task completed"
	default:
		return ""
	}
}

// countStates formats state counts like "2 idle, 1 starting".
func countStates(states []string) string {
	if len(states) == 0 {
		return "none yet"
	}

	counts := map[string]int{}
	for _, state := range states {
		counts[state]++
	}
	keys := lo.Keys(counts)
	sort.Strings(keys)
	return strings.Join(lo.Map(keys, func(state string, _ int) string {
		return fmt.Sprintf("%d %s", counts[state], state)
	}), ", ")
}
