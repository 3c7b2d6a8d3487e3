package cluster

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// --- Fake clock ---

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return nil
}

func (c *fakeClock) since(t time.Time) time.Duration {
	return c.Now().Sub(t)
}

// --- Scripted client ---

// fakeClient replays scripted observations: the n-th list call returns the
// n-th entry of its script, and the last entry once the script is exhausted.
type fakeClient struct {
	resolveErr    error
	createPoolErr error
	submitErr     error
	listTasksErr  error

	pools    []Pool
	nodes    [][]Node
	tasks    [][]Task
	subtasks map[string][][]Subtask

	createdPools []PoolSpec
	submitted    []TaskSpec
	calls        map[string]int
}

// fakeClient implements Client
var _ Client = (*fakeClient)(nil)

func newFakeClient() *fakeClient {
	return &fakeClient{
		subtasks: make(map[string][][]Subtask),
		calls:    make(map[string]int),
	}
}

func next[T any](script []T, n int) T {
	var zero T
	if len(script) == 0 {
		return zero
	}
	return script[min(n, len(script)-1)]
}

func (c *fakeClient) ResolveImage(_ context.Context, ref ImageReference) (Image, error) {
	c.calls["ResolveImage"]++
	if c.resolveErr != nil {
		return Image{}, c.resolveErr
	}
	return Image{NodeAgentSKU: "batch.node.centos 7", Reference: ref}, nil
}

func (c *fakeClient) CreatePool(_ context.Context, spec PoolSpec, _ Image) error {
	c.calls["CreatePool"]++
	c.createdPools = append(c.createdPools, spec)
	return c.createPoolErr
}

func (c *fakeClient) GetPool(_ context.Context, poolID string) (Pool, error) {
	n := c.calls["GetPool"]
	c.calls["GetPool"]++
	pool := next(c.pools, n)
	pool.ID = poolID
	return pool, nil
}

func (c *fakeClient) ListNodes(_ context.Context, _ string) ([]Node, error) {
	n := c.calls["ListNodes"]
	c.calls["ListNodes"]++
	return next(c.nodes, n), nil
}

func (c *fakeClient) DeletePool(_ context.Context, _ string) error {
	c.calls["DeletePool"]++
	return nil
}

func (c *fakeClient) CreateJob(_ context.Context, _, _ string) error {
	c.calls["CreateJob"]++
	return nil
}

func (c *fakeClient) DeleteJob(_ context.Context, _ string) error {
	c.calls["DeleteJob"]++
	return nil
}

func (c *fakeClient) SubmitTask(_ context.Context, _ string, task TaskSpec) error {
	c.calls["SubmitTask"]++
	c.submitted = append(c.submitted, task)
	return c.submitErr
}

func (c *fakeClient) ListTasks(_ context.Context, _ string) ([]Task, error) {
	n := c.calls["ListTasks"]
	c.calls["ListTasks"]++
	if c.listTasksErr != nil {
		return nil, c.listTasksErr
	}
	return next(c.tasks, n), nil
}

func (c *fakeClient) ListSubtasks(_ context.Context, _, taskID string) ([]Subtask, error) {
	key := "ListSubtasks/" + taskID
	n := c.calls[key]
	c.calls[key]++
	c.calls["ListSubtasks"]++
	return next(c.subtasks[taskID], n), nil
}

// --- Helpers ---

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

type eventRecorder struct {
	events []Event
}

func (r *eventRecorder) record(event Event) {
	r.events = append(r.events, event)
}

func newTestConfig(recorder *eventRecorder) Config {
	config := DefaultConfig()
	config.Logger = slog.New(slog.NewTextHandler(nopWriter{}, &slog.HandlerOptions{Level: slog.LevelError}))
	if recorder != nil {
		config.Observer = recorder.record
	}
	return config
}

func nodes(pool string, states ...NodeState) []Node {
	result := make([]Node, 0, len(states))
	for i, state := range states {
		result = append(result, Node{ID: pool + "-node-" + string(rune('a'+i)), PoolID: pool, State: state})
	}
	return result
}

func subtasks(states ...TaskState) []Subtask {
	result := make([]Subtask, 0, len(states))
	for i, state := range states {
		result = append(result, Subtask{ID: i, NodeID: "node-" + string(rune('a'+i)), State: state})
	}
	return result
}

func task(id string, state TaskState) Task {
	return Task{ID: id, State: state}
}
