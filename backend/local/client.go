package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/gammadia/batchmpi/cluster"
	"github.com/gammadia/batchmpi/retry"
	"github.com/samber/lo"
)

const defaultSchedulingInterval = time.Second

// Client is a cluster.Client emulating pools on the local Docker daemon.
// Every node is a long-lived container and every task instance a docker exec.
type Client struct {
	docker DockerClient
	blob   blobSource
	root   string
	image  string
	retry  retry.Policy
	every  time.Duration
	log    *slog.Logger

	// lifetime of background provisioning and task goroutines
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	pools map[string]*pool
	jobs  map[string]*job
}

// Client implements cluster.Client
var _ cluster.Client = (*Client)(nil)

type pool struct {
	spec      cluster.PoolSpec
	networkID string
	nodes     []*node
	errors    []string
	cancel    context.CancelFunc
}

type node struct {
	id          string
	containerID string
	// host directory mounted at NodeRoot
	dir   string
	state cluster.NodeState
	busy  bool
}

type job struct {
	id     string
	poolID string
	tasks  map[string]*task
	order  []string
	cancel context.CancelFunc
	ctx    context.Context
}

type task struct {
	spec     cluster.TaskSpec
	state    cluster.TaskState
	exitCode *int
	subtasks []*subtask
}

type subtask struct {
	id       int
	node     *node
	state    cluster.TaskState
	exitCode *int
}

func New(config Config) (*Client, error) {
	docker, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to init docker client: %w", err)
	}
	return newClient(docker, config)
}

func newClient(docker DockerClient, config Config) (*Client, error) {
	if err := Validate(config); err != nil {
		return nil, fmt.Errorf("invalid local backend config: %w", err)
	}

	root, err := filepath.Abs(config.Root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve node root directory: %w", err)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create node root directory: %w", err)
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		docker: docker,
		blob:   blobSource{store: config.Blob},
		root:   root,
		image:  lo.Ternary(config.Image != "", config.Image, DefaultImage),
		retry:  config.Retry,
		every:  lo.Ternary(config.SchedulingInterval > 0, config.SchedulingInterval, defaultSchedulingInterval),
		log:    logger.With("component", "backend", "backend", "local"),

		ctx:    ctx,
		cancel: cancel,

		pools: map[string]*pool{},
		jobs:  map[string]*job{},
	}, nil
}

// Close stops every running task and waits for background work to end.
// Containers are left running; DeletePool removes them.
func (c *Client) Close() error {
	c.cancel()
	c.wg.Wait()
	return nil
}

// ResolveImage accepts any reference: every node runs the configured container image.
func (c *Client) ResolveImage(_ context.Context, ref cluster.ImageReference) (cluster.Image, error) {
	if ref.IsZero() {
		return cluster.Image{}, fmt.Errorf("empty image reference: %w", cluster.ErrNotFound)
	}
	return cluster.Image{NodeAgentSKU: "batch.node.docker " + c.image, Reference: ref}, nil
}

func (c *Client) CreatePool(_ context.Context, spec cluster.PoolSpec, _ cluster.Image) error {
	if err := spec.Validate(); err != nil {
		return fmt.Errorf("invalid pool '%s': %w", spec.ID, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.pools[spec.ID]; ok {
		return fmt.Errorf("pool '%s': %w", spec.ID, cluster.ErrPoolExists)
	}

	ctx, cancel := context.WithCancel(c.ctx)
	p := &pool{spec: spec, cancel: cancel}
	for i := range spec.NodeCount {
		id := fmt.Sprintf("%s-node-%d", spec.ID, i)
		p.nodes = append(p.nodes, &node{
			id:    id,
			dir:   filepath.Join(c.root, spec.ID, id),
			state: cluster.NodeStateProvisioning,
		})
	}
	c.pools[spec.ID] = p

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.bootPool(ctx, p)
	}()

	c.log.Debug("Added pool", "pool", spec.ID, "nodes", spec.NodeCount)
	return nil
}

func (c *Client) GetPool(_ context.Context, poolID string) (cluster.Pool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.pools[poolID]
	if !ok {
		return cluster.Pool{}, fmt.Errorf("pool '%s': %w", poolID, cluster.ErrNotFound)
	}

	return cluster.Pool{
		ID:          poolID,
		TargetNodes: p.spec.NodeCount,
		CurrentNodes: lo.CountBy(p.nodes, func(n *node) bool {
			return n.state != cluster.NodeStateProvisioning
		}),
		Resizing: lo.SomeBy(p.nodes, func(n *node) bool {
			return n.state == cluster.NodeStateProvisioning
		}),
		ResizeErrors: append([]string(nil), p.errors...),
	}, nil
}

func (c *Client) ListNodes(_ context.Context, poolID string) ([]cluster.Node, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.pools[poolID]
	if !ok {
		return nil, fmt.Errorf("pool '%s': %w", poolID, cluster.ErrNotFound)
	}
	return lo.Map(p.nodes, func(n *node, _ int) cluster.Node {
		return cluster.Node{ID: n.id, PoolID: poolID, State: n.state}
	}), nil
}

func (c *Client) DeletePool(ctx context.Context, poolID string) error {
	c.mu.Lock()
	p, ok := c.pools[poolID]
	if ok {
		delete(c.pools, poolID)
		p.cancel()
	}
	c.mu.Unlock()

	if !ok {
		return fmt.Errorf("pool '%s': %w", poolID, cluster.ErrNotFound)
	}

	var errs []error
	for _, n := range p.nodes {
		c.mu.Lock()
		containerID := n.containerID
		c.mu.Unlock()
		if containerID == "" {
			continue
		}
		if err := c.retry.Do(ctx, func() error {
			return c.docker.ContainerRemove(ctx, containerID, container.RemoveOptions{RemoveVolumes: true, Force: true})
		}); err != nil {
			errs = append(errs, fmt.Errorf("failed to remove node '%s': %w", n.id, err))
		}
	}

	c.mu.Lock()
	networkID := p.networkID
	c.mu.Unlock()
	if networkID != "" {
		if err := c.retry.Do(ctx, func() error {
			return c.docker.NetworkRemove(ctx, networkID)
		}); err != nil {
			errs = append(errs, fmt.Errorf("failed to remove network of pool '%s': %w", poolID, err))
		}
	}

	if err := os.RemoveAll(filepath.Join(c.root, poolID)); err != nil {
		errs = append(errs, fmt.Errorf("failed to remove node directories: %w", err))
	}

	c.log.Debug("Deleted pool", "pool", poolID)
	return errors.Join(errs...)
}

func (c *Client) CreateJob(_ context.Context, jobID, poolID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.pools[poolID]; !ok {
		return fmt.Errorf("pool '%s' of job '%s': %w", poolID, jobID, cluster.ErrNotFound)
	}
	if _, ok := c.jobs[jobID]; ok {
		return fmt.Errorf("job '%s': %w", jobID, cluster.ErrJobExists)
	}

	ctx, cancel := context.WithCancel(c.ctx)
	c.jobs[jobID] = &job{
		id:     jobID,
		poolID: poolID,
		tasks:  map[string]*task{},
		ctx:    ctx,
		cancel: cancel,
	}

	c.log.Debug("Added job", "job", jobID, "pool", poolID)
	return nil
}

func (c *Client) DeleteJob(_ context.Context, jobID string) error {
	c.mu.Lock()
	j, ok := c.jobs[jobID]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("job '%s': %w", jobID, cluster.ErrNotFound)
	}
	delete(c.jobs, jobID)
	j.cancel()
	p := c.pools[j.poolID]
	c.mu.Unlock()

	var errs []error
	if p != nil {
		for _, n := range p.nodes {
			if err := os.RemoveAll(filepath.Join(n.dir, "workitems", jobID)); err != nil {
				errs = append(errs, fmt.Errorf("failed to remove task directories on node '%s': %w", n.id, err))
			}
		}
	}

	c.log.Debug("Deleted job", "job", jobID)
	return errors.Join(errs...)
}

func (c *Client) SubmitTask(_ context.Context, jobID string, spec cluster.TaskSpec) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	j, ok := c.jobs[jobID]
	if !ok {
		return fmt.Errorf("job '%s': %w", jobID, cluster.ErrNotFound)
	}
	if _, ok := j.tasks[spec.ID]; ok {
		return fmt.Errorf("task '%s' of job '%s': %w", spec.ID, jobID, cluster.ErrTaskExists)
	}
	p, ok := c.pools[j.poolID]
	if !ok {
		return fmt.Errorf("pool '%s' of job '%s': %w", j.poolID, jobID, cluster.ErrNotFound)
	}
	if spec.Instances() > len(p.nodes) {
		return fmt.Errorf("task '%s' needs %d nodes but pool '%s' has %d", spec.ID, spec.Instances(), j.poolID, len(p.nodes))
	}

	t := &task{spec: spec, state: cluster.TaskStateActive}
	j.tasks[spec.ID] = t
	j.order = append(j.order, spec.ID)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.runTask(j.ctx, j, p, t)
	}()

	c.log.Debug("Added task", "job", jobID, "task", spec.ID, "instances", spec.Instances())
	return nil
}

func (c *Client) ListTasks(_ context.Context, jobID string) ([]cluster.Task, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	j, ok := c.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("job '%s': %w", jobID, cluster.ErrNotFound)
	}
	return lo.Map(j.order, func(id string, _ int) cluster.Task {
		t := j.tasks[id]
		return cluster.Task{ID: id, State: t.state, ExitCode: t.exitCode}
	}), nil
}

func (c *Client) ListSubtasks(_ context.Context, jobID, taskID string) ([]cluster.Subtask, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	j, ok := c.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("job '%s': %w", jobID, cluster.ErrNotFound)
	}
	t, ok := j.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("task '%s' of job '%s': %w", taskID, jobID, cluster.ErrNotFound)
	}
	return lo.Map(t.subtasks, func(s *subtask, _ int) cluster.Subtask {
		return cluster.Subtask{ID: s.id, NodeID: s.node.id, State: s.state, ExitCode: s.exitCode}
	}), nil
}
