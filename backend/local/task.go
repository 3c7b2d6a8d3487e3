package local

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"sync"

	"github.com/gammadia/batchmpi/cluster"
	"github.com/samber/lo"
)

// instance is the execution of a task on one of its nodes. The first
// instance runs on the master node and executes the application command.
type instance struct {
	index int
	node  *node
	// the subtask reported for a multi-instance task, nil otherwise
	subtask  *subtask
	exitCode *int
	err      error
}

type taskPaths struct {
	dir    string
	wd     string
	shared string
}

func pathsOf(jobID, taskID string) taskPaths {
	dir := path.Join(NodeRoot, "workitems", jobID, taskID)
	return taskPaths{dir: dir, wd: path.Join(dir, "wd"), shared: path.Join(dir, "shared")}
}

// runTask waits for enough idle nodes, then runs the task the way a
// multi-instance task runs: common resource files and the coordination
// command on every node, then the application command on the master node.
func (c *Client) runTask(ctx context.Context, j *job, p *pool, t *task) {
	log := c.log.With("job", j.id, "task", t.spec.ID)

	instances, err := c.assign(ctx, p, t)
	if err != nil {
		log.Debug("Task abandoned before it started", "error", err)
		return
	}
	defer c.release(instances)

	paths := pathsOf(j.id, t.spec.ID)
	hosts := strings.Join(lo.Map(instances, func(i *instance, _ int) string { return i.node.id }), ",")
	env := func(i *instance) []string {
		return []string{
			"AZ_BATCH_POOL_ID=" + p.spec.ID,
			"AZ_BATCH_NODE_ID=" + i.node.id,
			"AZ_BATCH_JOB_ID=" + j.id,
			"AZ_BATCH_TASK_ID=" + t.spec.ID,
			"AZ_BATCH_NODE_ROOT_DIR=" + NodeRoot,
			"AZ_BATCH_NODE_SHARED_DIR=" + path.Join(NodeRoot, "shared"),
			"AZ_BATCH_TASK_DIR=" + paths.dir,
			"AZ_BATCH_TASK_WORKING_DIR=" + paths.wd,
			"AZ_BATCH_TASK_SHARED_DIR=" + paths.shared,
			"AZ_BATCH_HOST_LIST=" + hosts,
			"AZ_BATCH_MASTER_NODE=" + instances[0].node.id,
			fmt.Sprintf("AZ_BATCH_IS_CURRENT_NODE_MASTER=%t", i.index == 0),
			fmt.Sprintf("AZ_BATCH_INSTANCE_COUNT=%d", len(instances)),
		}
	}

	// Preparation: directories and common resource files on every node
	var common []cluster.ResourceFile
	var coordination string
	if mi := t.spec.MultiInstance; mi != nil {
		common = mi.CommonResourceFiles
		coordination = mi.CoordinationCommandLine
	}
	c.onEveryInstance(instances, func(i *instance) {
		for _, dir := range []string{paths.wd, paths.shared} {
			if err := mkdirAll(c.hostPath(i.node, dir)); err != nil {
				i.err = fmt.Errorf("failed to create task directory: %w", err)
				return
			}
		}
		if err := c.blob.fetch(ctx, common, c.hostPath(i.node, paths.shared)); err != nil {
			i.err = fmt.Errorf("failed to fetch common resource files: %w", err)
		}
	})

	c.setTaskState(t, instances, cluster.TaskStateRunning)

	if coordination != "" && failed(instances) == nil {
		c.onEveryInstance(instances, func(i *instance) {
			code, err := c.exec(ctx, execRequest{
				container: i.node.containerID,
				command:   coordination,
				workdir:   paths.wd,
				env:       env(i),
				elevation: t.spec.Elevation,
				stdout:    c.hostPath(i.node, path.Join(paths.dir, "coordination-stdout.txt")),
				stderr:    c.hostPath(i.node, path.Join(paths.dir, "coordination-stderr.txt")),
			})
			if err != nil {
				i.err = fmt.Errorf("coordination command did not run: %w", err)
				return
			}
			i.exitCode = &code
		})
	}

	master := instances[0]
	exitCode := c.runApplication(ctx, t, paths, master, env(master), instances, log)
	if ctx.Err() != nil {
		log.Debug("Task abandoned", "error", ctx.Err())
		return
	}

	c.complete(t, master, exitCode)
	log.Debug("Task completed", "exitcode", exitCodeAttr(exitCode))

	// Secondary instances are reported complete after the task itself
	c.mu.Lock()
	for _, i := range instances[1:] {
		if i.subtask != nil {
			i.subtask.state = cluster.TaskStateCompleted
			i.subtask.exitCode = i.exitCode
		}
	}
	c.mu.Unlock()
}

// runApplication runs the application command on the master node unless an
// earlier stage failed, uploads the outputs and returns the task exit code.
func (c *Client) runApplication(ctx context.Context, t *task, paths taskPaths, master *instance, env []string, instances []*instance, log *slog.Logger) *int {
	if f := failed(instances); f != nil {
		if f.err != nil {
			log.Warn("Task failed before its application command", "node", f.node.id, "error", f.err)
		} else {
			log.Warn("Coordination command failed", "node", f.node.id, "exitcode", *f.exitCode)
		}
		return f.exitCode
	}

	if err := c.blob.fetch(ctx, t.spec.ResourceFiles, c.hostPath(master.node, paths.wd)); err != nil {
		log.Warn("Failed to fetch resource files", "error", err)
		return nil
	}

	code, err := c.exec(ctx, execRequest{
		container: master.node.containerID,
		command:   t.spec.CommandLine,
		workdir:   paths.wd,
		env:       env,
		elevation: t.spec.Elevation,
		stdout:    c.hostPath(master.node, path.Join(paths.dir, "stdout.txt")),
		stderr:    c.hostPath(master.node, path.Join(paths.dir, "stderr.txt")),
	})
	if err != nil {
		log.Warn("Application command did not run", "error", err)
		return nil
	}

	uploaded, err := c.blob.upload(ctx, t.spec.OutputFiles, c.hostPath(master.node, paths.dir), "wd", code)
	if err != nil {
		log.Warn("Failed to upload output files", "error", err)
	} else if len(uploaded) > 0 {
		log.Debug("Uploaded output files", "blobs", uploaded)
	}
	return &code
}

// assign reserves idle nodes for the task, waiting for them if needed.
func (c *Client) assign(ctx context.Context, p *pool, t *task) ([]*instance, error) {
	count := t.spec.Instances()

	var instances []*instance
	err := cluster.Poll(ctx, c.every, 0, func(context.Context) (bool, error) {
		c.mu.Lock()
		defer c.mu.Unlock()

		idle := lo.Filter(p.nodes, func(n *node, _ int) bool {
			return n.state.Ready() && !n.busy
		})
		if len(idle) < count {
			return false, nil
		}

		instances = lo.Map(idle[:count], func(n *node, i int) *instance {
			n.busy = true
			return &instance{index: i, node: n}
		})
		t.state = cluster.TaskStatePreparing
		if t.spec.MultiInstance != nil {
			for _, i := range instances {
				i.subtask = &subtask{id: i.index, node: i.node, state: cluster.TaskStatePreparing}
				t.subtasks = append(t.subtasks, i.subtask)
			}
		}
		return true, nil
	})
	return instances, err
}

func (c *Client) release(instances []*instance) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, i := range instances {
		i.node.busy = false
	}
}

func (c *Client) setTaskState(t *task, instances []*instance, state cluster.TaskState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t.state = state
	for _, i := range instances {
		if i.subtask != nil {
			i.subtask.state = state
		}
	}
}

func (c *Client) complete(t *task, master *instance, exitCode *int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t.state = cluster.TaskStateCompleted
	t.exitCode = exitCode
	if master.subtask != nil {
		master.subtask.state = cluster.TaskStateCompleted
		master.subtask.exitCode = exitCode
	}
}

func (c *Client) onEveryInstance(instances []*instance, fn func(*instance)) {
	var wg sync.WaitGroup
	wg.Add(len(instances))
	for _, i := range instances {
		go func() {
			defer wg.Done()
			if i.err == nil {
				fn(i)
			}
		}()
	}
	wg.Wait()
}

// failed returns the first instance that could not run or whose coordination
// command exited with a non-zero code.
func failed(instances []*instance) *instance {
	for _, i := range instances {
		if i.err != nil || (i.exitCode != nil && *i.exitCode != 0) {
			return i
		}
	}
	return nil
}

func exitCodeAttr(code *int) any {
	if code == nil {
		return "none"
	}
	return *code
}
