package local

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gammadia/batchmpi/blob"
	blobstore "github.com/gammadia/batchmpi/blob/local"
	"github.com/gammadia/batchmpi/cluster"
	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPoolSpec(id string, nodes int) cluster.PoolSpec {
	return cluster.PoolSpec{
		ID:                     id,
		VMSize:                 "local",
		NodeCount:              nodes,
		Image:                  cluster.ImageReference{Publisher: "OpenLogic", Offer: "CentOS-HPC", SKU: "7.4"},
		InterNodeCommunication: true,
	}
}

func testClusterConfig() cluster.Config {
	config := cluster.DefaultConfig()
	config.PollInterval = 5 * time.Millisecond
	config.SubtaskTimeout = 5 * time.Second
	return config
}

func provision(t *testing.T, c *Client, spec cluster.PoolSpec) ([]cluster.Node, error) {
	t.Helper()
	p, err := cluster.NewProvisioner(c, testClusterConfig())
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return p.Provision(ctx, spec)
}

func await(t *testing.T, c *Client, jobID string) error {
	t.Helper()
	w, err := cluster.NewWatcher(c, testClusterConfig())
	require.NoError(t, err)
	return w.Await(context.Background(), jobID, 5*time.Second)
}

// --- Pool tests ---

func TestProvisionNodes(t *testing.T) {
	docker := newMockDocker()
	c := newTestClient(t, docker, Config{})

	nodes, err := provision(t, c, testPoolSpec("pool", 2))
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	for _, n := range nodes {
		assert.Equal(t, cluster.NodeStateIdle, n.State)
		assert.Equal(t, "pool", n.PoolID)
	}

	assert.Equal(t, []string{"batchmpi-pool"}, docker.networksCreated)
	assert.ElementsMatch(t, []string{"batchmpi-pool-node-0", "batchmpi-pool-node-1"}, docker.containersCreated)
	assert.Len(t, docker.containersStarted, 2)

	pool, err := c.GetPool(context.Background(), "pool")
	require.NoError(t, err)
	assert.Equal(t, cluster.Pool{ID: "pool", TargetNodes: 2, CurrentNodes: 2}, pool)
}

func TestProvisionWithoutInterNodeCommunication(t *testing.T) {
	docker := newMockDocker()
	c := newTestClient(t, docker, Config{})

	spec := testPoolSpec("solo", 1)
	spec.InterNodeCommunication = false
	_, err := provision(t, c, spec)
	require.NoError(t, err)
	assert.Empty(t, docker.networksCreated)
}

func TestCreatePoolTwice(t *testing.T) {
	c := newTestClient(t, newMockDocker(), Config{})

	require.NoError(t, c.CreatePool(context.Background(), testPoolSpec("pool", 1), cluster.Image{}))
	err := c.CreatePool(context.Background(), testPoolSpec("pool", 1), cluster.Image{})
	assert.ErrorIs(t, err, cluster.ErrPoolExists)
}

func TestStartTask(t *testing.T) {
	tests := []struct {
		name           string
		exitCode       int
		waitForSuccess bool
		expectedState  cluster.NodeState
	}{
		{"succeeds", 0, true, cluster.NodeStateIdle},
		{"fails", 1, true, cluster.NodeStateStartTaskFailed},
		{"fails without waiting for success", 1, false, cluster.NodeStateIdle},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			docker := newMockDocker()
			docker.script = func(e execCall) execResult {
				return execResult{stdout: "setup on " + e.Env("AZ_BATCH_NODE_ID"), exitCode: tt.exitCode}
			}
			c := newTestClient(t, docker, Config{})

			spec := testPoolSpec("pool", 1)
			spec.StartTask = &cluster.StartTask{
				CommandLine:    "setup",
				Elevation:      cluster.ElevationAdmin,
				WaitForSuccess: tt.waitForSuccess,
			}
			_, err := provision(t, c, spec)

			nodes, listErr := c.ListNodes(context.Background(), "pool")
			require.NoError(t, listErr)
			require.Len(t, nodes, 1)
			assert.Equal(t, tt.expectedState, nodes[0].State)

			if tt.expectedState.Failed() {
				var provisionErr *cluster.ProvisionError
				assert.ErrorAs(t, err, &provisionErr)
			} else {
				assert.NoError(t, err)
			}

			execs := docker.execsMatching(func(e execCall) bool { return e.Command() == "setup" })
			require.Len(t, execs, 1)
			assert.Equal(t, "0:0", execs[0].Options.User)
			assert.Equal(t, "/mnt/batch/startup/wd", execs[0].Options.WorkingDir)

			stdout, err := os.ReadFile(filepath.Join(execs[0].NodeDir, "startup", "stdout.txt"))
			require.NoError(t, err)
			assert.Equal(t, "setup on pool-node-0", string(stdout))
		})
	}
}

func TestContainerFailureMakesNodesUnusable(t *testing.T) {
	docker := newMockDocker()
	docker.containerCreateErr = errDocker
	c := newTestClient(t, docker, Config{})

	_, err := provision(t, c, testPoolSpec("pool", 2))
	var provisionErr *cluster.ProvisionError
	require.ErrorAs(t, err, &provisionErr)
	for _, n := range provisionErr.Nodes {
		assert.Equal(t, cluster.NodeStateUnusable, n.State)
	}
}

func TestDeletePoolRemovesContainersThatFailedToStart(t *testing.T) {
	docker := newMockDocker()
	docker.containerStartErr = errDocker
	c := newTestClient(t, docker, Config{})

	_, err := provision(t, c, testPoolSpec("pool", 1))
	var provisionErr *cluster.ProvisionError
	require.ErrorAs(t, err, &provisionErr)
	require.Len(t, provisionErr.Nodes, 1)
	assert.Equal(t, cluster.NodeStateUnusable, provisionErr.Nodes[0].State)
	assert.Equal(t, []string{"batchmpi-pool-node-0"}, docker.containersCreated)

	require.NoError(t, c.DeletePool(context.Background(), "pool"))
	assert.Equal(t, []string{"ctr-batchmpi-pool-node-0"}, docker.containersRemoved)
}

func TestNetworkFailureIsReportedAsResizeError(t *testing.T) {
	docker := newMockDocker()
	docker.networkCreateErr = errDocker
	c := newTestClient(t, docker, Config{})

	require.NoError(t, c.CreatePool(context.Background(), testPoolSpec("pool", 2), cluster.Image{}))
	require.Eventually(t, func() bool {
		pool, err := c.GetPool(context.Background(), "pool")
		return err == nil && len(pool.ResizeErrors) > 0
	}, 2*time.Second, 5*time.Millisecond)

	nodes, err := c.ListNodes(context.Background(), "pool")
	require.NoError(t, err)
	for _, n := range nodes {
		assert.Equal(t, cluster.NodeStateUnusable, n.State)
	}
	assert.Empty(t, docker.containersCreated)
}

func TestDeletePool(t *testing.T) {
	docker := newMockDocker()
	root := t.TempDir()
	c := newTestClient(t, docker, Config{Root: root})

	_, err := provision(t, c, testPoolSpec("pool", 2))
	require.NoError(t, err)
	require.DirExists(t, filepath.Join(root, "pool"))

	require.NoError(t, c.DeletePool(context.Background(), "pool"))
	assert.ElementsMatch(t, []string{"ctr-batchmpi-pool-node-0", "ctr-batchmpi-pool-node-1"}, docker.containersRemoved)
	assert.Equal(t, []string{"net-batchmpi-pool"}, docker.networksRemoved)
	assert.NoDirExists(t, filepath.Join(root, "pool"))

	assert.ErrorIs(t, c.DeletePool(context.Background(), "pool"), cluster.ErrNotFound)
	_, err = c.ListNodes(context.Background(), "pool")
	assert.ErrorIs(t, err, cluster.ErrNotFound)
}

func TestResolveImage(t *testing.T) {
	c := newTestClient(t, newMockDocker(), Config{Image: "ubuntu:24.04"})

	ref := cluster.ImageReference{Publisher: "OpenLogic", Offer: "CentOS-HPC", SKU: "7.4"}
	image, err := c.ResolveImage(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, ref, image.Reference)
	assert.Contains(t, image.NodeAgentSKU, "ubuntu:24.04")

	_, err = c.ResolveImage(context.Background(), cluster.ImageReference{})
	assert.ErrorIs(t, err, cluster.ErrNotFound)
}

// --- Job and task tests ---

func TestJobAndTaskConflicts(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t, newMockDocker(), Config{})

	assert.ErrorIs(t, c.CreateJob(ctx, "job", "missing"), cluster.ErrNotFound)

	require.NoError(t, c.CreatePool(ctx, testPoolSpec("pool", 1), cluster.Image{}))
	require.NoError(t, c.CreateJob(ctx, "job", "pool"))
	assert.ErrorIs(t, c.CreateJob(ctx, "job", "pool"), cluster.ErrJobExists)

	assert.ErrorIs(t, c.SubmitTask(ctx, "missing", cluster.TaskSpec{ID: "t"}), cluster.ErrNotFound)
	require.NoError(t, c.SubmitTask(ctx, "job", cluster.TaskSpec{ID: "t", CommandLine: "true"}))
	assert.ErrorIs(t, c.SubmitTask(ctx, "job", cluster.TaskSpec{ID: "t", CommandLine: "true"}), cluster.ErrTaskExists)

	err := c.SubmitTask(ctx, "job", cluster.TaskSpec{ID: "wide", MultiInstance: &cluster.MultiInstance{Instances: 3}})
	assert.ErrorContains(t, err, "needs 3 nodes")

	_, err = c.ListTasks(ctx, "missing")
	assert.ErrorIs(t, err, cluster.ErrNotFound)
	_, err = c.ListSubtasks(ctx, "job", "missing")
	assert.ErrorIs(t, err, cluster.ErrNotFound)
}

func TestSingleInstanceTask(t *testing.T) {
	ctx := context.Background()
	docker := newMockDocker()
	docker.script = func(e execCall) execResult {
		return execResult{exitCode: 7}
	}
	c := newTestClient(t, docker, Config{})

	_, err := provision(t, c, testPoolSpec("pool", 2))
	require.NoError(t, err)
	require.NoError(t, c.CreateJob(ctx, "job", "pool"))
	require.NoError(t, c.SubmitTask(ctx, "job", cluster.TaskSpec{ID: "single", CommandLine: "exit 7", Elevation: cluster.ElevationNonAdmin}))

	require.NoError(t, await(t, c, "job"))

	tasks, err := c.ListTasks(ctx, "job")
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, cluster.TaskStateCompleted, tasks[0].State)
	require.NotNil(t, tasks[0].ExitCode)
	assert.Equal(t, 7, *tasks[0].ExitCode)

	subtasks, err := c.ListSubtasks(ctx, "job", "single")
	require.NoError(t, err)
	assert.Empty(t, subtasks)

	execs := docker.execsMatching(func(e execCall) bool { return e.Command() == "exit 7" })
	require.Len(t, execs, 1)
	assert.Equal(t, "65534:65534", execs[0].Options.User)
	assert.Equal(t, "true", execs[0].Env("AZ_BATCH_IS_CURRENT_NODE_MASTER"))
}

func TestMultiInstanceTask(t *testing.T) {
	ctx := context.Background()

	store, err := blobstore.New(blobstore.Config{Root: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, store.CreateContainer(ctx, "input"))
	require.NoError(t, store.CreateContainer(ctx, "output"))
	require.NoError(t, store.Put(ctx, "input", "shared/prepare.sh", strings.NewReader("#!/bin/sh\n")))
	require.NoError(t, store.Put(ctx, "input", "master/run.sh", strings.NewReader("#!/bin/sh\n")))

	inputURL, err := store.ContainerURL(ctx, "input", blob.ReadList, time.Hour)
	require.NoError(t, err)
	outputURL, err := store.ContainerURL(ctx, "output", blob.Write, time.Hour)
	require.NoError(t, err)
	runURL, err := store.BlobURL(ctx, "input", "master/run.sh", blob.Read, time.Hour)
	require.NoError(t, err)

	docker := newMockDocker()
	docker.script = func(e execCall) execResult {
		switch e.Command() {
		case "coordinate":
			if _, err := os.Stat(filepath.Join(e.HostPath(e.Env("AZ_BATCH_TASK_SHARED_DIR")), "shared", "prepare.sh")); err != nil {
				return execResult{stderr: err.Error(), exitCode: 127}
			}
			return execResult{}
		case "run":
			if _, err := os.Stat(filepath.Join(e.HostPath(e.Env("AZ_BATCH_TASK_WORKING_DIR")), "master", "run.sh")); err != nil {
				return execResult{stderr: err.Error(), exitCode: 127}
			}
			return execResult{stdout: "ran on " + e.Env("AZ_BATCH_HOST_LIST")}
		default:
			return execResult{exitCode: 1}
		}
	}
	c := newTestClient(t, docker, Config{Blob: store})

	_, err = provision(t, c, testPoolSpec("pool", 2))
	require.NoError(t, err)
	require.NoError(t, c.CreateJob(ctx, "job", "pool"))

	submitter := cluster.NewSubmitter(c, testClusterConfig())
	require.NoError(t, submitter.Submit(ctx, cluster.SubmitRequest{
		JobID:               "job",
		TaskID:              "mpi",
		Instances:           2,
		ApplicationCommand:  "run",
		InputFiles:          []cluster.ResourceFile{{FilePath: "master/run.sh", HTTPURL: runURL}},
		CoordinationCommand: "coordinate",
		SharedFiles:         []cluster.ResourceFile{{StorageContainerURL: inputURL, BlobPrefix: "shared/"}},
		OutputPattern:       "../std*.txt",
		OutputContainerURL:  outputURL,
	}))

	require.NoError(t, await(t, c, "job"))

	tasks, err := c.ListTasks(ctx, "job")
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.NotNil(t, tasks[0].ExitCode)
	assert.Equal(t, 0, *tasks[0].ExitCode)

	subtasks, err := c.ListSubtasks(ctx, "job", "mpi")
	require.NoError(t, err)
	require.Len(t, subtasks, 2)
	assert.Equal(t, []string{"pool-node-0", "pool-node-1"}, lo.Map(subtasks, func(s cluster.Subtask, _ int) string { return s.NodeID }))
	for _, s := range subtasks {
		assert.Equal(t, cluster.TaskStateCompleted, s.State)
		require.NotNil(t, s.ExitCode)
		assert.Equal(t, 0, *s.ExitCode)
	}

	coordination := docker.execsMatching(func(e execCall) bool { return e.Command() == "coordinate" })
	require.Len(t, coordination, 2)
	assert.ElementsMatch(t, []string{"true", "false"}, lo.Map(coordination, func(e execCall, _ int) string {
		return e.Env("AZ_BATCH_IS_CURRENT_NODE_MASTER")
	}))
	application := docker.execsMatching(func(e execCall) bool { return e.Command() == "run" })
	require.Len(t, application, 1)
	assert.Equal(t, "pool-node-0", application[0].Env("AZ_BATCH_MASTER_NODE"))

	names, err := store.List(ctx, "output", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"stderr.txt", "stdout.txt"}, names)

	rc, err := store.Get(ctx, "output", "stdout.txt")
	require.NoError(t, err)
	defer rc.Close()
	stdout, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "ran on pool-node-0,pool-node-1", string(stdout))
}

func TestCoordinationFailureSkipsApplication(t *testing.T) {
	ctx := context.Background()
	docker := newMockDocker()
	docker.script = func(e execCall) execResult {
		if e.Command() == "coordinate" && e.Env("AZ_BATCH_IS_CURRENT_NODE_MASTER") == "false" {
			return execResult{exitCode: 3}
		}
		return execResult{}
	}
	c := newTestClient(t, docker, Config{})

	_, err := provision(t, c, testPoolSpec("pool", 2))
	require.NoError(t, err)
	require.NoError(t, c.CreateJob(ctx, "job", "pool"))
	require.NoError(t, c.SubmitTask(ctx, "job", cluster.BuildTask(cluster.SubmitRequest{
		JobID:               "job",
		TaskID:              "mpi",
		Instances:           2,
		ApplicationCommand:  "run",
		CoordinationCommand: "coordinate",
	})))

	require.NoError(t, await(t, c, "job"))

	tasks, err := c.ListTasks(ctx, "job")
	require.NoError(t, err)
	require.NotNil(t, tasks[0].ExitCode)
	assert.Equal(t, 3, *tasks[0].ExitCode)
	assert.Empty(t, docker.execsMatching(func(e execCall) bool { return e.Command() == "run" }))
}

func TestTaskWaitsForBusyNodes(t *testing.T) {
	ctx := context.Background()
	release := make(chan struct{})
	docker := newMockDocker()
	docker.script = func(e execCall) execResult {
		if e.Command() == "first" {
			<-release
		}
		return execResult{}
	}
	c := newTestClient(t, docker, Config{})

	_, err := provision(t, c, testPoolSpec("pool", 1))
	require.NoError(t, err)
	require.NoError(t, c.CreateJob(ctx, "job", "pool"))
	require.NoError(t, c.SubmitTask(ctx, "job", cluster.TaskSpec{ID: "first", CommandLine: "first"}))
	require.NoError(t, c.SubmitTask(ctx, "job", cluster.TaskSpec{ID: "second", CommandLine: "second"}))

	require.Eventually(t, func() bool {
		tasks, err := c.ListTasks(ctx, "job")
		return err == nil && tasks[0].State == cluster.TaskStateRunning
	}, 2*time.Second, 5*time.Millisecond)

	tasks, err := c.ListTasks(ctx, "job")
	require.NoError(t, err)
	assert.Equal(t, cluster.TaskStateActive, tasks[1].State)

	close(release)
	require.NoError(t, await(t, c, "job"))
}

func TestDeleteJob(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	c := newTestClient(t, newMockDocker(), Config{Root: root})

	_, err := provision(t, c, testPoolSpec("pool", 1))
	require.NoError(t, err)
	require.NoError(t, c.CreateJob(ctx, "job", "pool"))
	require.NoError(t, c.SubmitTask(ctx, "job", cluster.TaskSpec{ID: "t", CommandLine: "true"}))
	require.NoError(t, await(t, c, "job"))
	require.DirExists(t, filepath.Join(root, "pool", "pool-node-0", "workitems", "job"))

	require.NoError(t, c.DeleteJob(ctx, "job"))
	assert.NoDirExists(t, filepath.Join(root, "pool", "pool-node-0", "workitems", "job"))
	assert.ErrorIs(t, c.DeleteJob(ctx, "job"), cluster.ErrNotFound)
}

func TestNewClientRequiresRoot(t *testing.T) {
	_, err := newClient(newMockDocker(), Config{})
	assert.ErrorContains(t, err, "node root directory is required")
}
