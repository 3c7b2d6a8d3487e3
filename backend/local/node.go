package local

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/gammadia/batchmpi/cluster"
	"github.com/gammadia/batchmpi/retry"
)

const (
	labelPool = "batchmpi.pool"
	labelNode = "batchmpi.node"
)

func (c *Client) setNodeState(n *node, state cluster.NodeState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n.state = state
}

// failPool marks every node still provisioning as unusable and records the
// reason as a resize error, the way the control plane reports allocation failures.
func (c *Client) failPool(p *pool, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p.errors = append(p.errors, reason)
	for _, n := range p.nodes {
		if n.state == cluster.NodeStateProvisioning {
			n.state = cluster.NodeStateUnusable
		}
	}
}

func (c *Client) bootPool(ctx context.Context, p *pool) {
	log := c.log.With("pool", p.spec.ID)

	if err := c.ensureImage(ctx); err != nil {
		log.Error("Failed to prepare node image", "error", err)
		c.failPool(p, err.Error())
		return
	}

	if p.spec.InterNodeCommunication {
		resp, err := retry.DoResult(ctx, c.retry, func() (network.CreateResponse, error) {
			return c.docker.NetworkCreate(ctx, "batchmpi-"+p.spec.ID, network.CreateOptions{
				Driver: "bridge",
				Labels: map[string]string{labelPool: p.spec.ID},
			})
		})
		if err != nil {
			log.Error("Failed to create pool network", "error", err)
			c.failPool(p, fmt.Sprintf("failed to create docker network: %v", err))
			return
		}
		c.mu.Lock()
		p.networkID = resp.ID
		c.mu.Unlock()
	}

	var wg sync.WaitGroup
	wg.Add(len(p.nodes))
	for _, n := range p.nodes {
		go func() {
			defer wg.Done()
			c.bootNode(ctx, p, n)
		}()
	}
	wg.Wait()
}

func (c *Client) bootNode(ctx context.Context, p *pool, n *node) {
	log := c.log.With("pool", p.spec.ID, "node", n.id)

	for _, dir := range []string{"startup/wd", "shared", "workitems"} {
		if err := mkdirAll(filepath.Join(n.dir, filepath.FromSlash(dir))); err != nil {
			log.Error("Failed to create node directory", "error", err)
			c.setNodeState(n, cluster.NodeStateUnusable)
			return
		}
	}

	containerID, err := c.startContainer(ctx, p, n)

	// A created container that failed to start must still be removed with the pool
	c.mu.Lock()
	n.containerID = containerID
	c.mu.Unlock()

	if err != nil {
		log.Error("Failed to start node container", "error", err)
		c.setNodeState(n, cluster.NodeStateUnusable)
		return
	}
	c.setNodeState(n, cluster.NodeStateStarting)

	if p.spec.StartTask == nil {
		c.setNodeState(n, cluster.NodeStateIdle)
		log.Debug("Node is idle")
		return
	}

	exitCode, err := c.runStartTask(ctx, p, n)
	switch {
	case err != nil:
		log.Error("Start task did not run", "error", err)
		c.setNodeState(n, cluster.NodeStateStartTaskFailed)
	case exitCode != 0 && p.spec.StartTask.WaitForSuccess:
		log.Warn("Start task failed", "exitcode", exitCode)
		c.setNodeState(n, cluster.NodeStateStartTaskFailed)
	default:
		c.setNodeState(n, cluster.NodeStateIdle)
		log.Debug("Node is idle", "exitcode", exitCode)
	}
}

func (c *Client) startContainer(ctx context.Context, p *pool, n *node) (string, error) {
	c.mu.Lock()
	networkID := p.networkID
	c.mu.Unlock()

	var networking *network.NetworkingConfig
	if networkID != "" {
		networking = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				"batchmpi-" + p.spec.ID: {
					NetworkID: networkID,
					Aliases:   []string{n.id},
				},
			},
		}
	}

	resp, err := retry.DoResult(ctx, c.retry, func() (container.CreateResponse, error) {
		return c.docker.ContainerCreate(
			ctx,
			&container.Config{
				Image:    c.image,
				Hostname: n.id,
				Cmd:      []string{"sleep", "infinity"},
				Labels:   map[string]string{labelPool: p.spec.ID, labelNode: n.id},
			},
			&container.HostConfig{
				Mounts: []mount.Mount{
					{
						Type:   mount.TypeBind,
						Source: n.dir,
						Target: NodeRoot,
					},
				},
			},
			networking,
			nil,
			"batchmpi-"+n.id,
		)
	})
	if err != nil {
		return "", fmt.Errorf("failed to create docker container: %w", err)
	}

	if err := c.retry.Do(ctx, func() error {
		return c.docker.ContainerStart(ctx, resp.ID, container.StartOptions{})
	}); err != nil {
		return resp.ID, fmt.Errorf("failed to start docker container: %w", err)
	}
	return resp.ID, nil
}

func (c *Client) runStartTask(ctx context.Context, p *pool, n *node) (int, error) {
	startTask := p.spec.StartTask
	wd := path.Join(NodeRoot, "startup", "wd")

	if err := c.blob.fetch(ctx, startTask.ResourceFiles, c.hostPath(n, wd)); err != nil {
		return -1, err
	}

	return c.exec(ctx, execRequest{
		container: n.containerID,
		command:   startTask.CommandLine,
		workdir:   wd,
		elevation: startTask.Elevation,
		env: []string{
			"AZ_BATCH_POOL_ID=" + p.spec.ID,
			"AZ_BATCH_NODE_ID=" + n.id,
			"AZ_BATCH_NODE_ROOT_DIR=" + NodeRoot,
			"AZ_BATCH_NODE_SHARED_DIR=" + path.Join(NodeRoot, "shared"),
			"AZ_BATCH_NODE_STARTUP_DIR=" + path.Join(NodeRoot, "startup"),
			"AZ_BATCH_TASK_WORKING_DIR=" + wd,
		},
		stdout: c.hostPath(n, path.Join(NodeRoot, "startup", "stdout.txt")),
		stderr: c.hostPath(n, path.Join(NodeRoot, "startup", "stderr.txt")),
	})
}

// hostPath maps a path inside a node container to the host.
func (c *Client) hostPath(n *node, p string) string {
	return filepath.Join(n.dir, filepath.FromSlash(strings.TrimPrefix(p, NodeRoot)))
}

// mkdirAll creates a world-writable directory, so non-admin tasks can write to it.
func mkdirAll(dir string) error {
	if err := os.MkdirAll(dir, 0o777); err != nil {
		return err
	}
	return os.Chmod(dir, 0o777)
}
