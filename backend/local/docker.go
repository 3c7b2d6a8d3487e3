package local

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync/atomic"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/gammadia/batchmpi/cluster"
	"github.com/gammadia/batchmpi/retry"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1" // for DockerClient interface
)

// DockerClient abstracts the Docker SDK methods used to emulate nodes,
// enabling mock-based testing without a real Docker daemon.
type DockerClient interface {
	NetworkCreate(ctx context.Context, name string, options network.CreateOptions) (network.CreateResponse, error)
	NetworkRemove(ctx context.Context, networkID string) error
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerExecCreate(ctx context.Context, containerID string, options container.ExecOptions) (container.ExecCreateResponse, error)
	ContainerExecAttach(ctx context.Context, execID string, config container.ExecStartOptions) (types.HijackedResponse, error)
	ContainerExecInspect(ctx context.Context, execID string) (container.ExecInspect, error)
	ImageList(ctx context.Context, options image.ListOptions) ([]image.Summary, error)
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
}

func (c *Client) ensureImage(ctx context.Context) error {
	list, err := retry.DoResult(ctx, c.retry, func() ([]image.Summary, error) {
		return c.docker.ImageList(ctx, image.ListOptions{
			Filters: filters.NewArgs(filters.Arg("reference", c.image)),
		})
	})
	if err != nil {
		return fmt.Errorf("failed to list docker images: %w", err)
	}
	if len(list) > 0 {
		return nil
	}

	c.log.Debug("Pulling node image", "image", c.image)
	reader, err := retry.DoResult(ctx, c.retry, func() (io.ReadCloser, error) {
		return c.docker.ImagePull(ctx, c.image, image.PullOptions{})
	})
	if err != nil {
		return fmt.Errorf("failed to pull docker image '%s': %w", c.image, err)
	}
	defer reader.Close()
	_, _ = io.Copy(io.Discard, reader)
	return nil
}

type execRequest struct {
	container string
	command   string
	workdir   string
	env       []string
	elevation cluster.Elevation
	// host paths receiving the command output
	stdout string
	stderr string
}

// exec runs a command line in a node container and returns its exit code.
func (c *Client) exec(ctx context.Context, req execRequest) (int, error) {
	stdout, err := os.Create(req.stdout)
	if err != nil {
		return -1, fmt.Errorf("failed to create stdout file: %w", err)
	}
	defer stdout.Close()
	stderr, err := os.Create(req.stderr)
	if err != nil {
		return -1, fmt.Errorf("failed to create stderr file: %w", err)
	}
	defer stderr.Close()

	user := nonAdminUser
	if req.elevation == cluster.ElevationAdmin {
		user = "0:0"
	}

	exec, err := retry.DoResult(ctx, c.retry, func() (container.ExecCreateResponse, error) {
		return c.docker.ContainerExecCreate(ctx, req.container, container.ExecOptions{
			User:         user,
			WorkingDir:   req.workdir,
			Env:          req.env,
			Cmd:          []string{"/bin/sh", "-c", req.command},
			AttachStdout: true,
			AttachStderr: true,
		})
	})
	if err != nil {
		return -1, fmt.Errorf("failed to create docker exec: %w", err)
	}

	// Attaching starts the command, so it is never retried
	attach, err := c.docker.ContainerExecAttach(ctx, exec.ID, container.ExecStartOptions{})
	if err != nil {
		return -1, fmt.Errorf("failed to attach docker exec: %w", err)
	}

	// Closing the connection unblocks the copy when ctx is cancelled
	var cancelled atomic.Bool
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			cancelled.Store(true)
			attach.Close()
		case <-done:
		}
	}()

	_, err = stdcopy.StdCopy(stdout, stderr, attach.Reader)
	attach.Close()
	if cancelled.Load() {
		return -1, ctx.Err()
	}
	if err != nil {
		return -1, fmt.Errorf("failed to read docker exec output: %w", err)
	}

	inspect, err := retry.DoResult(ctx, c.retry, func() (container.ExecInspect, error) {
		return c.docker.ContainerExecInspect(ctx, exec.ID)
	})
	if err != nil {
		return -1, fmt.Errorf("failed to inspect docker exec: %w", err)
	}
	return inspect.ExitCode, nil
}
