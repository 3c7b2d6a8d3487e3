package local

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/gammadia/batchmpi/blob"
	"github.com/gammadia/batchmpi/retry"
)

const (
	DefaultImage = "debian:bookworm-slim"

	// NodeRoot is where the node directory is mounted inside every node container.
	NodeRoot = "/mnt/batch"

	// nobody:nogroup, the identity of non-admin tasks
	nonAdminUser = "65534:65534"
)

type Config struct {
	// Root is the host directory holding one directory per node, bind-mounted at NodeRoot
	Root string
	// Image every node container runs, whatever image the pool asks for
	Image string
	// Blob serves resource files and receives output files
	Blob blob.URLStore
	// SchedulingInterval is how often a pending task looks for idle nodes
	SchedulingInterval time.Duration

	Retry  retry.Policy
	Logger *slog.Logger
}

func Validate(config Config) error {
	if config.Root == "" {
		return fmt.Errorf("node root directory is required")
	}
	if config.SchedulingInterval < 0 {
		return fmt.Errorf("scheduling interval must not be negative, got %s", config.SchedulingInterval)
	}
	return nil
}
