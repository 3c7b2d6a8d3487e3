package cluster

import "context"

// Client is the control plane of a compute cluster. Its state is eventually
// consistent: a list call may lag behind a previous mutation by a poll cycle.
//
// Implementations report conflicts and missing resources by wrapping
// ErrPoolExists, ErrJobExists, ErrTaskExists and ErrNotFound.
type Client interface {
	// ResolveImage finds the node agent SKU able to boot the given image.
	ResolveImage(ctx context.Context, ref ImageReference) (Image, error)

	CreatePool(ctx context.Context, spec PoolSpec, image Image) error
	GetPool(ctx context.Context, poolID string) (Pool, error)
	ListNodes(ctx context.Context, poolID string) ([]Node, error)
	DeletePool(ctx context.Context, poolID string) error

	CreateJob(ctx context.Context, jobID, poolID string) error
	DeleteJob(ctx context.Context, jobID string) error

	SubmitTask(ctx context.Context, jobID string, task TaskSpec) error
	ListTasks(ctx context.Context, jobID string) ([]Task, error)
	ListSubtasks(ctx context.Context, jobID, taskID string) ([]Subtask, error)
}
