package azure

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/services/batch/2020-09-01.12.0/batch"
	"github.com/Azure/go-autorest/autorest"
	"github.com/Azure/go-autorest/autorest/azure"
	"github.com/Azure/go-autorest/autorest/azure/auth"
	"github.com/Azure/go-autorest/autorest/to"
	"github.com/gammadia/batchmpi/cluster"
	"github.com/gammadia/batchmpi/retry"
	"github.com/samber/lo"
)

// Client is a cluster.Client backed by an Azure Batch account.
type Client struct {
	api   batchAPI
	retry retry.Policy
	log   *slog.Logger
}

// Client implements cluster.Client
var _ cluster.Client = (*Client)(nil)

func New(config Config) (*Client, error) {
	if err := Validate(config); err != nil {
		return nil, fmt.Errorf("invalid azure config: %w", err)
	}

	cloud := config.Cloud
	if cloud == "" {
		cloud = azure.PublicCloud.Name
	}
	env, err := azure.EnvironmentFromName(cloud)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve azure environment: %w", err)
	}

	var authorizer autorest.Authorizer
	if config.ClientID != "" {
		authorizer, err = auth.ClientCredentialsConfig{
			ClientID:     config.ClientID,
			ClientSecret: config.ClientSecret,
			TenantID:     config.TenantID,
			Resource:     env.BatchManagementEndpoint,
			AADEndpoint:  env.ActiveDirectoryEndpoint,
		}.Authorizer()
	} else {
		authorizer, err = auth.NewAuthorizerFromCLIWithResource(env.BatchManagementEndpoint)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to authenticate: %w", err)
	}

	return newClient(newBatchSDK(strings.TrimRight(config.AccountURL, "/"), authorizer), config), nil
}

func newClient(api batchAPI, config Config) *Client {
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	policy := config.Retry
	policy.Retryable = IsTransient

	return &Client{
		api:   api,
		retry: policy,
		log:   logger.With("component", "backend", "backend", "azure"),
	}
}

func (c *Client) ResolveImage(ctx context.Context, ref cluster.ImageReference) (cluster.Image, error) {
	images, err := retry.DoResult(ctx, c.retry, func() ([]batch.ImageInformation, error) {
		return c.api.supportedImages(ctx, "verificationType eq 'verified'")
	})
	if err != nil {
		return cluster.Image{}, fmt.Errorf("failed to list supported images: %w", translate(err, nil))
	}
	return selectImage(images, ref)
}

func (c *Client) CreatePool(ctx context.Context, spec cluster.PoolSpec, image cluster.Image) error {
	pool := poolParameter(spec, image)
	err := c.retry.Do(ctx, func() error { return c.api.addPool(ctx, pool) })
	if err != nil {
		return fmt.Errorf("failed to add pool '%s': %w", spec.ID, translate(err, cluster.ErrPoolExists))
	}
	c.log.Debug("Added pool", "pool", spec.ID)
	return nil
}

func (c *Client) GetPool(ctx context.Context, poolID string) (cluster.Pool, error) {
	pool, err := retry.DoResult(ctx, c.retry, func() (batch.CloudPool, error) {
		return c.api.getPool(ctx, poolID)
	})
	if err != nil {
		return cluster.Pool{}, fmt.Errorf("failed to get pool '%s': %w", poolID, translate(err, nil))
	}
	return convertPool(pool), nil
}

func (c *Client) ListNodes(ctx context.Context, poolID string) ([]cluster.Node, error) {
	nodes, err := retry.DoResult(ctx, c.retry, func() ([]batch.ComputeNode, error) {
		return c.api.listNodes(ctx, poolID)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes of pool '%s': %w", poolID, translate(err, nil))
	}
	return lo.Map(nodes, func(n batch.ComputeNode, _ int) cluster.Node {
		return cluster.Node{ID: to.String(n.ID), PoolID: poolID, State: nodeState(n.State)}
	}), nil
}

func (c *Client) DeletePool(ctx context.Context, poolID string) error {
	if err := c.retry.Do(ctx, func() error { return c.api.deletePool(ctx, poolID) }); err != nil {
		return fmt.Errorf("failed to delete pool '%s': %w", poolID, translate(err, nil))
	}
	c.log.Debug("Deleted pool", "pool", poolID)
	return nil
}

func (c *Client) CreateJob(ctx context.Context, jobID, poolID string) error {
	job := batch.JobAddParameter{
		ID:       to.StringPtr(jobID),
		PoolInfo: &batch.PoolInformation{PoolID: to.StringPtr(poolID)},
	}
	if err := c.retry.Do(ctx, func() error { return c.api.addJob(ctx, job) }); err != nil {
		return fmt.Errorf("failed to add job '%s': %w", jobID, translate(err, cluster.ErrJobExists))
	}
	c.log.Debug("Added job", "job", jobID, "pool", poolID)
	return nil
}

func (c *Client) DeleteJob(ctx context.Context, jobID string) error {
	if err := c.retry.Do(ctx, func() error { return c.api.deleteJob(ctx, jobID) }); err != nil {
		return fmt.Errorf("failed to delete job '%s': %w", jobID, translate(err, nil))
	}
	c.log.Debug("Deleted job", "job", jobID)
	return nil
}

func (c *Client) SubmitTask(ctx context.Context, jobID string, spec cluster.TaskSpec) error {
	task := taskParameter(spec)
	if err := c.retry.Do(ctx, func() error { return c.api.addTask(ctx, jobID, task) }); err != nil {
		return fmt.Errorf("failed to add task '%s': %w", spec.ID, translate(err, cluster.ErrTaskExists))
	}
	return nil
}

func (c *Client) ListTasks(ctx context.Context, jobID string) ([]cluster.Task, error) {
	tasks, err := retry.DoResult(ctx, c.retry, func() ([]batch.CloudTask, error) {
		return c.api.listTasks(ctx, jobID)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks of job '%s': %w", jobID, translate(err, nil))
	}
	return lo.Map(tasks, func(t batch.CloudTask, _ int) cluster.Task {
		task := cluster.Task{ID: to.String(t.ID), State: taskState(string(t.State))}
		if t.ExecutionInfo != nil {
			task.ExitCode = exitCode(t.ExecutionInfo.ExitCode)
		}
		return task
	}), nil
}

func (c *Client) ListSubtasks(ctx context.Context, jobID, taskID string) ([]cluster.Subtask, error) {
	subtasks, err := retry.DoResult(ctx, c.retry, func() ([]batch.SubtaskInformation, error) {
		return c.api.listSubtasks(ctx, jobID, taskID)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list subtasks of task '%s': %w", taskID, translate(err, nil))
	}
	return lo.Map(subtasks, func(s batch.SubtaskInformation, _ int) cluster.Subtask {
		subtask := cluster.Subtask{
			ID:       int(to.Int32(s.ID)),
			State:    taskState(string(s.State)),
			ExitCode: exitCode(s.ExitCode),
		}
		if s.NodeInfo != nil {
			subtask.NodeID = to.String(s.NodeInfo.NodeID)
		}
		return subtask
	}), nil
}

// Conversions

// isoDuration formats a duration the way the Batch API expects, e.g. PT15M.
func isoDuration(d time.Duration) string {
	d = d.Round(time.Second)
	if d <= 0 {
		return "PT0S"
	}

	var sb strings.Builder
	sb.WriteString("PT")
	if h := d / time.Hour; h > 0 {
		fmt.Fprintf(&sb, "%dH", h)
		d -= h * time.Hour
	}
	if m := d / time.Minute; m > 0 {
		fmt.Fprintf(&sb, "%dM", m)
		d -= m * time.Minute
	}
	if s := d / time.Second; s > 0 {
		fmt.Fprintf(&sb, "%dS", s)
	}
	return sb.String()
}

func autoUser(elevation cluster.Elevation) *batch.UserIdentity {
	level := batch.NonAdmin
	if elevation == cluster.ElevationAdmin {
		level = batch.Admin
	}
	return &batch.UserIdentity{
		AutoUser: &batch.AutoUserSpecification{
			Scope:          batch.Pool,
			ElevationLevel: level,
		},
	}
}

func resourceFiles(files []cluster.ResourceFile) *[]batch.ResourceFile {
	if len(files) == 0 {
		return nil
	}
	result := lo.Map(files, func(f cluster.ResourceFile, _ int) batch.ResourceFile {
		rf := batch.ResourceFile{FilePath: to.StringPtr(f.FilePath)}
		if f.HTTPURL != "" {
			rf.HTTPURL = to.StringPtr(f.HTTPURL)
		}
		if f.StorageContainerURL != "" {
			rf.StorageContainerURL = to.StringPtr(f.StorageContainerURL)
		}
		if f.BlobPrefix != "" {
			rf.BlobPrefix = to.StringPtr(f.BlobPrefix)
		}
		return rf
	})
	return &result
}

func uploadCondition(condition cluster.UploadCondition) batch.OutputFileUploadCondition {
	switch condition {
	case cluster.UploadOnSuccess:
		return batch.OutputFileUploadConditionTaskSuccess
	case cluster.UploadOnFailure:
		return batch.OutputFileUploadConditionTaskFailure
	default:
		return batch.OutputFileUploadConditionTaskCompletion
	}
}

func poolParameter(spec cluster.PoolSpec, image cluster.Image) batch.PoolAddParameter {
	ref := image.Reference
	if ref.Version == "" {
		ref.Version = "latest"
	}

	pool := batch.PoolAddParameter{
		ID:     to.StringPtr(spec.ID),
		VMSize: to.StringPtr(spec.VMSize),
		VirtualMachineConfiguration: &batch.VirtualMachineConfiguration{
			ImageReference: &batch.ImageReference{
				Publisher: to.StringPtr(ref.Publisher),
				Offer:     to.StringPtr(ref.Offer),
				Sku:       to.StringPtr(ref.SKU),
				Version:   to.StringPtr(ref.Version),
			},
			NodeAgentSKUID: to.StringPtr(image.NodeAgentSKU),
		},
		ResizeTimeout:                to.StringPtr(isoDuration(spec.ResizeTimeout)),
		TargetDedicatedNodes:         to.Int32Ptr(int32(spec.NodeCount)),
		EnableInterNodeCommunication: to.BoolPtr(spec.InterNodeCommunication),
		TaskSlotsPerNode:             to.Int32Ptr(int32(max(spec.TaskSlotsPerNode, 1))),
	}

	if spec.StartTask != nil {
		pool.StartTask = &batch.StartTask{
			CommandLine:    to.StringPtr(spec.StartTask.CommandLine),
			ResourceFiles:  resourceFiles(spec.StartTask.ResourceFiles),
			UserIdentity:   autoUser(spec.StartTask.Elevation),
			WaitForSuccess: to.BoolPtr(spec.StartTask.WaitForSuccess),
		}
	}
	return pool
}

func taskParameter(spec cluster.TaskSpec) batch.TaskAddParameter {
	task := batch.TaskAddParameter{
		ID:            to.StringPtr(spec.ID),
		CommandLine:   to.StringPtr(spec.CommandLine),
		ResourceFiles: resourceFiles(spec.ResourceFiles),
		UserIdentity:  autoUser(spec.Elevation),
	}

	if len(spec.OutputFiles) > 0 {
		outputs := lo.Map(spec.OutputFiles, func(o cluster.OutputFile, _ int) batch.OutputFile {
			destination := &batch.OutputFileBlobContainerDestination{ContainerURL: to.StringPtr(o.ContainerURL)}
			if o.Path != "" {
				destination.Path = to.StringPtr(o.Path)
			}
			return batch.OutputFile{
				FilePattern:   to.StringPtr(o.Pattern),
				Destination:   &batch.OutputFileDestination{Container: destination},
				UploadOptions: &batch.OutputFileUploadOptions{UploadCondition: uploadCondition(o.UploadCondition)},
			}
		})
		task.OutputFiles = &outputs
	}

	if mi := spec.MultiInstance; mi != nil {
		settings := &batch.MultiInstanceSettings{
			NumberOfInstances:   to.Int32Ptr(int32(max(mi.Instances, 1))),
			CommonResourceFiles: resourceFiles(mi.CommonResourceFiles),
		}
		if mi.CoordinationCommandLine != "" {
			settings.CoordinationCommandLine = to.StringPtr(mi.CoordinationCommandLine)
		}
		task.MultiInstanceSettings = settings
	}
	return task
}

func convertPool(pool batch.CloudPool) cluster.Pool {
	result := cluster.Pool{
		ID:           to.String(pool.ID),
		TargetNodes:  int(to.Int32(pool.TargetDedicatedNodes)),
		CurrentNodes: int(to.Int32(pool.CurrentDedicatedNodes)),
		Resizing:     pool.AllocationState == batch.Resizing,
	}
	if pool.ResizeErrors != nil {
		result.ResizeErrors = lo.Map(*pool.ResizeErrors, func(e batch.ResizeError, _ int) string {
			return fmt.Sprintf("%s: %s", to.String(e.Code), to.String(e.Message))
		})
	}
	return result
}

func nodeState(state batch.ComputeNodeState) cluster.NodeState {
	switch state {
	case batch.Idle:
		return cluster.NodeStateIdle
	case batch.Creating, batch.Unknown:
		return cluster.NodeStateProvisioning
	case batch.Starting, batch.WaitingForStartTask:
		return cluster.NodeStateStarting
	case batch.StartTaskFailed:
		return cluster.NodeStateStartTaskFailed
	case batch.Unusable:
		return cluster.NodeStateUnusable
	default:
		return cluster.NodeStateOther
	}
}

// taskState maps both task and subtask states, which share their values.
func taskState(state string) cluster.TaskState {
	switch state {
	case string(batch.TaskStateActive):
		return cluster.TaskStateActive
	case string(batch.TaskStatePreparing):
		return cluster.TaskStatePreparing
	case string(batch.TaskStateRunning):
		return cluster.TaskStateRunning
	case string(batch.TaskStateCompleted):
		return cluster.TaskStateCompleted
	default:
		return cluster.TaskStateOther
	}
}

func exitCode(code *int32) *int {
	if code == nil {
		return nil
	}
	return lo.ToPtr(int(*code))
}
