package azure

import (
	"context"

	"github.com/Azure/azure-sdk-for-go/services/batch/2020-09-01.12.0/batch"
	"github.com/Azure/go-autorest/autorest"
)

// batchAPI is the subset of the Batch data plane used by Client, flattened so
// that it can be faked in tests.
type batchAPI interface {
	supportedImages(ctx context.Context, filter string) ([]batch.ImageInformation, error)

	addPool(ctx context.Context, pool batch.PoolAddParameter) error
	getPool(ctx context.Context, poolID string) (batch.CloudPool, error)
	listNodes(ctx context.Context, poolID string) ([]batch.ComputeNode, error)
	deletePool(ctx context.Context, poolID string) error

	addJob(ctx context.Context, job batch.JobAddParameter) error
	deleteJob(ctx context.Context, jobID string) error

	addTask(ctx context.Context, jobID string, task batch.TaskAddParameter) error
	listTasks(ctx context.Context, jobID string) ([]batch.CloudTask, error)
	listSubtasks(ctx context.Context, jobID, taskID string) ([]batch.SubtaskInformation, error)
}

type batchSDK struct {
	accounts batch.AccountClient
	pools    batch.PoolClient
	nodes    batch.ComputeNodeClient
	jobs     batch.JobClient
	tasks    batch.TaskClient
}

// batchSDK implements batchAPI
var _ batchAPI = (*batchSDK)(nil)

func newBatchSDK(accountURL string, authorizer autorest.Authorizer) *batchSDK {
	sdk := &batchSDK{
		accounts: batch.NewAccountClient(accountURL),
		pools:    batch.NewPoolClient(accountURL),
		nodes:    batch.NewComputeNodeClient(accountURL),
		jobs:     batch.NewJobClient(accountURL),
		tasks:    batch.NewTaskClient(accountURL),
	}
	sdk.accounts.Authorizer = authorizer
	sdk.pools.Authorizer = authorizer
	sdk.nodes.Authorizer = authorizer
	sdk.jobs.Authorizer = authorizer
	sdk.tasks.Authorizer = authorizer
	return sdk
}

func (s *batchSDK) supportedImages(ctx context.Context, filter string) ([]batch.ImageInformation, error) {
	it, err := s.accounts.ListSupportedImagesComplete(ctx, filter, nil, nil, nil, nil, nil)
	if err != nil {
		return nil, err
	}

	var images []batch.ImageInformation
	for it.NotDone() {
		images = append(images, it.Value())
		if err := it.NextWithContext(ctx); err != nil {
			return nil, err
		}
	}
	return images, nil
}

func (s *batchSDK) addPool(ctx context.Context, pool batch.PoolAddParameter) error {
	_, err := s.pools.Add(ctx, pool, nil, nil, nil, nil)
	return err
}

func (s *batchSDK) getPool(ctx context.Context, poolID string) (batch.CloudPool, error) {
	return s.pools.Get(ctx, poolID, "", "", nil, nil, nil, nil, "", "", nil, nil)
}

func (s *batchSDK) listNodes(ctx context.Context, poolID string) ([]batch.ComputeNode, error) {
	it, err := s.nodes.ListComplete(ctx, poolID, "", "", nil, nil, nil, nil, nil)
	if err != nil {
		return nil, err
	}

	var nodes []batch.ComputeNode
	for it.NotDone() {
		nodes = append(nodes, it.Value())
		if err := it.NextWithContext(ctx); err != nil {
			return nil, err
		}
	}
	return nodes, nil
}

func (s *batchSDK) deletePool(ctx context.Context, poolID string) error {
	_, err := s.pools.Delete(ctx, poolID, nil, nil, nil, nil, "", "", nil, nil)
	return err
}

func (s *batchSDK) addJob(ctx context.Context, job batch.JobAddParameter) error {
	_, err := s.jobs.Add(ctx, job, nil, nil, nil, nil)
	return err
}

func (s *batchSDK) deleteJob(ctx context.Context, jobID string) error {
	_, err := s.jobs.Delete(ctx, jobID, nil, nil, nil, nil, "", "", nil, nil)
	return err
}

func (s *batchSDK) addTask(ctx context.Context, jobID string, task batch.TaskAddParameter) error {
	_, err := s.tasks.Add(ctx, jobID, task, nil, nil, nil, nil)
	return err
}

func (s *batchSDK) listTasks(ctx context.Context, jobID string) ([]batch.CloudTask, error) {
	it, err := s.tasks.ListComplete(ctx, jobID, "", "", "", nil, nil, nil, nil, nil)
	if err != nil {
		return nil, err
	}

	var tasks []batch.CloudTask
	for it.NotDone() {
		tasks = append(tasks, it.Value())
		if err := it.NextWithContext(ctx); err != nil {
			return nil, err
		}
	}
	return tasks, nil
}

func (s *batchSDK) listSubtasks(ctx context.Context, jobID, taskID string) ([]batch.SubtaskInformation, error) {
	result, err := s.tasks.ListSubtasks(ctx, jobID, taskID, "", nil, nil, nil, nil)
	if err != nil {
		return nil, err
	}
	if result.Value == nil {
		return nil, nil
	}
	return *result.Value, nil
}
