package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/gammadia/batchmpi/blob"
	"github.com/gammadia/batchmpi/cluster"
	"github.com/gammadia/batchmpi/ledger"
)

// teardown deletes the input container, the job and the pool of a run. The
// output container is kept for the user and only forgotten by the ledger.
func (r *Runner) teardown(ctx context.Context, plan Plan, log *slog.Logger) error {
	var errs []error
	for _, resource := range []ledger.Resource{
		{Kind: ledger.KindContainer, ID: plan.InputContainer},
		{Kind: ledger.KindJob, ID: plan.JobID},
		{Kind: ledger.KindPool, ID: plan.PoolID},
	} {
		if err := r.delete(ctx, resource); err != nil {
			errs = append(errs, err)
			continue
		}
		log.Info("Deleted resource", "kind", resource.Kind, "id", resource.ID)
	}

	if err := r.ledger.Remove(ctx, ledger.KindContainer, plan.OutputContainer); err != nil {
		errs = append(errs, fmt.Errorf("failed to remove output container from ledger: %w", err))
	}
	return errors.Join(errs...)
}

// delete removes a resource and its ledger entry. A resource already gone
// counts as deleted.
func (r *Runner) delete(ctx context.Context, resource ledger.Resource) error {
	var err error
	switch resource.Kind {
	case ledger.KindContainer:
		err = r.store.DeleteContainer(ctx, resource.ID)
	case ledger.KindJob:
		err = r.client.DeleteJob(ctx, resource.ID)
	case ledger.KindPool:
		err = r.client.DeletePool(ctx, resource.ID)
	default:
		return fmt.Errorf("cannot delete %s", resource)
	}
	if err != nil && !errors.Is(err, cluster.ErrNotFound) && !errors.Is(err, blob.ErrNotFound) {
		return fmt.Errorf("failed to delete %s: %w", resource, err)
	}

	if err := r.ledger.Remove(ctx, resource.Kind, resource.ID); err != nil {
		return fmt.Errorf("failed to remove %s from ledger: %w", resource, err)
	}
	return nil
}

type CleanupReport struct {
	Deleted []ledger.Resource
	// Skipped resources belong to another backend
	Skipped []ledger.Resource
}

// kindOrder deletes jobs before the pools they run on.
var kindOrder = map[ledger.Kind]int{
	ledger.KindJob:       0,
	ledger.KindPool:      1,
	ledger.KindContainer: 2,
}

// Cleanup deletes every resource left in the ledger by the configured
// backend, typically by interrupted runs. It carries on after a failure and
// returns every error encountered.
func (r *Runner) Cleanup(ctx context.Context) (*CleanupReport, error) {
	resources, err := r.ledger.List(ctx)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(resources, func(i, j int) bool {
		return kindOrder[resources[i].Kind] < kindOrder[resources[j].Kind]
	})

	report := &CleanupReport{}
	var errs []error
	for _, resource := range resources {
		if resource.Backend != r.config.Backend {
			report.Skipped = append(report.Skipped, resource)
			continue
		}

		if err := r.step(Step(fmt.Sprintf("Deleting %s", resource)), func() error { return r.delete(ctx, resource) }); err != nil {
			errs = append(errs, err)
			continue
		}
		r.log.Info("Deleted orphaned resource", "kind", resource.Kind, "id", resource.ID, "run", resource.Run)
		report.Deleted = append(report.Deleted, resource)
	}

	return report, errors.Join(errs...)
}
