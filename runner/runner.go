package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gammadia/batchmpi/blob"
	"github.com/gammadia/batchmpi/cluster"
	"github.com/gammadia/batchmpi/jobfile"
	"github.com/gammadia/batchmpi/ledger"
	"github.com/gammadia/batchmpi/namegen"
	"github.com/samber/lo"
)

var ErrDeclined = errors.New("run declined")

// Plan names every resource a run creates.
type Plan struct {
	Job *jobfile.Job

	PoolID string
	JobID  string
	TaskID string

	InputContainer  string
	OutputContainer string
	// PersistentContainer is an existing container, never created nor deleted
	PersistentContainer string
}

type Result struct {
	Plan

	Nodes []cluster.Node
	// ExitCode of the application command, when the task completed
	ExitCode *int
	Elapsed  time.Duration

	// Download target, a directory or an archive
	Downloaded     string
	DownloadedSize int64
}

type Runner struct {
	client cluster.Client
	store  blob.Store
	ledger ledger.Ledger
	config Config
	log    *slog.Logger
}

func New(client cluster.Client, store blob.Store, l ledger.Ledger, config Config) (*Runner, error) {
	if err := Validate(config); err != nil {
		return nil, fmt.Errorf("invalid runner config: %w", err)
	}
	if l == nil {
		l = ledger.Nop{}
	}

	return &Runner{
		client: client,
		store:  store,
		ledger: l,
		config: config,
		log:    config.logger().With("component", "runner"),
	}, nil
}

// NewPlan generates unique resource names for a run of job.
func NewPlan(job *jobfile.Job) Plan {
	return Plan{
		Job:                 job,
		PoolID:              namegen.Unique(job.Name + "-pool"),
		JobID:               namegen.Unique(job.Name + "-job"),
		TaskID:              namegen.Sanitize(job.Name + "-task"),
		InputContainer:      namegen.Unique(job.Name + "-input"),
		OutputContainer:     namegen.Unique(job.Name + "-output"),
		PersistentContainer: job.PersistentContainer,
	}
}

// Run executes a planned job end to end: containers, uploads, pool, job,
// task, completion wait, teardown and download. Teardown runs on failure
// too, with a fresh context, unless Config.KeepOnFailure is set.
func (r *Runner) Run(ctx context.Context, plan Plan) (*Result, error) {
	start := time.Now()
	result := &Result{Plan: plan}
	log := r.log.With("run", plan.Job.Name, "pool", plan.PoolID, "job", plan.JobID)

	if r.config.Confirm != nil {
		if ok, err := r.config.Confirm(plan); err != nil {
			return result, fmt.Errorf("failed to confirm run: %w", err)
		} else if !ok {
			return result, ErrDeclined
		}
	}

	err := r.run(ctx, plan, result, log)
	if err != nil && r.config.KeepOnFailure {
		log.Warn("Keeping resources of failed run", "error", err)
		result.Elapsed = time.Since(start)
		return result, err
	}

	teardownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.config.TeardownTimeout)
	defer cancel()
	if teardownErr := r.step(StepTeardown, func() error { return r.teardown(teardownCtx, plan, log) }); teardownErr != nil {
		err = errors.Join(err, teardownErr)
	}

	if err == nil && r.config.DownloadDir != "" {
		err = r.step(StepDownload, func() error { return r.download(ctx, plan, result) })
	}

	result.Elapsed = time.Since(start)
	if err == nil {
		log.Info("Run completed", "elapsed", result.Elapsed.Round(time.Second), "exit-code", exitCode(result.ExitCode))
	}
	return result, err
}

func (r *Runner) run(ctx context.Context, plan Plan, result *Result, log *slog.Logger) error {
	job := plan.Job
	clusterConfig := r.config.Cluster
	clusterConfig.Logger = r.config.logger()
	clusterConfig.Observer = func(event cluster.Event) { r.config.emit(EventCluster{Event: event}) }
	if job.SubtaskTimeout > 0 {
		clusterConfig.SubtaskTimeout = job.SubtaskTimeout
	}

	var inputURL, outputURL, persistentURL string
	if err := r.step(StepContainers, func() (err error) {
		if err = r.createContainer(ctx, plan.Job.Name, plan.InputContainer); err != nil {
			return err
		}
		if err = r.createContainer(ctx, plan.Job.Name, plan.OutputContainer); err != nil {
			return err
		}

		if inputURL, err = r.store.ContainerURL(ctx, plan.InputContainer, blob.ReadList, r.config.URLExpiry); err != nil {
			return fmt.Errorf("failed to sign input container url: %w", err)
		}
		if outputURL, err = r.store.ContainerURL(ctx, plan.OutputContainer, blob.Write, r.config.URLExpiry); err != nil {
			return fmt.Errorf("failed to sign output container url: %w", err)
		}
		if plan.PersistentContainer != "" {
			if persistentURL, err = r.store.ContainerURL(ctx, plan.PersistentContainer, blob.ReadList, r.config.URLExpiry); err != nil {
				return fmt.Errorf("failed to sign persistent container url: %w", err)
			}
		}
		return nil
	}); err != nil {
		return err
	}

	var sharedFiles, inputFiles []cluster.ResourceFile
	if err := r.step(StepUpload, func() (err error) {
		if job.SharedDir != "" {
			if sharedFiles, err = blob.UploadDir(ctx, r.store, plan.InputContainer, job.SharedDir, "shared", r.config.URLExpiry); err != nil {
				return err
			}
		}
		if job.MasterDir != "" {
			if inputFiles, err = blob.UploadDir(ctx, r.store, plan.InputContainer, job.MasterDir, "master", r.config.URLExpiry); err != nil {
				return err
			}
		}
		log.Info("Uploaded input files", "shared", len(sharedFiles), "master", len(inputFiles))
		return nil
	}); err != nil {
		return err
	}

	if err := r.step(StepProvision, func() error {
		provisioner, err := cluster.NewProvisioner(r.client, clusterConfig)
		if err != nil {
			return err
		}

		spec := job.PoolSpec(plan.PoolID)
		if r.config.Cluster.ResizeTimeout > 0 {
			spec.ResizeTimeout = r.config.Cluster.ResizeTimeout
		}
		if spec.StartTask != nil {
			if persistentURL != "" {
				spec.StartTask.ResourceFiles = append(spec.StartTask.ResourceFiles, cluster.ResourceFile{StorageContainerURL: persistentURL})
			}
			if job.StartTask.Shared {
				spec.StartTask.ResourceFiles = append(spec.StartTask.ResourceFiles, cluster.ResourceFile{StorageContainerURL: inputURL, BlobPrefix: "shared/"})
			}
		}

		if err := r.record(ctx, ledger.KindPool, plan.PoolID, job.Name); err != nil {
			return err
		}
		result.Nodes, err = provisioner.Provision(ctx, spec)
		return err
	}); err != nil {
		return err
	}

	if err := r.step(StepJob, func() error {
		if err := r.record(ctx, ledger.KindJob, plan.JobID, job.Name); err != nil {
			return err
		}
		if err := r.client.CreateJob(ctx, plan.JobID, plan.PoolID); err != nil {
			return fmt.Errorf("failed to create job '%s': %w", plan.JobID, err)
		}
		return nil
	}); err != nil {
		return err
	}

	if err := r.step(StepSubmit, func() error {
		if persistentURL != "" {
			sharedFiles = append(sharedFiles, cluster.ResourceFile{StorageContainerURL: persistentURL})
		}
		return cluster.NewSubmitter(r.client, clusterConfig).Submit(ctx, cluster.SubmitRequest{
			JobID:               plan.JobID,
			TaskID:              plan.TaskID,
			Instances:           job.Instances,
			ApplicationCommand:  job.ApplicationCommand,
			InputFiles:          inputFiles,
			Elevation:           job.Elevation,
			OutputPattern:       job.OutputPattern,
			OutputContainerURL:  outputURL,
			OutputPath:          job.OutputBlob,
			CoordinationCommand: job.CoordinationCommand,
			SharedFiles:         sharedFiles,
		})
	}); err != nil {
		return err
	}

	awaitErr := r.step(StepAwait, func() error {
		watcher, err := cluster.NewWatcher(r.client, clusterConfig)
		if err != nil {
			return err
		}
		return watcher.AwaitTasks(ctx, plan.JobID, []string{plan.TaskID}, job.MaxRuntime)
	})
	if ctx.Err() != nil {
		return awaitErr
	}

	if tasks, err := r.client.ListTasks(ctx, plan.JobID); err == nil {
		if task, ok := lo.Find(tasks, func(t cluster.Task) bool { return t.ID == plan.TaskID }); ok {
			result.ExitCode = task.ExitCode
		}
	} else {
		log.Warn("Failed to read task exit code", "error", err)
	}

	// Outputs may still be uploading once the task is reported completed
	settleErr := r.step(StepSettle, func() error { return sleep(ctx, job.Settle) })
	return errors.Join(awaitErr, settleErr)
}

func (r *Runner) createContainer(ctx context.Context, run, container string) error {
	if err := r.record(ctx, ledger.KindContainer, container, run); err != nil {
		return err
	}
	if err := r.store.CreateContainer(ctx, container); err != nil {
		return fmt.Errorf("failed to create container '%s': %w", container, err)
	}
	return nil
}

func (r *Runner) record(ctx context.Context, kind ledger.Kind, id, run string) error {
	resource := ledger.Resource{Kind: kind, ID: id, Run: run, Backend: r.config.Backend, CreatedAt: time.Now().UTC()}
	if err := r.ledger.Record(ctx, resource); err != nil {
		return fmt.Errorf("failed to record %s in ledger: %w", resource, err)
	}
	return nil
}

func (r *Runner) step(step Step, fn func() error) error {
	r.config.emit(EventStepStarted{Step: step})
	err := fn()
	r.config.emit(EventStepCompleted{Step: step, Err: err})
	return err
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func exitCode(code *int) any {
	if code == nil {
		return "n/a"
	}
	return *code
}
