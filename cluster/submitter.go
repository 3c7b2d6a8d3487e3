package cluster

import (
	"context"
	"fmt"
	"log/slog"
)

// SubmitRequest describes one distributed task. The coordination command runs
// on every instance, the application command on the primary instance only.
type SubmitRequest struct {
	JobID  string
	TaskID string

	Instances          int
	ApplicationCommand string
	InputFiles         []ResourceFile
	Elevation          Elevation

	OutputPattern      string
	OutputContainerURL string
	// OutputPath is the blob name (or prefix) of the uploaded output.
	OutputPath string

	CoordinationCommand string
	SharedFiles         []ResourceFile
}

type Submitter struct {
	client Client
	config Config
	log    *slog.Logger
}

func NewSubmitter(client Client, config Config) *Submitter {
	return &Submitter{
		client: client,
		config: config,
		log:    config.logger().With("component", "submitter"),
	}
}

// BuildTask converts a request into the task submitted to the control plane.
func BuildTask(req SubmitRequest) TaskSpec {
	task := TaskSpec{
		ID:            req.TaskID,
		CommandLine:   req.ApplicationCommand,
		Elevation:     req.Elevation,
		ResourceFiles: req.InputFiles,
	}
	if task.Elevation == "" {
		task.Elevation = ElevationNonAdmin
	}

	if req.OutputPattern != "" {
		task.OutputFiles = []OutputFile{{
			Pattern:         req.OutputPattern,
			ContainerURL:    req.OutputContainerURL,
			Path:            req.OutputPath,
			UploadCondition: UploadOnCompletion,
		}}
	}

	if req.Instances > 1 || req.CoordinationCommand != "" {
		task.MultiInstance = &MultiInstance{
			Instances:               max(req.Instances, 1),
			CoordinationCommandLine: req.CoordinationCommand,
			CommonResourceFiles:     req.SharedFiles,
		}
	}

	return task
}

// Submit issues a single task creation call. Any rejection, including a
// duplicate task id, is returned as a *SubmitError and never retried.
func (s *Submitter) Submit(ctx context.Context, req SubmitRequest) error {
	if req.JobID == "" || req.TaskID == "" {
		return &SubmitError{JobID: req.JobID, TaskID: req.TaskID, Err: fmt.Errorf("job and task ids are required")}
	}

	task := BuildTask(req)
	if err := s.client.SubmitTask(ctx, req.JobID, task); err != nil {
		return &SubmitError{JobID: req.JobID, TaskID: req.TaskID, Err: err}
	}

	s.log.Info("Submitted task", "job", req.JobID, "task", req.TaskID, "instances", task.Instances())
	s.config.emit(EventTaskSubmitted{Job: req.JobID, Task: req.TaskID, Instances: task.Instances()})
	return nil
}
