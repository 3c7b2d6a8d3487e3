package cluster

import (
	"fmt"
	"strings"
)

type Elevation string

const (
	ElevationAdmin    Elevation = "admin"
	ElevationNonAdmin Elevation = "non-admin"
)

func ParseElevation(s string) (Elevation, error) {
	switch strings.ToLower(strings.ReplaceAll(s, "_", "-")) {
	case "", "non-admin", "nonadmin":
		return ElevationNonAdmin, nil
	case "admin":
		return ElevationAdmin, nil
	default:
		return "", fmt.Errorf("unknown elevation level '%s'", s)
	}
}

type TaskState string

const (
	TaskStateActive    TaskState = "active"
	TaskStatePreparing TaskState = "preparing"
	TaskStateRunning   TaskState = "running"
	TaskStateCompleted TaskState = "completed"
	TaskStateOther     TaskState = "other"
)

// ResourceFile is a file to materialize on a node before a command runs.
// Exactly one of HTTPURL or StorageContainerURL is set.
type ResourceFile struct {
	// FilePath is the destination on the node, relative to the task working directory.
	// For a container source it is the destination directory.
	FilePath            string
	HTTPURL             string
	StorageContainerURL string
	// BlobPrefix restricts a container source to blobs starting with it.
	BlobPrefix string
}

func (rf ResourceFile) Source() string {
	if rf.HTTPURL != "" {
		return rf.HTTPURL
	}
	return rf.StorageContainerURL
}

type UploadCondition string

const (
	UploadOnSuccess    UploadCondition = "task-success"
	UploadOnFailure    UploadCondition = "task-failure"
	UploadOnCompletion UploadCondition = "task-completion"
)

// OutputFile uploads files matching Pattern, relative to the task working
// directory, to a blob container once the task reaches UploadCondition.
type OutputFile struct {
	Pattern      string
	ContainerURL string
	// Path is the blob name for a single-file pattern, or a virtual directory
	// prefix when the pattern contains wildcards.
	Path            string
	UploadCondition UploadCondition
}

type MultiInstance struct {
	Instances               int
	CoordinationCommandLine string
	CommonResourceFiles     []ResourceFile
}

// TaskSpec is a task as submitted to a job. Tasks always run as the pool-scoped
// auto-user with the given elevation.
type TaskSpec struct {
	ID            string
	CommandLine   string
	Elevation     Elevation
	ResourceFiles []ResourceFile
	OutputFiles   []OutputFile
	MultiInstance *MultiInstance
}

// Instances returns the number of nodes the task runs on.
func (spec TaskSpec) Instances() int {
	if spec.MultiInstance == nil || spec.MultiInstance.Instances < 1 {
		return 1
	}
	return spec.MultiInstance.Instances
}

// Task is a task as observed in a job.
type Task struct {
	ID       string
	State    TaskState
	ExitCode *int
}

// Subtask is the per-instance execution unit of a multi-instance task.
type Subtask struct {
	ID       int
	NodeID   string
	State    TaskState
	ExitCode *int
}

type Job struct {
	ID     string
	PoolID string
}
