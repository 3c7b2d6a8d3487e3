package jobfile

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/gammadia/batchmpi/cluster"
)

const JobfileVersion = "1"

// Name of the jobfile inside a job directory
const Filename = "batchmpi.yaml"

type Jobfile struct {
	path string

	Version             string
	Name                string
	Node                JobfileNode
	Pool                JobfilePool
	Task                JobfileTask
	Timeouts            JobfileTimeouts
	PersistentContainer string `yaml:"persistent-container"`
}

type JobfileNode struct {
	OS     string
	Count  int
	VMSize string `yaml:"vm-size"`
	Image  cluster.ImageReference
}

type JobfilePool struct {
	InterNode bool `yaml:"inter-node"`
	StartTask *JobfileStartTask `yaml:"start-task"`
}

type JobfileStartTask struct {
	Command        []string
	Elevation      string
	WaitForSuccess *bool `yaml:"wait-for-success"`
	// Shared makes the files of the shared directory available to the start task
	Shared bool
}

type JobfileTask struct {
	// Number of nodes the task runs on, all of them when zero
	Instances    int
	Coordination []string
	Application  []string
	Elevation    string
	Output       JobfileOutput
}

type JobfileOutput struct {
	Pattern string
	Blob    string
}

type JobfileTimeouts struct {
	MaxRuntime string `yaml:"max-runtime"`
	Subtasks   string
	Settle     string
}

var nameRegex = regexp.MustCompile(`^[a-z][a-z0-9-]+$`)

func (jobfile Jobfile) Validate() error {
	if jobfile.Version != JobfileVersion {
		return fmt.Errorf("unsupported version '%s'", jobfile.Version)
	}

	if !nameRegex.MatchString(jobfile.Name) {
		return fmt.Errorf("name must be a valid identifier")
	}

	switch jobfile.Node.OS {
	case "", "linux", "windows":
	default:
		return fmt.Errorf("node.os must be 'linux' or 'windows'")
	}
	if jobfile.Node.Count < 1 {
		return fmt.Errorf("node.count must be at least 1")
	}
	if jobfile.Node.VMSize == "" {
		return fmt.Errorf("node.vm-size is required")
	}
	if jobfile.Node.Image.Publisher == "" || jobfile.Node.Image.Offer == "" || jobfile.Node.Image.SKU == "" {
		return fmt.Errorf("node.image requires a publisher, an offer and a sku")
	}

	if startTask := jobfile.Pool.StartTask; startTask != nil {
		if len(startTask.Command) < 1 {
			return fmt.Errorf("pool.start-task.command is required")
		}
		if _, err := cluster.ParseElevation(startTask.Elevation); err != nil {
			return fmt.Errorf("pool.start-task.elevation: %w", err)
		}
	}

	if len(jobfile.Task.Application) < 1 {
		return fmt.Errorf("task.application is required")
	}
	if jobfile.Task.Instances < 0 || jobfile.Task.Instances > jobfile.Node.Count {
		return fmt.Errorf("task.instances must be between 0 and node.count")
	}
	if _, err := cluster.ParseElevation(jobfile.Task.Elevation); err != nil {
		return fmt.Errorf("task.elevation: %w", err)
	}
	if jobfile.Task.Output.Blob != "" && jobfile.Task.Output.Pattern == "" {
		return fmt.Errorf("task.output.pattern is required with task.output.blob")
	}

	for _, timeout := range []struct{ key, value string }{
		{"max-runtime", jobfile.Timeouts.MaxRuntime},
		{"subtasks", jobfile.Timeouts.Subtasks},
		{"settle", jobfile.Timeouts.Settle},
	} {
		if timeout.value == "" {
			continue
		}
		if d, err := time.ParseDuration(timeout.value); err != nil {
			return fmt.Errorf("timeouts.%s is not a valid duration: %w", timeout.key, err)
		} else if d < 0 {
			return fmt.Errorf("timeouts.%s must not be negative", timeout.key)
		}
	}

	for _, dir := range []string{"shared", "master"} {
		if info, err := os.Stat(filepath.Join(jobfile.path, dir)); err == nil && !info.IsDir() {
			return fmt.Errorf("%s must be a directory", dir)
		}
	}

	return nil
}
