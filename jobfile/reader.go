package jobfile

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"text/template"
	"time"

	"github.com/gammadia/batchmpi/cluster"
	sprig "github.com/go-task/slim-sprig/v3"
	"github.com/samber/lo"
	"gopkg.in/yaml.v3"
)

const (
	DefaultMaxRuntime    = 30 * time.Minute
	DefaultSettle        = 15 * time.Second
	DefaultOutputPattern = "../std*.txt"
)

type ReadOptions struct {
	// Jobfile arguments
	Args []string
	// Jobfile parameters
	Params map[string]string
}

type UnmarshalError struct {
	error
	Source string
}

// Job is a validated jobfile, with defaults applied and commands wrapped for
// the node operating system.
type Job struct {
	Name string
	// Dir is the absolute path of the job directory
	Dir string
	OS  string

	NodeCount int
	VMSize    string
	Image     cluster.ImageReference
	InterNode bool
	StartTask *StartTask

	Instances           int
	CoordinationCommand string
	ApplicationCommand  string
	Elevation           cluster.Elevation
	OutputPattern       string
	OutputBlob          string

	MaxRuntime     time.Duration
	SubtaskTimeout time.Duration
	Settle         time.Duration

	// PersistentContainer is an existing input container, used as-is and never deleted
	PersistentContainer string

	// Host directories uploaded as inputs, empty when the job has none
	SharedDir string
	MasterDir string
}

type StartTask struct {
	CommandLine    string
	Elevation      cluster.Elevation
	WaitForSuccess bool
	Shared         bool
}

// PoolSpec returns the pool the job runs on. Start task resource files are
// left to the caller, which owns the input container.
func (j *Job) PoolSpec(id string) cluster.PoolSpec {
	spec := cluster.PoolSpec{
		ID:                     id,
		VMSize:                 j.VMSize,
		NodeCount:              j.NodeCount,
		Image:                  j.Image,
		InterNodeCommunication: j.InterNode,
		TaskSlotsPerNode:       1,
		ResizeTimeout:          cluster.DefaultResizeTimeout,
	}
	if j.StartTask != nil {
		spec.StartTask = &cluster.StartTask{
			CommandLine:    j.StartTask.CommandLine,
			Elevation:      j.StartTask.Elevation,
			WaitForSuccess: j.StartTask.WaitForSuccess,
		}
	}
	return spec
}

// Read loads a jobfile. The path is either a job directory holding a
// batchmpi.yaml file, or the jobfile itself.
func Read(p string, options ReadOptions) (*Job, error) {
	file, err := filepath.Abs(p)
	if err != nil {
		return nil, fmt.Errorf("resolve path: %w", err)
	}
	if info, err := os.Stat(file); err == nil && info.IsDir() {
		file = filepath.Join(file, Filename)
	}
	dir := filepath.Dir(file)

	buf, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}

	jobfile, source, err := decode(string(buf), dir, options)
	if err != nil {
		return nil, err
	}
	jobfile.path = dir
	if err = jobfile.Validate(); err != nil {
		return nil, UnmarshalError{fmt.Errorf("validate: %w", err), source}
	}

	return resolve(jobfile)
}

// decode evaluates the template and unmarshals the result. Templates using
// .Instances are evaluated a second time, once the instance count is known.
func decode(source, dir string, options ReadOptions) (Jobfile, string, error) {
	data := TemplateData{
		Env:    lo.SliceToMap(os.Environ(), func(env string) (key, val string) { key, val, _ = strings.Cut(env, "="); return }),
		Args:   options.Args,
		Params: options.Params,
	}

	jobfile, evaluated, err := decodeWith(source, dir, data)
	if err != nil || !strings.Contains(source, ".Instances") {
		return jobfile, evaluated, err
	}

	data.Instances = lo.Ternary(jobfile.Task.Instances > 0, jobfile.Task.Instances, jobfile.Node.Count)
	return decodeWith(source, dir, data)
}

func decodeWith(source, dir string, data TemplateData) (Jobfile, string, error) {
	var jobfile Jobfile

	evaluated, err := evaluateTemplate(source, dir, data)
	if err != nil {
		return jobfile, "", fmt.Errorf("evaluate template: %w", err)
	}
	if err = yaml.Unmarshal([]byte(evaluated), &jobfile); err != nil {
		return jobfile, evaluated, UnmarshalError{fmt.Errorf("unmarshal: %w", err), evaluated}
	}
	return jobfile, evaluated, nil
}

func resolve(jobfile Jobfile) (*Job, error) {
	job := &Job{
		Name:                jobfile.Name,
		Dir:                 jobfile.path,
		OS:                  lo.Ternary(jobfile.Node.OS != "", jobfile.Node.OS, "linux"),
		NodeCount:           jobfile.Node.Count,
		VMSize:              jobfile.Node.VMSize,
		Image:               jobfile.Node.Image,
		InterNode:           jobfile.Pool.InterNode,
		Instances:           lo.Ternary(jobfile.Task.Instances > 0, jobfile.Task.Instances, jobfile.Node.Count),
		Elevation:           lo.Must(cluster.ParseElevation(jobfile.Task.Elevation)),
		OutputPattern:       lo.Ternary(jobfile.Task.Output.Pattern != "", jobfile.Task.Output.Pattern, DefaultOutputPattern),
		OutputBlob:          jobfile.Task.Output.Blob,
		MaxRuntime:          parseDuration(jobfile.Timeouts.MaxRuntime, DefaultMaxRuntime),
		SubtaskTimeout:      parseDuration(jobfile.Timeouts.Subtasks, cluster.DefaultSubtaskTimeout),
		Settle:              parseDuration(jobfile.Timeouts.Settle, DefaultSettle),
		PersistentContainer: jobfile.PersistentContainer,
	}

	var err error
	if job.CoordinationCommand, err = cluster.WrapCommands(job.OS, jobfile.Task.Coordination); err != nil {
		return nil, fmt.Errorf("task.coordination: %w", err)
	}
	if job.ApplicationCommand, err = cluster.WrapCommands(job.OS, jobfile.Task.Application); err != nil {
		return nil, fmt.Errorf("task.application: %w", err)
	}

	if startTask := jobfile.Pool.StartTask; startTask != nil {
		commandLine, err := cluster.WrapCommands(job.OS, startTask.Command)
		if err != nil {
			return nil, fmt.Errorf("pool.start-task.command: %w", err)
		}
		job.StartTask = &StartTask{
			CommandLine:    commandLine,
			Elevation:      lo.Must(cluster.ParseElevation(startTask.Elevation)),
			WaitForSuccess: startTask.WaitForSuccess == nil || *startTask.WaitForSuccess,
			Shared:         startTask.Shared,
		}
	}

	for _, sub := range []struct {
		name string
		dst  *string
	}{{"shared", &job.SharedDir}, {"master", &job.MasterDir}} {
		dir := filepath.Join(jobfile.path, sub.name)
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			*sub.dst = dir
		}
	}

	return job, nil
}

// parseDuration parses an already validated duration, zero meaning the default.
func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	if d := lo.Must(time.ParseDuration(s)); d > 0 {
		return d
	}
	return fallback
}

type TemplateData struct {
	Env       map[string]string
	Args      []string
	Params    map[string]string
	Instances int
}

func evaluateTemplate(source string, dir string, data TemplateData) (string, error) {
	funcs := sprig.TxtFuncMap()
	extra := template.FuncMap{
		"base64": func(s string) string {
			return base64.StdEncoding.EncodeToString([]byte(s))
		},
		"env": func(key string) string {
			return os.Getenv(key)
		},
		"json": func(v any) (string, error) {
			buf, err := json.Marshal(v)
			return string(buf), err
		},
		"lines": func(s string) []string {
			return strings.Split(s, "\n")
		},
		"shell": func(script string) (string, error) {
			return shell(script, dir)
		},
	}
	for name, fn := range extra {
		funcs[name] = fn
	}

	tmpl, err := template.New("jobfile").Funcs(funcs).Parse(source)
	if err != nil {
		return "", fmt.Errorf("failed to parse template: %w", err)
	}

	var output strings.Builder
	if err := tmpl.Execute(&output, data); err != nil {
		return "", fmt.Errorf("failed to execute template: %w", err)
	}

	return output.String(), nil
}

func shell(script string, dir string) (string, error) {
	var shell, arg string
	if strings.HasPrefix(script, "#!") {
		shell, script, _ = strings.Cut(script, "\n")
		shell, arg, _ = strings.Cut(strings.TrimPrefix(shell, "#!"), " ")
	} else {
		shell = lo.Must(lo.Coalesce(os.Getenv("SHELL"), "sh"))
	}

	cmd := exec.Command(shell, lo.Ternary(arg != "", []string{arg}, []string{})...)
	cmd.Stdin = strings.NewReader(script)
	cmd.Stderr = os.Stderr
	cmd.Dir = dir

	output, err := cmd.Output()
	return strings.TrimRight(string(output), "\n"), err
}
