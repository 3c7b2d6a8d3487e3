package jobfile

import (
	"os"
	"path"
	"path/filepath"
	"testing"
	"time"

	"github.com/gammadia/batchmpi/cluster"
	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

var flagtests = []struct {
	file     string
	expected string
}{
	{"testdata/valid_minimalist.yaml", ""},
	{"testdata/valid_full_featured.yaml", ""},
	{"testdata/valid_windows.yaml", ""},

	{"testdata/invalid_version.yaml", "unsupported version '42'"},
	{"testdata/invalid_name.yaml", "name must be a valid identifier"},
	{"testdata/invalid_missing_name.yaml", "name must be a valid identifier"},
	{"testdata/invalid_node_os.yaml", "node.os must be 'linux' or 'windows'"},
	{"testdata/invalid_node_count.yaml", "node.count must be at least 1"},
	{"testdata/invalid_missing_vm_size.yaml", "node.vm-size is required"},
	{"testdata/invalid_missing_image_sku.yaml", "node.image requires a publisher, an offer and a sku"},
	{"testdata/invalid_start_task.yaml", "pool.start-task.command is required"},
	{"testdata/invalid_missing_application.yaml", "task.application is required"},
	{"testdata/invalid_instances.yaml", "task.instances must be between 0 and node.count"},
	{"testdata/invalid_elevation.yaml", "task.elevation: unknown elevation level 'root'"},
	{"testdata/invalid_output.yaml", "task.output.pattern is required with task.output.blob"},
	{"testdata/invalid_timeout.yaml", "timeouts.max-runtime is not a valid duration"},
	{"testdata/invalid_node_map.yaml", "cannot unmarshal !!seq into jobfile.JobfileNode"},
}

// --- Jobfile validation tests ---

func TestJobValidate(t *testing.T) {
	for _, tt := range flagtests {
		t.Run(tt.file, func(t *testing.T) {
			buf := lo.Must(os.ReadFile(tt.file))

			var jobfile Jobfile
			if err := yaml.Unmarshal(buf, &jobfile); err != nil {
				assert.ErrorContains(t, err, tt.expected)
				return
			}
			jobfile.path = path.Dir(tt.file)
			if err := jobfile.Validate(); err != nil {
				require.NotEmpty(t, tt.expected, "unexpected error: %v", err)
				assert.ErrorContains(t, err, tt.expected)
				return
			}

			assert.Equal(t, "", tt.expected)
		})
	}
}

func TestValidateRejectsSharedFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "shared"), []byte("not a directory"), 0o644))

	var jobfile Jobfile
	require.NoError(t, yaml.Unmarshal(lo.Must(os.ReadFile("testdata/valid_minimalist.yaml")), &jobfile))
	jobfile.path = dir
	assert.EqualError(t, jobfile.Validate(), "shared must be a directory")
}

// --- Reader tests ---

func writeJobDir(t *testing.T, source string, dirs ...string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, Filename), []byte(source), 0o644))
	for _, d := range dirs {
		require.NoError(t, os.MkdirAll(filepath.Join(dir, d), 0o755))
	}
	return dir
}

func TestReadMinimalist(t *testing.T) {
	dir := writeJobDir(t, string(lo.Must(os.ReadFile("testdata/valid_minimalist.yaml"))), "master")

	job, err := Read(dir, ReadOptions{})
	require.NoError(t, err)

	assert.Equal(t, "pingpong", job.Name)
	assert.Equal(t, dir, job.Dir)
	assert.Equal(t, "linux", job.OS)
	assert.Equal(t, 2, job.NodeCount)
	assert.Equal(t, 2, job.Instances, "instances default to the node count")
	assert.Equal(t, "STANDARD_H16r", job.VMSize)
	assert.Equal(t, cluster.ImageReference{Publisher: "OpenLogic", Offer: "CentOS-HPC", SKU: "7.4"}, job.Image)
	assert.Equal(t, cluster.ElevationNonAdmin, job.Elevation)
	assert.Equal(t, "/bin/bash -c 'set -e; set -o pipefail; ./master/execute-master.sh; wait'", job.ApplicationCommand)
	assert.Empty(t, job.CoordinationCommand)
	assert.Nil(t, job.StartTask)

	assert.Equal(t, DefaultOutputPattern, job.OutputPattern)
	assert.Equal(t, DefaultMaxRuntime, job.MaxRuntime)
	assert.Equal(t, cluster.DefaultSubtaskTimeout, job.SubtaskTimeout)
	assert.Equal(t, DefaultSettle, job.Settle)

	assert.Empty(t, job.SharedDir)
	assert.Equal(t, filepath.Join(dir, "master"), job.MasterDir)
}

func TestReadFullFeatured(t *testing.T) {
	job, err := Read("testdata/valid_full_featured.yaml", ReadOptions{})
	require.NoError(t, err)

	assert.Equal(t, 3, job.Instances)
	assert.True(t, job.InterNode)
	assert.Equal(t, cluster.ElevationAdmin, job.Elevation)
	assert.Equal(t, "/bin/bash -c 'set -e; set -o pipefail; $AZ_BATCH_TASK_SHARED_DIR/shared/prepare-all.sh; wait'", job.CoordinationCommand)
	assert.Equal(t, "logs", job.OutputBlob)
	assert.Equal(t, time.Hour, job.MaxRuntime)
	assert.Equal(t, 5*time.Minute, job.SubtaskTimeout)
	assert.Equal(t, DefaultSettle, job.Settle, "a zero settle delay falls back to the default")
	assert.Equal(t, "job-pingpong", job.PersistentContainer)

	require.NotNil(t, job.StartTask)
	assert.Equal(t, StartTask{
		CommandLine:    "/bin/bash -c 'set -e; set -o pipefail; yum install -y openmpi; wait'",
		Elevation:      cluster.ElevationAdmin,
		WaitForSuccess: false,
		Shared:         true,
	}, *job.StartTask)

	spec := job.PoolSpec("pool-1")
	assert.NoError(t, spec.Validate())
	assert.Equal(t, "pool-1", spec.ID)
	assert.Equal(t, 4, spec.NodeCount)
	assert.Equal(t, 1, spec.TaskSlotsPerNode)
	assert.True(t, spec.InterNodeCommunication)
	require.NotNil(t, spec.StartTask)
	assert.False(t, spec.StartTask.WaitForSuccess)
}

func TestReadWindows(t *testing.T) {
	job, err := Read("testdata/valid_windows.yaml", ReadOptions{})
	require.NoError(t, err)
	assert.Equal(t, `cmd.exe /c "mpiexec -n 1 ping.exe&echo done"`, job.ApplicationCommand)
}

func TestReadTemplate(t *testing.T) {
	t.Setenv("BATCHMPI_TEST_VM_SIZE", "STANDARD_HB60rs")

	dir := writeJobDir(t, `
version: "1"
name: {{ .Params.name | default "templated" | lower }}
node:
  count: {{ index .Args 0 }}
  vm-size: {{ env "BATCHMPI_TEST_VM_SIZE" }}
  image: { publisher: OpenLogic, offer: CentOS-HPC, sku: "7.4" }
task:
  application:
    - mpirun -np {{ .Instances }} ./pingpong
`)

	job, err := Read(dir, ReadOptions{Args: []string{"3"}, Params: map[string]string{"name": "PingPong"}})
	require.NoError(t, err)

	assert.Equal(t, "pingpong", job.Name)
	assert.Equal(t, 3, job.NodeCount)
	assert.Equal(t, "STANDARD_HB60rs", job.VMSize)
	assert.Equal(t, "/bin/bash -c 'set -e; set -o pipefail; mpirun -np 3 ./pingpong; wait'", job.ApplicationCommand)
}

func TestEvaluateTemplateFunctions(t *testing.T) {
	tests := []struct {
		source   string
		expected string
	}{
		{`{{ base64 "mpi" }}`, "bXBp"},
		{`{{ json .Args }}`, `["a","b"]`},
		{`{{ range lines "x\ny" }}[{{ . }}]{{ end }}`, "[x][y]"},
		{`{{ .Instances | add 1 }}`, "3"},
	}

	for _, tt := range tests {
		output, err := evaluateTemplate(tt.source, t.TempDir(), TemplateData{Args: []string{"a", "b"}, Instances: 2})
		require.NoError(t, err, tt.source)
		assert.Equal(t, tt.expected, output, tt.source)
	}
}

func TestReadShellFunction(t *testing.T) {
	dir := writeJobDir(t, `
version: "1"
name: {{ shell "echo shelled" }}
node: { count: 1, vm-size: STANDARD_D2, image: { publisher: a, offer: b, sku: c } }
task: { application: [run] }
`)

	job, err := Read(dir, ReadOptions{})
	require.NoError(t, err)
	assert.Equal(t, "shelled", job.Name)
}

func TestReadErrors(t *testing.T) {
	_, err := Read(t.TempDir(), ReadOptions{})
	assert.ErrorContains(t, err, "read file")

	dir := writeJobDir(t, `name: {{ .Missing`)
	_, err = Read(dir, ReadOptions{})
	assert.ErrorContains(t, err, "evaluate template")

	_, err = Read("testdata/invalid_instances.yaml", ReadOptions{})
	var unmarshalErr UnmarshalError
	require.ErrorAs(t, err, &unmarshalErr)
	assert.Contains(t, unmarshalErr.Source, "instances: 3")
	assert.ErrorContains(t, err, "validate: task.instances")
}
