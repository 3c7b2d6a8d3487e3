package local

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gammadia/batchmpi/blob"
	blobstore "github.com/gammadia/batchmpi/blob/local"
	"github.com/gammadia/batchmpi/cluster"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShouldUpload(t *testing.T) {
	tests := []struct {
		condition cluster.UploadCondition
		exitCode  int
		expected  bool
	}{
		{cluster.UploadOnCompletion, 0, true},
		{cluster.UploadOnCompletion, 1, true},
		{cluster.UploadOnSuccess, 0, true},
		{cluster.UploadOnSuccess, 1, false},
		{cluster.UploadOnFailure, 0, false},
		{cluster.UploadOnFailure, 2, true},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, shouldUpload(tt.condition, tt.exitCode), "%s with exit code %d", tt.condition, tt.exitCode)
	}
}

func newTestBlobSource(t *testing.T) (blobSource, *blobstore.Store, string) {
	t.Helper()
	ctx := context.Background()

	store, err := blobstore.New(blobstore.Config{Root: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, store.CreateContainer(ctx, "output"))
	url, err := store.ContainerURL(ctx, "output", blob.Write, time.Hour)
	require.NoError(t, err)

	return blobSource{store: store}, store, url
}

func writeFiles(t *testing.T, dir string, files ...string) {
	t.Helper()
	for _, f := range files {
		p := filepath.Join(dir, filepath.FromSlash(f))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(f), 0o644))
	}
}

func TestUploadNaming(t *testing.T) {
	tests := []struct {
		name     string
		pattern  string
		path     string
		expected []string
	}{
		{"single file keeps the blob path", "result.csv", "results/final.csv", []string{"results/final.csv"}},
		{"single file without path", "result.csv", "", []string{"result.csv"}},
		{"wildcard under a prefix", "../std*.txt", "logs", []string{"logs/stderr.txt", "logs/stdout.txt"}},
		{"recursive wildcard keeps relative paths", "out/**/*.dat", "", []string{"a/1.dat", "b/c/2.dat"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			source, store, url := newTestBlobSource(t)
			taskDir := t.TempDir()
			writeFiles(t, taskDir, "stdout.txt", "stderr.txt", "wd/result.csv", "wd/out/a/1.dat", "wd/out/b/c/2.dat", "wd/out/skip.txt")

			uploaded, err := source.upload(context.Background(), []cluster.OutputFile{{
				Pattern:         tt.pattern,
				ContainerURL:    url,
				Path:            tt.path,
				UploadCondition: cluster.UploadOnCompletion,
			}}, taskDir, "wd", 0)
			require.NoError(t, err)
			assert.ElementsMatch(t, tt.expected, uploaded)

			names, err := store.List(context.Background(), "output", "")
			require.NoError(t, err)
			assert.ElementsMatch(t, tt.expected, names)
		})
	}
}

func TestUploadSkipsUnmetCondition(t *testing.T) {
	source, _, url := newTestBlobSource(t)
	taskDir := t.TempDir()
	writeFiles(t, taskDir, "wd/result.csv")

	uploaded, err := source.upload(context.Background(), []cluster.OutputFile{{
		Pattern:         "result.csv",
		ContainerURL:    url,
		UploadCondition: cluster.UploadOnSuccess,
	}}, taskDir, "wd", 1)
	require.NoError(t, err)
	assert.Empty(t, uploaded)
}

func TestUploadRejectsEscapingPattern(t *testing.T) {
	source, _, url := newTestBlobSource(t)

	_, err := source.upload(context.Background(), []cluster.OutputFile{{
		Pattern:      "../../etc/*",
		ContainerURL: url,
	}}, t.TempDir(), "wd", 0)
	assert.ErrorContains(t, err, "escapes the task directory")
}

func TestFetchRejectsEscapingPath(t *testing.T) {
	ctx := context.Background()
	store, err := blobstore.New(blobstore.Config{Root: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, store.CreateContainer(ctx, "input"))
	require.NoError(t, store.Put(ctx, "input", "a.txt", strings.NewReader("a")))
	url, err := store.BlobURL(ctx, "input", "a.txt", blob.Read, time.Hour)
	require.NoError(t, err)

	source := blobSource{store: store}
	err = source.fetch(ctx, []cluster.ResourceFile{{FilePath: "../a.txt", HTTPURL: url}}, t.TempDir())
	assert.ErrorContains(t, err, "escapes the task directory")
}

func TestFetchWithoutStore(t *testing.T) {
	err := blobSource{}.fetch(context.Background(), []cluster.ResourceFile{{FilePath: "a", HTTPURL: "file:///a"}}, t.TempDir())
	assert.ErrorContains(t, err, "no blob store configured")

	assert.NoError(t, blobSource{}.fetch(context.Background(), nil, t.TempDir()))
}
