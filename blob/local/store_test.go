package local

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gammadia/batchmpi/blob"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	store, err := New(Config{Root: t.TempDir()})
	require.NoError(t, err)
	return store
}

func readAll(t *testing.T, rc io.ReadCloser, err error) string {
	t.Helper()

	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(data)
}

func TestContainerLifecycle(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.CreateContainer(ctx, "input-pingpong"))
	require.NoError(t, store.CreateContainer(ctx, "input-pingpong"), "creating twice is fine")

	require.NoError(t, store.Put(ctx, "input-pingpong", "shared/prepare-all.sh", strings.NewReader("#!/bin/bash\n")))
	require.NoError(t, store.Put(ctx, "input-pingpong", "master/execute-master.sh", strings.NewReader("mpirun\n")))

	names, err := store.List(ctx, "input-pingpong", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"master/execute-master.sh", "shared/prepare-all.sh"}, names)

	names, err = store.List(ctx, "input-pingpong", "shared/")
	require.NoError(t, err)
	assert.Equal(t, []string{"shared/prepare-all.sh"}, names)

	rc, err := store.Get(ctx, "input-pingpong", "master/execute-master.sh")
	assert.Equal(t, "mpirun\n", readAll(t, rc, err))

	require.NoError(t, store.DeleteContainer(ctx, "input-pingpong"))
	assert.ErrorIs(t, store.DeleteContainer(ctx, "input-pingpong"), blob.ErrNotFound)

	_, err = store.Get(ctx, "input-pingpong", "master/execute-master.sh")
	assert.ErrorIs(t, err, blob.ErrNotFound)
}

func TestPutRequiresContainer(t *testing.T) {
	store := newTestStore(t)

	err := store.Put(context.Background(), "missing", "a.txt", strings.NewReader("a"))
	assert.ErrorIs(t, err, blob.ErrNotFound)
}

func TestInvalidNames(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	assert.Error(t, store.CreateContainer(ctx, "../escape"))
	assert.Error(t, store.CreateContainer(ctx, ""))

	require.NoError(t, store.CreateContainer(ctx, "c"))
	require.NoError(t, store.Put(ctx, "c", "../../escape.txt", strings.NewReader("x")))
	_, err := os.Stat(filepath.Join(store.root, "c", "escape.txt"))
	assert.NoError(t, err, "blob names are confined to their container")
}

func TestSignedURLs(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.CreateContainer(ctx, "output"))
	require.NoError(t, store.Put(ctx, "output", "stdout.txt", strings.NewReader("pong")))

	t.Run("blob read", func(t *testing.T) {
		u, err := store.BlobURL(ctx, "output", "stdout.txt", blob.Read, time.Hour)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(u, "file://"))

		rc, err := store.OpenURL(ctx, u)
		assert.Equal(t, "pong", readAll(t, rc, err))
	})

	t.Run("container write", func(t *testing.T) {
		u, err := store.ContainerURL(ctx, "output", blob.Write, time.Hour)
		require.NoError(t, err)

		require.NoError(t, store.PutURL(ctx, u, "stderr.txt", strings.NewReader("")))
		_, err = store.ListURL(ctx, u, "")
		assert.ErrorIs(t, err, blob.ErrForbidden)
		_, err = store.OpenInContainerURL(ctx, u, "stdout.txt")
		assert.ErrorIs(t, err, blob.ErrForbidden)
	})

	t.Run("container read list", func(t *testing.T) {
		u, err := store.ContainerURL(ctx, "output", blob.ReadList, time.Hour)
		require.NoError(t, err)

		names, err := store.ListURL(ctx, u, "std")
		require.NoError(t, err)
		assert.Equal(t, []string{"stderr.txt", "stdout.txt"}, names)

		rc, err := store.OpenInContainerURL(ctx, u, "stdout.txt")
		assert.Equal(t, "pong", readAll(t, rc, err))

		assert.ErrorIs(t, store.PutURL(ctx, u, "x.txt", strings.NewReader("")), blob.ErrForbidden)
	})

	t.Run("expired", func(t *testing.T) {
		u, err := store.BlobURL(ctx, "output", "stdout.txt", blob.Read, time.Minute)
		require.NoError(t, err)

		expired := *store
		expired.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
		_, err = expired.OpenURL(ctx, u)
		assert.ErrorIs(t, err, blob.ErrForbidden)
	})

	t.Run("foreign url", func(t *testing.T) {
		_, err := store.OpenURL(ctx, "https://account.blob.core.windows.net/output/stdout.txt?sp=r")
		assert.Error(t, err)
		_, err = store.OpenURL(ctx, "file:///etc/passwd?sp=r&se=99999999999")
		assert.Error(t, err)
	})
}

func TestTransfer(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.CreateContainer(ctx, "input"))

	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "lib"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "prepare-all.sh"), []byte("prepare"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "lib", "common.sh"), []byte("common"), 0644))

	files, err := blob.UploadDir(ctx, store, "input", dir, "shared", time.Hour)
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "shared/lib/common.sh", files[0].FilePath)
	assert.Equal(t, "shared/prepare-all.sh", files[1].FilePath)

	rc, err := store.OpenURL(ctx, files[1].HTTPURL)
	assert.Equal(t, "prepare", readAll(t, rc, err))

	target := t.TempDir()
	written, err := blob.DownloadAll(ctx, store, "input", "shared/lib", target)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(target, "shared", "lib", "common.sh")}, written)

	data, err := os.ReadFile(written[0])
	require.NoError(t, err)
	assert.Equal(t, "common", string(data))
}

func TestPermissions(t *testing.T) {
	assert.Equal(t, "rl", blob.ReadList.String())
	assert.Equal(t, "w", blob.Write.String())
	assert.Equal(t, blob.Permissions{Read: true, Write: true, Delete: true, List: true}, blob.ParsePermissions("rwdl"))
}
