package blob

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/gammadia/batchmpi/cluster"
)

// UploadFile uploads a local file and returns it as a resource file readable
// through a signed URL for expiry. The file lands at blobName, relative to the
// task working directory, when materialized on a node.
func UploadFile(ctx context.Context, store Store, container, localPath, blobName string, expiry time.Duration) (cluster.ResourceFile, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return cluster.ResourceFile{}, fmt.Errorf("failed to open '%s': %w", localPath, err)
	}
	defer f.Close()

	if err := store.Put(ctx, container, blobName, f); err != nil {
		return cluster.ResourceFile{}, fmt.Errorf("failed to upload '%s' to '%s/%s': %w", localPath, container, blobName, err)
	}

	url, err := store.BlobURL(ctx, container, blobName, Read, expiry)
	if err != nil {
		return cluster.ResourceFile{}, fmt.Errorf("failed to sign url of '%s/%s': %w", container, blobName, err)
	}

	return cluster.ResourceFile{FilePath: blobName, HTTPURL: url}, nil
}

// UploadDir uploads every regular file under dir, naming blobs after their
// slash-separated path relative to dir, joined to prefix.
func UploadDir(ctx context.Context, store Store, container, dir, prefix string, expiry time.Duration) ([]cluster.ResourceFile, error) {
	var files []cluster.ResourceFile
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}

		file, err := UploadFile(ctx, store, container, p, path.Join(prefix, filepath.ToSlash(rel)), expiry)
		if err != nil {
			return err
		}
		files = append(files, file)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upload directory '%s': %w", dir, err)
	}
	return files, nil
}

// DownloadAll copies every blob of a container whose name starts with prefix
// into dir, and returns the written paths.
func DownloadAll(ctx context.Context, store Store, container, prefix, dir string) ([]string, error) {
	names, err := store.List(ctx, container, prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list container '%s': %w", container, err)
	}

	var written []string
	for _, name := range names {
		target := filepath.Join(dir, filepath.FromSlash(name))
		if err := download(ctx, store, container, name, target); err != nil {
			return written, err
		}
		written = append(written, target)
	}
	return written, nil
}

func download(ctx context.Context, store Store, container, name, target string) error {
	rc, err := store.Get(ctx, container, name)
	if err != nil {
		return fmt.Errorf("failed to get '%s/%s': %w", container, name, err)
	}
	defer rc.Close()

	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	f, err := os.Create(target)
	if err != nil {
		return fmt.Errorf("failed to create '%s': %w", target, err)
	}
	defer f.Close()

	if _, err := io.Copy(f, rc); err != nil {
		return fmt.Errorf("failed to download '%s/%s': %w", container, name, err)
	}
	return f.Close()
}
