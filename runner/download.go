package runner

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/gammadia/batchmpi/blob"
	"github.com/klauspost/compress/zstd"
)

func (r *Runner) download(ctx context.Context, plan Plan, result *Result) (err error) {
	if r.config.Archive {
		result.Downloaded = filepath.Join(r.config.DownloadDir, plan.OutputContainer+".tar.zst")
		result.DownloadedSize, err = Archive(ctx, r.store, plan.OutputContainer, result.Downloaded)
	} else {
		result.Downloaded = filepath.Join(r.config.DownloadDir, plan.OutputContainer)
		result.DownloadedSize, err = Download(ctx, r.store, plan.OutputContainer, result.Downloaded)
	}
	return err
}

// Download copies every blob of a container into dir and returns the number
// of bytes written.
func Download(ctx context.Context, store blob.Store, container, dir string) (int64, error) {
	files, err := blob.DownloadAll(ctx, store, container, "", dir)
	if err != nil {
		return 0, err
	}

	var size int64
	for _, file := range files {
		if info, err := os.Stat(file); err == nil {
			size += info.Size()
		}
	}
	return size, nil
}

// Archive writes every blob of a container to a zstd-compressed tarball and
// returns the size of the archive.
func Archive(ctx context.Context, store blob.Store, container, file string) (size int64, err error) {
	names, err := store.List(ctx, container, "")
	if err != nil {
		return 0, fmt.Errorf("failed to list container '%s': %w", container, err)
	}

	if err = os.MkdirAll(filepath.Dir(file), 0755); err != nil {
		return 0, fmt.Errorf("failed to create output directory: %w", err)
	}
	fd, err := os.OpenFile(file, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return 0, fmt.Errorf("failed to create archive: %w", err)
	}
	defer func() {
		fd.Close()
		if err != nil {
			_ = os.Remove(file)
		}
	}()

	zw, err := zstd.NewWriter(fd)
	if err != nil {
		return 0, fmt.Errorf("failed to create zstd writer: %w", err)
	}
	tw := tar.NewWriter(zw)

	for _, name := range names {
		if err = archiveBlob(ctx, store, container, name, tw); err != nil {
			return 0, err
		}
	}

	if err = tw.Close(); err != nil {
		return 0, fmt.Errorf("failed to close tarball: %w", err)
	}
	if err = zw.Close(); err != nil {
		return 0, fmt.Errorf("failed to close zstd stream: %w", err)
	}
	info, err := fd.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func archiveBlob(ctx context.Context, store blob.Store, container, name string, tw *tar.Writer) error {
	rc, err := store.Get(ctx, container, name)
	if err != nil {
		return fmt.Errorf("failed to get '%s/%s': %w", container, name, err)
	}
	defer rc.Close()

	// Tar headers need the size upfront
	buf, err := io.ReadAll(rc)
	if err != nil {
		return fmt.Errorf("failed to read '%s/%s': %w", container, name, err)
	}

	if err := tw.WriteHeader(&tar.Header{
		Name:     filepath.ToSlash(filepath.Join(container, name)),
		Size:     int64(len(buf)),
		Mode:     0644,
		ModTime:  time.Now(),
		Typeflag: tar.TypeReg,
	}); err != nil {
		return fmt.Errorf("failed to write header of '%s': %w", name, err)
	}
	if _, err := tw.Write(buf); err != nil {
		return fmt.Errorf("failed to write '%s': %w", name, err)
	}
	return nil
}
