package local

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/gammadia/batchmpi/blob"
	"github.com/gammadia/batchmpi/cluster"
)

// blobSource moves resource and output files between node directories and
// blob storage, through signed URLs only.
type blobSource struct {
	store blob.URLStore
}

// fetch materializes resource files under dir.
func (b blobSource) fetch(ctx context.Context, files []cluster.ResourceFile, dir string) error {
	if len(files) > 0 && b.store == nil {
		return fmt.Errorf("no blob store configured for %d resource file(s)", len(files))
	}

	for _, rf := range files {
		switch {
		case rf.HTTPURL != "":
			if err := b.fetchOne(ctx, dir, rf.FilePath, func() (io.ReadCloser, error) {
				return b.store.OpenURL(ctx, rf.HTTPURL)
			}); err != nil {
				return err
			}

		case rf.StorageContainerURL != "":
			names, err := b.store.ListURL(ctx, rf.StorageContainerURL, rf.BlobPrefix)
			if err != nil {
				return fmt.Errorf("failed to list resource container: %w", err)
			}
			for _, name := range names {
				if err := b.fetchOne(ctx, dir, path.Join(rf.FilePath, name), func() (io.ReadCloser, error) {
					return b.store.OpenInContainerURL(ctx, rf.StorageContainerURL, name)
				}); err != nil {
					return err
				}
			}

		default:
			return fmt.Errorf("resource file '%s' has no source", rf.FilePath)
		}
	}
	return nil
}

func (b blobSource) fetchOne(ctx context.Context, dir, name string, open func() (io.ReadCloser, error)) error {
	name = filepath.FromSlash(name)
	if !filepath.IsLocal(name) {
		return fmt.Errorf("resource file path '%s' escapes the task directory", name)
	}

	rc, err := open()
	if err != nil {
		return fmt.Errorf("failed to open resource file '%s': %w", name, err)
	}
	defer rc.Close()

	dst := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(dst), 0o777); err != nil {
		return fmt.Errorf("failed to create directory for resource file '%s': %w", name, err)
	}
	f, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o755)
	if err != nil {
		return fmt.Errorf("failed to create resource file '%s': %w", name, err)
	}
	if _, err := io.Copy(f, rc); err != nil {
		f.Close()
		return fmt.Errorf("failed to write resource file '%s': %w", name, err)
	}
	return f.Close()
}

// shouldUpload reports whether outputs with the given condition are uploaded
// for a task that exited with exitCode.
func shouldUpload(condition cluster.UploadCondition, exitCode int) bool {
	switch condition {
	case cluster.UploadOnSuccess:
		return exitCode == 0
	case cluster.UploadOnFailure:
		return exitCode != 0
	default:
		return true
	}
}

// upload sends the files matching each output pattern, relative to the working
// directory wd inside taskDir, to their container. It returns the blob names.
func (b blobSource) upload(ctx context.Context, outputs []cluster.OutputFile, taskDir, wd string, exitCode int) ([]string, error) {
	var uploaded []string
	for _, out := range outputs {
		if !shouldUpload(out.UploadCondition, exitCode) {
			continue
		}
		if b.store == nil {
			return uploaded, fmt.Errorf("no blob store configured for output '%s'", out.Pattern)
		}

		pattern := path.Clean(path.Join(wd, out.Pattern))
		if pattern == ".." || strings.HasPrefix(pattern, "../") {
			return uploaded, fmt.Errorf("output pattern '%s' escapes the task directory", out.Pattern)
		}

		matches, err := doublestar.Glob(os.DirFS(taskDir), pattern, doublestar.WithFilesOnly())
		if err != nil {
			return uploaded, fmt.Errorf("invalid output pattern '%s': %w", out.Pattern, err)
		}

		base, _ := doublestar.SplitPattern(pattern)
		wildcard := strings.ContainsAny(pattern, "*?[{")
		for _, match := range matches {
			name := out.Path
			if wildcard {
				rel := strings.TrimPrefix(match, base+"/")
				if base == "." {
					rel = match
				}
				name = path.Join(out.Path, rel)
			} else if name == "" {
				name = path.Base(match)
			}

			if err := b.uploadOne(ctx, out.ContainerURL, name, filepath.Join(taskDir, filepath.FromSlash(match))); err != nil {
				return uploaded, err
			}
			uploaded = append(uploaded, name)
		}
	}
	return uploaded, nil
}

func (b blobSource) uploadOne(ctx context.Context, containerURL, name, file string) error {
	f, err := os.Open(file)
	if err != nil {
		return fmt.Errorf("failed to open output file: %w", err)
	}
	defer f.Close()

	if err := b.store.PutURL(ctx, containerURL, name, f); err != nil {
		return fmt.Errorf("failed to upload output '%s': %w", name, err)
	}
	return nil
}
