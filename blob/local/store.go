package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gammadia/batchmpi/blob"
)

type Config struct {
	// Root directory holding one sub-directory per container
	Root   string
	Logger *slog.Logger
}

// Store keeps containers as directories on the local filesystem. Its signed
// URLs are file:// URLs carrying their permissions and expiry in the query.
type Store struct {
	root string
	log  *slog.Logger
	now  func() time.Time
}

// Store implements blob.Store
var _ blob.Store = (*Store)(nil)

func New(config Config) (*Store, error) {
	if config.Root == "" {
		return nil, fmt.Errorf("root directory is required")
	}
	root, err := filepath.Abs(config.Root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve root directory: %w", err)
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create root directory: %w", err)
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Store{
		root: root,
		log:  logger.With("component", "blob"),
		now:  time.Now,
	}, nil
}

func (s *Store) containerPath(container string) (string, error) {
	if container == "" || strings.ContainsAny(container, `/\`) || container == "." || container == ".." {
		return "", fmt.Errorf("invalid container name '%s'", container)
	}
	return filepath.Join(s.root, container), nil
}

func (s *Store) blobPath(container, name string) (string, error) {
	dir, err := s.containerPath(container)
	if err != nil {
		return "", err
	}
	clean := path.Clean("/" + name)
	if name == "" || clean == "/" {
		return "", fmt.Errorf("invalid blob name '%s'", name)
	}
	return filepath.Join(dir, filepath.FromSlash(clean)), nil
}

func (s *Store) CreateContainer(_ context.Context, container string) error {
	dir, err := s.containerPath(container)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create container '%s': %w", container, err)
	}
	s.log.Debug("Created container", "container", container)
	return nil
}

func (s *Store) DeleteContainer(_ context.Context, container string) error {
	dir, err := s.containerPath(container)
	if err != nil {
		return err
	}
	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("container '%s': %w", container, blob.ErrNotFound)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to delete container '%s': %w", container, err)
	}
	s.log.Debug("Deleted container", "container", container)
	return nil
}

func (s *Store) sign(p string, perms blob.Permissions, expiry time.Duration) string {
	u := url.URL{
		Scheme: "file",
		Path:   filepath.ToSlash(p),
		RawQuery: url.Values{
			"sp": {perms.String()},
			"se": {strconv.FormatInt(s.now().Add(expiry).Unix(), 10)},
		}.Encode(),
	}
	return u.String()
}

func (s *Store) ContainerURL(_ context.Context, container string, perms blob.Permissions, expiry time.Duration) (string, error) {
	dir, err := s.containerPath(container)
	if err != nil {
		return "", err
	}
	return s.sign(dir, perms, expiry), nil
}

func (s *Store) BlobURL(_ context.Context, container, name string, perms blob.Permissions, expiry time.Duration) (string, error) {
	p, err := s.blobPath(container, name)
	if err != nil {
		return "", err
	}
	return s.sign(p, perms, expiry), nil
}

func (s *Store) Put(_ context.Context, container, name string, r io.Reader) error {
	dir, err := s.containerPath(container)
	if err != nil {
		return err
	}
	if _, err := os.Stat(dir); err != nil {
		return fmt.Errorf("container '%s': %w", container, blob.ErrNotFound)
	}

	p, err := s.blobPath(container, name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		return fmt.Errorf("failed to create blob directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(p), ".upload-*")
	if err != nil {
		return fmt.Errorf("failed to create blob: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write blob '%s/%s': %w", container, name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write blob '%s/%s': %w", container, name, err)
	}
	return os.Rename(tmp.Name(), p)
}

func (s *Store) Get(_ context.Context, container, name string) (io.ReadCloser, error) {
	p, err := s.blobPath(container, name)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("'%s/%s': %w", container, name, blob.ErrNotFound)
	}
	return f, err
}

func (s *Store) List(_ context.Context, container, prefix string) ([]string, error) {
	dir, err := s.containerPath(container)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("container '%s': %w", container, blob.ErrNotFound)
	}

	var names []string
	err = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() || strings.HasPrefix(d.Name(), ".upload-") {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		if name := filepath.ToSlash(rel); strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list container '%s': %w", container, err)
	}

	sort.Strings(names)
	return names, nil
}

// resolve checks a signed URL against the required permissions and returns
// the container and blob name it designates.
func (s *Store) resolve(rawURL string, required blob.Permissions) (container, name string, err error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "file" {
		return "", "", fmt.Errorf("unsupported url scheme '%s'", u.Scheme)
	}

	query := u.Query()
	granted := blob.ParsePermissions(query.Get("sp"))
	if (required.Read && !granted.Read) || (required.Write && !granted.Write) || (required.List && !granted.List) {
		return "", "", fmt.Errorf("%w: requires '%s', granted '%s'", blob.ErrForbidden, required, granted)
	}
	expiry, err := strconv.ParseInt(query.Get("se"), 10, 64)
	if err != nil {
		return "", "", fmt.Errorf("%w: missing expiry", blob.ErrForbidden)
	}
	if s.now().Unix() > expiry {
		return "", "", fmt.Errorf("%w: url expired", blob.ErrForbidden)
	}

	rel, err := filepath.Rel(s.root, filepath.FromSlash(u.Path))
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", "", fmt.Errorf("url '%s' is outside of the store", u.Path)
	}
	container, name, _ = strings.Cut(filepath.ToSlash(rel), "/")
	return container, name, nil
}

func (s *Store) OpenURL(ctx context.Context, blobURL string) (io.ReadCloser, error) {
	container, name, err := s.resolve(blobURL, blob.Read)
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, container, name)
}

func (s *Store) ListURL(ctx context.Context, containerURL, prefix string) ([]string, error) {
	container, _, err := s.resolve(containerURL, blob.Permissions{List: true})
	if err != nil {
		return nil, err
	}
	return s.List(ctx, container, prefix)
}

func (s *Store) OpenInContainerURL(ctx context.Context, containerURL, name string) (io.ReadCloser, error) {
	container, _, err := s.resolve(containerURL, blob.Read)
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, container, name)
}

func (s *Store) PutURL(ctx context.Context, containerURL, name string, r io.Reader) error {
	container, _, err := s.resolve(containerURL, blob.Write)
	if err != nil {
		return err
	}
	return s.Put(ctx, container, name, r)
}
