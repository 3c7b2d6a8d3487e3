package ledger

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/samber/lo"
	"gopkg.in/yaml.v3"
)

// File is a ledger stored as a YAML document on the local filesystem.
type File struct {
	path string
	mu   sync.Mutex
}

// File implements Ledger
var _ Ledger = (*File)(nil)

type fileDocument struct {
	Resources []Resource `yaml:"resources"`
}

func NewFile(path string) (*File, error) {
	if path == "" {
		return nil, fmt.Errorf("ledger path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create ledger directory: %w", err)
	}
	return &File{path: path}, nil
}

// DefaultPath returns the ledger location under the user configuration directory.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "batchmpi", "ledger.yaml"), nil
}

func (f *File) Record(ctx context.Context, resource Resource) error {
	return f.update(func(resources []Resource) []Resource {
		resources = lo.Reject(resources, func(r Resource, _ int) bool { return r.Key() == resource.Key() })
		return append(resources, resource)
	})
}

func (f *File) Remove(ctx context.Context, kind Kind, id string) error {
	key := Resource{Kind: kind, ID: id}.Key()
	return f.update(func(resources []Resource) []Resource {
		return lo.Reject(resources, func(r Resource, _ int) bool { return r.Key() == key })
	})
}

func (f *File) List(ctx context.Context) ([]Resource, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	resources, err := f.read()
	if err != nil {
		return nil, err
	}
	Sort(resources)
	return resources, nil
}

func (f *File) update(fn func([]Resource) []Resource) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	resources, err := f.read()
	if err != nil {
		return err
	}
	resources = fn(resources)
	Sort(resources)

	buf, err := yaml.Marshal(fileDocument{Resources: resources})
	if err != nil {
		return fmt.Errorf("failed to encode ledger: %w", err)
	}

	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, buf, 0o600); err != nil {
		return fmt.Errorf("failed to write ledger: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("failed to write ledger: %w", err)
	}
	return nil
}

func (f *File) read() ([]Resource, error) {
	buf, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to read ledger: %w", err)
	}

	var doc fileDocument
	if err := yaml.Unmarshal(buf, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode ledger '%s': %w", f.path, err)
	}
	return doc.Resources, nil
}
