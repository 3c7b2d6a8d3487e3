package ledger

import (
	"context"
	"fmt"
	"sort"
	"time"
)

type Kind string

const (
	KindContainer Kind = "container"
	KindPool      Kind = "pool"
	KindJob       Kind = "job"
)

func ParseKind(s string) (Kind, error) {
	switch kind := Kind(s); kind {
	case KindContainer, KindPool, KindJob:
		return kind, nil
	default:
		return "", fmt.Errorf("unknown resource kind '%s'", s)
	}
}

// Resource is a remote resource created by a run and not yet deleted.
type Resource struct {
	Kind Kind   `json:"kind" yaml:"kind"`
	ID   string `json:"id" yaml:"id"`
	// Run is the name of the job run that created the resource
	Run       string    `json:"run" yaml:"run"`
	Backend   string    `json:"backend" yaml:"backend"`
	CreatedAt time.Time `json:"created-at" yaml:"created-at"`
}

func (r Resource) Key() string {
	return string(r.Kind) + "/" + r.ID
}

func (r Resource) String() string {
	return fmt.Sprintf("%s '%s'", r.Kind, r.ID)
}

// Ledger keeps track of the resources a run created, so that an interrupted
// run can be cleaned up later.
type Ledger interface {
	// Record adds or replaces a resource.
	Record(ctx context.Context, resource Resource) error
	// Remove forgets a resource. Removing an unknown resource is not an error.
	Remove(ctx context.Context, kind Kind, id string) error
	// List returns every recorded resource, oldest first.
	List(ctx context.Context) ([]Resource, error)
}

// Sort orders resources by creation time, then by key.
func Sort(resources []Resource) {
	sort.SliceStable(resources, func(i, j int) bool {
		if !resources[i].CreatedAt.Equal(resources[j].CreatedAt) {
			return resources[i].CreatedAt.Before(resources[j].CreatedAt)
		}
		return resources[i].Key() < resources[j].Key()
	})
}

// Nop records nothing.
type Nop struct{}

// Nop implements Ledger
var _ Ledger = Nop{}

func (Nop) Record(context.Context, Resource) error     { return nil }
func (Nop) Remove(context.Context, Kind, string) error { return nil }
func (Nop) List(context.Context) ([]Resource, error)   { return nil, nil }
