package blob

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"
)

var (
	ErrNotFound  = errors.New("blob not found")
	ErrForbidden = errors.New("signed url does not grant this operation")
)

// Permissions granted by a signed URL.
type Permissions struct {
	Read   bool
	Write  bool
	List   bool
	Delete bool
}

var (
	ReadList = Permissions{Read: true, List: true}
	Read     = Permissions{Read: true}
	Write    = Permissions{Write: true}
)

// String returns the permissions in signed URL notation, e.g. "rl".
func (p Permissions) String() string {
	var sb strings.Builder
	if p.Read {
		sb.WriteByte('r')
	}
	if p.Write {
		sb.WriteByte('w')
	}
	if p.Delete {
		sb.WriteByte('d')
	}
	if p.List {
		sb.WriteByte('l')
	}
	return sb.String()
}

func ParsePermissions(s string) Permissions {
	return Permissions{
		Read:   strings.ContainsRune(s, 'r'),
		Write:  strings.ContainsRune(s, 'w'),
		Delete: strings.ContainsRune(s, 'd'),
		List:   strings.ContainsRune(s, 'l'),
	}
}

// Store is a blob storage account holding named containers.
type Store interface {
	// CreateContainer creates a private container. It succeeds if the container already exists.
	CreateContainer(ctx context.Context, container string) error
	// DeleteContainer removes a container and its blobs, wrapping ErrNotFound if there is none.
	DeleteContainer(ctx context.Context, container string) error

	// ContainerURL returns a signed URL to a container, valid for expiry.
	ContainerURL(ctx context.Context, container string, perms Permissions, expiry time.Duration) (string, error)
	// BlobURL returns a signed URL to a single blob, valid for expiry.
	BlobURL(ctx context.Context, container, name string, perms Permissions, expiry time.Duration) (string, error)

	Put(ctx context.Context, container, name string, r io.Reader) error
	Get(ctx context.Context, container, name string) (io.ReadCloser, error)
	List(ctx context.Context, container, prefix string) ([]string, error)

	URLStore
}

// URLStore accesses blobs through signed URLs only, the way compute nodes do.
type URLStore interface {
	// OpenURL reads the blob behind a signed blob URL.
	OpenURL(ctx context.Context, blobURL string) (io.ReadCloser, error)
	// ListURL lists the blobs behind a signed container URL.
	ListURL(ctx context.Context, containerURL, prefix string) ([]string, error)
	// OpenInContainerURL reads a blob through a signed container URL.
	OpenInContainerURL(ctx context.Context, containerURL, name string) (io.ReadCloser, error)
	// PutURL writes a blob through a signed container URL.
	PutURL(ctx context.Context, containerURL, name string, r io.Reader) error
}
