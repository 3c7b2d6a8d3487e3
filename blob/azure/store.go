package azure

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/storage"
	"github.com/Azure/go-autorest/autorest/azure"
	"github.com/gammadia/batchmpi/blob"
	"github.com/gammadia/batchmpi/retry"
)

type Config struct {
	AccountName string
	AccountKey  string
	// Cloud is the Azure environment name, AzurePublicCloud when empty.
	Cloud  string
	Retry  retry.Policy
	Logger *slog.Logger
}

// Store is a blob.Store backed by an Azure storage account.
type Store struct {
	blobs storage.BlobStorageClient
	retry retry.Policy
	log   *slog.Logger
}

// Store implements blob.Store
var _ blob.Store = (*Store)(nil)

func New(config Config) (*Store, error) {
	if config.AccountName == "" || config.AccountKey == "" {
		return nil, fmt.Errorf("storage account name and key are required")
	}

	cloud := config.Cloud
	if cloud == "" {
		cloud = azure.PublicCloud.Name
	}
	env, err := azure.EnvironmentFromName(cloud)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve azure environment: %w", err)
	}

	client, err := storage.NewBasicClientOnSovereignCloud(config.AccountName, config.AccountKey, env)
	if err != nil {
		return nil, fmt.Errorf("failed to init storage client: %w", err)
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	policy := config.Retry
	policy.Retryable = IsTransient

	return &Store{
		blobs: client.GetBlobService(),
		retry: policy,
		log:   logger.With("component", "blob"),
	}, nil
}

func (s *Store) do(ctx context.Context, fn func() error) error {
	return s.retry.Do(ctx, fn)
}

func (s *Store) CreateContainer(ctx context.Context, name string) error {
	container := s.blobs.GetContainerReference(name)
	err := s.do(ctx, func() error {
		_, err := container.CreateIfNotExists(&storage.CreateContainerOptions{Access: storage.ContainerAccessTypePrivate})
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to create container '%s': %w", name, translate(err))
	}
	s.log.Debug("Created container", "container", name)
	return nil
}

func (s *Store) DeleteContainer(ctx context.Context, name string) error {
	container := s.blobs.GetContainerReference(name)
	if err := s.do(ctx, func() error { return container.Delete(nil) }); err != nil {
		return fmt.Errorf("failed to delete container '%s': %w", name, translate(err))
	}
	s.log.Debug("Deleted container", "container", name)
	return nil
}

func sasOptions(expiry time.Duration, now time.Time) storage.SASOptions {
	return storage.SASOptions{
		// Tolerate clock skew between us and the storage service.
		Start:    now.Add(-5 * time.Minute),
		Expiry:   now.Add(expiry),
		UseHTTPS: true,
	}
}

func blobPermissions(perms blob.Permissions) storage.BlobServiceSASPermissions {
	return storage.BlobServiceSASPermissions{
		Read:   perms.Read,
		Create: perms.Write,
		Write:  perms.Write,
		Delete: perms.Delete,
	}
}

func (s *Store) ContainerURL(_ context.Context, name string, perms blob.Permissions, expiry time.Duration) (string, error) {
	container := s.blobs.GetContainerReference(name)
	uri, err := container.GetSASURI(storage.ContainerSASOptions{
		ContainerSASPermissions: storage.ContainerSASPermissions{
			BlobServiceSASPermissions: blobPermissions(perms),
			List:                      perms.List,
		},
		SASOptions: sasOptions(expiry, time.Now()),
	})
	if err != nil {
		return "", fmt.Errorf("failed to sign container '%s': %w", name, err)
	}
	return uri, nil
}

func (s *Store) BlobURL(_ context.Context, container, name string, perms blob.Permissions, expiry time.Duration) (string, error) {
	b := s.blobs.GetContainerReference(container).GetBlobReference(name)
	uri, err := b.GetSASURI(storage.BlobSASOptions{
		BlobServiceSASPermissions: blobPermissions(perms),
		SASOptions:                sasOptions(expiry, time.Now()),
	})
	if err != nil {
		return "", fmt.Errorf("failed to sign blob '%s/%s': %w", container, name, err)
	}
	return uri, nil
}

func (s *Store) Put(ctx context.Context, container, name string, r io.Reader) error {
	return s.put(ctx, s.blobs.GetContainerReference(container), name, r)
}

func (s *Store) put(ctx context.Context, container *storage.Container, name string, r io.Reader) error {
	// Buffered so that a failed attempt can be replayed.
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("failed to read blob content: %w", err)
	}

	b := container.GetBlobReference(name)
	err = s.do(ctx, func() error {
		return b.CreateBlockBlobFromReader(bytes.NewReader(data), nil)
	})
	if err != nil {
		return fmt.Errorf("failed to upload blob '%s/%s': %w", container.Name, name, translate(err))
	}
	s.log.Debug("Uploaded blob", "container", container.Name, "blob", name, "size", len(data))
	return nil
}

func (s *Store) Get(ctx context.Context, container, name string) (io.ReadCloser, error) {
	return s.get(ctx, s.blobs.GetContainerReference(container), name)
}

func (s *Store) get(ctx context.Context, container *storage.Container, name string) (io.ReadCloser, error) {
	b := container.GetBlobReference(name)
	rc, err := retry.DoResult(ctx, s.retry, func() (io.ReadCloser, error) {
		return b.Get(nil)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to download blob '%s/%s': %w", container.Name, name, translate(err))
	}
	return rc, nil
}

func (s *Store) List(ctx context.Context, container, prefix string) ([]string, error) {
	return s.list(ctx, s.blobs.GetContainerReference(container), prefix)
}

func (s *Store) list(ctx context.Context, container *storage.Container, prefix string) ([]string, error) {
	var names []string
	params := storage.ListBlobsParameters{Prefix: prefix}
	for {
		response, err := retry.DoResult(ctx, s.retry, func() (storage.BlobListResponse, error) {
			return container.ListBlobs(params)
		})
		if err != nil {
			return nil, fmt.Errorf("failed to list container '%s': %w", container.Name, translate(err))
		}
		for _, b := range response.Blobs {
			names = append(names, b.Name)
		}
		if response.NextMarker == "" {
			return names, nil
		}
		params.Marker = response.NextMarker
	}
}

// fromSASURL returns the container behind a signed container or blob URL, and
// the blob name when the URL designates a blob.
func fromSASURL(rawURL string) (*storage.Container, string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, "", fmt.Errorf("invalid url: %w", err)
	}

	containerName, blobName, _ := strings.Cut(strings.TrimPrefix(u.Path, "/"), "/")
	if containerName == "" {
		return nil, "", fmt.Errorf("url '%s' has no container", u.Host)
	}
	containerURL := *u
	containerURL.Path = "/" + containerName

	container, err := storage.GetContainerReferenceFromSASURI(containerURL)
	if err != nil {
		return nil, "", fmt.Errorf("invalid signed url: %w", err)
	}
	return container, blobName, nil
}

func (s *Store) OpenURL(ctx context.Context, blobURL string) (io.ReadCloser, error) {
	container, name, err := fromSASURL(blobURL)
	if err != nil {
		return nil, err
	}
	if name == "" {
		return nil, fmt.Errorf("url designates a container, not a blob")
	}
	return s.get(ctx, container, name)
}

func (s *Store) ListURL(ctx context.Context, containerURL, prefix string) ([]string, error) {
	container, _, err := fromSASURL(containerURL)
	if err != nil {
		return nil, err
	}
	return s.list(ctx, container, prefix)
}

func (s *Store) OpenInContainerURL(ctx context.Context, containerURL, name string) (io.ReadCloser, error) {
	container, _, err := fromSASURL(containerURL)
	if err != nil {
		return nil, err
	}
	return s.get(ctx, container, name)
}

func (s *Store) PutURL(ctx context.Context, containerURL, name string, r io.Reader) error {
	container, _, err := fromSASURL(containerURL)
	if err != nil {
		return err
	}
	return s.put(ctx, container, name, r)
}

func statusCode(err error) (int, bool) {
	var serviceErr storage.AzureStorageServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr.StatusCode, true
	}
	var serviceErrPtr *storage.AzureStorageServiceError
	if errors.As(err, &serviceErrPtr) {
		return serviceErrPtr.StatusCode, true
	}
	var unexpected storage.UnexpectedStatusCodeError
	if errors.As(err, &unexpected) {
		return unexpected.Got(), true
	}
	var unexpectedPtr *storage.UnexpectedStatusCodeError
	if errors.As(err, &unexpectedPtr) {
		return unexpectedPtr.Got(), true
	}
	return 0, false
}

// IsTransient reports whether a storage call failure is worth retrying:
// throttling, server errors and failures to reach the service at all.
func IsTransient(err error) bool {
	code, ok := statusCode(err)
	if !ok {
		return true
	}
	return code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
}

func translate(err error) error {
	code, _ := statusCode(err)
	switch code {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %v", blob.ErrNotFound, err)
	case http.StatusForbidden:
		return fmt.Errorf("%w: %v", blob.ErrForbidden, err)
	default:
		return err
	}
}
