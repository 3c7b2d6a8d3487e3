package etcd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/gammadia/batchmpi/ledger"
	clientv3 "go.etcd.io/etcd/client/v3"
)

const DefaultPrefix = "/batchmpi/ledger/"

type Config struct {
	Endpoints   []string
	DialTimeout time.Duration
	// Key prefix shared by every recorded resource
	Prefix string
	Logger *slog.Logger
}

// Ledger stores resources in etcd, one key per resource.
type Ledger struct {
	kv     clientv3.KV
	close  func() error
	prefix string
	log    *slog.Logger
}

// Ledger implements ledger.Ledger
var _ ledger.Ledger = (*Ledger)(nil)

func New(config Config) (*Ledger, error) {
	if len(config.Endpoints) == 0 {
		return nil, fmt.Errorf("at least one etcd endpoint is required")
	}
	if config.DialTimeout == 0 {
		config.DialTimeout = 5 * time.Second
	}

	client, err := clientv3.New(clientv3.Config{
		Endpoints:   config.Endpoints,
		DialTimeout: config.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}

	l := newLedger(client, config)
	l.close = client.Close
	return l, nil
}

func newLedger(kv clientv3.KV, config Config) *Ledger {
	if config.Prefix == "" {
		config.Prefix = DefaultPrefix
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Ledger{
		kv:     kv,
		close:  func() error { return nil },
		prefix: config.Prefix,
		log:    config.Logger.With(slog.String("component", "ledger"), slog.String("ledger", "etcd")),
	}
}

func (l *Ledger) Close() error {
	return l.close()
}

func (l *Ledger) key(kind ledger.Kind, id string) string {
	return l.prefix + ledger.Resource{Kind: kind, ID: id}.Key()
}

func (l *Ledger) Record(ctx context.Context, resource ledger.Resource) error {
	buf, err := json.Marshal(resource)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", resource, err)
	}
	if _, err := l.kv.Put(ctx, l.key(resource.Kind, resource.ID), string(buf)); err != nil {
		return fmt.Errorf("failed to record %s: %w", resource, err)
	}
	return nil
}

func (l *Ledger) Remove(ctx context.Context, kind ledger.Kind, id string) error {
	if _, err := l.kv.Delete(ctx, l.key(kind, id)); err != nil {
		return fmt.Errorf("failed to remove %s '%s': %w", kind, id, err)
	}
	return nil
}

func (l *Ledger) List(ctx context.Context) ([]ledger.Resource, error) {
	resp, err := l.kv.Get(ctx, l.prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("failed to list ledger: %w", err)
	}

	resources := make([]ledger.Resource, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var resource ledger.Resource
		if err := json.Unmarshal(kv.Value, &resource); err != nil {
			l.log.Warn("Skipping unreadable ledger entry", "key", string(kv.Key), "error", err)
			continue
		}
		resources = append(resources, resource)
	}

	ledger.Sort(resources)
	return resources, nil
}
