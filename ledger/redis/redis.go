package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/gammadia/batchmpi/ledger"
	"github.com/redis/go-redis/v9"
)

const DefaultKey = "batchmpi:ledger"

type Config struct {
	Addr     string
	Password string
	DB       int
	// Hash holding one field per recorded resource
	Key    string
	Logger *slog.Logger
}

type hashClient interface {
	HSet(ctx context.Context, key string, values ...any) *redis.IntCmd
	HDel(ctx context.Context, key string, fields ...string) *redis.IntCmd
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
}

// Ledger stores resources as the fields of a single redis hash.
type Ledger struct {
	client hashClient
	close  func() error
	key    string
	log    *slog.Logger
}

// Ledger implements ledger.Ledger
var _ ledger.Ledger = (*Ledger)(nil)

func New(ctx context.Context, config Config) (*Ledger, error) {
	if config.Addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at '%s': %w", config.Addr, err)
	}

	l := newLedger(client, config)
	l.close = client.Close
	return l, nil
}

func newLedger(client hashClient, config Config) *Ledger {
	if config.Key == "" {
		config.Key = DefaultKey
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Ledger{
		client: client,
		close:  func() error { return nil },
		key:    config.Key,
		log:    config.Logger.With(slog.String("component", "ledger"), slog.String("ledger", "redis")),
	}
}

func (l *Ledger) Close() error {
	return l.close()
}

func (l *Ledger) Record(ctx context.Context, resource ledger.Resource) error {
	buf, err := json.Marshal(resource)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", resource, err)
	}
	if err := l.client.HSet(ctx, l.key, resource.Key(), string(buf)).Err(); err != nil {
		return fmt.Errorf("failed to record %s: %w", resource, err)
	}
	return nil
}

func (l *Ledger) Remove(ctx context.Context, kind ledger.Kind, id string) error {
	field := ledger.Resource{Kind: kind, ID: id}.Key()
	if err := l.client.HDel(ctx, l.key, field).Err(); err != nil {
		return fmt.Errorf("failed to remove %s '%s': %w", kind, id, err)
	}
	return nil
}

func (l *Ledger) List(ctx context.Context) ([]ledger.Resource, error) {
	fields, err := l.client.HGetAll(ctx, l.key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list ledger: %w", err)
	}

	resources := make([]ledger.Resource, 0, len(fields))
	for field, value := range fields {
		var resource ledger.Resource
		if err := json.Unmarshal([]byte(value), &resource); err != nil {
			l.log.Warn("Skipping unreadable ledger entry", "field", field, "error", err)
			continue
		}
		resources = append(resources, resource)
	}

	ledger.Sort(resources)
	return resources, nil
}
