package etcd

import (
	"context"
	"errors"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/gammadia/batchmpi/ledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// --- Mock KV ---

type mockKV struct {
	clientv3.KV
	data map[string]string
	err  error
}

func newMockKV() *mockKV {
	return &mockKV{data: map[string]string{}}
}

func (m *mockKV) Put(ctx context.Context, key, val string, opts ...clientv3.OpOption) (*clientv3.PutResponse, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.data[key] = val
	return &clientv3.PutResponse{}, nil
}

func (m *mockKV) Delete(ctx context.Context, key string, opts ...clientv3.OpOption) (*clientv3.DeleteResponse, error) {
	if m.err != nil {
		return nil, m.err
	}
	resp := &clientv3.DeleteResponse{}
	if _, found := m.data[key]; found {
		delete(m.data, key)
		resp.Deleted = 1
	}
	return resp, nil
}

// Get always behaves as a prefix query.
func (m *mockKV) Get(ctx context.Context, key string, opts ...clientv3.OpOption) (*clientv3.GetResponse, error) {
	if m.err != nil {
		return nil, m.err
	}
	var keys []string
	for k := range m.data {
		if strings.HasPrefix(k, key) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	resp := &clientv3.GetResponse{}
	for _, k := range keys {
		resp.Kvs = append(resp.Kvs, &mvccpb.KeyValue{Key: []byte(k), Value: []byte(m.data[k])})
	}
	return resp, nil
}

// --- Tests ---

func TestLedger(t *testing.T) {
	ctx := context.Background()
	kv := newMockKV()
	l := newLedger(kv, Config{})

	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	job := ledger.Resource{Kind: ledger.KindJob, ID: "pingpong-job", Run: "pingpong", Backend: "local", CreatedAt: now.Add(time.Second)}
	pool := ledger.Resource{Kind: ledger.KindPool, ID: "pingpong-pool", Run: "pingpong", Backend: "local", CreatedAt: now}

	require.NoError(t, l.Record(ctx, job))
	require.NoError(t, l.Record(ctx, pool))
	assert.Contains(t, kv.data, "/batchmpi/ledger/job/pingpong-job")
	assert.Contains(t, kv.data, "/batchmpi/ledger/pool/pingpong-pool")

	kv.data["/other/pool/x"] = `{"kind":"pool","id":"x"}`
	kv.data["/batchmpi/ledger/pool/garbage"] = "not json"

	resources, err := l.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []ledger.Resource{pool, job}, resources)

	require.NoError(t, l.Remove(ctx, ledger.KindJob, "pingpong-job"))
	assert.NotContains(t, kv.data, "/batchmpi/ledger/job/pingpong-job")
	assert.NoError(t, l.Close())
}

func TestLedgerErrors(t *testing.T) {
	ctx := context.Background()
	kv := newMockKV()
	kv.err = errors.New("etcdserver: request timed out")
	l := newLedger(kv, Config{Prefix: "/test/"})

	assert.ErrorContains(t, l.Record(ctx, ledger.Resource{Kind: ledger.KindPool, ID: "p"}), "failed to record pool 'p'")
	assert.ErrorContains(t, l.Remove(ctx, ledger.KindPool, "p"), "failed to remove pool 'p'")
	_, err := l.List(ctx)
	assert.ErrorContains(t, err, "failed to list ledger")
}

func TestNewRequiresEndpoints(t *testing.T) {
	_, err := New(Config{})
	assert.EqualError(t, err, "at least one etcd endpoint is required")
}
