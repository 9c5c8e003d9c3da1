package testutils

import (
	"testing"
	"time"

	pb "go.etcd.io/etcd/api/v3/etcdserverpb"
	"go.etcd.io/etcd/api/v3/mvccpb"
	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func put(t *testing.T, store *Store, key string, val string) int64 {
	resp, err := store.Put(&pb.PutRequest{Key: []byte(key), Value: []byte(val)})
	require.NoError(t, err)
	return resp.Header.Revision
}

func TestStoreRevisions(t *testing.T) {
	store := NewStore()

	rev1 := put(t, store, "a", "1")
	rev2 := put(t, store, "a", "2")
	assert.Equal(t, rev1+1, rev2)

	resp, err := store.Range(&pb.RangeRequest{Key: []byte("a"), Revision: rev1})
	require.NoError(t, err)
	require.Len(t, resp.Kvs, 1)
	assert.Equal(t, "1", string(resp.Kvs[0].Value))
	assert.Equal(t, int64(1), resp.Kvs[0].Version)

	resp, err = store.Range(&pb.RangeRequest{Key: []byte("a")})
	require.NoError(t, err)
	require.Len(t, resp.Kvs, 1)
	assert.Equal(t, "2", string(resp.Kvs[0].Value))
	assert.Equal(t, int64(2), resp.Kvs[0].Version)
	assert.Equal(t, rev1, resp.Kvs[0].CreateRevision)
	assert.Equal(t, rev2, resp.Kvs[0].ModRevision)

	_, err = store.Range(&pb.RangeRequest{Key: []byte("a"), Revision: rev2 + 10})
	assert.ErrorIs(t, err, rpctypes.ErrGRPCFutureRev)
}

func TestStoreCompaction(t *testing.T) {
	store := NewStore()

	rev1 := put(t, store, "a", "1")
	put(t, store, "b", "1")
	rev3 := put(t, store, "a", "2")

	_, err := store.Compact(&pb.CompactionRequest{Revision: rev3})
	require.NoError(t, err)

	_, err = store.Range(&pb.RangeRequest{Key: []byte("a"), Revision: rev1})
	assert.ErrorIs(t, err, rpctypes.ErrGRPCCompacted)

	resp, err := store.Range(&pb.RangeRequest{Key: []byte("b"), Revision: rev3})
	require.NoError(t, err)
	assert.Len(t, resp.Kvs, 1)

	_, compacted := store.EventsSince(rev1, []byte("a"), nil)
	assert.Equal(t, rev3, compacted)

	events, compacted := store.EventsSince(rev3, []byte("a"), nil)
	assert.Equal(t, int64(0), compacted)
	require.Len(t, events, 1)
	assert.Equal(t, "2", string(events[0].Kv.Value))
}

func TestStoreTxn(t *testing.T) {
	store := NewStore()
	put(t, store, "a", "1")

	resp, err := store.Txn(&pb.TxnRequest{
		Compare: []*pb.Compare{{
			Key:         []byte("a"),
			Target:      pb.Compare_VALUE,
			Result:      pb.Compare_EQUAL,
			TargetUnion: &pb.Compare_Value{Value: []byte("other")},
		}},
		Success: []*pb.RequestOp{{Request: &pb.RequestOp_RequestPut{RequestPut: &pb.PutRequest{Key: []byte("b"), Value: []byte("1")}}}},
		Failure: []*pb.RequestOp{{Request: &pb.RequestOp_RequestRange{RequestRange: &pb.RangeRequest{Key: []byte("a")}}}},
	})
	require.NoError(t, err)
	assert.False(t, resp.Succeeded)
	require.Len(t, resp.Responses, 1)
	assert.Equal(t, "1", string(resp.Responses[0].GetResponseRange().Kvs[0].Value))

	rangeResp, err := store.Range(&pb.RangeRequest{Key: []byte("b")})
	require.NoError(t, err)
	assert.Len(t, rangeResp.Kvs, 0)
}

func TestStoreLeaseExpiry(t *testing.T) {
	store := NewStore()
	now := time.Now()
	store.now = func() time.Time { return now }

	grant, err := store.Grant(&pb.LeaseGrantRequest{TTL: 5})
	require.NoError(t, err)
	_, err = store.Put(&pb.PutRequest{Key: []byte("leased"), Value: []byte("1"), Lease: grant.ID})
	require.NoError(t, err)

	now = now.Add(4 * time.Second)
	assert.Empty(t, store.ExpireLeases())
	keepAlive := store.KeepAlive(&pb.LeaseKeepAliveRequest{ID: grant.ID})
	assert.Equal(t, int64(5), keepAlive.TTL)

	now = now.Add(4 * time.Second)
	assert.Empty(t, store.ExpireLeases())

	now = now.Add(2 * time.Second)
	assert.Equal(t, []int64{grant.ID}, store.ExpireLeases())

	rangeResp, err := store.Range(&pb.RangeRequest{Key: []byte("leased")})
	require.NoError(t, err)
	assert.Len(t, rangeResp.Kvs, 0)

	events, _ := store.EventsSince(1, []byte("leased"), nil)
	require.Len(t, events, 2)
	assert.Equal(t, mvccpb.DELETE, events[1].Type)

	ttl, err := store.TimeToLive(&pb.LeaseTimeToLiveRequest{ID: grant.ID})
	require.NoError(t, err)
	assert.Equal(t, int64(-1), ttl.TTL)
	assert.Equal(t, int64(0), store.KeepAlive(&pb.LeaseKeepAliveRequest{ID: grant.ID}).TTL)

	_, err = store.Revoke(&pb.LeaseRevokeRequest{ID: grant.ID})
	assert.ErrorIs(t, err, rpctypes.ErrGRPCLeaseNotFound)
}
