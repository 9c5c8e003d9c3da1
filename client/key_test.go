package client

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetKey(t *testing.T) {
	cli, _ := setupTestEnv(t, 5*time.Second, 10)

	rev1, err1 := cli.PutKey("test", "testv1")
	require.NoError(t, err1)

	rev2, err2 := cli.PutKey("test", "testv2")
	require.NoError(t, err2)
	assert.Greater(t, rev2, rev1)

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go keepChangingLeaderInBackground(t, cli, done, &wg)

	for i := 0; i < 50; i++ {
		info, err := cli.GetKey("test", GetKeyOptions{Revision: rev1})
		require.NoError(t, err)
		assert.True(t, info.Found(), "Expected key to be found when getting a key at past revision")
		assert.Equal(t, "testv1", info.Value)
		assert.Equal(t, rev1, info.ModRevision)

		info, err = cli.GetKey("test", GetKeyOptions{Revision: rev2})
		require.NoError(t, err)
		assert.True(t, info.Found())
		assert.Equal(t, "testv2", info.Value)
		assert.Equal(t, int64(2), info.Version)
		assert.Equal(t, rev1, info.CreateRevision)

		info, err = cli.GetKey("test", GetKeyOptions{})
		require.NoError(t, err)
		assert.Equal(t, "testv2", info.Value)

		info, err = cli.GetKey("does-not-exist", GetKeyOptions{})
		require.NoError(t, err, "Getting an absent key should not be an error")
		assert.False(t, info.Found())
	}

	close(done)
	wg.Wait()
	teardownTestEnv(t, cli)
}

func TestPutKey(t *testing.T) {
	cli, _ := setupTestEnv(t, 5*time.Second, 10)

	lastRev := int64(0)
	for i := 0; i < 50; i++ {
		rev, err := cli.PutKey("test", "testv1")
		require.NoError(t, err)
		assert.Greater(t, rev, lastRev, "Revisions of successive writes should increase")
		lastRev = rev

		info, err := cli.GetKey("test", GetKeyOptions{})
		require.NoError(t, err)
		assert.Equal(t, "testv1", info.Value)
		assert.Equal(t, rev, info.ModRevision)

		res, err := cli.PutKeyWithOptions("test", "testv2", PutKeyOptions{PrevKv: true})
		require.NoError(t, err)
		assert.Equal(t, "testv1", res.PrevKv.Value)
		lastRev = res.Revision

		info, err = cli.GetKey("test", GetKeyOptions{})
		require.NoError(t, err)
		assert.Equal(t, "testv2", info.Value)
	}

	teardownTestEnv(t, cli)
}

func TestDeleteKey(t *testing.T) {
	cli, _ := setupTestEnv(t, 5*time.Second, 10)

	for i := 0; i < 20; i++ {
		_, err := cli.PutKey("test", "testv1")
		require.NoError(t, err)

		deleted, err := cli.DeleteKey("test")
		require.NoError(t, err)
		assert.True(t, deleted)

		info, err := cli.GetKey("test", GetKeyOptions{})
		require.NoError(t, err)
		assert.False(t, info.Found(), "Expected key to be missing after deleting it")

		deleted, err = cli.DeleteKey("test")
		require.NoError(t, err)
		assert.False(t, deleted, "Deleting an absent key should report that nothing was deleted")
	}

	teardownTestEnv(t, cli)
}

func TestGetKeyCompacted(t *testing.T) {
	cli, _ := setupPlainTestEnv(t)

	rev1, err := cli.PutKey("test", "testv1")
	require.NoError(t, err)
	rev2, err := cli.PutKey("test", "testv2")
	require.NoError(t, err)

	require.NoError(t, cli.Compact(rev2, true))

	_, err = cli.GetKey("test", GetKeyOptions{Revision: rev1})
	assert.ErrorIs(t, err, ErrRevisionCompacted)

	_, err = cli.GetKeyRange(KeyRangeForKey("test"), GetKeyRangeOptions{Revision: rev1})
	assert.ErrorIs(t, err, ErrRevisionCompacted)

	info, err := cli.GetKey("test", GetKeyOptions{Revision: rev2})
	require.NoError(t, err)
	assert.Equal(t, "testv2", info.Value)
}

func TestPutKeyWithUnknownLease(t *testing.T) {
	cli, _ := setupPlainTestEnv(t)

	_, err := cli.PutKeyWithLease("test", "testv1", 12345)
	assert.ErrorIs(t, err, ErrLeaseExpired)
}

func TestRequestTimeout(t *testing.T) {
	cli, env := setupPlainTestEnv(t)
	for _, member := range env.cluster.Members() {
		member.Stop()
	}

	start := time.Now()
	_, err := cli.PutKey("test", "testv1")
	require.Error(t, err)
	assert.True(t, errorIsOneOf(err, ErrDeadlineExceeded, ErrConnectionLost), "Unexpected error: %s", err)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestRequestConnectionLostMidCall(t *testing.T) {
	cli, env := setupPlainTestEnv(t)

	_, err := cli.PutKey("test", "testv1")
	require.NoError(t, err)
	before := cli.SessionGeneration()

	entered := make(chan struct{}, 1)
	env.cluster.SetRequestHook(func(ctx context.Context, method string) {
		if method != "/etcdserverpb.KV/Put" {
			return
		}
		select {
		case entered <- struct{}{}:
		default:
		}
		<-ctx.Done()
	})
	go func() {
		<-entered
		env.cluster.SetRequestHook(nil)
		env.cluster.DropConnections()
	}()

	_, err = cli.PutKey("test", "testv2")
	assert.ErrorIs(t, err, ErrConnectionLost)

	require.Eventually(t, func() bool {
		return cli.SessionGeneration() > before
	}, 5*time.Second, 20*time.Millisecond, "Expected a new session after the connection was severed")

	_, err = cli.PutKey("test", "testv3")
	require.NoError(t, err)
}

func TestRequestDeadlineKeepsSession(t *testing.T) {
	cli, env := setupPlainTestEnv(t)

	h := cli.Subscribe(SubscribeOptions{Range: KeyRangeForKey("test"), ProgressNotify: true})
	defer h.Cancel()
	waitProgress(t, cli, h)
	before := cli.SessionGeneration()

	env.cluster.SetRequestHook(func(ctx context.Context, method string) {
		if method != "/etcdserverpb.KV/Range" {
			return
		}
		select {
		case <-ctx.Done():
		case <-time.After(5 * time.Second):
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := cli.SetContext(ctx).GetKey("test", GetKeyOptions{})
	assert.ErrorIs(t, err, ErrDeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
	env.cluster.SetRequestHook(nil)

	assert.Equal(t, before, cli.SessionGeneration(), "A deadline should not end the session")

	rev, err := cli.PutKey("test", "testv1")
	require.NoError(t, err)
	events := collectEvents(t, h, 1, 5*time.Second)
	assert.Equal(t, rev, events[0].Revision)
	assert.Equal(t, float64(0), testutil.ToFloat64(cli.Metrics().WatchResubscriptions), "A deadline should not reopen the watch stream")
}
