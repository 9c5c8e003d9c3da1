package client

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRefreshInterval(t *testing.T) {
	assert.Equal(t, time.Second, refreshInterval(3))
	assert.Equal(t, 10*time.Second, refreshInterval(30))
	assert.Equal(t, minRefreshInterval, refreshInterval(1))
}

func TestLeaseExpiry(t *testing.T) {
	cli, _ := setupPlainTestEnv(t)

	lease, err := cli.GrantLease(5)
	require.NoError(t, err)
	assert.Equal(t, int64(5), lease.GrantedTTL)

	_, err = cli.PutKeyWithLease("expiring", "value", lease.ID)
	require.NoError(t, err)

	lease.KeepAlive()
	time.Sleep(3 * time.Second)

	info, err := cli.GetKey("expiring", GetKeyOptions{})
	require.NoError(t, err)
	assert.True(t, info.Found(), "Expected the key to survive while its lease is kept alive")
	assert.Equal(t, lease.ID, info.Lease)
	assert.GreaterOrEqual(t, testutil.ToFloat64(cli.Metrics().LeaseRefreshes.WithLabelValues("success")), float64(1))

	lease.StopKeepAlive()
	select {
	case ev := <-cli.Leases().Expired():
		assert.Equal(t, lease.ID, ev.Lease)
	case <-time.After(8 * time.Second):
		t.Fatal("Expected the lease expiry to be reported")
	}

	<-lease.Done()
	assert.ErrorIs(t, lease.Err(), ErrLeaseExpired)

	info, err = cli.GetKey("expiring", GetKeyOptions{})
	require.NoError(t, err)
	assert.False(t, info.Found(), "Expected the key to be deleted along with its lease")

	select {
	case ev := <-cli.Leases().Expired():
		t.Fatalf("Lease expiry reported more than once: %v", ev)
	case <-time.After(time.Second):
	}
	assert.Equal(t, float64(1), testutil.ToFloat64(cli.Metrics().LeaseExpirations))

	_, tracked := cli.Leases().Get(lease.ID)
	assert.False(t, tracked)
}

func TestLeaseKeepAlive(t *testing.T) {
	cli, _ := setupPlainTestEnv(t)

	lease, err := cli.GrantLease(1)
	require.NoError(t, err)
	lease.KeepAlive()

	_, err = cli.PutKeyWithLease("kept", "value", lease.ID)
	require.NoError(t, err)

	time.Sleep(2500 * time.Millisecond)

	info, err := cli.GetLeaseInfo(lease.ID, false)
	require.NoError(t, err)
	assert.True(t, info.Found())
	assert.NoError(t, lease.Err())
	assert.True(t, lease.Deadline().After(time.Now()))

	key, err := cli.GetKey("kept", GetKeyOptions{})
	require.NoError(t, err)
	assert.True(t, key.Found())
}

func TestLeaseRevoke(t *testing.T) {
	cli, _ := setupPlainTestEnv(t)

	lease, err := cli.GrantLease(30)
	require.NoError(t, err)
	lease.KeepAlive()

	_, err = cli.PutKeyWithLease("revoked/a", "value", lease.ID)
	require.NoError(t, err)
	_, err = cli.PutKeyWithLease("revoked/b", "value", lease.ID)
	require.NoError(t, err)

	require.NoError(t, lease.Revoke())
	<-lease.Done()
	assert.NoError(t, lease.Err(), "A revoked lease should not be reported as expired")

	keys, err := cli.GetPrefix("revoked/")
	require.NoError(t, err)
	assert.Len(t, keys.Keys, 0)

	select {
	case ev := <-cli.Leases().Expired():
		t.Fatalf("Revoked lease reported as expired: %v", ev)
	case <-time.After(500 * time.Millisecond):
	}

	err = cli.RevokeLease(lease.ID)
	assert.ErrorIs(t, err, ErrLeaseExpired, "Revoking a lease twice should report it gone")
}

func TestGetLeaseInfo(t *testing.T) {
	cli, _ := setupPlainTestEnv(t)

	lease, err := cli.GrantLease(10)
	require.NoError(t, err)
	defer lease.Release()

	_, err = cli.PutKeyWithLease("b", "value", lease.ID)
	require.NoError(t, err)
	_, err = cli.PutKeyWithLease("a", "value", lease.ID)
	require.NoError(t, err)

	info, err := cli.GetLeaseInfo(lease.ID, true)
	require.NoError(t, err)
	assert.True(t, info.Found())
	assert.Equal(t, int64(10), info.GrantedTTL)
	assert.LessOrEqual(t, info.TTL, int64(10))
	assert.Greater(t, info.TTL, int64(0))
	assert.Equal(t, []string{"a", "b"}, info.Keys)

	ttl, err := cli.KeepAliveLeaseOnce(lease.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), ttl)

	leases, err := cli.ListLeases()
	require.NoError(t, err)
	assert.Contains(t, leases, lease.ID)

	info, err = cli.GetLeaseInfo(424242, false)
	require.NoError(t, err, "A missing lease should not be an error")
	assert.False(t, info.Found())

	_, err = cli.KeepAliveLeaseOnce(424242)
	assert.ErrorIs(t, err, ErrLeaseExpired)
}

func TestKeepAliveForeignLease(t *testing.T) {
	cli, env := setupPlainTestEnv(t)
	other := env.connect(t, env.options(2*time.Second, 5))

	granted, err := other.GrantLease(1)
	require.NoError(t, err)
	granted.Release()

	lease, err := cli.KeepAliveLease(granted.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), lease.GrantedTTL)

	same, err := cli.KeepAliveLease(granted.ID)
	require.NoError(t, err)
	assert.Same(t, lease, same)

	time.Sleep(2 * time.Second)
	info, err := other.GetLeaseInfo(granted.ID, false)
	require.NoError(t, err)
	assert.True(t, info.Found(), "Expected the lease to be kept alive by the other client")

	_, err = cli.KeepAliveLease(424242)
	assert.ErrorIs(t, err, ErrLeaseExpired)
}

func TestLeaseClientClose(t *testing.T) {
	cli, _ := setupPlainTestEnv(t)

	lease, err := cli.GrantLease(30)
	require.NoError(t, err)
	lease.KeepAlive()

	require.NoError(t, cli.Close())

	select {
	case <-lease.Done():
	case <-time.After(time.Second):
		t.Fatal("Expected the lease to stop being tracked when the client is closed")
	}
	assert.ErrorIs(t, lease.Err(), ErrClientClosed)
}
