package client

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clientv3 "go.etcd.io/etcd/client/v3"
)

func TestKeyRanges(t *testing.T) {
	assert.True(t, KeyRangeForKey("a").IsSingleKey())
	assert.False(t, KeyRangeForPrefix("a").IsSingleKey())
	assert.Equal(t, KeyRange{Key: "/a/", RangeEnd: "/a0"}, KeyRangeForPrefix("/a/"))
	assert.Equal(t, KeyRangeAll(), KeyRangeForPrefix(""))
}

func TestGetKeyRange(t *testing.T) {
	cli, _ := setupPlainTestEnv(t)

	for _, key := range []string{"a", "b", "c", "d"} {
		_, err := cli.PutKey(key, key+"v")
		require.NoError(t, err)
	}

	info, err := cli.GetKeyRange(KeyRangeWithEnd("b", "d"), GetKeyRangeOptions{})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"b": "bv", "c": "cv"}, info.Keys.ToValueMap(""))
	assert.Equal(t, int64(2), info.Count)
	assert.False(t, info.More)

	info, err = cli.GetKeyRange(KeyRangeAll(), GetKeyRangeOptions{Limit: 3})
	require.NoError(t, err)
	assert.Len(t, info.Keys, 3)
	assert.Equal(t, int64(4), info.Count)
	assert.True(t, info.More)

	info, err = cli.GetKeyRange(KeyRangeAll(), GetKeyRangeOptions{KeysOnly: true})
	require.NoError(t, err)
	assert.Len(t, info.Keys, 4)
	assert.Equal(t, "", info.Keys["a"].Value)

	info, err = cli.GetKeyRange(KeyRangeAll(), GetKeyRangeOptions{CountOnly: true})
	require.NoError(t, err)
	assert.Len(t, info.Keys, 0)
	assert.Equal(t, int64(4), info.Count)

	deleted, err := cli.DeleteAll()
	require.NoError(t, err)
	assert.Equal(t, int64(4), deleted)

	info, err = cli.GetKeyRange(KeyRangeAll(), GetKeyRangeOptions{})
	require.NoError(t, err)
	assert.Len(t, info.Keys, 0)
}

func TestTransaction(t *testing.T) {
	cli, _ := setupPlainTestEnv(t)

	rev, err := cli.PutKey("counter", "1")
	require.NoError(t, err)

	res, err := cli.Transaction(
		[]clientv3.Cmp{KeyValueIsCmp("counter", "=", "1"), KeyModRevisionIsCmp("counter", "=", rev)},
		[]TxOp{TxPut("counter", "2"), TxGet(KeyRangeForKey("counter"))},
		[]TxOp{TxGet(KeyRangeForKey("counter"))},
	)
	require.NoError(t, err)
	assert.True(t, res.Succeeded)
	require.Len(t, res.Results, 2)
	assert.Equal(t, TxOpPut, res.Results[0].Type)
	assert.Equal(t, "2", res.Results[1].Keys["counter"].Value)
	assert.Equal(t, res.Revision, res.Results[1].Keys["counter"].ModRevision)

	before, err := cli.GetKeyRange(KeyRangeAll(), GetKeyRangeOptions{})
	require.NoError(t, err)

	res, err = cli.Transaction(
		[]clientv3.Cmp{KeyValueIsCmp("counter", "=", "1")},
		[]TxOp{TxPut("counter", "3"), TxDelete(KeyRangeForKey("other"))},
		[]TxOp{TxGet(KeyRangeForKey("counter"))},
	)
	require.NoError(t, err)
	assert.False(t, res.Succeeded)
	require.Len(t, res.Results, 1)
	assert.Equal(t, "2", res.Results[0].Keys["counter"].Value)

	after, err := cli.GetKeyRange(KeyRangeAll(), GetKeyRangeOptions{})
	require.NoError(t, err)
	assert.Equal(t, before.Keys, after.Keys, "A failed comparison with an empty failure branch should leave the store unchanged")
}

func TestTransactionPresence(t *testing.T) {
	cli, _ := setupPlainTestEnv(t)

	res, err := cli.Transaction(
		[]clientv3.Cmp{KeyIsPresent("once", false)},
		[]TxOp{TxPut("once", "first")},
		[]TxOp{},
	)
	require.NoError(t, err)
	assert.True(t, res.Succeeded)

	res, err = cli.Transaction(
		[]clientv3.Cmp{KeyIsPresent("once", false)},
		[]TxOp{TxPut("once", "second")},
		[]TxOp{},
	)
	require.NoError(t, err)
	assert.False(t, res.Succeeded)

	res, err = cli.Transaction(
		[]clientv3.Cmp{KeyIsPresent("once", true), KeyVersionIsCmp("once", "=", 1)},
		[]TxOp{TxDelete(KeyRangeForKey("once"))},
		[]TxOp{},
	)
	require.NoError(t, err)
	assert.True(t, res.Succeeded)
	assert.Equal(t, int64(1), res.Results[0].Deleted)

	info, err := cli.GetKey("once", GetKeyOptions{})
	require.NoError(t, err)
	assert.False(t, info.Found())
}
