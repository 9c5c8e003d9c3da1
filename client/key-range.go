package client

import (
	"context"
	"strings"
	"time"

	pb "go.etcd.io/etcd/api/v3/etcdserverpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"google.golang.org/grpc"
)

/*
Half-open range of keys [Key, RangeEnd).
An empty RangeEnd targets Key alone. A RangeEnd of "\x00" targets every key greater or equal to Key.
*/
type KeyRange struct {
	Key      string
	RangeEnd string
}

func KeyRangeForKey(key string) KeyRange {
	return KeyRange{Key: key}
}

func KeyRangeWithEnd(key string, rangeEnd string) KeyRange {
	return KeyRange{Key: key, RangeEnd: rangeEnd}
}

/*
Range covering every key starting with the prefix. An empty prefix covers all keys.
*/
func KeyRangeForPrefix(prefix string) KeyRange {
	if prefix == "" {
		return KeyRangeAll()
	}
	return KeyRange{Key: prefix, RangeEnd: clientv3.GetPrefixRangeEnd(prefix)}
}

func KeyRangeAll() KeyRange {
	return KeyRange{Key: "\x00", RangeEnd: "\x00"}
}

func (r KeyRange) IsSingleKey() bool {
	return r.RangeEnd == ""
}

func (r KeyRange) key() []byte {
	return []byte(r.Key)
}

func (r KeyRange) rangeEnd() []byte {
	if r.RangeEnd == "" {
		return nil
	}
	return []byte(r.RangeEnd)
}

type KeyInfoMap map[string]KeyInfo

/*
Returns the keys mapped to their values, with the given prefix trimmed from the keys
*/
func (m KeyInfoMap) ToValueMap(prefix string) map[string]string {
	result := make(map[string]string)
	for key, info := range m {
		result[strings.TrimPrefix(key, prefix)] = info.Value
	}
	return result
}

type GetKeyRangeOptions struct {
	//Read the range as of a past revision. 0 means the latest revision.
	Revision int64
	//Maximum number of keys to return. 0 means no limit.
	Limit int64
	//Omit the values
	KeysOnly bool
	//Only return the number of keys in the range
	CountOnly bool
}

type KeyRangeInfo struct {
	Keys KeyInfoMap
	//Revision of the store the range was read at
	Revision int64
	//Number of keys in the range, regardless of the limit
	Count int64
	//Whether more keys than the limit were in the range
	More bool
}

func (cli *EtcdClient) getKeyRangeWithRetries(keyRange KeyRange, opts GetKeyRangeOptions, retries uint64) (KeyRangeInfo, error) {
	ctx, cancel := cli.requestContext()
	defer cancel()

	info := KeyRangeInfo{Keys: KeyInfoMap(make(map[string]KeyInfo)), Revision: -1}

	var res *pb.RangeResponse
	err := cli.core.unary(ctx, "range", func(ctx context.Context, cc *grpc.ClientConn) error {
		var err error
		res, err = pb.NewKVClient(cc).Range(ctx, &pb.RangeRequest{
			Key:       keyRange.key(),
			RangeEnd:  keyRange.rangeEnd(),
			Revision:  opts.Revision,
			Limit:     opts.Limit,
			KeysOnly:  opts.KeysOnly,
			CountOnly: opts.CountOnly,
		})
		return err
	})
	if err != nil {
		if !shouldRetry(err, retries) {
			return info, err
		}

		time.Sleep(cli.RetryInterval)
		return cli.getKeyRangeWithRetries(keyRange, opts, retries-1)
	}

	for _, kv := range res.Kvs {
		keyInfo := keyInfoFromKv(kv)
		info.Keys[keyInfo.Key] = keyInfo
	}
	info.Revision = res.Header.Revision
	info.Count = res.Count
	info.More = res.More

	return info, nil
}

/*
Get the keys in the range. Fails with ErrRevisionCompacted if the requested revision was compacted.
*/
func (cli *EtcdClient) GetKeyRange(keyRange KeyRange, opts GetKeyRangeOptions) (KeyRangeInfo, error) {
	return cli.getKeyRangeWithRetries(keyRange, opts, cli.Retries)
}

/*
Delete the keys in the range and return how many were deleted.
Writes are not retried.
*/
func (cli *EtcdClient) DeleteKeyRange(keyRange KeyRange) (int64, error) {
	ctx, cancel := cli.requestContext()
	defer cancel()

	var res *pb.DeleteRangeResponse
	err := cli.core.unary(ctx, "delete", func(ctx context.Context, cc *grpc.ClientConn) error {
		var err error
		res, err = pb.NewKVClient(cc).DeleteRange(ctx, &pb.DeleteRangeRequest{
			Key:      keyRange.key(),
			RangeEnd: keyRange.rangeEnd(),
		})
		return err
	})
	if err != nil {
		return 0, err
	}

	return res.Deleted, nil
}

/*
Delete every key in the store
*/
func (cli *EtcdClient) DeleteAll() (int64, error) {
	return cli.DeleteKeyRange(KeyRangeAll())
}
