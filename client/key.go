package client

import (
	"context"
	"time"

	pb "go.etcd.io/etcd/api/v3/etcdserverpb"
	"go.etcd.io/etcd/api/v3/mvccpb"
	"google.golang.org/grpc"
)

/*
Structure holding information returned on a specific key
*/
type KeyInfo struct {
	//Key
	Key string
	//Value stored at the key
	Value string
	//Etcd version of the key, which is incremented when a key changes and reset to 0 when it is deleted
	Version int64
	//Revision of the etcd store when the key was created
	CreateRevision int64
	//Revision of the etcd store when the key was last modified
	ModRevision int64
	//Id of the lease that created the key if the key was created with a lease
	Lease int64
}

/*
Returns whether the KeyInfo structure stores a key that was found.
If the key is not found, an empty KeyInfo structure will be returned which will be detected by this method.
*/
func (info *KeyInfo) Found() bool {
	return info.CreateRevision > 0
}

func keyInfoFromKv(kv *mvccpb.KeyValue) KeyInfo {
	return KeyInfo{
		Key:            string(kv.Key),
		Value:          string(kv.Value),
		Version:        kv.Version,
		CreateRevision: kv.CreateRevision,
		ModRevision:    kv.ModRevision,
		Lease:          kv.Lease,
	}
}

/*
Options that get passed to the PutKeyWithOptions method.
*/
type PutKeyOptions struct {
	//Attaches the key to a lease. The key will be deleted when the lease expires or is revoked.
	Lease int64
	//Return the previous state of the key
	PrevKv bool
}

type PutKeyResult struct {
	//Revision of the store at which the put was applied
	Revision int64
	//Previous state of the key if requested. Not found if the key did not exist.
	PrevKv KeyInfo
}

func (cli *EtcdClient) put(ctx context.Context, req *pb.PutRequest) (*pb.PutResponse, error) {
	var resp *pb.PutResponse
	err := cli.core.unary(ctx, "put", func(ctx context.Context, cc *grpc.ClientConn) error {
		var err error
		resp, err = pb.NewKVClient(cc).Put(ctx, req)
		return err
	})
	return resp, err
}

/*
Upsert the given value in the key.
Writes are not retried: if an error is returned, the outcome is unknown and can be verified with a read.
*/
func (cli *EtcdClient) PutKeyWithOptions(key string, val string, opts PutKeyOptions) (PutKeyResult, error) {
	ctx, cancel := cli.requestContext()
	defer cancel()

	resp, err := cli.put(ctx, &pb.PutRequest{
		Key:    []byte(key),
		Value:  []byte(val),
		Lease:  opts.Lease,
		PrevKv: opts.PrevKv,
	})
	if err != nil {
		return PutKeyResult{}, err
	}

	result := PutKeyResult{Revision: resp.Header.Revision}
	if resp.PrevKv != nil {
		result.PrevKv = keyInfoFromKv(resp.PrevKv)
	}
	return result, nil
}

/*
Upsert the given value in the key and return the revision at which it was written
*/
func (cli *EtcdClient) PutKey(key string, val string) (int64, error) {
	res, err := cli.PutKeyWithOptions(key, val, PutKeyOptions{})
	return res.Revision, err
}

/*
Upsert the given value in the key, attached to a lease
*/
func (cli *EtcdClient) PutKeyWithLease(key string, val string, lease int64) (int64, error) {
	res, err := cli.PutKeyWithOptions(key, val, PutKeyOptions{Lease: lease})
	return res.Revision, err
}

func (cli *EtcdClient) getKeyWithRetries(key string, revision int64, retries uint64) (KeyInfo, error) {
	ctx, cancel := cli.requestContext()
	defer cancel()

	var getRes *pb.RangeResponse
	err := cli.core.unary(ctx, "get", func(ctx context.Context, cc *grpc.ClientConn) error {
		var err error
		getRes, err = pb.NewKVClient(cc).Range(ctx, &pb.RangeRequest{
			Key:      []byte(key),
			Revision: revision,
		})
		return err
	})

	if err != nil {
		if !shouldRetry(err, retries) {
			return KeyInfo{}, err
		}

		time.Sleep(cli.RetryInterval)
		return cli.getKeyWithRetries(key, revision, retries-1)
	}

	if len(getRes.Kvs) == 0 {
		return KeyInfo{}, nil
	}

	return keyInfoFromKv(getRes.Kvs[0]), nil
}

/*
Options that get passed to GetKey method.
*/
type GetKeyOptions struct {
	//Specifies that the value of the key at a given store revision is wanted.
	//Can be left at the default 0 value if the latest version of the key is desired.
	Revision int64
}

/*
Get information on the given key including the value.
An absent key is not an error: an empty KeyInfo is returned.
Fails with ErrRevisionCompacted if the requested revision was compacted.
*/
func (cli *EtcdClient) GetKey(key string, opts GetKeyOptions) (KeyInfo, error) {
	if opts.Revision < 0 {
		opts.Revision = 0
	}
	return cli.getKeyWithRetries(key, opts.Revision, cli.Retries)
}

/*
Delete a key. Returns whether the key existed.
*/
func (cli *EtcdClient) DeleteKey(key string) (bool, error) {
	deleted, err := cli.DeleteKeyRange(KeyRangeForKey(key))
	return deleted > 0, err
}
