package client

import (
	"context"

	pb "go.etcd.io/etcd/api/v3/etcdserverpb"
	"google.golang.org/grpc"
)

/*
Discards the history of the store prior to the given revision.
Reads and watches at earlier revisions will then fail with ErrRevisionCompacted.
If physical is true, the call only returns once the compaction is applied to the backend.
*/
func (cli *EtcdClient) Compact(revision int64, physical bool) error {
	ctx, cancel := cli.requestContext()
	defer cancel()

	return cli.core.unary(ctx, "compact", func(ctx context.Context, cc *grpc.ClientConn) error {
		_, err := pb.NewKVClient(cc).Compact(ctx, &pb.CompactionRequest{
			Revision: revision,
			Physical: physical,
		})
		return err
	})
}
