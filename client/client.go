package client

import (
	"context"
	"errors"
	"time"

	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	raftv3 "go.etcd.io/raft/v3"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type EtcdClient struct {
	Retries        uint64
	RetryInterval  time.Duration
	RequestTimeout time.Duration
	Context        context.Context
	connOpts       EtcdClientOptions
	core           *clientCore
}

/*
Returns a copy of the client sharing its connection, watch stream and leases, but issuing its calls with the given context.
Use it to bound calls with a caller deadline or to cancel them.
*/
func (cli *EtcdClient) SetContext(ctx context.Context) *EtcdClient {
	return &EtcdClient{
		Retries:        cli.Retries,
		RetryInterval:  cli.RetryInterval,
		RequestTimeout: cli.RequestTimeout,
		Context:        ctx,
		connOpts:       cli.connOpts,
		core:           cli.core,
	}
}

/*
Stops the lease loops, closes every watch subscription and the connection.
*/
func (cli *EtcdClient) Close() error {
	return cli.core.close()
}

func (cli *EtcdClient) Metrics() *ClientMetrics {
	return cli.core.metrics
}

func (cli *EtcdClient) Logger() *zap.Logger {
	return cli.core.logger
}

// Generation of the connection session, incremented on every reconnection
func (cli *EtcdClient) SessionGeneration() uint64 {
	return cli.core.conn.Generation()
}

func (cli *EtcdClient) Leases() *LeaseManager {
	return cli.core.leases
}

func (cli *EtcdClient) requestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(cli.Context, cli.RequestTimeout)
}

/*
Whether a read should be attempted again.
Only reads go through this check: a write whose outcome is unknown is never sent twice.
*/
func shouldRetry(err error, retries uint64) bool {
	if retries == 0 {
		return false
	}

	if errors.Is(err, ErrConnectionLost) {
		return true
	}

	var etcdErr rpctypes.EtcdError
	if errors.As(err, &etcdErr) {
		return etcdErr.Code() == codes.Unavailable
	}

	stat, ok := status.FromError(err)
	if !ok {
		return false
	}

	return stat.Message() == raftv3.ErrProposalDropped.Error()
}
