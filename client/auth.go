package client

import (
	"context"
	"time"

	pb "go.etcd.io/etcd/api/v3/etcdserverpb"
	"go.uber.org/zap"
)

type AuthStatusInfo struct {
	Enabled bool
	//Incremented by the store on every auth change. Tokens issued at an older revision are rejected.
	AuthRevision uint64
}

func (cli *EtcdClient) authStatusWithRetries(retries uint64) (AuthStatusInfo, error) {
	var resp *pb.AuthStatusResponse
	err := cli.authCall("auth_status", func(ctx context.Context, authCli pb.AuthClient) error {
		var err error
		resp, err = authCli.AuthStatus(ctx, &pb.AuthStatusRequest{})
		return err
	})
	if err != nil {
		if !shouldRetry(err, retries) {
			return AuthStatusInfo{}, err
		}

		time.Sleep(cli.RetryInterval)
		return cli.authStatusWithRetries(retries - 1)
	}

	return AuthStatusInfo{Enabled: resp.Enabled, AuthRevision: resp.AuthRevision}, nil
}

func (cli *EtcdClient) GetAuthStatus() (AuthStatusInfo, error) {
	return cli.authStatusWithRetries(cli.Retries)
}

func (cli *EtcdClient) AuthStatus() (bool, error) {
	status, err := cli.GetAuthStatus()
	return status.Enabled, err
}

/*
Enables or disables authentication on the store.
Enabling it requires a root user holding the root role.
*/
func (cli *EtcdClient) SetAuthStatus(enable bool) error {
	err := cli.authCall("auth_set", func(ctx context.Context, authCli pb.AuthClient) error {
		var err error
		if enable {
			_, err = authCli.AuthEnable(ctx, &pb.AuthEnableRequest{})
		} else {
			_, err = authCli.AuthDisable(ctx, &pb.AuthDisableRequest{})
		}
		return err
	})
	if err == nil {
		cli.core.logger.Info("Changed auth status of the store", zap.Bool("enabled", enable))
	}
	return err
}
