package client

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Ferlab-Ste-Justine/etcd-client-core/testutils"
	"github.com/stretchr/testify/require"
)

func keepChangingLeaderInBackground(t *testing.T, cli *EtcdClient, done <-chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()

	for true {
		select {
		case <-time.After(200 * time.Millisecond):
			err := cli.ChangeLeader()
			if err != nil {
				t.Errorf("Error occured while changing leader in the background: %s", err.Error())
			}
		case <-done:
			return
		}
	}
}

type testEnv struct {
	cluster *testutils.TestCluster
	certs   testutils.CertPaths
}

func launchTestEnv(t *testing.T, withTls bool) *testEnv {
	env := &testEnv{}
	opts := testutils.TestClusterOpts{}
	if withTls {
		certs, serverTls, err := testutils.GenerateCerts(t.TempDir())
		require.NoError(t, err)
		env.certs = certs
		opts.ServerTls = serverTls
	}

	cluster, err := testutils.LaunchTestCluster(opts)
	require.NoError(t, err)
	t.Cleanup(cluster.Close)
	env.cluster = cluster
	return env
}

func (env *testEnv) options(duration time.Duration, retries uint64) EtcdClientOptions {
	opts := EtcdClientOptions{
		EtcdEndpoints:          env.cluster.Endpoints(),
		ConnectionTimeout:      duration,
		RequestTimeout:         duration,
		RetryInterval:          100 * time.Millisecond,
		Retries:                retries,
		ReconnectTimeout:       200 * time.Millisecond,
		BackoffInitialInterval: 20 * time.Millisecond,
		BackoffMaxInterval:     200 * time.Millisecond,
		Dialer:                 env.cluster.Dialer(),
	}
	if env.certs.CaCert != "" {
		opts.CaCertPath = env.certs.CaCert
		opts.ClientCertPath = env.certs.ClientCert
		opts.ClientKeyPath = env.certs.ClientKey
	}
	return opts
}

func (env *testEnv) connect(t *testing.T, opts EtcdClientOptions) *EtcdClient {
	cli, err := Connect(context.Background(), opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		cli.Close()
	})
	return cli
}

func (env *testEnv) enableAuth(t *testing.T, cli *EtcdClient, rootPassword string) {
	user := EtcdUser{
		Username: "root",
		Password: rootPassword,
		Roles:    []string{"root"},
	}

	err := cli.UpsertUser(user)
	require.NoError(t, err, "Test setup failed at the root user creation stage")

	err = cli.SetAuthStatus(true)
	require.NoError(t, err, "Test setup failed at the auth enabling stage")
}

/*
Launches a tls cluster with auth enabled and returns a client authenticated by its certificate.
*/
func setupTestEnv(t *testing.T, duration time.Duration, retries uint64) (*EtcdClient, *testutils.TestCluster) {
	env := launchTestEnv(t, true)
	cli := env.connect(t, env.options(duration, retries))
	env.enableAuth(t, cli, "")
	return cli, env.cluster
}

/*
Launches a plaintext cluster without auth and returns a client connected to it.
*/
func setupPlainTestEnv(t *testing.T) (*EtcdClient, *testEnv) {
	env := launchTestEnv(t, false)
	cli := env.connect(t, env.options(2*time.Second, 5))
	return cli, env
}

func teardownTestEnv(t *testing.T, cli *EtcdClient) {
	err := cli.SetAuthStatus(false)
	if err != nil {
		t.Errorf("Test teardown failed at the auth disabling stage: %s", err.Error())
	}

	err = cli.DeleteUser("root")
	if err != nil {
		t.Errorf("Test teardown failed at the root user cleanup stage: %s", err.Error())
	}
}

func errorIsOneOf(err error, targets ...error) bool {
	for _, target := range targets {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
