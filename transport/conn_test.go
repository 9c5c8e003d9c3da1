package transport

import (
	"context"
	"testing"
	"time"

	"github.com/Ferlab-Ste-Justine/etcd-client-core/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	pb "go.etcd.io/etcd/api/v3/etcdserverpb"
)

func launchCluster(t *testing.T, opts testutils.TestClusterOpts) *testutils.TestCluster {
	cluster, err := testutils.LaunchTestCluster(opts)
	require.NoError(t, err)
	t.Cleanup(cluster.Close)
	return cluster
}

func dialCluster(t *testing.T, cluster *testutils.TestCluster, opts Options) *Conn {
	opts.Endpoints = cluster.Endpoints()
	opts.Dialer = cluster.Dialer()
	if opts.ConnectionTimeout == 0 {
		opts.ConnectionTimeout = 2 * time.Second
	}
	opts.ReconnectTimeout = 200 * time.Millisecond
	opts.BackoffInitialInterval = 20 * time.Millisecond
	opts.BackoffMaxInterval = 200 * time.Millisecond

	conn, err := Dial(context.Background(), opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		conn.Close()
	})
	return conn
}

func TestParseEndpoint(t *testing.T) {
	assert.Equal(t, "127.0.0.1:2379", ParseEndpoint("https://127.0.0.1:2379"))
	assert.Equal(t, "127.0.0.1:2379", ParseEndpoint("http://127.0.0.1:2379/"))
	assert.Equal(t, "etcd:2379", ParseEndpoint("etcd:2379"))
}

func TestDialPlaintext(t *testing.T) {
	cluster := launchCluster(t, testutils.TestClusterOpts{})
	conn := dialCluster(t, cluster, Options{})

	sess, err := conn.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), sess.Generation)
	assert.Equal(t, StateReady, conn.State())

	_, err = pb.NewKVClient(sess.Conn).Put(context.Background(), &pb.PutRequest{Key: []byte("a"), Value: []byte("1")})
	require.NoError(t, err)
}

func TestDialTls(t *testing.T) {
	certs, serverTls, err := testutils.GenerateCerts(t.TempDir())
	require.NoError(t, err)
	cluster := launchCluster(t, testutils.TestClusterOpts{ServerTls: serverTls})

	tlsConf, err := LoadTlsConfig(TlsOptions{
		CaCertPath:     certs.CaCert,
		ClientCertPath: certs.ClientCert,
		ClientKeyPath:  certs.ClientKey,
	})
	require.NoError(t, err)

	conn := dialCluster(t, cluster, Options{Tls: tlsConf})
	sess, err := conn.Acquire(context.Background())
	require.NoError(t, err)

	_, err = pb.NewMaintenanceClient(sess.Conn).Status(context.Background(), &pb.StatusRequest{})
	require.NoError(t, err)
}

func TestDialUntrustedCa(t *testing.T) {
	certs, serverTls, err := testutils.GenerateCerts(t.TempDir())
	require.NoError(t, err)
	cluster := launchCluster(t, testutils.TestClusterOpts{ServerTls: serverTls})

	tlsConf, err := LoadTlsConfig(TlsOptions{CaCertPath: certs.OtherCaCert})
	require.NoError(t, err)

	_, err = Dial(context.Background(), Options{
		Endpoints:         cluster.Endpoints()[:1],
		Tls:               tlsConf,
		Dialer:            cluster.Dialer(),
		ConnectionTimeout: 500 * time.Millisecond,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTls)
}

func TestLoadTlsConfigErrors(t *testing.T) {
	_, err := LoadTlsConfig(TlsOptions{CaCertPath: "/does/not/exist.pem"})
	assert.ErrorIs(t, err, ErrTls)

	_, err = LoadTlsConfig(TlsOptions{ClientCertPath: "client.pem", ClientKeyPath: "client.key"})
	assert.ErrorIs(t, err, ErrTls)

	conf, err := LoadTlsConfig(TlsOptions{})
	assert.NoError(t, err)
	assert.Nil(t, conf)
}

func TestDialNoEndpoint(t *testing.T) {
	_, err := Dial(context.Background(), Options{})
	assert.ErrorIs(t, err, ErrTransport)
}

func TestDialUnreachable(t *testing.T) {
	cluster := launchCluster(t, testutils.TestClusterOpts{Members: 1})
	cluster.Members()[0].Stop()

	_, err := Dial(context.Background(), Options{
		Endpoints:         cluster.Endpoints(),
		Dialer:            cluster.Dialer(),
		ConnectionTimeout: 300 * time.Millisecond,
	})
	assert.ErrorIs(t, err, ErrTransport)
}

func TestReconnectIncrementsGeneration(t *testing.T) {
	cluster := launchCluster(t, testutils.TestClusterOpts{})
	generations := make(chan uint64, 16)
	conn := dialCluster(t, cluster, Options{
		OnGeneration: func(endpoint string, generation uint64) {
			generations <- generation
		},
	})
	assert.Equal(t, uint64(1), <-generations)

	sess, err := conn.Acquire(context.Background())
	require.NoError(t, err)

	cluster.DropConnections()

	select {
	case <-sess.Lost():
	case <-time.After(5 * time.Second):
		t.Fatal("Expected the session to be reported lost after its connection was dropped")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	next, err := conn.Acquire(ctx)
	require.NoError(t, err)
	assert.Greater(t, next.Generation, sess.Generation)
	assert.Equal(t, next.Generation, conn.Generation())
}

func TestFailoverToNextEndpoint(t *testing.T) {
	cluster := launchCluster(t, testutils.TestClusterOpts{})
	conn := dialCluster(t, cluster, Options{})

	sess, err := conn.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, cluster.Endpoints()[0], sess.Endpoint)

	cluster.Members()[0].Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		next, err := conn.Acquire(ctx)
		require.NoError(t, err)
		if next.Endpoint != sess.Endpoint {
			assert.Greater(t, next.Generation, sess.Generation)
			break
		}
		select {
		case <-next.Lost():
		case <-ctx.Done():
			t.Fatal("Expected the connection to fail over to another endpoint")
		}
	}
}

func TestAcquireAfterClose(t *testing.T) {
	cluster := launchCluster(t, testutils.TestClusterOpts{})
	conn := dialCluster(t, cluster, Options{})

	require.NoError(t, conn.Close())
	_, err := conn.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, StateClosed, conn.State())
}
