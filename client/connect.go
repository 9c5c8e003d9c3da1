package client

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/Ferlab-Ste-Justine/etcd-client-core/transport"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

type EtcdClientOptions struct {
	//When empty, the connection is made in plaintext
	CaCertPath     string `yaml:"ca_cert_path"`
	ClientCertPath string `yaml:"client_cert_path"`
	ClientKeyPath  string `yaml:"client_key_path"`
	//Overrides the name the server certificate is verified against
	ServerName        string        `yaml:"server_name"`
	Username          string        `yaml:"username"`
	Password          string        `yaml:"password"`
	EtcdEndpoints     []string      `yaml:"endpoints"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	//Number of times a failed read is attempted again. Writes are never retried.
	Retries          uint64        `yaml:"retries"`
	KeepaliveTime    time.Duration `yaml:"keepalive_time"`
	KeepaliveTimeout time.Duration `yaml:"keepalive_timeout"`
	//How long a lost connection is given to come back before failing over to the next endpoint
	ReconnectTimeout time.Duration `yaml:"reconnect_timeout"`
	//After this many failed reconnection attempts, calls waiting for the connection fail with ErrConnectionLost
	MaxReconnectAttempts   uint64        `yaml:"max_reconnect_attempts"`
	BackoffInitialInterval time.Duration `yaml:"backoff_initial_interval"`
	BackoffMaxInterval     time.Duration `yaml:"backoff_max_interval"`

	Logger            *zap.Logger                                                 `yaml:"-"`
	MetricsRegisterer prometheus.Registerer                                       `yaml:"-"`
	Dialer            func(ctx context.Context, address string) (net.Conn, error) `yaml:"-"`
}

func (opts *EtcdClientOptions) setDefaults() {
	if opts.ConnectionTimeout == 0 {
		opts.ConnectionTimeout = 5 * time.Second
	}
	if opts.RequestTimeout == 0 {
		opts.RequestTimeout = 5 * time.Second
	}
	if opts.RetryInterval == 0 {
		opts.RetryInterval = 100 * time.Millisecond
	}
	if opts.BackoffInitialInterval == 0 {
		opts.BackoffInitialInterval = 100 * time.Millisecond
	}
	if opts.BackoffMaxInterval == 0 {
		opts.BackoffMaxInterval = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
}

/*
Connects to the first reachable endpoint and authenticates if a username is configured.
The context bounds the initial connection only.
*/
func Connect(ctx context.Context, opts EtcdClientOptions) (*EtcdClient, error) {
	opts.setDefaults()

	tlsConf, err := transport.LoadTlsConfig(transport.TlsOptions{
		CaCertPath:     opts.CaCertPath,
		ClientCertPath: opts.ClientCertPath,
		ClientKeyPath:  opts.ClientKeyPath,
		ServerName:     opts.ServerName,
	})
	if err != nil {
		return nil, err
	}

	metrics, err := NewClientMetrics(opts.MetricsRegisterer)
	if err != nil {
		return nil, fmt.Errorf("Failed to register client metrics: %w", err)
	}

	conn, err := transport.Dial(ctx, transport.Options{
		Endpoints:              opts.EtcdEndpoints,
		Tls:                    tlsConf,
		ConnectionTimeout:      opts.ConnectionTimeout,
		KeepaliveTime:          opts.KeepaliveTime,
		KeepaliveTimeout:       opts.KeepaliveTimeout,
		ReconnectTimeout:       opts.ReconnectTimeout,
		MaxReconnectAttempts:   opts.MaxReconnectAttempts,
		BackoffInitialInterval: opts.BackoffInitialInterval,
		BackoffMaxInterval:     opts.BackoffMaxInterval,
		Dialer:                 opts.Dialer,
		Logger:                 opts.Logger.Named("transport"),
		OnGeneration: func(endpoint string, generation uint64) {
			metrics.SessionGeneration.Set(float64(generation))
		},
	})
	if err != nil {
		metrics.Unregister()
		return nil, fmt.Errorf("Failed to connect to etcd servers: %w", err)
	}

	coreCtx, cancel := context.WithCancel(context.Background())
	core := &clientCore{
		conn:           conn,
		auth:           newAuthenticator(opts.Username, opts.Password, opts.Logger.Named("auth")),
		metrics:        metrics,
		logger:         opts.Logger,
		ctx:            coreCtx,
		cancel:         cancel,
		requestTimeout: opts.RequestTimeout,
		backoffInitial: opts.BackoffInitialInterval,
		backoffMax:     opts.BackoffMaxInterval,
	}
	core.watcher = newWatchMux(core)
	core.leases = newLeaseManager(core)

	cli := &EtcdClient{
		Retries:        opts.Retries,
		RetryInterval:  opts.RetryInterval,
		RequestTimeout: opts.RequestTimeout,
		Context:        context.Background(),
		connOpts:       opts,
		core:           core,
	}

	//Fail early on bad credentials
	if core.auth.enabled() {
		sess, acquireErr := conn.Acquire(ctx)
		if acquireErr == nil {
			_, acquireErr = core.auth.current(ctx, sess.Conn)
		}
		if acquireErr != nil {
			cli.Close()
			return nil, translateError(acquireErr)
		}
	}

	return cli, nil
}
