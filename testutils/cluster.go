package testutils

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	pb "go.etcd.io/etcd/api/v3/etcdserverpb"
	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/test/bufconn"
)

const authenticateMethod = "/etcdserverpb.Auth/Authenticate"

// Listener keeping track of accepted connections so that they can be severed
type trackingListener struct {
	*bufconn.Listener
	mu    sync.Mutex
	conns []net.Conn
}

func (l *trackingListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.conns = append(l.conns, conn)
	l.mu.Unlock()
	return conn, nil
}

func (l *trackingListener) drop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, conn := range l.conns {
		conn.Close()
	}
	l.conns = nil
}

type TestMember struct {
	Id       uint64
	Name     string
	Endpoint string
	PeerUrl  string

	cluster  *TestCluster
	mu       sync.Mutex
	listener *trackingListener
	server   *grpc.Server
}

type TestClusterOpts struct {
	//Defaults to 3
	Members int
	//Serves tls when set
	ServerTls *tls.Config
	//Interval at which expired leases are revoked. Defaults to 50ms
	LeaseCheckInterval time.Duration
}

/*
In-process store cluster. Every member serves the same store over an in-memory listener,
reachable through the dialer returned by Dialer.
*/
type TestCluster struct {
	Store *Store
	Auth  *AuthStore

	opts    TestClusterOpts
	members []*TestMember
	mu      sync.Mutex
	leader  uint64
	hook    RequestHook
	done    chan struct{}
	wg      sync.WaitGroup
}

/*
Called by every member before a unary request is handled, with the full method name.
The context is cancelled when the client connection is severed, so a hook can block on it to simulate a slow request.
*/
type RequestHook func(ctx context.Context, method string)

func LaunchTestCluster(opts TestClusterOpts) (*TestCluster, error) {
	if opts.Members == 0 {
		opts.Members = 3
	}
	if opts.LeaseCheckInterval == 0 {
		opts.LeaseCheckInterval = 50 * time.Millisecond
	}

	cluster := &TestCluster{
		Store: NewStore(),
		Auth:  NewAuthStore(),
		opts:  opts,
		done:  make(chan struct{}),
	}

	for idx := 0; idx < opts.Members; idx++ {
		member := &TestMember{
			Id:       uint64(0x1000 + idx),
			Name:     fmt.Sprintf("etcd%d", idx),
			Endpoint: fmt.Sprintf("127.0.0.%d:3379", idx+1),
			PeerUrl:  fmt.Sprintf("https://127.0.0.%d:3380", idx+1),
			cluster:  cluster,
		}
		cluster.members = append(cluster.members, member)
		if err := member.Start(); err != nil {
			cluster.Close()
			return nil, err
		}
	}
	cluster.leader = cluster.members[0].Id

	cluster.wg.Add(1)
	go cluster.expireLeases()

	return cluster, nil
}

func (c *TestCluster) expireLeases() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.opts.LeaseCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Store.ExpireLeases()
		case <-c.done:
			return
		}
	}
}

func (c *TestCluster) Members() []*TestMember {
	return c.members
}

func (c *TestCluster) Endpoints() []string {
	endpoints := []string{}
	for _, member := range c.members {
		endpoints = append(endpoints, member.Endpoint)
	}
	return endpoints
}

func (c *TestCluster) Leader() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.leader
}

func (c *TestCluster) setLeader(id uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, member := range c.members {
		if member.Id == id {
			c.leader = id
			return nil
		}
	}
	return rpctypes.ErrGRPCMemberNotFound
}

// Installs a hook run before each unary request. Nil removes it.
func (c *TestCluster) SetRequestHook(hook RequestHook) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hook = hook
}

func (c *TestCluster) requestHook() RequestHook {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hook
}

// Dialer routing endpoint addresses to the in-memory listeners
func (c *TestCluster) Dialer() func(ctx context.Context, address string) (net.Conn, error) {
	return func(ctx context.Context, address string) (net.Conn, error) {
		for _, member := range c.members {
			if member.Endpoint == address {
				return member.dial(ctx)
			}
		}
		return nil, fmt.Errorf("no member listening on %s", address)
	}
}

// Severs every open client connection. Members keep serving.
func (c *TestCluster) DropConnections() {
	for _, member := range c.members {
		member.DropConnections()
	}
}

func (c *TestCluster) Close() {
	select {
	case <-c.done:
		return
	default:
		close(c.done)
	}
	for _, member := range c.members {
		member.Stop()
	}
	c.wg.Wait()
}

func (m *TestMember) dial(ctx context.Context) (net.Conn, error) {
	m.mu.Lock()
	listener := m.listener
	m.mu.Unlock()
	if listener == nil {
		return nil, fmt.Errorf("connection refused by %s", m.Endpoint)
	}
	return listener.DialContext(ctx)
}

func (m *TestMember) authorize(ctx context.Context, method string) error {
	if !m.cluster.Auth.Enabled() || method == authenticateMethod {
		return nil
	}

	if p, ok := peer.FromContext(ctx); ok {
		if info, ok := p.AuthInfo.(credentials.TLSInfo); ok && len(info.State.VerifiedChains) > 0 {
			return nil
		}
	}

	md, _ := metadata.FromIncomingContext(ctx)
	tokens := md.Get(rpctypes.TokenFieldNameGRPC)
	if len(tokens) == 0 {
		return rpctypes.ErrGRPCUserEmpty
	}
	if !m.cluster.Auth.validToken(tokens[0]) {
		return rpctypes.ErrGRPCInvalidAuthToken
	}
	return nil
}

func (m *TestMember) unaryInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	if err := m.authorize(ctx, info.FullMethod); err != nil {
		return nil, err
	}
	if hook := m.cluster.requestHook(); hook != nil {
		hook(ctx, info.FullMethod)
	}
	return handler(ctx, req)
}

func (m *TestMember) streamInterceptor(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
	if err := m.authorize(ss.Context(), info.FullMethod); err != nil {
		return err
	}
	return handler(srv, ss)
}

func (m *TestMember) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.server != nil {
		return errors.New("member already started")
	}

	opts := []grpc.ServerOption{
		grpc.UnaryInterceptor(m.unaryInterceptor),
		grpc.StreamInterceptor(m.streamInterceptor),
	}
	if m.cluster.opts.ServerTls != nil {
		opts = append(opts, grpc.Creds(credentials.NewTLS(m.cluster.opts.ServerTls)))
	}

	server := grpc.NewServer(opts...)
	pb.RegisterKVServer(server, &kvServer{store: m.cluster.Store})
	pb.RegisterWatchServer(server, &watchServer{store: m.cluster.Store})
	pb.RegisterLeaseServer(server, &leaseServer{store: m.cluster.Store})
	pb.RegisterAuthServer(server, &authServer{auth: m.cluster.Auth})
	pb.RegisterClusterServer(server, &clusterServer{cluster: m.cluster})
	pb.RegisterMaintenanceServer(server, &maintenanceServer{cluster: m.cluster, member: m})

	listener := &trackingListener{Listener: bufconn.Listen(1024 * 1024)}
	go server.Serve(listener)

	m.server = server
	m.listener = listener
	return nil
}

// Stops the member. Its endpoint refuses connections until it is started again.
func (m *TestMember) Stop() {
	m.mu.Lock()
	server := m.server
	listener := m.listener
	m.server = nil
	m.listener = nil
	m.mu.Unlock()

	if server == nil {
		return
	}
	listener.drop()
	server.Stop()
}

func (m *TestMember) DropConnections() {
	m.mu.Lock()
	listener := m.listener
	m.mu.Unlock()
	if listener != nil {
		listener.drop()
	}
}

func (m *TestMember) Host() string {
	return strings.Split(m.Endpoint, ":")[0]
}
