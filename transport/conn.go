package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpcbackoff "google.golang.org/grpc/backoff"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
)

type State int

const (
	StateConnecting State = iota
	StateReady
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	default:
		return "closed"
	}
}

type Options struct {
	Endpoints []string
	//Nil means plaintext
	Tls               *tls.Config
	ConnectionTimeout time.Duration
	KeepaliveTime     time.Duration
	KeepaliveTimeout  time.Duration
	//How long a lost connection is given to come back on the same endpoint before failing over
	ReconnectTimeout time.Duration
	//Number of failed dial attempts after which callers waiting for a session get ErrConnectionLost.
	//Dialing continues in the background. Zero means callers wait until their own deadline.
	MaxReconnectAttempts   uint64
	BackoffInitialInterval time.Duration
	BackoffMaxInterval     time.Duration
	//Replaces the network dialer, mostly useful for tests
	Dialer func(ctx context.Context, address string) (net.Conn, error)
	Logger *zap.Logger
	//Called with the new generation every time a session becomes ready
	OnGeneration func(endpoint string, generation uint64)
}

func (opts *Options) setDefaults() {
	if opts.ConnectionTimeout == 0 {
		opts.ConnectionTimeout = 5 * time.Second
	}
	if opts.ReconnectTimeout == 0 {
		opts.ReconnectTimeout = opts.ConnectionTimeout
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
Snapshot of the connection at a given generation.
The Lost channel is closed as soon as the connection backing the generation is lost,
after which calls made with the session fail and a new session should be acquired.
*/
type Session struct {
	Conn       *grpc.ClientConn
	Endpoint   string
	Generation uint64
	lost       <-chan struct{}
}

func (s Session) Lost() <-chan struct{} {
	return s.lost
}

/*
Long lived connection to one of the configured endpoints.
A supervisor goroutine watches the connectivity of the underlying grpc connection,
invalidates the current generation when it is lost and either waits for it to come back
or fails over to the next endpoint.
*/
type Conn struct {
	opts      Options
	endpoints []string
	lg        *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	cc         *grpc.ClientConn
	endpoint   int
	generation uint64
	state      State
	failing    bool
	ready      chan struct{}
	lost       chan struct{}
}

func ParseEndpoint(endpoint string) string {
	endpoint = strings.TrimPrefix(endpoint, "https://")
	endpoint = strings.TrimPrefix(endpoint, "http://")
	return strings.TrimSuffix(endpoint, "/")
}

/*
Connects to the first reachable endpoint.
The context bounds the initial connection attempt only.
*/
func Dial(ctx context.Context, opts Options) (*Conn, error) {
	if len(opts.Endpoints) == 0 {
		return nil, fmt.Errorf("%w: no endpoints configured", ErrTransport)
	}
	opts.setDefaults()

	endpoints := make([]string, 0, len(opts.Endpoints))
	for _, endpoint := range opts.Endpoints {
		endpoints = append(endpoints, ParseEndpoint(endpoint))
	}

	connCtx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		opts:      opts,
		endpoints: endpoints,
		lg:        opts.Logger,
		ctx:       connCtx,
		cancel:    cancel,
		state:     StateConnecting,
		ready:     make(chan struct{}),
		lost:      make(chan struct{}),
	}

	var lastErr error
	for idx := range endpoints {
		cc, err := c.dialEndpoint(ctx, idx)
		if err != nil {
			c.lg.Warn("Failed to connect to endpoint", zap.String("endpoint", endpoints[idx]), zap.Error(err))
			lastErr = err
			if ctx.Err() != nil {
				break
			}
			continue
		}

		c.install(cc, idx)
		c.wg.Add(1)
		go c.supervise(cc, idx)
		return c, nil
	}

	cancel()
	return nil, lastErr
}

func (c *Conn) dialOptions() []grpc.DialOption {
	var creds credentials.TransportCredentials
	if c.opts.Tls != nil {
		creds = credentials.NewTLS(c.opts.Tls.Clone())
	} else {
		creds = insecure.NewCredentials()
	}

	dialOpts := []grpc.DialOption{
		grpc.WithTransportCredentials(creds),
		grpc.WithBlock(),
		grpc.WithReturnConnectionError(),
		grpc.WithConnectParams(grpc.ConnectParams{
			Backoff: grpcbackoff.Config{
				BaseDelay:  c.opts.BackoffInitialInterval,
				Multiplier: grpcbackoff.DefaultConfig.Multiplier,
				Jitter:     grpcbackoff.DefaultConfig.Jitter,
				MaxDelay:   c.opts.BackoffMaxInterval,
			},
			MinConnectTimeout: c.opts.ConnectionTimeout,
		}),
	}

	if c.opts.KeepaliveTime > 0 {
		dialOpts = append(dialOpts, grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                c.opts.KeepaliveTime,
			Timeout:             c.opts.KeepaliveTimeout,
			PermitWithoutStream: true,
		}))
	}

	if c.opts.Dialer != nil {
		dialOpts = append(dialOpts, grpc.WithContextDialer(c.opts.Dialer))
	}

	return dialOpts
}

func (c *Conn) dialEndpoint(ctx context.Context, idx int) (*grpc.ClientConn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.opts.ConnectionTimeout)
	defer cancel()

	endpoint := c.endpoints[idx]
	cc, err := grpc.DialContext(dialCtx, endpoint, c.dialOptions()...)
	if err != nil {
		return nil, dialError(endpoint, err)
	}
	return cc, nil
}

func (c *Conn) install(cc *grpc.ClientConn, idx int) {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		cc.Close()
		return
	}
	c.cc = cc
	c.endpoint = idx
	c.generation++
	c.state = StateReady
	c.lost = make(chan struct{})
	//A failing connection already released its waiters
	if !c.failing {
		close(c.ready)
	}
	c.failing = false
	generation := c.generation
	c.mu.Unlock()

	c.lg.Info("Session ready", zap.String("endpoint", c.endpoints[idx]), zap.Uint64("generation", generation))
	if c.opts.OnGeneration != nil {
		c.opts.OnGeneration(c.endpoints[idx], generation)
	}
}

func (c *Conn) invalidate(cause connectivity.State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateReady {
		return
	}

	c.state = StateConnecting
	close(c.lost)
	c.ready = make(chan struct{})
	c.lg.Warn(
		"Session lost",
		zap.String("endpoint", c.endpoints[c.endpoint]),
		zap.Uint64("generation", c.generation),
		zap.String("state", cause.String()),
	)
}

func (c *Conn) setFailing() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateConnecting && !c.failing {
		c.failing = true
		//Wake up waiting callers so they can fail fast
		close(c.ready)
	}
}

// Blocks until the connection leaves the ready state. Returns false if the connection is being closed.
func (c *Conn) awaitLoss(cc *grpc.ClientConn) (connectivity.State, bool) {
	state := cc.GetState()
	for state == connectivity.Ready {
		if !cc.WaitForStateChange(c.ctx, state) {
			return state, false
		}
		state = cc.GetState()
	}
	return state, c.ctx.Err() == nil
}

// Waits for a lost connection to come back on the same endpoint.
func (c *Conn) awaitRecovery(cc *grpc.ClientConn) bool {
	ctx, cancel := context.WithTimeout(c.ctx, c.opts.ReconnectTimeout)
	defer cancel()

	for {
		state := cc.GetState()
		switch state {
		case connectivity.Ready:
			return true
		case connectivity.Shutdown:
			return false
		case connectivity.Idle:
			cc.Connect()
		}

		if !cc.WaitForStateChange(ctx, state) {
			return false
		}
	}
}

func (c *Conn) failover(idx int) (*grpc.ClientConn, int, bool) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.BackoffInitialInterval
	b.MaxInterval = c.opts.BackoffMaxInterval

	attempts := uint64(0)
	for {
		idx = (idx + 1) % len(c.endpoints)
		cc, err := c.dialEndpoint(c.ctx, idx)
		if err == nil {
			return cc, idx, true
		}
		if c.ctx.Err() != nil {
			return nil, idx, false
		}

		attempts++
		c.lg.Warn("Reconnection attempt failed", zap.String("endpoint", c.endpoints[idx]), zap.Uint64("attempt", attempts), zap.Error(err))
		if c.opts.MaxReconnectAttempts > 0 && attempts >= c.opts.MaxReconnectAttempts {
			c.setFailing()
		}

		select {
		case <-time.After(b.NextBackOff()):
		case <-c.ctx.Done():
			return nil, idx, false
		}
	}
}

func (c *Conn) supervise(cc *grpc.ClientConn, idx int) {
	defer c.wg.Done()

	for {
		state, ok := c.awaitLoss(cc)
		if !ok {
			return
		}

		c.invalidate(state)
		if c.awaitRecovery(cc) {
			c.install(cc, idx)
			continue
		}
		if c.ctx.Err() != nil {
			return
		}

		c.lg.Info("Failing over to next endpoint", zap.String("endpoint", c.endpoints[idx]))
		cc.Close()
		cc, idx, ok = c.failover(idx)
		if !ok {
			return
		}
		c.install(cc, idx)
	}
}

/*
Returns the current session, waiting for a reconnection to complete if one is underway.
Returns ErrConnectionLost without waiting when the reconnection attempts threshold was exceeded.
*/
func (c *Conn) Acquire(ctx context.Context) (Session, error) {
	for {
		c.mu.Lock()
		switch {
		case c.state == StateClosed:
			c.mu.Unlock()
			return Session{}, ErrClosed
		case c.state == StateReady:
			sess := Session{
				Conn:       c.cc,
				Endpoint:   c.endpoints[c.endpoint],
				Generation: c.generation,
				lost:       c.lost,
			}
			c.mu.Unlock()
			return sess, nil
		case c.failing:
			c.mu.Unlock()
			return Session{}, fmt.Errorf("%w: reconnection attempts exhausted", ErrConnectionLost)
		}
		ready := c.ready
		c.mu.Unlock()

		select {
		case <-ready:
		case <-ctx.Done():
			return Session{}, ctx.Err()
		}
	}
}

func (c *Conn) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation
}

func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conn) Close() error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	wasReady := c.state == StateReady
	c.state = StateClosed
	if wasReady {
		close(c.lost)
		c.ready = make(chan struct{})
	}
	if !c.failing {
		close(c.ready)
	}
	cc := c.cc
	c.mu.Unlock()

	c.cancel()
	var err error
	if cc != nil {
		err = cc.Close()
		if errors.Is(err, grpc.ErrClientConnClosing) {
			err = nil
		}
	}
	c.wg.Wait()
	return err
}
