package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Ferlab-Ste-Justine/etcd-client-core/transport"
	pb "go.etcd.io/etcd/api/v3/etcdserverpb"
	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

/*
Obtains and caches the authentication token when a username is configured.
Concurrent refreshes of the same stale token are collapsed into a single authentication call.
*/
type authenticator struct {
	username string
	password string
	logger   *zap.Logger
	group    singleflight.Group

	mu    sync.RWMutex
	token string
	//Set once a token was obtained or once the store reported that auth is disabled
	ready bool
}

func newAuthenticator(username string, password string, logger *zap.Logger) *authenticator {
	return &authenticator{
		username: username,
		password: password,
		logger:   logger,
	}
}

func (a *authenticator) enabled() bool {
	return a.username != ""
}

func (a *authenticator) fetch(ctx context.Context, cc *grpc.ClientConn) (string, error) {
	resp, err := pb.NewAuthClient(cc).Authenticate(ctx, &pb.AuthenticateRequest{
		Name:     a.username,
		Password: a.password,
	})
	if err != nil {
		etcdErr := rpctypes.Error(err)
		if errors.Is(etcdErr, rpctypes.ErrAuthNotEnabled) {
			a.logger.Debug("Auth is not enabled on the store, proceeding without a token")
			return "", nil
		}
		if errors.Is(etcdErr, rpctypes.ErrAuthFailed) {
			return "", fmt.Errorf("%w: credentials of user %s rejected: %w", ErrAuth, a.username, etcdErr)
		}
		return "", translateError(err)
	}

	return resp.Token, nil
}

// Returns the cached token, authenticating first if no token was obtained yet
func (a *authenticator) current(ctx context.Context, cc *grpc.ClientConn) (string, error) {
	if !a.enabled() {
		return "", nil
	}

	a.mu.RLock()
	token, ready := a.token, a.ready
	a.mu.RUnlock()
	if ready {
		return token, nil
	}

	return a.refresh(ctx, cc, "")
}

// Replaces a stale token. If another caller already replaced it, its token is reused.
func (a *authenticator) refresh(ctx context.Context, cc *grpc.ClientConn, stale string) (string, error) {
	token, err, _ := a.group.Do("token", func() (interface{}, error) {
		a.mu.RLock()
		token, ready := a.token, a.ready
		a.mu.RUnlock()
		if ready && token != stale {
			return token, nil
		}

		token, err := a.fetch(ctx, cc)
		if err != nil {
			return "", err
		}

		a.mu.Lock()
		a.token = token
		a.ready = true
		a.mu.Unlock()
		a.logger.Debug("Obtained authentication token", zap.String("username", a.username))
		return token, nil
	})
	if err != nil {
		return "", err
	}
	return token.(string), nil
}

/*
State shared by an EtcdClient and the copies returned by SetContext
*/
type clientCore struct {
	conn    *transport.Conn
	auth    *authenticator
	metrics *ClientMetrics
	logger  *zap.Logger
	//Bounds the background work of the client: watch stream, lease loops
	ctx    context.Context
	cancel context.CancelFunc

	requestTimeout time.Duration
	backoffInitial time.Duration
	backoffMax     time.Duration

	watcher *watchMux
	leases  *LeaseManager

	closeOnce sync.Once
}

func (c *clientCore) invoke(ctx context.Context, sess transport.Session, token string, call func(ctx context.Context, cc *grpc.ClientConn) error) error {
	lostCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	go func() {
		select {
		case <-sess.Lost():
			cancel(ErrConnectionLost)
		case <-lostCtx.Done():
		}
	}()

	callCtx := lostCtx
	if token != "" {
		callCtx = metadata.AppendToOutgoingContext(lostCtx, rpctypes.TokenFieldNameGRPC, token)
	}

	err := call(callCtx, sess.Conn)
	if err != nil && ctx.Err() == nil && errors.Is(context.Cause(lostCtx), ErrConnectionLost) {
		return fmt.Errorf("%w: session generation %d was lost during the call: %w", ErrConnectionLost, sess.Generation, err)
	}
	return err
}

/*
Runs a unary call on the current session with the authentication token attached.
When the store rejects the token, the client re-authenticates and retries the call exactly once.
*/
func (c *clientCore) unary(ctx context.Context, operation string, call func(ctx context.Context, cc *grpc.ClientConn) error) error {
	start := time.Now()
	err := c.unaryAttempt(ctx, call)
	c.metrics.observeRequest(operation, start, err)
	if err != nil {
		c.logger.Debug("Request failed", zap.String("operation", operation), zap.Error(err))
	}
	return err
}

func (c *clientCore) unaryAttempt(ctx context.Context, call func(ctx context.Context, cc *grpc.ClientConn) error) error {
	sess, err := c.conn.Acquire(ctx)
	if err != nil {
		return translateError(err)
	}

	token, err := c.auth.current(ctx, sess.Conn)
	if err != nil {
		return err
	}

	err = c.invoke(ctx, sess, token, call)
	if err != nil && c.auth.enabled() && isTokenRejected(err) {
		c.logger.Info("Authentication token rejected, re-authenticating", zap.String("username", c.auth.username))
		token, err = c.auth.refresh(ctx, sess.Conn, token)
		if err != nil {
			return err
		}

		err = c.invoke(ctx, sess, token, call)
		if err != nil && isTokenRejected(err) {
			return fmt.Errorf("%w: token rejected after re-authentication: %w", ErrAuth, rpctypes.Error(err))
		}
	}

	return translateError(err)
}

// Returns the context a stream should be opened with on the given session
func (c *clientCore) streamContext(ctx context.Context, sess transport.Session) (context.Context, string, error) {
	token, err := c.auth.current(ctx, sess.Conn)
	if err != nil {
		return nil, "", err
	}
	if token != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, rpctypes.TokenFieldNameGRPC, token)
	}
	return ctx, token, nil
}

func (c *clientCore) close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		c.leases.close()
		c.watcher.close()
		err = c.conn.Close()
		c.metrics.Unregister()
	})
	return err
}
