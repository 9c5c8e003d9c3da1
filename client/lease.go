package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	pb "go.etcd.io/etcd/api/v3/etcdserverpb"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

const (
	minRefreshInterval = 500 * time.Millisecond
	minExpiryCheck     = 100 * time.Millisecond
)

// Keep-alive refreshes happen at a third of the granted ttl
func refreshInterval(ttl int64) time.Duration {
	interval := time.Duration(ttl) * time.Second / 3
	if interval < minRefreshInterval {
		return minRefreshInterval
	}
	return interval
}

type LeaseExpiredEvent struct {
	Lease int64
}

type LeaseInfo struct {
	ID int64
	//Remaining ttl in seconds. -1 if the lease does not exist anymore.
	TTL        int64
	GrantedTTL int64
	Keys       []string
}

func (info *LeaseInfo) Found() bool {
	return info.TTL >= 0
}

/*
Lease tracked by the lease manager.
While keep-alive is on, the lease is refreshed at a third of its ttl.
While it is off, the manager still checks the lease when its deadline passes so that an expiry is reported.
An expiry is reported exactly once: Done is closed, Err returns ErrLeaseExpired and an event is sent on the manager's Expired channel.
*/
type Lease struct {
	ID         int64
	GrantedTTL int64

	mgr      *LeaseManager
	wake     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	doneOnce sync.Once

	mu        sync.Mutex
	deadline  time.Time
	keepAlive bool
	err       error
}

func (l *Lease) Done() <-chan struct{} {
	return l.done
}

/*
ErrLeaseExpired if the lease expired, ErrClientClosed if the client was closed.
Nil while the lease is tracked and after it was revoked or released.
*/
func (l *Lease) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// Local estimate of when the lease expires, updated on every refresh
func (l *Lease) Deadline() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.deadline
}

func (l *Lease) setKeepAlive(keepAlive bool) {
	l.mu.Lock()
	l.keepAlive = keepAlive
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Starts refreshing the lease in the background
func (l *Lease) KeepAlive() {
	l.setKeepAlive(true)
}

// Stops refreshing the lease. The lease expires at its deadline unless refreshed elsewhere.
func (l *Lease) StopKeepAlive() {
	l.setKeepAlive(false)
}

func (l *Lease) terminate(err error) bool {
	terminated := false
	l.doneOnce.Do(func() {
		l.mu.Lock()
		l.err = err
		l.mu.Unlock()
		close(l.done)
		terminated = true
	})
	return terminated
}

func (l *Lease) halt() {
	l.stopOnce.Do(func() {
		close(l.stop)
	})
}

// Stops tracking the lease without revoking it
func (l *Lease) Release() {
	l.terminate(nil)
	l.halt()
}

// Stops tracking the lease and deletes it along with its keys
func (l *Lease) Revoke() error {
	l.Release()

	ctx, cancel := context.WithTimeout(l.mgr.core.ctx, l.mgr.core.requestTimeout)
	defer cancel()
	return l.mgr.revoke(ctx, l.ID)
}

func (l *Lease) expire() {
	if !l.terminate(fmt.Errorf("%w: lease %x", ErrLeaseExpired, l.ID)) {
		return
	}
	l.halt()

	mgr := l.mgr
	mgr.core.metrics.LeaseExpirations.Inc()
	mgr.logger.Info("Lease expired", zap.Int64("lease", l.ID))

	select {
	case mgr.expired <- LeaseExpiredEvent{Lease: l.ID}:
	case <-mgr.core.ctx.Done():
	}
}

func (l *Lease) refresh() {
	mgr := l.mgr
	ctx, cancel := context.WithTimeout(mgr.core.ctx, mgr.core.requestTimeout)
	defer cancel()

	ttl, err := mgr.keepAliveOnce(ctx, l.ID)
	if err != nil {
		if errors.Is(err, ErrLeaseExpired) {
			l.expire()
			return
		}
		mgr.core.metrics.LeaseRefreshes.WithLabelValues("error").Inc()
		mgr.logger.Warn("Failed to refresh lease", zap.Int64("lease", l.ID), zap.Error(err))
		return
	}
	if ttl <= 0 {
		l.expire()
		return
	}

	mgr.core.metrics.LeaseRefreshes.WithLabelValues("success").Inc()
	l.mu.Lock()
	l.deadline = time.Now().Add(time.Duration(ttl) * time.Second)
	l.mu.Unlock()
}

func (l *Lease) check() {
	mgr := l.mgr
	ctx, cancel := context.WithTimeout(mgr.core.ctx, mgr.core.requestTimeout)
	defer cancel()

	info, err := mgr.timeToLive(ctx, l.ID, false)
	if err != nil && !errors.Is(err, ErrLeaseExpired) {
		mgr.logger.Warn("Failed to check lease", zap.Int64("lease", l.ID), zap.Error(err))
		l.mu.Lock()
		l.deadline = time.Now().Add(minRefreshInterval)
		l.mu.Unlock()
		return
	}
	if err != nil || !info.Found() {
		l.expire()
		return
	}

	l.mu.Lock()
	l.deadline = time.Now().Add(time.Duration(info.TTL) * time.Second)
	l.mu.Unlock()
}

func (l *Lease) loop() {
	mgr := l.mgr
	defer mgr.wg.Done()
	defer mgr.untrack(l)

	interval := refreshInterval(l.GrantedTTL)
	for {
		l.mu.Lock()
		keepAlive, deadline := l.keepAlive, l.deadline
		l.mu.Unlock()

		wait := interval
		if !keepAlive {
			wait = time.Until(deadline)
			if wait < minExpiryCheck {
				wait = minExpiryCheck
			}
		}

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-l.wake:
			timer.Stop()
			continue
		case <-l.stop:
			timer.Stop()
			return
		case <-mgr.core.ctx.Done():
			timer.Stop()
			l.terminate(ErrClientClosed)
			return
		}

		if keepAlive {
			l.refresh()
		} else {
			l.check()
		}

		select {
		case <-l.done:
			return
		default:
		}
	}
}

/*
Grants leases and runs their keep-alive loops.
*/
type LeaseManager struct {
	core    *clientCore
	logger  *zap.Logger
	expired chan LeaseExpiredEvent
	wg      sync.WaitGroup

	mu     sync.Mutex
	leases map[int64]*Lease
}

func newLeaseManager(core *clientCore) *LeaseManager {
	return &LeaseManager{
		core:    core,
		logger:  core.logger.Named("lease"),
		expired: make(chan LeaseExpiredEvent, 64),
		leases:  map[int64]*Lease{},
	}
}

// Notifies of every tracked lease found expired
func (m *LeaseManager) Expired() <-chan LeaseExpiredEvent {
	return m.expired
}

// Lease tracked under the given id, if any
func (m *LeaseManager) Get(id int64) (*Lease, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.leases[id]
	return l, ok
}

func (m *LeaseManager) track(id int64, grantedTTL int64, remainingTTL int64, keepAlive bool) *Lease {
	m.mu.Lock()
	if existing, ok := m.leases[id]; ok {
		m.mu.Unlock()
		if keepAlive {
			existing.KeepAlive()
		}
		return existing
	}

	l := &Lease{
		ID:         id,
		GrantedTTL: grantedTTL,
		mgr:        m,
		wake:       make(chan struct{}, 1),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
		deadline:   time.Now().Add(time.Duration(remainingTTL) * time.Second),
		keepAlive:  keepAlive,
	}
	m.leases[id] = l
	m.wg.Add(1)
	m.mu.Unlock()

	go l.loop()
	return l
}

func (m *LeaseManager) untrack(l *Lease) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.leases[l.ID] == l {
		delete(m.leases, l.ID)
	}
}

func (m *LeaseManager) grant(ctx context.Context, ttl int64) (*pb.LeaseGrantResponse, error) {
	var resp *pb.LeaseGrantResponse
	err := m.core.unary(ctx, "lease_grant", func(ctx context.Context, cc *grpc.ClientConn) error {
		var err error
		resp, err = pb.NewLeaseClient(cc).LeaseGrant(ctx, &pb.LeaseGrantRequest{TTL: ttl})
		return err
	})
	if err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, errors.New(fmt.Sprintf("Failed to grant lease: %s", resp.Error))
	}
	return resp, nil
}

func (m *LeaseManager) revoke(ctx context.Context, id int64) error {
	return m.core.unary(ctx, "lease_revoke", func(ctx context.Context, cc *grpc.ClientConn) error {
		_, err := pb.NewLeaseClient(cc).LeaseRevoke(ctx, &pb.LeaseRevokeRequest{ID: id})
		return err
	})
}

func (m *LeaseManager) keepAliveOnce(ctx context.Context, id int64) (int64, error) {
	var ttl int64
	err := m.core.unary(ctx, "lease_keepalive", func(ctx context.Context, cc *grpc.ClientConn) error {
		stream, err := pb.NewLeaseClient(cc).LeaseKeepAlive(ctx)
		if err != nil {
			return err
		}
		err = stream.Send(&pb.LeaseKeepAliveRequest{ID: id})
		if err != nil {
			return err
		}
		resp, err := stream.Recv()
		if err != nil {
			return err
		}
		ttl = resp.TTL
		return stream.CloseSend()
	})
	return ttl, err
}

func (m *LeaseManager) timeToLive(ctx context.Context, id int64, withKeys bool) (LeaseInfo, error) {
	var resp *pb.LeaseTimeToLiveResponse
	err := m.core.unary(ctx, "lease_ttl", func(ctx context.Context, cc *grpc.ClientConn) error {
		var err error
		resp, err = pb.NewLeaseClient(cc).LeaseTimeToLive(ctx, &pb.LeaseTimeToLiveRequest{ID: id, Keys: withKeys})
		return err
	})
	if err != nil {
		return LeaseInfo{ID: id, TTL: -1}, err
	}

	info := LeaseInfo{ID: resp.ID, TTL: resp.TTL, GrantedTTL: resp.GrantedTTL, Keys: []string{}}
	for _, key := range resp.Keys {
		info.Keys = append(info.Keys, string(key))
	}
	return info, nil
}

func (m *LeaseManager) close() {
	m.wg.Wait()
}

/*
Grants a lease with the given ttl in seconds. The lease is tracked without keep-alive:
call KeepAlive on it to keep it from expiring.
Granting is a write and is not retried.
*/
func (cli *EtcdClient) GrantLease(ttl int64) (*Lease, error) {
	ctx, cancel := cli.requestContext()
	defer cancel()

	resp, err := cli.core.leases.grant(ctx, ttl)
	if err != nil {
		return nil, err
	}
	return cli.core.leases.track(resp.ID, resp.TTL, resp.TTL, false), nil
}

/*
Starts keeping alive a lease, which may have been granted by another client.
Fails with ErrLeaseExpired if the lease does not exist.
*/
func (cli *EtcdClient) KeepAliveLease(id int64) (*Lease, error) {
	if l, ok := cli.core.leases.Get(id); ok {
		l.KeepAlive()
		return l, nil
	}

	info, err := cli.GetLeaseInfo(id, false)
	if err != nil {
		return nil, err
	}
	if !info.Found() {
		return nil, fmt.Errorf("%w: lease %x", ErrLeaseExpired, id)
	}
	return cli.core.leases.track(id, info.GrantedTTL, info.TTL, true), nil
}

/*
Refreshes a lease once and returns its new ttl.
Fails with ErrLeaseExpired if the lease does not exist.
*/
func (cli *EtcdClient) KeepAliveLeaseOnce(id int64) (int64, error) {
	ctx, cancel := cli.requestContext()
	defer cancel()

	ttl, err := cli.core.leases.keepAliveOnce(ctx, id)
	if err != nil {
		return 0, err
	}
	if ttl <= 0 {
		return 0, fmt.Errorf("%w: lease %x", ErrLeaseExpired, id)
	}
	return ttl, nil
}

/*
Revokes a lease, deleting every key attached to it. Stops its keep-alive loop if it is tracked.
*/
func (cli *EtcdClient) RevokeLease(id int64) error {
	if l, ok := cli.core.leases.Get(id); ok {
		l.Release()
	}

	ctx, cancel := cli.requestContext()
	defer cancel()
	return cli.core.leases.revoke(ctx, id)
}

func (cli *EtcdClient) getLeaseInfoWithRetries(id int64, withKeys bool, retries uint64) (LeaseInfo, error) {
	ctx, cancel := cli.requestContext()
	defer cancel()

	info, err := cli.core.leases.timeToLive(ctx, id, withKeys)
	if err != nil {
		if errors.Is(err, ErrLeaseExpired) {
			return LeaseInfo{ID: id, TTL: -1, Keys: []string{}}, nil
		}
		if !shouldRetry(err, retries) {
			return info, err
		}

		time.Sleep(cli.RetryInterval)
		return cli.getLeaseInfoWithRetries(id, withKeys, retries-1)
	}
	return info, nil
}

/*
Returns the remaining ttl of a lease and optionally the keys attached to it.
A lease that does not exist is reported with a ttl of -1.
*/
func (cli *EtcdClient) GetLeaseInfo(id int64, withKeys bool) (LeaseInfo, error) {
	return cli.getLeaseInfoWithRetries(id, withKeys, cli.Retries)
}

func (cli *EtcdClient) listLeasesWithRetries(retries uint64) ([]int64, error) {
	ctx, cancel := cli.requestContext()
	defer cancel()

	var resp *pb.LeaseLeasesResponse
	err := cli.core.unary(ctx, "lease_list", func(ctx context.Context, cc *grpc.ClientConn) error {
		var err error
		resp, err = pb.NewLeaseClient(cc).LeaseLeases(ctx, &pb.LeaseLeasesRequest{})
		return err
	})
	if err != nil {
		if !shouldRetry(err, retries) {
			return []int64{}, err
		}

		time.Sleep(cli.RetryInterval)
		return cli.listLeasesWithRetries(retries - 1)
	}

	leases := []int64{}
	for _, lease := range resp.Leases {
		leases = append(leases, lease.ID)
	}
	return leases, nil
}

func (cli *EtcdClient) ListLeases() ([]int64, error) {
	return cli.listLeasesWithRetries(cli.Retries)
}
