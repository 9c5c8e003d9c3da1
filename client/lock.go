package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Ferlab-Ste-Justine/etcd-client-core/keymodels"
	"github.com/google/uuid"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// Revoking is safe to repeat: a lease that is already gone is reported as released
func (cli *EtcdClient) releaseLeaseWithRetries(lease int64, retries uint64) error {
	err := cli.RevokeLease(lease)
	if err != nil {
		//Lease already gone, along with the lock
		if errors.Is(err, ErrLeaseExpired) {
			return nil
		}
		if !shouldRetry(err, retries) {
			return err
		}

		time.Sleep(cli.RetryInterval)
		return cli.releaseLeaseWithRetries(lease, retries-1)
	}

	return nil
}

func (cli *EtcdClient) acquireLockWithRetries(opts AcquireLockOptions, holder string, deadline time.Time, retries uint64) (*keymodels.Lock, bool, error) {
	//If acquisition deadline has expired, fail
	now := time.Now()
	if now.After(deadline) {
		return nil, true, errors.New(fmt.Sprintf("Could not acquire lock on key %s before deadline", opts.Key))
	}

	//Exploratory get without getting a lease to see if a lock already exists
	//Seems more efficient not to create a lease unless likelyhood is high we can get a lock
	info, err := cli.GetKey(opts.Key, GetKeyOptions{})
	if err != nil {
		if !shouldRetry(err, retries) {
			return nil, false, err
		}

		time.Sleep(cli.RetryInterval)
		return cli.acquireLockWithRetries(opts, holder, deadline, retries-1)
	}

	if info.Found() {
		time.Sleep(opts.RetryInterval)
		return cli.acquireLockWithRetries(opts, holder, deadline, retries)
	}

	//Changes are good we can get a lock, so create a lease
	ctx, cancel := cli.requestContext()
	leaseResp, leaseErr := cli.core.leases.grant(ctx, opts.Ttl)
	cancel()
	//A grant whose outcome is unknown is not sent again, it could leave an orphan lease behind
	if leaseErr != nil {
		return nil, false, leaseErr
	}

	//Create a lock with a transaction as safeguard, in case another acquirer narrowly beat us to the punch
	lock := keymodels.Lock{
		Lease:     clientv3.LeaseID(leaseResp.ID),
		Ttl:       opts.Ttl,
		Timestamp: now,
		Revision:  leaseResp.Header.GetRevision(),
		Holder:    holder,
	}
	output, _ := json.Marshal(lock)

	txIfs := []clientv3.Cmp{KeyIsPresent(opts.Key, false)}
	if len(opts.ExtraConditions) > 0 {
		txIfs = append(txIfs, opts.ExtraConditions...)
	}

	txResp, txErr := cli.Transaction(
		txIfs,
		[]TxOp{TxPutWithLease(opts.Key, string(output), leaseResp.ID)},
		[]TxOp{},
	)

	//Transaction error
	if txErr != nil {
		releaseErr := cli.releaseLeaseWithRetries(leaseResp.ID, cli.Retries)
		if (!shouldRetry(txErr, retries)) || releaseErr != nil {
			return nil, false, txErr
		}

		time.Sleep(cli.RetryInterval)
		return cli.acquireLockWithRetries(opts, holder, deadline, retries-1)
	}

	//Someone beat us to the punch acquiring the lock
	if !txResp.Succeeded {
		releaseErr := cli.releaseLeaseWithRetries(leaseResp.ID, cli.Retries)
		if releaseErr != nil {
			return nil, false, releaseErr
		}

		time.Sleep(opts.RetryInterval)
		return cli.acquireLockWithRetries(opts, holder, deadline, retries)
	}

	cli.core.logger.Debug("Acquired lock", zap.String("key", opts.Key), zap.String("holder", holder))
	return &lock, false, nil
}

type AcquireLockOptions struct {
	Key             string
	Ttl             int64
	Timeout         time.Duration
	RetryInterval   time.Duration
	ExtraConditions []clientv3.Cmp
}

/*
Acquires a lock on a key. The lock is a key attached to a lease that is not kept alive: it is released
when the lease expires after the ttl, or when it is released explicitly.
The second return value indicates whether the acquisition timed out.
*/
func (cli *EtcdClient) AcquireLock(opts AcquireLockOptions) (*keymodels.Lock, bool, error) {
	if opts.Ttl == 0 {
		opts.Ttl = 600
	}
	if int64(opts.Timeout) == 0 {
		opts.Timeout = 30 * time.Second
	}
	if int64(opts.RetryInterval) == 0 {
		opts.RetryInterval = 500 * time.Millisecond
	}

	now := time.Now()
	return cli.acquireLockWithRetries(opts, uuid.New().String(), now.Add(opts.Timeout), cli.Retries)
}

func (cli *EtcdClient) ReadLock(key string) (*keymodels.Lock, error) {
	info, err := cli.GetKey(key, GetKeyOptions{})
	if err != nil {
		return nil, err
	}
	if !info.Found() {
		return nil, errors.New(fmt.Sprintf("Could not read lock at key %s as it didn't exist", key))
	}

	lock := keymodels.Lock{}
	unmarshalErr := json.Unmarshal([]byte(info.Value), &lock)
	if unmarshalErr != nil {
		return nil, unmarshalErr
	}

	return &lock, nil
}

/*
Releases the lock at the given key, whoever holds it
*/
func (cli *EtcdClient) ReleaseLock(key string) error {
	lock, lockErr := cli.ReadLock(key)
	if lockErr != nil {
		return lockErr
	}

	return cli.releaseLeaseWithRetries(int64(lock.Lease), cli.Retries)
}

/*
Releases the lock at the given key only if it is still held by the given acquisition.
Returns false if the lock is gone or was acquired by someone else in the meantime.
*/
func (cli *EtcdClient) ReleaseOwnLock(key string, lock *keymodels.Lock) (bool, error) {
	info, err := cli.GetKey(key, GetKeyOptions{})
	if err != nil {
		return false, err
	}
	if !info.Found() {
		return false, nil
	}

	current := keymodels.Lock{}
	unmarshalErr := json.Unmarshal([]byte(info.Value), &current)
	if unmarshalErr != nil {
		return false, unmarshalErr
	}
	if current.Holder != lock.Holder {
		return false, nil
	}

	return true, cli.releaseLeaseWithRetries(int64(current.Lease), cli.Retries)
}
