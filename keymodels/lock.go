package keymodels

import (
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

/*
Content of a lock key. The lock is released when its lease is revoked or expires.
*/
type Lock struct {
	Lease     clientv3.LeaseID
	Ttl       int64
	Timestamp time.Time
	//Revision of the store when the lock lease was granted
	Revision int64
	//Identifies the acquirer, so that a release only affects the lock it acquired
	Holder string
}
