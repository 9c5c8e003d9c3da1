package testutils

import (
	"bytes"
	"sort"
	"sync"
	"time"

	pb "go.etcd.io/etcd/api/v3/etcdserverpb"
	"go.etcd.io/etcd/api/v3/mvccpb"
	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
)

type storeLease struct {
	id       int64
	ttl      int64
	deadline time.Time
	keys     map[string]struct{}
}

/*
Minimal multi-version key-value store reproducing the store semantics the client depends on:
a store-wide revision bumped once per write request, history retained until compaction,
leases deleting their keys on expiry.
*/
type Store struct {
	mu        sync.Mutex
	clusterId uint64
	revision  int64
	compacted int64
	//State of the store at revision compacted - 1
	base      map[string]*mvccpb.KeyValue
	kvs       map[string]*mvccpb.KeyValue
	history   []*mvccpb.Event
	leases    map[int64]*storeLease
	nextLease int64
	changed   chan struct{}
	now       func() time.Time
}

func NewStore() *Store {
	return &Store{
		clusterId: 0xc105e2,
		revision:  1,
		base:      map[string]*mvccpb.KeyValue{},
		kvs:       map[string]*mvccpb.KeyValue{},
		leases:    map[int64]*storeLease{},
		changed:   make(chan struct{}),
		now:       time.Now,
	}
}

func cloneKv(kv *mvccpb.KeyValue) *mvccpb.KeyValue {
	if kv == nil {
		return nil
	}
	cp := *kv
	cp.Key = append([]byte(nil), kv.Key...)
	cp.Value = append([]byte(nil), kv.Value...)
	return &cp
}

func inRange(key []byte, start []byte, end []byte) bool {
	if len(end) == 0 {
		return bytes.Equal(key, start)
	}
	if len(end) == 1 && end[0] == 0 {
		return bytes.Compare(key, start) >= 0
	}
	return bytes.Compare(key, start) >= 0 && bytes.Compare(key, end) < 0
}

func (s *Store) header() *pb.ResponseHeader {
	return &pb.ResponseHeader{
		ClusterId: s.clusterId,
		Revision:  s.revision,
		RaftTerm:  1,
	}
}

func (s *Store) Revision() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.revision
}

func (s *Store) notify() {
	close(s.changed)
	s.changed = make(chan struct{})
}

func (s *Store) stateAt(rev int64) map[string]*mvccpb.KeyValue {
	if rev == 0 || rev >= s.revision {
		return s.kvs
	}
	return s.replay(rev)
}

// Rebuilds the state of the store at the given revision from the retained history
func (s *Store) replay(rev int64) map[string]*mvccpb.KeyValue {
	state := make(map[string]*mvccpb.KeyValue, len(s.base))
	for key, kv := range s.base {
		state[key] = kv
	}
	for _, ev := range s.history {
		if ev.Kv.ModRevision > rev {
			break
		}
		if ev.Type == mvccpb.DELETE {
			delete(state, string(ev.Kv.Key))
		} else {
			state[string(ev.Kv.Key)] = ev.Kv
		}
	}
	return state
}

func (s *Store) rangeLocked(req *pb.RangeRequest) (*pb.RangeResponse, error) {
	if len(req.Key) == 0 {
		return nil, rpctypes.ErrGRPCEmptyKey
	}
	if req.Revision > 0 && req.Revision < s.compacted {
		return nil, rpctypes.ErrGRPCCompacted
	}
	if req.Revision > s.revision {
		return nil, rpctypes.ErrGRPCFutureRev
	}

	matches := []*mvccpb.KeyValue{}
	for _, kv := range s.stateAt(req.Revision) {
		if inRange(kv.Key, req.Key, req.RangeEnd) {
			matches = append(matches, kv)
		}
	}
	sort.Slice(matches, func(i, j int) bool {
		return bytes.Compare(matches[i].Key, matches[j].Key) < 0
	})

	resp := &pb.RangeResponse{
		Header: s.header(),
		Count:  int64(len(matches)),
	}
	if req.CountOnly {
		return resp, nil
	}
	if req.Limit > 0 && int64(len(matches)) > req.Limit {
		matches = matches[:req.Limit]
		resp.More = true
	}
	for _, kv := range matches {
		cp := cloneKv(kv)
		if req.KeysOnly {
			cp.Value = nil
		}
		resp.Kvs = append(resp.Kvs, cp)
	}
	return resp, nil
}

func (s *Store) Range(req *pb.RangeRequest) (*pb.RangeResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rangeLocked(req)
}

func (s *Store) detachLease(key string, leaseId int64) {
	if leaseId == 0 {
		return
	}
	if lease, ok := s.leases[leaseId]; ok {
		delete(lease.keys, key)
	}
}

func (s *Store) applyPut(rev int64, req *pb.PutRequest) *pb.PutResponse {
	key := string(req.Key)
	prev, exists := s.kvs[key]

	kv := &mvccpb.KeyValue{
		Key:            append([]byte(nil), req.Key...),
		Value:          append([]byte(nil), req.Value...),
		CreateRevision: rev,
		ModRevision:    rev,
		Version:        1,
		Lease:          req.Lease,
	}
	if exists {
		kv.CreateRevision = prev.CreateRevision
		kv.Version = prev.Version + 1
		s.detachLease(key, prev.Lease)
	}
	if req.Lease != 0 {
		s.leases[req.Lease].keys[key] = struct{}{}
	}

	s.kvs[key] = kv
	s.history = append(s.history, &mvccpb.Event{Type: mvccpb.PUT, Kv: kv, PrevKv: prev})

	resp := &pb.PutResponse{}
	if req.PrevKv && exists {
		resp.PrevKv = cloneKv(prev)
	}
	return resp
}

func (s *Store) applyDelete(rev int64, req *pb.DeleteRangeRequest) *pb.DeleteRangeResponse {
	keys := []string{}
	for key, kv := range s.kvs {
		if inRange(kv.Key, req.Key, req.RangeEnd) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	resp := &pb.DeleteRangeResponse{Deleted: int64(len(keys))}
	for _, key := range keys {
		prev := s.kvs[key]
		delete(s.kvs, key)
		s.detachLease(key, prev.Lease)
		tombstone := &mvccpb.KeyValue{Key: []byte(key), ModRevision: rev}
		s.history = append(s.history, &mvccpb.Event{Type: mvccpb.DELETE, Kv: tombstone, PrevKv: prev})
		if req.PrevKv {
			resp.PrevKvs = append(resp.PrevKvs, cloneKv(prev))
		}
	}
	return resp
}

func (s *Store) commit(rev int64) {
	if len(s.history) > 0 && s.history[len(s.history)-1].Kv.ModRevision == rev {
		s.revision = rev
		s.notify()
	}
}

func (s *Store) Put(req *pb.PutRequest) (*pb.PutResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(req.Key) == 0 {
		return nil, rpctypes.ErrGRPCEmptyKey
	}
	if _, ok := s.leases[req.Lease]; req.Lease != 0 && !ok {
		return nil, rpctypes.ErrGRPCLeaseNotFound
	}

	rev := s.revision + 1
	resp := s.applyPut(rev, req)
	s.commit(rev)
	resp.Header = s.header()
	return resp, nil
}

func (s *Store) DeleteRange(req *pb.DeleteRangeRequest) (*pb.DeleteRangeResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(req.Key) == 0 {
		return nil, rpctypes.ErrGRPCEmptyKey
	}

	rev := s.revision + 1
	resp := s.applyDelete(rev, req)
	s.commit(rev)
	resp.Header = s.header()
	return resp, nil
}

func (s *Store) compare(cmp *pb.Compare) bool {
	kv, exists := s.kvs[string(cmp.Key)]
	if !exists {
		kv = &mvccpb.KeyValue{}
	}

	var result int
	switch target := cmp.TargetUnion.(type) {
	case *pb.Compare_Value:
		if !exists {
			return false
		}
		result = bytes.Compare(kv.Value, target.Value)
	case *pb.Compare_Version:
		result = compareInt(kv.Version, target.Version)
	case *pb.Compare_CreateRevision:
		result = compareInt(kv.CreateRevision, target.CreateRevision)
	case *pb.Compare_ModRevision:
		result = compareInt(kv.ModRevision, target.ModRevision)
	case *pb.Compare_Lease:
		result = compareInt(kv.Lease, target.Lease)
	default:
		return false
	}

	switch cmp.Result {
	case pb.Compare_EQUAL:
		return result == 0
	case pb.Compare_NOT_EQUAL:
		return result != 0
	case pb.Compare_GREATER:
		return result > 0
	case pb.Compare_LESS:
		return result < 0
	}
	return false
}

func compareInt(a int64, b int64) int {
	if a < b {
		return -1
	}
	if a > b {
		return 1
	}
	return 0
}

func (s *Store) Txn(req *pb.TxnRequest) (*pb.TxnResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	succeeded := true
	for _, cmp := range req.Compare {
		if !s.compare(cmp) {
			succeeded = false
			break
		}
	}

	ops := req.Success
	if !succeeded {
		ops = req.Failure
	}

	//Validate the whole branch first so that nothing applies if any operation is invalid
	for _, op := range ops {
		if put := op.GetRequestPut(); put != nil {
			if _, ok := s.leases[put.Lease]; put.Lease != 0 && !ok {
				return nil, rpctypes.ErrGRPCLeaseNotFound
			}
		}
		if rg := op.GetRequestRange(); rg != nil && rg.Revision != 0 {
			if rg.Revision < s.compacted {
				return nil, rpctypes.ErrGRPCCompacted
			}
		}
	}

	rev := s.revision + 1
	resp := &pb.TxnResponse{Succeeded: succeeded}
	for _, op := range ops {
		switch {
		case op.GetRequestRange() != nil:
			rg, _ := s.rangeLocked(op.GetRequestRange())
			resp.Responses = append(resp.Responses, &pb.ResponseOp{
				Response: &pb.ResponseOp_ResponseRange{ResponseRange: rg},
			})
		case op.GetRequestPut() != nil:
			put := s.applyPut(rev, op.GetRequestPut())
			resp.Responses = append(resp.Responses, &pb.ResponseOp{
				Response: &pb.ResponseOp_ResponsePut{ResponsePut: put},
			})
		case op.GetRequestDeleteRange() != nil:
			del := s.applyDelete(rev, op.GetRequestDeleteRange())
			resp.Responses = append(resp.Responses, &pb.ResponseOp{
				Response: &pb.ResponseOp_ResponseDeleteRange{ResponseDeleteRange: del},
			})
		}
	}
	s.commit(rev)

	resp.Header = s.header()
	for _, op := range resp.Responses {
		switch r := op.Response.(type) {
		case *pb.ResponseOp_ResponseRange:
			r.ResponseRange.Header = resp.Header
		case *pb.ResponseOp_ResponsePut:
			r.ResponsePut.Header = resp.Header
		case *pb.ResponseOp_ResponseDeleteRange:
			r.ResponseDeleteRange.Header = resp.Header
		}
	}
	return resp, nil
}

func (s *Store) Compact(req *pb.CompactionRequest) (*pb.CompactionResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if req.Revision <= s.compacted {
		return nil, rpctypes.ErrGRPCCompacted
	}
	if req.Revision > s.revision {
		return nil, rpctypes.ErrGRPCFutureRev
	}

	s.base = s.replay(req.Revision - 1)
	kept := []*mvccpb.Event{}
	for _, ev := range s.history {
		if ev.Kv.ModRevision >= req.Revision {
			kept = append(kept, ev)
		}
	}
	s.history = kept
	s.compacted = req.Revision

	return &pb.CompactionResponse{Header: s.header()}, nil
}

// Returns a channel closed on the next store change
func (s *Store) Changed() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.changed
}

/*
Returns the events matching the range from the given revision onwards.
If that revision was compacted, the compaction revision is returned instead.
*/
func (s *Store) EventsSince(rev int64, key []byte, end []byte) ([]*mvccpb.Event, int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rev < s.compacted {
		return nil, s.compacted
	}

	events := []*mvccpb.Event{}
	for _, ev := range s.history {
		if ev.Kv.ModRevision >= rev && inRange(ev.Kv.Key, key, end) {
			events = append(events, ev)
		}
	}
	return events, 0
}

func (s *Store) Grant(req *pb.LeaseGrantRequest) (*pb.LeaseGrantResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ttl := req.TTL
	if ttl <= 0 {
		ttl = 1
	}

	id := req.ID
	if id == 0 {
		s.nextLease++
		id = 0x7e570000 + s.nextLease
	}
	if _, ok := s.leases[id]; ok {
		return nil, rpctypes.ErrGRPCLeaseExist
	}

	s.leases[id] = &storeLease{
		id:       id,
		ttl:      ttl,
		deadline: s.now().Add(time.Duration(ttl) * time.Second),
		keys:     map[string]struct{}{},
	}
	return &pb.LeaseGrantResponse{Header: s.header(), ID: id, TTL: ttl}, nil
}

func (s *Store) revokeLocked(id int64) bool {
	lease, ok := s.leases[id]
	if !ok {
		return false
	}
	delete(s.leases, id)

	keys := make([]string, 0, len(lease.keys))
	for key := range lease.keys {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	rev := s.revision + 1
	for _, key := range keys {
		s.applyDelete(rev, &pb.DeleteRangeRequest{Key: []byte(key)})
	}
	s.commit(rev)
	return true
}

func (s *Store) Revoke(req *pb.LeaseRevokeRequest) (*pb.LeaseRevokeResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.revokeLocked(req.ID) {
		return nil, rpctypes.ErrGRPCLeaseNotFound
	}
	return &pb.LeaseRevokeResponse{Header: s.header()}, nil
}

// Refreshes the lease. A TTL of 0 is returned if the lease does not exist.
func (s *Store) KeepAlive(req *pb.LeaseKeepAliveRequest) *pb.LeaseKeepAliveResponse {
	s.mu.Lock()
	defer s.mu.Unlock()

	resp := &pb.LeaseKeepAliveResponse{Header: s.header(), ID: req.ID}
	lease, ok := s.leases[req.ID]
	if !ok {
		return resp
	}
	lease.deadline = s.now().Add(time.Duration(lease.ttl) * time.Second)
	resp.TTL = lease.ttl
	return resp
}

func (s *Store) TimeToLive(req *pb.LeaseTimeToLiveRequest) (*pb.LeaseTimeToLiveResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	resp := &pb.LeaseTimeToLiveResponse{Header: s.header(), ID: req.ID, TTL: -1}
	lease, ok := s.leases[req.ID]
	if !ok {
		return resp, nil
	}

	remaining := lease.deadline.Sub(s.now())
	resp.TTL = int64((remaining + time.Second - 1) / time.Second)
	resp.GrantedTTL = lease.ttl
	if req.Keys {
		keys := make([]string, 0, len(lease.keys))
		for key := range lease.keys {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			resp.Keys = append(resp.Keys, []byte(key))
		}
	}
	return resp, nil
}

func (s *Store) Leases() *pb.LeaseLeasesResponse {
	s.mu.Lock()
	defer s.mu.Unlock()

	resp := &pb.LeaseLeasesResponse{Header: s.header()}
	ids := make([]int64, 0, len(s.leases))
	for id := range s.leases {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		resp.Leases = append(resp.Leases, &pb.LeaseStatus{ID: id})
	}
	return resp
}

// Revokes every lease whose deadline has passed
func (s *Store) ExpireLeases() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	expired := []int64{}
	for id, lease := range s.leases {
		if now.After(lease.deadline) {
			expired = append(expired, id)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i] < expired[j] })
	for _, id := range expired {
		s.revokeLocked(id)
	}
	return expired
}

func (s *Store) Size() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	size := int64(0)
	for _, kv := range s.kvs {
		size += int64(len(kv.Key) + len(kv.Value))
	}
	return size
}
