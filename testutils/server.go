package testutils

import (
	"context"
	"errors"
	"io"
	"sort"

	"go.etcd.io/etcd/api/v3/authpb"
	pb "go.etcd.io/etcd/api/v3/etcdserverpb"
	"go.etcd.io/etcd/api/v3/mvccpb"
	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type kvServer struct {
	pb.UnimplementedKVServer
	store *Store
}

func (s *kvServer) Range(ctx context.Context, req *pb.RangeRequest) (*pb.RangeResponse, error) {
	return s.store.Range(req)
}

func (s *kvServer) Put(ctx context.Context, req *pb.PutRequest) (*pb.PutResponse, error) {
	return s.store.Put(req)
}

func (s *kvServer) DeleteRange(ctx context.Context, req *pb.DeleteRangeRequest) (*pb.DeleteRangeResponse, error) {
	return s.store.DeleteRange(req)
}

func (s *kvServer) Txn(ctx context.Context, req *pb.TxnRequest) (*pb.TxnResponse, error) {
	return s.store.Txn(req)
}

func (s *kvServer) Compact(ctx context.Context, req *pb.CompactionRequest) (*pb.CompactionResponse, error) {
	return s.store.Compact(req)
}

type serverWatcher struct {
	id             int64
	key            []byte
	end            []byte
	nextRev        int64
	prevKv         bool
	progressNotify bool
}

type watchServer struct {
	pb.UnimplementedWatchServer
	store *Store
}

func (s *watchServer) sendEvents(stream pb.Watch_WatchServer, watchers map[int64]*serverWatcher) (<-chan struct{}, error) {
	ids := make([]int64, 0, len(watchers))
	for id := range watchers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	changed := s.store.Changed()
	for _, id := range ids {
		w := watchers[id]
		events, compacted := s.store.EventsSince(w.nextRev, w.key, w.end)
		if compacted > 0 {
			delete(watchers, id)
			err := stream.Send(&pb.WatchResponse{
				Header:          &pb.ResponseHeader{Revision: s.store.Revision()},
				WatchId:         id,
				Canceled:        true,
				CompactRevision: compacted,
				CancelReason:    rpctypes.ErrGRPCCompacted.Error(),
			})
			if err != nil {
				return nil, err
			}
			continue
		}
		if len(events) == 0 {
			continue
		}

		out := make([]*mvccpb.Event, 0, len(events))
		for _, ev := range events {
			cp := &mvccpb.Event{Type: ev.Type, Kv: cloneKv(ev.Kv)}
			if w.prevKv {
				cp.PrevKv = cloneKv(ev.PrevKv)
			}
			out = append(out, cp)
		}
		w.nextRev = events[len(events)-1].Kv.ModRevision + 1

		err := stream.Send(&pb.WatchResponse{
			Header:  &pb.ResponseHeader{Revision: s.store.Revision()},
			WatchId: id,
			Events:  out,
		})
		if err != nil {
			return nil, err
		}
	}

	return changed, nil
}

func (s *watchServer) Watch(stream pb.Watch_WatchServer) error {
	ctx := stream.Context()
	reqc := make(chan *pb.WatchRequest)
	errc := make(chan error, 1)
	go func() {
		for {
			req, err := stream.Recv()
			if err != nil {
				errc <- err
				return
			}
			select {
			case reqc <- req:
			case <-ctx.Done():
				return
			}
		}
	}()

	watchers := map[int64]*serverWatcher{}
	nextId := int64(0)
	for {
		changed, err := s.sendEvents(stream, watchers)
		if err != nil {
			return err
		}

		select {
		case req := <-reqc:
			switch {
			case req.GetCreateRequest() != nil:
				create := req.GetCreateRequest()
				w := &serverWatcher{
					id:             nextId,
					key:            create.Key,
					end:            create.RangeEnd,
					nextRev:        create.StartRevision,
					prevKv:         create.PrevKv,
					progressNotify: create.ProgressNotify,
				}
				nextId++
				rev := s.store.Revision()
				if w.nextRev == 0 {
					w.nextRev = rev + 1
				}
				watchers[w.id] = w
				err := stream.Send(&pb.WatchResponse{
					Header:  &pb.ResponseHeader{Revision: rev},
					WatchId: w.id,
					Created: true,
				})
				if err != nil {
					return err
				}
			case req.GetCancelRequest() != nil:
				id := req.GetCancelRequest().WatchId
				if _, ok := watchers[id]; !ok {
					continue
				}
				delete(watchers, id)
				err := stream.Send(&pb.WatchResponse{
					Header:   &pb.ResponseHeader{Revision: s.store.Revision()},
					WatchId:  id,
					Canceled: true,
				})
				if err != nil {
					return err
				}
			case req.GetProgressRequest() != nil:
				err := stream.Send(&pb.WatchResponse{
					Header:  &pb.ResponseHeader{Revision: s.store.Revision()},
					WatchId: -1,
				})
				if err != nil {
					return err
				}
			}
		case err := <-errc:
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

type leaseServer struct {
	pb.UnimplementedLeaseServer
	store *Store
}

func (s *leaseServer) LeaseGrant(ctx context.Context, req *pb.LeaseGrantRequest) (*pb.LeaseGrantResponse, error) {
	return s.store.Grant(req)
}

func (s *leaseServer) LeaseRevoke(ctx context.Context, req *pb.LeaseRevokeRequest) (*pb.LeaseRevokeResponse, error) {
	return s.store.Revoke(req)
}

func (s *leaseServer) LeaseKeepAlive(stream pb.Lease_LeaseKeepAliveServer) error {
	for {
		req, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if err := stream.Send(s.store.KeepAlive(req)); err != nil {
			return err
		}
	}
}

func (s *leaseServer) LeaseTimeToLive(ctx context.Context, req *pb.LeaseTimeToLiveRequest) (*pb.LeaseTimeToLiveResponse, error) {
	return s.store.TimeToLive(req)
}

func (s *leaseServer) LeaseLeases(ctx context.Context, req *pb.LeaseLeasesRequest) (*pb.LeaseLeasesResponse, error) {
	return s.store.Leases(), nil
}

type authServer struct {
	pb.UnimplementedAuthServer
	auth *AuthStore
}

func emptyHeader() *pb.ResponseHeader {
	return &pb.ResponseHeader{}
}

func (s *authServer) AuthEnable(ctx context.Context, req *pb.AuthEnableRequest) (*pb.AuthEnableResponse, error) {
	if err := s.auth.setEnabled(true); err != nil {
		return nil, err
	}
	return &pb.AuthEnableResponse{Header: emptyHeader()}, nil
}

func (s *authServer) AuthDisable(ctx context.Context, req *pb.AuthDisableRequest) (*pb.AuthDisableResponse, error) {
	if err := s.auth.setEnabled(false); err != nil {
		return nil, err
	}
	return &pb.AuthDisableResponse{Header: emptyHeader()}, nil
}

func (s *authServer) AuthStatus(ctx context.Context, req *pb.AuthStatusRequest) (*pb.AuthStatusResponse, error) {
	s.auth.mu.Lock()
	defer s.auth.mu.Unlock()
	return &pb.AuthStatusResponse{Header: emptyHeader(), Enabled: s.auth.enabled, AuthRevision: s.auth.revision}, nil
}

func (s *authServer) Authenticate(ctx context.Context, req *pb.AuthenticateRequest) (*pb.AuthenticateResponse, error) {
	return s.auth.authenticate(req)
}

func (s *authServer) UserAdd(ctx context.Context, req *pb.AuthUserAddRequest) (*pb.AuthUserAddResponse, error) {
	if err := s.auth.userAdd(req.Name, req.Password); err != nil {
		return nil, err
	}
	return &pb.AuthUserAddResponse{Header: emptyHeader()}, nil
}

func (s *authServer) UserGet(ctx context.Context, req *pb.AuthUserGetRequest) (*pb.AuthUserGetResponse, error) {
	roles, err := s.auth.userGet(req.Name)
	if err != nil {
		return nil, err
	}
	return &pb.AuthUserGetResponse{Header: emptyHeader(), Roles: roles}, nil
}

func (s *authServer) UserList(ctx context.Context, req *pb.AuthUserListRequest) (*pb.AuthUserListResponse, error) {
	return &pb.AuthUserListResponse{Header: emptyHeader(), Users: s.auth.userList()}, nil
}

func (s *authServer) UserDelete(ctx context.Context, req *pb.AuthUserDeleteRequest) (*pb.AuthUserDeleteResponse, error) {
	if err := s.auth.userDelete(req.Name); err != nil {
		return nil, err
	}
	return &pb.AuthUserDeleteResponse{Header: emptyHeader()}, nil
}

func (s *authServer) UserChangePassword(ctx context.Context, req *pb.AuthUserChangePasswordRequest) (*pb.AuthUserChangePasswordResponse, error) {
	if err := s.auth.userChangePassword(req.Name, req.Password); err != nil {
		return nil, err
	}
	return &pb.AuthUserChangePasswordResponse{Header: emptyHeader()}, nil
}

func (s *authServer) UserGrantRole(ctx context.Context, req *pb.AuthUserGrantRoleRequest) (*pb.AuthUserGrantRoleResponse, error) {
	if err := s.auth.userGrantRole(req.User, req.Role); err != nil {
		return nil, err
	}
	return &pb.AuthUserGrantRoleResponse{Header: emptyHeader()}, nil
}

func (s *authServer) UserRevokeRole(ctx context.Context, req *pb.AuthUserRevokeRoleRequest) (*pb.AuthUserRevokeRoleResponse, error) {
	if err := s.auth.userRevokeRole(req.Name, req.Role); err != nil {
		return nil, err
	}
	return &pb.AuthUserRevokeRoleResponse{Header: emptyHeader()}, nil
}

func (s *authServer) RoleAdd(ctx context.Context, req *pb.AuthRoleAddRequest) (*pb.AuthRoleAddResponse, error) {
	if err := s.auth.roleAdd(req.Name); err != nil {
		return nil, err
	}
	return &pb.AuthRoleAddResponse{Header: emptyHeader()}, nil
}

func (s *authServer) RoleGet(ctx context.Context, req *pb.AuthRoleGetRequest) (*pb.AuthRoleGetResponse, error) {
	perms, err := s.auth.roleGet(req.Role)
	if err != nil {
		return nil, err
	}
	return &pb.AuthRoleGetResponse{Header: emptyHeader(), Perm: perms}, nil
}

func (s *authServer) RoleList(ctx context.Context, req *pb.AuthRoleListRequest) (*pb.AuthRoleListResponse, error) {
	return &pb.AuthRoleListResponse{Header: emptyHeader(), Roles: s.auth.roleList()}, nil
}

func (s *authServer) RoleDelete(ctx context.Context, req *pb.AuthRoleDeleteRequest) (*pb.AuthRoleDeleteResponse, error) {
	if err := s.auth.roleDelete(req.Role); err != nil {
		return nil, err
	}
	return &pb.AuthRoleDeleteResponse{Header: emptyHeader()}, nil
}

func (s *authServer) RoleGrantPermission(ctx context.Context, req *pb.AuthRoleGrantPermissionRequest) (*pb.AuthRoleGrantPermissionResponse, error) {
	if req.Perm == nil {
		return nil, status.Error(codes.InvalidArgument, "etcdserver: permission not given")
	}
	perm := &authpb.Permission{PermType: req.Perm.PermType, Key: req.Perm.Key, RangeEnd: req.Perm.RangeEnd}
	if err := s.auth.roleGrantPermission(req.Name, perm); err != nil {
		return nil, err
	}
	return &pb.AuthRoleGrantPermissionResponse{Header: emptyHeader()}, nil
}

func (s *authServer) RoleRevokePermission(ctx context.Context, req *pb.AuthRoleRevokePermissionRequest) (*pb.AuthRoleRevokePermissionResponse, error) {
	if err := s.auth.roleRevokePermission(req.Role, req.Key, req.RangeEnd); err != nil {
		return nil, err
	}
	return &pb.AuthRoleRevokePermissionResponse{Header: emptyHeader()}, nil
}

type clusterServer struct {
	pb.UnimplementedClusterServer
	cluster *TestCluster
}

func (s *clusterServer) MemberList(ctx context.Context, req *pb.MemberListRequest) (*pb.MemberListResponse, error) {
	resp := &pb.MemberListResponse{Header: &pb.ResponseHeader{Revision: s.cluster.Store.Revision()}}
	for _, member := range s.cluster.members {
		resp.Members = append(resp.Members, &pb.Member{
			ID:         member.Id,
			Name:       member.Name,
			PeerURLs:   []string{member.PeerUrl},
			ClientURLs: []string{"https://" + member.Endpoint},
		})
	}
	return resp, nil
}

type maintenanceServer struct {
	pb.UnimplementedMaintenanceServer
	cluster *TestCluster
	member  *TestMember
}

func (s *maintenanceServer) Status(ctx context.Context, req *pb.StatusRequest) (*pb.StatusResponse, error) {
	size := s.cluster.Store.Size()
	return &pb.StatusResponse{
		Header:      &pb.ResponseHeader{MemberId: s.member.Id, Revision: s.cluster.Store.Revision()},
		Version:     "3.5.11",
		DbSize:      size + 4096,
		DbSizeInUse: size + 1024,
		Leader:      s.cluster.Leader(),
		RaftTerm:    1,
	}, nil
}

func (s *maintenanceServer) MoveLeader(ctx context.Context, req *pb.MoveLeaderRequest) (*pb.MoveLeaderResponse, error) {
	if err := s.cluster.setLeader(req.TargetID); err != nil {
		return nil, err
	}
	return &pb.MoveLeaderResponse{Header: emptyHeader()}, nil
}

func (s *maintenanceServer) Snapshot(req *pb.SnapshotRequest, stream pb.Maintenance_SnapshotServer) error {
	resp, err := s.cluster.Store.Range(&pb.RangeRequest{Key: []byte{0}, RangeEnd: []byte{0}})
	if err != nil {
		return err
	}

	blob := []byte{}
	for _, kv := range resp.Kvs {
		data, marshalErr := kv.Marshal()
		if marshalErr != nil {
			return marshalErr
		}
		blob = append(blob, data...)
	}

	chunkSize := 512
	for len(blob) > 0 {
		size := chunkSize
		if len(blob) < size {
			size = len(blob)
		}
		chunk := blob[:size]
		blob = blob[size:]
		err := stream.Send(&pb.SnapshotResponse{
			Header:         emptyHeader(),
			RemainingBytes: uint64(len(blob)),
			Blob:           chunk,
		})
		if err != nil {
			return err
		}
	}
	return nil
}
