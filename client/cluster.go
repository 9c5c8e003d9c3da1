package client

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	pb "go.etcd.io/etcd/api/v3/etcdserverpb"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

type EtcdMember struct {
	Id         uint64
	Name       string
	PeerUrls   []string
	ClientUrls []string
	IsLearner  bool
	IsLeader   bool
}

type EtcdMembers struct {
	ClusterId   uint64
	ResponderId uint64
	Revision    int64
	RaftTerm    uint64
	Members     []EtcdMember
}

func (members *EtcdMembers) Leader() (EtcdMember, bool) {
	for _, member := range members.Members {
		if member.IsLeader {
			return member, true
		}
	}
	return EtcdMember{}, false
}

func (members *EtcdMembers) GetByName(name string) (EtcdMember, bool) {
	for _, member := range members.Members {
		if member.Name == name {
			return member, true
		}
	}
	return EtcdMember{}, false
}

func (cli *EtcdClient) getMembersWithRetries(retries uint64) (EtcdMembers, error) {
	ctx, cancel := cli.requestContext()
	defer cancel()

	var listResp *pb.MemberListResponse
	listErr := cli.core.unary(ctx, "member_list", func(ctx context.Context, cc *grpc.ClientConn) error {
		var err error
		listResp, err = pb.NewClusterClient(cc).MemberList(ctx, &pb.MemberListRequest{Linearizable: true})
		return err
	})
	if listErr != nil {
		if !shouldRetry(listErr, retries) {
			return EtcdMembers{}, listErr
		}

		time.Sleep(cli.RetryInterval)
		return cli.getMembersWithRetries(retries - 1)
	}

	members := EtcdMembers{
		ClusterId:   listResp.Header.GetClusterId(),
		ResponderId: listResp.Header.GetMemberId(),
		Revision:    listResp.Header.GetRevision(),
		RaftTerm:    listResp.Header.GetRaftTerm(),
		Members:     []EtcdMember{},
	}
	for _, member := range listResp.Members {
		members.Members = append(members.Members, EtcdMember{
			Id:         member.ID,
			Name:       member.Name,
			PeerUrls:   member.PeerURLs,
			ClientUrls: member.ClientURLs,
			IsLearner:  member.IsLearner,
		})
	}

	return members, nil
}

func (cli *EtcdClient) getLeaderWithRetries(retries uint64) (uint64, error) {
	ctx, cancel := cli.requestContext()
	defer cancel()

	var statusResp *pb.StatusResponse
	err := cli.core.unary(ctx, "status", func(ctx context.Context, cc *grpc.ClientConn) error {
		var err error
		statusResp, err = pb.NewMaintenanceClient(cc).Status(ctx, &pb.StatusRequest{})
		return err
	})
	if err != nil {
		if !shouldRetry(err, retries) {
			return 0, err
		}

		time.Sleep(cli.RetryInterval)
		return cli.getLeaderWithRetries(retries - 1)
	}

	return statusResp.Leader, nil
}

/*
Returns the members of the cluster.
If leadershipInfo is true, the member currently leading the cluster is flagged with IsLeader.
*/
func (cli *EtcdClient) GetMembers(leadershipInfo bool) (EtcdMembers, error) {
	members, membersErr := cli.getMembersWithRetries(cli.Retries)
	if (!leadershipInfo) || (membersErr != nil) {
		return members, membersErr
	}

	leader, leaderErr := cli.getLeaderWithRetries(cli.Retries)
	if leaderErr != nil {
		return members, leaderErr
	}

	for idx, _ := range members.Members {
		members.Members[idx].IsLeader = members.Members[idx].Id == leader
	}

	return members, nil
}

/*
Returns a client connected only to the given member, sharing the credentials and tls settings of this client.
Calls that have to reach a specific member, like moving the leadership or taking a snapshot, go through it.
*/
func (cli *EtcdClient) connectToMember(ctx context.Context, member EtcdMember) (*EtcdClient, error) {
	if len(member.ClientUrls) == 0 {
		return nil, errors.New(fmt.Sprintf("Member %s does not advertise any client url", member.Name))
	}

	opts := cli.connOpts
	opts.EtcdEndpoints = member.ClientUrls
	opts.MetricsRegisterer = nil
	opts.Logger = cli.core.logger.Named(member.Name)
	return Connect(ctx, opts)
}

/*
Transfers the leadership of the cluster to the member with the given id.
The request is sent to the current leader.
*/
func (cli *EtcdClient) MoveLeader(targetId uint64) error {
	members, err := cli.GetMembers(true)
	if err != nil {
		return err
	}

	leader, found := members.Leader()
	if !found {
		return errors.New("Cluster has no leader to transfer the leadership from")
	}
	if leader.Id == targetId {
		return nil
	}

	target := EtcdMember{}
	for _, member := range members.Members {
		if member.Id == targetId {
			target = member
		}
	}
	if target.Id == 0 {
		return errors.New(fmt.Sprintf("Member %x is not part of the cluster", targetId))
	}
	if target.IsLearner {
		return errors.New(fmt.Sprintf("Member %s is a learner and cannot become leader", target.Name))
	}

	ctx, cancel := cli.requestContext()
	defer cancel()

	leaderCli, err := cli.connectToMember(ctx, leader)
	if err != nil {
		return err
	}
	defer leaderCli.Close()

	err = leaderCli.core.unary(ctx, "move_leader", func(ctx context.Context, cc *grpc.ClientConn) error {
		_, err := pb.NewMaintenanceClient(cc).MoveLeader(ctx, &pb.MoveLeaderRequest{TargetID: targetId})
		return err
	})
	if err != nil {
		return err
	}

	cli.core.logger.Info("Moved leadership", zap.String("from", leader.Name), zap.String("to", target.Name))
	return nil
}

/*
Sets the leader status on the node with the given name.
If isLeader is true, the node will be elected leader if it isn't.
If isLeader is false, the leadership will be transfered to another node.
The function will return an error if it would cause a change in leadership to a node that is a learner.
*/
func (cli *EtcdClient) SetLeaderStatus(name string, isLeader bool) error {
	members, err := cli.GetMembers(true)
	if err != nil {
		return err
	}

	member, found := members.GetByName(name)
	if !found {
		return errors.New(fmt.Sprintf("Member %s is not part of the cluster", name))
	}

	if isLeader {
		if member.IsLeader {
			return nil
		}
		return cli.MoveLeader(member.Id)
	}

	if !member.IsLeader {
		return nil
	}
	for _, candidate := range members.Members {
		if candidate.Id != member.Id && !candidate.IsLearner {
			return cli.MoveLeader(candidate.Id)
		}
	}
	return errors.New(fmt.Sprintf("No other member can take the leadership from %s", name))
}

/*
Forces a change of leader in the etcd cluster at random.
*/
func (cli *EtcdClient) ChangeLeader() error {
	members, err := cli.GetMembers(true)
	if err != nil {
		return err
	}

	candidates := []EtcdMember{}
	for _, member := range members.Members {
		if !member.IsLeader && !member.IsLearner {
			candidates = append(candidates, member)
		}
	}
	if len(candidates) == 0 {
		return errors.New("No member can take the leadership")
	}

	return cli.MoveLeader(candidates[rand.Intn(len(candidates))].Id)
}
