package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	pb "go.etcd.io/etcd/api/v3/etcdserverpb"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

func (cli *EtcdClient) saveSnapshot(ctx context.Context, path string) (uint64, error) {
	partPath := fmt.Sprintf("%s.part", path)
	file, err := os.OpenFile(partPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return 0, err
	}

	size := uint64(0)
	err = cli.core.unary(ctx, "snapshot", func(ctx context.Context, cc *grpc.ClientConn) error {
		//A call re-authenticated after a token rejection starts over
		size = 0
		if _, err := file.Seek(0, io.SeekStart); err != nil {
			return err
		}
		if err := file.Truncate(0); err != nil {
			return err
		}

		stream, err := pb.NewMaintenanceClient(cc).Snapshot(ctx, &pb.SnapshotRequest{})
		if err != nil {
			return err
		}
		for {
			resp, err := stream.Recv()
			if err != nil {
				if errors.Is(err, io.EOF) {
					return nil
				}
				return err
			}

			written, err := file.Write(resp.Blob)
			if err != nil {
				return err
			}
			size += uint64(written)
		}
	})
	if err == nil {
		err = file.Sync()
	}
	closeErr := file.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(partPath)
		return 0, err
	}

	return size, os.Rename(partPath, path)
}

/*
Saves a snapshot of the store in the file at the given path.
If onLeader is true, the snapshot is taken from the leader, else from a follower.
The file only appears at the path once the snapshot is complete.
*/
func (cli *EtcdClient) Snapshot(onLeader bool, path string, snapshotTimeout time.Duration) error {
	members, membersErr := cli.GetMembers(true)
	if membersErr != nil {
		return membersErr
	}

	var selectedMember EtcdMember
	memberFound := false
	for _, member := range members.Members {
		if onLeader && member.IsLeader {
			selectedMember = member
			memberFound = true
			break
		} else if (!onLeader) && (!member.IsLeader) {
			selectedMember = member
			memberFound = true
			break
		}
	}

	if !memberFound {
		return errors.New("No member with the requests characteristics was found to get snapshot")
	}

	ctx, cancel := context.WithTimeout(cli.Context, snapshotTimeout)
	defer cancel()

	memberCli, err := cli.connectToMember(ctx, selectedMember)
	if err != nil {
		return err
	}
	defer memberCli.Close()

	start := time.Now()
	size, err := memberCli.saveSnapshot(ctx, path)
	if err != nil {
		return err
	}

	cli.core.logger.Info(
		"Saved snapshot",
		zap.String("member", selectedMember.Name),
		zap.String("path", path),
		zap.String("size", humanize.Bytes(size)),
		zap.Duration("took", time.Since(start)),
	)
	return nil
}
