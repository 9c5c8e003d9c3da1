package client

import (
	"errors"
	"fmt"
	"strings"
)

/*
Join a group as represented by groupPrefix. A member with id memberId and content memberContent will be added.
*/
func (cli *EtcdClient) JoinGroup(groupPrefix string, memberId string, memberContent string) error {
	_, err := cli.PutKey(fmt.Sprintf("%s%s", groupPrefix, memberId), memberContent)
	return err
}

/*
Join a group as a member that leaves the group automatically when the given lease expires or is revoked.
*/
func (cli *EtcdClient) JoinGroupWithLease(groupPrefix string, memberId string, memberContent string, lease int64) error {
	_, err := cli.PutKeyWithLease(fmt.Sprintf("%s%s", groupPrefix, memberId), memberContent, lease)
	return err
}

/*
Leave a group as represented by groupPrefix. A member with id memberId will be removed.
*/
func (cli *EtcdClient) LeaveGroup(groupPrefix string, memberId string) error {
	_, err := cli.DeleteKey(fmt.Sprintf("%s%s", groupPrefix, memberId))
	return err
}

/*
Get a list of group members of a group represented by groupPrefix
First return value are a map of members, with its keys being member ids and values being the passed member contents.
Second return value is the etcd revision at the time the result was obtained
*/
func (cli *EtcdClient) GetGroupMembers(groupPrefix string) (map[string]string, int64, error) {
	info, err := cli.GetPrefix(groupPrefix)
	if err != nil {
		return nil, -1, err
	}

	return info.Keys.ToValueMap(groupPrefix), info.Revision, nil
}

/*
Wait until a group as represented by groupPrefix has reached a threshold number of members
Last argument is a done channel that can be closed to halt the wait.
Return argument is a channel that will received an error if there is an issue or otherwise will be closed when the wait condition is fulfilled
*/
func (cli *EtcdClient) WaitGroupCountThreshold(groupPrefix string, threshold int64, doneCh <-chan struct{}) <-chan error {
	errCh := make(chan error)
	go func() {
		defer close(errCh)
		members, rev, err := cli.GetGroupMembers(groupPrefix)
		if err != nil {
			errCh <- err
			return
		}

		if int64(len(members)) >= threshold {
			return
		}

		handle := cli.Subscribe(SubscribeOptions{Range: KeyRangeForPrefix(groupPrefix), StartRevision: rev + 1})
		defer handle.Cancel()

		for true {
			select {
			case batch, ok := <-handle.Events():
				if !ok {
					if handle.Err() != nil {
						errCh <- handle.Err()
						return
					}
					errCh <- errors.New("Watch stopped before reaching threshold")
					return
				}

				if batch.Err != nil {
					errCh <- batch.Err
					return
				}

				for _, ev := range batch.Events {
					memberId := strings.TrimPrefix(ev.Kv.Key, groupPrefix)
					if ev.Type == WatchEventDelete {
						delete(members, memberId)
					} else {
						members[memberId] = ev.Kv.Value
					}
				}
				if int64(len(members)) >= threshold {
					return
				}
			case <-doneCh:
				return
			case <-cli.Context.Done():
				errCh <- cli.Context.Err()
				return
			}
		}
	}()
	return errCh
}
