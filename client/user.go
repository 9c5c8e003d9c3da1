package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	pb "go.etcd.io/etcd/api/v3/etcdserverpb"
	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	"google.golang.org/grpc"
)

type EtcdUser struct {
	Username string
	Password string
	Roles    []string
}

func isStringInSlice(val string, slice []string) bool {
	for _, elem := range slice {
		if elem == val {
			return true
		}
	}
	return false
}

/*
Runs a call on the auth service of the store. Auth changes are writes and are not retried.
*/
func (cli *EtcdClient) authCall(operation string, call func(ctx context.Context, authCli pb.AuthClient) error) error {
	ctx, cancel := cli.requestContext()
	defer cancel()

	return cli.core.unary(ctx, operation, func(ctx context.Context, cc *grpc.ClientConn) error {
		return call(ctx, pb.NewAuthClient(cc))
	})
}

func (cli *EtcdClient) listUsersWithRetries(retries uint64) ([]string, error) {
	var res *pb.AuthUserListResponse
	err := cli.authCall("user_list", func(ctx context.Context, authCli pb.AuthClient) error {
		var err error
		res, err = authCli.UserList(ctx, &pb.AuthUserListRequest{})
		return err
	})
	if err != nil {
		if !shouldRetry(err, retries) {
			return []string{}, err
		}

		time.Sleep(cli.RetryInterval)
		return cli.listUsersWithRetries(retries - 1)
	}

	return res.Users, nil
}

func (cli *EtcdClient) ListUsers() ([]string, error) {
	return cli.listUsersWithRetries(cli.Retries)
}

func (cli *EtcdClient) InsertEmptyUser(username string, password string) error {
	return cli.authCall("user_add", func(ctx context.Context, authCli pb.AuthClient) error {
		_, err := authCli.UserAdd(ctx, &pb.AuthUserAddRequest{Name: username, Password: password})
		return err
	})
}

func (cli *EtcdClient) getUserRolesWithRetries(username string, retries uint64) ([]string, bool, error) {
	var res *pb.AuthUserGetResponse
	err := cli.authCall("user_get", func(ctx context.Context, authCli pb.AuthClient) error {
		var err error
		res, err = authCli.UserGet(ctx, &pb.AuthUserGetRequest{Name: username})
		return err
	})
	if err != nil {
		if errors.Is(err, rpctypes.ErrUserNotFound) {
			return []string{}, false, nil
		}

		if !shouldRetry(err, retries) {
			return []string{}, false, err
		}

		time.Sleep(cli.RetryInterval)
		return cli.getUserRolesWithRetries(username, retries-1)
	}

	if res.Roles == nil {
		return []string{}, true, nil
	}
	return res.Roles, true, nil
}

/*
Returns the roles of a user. The second return value is false if the user does not exist.
*/
func (cli *EtcdClient) GetUserRoles(username string) ([]string, bool, error) {
	return cli.getUserRolesWithRetries(username, cli.Retries)
}

func (cli *EtcdClient) ChangeUserPassword(username string, password string) error {
	return cli.authCall("user_change_password", func(ctx context.Context, authCli pb.AuthClient) error {
		_, err := authCli.UserChangePassword(ctx, &pb.AuthUserChangePasswordRequest{Name: username, Password: password})
		return err
	})
}

func (cli *EtcdClient) GrantUserRole(username string, role string) error {
	return cli.authCall("user_grant_role", func(ctx context.Context, authCli pb.AuthClient) error {
		_, err := authCli.UserGrantRole(ctx, &pb.AuthUserGrantRoleRequest{User: username, Role: role})
		return err
	})
}

func (cli *EtcdClient) RevokeUserRole(username string, role string) error {
	return cli.authCall("user_revoke_role", func(ctx context.Context, authCli pb.AuthClient) error {
		_, err := authCli.UserRevokeRole(ctx, &pb.AuthUserRevokeRoleRequest{Name: username, Role: role})
		return err
	})
}

func (cli *EtcdClient) DeleteUser(username string) error {
	return cli.authCall("user_delete", func(ctx context.Context, authCli pb.AuthClient) error {
		_, err := authCli.UserDelete(ctx, &pb.AuthUserDeleteRequest{Name: username})
		return err
	})
}

func (cli *EtcdClient) InsertUser(user EtcdUser) error {
	err := cli.InsertEmptyUser(user.Username, user.Password)
	if err != nil {
		return errors.New(fmt.Sprintf("Error creating new user '%s': %s", user.Username, err.Error()))
	}

	for _, role := range user.Roles {
		err := cli.GrantUserRole(user.Username, role)
		if err != nil {
			return errors.New(fmt.Sprintf("Error adding role '%s' to user '%s': %s", role, user.Username, err.Error()))
		}
	}

	return nil
}

func (cli *EtcdClient) UpdateUser(user EtcdUser) error {
	resRoles, _, userRolesErr := cli.GetUserRoles(user.Username)
	if userRolesErr != nil {
		return errors.New(fmt.Sprintf("Error retrieving existing user '%s' for update: %s", user.Username, userRolesErr.Error()))
	}

	passErr := cli.ChangeUserPassword(user.Username, user.Password)
	if passErr != nil {
		return errors.New(fmt.Sprintf("Error updating password of user '%s': %s", user.Username, passErr.Error()))
	}

	for _, role := range user.Roles {
		if !isStringInSlice(role, resRoles) {
			err := cli.GrantUserRole(user.Username, role)
			if err != nil {
				return errors.New(fmt.Sprintf("Error adding role '%s' to user '%s': %s", role, user.Username, err.Error()))
			}
		}
	}

	for _, resRole := range resRoles {
		if !isStringInSlice(resRole, user.Roles) {
			err := cli.RevokeUserRole(user.Username, resRole)
			if err != nil {
				return errors.New(fmt.Sprintf("Error removing role '%s' from user '%s': %s", resRole, user.Username, err.Error()))
			}
		}
	}

	return nil
}

func (cli *EtcdClient) UpsertUser(user EtcdUser) error {
	users, err := cli.ListUsers()
	if err != nil {
		return errors.New(fmt.Sprintf("Error retrieving existing users list: %s", err.Error()))
	}

	if isStringInSlice(user.Username, users) {
		return cli.UpdateUser(user)
	}

	return cli.InsertUser(user)
}
