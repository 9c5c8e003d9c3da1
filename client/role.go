package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.etcd.io/etcd/api/v3/authpb"
	pb "go.etcd.io/etcd/api/v3/etcdserverpb"
	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
)

/*
Permission of a role on a key or a key range.
Permission is one of "read", "write" or "readwrite".
*/
type EtcdRolePermission struct {
	Permission string
	Key        string
	RangeEnd   string
}

type EtcdRole struct {
	Name        string
	Permissions []EtcdRolePermission
}

func permissionToEnum(permission string) authpb.Permission_Type {
	if permission == "readwrite" {
		return authpb.READWRITE
	} else if permission == "read" {
		return authpb.READ
	} else {
		return authpb.WRITE
	}
}

func permissionEnumToPerm(perm authpb.Permission_Type) string {
	if perm == authpb.READWRITE {
		return "readwrite"
	} else if perm == authpb.READ {
		return "read"
	} else {
		return "write"
	}
}

func (cli *EtcdClient) listRolesWithRetries(retries uint64) ([]string, error) {
	var res *pb.AuthRoleListResponse
	err := cli.authCall("role_list", func(ctx context.Context, authCli pb.AuthClient) error {
		var err error
		res, err = authCli.RoleList(ctx, &pb.AuthRoleListRequest{})
		return err
	})
	if err != nil {
		if !shouldRetry(err, retries) {
			return []string{}, err
		}

		time.Sleep(cli.RetryInterval)
		return cli.listRolesWithRetries(retries - 1)
	}

	return res.Roles, nil
}

func (cli *EtcdClient) ListRoles() ([]string, error) {
	return cli.listRolesWithRetries(cli.Retries)
}

func (cli *EtcdClient) InsertEmptyRole(name string) error {
	return cli.authCall("role_add", func(ctx context.Context, authCli pb.AuthClient) error {
		_, err := authCli.RoleAdd(ctx, &pb.AuthRoleAddRequest{Name: name})
		return err
	})
}

func (cli *EtcdClient) GrantRolePermission(name string, permission EtcdRolePermission) error {
	return cli.authCall("role_grant_permission", func(ctx context.Context, authCli pb.AuthClient) error {
		_, err := authCli.RoleGrantPermission(ctx, &pb.AuthRoleGrantPermissionRequest{
			Name: name,
			Perm: &authpb.Permission{
				PermType: permissionToEnum(permission.Permission),
				Key:      []byte(permission.Key),
				RangeEnd: []byte(permission.RangeEnd),
			},
		})
		return err
	})
}

func (cli *EtcdClient) RevokeRolePermission(name string, key string, rangeEnd string) error {
	return cli.authCall("role_revoke_permission", func(ctx context.Context, authCli pb.AuthClient) error {
		_, err := authCli.RoleRevokePermission(ctx, &pb.AuthRoleRevokePermissionRequest{
			Role:     name,
			Key:      []byte(key),
			RangeEnd: []byte(rangeEnd),
		})
		return err
	})
}

func (cli *EtcdClient) getRolePermissionsWithRetries(name string, retries uint64) ([]EtcdRolePermission, bool, error) {
	var res *pb.AuthRoleGetResponse
	err := cli.authCall("role_get", func(ctx context.Context, authCli pb.AuthClient) error {
		var err error
		res, err = authCli.RoleGet(ctx, &pb.AuthRoleGetRequest{Role: name})
		return err
	})
	if err != nil {
		if errors.Is(err, rpctypes.ErrRoleNotFound) {
			return []EtcdRolePermission{}, false, nil
		}

		if !shouldRetry(err, retries) {
			return []EtcdRolePermission{}, false, err
		}

		time.Sleep(cli.RetryInterval)
		return cli.getRolePermissionsWithRetries(name, retries-1)
	}

	result := make([]EtcdRolePermission, len(res.Perm))
	for idx, _ := range res.Perm {
		perm := EtcdRolePermission{
			Permission: permissionEnumToPerm(res.Perm[idx].PermType),
			Key:        string(res.Perm[idx].Key),
			RangeEnd:   string(res.Perm[idx].RangeEnd),
		}
		result[idx] = perm
	}

	return result, true, nil
}

/*
Returns the permissions of a role. The second return value is false if the role does not exist.
*/
func (cli *EtcdClient) GetRolePermissions(name string) ([]EtcdRolePermission, bool, error) {
	return cli.getRolePermissionsWithRetries(name, cli.Retries)
}

func (cli *EtcdClient) DeleteRole(name string) error {
	return cli.authCall("role_delete", func(ctx context.Context, authCli pb.AuthClient) error {
		_, err := authCli.RoleDelete(ctx, &pb.AuthRoleDeleteRequest{Role: name})
		return err
	})
}

func (cli *EtcdClient) InsertRole(role EtcdRole) error {
	err := cli.InsertEmptyRole(role.Name)
	if err != nil {
		return errors.New(fmt.Sprintf("Error creating new role '%s': %s", role.Name, err.Error()))
	}

	for _, permission := range role.Permissions {
		err := cli.GrantRolePermission(role.Name, permission)
		if err != nil {
			return errors.New(fmt.Sprintf("Error adding role permission (key='%s', range_end='%s', permission='%s') for role '%s': %s", permission.Key, permission.RangeEnd, permission.Permission, role.Name, err.Error()))
		}
	}

	return nil
}

func (cli *EtcdClient) UpdateRole(role EtcdRole) error {
	resPermissions, _, err := cli.GetRolePermissions(role.Name)
	if err != nil {
		return errors.New(fmt.Sprintf("Error retrieving existing role '%s' for update: %s", role.Name, err.Error()))
	}

	for _, resPermission := range resPermissions {
		remove := true
		for _, permission := range role.Permissions {
			if resPermission.Permission == permission.Permission && resPermission.Key == permission.Key && resPermission.RangeEnd == permission.RangeEnd {
				remove = false
			}
		}
		if remove {
			err := cli.RevokeRolePermission(role.Name, resPermission.Key, resPermission.RangeEnd)
			if err != nil {
				return errors.New(fmt.Sprintf("Error removing role permission (key='%s', range_end='%s', permission='%s') for role '%s': %s", resPermission.Key, resPermission.RangeEnd, resPermission.Permission, role.Name, err.Error()))
			}
		}
	}

	for _, permission := range role.Permissions {
		add := true
		for _, resPermission := range resPermissions {
			if resPermission.Permission == permission.Permission && resPermission.Key == permission.Key && resPermission.RangeEnd == permission.RangeEnd {
				add = false
			}
		}
		if add {
			err := cli.GrantRolePermission(role.Name, permission)
			if err != nil {
				return errors.New(fmt.Sprintf("Error adding role permission (key='%s', range_end='%s', permission='%s') for role '%s': %s", permission.Key, permission.RangeEnd, permission.Permission, role.Name, err.Error()))
			}
		}
	}

	return nil
}

func (cli *EtcdClient) UpsertRole(role EtcdRole) error {
	roles, err := cli.ListRoles()
	if err != nil {
		return errors.New(fmt.Sprintf("Error retrieving existing roles list: %s", err.Error()))
	}

	if isStringInSlice(role.Name, roles) {
		return cli.UpdateRole(role)
	}

	return cli.InsertRole(role)
}
