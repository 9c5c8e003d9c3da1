package testutils

import (
	"fmt"
	"sort"
	"sync"

	"go.etcd.io/etcd/api/v3/authpb"
	pb "go.etcd.io/etcd/api/v3/etcdserverpb"
	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
)

type authUser struct {
	password string
	roles    map[string]struct{}
}

/*
Users, roles and tokens of the fake store.
Permissions are recorded but not enforced: a valid token or a verified client certificate grants full access.
*/
type AuthStore struct {
	mu        sync.Mutex
	enabled   bool
	revision  uint64
	users     map[string]*authUser
	roles     map[string][]*authpb.Permission
	tokens    map[string]string
	nextToken uint64
	//Number of successful Authenticate calls, useful to assert token refresh behavior
	authentications uint64
	rejections      int
}

func NewAuthStore() *AuthStore {
	return &AuthStore{
		revision: 1,
		users:    map[string]*authUser{},
		roles:    map[string][]*authpb.Permission{"root": {}},
		tokens:   map[string]string{},
	}
}

func (a *AuthStore) Enabled() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.enabled
}

func (a *AuthStore) Authentications() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.authentications
}

// Drops every issued token, as the store does when its simple tokens expire
func (a *AuthStore) InvalidateTokens() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tokens = map[string]string{}
}

// The next count token checks fail, whether the token is valid or not
func (a *AuthStore) RejectTokens(count int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rejections = count
}

func (a *AuthStore) validToken(token string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.rejections > 0 {
		a.rejections--
		return false
	}
	_, ok := a.tokens[token]
	return ok
}

func (a *AuthStore) authenticate(req *pb.AuthenticateRequest) (*pb.AuthenticateResponse, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.enabled {
		return nil, rpctypes.ErrGRPCAuthNotEnabled
	}
	user, ok := a.users[req.Name]
	if !ok || user.password != req.Password {
		return nil, rpctypes.ErrGRPCAuthFailed
	}

	a.nextToken++
	a.authentications++
	token := fmt.Sprintf("%s.%d", req.Name, a.nextToken)
	a.tokens[token] = req.Name
	return &pb.AuthenticateResponse{Header: &pb.ResponseHeader{}, Token: token}, nil
}

func (a *AuthStore) setEnabled(enabled bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if enabled {
		root, ok := a.users["root"]
		if !ok {
			return rpctypes.ErrGRPCRootUserNotExist
		}
		if _, ok := root.roles["root"]; !ok {
			return rpctypes.ErrGRPCRootRoleNotExist
		}
	}
	a.enabled = enabled
	a.revision++
	if !enabled {
		a.tokens = map[string]string{}
	}
	return nil
}

func (a *AuthStore) userAdd(name string, password string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if name == "" {
		return rpctypes.ErrGRPCUserEmpty
	}
	if _, ok := a.users[name]; ok {
		return rpctypes.ErrGRPCUserAlreadyExist
	}
	a.users[name] = &authUser{password: password, roles: map[string]struct{}{}}
	a.revision++
	return nil
}

func (a *AuthStore) userGet(name string) ([]string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	user, ok := a.users[name]
	if !ok {
		return nil, rpctypes.ErrGRPCUserNotFound
	}
	return sortedKeys(user.roles), nil
}

func (a *AuthStore) userList() []string {
	a.mu.Lock()
	defer a.mu.Unlock()

	users := make([]string, 0, len(a.users))
	for name := range a.users {
		users = append(users, name)
	}
	sort.Strings(users)
	return users
}

func (a *AuthStore) userDelete(name string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.users[name]; !ok {
		return rpctypes.ErrGRPCUserNotFound
	}
	delete(a.users, name)
	for token, owner := range a.tokens {
		if owner == name {
			delete(a.tokens, token)
		}
	}
	a.revision++
	return nil
}

func (a *AuthStore) userChangePassword(name string, password string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	user, ok := a.users[name]
	if !ok {
		return rpctypes.ErrGRPCUserNotFound
	}
	user.password = password
	a.revision++
	return nil
}

func (a *AuthStore) userGrantRole(name string, role string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	user, ok := a.users[name]
	if !ok {
		return rpctypes.ErrGRPCUserNotFound
	}
	if _, ok := a.roles[role]; !ok {
		return rpctypes.ErrGRPCRoleNotFound
	}
	user.roles[role] = struct{}{}
	a.revision++
	return nil
}

func (a *AuthStore) userRevokeRole(name string, role string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	user, ok := a.users[name]
	if !ok {
		return rpctypes.ErrGRPCUserNotFound
	}
	if _, ok := user.roles[role]; !ok {
		return rpctypes.ErrGRPCRoleNotGranted
	}
	delete(user.roles, role)
	a.revision++
	return nil
}

func (a *AuthStore) roleAdd(name string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if name == "" {
		return rpctypes.ErrGRPCRoleEmpty
	}
	if _, ok := a.roles[name]; ok {
		return rpctypes.ErrGRPCRoleAlreadyExist
	}
	a.roles[name] = []*authpb.Permission{}
	a.revision++
	return nil
}

func (a *AuthStore) roleGet(name string) ([]*authpb.Permission, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	perms, ok := a.roles[name]
	if !ok {
		return nil, rpctypes.ErrGRPCRoleNotFound
	}
	return append([]*authpb.Permission(nil), perms...), nil
}

func (a *AuthStore) roleList() []string {
	a.mu.Lock()
	defer a.mu.Unlock()

	roles := make([]string, 0, len(a.roles))
	for name := range a.roles {
		roles = append(roles, name)
	}
	sort.Strings(roles)
	return roles
}

func (a *AuthStore) roleDelete(name string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.roles[name]; !ok {
		return rpctypes.ErrGRPCRoleNotFound
	}
	delete(a.roles, name)
	for _, user := range a.users {
		delete(user.roles, name)
	}
	a.revision++
	return nil
}

func (a *AuthStore) roleGrantPermission(name string, perm *authpb.Permission) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	perms, ok := a.roles[name]
	if !ok {
		return rpctypes.ErrGRPCRoleNotFound
	}
	kept := []*authpb.Permission{}
	for _, existing := range perms {
		if string(existing.Key) != string(perm.Key) || string(existing.RangeEnd) != string(perm.RangeEnd) {
			kept = append(kept, existing)
		}
	}
	a.roles[name] = append(kept, perm)
	a.revision++
	return nil
}

func (a *AuthStore) roleRevokePermission(name string, key []byte, rangeEnd []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	perms, ok := a.roles[name]
	if !ok {
		return rpctypes.ErrGRPCRoleNotFound
	}
	kept := []*authpb.Permission{}
	for _, existing := range perms {
		if string(existing.Key) != string(key) || string(existing.RangeEnd) != string(rangeEnd) {
			kept = append(kept, existing)
		}
	}
	if len(kept) == len(perms) {
		return rpctypes.ErrGRPCPermissionNotGranted
	}
	a.roles[name] = kept
	a.revision++
	return nil
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for key := range set {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
