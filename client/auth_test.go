package client

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthEnableDisable(t *testing.T) {
	env := launchTestEnv(t, true)
	cli := env.connect(t, env.options(5*time.Second, 5))

	err := cli.UpsertUser(EtcdUser{Username: "root", Roles: []string{"root"}})
	require.NoError(t, err, "Auth test failed at the root user creation stage")

	status, err := cli.GetAuthStatus()
	require.NoError(t, err)
	assert.False(t, status.Enabled, "Expected auth to be disabled as the initial state")

	for i := 0; i < 50; i++ {
		require.NoError(t, cli.SetAuthStatus(true))

		enabled, err := cli.AuthStatus()
		require.NoError(t, err)
		assert.True(t, enabled, "Expected auth to be enabled after enabling it")

		require.NoError(t, cli.SetAuthStatus(false))

		next, err := cli.GetAuthStatus()
		require.NoError(t, err)
		assert.False(t, next.Enabled, "Expected auth to be disabled after disabling it")
		assert.Greater(t, next.AuthRevision, status.AuthRevision)
		status = next
	}

	require.NoError(t, cli.DeleteUser("root"))
}

func TestEnableAuthWithoutRoot(t *testing.T) {
	cli, _ := setupPlainTestEnv(t)

	err := cli.SetAuthStatus(true)
	assert.Error(t, err, "Enabling auth without a root user should fail")
}

func TestUsers(t *testing.T) {
	cli, _ := setupTestEnv(t, 5*time.Second, 5)

	require.NoError(t, cli.UpsertRole(EtcdRole{Name: "reader"}))
	require.NoError(t, cli.UpsertRole(EtcdRole{Name: "writer"}))

	err := cli.UpsertUser(EtcdUser{Username: "alice", Password: "first", Roles: []string{"reader"}})
	require.NoError(t, err)

	users, err := cli.ListUsers()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"root", "alice"}, users)

	roles, found, err := cli.GetUserRoles("alice")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []string{"reader"}, roles)

	err = cli.UpsertUser(EtcdUser{Username: "alice", Password: "second", Roles: []string{"writer"}})
	require.NoError(t, err)

	roles, found, err = cli.GetUserRoles("alice")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []string{"writer"}, roles)

	require.NoError(t, cli.DeleteUser("alice"))

	_, found, err = cli.GetUserRoles("alice")
	require.NoError(t, err, "Getting the roles of a missing user should not be an error")
	assert.False(t, found)

	err = cli.InsertUser(EtcdUser{Username: "bob", Roles: []string{"missing"}})
	assert.Error(t, err, "Granting a missing role should fail")

	teardownTestEnv(t, cli)
}

func TestRoles(t *testing.T) {
	cli, _ := setupTestEnv(t, 5*time.Second, 5)

	role := EtcdRole{
		Name: "app",
		Permissions: []EtcdRolePermission{
			{Permission: "read", Key: "/config/", RangeEnd: "/config0"},
			{Permission: "readwrite", Key: "/state/", RangeEnd: "/state0"},
		},
	}
	require.NoError(t, cli.UpsertRole(role))

	roles, err := cli.ListRoles()
	require.NoError(t, err)
	assert.Contains(t, roles, "app")

	perms, found, err := cli.GetRolePermissions("app")
	require.NoError(t, err)
	assert.True(t, found)
	assert.ElementsMatch(t, role.Permissions, perms)

	role.Permissions = []EtcdRolePermission{
		{Permission: "readwrite", Key: "/state/", RangeEnd: "/state0"},
		{Permission: "write", Key: "/logs"},
	}
	require.NoError(t, cli.UpsertRole(role))

	perms, found, err = cli.GetRolePermissions("app")
	require.NoError(t, err)
	assert.True(t, found)
	assert.ElementsMatch(t, role.Permissions, perms)

	require.NoError(t, cli.DeleteRole("app"))

	_, found, err = cli.GetRolePermissions("app")
	require.NoError(t, err, "Getting the permissions of a missing role should not be an error")
	assert.False(t, found)

	teardownTestEnv(t, cli)
}

func enablePasswordAuth(t *testing.T, env *testEnv, password string) {
	admin := env.connect(t, env.options(2*time.Second, 5))
	env.enableAuth(t, admin, password)
}

func TestPasswordAuth(t *testing.T) {
	env := launchTestEnv(t, false)
	enablePasswordAuth(t, env, "secret")

	anonymous := env.connect(t, env.options(2*time.Second, 5))
	_, err := anonymous.PutKey("test", "value")
	assert.ErrorIs(t, err, ErrAuth, "Expected a client without credentials to be rejected")

	opts := env.options(2*time.Second, 5)
	opts.Username = "root"
	opts.Password = "secret"
	cli := env.connect(t, opts)

	_, err = cli.PutKey("test", "value")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), env.cluster.Auth.Authentications())

	//Another call reuses the cached token
	_, err = cli.GetKey("test", GetKeyOptions{})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), env.cluster.Auth.Authentications())
}

func TestTokenRefresh(t *testing.T) {
	env := launchTestEnv(t, false)
	enablePasswordAuth(t, env, "secret")

	opts := env.options(2*time.Second, 5)
	opts.Username = "root"
	opts.Password = "secret"
	cli := env.connect(t, opts)

	_, err := cli.PutKey("test", "value")
	require.NoError(t, err)
	before := env.cluster.Auth.Authentications()

	env.cluster.Auth.InvalidateTokens()

	info, err := cli.GetKey("test", GetKeyOptions{})
	require.NoError(t, err, "Expected the call to succeed after re-authenticating")
	assert.Equal(t, "value", info.Value)
	assert.Equal(t, before+1, env.cluster.Auth.Authentications(), "Expected exactly one re-authentication")

	//The password changes under the client: re-authentication fails on the next rejection
	require.NoError(t, cli.ChangeUserPassword("root", "changed"))
	env.cluster.Auth.InvalidateTokens()

	_, err = cli.GetKey("test", GetKeyOptions{})
	assert.ErrorIs(t, err, ErrAuth)
}

func TestTokenRejectedAfterRefresh(t *testing.T) {
	env := launchTestEnv(t, false)
	enablePasswordAuth(t, env, "secret")

	opts := env.options(2*time.Second, 5)
	opts.Username = "root"
	opts.Password = "secret"
	cli := env.connect(t, opts)

	_, err := cli.PutKey("test", "value")
	require.NoError(t, err)
	before := env.cluster.Auth.Authentications()

	//The fresh token is rejected as well
	env.cluster.Auth.RejectTokens(2)
	_, err = cli.PutKey("test", "value2")
	assert.ErrorIs(t, err, ErrAuth)
	assert.Equal(t, before+1, env.cluster.Auth.Authentications(), "Expected a single re-authentication before giving up")

	_, err = cli.PutKey("test", "value3")
	require.NoError(t, err)
	assert.Equal(t, before+1, env.cluster.Auth.Authentications(), "Expected the refreshed token to be kept")
}

// Reads the subscription until it closes and checks the error it ended with
func requireClosedWith(t *testing.T, h *WatchHandle, target error) {
	deadline := time.After(5 * time.Second)
	for {
		select {
		case batch, ok := <-h.Events():
			if !ok {
				require.ErrorIs(t, h.Err(), target)
				return
			}
			if batch.Err != nil {
				assert.ErrorIs(t, batch.Err, target)
			}
		case <-deadline:
			t.Fatalf("Subscription still open, error: %v", h.Err())
		}
	}
}

func TestSubscribeCredentialsRejected(t *testing.T) {
	env := launchTestEnv(t, false)
	enablePasswordAuth(t, env, "secret")

	opts := env.options(2*time.Second, 5)
	opts.Username = "root"
	opts.Password = "secret"
	cli := env.connect(t, opts)

	h := cli.Subscribe(SubscribeOptions{Range: KeyRangeForKey("test"), ProgressNotify: true})
	waitProgress(t, cli, h)

	//The stream is reopened with a stale token and the password no longer matches
	require.NoError(t, cli.ChangeUserPassword("root", "changed"))
	env.cluster.Auth.InvalidateTokens()
	env.cluster.DropConnections()

	requireClosedWith(t, h, ErrAuth)

	h2 := cli.Subscribe(SubscribeOptions{Range: KeyRangeForKey("test")})
	requireClosedWith(t, h2, ErrAuth)
}

func TestSubscribeTokenRejectedAfterRefresh(t *testing.T) {
	env := launchTestEnv(t, false)
	enablePasswordAuth(t, env, "secret")

	opts := env.options(2*time.Second, 5)
	opts.Username = "root"
	opts.Password = "secret"
	cli := env.connect(t, opts)

	h := cli.Subscribe(SubscribeOptions{Range: KeyRangeForKey("test"), ProgressNotify: true})
	waitProgress(t, cli, h)

	env.cluster.Auth.RejectTokens(2)
	env.cluster.DropConnections()

	requireClosedWith(t, h, ErrAuth)
}

func TestConnectBadPassword(t *testing.T) {
	env := launchTestEnv(t, false)
	enablePasswordAuth(t, env, "secret")

	opts := env.options(2*time.Second, 5)
	opts.Username = "root"
	opts.Password = "wrong"
	_, err := Connect(context.Background(), opts)
	assert.ErrorIs(t, err, ErrAuth)
}
