package ldap

import (
	"errors"
	"testing"

	"github.com/go-ldap/ldap/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnection_ServerCandidates(t *testing.T) {
	t.Run("fixed list keeps order", func(t *testing.T) {
		cfg := testConfig()
		cfg.Servers = []string{"dc1.example.com", "dc2.example.com:3268"}
		conn := newTestConnection(testDirectory(), cfg)

		got, err := conn.ServerCandidates(t.Context())
		require.NoError(t, err)
		assert.Equal(t, []string{"dc1.example.com", "dc2.example.com:3268"}, got)
	})

	t.Run("no servers configured", func(t *testing.T) {
		cfg := testConfig()
		cfg.Servers = nil
		_, err := newTestConnection(testDirectory(), cfg).ServerCandidates(t.Context())
		require.Error(t, err)
		assert.True(t, IsConfigurationError(err))
	})

	t.Run("discovery uses the cache", func(t *testing.T) {
		cfg := testConfig()
		cfg.DiscoverDomain = "example.com"
		cache := newMemoryDiscoveryCache()
		cache.servers["default"] = "cached-dc.example.com"
		locator := &stubLocator{server: "dc9.example.com"}

		got, err := newTestConnection(testDirectory(), cfg, WithDiscoveryCache(cache), WithLocator(locator)).
			ServerCandidates(t.Context())
		require.NoError(t, err)
		assert.Equal(t, []string{"cached-dc.example.com"}, got)
		assert.Zero(t, locator.calls)
	})

	t.Run("discovery stores located server", func(t *testing.T) {
		cfg := testConfig()
		cfg.DiscoverDomain = "example.com"
		cache := newMemoryDiscoveryCache()
		locator := &stubLocator{server: "dc9.example.com"}

		got, err := newTestConnection(testDirectory(), cfg, WithDiscoveryCache(cache), WithLocator(locator)).
			ServerCandidates(t.Context())
		require.NoError(t, err)
		assert.Equal(t, []string{"dc9.example.com"}, got)
		assert.Equal(t, "dc9.example.com", cache.servers["default"])
	})

	t.Run("locator failure falls back to the domain", func(t *testing.T) {
		cfg := testConfig()
		cfg.DiscoverDomain = "example.com"
		cache := newMemoryDiscoveryCache()
		locator := &stubLocator{err: errLocatorDown}

		got, err := newTestConnection(testDirectory(), cfg, WithDiscoveryCache(cache), WithLocator(locator)).
			ServerCandidates(t.Context())
		require.NoError(t, err)
		assert.Equal(t, []string{"example.com"}, got)
		assert.Empty(t, cache.servers)
	})
}

func TestConnection_Connect(t *testing.T) {
	t.Run("reuses handle while config is unchanged", func(t *testing.T) {
		dir := testDirectory()
		conn := newTestConnection(dir, testConfig())

		require.NoError(t, conn.Connect(t.Context(), false))
		require.NoError(t, conn.Connect(t.Context(), false))
		assert.Len(t, dir.Dials(), 1)
		assert.Equal(t, "dc1.example.com", conn.Server())
		assert.Equal(t, []string{"cn=sync,ou=service," + testBaseDN}, dir.Binds())
	})

	t.Run("force reconnects", func(t *testing.T) {
		dir := testDirectory()
		conn := newTestConnection(dir, testConfig())

		require.NoError(t, conn.Connect(t.Context(), false))
		require.NoError(t, conn.Connect(t.Context(), true))
		assert.Len(t, dir.Dials(), 2)
	})

	t.Run("changed config rebuilds the handle", func(t *testing.T) {
		dir := testDirectory()
		cfg := testConfig()
		conn := newTestConnection(dir, cfg)
		require.NoError(t, conn.Connect(t.Context(), false))

		changed := *cfg
		changed.PageSize = 10
		conn.Reconfigure(&changed)
		require.NoError(t, conn.Connect(t.Context(), false))
		assert.Len(t, dir.Dials(), 2)
	})

	t.Run("fails over to the next server", func(t *testing.T) {
		dir := testDirectory()
		dir.FailDial("dc1.example.com", errors.New("dial tcp: connection refused"))
		cfg := testConfig()
		cfg.Servers = []string{"dc1.example.com", "dc2.example.com"}
		conn := newTestConnection(dir, cfg)

		require.NoError(t, conn.Connect(t.Context(), false))
		assert.Equal(t, []string{"dc1.example.com", "dc2.example.com"}, dir.Dials())
		assert.Equal(t, "dc2.example.com", conn.Server())
	})

	t.Run("all servers failing lists every reason and invalidates discovery", func(t *testing.T) {
		dir := testDirectory()
		dir.FailDial("dc9.example.com", errors.New("dial tcp: i/o timeout"))
		cfg := testConfig()
		cfg.DiscoverDomain = "example.com"
		cache := newMemoryDiscoveryCache()
		cache.servers["default"] = "dc9.example.com"
		conn := newTestConnection(dir, cfg, WithDiscoveryCache(cache), WithLocator(&stubLocator{err: errLocatorDown}))

		err := conn.Connect(t.Context(), false)
		require.Error(t, err)

		var connErr *ConnectionError
		require.ErrorAs(t, err, &connErr)
		assert.True(t, connErr.IsRetryable())
		assert.Contains(t, err.Error(), "LDAP connection failed:\ndc9.example.com: dial tcp: i/o timeout")
		assert.Equal(t, []string{"default"}, cache.invalidated)
		assert.False(t, conn.Connected())
	})

	t.Run("invalid bind credentials are a configuration error", func(t *testing.T) {
		dir := testDirectory()
		cfg := testConfig()
		cfg.Servers = []string{"dc1.example.com", "dc2.example.com"}
		cfg.BindPassword = "wrong"
		conn := newTestConnection(dir, cfg)

		err := conn.Connect(t.Context(), false)
		require.Error(t, err)
		assert.True(t, IsConfigurationError(err))
		assert.False(t, IsRetryableError(err))
		assert.Equal(t, []string{"dc1.example.com"}, dir.Dials())
	})

	t.Run("anonymous bind", func(t *testing.T) {
		dir := testDirectory()
		cfg := testConfig()
		cfg.BindDN = ""
		cfg.BindPassword = ""
		conn := newTestConnection(dir, cfg)

		require.NoError(t, conn.Connect(t.Context(), false))
		assert.Empty(t, dir.Binds())
	})
}

func TestConnection_BindAndDefaultBind(t *testing.T) {
	dir := testDirectory()
	userDN := "cn=harry,ou=users," + testBaseDN
	dir.AddUser(userDN, "hogwarts", map[string][]string{"cn": {"harry"}})
	conn := newTestConnection(dir, testConfig())

	require.NoError(t, conn.Bind(t.Context(), userDN, "hogwarts"))

	err := conn.Bind(t.Context(), userDN, "wrong")
	require.Error(t, err)
	assert.True(t, ldap.IsErrorWithCode(err, ldap.LDAPResultInvalidCredentials))
	assert.True(t, IsAuthenticationError(err))

	err = conn.Bind(t.Context(), userDN, "")
	require.Error(t, err)

	require.NoError(t, conn.DefaultBind(t.Context()))
	assert.Equal(t, []string{
		"cn=sync,ou=service," + testBaseDN,
		userDN,
		"cn=sync,ou=service," + testBaseDN,
	}, dir.Binds())
}

func TestConnection_Disconnect(t *testing.T) {
	dir := testDirectory()
	conn := newTestConnection(dir, testConfig())

	require.NoError(t, conn.Disconnect())

	handle, err := conn.Handle(t.Context(), true)
	require.NoError(t, err)
	require.NoError(t, conn.Disconnect())
	assert.False(t, conn.Connected())
	assert.Empty(t, conn.Server())

	_, err = conn.Handle(t.Context(), false)
	require.Error(t, err)
	assert.False(t, IsRetryableError(err))

	type closer interface{ Closed() bool }
	assert.True(t, handle.(closer).Closed())
}
