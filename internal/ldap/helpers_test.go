package ldap

import (
	"context"
	"time"

	"github.com/Checkmk/checkmk-sub025/internal/ldap/ldaptest"
)

const testBaseDN = "dc=example,dc=com"

func fakeDialer(dir *ldaptest.Directory) Dialer {
	return func(_ context.Context, server *ServerInfo, _ *ConnectionConfig) (DirectoryConn, error) {
		conn, err := dir.Dial(server.Host)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

func testConfig() *ConnectionConfig {
	cfg := DefaultConfig()
	cfg.ID = "default"
	cfg.Servers = []string{"dc1.example.com"}
	cfg.BindDN = "cn=sync,ou=service," + testBaseDN
	cfg.BindPassword = "sync-secret"
	cfg.RetryDelay = time.Millisecond
	cfg.UserBaseDN = "ou=users," + testBaseDN
	cfg.GroupBaseDN = "ou=groups," + testBaseDN
	cfg.UserFilter = "(objectclass=user)"
	cfg.GroupFilter = "(objectclass=group)"
	return cfg
}

func testDirectory() *ldaptest.Directory {
	dir := ldaptest.New()
	for _, ou := range []string{"users", "groups", "service"} {
		dir.Add("ou="+ou+","+testBaseDN, map[string][]string{
			"objectClass": {"top", "organizationalUnit"},
			"ou":          {ou},
		})
	}
	dir.Add("cn=sync,ou=service,"+testBaseDN, map[string][]string{
		"objectClass": {"top", "person", "user"},
		"cn":          {"sync"},
	})
	dir.SetPassword("cn=sync,ou=service,"+testBaseDN, "sync-secret")
	return dir
}

func newTestConnection(dir *ldaptest.Directory, cfg *ConnectionConfig, opts ...Option) *Connection {
	return NewConnection(cfg, append([]Option{WithDialer(fakeDialer(dir))}, opts...)...)
}

type memoryDiscoveryCache struct {
	servers     map[string]string
	invalidated []string
}

func newMemoryDiscoveryCache() *memoryDiscoveryCache {
	return &memoryDiscoveryCache{servers: make(map[string]string)}
}

func (c *memoryDiscoveryCache) LoadServer(id string) (string, bool, error) {
	server, ok := c.servers[id]
	return server, ok, nil
}

func (c *memoryDiscoveryCache) StoreServer(id, server string) error {
	c.servers[id] = server
	return nil
}

func (c *memoryDiscoveryCache) InvalidateServer(id string) error {
	delete(c.servers, id)
	c.invalidated = append(c.invalidated, id)
	return nil
}

type stubLocator struct {
	server string
	err    error
	calls  int
}

func (l *stubLocator) LocateDC(_ context.Context, _ string) (string, error) {
	l.calls++
	return l.server, l.err
}
