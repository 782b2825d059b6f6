package ldap

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeResolver struct {
	records map[string][]*net.SRV
	lookups []string
}

func (r *fakeResolver) LookupSRV(_ context.Context, _, _, name string) (string, []*net.SRV, error) {
	r.lookups = append(r.lookups, name)
	records, ok := r.records[name]
	if !ok {
		return "", nil, &net.DNSError{Err: "no such host", Name: name, IsNotFound: true}
	}
	return name, records, nil
}

func TestSRVDiscovery_LocateDC(t *testing.T) {
	tests := []struct {
		name        string
		records     map[string][]*net.SRV
		want        string
		wantLookups []string
		wantErr     bool
	}{
		{
			name: "domain controller locator record",
			records: map[string][]*net.SRV{
				"_ldap._tcp.dc._msdcs.example.com": {
					{Target: "dc2.example.com.", Port: 389, Priority: 10, Weight: 100},
					{Target: "dc1.example.com.", Port: 389, Priority: 0, Weight: 50},
				},
			},
			want:        "dc1.example.com",
			wantLookups: []string{"_ldap._tcp.dc._msdcs.example.com"},
		},
		{
			name: "falls back to generic LDAP record",
			records: map[string][]*net.SRV{
				"_ldap._tcp.example.com": {
					{Target: "ldap-a.example.com.", Port: 389, Priority: 0, Weight: 10},
					{Target: "ldap-b.example.com.", Port: 389, Priority: 0, Weight: 90},
				},
			},
			want:        "ldap-b.example.com",
			wantLookups: []string{"_ldap._tcp.dc._msdcs.example.com", "_ldap._tcp.example.com"},
		},
		{
			name:        "nothing found",
			records:     map[string][]*net.SRV{},
			wantLookups: []string{"_ldap._tcp.dc._msdcs.example.com", "_ldap._tcp.example.com"},
			wantErr:     true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resolver := &fakeResolver{records: tt.records}
			d := &SRVDiscovery{resolver: resolver}

			got, err := d.LocateDC(t.Context(), "example.com")
			assert.Equal(t, tt.wantLookups, resolver.lookups)
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), "no domain controller found for example.com")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	t.Run("empty domain", func(t *testing.T) {
		_, err := NewSRVDiscovery(0).LocateDC(t.Context(), "")
		require.Error(t, err)
	})
}

func TestParseServerAddress(t *testing.T) {
	plain := &ConnectionConfig{}
	ssl := &ConnectionConfig{UseTLS: true}
	customPort := &ConnectionConfig{Port: 3268}

	tests := []struct {
		name    string
		address string
		cfg     *ConnectionConfig
		want    *ServerInfo
		wantErr bool
	}{
		{
			name:    "bare host",
			address: "dc1.example.com",
			cfg:     plain,
			want:    &ServerInfo{Host: "dc1.example.com", Port: 389, Weight: 100, Source: "config"},
		},
		{
			name:    "bare host with ssl",
			address: "dc1.example.com",
			cfg:     ssl,
			want:    &ServerInfo{Host: "dc1.example.com", Port: 636, UseTLS: true, Weight: 100, Source: "config"},
		},
		{
			name:    "configured port",
			address: "dc1.example.com",
			cfg:     customPort,
			want:    &ServerInfo{Host: "dc1.example.com", Port: 3268, Weight: 100, Source: "config"},
		},
		{
			name:    "host and port",
			address: "dc1.example.com:1389",
			cfg:     plain,
			want:    &ServerInfo{Host: "dc1.example.com", Port: 1389, Weight: 100, Source: "config"},
		},
		{
			name:    "ldaps url",
			address: "ldaps://dc1.example.com",
			cfg:     plain,
			want:    &ServerInfo{Host: "dc1.example.com", Port: 636, UseTLS: true, Weight: 100, Source: "config"},
		},
		{
			name:    "ldap url with path",
			address: "ldap://dc1.example.com:389/dc=example,dc=com",
			cfg:     ssl,
			want:    &ServerInfo{Host: "dc1.example.com", Port: 389, Weight: 100, Source: "config"},
		},
		{
			name:    "unsupported scheme",
			address: "http://dc1.example.com",
			cfg:     plain,
			wantErr: true,
		},
		{
			name:    "invalid port",
			address: "dc1.example.com:99999",
			cfg:     plain,
			wantErr: true,
		},
		{
			name:    "empty",
			address: "  ",
			cfg:     plain,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseServerAddress(tt.address, tt.cfg)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestServerInfoToURL(t *testing.T) {
	assert.Equal(t, "ldap://dc1.example.com:389", ServerInfoToURL(&ServerInfo{Host: "dc1.example.com", Port: 389}))
	assert.Equal(t, "ldaps://dc1.example.com:636", ServerInfoToURL(&ServerInfo{Host: "dc1.example.com", Port: 636, UseTLS: true}))
	assert.Equal(t, "ldap://[::1]:389", ServerInfoToURL(&ServerInfo{Host: "::1", Port: 389}))
}

func TestSortServersByPriority(t *testing.T) {
	servers := []*ServerInfo{
		{Host: "c", Priority: 10, Weight: 100},
		{Host: "a", Priority: 0, Weight: 10},
		{Host: "b", Priority: 0, Weight: 50},
	}

	sortServersByPriority(servers)

	var hosts []string
	for _, s := range servers {
		hosts = append(hosts, s.Host)
	}
	assert.Equal(t, []string{"b", "a", "c"}, hosts)
}

var errLocatorDown = errors.New("locator down")
