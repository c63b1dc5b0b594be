package ldap

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeResolver map[string][]*net.SRV

func (f fakeResolver) LookupSRV(_ context.Context, _, _, name string) (string, []*net.SRV, error) {
	records, ok := f[name]
	if !ok {
		return "", nil, errors.New("no such host")
	}
	return name, records, nil
}

func TestSRVDiscovery_DiscoverServers(t *testing.T) {
	tests := []struct {
		name      string
		resolver  fakeResolver
		wantHosts []string
		wantTLS   bool
	}{
		{
			name: "ldaps preferred and sorted",
			resolver: fakeResolver{
				"_ldaps._tcp.example.com": {
					{Target: "dc2.example.com.", Port: 636, Priority: 10, Weight: 50},
					{Target: "dc1.example.com.", Port: 636, Priority: 0, Weight: 10},
					{Target: "dc3.example.com.", Port: 636, Priority: 10, Weight: 90},
				},
				"_ldap._tcp.example.com": {{Target: "ignored.example.com.", Port: 389}},
			},
			wantHosts: []string{"dc1.example.com", "dc3.example.com", "dc2.example.com"},
			wantTLS:   true,
		},
		{
			name: "ldap when no ldaps",
			resolver: fakeResolver{
				"_ldap._tcp.example.com": {{Target: "ldap1.example.com.", Port: 389}},
			},
			wantHosts: []string{"ldap1.example.com"},
		},
		{
			name:      "fallback to domain",
			resolver:  fakeResolver{},
			wantHosts: []string{"example.com", "example.com"},
			wantTLS:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewSRVDiscovery(nil).WithResolver(tt.resolver)
			servers, err := d.DiscoverServers(context.Background(), "example.com")
			require.NoError(t, err)

			var hosts []string
			for _, s := range servers {
				hosts = append(hosts, s.Host)
				assert.NoError(t, ValidateServerInfo(s))
			}
			assert.Equal(t, tt.wantHosts, hosts)
			assert.Equal(t, tt.wantTLS, servers[0].UseTLS)
		})
	}

	_, err := NewSRVDiscovery(nil).DiscoverServers(context.Background(), "")
	assert.Error(t, err)
}

func TestParseLDAPURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		want    *ServerInfo
		wantErr bool
	}{
		{
			name: "ldaps default port",
			url:  "ldaps://dc1.example.com",
			want: &ServerInfo{Host: "dc1.example.com", Port: 636, UseTLS: true, Weight: 100, Source: "config"},
		},
		{
			name: "ldap with port and base",
			url:  "ldap://ldap.example.com:1389/dc=example,dc=com",
			want: &ServerInfo{Host: "ldap.example.com", Port: 1389, Weight: 100, Source: "config"},
		},
		{
			name: "ipv6",
			url:  "ldap://[::1]:389",
			want: &ServerInfo{Host: "::1", Port: 389, Weight: 100, Source: "config"},
		},
		{name: "empty", url: "", wantErr: true},
		{name: "wrong scheme", url: "http://example.com", wantErr: true},
		{name: "bad port", url: "ldap://example.com:99999", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseLDAPURL(tt.url)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestServerInfoToURL(t *testing.T) {
	assert.Equal(t, "ldaps://dc1.example.com:636", ServerInfoToURL(&ServerInfo{Host: "dc1.example.com", Port: 636, UseTLS: true}))
	assert.Equal(t, "ldap://[::1]:389", ServerInfoToURL(&ServerInfo{Host: "::1", Port: 389}))
}
