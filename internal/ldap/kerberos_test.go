package ldap

import (
	"testing"

	krb5config "github.com/jcmturner/gokrb5/v8/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKerberosPrincipal(t *testing.T) {
	tests := []struct {
		name          string
		config        ConnectionConfig
		wantPrincipal string
		wantRealm     string
		wantErr       bool
	}{
		{name: "realm from username", config: ConnectionConfig{Username: "svc@example.com"}, wantPrincipal: "svc", wantRealm: "EXAMPLE.COM"},
		{name: "explicit realm wins", config: ConnectionConfig{Username: "svc@other", KerberosRealm: "EXAMPLE.COM"}, wantPrincipal: "svc", wantRealm: "EXAMPLE.COM"},
		{name: "realm from domain", config: ConnectionConfig{Username: "svc", Domain: "corp.example.com"}, wantPrincipal: "svc", wantRealm: "CORP.EXAMPLE.COM"},
		{name: "no realm", config: ConnectionConfig{Username: "svc"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			principal, realm, err := kerberosPrincipal(&tt.config)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantPrincipal, principal)
			assert.Equal(t, tt.wantRealm, realm)
		})
	}
}

func TestGenerateRuntimeKrb5Conf(t *testing.T) {
	content := generateRuntimeKrb5Conf("corp.example.com", "")

	cfg, err := krb5config.NewFromString(content)
	require.NoError(t, err)
	assert.Equal(t, "CORP.EXAMPLE.COM", cfg.LibDefaults.DefaultRealm)
	assert.True(t, cfg.LibDefaults.DNSLookupKDC)
	assert.Equal(t, "CORP.EXAMPLE.COM", cfg.DomainRealm["corp.example.com"])
}

func TestBuildServicePrincipal(t *testing.T) {
	spn, err := buildServicePrincipal(&ConnectionConfig{}, &ServerInfo{Host: "dc1.example.com"})
	require.NoError(t, err)
	assert.Equal(t, "ldap/dc1.example.com", spn)

	spn, err = buildServicePrincipal(&ConnectionConfig{KerberosSPN: "ldap/alias.example.com"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "ldap/alias.example.com", spn)

	_, err = buildServicePrincipal(&ConnectionConfig{}, nil)
	assert.Error(t, err)
}
