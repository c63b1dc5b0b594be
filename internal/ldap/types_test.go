package ldap

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConnectionConfig_GetAuthMethod(t *testing.T) {
	tests := []struct {
		name   string
		config ConnectionConfig
		want   AuthMethod
	}{
		{name: "simple bind", config: ConnectionConfig{Username: "cn=admin,dc=example,dc=com", Password: "x"}, want: AuthMethodSimpleBind},
		{name: "kerberos with keytab", config: ConnectionConfig{Username: "svc", KerberosRealm: "EXAMPLE.COM", KerberosKeytab: "/k"}, want: AuthMethodKerberos},
		{name: "kerberos with ccache only", config: ConnectionConfig{KerberosRealm: "EXAMPLE.COM", KerberosCCache: "/c"}, want: AuthMethodKerberos},
		{name: "external", config: ConnectionConfig{TLSClientCertFile: "c.pem", TLSClientKeyFile: "k.pem"}, want: AuthMethodExternal},
		{name: "anonymous", config: ConnectionConfig{}, want: AuthMethodAnonymous},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.config.GetAuthMethod())
			assert.Equal(t, tt.want != AuthMethodAnonymous, tt.config.HasAuthentication())
		})
	}
}

func TestValidateConfig(t *testing.T) {
	valid := func() *ConnectionConfig {
		c := DefaultConfig()
		c.LDAPURLs = []string{"ldap://localhost"}
		return c
	}

	assert.NoError(t, validateConfig(valid()))

	tests := []struct {
		name   string
		mutate func(*ConnectionConfig)
	}{
		{"no servers", func(c *ConnectionConfig) { c.LDAPURLs = nil }},
		{"zero connections", func(c *ConnectionConfig) { c.MaxConnections = 0 }},
		{"too many connections", func(c *ConnectionConfig) { c.MaxConnections = MaxConnectionPoolLimit + 1 }},
		{"zero timeout", func(c *ConnectionConfig) { c.Timeout = 0 }},
		{"negative retries", func(c *ConnectionConfig) { c.MaxRetries = -1 }},
		{"flat backoff", func(c *ConnectionConfig) { c.BackoffFactor = 1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			assert.Error(t, validateConfig(c))
		})
	}
}

func TestModifyRequest_IsEmpty(t *testing.T) {
	var nilReq *ModifyRequest
	assert.True(t, nilReq.IsEmpty())
	assert.True(t, (&ModifyRequest{DN: "cn=x"}).IsEmpty())
	assert.False(t, (&ModifyRequest{DN: "cn=x", Delete: []string{"mail"}}).IsEmpty())
}

func TestSanitizeFields(t *testing.T) {
	got := SanitizeFields(map[string]any{
		"bind_password": "hunter2",
		"username":      "admin",
		"url":           "ldap://x?password=abc",
	})
	assert.Equal(t, "[REDACTED]", got["bind_password"])
	assert.Equal(t, "admin", got["username"])
	assert.Equal(t, "[REDACTED]", got["url"])
}
