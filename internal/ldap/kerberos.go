package ldap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/go-ldap/ldap/v3"
	"github.com/go-ldap/ldap/v3/gssapi"
	krb5client "github.com/jcmturner/gokrb5/v8/client"
	krb5config "github.com/jcmturner/gokrb5/v8/config"
)

const defaultKrb5Conf = "/etc/krb5.conf"

// runtimeKrb5 caches generated krb5.conf files per realm for the life of the process.
var runtimeKrb5 sync.Map

// performKerberosAuth binds conn with GSSAPI using the configured credentials.
func performKerberosAuth(ctx context.Context, log *slog.Logger, conn *ldap.Conn, cfg *ConnectionConfig, serverInfo *ServerInfo) error {
	principal, realm, err := kerberosPrincipal(cfg)
	if err != nil {
		return fmt.Errorf("kerberos configuration error: %w", err)
	}

	krb5conf, err := resolveKrb5Conf(cfg, realm)
	if err != nil {
		return err
	}

	gssapiClient, source, err := createGSSAPIClient(cfg, principal, realm, krb5conf)
	if err != nil {
		return fmt.Errorf("failed to create GSSAPI client: %w", err)
	}
	defer func() {
		_ = gssapiClient.DeleteSecContext()
	}()

	spn, err := buildServicePrincipal(cfg, serverInfo)
	if err != nil {
		return fmt.Errorf("failed to build service principal: %w", err)
	}

	log.DebugContext(ctx, "GSSAPI bind", "spn", spn, "realm", realm, "credentials", source)
	if err := conn.GSSAPIBind(gssapiClient, spn, ""); err != nil {
		return fmt.Errorf("GSSAPI bind failed: %w", err)
	}
	return nil
}

// kerberosPrincipal splits user@REALM without mutating the shared config.
func kerberosPrincipal(cfg *ConnectionConfig) (string, string, error) {
	if cfg == nil {
		return "", "", errors.New("configuration cannot be nil")
	}

	principal, realm := cfg.Username, cfg.KerberosRealm
	if user, r, ok := strings.Cut(principal, "@"); ok {
		principal = user
		if realm == "" {
			realm = r
		}
	}
	if realm == "" && cfg.Domain != "" {
		realm = strings.ToUpper(cfg.Domain)
	}

	switch {
	case realm == "":
		return "", "", errors.New("kerberos realm is required (set kerberos_realm or include realm in username)")
	case principal == "" && cfg.KerberosCCache == "":
		return "", "", errors.New("username (principal) is required for Kerberos authentication")
	}
	return principal, strings.ToUpper(realm), nil
}

// resolveKrb5Conf returns the krb5.conf to use: the configured path, the
// system default, or a generated file relying on DNS discovery of KDCs.
func resolveKrb5Conf(cfg *ConnectionConfig, realm string) (string, error) {
	if cfg.KerberosConfig != "" {
		if !fileExists(cfg.KerberosConfig) {
			return "", fmt.Errorf("kerberos configuration file not found at %s", cfg.KerberosConfig)
		}
		return cfg.KerberosConfig, nil
	}
	if fileExists(defaultKrb5Conf) {
		return defaultKrb5Conf, nil
	}

	if path, ok := runtimeKrb5.Load(realm); ok {
		return path.(string), nil
	}

	content := generateRuntimeKrb5Conf(realm, cfg.Domain)
	if _, err := krb5config.NewFromString(content); err != nil {
		return "", fmt.Errorf("generated krb5.conf is invalid: %w", err)
	}

	dir, err := os.MkdirTemp("", "dirsync-krb5-")
	if err != nil {
		return "", fmt.Errorf("create krb5.conf directory: %w", err)
	}
	path := filepath.Join(dir, "krb5.conf")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		return "", fmt.Errorf("write krb5.conf: %w", err)
	}

	actual, _ := runtimeKrb5.LoadOrStore(realm, path)
	return actual.(string), nil
}

// generateRuntimeKrb5Conf renders a minimal krb5.conf that discovers KDCs via DNS.
func generateRuntimeKrb5Conf(realm, domain string) string {
	realm = strings.ToUpper(realm)
	if domain == "" {
		domain = realm
	}
	domain = strings.ToLower(domain)

	return fmt.Sprintf(`[libdefaults]
    default_realm = %[1]s
    dns_lookup_kdc = true
    dns_lookup_realm = false
    rdns = false
    forwardable = true

[realms]
    %[1]s = {
    }

[domain_realm]
    .%[2]s = %[1]s
    %[2]s = %[1]s
`, realm, domain)
}

// createGSSAPIClient creates a GSSAPI client.
// Priority order: credential cache, keytab, password.
func createGSSAPIClient(cfg *ConnectionConfig, principal, realm, krb5conf string) (ldap.GSSAPIClient, string, error) {
	if cfg.KerberosCCache != "" && fileExists(cfg.KerberosCCache) {
		c, err := gssapi.NewClientFromCCache(cfg.KerberosCCache, krb5conf, krb5client.DisablePAFXFAST(true))
		return c, "ccache", err
	}

	keytab := cfg.KerberosKeytab
	if keytab == "" && cfg.Password == "" {
		keytab = getDefaultKeytabPath()
	}
	if keytab != "" && fileExists(keytab) && principal != "" {
		c, err := gssapi.NewClientWithKeytab(principal, realm, keytab, krb5conf, krb5client.DisablePAFXFAST(true))
		return c, "keytab", err
	}

	if principal != "" && cfg.Password != "" {
		c, err := gssapi.NewClientWithPassword(principal, realm, cfg.Password, krb5conf, krb5client.DisablePAFXFAST(true))
		return c, "password", err
	}

	if ccache := getDefaultCCachePath(); fileExists(ccache) {
		c, err := gssapi.NewClientFromCCache(ccache, krb5conf, krb5client.DisablePAFXFAST(true))
		return c, "default ccache", err
	}

	return nil, "", errors.New("no suitable credentials found for Kerberos authentication")
}

// buildServicePrincipal constructs the LDAP service principal name from server info.
// If cfg.KerberosSPN is set, it overrides the automatic SPN construction.
func buildServicePrincipal(cfg *ConnectionConfig, serverInfo *ServerInfo) (string, error) {
	if cfg == nil {
		return "", errors.New("configuration is required for service principal")
	}
	if cfg.KerberosSPN != "" {
		return cfg.KerberosSPN, nil
	}
	if serverInfo == nil || serverInfo.Host == "" {
		return "", errors.New("hostname is required for service principal")
	}

	hostname, _, _ := strings.Cut(serverInfo.Host, ":")
	return "ldap/" + hostname, nil
}

// getDefaultCCachePath returns the default credential cache location.
func getDefaultCCachePath() string {
	if ccache := os.Getenv("KRB5CCNAME"); ccache != "" {
		return strings.TrimPrefix(ccache, "FILE:")
	}
	return fmt.Sprintf("/tmp/krb5cc_%d", os.Getuid())
}

// getDefaultKeytabPath returns the default keytab location.
func getDefaultKeytabPath() string {
	if keytab := os.Getenv("KRB5_KTNAME"); keytab != "" {
		return strings.TrimPrefix(keytab, "FILE:")
	}
	return "/etc/krb5.keytab"
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
