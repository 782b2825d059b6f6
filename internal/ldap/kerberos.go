package ldap

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-ldap/ldap/v3"
	"github.com/go-ldap/ldap/v3/gssapi"
	krb5client "github.com/jcmturner/gokrb5/v8/client"
	krb5config "github.com/jcmturner/gokrb5/v8/config"
)

// gssapiBinder is implemented by *ldap.Conn.
type gssapiBinder interface {
	GSSAPIBind(client ldap.GSSAPIClient, servicePrincipal, authzid string) error
}

// performKerberosAuth performs a GSSAPI bind on conn using the connection's
// Kerberos settings.
func performKerberosAuth(ctx context.Context, conn DirectoryConn, cfg *ConnectionConfig, server *ServerInfo) error {
	binder, ok := conn.(gssapiBinder)
	if !ok {
		return fmt.Errorf("connection does not support GSSAPI bind")
	}

	principal, realm := splitPrincipal(cfg.BindDN, cfg.KerberosRealm)
	if realm == "" {
		return NewConfigurationError("kerberos_realm", "kerberos realm is required", nil)
	}

	client, err := createGSSAPIClient(cfg, principal, realm)
	if err != nil {
		LogKerberosEvent(ctx, "ticket_acquisition_failed", map[string]any{
			"principal": principal,
			"realm":     realm,
			"error":     err.Error(),
		})
		return fmt.Errorf("failed to create GSSAPI client: %w", err)
	}
	defer func() {
		_ = client.DeleteSecContext()
	}()

	LogKerberosEvent(ctx, "ticket_acquired", map[string]any{
		"principal": principal,
		"realm":     realm,
	})

	spn, err := buildServicePrincipal(cfg, server)
	if err != nil {
		return fmt.Errorf("failed to build service principal: %w", err)
	}

	if err := binder.GSSAPIBind(client, spn, ""); err != nil {
		LogKerberosEvent(ctx, "authentication_failed", map[string]any{
			"spn":   spn,
			"error": err.Error(),
		})
		return fmt.Errorf("GSSAPI bind failed: %w", err)
	}

	return nil
}

// createGSSAPIClient creates a GSSAPI client.
// Priority order: explicit credential cache → keytab → password.
func createGSSAPIClient(cfg *ConnectionConfig, principal, realm string) (*gssapi.Client, error) {
	krb5confPath := cfg.KerberosConfig
	if krb5confPath == "" {
		krb5confPath = "/etc/krb5.conf"
	}

	if !fileExists(krb5confPath) {
		if cfg.KerberosConfig != "" {
			return nil, NewConfigurationError("kerberos_config",
				fmt.Sprintf("Kerberos configuration file not found at %s", krb5confPath), nil)
		}
		generated, err := writeRuntimeKrb5Conf(cfg, realm)
		if err != nil {
			return nil, err
		}
		krb5confPath = generated
	}

	ccache := cfg.KerberosCCache
	if ccache == "" {
		ccache = defaultCCachePath()
	}
	if fileExists(ccache) {
		return gssapi.NewClientFromCCache(ccache, krb5confPath, krb5client.DisablePAFXFAST(true))
	}

	if cfg.KerberosKeytab != "" && fileExists(cfg.KerberosKeytab) {
		return gssapi.NewClientWithKeytab(principal, realm, cfg.KerberosKeytab, krb5confPath, krb5client.DisablePAFXFAST(true))
	}

	if cfg.BindPassword != "" {
		return gssapi.NewClientWithPassword(principal, realm, cfg.BindPassword, krb5confPath, krb5client.DisablePAFXFAST(true))
	}

	return nil, NewConfigurationError("kerberos_keytab",
		"no suitable Kerberos credentials found: provide a credential cache, keytab or password", nil)
}

// runtimeKrb5Conf renders a minimal krb5.conf that locates KDCs through DNS.
func runtimeKrb5Conf(cfg *ConnectionConfig, realm string) string {
	domain := strings.ToLower(realm)
	if cfg.DiscoverDomain != "" {
		domain = strings.ToLower(cfg.DiscoverDomain)
	}

	return fmt.Sprintf(`[libdefaults]
    default_realm = %[1]s
    dns_lookup_kdc = true
    dns_lookup_realm = false
    rdns = false
    forwardable = true
    ticket_lifetime = 24h

[realms]
    %[1]s = {
    }

[domain_realm]
    .%[2]s = %[1]s
    %[2]s = %[1]s
`, realm, domain)
}

// writeRuntimeKrb5Conf validates the generated configuration and writes it to
// a per-connection file in the temp directory.
func writeRuntimeKrb5Conf(cfg *ConnectionConfig, realm string) (string, error) {
	content := runtimeKrb5Conf(cfg, realm)
	if _, err := krb5config.NewFromString(content); err != nil {
		return "", fmt.Errorf("generated krb5.conf is invalid: %w", err)
	}

	path := filepath.Join(os.TempDir(), fmt.Sprintf("ldapsync-krb5-%s.conf", cfg.ID))
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		return "", fmt.Errorf("failed to write runtime krb5.conf: %w", err)
	}
	return path, nil
}

// buildServicePrincipal constructs the LDAP service principal name from server info.
func buildServicePrincipal(cfg *ConnectionConfig, server *ServerInfo) (string, error) {
	if cfg.KerberosSPN != "" {
		return cfg.KerberosSPN, nil
	}

	if server == nil || server.Host == "" {
		return "", fmt.Errorf("hostname is required for service principal")
	}

	return "ldap/" + server.Host, nil
}

// splitPrincipal separates "user@REALM"; an explicit realm wins.
func splitPrincipal(principal, realm string) (string, string) {
	if user, r, ok := strings.Cut(principal, "@"); ok {
		if realm == "" {
			realm = r
		}
		principal = user
	}
	return principal, strings.ToUpper(realm)
}

// defaultCCachePath returns the default credential cache location.
func defaultCCachePath() string {
	if ccache := os.Getenv("KRB5CCNAME"); ccache != "" {
		return strings.TrimPrefix(ccache, "FILE:")
	}
	return fmt.Sprintf("/tmp/krb5cc_%d", os.Getuid())
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
