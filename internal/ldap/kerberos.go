package ldap

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/go-ldap/ldap/v3/gssapi"
	"github.com/hashicorp/terraform-plugin-log/tflog"
	krb5client "github.com/jcmturner/gokrb5/v8/client"
	"github.com/jcmturner/gokrb5/v8/credentials"
	"github.com/jcmturner/gokrb5/v8/keytab"
)

// kerberosBind performs the service-account GSSAPI bind for ep on conn.
func kerberosBind(ctx context.Context, conn Conn, ep *Endpoint) error {
	principal, realm := splitPrincipal(ep.BindDN, ep.Kerberos.Realm)
	if realm == "" {
		return fmt.Errorf("kerberos realm is required (set kerberos.realm or use a principal@REALM bind_dn)")
	}

	client, err := createGSSAPIClient(ctx, ep.Kerberos, principal, realm, ep.BindCredentials)
	if err != nil {
		return fmt.Errorf("failed to create GSSAPI client: %w", err)
	}
	defer func() {
		_ = client.DeleteSecContext()
	}()

	spn := buildServicePrincipal(ep)

	tflog.SubsystemDebug(ctx, SubsystemLDAP, "Performing GSSAPI bind", map[string]any{
		"endpoint":  ep.Name(),
		"principal": principal,
		"realm":     realm,
		"spn":       spn,
	})

	if err := conn.GSSAPIBind(client, spn, ""); err != nil {
		return fmt.Errorf("GSSAPI bind failed: %w", err)
	}

	return nil
}

// createGSSAPIClient creates a GSSAPI client from the first usable credential
// source in order: credential cache, keytab, password.
func createGSSAPIClient(ctx context.Context, cfg *KerberosConfig, principal, realm, password string) (*gssapi.Client, error) {
	krb5conf, err := loadKrb5Config(ctx, cfg.ConfigPath, realm)
	if err != nil {
		return nil, err
	}

	settings := []func(*krb5client.Settings){krb5client.DisablePAFXFAST(true)}

	var cl *krb5client.Client
	switch {
	case cfg.CCache != "" && fileExists(cfg.CCache):
		ccache, err := credentials.LoadCCache(cfg.CCache)
		if err != nil {
			return nil, fmt.Errorf("failed to load credential cache %s: %w", cfg.CCache, err)
		}
		if cl, err = krb5client.NewFromCCache(ccache, krb5conf, settings...); err != nil {
			return nil, fmt.Errorf("failed to use credential cache %s: %w", cfg.CCache, err)
		}
	case cfg.Keytab != "" && fileExists(cfg.Keytab):
		if principal == "" {
			return nil, fmt.Errorf("bind_dn must name the principal when using a keytab")
		}
		kt, err := keytab.Load(cfg.Keytab)
		if err != nil {
			return nil, fmt.Errorf("failed to load keytab %s: %w", cfg.Keytab, err)
		}
		cl = krb5client.NewWithKeytab(principal, realm, kt, krb5conf, settings...)
	case principal != "" && password != "":
		cl = krb5client.NewWithPassword(principal, realm, password, krb5conf, settings...)
	default:
		return nil, fmt.Errorf("no suitable credentials found for Kerberos authentication")
	}

	return &gssapi.Client{Client: cl}, nil
}

// buildServicePrincipal returns the configured SPN or ldap/<host>.
func buildServicePrincipal(ep *Endpoint) string {
	if ep.Kerberos != nil && ep.Kerberos.SPN != "" {
		return ep.Kerberos.SPN
	}
	return "ldap/" + ep.Host
}

// splitPrincipal separates user@REALM. An explicit realm wins.
func splitPrincipal(principal, realm string) (string, string) {
	if i := strings.LastIndex(principal, "@"); i >= 0 {
		if realm == "" {
			realm = principal[i+1:]
		}
		principal = principal[:i]
	}
	return principal, strings.ToUpper(realm)
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
