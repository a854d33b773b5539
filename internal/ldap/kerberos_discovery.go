package ldap

import (
	"context"
	"fmt"
	"strings"

	"github.com/hashicorp/terraform-plugin-log/tflog"
	krb5config "github.com/jcmturner/gokrb5/v8/config"
)

// loadKrb5Config reads the krb5.conf at path. When no such file exists, a
// configuration that discovers the KDCs of realm through DNS SRV records is
// generated instead.
func loadKrb5Config(ctx context.Context, path, realm string) (*krb5config.Config, error) {
	if fileExists(path) {
		cfg, err := krb5config.Load(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load kerberos configuration %s: %w", path, err)
		}
		return cfg, nil
	}

	tflog.SubsystemDebug(ctx, SubsystemLDAP, "Kerberos configuration file not found, using DNS discovery", map[string]any{
		"config_path": path,
		"realm":       realm,
	})

	cfg, err := krb5config.NewFromString(runtimeKrb5Conf(realm))
	if err != nil {
		return nil, fmt.Errorf("failed to generate kerberos configuration for realm %s: %w", realm, err)
	}
	return cfg, nil
}

// runtimeKrb5Conf renders a krb5.conf for realm with DNS-based KDC lookup.
func runtimeKrb5Conf(realm string) string {
	realm = strings.ToUpper(realm)
	domain := strings.ToLower(realm)

	return fmt.Sprintf(`[libdefaults]
    default_realm = %[1]s
    dns_lookup_kdc = true
    dns_lookup_realm = false
    rdns = false
    forwardable = true
    ticket_lifetime = 24h
    renew_lifetime = 7d

[domain_realm]
    .%[2]s = %[1]s
    %[2]s = %[1]s
`, realm, domain)
}
