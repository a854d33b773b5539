package ldap

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestSplitPrincipal(t *testing.T) {
	tests := []struct {
		name          string
		principal     string
		realm         string
		wantPrincipal string
		wantRealm     string
	}{
		{"realm from principal", "svc-ldap@example.com", "", "svc-ldap", "EXAMPLE.COM"},
		{"explicit realm wins", "svc-ldap@OTHER.COM", "example.com", "svc-ldap", "EXAMPLE.COM"},
		{"no realm", "svc-ldap", "", "svc-ldap", ""},
		{"empty", "", "EXAMPLE.COM", "", "EXAMPLE.COM"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, r := splitPrincipal(tt.principal, tt.realm)
			assert.Equal(t, tt.wantPrincipal, p)
			assert.Equal(t, tt.wantRealm, r)
		})
	}
}

func TestBuildServicePrincipal(t *testing.T) {
	cfg := endpointConfig("A", "")
	cfg.Host = "dc1.example.com"
	cfg.Kerberos = &KerberosConfig{Realm: "EXAMPLE.COM"}
	override := cfg
	override.FriendlyName = "B"
	override.Kerberos = &KerberosConfig{Realm: "EXAMPLE.COM", SPN: "ldap/ldap.example.com"}

	eps := testEndpoints(t, cfg, override)

	assert.Equal(t, "ldap/dc1.example.com", buildServicePrincipal(eps[0]))
	assert.Equal(t, "ldap/ldap.example.com", buildServicePrincipal(eps[1]))
}

func TestCreateGSSAPIClient_Errors(t *testing.T) {
	dir := t.TempDir()
	krb5conf := filepath.Join(dir, "krb5.conf")
	require.NoError(t, os.WriteFile(krb5conf, []byte("[libdefaults]\n  default_realm = EXAMPLE.COM\n"), 0o600))
	badKeytab := filepath.Join(dir, "bad.keytab")
	require.NoError(t, os.WriteFile(badKeytab, []byte("not a keytab"), 0o600))

	tests := []struct {
		name      string
		cfg       *KerberosConfig
		principal string
		password  string
		errMsg    string
	}{
		{
			name:   "missing krb5.conf without credentials",
			cfg:    &KerberosConfig{ConfigPath: "/nonexistent/krb5.conf"},
			errMsg: "no suitable credentials",
		},
		{
			name:      "unreadable keytab",
			cfg:       &KerberosConfig{ConfigPath: krb5conf, Keytab: badKeytab},
			principal: "svc",
			errMsg:    "failed to load keytab",
		},
		{
			name:   "no credentials",
			cfg:    &KerberosConfig{ConfigPath: krb5conf, Keytab: filepath.Join(dir, "missing.keytab")},
			errMsg: "no suitable credentials",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := createGSSAPIClient(t.Context(), tt.cfg, tt.principal, "EXAMPLE.COM", tt.password)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestCreateGSSAPIClient_Password(t *testing.T) {
	dir := t.TempDir()
	krb5conf := filepath.Join(dir, "krb5.conf")
	require.NoError(t, os.WriteFile(krb5conf, []byte("[libdefaults]\n  default_realm = CORP.EXAMPLE.COM\n"), 0o600))

	client, err := createGSSAPIClient(t.Context(), &KerberosConfig{ConfigPath: krb5conf}, "svc", "CORP.EXAMPLE.COM", "pw")
	require.NoError(t, err)
	assert.Equal(t, "svc", client.Credentials.UserName())
	assert.Equal(t, "CORP.EXAMPLE.COM", client.Config.LibDefaults.DefaultRealm)
}

func TestCreateGSSAPIClient_RuntimeConfig(t *testing.T) {
	client, err := createGSSAPIClient(t.Context(), &KerberosConfig{ConfigPath: filepath.Join(t.TempDir(), "absent.conf")}, "svc", "EXAMPLE.COM", "pw")
	require.NoError(t, err)
	assert.Equal(t, "EXAMPLE.COM", client.Config.LibDefaults.DefaultRealm)
	assert.True(t, client.Config.LibDefaults.DNSLookupKDC)
	assert.False(t, client.Config.LibDefaults.DNSLookupRealm)
	assert.Equal(t, "EXAMPLE.COM", client.Config.DomainRealm[".example.com"])
}

func TestKerberosBind_RequiresRealm(t *testing.T) {
	cfg := endpointConfig("A", "")
	cfg.BindDN = "svc-ldap"
	cfg.Kerberos = &KerberosConfig{}
	ep := testEndpoints(t, cfg)[0]

	conn := &mockConn{}
	err := kerberosBind(t.Context(), conn, ep)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "realm is required")
	conn.AssertNotCalled(t, "GSSAPIBind", mock.Anything, mock.Anything, mock.Anything)
}

func TestFileExists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f")
	require.NoError(t, os.WriteFile(path, nil, 0o600))

	assert.True(t, fileExists(path))
	assert.False(t, fileExists(dir))
	assert.False(t, fileExists(""))
	assert.False(t, fileExists(filepath.Join(dir, "missing")))
}
