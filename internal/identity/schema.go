package identity

import (
	"fmt"
	"sort"
	"strings"
)

// AttributeKey names a semantic identity field independently of any vendor.
type AttributeKey string

const (
	KeyDisplayName    AttributeKey = "display_name"
	KeyFirstName      AttributeKey = "first_name"
	KeyLastName       AttributeKey = "last_name"
	KeyDescription    AttributeKey = "description"
	KeyPhone          AttributeKey = "phone"
	KeyUsername       AttributeKey = "username"
	KeyEmail          AttributeKey = "email"
	KeyGroups         AttributeKey = "groups"
	KeyCreatedOn      AttributeKey = "created_on"
	KeyUpdatedOn      AttributeKey = "updated_on"
	KeyAccountControl AttributeKey = "account_control"
	KeySecurityID     AttributeKey = "security_id"
	KeyObjectGUID     AttributeKey = "object_guid"
)

// AttributeMapping binds a semantic key to the vendor's native attribute name.
type AttributeMapping struct {
	Key    AttributeKey
	Native string
}

// Schema is the per-vendor attribute table. It carries no behavior beyond lookup.
type Schema struct {
	Name       string
	Attributes []AttributeMapping
}

// Native returns the native attribute name mapped to key.
func (s *Schema) Native(key AttributeKey) (string, bool) {
	for _, m := range s.Attributes {
		if m.Key == key {
			return m.Native, true
		}
	}
	return "", false
}

// RequestedAttributes returns the native names to request from the directory,
// deduplicated case-insensitively and in table order.
func (s *Schema) RequestedAttributes() []string {
	seen := make(map[string]bool, len(s.Attributes))
	attrs := make([]string, 0, len(s.Attributes))
	for _, m := range s.Attributes {
		k := strings.ToLower(m.Native)
		if seen[k] {
			continue
		}
		seen[k] = true
		attrs = append(attrs, m.Native)
	}
	return attrs
}

// Schema names accepted in configuration.
const (
	SchemaOpenLDAP        = "openldap"
	SchemaActiveDirectory = "active_directory"
	SchemaOracle          = "oracle"
)

// OpenLDAP is the attribute table for OpenLDAP and most RFC 2798 directories.
var OpenLDAP = Schema{
	Name: SchemaOpenLDAP,
	Attributes: []AttributeMapping{
		{KeyDisplayName, "displayName"},
		{KeyFirstName, "givenName"},
		{KeyLastName, "sn"},
		{KeyDescription, "description"},
		{KeyPhone, "telephoneNumber"},
		{KeyUsername, "uid"},
		{KeyEmail, "mail"},
		{KeyGroups, "memberOf"},
	},
}

// ActiveDirectory is the attribute table for Microsoft Active Directory.
var ActiveDirectory = Schema{
	Name: SchemaActiveDirectory,
	Attributes: []AttributeMapping{
		{KeyDisplayName, "displayName"},
		{KeyFirstName, "givenName"},
		{KeyLastName, "sn"},
		{KeyDescription, "description"},
		{KeyPhone, "telephoneNumber"},
		{KeyUsername, "sAMAccountName"},
		{KeyEmail, "mail"},
		{KeyGroups, "memberOf"},
		{KeyCreatedOn, "whenCreated"},
		{KeyUpdatedOn, "whenChanged"},
		{KeyAccountControl, "userAccountControl"},
		{KeySecurityID, "objectSid"},
		{KeyObjectGUID, "objectGUID"},
	},
}

// Oracle is the attribute table for Oracle Internet Directory, which follows
// the OpenLDAP naming.
var Oracle = Schema{
	Name:       SchemaOracle,
	Attributes: OpenLDAP.Attributes,
}

var schemas = map[string]*Schema{
	SchemaOpenLDAP:        &OpenLDAP,
	SchemaActiveDirectory: &ActiveDirectory,
	SchemaOracle:          &Oracle,
}

// LookupSchema returns the schema registered under name.
func LookupSchema(name string) (*Schema, error) {
	s, ok := schemas[name]
	if !ok {
		return nil, fmt.Errorf("unknown directory schema %q (known: %s)", name, strings.Join(SchemaNames(), ", "))
	}
	return s, nil
}

// SchemaNames lists the registered schema names in sorted order.
func SchemaNames() []string {
	names := make([]string, 0, len(schemas))
	for n := range schemas {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
