package identity

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-ldap/ldap/v3"
)

// ErrMissingUsername is returned when an entry lacks the schema's username attribute.
var ErrMissingUsername = errors.New("directory entry has no username attribute")

// claimOrder fixes the order of single-valued claims. Keys the schema does not
// map are skipped; mapped keys always produce a claim, empty when absent.
var claimOrder = []struct {
	key   AttributeKey
	claim string
}{
	{KeyDisplayName, ClaimName},
	{KeyLastName, ClaimFamilyName},
	{KeyFirstName, ClaimGivenName},
	{KeyEmail, ClaimEmail},
	{KeyPhone, ClaimPhoneNumber},
	{KeyCreatedOn, ClaimCreatedOn},
	{KeyUpdatedOn, ClaimUpdatedOn},
}

// Materializer turns directory entries into Records using one Schema.
// A process selects its schema once at startup.
type Materializer struct {
	schema *Schema
}

// NewMaterializer returns a Materializer for schema.
func NewMaterializer(schema *Schema) *Materializer {
	return &Materializer{schema: schema}
}

// Schema returns the schema in use.
func (m *Materializer) Schema() *Schema {
	return m.schema
}

// Materialize builds a Record from entry, tagging it with providerName and
// copying each of extra verbatim when present on the entry.
func (m *Materializer) Materialize(entry *ldap.Entry, providerName string, extra []string) (*Record, error) {
	if entry == nil {
		return nil, errors.New("directory entry is nil")
	}
	if providerName == "" {
		providerName = DefaultProvider
	}

	usernameAttr, _ := m.schema.Native(KeyUsername)
	username, ok := firstValue(entry, usernameAttr)
	if !ok || username == "" {
		return nil, fmt.Errorf("%w: %s (dn: %s)", ErrMissingUsername, usernameAttr, entry.DN)
	}

	rec := &Record{
		SubjectID:         username,
		ProviderSubjectID: username,
		ProviderName:      providerName,
		Username:          username,
		Active:            true,
	}

	if attr, ok := m.schema.Native(KeyDisplayName); ok {
		if v, present := firstValue(entry, attr); present {
			rec.DisplayName = v
		}
	}

	for _, c := range claimOrder {
		attr, ok := m.schema.Native(c.key)
		if !ok {
			continue
		}
		v, _ := firstValue(entry, attr)
		rec.Claims = append(rec.Claims, Claim{Type: c.claim, Value: v})
	}

	if attr, ok := m.schema.Native(KeySecurityID); ok {
		if raw := rawValue(entry, attr); len(raw) > 0 {
			if sid, err := DecodeSID(raw); err == nil {
				rec.Claims = append(rec.Claims, Claim{Type: ClaimSID, Value: sid})
			}
		}
	}
	if attr, ok := m.schema.Native(KeyObjectGUID); ok {
		if raw := rawValue(entry, attr); len(raw) > 0 {
			if guid, err := DecodeGUID(raw); err == nil {
				rec.Claims = append(rec.Claims, Claim{Type: ClaimObjectGUID, Value: guid})
			}
		}
	}

	if attr, ok := m.schema.Native(KeyGroups); ok {
		for _, g := range values(entry, attr) {
			rec.Claims = append(rec.Claims, Claim{Type: ClaimRole, Value: g})
		}
	}

	for _, name := range extra {
		vals := values(entry, name)
		for _, v := range vals {
			rec.Claims = append(rec.Claims, Claim{Type: name, Value: v})
		}
	}

	if attr, ok := m.schema.Native(KeyAccountControl); ok {
		if v, present := firstValue(entry, attr); present {
			rec.Active = AccountEnabled(v)
		}
	}

	return rec, nil
}

func findAttribute(entry *ldap.Entry, name string) *ldap.EntryAttribute {
	if name == "" {
		return nil
	}
	for _, a := range entry.Attributes {
		if strings.EqualFold(a.Name, name) {
			return a
		}
	}
	return nil
}

func values(entry *ldap.Entry, name string) []string {
	if a := findAttribute(entry, name); a != nil {
		return a.Values
	}
	return nil
}

func firstValue(entry *ldap.Entry, name string) (string, bool) {
	a := findAttribute(entry, name)
	if a == nil || len(a.Values) == 0 {
		return "", false
	}
	return a.Values[0], true
}

func rawValue(entry *ldap.Entry, name string) []byte {
	a := findAttribute(entry, name)
	if a == nil || len(a.ByteValues) == 0 {
		return nil
	}
	return a.ByteValues[0]
}
