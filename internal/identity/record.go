package identity

import (
	"errors"
	"slices"
)

// Canonical claim types emitted for directory and provisioned identities.
const (
	ClaimName        = "name"
	ClaimGivenName   = "given_name"
	ClaimFamilyName  = "family_name"
	ClaimEmail       = "email"
	ClaimPhoneNumber = "phone_number"
	ClaimRole        = "role"
	ClaimCreatedOn   = "createdOn"
	ClaimUpdatedOn   = "updatedOn"
	ClaimSID         = "sid"
	ClaimObjectGUID  = "object_guid"
)

// DefaultProvider is the provider name given to directory-originated identities
// when no domain hint was supplied.
const DefaultProvider = "local"

// ErrEmptySubject is returned when a record has neither a subject id nor a username.
var ErrEmptySubject = errors.New("identity record has no subject identifier")

// Claim is a single (type, value) pair. Types may repeat within a record.
type Claim struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// Record is a materialized user.
type Record struct {
	SubjectID         string  `json:"subject_id,omitempty"`
	ProviderSubjectID string  `json:"provider_subject_id"`
	ProviderName      string  `json:"provider_name"`
	Username          string  `json:"username"`
	DisplayName       string  `json:"display_name,omitempty"`
	Active            bool    `json:"active"`
	Claims            []Claim `json:"claims"`
}

// GetSubjectID returns the subject identifier, falling back to the username.
func (r *Record) GetSubjectID() string {
	if r.SubjectID != "" {
		return r.SubjectID
	}
	return r.Username
}

// OwnsUsername reports whether the record is the directory identity for its
// username. Directory records are keyed by username; auto-provisioned records
// carry a generated subject id and must not shadow a directory login name.
func (r *Record) OwnsUsername() bool {
	return r.Username != "" && r.GetSubjectID() == r.Username
}

// Validate reports an error when the record has no usable subject id.
func (r *Record) Validate() error {
	if r.GetSubjectID() == "" {
		return ErrEmptySubject
	}
	return nil
}

// ClaimValues returns every value recorded for the given claim type, in order.
func (r *Record) ClaimValues(claimType string) []string {
	var values []string
	for _, c := range r.Claims {
		if c.Type == claimType {
			values = append(values, c.Value)
		}
	}
	return values
}

// FilterClaims returns the claims whose type is in types. An empty types
// slice yields no claims.
func (r *Record) FilterClaims(types []string) []Claim {
	var out []Claim
	for _, c := range r.Claims {
		if slices.Contains(types, c.Type) {
			out = append(out, c)
		}
	}
	return out
}

// Clone returns a deep copy so that cached records are never shared.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	c.Claims = slices.Clone(r.Claims)
	return &c
}
