package identity

import "strings"

// SubjectPrefix marks subject identifiers that originate from the directory.
const SubjectPrefix = "ldap_"

const (
	wsClaims   = "http://schemas.xmlsoap.org/ws/2005/05/identity/claims/"
	msClaims   = "http://schemas.microsoft.com/ws/2008/06/identity/claims/"
	legacyName = wsClaims + "name"
)

// legacyClaimTypes maps WS-Federation and SAML claim URIs to their short JWT names.
var legacyClaimTypes = map[string]string{
	legacyName:                        ClaimName,
	wsClaims + "givenname":            ClaimGivenName,
	wsClaims + "surname":              ClaimFamilyName,
	wsClaims + "emailaddress":         ClaimEmail,
	wsClaims + "mobilephone":          ClaimPhoneNumber,
	wsClaims + "otherphone":           ClaimPhoneNumber,
	wsClaims + "upn":                  "upn",
	wsClaims + "webpage":              "website",
	wsClaims + "dateofbirth":          "birthdate",
	wsClaims + "gender":               "gender",
	wsClaims + "nameidentifier":       "nameid",
	msClaims + "role":                 ClaimRole,
	msClaims + "groups":               "groups",
	msClaims + "authenticationmethod": "amr",
}

// StripSubjectPrefix removes the directory-origin prefix from id, if present.
func StripSubjectPrefix(id string) string {
	return strings.TrimPrefix(id, SubjectPrefix)
}

// NormalizeClaims maps legacy claim types to canonical ones and guarantees a
// name claim, synthesized from given and family names or, as a last resort,
// from fallbackName. It returns the normalized claims and the resolved name.
func NormalizeClaims(claims []Claim, fallbackName string) ([]Claim, string) {
	out := make([]Claim, 0, len(claims)+1)
	for _, c := range claims {
		if short, ok := legacyClaimTypes[c.Type]; ok {
			c.Type = short
		}
		out = append(out, c)
	}

	if name := firstClaim(out, ClaimName); name != "" {
		return out, name
	}

	given := firstClaim(out, ClaimGivenName)
	family := firstClaim(out, ClaimFamilyName)

	var name string
	switch {
	case given != "" && family != "":
		name = given + " " + family
	case given != "":
		name = given
	case family != "":
		name = family
	default:
		name = fallbackName
	}

	return append(out, Claim{Type: ClaimName, Value: name}), name
}

// firstClaim returns the first non-empty value of claimType.
func firstClaim(claims []Claim, claimType string) string {
	r := Record{Claims: claims}
	for _, v := range r.ClaimValues(claimType) {
		if v != "" {
			return v
		}
	}
	return ""
}
