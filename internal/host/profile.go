package host

import (
	"context"

	"github.com/hashicorp/terraform-plugin-log/tflog"

	"github.com/isometry/ldap-identity/internal/identity"
	"github.com/isometry/ldap-identity/internal/ldap"
	"github.com/isometry/ldap-identity/internal/userstore"
)

// ProfileService answers claim and activity queries for issued subjects.
type ProfileService struct {
	users userstore.UserStore
}

// NewProfileService creates a ProfileService backed by users.
func NewProfileService(users userstore.UserStore) *ProfileService {
	return &ProfileService{users: users}
}

// GetProfileData returns the subject's claims restricted to requestedTypes.
// No requested types, or an unknown subject, yields no claims.
func (p *ProfileService) GetProfileData(ctx context.Context, subjectID string, requestedTypes []string) ([]identity.Claim, error) {
	if len(requestedTypes) == 0 {
		return nil, nil
	}

	rec, err := p.users.FindBySubjectID(ctx, subjectID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		tflog.SubsystemDebug(ctx, ldap.SubsystemUserStore, "Profile requested for unknown subject", map[string]any{
			"subject": subjectID,
		})
		return nil, nil
	}

	claims := rec.FilterClaims(requestedTypes)
	tflog.SubsystemDebug(ctx, ldap.SubsystemUserStore, "Issued profile claims", map[string]any{
		"subject":   subjectID,
		"requested": requestedTypes,
		"issued":    len(claims),
	})
	return claims, nil
}

// IsActive reports whether subjectID resolves to an active user.
func (p *ProfileService) IsActive(ctx context.Context, subjectID string) (bool, error) {
	rec, err := p.users.FindBySubjectID(ctx, subjectID)
	if err != nil {
		return false, err
	}
	return rec != nil && rec.Active, nil
}
