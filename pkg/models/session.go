package models

import "time"

// Session is the identity and permission snapshot for the signed-in user.
// CompanyID is nil between signup and tenant onboarding; route guards treat
// that window as "limited routes only".
type Session struct {
	UserID         string              `cbor:"user_id" json:"userId"`
	CompanyID      *string             `cbor:"company_id,omitempty" json:"companyId,omitempty"`
	Role           string              `cbor:"role" json:"role"`
	PermissionTags map[string]struct{} `cbor:"permission_tags,omitempty" json:"permissionTags,omitempty"`
	IsSuperAdmin   bool                `cbor:"is_super_admin" json:"isSuperAdmin"`

	Token     string    `cbor:"token" json:"token"`
	ExpiresAt time.Time `cbor:"expires_at" json:"expiresAt"`
}

// Onboarded reports whether the session has been assigned a tenant.
func (s *Session) Onboarded() bool {
	return s != nil && s.CompanyID != nil && *s.CompanyID != ""
}

// Tenant returns the active company id, empty pre-onboarding.
func (s *Session) Tenant() string {
	if s == nil || s.CompanyID == nil {
		return ""
	}
	return *s.CompanyID
}

// HasPermission reports whether the session carries the given tag.
// Super admins pass every check.
func (s *Session) HasPermission(tag string) bool {
	if s == nil {
		return false
	}
	if s.IsSuperAdmin {
		return true
	}
	_, ok := s.PermissionTags[tag]
	return ok
}

// Clone returns a copy with its own tag set, safe to hand to route guards.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	if s.CompanyID != nil {
		id := *s.CompanyID
		out.CompanyID = &id
	}
	if s.PermissionTags != nil {
		out.PermissionTags = make(map[string]struct{}, len(s.PermissionTags))
		for tag := range s.PermissionTags {
			out.PermissionTags[tag] = struct{}{}
		}
	}
	return &out
}
