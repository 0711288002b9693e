package domain

import (
	"github.com/google/uuid"
)

// Role groups permissions and the users holding them.
type Role struct {
	Key         uuid.UUID    `json:"key"`
	Name        string       `json:"name"`
	Description string       `json:"description"`
	Permissions []uuid.UUID  `json:"permissions"`
	Members     []RoleMember `json:"members"`
	Token       Token        `json:"token"`
}

// RoleMember is one user's membership of a role. Areas limits the membership
// to the listed facility areas.
type RoleMember struct {
	UserKey         uuid.UUID   `json:"user_key"`
	TemporaryAccess bool        `json:"temporary_access"`
	Areas           []uuid.UUID `json:"areas"`
}

// MemberKeys returns the user keys of every member.
func (r Role) MemberKeys() []uuid.UUID {
	keys := make([]uuid.UUID, len(r.Members))
	for i, m := range r.Members {
		keys[i] = m.UserKey
	}
	return keys
}

// Member returns the membership of userKey.
func (r Role) Member(userKey uuid.UUID) (RoleMember, bool) {
	for _, m := range r.Members {
		if m.UserKey == userKey {
			return m, true
		}
	}
	return RoleMember{}, false
}
