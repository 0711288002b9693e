package domain

import (
	"strings"

	"github.com/google/uuid"
)

// DomainUser is a directory account allowed to act on dispensing devices.
type DomainUser struct {
	Key         uuid.UUID `json:"key"`
	AccountName string    `json:"account_name"`
	DomainName  string    `json:"domain_name"`
	FirstName   string    `json:"first_name"`
	LastName    string    `json:"last_name"`
	Email       string    `json:"email"`
	Active      bool      `json:"active"`
	Token       Token     `json:"token"`
}

// QualifiedName returns DOMAIN\account, or the bare account name when the
// user has no domain.
func (u DomainUser) QualifiedName() string {
	if u.DomainName == "" {
		return u.AccountName
	}
	return strings.ToUpper(u.DomainName) + `\` + u.AccountName
}

// DisplayName returns "Last, First", falling back to the account name.
func (u DomainUser) DisplayName() string {
	switch {
	case u.FirstName == "" && u.LastName == "":
		return u.AccountName
	case u.FirstName == "":
		return u.LastName
	case u.LastName == "":
		return u.FirstName
	}
	return u.LastName + ", " + u.FirstName
}
