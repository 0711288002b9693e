package repository

import (
	"context"

	"github.com/google/uuid"

	"github.com/rpattn/medledger/internal/domain"
)

// RoleRepository defines the interface for role operations. Writes revise the
// role and reconcile its permissions and members in one unit of work.
type RoleRepository interface {
	Create(ctx context.Context, ac domain.ActionContext, role domain.Role) (domain.Role, error)
	GetByID(ctx context.Context, key uuid.UUID) (domain.Role, error)
	List(ctx context.Context) ([]domain.Role, error)
	Update(ctx context.Context, ac domain.ActionContext, role domain.Role) (domain.Role, error)
	Delete(ctx context.Context, ac domain.ActionContext, key uuid.UUID, token domain.Token) error
	MemberUsers(ctx context.Context, role domain.Role) ([]domain.DomainUser, error)
}

// DomainUserRepository defines the interface for domain user operations
type DomainUserRepository interface {
	Create(ctx context.Context, ac domain.ActionContext, user domain.DomainUser) (domain.DomainUser, error)
	GetByID(ctx context.Context, key uuid.UUID) (domain.DomainUser, error)
	GetByIDs(ctx context.Context, keys []uuid.UUID) ([]domain.DomainUser, error)
	List(ctx context.Context) ([]domain.DomainUser, error)
	Update(ctx context.Context, ac domain.ActionContext, user domain.DomainUser) (domain.DomainUser, error)
	Delete(ctx context.Context, ac domain.ActionContext, key uuid.UUID, token domain.Token) error
	Undelete(ctx context.Context, ac domain.ActionContext, key uuid.UUID) (domain.DomainUser, error)
}
