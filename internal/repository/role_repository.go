package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/rpattn/medledger/internal/association"
	"github.com/rpattn/medledger/internal/domain"
	"github.com/rpattn/medledger/internal/entityloader"
	"github.com/rpattn/medledger/internal/uow"
	"github.com/rpattn/medledger/internal/version"
	"github.com/rpattn/medledger/pkg/validator"
)

const (
	RoleKind = "role"

	temporaryAccessAttribute = "temporary_access"
)

var (
	RolePermissions = association.Relation{Kind: "role-permission"}
	RoleMemberAreas = association.Relation{Kind: "role-member-area"}
	RoleMembers     = association.Relation{Kind: "role-member", Nested: []association.Relation{RoleMemberAreas}}
)

var roleFields = map[string]validator.FieldDefinition{
	"name":        {Type: validator.FieldTypeReference, Required: true},
	"description": {Type: validator.FieldTypeString},
}

type rolePayload struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// roleRepository implements RoleRepository interface
type roleRepository struct {
	uow   *uow.Manager
	roles *version.Store[rolePayload]
	links *association.Reconciler
	users DomainUserRepository
}

// NewRoleRepository creates a new role repository. users resolves members.
func NewRoleRepository(mgr *uow.Manager, users DomainUserRepository) RoleRepository {
	return &roleRepository{
		uow:   mgr,
		roles: version.New[rolePayload](RoleKind, mgr, version.WithValidator(validator.ForPayload[rolePayload](roleFields))),
		links: association.NewReconciler(mgr),
		users: users,
	}
}

// Create creates a role with its permissions and members
func (r *roleRepository) Create(ctx context.Context, ac domain.ActionContext, role domain.Role) (domain.Role, error) {
	var created domain.Role
	err := r.uow.Within(ctx, func(ctx context.Context) error {
		key, _, err := r.roles.Insert(ctx, ac, payloadFromRole(role))
		if err != nil {
			return err
		}
		role.Key = key
		if err := r.reconcileLinks(ctx, ac, role); err != nil {
			return err
		}
		created, err = r.load(ctx, key)
		return err
	})
	if err != nil {
		return domain.Role{}, fmt.Errorf("failed to create role: %w", err)
	}
	return created, nil
}

// GetByID retrieves a role with its current permissions and members
func (r *roleRepository) GetByID(ctx context.Context, key uuid.UUID) (domain.Role, error) {
	var role domain.Role
	err := r.uow.Within(ctx, func(ctx context.Context) error {
		var err error
		role, err = r.load(ctx, key)
		return err
	})
	if err != nil {
		return domain.Role{}, fmt.Errorf("failed to get role: %w", err)
	}
	return role, nil
}

// List retrieves all live roles
func (r *roleRepository) List(ctx context.Context) ([]domain.Role, error) {
	var roles []domain.Role
	err := r.uow.Within(ctx, func(ctx context.Context) error {
		snaps, err := r.roles.ListCurrent(ctx)
		if err != nil {
			return err
		}
		roles = make([]domain.Role, 0, len(snaps))
		for _, snap := range snaps {
			role, err := r.withLinks(ctx, snap)
			if err != nil {
				return err
			}
			roles = append(roles, role)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list roles: %w", err)
	}
	return roles, nil
}

// Update revises the role and brings permissions and members in line with
// role. role.Token must be the token last read.
func (r *roleRepository) Update(ctx context.Context, ac domain.ActionContext, role domain.Role) (domain.Role, error) {
	var updated domain.Role
	err := r.uow.Within(ctx, func(ctx context.Context) error {
		if _, err := r.roles.Revise(ctx, ac, role.Key, role.Token, payloadFromRole(role)); err != nil {
			return err
		}
		if err := r.reconcileLinks(ctx, ac, role); err != nil {
			return err
		}
		var err error
		updated, err = r.load(ctx, role.Key)
		return err
	})
	if err != nil {
		return domain.Role{}, fmt.Errorf("failed to update role: %w", err)
	}
	return updated, nil
}

// Delete deletes the role and closes all of its memberships
func (r *roleRepository) Delete(ctx context.Context, ac domain.ActionContext, key uuid.UUID, token domain.Token) error {
	err := r.uow.Within(ctx, func(ctx context.Context) error {
		if err := r.roles.Delete(ctx, ac, key, token); err != nil {
			return err
		}
		return r.reconcileLinks(ctx, ac, domain.Role{Key: key})
	})
	if err != nil {
		return fmt.Errorf("failed to delete role: %w", err)
	}
	return nil
}

// MemberUsers resolves the role's members to their live user records through
// the request loader when one is attached to ctx.
func (r *roleRepository) MemberUsers(ctx context.Context, role domain.Role) ([]domain.DomainUser, error) {
	keys := role.MemberKeys()
	if loader := entityloader.FromContext[domain.DomainUser](ctx); loader != nil {
		users, err := loader.LoadMany(ctx, keys)
		if err != nil {
			return nil, fmt.Errorf("failed to load role members: %w", err)
		}
		return users, nil
	}
	return r.users.GetByIDs(ctx, keys)
}

func (r *roleRepository) reconcileLinks(ctx context.Context, ac domain.ActionContext, role domain.Role) error {
	if _, err := r.links.Reconcile(ctx, ac, role.Key, RolePermissions, role.Permissions, nil); err != nil {
		return err
	}
	provider := func(user uuid.UUID) association.LinkSpec {
		member, _ := role.Member(user)
		return association.LinkSpec{
			Attributes: map[string]any{temporaryAccessAttribute: member.TemporaryAccess},
			Nested: []association.NestedDesired{
				{Relation: RoleMemberAreas.Kind, Members: member.Areas},
			},
		}
	}
	_, err := r.links.Reconcile(ctx, ac, role.Key, RoleMembers, role.MemberKeys(), provider)
	return err
}

func (r *roleRepository) load(ctx context.Context, key uuid.UUID) (domain.Role, error) {
	snap, err := r.roles.GetCurrent(ctx, key)
	if err != nil {
		return domain.Role{}, err
	}
	return r.withLinks(ctx, snap)
}

func (r *roleRepository) withLinks(ctx context.Context, snap version.Snapshot[rolePayload]) (domain.Role, error) {
	role := domain.Role{
		Key:         snap.Key,
		Name:        snap.Payload.Name,
		Description: snap.Payload.Description,
		Token:       snap.Token,
	}

	permissions, err := r.links.ReadCurrentMemberKeys(ctx, snap.Key, RolePermissions.Kind)
	if err != nil {
		return domain.Role{}, err
	}
	role.Permissions = permissions

	links, err := r.links.CurrentLinks(ctx, snap.Key, RoleMembers.Kind)
	if err != nil {
		return domain.Role{}, err
	}
	role.Members = make([]domain.RoleMember, 0, len(links))
	for _, link := range links {
		areas, err := r.links.ReadCurrentMemberKeys(ctx, link.LinkKey, RoleMemberAreas.Kind)
		if err != nil {
			return domain.Role{}, err
		}
		temporary, _ := link.Attribute(temporaryAccessAttribute)
		flag, _ := temporary.(bool)
		role.Members = append(role.Members, domain.RoleMember{
			UserKey:         link.MemberKey,
			TemporaryAccess: flag,
			Areas:           areas,
		})
	}
	return role, nil
}

func payloadFromRole(role domain.Role) rolePayload {
	return rolePayload{Name: role.Name, Description: role.Description}
}
