package repository

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/rpattn/medledger/internal/domain"
	"github.com/rpattn/medledger/internal/entityloader"
	"github.com/rpattn/medledger/internal/store/sqlite"
	"github.com/rpattn/medledger/internal/uow"
)

var clock = time.Date(2024, 9, 2, 7, 30, 0, 0, time.UTC)

type fixture struct {
	mgr   *uow.Manager
	users DomainUserRepository
	roles RoleRepository
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	backend, err := sqlite.OpenMemory(context.Background())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { backend.Close() })
	mgr := uow.NewManager(backend)
	users := NewDomainUserRepository(mgr)
	return fixture{mgr: mgr, users: users, roles: NewRoleRepository(mgr, users)}
}

func action(minutes int) domain.ActionContext {
	loc := time.FixedZone("facility", -5*60*60)
	return domain.NewActionContext(uuid.New(), uuid.New(), clock.Add(time.Duration(minutes)*time.Minute), loc)
}

func (f fixture) user(t *testing.T, account string) domain.DomainUser {
	t.Helper()
	u, err := f.users.Create(context.Background(), action(0), domain.DomainUser{AccountName: account, DomainName: "hosp", Active: true})
	if err != nil {
		t.Fatalf("create user %s: %v", account, err)
	}
	return u
}

func sortedKeys(keys []uuid.UUID) []uuid.UUID {
	out := append([]uuid.UUID(nil), keys...)
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

func sameKeys(got, want []uuid.UUID) bool {
	a, b := sortedKeys(got), sortedKeys(want)
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestRoleCreateAndGet(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	nurse, tech := f.user(t, "nurse1"), f.user(t, "tech1")
	dispense, waste := uuid.New(), uuid.New()
	icu := uuid.New()

	created, err := f.roles.Create(ctx, action(1), domain.Role{
		Name:        "Charge Nurse",
		Description: "ward supervisors",
		Permissions: []uuid.UUID{dispense, waste},
		Members: []domain.RoleMember{
			{UserKey: nurse.Key, Areas: []uuid.UUID{icu}},
			{UserKey: tech.Key, TemporaryAccess: true},
		},
	})
	if err != nil {
		t.Fatalf("create role: %v", err)
	}

	got, err := f.roles.GetByID(ctx, created.Key)
	if err != nil {
		t.Fatalf("get role: %v", err)
	}
	if got.Name != "Charge Nurse" || got.Token != created.Token || got.Token.IsZero() {
		t.Fatalf("unexpected role %+v", got)
	}
	if !sameKeys(got.Permissions, []uuid.UUID{dispense, waste}) {
		t.Fatalf("expected both permissions, got %v", got.Permissions)
	}
	nm, ok := got.Member(nurse.Key)
	if !ok || nm.TemporaryAccess || !sameKeys(nm.Areas, []uuid.UUID{icu}) {
		t.Fatalf("unexpected nurse membership %+v", nm)
	}
	tm, ok := got.Member(tech.Key)
	if !ok || !tm.TemporaryAccess || len(tm.Areas) != 0 {
		t.Fatalf("unexpected tech membership %+v", tm)
	}
}

func TestRoleUpdateReconcilesLinks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	nurse, tech, pharm := f.user(t, "nurse1"), f.user(t, "tech1"), f.user(t, "pharm1")
	dispense, waste, override := uuid.New(), uuid.New(), uuid.New()
	icu, er := uuid.New(), uuid.New()

	role, err := f.roles.Create(ctx, action(1), domain.Role{
		Name:        "Pharmacy",
		Permissions: []uuid.UUID{dispense, waste},
		Members: []domain.RoleMember{
			{UserKey: nurse.Key, Areas: []uuid.UUID{icu}},
			{UserKey: tech.Key},
		},
	})
	if err != nil {
		t.Fatalf("create role: %v", err)
	}

	role.Name = "Pharmacy Ops"
	role.Permissions = []uuid.UUID{waste, override}
	role.Members = []domain.RoleMember{
		{UserKey: nurse.Key, TemporaryAccess: true, Areas: []uuid.UUID{er}},
		{UserKey: pharm.Key},
	}
	updated, err := f.roles.Update(ctx, action(2), role)
	if err != nil {
		t.Fatalf("update role: %v", err)
	}
	if updated.Name != "Pharmacy Ops" || updated.Token == role.Token {
		t.Fatalf("expected revised role with a new token, got %+v", updated)
	}
	if !sameKeys(updated.Permissions, []uuid.UUID{waste, override}) {
		t.Fatalf("expected waste and override, got %v", updated.Permissions)
	}
	if !sameKeys(updated.MemberKeys(), []uuid.UUID{nurse.Key, pharm.Key}) {
		t.Fatalf("expected nurse and pharmacist, got %v", updated.MemberKeys())
	}
	nm, _ := updated.Member(nurse.Key)
	if !nm.TemporaryAccess || !sameKeys(nm.Areas, []uuid.UUID{er}) {
		t.Fatalf("expected nurse moved to er with temporary access, got %+v", nm)
	}
}

func TestRoleUpdateWithStaleTokenChangesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	nurse := f.user(t, "nurse1")
	dispense := uuid.New()

	role, err := f.roles.Create(ctx, action(1), domain.Role{Name: "Float Pool", Permissions: []uuid.UUID{dispense}})
	if err != nil {
		t.Fatalf("create role: %v", err)
	}
	stale := role
	role.Description = "first edit"
	if _, err := f.roles.Update(ctx, action(2), role); err != nil {
		t.Fatalf("update role: %v", err)
	}

	stale.Permissions = nil
	stale.Members = []domain.RoleMember{{UserKey: nurse.Key}}
	_, err = f.roles.Update(ctx, action(3), stale)
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected concurrency conflict, got %v", err)
	}

	got, err := f.roles.GetByID(ctx, role.Key)
	if err != nil {
		t.Fatalf("get role: %v", err)
	}
	if got.Description != "first edit" || !sameKeys(got.Permissions, []uuid.UUID{dispense}) || len(got.Members) != 0 {
		t.Fatalf("expected rejected update to leave the role untouched, got %+v", got)
	}
}

func TestRoleValidation(t *testing.T) {
	f := newFixture(t)
	_, err := f.roles.Create(context.Background(), action(1), domain.Role{Name: "  ", Permissions: []uuid.UUID{uuid.New()}})
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	roles, err := f.roles.List(context.Background())
	if err != nil {
		t.Fatalf("list roles: %v", err)
	}
	if len(roles) != 0 {
		t.Fatalf("expected no roles, got %d", len(roles))
	}
}

func TestRoleDeleteClosesMemberships(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	nurse := f.user(t, "nurse1")

	role, err := f.roles.Create(ctx, action(1), domain.Role{
		Name:        "Anesthesia",
		Permissions: []uuid.UUID{uuid.New()},
		Members:     []domain.RoleMember{{UserKey: nurse.Key, Areas: []uuid.UUID{uuid.New()}}},
	})
	if err != nil {
		t.Fatalf("create role: %v", err)
	}
	if err := f.roles.Delete(ctx, action(2), role.Key, role.Token); err != nil {
		t.Fatalf("delete role: %v", err)
	}
	if _, err := f.roles.GetByID(ctx, role.Key); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected deleted role to be not found, got %v", err)
	}

	rr := f.roles.(*roleRepository)
	for _, relation := range []string{RolePermissions.Kind, RoleMembers.Kind} {
		keys, err := rr.links.ReadCurrentMemberKeys(ctx, role.Key, relation)
		if err != nil {
			t.Fatalf("read %s: %v", relation, err)
		}
		if len(keys) != 0 {
			t.Fatalf("expected %s links closed, got %v", relation, keys)
		}
	}
}

func TestMemberUsersThroughLoader(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	nurse, tech := f.user(t, "nurse1"), f.user(t, "tech1")

	role, err := f.roles.Create(ctx, action(1), domain.Role{
		Name:    "Nights",
		Members: []domain.RoleMember{{UserKey: nurse.Key}, {UserKey: tech.Key}},
	})
	if err != nil {
		t.Fatalf("create role: %v", err)
	}
	if err := f.users.Delete(ctx, action(2), tech.Key, tech.Token); err != nil {
		t.Fatalf("delete user: %v", err)
	}

	direct, err := f.roles.MemberUsers(ctx, role)
	if err != nil {
		t.Fatalf("member users: %v", err)
	}
	loaded, err := f.roles.MemberUsers(entityloader.NewContext(ctx, NewDomainUserLoader(f.mgr)), role)
	if err != nil {
		t.Fatalf("member users through loader: %v", err)
	}
	for _, users := range [][]domain.DomainUser{direct, loaded} {
		if len(users) != 1 || users[0].Key != nurse.Key || users[0].QualifiedName() != `HOSP\nurse1` {
			t.Fatalf("expected only the live nurse, got %+v", users)
		}
	}
}
