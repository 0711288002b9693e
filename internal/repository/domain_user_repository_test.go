package repository

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/rpattn/medledger/internal/domain"
)

func TestDomainUserUndeleteRestoresAccount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	user, err := f.users.Create(ctx, action(0), domain.DomainUser{
		AccountName: " jdoe ",
		DomainName:  "hosp",
		FirstName:   "Jane",
		LastName:    "Doe",
		Email:       "Jane.Doe@Hospital.example ",
		Active:      true,
	})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	if user.AccountName != "jdoe" || user.Email != "jane.doe@hospital.example" {
		t.Fatalf("expected normalized account details, got %+v", user)
	}

	user.Active = false
	revised, err := f.users.Update(ctx, action(1), user)
	if err != nil {
		t.Fatalf("update user: %v", err)
	}
	if err := f.users.Delete(ctx, action(2), user.Key, revised.Token); err != nil {
		t.Fatalf("delete user: %v", err)
	}
	if _, err := f.users.GetByID(ctx, user.Key); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected deleted user to be not found, got %v", err)
	}

	restored, err := f.users.Undelete(ctx, action(3), user.Key)
	if err != nil {
		t.Fatalf("undelete user: %v", err)
	}
	if restored.Active || restored.DisplayName() != "Doe, Jane" {
		t.Fatalf("expected last pre-delete details, got %+v", restored)
	}
	if restored.Token == revised.Token {
		t.Fatalf("expected a fresh token after undelete")
	}

	if _, err := f.users.Undelete(ctx, action(4), user.Key); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("expected undelete of a live user to be invalid state, got %v", err)
	}
}

func TestDomainUserStaleUpdateConflicts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := f.user(t, "tech1")

	first := user
	first.FirstName = "Sam"
	if _, err := f.users.Update(ctx, action(1), first); err != nil {
		t.Fatalf("update user: %v", err)
	}

	second := user
	second.LastName = "Lee"
	_, err := f.users.Update(ctx, action(2), second)
	if !errors.Is(err, domain.ErrConflict) || !domain.IsRetryable(err) {
		t.Fatalf("expected retryable conflict, got %v", err)
	}
}

func TestDomainUserRequiresAccountName(t *testing.T) {
	f := newFixture(t)
	_, err := f.users.Create(context.Background(), action(0), domain.DomainUser{Active: true})
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	var de *domain.Error
	if !errors.As(err, &de) || len(de.Fields) != 1 || de.Fields[0] != "account_name" {
		t.Fatalf("expected account_name to be named, got %+v", de)
	}
}

func TestDomainUserGetByIDs(t *testing.T) {
	f := newFixture(t)
	a, b := f.user(t, "a"), f.user(t, "b")

	users, err := f.users.GetByIDs(context.Background(), []uuid.UUID{b.Key, uuid.New(), a.Key, b.Key})
	if err != nil {
		t.Fatalf("get users: %v", err)
	}
	if len(users) != 2 {
		t.Fatalf("expected 2 users, got %d", len(users))
	}
	listed, err := f.users.List(context.Background())
	if err != nil {
		t.Fatalf("list users: %v", err)
	}
	if len(listed) != 2 {
		t.Fatalf("expected 2 listed users, got %d", len(listed))
	}
}
