package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/rpattn/medledger/internal/domain"
	"github.com/rpattn/medledger/internal/entityloader"
	"github.com/rpattn/medledger/internal/uow"
	"github.com/rpattn/medledger/internal/version"
	"github.com/rpattn/medledger/pkg/validator"
)

const DomainUserKind = "domain-user"

var domainUserFields = map[string]validator.FieldDefinition{
	"account_name": {Type: validator.FieldTypeReference, Required: true},
	"domain_name":  {Type: validator.FieldTypeString},
	"first_name":   {Type: validator.FieldTypeString},
	"last_name":    {Type: validator.FieldTypeString},
	"email":        {Type: validator.FieldTypeString},
	"active":       {Type: validator.FieldTypeBoolean, Required: true},
}

// domainUserRecord is the stored payload; key and token live on the snapshot.
type domainUserRecord struct {
	AccountName string `json:"account_name"`
	DomainName  string `json:"domain_name,omitempty"`
	FirstName   string `json:"first_name,omitempty"`
	LastName    string `json:"last_name,omitempty"`
	Email       string `json:"email,omitempty"`
	Active      bool   `json:"active"`
}

var domainUserCodec = version.CodecFuncs[domain.DomainUser]{
	EncodeFunc: func(u domain.DomainUser) ([]byte, error) {
		return json.Marshal(recordFromUser(u))
	},
	DecodeFunc: func(data []byte) (domain.DomainUser, error) {
		var rec domainUserRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return domain.DomainUser{}, fmt.Errorf("failed to decode domain user: %w", err)
		}
		return domain.DomainUser{
			AccountName: rec.AccountName,
			DomainName:  rec.DomainName,
			FirstName:   rec.FirstName,
			LastName:    rec.LastName,
			Email:       rec.Email,
			Active:      rec.Active,
		}, nil
	},
}

// domainUserRepository implements DomainUserRepository interface
type domainUserRepository struct {
	users *version.Store[domain.DomainUser]
}

// NewDomainUserRepository creates a new domain user repository
func NewDomainUserRepository(mgr *uow.Manager) DomainUserRepository {
	check := validator.ForPayload[domainUserRecord](domainUserFields)
	return &domainUserRepository{
		users: version.New[domain.DomainUser](DomainUserKind, mgr,
			version.WithCodec[domain.DomainUser](domainUserCodec),
			version.WithValidator(func(u domain.DomainUser) error { return check(recordFromUser(u)) }),
		),
	}
}

// NewDomainUserLoader returns a batching loader over live domain users, meant
// to live for one request.
func NewDomainUserLoader(mgr *uow.Manager) *entityloader.Loader[domain.DomainUser] {
	store := version.New[domain.DomainUser](DomainUserKind, mgr, version.WithCodec[domain.DomainUser](domainUserCodec))
	fetchSnapshots := entityloader.ForStore(store)
	return entityloader.New[domain.DomainUser](func(ctx context.Context, keys []uuid.UUID) (map[uuid.UUID]domain.DomainUser, error) {
		snaps, err := fetchSnapshots(ctx, keys)
		if err != nil {
			return nil, err
		}
		out := make(map[uuid.UUID]domain.DomainUser, len(snaps))
		for key, snap := range snaps {
			out[key] = userFromSnapshot(snap)
		}
		return out, nil
	}, entityloader.DefaultWait)
}

// Create creates a new domain user
func (r *domainUserRepository) Create(ctx context.Context, ac domain.ActionContext, user domain.DomainUser) (domain.DomainUser, error) {
	key, token, err := r.users.Insert(ctx, ac, normalizeUser(user))
	if err != nil {
		return domain.DomainUser{}, fmt.Errorf("failed to create domain user: %w", err)
	}
	user = normalizeUser(user)
	user.Key, user.Token = key, token
	return user, nil
}

// GetByID retrieves a live domain user
func (r *domainUserRepository) GetByID(ctx context.Context, key uuid.UUID) (domain.DomainUser, error) {
	snap, err := r.users.GetCurrent(ctx, key)
	if err != nil {
		return domain.DomainUser{}, fmt.Errorf("failed to get domain user: %w", err)
	}
	return userFromSnapshot(snap), nil
}

// GetByIDs retrieves the live users among keys, ordered by key
func (r *domainUserRepository) GetByIDs(ctx context.Context, keys []uuid.UUID) ([]domain.DomainUser, error) {
	snaps, err := r.users.GetCurrentMany(ctx, keys)
	if err != nil {
		return nil, fmt.Errorf("failed to get domain users: %w", err)
	}
	users := make([]domain.DomainUser, len(snaps))
	for i, snap := range snaps {
		users[i] = userFromSnapshot(snap)
	}
	return users, nil
}

// List retrieves all live domain users
func (r *domainUserRepository) List(ctx context.Context) ([]domain.DomainUser, error) {
	snaps, err := r.users.ListCurrent(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list domain users: %w", err)
	}
	users := make([]domain.DomainUser, len(snaps))
	for i, snap := range snaps {
		users[i] = userFromSnapshot(snap)
	}
	return users, nil
}

// Update revises a domain user; user.Token must be the token last read
func (r *domainUserRepository) Update(ctx context.Context, ac domain.ActionContext, user domain.DomainUser) (domain.DomainUser, error) {
	user = normalizeUser(user)
	token, err := r.users.Revise(ctx, ac, user.Key, user.Token, user)
	if err != nil {
		return domain.DomainUser{}, fmt.Errorf("failed to update domain user: %w", err)
	}
	user.Token = token
	return user, nil
}

// Delete deletes a domain user
func (r *domainUserRepository) Delete(ctx context.Context, ac domain.ActionContext, key uuid.UUID, token domain.Token) error {
	if err := r.users.Delete(ctx, ac, key, token); err != nil {
		return fmt.Errorf("failed to delete domain user: %w", err)
	}
	return nil
}

// Undelete brings back a deleted domain user with its last account details
func (r *domainUserRepository) Undelete(ctx context.Context, ac domain.ActionContext, key uuid.UUID) (domain.DomainUser, error) {
	if _, err := r.users.Undelete(ctx, ac, key); err != nil {
		return domain.DomainUser{}, fmt.Errorf("failed to undelete domain user: %w", err)
	}
	return r.GetByID(ctx, key)
}

func normalizeUser(u domain.DomainUser) domain.DomainUser {
	u.AccountName = strings.TrimSpace(u.AccountName)
	u.DomainName = strings.TrimSpace(u.DomainName)
	u.Email = strings.ToLower(strings.TrimSpace(u.Email))
	return u
}

func recordFromUser(u domain.DomainUser) domainUserRecord {
	return domainUserRecord{
		AccountName: u.AccountName,
		DomainName:  u.DomainName,
		FirstName:   u.FirstName,
		LastName:    u.LastName,
		Email:       u.Email,
		Active:      u.Active,
	}
}

func userFromSnapshot(snap version.Snapshot[domain.DomainUser]) domain.DomainUser {
	user := snap.Payload
	user.Key = snap.Key
	user.Token = snap.Token
	return user
}
