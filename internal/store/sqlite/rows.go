package sqlite

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/rpattn/medledger/internal/domain"
	"github.com/rpattn/medledger/internal/store"
)

// localLayout stores facility wall-clock times without a zone.
const localLayout = "2006-01-02T15:04:05.999999"

// Column order must match scanArgs on the matching row type.
const (
	snapshotColumns = `snapshot_key, entity_kind, entity_key, valid_from, valid_to, deleted, token, payload,
		action_user_key, action_device_key, action_utc, action_local`

	linkColumns = `link_key, relation_kind, owner_key, member_key, attributes,
		associated_at, associated_user_key, associated_device_key, associated_utc, associated_local,
		disassociated_at, disassociated_user_key, disassociated_device_key, disassociated_utc, disassociated_local`
)

func encodeTime(t time.Time) int64 { return t.UTC().UnixMicro() }

func decodeTime(v int64) time.Time { return time.UnixMicro(v).UTC() }

func encodeLocal(t time.Time) string { return domain.WallClock(t).Format(localLayout) }

func decodeLocal(s string) (time.Time, error) {
	t, err := time.Parse(localLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid local timestamp %q: %w", s, err)
	}
	return t, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

type snapshotRecord struct {
	SnapshotKey string
	Kind        string
	Key         string
	ValidFrom   int64
	ValidTo     sql.NullInt64
	Deleted     int64
	Token       int64
	Payload     []byte
	UserKey     string
	DeviceKey   string
	ActionUTC   int64
	ActionLocal string
}

func (r *snapshotRecord) scanArgs() []any {
	return []any{
		&r.SnapshotKey, &r.Kind, &r.Key, &r.ValidFrom, &r.ValidTo, &r.Deleted, &r.Token, &r.Payload,
		&r.UserKey, &r.DeviceKey, &r.ActionUTC, &r.ActionLocal,
	}
}

func (r *snapshotRecord) toRow() (store.SnapshotRow, error) {
	snapshotKey, err := uuid.Parse(r.SnapshotKey)
	if err != nil {
		return store.SnapshotRow{}, fmt.Errorf("invalid snapshot key: %w", err)
	}
	key, err := uuid.Parse(r.Key)
	if err != nil {
		return store.SnapshotRow{}, fmt.Errorf("invalid entity key: %w", err)
	}
	audit, err := decodeAction(r.UserKey, r.DeviceKey, r.ActionUTC, r.ActionLocal)
	if err != nil {
		return store.SnapshotRow{}, err
	}

	row := store.SnapshotRow{
		Kind:        r.Kind,
		Key:         key,
		SnapshotKey: snapshotKey,
		ValidFrom:   decodeTime(r.ValidFrom),
		Deleted:     r.Deleted != 0,
		Token:       domain.TokenFromSequence(r.Token),
		Payload:     r.Payload,
		Audit:       audit,
	}
	if r.ValidTo.Valid {
		validTo := decodeTime(r.ValidTo.Int64)
		row.ValidTo = &validTo
	}
	return row, nil
}

type linkRecord struct {
	LinkKey             string
	Relation            string
	OwnerKey            string
	MemberKey           string
	Attributes          []byte
	AssociatedAt        int64
	AssociatedUser      string
	AssociatedDevice    string
	AssociatedUTC       int64
	AssociatedLocal     string
	DisassociatedAt     sql.NullInt64
	DisassociatedUser   sql.NullString
	DisassociatedDevice sql.NullString
	DisassociatedUTC    sql.NullInt64
	DisassociatedLocal  sql.NullString
}

func (r *linkRecord) scanArgs() []any {
	return []any{
		&r.LinkKey, &r.Relation, &r.OwnerKey, &r.MemberKey, &r.Attributes,
		&r.AssociatedAt, &r.AssociatedUser, &r.AssociatedDevice, &r.AssociatedUTC, &r.AssociatedLocal,
		&r.DisassociatedAt, &r.DisassociatedUser, &r.DisassociatedDevice, &r.DisassociatedUTC, &r.DisassociatedLocal,
	}
}

func (r *linkRecord) toRow() (store.LinkRow, error) {
	var row store.LinkRow
	var err error
	if row.LinkKey, err = uuid.Parse(r.LinkKey); err != nil {
		return row, fmt.Errorf("invalid link key: %w", err)
	}
	if row.OwnerKey, err = uuid.Parse(r.OwnerKey); err != nil {
		return row, fmt.Errorf("invalid owner key: %w", err)
	}
	if row.MemberKey, err = uuid.Parse(r.MemberKey); err != nil {
		return row, fmt.Errorf("invalid member key: %w", err)
	}
	row.Relation = r.Relation
	row.Attributes = r.Attributes
	row.AssociatedAt = decodeTime(r.AssociatedAt)
	if row.AssociatedBy, err = decodeAction(r.AssociatedUser, r.AssociatedDevice, r.AssociatedUTC, r.AssociatedLocal); err != nil {
		return row, err
	}

	if r.DisassociatedAt.Valid {
		at := decodeTime(r.DisassociatedAt.Int64)
		row.DisassociatedAt = &at
		by, err := decodeAction(r.DisassociatedUser.String, r.DisassociatedDevice.String, r.DisassociatedUTC.Int64, r.DisassociatedLocal.String)
		if err != nil {
			return row, err
		}
		row.DisassociatedBy = &by
	}
	return row, nil
}

func decodeAction(user, device string, utc int64, local string) (domain.ActionContext, error) {
	userKey, err := uuid.Parse(user)
	if err != nil {
		return domain.ActionContext{}, fmt.Errorf("invalid action user key: %w", err)
	}
	deviceKey, err := uuid.Parse(device)
	if err != nil {
		return domain.ActionContext{}, fmt.Errorf("invalid action device key: %w", err)
	}
	localTime, err := decodeLocal(local)
	if err != nil {
		return domain.ActionContext{}, err
	}
	return domain.ActionContext{
		UserKey:   userKey,
		DeviceKey: deviceKey,
		UTC:       decodeTime(utc),
		Local:     localTime,
	}, nil
}
