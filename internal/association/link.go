package association

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/rpattn/medledger/internal/domain"
	"github.com/rpattn/medledger/internal/store"
)

// Relation declares a relation kind and the link-level relations nested under
// it. Nested relations use the parent link's LinkKey as their owner.
type Relation struct {
	Kind   string
	Nested []Relation
}

// NestedRelation returns the declared nested relation of the given kind.
func (r Relation) NestedRelation(kind string) (Relation, bool) {
	for _, n := range r.Nested {
		if n.Kind == kind {
			return n, true
		}
	}
	return Relation{}, false
}

// Link is one membership of MemberKey in OwnerKey's set.
type Link struct {
	LinkKey         uuid.UUID
	Relation        string
	OwnerKey        uuid.UUID
	MemberKey       uuid.UUID
	Attributes      map[string]any
	AssociatedAt    time.Time
	AssociatedBy    domain.ActionContext
	DisassociatedAt *time.Time
	DisassociatedBy *domain.ActionContext
}

func (l Link) Open() bool { return l.DisassociatedAt == nil }

// Attribute returns the named link attribute.
func (l Link) Attribute(name string) (any, bool) {
	v, ok := l.Attributes[name]
	return v, ok
}

func linkFromRow(row store.LinkRow) (Link, error) {
	link := Link{
		LinkKey:         row.LinkKey,
		Relation:        row.Relation,
		OwnerKey:        row.OwnerKey,
		MemberKey:       row.MemberKey,
		AssociatedAt:    row.AssociatedAt,
		AssociatedBy:    row.AssociatedBy,
		DisassociatedAt: row.DisassociatedAt,
		DisassociatedBy: row.DisassociatedBy,
	}
	if len(row.Attributes) > 0 {
		if err := json.Unmarshal(row.Attributes, &link.Attributes); err != nil {
			return Link{}, fmt.Errorf("failed to decode attributes of link %s: %w", row.LinkKey, err)
		}
	}
	return link, nil
}

// encodeAttributes renders attributes canonically; map keys are sorted by
// encoding/json.
func encodeAttributes(attrs map[string]any) ([]byte, error) {
	if attrs == nil {
		return nil, nil
	}
	data, err := json.Marshal(attrs)
	if err != nil {
		return nil, domain.NewError(domain.KindValidation, "encode link attributes", "link attributes cannot be encoded", err)
	}
	return data, nil
}

// canonicalJSON re-encodes stored attributes so that backend formatting (JSONB
// spacing, key order) does not register as a change.
func canonicalJSON(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func sameAttributes(stored, desired []byte) bool {
	a, err := canonicalJSON(stored)
	if err != nil {
		return false
	}
	b, err := canonicalJSON(desired)
	if err != nil {
		return false
	}
	return bytes.Equal(a, b)
}
