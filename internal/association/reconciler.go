// Package association keeps many-to-many memberships equal to a desired set.
// Every relationship goes through the same Reconcile: diff the open links
// against the desired members, close the removed ones, open the added ones.
package association

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/rpattn/medledger/internal/domain"
	"github.com/rpattn/medledger/internal/logger"
	"github.com/rpattn/medledger/internal/metrics"
	"github.com/rpattn/medledger/internal/store"
	"github.com/rpattn/medledger/internal/uow"
)

// NestedDesired is the desired member set of a nested relation under one link.
type NestedDesired struct {
	Relation string
	Members  []uuid.UUID
	Provider AttributesProvider
}

// LinkSpec is what a provider supplies for one desired member. Nil
// Attributes leave stored attributes of a kept link untouched.
type LinkSpec struct {
	Attributes map[string]any
	Nested     []NestedDesired
}

// AttributesProvider returns the link specifics of a desired member.
type AttributesProvider func(member uuid.UUID) LinkSpec

// NestedResult reports the writes of one nested relation under one link.
type NestedResult struct {
	Relation  string
	OwnerLink uuid.UUID
	Result    Result
}

// Result lists the members changed by a reconcile, each sorted by key.
type Result struct {
	Added   []uuid.UUID
	Removed []uuid.UUID
	Updated []uuid.UUID
	Nested  []NestedResult
}

// Writes counts every link written, nested ones included.
func (r Result) Writes() int {
	n := len(r.Added) + len(r.Removed) + len(r.Updated)
	for _, nested := range r.Nested {
		n += nested.Result.Writes()
	}
	return n
}

// Reconciler applies desired member sets inside the ambient unit of work.
type Reconciler struct {
	uow     *uow.Manager
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

func NewReconciler(mgr *uow.Manager) *Reconciler {
	return &Reconciler{
		uow:     mgr,
		logger:  logger.Component(mgr.Logger(), "association"),
		metrics: mgr.Metrics(),
	}
}

// Reconcile makes the open members of owner under relation equal to desired.
// A nil or empty desired set removes every member; callers wanting no change
// skip the call. Duplicates in desired are ignored. Removed links are closed
// before added links are opened, both in member key order, and closing a link
// first closes the open links nested under it.
func (r *Reconciler) Reconcile(ctx context.Context, ac domain.ActionContext, owner uuid.UUID, relation Relation, desired []uuid.UUID, provider AttributesProvider) (Result, error) {
	const op = "reconcile"
	start := time.Now()
	ac = ac.Normalized()

	var res Result
	err := ac.Validate()
	if err == nil {
		err = r.uow.Do(ctx, op, func(ctx context.Context, tx store.Tx) error {
			var err error
			res, err = r.reconcile(ctx, tx, ac, owner, relation, desired, provider)
			return err
		})
	}
	logger.LogStoreOperation(r.logger, op, relation.Kind, time.Since(start), err)
	if err != nil {
		if domain.KindOf(err) == "" {
			return Result{}, fmt.Errorf("failed to reconcile %s of %s: %w", relation.Kind, owner, err)
		}
		return Result{}, domain.WithTarget(err, op, relation.Kind, owner.String())
	}

	r.record(relation.Kind, res)
	r.logger.Debug().
		Str("relation", relation.Kind).
		Str("owner", owner.String()).
		Int("added", len(res.Added)).
		Int("removed", len(res.Removed)).
		Int("updated", len(res.Updated)).
		Int("writes", res.Writes()).
		Msg("reconciled association set")
	return res, nil
}

func (r *Reconciler) reconcile(ctx context.Context, tx store.Tx, ac domain.ActionContext, owner uuid.UUID, relation Relation, desired []uuid.UUID, provider AttributesProvider) (Result, error) {
	var res Result
	current, err := tx.ReadCurrentMemberLinks(ctx, relation.Kind, owner)
	if err != nil {
		return res, err
	}
	sort.Slice(current, func(i, j int) bool { return lessKey(current[i].MemberKey, current[j].MemberKey) })

	want := dedupe(desired)
	wanted := make(map[uuid.UUID]struct{}, len(want))
	for _, m := range want {
		wanted[m] = struct{}{}
	}
	open := make(map[uuid.UUID]store.LinkRow, len(current))
	for _, link := range current {
		open[link.MemberKey] = link
	}

	for _, link := range current {
		if _, keep := wanted[link.MemberKey]; keep {
			continue
		}
		nested, err := r.cascade(ctx, tx, ac, link.LinkKey, relation)
		if err != nil {
			return res, err
		}
		res.Nested = append(res.Nested, nested...)
		if err := unlink(ctx, tx, ac, link); err != nil {
			return res, err
		}
		res.Removed = append(res.Removed, link.MemberKey)
	}

	for _, member := range want {
		var spec LinkSpec
		if provider != nil {
			spec = provider(member)
		}
		attrs, err := encodeAttributes(spec.Attributes)
		if err != nil {
			return res, err
		}

		link, exists := open[member]
		switch {
		case !exists:
			link = store.LinkRow{
				LinkKey:      uuid.New(),
				Relation:     relation.Kind,
				OwnerKey:     owner,
				MemberKey:    member,
				Attributes:   attrs,
				AssociatedAt: ac.UTC,
				AssociatedBy: ac,
			}
			if err := tx.WriteLink(ctx, link); err != nil {
				return res, err
			}
			res.Added = append(res.Added, member)
		case attrs != nil && !sameAttributes(link.Attributes, attrs):
			if err := tx.UpdateLinkAttributes(ctx, link.LinkKey, attrs); err != nil {
				return res, missToConflict(err, relation.Kind, link.LinkKey)
			}
			res.Updated = append(res.Updated, member)
		}

		for _, nd := range spec.Nested {
			nestedRel, ok := relation.NestedRelation(nd.Relation)
			if !ok {
				return res, domain.Validation("reconcile",
					fmt.Sprintf("relation %q is not nested under %q", nd.Relation, relation.Kind), nd.Relation)
			}
			sub, err := r.reconcile(ctx, tx, ac, link.LinkKey, nestedRel, nd.Members, nd.Provider)
			if err != nil {
				return res, err
			}
			if sub.Writes() > 0 {
				res.Nested = append(res.Nested, NestedResult{Relation: nestedRel.Kind, OwnerLink: link.LinkKey, Result: sub})
			}
		}
	}
	return res, nil
}

// cascade closes every open link nested under linkKey, deepest first.
func (r *Reconciler) cascade(ctx context.Context, tx store.Tx, ac domain.ActionContext, linkKey uuid.UUID, relation Relation) ([]NestedResult, error) {
	var out []NestedResult
	for _, nestedRel := range relation.Nested {
		links, err := tx.ReadCurrentMemberLinks(ctx, nestedRel.Kind, linkKey)
		if err != nil {
			return nil, err
		}
		if len(links) == 0 {
			continue
		}
		sort.Slice(links, func(i, j int) bool { return lessKey(links[i].MemberKey, links[j].MemberKey) })

		var sub Result
		for _, link := range links {
			deeper, err := r.cascade(ctx, tx, ac, link.LinkKey, nestedRel)
			if err != nil {
				return nil, err
			}
			sub.Nested = append(sub.Nested, deeper...)
			if err := unlink(ctx, tx, ac, link); err != nil {
				return nil, err
			}
			sub.Removed = append(sub.Removed, link.MemberKey)
		}
		out = append(out, NestedResult{Relation: nestedRel.Kind, OwnerLink: linkKey, Result: sub})
	}
	return out, nil
}

// unlink closes link at the action time, never before it opened.
func unlink(ctx context.Context, tx store.Tx, ac domain.ActionContext, link store.LinkRow) error {
	at := ac.UTC
	if at.Before(link.AssociatedAt) {
		at = link.AssociatedAt
	}
	if err := tx.WriteUnlink(ctx, link.LinkKey, at, ac); err != nil {
		return missToConflict(err, link.Relation, link.LinkKey)
	}
	return nil
}

// missToConflict reports a link closed by a concurrent writer as a conflict.
func missToConflict(err error, relation string, linkKey uuid.UUID) error {
	if errors.Is(err, store.ErrNoCurrent) {
		return domain.Conflict("reconcile", relation+" link", linkKey.String())
	}
	return err
}

// ReadCurrentMemberKeys returns the open members of owner under relation,
// sorted by key.
func (r *Reconciler) ReadCurrentMemberKeys(ctx context.Context, owner uuid.UUID, relation string) ([]uuid.UUID, error) {
	links, err := r.CurrentLinks(ctx, owner, relation)
	if err != nil {
		return nil, err
	}
	keys := make([]uuid.UUID, len(links))
	for i, link := range links {
		keys[i] = link.MemberKey
	}
	return keys, nil
}

// CurrentLinks returns the open links of owner under relation sorted by
// member key.
func (r *Reconciler) CurrentLinks(ctx context.Context, owner uuid.UUID, relation string) ([]Link, error) {
	const op = "read member links"
	return r.readLinks(ctx, op, owner, relation, func(ctx context.Context, tx store.Tx) ([]store.LinkRow, error) {
		rows, err := tx.ReadCurrentMemberLinks(ctx, relation, owner)
		sort.Slice(rows, func(i, j int) bool { return lessKey(rows[i].MemberKey, rows[j].MemberKey) })
		return rows, err
	})
}

// LinkHistory returns every link owner ever had under relation, open and
// closed, ordered by association time.
func (r *Reconciler) LinkHistory(ctx context.Context, owner uuid.UUID, relation string) ([]Link, error) {
	const op = "read link history"
	return r.readLinks(ctx, op, owner, relation, func(ctx context.Context, tx store.Tx) ([]store.LinkRow, error) {
		return tx.ReadLinkHistory(ctx, relation, owner)
	})
}

func (r *Reconciler) readLinks(ctx context.Context, op string, owner uuid.UUID, relation string, read func(context.Context, store.Tx) ([]store.LinkRow, error)) ([]Link, error) {
	var rows []store.LinkRow
	err := r.uow.Do(ctx, op, func(ctx context.Context, tx store.Tx) error {
		var err error
		rows, err = read(ctx, tx)
		return err
	})
	if err != nil {
		if domain.KindOf(err) == "" {
			return nil, fmt.Errorf("failed to %s: %w", op, err)
		}
		return nil, domain.WithTarget(err, op, relation, owner.String())
	}

	links := make([]Link, 0, len(rows))
	for _, row := range rows {
		link, err := linkFromRow(row)
		if err != nil {
			return nil, err
		}
		links = append(links, link)
	}
	return links, nil
}

func (r *Reconciler) record(relation string, res Result) {
	r.metrics.RecordLinkChanges(relation, "added", len(res.Added))
	r.metrics.RecordLinkChanges(relation, "removed", len(res.Removed))
	r.metrics.RecordLinkChanges(relation, "updated", len(res.Updated))
	for _, nested := range res.Nested {
		r.record(nested.Relation, nested.Result)
	}
}

func lessKey(a, b uuid.UUID) bool { return a.String() < b.String() }

func dedupe(keys []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(keys))
	out := make([]uuid.UUID, 0, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return lessKey(out[i], out[j]) })
	return out
}
