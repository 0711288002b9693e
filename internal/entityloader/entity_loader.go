// Package entityloader batches current-entity lookups issued close together,
// so a facade resolving many references costs one GetCurrentMany per kind.
// Caching is disabled: every Load reads the store.
package entityloader

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/graph-gophers/dataloader"

	"github.com/rpattn/medledger/internal/version"
)

// DefaultWait is how long a batch collects keys before it is dispatched.
const DefaultWait = 2 * time.Millisecond

// Fetcher loads live entities by key. Missing keys are left out of the map.
type Fetcher[T any] func(ctx context.Context, keys []uuid.UUID) (map[uuid.UUID]T, error)

type Loader[T any] struct {
	loader *dataloader.Loader
}

func New[T any](fetch Fetcher[T], wait time.Duration) *Loader[T] {
	batchFn := func(ctx context.Context, keys dataloader.Keys) []*dataloader.Result {
		results := make([]*dataloader.Result, len(keys))

		ids := make([]uuid.UUID, len(keys))
		for i, k := range keys {
			id, err := uuid.Parse(k.String())
			if err != nil {
				for j := range results {
					results[j] = &dataloader.Result{Error: fmt.Errorf("invalid entity key %q: %w", k.String(), err)}
				}
				return results
			}
			ids[i] = id
		}

		found, err := fetch(ctx, ids)
		if err != nil {
			for i := range results {
				results[i] = &dataloader.Result{Error: err}
			}
			return results
		}

		// Results must line up with keys.
		for i, id := range ids {
			if e, ok := found[id]; ok {
				results[i] = &dataloader.Result{Data: e}
			} else {
				results[i] = &dataloader.Result{Data: nil}
			}
		}
		return results
	}

	loader := dataloader.NewBatchedLoader(batchFn,
		dataloader.WithWait(wait),
		dataloader.WithCache(&dataloader.NoCache{}),
	)
	return &Loader[T]{loader: loader}
}

// ForStore fetches live snapshots from a version store.
func ForStore[P any](s *version.Store[P]) Fetcher[version.Snapshot[P]] {
	return func(ctx context.Context, keys []uuid.UUID) (map[uuid.UUID]version.Snapshot[P], error) {
		snaps, err := s.GetCurrentMany(ctx, keys)
		if err != nil {
			return nil, err
		}
		out := make(map[uuid.UUID]version.Snapshot[P], len(snaps))
		for _, snap := range snaps {
			out[snap.Key] = snap
		}
		return out, nil
	}
}

// Load returns the entity for key, reporting false when it has no live
// version.
func (l *Loader[T]) Load(ctx context.Context, key uuid.UUID) (T, bool, error) {
	var zero T
	data, err := l.loader.Load(ctx, dataloader.StringKey(key.String()))()
	if err != nil {
		return zero, false, err
	}
	if data == nil {
		return zero, false, nil
	}
	return data.(T), true, nil
}

// LoadMany returns the entities found among keys in key order.
func (l *Loader[T]) LoadMany(ctx context.Context, keys []uuid.UUID) ([]T, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	strKeys := make([]string, len(keys))
	for i, k := range keys {
		strKeys[i] = k.String()
	}
	data, errs := l.loader.LoadMany(ctx, dataloader.NewKeysFromStrings(strKeys))()
	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	out := make([]T, 0, len(data))
	for _, d := range data {
		if d == nil {
			continue
		}
		out = append(out, d.(T))
	}
	return out, nil
}

type ctxKey[T any] struct{}

// NewContext attaches a loader to ctx, typically once per request.
func NewContext[T any](ctx context.Context, l *Loader[T]) context.Context {
	return context.WithValue(ctx, ctxKey[T]{}, l)
}

// FromContext retrieves the loader for T attached by NewContext.
func FromContext[T any](ctx context.Context) *Loader[T] {
	if l, ok := ctx.Value(ctxKey[T]{}).(*Loader[T]); ok {
		return l
	}
	return nil
}
