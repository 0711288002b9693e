package domain

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestErrorsMatchByKind(t *testing.T) {
	err := fmt.Errorf("saving role: %w", Conflict("revise", "role", "r-1"))
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected wrapped conflict to match ErrConflict")
	}
	if errors.Is(err, ErrNotFound) {
		t.Fatalf("expected conflict not to match ErrNotFound")
	}
	if KindOf(err) != KindConflict {
		t.Fatalf("expected kind %q, got %q", KindConflict, KindOf(err))
	}
	if KindOf(errors.New("plain")) != "" {
		t.Fatalf("expected plain errors to carry no kind")
	}
}

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{Conflict("revise", "role", "r-1"), true},
		{Timeout("read", context.DeadlineExceeded), true},
		{Unavailable("begin", errors.New("connection refused")), true},
		{NotFound("get", "role", "r-1"), false},
		{Validation("insert", "name is required", "name"), false},
		{InvalidState("undelete", "role", "r-1", "entity is not deleted"), false},
		{NewError(KindAborted, "commit", "", nil), false},
		{errors.New("plain"), false},
	}
	for _, tc := range cases {
		if got := IsRetryable(tc.err); got != tc.want {
			t.Fatalf("IsRetryable(%v) = %t, want %t", tc.err, got, tc.want)
		}
	}
}

func TestTimeoutKeepsCause(t *testing.T) {
	err := Timeout("read current", context.DeadlineExceeded)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected timeout to unwrap to its cause")
	}
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected timeout to match ErrTimeout")
	}
}

func TestWithTargetFillsMissingFields(t *testing.T) {
	base := Validation("", "name is required", "name")
	err := WithTarget(base, "insert", "role", "r-1")

	var de *Error
	if !errors.As(err, &de) {
		t.Fatalf("expected *Error, got %T", err)
	}
	if de.Op != "insert" || de.Entity != "role" || de.Key != "r-1" {
		t.Fatalf("expected target filled in, got %+v", de)
	}
	if len(de.Fields) != 1 || de.Fields[0] != "name" {
		t.Fatalf("expected fields kept, got %v", de.Fields)
	}
	if base.Entity != "" {
		t.Fatalf("expected original error to stay unchanged")
	}

	kept := WithTarget(NotFound("get", "user", "u-1"), "revise", "role", "r-1")
	if !errors.As(kept, &de) || de.Entity != "user" || de.Key != "u-1" || de.Op != "get" {
		t.Fatalf("expected existing target to win, got %+v", de)
	}

	plain := errors.New("plain")
	if WithTarget(plain, "insert", "role", "r-1") != plain {
		t.Fatalf("expected plain errors to pass through")
	}
}

func TestErrorMessage(t *testing.T) {
	err := Conflict("revise", "role", "r-1")
	want := "revise: concurrency_conflict [role r-1]: record was changed by another writer"
	if err.Error() != want {
		t.Fatalf("expected %q, got %q", want, err.Error())
	}
}
