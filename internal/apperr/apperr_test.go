package apperr

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	cases := []struct {
		err  error
		want Kind
	}{
		{Validation("bad input"), KindValidation},
		{Authentication("no token"), KindAuthentication},
		{Authorization("not an owner"), KindAuthorization},
		{NotFound("missing"), KindNotFound},
		{Conflict("duplicate"), KindConflict},
		{Internal("boom", errors.New("db down")), KindInternal},
		{errors.New("plain"), KindInternal},
	}
	for _, tc := range cases {
		if got := KindOf(tc.err); got != tc.want {
			t.Errorf("KindOf(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}

func TestKindOfWrapped(t *testing.T) {
	err := fmt.Errorf("outer: %w", Conflict("duplicate approval"))
	if !IsKind(err, KindConflict) {
		t.Errorf("expected wrapped conflict, got kind %v", KindOf(err))
	}
}

func TestMessageFormatting(t *testing.T) {
	err := Validation("invalid status transition from %s to %s", "active", "executed")
	want := "invalid status transition from active to executed"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestInternalUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := Internal("query failed", cause)
	if !errors.Is(err, cause) {
		t.Error("expected Internal to wrap its cause")
	}
}
