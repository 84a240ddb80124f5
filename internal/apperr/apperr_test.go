package apperr

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

type ownedErr struct{}

func (ownedErr) Error() string { return "owned" }
func (ownedErr) Code() string  { return CodeOwnership }

func TestCodeOf(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"coded", New(CodeAuth, "Invalid or missing auth token", nil), CodeAuth},
		{"wrapped coded", fmt.Errorf("outer: %w", New(CodePoolFull, "full", nil)), CodePoolFull},
		{"coder", fmt.Errorf("close: %w", ownedErr{}), CodeOwnership},
		{"deadline", fmt.Errorf("send: %w", context.DeadlineExceeded), CodeTimeout},
		{"plain", errors.New("boom"), CodeInternal},
	}
	for _, tc := range cases {
		if got := CodeOf(tc.err); got != tc.want {
			t.Fatalf("%s: CodeOf() = %q; want %q", tc.name, got, tc.want)
		}
	}
}

func TestMessageHidesCodeAndCause(t *testing.T) {
	err := New(CodeAuth, "Invalid or missing auth token", errors.New("mismatch"))
	if got := Message(err); got != "Invalid or missing auth token" {
		t.Fatalf("Message() = %q", got)
	}
	if got := Message(errors.New("raw")); got != "raw" {
		t.Fatalf("Message() = %q; want raw", got)
	}
}
