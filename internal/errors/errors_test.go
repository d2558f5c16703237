package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
)

func TestKlyveErrorFormat(t *testing.T) {
	tests := []struct {
		name     string
		err      *KlyveError
		wantErr  string
		wantUser string
	}{
		{
			name:     "what only",
			err:      &KlyveError{What: "something broke"},
			wantErr:  "something broke",
			wantUser: "Error: something broke",
		},
		{
			name:     "what and why",
			err:      &KlyveError{What: "something broke", Why: "bad input"},
			wantErr:  "something broke: bad input",
			wantUser: "Error: something broke\n\nWhy: bad input",
		},
		{
			name: "full error",
			err: &KlyveError{
				What: "something broke",
				Why:  "bad input",
				Fix:  "try again",
			},
			wantErr:  "something broke: bad input",
			wantUser: "Error: something broke\n\nWhy: bad input\n\nFix: try again",
		},
		{
			name: "with cause",
			err: &KlyveError{
				What:  "something broke",
				Cause: errors.New("underlying error"),
			},
			wantErr:  "something broke: underlying error",
			wantUser: "Error: something broke",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantErr {
				t.Errorf("Error() = %q, want %q", got, tt.wantErr)
			}
			if got := tt.err.UserMessage(); got != tt.wantUser {
				t.Errorf("UserMessage() = %q, want %q", got, tt.wantUser)
			}
		})
	}
}

func TestKlyveErrorJSON(t *testing.T) {
	err := ErrStaleItems("S1", []int64{4, 7})
	err.Cause = errors.New("version moved")

	data, marshalErr := json.Marshal(err)
	if marshalErr != nil {
		t.Fatalf("MarshalJSON failed: %v", marshalErr)
	}

	var result map[string]any
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	if result["code"] != string(CodeConcurrencyConflict) {
		t.Errorf("code = %v, want %v", result["code"], CodeConcurrencyConflict)
	}
	if result["cause"] != "version moved" {
		t.Errorf("cause = %v, want %v", result["cause"], "version moved")
	}
	details, ok := result["details"].([]any)
	if !ok || len(details) != 2 {
		t.Errorf("details = %v, want two stale ids", result["details"])
	}
}

func TestSentinelMatching(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		sentinel error
	}{
		{"precondition", ErrPrecondition("move node", "cycle"), ErrPreconditionFailed},
		{"persistence", ErrPersistence("phase", errors.New("disk full")), ErrPersistenceFailed},
		{"agent", ErrAgentOutput("planner", "empty"), ErrAgentInvalidOutput},
		{"stale", ErrStaleItems("S1", nil), ErrConcurrencyConflict},
		{"cancelled", ErrCancelled("scan"), ErrUserCancelled},
		{"not found", ErrEntityNotFound("sprint", "S9"), ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !errors.Is(tt.err, tt.sentinel) {
				t.Errorf("errors.Is(%v) = false, want true", tt.err)
			}
			wrapped := fmt.Errorf("outer: %w", tt.err)
			if !errors.Is(wrapped, tt.sentinel) {
				t.Errorf("wrapped errors.Is(%v) = false, want true", wrapped)
			}
		})
	}

	if errors.Is(ErrPrecondition("a", "b"), ErrPersistenceFailed) {
		t.Error("errors with different codes should not match")
	}
}

func TestErrorCodeUniqueness(t *testing.T) {
	codes := []Code{
		CodePrecondition,
		CodePersistence,
		CodeAgentOutput,
		CodeConcurrencyConflict,
		CodeUserCancelled,
		CodeNotFound,
		CodeNoActiveProject,
		CodeConfigInvalid,
		CodeStoreLocked,
		CodeGitNotRepository,
		CodeRollbackUnconfirmed,
	}

	seen := make(map[Code]bool)
	for _, code := range codes {
		if seen[code] {
			t.Errorf("duplicate error code: %s", code)
		}
		seen[code] = true
		if _, ok := codeCategories[code]; !ok {
			t.Errorf("code %s has no category", code)
		}
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		err  *KlyveError
		want int
	}{
		{ErrPrecondition("x", "y"), 2},
		{ErrEntityNotFound("node", "1"), 2},
		{ErrStaleItems("S", nil), 3},
		{ErrStoreLocked("host", 1), 3},
		{ErrCancelled("scan"), 130},
		{ErrPersistence("x", nil), 1},
		{Wrap(errors.New("x"), "y"), 1},
	}

	for _, tt := range tests {
		t.Run(string(tt.err.Code), func(t *testing.T) {
			if got := tt.err.Category().ExitCode(); got != tt.want {
				t.Errorf("ExitCode() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestWithCause(t *testing.T) {
	original := ErrEntityNotFound("project", "P1")
	cause := errors.New("no rows")
	wrapped := original.WithCause(cause)

	if wrapped.Cause != cause {
		t.Error("WithCause should set the cause")
	}
	if original.Cause != nil {
		t.Error("Original should not be modified")
	}
	if wrapped.Code != original.Code || wrapped.What != original.What {
		t.Error("Code and What should be copied")
	}
	if errors.Unwrap(wrapped) != cause {
		t.Error("Unwrap should return the cause")
	}
}

func TestAsKlyveError(t *testing.T) {
	kErr := ErrEntityNotFound("sprint", "X")

	if AsKlyveError(kErr) == nil {
		t.Error("AsKlyveError should return the error")
	}
	if AsKlyveError(fmt.Errorf("ctx: %w", kErr)) == nil {
		t.Error("AsKlyveError should find a wrapped KlyveError")
	}
	if AsKlyveError(errors.New("regular error")) != nil {
		t.Error("AsKlyveError should return nil for plain errors")
	}
	if AsKlyveError(nil) != nil {
		t.Error("AsKlyveError should return nil for nil error")
	}
}

func TestHasCode(t *testing.T) {
	inner := ErrPrecondition("enter planning", "no final spec")
	outer := ErrPersistence("phase", inner)

	if !HasCode(outer, CodePersistence) {
		t.Error("HasCode should match the outer code")
	}
	if !HasCode(outer, CodePrecondition) {
		t.Error("HasCode should match a nested code")
	}
	if HasCode(outer, CodeAgentOutput) {
		t.Error("HasCode should not match an absent code")
	}
}
