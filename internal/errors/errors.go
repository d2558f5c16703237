// Package errors provides structured error types for klyve.
package errors

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Code represents a unique error code.
type Code string

// Error codes for klyve.
const (
	// Orchestration taxonomy
	CodePrecondition        Code = "PRECONDITION_FAILED"
	CodePersistence         Code = "PERSISTENCE_FAILED"
	CodeAgentOutput         Code = "AGENT_INVALID_OUTPUT"
	CodeConcurrencyConflict Code = "CONCURRENCY_CONFLICT"
	CodeUserCancelled       Code = "USER_CANCELLED"

	// Lookup errors
	CodeNotFound        Code = "NOT_FOUND"
	CodeNoActiveProject Code = "NO_ACTIVE_PROJECT"

	// Environment errors
	CodeConfigInvalid       Code = "CONFIG_INVALID"
	CodeStoreLocked         Code = "STORE_LOCKED"
	CodeGitNotRepository    Code = "GIT_NOT_REPOSITORY"
	CodeRollbackUnconfirmed Code = "ROLLBACK_UNCONFIRMED"
)

// Category groups error codes for exit status mapping.
type Category int

const (
	CategoryUnknown Category = iota
	CategoryNotFound
	CategoryBadRequest
	CategoryConflict
	CategoryInternal
	CategoryCancelled
)

var codeCategories = map[Code]Category{
	CodePrecondition:        CategoryBadRequest,
	CodePersistence:         CategoryInternal,
	CodeAgentOutput:         CategoryInternal,
	CodeConcurrencyConflict: CategoryConflict,
	CodeUserCancelled:       CategoryCancelled,
	CodeNotFound:            CategoryNotFound,
	CodeNoActiveProject:     CategoryBadRequest,
	CodeConfigInvalid:       CategoryBadRequest,
	CodeStoreLocked:         CategoryConflict,
	CodeGitNotRepository:    CategoryBadRequest,
	CodeRollbackUnconfirmed: CategoryBadRequest,
}

// ExitCode returns the process exit status for a category.
func (c Category) ExitCode() int {
	switch c {
	case CategoryBadRequest, CategoryNotFound:
		return 2
	case CategoryConflict:
		return 3
	case CategoryCancelled:
		return 130
	default:
		return 1
	}
}

// KlyveError is the structured error type for klyve.
type KlyveError struct {
	Code    Code   `json:"code"`
	What    string `json:"what"`
	Why     string `json:"why,omitempty"`
	Fix     string `json:"fix,omitempty"`
	Details any    `json:"details,omitempty"`
	Cause   error  `json:"-"`
}

// Error implements the error interface.
func (e *KlyveError) Error() string {
	var b strings.Builder
	b.WriteString(e.What)
	if e.Why != "" {
		b.WriteString(": ")
		b.WriteString(e.Why)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *KlyveError) Unwrap() error {
	return e.Cause
}

// UserMessage returns a user-friendly message for CLI output.
func (e *KlyveError) UserMessage() string {
	var b strings.Builder
	b.WriteString("Error: ")
	b.WriteString(e.What)
	if e.Why != "" {
		b.WriteString("\n\nWhy: ")
		b.WriteString(e.Why)
	}
	if e.Fix != "" {
		b.WriteString("\n\nFix: ")
		b.WriteString(e.Fix)
	}
	return b.String()
}

// Category returns the error category.
func (e *KlyveError) Category() Category {
	if cat, ok := codeCategories[e.Code]; ok {
		return cat
	}
	return CategoryUnknown
}

// MarshalJSON implements json.Marshaler.
func (e *KlyveError) MarshalJSON() ([]byte, error) {
	type alias KlyveError
	aux := struct {
		*alias
		CauseMsg string `json:"cause,omitempty"`
	}{
		alias: (*alias)(e),
	}
	if e.Cause != nil {
		aux.CauseMsg = e.Cause.Error()
	}
	return json.Marshal(aux)
}

// Is reports whether target is a KlyveError with the same code.
func (e *KlyveError) Is(target error) bool {
	t, ok := target.(*KlyveError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithCause returns a copy of the error with the given cause.
func (e *KlyveError) WithCause(err error) *KlyveError {
	cp := *e
	cp.Cause = err
	return &cp
}

// Sentinels for errors.Is matching by code.
var (
	ErrPreconditionFailed  = &KlyveError{Code: CodePrecondition}
	ErrPersistenceFailed   = &KlyveError{Code: CodePersistence}
	ErrAgentInvalidOutput  = &KlyveError{Code: CodeAgentOutput}
	ErrConcurrencyConflict = &KlyveError{Code: CodeConcurrencyConflict}
	ErrUserCancelled       = &KlyveError{Code: CodeUserCancelled}
	ErrNotFound            = &KlyveError{Code: CodeNotFound}
)

// --- Error constructors ---

// ErrPrecondition returns an error for a rejected transition or tree mutation.
func ErrPrecondition(what, why string) *KlyveError {
	return &KlyveError{
		Code: CodePrecondition,
		What: what,
		Why:  why,
	}
}

// ErrPersistence wraps a durable-store failure.
func ErrPersistence(op string, cause error) *KlyveError {
	return &KlyveError{
		Code:  CodePersistence,
		What:  fmt.Sprintf("persist %s", op),
		Fix:   "Check that the store is writable and not held by another process",
		Cause: cause,
	}
}

// ErrAgentOutput returns an error for empty or structurally invalid agent output.
func ErrAgentOutput(agent, reason string) *KlyveError {
	return &KlyveError{
		Code: CodeAgentOutput,
		What: fmt.Sprintf("%s returned invalid output", agent),
		Why:  reason,
		Fix:  "Retry the step; persistent failures escalate for a decision",
	}
}

// ErrStaleItems reports that a sprint gate found items whose analysis is stale.
func ErrStaleItems(sprintID string, ids []int64) *KlyveError {
	return &KlyveError{
		Code:    CodeConcurrencyConflict,
		What:    fmt.Sprintf("sprint %s has %d item(s) with stale impact analysis", sprintID, len(ids)),
		Why:     "The specification or artifacts changed after these items were analyzed",
		Fix:     "Re-run impact analysis on the listed items, then re-check the sprint",
		Details: ids,
	}
}

// ErrCancelled reports a cooperative cancellation.
func ErrCancelled(what string) *KlyveError {
	return &KlyveError{
		Code: CodeUserCancelled,
		What: fmt.Sprintf("%s cancelled", what),
	}
}

// ErrEntityNotFound returns an error for a missing record.
func ErrEntityNotFound(kind, id string) *KlyveError {
	return &KlyveError{
		Code: CodeNotFound,
		What: fmt.Sprintf("%s %s not found", kind, id),
	}
}

// ErrNoProject returns an error when an operation needs an active project.
func ErrNoProject() *KlyveError {
	return &KlyveError{
		Code: CodeNoActiveProject,
		What: "no active project",
		Fix:  "Create one with 'klyve project new' or resume with 'klyve resume'",
	}
}

// ErrConfigInvalid returns an error for invalid configuration.
func ErrConfigInvalid(field, reason string) *KlyveError {
	return &KlyveError{
		Code: CodeConfigInvalid,
		What: fmt.Sprintf("invalid configuration: %s", field),
		Why:  reason,
		Fix:  "Check .klyve/config.yaml and fix the invalid field",
	}
}

// ErrStoreLocked returns an error when another orchestrator owns the store.
func ErrStoreLocked(owner string, pid int) *KlyveError {
	return &KlyveError{
		Code: CodeStoreLocked,
		What: "store is owned by another orchestrator",
		Why:  fmt.Sprintf("held by %s (pid %d)", owner, pid),
		Fix:  "Stop the other klyve process, or wait for its lock to expire",
	}
}

// ErrNotRepository returns an error when a path is not a git work tree.
func ErrNotRepository(path string) *KlyveError {
	return &KlyveError{
		Code: CodeGitNotRepository,
		What: fmt.Sprintf("%s is not a git repository", path),
		Why:  "Rollback only operates on version-controlled project roots",
	}
}

// ErrRollbackUnconfirmed returns an error when a rollback lacks confirmation.
func ErrRollbackUnconfirmed(path string) *KlyveError {
	return &KlyveError{
		Code: CodeRollbackUnconfirmed,
		What: fmt.Sprintf("rollback of %s was not confirmed", path),
		Why:  "Discarding local changes deletes files irreversibly",
		Fix:  "Confirm by passing the exact project root path",
	}
}

// AsKlyveError attempts to convert an error to a KlyveError.
// Returns nil if the error is not a KlyveError.
func AsKlyveError(err error) *KlyveError {
	var kErr *KlyveError
	if As(err, &kErr) {
		return kErr
	}
	return nil
}

// As is a convenience wrapper for errors.As.
func As(err error, target any) bool {
	return asError(err, target)
}

func asError(err error, target any) bool {
	if err == nil {
		return false
	}
	if kErr, ok := err.(*KlyveError); ok {
		if t, ok := target.(**KlyveError); ok {
			*t = kErr
			return true
		}
	}
	if unwrapper, ok := err.(interface{ Unwrap() error }); ok {
		return asError(unwrapper.Unwrap(), target)
	}
	return false
}

// Wrap wraps a generic error into a KlyveError with unknown code.
func Wrap(err error, what string) *KlyveError {
	return &KlyveError{
		Code:  Code("UNKNOWN"),
		What:  what,
		Cause: err,
	}
}

// HasCode reports whether err carries the given code anywhere in its chain.
func HasCode(err error, code Code) bool {
	kErr := AsKlyveError(err)
	for kErr != nil {
		if kErr.Code == code {
			return true
		}
		kErr = AsKlyveError(kErr.Cause)
	}
	return false
}
