// Package orgerr defines the engine's error taxonomy. Every operation
// returns either nil or a *orgerr.Error whose Kind is one of the
// constants below; no panics escape for invalid caller input, and no
// error is ever recovered internally — it is always surfaced to the
// operation's caller, wrapped with tracerr at the point of failure so a
// verbose host can print a call stack.
package orgerr

import (
	"errors"
	"fmt"

	"github.com/ztrue/tracerr"
)

// Kind identifies which validation step rejected an operation.
type Kind int

const (
	KindUnknownRole Kind = iota
	KindInvalidRule
	KindInvalidAdminRule
	KindStaleBaseBlock
	KindTooManySigners
	KindUnorderedSigners
	KindMissingSelfSign
	KindUnexpectedSelfSign
	KindInvalidAssignment
	KindPermissionDenied
	KindNotEnoughSigners
	KindCycleDetected
	KindRoleIDTaken
	KindRoleFlagTaken
	KindMalformedRoleFlag
	KindMalformedRoleID
	KindSeniorsMissing
	KindJuniorsMissing
	KindTooManyRules
)

var kindNames = map[Kind]string{
	KindUnknownRole:        "unknown_role",
	KindInvalidRule:        "invalid_rule",
	KindInvalidAdminRule:   "invalid_admin_rule",
	KindStaleBaseBlock:     "stale_base_block",
	KindTooManySigners:     "too_many_signers",
	KindUnorderedSigners:   "unordered_signers",
	KindMissingSelfSign:    "missing_self_sign",
	KindUnexpectedSelfSign: "unexpected_self_sign",
	KindInvalidAssignment:  "invalid_assignment",
	KindPermissionDenied:   "permission_denied",
	KindNotEnoughSigners:   "not_enough_signers",
	KindCycleDetected:      "cycle_detected",
	KindRoleIDTaken:        "role_id_taken",
	KindRoleFlagTaken:      "role_flag_taken",
	KindMalformedRoleFlag:  "malformed_role_flag",
	KindMalformedRoleID:    "malformed_role_id",
	KindSeniorsMissing:     "seniors_missing",
	KindJuniorsMissing:     "juniors_missing",
	KindTooManyRules:       "too_many_rules",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("orgerr.Kind(%d)", int(k))
}

// Error is the concrete error type every engine operation returns on
// failure. It satisfies the standard error interface and unwraps to the
// tracerr-wrapped cause so %w chains and errors.As/errors.Is both work.
type Error struct {
	Kind  Kind
	cause error
}

func (e *Error) Error() string {
	return fmt.Sprintf("orgchart: %s: %s", e.Kind, e.cause.Error())
}

func (e *Error) Unwrap() error { return e.cause }

// New constructs an Error of the given kind with a fresh message, captured
// with a tracerr stack trace.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, cause: tracerr.New(msg)}
}

// Newf is New with fmt.Sprintf-style formatting.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, cause: tracerr.Wrap(fmt.Errorf(format, args...))}
}

// KindOf extracts the Kind from err if it is (or wraps) an *Error.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

// Is reports whether err is an *Error of the given kind, for callers
// that want a one-liner instead of KindOf.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}
