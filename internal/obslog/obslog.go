// Package obslog defines the engine's structured logging vocabulary: a
// shared logger, field helpers stamping every operation log line with
// the operation name, nominee, role id, and authorizing rule hash (the
// same identifiers internal/audit persists, so a log line and its audit
// row correlate), and an error helper that turns a typed error's kind
// and captured call stack into fields instead of a multi-line string.
package obslog

import (
	"encoding/hex"
	"errors"

	"github.com/sirupsen/logrus"
	"github.com/ztrue/tracerr"

	"github.com/MXWXZ/orgchart/internal/orgerr"
	"github.com/MXWXZ/orgchart/internal/primitives"
)

// New returns the shared logger instance.
func New() *logrus.Logger {
	return logrus.StandardLogger()
}

// RoleIDHex renders a role id the way log fields and audit rows spell it.
func RoleIDHex(id primitives.RoleID) string {
	return hex.EncodeToString(id[:])
}

// Operation returns an entry tagged with an operation name and its
// target role.
func Operation(log *logrus.Logger, op string, role primitives.RoleID) *logrus.Entry {
	return log.WithFields(logrus.Fields{
		"op":      op,
		"role_id": RoleIDHex(role),
	})
}

// UserOperation is Operation plus the nominee a user-management call
// acts on.
func UserOperation(log *logrus.Logger, op string, nominee primitives.Address, role primitives.RoleID) *logrus.Entry {
	return Operation(log, op, role).WithField("nominee", nominee.Hex())
}

// Authorized stamps entry with the rule hash whose fulfillment
// authorized the operation.
func Authorized(entry *logrus.Entry, ruleHash primitives.Hash) *logrus.Entry {
	return entry.WithField("rule_hash", ruleHash.Hex())
}

// Err builds an entry for err on the shared logger. The orgerr kind
// (when present) and the tracerr call stack become their own fields so
// the one-line "error" field stays grep-friendly.
func Err(err error) *logrus.Entry {
	entry := logrus.NewEntry(logrus.StandardLogger())
	if err == nil {
		return entry
	}
	if kind, ok := orgerr.KindOf(err); ok {
		entry = entry.WithField("kind", kind.String())
	}
	if frames := stackOf(err); len(frames) > 0 {
		entry = entry.WithField("stack", frames)
	}
	return entry.WithField("error", err.Error())
}

// stackOf walks the wrap chain to the first tracerr error and renders
// its frames one string each.
func stackOf(err error) []string {
	for err != nil {
		if traced, ok := err.(tracerr.Error); ok {
			frames := traced.StackTrace()
			out := make([]string, 0, len(frames))
			for _, f := range frames {
				out = append(out, f.String())
			}
			return out
		}
		err = errors.Unwrap(err)
	}
	return nil
}
