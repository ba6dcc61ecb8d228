// Package storeerr defines the error kinds that propagate out of the
// storage engine: NotFound, Exists, Corrupt, IO, Cancelled, and
// Invalid. Every other package wraps its failures through this type
// instead of returning bare driver errors.
package storeerr

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Kind classifies an Error for callers that need to branch on it
// without string matching.
type Kind int

const (
	// KindNotFound reports a missing folder, message, or key.
	KindNotFound Kind = iota
	// KindExists reports a unique-name conflict, e.g. a rename target
	// that already exists.
	KindExists
	// KindCorrupt reports a database file unreadable at the storage
	// layer; only StoreDB.Open/Migrate surface this kind.
	KindCorrupt
	// KindIO reports an underlying filesystem or engine error.
	KindIO
	// KindCancelled reports that the caller's context was cancelled.
	KindCancelled
	// KindInvalid reports programmer error: parser failure, or
	// misuse such as calling GetUIDsSync before Rebuild.
	KindInvalid
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not-found"
	case KindExists:
		return "exists"
	case KindCorrupt:
		return "corrupt"
	case KindIO:
		return "io"
	case KindCancelled:
		return "cancelled"
	case KindInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// Error wraps an underlying cause with an operation name and a Kind,
// so callers can branch on Kind while %w-chains stay intact.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error for op, wrapping err (which may be nil).
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// FromContext translates ctx.Err() (if set) into a KindCancelled
// Error, otherwise returns nil.
func FromContext(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return New(KindCancelled, op, err)
	}
	return nil
}

// FromSQLite translates a modernc.org/sqlite / database/sql error
// into NotFound, Exists, Corrupt or (for anything else) IO by
// inspecting its message, since the
// driver surfaces SQLite result codes as formatted strings rather
// than a typed error value callers can switch on.
func FromSQLite(op string, err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "no such table") || strings.Contains(msg, "no rows"):
		return New(KindNotFound, op, err)
	case strings.Contains(msg, "unique constraint") || strings.Contains(msg, "already exists"):
		return New(KindExists, op, err)
	case strings.Contains(msg, "not a database") ||
		strings.Contains(msg, "malformed") ||
		strings.Contains(msg, "corrupt"):
		return New(KindCorrupt, op, err)
	default:
		return New(KindIO, op, err)
	}
}
