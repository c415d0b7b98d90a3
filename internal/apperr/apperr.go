// Package apperr defines the error taxonomy shared by every layer of the
// store. Each error carries a Kind so that callers (and the RPC surface)
// can map failures to stable, implementation-independent names.
package apperr

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Kind identifies a class of failure.
type Kind int

const (
	Internal Kind = iota
	BucketNotFound
	BucketVersion
	InvalidBucketName
	InvalidBucketConfig
	NotFunction
	InvalidIndexType
	InvalidQuery
	NotIndexed
	EtagConflict
	ObjectNotFound
	UniqueAttribute
	Transient
)

var kindNames = map[Kind]string{
	Internal:            "Internal",
	BucketNotFound:      "BucketNotFound",
	BucketVersion:       "BucketVersion",
	InvalidBucketName:   "InvalidBucketName",
	InvalidBucketConfig: "InvalidBucketConfig",
	NotFunction:         "NotFunction",
	InvalidIndexType:    "InvalidIndexType",
	InvalidQuery:        "InvalidQuery",
	NotIndexed:          "NotIndexed",
	EtagConflict:        "EtagConflict",
	ObjectNotFound:      "ObjectNotFound",
	UniqueAttribute:     "UniqueAttributeError",
	Transient:           "Transient",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Error is a kinded error. It wraps an underlying cause when one exists.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a kinded error with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap annotates err with a kind and message. Returns nil when err is nil.
func Wrap(kind Kind, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the kind from err, defaulting to Internal for errors
// that did not originate in this taxonomy.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// Retryable reports whether err is a transient database error that the
// caller may retry. Retries happen outside the pipeline; nothing in the
// store itself re-executes a failed request.
func Retryable(err error) bool {
	return IsKind(err, Transient)
}

// FromPg classifies an error returned by the database driver. Unique
// violations map to UniqueAttributeError, connection and serialization
// failures to Transient, and everything else to Internal. Errors that
// already carry a kind pass through untouched.
func FromPg(err error, context string) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return Wrap(ObjectNotFound, err, "%s", context)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "23505":
			return Wrap(UniqueAttribute, err, "%s: %s", context, pgErr.ConstraintName)
		case pgErr.Code == "57014", // query_canceled
			strings.HasPrefix(pgErr.Code, "40"), // serialization failures, deadlocks
			strings.HasPrefix(pgErr.Code, "08"), // connection exceptions
			strings.HasPrefix(pgErr.Code, "53"): // insufficient resources
			return Wrap(Transient, err, "%s", context)
		}
	}
	return Wrap(Internal, err, "%s", context)
}
