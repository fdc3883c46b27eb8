// Package errors defines the error taxonomy returned across the bridge
// boundary. Every error carries a Kind; errors.Is matches on Kind, so callers
// test against the exported sentinels:
//
//	if errors.Is(err, pberrors.ErrOutOfRange) { ... }
package errors

import (
	"fmt"
	"strings"
)

// Kind categorizes the error
type Kind string

const (
	KindInvalidModule         Kind = "invalid_module"
	KindInvalidClass          Kind = "invalid_class"
	KindImport                Kind = "import"
	KindClassNotFound         Kind = "class_not_found"
	KindInstantiation         Kind = "instantiation"
	KindInvalidHyperparameter Kind = "invalid_hyperparameter"
	KindOutOfRange            Kind = "out_of_range"
	KindMethodCall            Kind = "method_call"
	KindAggregate             Kind = "aggregate"
	KindDimension             Kind = "dimension"
	KindDtype                 Kind = "dtype"
	KindLengthMismatch        Kind = "length_mismatch"
	KindUnexpectedNdim        Kind = "unexpected_ndim"
	KindUnexpectedDtype       Kind = "unexpected_dtype"
	KindFit                   Kind = "fit"
	KindPredict               Kind = "predict"
	KindProba                 Kind = "proba"
	KindCleanup               Kind = "cleanup"

	KindNotFitted       Kind = "not_fitted"
	KindClosed          Kind = "closed"
	KindUnknownIdentity Kind = "unknown_identity"
	KindTransport       Kind = "transport"
	KindForeign         Kind = "foreign"
)

// Sentinels for errors.Is. Only Kind is compared.
var (
	ErrInvalidModule         = &Error{Kind: KindInvalidModule}
	ErrInvalidClass          = &Error{Kind: KindInvalidClass}
	ErrImport                = &Error{Kind: KindImport}
	ErrClassNotFound         = &Error{Kind: KindClassNotFound}
	ErrInstantiation         = &Error{Kind: KindInstantiation}
	ErrInvalidHyperparameter = &Error{Kind: KindInvalidHyperparameter}
	ErrOutOfRange            = &Error{Kind: KindOutOfRange}
	ErrMethodCall            = &Error{Kind: KindMethodCall}
	ErrAggregate             = &Error{Kind: KindAggregate}
	ErrDimension             = &Error{Kind: KindDimension}
	ErrDtype                 = &Error{Kind: KindDtype}
	ErrLengthMismatch        = &Error{Kind: KindLengthMismatch}
	ErrUnexpectedNdim        = &Error{Kind: KindUnexpectedNdim}
	ErrUnexpectedDtype       = &Error{Kind: KindUnexpectedDtype}
	ErrFit                   = &Error{Kind: KindFit}
	ErrPredict               = &Error{Kind: KindPredict}
	ErrProba                 = &Error{Kind: KindProba}
	ErrCleanup               = &Error{Kind: KindCleanup}
	ErrNotFitted             = &Error{Kind: KindNotFitted}
	ErrClosed                = &Error{Kind: KindClosed}
	ErrUnknownIdentity       = &Error{Kind: KindUnknownIdentity}
	ErrTransport             = &Error{Kind: KindTransport}
	ErrForeign               = &Error{Kind: KindForeign}
)

// Error is the structured error type used throughout the bridge
type Error struct {
	Value  any
	Cause  error
	Kind   Kind
	Key    string // hyperparameter key, when relevant
	Method string // foreign method name, when relevant
	Detail string
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteString(string(e.Kind))

	if e.Method != "" {
		b.WriteString(" in ")
		b.WriteString(e.Method)
	}
	if e.Key != "" {
		b.WriteString(" for ")
		b.WriteString(e.Key)
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target has the same Kind
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Kind == t.Kind
	}
	return false
}

// New creates an error of the given kind with a formatted detail.
func New(kind Kind, format string, args ...any) *Error {
	detail := format
	if len(args) > 0 {
		detail = fmt.Sprintf(format, args...)
	}
	return &Error{Kind: kind, Detail: detail}
}

// Wrap wraps cause with the given kind.
func Wrap(kind Kind, cause error, detail string) *Error {
	return &Error{Kind: kind, Cause: cause, Detail: detail}
}

// InvalidHyperparameter reports a key outside the allowlists.
func InvalidHyperparameter(key, detail string) *Error {
	return &Error{Kind: KindInvalidHyperparameter, Key: key, Detail: detail}
}

// OutOfRange reports a numeric hyperparameter outside its declared range.
func OutOfRange(key string, value any, detail string) *Error {
	return &Error{Kind: KindOutOfRange, Key: key, Value: value, Detail: detail}
}

// MethodCall reports a failed foreign method invocation.
func MethodCall(method string, cause error) *Error {
	return &Error{Kind: KindMethodCall, Method: method, Cause: cause}
}

// Foreign wraps an error raised inside the foreign runtime. The message must
// already be sanitized.
func Foreign(msg string) *Error {
	return &Error{Kind: KindForeign, Detail: msg}
}

// KindOf returns the Kind of the outermost *Error in err's chain, or "".
func KindOf(err error) Kind {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e.Kind
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return ""
		}
		err = u.Unwrap()
	}
	return ""
}
