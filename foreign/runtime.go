// Package foreign defines the contract with the foreign (Python) runtime and
// the ownership discipline around its objects.
//
// The runtime is not reentrant. All access goes through Interpreter.Do, which
// holds the process-wide interpreter lock for the duration of the closure and
// clears foreign error state before any error leaves it. Inside the closure a
// Scope hands out Handles; a Handle owns exactly one foreign reference and is
// released exactly once.
package foreign

import (
	"fmt"

	"github.com/caffeineduck/pybridge/buffer"
)

// Ref identifies an object inside the foreign runtime. Zero is the null
// reference. Refs are only meaningful to the Runtime that produced them.
type Ref uint64

// Runtime is the raw foreign runtime. Implementations need not be safe for
// concurrent use; Interpreter serializes every call. Every Ref returned by a
// Runtime is a new reference owned by the caller.
type Runtime interface {
	Import(module string) (Ref, error)
	GetAttr(obj Ref, name string) (Ref, error)
	SetAttr(obj Ref, name string, value Ref) error
	Call(callable Ref, args ...Ref) (Ref, error)
	CallMethod(obj Ref, name string, args ...Ref) (Ref, error)

	IncRef(r Ref) error
	DecRef(r Ref) error

	// NewScalar converts int64, float64, string or bool.
	NewScalar(v any) (Ref, error)
	// NewArray adopts v as an array object. Data must stay valid until the
	// returned reference is released.
	NewArray(v buffer.View) (Ref, error)

	Int(r Ref) (int64, error)
	Float(r Ref) (float64, error)
	String(r Ref) (string, error)
	Array(r Ref) (buffer.Array, error)
	Len(r Ref) (int, error)
	Item(r Ref, i int) (Ref, error)

	// ErrOccurred reports pending foreign error state.
	ErrOccurred() bool
	ClearError()

	Close() error
}

// Exception is an error raised inside the foreign runtime. Its message is
// raw and must be sanitized before it is shown to anyone.
type Exception struct {
	Type    string
	Message string
}

func (e *Exception) Error() string {
	if e.Type == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}
