package txn

import (
	"errors"
	"fmt"

	"github.com/vietddude/txreplay/internal/core/cause"
	"github.com/vietddude/txreplay/internal/core/domain"
	"github.com/vietddude/txreplay/internal/infra/storage"
)

// Class is the semantic class of a failure.
type Class int

const (
	// ClassUnknown is a failure no rule recognised. It is treated as permanent.
	ClassUnknown Class = iota
	// ClassRetryableOperation means the same call may be resent on the same context.
	ClassRetryableOperation
	// ClassContextInvalidated means the transaction is dead and the body must be replayed.
	ClassContextInvalidated
	// ClassPermanentOperation means the request itself is defective.
	ClassPermanentOperation
	// ClassCancelled means the caller gave up.
	ClassCancelled
)

func (c Class) String() string {
	switch c {
	case ClassRetryableOperation:
		return "retryable_operation"
	case ClassContextInvalidated:
		return "context_invalidated"
	case ClassPermanentOperation:
		return "permanent_operation"
	case ClassCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Replayable reports whether the executor starts a new attempt for this class.
func (c Class) Replayable() bool {
	return c == ClassContextInvalidated || c == ClassRetryableOperation
}

// Failure is a classified outcome of an operation or commit. Unwrap returns
// the raw cause unchanged.
type Failure struct {
	Class   Class
	Op      domain.OpKind
	TxID    storage.TxID
	Attempt int
	Cause   error

	origin *Tx
}

func (f *Failure) Error() string {
	op := string(f.Op)
	if op == "" {
		op = "transaction body"
	}
	c := cause.Parse(f.Cause)
	return fmt.Sprintf("%s: %s failed (tx=%s, attempt=%d): code=%s, reason=%s",
		f.Class, op, f.TxID, f.Attempt, c.Code, c.Reason)
}

func (f *Failure) Unwrap() error {
	return f.Cause
}

// AsFailure extracts a *Failure from err.
func AsFailure(err error) (*Failure, bool) {
	var f *Failure
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}

// ClassOf returns the class of err, or ClassUnknown when err is not a Failure.
func ClassOf(err error) Class {
	if f, ok := AsFailure(err); ok {
		return f.Class
	}
	return ClassUnknown
}
