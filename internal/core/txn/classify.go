package txn

import (
	"context"
	"errors"
	"strings"

	"github.com/vietddude/txreplay/internal/core/cause"
	"github.com/vietddude/txreplay/internal/core/domain"
	"google.golang.org/grpc/codes"
)

// Detector decides whether a raw cause means the transaction itself is gone,
// even when the code looks like a transient per-call failure. The signal is
// service specific, so detectors are chosen per backend.
type Detector interface {
	Invalidated(c cause.Cause, op domain.OpKind) bool
}

// DetectorFunc adapts a function to Detector.
type DetectorFunc func(c cause.Cause, op domain.OpKind) bool

func (f DetectorFunc) Invalidated(c cause.Cause, op domain.OpKind) bool {
	return f(c, op)
}

// DatastoreDetector follows document stores with optimistic transactions:
// inside a transaction ABORTED always means the transaction lost a conflict,
// and a request naming a transaction the service no longer knows is reported
// as INVALID_ARGUMENT, FAILED_PRECONDITION or NOT_FOUND.
var DatastoreDetector Detector = DetectorFunc(func(c cause.Cause, op domain.OpKind) bool {
	switch c.Scope {
	case cause.ScopeTransaction:
		return true
	case cause.ScopeOperation:
		return false
	}

	switch c.Code {
	case codes.Aborted:
		return op != domain.OpBegin
	case codes.InvalidArgument, codes.FailedPrecondition, codes.NotFound:
		return mentionsDeadTransaction(c.Reason)
	}
	return false
})

// ScopeDetector trusts explicit scope hints only.
var ScopeDetector Detector = DetectorFunc(func(c cause.Cause, _ domain.OpKind) bool {
	return c.Scope == cause.ScopeTransaction
})

// NoDetection never reports invalidation. It reproduces clients that resend
// an aborted lookup on the same transaction.
var NoDetection Detector = DetectorFunc(func(cause.Cause, domain.OpKind) bool {
	return false
})

// DetectorByName maps a configuration value to a detector.
func DetectorByName(name string) (Detector, bool) {
	switch strings.ToLower(name) {
	case "", "datastore":
		return DatastoreDetector, true
	case "scope":
		return ScopeDetector, true
	case "none", "naive":
		return NoDetection, true
	}
	return nil, false
}

var deadTxMarkers = []string{
	"expired",
	"no longer valid",
	"closed",
	"aborted",
	"not found",
	"invalid transaction",
}

func mentionsDeadTransaction(reason string) bool {
	r := strings.ToLower(reason)
	if !strings.Contains(r, "transaction") {
		return false
	}
	for _, m := range deadTxMarkers {
		if strings.Contains(r, m) {
			return true
		}
	}
	return false
}

// Classifier maps raw causes to failure classes.
type Classifier struct {
	detector Detector
}

// NewClassifier creates a classifier. A nil detector means DatastoreDetector.
func NewClassifier(d Detector) *Classifier {
	if d == nil {
		d = DatastoreDetector
	}
	return &Classifier{detector: d}
}

// Classify applies the rules in order, first match wins:
//
//  0. caller cancellation -> Cancelled
//  1. context not Open when the failure was observed -> ContextInvalidated
//  2. detector recognises a dead transaction -> ContextInvalidated
//  3. transient code -> RetryableOperation
//  4. request defect -> PermanentOperation
//  5. anything else -> Unknown
//
// Rule 2 must run before rule 3: ABORTED is in the transient set.
// Classify takes any local context error as the caller's cancellation; use
// ClassifyFor when the run context is known.
func (c *Classifier) Classify(err error, st Status, op domain.OpKind) *Failure {
	return c.ClassifyFor(nil, err, st, op)
}

// ClassifyFor classifies a failure observed during a run bound to runCtx. A
// local context error counts as cancellation only once runCtx is done. An
// expired per-operation deadline is treated as DEADLINE_EXCEEDED and an
// operation cancelled by the body itself as UNKNOWN.
func (c *Classifier) ClassifyFor(runCtx context.Context, err error, st Status, op domain.OpKind) *Failure {
	f := &Failure{Op: op, Cause: err}
	f.Class = c.class(runCtx, err, st, op)
	return f
}

func (c *Classifier) class(runCtx context.Context, err error, st Status, op domain.OpKind) Class {
	var rc cause.Cause
	if cause.IsLocalCancel(err) {
		if runCtx == nil || runCtx.Err() != nil {
			return ClassCancelled
		}
		rc = cause.Cause{Code: codes.Unknown, Reason: err.Error(), Scope: cause.ScopeOperation}
		if errors.Is(err, context.DeadlineExceeded) {
			rc.Code = codes.DeadlineExceeded
		}
	} else {
		rc = cause.Parse(err)
		if rc.Code == codes.Canceled {
			return ClassCancelled
		}
	}
	if st != StatusOpen && op != domain.OpBegin {
		return ClassContextInvalidated
	}
	if c.detector.Invalidated(rc, op) {
		return ClassContextInvalidated
	}

	switch rc.Code {
	case codes.Unavailable, codes.ResourceExhausted, codes.DeadlineExceeded,
		codes.Aborted, codes.Internal:
		return ClassRetryableOperation
	case codes.InvalidArgument, codes.FailedPrecondition, codes.NotFound,
		codes.AlreadyExists, codes.PermissionDenied, codes.Unauthenticated,
		codes.OutOfRange, codes.Unimplemented:
		return ClassPermanentOperation
	}
	return ClassUnknown
}
