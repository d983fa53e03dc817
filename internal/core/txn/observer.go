package txn

import (
	"context"
	"log/slog"
	"time"

	"github.com/vietddude/txreplay/internal/core/domain"
	"github.com/vietddude/txreplay/internal/infra/storage"
)

// Attempt records one execution of the transaction body.
type Attempt struct {
	Number  int
	TxID    storage.TxID
	// Failure is set when a store operation or the commit stopped the
	// attempt. It is nil when the attempt committed or when the body
	// returned its own error.
	Failure   *Failure
	Committed bool
	Elapsed   time.Duration
	// Backoff is the wait that followed this attempt, zero for the last one.
	Backoff time.Duration
}

// Result describes a whole run.
type Result struct {
	Attempts []Attempt
	Elapsed  time.Duration
}

// AttemptCount returns the number of attempts made.
func (r *Result) AttemptCount() int {
	if r == nil {
		return 0
	}
	return len(r.Attempts)
}

// Last returns the final attempt.
func (r *Result) Last() (Attempt, bool) {
	if r == nil || len(r.Attempts) == 0 {
		return Attempt{}, false
	}
	return r.Attempts[len(r.Attempts)-1], true
}

// Observer receives executor events. Implementations must be safe for
// concurrent use; one executor serves many runs.
type Observer interface {
	AttemptFinished(a Attempt)
	OperationRetried(op domain.OpKind, f *Failure)
	RunFinished(r *Result, err error)
}

// NopObserver ignores all events. Embed it to implement a subset.
type NopObserver struct{}

func (NopObserver) AttemptFinished(Attempt)                   {}
func (NopObserver) OperationRetried(domain.OpKind, *Failure) {}
func (NopObserver) RunFinished(*Result, error)               {}

// Observers fans events out to several observers.
type Observers []Observer

func (o Observers) AttemptFinished(a Attempt) {
	for _, x := range o {
		x.AttemptFinished(a)
	}
}

func (o Observers) OperationRetried(op domain.OpKind, f *Failure) {
	for _, x := range o {
		x.OperationRetried(op, f)
	}
}

func (o Observers) RunFinished(r *Result, err error) {
	for _, x := range o {
		x.RunFinished(r, err)
	}
}

// LogObserver writes events to a structured logger.
type LogObserver struct {
	Log *slog.Logger
}

func (l LogObserver) logger() *slog.Logger {
	if l.Log != nil {
		return l.Log
	}
	return slog.Default()
}

func (l LogObserver) AttemptFinished(a Attempt) {
	if a.Failure == nil {
		if !a.Committed {
			l.logger().Debug("Attempt stopped by transaction body", "attempt", a.Number, "tx", a.TxID)
			return
		}
		l.logger().Debug("Attempt committed", "attempt", a.Number, "tx", a.TxID, "elapsed", a.Elapsed)
		return
	}
	level := slog.LevelInfo
	if a.Failure.Class == ClassUnknown {
		// Unknown causes are surfaced as permanent; flag them for investigation.
		level = slog.LevelWarn
	}
	l.logger().Log(context.Background(), level, "Attempt failed",
		"attempt", a.Number,
		"tx", a.TxID,
		"class", a.Failure.Class.String(),
		"op", a.Failure.Op,
		"error", a.Failure.Cause,
		"elapsed", a.Elapsed,
	)
}

func (l LogObserver) OperationRetried(op domain.OpKind, f *Failure) {
	l.logger().Debug("Operation retried in place", "op", op, "tx", f.TxID, "error", f.Cause)
}

func (l LogObserver) RunFinished(r *Result, err error) {
	if _, ok := AsFailure(err); err != nil && !ok {
		l.logger().Debug("Transaction body failed", "attempts", r.AttemptCount(), "error", err)
		return
	}
	if err != nil {
		l.logger().Warn("Transaction gave up", "attempts", r.AttemptCount(), "class", ClassOf(err).String(), "error", err)
		return
	}
	l.logger().Debug("Transaction committed", "attempts", r.AttemptCount(), "elapsed", r.Elapsed)
}
