// Package txn runs transaction bodies against an optimistic remote store and
// replays them on a fresh transaction when the store invalidates the current
// one.
package txn

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/vietddude/txreplay/internal/core/domain"
	"github.com/vietddude/txreplay/internal/infra/storage"
)

// rollbackTimeout bounds the best-effort rollback of a discarded attempt.
const rollbackTimeout = 5 * time.Second

// TxFunc is a transaction body. It must perform store operations through tx
// only and must not keep tx after returning.
type TxFunc func(ctx context.Context, tx *Tx) error

// Executor runs transaction bodies with whole-transaction replay. It is safe
// for concurrent use.
type Executor struct {
	client     storage.Client
	classifier *Classifier
	policy     Policy
	observer   Observer
	log        *slog.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithPolicy sets the retry policy.
func WithPolicy(p Policy) Option {
	return func(e *Executor) { e.policy = p }
}

// WithDetector sets the rule-2 detector used by the classifier.
func WithDetector(d Detector) Option {
	return func(e *Executor) { e.classifier = NewClassifier(d) }
}

// WithObserver adds an observer. It may be given several times.
func WithObserver(o Observer) Option {
	return func(e *Executor) {
		if obs, ok := e.observer.(Observers); ok {
			// Copies made by With share the parent's slice.
			e.observer = append(obs[:len(obs):len(obs)], o)
			return
		}
		e.observer = Observers{e.observer, o}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) { e.log = l }
}

// NewExecutor creates an executor over client.
func NewExecutor(client storage.Client, opts ...Option) *Executor {
	e := &Executor{
		client:     client,
		classifier: NewClassifier(nil),
		policy:     DefaultPolicy,
		observer:   NopObserver{},
		log:        slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.policy = e.policy.normalize()
	return e
}

// Policy returns the executor's policy.
func (e *Executor) Policy() Policy { return e.policy }

// With returns a copy of the executor with opts applied.
func (e *Executor) With(opts ...Option) *Executor {
	c := *e
	for _, opt := range opts {
		opt(&c)
	}
	c.policy = c.policy.normalize()
	return &c
}

// Run executes body in a transaction and returns its value once committed.
func Run[T any](ctx context.Context, e *Executor, body func(ctx context.Context, tx *Tx) (T, error)) (T, *Result, error) {
	var out T
	res, err := e.Do(ctx, func(ctx context.Context, tx *Tx) error {
		v, err := body(ctx, tx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	if err != nil {
		var zero T
		return zero, res, err
	}
	return out, res, nil
}

// Do executes fn until an attempt commits, a failure stops the run or the
// policy's attempt budget is spent. Every attempt gets a new transaction.
//
// The returned error is either the body's own error, unchanged, or a
// *Failure holding the raw cause of the last attempt.
func (e *Executor) Do(ctx context.Context, fn TxFunc) (*Result, error) {
	p := e.policy
	res := &Result{}
	start := time.Now()

	b := p.backoff()
	recorded := retry.BackoffFunc(func() (time.Duration, bool) {
		d, stop := b.Next()
		if !stop && len(res.Attempts) > 0 {
			res.Attempts[len(res.Attempts)-1].Backoff = d
		}
		return d, stop
	})

	err := retry.Do(ctx, recorded, func(ctx context.Context) error {
		n := len(res.Attempts) + 1
		a, err := e.attempt(ctx, n, p, fn)
		res.Attempts = append(res.Attempts, a)
		e.observer.AttemptFinished(a)

		if a.Failure != nil && a.Failure.Class.Replayable() {
			if n < p.MaxAttempts {
				e.log.Debug("Replaying transaction", "attempt", n, "class", a.Failure.Class.String())
			}
			return retry.RetryableError(a.Failure)
		}
		return err
	})
	res.Elapsed = time.Since(start)

	// retry.Do returns the bare context error when cancelled between attempts.
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		if _, ok := AsFailure(err); !ok {
			err = e.cancelled(res, ctx.Err())
		}
	}

	e.observer.RunFinished(res, err)
	return res, err
}

func (e *Executor) cancelled(res *Result, err error) *Failure {
	f := &Failure{Class: ClassCancelled, Op: domain.OpBegin, Cause: err}
	if last, ok := res.Last(); ok {
		f.TxID = last.TxID
		f.Attempt = last.Number
		if last.Failure != nil {
			f.Op = last.Failure.Op
		}
	}
	return f
}

// attempt runs one attempt on a new transaction. It returns the attempt
// record and the error to hand to the retry loop.
func (e *Executor) attempt(ctx context.Context, n int, p Policy, fn TxFunc) (Attempt, error) {
	start := time.Now()
	a := Attempt{Number: n}

	id, err := e.client.Begin(ctx)
	if err != nil {
		f := e.classifier.ClassifyFor(ctx, err, StatusOpen, domain.OpBegin)
		f.Attempt = n
		a.Failure = f
		a.Elapsed = time.Since(start)
		return a, f
	}
	a.TxID = id

	tx := newTx(ctx, id, n, e, p)
	finish := func(err error) (Attempt, error) {
		if err != nil {
			rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rollbackTimeout)
			tx.discard(rctx)
			cancel()
		}
		a.Elapsed = time.Since(start)
		return a, err
	}

	if err := fn(ctx, tx); err != nil {
		if f, ok := AsFailure(err); ok && f.origin == tx {
			a.Failure = f
			return finish(f)
		}
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			// The body stopped on the caller's context outside any operation.
			f := &Failure{Class: ClassCancelled, TxID: id, Attempt: n, Cause: err, origin: tx}
			a.Failure = f
			return finish(f)
		}
		// Application errors pass through untouched.
		return finish(err)
	}

	if err := tx.commit(ctx); err != nil {
		f, _ := AsFailure(err)
		a.Failure = f
		return finish(f)
	}
	tx.release()
	a.Committed = true
	return finish(nil)
}
