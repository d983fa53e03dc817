package txn

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/vietddude/txreplay/internal/core/domain"
	"github.com/vietddude/txreplay/internal/infra/storage"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Status is the lifecycle state of a transaction context.
type Status int

const (
	StatusOpen Status = iota
	StatusCommitted
	StatusRolledBack
	StatusInvalidated
)

func (s Status) String() string {
	switch s {
	case StatusOpen:
		return "open"
	case StatusCommitted:
		return "committed"
	case StatusRolledBack:
		return "rolled_back"
	case StatusInvalidated:
		return "invalidated"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Tx is the handle a transaction body works with during one attempt. It is
// bound to one server-side transaction and must not be kept after the body
// returns.
type Tx struct {
	runCtx     context.Context
	id         storage.TxID
	attempt    int
	client     storage.Client
	classifier *Classifier
	policy     Policy
	observer   Observer
	log        *slog.Logger

	mu     sync.Mutex
	status Status
	ops    []domain.Operation
	unsub  func()
}

func newTx(runCtx context.Context, id storage.TxID, attempt int, e *Executor, p Policy) *Tx {
	t := &Tx{
		runCtx:     runCtx,
		id:         id,
		attempt:    attempt,
		client:     e.client,
		classifier: e.classifier,
		policy:     p,
		observer:   e.observer,
		log:        e.log.With("tx", id, "attempt", attempt),
		status:     StatusOpen,
	}
	if n, ok := e.client.(storage.Notifier); ok {
		t.unsub = n.Subscribe(id, t.Invalidate)
	}
	return t
}

// ID returns the server-assigned transaction id.
func (t *Tx) ID() storage.TxID { return t.id }

// Attempt returns the 1-based attempt number this context belongs to.
func (t *Tx) Attempt() int { return t.attempt }

// Status returns the current state.
func (t *Tx) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Operations returns the operations issued so far, in order.
func (t *Tx) Operations() []domain.Operation {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]domain.Operation, len(t.ops))
	copy(out, t.ops)
	return out
}

// Invalidate marks the context as ended by the service. It is safe to call
// from any goroutine and has no effect on a context that is no longer open.
func (t *Tx) Invalidate() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status == StatusOpen {
		t.status = StatusInvalidated
		t.log.Debug("Transaction invalidated")
	}
}

func (t *Tx) transition(to Status) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status == StatusOpen {
		t.status = to
	}
}

// Get reads key. A missing entity yields (nil, nil).
func (t *Tx) Get(ctx context.Context, key domain.Key) (*domain.Entity, error) {
	var out *domain.Entity
	err := t.do(ctx, domain.Operation{Kind: domain.OpGet, Key: key}, func(ctx context.Context) error {
		e, err := t.client.Get(ctx, t.id, key)
		out = e
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Put creates or replaces e when the transaction commits.
func (t *Tx) Put(ctx context.Context, e *domain.Entity) error {
	e = e.Clone()
	return t.do(ctx, domain.Operation{Kind: domain.OpPut, Key: e.Key, Entity: e}, func(ctx context.Context) error {
		return t.client.Put(ctx, t.id, e)
	})
}

// Update replaces the existing entity at e.Key when the transaction commits.
func (t *Tx) Update(ctx context.Context, e *domain.Entity) error {
	e = e.Clone()
	return t.do(ctx, domain.Operation{Kind: domain.OpUpdate, Key: e.Key, Entity: e}, func(ctx context.Context) error {
		return t.client.Update(ctx, t.id, e)
	})
}

// Delete removes key when the transaction commits.
func (t *Tx) Delete(ctx context.Context, key domain.Key) error {
	return t.do(ctx, domain.Operation{Kind: domain.OpDelete, Key: key}, func(ctx context.Context) error {
		return t.client.Delete(ctx, t.id, key)
	})
}

// commit is never resent in place: a lost commit response cannot be told
// apart from a failed one.
func (t *Tx) commit(ctx context.Context) error {
	err := t.do(ctx, domain.Operation{Kind: domain.OpCommit}, func(ctx context.Context) error {
		return t.client.Commit(ctx, t.id)
	})
	if err == nil {
		t.transition(StatusCommitted)
	}
	return err
}

// discard rolls the server-side transaction back, best-effort. Errors are
// logged and dropped so they never hide the failure that caused the discard.
func (t *Tx) discard(ctx context.Context) {
	defer t.release()

	if t.Status() == StatusCommitted {
		return
	}
	t.transition(StatusRolledBack)

	if err := t.client.Rollback(ctx, t.id); err != nil {
		t.log.Debug("Rollback failed, ignoring", "error", err)
	}
}

func (t *Tx) release() {
	t.mu.Lock()
	unsub := t.unsub
	t.unsub = nil
	t.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

// do issues op through call. A read failing with a retryable cause is resent
// on the same context up to OperationRetries times, but only while the
// context is still open: the status is checked right before every send.
func (t *Tx) do(ctx context.Context, op domain.Operation, call func(ctx context.Context) error) error {
	for try := 0; ; try++ {
		if st := t.Status(); st != StatusOpen {
			return t.fail(op, status.Errorf(codes.FailedPrecondition, "transaction %s is %s", t.id, st), st)
		}
		if err := ctx.Err(); err != nil {
			return t.fail(op, err, StatusOpen)
		}

		t.record(op)
		err := call(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			// The call was aborted by its own context.
			return t.fail(op, ctx.Err(), t.Status())
		}

		f := t.fail(op, err, t.Status())
		if f.Class != ClassRetryableOperation || !op.Kind.IsRead() || try >= t.policy.OperationRetries {
			return f
		}

		t.log.Debug("Retrying operation in place", "op", op.Kind, "key", op.Key.String(), "error", err)
		t.observer.OperationRetried(op.Kind, f)
		if err := sleep(ctx, t.policy.OperationDelay); err != nil {
			return t.fail(op, err, t.Status())
		}
	}
}

// fail classifies err and applies the resulting state change.
func (t *Tx) fail(op domain.Operation, err error, st Status) *Failure {
	f := t.classifier.ClassifyFor(t.runCtx, err, st, op.Kind)
	f.TxID = t.id
	f.Attempt = t.attempt
	f.origin = t
	if f.Class == ClassContextInvalidated {
		t.Invalidate()
	}
	return f
}

func (t *Tx) record(op domain.Operation) {
	t.mu.Lock()
	t.ops = append(t.ops, op)
	t.mu.Unlock()
}
