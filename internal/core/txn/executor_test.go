package txn

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/vietddude/txreplay/internal/core/cause"
	"github.com/vietddude/txreplay/internal/core/domain"
	"github.com/vietddude/txreplay/internal/infra/storage"
	"github.com/vietddude/txreplay/internal/infra/storage/memory"
	"google.golang.org/grpc/codes"
)

func TestExecutor_Commit(t *testing.T) {
	store := memory.NewStore()
	obs := &recordingObserver{}
	exec := NewExecutor(store, WithPolicy(fastPolicy(3)), WithObserver(obs))

	res, err := exec.Do(context.Background(), func(ctx context.Context, tx *Tx) error {
		return tx.Put(ctx, domain.NewEntity(testKey("a")).Set("v", 1))
	})
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if res.AttemptCount() != 1 {
		t.Fatalf("expected 1 attempt, got %d", res.AttemptCount())
	}
	last, _ := res.Last()
	if !last.Committed || last.Failure != nil || last.TxID == "" {
		t.Errorf("unexpected attempt record %+v", last)
	}
	if store.Calls(domain.OpRollback) != 0 {
		t.Error("committed attempt must not be rolled back")
	}
	if obs.runs != 1 || len(obs.attempts) != 1 {
		t.Errorf("observer saw %d runs, %d attempts", obs.runs, len(obs.attempts))
	}

	got, _ := store.Snapshot(context.Background(), "test")
	if len(got) != 1 || got[0].Properties["v"] != 1 {
		t.Errorf("unexpected snapshot %+v", got)
	}
}

func TestExecutor_AlwaysRetryable(t *testing.T) {
	const maxAttempts = 4

	store := memory.NewStore()
	store.FailNext(domain.OpGet, 100, storage.Unavailable(errors.New("connection reset")))

	p := fastPolicy(maxAttempts)
	p.OperationRetries = 0
	exec := NewExecutor(store, WithPolicy(p))

	res, err := exec.Do(context.Background(), func(ctx context.Context, tx *Tx) error {
		_, err := tx.Get(ctx, testKey("a"))
		return err
	})

	f, ok := AsFailure(err)
	if !ok || f.Class != ClassRetryableOperation {
		t.Fatalf("expected retryable_operation failure, got %v", err)
	}
	if f.Attempt != maxAttempts {
		t.Errorf("expected failure from attempt %d, got %d", maxAttempts, f.Attempt)
	}
	if res.AttemptCount() != maxAttempts {
		t.Fatalf("expected %d attempts, got %d", maxAttempts, res.AttemptCount())
	}

	seen := make(map[storage.TxID]bool)
	for i, a := range res.Attempts {
		if a.Number != i+1 {
			t.Errorf("attempt %d numbered %d", i+1, a.Number)
		}
		if seen[a.TxID] {
			t.Errorf("transaction id %s reused", a.TxID)
		}
		seen[a.TxID] = true
	}
	if last, _ := res.Last(); last.Backoff != 0 {
		t.Errorf("last attempt should not back off, got %s", last.Backoff)
	}
	if got := store.Calls(domain.OpBegin); got != maxAttempts {
		t.Errorf("expected %d begins, got %d", maxAttempts, got)
	}
	if got := store.Calls(domain.OpRollback); got != maxAttempts {
		t.Errorf("expected %d rollbacks, got %d", maxAttempts, got)
	}
}

func TestExecutor_PermanentStopsImmediately(t *testing.T) {
	store := memory.NewStore()
	exec := NewExecutor(store, WithPolicy(fastPolicy(5)))

	res, err := exec.Do(context.Background(), func(ctx context.Context, tx *Tx) error {
		return tx.Put(ctx, domain.NewEntity(domain.Key{Namespace: "test", Kind: "Test"}))
	})

	if ClassOf(err) != ClassPermanentOperation {
		t.Fatalf("expected permanent_operation, got %v", err)
	}
	if res.AttemptCount() != 1 {
		t.Errorf("expected 1 attempt, got %d", res.AttemptCount())
	}
	if c := cause.Parse(errors.Unwrap(err)); c.Code != codes.InvalidArgument {
		t.Errorf("expected InvalidArgument cause, got %s", c.Code)
	}
}

func TestExecutor_UnknownStopsImmediately(t *testing.T) {
	store := memory.NewStore()
	store.FailNext(domain.OpGet, 1, cause.New(codes.DataLoss, "gone", cause.ScopeUnknown))
	exec := NewExecutor(store, WithPolicy(fastPolicy(5)))

	res, err := exec.Do(context.Background(), func(ctx context.Context, tx *Tx) error {
		_, err := tx.Get(ctx, testKey("a"))
		return err
	})

	if ClassOf(err) != ClassUnknown {
		t.Fatalf("expected unknown, got %v", err)
	}
	if res.AttemptCount() != 1 {
		t.Errorf("expected 1 attempt, got %d", res.AttemptCount())
	}
}

func TestExecutor_BodyErrorPassesThrough(t *testing.T) {
	errInsufficient := errors.New("insufficient balance")

	store := memory.NewStore()
	exec := NewExecutor(store, WithPolicy(fastPolicy(5)))

	res, err := exec.Do(context.Background(), func(ctx context.Context, tx *Tx) error {
		if err := tx.Put(ctx, domain.NewEntity(testKey("a"))); err != nil {
			return err
		}
		return errInsufficient
	})

	if err != errInsufficient {
		t.Fatalf("expected body error unchanged, got %v", err)
	}
	if res.AttemptCount() != 1 {
		t.Errorf("expected 1 attempt, got %d", res.AttemptCount())
	}
	last, _ := res.Last()
	if last.Failure != nil || last.Committed {
		t.Errorf("unexpected attempt record %+v", last)
	}
	if store.Calls(domain.OpRollback) != 1 || store.Calls(domain.OpCommit) != 0 {
		t.Error("body error must roll back without committing")
	}
	if got, _ := store.Snapshot(context.Background(), "test"); len(got) != 0 {
		t.Errorf("nothing should be committed, got %+v", got)
	}
}

func TestExecutor_OperationConflictReplays(t *testing.T) {
	store := memory.NewStore()
	seed(t, store, domain.NewEntity(testKey("a")).Set("v", 1))
	exec := NewExecutor(store, WithPolicy(fastPolicy(3)))

	res, err := exec.Do(context.Background(), func(ctx context.Context, tx *Tx) error {
		e, err := tx.Get(ctx, testKey("a"))
		if err != nil {
			return err
		}
		if tx.Attempt() == 1 {
			// A concurrent writer wins after our read.
			seed(t, store, domain.NewEntity(testKey("a")).Set("v", 10))
		}
		return tx.Put(ctx, domain.NewEntity(testKey("b")).Set("copy", e.Properties["v"]))
	})
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if res.AttemptCount() != 2 {
		t.Fatalf("expected 2 attempts, got %d", res.AttemptCount())
	}
	first := res.Attempts[0]
	if first.Failure == nil || first.Failure.Op != domain.OpPut || first.Failure.Class != ClassContextInvalidated {
		t.Errorf("expected put invalidation on attempt 1, got %+v", first.Failure)
	}
	if res.Attempts[0].TxID == res.Attempts[1].TxID {
		t.Error("replay must use a new transaction")
	}

	got, _ := store.Snapshot(context.Background(), "test")
	if len(got) != 2 || got[1].Properties["copy"] != 10 {
		t.Errorf("expected b to copy the winning value, got %+v", got)
	}
}

func TestExecutor_CommitFailureReplays(t *testing.T) {
	store := memory.NewStore()
	seed(t, store, domain.NewEntity(testKey("a")).Set("v", 1))
	exec := NewExecutor(store, WithPolicy(fastPolicy(3)))

	res, err := exec.Do(context.Background(), func(ctx context.Context, tx *Tx) error {
		if _, err := tx.Get(ctx, testKey("a")); err != nil {
			return err
		}
		if tx.Attempt() == 1 {
			seed(t, store, domain.NewEntity(testKey("a")).Set("v", 10))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if res.AttemptCount() != 2 {
		t.Fatalf("expected 2 attempts, got %d", res.AttemptCount())
	}
	first := res.Attempts[0]
	if first.Failure == nil || first.Failure.Op != domain.OpCommit || first.Failure.Class != ClassContextInvalidated {
		t.Errorf("expected commit invalidation on attempt 1, got %+v", first.Failure)
	}
	if !res.Attempts[1].Committed {
		t.Error("expected attempt 2 to commit")
	}
}

func TestExecutor_BeginFailureReplays(t *testing.T) {
	store := memory.NewStore()
	store.FailNext(domain.OpBegin, 1, storage.Unavailable(errors.New("connection refused")))
	exec := NewExecutor(store, WithPolicy(fastPolicy(3)))

	res, err := exec.Do(context.Background(), func(ctx context.Context, tx *Tx) error {
		return tx.Put(ctx, domain.NewEntity(testKey("a")))
	})
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if res.AttemptCount() != 2 {
		t.Fatalf("expected 2 attempts, got %d", res.AttemptCount())
	}
	first := res.Attempts[0]
	if first.Failure == nil || first.Failure.Op != domain.OpBegin || first.TxID != "" {
		t.Errorf("unexpected first attempt %+v", first)
	}
	if store.Calls(domain.OpRollback) != 0 {
		t.Error("nothing to roll back when begin fails")
	}
}

func TestExecutor_CancelledDuringBackoff(t *testing.T) {
	store := memory.NewStore()
	store.FailNext(domain.OpGet, 100, storage.Contention(false))

	p := Policy{MaxAttempts: 5, InitialDelay: time.Hour, MaxDelay: time.Hour, BackoffMultiple: 2}
	exec := NewExecutor(store, WithPolicy(p))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	res, err := exec.Do(ctx, func(ctx context.Context, tx *Tx) error {
		_, err := tx.Get(ctx, testKey("a"))
		return err
	})

	if time.Since(start) > 5*time.Second {
		t.Fatal("backoff ignored cancellation")
	}
	f, ok := AsFailure(err)
	if !ok || f.Class != ClassCancelled {
		t.Fatalf("expected cancelled failure, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Error("expected context.DeadlineExceeded in chain")
	}
	if res.AttemptCount() != 1 {
		t.Errorf("expected 1 attempt, got %d", res.AttemptCount())
	}
	if f.Op != domain.OpGet || f.Attempt != 1 {
		t.Errorf("unexpected failure fields %+v", f)
	}
}

func TestExecutor_CancelledInBody(t *testing.T) {
	store := memory.NewStore()
	exec := NewExecutor(store, WithPolicy(fastPolicy(5)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	res, err := exec.Do(ctx, func(ctx context.Context, tx *Tx) error {
		cancel()
		<-ctx.Done()
		return ctx.Err()
	})

	if ClassOf(err) != ClassCancelled {
		t.Fatalf("expected cancelled, got %v", err)
	}
	if res.AttemptCount() != 1 {
		t.Errorf("expected 1 attempt, got %d", res.AttemptCount())
	}
	// Rollback runs on a detached context.
	if store.Calls(domain.OpRollback) != 1 {
		t.Error("expected the attempt to be rolled back")
	}
}

func TestRun_ReturnsValue(t *testing.T) {
	store := memory.NewStore()
	seed(t, store, domain.NewEntity(testKey("a")).Set("v", 41))
	exec := NewExecutor(store, WithPolicy(fastPolicy(3)))

	v, res, err := Run(context.Background(), exec, func(ctx context.Context, tx *Tx) (int, error) {
		e, err := tx.Get(ctx, testKey("a"))
		if err != nil {
			return 0, err
		}
		n := e.Properties["v"].(int) + 1
		return n, tx.Put(ctx, e.Set("v", n))
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if v != 42 || res.AttemptCount() != 1 {
		t.Errorf("expected 42 after 1 attempt, got %d after %d", v, res.AttemptCount())
	}

	zero, _, err := Run(context.Background(), exec, func(ctx context.Context, tx *Tx) (int, error) {
		return 7, errors.New("nope")
	})
	if err == nil || zero != 0 {
		t.Errorf("expected zero value with error, got %d, %v", zero, err)
	}
}

func TestExecutor_WithDoesNotMutate(t *testing.T) {
	exec := NewExecutor(memory.NewStore(), WithPolicy(fastPolicy(3)))
	naive := exec.With(WithDetector(NoDetection), WithPolicy(fastPolicy(1)))

	if exec.Policy().MaxAttempts != 3 || naive.Policy().MaxAttempts != 1 {
		t.Errorf("unexpected policies %d, %d", exec.Policy().MaxAttempts, naive.Policy().MaxAttempts)
	}
	if exec.classifier == naive.classifier {
		t.Error("With should not share a replaced classifier")
	}
}

func TestExecutor_OperationDeadlineReplays(t *testing.T) {
	store := memory.NewStore()
	seed(t, store, domain.NewEntity(testKey("a")).Set("v", 1))
	exec := NewExecutor(store, WithPolicy(fastPolicy(3)))

	res, err := exec.Do(context.Background(), func(ctx context.Context, tx *Tx) error {
		timeout := time.Minute
		if tx.Attempt() == 1 {
			timeout = time.Nanosecond
		}
		opCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if tx.Attempt() == 1 {
			<-opCtx.Done()
		}
		_, err := tx.Get(opCtx, testKey("a"))
		return err
	})
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if res.AttemptCount() != 2 {
		t.Fatalf("expected 2 attempts, got %d", res.AttemptCount())
	}
	if f := res.Attempts[0].Failure; f == nil || f.Class != ClassRetryableOperation {
		t.Errorf("expected first attempt to fail retryable, got %+v", f)
	}
}

func TestExecutor_WithObserverCopies(t *testing.T) {
	a, b, c, d := &recordingObserver{}, &recordingObserver{}, &recordingObserver{}, &recordingObserver{}
	base := NewExecutor(memory.NewStore(), WithPolicy(fastPolicy(1)), WithObserver(a), WithObserver(b))

	e1 := base.With(WithObserver(c))
	e2 := base.With(WithObserver(d))

	body := func(ctx context.Context, tx *Tx) error { return nil }
	if _, err := e1.Do(context.Background(), body); err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if c.runs != 1 || d.runs != 0 {
		t.Fatalf("e1 reported to c=%d, d=%d", c.runs, d.runs)
	}
	if _, err := e2.Do(context.Background(), body); err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if c.runs != 1 || d.runs != 1 {
		t.Errorf("e2 reported to c=%d, d=%d", c.runs, d.runs)
	}
	if a.runs != 2 || b.runs != 2 {
		t.Errorf("base observers saw a=%d, b=%d runs", a.runs, b.runs)
	}
	if _, err := base.Do(context.Background(), body); err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if c.runs != 1 || d.runs != 1 {
		t.Errorf("base reported to the copies' observers c=%d, d=%d", c.runs, d.runs)
	}
}

func TestExecutor_ConcurrentRuns(t *testing.T) {
	const workers = 40

	store := memory.NewStore()
	counter := testKey("counter")
	seed(t, store, domain.NewEntity(counter).Set("n", 0))

	// Each commit dooms at most every other worker once, so a worker needs
	// at most one attempt per worker.
	exec := NewExecutor(store, WithPolicy(fastPolicy(workers)))

	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := exec.Do(context.Background(), func(ctx context.Context, tx *Tx) error {
				e, err := tx.Get(ctx, counter)
				if err != nil {
					return err
				}
				n, _ := e.Properties["n"].(int)
				return tx.Put(ctx, domain.NewEntity(counter).Set("n", n+1))
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("run failed: %v", err)
		}
	}
	got, _ := store.Snapshot(context.Background(), "test")
	if len(got) != 1 || got[0].Properties["n"] != workers {
		t.Errorf("expected n=%d, got %+v", workers, got)
	}
}
