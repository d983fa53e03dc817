package txn

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/vietddude/txreplay/internal/core/domain"
	"github.com/vietddude/txreplay/internal/infra/storage/memory"
)

// fastPolicy replays without waiting.
func fastPolicy(maxAttempts int) Policy {
	return Policy{
		MaxAttempts:      maxAttempts,
		InitialDelay:     0,
		MaxDelay:         time.Millisecond,
		BackoffMultiple:  2,
		OperationRetries: 1,
	}
}

type recordingObserver struct {
	mu       sync.Mutex
	attempts []Attempt
	retried  []domain.OpKind
	runs     int
	lastErr  error
}

func (r *recordingObserver) AttemptFinished(a Attempt) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts = append(r.attempts, a)
}

func (r *recordingObserver) OperationRetried(op domain.OpKind, _ *Failure) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retried = append(r.retried, op)
}

func (r *recordingObserver) RunFinished(_ *Result, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs++
	r.lastErr = err
}

func testKey(name string) domain.Key {
	return domain.Key{Namespace: "test", Kind: "Test", Name: name}
}

// seed commits entities directly on the store.
func seed(t *testing.T, s *memory.Store, entities ...*domain.Entity) {
	t.Helper()
	ctx := context.Background()
	id, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	for _, e := range entities {
		if err := s.Put(ctx, id, e); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}
	if err := s.Commit(ctx, id); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
}

// openTx begins a transaction on e's store and wraps it.
func openTx(t *testing.T, e *Executor) *Tx {
	t.Helper()
	id, err := e.client.Begin(context.Background())
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	return newTx(context.Background(), id, 1, e, e.policy)
}
