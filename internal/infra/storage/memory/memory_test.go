package memory

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/vietddude/txreplay/internal/core/cause"
	"github.com/vietddude/txreplay/internal/core/domain"
	"github.com/vietddude/txreplay/internal/infra/storage"
	"google.golang.org/grpc/codes"
)

func key(name string) domain.Key {
	return domain.Key{Namespace: "ns", Kind: "Test", Name: name}
}

func mustBegin(t *testing.T, s *Store) storage.TxID {
	t.Helper()
	id, err := s.Begin(context.Background())
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	return id
}

func commitPut(t *testing.T, s *Store, entities ...*domain.Entity) {
	t.Helper()
	ctx := context.Background()
	id := mustBegin(t, s)
	for _, e := range entities {
		if err := s.Put(ctx, id, e); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}
	if err := s.Commit(ctx, id); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
}

func TestStore_ReadYourCommits(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	commitPut(t, s, domain.NewEntity(key("a")).Set("v", 1))

	id := mustBegin(t, s)
	e, err := s.Get(ctx, id, key("a"))
	if err != nil || e == nil || e.Properties["v"] != 1 {
		t.Fatalf("unexpected get result %+v, %v", e, err)
	}
	missing, err := s.Get(ctx, id, key("missing"))
	if err != nil || missing != nil {
		t.Errorf("expected (nil, nil) for a missing key, got %+v, %v", missing, err)
	}
}

func TestStore_ConflictDoomsReader(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	commitPut(t, s, domain.NewEntity(key("a")), domain.NewEntity(key("b")))

	reader := mustBegin(t, s)
	if _, err := s.Get(ctx, reader, key("a")); err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	commitPut(t, s, domain.NewEntity(key("a")).Set("t", "t2"))

	// First call after losing reports the abort.
	_, err := s.Get(ctx, reader, key("b"))
	if c := cause.Parse(err); c.Code != codes.Aborted || c.Scope != cause.ScopeUnknown {
		t.Fatalf("expected bare ABORTED, got %+v", c)
	}

	// The service has forgotten the transaction now.
	_, err = s.Get(ctx, reader, key("b"))
	c := cause.Parse(err)
	if c.Code != codes.InvalidArgument || !strings.Contains(c.Reason, storage.ReasonTxClosed) {
		t.Fatalf("expected INVALID_ARGUMENT for a closed transaction, got %+v", c)
	}

	if err := s.Rollback(ctx, reader); status(err) != codes.InvalidArgument {
		t.Errorf("rollback of a closed transaction should fail, got %v", err)
	}
}

func TestStore_UnrelatedCommitDoesNotConflict(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	commitPut(t, s, domain.NewEntity(key("a")), domain.NewEntity(key("b")))

	reader := mustBegin(t, s)
	if _, err := s.Get(ctx, reader, key("a")); err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	commitPut(t, s, domain.NewEntity(key("b")).Set("t", "t2"))

	if _, err := s.Get(ctx, reader, key("b")); err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if err := s.Commit(ctx, reader); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
}

func TestStore_ScopeHints(t *testing.T) {
	s := NewStore(WithScopeHints())
	ctx := context.Background()
	commitPut(t, s, domain.NewEntity(key("a")))

	reader := mustBegin(t, s)
	_, _ = s.Get(ctx, reader, key("a"))
	commitPut(t, s, domain.NewEntity(key("a")))

	err := s.Commit(ctx, reader)
	if c := cause.Parse(err); c.Code != codes.Aborted || c.Scope != cause.ScopeTransaction {
		t.Fatalf("expected ABORTED with transaction scope, got %+v", c)
	}
}

func TestStore_Writes(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	commitPut(t, s, domain.NewEntity(key("a")).Set("v", 1), domain.NewEntity(key("b")))

	id := mustBegin(t, s)
	if err := s.Update(ctx, id, domain.NewEntity(key("missing"))); status(err) != codes.NotFound {
		t.Errorf("expected NOT_FOUND, got %v", err)
	}
	if err := s.Put(ctx, id, domain.NewEntity(domain.Key{Namespace: "ns", Kind: "Test"})); status(err) != codes.InvalidArgument {
		t.Errorf("expected INVALID_ARGUMENT for an incomplete key, got %v", err)
	}
	if err := s.Update(ctx, id, domain.NewEntity(key("a")).Set("v", 2)); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if err := s.Delete(ctx, id, key("b")); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := s.Update(ctx, id, domain.NewEntity(key("b"))); status(err) != codes.NotFound {
		t.Errorf("update after delete in the same transaction should fail, got %v", err)
	}

	// Writes are invisible until commit.
	got, _ := s.Snapshot(ctx, "ns")
	if len(got) != 2 || got[0].Properties["v"] != 1 {
		t.Fatalf("uncommitted writes leaked: %+v", got)
	}

	if err := s.Commit(ctx, id); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	got, _ = s.Snapshot(ctx, "ns")
	if len(got) != 1 || got[0].Key != key("a") || got[0].Properties["v"] != 2 {
		t.Errorf("unexpected snapshot %+v", got)
	}

	if err := s.Commit(ctx, id); status(err) != codes.InvalidArgument {
		t.Errorf("second commit should fail, got %v", err)
	}
}

func TestStore_FaultsAndCounters(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	boom := errors.New("boom")
	s.FailNext(domain.OpBegin, 2, boom)

	for i := 0; i < 2; i++ {
		if _, err := s.Begin(ctx); err != boom {
			t.Fatalf("expected injected error, got %v", err)
		}
	}
	mustBegin(t, s)

	if s.Calls(domain.OpBegin) != 3 || s.TotalCalls() != 3 {
		t.Errorf("unexpected counters: begin=%d total=%d", s.Calls(domain.OpBegin), s.TotalCalls())
	}
}

func TestStore_Push(t *testing.T) {
	s := NewStore(WithInvalidationPush())
	ctx := context.Background()
	commitPut(t, s, domain.NewEntity(key("a")))

	reader := mustBegin(t, s)
	_, _ = s.Get(ctx, reader, key("a"))

	fired := 0
	cancel := s.Subscribe(reader, func() { fired++ })
	defer cancel()

	commitPut(t, s, domain.NewEntity(key("a")))
	commitPut(t, s, domain.NewEntity(key("a")))

	if fired != 1 {
		t.Errorf("expected one notification, got %d", fired)
	}
}

func TestStore_ExpireAndPrune(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	idle := mustBegin(t, s)
	commitPut(t, s, domain.NewEntity(key("a")))

	cutoff := time.Now().Add(time.Minute)
	n, err := s.ExpireTransactions(ctx, cutoff)
	if err != nil || n != 1 {
		t.Fatalf("expected 1 expired transaction, got %d, %v", n, err)
	}
	if _, err := s.Get(ctx, idle, key("a")); status(err) != codes.InvalidArgument {
		t.Errorf("expired transaction should be closed, got %v", err)
	}

	n, err = s.PruneTransactions(ctx, cutoff)
	if err != nil || n != 2 {
		t.Fatalf("expected 2 pruned transactions, got %d, %v", n, err)
	}
}

func TestStore_ExpireKeepsActiveTransactions(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return clock }
	commitPut(t, s, domain.NewEntity(key("a")))

	idle := mustBegin(t, s)
	busy := mustBegin(t, s)

	clock = clock.Add(4 * time.Minute)
	if _, err := s.Get(ctx, busy, key("a")); err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	clock = clock.Add(time.Minute)

	// Both began 5 minutes ago; only busy made a call in the last 3.
	n, err := s.ExpireTransactions(ctx, clock.Add(-3*time.Minute))
	if err != nil || n != 1 {
		t.Fatalf("expected 1 expired transaction, got %d, %v", n, err)
	}
	if _, err := s.Get(ctx, idle, key("a")); status(err) != codes.InvalidArgument {
		t.Errorf("idle transaction should be closed, got %v", err)
	}
	if _, err := s.Get(ctx, busy, key("a")); err != nil {
		t.Errorf("active transaction should stay open, got %v", err)
	}
}

func status(err error) codes.Code {
	return cause.Parse(err).Code
}
