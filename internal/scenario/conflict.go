// Package scenario reproduces the lookup-conflict case: a read-read
// transaction t1 loses against a writer t2 that commits between t1's two
// lookups. A correct client replays t1 on a fresh transaction; a client that
// resends the aborted lookup in place hits INVALID_ARGUMENT and gives up.
package scenario

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vietddude/txreplay/internal/core/cause"
	"github.com/vietddude/txreplay/internal/core/domain"
	"github.com/vietddude/txreplay/internal/core/txn"
	"golang.org/x/sync/errgroup"
)

// Kind is the entity kind used by the scenario.
const Kind = "Test"

// Outcome summarises one scenario run.
type Outcome struct {
	Namespace string
	// T1 is the reader's run record; T1Err its terminal error, if any.
	T1    *txn.Result
	T1Err error
	// T2 is the writer's run record.
	T2 *txn.Result
	// Reads lists the keys t1 read successfully, per attempt number.
	Reads map[int][]domain.Key
	// Final holds the entities as committed at the end of the run.
	Final []*domain.Entity
}

// Attempts returns the number of attempts t1 made.
func (o *Outcome) Attempts() int {
	return o.T1.AttemptCount()
}

// BugReproduced reports whether t1 gave up on its first attempt instead of
// being replayed, which is the behaviour of a client that retries the
// aborted lookup in place.
func (o *Outcome) BugReproduced() bool {
	return o.T1Err != nil && o.Attempts() == 1
}

// Conflict runs the scenario.
type Conflict struct {
	Exec *txn.Executor
	Log  *slog.Logger
	// Namespace isolates the scenario keys. Empty means a fresh bug-repro-<uuid>.
	Namespace string
	// Snapshot, when set, is used to fill Outcome.Final.
	Snapshot func(ctx context.Context, namespace string) ([]*domain.Entity, error)
}

// signal is a one-shot event.
type signal struct {
	once sync.Once
	ch   chan struct{}
}

func newSignal() *signal { return &signal{ch: make(chan struct{})} }

func (s *signal) fire() { s.once.Do(func() { close(s.ch) }) }

func (s *signal) wait(ctx context.Context) error {
	select {
	case <-s.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TestKey returns the key of test entity i in namespace.
func TestKey(namespace string, i int) domain.Key {
	return domain.Key{Namespace: namespace, Kind: Kind, Name: fmt.Sprintf("test-conflict-%d", i)}
}

// TestEntity builds test entity i.
func TestEntity(namespace string, i int) *domain.Entity {
	return domain.NewEntity(TestKey(namespace, i)).
		Set("i", i).
		Set("ts", time.Now().UTC().Format(time.RFC3339)).
		Set("r", uuid.New().String())
}

// Run seeds two entities, then races t1 (read key1, wait, read key2) against
// t2 (update key1 and key2, commit) so that t2 commits between t1's lookups.
func (c *Conflict) Run(ctx context.Context) (*Outcome, error) {
	log := c.Log
	if log == nil {
		log = slog.Default()
	}
	ns := c.Namespace
	if ns == "" {
		ns = "bug-repro-" + uuid.New().String()
	}
	log.Info("Using namespace", "namespace", ns)

	key1, key2 := TestKey(ns, 1), TestKey(ns, 2)

	// 1. Create both entities
	if _, err := c.Exec.Do(ctx, func(ctx context.Context, tx *txn.Tx) error {
		if err := tx.Put(ctx, TestEntity(ns, 1)); err != nil {
			return err
		}
		return tx.Put(ctx, TestEntity(ns, 2))
	}); err != nil {
		return nil, fmt.Errorf("failed to seed entities: %w", err)
	}

	out := &Outcome{Namespace: ns, Reads: make(map[int][]domain.Key)}
	var readsMu sync.Mutex
	countRead := func(attempt int, k domain.Key) {
		readsMu.Lock()
		out.Reads[attempt] = append(out.Reads[attempt], k)
		readsMu.Unlock()
	}

	entity1Read := newSignal()
	readEntity2 := newSignal()

	g, gctx := errgroup.WithContext(ctx)

	// 2. t1: read-read transaction that will conflict with t2
	g.Go(func() error {
		res, err := c.Exec.Do(gctx, func(ctx context.Context, tx *txn.Tx) error {
			e1, err := tx.Get(ctx, key1)
			if err != nil {
				return err
			}
			if e1 == nil {
				return fmt.Errorf("entity1 missing: %s", key1)
			}
			countRead(tx.Attempt(), key1)
			log.Info("t1: entity1 read", "attempt", tx.Attempt())
			entity1Read.fire()

			if err := readEntity2.wait(ctx); err != nil {
				return err
			}

			if _, err := tx.Get(ctx, key2); err != nil {
				return err
			}
			countRead(tx.Attempt(), key2)
			log.Info("t1: entity2 read", "attempt", tx.Attempt())
			return nil
		})
		out.T1, out.T1Err = res, err
		if f, ok := txn.AsFailure(err); ok {
			rc := cause.Parse(f.Cause)
			log.Info("t1: failure cause", "class", f.Class.String(), "code", rc.Code.String(), "reason", rc.Reason)
		} else if err != nil {
			log.Info("t1: failed", "error", err)
		}
		// t1's failure is the subject of the run, not an error of the run.
		entity1Read.fire()
		return nil
	})

	// 3. t2: wait for t1's first read, then win with a conflicting commit
	g.Go(func() error {
		defer readEntity2.fire()
		if err := entity1Read.wait(gctx); err != nil {
			return err
		}
		if out.T1Err != nil {
			return nil
		}

		res, err := c.Exec.Do(gctx, func(ctx context.Context, tx *txn.Tx) error {
			if err := tx.Update(ctx, domain.NewEntity(key1).Set("t", "t2")); err != nil {
				return err
			}
			log.Info("t2: entity1 updated")
			if err := tx.Update(ctx, domain.NewEntity(key2).Set("t", "t2")); err != nil {
				return err
			}
			log.Info("t2: entity2 updated")
			return nil
		})
		out.T2 = res
		if err != nil {
			return fmt.Errorf("t2 failed: %w", err)
		}
		log.Info("t2: committed")
		return nil
	})

	if err := g.Wait(); err != nil {
		return out, err
	}

	if c.Snapshot != nil {
		final, err := c.Snapshot(ctx, ns)
		if err != nil {
			return out, fmt.Errorf("failed to snapshot entities: %w", err)
		}
		out.Final = final
	}
	return out, nil
}

// ErrBugReproduced is returned by Verify when the in-place retry defect shows.
var ErrBugReproduced = errors.New("t1 was not replayed after losing the conflict")

// Verify checks the expected outcome of a correct client: t1 committed after
// exactly two attempts and both keys were read on the replay.
func (o *Outcome) Verify() error {
	if o.BugReproduced() {
		return fmt.Errorf("%w: %v", ErrBugReproduced, o.T1Err)
	}
	if o.T1Err != nil {
		return fmt.Errorf("t1 failed after %d attempts: %w", o.Attempts(), o.T1Err)
	}
	if o.Attempts() != 2 {
		return fmt.Errorf("t1 expected 2 attempts, got %d", o.Attempts())
	}
	if got := o.Reads[2]; len(got) != 2 {
		return fmt.Errorf("t1 expected to re-read both entities on replay, got %v", got)
	}
	return nil
}
