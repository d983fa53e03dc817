// Package memory is an in-process optimistic store with the conflict
// behaviour of a managed document store. It backs unit tests and the
// default repro run.
//
// When a commit wins, every other open transaction that read or wrote one of
// the committed keys is doomed. The next call on a doomed transaction fails
// with ABORTED and the service forgets the transaction; calls after that fail
// with INVALID_ARGUMENT because the referenced transaction no longer exists.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vietddude/txreplay/internal/core/domain"
	"github.com/vietddude/txreplay/internal/infra/storage"
)

type txState int

const (
	txOpen txState = iota
	txDoomed
	txClosed
	txCommitted
	txRolledBack
)

type record struct {
	entity  *domain.Entity
	version uint64
}

type mutation struct {
	kind   domain.OpKind
	entity *domain.Entity
}

type memTx struct {
	state   txState
	active  time.Time
	reads   map[domain.Key]uint64
	writes  map[domain.Key]mutation
	order   []domain.Key
}

func (t *memTx) touches(key domain.Key) bool {
	if _, ok := t.reads[key]; ok {
		return true
	}
	_, ok := t.writes[key]
	return ok
}

// Fault is consulted before every call. A non-nil error is returned to the
// caller instead of executing the call.
type Fault func(op domain.OpKind, id storage.TxID, key domain.Key) error

// Option configures a Store.
type Option func(*Store)

// WithScopeHints attaches a transaction scope hint to contention aborts.
func WithScopeHints() Option {
	return func(s *Store) { s.scopeHints = true }
}

// WithInvalidationPush makes the store notify subscribers as soon as a
// transaction is doomed, instead of letting them find out on the next call.
func WithInvalidationPush() Option {
	return func(s *Store) { s.push = true }
}

// Store is the in-memory remote store.
type Store struct {
	mu         sync.Mutex
	entities   map[domain.Key]record
	txs        map[storage.TxID]*memTx
	seq        uint64
	calls      map[domain.OpKind]int
	faults     []Fault
	subs       map[storage.TxID]map[int]func()
	subSeq     int
	scopeHints bool
	push       bool
	now        func() time.Time
}

// NewStore creates an empty store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		entities: make(map[domain.Key]record),
		txs:      make(map[storage.TxID]*memTx),
		calls:    make(map[domain.OpKind]int),
		subs:     make(map[storage.TxID]map[int]func()),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Inject adds a fault.
func (s *Store) Inject(f Fault) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = append(s.faults, f)
}

// FailNext makes the next n calls of kind op fail with err.
func (s *Store) FailNext(op domain.OpKind, n int, err error) {
	var mu sync.Mutex
	s.Inject(func(kind domain.OpKind, _ storage.TxID, _ domain.Key) error {
		if kind != op {
			return nil
		}
		mu.Lock()
		defer mu.Unlock()
		if n <= 0 {
			return nil
		}
		n--
		return err
	})
}

// Calls returns how many calls of kind op reached the store.
func (s *Store) Calls(op domain.OpKind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// TotalCalls returns the number of calls of any kind.
func (s *Store) TotalCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, n := range s.calls {
		total += n
	}
	return total
}

// enter counts a call and runs faults. Must hold s.mu.
func (s *Store) enter(ctx context.Context, op domain.OpKind, id storage.TxID, key domain.Key) error {
	s.calls[op]++
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, f := range s.faults {
		if err := f(op, id, key); err != nil {
			return err
		}
	}
	return nil
}

// live returns the open transaction id or the error the service reports for
// it. A doomed transaction is closed by this call. Must hold s.mu.
func (s *Store) live(id storage.TxID) (*memTx, error) {
	t, ok := s.txs[id]
	if !ok {
		return nil, storage.TxClosed(id)
	}
	switch t.state {
	case txOpen:
		t.active = s.now()
		return t, nil
	case txDoomed:
		t.state = txClosed
		return nil, storage.Contention(s.scopeHints)
	default:
		return nil, storage.TxClosed(id)
	}
}

func (s *Store) Begin(ctx context.Context) (storage.TxID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, domain.OpBegin, "", domain.Key{}); err != nil {
		return "", err
	}
	id := storage.TxID(uuid.New().String())
	s.txs[id] = &memTx{
		active:  s.now(),
		reads:   make(map[domain.Key]uint64),
		writes:  make(map[domain.Key]mutation),
	}
	return id, nil
}

func (s *Store) Get(ctx context.Context, id storage.TxID, key domain.Key) (*domain.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, domain.OpGet, id, key); err != nil {
		return nil, err
	}
	t, err := s.live(id)
	if err != nil {
		return nil, err
	}

	rec, ok := s.entities[key]
	if _, seen := t.reads[key]; !seen {
		t.reads[key] = rec.version
	}
	if !ok {
		return nil, nil
	}
	return rec.entity.Clone(), nil
}

func (s *Store) Put(ctx context.Context, id storage.TxID, e *domain.Entity) error {
	return s.write(ctx, domain.OpPut, id, e.Key, e)
}

func (s *Store) Update(ctx context.Context, id storage.TxID, e *domain.Entity) error {
	return s.write(ctx, domain.OpUpdate, id, e.Key, e)
}

func (s *Store) Delete(ctx context.Context, id storage.TxID, key domain.Key) error {
	return s.write(ctx, domain.OpDelete, id, key, nil)
}

func (s *Store) write(ctx context.Context, op domain.OpKind, id storage.TxID, key domain.Key, e *domain.Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, op, id, key); err != nil {
		return err
	}
	if key.Kind == "" || key.Name == "" {
		return storage.InvalidArgument("incomplete key: " + key.String())
	}
	t, err := s.live(id)
	if err != nil {
		return err
	}

	if op == domain.OpUpdate {
		_, exists := s.entities[key]
		if m, ok := t.writes[key]; ok {
			exists = m.kind != domain.OpDelete
		}
		if !exists {
			return storage.NoEntity(key)
		}
	}

	if _, ok := t.writes[key]; !ok {
		t.order = append(t.order, key)
	}
	t.writes[key] = mutation{kind: op, entity: e.Clone()}
	return nil
}

func (s *Store) Commit(ctx context.Context, id storage.TxID) error {
	var notify []func()
	err := func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if err := s.enter(ctx, domain.OpCommit, id, domain.Key{}); err != nil {
			return err
		}
		t, err := s.live(id)
		if err != nil {
			return err
		}

		for key, v := range t.reads {
			if s.entities[key].version != v {
				t.state = txClosed
				return storage.Contention(s.scopeHints)
			}
		}

		for _, key := range t.order {
			m := t.writes[key]
			if m.kind == domain.OpDelete {
				delete(s.entities, key)
				continue
			}
			s.seq++
			s.entities[key] = record{entity: m.entity, version: s.seq}
		}
		t.state = txCommitted

		for otherID, other := range s.txs {
			if otherID == id || other.state != txOpen {
				continue
			}
			for _, key := range t.order {
				if other.touches(key) {
					other.state = txDoomed
					if s.push {
						for _, fn := range s.subs[otherID] {
							notify = append(notify, fn)
						}
					}
					break
				}
			}
		}
		return nil
	}()

	for _, fn := range notify {
		fn()
	}
	return err
}

func (s *Store) Rollback(ctx context.Context, id storage.TxID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, domain.OpRollback, id, domain.Key{}); err != nil {
		return err
	}
	t, ok := s.txs[id]
	if !ok || (t.state != txOpen && t.state != txDoomed) {
		return storage.TxClosed(id)
	}
	t.state = txRolledBack
	t.active = s.now()
	return nil
}

// ExpireTransactions closes open transactions with no call since cutoff.
func (s *Store) ExpireTransactions(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, t := range s.txs {
		if (t.state == txOpen || t.state == txDoomed) && t.active.Before(cutoff) {
			t.state = txClosed
			n++
		}
	}
	return n, nil
}

// PruneTransactions forgets finished transactions last used before cutoff.
func (s *Store) PruneTransactions(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, t := range s.txs {
		if t.state != txOpen && t.state != txDoomed && t.active.Before(cutoff) {
			delete(s.txs, id)
			n++
		}
	}
	return n, nil
}

// Subscribe implements storage.Notifier. Callbacks only fire when the store
// was created WithInvalidationPush.
func (s *Store) Subscribe(id storage.TxID, fn func()) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subSeq++
	n := s.subSeq
	if s.subs[id] == nil {
		s.subs[id] = make(map[int]func())
	}
	var once sync.Once
	s.subs[id][n] = func() { once.Do(fn) }

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs[id], n)
		if len(s.subs[id]) == 0 {
			delete(s.subs, id)
		}
	}
}

// Snapshot implements storage.Inspector.
func (s *Store) Snapshot(ctx context.Context, namespace string) ([]*domain.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Entity
	for key, rec := range s.entities {
		if key.Namespace == namespace {
			out = append(out, rec.entity.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out, nil
}

// Ping implements storage.Pinger.
func (s *Store) Ping(ctx context.Context) error {
	return ctx.Err()
}
