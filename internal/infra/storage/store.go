package storage

import (
	"context"

	"github.com/vietddude/txreplay/internal/core/domain"
)

// TxID is the opaque id the store assigns to a transaction on Begin.
type TxID string

// Client is the remote store contract consumed by the transaction executor.
// Every error returned is a raw cause (see package cause); backends translate
// their native errors before returning.
type Client interface {
	// Begin opens a server-side transaction.
	Begin(ctx context.Context) (TxID, error)

	// Get reads an entity. It returns (nil, nil) when the key does not exist.
	Get(ctx context.Context, id TxID, key domain.Key) (*domain.Entity, error)

	// Put creates or replaces an entity at commit time.
	Put(ctx context.Context, id TxID, entity *domain.Entity) error

	// Update replaces an existing entity at commit time.
	Update(ctx context.Context, id TxID, entity *domain.Entity) error

	// Delete removes an entity at commit time.
	Delete(ctx context.Context, id TxID, key domain.Key) error

	// Commit validates the transaction's reads and applies its writes.
	Commit(ctx context.Context, id TxID) error

	// Rollback releases the transaction. Callers treat it as best-effort.
	Rollback(ctx context.Context, id TxID) error
}

// Notifier is implemented by stores that push transaction invalidation to
// clients, e.g. when a conflicting commit wins.
type Notifier interface {
	// Subscribe registers fn to be called at most once when id is
	// invalidated by the service. The returned func cancels the subscription.
	Subscribe(id TxID, fn func()) (cancel func())
}

// Inspector lists committed entities outside any transaction.
type Inspector interface {
	Snapshot(ctx context.Context, namespace string) ([]*domain.Entity, error)
}

// Pinger reports backend reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}
