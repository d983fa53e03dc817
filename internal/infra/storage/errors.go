package storage

import (
	"fmt"

	"github.com/vietddude/txreplay/internal/core/cause"
	"github.com/vietddude/txreplay/internal/core/domain"
	"google.golang.org/grpc/codes"
)

// Reasons shared by all backends. They mirror the wording of managed
// document stores so that detectors written against those services work
// unchanged here.
const (
	ReasonTxClosed   = "The referenced transaction has expired or is no longer valid."
	ReasonContention = "too much contention on these entities. please try again."
)

// TxClosed is returned when an operation references a transaction the
// service no longer holds. It carries no scope hint on purpose: it is the
// secondary error a client sees after resending on a dead transaction.
func TxClosed(id TxID) error {
	return cause.New(codes.InvalidArgument, fmt.Sprintf("%s transaction: %s", ReasonTxClosed, id), cause.ScopeUnknown)
}

// Contention is returned when the transaction lost a conflict. When hint is
// false the cause looks like any transient abort.
func Contention(hint bool) error {
	scope := cause.ScopeUnknown
	if hint {
		scope = cause.ScopeTransaction
	}
	return cause.New(codes.Aborted, ReasonContention, scope)
}

// NoEntity is returned by Update when the key does not exist.
func NoEntity(key domain.Key) error {
	return cause.New(codes.NotFound, "no entity to update: "+key.String(), cause.ScopeOperation)
}

// Unavailable wraps a transport failure as a transient, operation-scoped cause.
func Unavailable(err error) error {
	return cause.New(codes.Unavailable, err.Error(), cause.ScopeOperation)
}

// InvalidArgument reports a malformed request.
func InvalidArgument(reason string) error {
	return cause.New(codes.InvalidArgument, reason, cause.ScopeOperation)
}
