// Package cause describes raw failures reported by a remote store.
//
// A raw cause is a gRPC status error: a categorical code, a human readable
// reason and, optionally, an ErrorInfo detail stating whether the service
// considers the failure scoped to the single operation or to the whole
// transaction. Store adapters build causes with New; the classifier reads them
// back with Parse.
package cause

import (
	"context"
	"errors"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	spb "google.golang.org/genproto/googleapis/rpc/status"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/anypb"
)

// Domain is the ErrorInfo domain used for scope hints.
const Domain = "txreplay.store"

const scopeKey = "scope"

// Scope tells which resource a failure applies to.
type Scope int

const (
	ScopeUnknown Scope = iota
	ScopeOperation
	ScopeTransaction
)

func (s Scope) String() string {
	switch s {
	case ScopeOperation:
		return "operation"
	case ScopeTransaction:
		return "transaction"
	default:
		return "unknown"
	}
}

func parseScope(s string) Scope {
	switch s {
	case "operation":
		return ScopeOperation
	case "transaction":
		return ScopeTransaction
	default:
		return ScopeUnknown
	}
}

// Cause is the decoded form of a raw failure.
type Cause struct {
	Code   codes.Code
	Reason string
	Scope  Scope
}

// New builds a raw cause. ScopeUnknown attaches no detail, which is what most
// real services do.
func New(code codes.Code, reason string, scope Scope) error {
	st := &spb.Status{Code: int32(code), Message: reason}
	if scope != ScopeUnknown {
		info, err := anypb.New(&errdetails.ErrorInfo{
			Reason:   code.String(),
			Domain:   Domain,
			Metadata: map[string]string{scopeKey: scope.String()},
		})
		if err == nil {
			st.Details = append(st.Details, info)
		}
	}
	return status.ErrorProto(st)
}

// Parse decodes err into a Cause. Context errors map to Canceled and
// DeadlineExceeded; errors that carry no status decode as codes.Unknown with
// the error text as reason.
func Parse(err error) Cause {
	if err == nil {
		return Cause{Code: codes.OK}
	}
	if errors.Is(err, context.Canceled) {
		return Cause{Code: codes.Canceled, Reason: err.Error()}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Cause{Code: codes.DeadlineExceeded, Reason: err.Error()}
	}

	st, ok := status.FromError(err)
	if !ok {
		return Cause{Code: codes.Unknown, Reason: err.Error()}
	}

	c := Cause{Code: st.Code(), Reason: st.Message()}
	for _, d := range st.Proto().GetDetails() {
		var info errdetails.ErrorInfo
		if !d.MessageIs(&info) {
			continue
		}
		if err := d.UnmarshalTo(&info); err != nil || info.GetDomain() != Domain {
			continue
		}
		c.Scope = parseScope(info.GetMetadata()[scopeKey])
	}
	return c
}

// IsLocalCancel reports whether err comes from the caller's own context rather
// than from a status returned by the service.
func IsLocalCancel(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
