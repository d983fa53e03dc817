package metrics

import (
	"github.com/vietddude/txreplay/internal/core/domain"
	"github.com/vietddude/txreplay/internal/core/txn"
)

// Observer exports executor events as Prometheus metrics.
type Observer struct {
	Backend string
}

// NewObserver creates an observer labelled with backend.
func NewObserver(backend string) *Observer {
	return &Observer{Backend: backend}
}

func (o *Observer) AttemptFinished(a txn.Attempt) {
	AttemptsTotal.WithLabelValues(o.Backend, attemptOutcome(a)).Inc()
	AttemptLatency.WithLabelValues(o.Backend).Observe(a.Elapsed.Seconds())
}

func (o *Observer) OperationRetried(op domain.OpKind, _ *txn.Failure) {
	OperationRetriesTotal.WithLabelValues(o.Backend, string(op)).Inc()
}

func (o *Observer) RunFinished(r *txn.Result, err error) {
	outcome := "committed"
	if err != nil {
		outcome = "body_error"
		if f, ok := txn.AsFailure(err); ok {
			outcome = f.Class.String()
		}
	}
	RunsTotal.WithLabelValues(o.Backend, outcome).Inc()
	RunAttempts.WithLabelValues(o.Backend).Observe(float64(r.AttemptCount()))
	for _, a := range r.Attempts {
		if a.Backoff > 0 {
			BackoffSeconds.WithLabelValues(o.Backend).Observe(a.Backoff.Seconds())
		}
	}
}

func attemptOutcome(a txn.Attempt) string {
	switch {
	case a.Committed:
		return "committed"
	case a.Failure != nil:
		return a.Failure.Class.String()
	default:
		return "body_error"
	}
}
