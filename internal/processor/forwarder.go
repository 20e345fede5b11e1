package processor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"activity-relay/internal/downstream"
	"activity-relay/internal/httpx"
	"activity-relay/internal/models"
)

type reputationAPI interface {
	SubmitActivity(ctx context.Context, act models.Activity) error
}

// Forwarder pushes activities to the reputation endpoint with bounded
// exponential backoff behind a circuit breaker. An activity is never
// dropped: transient exhaustion leaves it forwarded=false for the retry
// sweep, a permanent rejection is recorded on the row.
type Forwarder struct {
	log         *slog.Logger
	activities  activityStore
	reputation  reputationAPI
	breaker     *downstream.CircuitBreaker
	retry       httpx.RetryConfig
	maxAttempts int
}

func NewForwarder(log *slog.Logger, activities activityStore, reputation reputationAPI, maxAttempts int) *Forwarder {
	if maxAttempts < 1 {
		maxAttempts = 5
	}
	return &Forwarder{
		log:         log,
		activities:  activities,
		reputation:  reputation,
		breaker:     downstream.NewCircuitBreaker(),
		retry:       httpx.DefaultRetryConfig(),
		maxAttempts: maxAttempts,
	}
}

// Forward attempts delivery with bounded backoff. Returns true when the
// row reached a terminal state (delivered or permanently rejected). Runs
// off the worker path, in the retry sweep.
func (f *Forwarder) Forward(ctx context.Context, act models.Activity) bool {
	return f.deliver(ctx, act, f.maxAttempts)
}

// ForwardOnce makes a single attempt with no backoff. The worker's inline
// path uses it so one failing delivery cannot stall the rest of the
// channel's queue; whatever it leaves unforwarded belongs to the sweep.
func (f *Forwarder) ForwardOnce(ctx context.Context, act models.Activity) bool {
	return f.deliver(ctx, act, 1)
}

func (f *Forwarder) deliver(ctx context.Context, act models.Activity, maxAttempts int) bool {
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if !f.breaker.Allow() {
			f.log.Warn("forward_circuit_open", "activity_id", act.ID)
			return false
		}

		if attempt > 0 {
			wait := httpx.CalculateBackoff(f.retry, attempt-1, 0)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return false
			}
		}

		err := f.reputation.SubmitActivity(ctx, act)
		if err == nil {
			f.breaker.RecordSuccess()
			if markErr := f.activities.MarkForwarded(ctx, act.ID, nil); markErr != nil {
				f.log.Error("mark_forwarded_failed", "activity_id", act.ID, "error", markErr)
				return false
			}
			f.log.Info("activity_forwarded", "activity_id", act.ID, "attempts", attempt+1)
			return true
		}

		var perm *downstream.PermanentError
		if errors.As(err, &perm) {
			// the remote is healthy, it just refuses this payload; record
			// and stop so it is never retried
			f.breaker.RecordSuccess()
			annotation := perm.Error()
			if markErr := f.activities.MarkForwarded(ctx, act.ID, &annotation); markErr != nil {
				f.log.Error("mark_rejected_failed", "activity_id", act.ID, "error", markErr)
				return false
			}
			f.log.Warn("activity_rejected_downstream", "activity_id", act.ID, "status", perm.Status)
			return true
		}

		f.breaker.RecordFailure()
		f.log.Warn("forward_attempt_failed", "activity_id", act.ID, "attempt", attempt+1, "error", err)
	}

	if maxAttempts > 1 {
		f.log.Warn("forward_attempts_exhausted", "activity_id", act.ID, "max_attempts", maxAttempts)
	}
	return false
}
