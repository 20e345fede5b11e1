package processor

import (
	"context"
	"time"
)

// StartForwardRetrySweep periodically re-attempts activities left
// unforwarded by transient downstream failures.
func (p *Processor) StartForwardRetrySweep(every time.Duration, stop <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(every)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), every)
				p.ForwardRetryOnce(ctx)
				cancel()
			case <-stop:
				return
			}
		}
	}()
}

func (p *Processor) ForwardRetryOnce(ctx context.Context) {
	if p.forwarder == nil {
		return
	}

	acts, err := p.activities.ListUnforwarded(ctx, 200)
	if err != nil {
		p.log.Warn("forward_sweep_query_failed", "error", err)
		return
	}

	delivered := 0
	for _, act := range acts {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if p.forwarder.Forward(ctx, act) {
			delivered++
		}
	}

	if len(acts) > 0 {
		p.log.Info("forward_sweep_completed", "pending", len(acts), "delivered", delivered)
	}
}

// StartRecoverySweep re-dispatches events that were persisted but never
// translated, e.g. after a crash between acknowledgment and processing or
// a dropped dispatch on a full queue.
func (p *Processor) StartRecoverySweep(every time.Duration, stop <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(every)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), every)
				p.RecoverOnce(ctx)
				cancel()
			case <-stop:
				return
			}
		}
	}()
}

func (p *Processor) RecoverOnce(ctx context.Context) {
	events, err := p.events.ListUnprocessed(ctx, 500)
	if err != nil {
		p.log.Warn("recovery_sweep_query_failed", "error", err)
		return
	}

	dispatched := 0
	for _, ev := range events {
		if p.Dispatch(ev) {
			dispatched++
		}
	}

	if len(events) > 0 {
		p.log.Info("recovery_sweep_completed", "pending", len(events), "dispatched", dispatched)
	}
}
