package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/groundworkhq/groundwork/pkg/provider"
)

// PollConfig tunes readiness polling for asynchronously-ready resources.
type PollConfig struct {
	// InitialInterval is the delay before the first readiness poll.
	InitialInterval time.Duration

	// MaxInterval caps the exponential backoff between polls.
	MaxInterval time.Duration

	// Multiplier grows the interval after every poll.
	Multiplier float64

	// DefaultDeadline bounds waiting for nodes that declare no explicit
	// ready timeout.
	DefaultDeadline time.Duration
}

// withDefaults fills unset fields with production defaults.
func (c PollConfig) withDefaults() PollConfig {
	if c.InitialInterval <= 0 {
		c.InitialInterval = 2 * time.Second
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = 30 * time.Second
	}
	if c.Multiplier < 1 {
		c.Multiplier = 2.0
	}
	if c.DefaultDeadline <= 0 {
		c.DefaultDeadline = 10 * time.Minute
	}
	return c
}

// Poller manages pending operations for resources whose create call returns
// before the resource is usable (DNS-validated certificates, propagating DNS
// records). Polls are read-only; exceeding the deadline is a distinct failure
// (READINESS_TIMEOUT) from a provider-reported rejection (READINESS_REJECTED).
type Poller struct {
	cfg PollConfig
}

// NewPoller creates a poller with the given configuration.
func NewPoller(cfg PollConfig) *Poller {
	return &Poller{cfg: cfg.withDefaults()}
}

// Begin opens a pending operation for a node that was accepted but is not yet
// ready. timeout zero selects the configured default deadline.
func (p *Poller) Begin(addr Addr, providerID string, timeout time.Duration) *PendingOperation {
	if timeout <= 0 {
		timeout = p.cfg.DefaultDeadline
	}
	return &PendingOperation{
		Addr:       addr,
		ProviderID: providerID,
		Deadline:   time.Now().Add(timeout),
		Interval:   p.cfg.InitialInterval,
	}
}

// NextInterval returns the current backoff interval and advances the
// schedule, capped at the configured ceiling.
func (p *Poller) NextInterval(op *PendingOperation) time.Duration {
	interval := op.Interval
	next := time.Duration(float64(op.Interval) * p.cfg.Multiplier)
	if next > p.cfg.MaxInterval {
		next = p.cfg.MaxInterval
	}
	op.Interval = next
	return interval
}

// Check issues one readiness poll. It returns (true, nil) when the resource
// is ready, (false, nil) when it should be polled again later, and a
// classified error when the operation is terminally failed.
func (p *Poller) Check(ctx context.Context, pr provider.Provider, op *PendingOperation) (bool, *EngineError) {
	if time.Now().After(op.Deadline) {
		return false, NewPermanentError(
			fmt.Sprintf("resource not ready after %d polls", op.Attempts),
			nil,
		).WithCode(ErrCodeReadinessTimeout).WithNode(op.Addr.String()).WithOperation("poll")
	}

	op.Attempts++
	ready, err := pr.IsReady(ctx, provider.ReadyRequest{
		Type:       op.Addr.Type,
		Name:       op.Addr.Name,
		ProviderID: op.ProviderID,
	})
	if err != nil {
		// Transient poll failures are tolerated until the deadline; anything
		// else is a provider-reported readiness rejection.
		if IsRetryable(err) {
			return false, nil
		}
		return false, NewPermanentError("provider rejected readiness", err).
			WithCode(ErrCodeReadinessRejected).WithNode(op.Addr.String()).WithOperation("poll")
	}

	return ready, nil
}

// WaitReady polls a single operation to completion, sleeping the backoff
// interval between checks. The reconciler schedules polls through its
// coordinator instead (workers are not parked on timers); this blocking form
// is for direct library use.
func (p *Poller) WaitReady(ctx context.Context, pr provider.Provider, op *PendingOperation) error {
	for {
		ready, engErr := p.Check(ctx, pr, op)
		if engErr != nil {
			return engErr
		}
		if ready {
			return nil
		}

		select {
		case <-time.After(p.NextInterval(op)):
		case <-ctx.Done():
			return NewPermanentError("readiness wait cancelled", ctx.Err()).
				WithCode(ErrCodeCancelled).WithNode(op.Addr.String())
		}
	}
}
