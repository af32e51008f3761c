package probe

import (
	"context"
	"errors"
	"time"

	"bridgectl/internal/api"
	"bridgectl/pkg/logging"

	"github.com/cenkalti/backoff/v4"
)

const probeSubsystem = "Probe"

// Policy is the exponential backoff used between attempts. Delays start at
// InitialInterval and grow by Multiplier until MaxInterval; no jitter is
// applied so the delays strictly increase until the cap.
type Policy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	AttemptTimeout  time.Duration
}

// DefaultPolicy is used for fields left zero.
var DefaultPolicy = Policy{
	InitialInterval: 250 * time.Millisecond,
	MaxInterval:     4 * time.Second,
	Multiplier:      2.0,
	AttemptTimeout:  5 * time.Second,
}

func (p Policy) withDefaults() Policy {
	if p.InitialInterval <= 0 {
		p.InitialInterval = DefaultPolicy.InitialInterval
	}
	if p.MaxInterval < p.InitialInterval {
		p.MaxInterval = p.InitialInterval
	}
	if p.Multiplier <= 1 {
		p.Multiplier = DefaultPolicy.Multiplier
	}
	if p.AttemptTimeout <= 0 {
		p.AttemptTimeout = DefaultPolicy.AttemptTimeout
	}
	return p
}

// Tester runs bounded-retry health probes.
type Tester struct {
	timer backoff.Timer
}

// NewTester creates a Tester using real timers.
func NewTester() *Tester {
	return &Tester{}
}

// Probe pings target until it answers, at most maxAttempts times. Refused and
// timed out attempts are retried after a growing delay; a protocol mismatch
// ends the probe at once. Running out of attempts yields an unreachable
// result, not an error.
func (t *Tester) Probe(ctx context.Context, target Target, maxAttempts int, policy Policy) api.HealthProbeResult {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	policy = policy.withDefaults()

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = policy.InitialInterval
	expo.MaxInterval = policy.MaxInterval
	expo.Multiplier = policy.Multiplier
	expo.RandomizationFactor = 0
	expo.MaxElapsedTime = 0
	expo.Reset()

	var result api.HealthProbeResult
	operation := func() error {
		result.AttemptCount++
		attemptCtx, cancel := context.WithTimeout(ctx, policy.AttemptTimeout)
		defer cancel()

		_, err := target.Ping(attemptCtx)
		if err == nil {
			return nil
		}
		result.LastError = err

		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		var connErr *api.ConnectionError
		if errors.As(err, &connErr) && connErr.Transient() {
			return err
		}
		logging.Debug(probeSubsystem, "Giving up on %s: %v", target.Address(), err)
		return backoff.Permanent(err)
	}
	notify := func(err error, next time.Duration) {
		result.Delays = append(result.Delays, next)
		logging.Debug(probeSubsystem, "Attempt %d/%d against %s failed (%v), retrying in %s",
			result.AttemptCount, maxAttempts, target.Address(), err, next)
	}

	b := backoff.WithContext(backoff.WithMaxRetries(expo, uint64(maxAttempts-1)), ctx)
	err := backoff.RetryNotifyWithTimer(operation, b, notify, t.timer)

	if err == nil {
		result.Reachable = true
		result.LastError = nil
		logging.Debug(probeSubsystem, "%s reachable after %d attempt(s)", target.Address(), result.AttemptCount)
		return result
	}
	if result.LastError == nil {
		result.LastError = err
	}
	return result
}
