package shell

import (
	"context"
	"time"

	"github.com/juju/clock"
	"github.com/juju/retry"
	"github.com/rs/zerolog"

	"metaldeployd/internal/metrics"
)

// RetryRunner re-runs failing commands up to a fixed attempt budget with an
// inter-attempt delay. Exit codes listed in okCodes are treated as success so
// idempotent tools (iscsiadm delete's "no such target") do not trip retries.
type RetryRunner struct {
	Base     Runner
	Attempts int
	Delay    time.Duration
	Clock    clock.Clock
	Log      zerolog.Logger
}

func NewRetryRunner(base Runner, attempts int, delay time.Duration, clk clock.Clock, log zerolog.Logger) *RetryRunner {
	if attempts < 1 {
		attempts = 1
	}
	return &RetryRunner{Base: base, Attempts: attempts, Delay: delay, Clock: clk, Log: log}
}

// Run executes the command, retrying transient failures.
func (r *RetryRunner) Run(ctx context.Context, name string, args ...string) (Result, error) {
	return r.RunOK(ctx, nil, name, args...)
}

// RunOK is like Run but accepts extra exit codes considered successful.
func (r *RetryRunner) RunOK(ctx context.Context, okCodes []int, name string, args ...string) (Result, error) {
	delay := r.Delay
	if delay <= 0 {
		// retry.Call rejects a zero delay.
		delay = time.Millisecond
	}
	var res Result
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			var err error
			res, err = r.Base.Run(ctx, name, args...)
			if err != nil && codeAllowed(res.Code, okCodes) {
				return nil
			}
			return err
		},
		Attempts: r.Attempts,
		Delay:    delay,
		Clock:    r.Clock,
		Stop:     ctx.Done(),
		NotifyFunc: func(err error, attempt int) {
			if attempt > 1 {
				metrics.CommandRetriesTotal.Inc()
			}
			r.Log.Warn().Err(err).Str("cmd", name).Int("attempt", attempt).Msg("command failed, retrying")
		},
	})
	if err != nil {
		// Surface the underlying command error, not the retry wrapper.
		return res, retry.LastError(err)
	}
	return res, nil
}

func codeAllowed(code int, okCodes []int) bool {
	for _, c := range okCodes {
		if code == c {
			return true
		}
	}
	return false
}
