package hookcave

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
)

type waitOptions struct {
	clk          clock.Clock
	ignoreErrors bool
	op           string
}

type WaitOption func(*waitOptions)

// WithWaitClock substitutes the clock used for interval and timeout timers.
func WithWaitClock(c clock.Clock) WaitOption {
	return func(o *waitOptions) { o.clk = c }
}

// StopOnError makes probe errors fatal instead of retried-and-remembered.
func StopOnError() WaitOption {
	return func(o *waitOptions) { o.ignoreErrors = false }
}

// WithWaitName names the wait in timeout errors.
func WithWaitName(op string) WaitOption {
	return func(o *waitOptions) { o.op = op }
}

func makeWaitOptions(op string, opts []WaitOption) waitOptions {
	o := waitOptions{clk: clock.New(), ignoreErrors: true, op: op}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

var errWaitExpired = errors.New("wait expired")

// WaitForValue polls probe until it returns want. Probe errors are swallowed
// by default and the most recent one rides along in the WaitTimeoutError if
// the timeout elapses first. timeout <= 0 means no timeout. Cancelling ctx
// interrupts the sleep itself, not just the next iteration.
func WaitForValue[T comparable](ctx context.Context, probe func() (T, error), want T,
	interval, timeout time.Duration, opts ...WaitOption) (T, error) {
	o := makeWaitOptions("wait for value", opts)
	var zero T

	deadline, stop := waitDeadline(o.clk, timeout)
	defer stop()

	var lastErr error
	for {
		v, err := probe()
		switch {
		case err != nil:
			if !o.ignoreErrors {
				return zero, err
			}
			lastErr = err
		case v == want:
			return v, nil
		}

		if err := waitTick(ctx, o.clk, interval, deadline); err != nil {
			return zero, waitFailure(err, o, timeout, lastErr)
		}
	}
}

// WaitForAnyValue polls probe until it returns any non-zero value.
func WaitForAnyValue[T comparable](ctx context.Context, probe func() (T, error),
	interval, timeout time.Duration, opts ...WaitOption) (T, error) {
	o := makeWaitOptions("wait for any value", opts)
	var zero T

	deadline, stop := waitDeadline(o.clk, timeout)
	defer stop()

	var lastErr error
	for {
		v, err := probe()
		switch {
		case err != nil:
			if !o.ignoreErrors {
				return zero, err
			}
			lastErr = err
		case v != zero:
			return v, nil
		}

		if err := waitTick(ctx, o.clk, interval, deadline); err != nil {
			return zero, waitFailure(err, o, timeout, lastErr)
		}
	}
}

// WaitWhileErrors retries probe until it stops failing. There is no timeout;
// callers bound the overall operation through ctx.
func WaitWhileErrors[T any](ctx context.Context, probe func() (T, error),
	interval time.Duration, opts ...WaitOption) (T, error) {
	o := makeWaitOptions("wait while errors", opts)
	var zero T

	for {
		v, err := probe()
		if err == nil {
			return v, nil
		}
		if err := waitTick(ctx, o.clk, interval, nil); err != nil {
			return zero, err
		}
	}
}

func waitDeadline(clk clock.Clock, timeout time.Duration) (<-chan time.Time, func()) {
	if timeout <= 0 {
		return nil, func() {}
	}
	t := clk.Timer(timeout)
	return t.C, func() { t.Stop() }
}

// waitTick sleeps for interval, waking early on cancellation or deadline
// expiry. No timer is left running on any path.
func waitTick(ctx context.Context, clk clock.Clock, interval time.Duration, deadline <-chan time.Time) error {
	if interval <= 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			return errWaitExpired
		default:
			return nil
		}
	}

	t := clk.Timer(interval)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-deadline:
		return errWaitExpired
	case <-t.C:
		return nil
	}
}

func waitFailure(err error, o waitOptions, timeout time.Duration, lastErr error) error {
	if errors.Is(err, errWaitExpired) {
		return &WaitTimeoutError{Op: o.op, Timeout: timeout, LastErr: lastErr}
	}
	return err
}
