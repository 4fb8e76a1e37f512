// Package retry runs an operation a bounded number of times, choosing the
// wait between attempts from the error's class.
package retry

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/petervdpas/callsync/internal/callerr"
)

// Rule is the policy for one error class.
type Rule struct {
	Retry bool
	// Factor scales the computed backoff for this class. Zero means 1.
	Factor float64
	// AwaitNetwork waits on Policy.AwaitNetwork instead of sleeping.
	AwaitNetwork bool
	// Message is what the user is told while the retry is pending.
	Message string
}

// DefaultRules is the error-class table used when a Policy has none.
var DefaultRules = map[callerr.Kind]Rule{
	callerr.Timeout:            {Retry: true, Factor: 1, Message: "Connection timed out, retrying"},
	callerr.TransportError:     {Retry: true, Factor: 0.5, Message: "Connection dropped, retrying"},
	callerr.NetworkUnavailable: {Retry: true, AwaitNetwork: true, Message: "Waiting for network"},
	callerr.Unknown:            {Retry: true, Factor: 1, Message: "Connection problem, retrying"},
	callerr.PermissionDenied:   {Retry: false},
	callerr.Unauthenticated:    {Retry: false},
	callerr.NegotiationFailed:  {Retry: false},
}

// Sleeper waits d or until ctx ends.
type Sleeper func(ctx context.Context, d time.Duration) error

// Sleep is the real-time Sleeper.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type Policy struct {
	MaxAttempts int
	Initial     time.Duration
	Multiplier  float64
	Max         time.Duration

	Rules map[callerr.Kind]Rule
	Sleep Sleeper
	// AwaitNetwork blocks until connectivity returns. Used by rules with
	// AwaitNetwork set; when nil those rules fall back to sleeping.
	AwaitNetwork func(ctx context.Context) error
}

// Attempt describes a failed try that is about to be retried.
type Attempt struct {
	Number  int
	Err     error
	Delay   time.Duration
	Message string
}

func (p Policy) rule(err error) Rule {
	rules := p.Rules
	if rules == nil {
		rules = DefaultRules
	}
	if r, ok := rules[callerr.KindOf(err)]; ok {
		return r
	}
	return Rule{}
}

// Backoff returns the base delay after the given failed attempt (1-based):
// Initial * Multiplier^(attempt-1), capped at Max.
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := time.Duration(float64(p.Initial) * math.Pow(mult, float64(attempt-1)))
	if p.Max > 0 && d > p.Max {
		d = p.Max
	}
	return d
}

func (p Policy) delay(attempt int, r Rule) time.Duration {
	d := p.Backoff(attempt)
	if r.Factor > 0 {
		d = time.Duration(float64(d) * r.Factor)
	}
	if p.Max > 0 && d > p.Max {
		d = p.Max
	}
	return d
}

// Do calls fn until it succeeds, returns a non-retryable error, or the
// attempt budget is spent. Non-retryable errors are returned unchanged;
// exhaustion returns a NegotiationFailed *callerr.Error carrying the
// attempt count and the last cause. onRetry may be nil.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) error, onRetry func(Attempt)) error {
	max := p.MaxAttempts
	if max < 1 {
		max = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = Sleep
	}

	var last error
	for attempt := 1; attempt <= max; attempt++ {
		if err := ctx.Err(); err != nil {
			return cancelled(err, attempt-1, last)
		}
		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}
		last = err

		r := p.rule(err)
		if !r.Retry {
			return err
		}
		if attempt == max {
			break
		}

		d := p.delay(attempt, r)
		if onRetry != nil {
			onRetry(Attempt{Number: attempt, Err: err, Delay: d, Message: r.Message})
		}
		if r.AwaitNetwork && p.AwaitNetwork != nil {
			if werr := p.AwaitNetwork(ctx); werr != nil {
				return &callerr.Error{Kind: callerr.NetworkUnavailable, Op: "retry", Attempts: attempt, Err: werr}
			}
			continue
		}
		if serr := sleep(ctx, d); serr != nil {
			return cancelled(serr, attempt, last)
		}
	}
	return &callerr.Error{Kind: callerr.NegotiationFailed, Op: "retry", Attempts: max, Err: last}
}

func cancelled(err error, attempts int, last error) error {
	if last != nil {
		err = errors.Join(err, last)
	}
	return &callerr.Error{Kind: callerr.Timeout, Op: "retry", Msg: "cancelled", Attempts: attempts, Err: err}
}
