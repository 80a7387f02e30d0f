package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy configures a linear retry loop
type Policy struct {
	MaxRetries int           // retries after the first attempt
	BaseDelay  time.Duration // wait before retry n is BaseDelay * n
}

// Linear is a backoff.BackOff that waits BaseDelay x attempt between attempts
type Linear struct {
	Base       time.Duration
	MaxRetries int

	attempt int
}

// NextBackOff implements backoff.BackOff
func (l *Linear) NextBackOff() time.Duration {
	l.attempt++
	if l.attempt > l.MaxRetries {
		return backoff.Stop
	}
	return l.Base * time.Duration(l.attempt)
}

// Reset implements backoff.BackOff
func (l *Linear) Reset() {
	l.attempt = 0
}

// Permanent marks err as non-retryable
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Do runs op until it succeeds, returns a permanent error, exhausts the policy or ctx is done.
// notify is called before every wait and may be nil.
func Do(ctx context.Context, policy Policy, op func() error, notify func(err error, attempt int, wait time.Duration)) error {
	b := &Linear{Base: policy.BaseDelay, MaxRetries: policy.MaxRetries}

	var n backoff.Notify
	if notify != nil {
		n = func(err error, wait time.Duration) {
			notify(err, b.attempt, wait)
		}
	}

	return backoff.RetryNotify(op, backoff.WithContext(b, ctx), n)
}
