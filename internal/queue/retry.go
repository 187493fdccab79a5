package queue

import "time"

// Default retry settings.
const (
	DefaultMaxRetries = 5
	DefaultRetryDelay = 30 * time.Second
)

// RetryPolicy decides when a failed operation may run again and when it has
// used up its budget. Priority never exempts an operation from the ceiling.
type RetryPolicy struct {
	MaxRetries int
	Delay      time.Duration
}

// DefaultRetryPolicy returns five attempts with a 30s linear step.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: DefaultMaxRetries, Delay: DefaultRetryDelay}
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxRetries <= 0 {
		p.MaxRetries = DefaultMaxRetries
	}
	if p.Delay <= 0 {
		p.Delay = DefaultRetryDelay
	}
	return p
}

// Exhausted reports whether an operation that has failed retryCount times
// must be dead-lettered.
func (p RetryPolicy) Exhausted(retryCount int) bool {
	return retryCount >= p.normalized().MaxRetries
}

// NextAttempt returns the earliest time an operation that has failed
// retryCount times may be retried. The delay scales linearly.
func (p RetryPolicy) NextAttempt(now time.Time, retryCount int) time.Time {
	if retryCount < 1 {
		retryCount = 1
	}
	return now.Add(p.normalized().Delay * time.Duration(retryCount))
}
