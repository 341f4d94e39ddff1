package broker

import (
	"context"
	"time"
)

// RetryConfig bounds one retry-with-backoff call (spec §4.4 "Broker
// transient error: retry with exponential backoff", §7 "Transport
// transient... retry with bounded backoff").
type RetryConfig struct {
	Deadline    time.Duration
	InitialWait time.Duration
	MaxWait     time.Duration
}

// DefaultRetryConfig builds a RetryConfig bounded by deadline with a
// conservative starting backoff.
func DefaultRetryConfig(deadline time.Duration) RetryConfig {
	return RetryConfig{Deadline: deadline, InitialWait: 50 * time.Millisecond, MaxWait: 2 * time.Second}
}

// Retry calls fn, doubling the wait between attempts, until fn succeeds,
// ctx is canceled, or cfg.Deadline elapses, whichever comes first. No
// retry/backoff library is actually exercised anywhere in the reference
// corpus (github.com/cenkalti/backoff/v5 appears only as an indirect,
// never-imported transitive dependency of an unrelated SDK in one example
// repo's go.sum), so this is a deliberate minimal stdlib loop rather than
// wiring a dependency nothing in the corpus shows a usage pattern for.
func Retry(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error) error {
	callCtx, cancel := context.WithTimeout(ctx, cfg.Deadline)
	defer cancel()

	wait := cfg.InitialWait
	var err error
	for {
		err = fn(callCtx)
		if err == nil {
			return nil
		}
		if callCtx.Err() != nil {
			return err
		}

		select {
		case <-callCtx.Done():
			return err
		case <-time.After(wait):
		}

		wait *= 2
		if wait > cfg.MaxWait {
			wait = cfg.MaxWait
		}
	}
}
