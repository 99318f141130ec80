// Package poll waits on remote state with an exponential backoff schedule.
package poll

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Default intervals used when a Config field is zero.
const (
	DefaultInitial = 5 * time.Second
	DefaultMax     = time.Minute
)

var errPending = errors.New("condition pending")

// Config is the polling schedule. The schedule never gives up on its own;
// the caller's context bounds the total wait.
type Config struct {
	Initial time.Duration
	Max     time.Duration
}

func (c Config) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.Initial
	if b.InitialInterval <= 0 {
		b.InitialInterval = DefaultInitial
	}
	b.MaxInterval = c.Max
	if b.MaxInterval <= 0 {
		b.MaxInterval = DefaultMax
	}
	if b.MaxInterval < b.InitialInterval {
		b.MaxInterval = b.InitialInterval
	}
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Until calls check until it reports done or returns an error. The first
// check runs immediately. An error from check stops polling and is returned
// as is; context cancellation returns the context's error.
func Until(ctx context.Context, cfg Config, check func(ctx context.Context) (bool, error)) error {
	op := func() error {
		done, err := check(ctx)
		if err != nil {
			return backoff.Permanent(err)
		}
		if !done {
			return errPending
		}
		return nil
	}
	err := backoff.Retry(op, backoff.WithContext(cfg.backOff(), ctx))
	if errors.Is(err, errPending) {
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
	}
	return err
}
