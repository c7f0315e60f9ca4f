package ownership

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/mikeyg42/motioncam/internal/command"
)

// DefaultOpenRetryMax caps the wait between attempts to open the device.
const DefaultOpenRetryMax = 10 * time.Second

// AcquireForWorker is Acquire for a worker that may be told to stop while it
// waits. It gives up when inbox delivers command.Shutdown or is closed and
// then reports stopped. Other commands received while waiting are dropped.
func (o *Ownership) AcquireForWorker(ctx context.Context, holder string, inbox <-chan command.Command) (lease *Lease, stopped bool, err error) {
	actx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case cmd, ok := <-inbox:
				if !ok || cmd == command.Shutdown {
					stopped = true
					cancel()
					return
				}
			case <-done:
				return
			}
		}
	}()

	lease, err = o.Acquire(actx, holder)
	close(done)
	wg.Wait()

	if stopped {
		lease.Release()
		return nil, true, nil
	}
	return lease, false, err
}

// OpenBackOff returns an unbounded exponential schedule for reopening the
// device, starting at half a second and capped at limit.
func OpenBackOff(limit time.Duration) backoff.BackOff {
	if limit <= 0 {
		limit = DefaultOpenRetryMax
	}
	ebo := backoff.NewExponentialBackOff()
	ebo.InitialInterval = min(500*time.Millisecond, limit)
	ebo.MaxInterval = limit
	ebo.MaxElapsedTime = 0
	ebo.Reset()
	return ebo
}

// RetryOpen calls open until it succeeds while the lease is held. Between
// attempts it waits for the next interval of b and watches inbox, so a
// Shutdown (or a closed inbox) ends the wait and reports stopped. It gives up
// with the last error when b stops or open returns a backoff.Permanent error,
// and with ErrLeaseRevoked when the controller reclaimed the device.
func (l *Lease) RetryOpen(ctx context.Context, inbox <-chan command.Command, b backoff.BackOff, open func() error, notify backoff.Notify) (stopped bool, err error) {
	b.Reset()
	for {
		err = open()
		if err == nil {
			return false, nil
		}
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return false, perm.Err
		}
		if !l.Held() {
			return false, ErrLeaseRevoked
		}
		next := b.NextBackOff()
		if next == backoff.Stop {
			return false, err
		}
		if notify != nil {
			notify(err, next)
		}

		timer := time.NewTimer(next)
	wait:
		for {
			select {
			case <-ctx.Done():
				timer.Stop()
				return false, ctx.Err()
			case cmd, ok := <-inbox:
				if !ok || cmd == command.Shutdown {
					timer.Stop()
					return true, nil
				}
			case <-timer.C:
				break wait
			}
		}
	}
}
