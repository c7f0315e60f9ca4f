// Package ownership guards exclusive access to the capture device.
//
// Exactly one token exists per device. A worker takes it with Acquire and
// gives it back with Lease.Release. The controller can reclaim it with
// ForceRelease when a worker stops responding; the revoked lease then reports
// Held() == false and its Release becomes a no-op.
package ownership

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrLeaseRevoked is returned by workers that notice their lease was
// reclaimed.
var ErrLeaseRevoked = errors.New("camera lease revoked")

// Observer is notified of every ownership transition while the internal lock
// is held, so callbacks see transitions in order.
type Observer interface {
	OnAcquire(holder string)
	OnRelease(holder string, forced bool)
}

type Ownership struct {
	device string
	slot   chan struct{}
	logger *zap.Logger

	mu       sync.Mutex
	current  *Lease
	gen      uint64
	observer Observer
}

// Lease is proof of ownership for one holder.
type Lease struct {
	owner      *Ownership
	gen        uint64
	holder     string
	acquiredAt time.Time
}

// New creates the token for device, initially free.
func New(device string, logger *zap.Logger) *Ownership {
	if logger == nil {
		logger = zap.L()
	}
	o := &Ownership{
		device: device,
		slot:   make(chan struct{}, 1),
		logger: logger.Named("ownership"),
	}
	o.slot <- struct{}{}
	return o
}

// SetObserver installs an observer. Pass nil to remove it.
func (o *Ownership) SetObserver(obs Observer) {
	o.mu.Lock()
	o.observer = obs
	o.mu.Unlock()
}

func (o *Ownership) Device() string { return o.device }

// Acquire blocks until the token is free or ctx is done.
func (o *Ownership) Acquire(ctx context.Context, holder string) (*Lease, error) {
	select {
	case <-o.slot:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.gen++
	l := &Lease{owner: o, gen: o.gen, holder: holder, acquiredAt: time.Now()}
	o.current = l
	if o.observer != nil {
		o.observer.OnAcquire(holder)
	}
	o.logger.Debug("camera acquired", zap.String("device", o.device), zap.String("holder", holder))
	return l, nil
}

// TryAcquire takes the token only if it is free right now.
func (o *Ownership) TryAcquire(holder string) (*Lease, bool) {
	select {
	case <-o.slot:
	default:
		return nil, false
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.gen++
	l := &Lease{owner: o, gen: o.gen, holder: holder, acquiredAt: time.Now()}
	o.current = l
	if o.observer != nil {
		o.observer.OnAcquire(holder)
	}
	return l, true
}

// Holder returns the current holder name, or "" when the token is free.
func (o *Ownership) Holder() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.current == nil {
		return ""
	}
	return o.current.holder
}

// ForceRelease revokes the current lease, if any, and frees the token.
func (o *Ownership) ForceRelease() (string, bool) {
	o.mu.Lock()
	l := o.current
	if l == nil {
		o.mu.Unlock()
		return "", false
	}
	o.current = nil
	if o.observer != nil {
		o.observer.OnRelease(l.holder, true)
	}
	o.mu.Unlock()

	o.slot <- struct{}{}
	o.logger.Warn("camera forcibly released",
		zap.String("device", o.device),
		zap.String("holder", l.holder),
		zap.Duration("held_for", time.Since(l.acquiredAt)))
	return l.holder, true
}

// Release gives the token back. It reports whether this call released it;
// repeated calls and calls on a revoked lease return false.
func (l *Lease) Release() bool {
	if l == nil {
		return false
	}
	o := l.owner
	o.mu.Lock()
	if o.current != l {
		o.mu.Unlock()
		return false
	}
	o.current = nil
	if o.observer != nil {
		o.observer.OnRelease(l.holder, false)
	}
	o.mu.Unlock()

	o.slot <- struct{}{}
	o.logger.Debug("camera released", zap.String("device", o.device), zap.String("holder", l.holder))
	return true
}

// Held reports whether the lease is still the valid one.
func (l *Lease) Held() bool {
	if l == nil {
		return false
	}
	l.owner.mu.Lock()
	defer l.owner.mu.Unlock()
	return l.owner.current == l
}

func (l *Lease) Holder() string { return l.holder }

// Generation increases with every acquisition of the device.
func (l *Lease) Generation() uint64 { return l.gen }
