// Package pxilock provides a cross-process advisory lock on one PXI module.
//
// The digitizer performs no arbitration between clients, so every process that
// talks to a given (chassis, slot) takes an exclusive flock(2) on a lock file
// named after the module before touching the hardware. The lock is distinct
// from any in-process mutex: the unit of contention spans process boundaries.
package pxilock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/cenkalti/backoff"
	"golang.org/x/sys/unix"
)

// ErrTimeout is matched by every *TimeoutError.
var ErrTimeout = errors.New("pxilock: timeout")

// TimeoutError reports that another holder kept the lock past the bound.
type TimeoutError struct {
	Resource string
	Timeout  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("driver timeout waiting %v for another process to release resource %s; "+
		"try increasing the driver timeout", e.Timeout, e.Resource)
}

// Is reports whether target is ErrTimeout.
func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// ResourceName returns the lock name of the module in the given chassis and slot.
func ResourceName(chassis, slot int) string {
	return fmt.Sprintf("pxi_module_%d-%d", chassis, slot)
}

// Guard is a held lock. Release must be called exactly once per successful Acquire;
// extra calls are no-ops.
type Guard struct {
	file *os.File
}

// Release unlocks and closes the lock file.
func (g *Guard) Release() error {
	if g == nil || g.file == nil {
		return nil
	}
	f := g.file
	g.file = nil
	err := unix.Flock(int(f.Fd()), unix.LOCK_UN)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("pxilock: could not release %s: %w", f.Name(), err)
	}
	return nil
}

// Acquire takes the exclusive lock for the module at (chassis, slot), creating
// the lock file in dir if needed. It polls with an exponential backoff until
// timeout has elapsed and then fails with a *TimeoutError.
func Acquire(dir string, chassis, slot int, timeout time.Duration) (*Guard, error) {
	name := ResourceName(chassis, slot)
	fname := filepath.Join(dir, name+".lock")
	f, err := os.OpenFile(fname, os.O_RDWR|os.O_CREATE, 0666)
	if err != nil {
		return nil, fmt.Errorf("pxilock: could not open lock file %q: %w", fname, err)
	}

	var (
		held    bool
		lockErr error
	)
	op := func() error {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		switch {
		case err == nil:
			held = true
			return nil
		case errors.Is(err, syscall.EWOULDBLOCK), errors.Is(err, syscall.EINTR):
			return err
		default:
			// not a contention problem, so stop polling.
			lockErr = err
			return nil
		}
	}

	// The backoff stops once MaxElapsedTime has passed, and we then
	// distinguish "still contended" from a real flock failure.
	// A zero MaxElapsedTime means "forever" to backoff, so a non-positive
	// timeout is a single attempt.
	var b backoff.BackOff = &backoff.StopBackOff{}
	if timeout > 0 {
		b = &backoff.ExponentialBackOff{
			InitialInterval:     time.Millisecond,
			RandomizationFactor: 0.1,
			Multiplier:          2.,
			MaxInterval:         100 * time.Millisecond,
			MaxElapsedTime:      timeout,
			Clock:               backoff.SystemClock,
		}
	}
	_ = backoff.Retry(op, b)

	switch {
	case held:
		return &Guard{file: f}, nil
	case lockErr != nil:
		f.Close()
		return nil, fmt.Errorf("pxilock: could not lock %q: %w", fname, lockErr)
	default:
		f.Close()
		return nil, &TimeoutError{Resource: name, Timeout: timeout}
	}
}

// Locker describes the lock of one module and runs functions while holding it.
type Locker struct {
	Dir     string        // directory holding the lock files
	Chassis int           // PXI chassis number
	Slot    int           // PXI slot number
	Timeout time.Duration // maximum wait for another holder
}

// Name returns the resource name of the locked module.
func (l Locker) Name() string { return ResourceName(l.Chassis, l.Slot) }

// Do runs fn while holding the lock. The lock is released on every exit path,
// including a panic inside fn. A release failure is reported only when fn
// itself succeeded.
func (l Locker) Do(fn func() error) (err error) {
	g, err := Acquire(l.Dir, l.Chassis, l.Slot, l.Timeout)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := g.Release(); rerr != nil && err == nil {
			err = rerr
		}
	}()
	return fn()
}
