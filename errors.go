package pxidig

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/qstl/pxidig/pxilock"
	"github.com/qstl/pxidig/sd1"
)

// Error kinds. Every error returned by a Session, Configurator or Engine
// matches at most one of them with errors.Is.
var (
	ErrResourceTimeout    = errors.New("resource timeout")
	ErrDeviceUnavailable  = errors.New("device unavailable")
	ErrUnsupportedModel   = errors.New("unsupported model")
	ErrImageLoad          = errors.New("image load error")
	ErrRegisterResolution = errors.New("register resolution error")
	ErrConfiguration      = errors.New("configuration error")
	ErrAcquisitionTimeout = errors.New("acquisition timeout")
	ErrHardwareFault      = errors.New("hardware fault")
)

// ErrUnsupportedMode is returned by PerformArm for any drive mode other than
// the hardware loop. It is a configuration error.
var ErrUnsupportedMode = &ConfigError{Op: "PerformArm", Reason: "only hardware loop is supported"}

// lockError maps a lock timeout to ErrResourceTimeout, keeping the lock's
// message with the resource name and timeout.
func lockError(err error) error {
	if errors.Is(err, pxilock.ErrTimeout) {
		return &ResourceTimeoutError{err: err}
	}
	return err
}

// ResourceTimeoutError reports that another process held the module lock for
// longer than the driver timeout.
type ResourceTimeoutError struct {
	err error
}

func (e *ResourceTimeoutError) Error() string { return e.err.Error() }

// Unwrap returns the underlying *pxilock.TimeoutError.
func (e *ResourceTimeoutError) Unwrap() error { return e.err }

// Is reports whether target is ErrResourceTimeout.
func (e *ResourceTimeoutError) Is(target error) bool { return target == ErrResourceTimeout }

// UnsupportedModelError reports a module whose product name contains none of
// the allowed model identifiers.
type UnsupportedModelError struct {
	Product string
	Allowed []string
}

func (e *UnsupportedModelError) Error() string {
	return fmt.Sprintf("unsupported model %q: allowed models are [%s]", e.Product,
		strings.Join(e.Allowed, ", "))
}

// Is reports whether target is ErrUnsupportedModel.
func (e *UnsupportedModelError) Is(target error) bool { return target == ErrUnsupportedModel }

// ImageLoadError reports a failed FPGA image load.
type ImageLoadError struct {
	Path string
	Text string
	Err  error
}

func (e *ImageLoadError) Error() string {
	return fmt.Sprintf("error loading bitfile %s: %s", e.Path, e.Text)
}

func (e *ImageLoadError) Unwrap() error { return e.Err }

// Is reports whether target is ErrImageLoad.
func (e *ImageLoadError) Is(target error) bool { return target == ErrImageLoad }

// RegisterError reports a sandbox register that could not be resolved.
type RegisterError struct {
	Name string
	Text string
	Err  error
}

func (e *RegisterError) Error() string {
	return fmt.Sprintf("error in opening a register %s: %s", e.Name, e.Text)
}

func (e *RegisterError) Unwrap() error { return e.Err }

// Is reports whether target is ErrRegisterResolution.
func (e *RegisterError) Is(target error) bool { return target == ErrRegisterResolution }

// ConfigError reports an invalid command or acquisition parameter.
type ConfigError struct {
	Op     string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Reason)
}

// Is reports whether target is ErrConfiguration.
func (e *ConfigError) Is(target error) bool { return target == ErrConfiguration }

func configErrorf(op, format string, args ...interface{}) *ConfigError {
	return &ConfigError{Op: op, Reason: fmt.Sprintf(format, args...)}
}

// AcquisitionTimeoutError reports a bulk read that did not complete in time.
type AcquisitionTimeoutError struct {
	Channel int // logical channel
	Timeout time.Duration
	Err     error
}

func (e *AcquisitionTimeoutError) Error() string {
	return fmt.Sprintf("channel %d: no data after %v", e.Channel, e.Timeout)
}

func (e *AcquisitionTimeoutError) Unwrap() error { return e.Err }

// Is reports whether target is ErrAcquisitionTimeout.
func (e *AcquisitionTimeoutError) Is(target error) bool { return target == ErrAcquisitionTimeout }

// HardwareError reports a negative status from any other hardware call.
type HardwareError struct {
	Op  string
	Err error
}

func (e *HardwareError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *HardwareError) Unwrap() error { return e.Err }

// Is reports whether target is ErrHardwareFault.
func (e *HardwareError) Is(target error) bool { return target == ErrHardwareFault }

// hwError wraps a failed hardware call. Lock errors and errors that already
// carry a kind are returned unchanged.
func hwError(op string, err error) error {
	if err == nil {
		return nil
	}
	err = lockError(err)
	for _, kind := range []error{ErrResourceTimeout, ErrDeviceUnavailable, ErrUnsupportedModel,
		ErrImageLoad, ErrRegisterResolution, ErrConfiguration, ErrAcquisitionTimeout, ErrHardwareFault} {
		if errors.Is(err, kind) {
			return err
		}
	}
	return &HardwareError{Op: op, Err: err}
}

// statusText returns the decoded text of a hardware error.
func statusText(err error) string {
	var se *sd1.StatusError
	if errors.As(err, &se) {
		return se.Text
	}
	return err.Error()
}
