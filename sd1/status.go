package sd1

import (
	"errors"
	"fmt"
)

// Status codes reported by module handles. Every failure is negative.
const (
	StatusOpeningModule      = -8000
	StatusClosingModule      = -8001
	StatusModuleNotOpened    = -8002
	StatusInvalidValue       = -8003
	StatusInvalidChannel     = -8004
	StatusFPGALoad           = -8005
	StatusRegisterNotFound   = -8006
	StatusTimeout            = -8007
	StatusDAQNotConfigured   = -8008
	StatusHardwareFailure    = -8009
	StatusFileDoesNotExist   = -8010
	StatusFunctionNotPresent = -8011
)

var statusText = map[int]string{
	StatusOpeningModule:      "Error opening module",
	StatusClosingModule:      "Error closing module",
	StatusModuleNotOpened:    "Module not opened",
	StatusInvalidValue:       "Invalid value",
	StatusInvalidChannel:     "Invalid channel number",
	StatusFPGALoad:           "Error loading FPGA image",
	StatusRegisterNotFound:   "Sandbox register not found",
	StatusTimeout:            "Time out",
	StatusDAQNotConfigured:   "DAQ not configured",
	StatusHardwareFailure:    "Hardware failure",
	StatusFileDoesNotExist:   "File does not exist",
	StatusFunctionNotPresent: "Function not present in the loaded image",
}

// StatusText returns the text of a status code.
func StatusText(code int) string {
	if txt, ok := statusText[code]; ok {
		return txt
	}
	return fmt.Sprintf("unknown status %d", code)
}

// ErrTimeout is matched by a *StatusError carrying StatusTimeout.
var ErrTimeout = errors.New("sd1: time out")

// StatusError is a negative status returned by the module for one operation.
type StatusError struct {
	Op   string // operation, e.g. "DAQread"
	Code int    // negative status code
	Text string // decoded status text
}

// NewStatusError returns the error for a failed op, with the text of code.
func NewStatusError(op string, code int) *StatusError {
	return &StatusError{Op: op, Code: code, Text: StatusText(code)}
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("sd1: %s failed with status %d: %s", e.Op, e.Code, e.Text)
}

// Is reports whether target is ErrTimeout and e is a timeout.
func (e *StatusError) Is(target error) bool {
	return target == ErrTimeout && e.Code == StatusTimeout
}
