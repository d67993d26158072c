// Package sd1 describes the module handle of a PXI digitizer driven through the
// SD1 programming interface: identity and version queries, FPGA sandbox images
// and registers, per-channel input and trigger setup, and the DAQ engine that
// captures triggered segments into the module memory.
//
// Backends register themselves by name, the way database/sql drivers do, and
// are obtained with New. The NoHardware backend ("sim") emulates a module and
// requires no hardware.
package sd1

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Impedance is the input impedance of an analog channel.
type Impedance int

// Input impedances.
const (
	HighZ Impedance = iota // high impedance
	Ohm50                  // 50 ohm
)

func (i Impedance) String() string {
	switch i {
	case HighZ:
		return "High"
	case Ohm50:
		return "50 Ohm"
	}
	return fmt.Sprintf("Impedance(%d)", int(i))
}

// Coupling is the input coupling of an analog channel.
type Coupling int

// Input couplings.
const (
	DC Coupling = iota
	AC
)

func (c Coupling) String() string {
	switch c {
	case DC:
		return "DC"
	case AC:
		return "AC"
	}
	return fmt.Sprintf("Coupling(%d)", int(c))
}

// TriggerMode selects what starts the capture of one DAQ segment.
type TriggerMode int

// DAQ trigger modes.
const (
	AutoTrigger     TriggerMode = iota // immediate
	SoftwareTrigger                    // software or HVI
	DigitalTrigger                     // external digital line
	AnalogTrigger                      // analog channel level
)

func (m TriggerMode) String() string {
	switch m {
	case AutoTrigger:
		return "Immediate"
	case SoftwareTrigger:
		return "Software/HVI"
	case DigitalTrigger:
		return "Digital trigger"
	case AnalogTrigger:
		return "Analog channel"
	}
	return fmt.Sprintf("TriggerMode(%d)", int(m))
}

// AnalogTriggerMode is the comparison made on an analog trigger channel.
type AnalogTriggerMode int

// Analog trigger comparisons.
const (
	RisingEdge  AnalogTriggerMode = 1
	FallingEdge AnalogTriggerMode = 2
	BothEdges   AnalogTriggerMode = 3
)

// ExternalSource is a digital trigger input.
type ExternalSource int

// External trigger sources. The PXI backplane lines are PXITrigger+n, n in [0,7].
const (
	ExternalTrigger ExternalSource = 0
	PXITrigger      ExternalSource = 4000
)

// TriggerBehavior is the condition on a digital trigger line.
type TriggerBehavior int

// Digital trigger behaviors.
const (
	TriggerHigh TriggerBehavior = 1
	TriggerLow  TriggerBehavior = 2
	TriggerRise TriggerBehavior = 3
	TriggerFall TriggerBehavior = 4
)

// SyncMode selects whether digital triggers are synchronized to the 10 MHz clock.
type SyncMode int

// Trigger synchronization modes.
const (
	SyncNone  SyncMode = 0
	SyncCLK10 SyncMode = 1
)

// TriggerDirection is the direction of the front-panel trigger connector.
type TriggerDirection int

// Trigger connector directions.
const (
	TriggerOut TriggerDirection = 0
	TriggerIn  TriggerDirection = 1
)

// Register is a 32-bit host register of the FPGA sandbox.
type Register interface {
	Name() string
	WriteInt32(v int32) error
	ReadInt32() (int32, error)
}

// Digitizer is the handle of one digitizer module. Channel arguments are
// hardware channel numbers. Failures reported by the module are *StatusError.
type Digitizer interface {
	ProductNameBySlot(chassis, slot int) (string, error)
	SerialNumberBySlot(chassis, slot int) (string, error)
	OpenWithSlot(product string, chassis, slot int) error
	HardwareVersion() (string, error)
	FirmwareVersion() (string, error)
	Close() error

	FPGALoad(path string) error
	SandboxRegister(name string) (Register, error)

	ChannelInputConfig(ch int, fullScale float64, imp Impedance, coup Coupling) error
	ChannelTriggerConfig(ch int, mode AnalogTriggerMode, threshold float64) error
	TriggerIOConfig(dir TriggerDirection) error

	DAQTriggerExternalConfig(ch int, src ExternalSource, behavior TriggerBehavior, sync SyncMode) error
	DAQDigitalTriggerConfig(ch int, src ExternalSource, behavior TriggerBehavior) error
	DAQTriggerConfig(ch int, digitalMode, digitalSource int, analogMask uint32) error
	DAQConfig(ch, pointsPerCycle, nCycles, triggerDelay int, mode TriggerMode) error
	DAQFlush(ch int) error
	DAQFlushMultiple(mask uint32) error
	DAQStartMultiple(mask uint32) error

	// DAQRead blocks until len(buf) words are captured on channel ch or the
	// timeout expires, and returns the number of words read.
	DAQRead(ch int, buf []uint16, timeout time.Duration) (int, error)
}

// Opener creates a new, unopened module handle.
type Opener func() (Digitizer, error)

var (
	backendsMu sync.RWMutex
	backends   = make(map[string]Opener)
)

// RegisterBackend makes a backend available by name. It panics if the name is
// registered twice or open is nil.
func RegisterBackend(name string, open Opener) {
	backendsMu.Lock()
	defer backendsMu.Unlock()
	if open == nil {
		panic("sd1: RegisterBackend opener is nil")
	}
	if _, dup := backends[name]; dup {
		panic("sd1: RegisterBackend called twice for backend " + name)
	}
	backends[name] = open
}

// Backends returns the sorted names of the registered backends.
func Backends() []string {
	backendsMu.RLock()
	defer backendsMu.RUnlock()
	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New returns a module handle from the named backend.
func New(name string) (Digitizer, error) {
	backendsMu.RLock()
	open, ok := backends[name]
	backendsMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("sd1: unknown backend %q (registered: %v)", name, Backends())
	}
	return open()
}
