package pxidig

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/qstl/pxidig/accum"
	"github.com/qstl/pxidig/sd1"
)

// DefaultReadTimeout bounds each bulk read of Measure.
const DefaultReadTimeout = 10 * time.Second

// EngineState is the state of the arm/measure protocol.
type EngineState int

// Engine states.
const (
	Idle EngineState = iota
	Armed
	Measuring
	Faulted
)

func (s EngineState) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Armed:
		return "Armed"
	case Measuring:
		return "Measuring"
	case Faulted:
		return "Faulted"
	}
	return fmt.Sprintf("EngineState(%d)", int(s))
}

// DriveMode says who sequences the acquisitions.
type DriveMode int

// Drive modes.
const (
	SoftwareDriven  DriveMode = iota // the host arms and reads every point
	HardwareTrigger                  // the host reads, an external trigger starts
	HardwareLoop                     // one arm covers a whole sweep
)

func (m DriveMode) String() string {
	switch m {
	case SoftwareDriven:
		return "software"
	case HardwareTrigger:
		return "hardware trigger"
	case HardwareLoop:
		return "hardware loop"
	}
	return fmt.Sprintf("DriveMode(%d)", int(m))
}

// LoopState is the position in a hardware-looped sweep.
type LoopState struct {
	Index int // current sequence point
	Count int // number of sequence points
}

// Acquisition describes one armed acquisition.
type Acquisition struct {
	ID       string
	Start    time.Time
	End      time.Time
	Mode     DriveMode
	NSeq     int
	Mask     uint32
	Params   Params
	Segments int
	Err      string
}

// Engine runs the arm/measure protocol on an open session. Its methods may be
// called from several goroutines; they are serialized.
type Engine struct {
	mu    sync.Mutex
	s     *Session
	cfg   *Configurator
	cache *TraceCache
	state EngineState
	err   error

	// settings frozen at arm time
	armed Settings
	acq   Acquisition

	// ReadTimeout bounds each bulk read; DefaultReadTimeout if zero.
	ReadTimeout time.Duration

	// OnArmed, if set, is called once the DAQ has started during PerformArm,
	// so that an external sequencer can start the sweep.
	OnArmed func(Acquisition)

	// OnDone, if set, is called at the end of every acquisition.
	OnDone func(Acquisition)
}

// NewEngine returns an idle engine.
func NewEngine(s *Session, cfg *Configurator) *Engine {
	return &Engine{
		s:     s,
		cfg:   cfg,
		cache: NewTraceCache(s.NChannels()),
	}
}

// State returns the protocol state and, when Faulted, the error that caused it.
func (e *Engine) State() (EngineState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state, e.err
}

// Last returns the description of the last acquisition.
func (e *Engine) Last() Acquisition {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.acq
}

func (e *Engine) setState(s EngineState) {
	if s != e.state {
		UpdateLogger.Printf("Digitizer engine %s -> %s", e.state, s)
	}
	e.state = s
	if s != Faulted {
		e.err = nil
	}
}

// fault records err and moves to Faulted. It returns err.
func (e *Engine) fault(err error) error {
	ProblemLogger.Printf("Digitizer engine fault: %v", err)
	e.setState(Faulted)
	e.err = err
	if e.acq.ID != "" && e.acq.End.IsZero() {
		e.acq.End = time.Now()
		e.acq.Err = err.Error()
		if e.OnDone != nil {
			e.OnDone(e.acq)
		}
	}
	return err
}

// Arm prepares the acquisition of nSeq sequence points. It is the software
// get-signal path, used by Acquire; PerformArm is the armed entry point of a
// hardware-looped sweep.
func (e *Engine) Arm(nSeq int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.arm(nSeq, SoftwareDriven)
}

func (e *Engine) arm(nSeq int, mode DriveMode) error {
	const op = "Arm"
	if nSeq <= 0 {
		return configErrorf(op, "number of sequence points %d must be positive", nSeq)
	}
	st := e.cfg.Settings()
	p := st.Params
	if err := p.Validate(); err != nil {
		return err
	}
	enabled := st.EnabledChannels()
	if len(enabled) == 0 {
		return configErrorf(op, "no channel is enabled")
	}
	if p.TriggerMode == sd1.AnalogTrigger {
		if tc := st.Trigger.AnalogChannel; tc < 0 || tc >= len(st.Channels) {
			return configErrorf(op, "analog trigger channel %d out of range", tc)
		}
	}
	mask := st.ChannelMask()
	segments := p.Segments(nSeq)
	delay := p.TriggerDelaySamples(e.s.Family().Dt)

	e.acq = Acquisition{
		ID:       ulid.Make().String(),
		Start:    time.Now(),
		Mode:     mode,
		NSeq:     nSeq,
		Mask:     mask,
		Params:   p,
		Segments: segments,
	}
	drv := e.s.drv
	err := e.s.withLock(func() error {
		if err := e.s.pulseInit(); err != nil {
			return err
		}
		if err := drv.DAQFlushMultiple(mask); err != nil {
			return hwError("DAQflushMultiple", err)
		}
		e.cache.Reset(e.acq.ID, nSeq, p.Samples, enabled)
		for _, n := range enabled {
			ch := e.s.HWChannel(n)
			switch p.TriggerMode {
			case sd1.DigitalTrigger:
				t := st.Trigger
				if err := drv.DAQTriggerExternalConfig(ch, t.ExternalSource, t.Behavior, t.Sync); err != nil {
					return hwError("DAQtriggerExternalConfig", err)
				}
				if err := drv.DAQDigitalTriggerConfig(ch, t.ExternalSource, t.Behavior); err != nil {
					return hwError("DAQdigitalTriggerConfig", err)
				}
			case sd1.AnalogTrigger:
				analogMask := uint32(1) << uint(st.Trigger.AnalogChannel)
				if err := drv.DAQTriggerConfig(ch, 0, 0, analogMask); err != nil {
					return hwError("DAQtriggerConfig", err)
				}
			}
			if err := drv.DAQConfig(ch, p.Samples, segments, delay, p.TriggerMode); err != nil {
				return hwError("DAQconfig", err)
			}
		}
		return hwError("DAQstartMultiple", drv.DAQStartMultiple(mask))
	})
	if err != nil {
		return e.fault(err)
	}
	e.armed = st
	e.setState(Armed)
	return nil
}

// Measure reads the armed acquisition and adds it into the traces.
func (e *Engine) Measure() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.measure()
}

func (e *Engine) measure() error {
	if e.state != Armed {
		return configErrorf("Measure", "engine is %s, not Armed", e.state)
	}
	e.setState(Measuring)

	st := e.armed
	p := st.Params
	nSeq := e.acq.NSeq
	timeout := e.ReadTimeout
	if timeout <= 0 {
		timeout = DefaultReadTimeout
	}
	nWords := p.Samples * e.acq.Segments
	buf := make([]uint16, nWords)

	err := e.s.withLock(func() error {
		for _, n := range st.EnabledChannels() {
			ch := e.s.HWChannel(n)
			UpdateLogger.Printf("Digitizer %d getting traces...", n)
			got, err := e.s.drv.DAQRead(ch, buf, timeout)
			if err != nil {
				if errors.Is(err, sd1.ErrTimeout) {
					return &AcquisitionTimeoutError{Channel: n, Timeout: timeout, Err: err}
				}
				return hwError("DAQread", err)
			}
			if got == 0 {
				// no data yet
				continue
			}
			if got != nWords {
				return &HardwareError{Op: "DAQread",
					Err: fmt.Errorf("channel %d: read %d of %d words", n, got, nWords)}
			}
			avg, err := accum.Average(accum.Decode(buf[:got]), nSeq, p.Repetitions)
			if err != nil {
				return &HardwareError{Op: "DAQread", Err: err}
			}
			scale, err := accum.Scale(st.Channels[n].EffectiveRange(), e.s.Family().FullScale, p.Accumulations)
			if err != nil {
				return configErrorf("Measure", "%v", err)
			}
			if err := accum.Voltages(e.cache.running(n), avg, scale); err != nil {
				return &HardwareError{Op: "DAQread", Err: err}
			}
		}
		return nil
	})
	if err != nil {
		return e.fault(err)
	}
	e.acq.End = time.Now()
	e.setState(Idle)
	if e.OnDone != nil {
		e.OnDone(e.acq)
	}
	return nil
}

// Acquire arms one sequence point and reads it.
func (e *Engine) Acquire() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.arm(1, SoftwareDriven); err != nil {
		return err
	}
	return e.measure()
}

// PerformArm runs a whole hardware-looped sweep of loop.Count points: it
// programs the accumulator, arms, reports armed, reads, and reshapes every
// trace into loop.Count rows.
func (e *Engine) PerformArm(mode DriveMode, loop LoopState) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if mode != HardwareLoop {
		return ErrUnsupportedMode
	}
	if loop.Count <= 0 {
		return configErrorf("PerformArm", "loop count %d must be positive", loop.Count)
	}
	p := e.cfg.Settings().Params
	if err := p.Validate(); err != nil {
		return err
	}
	err := e.s.withLock(func() error {
		return e.s.setAccumulator(p.Samples, p.Accumulations)
	})
	if err != nil {
		return e.fault(err)
	}

	e.cache.ClearSequences()
	if err := e.arm(loop.Count, HardwareLoop); err != nil {
		return err
	}
	UpdateLogger.Printf("Digitizer - Waiting for signal (%d points)", loop.Count)
	if e.OnArmed != nil {
		e.OnArmed(e.acq)
	}
	if err := e.measure(); err != nil {
		return err
	}
	e.cache.Reshape()
	return nil
}

// Trace returns a copy of the flat trace of logical channel ch, or nil when
// the channel was not part of the last acquisition.
func (e *Engine) Trace(ch int) []float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cache.Trace(ch)
}

// SequenceTrace returns the trace of channel ch at sequence point seq of the
// last hardware-looped sweep.
func (e *Engine) SequenceTrace(ch, seq int) ([]float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cache.Sequence(ch, seq)
}

// Dt returns the time between trace values.
func (e *Engine) Dt() float64 {
	return e.s.Family().Dt
}

// Export writes the traces of the last acquisition to dir, named after its ID.
func (e *Engine) Export(dir string) ([]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cache.ID == "" {
		return nil, configErrorf("Export", "no acquisition yet")
	}
	return e.cache.Export(dir, e.cache.ID)
}
