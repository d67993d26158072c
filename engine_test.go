package pxidig

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/qstl/pxidig/pxilock"
	"github.com/qstl/pxidig/sd1"
	"github.com/sbinet/npyio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

const volt = 1.0 / 32767

type engineFixture struct {
	dev *sd1.NoHardware
	s   *Session
	cfg *Configurator
	e   *Engine
}

// newEngine opens a 500 MHz module with channels 0 and 2 enabled at 1 V,
// 10 samples, 10 accumulations and a constant raw value of 1000.
func newEngine(t *testing.T) *engineFixture {
	t.Helper()
	dev := newSim(t, "M3102A", "4.0")
	s, _ := openSim(t, dev)
	cfg := NewConfigurator(s)
	require.NoError(t, cfg.ApplyAll([]Command{
		EnableChannel{Channel: 0, Enabled: true},
		EnableChannel{Channel: 2, Enabled: true},
		SetAcquisition{Params: Params{Samples: 10, Accumulations: 10, Repetitions: 1,
			TriggerMode: sd1.DigitalTrigger}},
	}))
	dev.SetSample(func(ch, i int) int32 { return 1000 })
	dev.ResetJournal()
	e := NewEngine(s, cfg)
	e.ReadTimeout = time.Second
	return &engineFixture{dev: dev, s: s, cfg: cfg, e: e}
}

func TestArm(t *testing.T) {
	f := newEngine(t)
	require.NoError(t, f.e.Arm(2))
	state, err := f.e.State()
	assert.Equal(t, Armed, state)
	assert.NoError(t, err)

	assert.Equal(t, initPulse(), f.dev.Journal(), "reset pulse, nothing in between")
	assert.Equal(t, []uint32{0b0101}, f.dev.Flushed())
	assert.Equal(t, uint32(0b0101), f.dev.Started())

	for _, hw := range []int{1, 3} {
		d, ok := f.dev.DAQ(hw)
		require.True(t, ok, "hw channel %d", hw)
		assert.Equal(t, 10, d.PointsPerCycle)
		assert.Equal(t, 2, d.Cycles)
		assert.Equal(t, 10, d.TriggerDelay, "20 ns latency at 2 ns")
		assert.Equal(t, sd1.DigitalTrigger, d.Mode)
		assert.True(t, d.External)
		assert.True(t, d.Digital)
		assert.Zero(t, d.AnalogMask)
	}
	for _, hw := range []int{2, 4} {
		_, ok := f.dev.DAQ(hw)
		assert.False(t, ok, "disabled hw channel %d untouched", hw)
	}
	assert.Equal(t, []string{
		"writeRegisterInt32", "writeRegisterInt32", "DAQflushMultiple",
		"DAQtriggerExternalConfig", "DAQdigitalTriggerConfig", "DAQconfig",
		"DAQtriggerExternalConfig", "DAQdigitalTriggerConfig", "DAQconfig",
		"DAQstartMultiple",
	}, f.dev.Calls())
}

func TestArmAnalogTrigger(t *testing.T) {
	f := newEngine(t)
	require.NoError(t, f.cfg.Apply(SetAnalogTrigger{Channel: 1, Mode: sd1.RisingEdge, Threshold: 0.2}))
	require.NoError(t, f.cfg.Apply(SetAcquisition{Params: Params{Samples: 10, Accumulations: 1,
		Repetitions: 3, TriggerDelay: 1e-6, TriggerMode: sd1.AnalogTrigger}}))
	f.dev.ResetJournal()
	require.NoError(t, f.e.Arm(1))
	for _, hw := range []int{1, 3} {
		d, _ := f.dev.DAQ(hw)
		assert.False(t, d.External, "exactly one trigger configuration per channel")
		assert.False(t, d.Digital)
		assert.Equal(t, uint32(0b10), d.AnalogMask)
		assert.Equal(t, 3, d.Cycles)
		assert.Equal(t, 510, d.TriggerDelay)
		assert.Equal(t, sd1.AnalogTrigger, d.Mode)
	}
}

func TestArmImmediateTrigger(t *testing.T) {
	f := newEngine(t)
	require.NoError(t, f.cfg.Apply(SetAcquisition{Params: Params{Samples: 10, Accumulations: 1,
		Repetitions: 1, TriggerMode: sd1.AutoTrigger}}))
	f.dev.ResetJournal()
	require.NoError(t, f.e.Arm(1))
	d, _ := f.dev.DAQ(1)
	assert.False(t, d.External)
	assert.Zero(t, d.AnalogMask)
	assert.NotContains(t, f.dev.Calls(), "DAQtriggerConfig")
}

func TestArmInvalid(t *testing.T) {
	f := newEngine(t)
	assert.True(t, errors.Is(f.e.Arm(0), ErrConfiguration))

	require.NoError(t, f.cfg.Apply(EnableChannel{Channel: 0}))
	require.NoError(t, f.cfg.Apply(EnableChannel{Channel: 2}))
	assert.True(t, errors.Is(f.e.Arm(1), ErrConfiguration), "no channel enabled")
	assert.Empty(t, f.dev.Calls())
	state, _ := f.e.State()
	assert.Equal(t, Idle, state, "configuration errors do not fault the engine")
}

func TestMeasure(t *testing.T) {
	f := newEngine(t)
	require.NoError(t, f.e.Arm(1))
	require.NoError(t, f.e.Measure())
	state, _ := f.e.State()
	assert.Equal(t, Idle, state)

	assert.Equal(t, []int{1, 3}, f.dev.Reads(), "only the enabled channels are read")
	for _, ch := range []int{0, 2} {
		tr := f.e.Trace(ch)
		require.Len(t, tr, 10)
		for _, v := range tr {
			assert.InDelta(t, 100*volt, v, 1e-15)
		}
	}
	assert.Nil(t, f.e.Trace(1))
	assert.Nil(t, f.e.Trace(3))
	assert.Nil(t, f.e.Trace(7))
}

func TestMeasureRequiresArm(t *testing.T) {
	f := newEngine(t)
	err := f.e.Measure()
	assert.True(t, errors.Is(err, ErrConfiguration))
	assert.Empty(t, f.dev.Calls())

	require.NoError(t, f.e.Arm(1))
	require.NoError(t, f.e.Measure())
	assert.True(t, errors.Is(f.e.Measure(), ErrConfiguration), "each arm allows one measure")
}

func TestMeasureRepetitionsAndScale(t *testing.T) {
	f := newEngine(t)
	require.NoError(t, f.cfg.ApplyAll([]Command{
		SetChannelInput{Channel: 2, Range: 0.5, Impedance: sd1.HighZ},
		SetAcquisition{Params: Params{Samples: 10, Accumulations: 4, Repetitions: 2,
			TriggerMode: sd1.DigitalTrigger}},
	}))
	// 2 samples per segment, segments alternate repetitions 0 and 1.
	f.dev.SetSample(func(ch, i int) int32 {
		rep := (i / 2) % 2
		return int32(800 + 400*rep)
	})
	require.NoError(t, f.e.Arm(3))
	require.NoError(t, f.e.Measure())

	// mean 1000 counts over 4 accumulations
	tr0 := f.e.Trace(0)
	require.Len(t, tr0, 30)
	for _, v := range tr0 {
		assert.InDelta(t, 250*volt, v, 1e-15)
	}
	tr2 := f.e.Trace(2)
	for _, v := range tr2 {
		assert.InDelta(t, 0.8*250*volt, v, 1e-15, "effective range 0.8 V")
	}
}

func TestMeasureEmptyRead(t *testing.T) {
	f := newEngine(t)
	f.dev.SetEmptyReads(true)
	require.NoError(t, f.e.Arm(1))
	require.NoError(t, f.e.Measure())
	assert.Equal(t, []int{1, 3}, f.dev.Reads(), "an empty channel does not stop the others")
	assert.Equal(t, make([]float64, 10), f.e.Trace(0))
}

func TestMeasureTimeout(t *testing.T) {
	f := newEngine(t)
	f.dev.TimeoutOn(3, true)
	require.NoError(t, f.e.Arm(1))
	err := f.e.Measure()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAcquisitionTimeout))
	var ate *AcquisitionTimeoutError
	require.True(t, errors.As(err, &ate))
	assert.Equal(t, 2, ate.Channel)
	assert.Equal(t, time.Second, ate.Timeout)

	state, serr := f.e.State()
	assert.Equal(t, Faulted, state)
	assert.Equal(t, err, serr)
	assert.True(t, errors.Is(f.e.Measure(), ErrConfiguration), "measure does not leave Faulted")

	f.dev.TimeoutOn(3, false)
	require.NoError(t, f.e.Arm(1), "arm leaves Faulted")
	state, _ = f.e.State()
	assert.Equal(t, Armed, state)
	require.NoError(t, f.e.Measure())
}

func TestArmHardwareFault(t *testing.T) {
	f := newEngine(t)
	f.dev.FailOn("DAQstartMultiple", sd1.StatusHardwareFailure)
	err := f.e.Arm(1)
	assert.True(t, errors.Is(err, ErrHardwareFault))
	state, _ := f.e.State()
	assert.Equal(t, Faulted, state)
}

func TestResetPulseEveryArm(t *testing.T) {
	f := newEngine(t)
	for i := 0; i < 3; i++ {
		require.NoError(t, f.e.Acquire())
	}
	journal := f.dev.Journal()
	require.Len(t, journal, 6)
	for i := 0; i < 3; i++ {
		assert.Equal(t, initPulse(), journal[2*i:2*i+2])
	}
	assert.Len(t, f.dev.Flushed(), 3)
}

func TestPerformArmUnsupportedMode(t *testing.T) {
	f := newEngine(t)
	for _, mode := range []DriveMode{SoftwareDriven, HardwareTrigger} {
		err := f.e.PerformArm(mode, LoopState{Count: 3})
		assert.True(t, errors.Is(err, ErrUnsupportedMode))
		assert.True(t, errors.Is(err, ErrConfiguration))
	}
	assert.Empty(t, f.dev.Calls())
	assert.True(t, errors.Is(f.e.PerformArm(HardwareLoop, LoopState{}), ErrConfiguration))
}

func TestPerformArm(t *testing.T) {
	f := newEngine(t)
	require.NoError(t, f.cfg.Apply(SetAcquisition{Params: Params{Samples: 10, Accumulations: 10,
		Repetitions: 2, TriggerMode: sd1.DigitalTrigger}}))
	// 2 samples per segment, 2 repetitions per sequence point.
	f.dev.SetSample(func(ch, i int) int32 {
		seg := i / 2
		seq, rep := seg/2, seg%2
		return int32(1000*(seq+1) - 500 + 1000*rep)
	})
	var armed []Acquisition
	f.e.OnArmed = func(a Acquisition) {
		armed = append(armed, a)
		assert.Equal(t, uint32(0b0101), f.dev.Started(), "armed is reported after the DAQ start")
		assert.Empty(t, f.dev.Reads(), "armed is reported before reading")
	}
	var done []Acquisition
	f.e.OnDone = func(a Acquisition) { done = append(done, a) }

	require.NoError(t, f.e.PerformArm(HardwareLoop, LoopState{Index: 0, Count: 3}))

	assert.Equal(t, []sd1.RegisterWrite{
		{Name: regAccumInit, Value: 1}, {Name: regAccumInit, Value: 0},
		{Name: regAccumLength, Value: 10}, {Name: regAccumNum, Value: 10},
		{Name: regAccumInit, Value: 1}, {Name: regAccumInit, Value: 0},
		{Name: regAccumInit, Value: 1}, {Name: regAccumInit, Value: 0},
	}, f.dev.Journal())

	require.Len(t, armed, 1)
	assert.Equal(t, 3, armed[0].NSeq)
	assert.Equal(t, 6, armed[0].Segments)
	assert.Equal(t, HardwareLoop, armed[0].Mode)
	assert.NotEmpty(t, armed[0].ID)
	require.Len(t, done, 1)
	assert.Equal(t, armed[0].ID, done[0].ID)
	assert.Empty(t, done[0].Err)

	d, _ := f.dev.DAQ(1)
	assert.Equal(t, 6, d.Cycles)

	for _, ch := range []int{0, 2} {
		for seq := 0; seq < 3; seq++ {
			tr, err := f.e.SequenceTrace(ch, seq)
			require.NoError(t, err)
			require.Len(t, tr, 10)
			for _, v := range tr {
				assert.InDelta(t, float64(100*(seq+1))*volt, v, 1e-15, "ch %d seq %d", ch, seq)
			}
		}
	}
	_, err := f.e.SequenceTrace(0, 3)
	assert.True(t, errors.Is(err, ErrConfiguration))
	_, err = f.e.SequenceTrace(1, 0)
	assert.True(t, errors.Is(err, ErrConfiguration), "disabled channel")
	assert.Len(t, f.e.Trace(0), 30)

	// The sequence traces survive a software acquisition.
	require.NoError(t, f.e.Acquire())
	_, err = f.e.SequenceTrace(0, 2)
	assert.NoError(t, err)
}

func TestPerformArmFault(t *testing.T) {
	f := newEngine(t)
	var done []Acquisition
	f.e.OnDone = func(a Acquisition) { done = append(done, a) }
	f.dev.TimeoutOn(1, true)
	err := f.e.PerformArm(HardwareLoop, LoopState{Count: 2})
	assert.True(t, errors.Is(err, ErrAcquisitionTimeout))
	require.Len(t, done, 1)
	assert.NotEmpty(t, done[0].Err)
	_, err = f.e.SequenceTrace(0, 0)
	assert.Error(t, err)
}

func TestEngineHoldsLock(t *testing.T) {
	f := newEngine(t)
	// openSim made every module call check the lock; any unlocked call fails.
	require.NoError(t, f.e.PerformArm(HardwareLoop, LoopState{Count: 2}))
	require.NoError(t, f.e.Acquire())
	require.NoError(t, f.cfg.Apply(SetTriggerIO{Direction: sd1.TriggerOut}))
}

func TestEngineResourceTimeout(t *testing.T) {
	f := newEngine(t)
	f.dev.SetHook(nil)
	cfg := f.s.cfg
	held, err := pxilock.Acquire(cfg.LockDir, cfg.Chassis, cfg.Slot, time.Second)
	require.NoError(t, err)
	defer held.Release()

	err = f.e.Acquire()
	assert.True(t, errors.Is(err, ErrResourceTimeout))
	assert.Empty(t, f.dev.Calls())
	state, _ := f.e.State()
	assert.Equal(t, Faulted, state)
}

func TestExport(t *testing.T) {
	f := newEngine(t)
	_, err := f.e.Export(t.TempDir())
	assert.True(t, errors.Is(err, ErrConfiguration), "nothing to export yet")

	require.NoError(t, f.e.Acquire())
	dir := t.TempDir()
	names, err := f.e.Export(dir)
	require.NoError(t, err)
	id := f.e.Last().ID
	assert.Equal(t, []string{
		filepath.Join(dir, id+"_ch1.npy"),
		filepath.Join(dir, id+"_ch3.npy"),
	}, names)

	r, err := os.Open(names[0])
	require.NoError(t, err)
	defer r.Close()
	var got []float64
	require.NoError(t, npyio.Read(r, &got))
	assert.Equal(t, f.e.Trace(0), got)

	require.NoError(t, f.e.PerformArm(HardwareLoop, LoopState{Count: 2}))
	names, err = f.e.Export(dir)
	require.NoError(t, err)
	r2, err := os.Open(names[1])
	require.NoError(t, err)
	defer r2.Close()
	var m mat.Dense
	require.NoError(t, npyio.Read(r2, &m))
	rows, cols := m.Dims()
	assert.Equal(t, 2, rows)
	assert.Equal(t, 10, cols)
}

func TestExportAfterSweepWritesCurrentTrace(t *testing.T) {
	f := newEngine(t)
	require.NoError(t, f.e.PerformArm(HardwareLoop, LoopState{Count: 3}))
	f.dev.SetSample(func(ch, i int) int32 { return 5000 })
	require.NoError(t, f.e.Acquire())

	names, err := f.e.Export(t.TempDir())
	require.NoError(t, err)
	r, err := os.Open(names[0])
	require.NoError(t, err)
	defer r.Close()
	var got []float64
	require.NoError(t, npyio.Read(r, &got), "a software acquisition is exported flat")
	assert.Equal(t, f.e.Trace(0), got)
	require.Len(t, got, 10)
	assert.InDelta(t, 500*volt, got[0], 1e-15)

	// The sweep stays available by sequence point.
	_, err = f.e.SequenceTrace(0, 2)
	assert.NoError(t, err)
}
