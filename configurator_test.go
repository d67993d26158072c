package pxidig

import (
	"errors"
	"testing"

	"github.com/qstl/pxidig/sd1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEffectiveRange(t *testing.T) {
	tests := []struct {
		rang float64
		imp  sd1.Impedance
		want float64
	}{
		{0.5, sd1.HighZ, 0.8},
		{1.0, sd1.HighZ, 2.0},
		{0.25, sd1.HighZ, 0.4},
		{0.125, sd1.HighZ, 0.2},
		{0.55, sd1.HighZ, 1.1}, // not below the threshold
		{2.0, sd1.HighZ, 4.0},
		{0.5, sd1.Ohm50, 0.5},
		{0.25, sd1.Ohm50, 0.25},
		{4.0, sd1.Ohm50, 4.0},
	}
	for _, tt := range tests {
		c := ChannelSettings{Range: tt.rang, Impedance: tt.imp}
		assert.InDelta(t, tt.want, c.EffectiveRange(), 1e-12, "range %v %v", tt.rang, tt.imp)
	}
}

func newConfigurator(t *testing.T, hw string) (*Configurator, *sd1.NoHardware) {
	dev := newSim(t, "M3102A", hw)
	s, _ := openSim(t, dev)
	dev.ResetJournal()
	return NewConfigurator(s), dev
}

func TestSetChannelInput(t *testing.T) {
	c, dev := newConfigurator(t, "4.0")

	require.NoError(t, c.Apply(SetChannelInput{Channel: 1, Range: 0.5, Impedance: sd1.HighZ, Coupling: sd1.AC}))
	in, ok := dev.Input(2)
	require.True(t, ok, "logical channel 1 is hardware channel 2")
	assert.InDelta(t, 0.8, in.FullScale, 1e-12)
	assert.Equal(t, sd1.HighZ, in.Impedance)
	assert.Equal(t, sd1.AC, in.Coupling)

	r, err := c.EffectiveRange(1)
	require.NoError(t, err)
	assert.InDelta(t, 0.8, r, 1e-12)

	// Changing only the impedance reprograms all three.
	require.NoError(t, c.Apply(SetChannelInput{Channel: 1, Range: 0.5, Impedance: sd1.Ohm50, Coupling: sd1.AC}))
	in, _ = dev.Input(2)
	assert.Equal(t, inputConfig(0.5, sd1.Ohm50, sd1.AC), in)
	assert.Equal(t, []string{"channelInputConfig", "channelInputConfig"}, dev.Calls())
}

// inputConfig builds the expected input setup of a channel.
func inputConfig(fullScale float64, imp sd1.Impedance, coup sd1.Coupling) sd1.InputConfig {
	return sd1.InputConfig{FullScale: fullScale, Impedance: imp, Coupling: coup}
}

func TestSetChannelInputOldHardware(t *testing.T) {
	c, dev := newConfigurator(t, "3.0")
	require.NoError(t, c.Apply(SetChannelInput{Channel: 0, Range: 2, Impedance: sd1.Ohm50}))
	in, ok := dev.Input(0)
	require.True(t, ok, "channels start at 0 before version 4")
	assert.Equal(t, 2.0, in.FullScale)
}

func TestApplyInvalid(t *testing.T) {
	c, dev := newConfigurator(t, "4.0")
	before := c.Settings()
	bad := []Command{
		SetChannelInput{Channel: 4, Range: 1},
		SetChannelInput{Channel: -1, Range: 1},
		SetChannelInput{Channel: 0, Range: 0},
		SetChannelInput{Channel: 0, Range: -1},
		SetChannelInput{Channel: 0, Range: 1, Impedance: 7},
		SetChannelInput{Channel: 0, Range: 1, Coupling: 3},
		SetAnalogTrigger{Channel: 9, Mode: sd1.RisingEdge},
		SetAnalogTrigger{Channel: 0, Mode: 0},
		SetExternalTrigger{Source: 17, Behavior: sd1.TriggerRise},
		SetExternalTrigger{Source: sd1.PXITrigger + 8, Behavior: sd1.TriggerRise},
		SetExternalTrigger{Source: sd1.PXITrigger, Behavior: 0},
		SetExternalTrigger{Source: sd1.PXITrigger, Behavior: sd1.TriggerRise, Sync: 2},
		SetTriggerIO{Direction: 2},
		EnableChannel{Channel: 4, Enabled: true},
		SetAcquisition{Params: Params{Samples: 12, Accumulations: 1, Repetitions: 1}},
		SetAcquisition{Params: Params{Samples: 10, Accumulations: 0, Repetitions: 1}},
		SetAcquisition{Params: Params{Samples: 10, Accumulations: 1, Repetitions: 0}},
		SetAcquisition{Params: Params{Samples: 0, Accumulations: 1, Repetitions: 1}},
		SetAcquisition{Params: Params{Samples: 10, Accumulations: 1, Repetitions: 1, TriggerDelay: -1e-9}},
		SetAcquisition{Params: Params{Samples: 10, Accumulations: 1, Repetitions: 1, TriggerMode: 9}},
		bogusCommand{},
	}
	for _, cmd := range bad {
		err := c.Apply(cmd)
		assert.True(t, errors.Is(err, ErrConfiguration), "%#v: %v", cmd, err)
	}
	assert.Equal(t, before, c.Settings(), "rejected commands change nothing")
	assert.Empty(t, dev.Calls(), "rejected commands reach no hardware")
}

type bogusCommand struct{}

func (bogusCommand) command() {}

func TestApplyHardwareFailure(t *testing.T) {
	c, dev := newConfigurator(t, "4.0")
	dev.FailOn("channelInputConfig", sd1.StatusInvalidValue)
	err := c.Apply(SetChannelInput{Channel: 0, Range: 0.5, Impedance: sd1.HighZ})
	assert.True(t, errors.Is(err, ErrHardwareFault))
	var se *sd1.StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, sd1.StatusInvalidValue, se.Code)
	assert.Equal(t, 1.0, c.Settings().Channels[0].Range, "settings unchanged on failure")
}

func TestTriggerCommands(t *testing.T) {
	c, dev := newConfigurator(t, "4.0")

	require.NoError(t, c.Apply(SetExternalTrigger{Source: sd1.PXITrigger + 3, Behavior: sd1.TriggerFall, Sync: sd1.SyncCLK10}))
	d, ok := dev.DAQ(0)
	require.True(t, ok, "external trigger is set module-wide")
	assert.True(t, d.External)
	assert.Equal(t, sd1.PXITrigger+3, d.ExternalSource)
	assert.Equal(t, sd1.TriggerFall, d.Behavior)
	assert.Equal(t, sd1.SyncCLK10, d.Sync)

	require.NoError(t, c.Apply(SetTriggerIO{Direction: sd1.TriggerIn}))

	require.NoError(t, c.Apply(SetAnalogTrigger{Channel: 2, Mode: sd1.BothEdges, Threshold: 0.1}))
	mode, ok := dev.AnalogTrigger(3)
	require.True(t, ok)
	assert.Equal(t, sd1.BothEdges, mode)

	tr := c.Settings().Trigger
	assert.Equal(t, TriggerSettings{
		ExternalSource: sd1.PXITrigger + 3,
		Behavior:       sd1.TriggerFall,
		Sync:           sd1.SyncCLK10,
		Direction:      sd1.TriggerIn,
		AnalogChannel:  2,
		AnalogMode:     sd1.BothEdges,
		Threshold:      0.1,
	}, tr)
	assert.Equal(t, []string{"DAQtriggerExternalConfig", "triggerIOconfig", "channelTriggerConfig"}, dev.Calls())
}

func TestChannelMask(t *testing.T) {
	c, _ := newConfigurator(t, "4.0")
	require.NoError(t, c.Apply(EnableChannel{Channel: 0, Enabled: true}))
	require.NoError(t, c.Apply(EnableChannel{Channel: 2, Enabled: true}))
	st := c.Settings()
	assert.Equal(t, uint32(0b0101), st.ChannelMask())
	assert.Equal(t, []int{0, 2}, st.EnabledChannels())

	require.NoError(t, c.Apply(EnableChannel{Channel: 0, Enabled: false}))
	assert.Equal(t, uint32(0b0100), c.Settings().ChannelMask())
}

func TestParams(t *testing.T) {
	p := Params{Samples: 100, Accumulations: 3, Repetitions: 4, TriggerDelay: 100e-9}
	assert.NoError(t, p.Validate())
	assert.Equal(t, 20, p.Segments(5))
	assert.Equal(t, 60, p.TriggerDelaySamples(2e-9))
	assert.Equal(t, 12, p.TriggerDelaySamples(10e-9))
	assert.Equal(t, 10, Params{}.TriggerDelaySamples(2e-9), "latency alone")
	assert.NoError(t, DefaultParams().Validate())
}

func TestCommandBatchAndRestore(t *testing.T) {
	c, dev := newConfigurator(t, "4.0")
	batch := CommandBatch{
		Acquisition:     &SetAcquisition{Params: Params{Samples: 50, Accumulations: 2, Repetitions: 3}},
		Enables:         []EnableChannel{{Channel: 3, Enabled: true}},
		Inputs:          []SetChannelInput{{Channel: 3, Range: 0.25, Impedance: sd1.HighZ}},
		ExternalTrigger: &SetExternalTrigger{Source: sd1.ExternalTrigger, Behavior: sd1.TriggerHigh},
	}
	cmds := batch.Commands()
	require.Len(t, cmds, 4)
	assert.IsType(t, SetExternalTrigger{}, cmds[0])
	assert.IsType(t, SetChannelInput{}, cmds[1])
	assert.IsType(t, EnableChannel{}, cmds[2])
	assert.IsType(t, SetAcquisition{}, cmds[3])
	require.NoError(t, c.ApplyAll(cmds))
	saved := c.Settings()

	// A fresh configurator on a fresh module reaches the same state.
	c2, dev2 := newConfigurator(t, "4.0")
	require.NoError(t, c2.Restore(saved))
	assert.Equal(t, saved, c2.Settings())
	in1, _ := dev.Input(4)
	in2, _ := dev2.Input(4)
	assert.Equal(t, in1, in2)
	assert.InDelta(t, 0.4, in2.FullScale, 1e-12)
}
