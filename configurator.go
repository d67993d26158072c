package pxidig

import (
	"math"
	"sync"

	"github.com/qstl/pxidig/accum"
	"github.com/qstl/pxidig/sd1"
)

// demodLatency is added to every trigger delay to match the demodulator latency.
const demodLatency = 20e-9

// Params are the acquisition parameters of one arm.
type Params struct {
	Samples          int     // transport words per segment
	RecordsPerBuffer int     // segments per buffer, informational
	Accumulations    int     // segments summed by the accumulator
	Repetitions      int     // repetitions averaged per sequence point
	TriggerDelay     float64 // seconds
	TriggerMode      sd1.TriggerMode
}

// DefaultParams returns the parameters of a freshly opened module.
func DefaultParams() Params {
	return Params{
		Samples:          1000,
		RecordsPerBuffer: 1,
		Accumulations:    1,
		Repetitions:      1,
		TriggerMode:      sd1.DigitalTrigger,
	}
}

// Validate checks the parameters.
func (p Params) Validate() error {
	const op = "SetAcquisition"
	switch {
	case p.Samples <= 0:
		return configErrorf(op, "number of samples %d must be positive", p.Samples)
	case p.Samples%accum.WordsPerSample != 0:
		return configErrorf(op, "number of samples %d must be a multiple of %d",
			p.Samples, accum.WordsPerSample)
	case p.Accumulations <= 0:
		return configErrorf(op, "number of accumulations %d must be positive", p.Accumulations)
	case p.Repetitions <= 0:
		return configErrorf(op, "number of repetitions %d must be positive", p.Repetitions)
	case p.RecordsPerBuffer < 0:
		return configErrorf(op, "records per buffer %d must not be negative", p.RecordsPerBuffer)
	case p.TriggerDelay < 0 || math.IsNaN(p.TriggerDelay):
		return configErrorf(op, "trigger delay %v must not be negative", p.TriggerDelay)
	}
	if !validTriggerMode(p.TriggerMode) {
		return configErrorf(op, "unknown trigger mode %d", p.TriggerMode)
	}
	return nil
}

// Segments returns the number of segments captured for nSeq sequence points.
func (p Params) Segments(nSeq int) int {
	return nSeq * p.Repetitions
}

// TriggerDelaySamples returns the trigger delay in samples of length dt,
// including the demodulator latency.
func (p Params) TriggerDelaySamples(dt float64) int {
	return int(math.Round((p.TriggerDelay + demodLatency) / dt))
}

// ChannelSettings are the host-side settings of one channel.
type ChannelSettings struct {
	Range     float64 // nominal volts
	Impedance sd1.Impedance
	Coupling  sd1.Coupling
	Enabled   bool
}

// EffectiveRange returns the full-scale voltage of the channel. A high
// impedance input doubles the nominal range, and doubled ranges below 1.1 V
// are further scaled by 0.8.
func (c ChannelSettings) EffectiveRange() float64 {
	r := c.Range
	if c.Impedance == sd1.HighZ {
		r *= 2
		if r < 1.1 {
			r *= 0.8
		}
	}
	return r
}

// TriggerSettings are the module-wide trigger settings.
type TriggerSettings struct {
	ExternalSource sd1.ExternalSource
	Behavior       sd1.TriggerBehavior
	Sync           sd1.SyncMode
	Direction      sd1.TriggerDirection
	AnalogChannel  int
	AnalogMode     sd1.AnalogTriggerMode
	Threshold      float64
}

// Settings is the complete host-side configuration of a module.
type Settings struct {
	Channels []ChannelSettings
	Trigger  TriggerSettings
	Params   Params
}

// ChannelMask returns the mask with bit n set for every enabled channel n.
func (s Settings) ChannelMask() uint32 {
	var mask uint32
	for n, c := range s.Channels {
		if c.Enabled {
			mask |= 1 << uint(n)
		}
	}
	return mask
}

// EnabledChannels returns the enabled channels in increasing order.
func (s Settings) EnabledChannels() []int {
	var chans []int
	for n, c := range s.Channels {
		if c.Enabled {
			chans = append(chans, n)
		}
	}
	return chans
}

// Configurator holds the settings of a module and programs them into it.
type Configurator struct {
	mu       sync.Mutex
	s        *Session
	settings Settings
}

// NewConfigurator returns the configurator of an open session, with default
// settings and no channel enabled.
func NewConfigurator(s *Session) *Configurator {
	chans := make([]ChannelSettings, s.NChannels())
	for i := range chans {
		chans[i] = ChannelSettings{Range: 1.0, Impedance: sd1.Ohm50, Coupling: sd1.DC}
	}
	return &Configurator{
		s: s,
		settings: Settings{
			Channels: chans,
			Trigger: TriggerSettings{
				ExternalSource: sd1.PXITrigger,
				Behavior:       sd1.TriggerRise,
				AnalogMode:     sd1.RisingEdge,
			},
			Params: DefaultParams(),
		},
	}
}

// Settings returns a copy of the current settings.
func (c *Configurator) Settings() Settings {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.settings
	out.Channels = append([]ChannelSettings(nil), c.settings.Channels...)
	return out
}

// EffectiveRange returns the full-scale voltage of logical channel ch.
func (c *Configurator) EffectiveRange(ch int) (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkChannel("EffectiveRange", ch); err != nil {
		return 0, err
	}
	return c.settings.Channels[ch].EffectiveRange(), nil
}

func (c *Configurator) checkChannel(op string, ch int) error {
	if ch < 0 || ch >= len(c.settings.Channels) {
		return configErrorf(op, "channel %d out of range [0,%d)", ch, len(c.settings.Channels))
	}
	return nil
}

// Apply validates cmd and programs it. Host-side settings change only when
// the command succeeds.
func (c *Configurator) Apply(cmd Command) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch cmd := cmd.(type) {
	case SetExternalTrigger:
		return c.setExternalTrigger(cmd)
	case SetTriggerIO:
		return c.setTriggerIO(cmd)
	case SetAnalogTrigger:
		return c.setAnalogTrigger(cmd)
	case SetChannelInput:
		return c.setChannelInput(cmd)
	case EnableChannel:
		if err := c.checkChannel("EnableChannel", cmd.Channel); err != nil {
			return err
		}
		c.settings.Channels[cmd.Channel].Enabled = cmd.Enabled
		return nil
	case SetAcquisition:
		if err := cmd.Params.Validate(); err != nil {
			return err
		}
		c.settings.Params = cmd.Params
		return nil
	default:
		return configErrorf("Apply", "unknown command %T", cmd)
	}
}

// ApplyAll applies commands in order, stopping at the first error.
func (c *Configurator) ApplyAll(cmds []Command) error {
	for _, cmd := range cmds {
		if err := c.Apply(cmd); err != nil {
			return err
		}
	}
	return nil
}

// Restore programs a complete set of settings, such as one saved by an
// earlier run.
func (c *Configurator) Restore(s Settings) error {
	cmds := []Command{
		SetExternalTrigger{Source: s.Trigger.ExternalSource, Behavior: s.Trigger.Behavior, Sync: s.Trigger.Sync},
		SetTriggerIO{Direction: s.Trigger.Direction},
		SetAnalogTrigger{Channel: s.Trigger.AnalogChannel, Mode: s.Trigger.AnalogMode, Threshold: s.Trigger.Threshold},
	}
	for n, ch := range s.Channels {
		cmds = append(cmds,
			SetChannelInput{Channel: n, Range: ch.Range, Impedance: ch.Impedance, Coupling: ch.Coupling},
			EnableChannel{Channel: n, Enabled: ch.Enabled})
	}
	cmds = append(cmds, SetAcquisition{Params: s.Params})
	return c.ApplyAll(cmds)
}

func (c *Configurator) setExternalTrigger(cmd SetExternalTrigger) error {
	const op = "SetExternalTrigger"
	if !validExternalSource(cmd.Source) {
		return configErrorf(op, "unknown trigger source %d", cmd.Source)
	}
	if cmd.Behavior < sd1.TriggerHigh || cmd.Behavior > sd1.TriggerFall {
		return configErrorf(op, "unknown trigger behavior %d", cmd.Behavior)
	}
	if cmd.Sync != sd1.SyncNone && cmd.Sync != sd1.SyncCLK10 {
		return configErrorf(op, "unknown sync mode %d", cmd.Sync)
	}
	err := c.s.withLock(func() error {
		return hwError("DAQtriggerExternalConfig",
			c.s.drv.DAQTriggerExternalConfig(0, cmd.Source, cmd.Behavior, cmd.Sync))
	})
	if err != nil {
		return err
	}
	t := &c.settings.Trigger
	t.ExternalSource, t.Behavior, t.Sync = cmd.Source, cmd.Behavior, cmd.Sync
	return nil
}

func (c *Configurator) setTriggerIO(cmd SetTriggerIO) error {
	if cmd.Direction != sd1.TriggerOut && cmd.Direction != sd1.TriggerIn {
		return configErrorf("SetTriggerIO", "unknown direction %d", cmd.Direction)
	}
	err := c.s.withLock(func() error {
		return hwError("triggerIOconfig", c.s.drv.TriggerIOConfig(cmd.Direction))
	})
	if err != nil {
		return err
	}
	c.settings.Trigger.Direction = cmd.Direction
	return nil
}

func (c *Configurator) setAnalogTrigger(cmd SetAnalogTrigger) error {
	const op = "SetAnalogTrigger"
	if err := c.checkChannel(op, cmd.Channel); err != nil {
		return err
	}
	if cmd.Mode < sd1.RisingEdge || cmd.Mode > sd1.BothEdges {
		return configErrorf(op, "unknown analog trigger mode %d", cmd.Mode)
	}
	err := c.s.withLock(func() error {
		return hwError("channelTriggerConfig",
			c.s.drv.ChannelTriggerConfig(c.s.HWChannel(cmd.Channel), cmd.Mode, cmd.Threshold))
	})
	if err != nil {
		return err
	}
	t := &c.settings.Trigger
	t.AnalogChannel, t.AnalogMode, t.Threshold = cmd.Channel, cmd.Mode, cmd.Threshold
	return nil
}

func (c *Configurator) setChannelInput(cmd SetChannelInput) error {
	const op = "SetChannelInput"
	if err := c.checkChannel(op, cmd.Channel); err != nil {
		return err
	}
	if !(cmd.Range > 0) {
		return configErrorf(op, "range %v must be positive", cmd.Range)
	}
	if cmd.Impedance != sd1.HighZ && cmd.Impedance != sd1.Ohm50 {
		return configErrorf(op, "unknown impedance %d", cmd.Impedance)
	}
	if cmd.Coupling != sd1.DC && cmd.Coupling != sd1.AC {
		return configErrorf(op, "unknown coupling %d", cmd.Coupling)
	}
	next := c.settings.Channels[cmd.Channel]
	next.Range, next.Impedance, next.Coupling = cmd.Range, cmd.Impedance, cmd.Coupling
	err := c.s.withLock(func() error {
		return hwError("channelInputConfig", c.s.drv.ChannelInputConfig(
			c.s.HWChannel(cmd.Channel), next.EffectiveRange(), next.Impedance, next.Coupling))
	})
	if err != nil {
		return err
	}
	c.settings.Channels[cmd.Channel] = next
	return nil
}

func validTriggerMode(m sd1.TriggerMode) bool {
	return m >= sd1.AutoTrigger && m <= sd1.AnalogTrigger
}

func validExternalSource(src sd1.ExternalSource) bool {
	return src == sd1.ExternalTrigger || (src >= sd1.PXITrigger && src <= sd1.PXITrigger+7)
}
