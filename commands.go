package pxidig

import "github.com/qstl/pxidig/sd1"

// Command is one configuration change applied by a Configurator.
type Command interface {
	command()
}

// SetExternalTrigger selects the digital trigger input shared by all channels.
type SetExternalTrigger struct {
	Source   sd1.ExternalSource
	Behavior sd1.TriggerBehavior
	Sync     sd1.SyncMode
}

// SetTriggerIO sets the direction of the front-panel trigger connector.
type SetTriggerIO struct {
	Direction sd1.TriggerDirection
}

// SetAnalogTrigger sets the level trigger derived from one analog channel.
type SetAnalogTrigger struct {
	Channel   int
	Mode      sd1.AnalogTriggerMode
	Threshold float64 // volts
}

// SetChannelInput sets the nominal range, impedance and coupling of a channel.
// The three are always programmed together.
type SetChannelInput struct {
	Channel   int
	Range     float64 // nominal volts
	Impedance sd1.Impedance
	Coupling  sd1.Coupling
}

// EnableChannel includes or excludes a channel from the next acquisition.
type EnableChannel struct {
	Channel int
	Enabled bool
}

// SetAcquisition sets the acquisition parameters of the next arm.
type SetAcquisition struct {
	Params Params
}

func (SetExternalTrigger) command() {}
func (SetTriggerIO) command()       {}
func (SetAnalogTrigger) command()   {}
func (SetChannelInput) command()    {}
func (EnableChannel) command()      {}
func (SetAcquisition) command()     {}

// CommandBatch is the wire form of a group of commands. Commands are applied
// in field order, and the per-channel lists in list order.
type CommandBatch struct {
	ExternalTrigger *SetExternalTrigger `json:",omitempty"`
	TriggerIO       *SetTriggerIO       `json:",omitempty"`
	AnalogTrigger   *SetAnalogTrigger   `json:",omitempty"`
	Inputs          []SetChannelInput   `json:",omitempty"`
	Enables         []EnableChannel     `json:",omitempty"`
	Acquisition     *SetAcquisition     `json:",omitempty"`
}

// Commands returns the commands of the batch in the order they are applied.
func (b CommandBatch) Commands() []Command {
	var cmds []Command
	if b.ExternalTrigger != nil {
		cmds = append(cmds, *b.ExternalTrigger)
	}
	if b.TriggerIO != nil {
		cmds = append(cmds, *b.TriggerIO)
	}
	if b.AnalogTrigger != nil {
		cmds = append(cmds, *b.AnalogTrigger)
	}
	for _, in := range b.Inputs {
		cmds = append(cmds, in)
	}
	for _, en := range b.Enables {
		cmds = append(cmds, en)
	}
	if b.Acquisition != nil {
		cmds = append(cmds, *b.Acquisition)
	}
	return cmds
}
