package sd1

import (
	"fmt"
	"sync"
	"time"

	"github.com/davecgh/go-spew/spew"
)

func init() {
	RegisterBackend("sim", func() (Digitizer, error) {
		return NewNoHardware("M3102A", "4.0", 4)
	})
}

// SandboxRegisters are the host registers exposed by the accumulator image.
var SandboxRegisters = []string{
	"HostRegBank_accum_init",
	"HostRegBank_accum_num",
	"HostRegBank_accum_length",
}

// transport words per accumulated sample, and the filler of the unused ones.
const (
	wordsPerSample = 5
	paddingWord    = 0x5a5a
)

// RegisterWrite is one entry of the register write journal of NoHardware.
type RegisterWrite struct {
	Name  string
	Value int32
}

// InputConfig is the last ChannelInputConfig of one channel.
type InputConfig struct {
	FullScale float64
	Impedance Impedance
	Coupling  Coupling
}

// DAQSettings is the DAQ setup of one channel, as programmed.
type DAQSettings struct {
	PointsPerCycle int
	Cycles         int
	TriggerDelay   int
	Mode           TriggerMode

	External       bool // DAQTriggerExternalConfig was called
	ExternalSource ExternalSource
	Behavior       TriggerBehavior
	Sync           SyncMode
	Digital        bool // DAQDigitalTriggerConfig was called
	AnalogMask     uint32
}

// NoHardware is a drop in replacement for a digitizer module that requires no
// hardware. Every accumulated sample it returns is given by the sample function
// (constant 0 by default), packed in 5 transport words.
type NoHardware struct {
	mu sync.Mutex

	product   string
	serial    string
	hwVersion string
	fwVersion string
	nchan     int
	chOrigin  int
	chassis   int
	slot      int

	isOpen    bool
	image     string
	sandbox   map[string]bool
	registers map[string]*simRegister

	journal []RegisterWrite
	calls   []string
	inputs  map[int]InputConfig
	analog  map[int]AnalogTriggerMode
	daq     map[int]*DAQSettings
	started uint32
	flushed []uint32
	reads   []int
	trigIO  TriggerDirection

	sample   func(ch, index int) int32
	fail     map[string]int
	timeouts map[int]bool
	empty    bool
	hook     func(op string) error
}

// NewNoHardware returns an emulated module with the given product name,
// hardware version and number of channels. Channel numbers start at 1 when the
// hardware version is 4 or later, as on the real modules.
func NewNoHardware(product, hwVersion string, nchan int) (*NoHardware, error) {
	if nchan <= 0 {
		return nil, fmt.Errorf("NewNoHardware: nchan=%d must be positive", nchan)
	}
	var major int
	if _, err := fmt.Sscanf(hwVersion, "%d", &major); err != nil {
		return nil, fmt.Errorf("NewNoHardware: invalid hardware version %q: %w", hwVersion, err)
	}
	dev := &NoHardware{
		product:   product,
		serial:    fmt.Sprintf("SIM-%s-0001", product),
		hwVersion: hwVersion,
		fwVersion: "2.2.6",
		nchan:     nchan,
		chassis:   1,
		slot:      -1, // any slot
		sandbox:   make(map[string]bool),
		registers: make(map[string]*simRegister),
		inputs:    make(map[int]InputConfig),
		analog:    make(map[int]AnalogTriggerMode),
		daq:       make(map[int]*DAQSettings),
		fail:      make(map[string]int),
		timeouts:  make(map[int]bool),
		sample:    func(int, int) int32 { return 0 },
	}
	if major >= 4 {
		dev.chOrigin = 1
	}
	for _, name := range SandboxRegisters {
		dev.sandbox[name] = true
	}
	return dev, nil
}

// SetLocation restricts the emulated module to one chassis and slot.
func (dev *NoHardware) SetLocation(chassis, slot int) {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	dev.chassis = chassis
	dev.slot = slot
}

// SetSample sets the value of every accumulated sample read from the DAQ.
func (dev *NoHardware) SetSample(fn func(ch, index int) int32) {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	dev.sample = fn
}

// FailOn makes the next calls of op fail with the given status code.
// A zero code clears the failure.
func (dev *NoHardware) FailOn(op string, code int) {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	if code == 0 {
		delete(dev.fail, op)
		return
	}
	dev.fail[op] = code
}

// TimeoutOn makes reads of hardware channel ch time out.
func (dev *NoHardware) TimeoutOn(ch int, timeout bool) {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	dev.timeouts[ch] = timeout
}

// SetEmptyReads makes DAQRead return no data and no error.
func (dev *NoHardware) SetEmptyReads(empty bool) {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	dev.empty = empty
}

// SetHook installs a function called before every module call. An error from
// the hook fails the call.
func (dev *NoHardware) SetHook(fn func(op string) error) {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	dev.hook = fn
}

// DropRegister removes a register from the sandbox of the next loaded image.
func (dev *NoHardware) DropRegister(name string) {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	delete(dev.sandbox, name)
}

// Journal returns a copy of all sandbox register writes, in order.
func (dev *NoHardware) Journal() []RegisterWrite {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	return append([]RegisterWrite(nil), dev.journal...)
}

// ResetJournal clears the register write and call journals.
func (dev *NoHardware) ResetJournal() {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	dev.journal = nil
	dev.calls = nil
	dev.reads = nil
	dev.flushed = nil
}

// Calls returns the names of the module calls made so far, in order.
func (dev *NoHardware) Calls() []string {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	return append([]string(nil), dev.calls...)
}

// Reads returns the hardware channels read by DAQRead, in order.
func (dev *NoHardware) Reads() []int {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	return append([]int(nil), dev.reads...)
}

// Flushed returns the masks given to DAQFlushMultiple, in order.
func (dev *NoHardware) Flushed() []uint32 {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	return append([]uint32(nil), dev.flushed...)
}

// Started returns the mask of the last DAQStartMultiple.
func (dev *NoHardware) Started() uint32 {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	return dev.started
}

// DAQ returns the DAQ setup of hardware channel ch.
func (dev *NoHardware) DAQ(ch int) (DAQSettings, bool) {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	d, ok := dev.daq[ch]
	if !ok {
		return DAQSettings{}, false
	}
	return *d, true
}

// Input returns the input setup of hardware channel ch.
func (dev *NoHardware) Input(ch int) (InputConfig, bool) {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	in, ok := dev.inputs[ch]
	return in, ok
}

// AnalogTrigger returns the analog trigger mode of hardware channel ch.
func (dev *NoHardware) AnalogTrigger(ch int) (AnalogTriggerMode, bool) {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	m, ok := dev.analog[ch]
	return m, ok
}

// Image returns the path of the last loaded FPGA image.
func (dev *NoHardware) Image() string {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	return dev.image
}

// IsOpen reports whether the emulated module is open.
func (dev *NoHardware) IsOpen() bool {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	return dev.isOpen
}

// Inspect returns a dump of the emulated module state.
func (dev *NoHardware) Inspect() string {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	return spew.Sdump(dev.daq, dev.inputs, dev.journal)
}

// enter records a call and runs the hook and failure injection. Callers hold dev.mu.
func (dev *NoHardware) enter(op string) error {
	dev.calls = append(dev.calls, op)
	if dev.hook != nil {
		if err := dev.hook(op); err != nil {
			return err
		}
	}
	if code, ok := dev.fail[op]; ok {
		return NewStatusError(op, code)
	}
	return nil
}

func (dev *NoHardware) enterOpen(op string) error {
	if err := dev.enter(op); err != nil {
		return err
	}
	if !dev.isOpen {
		return NewStatusError(op, StatusModuleNotOpened)
	}
	return nil
}

func (dev *NoHardware) checkChannel(op string, ch int) error {
	if ch < dev.chOrigin || ch >= dev.chOrigin+dev.nchan {
		return NewStatusError(op, StatusInvalidChannel)
	}
	return nil
}

func (dev *NoHardware) here(chassis, slot int) bool {
	return chassis == dev.chassis && (dev.slot < 0 || slot == dev.slot)
}

// ProductNameBySlot returns the product name of the module, if present.
func (dev *NoHardware) ProductNameBySlot(chassis, slot int) (string, error) {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	const op = "getProductNameBySlot"
	if err := dev.enter(op); err != nil {
		return "", err
	}
	if !dev.here(chassis, slot) {
		return "", NewStatusError(op, StatusOpeningModule)
	}
	return dev.product, nil
}

// SerialNumberBySlot returns the serial number of the module, if present.
func (dev *NoHardware) SerialNumberBySlot(chassis, slot int) (string, error) {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	const op = "getSerialNumberBySlot"
	if err := dev.enter(op); err != nil {
		return "", err
	}
	if !dev.here(chassis, slot) {
		return "", NewStatusError(op, StatusOpeningModule)
	}
	return dev.serial, nil
}

// OpenWithSlot opens the module; it errors if already open.
func (dev *NoHardware) OpenWithSlot(product string, chassis, slot int) error {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	const op = "openWithSlot"
	if err := dev.enter(op); err != nil {
		return err
	}
	if dev.isOpen || product != dev.product || !dev.here(chassis, slot) {
		return NewStatusError(op, StatusOpeningModule)
	}
	dev.isOpen = true
	return nil
}

// HardwareVersion returns the hardware version string.
func (dev *NoHardware) HardwareVersion() (string, error) {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	if err := dev.enterOpen("getHardwareVersion"); err != nil {
		return "", err
	}
	return dev.hwVersion, nil
}

// FirmwareVersion returns the firmware version string.
func (dev *NoHardware) FirmwareVersion() (string, error) {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	if err := dev.enterOpen("getFirmwareVersion"); err != nil {
		return "", err
	}
	return dev.fwVersion, nil
}

// Close errors if already closed.
func (dev *NoHardware) Close() error {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	if err := dev.enterOpen("close"); err != nil {
		return err
	}
	dev.isOpen = false
	dev.started = 0
	return nil
}

// FPGALoad loads an image. The sandbox registers of any loaded image are the
// ones of the accumulator image, minus the dropped ones.
func (dev *NoHardware) FPGALoad(path string) error {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	const op = "FPGAload"
	if err := dev.enterOpen(op); err != nil {
		return err
	}
	if path == "" {
		return NewStatusError(op, StatusFileDoesNotExist)
	}
	dev.image = path
	dev.registers = make(map[string]*simRegister)
	for name := range dev.sandbox {
		dev.registers[name] = &simRegister{dev: dev, name: name}
	}
	return nil
}

// SandboxRegister returns the named register of the loaded image.
func (dev *NoHardware) SandboxRegister(name string) (Register, error) {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	const op = "FPGAgetSandBoxRegister"
	if err := dev.enterOpen(op); err != nil {
		return nil, err
	}
	reg, ok := dev.registers[name]
	if !ok {
		return nil, NewStatusError(op, StatusRegisterNotFound)
	}
	return reg, nil
}

// ChannelInputConfig records the input setup of ch.
func (dev *NoHardware) ChannelInputConfig(ch int, fullScale float64, imp Impedance, coup Coupling) error {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	const op = "channelInputConfig"
	if err := dev.enterOpen(op); err != nil {
		return err
	}
	if err := dev.checkChannel(op, ch); err != nil {
		return err
	}
	if fullScale <= 0 {
		return NewStatusError(op, StatusInvalidValue)
	}
	dev.inputs[ch] = InputConfig{FullScale: fullScale, Impedance: imp, Coupling: coup}
	return nil
}

// ChannelTriggerConfig records the analog trigger setup of ch.
func (dev *NoHardware) ChannelTriggerConfig(ch int, mode AnalogTriggerMode, threshold float64) error {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	const op = "channelTriggerConfig"
	if err := dev.enterOpen(op); err != nil {
		return err
	}
	if err := dev.checkChannel(op, ch); err != nil {
		return err
	}
	dev.analog[ch] = mode
	return nil
}

// TriggerIOConfig records the trigger connector direction.
func (dev *NoHardware) TriggerIOConfig(dir TriggerDirection) error {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	if err := dev.enterOpen("triggerIOconfig"); err != nil {
		return err
	}
	dev.trigIO = dir
	return nil
}

func (dev *NoHardware) daqOf(ch int) *DAQSettings {
	d, ok := dev.daq[ch]
	if !ok {
		d = new(DAQSettings)
		dev.daq[ch] = d
	}
	return d
}

// DAQTriggerExternalConfig records the external trigger of the DAQ of ch.
// Channel 0 is accepted as the module-wide setting.
func (dev *NoHardware) DAQTriggerExternalConfig(ch int, src ExternalSource, behavior TriggerBehavior, sync SyncMode) error {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	const op = "DAQtriggerExternalConfig"
	if err := dev.enterOpen(op); err != nil {
		return err
	}
	if ch != 0 {
		if err := dev.checkChannel(op, ch); err != nil {
			return err
		}
	}
	d := dev.daqOf(ch)
	d.External = true
	d.ExternalSource = src
	d.Behavior = behavior
	d.Sync = sync
	return nil
}

// DAQDigitalTriggerConfig records the digital trigger of the DAQ of ch.
func (dev *NoHardware) DAQDigitalTriggerConfig(ch int, src ExternalSource, behavior TriggerBehavior) error {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	const op = "DAQdigitalTriggerConfig"
	if err := dev.enterOpen(op); err != nil {
		return err
	}
	if err := dev.checkChannel(op, ch); err != nil {
		return err
	}
	d := dev.daqOf(ch)
	d.Digital = true
	d.ExternalSource = src
	d.Behavior = behavior
	return nil
}

// DAQTriggerConfig records the trigger sources of the DAQ of ch.
func (dev *NoHardware) DAQTriggerConfig(ch int, digitalMode, digitalSource int, analogMask uint32) error {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	const op = "DAQtriggerConfig"
	if err := dev.enterOpen(op); err != nil {
		return err
	}
	if err := dev.checkChannel(op, ch); err != nil {
		return err
	}
	dev.daqOf(ch).AnalogMask = analogMask
	return nil
}

// DAQConfig records the acquisition setup of the DAQ of ch.
func (dev *NoHardware) DAQConfig(ch, pointsPerCycle, nCycles, triggerDelay int, mode TriggerMode) error {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	const op = "DAQconfig"
	if err := dev.enterOpen(op); err != nil {
		return err
	}
	if err := dev.checkChannel(op, ch); err != nil {
		return err
	}
	if pointsPerCycle <= 0 || nCycles <= 0 {
		return NewStatusError(op, StatusInvalidValue)
	}
	d := dev.daqOf(ch)
	d.PointsPerCycle = pointsPerCycle
	d.Cycles = nCycles
	d.TriggerDelay = triggerDelay
	d.Mode = mode
	return nil
}

// DAQFlush empties the DAQ buffer of ch.
func (dev *NoHardware) DAQFlush(ch int) error {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	const op = "DAQflush"
	if err := dev.enterOpen(op); err != nil {
		return err
	}
	if err := dev.checkChannel(op, ch); err != nil {
		return err
	}
	dev.started &^= 1 << uint(ch-dev.chOrigin)
	return nil
}

// DAQFlushMultiple empties the DAQ buffers of the channels in mask.
// Bit n of the mask is the n-th channel of the module.
func (dev *NoHardware) DAQFlushMultiple(mask uint32) error {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	if err := dev.enterOpen("DAQflushMultiple"); err != nil {
		return err
	}
	dev.flushed = append(dev.flushed, mask)
	dev.started &^= mask
	return nil
}

// DAQStartMultiple starts the DAQs of the channels in mask.
func (dev *NoHardware) DAQStartMultiple(mask uint32) error {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	const op = "DAQstartMultiple"
	if err := dev.enterOpen(op); err != nil {
		return err
	}
	for n := 0; n < dev.nchan; n++ {
		if mask&(1<<uint(n)) == 0 {
			continue
		}
		d, ok := dev.daq[dev.chOrigin+n]
		if !ok || d.PointsPerCycle == 0 {
			return NewStatusError(op, StatusDAQNotConfigured)
		}
	}
	dev.started |= mask
	return nil
}

// DAQRead fills buf with packed accumulated samples of ch. Each sample takes 5
// words: the low and high halves of the signed 32-bit value, then padding.
func (dev *NoHardware) DAQRead(ch int, buf []uint16, timeout time.Duration) (int, error) {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	const op = "DAQread"
	if err := dev.enterOpen(op); err != nil {
		return 0, err
	}
	if err := dev.checkChannel(op, ch); err != nil {
		return 0, err
	}
	dev.reads = append(dev.reads, ch)
	d, ok := dev.daq[ch]
	if !ok || dev.started&(1<<uint(ch-dev.chOrigin)) == 0 {
		return 0, NewStatusError(op, StatusDAQNotConfigured)
	}
	if dev.timeouts[ch] {
		return 0, NewStatusError(op, StatusTimeout)
	}
	if dev.empty {
		return 0, nil
	}

	n := len(buf)
	if avail := d.PointsPerCycle * d.Cycles; n > avail {
		n = avail
	}
	for i := 0; i < n; i++ {
		buf[i] = paddingWord
	}
	for b := 0; (b+1)*wordsPerSample <= n; b++ {
		v := uint32(dev.sample(ch, b))
		buf[b*wordsPerSample] = uint16(v)
		buf[b*wordsPerSample+1] = uint16(v >> 16)
	}
	// The DAQ is drained once read.
	dev.started &^= 1 << uint(ch-dev.chOrigin)
	return n, nil
}

// simRegister is a sandbox register of NoHardware; writes go to the journal.
type simRegister struct {
	dev   *NoHardware
	name  string
	value int32
}

func (r *simRegister) Name() string { return r.name }

func (r *simRegister) WriteInt32(v int32) error {
	r.dev.mu.Lock()
	defer r.dev.mu.Unlock()
	if err := r.dev.enterOpen("writeRegisterInt32"); err != nil {
		return err
	}
	r.value = v
	r.dev.journal = append(r.dev.journal, RegisterWrite{Name: r.name, Value: v})
	return nil
}

func (r *simRegister) ReadInt32() (int32, error) {
	r.dev.mu.Lock()
	defer r.dev.mu.Unlock()
	if err := r.dev.enterOpen("readRegisterInt32"); err != nil {
		return 0, err
	}
	return r.value, nil
}

var _ Digitizer = (*NoHardware)(nil)
