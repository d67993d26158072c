package pxidig

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/qstl/pxidig/pxilock"
	"github.com/qstl/pxidig/sd1"
)

// Names of the accumulator host registers in the sandbox of the accumulator image.
const (
	regAccumInit   = "HostRegBank_accum_init"
	regAccumNum    = "HostRegBank_accum_num"
	regAccumLength = "HostRegBank_accum_length"
)

// Default image file names, looked up in the bitstreams directory.
const (
	DefaultAccumulatorImage = "qstl_digitizer.k7z"
	DefaultFactoryImage     = "default_M3102A_ch4_clf_k41_BSP_02_02_06.k7z"
)

// SessionConfig holds everything needed to open a module.
type SessionConfig struct {
	Address
	Timeout          time.Duration // maximum wait for the module lock
	LockDir          string        // directory of the lock files; os.TempDir() if empty
	AccumulatorImage string        // path of the accumulator image
	FactoryImage     string        // path of the factory image
	Models           []Model       // allow-list; DefaultModels if empty
}

func (cfg *SessionConfig) setDefaults() {
	if cfg.LockDir == "" {
		cfg.LockDir = os.TempDir()
	}
	if cfg.AccumulatorImage == "" {
		cfg.AccumulatorImage = filepath.Join("bitstreams", DefaultAccumulatorImage)
	}
	if cfg.FactoryImage == "" {
		cfg.FactoryImage = filepath.Join("bitstreams", DefaultFactoryImage)
	}
	if len(cfg.Models) == 0 {
		cfg.Models = DefaultModels
	}
}

// SessionInfo describes an open module.
type SessionInfo struct {
	Address
	Product         string
	Serial          string
	Model           string
	HardwareVersion string
	FirmwareVersion string
	ChannelOrigin   int
	NChannels       int
	Dt              float64
	Image           string
}

// Session is an open module: its handle, identity, lock and accumulator
// registers. All hardware calls made through a Session hold the module lock.
type Session struct {
	drv    sd1.Digitizer
	cfg    SessionConfig
	lock   pxilock.Locker
	info   SessionInfo
	family Family

	accumInit   sd1.Register
	accumNum    sd1.Register
	accumLength sd1.Register

	opened bool // the hardware handle is open
	closed bool
}

// Open identifies the module at cfg.Address, checks it against the allow-list,
// opens it, loads the accumulator image and resolves its registers. On error
// everything acquired so far is released.
func Open(drv sd1.Digitizer, cfg SessionConfig) (*Session, error) {
	cfg.setDefaults()
	s := &Session{
		drv: drv,
		cfg: cfg,
		lock: pxilock.Locker{
			Dir:     cfg.LockDir,
			Chassis: cfg.Chassis,
			Slot:    cfg.Slot,
			Timeout: cfg.Timeout,
		},
	}
	s.info.Address = cfg.Address

	if err := s.open(); err != nil {
		s.teardown()
		ProblemLogger.Printf("Could not open digitizer at %s: %v", cfg.ResourceName(), err)
		return nil, err
	}
	UpdateLogger.Printf("Opened %s serial %s in chassis %d slot %d (hw %s, fw %s)",
		s.info.Product, s.info.Serial, cfg.Chassis, cfg.Slot, s.info.HardwareVersion, s.info.FirmwareVersion)
	if Verbose {
		UpdateLogger.Println(spew.Sdump(s.info))
	}
	return s, nil
}

func (s *Session) open() error {
	var (
		product, serial string
		idErr           error
	)
	err := s.withLock(func() error {
		product, idErr = s.drv.ProductNameBySlot(s.cfg.Chassis, s.cfg.Slot)
		if idErr == nil {
			serial, idErr = s.drv.SerialNumberBySlot(s.cfg.Chassis, s.cfg.Slot)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if idErr != nil || strings.TrimSpace(product) == "" {
		return fmt.Errorf("%w: no module in chassis %d slot %d: %v",
			ErrDeviceUnavailable, s.cfg.Chassis, s.cfg.Slot, idErr)
	}
	s.info.Product = product
	s.info.Serial = serial
	UpdateLogger.Printf("Serial: %s", serial)

	model, ok := matchModel(product, s.cfg.Models)
	if !ok {
		return &UnsupportedModelError{Product: product, Allowed: modelIDs(s.cfg.Models)}
	}
	s.family = FamilyOf(model.Name)
	s.info.Model = model.Name
	s.info.NChannels = s.family.NChannels
	s.info.Dt = s.family.Dt

	var openErr error
	err = s.withLock(func() error {
		if openErr = s.drv.OpenWithSlot(product, s.cfg.Chassis, s.cfg.Slot); openErr != nil {
			return nil
		}
		s.opened = true
		var err error
		if s.info.HardwareVersion, err = s.drv.HardwareVersion(); err != nil {
			return hwError("getHardwareVersion", err)
		}
		if s.info.FirmwareVersion, err = s.drv.FirmwareVersion(); err != nil {
			return hwError("getFirmwareVersion", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if openErr != nil {
		return fmt.Errorf("%w: %s: %v", ErrDeviceUnavailable, product, openErr)
	}
	origin, err := channelOrigin(s.info.HardwareVersion)
	if err != nil {
		return hwError("getHardwareVersion", err)
	}
	s.info.ChannelOrigin = origin

	if err := s.LoadImage(false); err != nil {
		return err
	}
	return s.resolveRegisters()
}

// channelOrigin returns the hardware number of the first channel: modules of
// hardware version 4 and later number their channels from 1.
func channelOrigin(hwVersion string) (int, error) {
	major := strings.TrimSpace(hwVersion)
	if i := strings.Index(major, "."); i >= 0 {
		major = major[:i]
	}
	v, err := strconv.Atoi(major)
	if err != nil {
		return 0, fmt.Errorf("invalid hardware version %q", hwVersion)
	}
	if v >= 4 {
		return 1, nil
	}
	return 0, nil
}

// resolveRegisters looks up the accumulator registers and resets the accumulator.
func (s *Session) resolveRegisters() error {
	return s.withLock(func() error {
		var err error
		if s.accumInit, err = s.register(regAccumInit); err != nil {
			return err
		}
		if err := s.pulseInit(); err != nil {
			return err
		}
		if s.accumNum, err = s.register(regAccumNum); err != nil {
			return err
		}
		s.accumLength, err = s.register(regAccumLength)
		return err
	})
}

func (s *Session) register(name string) (sd1.Register, error) {
	reg, err := s.drv.SandboxRegister(name)
	if err != nil {
		return nil, &RegisterError{Name: name, Text: statusText(err), Err: err}
	}
	return reg, nil
}

// withLock runs fn holding the module lock.
func (s *Session) withLock(fn func() error) error {
	return lockError(s.lock.Do(fn))
}

// pulseInit resets the accumulator by writing 1 then 0 to its init register.
// The caller must hold the module lock for both writes.
func (s *Session) pulseInit() error {
	if err := s.accumInit.WriteInt32(1); err != nil {
		return hwError("accum_init", err)
	}
	if err := s.accumInit.WriteInt32(0); err != nil {
		return hwError("accum_init", err)
	}
	return nil
}

// setAccumulator programs the accumulation length and count, between two
// resets of the accumulator. The caller must hold the module lock.
func (s *Session) setAccumulator(samples, accumulations int) error {
	if err := s.pulseInit(); err != nil {
		return err
	}
	if err := s.accumLength.WriteInt32(int32(samples)); err != nil {
		return hwError("accum_length", err)
	}
	if err := s.accumNum.WriteInt32(int32(accumulations)); err != nil {
		return hwError("accum_num", err)
	}
	return s.pulseInit()
}

// LoadImage loads the factory image when reset is true, and the accumulator
// image otherwise.
func (s *Session) LoadImage(reset bool) error {
	path := s.cfg.AccumulatorImage
	if reset {
		path = s.cfg.FactoryImage
	}
	UpdateLogger.Printf("Loading bitfile %s", path)
	var loadErr error
	if err := s.withLock(func() error {
		loadErr = s.drv.FPGALoad(path)
		return nil
	}); err != nil {
		return err
	}
	if loadErr != nil {
		return &ImageLoadError{Path: path, Text: statusText(loadErr), Err: loadErr}
	}
	s.info.Image = path
	return nil
}

// HWChannel returns the hardware number of logical channel n.
func (s *Session) HWChannel(n int) int {
	return n + s.info.ChannelOrigin
}

// NChannels returns the number of channels of the module.
func (s *Session) NChannels() int {
	return s.family.NChannels
}

// Family returns the sampling properties of the module.
func (s *Session) Family() Family {
	return s.family
}

// Info returns the identity of the module.
func (s *Session) Info() SessionInfo {
	return s.info
}

// Close flushes every channel and closes the module. It never fails, and
// closing twice is harmless. If the module lock could not be taken to close
// the handle, a later Close tries again.
func (s *Session) Close() error {
	if s == nil || s.closed {
		return nil
	}
	s.teardown()
	if s.closed {
		UpdateLogger.Printf("Closed digitizer in chassis %d slot %d", s.cfg.Chassis, s.cfg.Slot)
	}
	return nil
}

// teardown releases the hardware handle. Errors are logged, never returned.
// The session stays open while the close call itself could not run.
func (s *Session) teardown() {
	if !s.opened {
		s.closed = true
		return
	}
	if err := s.withLock(func() error {
		for n := 0; n < s.family.NChannels; n++ {
			if err := s.drv.DAQFlush(s.HWChannel(n)); err != nil {
				ProblemLogger.Printf("Close ch %d: %v", n, err)
			}
		}
		return nil
	}); err != nil {
		ProblemLogger.Printf("Close: could not flush channels: %v", err)
	}
	ran := false
	if err := s.withLock(func() error {
		ran = true
		return s.drv.Close()
	}); err != nil {
		ProblemLogger.Printf("Close: %v", err)
	}
	if !ran {
		return
	}
	s.opened = false
	s.closed = true
}
