package pxidig

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"sync"
	"time"

	"github.com/qstl/pxidig/internal/pxidb"
	"github.com/qstl/pxidig/sd1"
	"github.com/spf13/viper"
)

// DigitizerControl is the RPC server that opens, configures and reads one
// digitizer module.
type DigitizerControl struct {
	mu         sync.Mutex
	backend    string
	sessionCfg SessionConfig
	session    *Session
	config     *Configurator
	engine     *Engine

	clientUpdates chan<- ClientUpdate
	db            *pxidb.Connection
}

// ServerStatus is the status that DigitizerControl reports to clients.
type ServerStatus struct {
	Open            bool
	Backend         string
	State           string
	Error           string `json:",omitempty"`
	Info            SessionInfo
	LastAcquisition string
}

// NewDigitizerControl returns a server for the module described by cfg,
// reached through the named sd1 backend. A nil db records nothing.
func NewDigitizerControl(backend string, cfg SessionConfig, messages chan<- ClientUpdate,
	db *pxidb.Connection) *DigitizerControl {
	if db == nil {
		db = pxidb.Dummy()
	}
	return &DigitizerControl{
		backend:       backend,
		sessionCfg:    cfg,
		clientUpdates: messages,
		db:            db,
	}
}

// OpenArgs are the arguments of Open. Zero values keep the configured ones.
type OpenArgs struct {
	Chassis    int
	Slot       int
	TimeoutSec float64
}

// Open opens the module and restores its last saved settings.
func (s *DigitizerControl) Open(args *OpenArgs, reply *bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session != nil {
		return fmt.Errorf("digitizer is already open (you should call Close)")
	}
	cfg := s.sessionCfg
	if args != nil {
		if args.Chassis > 0 {
			cfg.Chassis = args.Chassis
		}
		if args.Slot > 0 {
			cfg.Slot = args.Slot
		}
		if args.TimeoutSec > 0 {
			cfg.Timeout = time.Duration(args.TimeoutSec * float64(time.Second))
		}
	}
	drv, err := sd1.New(s.backend)
	if err != nil {
		return err
	}
	session, err := Open(drv, cfg)
	if err != nil {
		return err
	}
	s.session = session
	s.sessionCfg = cfg
	s.config = NewConfigurator(session)
	s.engine = NewEngine(session, s.config)
	s.engine.OnArmed = func(a Acquisition) {
		s.clientUpdates <- ClientUpdate{"ARMED", a}
	}
	s.engine.OnDone = s.acquisitionDone

	var saved Settings
	if err := viper.UnmarshalKey("lastdigitizer", &saved); err == nil && len(saved.Channels) > 0 {
		if len(saved.Channels) != session.NChannels() {
			ProblemLogger.Printf("Saved settings for %d channels ignored: module has %d",
				len(saved.Channels), session.NChannels())
		} else if err := s.config.Restore(saved); err != nil {
			ProblemLogger.Printf("Could not restore saved settings: %v", err)
		}
	}
	s.broadcastUpdate()
	s.broadcastSettings()
	*reply = true
	return nil
}

// Close closes the module.
func (s *DigitizerControl) Close(dummy *string, reply *bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return fmt.Errorf("no digitizer is open")
	}
	s.session.Close()
	s.session, s.config, s.engine = nil, nil, nil
	s.broadcastUpdate()
	*reply = true
	return nil
}

func (s *DigitizerControl) requireOpen() error {
	if s.session == nil {
		return fmt.Errorf("no digitizer is open (you should call Open)")
	}
	return nil
}

// LoadImage loads the factory image if *reset, else the accumulator image.
func (s *DigitizerControl) LoadImage(reset *bool, reply *bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireOpen(); err != nil {
		return err
	}
	err := s.session.LoadImage(reset != nil && *reset)
	*reply = (err == nil)
	s.broadcastUpdate()
	return err
}

// Configure applies a batch of commands and saves the resulting settings.
func (s *DigitizerControl) Configure(batch *CommandBatch, reply *bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireOpen(); err != nil {
		return err
	}
	err := s.config.ApplyAll(batch.Commands())
	*reply = (err == nil)
	s.saveSettings()
	s.broadcastSettings()
	return err
}

// PerformArmArgs are the arguments of PerformArm.
type PerformArmArgs struct {
	Mode  DriveMode
	Index int
	Count int
}

// PerformArm runs one hardware-looped sweep.
func (s *DigitizerControl) PerformArm(args *PerformArmArgs, reply *bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireOpen(); err != nil {
		return err
	}
	err := s.engine.PerformArm(args.Mode, LoopState{Index: args.Index, Count: args.Count})
	*reply = (err == nil)
	s.broadcastUpdate()
	return err
}

// Acquire arms and reads one sequence point.
func (s *DigitizerControl) Acquire(dummy *string, reply *bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireOpen(); err != nil {
		return err
	}
	err := s.engine.Acquire()
	*reply = (err == nil)
	s.broadcastUpdate()
	return err
}

// TraceArgs selects a trace.
type TraceArgs struct {
	Channel int
	Seq     int
}

// TraceReply is a voltage trace with its sample spacing.
type TraceReply struct {
	Dt     float64
	Values []float64
}

// GetTrace returns the flat trace of a channel.
func (s *DigitizerControl) GetTrace(args *TraceArgs, reply *TraceReply) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireOpen(); err != nil {
		return err
	}
	values := s.engine.Trace(args.Channel)
	if values == nil {
		return fmt.Errorf("no trace for channel %d", args.Channel)
	}
	reply.Dt = s.engine.Dt()
	reply.Values = values
	return nil
}

// GetSequenceTrace returns the trace of a channel at one point of the last sweep.
func (s *DigitizerControl) GetSequenceTrace(args *TraceArgs, reply *TraceReply) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireOpen(); err != nil {
		return err
	}
	values, err := s.engine.SequenceTrace(args.Channel, args.Seq)
	if err != nil {
		return err
	}
	reply.Dt = s.engine.Dt()
	reply.Values = values
	return nil
}

// Export writes the last traces as NumPy files in dir and returns their names.
func (s *DigitizerControl) Export(dir *string, reply *[]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireOpen(); err != nil {
		return err
	}
	names, err := s.engine.Export(*dir)
	*reply = names
	return err
}

// Status returns the server status.
func (s *DigitizerControl) Status(dummy *string, reply *ServerStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	*reply = s.status()
	return nil
}

func (s *DigitizerControl) status() ServerStatus {
	st := ServerStatus{Backend: s.backend, State: "Closed"}
	if s.session == nil {
		return st
	}
	st.Open = true
	st.Info = s.session.Info()
	state, err := s.engine.State()
	st.State = state.String()
	if err != nil {
		st.Error = err.Error()
	}
	st.LastAcquisition = s.engine.Last().ID
	return st
}

func (s *DigitizerControl) broadcastUpdate() {
	s.clientUpdates <- ClientUpdate{"STATUS", s.status()}
}

func (s *DigitizerControl) broadcastSettings() {
	if s.config != nil {
		s.clientUpdates <- ClientUpdate{"SETTINGS", s.config.Settings()}
	}
}

func (s *DigitizerControl) saveSettings() {
	viper.Set("lastdigitizer", s.config.Settings())
	if err := viper.WriteConfig(); err != nil {
		ProblemLogger.Printf("Could not save settings: %v", err)
	}
}

// acquisitionDone publishes and records a finished acquisition. It runs with
// the engine lock held, so it must not call back into the engine.
func (s *DigitizerControl) acquisitionDone(a Acquisition) {
	s.clientUpdates <- ClientUpdate{"ACQUISITION", a}
	if s.session == nil {
		return
	}
	info := s.session.Info()
	s.db.RecordAcquisition(&pxidb.AcquisitionMessage{
		ID:            a.ID,
		Product:       info.Product,
		Serial:        info.Serial,
		Chassis:       info.Chassis,
		Slot:          info.Slot,
		Mode:          a.Mode.String(),
		NSeq:          a.NSeq,
		ChannelMask:   a.Mask,
		Samples:       a.Params.Samples,
		Segments:      a.Segments,
		Accumulations: a.Params.Accumulations,
		Repetitions:   a.Params.Repetitions,
		Start:         a.Start,
		End:           a.End,
		Error:         a.Err,
	})
}

// RunRPCServer sets up and runs a JSON-RPC server for control on port portrpc
// until ctx is done.
func RunRPCServer(ctx context.Context, control *DigitizerControl, portrpc int) error {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", portrpc))
	if err != nil {
		return fmt.Errorf("listen error: %w", err)
	}
	return ServeRPC(ctx, control, listener)
}

// ServeRPC accepts JSON-RPC connections on listener until ctx is done, and
// broadcasts the status every 2 seconds meanwhile.
func ServeRPC(ctx context.Context, control *DigitizerControl, listener net.Listener) error {
	server := rpc.NewServer()
	if err := server.Register(control); err != nil {
		listener.Close()
		return err
	}
	UpdateLogger.Printf("Using config file %s", viper.ConfigFileUsed())

	go func() {
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				listener.Close()
				return
			case <-ticker.C:
				control.mu.Lock()
				control.broadcastUpdate()
				control.mu.Unlock()
			}
		}
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept error: %w", err)
		}
		UpdateLogger.Printf("new connection established")
		go server.ServeCodec(jsonrpc.NewServerCodec(conn))
	}
}
