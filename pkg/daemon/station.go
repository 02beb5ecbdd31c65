package daemon

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/charlie0129/rfof/pkg/board"
	"github.com/charlie0129/rfof/pkg/calibration"
	"github.com/charlie0129/rfof/pkg/chips/tla2528"
	"github.com/charlie0129/rfof/pkg/config"
	"github.com/charlie0129/rfof/pkg/events"
	"github.com/charlie0129/rfof/pkg/i2c"
	"github.com/charlie0129/rfof/pkg/instrument"
	"github.com/charlie0129/rfof/pkg/twotone"
)

var (
	ErrBusy               = errors.New("another job is running")
	ErrNotRunning         = errors.New("no calibration running")
	ErrNotConnected       = errors.New("instrument not connected")
	ErrAlreadyConnected   = errors.New("already connected")
	ErrBoardNotConnected  = errors.New("board not connected")
	ErrUnknownBoard       = errors.New("unknown board")
	ErrNoMeasurement      = errors.New("no measurement yet")
	ErrUnsupportedOnBoard = errors.New("not supported on this board")
)

const (
	jobCalibration = "calibration"
	jobMeasurement = "measurement"
)

// job is the single background operation the analyzer is busy with.
type job struct {
	name   string
	cancel context.CancelFunc
	done   chan struct{}
}

// boardSlot serializes access to one board's bus.
type boardSlot struct {
	mu     sync.Mutex
	ctrl   board.Controller
	serial string
}

// InstrumentStatus is returned by GET /instrument.
type InstrumentStatus struct {
	Connected  bool     `json:"connected"`
	Resource   string   `json:"resource,omitempty"`
	IDN        string   `json:"idn,omitempty"`
	Calibrated bool     `json:"calibrated"`
	InputPower *float64 `json:"inputPower,omitempty"`
	Job        string   `json:"job,omitempty"`
}

// AttenuationStatus is returned by the attenuation routes.
type AttenuationStatus struct {
	Board       board.Kind `json:"board"`
	Code        byte       `json:"code"`
	DB          float64    `json:"dB"`
	CommandedDB *float64   `json:"commandedDB,omitempty"`
	Mismatch    bool       `json:"mismatch,omitempty"`
}

// Station owns the analyzer session and both board buses. Each is opened
// and closed on its own.
type Station struct {
	conf config.Config
	hub  *events.EventHub

	mu       sync.Mutex
	inst     *instrument.Serialized
	resource string
	idn      string
	cal      *twotone.CalState
	engine   *twotone.Engine
	op       *remoteOperator
	calState calibration.State
	restored *calibration.State
	job      *job
	result   *twotone.Result
	boards   map[board.Kind]*boardSlot

	// connects in progress; each physical device gets one handle
	instConnecting  bool
	boardConnecting map[board.Kind]bool

	statePath string

	openSession func(r *instrument.Resource, timeout time.Duration) (instrument.Session, error)
	openBus     func(index int) (i2c.Bus, error)
}

func NewStation(conf config.Config, hub *events.EventHub, statePath string) *Station {
	return &Station{
		conf:      conf,
		hub:       hub,
		cal:       &twotone.CalState{},
		op:        newRemoteOperator(hub),
		calState:  calibration.State{Phase: calibration.PhaseIdle},
		boards:    make(map[board.Kind]*boardSlot),
		statePath: statePath,

		boardConnecting: make(map[board.Kind]bool),
		openSession: func(r *instrument.Resource, timeout time.Duration) (instrument.Session, error) {
			return instrument.Open(r, timeout)
		},
		openBus: func(index int) (i2c.Bus, error) {
			return i2c.OpenMCP2221(index, i2c.MCP2221VID, i2c.MCP2221PID)
		},
	}
}

func (s *Station) sweepConfig() twotone.SweepConfig {
	c := twotone.DefaultSweepConfig()
	c.StartHz = s.conf.SweepStartHz()
	c.StopHz = s.conf.SweepStopHz()
	c.Points = s.conf.SweepPoints()
	c.IFBandwidthHz = s.conf.IFBandwidthHz()
	c.PowerMeterTimeout = s.conf.PowerMeterTimeout()
	return c
}

func (s *Station) measureConfig() twotone.MeasureConfig {
	c := twotone.DefaultMeasureConfig()
	c.PrimaryStartHz = s.conf.MeasureStartHz()
	c.PrimaryStopHz = s.conf.MeasureStopHz()
	c.TraceTimeout = s.conf.TraceTimeout()
	return c
}

// ConnectInstrument opens the analyzer at resource, or at the configured
// resource if empty.
func (s *Station) ConnectInstrument(resource string) (*InstrumentStatus, error) {
	if resource == "" {
		resource = s.conf.InstrumentResource()
	}
	r, err := instrument.ParseResource(resource)
	if err != nil {
		return nil, err
	}
	if r.Transport == instrument.TransportGPIB && r.SerialPort == "" {
		r.SerialPort = s.conf.PrologixPort()
	}

	s.mu.Lock()
	if s.inst != nil {
		s.mu.Unlock()
		return nil, pkgerrors.Wrapf(ErrAlreadyConnected, "instrument %s", s.resource)
	}
	if s.instConnecting {
		s.mu.Unlock()
		return nil, pkgerrors.Wrap(ErrAlreadyConnected, "instrument connection in progress")
	}
	s.instConnecting = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.instConnecting = false
		s.mu.Unlock()
	}()

	sess, err := s.openSession(r, s.conf.DefaultTimeout())
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to open %s", r)
	}
	idn, err := instrument.Identify(sess)
	if err != nil {
		_ = sess.Close()
		return nil, pkgerrors.Wrapf(err, "%s did not identify", r)
	}

	s.mu.Lock()
	s.inst = instrument.Serialize(sess)
	s.resource = r.String()
	s.idn = idn
	s.cal = &twotone.CalState{}
	s.engine = twotone.NewEngine(s.inst, s.cal, s.measureConfig())
	if rs := s.restored; rs != nil && rs.Calibrated() && rs.Resource == s.resource {
		s.cal.Restore(*rs.InputPower)
		s.calState = *rs
		logrus.WithFields(logrus.Fields{
			"resource":   s.resource,
			"inputPower": *rs.InputPower,
		}).Info("restored calibration from previous run")
	}
	s.restored = nil
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"resource": r.String(),
		"idn":      idn,
	}).Info("instrument connected")
	return s.InstrumentStatus(), nil
}

// DisconnectInstrument closes the analyzer session. It refuses while a
// job is using it.
func (s *Station) DisconnectInstrument() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.inst == nil {
		return ErrNotConnected
	}
	if s.job != nil {
		return ErrBusy
	}
	err := s.inst.Close()
	s.inst = nil
	s.engine = nil
	s.cal = &twotone.CalState{}
	logrus.WithField("resource", s.resource).Info("instrument disconnected")
	return err
}

func (s *Station) InstrumentStatus() *InstrumentStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := &InstrumentStatus{Connected: s.inst != nil}
	if s.job != nil {
		st.Job = s.job.name
	}
	if s.inst == nil {
		return st
	}
	st.Resource = s.resource
	st.IDN = s.idn
	if p, ok := s.cal.InputPower(); ok {
		st.Calibrated = true
		st.InputPower = &p
	}
	return st
}

// startJob runs fn in the background unless another job is running.
func (s *Station) startJob(name string, fn func(ctx context.Context) error) (*job, error) {
	s.mu.Lock()
	if s.inst == nil {
		s.mu.Unlock()
		return nil, ErrNotConnected
	}
	if s.job != nil {
		s.mu.Unlock()
		return nil, pkgerrors.Wrapf(ErrBusy, "%s in progress", s.job.name)
	}
	ctx, cancel := context.WithCancel(context.Background())
	j := &job{name: name, cancel: cancel, done: make(chan struct{})}
	s.job = j
	s.mu.Unlock()

	go func() {
		defer close(j.done)
		defer cancel()

		err := fn(ctx)

		s.mu.Lock()
		s.job = nil
		s.mu.Unlock()

		if err != nil {
			logrus.WithError(err).WithField("job", name).Error("job failed")
			s.hub.Publish(events.JobFailed, events.JobFailedEvent{
				Job:   name,
				Error: err.Error(),
				Ts:    time.Now().Unix(),
			})
		}
	}()
	return j, nil
}

// StartCalibration runs the two-tone calibration at power dBm, or at the
// configured default power if nil.
func (s *Station) StartCalibration(power *float64) (*CalibrationStart, error) {
	p := s.conf.DefaultCalPower()
	if power != nil {
		p = *power
	}

	s.mu.Lock()
	inst, cal, resource := s.inst, s.cal, s.resource
	s.mu.Unlock()
	if inst == nil {
		return nil, ErrNotConnected
	}

	var seq *twotone.Sequencer
	seq = twotone.NewSequencer(inst, cal, s.op, s.sweepConfig(), twotone.Hooks{
		Phase: func(from, to calibration.Phase, msg string) {
			st := seq.State()
			st.Resource = resource
			s.onPhase(st, from, to, msg)
		},
		Sweep: func(port, attempt int) {
			s.hub.Publish(events.CalibrationSweep, events.CalibrationSweepEvent{
				Port:    port,
				Attempt: attempt,
				Ts:      time.Now().Unix(),
			})
		},
	})

	if _, err := s.startJob(jobCalibration, func(ctx context.Context) error {
		return seq.Calibrate(ctx, p)
	}); err != nil {
		return nil, err
	}
	return &CalibrationStart{InputPower: p}, nil
}

// CalibrationStart is returned by POST /calibration/start.
type CalibrationStart struct {
	InputPower float64 `json:"inputPower"`
}

func (s *Station) onPhase(st calibration.State, from, to calibration.Phase, msg string) {
	s.mu.Lock()
	s.calState = st
	s.mu.Unlock()

	s.persistCalibrationState(st)
	s.hub.Publish(events.CalibrationPhase, events.CalibrationPhaseEvent{
		From:    string(from),
		To:      string(to),
		Message: msg,
		Ts:      time.Now().Unix(),
	})
}

// CancelCalibration stops a running calibration at its next step.
func (s *Station) CancelCalibration() error {
	s.mu.Lock()
	j := s.job
	s.mu.Unlock()

	if j == nil || j.name != jobCalibration {
		return ErrNotRunning
	}
	j.cancel()
	logrus.WithField("operation", "calibration").Info("calibration cancel requested")
	return nil
}

func (s *Station) CalibrationStatus() *calibration.Status {
	s.mu.Lock()
	st := s.calState
	running := s.job != nil && s.job.name == jobCalibration
	s.mu.Unlock()

	status := &calibration.Status{
		Phase:         st.Phase,
		RunID:         st.RunID,
		Calibrated:    st.Calibrated(),
		Running:       running,
		InputPower:    st.InputPower,
		Port:          st.Port,
		SweepAttempts: st.SweepAttempts,
		StartedAt:     st.StartedAt,
		CanCancel:     running,
		Message:       st.LastError,
	}
	if running {
		status.Pending = s.op.Pending()
	}
	switch {
	case running && status.Pending != nil:
		status.Message = status.Pending.Message
	case running:
		status.Message = fmt.Sprintf("%s in progress", st.Phase)
	}
	return status
}

func (s *Station) PendingRequest() *calibration.OperatorRequest {
	return s.op.Pending()
}

func (s *Station) AnswerOperator(resp calibration.OperatorResponse) error {
	return s.op.Answer(resp)
}

// StartMeasurement runs one two-tone cycle. fallback is the input power
// assumed if the analyzer is not calibrated.
func (s *Station) StartMeasurement(fallback *float64) error {
	s.mu.Lock()
	engine := s.engine
	s.mu.Unlock()
	if engine == nil {
		return ErrNotConnected
	}

	_, err := s.startJob(jobMeasurement, func(ctx context.Context) error {
		r, err := engine.Measure(ctx, fallback)
		if err != nil {
			return err
		}

		s.mu.Lock()
		s.result = r
		s.mu.Unlock()

		s.hub.Publish(events.MeasurementDone, events.MeasurementDoneEvent{
			RunID:        r.RunID,
			Points:       len(r.Traces.PL),
			InputPower:   r.InputPower,
			Uncalibrated: r.Uncalibrated,
			Ts:           r.Timestamp.Unix(),
		})
		return nil
	})
	return err
}

func (s *Station) LastResult() (*twotone.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.result == nil {
		return nil, ErrNoMeasurement
	}
	return s.result, nil
}

// Wait blocks until the running job, if any, has finished.
func (s *Station) Wait() {
	s.mu.Lock()
	j := s.job
	s.mu.Unlock()
	if j != nil {
		<-j.done
	}
}

func (s *Station) bridgeIndex(kind board.Kind) int {
	if kind == board.KindFTX {
		return s.conf.FtxBridgeIndex()
	}
	return s.conf.FrxBridgeIndex()
}

// ConnectBoard opens the board's bridge and runs board setup.
func (s *Station) ConnectBoard(kind board.Kind) (string, error) {
	if !kind.Valid() {
		return "", pkgerrors.Wrapf(ErrUnknownBoard, "%q", kind)
	}

	s.mu.Lock()
	if _, ok := s.boards[kind]; ok {
		s.mu.Unlock()
		return "", pkgerrors.Wrapf(ErrAlreadyConnected, "%s", kind)
	}
	if s.boardConnecting[kind] {
		s.mu.Unlock()
		return "", pkgerrors.Wrapf(ErrAlreadyConnected, "%s connection in progress", kind)
	}
	s.boardConnecting[kind] = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.boardConnecting, kind)
		s.mu.Unlock()
	}()

	bus, err := s.openBus(s.bridgeIndex(kind))
	if err != nil {
		return "", pkgerrors.Wrapf(err, "failed to open %s bridge", kind)
	}

	opt := board.WithADCOptions(tla2528.WithCalibrationTimeout(s.conf.ADCCalibrationTimeout()))
	var ctrl board.Controller
	if kind == board.KindFTX {
		ctrl, err = board.NewFtx(bus, opt)
	} else {
		ctrl, err = board.NewFrx(bus, opt)
	}
	if err != nil {
		_ = bus.Close()
		return "", err
	}

	serial, err := ctrl.Serial()
	if err != nil {
		logrus.WithError(err).WithField("board", kind).Warn("failed to read board serial")
	}

	s.mu.Lock()
	s.boards[kind] = &boardSlot{ctrl: ctrl, serial: serial}
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"board":  kind,
		"serial": serial,
	}).Info("board connected")
	return serial, nil
}

func (s *Station) DisconnectBoard(kind board.Kind) error {
	s.mu.Lock()
	slot, ok := s.boards[kind]
	delete(s.boards, kind)
	s.mu.Unlock()
	if !ok {
		return pkgerrors.Wrapf(ErrBoardNotConnected, "%s", kind)
	}

	slot.mu.Lock()
	defer slot.mu.Unlock()
	logrus.WithField("board", kind).Info("board disconnected")
	return slot.ctrl.Close()
}

// withBoard runs fn with exclusive use of kind's bus.
func (s *Station) withBoard(kind board.Kind, fn func(slot *boardSlot) error) error {
	if !kind.Valid() {
		return pkgerrors.Wrapf(ErrUnknownBoard, "%q", kind)
	}
	s.mu.Lock()
	slot, ok := s.boards[kind]
	s.mu.Unlock()
	if !ok {
		return pkgerrors.Wrapf(ErrBoardNotConnected, "%s", kind)
	}

	slot.mu.Lock()
	defer slot.mu.Unlock()
	return fn(slot)
}

func (s *Station) ConnectedBoards() []board.Kind {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []board.Kind
	for _, k := range []board.Kind{board.KindFTX, board.KindFRX} {
		if _, ok := s.boards[k]; ok {
			out = append(out, k)
		}
	}
	return out
}

func (s *Station) BoardTelemetry(kind board.Kind) (*board.Telemetry, error) {
	var t *board.Telemetry
	err := s.withBoard(kind, func(slot *boardSlot) error {
		var err error
		t, err = slot.ctrl.Telemetry()
		if err != nil {
			return err
		}
		t.Serial = slot.serial
		return nil
	})
	return t, err
}

func (s *Station) Attenuation(kind board.Kind) (*AttenuationStatus, error) {
	st := &AttenuationStatus{Board: kind}
	err := s.withBoard(kind, func(slot *boardSlot) error {
		code, err := slot.ctrl.Attenuation()
		st.Code = code
		st.DB = board.CodeToDB(code)
		return err
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}

// SetAttenuation commands dB and reports the readback. A readback that
// differs is not an error.
func (s *Station) SetAttenuation(kind board.Kind, dB float64) (*AttenuationStatus, error) {
	st := &AttenuationStatus{Board: kind, CommandedDB: &dB}
	err := s.withBoard(kind, func(slot *boardSlot) error {
		got, err := board.ApplyAttenuation(slot.ctrl, dB)
		if err != nil {
			return err
		}
		st.DB = got
		st.Code, err = board.DBToCode(got)
		return err
	})
	if err != nil {
		return nil, err
	}
	want, _ := board.DBToCode(dB)
	st.Mismatch = want != st.Code
	return st, nil
}

func (s *Station) withFtx(fn func(f *board.Ftx) error) error {
	return s.withBoard(board.KindFTX, func(slot *boardSlot) error {
		f, ok := slot.ctrl.(*board.Ftx)
		if !ok {
			return ErrUnsupportedOnBoard
		}
		return fn(f)
	})
}

func (s *Station) SetLNA(on bool) error {
	return s.withFtx(func(f *board.Ftx) error { return f.SetBiasEnable(on) })
}

func (s *Station) SetLaserCurrent(code byte) error {
	return s.withFtx(func(f *board.Ftx) error { return f.SetLaserCurrent(code) })
}

// reportHeader collects serials and attenuations of connected boards.
// Boards that cannot be read are left out of the header.
func (s *Station) reportHeader() (ftxSerial, frxSerial string, ftxDB, frxDB *float64) {
	for _, k := range s.ConnectedBoards() {
		var serial string
		var dB *float64
		err := s.withBoard(k, func(slot *boardSlot) error {
			serial = slot.serial
			code, err := slot.ctrl.Attenuation()
			if err != nil {
				return err
			}
			v := board.CodeToDB(code)
			dB = &v
			return nil
		})
		if err != nil {
			logrus.WithError(err).WithField("board", k).Warn("failed to read attenuation for report")
		}
		if k == board.KindFTX {
			ftxSerial, ftxDB = serial, dB
		} else {
			frxSerial, frxDB = serial, dB
		}
	}
	return
}

// Close stops the running job and releases every handle.
func (s *Station) Close() {
	s.mu.Lock()
	j := s.job
	s.mu.Unlock()
	if j != nil {
		j.cancel()
		<-j.done
	}

	for _, k := range s.ConnectedBoards() {
		if err := s.DisconnectBoard(k); err != nil {
			logrus.WithError(err).WithField("board", k).Error("failed to close board")
		}
	}
	if err := s.DisconnectInstrument(); err != nil && !errors.Is(err, ErrNotConnected) {
		logrus.WithError(err).Error("failed to close instrument")
	}
}
