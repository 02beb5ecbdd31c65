// Package twotone calibrates an analyzer for two-tone intermodulation
// tests and measures intercept points with it.
package twotone

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/charlie0129/rfof/pkg/calibration"
	"github.com/charlie0129/rfof/pkg/instrument"
)

// Source ports driven during a two-tone test. Ports 2 and 4 stay off.
var sourcePorts = []int{1, 3}

// Hooks observe a running sequence. Any field may be nil.
type Hooks struct {
	Phase func(from, to calibration.Phase, msg string)
	Sweep func(port, attempt int)
}

// Sequencer runs the two-tone calibration on one analyzer session.
type Sequencer struct {
	s     *instrument.Serialized
	cal   *CalState
	op    Operator
	cfg   SweepConfig
	hooks Hooks

	mu    sync.Mutex
	state calibration.State

	sleep func(time.Duration)
}

func NewSequencer(s instrument.Session, cal *CalState, op Operator, cfg SweepConfig, hooks Hooks) *Sequencer {
	return &Sequencer{
		s:     instrument.Serialize(s),
		cal:   cal,
		op:    op,
		cfg:   cfg,
		hooks: hooks,
		state: calibration.State{Phase: calibration.PhaseIdle},
		sleep: time.Sleep,
	}
}

// State returns a copy of the sequence state.
func (q *Sequencer) State() calibration.State {
	q.mu.Lock()
	defer q.mu.Unlock()
	st := q.state
	st.SweepAttempts = make(map[int]int, len(q.state.SweepAttempts))
	for k, v := range q.state.SweepAttempts {
		st.SweepAttempts[k] = v
	}
	return st
}

// run is the bookkeeping of one Calibrate call.
type run struct {
	power    float64
	portIdx  int
	attempts map[int]int
}

func (r *run) port() int {
	return sourcePorts[r.portIdx]
}

func (q *Sequencer) setPhase(to calibration.Phase, msg string, mutate func(*calibration.State)) {
	q.mu.Lock()
	from := q.state.Phase
	q.state.Phase = to
	if mutate != nil {
		mutate(&q.state)
	}
	q.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"operation": "calibration",
		"from":      from,
		"phase":     to,
	}).Info(msg)

	if q.hooks.Phase != nil {
		q.hooks.Phase(from, to, msg)
	}
}

// Calibrate levels both sources at power dBm, calibrates them against the
// power meter with the operator's help, then calibrates the receiver.
//
// Only the operator's repeat decision loops. Any instrument failure ends
// the run in PhaseError; cancelling ctx ends it at the next phase
// boundary or operator wait. The session timeout in effect on entry is
// restored on every exit path.
func (q *Sequencer) Calibrate(ctx context.Context, power float64) (err error) {
	q.cal.Invalidate()

	r := &run{power: power, attempts: make(map[int]int)}
	q.setPhase(calibration.PhasePreset, "calibration started", func(st *calibration.State) {
		*st = calibration.State{
			Phase:         calibration.PhasePreset,
			RunID:         uuid.NewString(),
			StartedAt:     time.Now(),
			SweepAttempts: make(map[int]int),
		}
	})

	prevTimeout := q.s.Timeout()
	defer func() {
		if rerr := q.s.SetTimeout(prevTimeout); rerr != nil && err == nil {
			err = pkgerrors.Wrap(rerr, "failed to restore instrument timeout")
		}
		if err != nil {
			q.setPhase(calibration.PhaseError, "calibration failed", func(st *calibration.State) {
				st.LastError = err.Error()
				st.FinishedAt = time.Now()
			})
		}
	}()

	phase := calibration.PhasePreset
	for phase != calibration.PhaseCalibrated {
		if err := ctx.Err(); err != nil {
			return pkgerrors.Wrapf(err, "calibration interrupted in %s", phase)
		}

		next, msg, err := q.step(ctx, phase, r)
		if err != nil {
			return pkgerrors.Wrapf(err, "%s", phase)
		}
		if next == calibration.PhaseCalibrated {
			break
		}
		port := 0
		if next == calibration.PhaseSourceSweep || next == calibration.PhaseAwaitingDecision || next == calibration.PhaseApplySourceCal {
			port = r.port()
		}
		q.setPhase(next, msg, func(st *calibration.State) { st.Port = port })
		phase = next
	}

	q.cal.setCalibrated(power)
	q.setPhase(calibration.PhaseCalibrated, "calibration complete", func(st *calibration.State) {
		st.InputPower = &power
		st.Port = 0
		st.FinishedAt = time.Now()
	})
	return nil
}

// step performs phase and returns the phase to move to.
func (q *Sequencer) step(ctx context.Context, phase calibration.Phase, r *run) (calibration.Phase, string, error) {
	switch phase {
	case calibration.PhasePreset:
		return calibration.PhaseSourceLevel, "analyzer preset", q.preset()

	case calibration.PhaseSourceLevel:
		return calibration.PhasePowerMeterCal, "source level set", q.sourceLevel(r.power)

	case calibration.PhasePowerMeterCal:
		if err := q.op.Prompt(ctx, msgAttachPowerRef); err != nil {
			return "", "", err
		}
		if err := q.powerMeterCal(); err != nil {
			return "", "", err
		}
		if err := q.op.Prompt(ctx, msgAttachCombiner); err != nil {
			return "", "", err
		}
		// long sweeps from here until the receiver cal is saved
		err := q.s.Do(func(s instrument.Session) error {
			if err := s.SetTimeout(q.cfg.CalTimeout); err != nil {
				return err
			}
			return s.Write("SOURce:POWer:CORRection:COLLect:DISPlay:STATe 1")
		})
		q.sleep(q.cfg.Settle)
		return calibration.PhaseSourceSweep, "power sensor calibrated", err

	case calibration.PhaseSourceSweep:
		port := r.port()
		r.attempts[port]++
		attempt := r.attempts[port]
		q.mu.Lock()
		q.state.SweepAttempts[port] = attempt
		q.mu.Unlock()

		logrus.WithFields(logrus.Fields{
			"operation": "calibration",
			"port":      port,
			"attempt":   attempt,
		}).Info("source calibration sweep")
		if q.hooks.Sweep != nil {
			q.hooks.Sweep(port, attempt)
		}

		return calibration.PhaseAwaitingDecision, fmt.Sprintf("sweep on port %d started", port), q.sourceSweep(port)

	case calibration.PhaseAwaitingDecision:
		port := r.port()
		ok, err := q.op.Confirm(ctx, saveSweepMessage(port, r.attempts[port]))
		if err != nil {
			return "", "", err
		}
		if ok {
			return calibration.PhaseApplySourceCal, fmt.Sprintf("sweep on port %d accepted", port), nil
		}
		if err := q.adjustIteration(); err != nil {
			return "", "", err
		}
		return calibration.PhaseSourceSweep, fmt.Sprintf("repeating sweep on port %d", port), nil

	case calibration.PhaseApplySourceCal:
		if err := q.s.Write("SOURce:POWer:CORRection:COLLect:SAVE"); err != nil {
			return "", "", err
		}
		q.sleep(q.cfg.Settle)
		if r.portIdx+1 < len(sourcePorts) {
			r.portIdx++
			return calibration.PhaseSourceSweep, "source calibration saved", nil
		}
		return calibration.PhaseReceiverCal, "source calibration saved", nil

	case calibration.PhaseReceiverCal:
		if err := q.op.Prompt(ctx, msgDetachSensor); err != nil {
			return "", "", err
		}
		if err := q.receiverCal(); err != nil {
			return "", "", err
		}
		if err := q.op.Prompt(ctx, msgReceiverCalDone); err != nil {
			return "", "", err
		}
		return calibration.PhaseCalibrated, "receiver calibrated", nil

	default:
		return "", "", fmt.Errorf("no transition out of phase %s", phase)
	}
}

func (q *Sequencer) preset() error {
	return q.s.Do(func(s instrument.Session) error {
		return writeAll(s,
			":SYSTem:PRESet",
			fmt.Sprintf("SENSe:FREQuency:STARt %s", formatHz(q.cfg.StartHz)),
			fmt.Sprintf("SENSe:FREQuency:STOP %s", formatHz(q.cfg.StopHz)),
			fmt.Sprintf("SENSe:SWEep:POINts %d", q.cfg.Points),
			fmt.Sprintf("SENSe:BANDwidth:RESolution %s", formatHz(q.cfg.IFBandwidthHz)),
		)
	})
}

func (q *Sequencer) sourceLevel(power float64) error {
	return q.s.Do(func(s instrument.Session) error {
		cmds := make([]string, 0, 4)
		for _, p := range sourcePorts {
			cmds = append(cmds, fmt.Sprintf("SOURce:POWer%d:LEVel:IMMediate:AMPLitude %s", p, formatPower(power)))
		}
		cmds = append(cmds, "SOURce:POWer2:MODE OFF", "SOURce:POWer4:MODE OFF")
		return writeAll(s, cmds...)
	})
}

// powerMeterCal zeroes and calibrates the power sensor through the
// analyzer's GPIB pass-through.
func (q *Sequencer) powerMeterCal() error {
	err := q.s.Do(func(s instrument.Session) error {
		addr, err := instrument.PowerMeterAddress(s)
		if err != nil {
			return err
		}
		relay, err := instrument.OpenRelay(s, addr)
		if err != nil {
			return err
		}

		calErr := func() error {
			for _, c := range []string{"*CLS", "*ESE 1", "CALibration1:ALL?"} {
				if err := relay.Write(c); err != nil {
					return err
				}
			}
			return instrument.WithTimeout(s, q.cfg.PowerMeterTimeout, func() error {
				if err := relay.Write("*OPC?"); err != nil {
					return err
				}
				resp, err := relay.Read()
				if err != nil {
					return pkgerrors.Wrap(err, "power meter calibration did not complete")
				}
				if strings.TrimSpace(resp) == "" {
					return fmt.Errorf("power meter calibration returned nothing")
				}
				logrus.WithFields(logrus.Fields{
					"operation": "calibration",
					"gpib":      addr,
					"result":    strings.TrimSpace(resp),
				}).Info("power meter calibration finished")
				return nil
			})
		}()

		q.sleep(q.cfg.AcquireSettle)
		if err := relay.Close(); err != nil && calErr == nil {
			return err
		}
		return calErr
	})
	return err
}

func (q *Sequencer) sourceSweep(port int) error {
	return q.s.Do(func(s instrument.Session) error {
		if err := s.Write("*CLS"); err != nil {
			return err
		}
		q.sleep(q.cfg.Settle)
		if err := s.Write(fmt.Sprintf("SOURce:POWer%d:CORRection:COLLect:ACQuire PMETer,'ASENSOR',SYNChronous;*OPC", port)); err != nil {
			return err
		}
		q.sleep(q.cfg.AcquireSettle)
		return s.Clear()
	})
}

func (q *Sequencer) adjustIteration() error {
	adj, ok := q.op.(IterationAdjuster)
	if !ok {
		return nil
	}
	it := adj.RepeatIteration()
	if it == nil {
		return nil
	}

	return q.s.Do(func(s instrument.Session) error {
		if it.Tolerance != nil {
			if err := s.Write(fmt.Sprintf("SOURce:POWer:CORRection:COLLect:ITERation:NTOLerance %g", *it.Tolerance)); err != nil {
				return err
			}
		}
		if it.Count != nil {
			if err := s.Write(fmt.Sprintf("SOURce:POWer:CORRection:COLLect:ITERation:COUNt %d", *it.Count)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (q *Sequencer) receiverCal() error {
	return q.s.Do(func(s instrument.Session) error {
		err := writeAll(s,
			":CALCulate:PARameter:DEFine:EXTended 'PL','B, 1'",
			":DISPlay:WINDow:TRACe2:FEED 'PL'",
			":DISPlay:WINDow:TRACe1:DELete",
			":CALCulate:PARameter:SELect 'PL'",
			":SENSe:CORRection:COLLect:METHod RPOWer",
		)
		if err != nil {
			return err
		}
		if _, err := s.Query(":SENSe:CORRection:COLLect:ACQuire POWer;*OPC?"); err != nil {
			return pkgerrors.Wrap(err, "receiver calibration sweep")
		}
		return s.Write(":SENSe:CORRection:COLLect:SAVE")
	})
}

func formatHz(v float64) string {
	return fmt.Sprintf("%.0f", v)
}

func formatPower(v float64) string {
	return fmt.Sprintf("%g", v)
}
