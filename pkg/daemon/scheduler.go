package daemon

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/charlie0129/rfof/pkg/events"
)

// ErrNothingToPoll is returned by the telemetry pre-check when no board is
// connected. The run is skipped silently.
var ErrNothingToPoll = errors.New("no board connected")

// TaskFunc represents a runnable task.
type TaskFunc func() error

// Scheduler runs Task on a cron schedule. A failing PreCheck skips the run.
type Scheduler struct {
	OnError  func(err error)
	Task     TaskFunc
	PreCheck TaskFunc

	parser cron.Parser

	schedule cron.Schedule
	nextRun  time.Time

	mu      sync.Mutex
	running bool

	controlCh chan cron.Schedule
	stopCh    chan struct{}
}

func NewScheduler(task, preCheck TaskFunc, onError func(err error)) *Scheduler {
	if task == nil {
		panic("task function cannot be nil")
	}

	return &Scheduler{
		OnError:   onError,
		Task:      task,
		PreCheck:  preCheck,
		parser:    cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		controlCh: make(chan cron.Schedule, 4),
		stopCh:    make(chan struct{}),
	}
}

func (s *Scheduler) Stop() {
	select {
	case <-s.stopCh: // already closed
	default:
		close(s.stopCh)
	}
}

func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	go s.runScheduled()
}

// Schedule replaces the schedule. An empty expression disables it.
func (s *Scheduler) Schedule(cronExpr string) error {
	var sh cron.Schedule
	if cronExpr != "" {
		var err error
		sh, err = s.parser.Parse(cronExpr)
		if err != nil {
			return err
		}
	}

	s.mu.Lock()
	running := s.running
	if !running {
		s.setSchedule(sh)
	}
	s.mu.Unlock()

	if running {
		select {
		case s.controlCh <- sh:
		default:
		}
	}
	return nil
}

func (s *Scheduler) setSchedule(sh cron.Schedule) {
	s.schedule = sh
	s.nextRun = time.Time{}
	if sh != nil {
		s.nextRun = sh.Next(time.Now())
	}
}

func (s *Scheduler) Status() (nextRun time.Time, running bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	nextRun = s.nextRun
	running = s.running
	return
}

func (s *Scheduler) runScheduled() {
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		logrus.Debug("scheduler stopped")
	}()

	logrus.Debug("scheduler started")

	for {
		s.mu.Lock()
		nextRun := s.nextRun
		s.mu.Unlock()

		var timer *time.Timer
		if nextRun.IsZero() {
			timer = time.NewTimer(time.Hour * 10000)
		} else {
			timer = time.NewTimer(max(time.Until(nextRun), 0))
		}

		select {
		case <-timer.C:
			if nextRun.IsZero() {
				continue
			}
			s.runOnce()
			s.advanceNextRun()
		case sh := <-s.controlCh:
			timer.Stop()
			s.mu.Lock()
			s.setSchedule(sh)
			s.mu.Unlock()
		case <-s.stopCh:
			timer.Stop()
			return
		}
	}
}

func (s *Scheduler) runOnce() {
	if s.PreCheck != nil {
		if err := s.PreCheck(); err != nil {
			if !errors.Is(err, ErrNothingToPoll) {
				s.sendError(fmt.Errorf("precheck failed: %w", err))
			}
			return
		}
	}
	if err := s.Task(); err != nil {
		s.sendError(fmt.Errorf("task failed: %w", err))
	}
}

// advanceNextRun moves to the first run after now, dropping runs missed
// while the task was busy.
func (s *Scheduler) advanceNextRun() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.schedule == nil {
		return
	}
	s.nextRun = s.schedule.Next(time.Now())
}

func (s *Scheduler) sendError(err error) {
	if s.OnError == nil {
		return
	}
	s.OnError(err)
}

// newTelemetryScheduler polls every connected board and publishes the
// readings.
func newTelemetryScheduler(st *Station, hub *events.EventHub) *Scheduler {
	task := func() error {
		var errs []error
		for _, k := range st.ConnectedBoards() {
			t, err := st.BoardTelemetry(k)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", k, err))
				continue
			}
			b, err := json.Marshal(t)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			hub.Publish(events.Telemetry, events.TelemetryEvent{
				Board:    string(k),
				Readings: b,
				Ts:       t.Ts,
			})
		}
		return errors.Join(errs...)
	}
	preCheck := func() error {
		if len(st.ConnectedBoards()) == 0 {
			return ErrNothingToPoll
		}
		return nil
	}
	onError := func(err error) {
		logrus.WithError(err).WithField("operation", "telemetry").Warn("telemetry poll failed")
	}
	return NewScheduler(task, preCheck, onError)
}
