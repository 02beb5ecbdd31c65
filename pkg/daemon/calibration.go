package daemon

import (
	"encoding/json"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/charlie0129/rfof/pkg/calibration"
)

// loadCalibrationState reads the state left by a previous daemon. A sequence
// that was interrupted mid-flow is marked as failed since the analyzer
// state it reached is unknown.
func loadCalibrationState(path string) *calibration.State {
	if path == "" {
		return nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logrus.WithError(err).Warn("failed to read calibration state")
		}
		return nil
	}
	var st calibration.State
	if err := json.Unmarshal(b, &st); err != nil {
		logrus.WithError(err).Warn("failed to unmarshal calibration state")
		return nil
	}
	if !st.Phase.Terminal() {
		logrus.WithField("phase", st.Phase).Warn("calibration was interrupted by daemon restart")
		st.Phase = calibration.PhaseError
		st.LastError = "interrupted by daemon restart"
		st.FinishedAt = time.Now()
	}
	return &st
}

// restoreCalibrationState loads the persisted state into s. A completed
// calibration is only trusted again once the same resource connects.
func (s *Station) restoreCalibrationState() {
	st := loadCalibrationState(s.statePath)
	if st == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calState = *st
	if st.Calibrated() {
		s.restored = st
		// Not calibrated until the analyzer reconnects.
		s.calState.Phase = calibration.PhaseIdle
	}
}

func (s *Station) persistCalibrationState(st calibration.State) {
	if s.statePath == "" {
		return
	}
	b, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		logrus.WithError(err).Error("marshal calibration state")
		return
	}
	if err := os.WriteFile(s.statePath, b, 0644); err != nil {
		logrus.WithError(err).Error("write calibration state")
	}
}
