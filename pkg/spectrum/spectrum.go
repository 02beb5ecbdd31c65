// Package spectrum drives a swept spectrum analyzer (Siglent SSA3000X
// class) for y-factor noise sweeps.
package spectrum

import (
	"fmt"
	"strings"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/charlie0129/rfof/pkg/instrument"
)

// Settings are the analyzer front end and sweep settings. Frequencies
// and bandwidths are in MHz, as the analyzer displays them.
type Settings struct {
	StartMHz        float64 `json:"startMHz"`
	StopMHz         float64 `json:"stopMHz"`
	ReferenceLevel  float64 `json:"referenceLevel"`
	AttenuationDB   int     `json:"attenuationDB"`
	Preamp          bool    `json:"preamp"`
	ResolutionBWMHz float64 `json:"resolutionBWMHz"`
	VideoBWMHz      float64 `json:"videoBWMHz"`
	Averages        int     `json:"averages"`
	Sweeps          int     `json:"sweeps"`
	// Dwell is how long to let the averaged trace settle before reading.
	Dwell time.Duration `json:"dwell"`
}

func DefaultSettings() Settings {
	return Settings{
		StartMHz:        0,
		StopMHz:         1,
		ReferenceLevel:  0,
		AttenuationDB:   0,
		Preamp:          false,
		ResolutionBWMHz: 100,
		VideoBWMHz:      100,
		Averages:        16,
		Sweeps:          1,
		Dwell:           10 * time.Second,
	}
}

// Analyzer is a spectrum analyzer on an open session.
type Analyzer struct {
	s      *instrument.Serialized
	settle time.Duration
	sleep  func(time.Duration)
}

func New(s instrument.Session) *Analyzer {
	return &Analyzer{
		s:      instrument.Serialize(s),
		settle: 100 * time.Millisecond,
		sleep:  time.Sleep,
	}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Configure sets an averaging, power detecting sweep without amplitude
// corrections.
func (a *Analyzer) Configure(st Settings) error {
	cmds := []string{
		fmt.Sprintf(":DISPlay:WINDow:TRACe:Y:RLEVel %g DBM", st.ReferenceLevel),
		fmt.Sprintf(":POWer:ATTenuation %d", st.AttenuationDB),
		fmt.Sprintf(":POWer:GAIN %d", boolInt(st.Preamp)),
		":UNIT:POWer DBM",
		":DISPlay:WINDow:TRACe:Y:PDIVision 1 db",
		":SENSe:CORRection:OFF",
		fmt.Sprintf(":BWID %g MHz", st.ResolutionBWMHz),
		fmt.Sprintf(":BWIDth:VIDeo %g MHz", st.VideoBWMHz),
		":TRAC1:MODE WRITE",
		":TRAC1:MODE AVERAGE",
		":DETector:TRAC1 AVERage",
		fmt.Sprintf(":AVERage:TRAC1:COUNt %d", st.Averages),
		":SWEep:MODE AUTO",
		":SWEep:TIME:AUTO ON",
		":SWEep:SPEed:ACCUracy",
		":AVERage:TYPE POWer",
	}

	return a.s.Do(func(s instrument.Session) error {
		if _, err := s.Query("*OPC?"); err != nil {
			return pkgerrors.Wrap(err, "analyzer not ready")
		}
		for _, c := range cmds {
			if err := s.Write(c); err != nil {
				return pkgerrors.Wrapf(err, "failed to configure analyzer")
			}
			a.sleep(a.settle)
		}
		return nil
	})
}

// Acquire sweeps st's span and returns trace 1, one value per display
// point in dBm.
func (a *Analyzer) Acquire(st Settings) ([]float64, error) {
	var out []float64
	err := a.s.Do(func(s instrument.Session) error {
		for _, c := range []string{
			"*WAI",
			fmt.Sprintf(":SENSe:FREQuency:STARt %g MHz", st.StartMHz),
			fmt.Sprintf(":SENSe:FREQuency:STOP %g MHz", st.StopMHz),
			fmt.Sprintf(":SWEep:COUNt %d", st.Sweeps),
		} {
			if err := s.Write(c); err != nil {
				return err
			}
			a.sleep(a.settle)
		}

		a.sleep(st.Dwell)
		if err := s.Write("*WAI"); err != nil {
			return err
		}

		resp, err := s.Query(":TRACe:DATA? 1")
		if err != nil {
			return pkgerrors.Wrap(err, "failed to read trace")
		}
		// some firmware ends the list with a trailing comma
		out, err = instrument.ParseASCIIValues(strings.TrimSuffix(strings.TrimSpace(resp), ","))
		return err
	})
	if err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"operation": "spectrum",
		"start":     st.StartMHz,
		"stop":      st.StopMHz,
		"points":    len(out),
	}).Info("spectrum trace acquired")
	return out, nil
}

// Frequencies returns the frequency in Hz of each of n evenly spaced
// trace points across st's span.
func Frequencies(st Settings, n int) []float64 {
	f := make([]float64, n)
	if n == 1 {
		f[0] = st.StartMHz * 1e6
	}
	if n < 2 {
		return f
	}
	step := (st.StopMHz - st.StartMHz) / float64(n-1)
	for i := range f {
		f[i] = (st.StartMHz + step*float64(i)) * 1e6
	}
	return f
}
