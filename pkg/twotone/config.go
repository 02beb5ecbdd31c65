package twotone

import (
	"time"

	"github.com/charlie0129/rfof/pkg/instrument"
)

// SweepConfig is the analyzer setup used for calibration.
type SweepConfig struct {
	StartHz       float64
	StopHz        float64
	Points        int
	IFBandwidthHz float64

	// PowerMeterTimeout bounds the relayed power sensor zero and cal.
	PowerMeterTimeout time.Duration
	// CalTimeout is used while source and receiver calibration sweeps run.
	CalTimeout time.Duration
	// Settle is the pause between commands the analyzer needs to digest.
	Settle time.Duration
	// AcquireSettle is the pause after starting a source cal sweep.
	AcquireSettle time.Duration
}

// MeasureConfig is the two-tone fixture used for measurements.
type MeasureConfig struct {
	PrimaryStartHz float64
	PrimaryStopHz  float64
	// ToneOffsetHz is half the tone spacing.
	ToneOffsetHz float64
	// TraceTimeout is used while channels sweep and traces are read.
	TraceTimeout time.Duration
	Settle       time.Duration
}

func DefaultSweepConfig() SweepConfig {
	return SweepConfig{
		StartHz:           300e6,
		StopHz:            4.05e9,
		Points:            401,
		IFBandwidthHz:     100,
		PowerMeterTimeout: 20 * time.Second,
		CalTimeout:        instrument.Infinite,
		Settle:            100 * time.Millisecond,
		AcquireSettle:     time.Second,
	}
}

func DefaultMeasureConfig() MeasureConfig {
	return MeasureConfig{
		PrimaryStartHz: 350e6,
		PrimaryStopHz:  2e9,
		ToneOffsetHz:   500e3,
		TraceTimeout:   instrument.Infinite,
		Settle:         100 * time.Millisecond,
	}
}
