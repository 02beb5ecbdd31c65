package config

import (
	"time"

	"github.com/sirupsen/logrus"
)

type Config interface {
	// InstrumentResource is the analyzer address, e.g. "TCPIP0::pna::5025::SOCKET"
	// or "GPIB0::16::INSTR".
	InstrumentResource() string
	// PrologixPort is the serial device of the GPIB controller used for
	// GPIB resources.
	PrologixPort() string
	DefaultTimeout() time.Duration
	PowerMeterTimeout() time.Duration
	TraceTimeout() time.Duration

	SweepStartHz() float64
	SweepStopHz() float64
	SweepPoints() int
	IFBandwidthHz() float64
	MeasureStartHz() float64
	MeasureStopHz() float64
	DefaultCalPower() float64

	FtxBridgeIndex() int
	FrxBridgeIndex() int
	ADCCalibrationTimeout() time.Duration

	ReportDir() string
	TelemetrySchedule() string
	AllowNonRootAccess() bool

	SetInstrumentResource(string)
	SetPrologixPort(string)
	SetDefaultCalPower(float64)
	SetFtxBridgeIndex(int)
	SetFrxBridgeIndex(int)
	SetReportDir(string)
	SetTelemetrySchedule(string)
	SetAllowNonRootAccess(bool)

	// Load reads the configuration from the source.
	Load() error
	// Save saves the configuration to the source.
	Save() error

	LogrusFields() logrus.Fields
}
