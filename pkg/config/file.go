package config

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/charlie0129/rfof/pkg/utils/ptr"
)

var (
	defaultFileConfig = &RawFileConfig{
		InstrumentResource: ptr.To("GPIB0::16::INSTR"),
		PrologixPort:       ptr.To("/dev/ttyUSB0"),
		DefaultTimeoutMs:   ptr.To(4000),
		// The sensor zero and cal takes about 17 seconds.
		PowerMeterTimeoutMs: ptr.To(20000),
		// Negative means no timeout.
		TraceTimeoutMs:  ptr.To(-1),
		SweepStartHz:    ptr.To(300e6),
		SweepStopHz:     ptr.To(4.05e9),
		SweepPoints:     ptr.To(401),
		IFBandwidthHz:   ptr.To(100.0),
		MeasureStartHz:  ptr.To(350e6),
		MeasureStopHz:   ptr.To(2e9),
		DefaultCalPower: ptr.To(-10.0),
		FtxBridgeIndex:  ptr.To(0),
		FrxBridgeIndex:  ptr.To(1),
		// The ADC self calibration normally finishes within a few ms.
		ADCCalibrationTimeoutMs: ptr.To(500),
		ReportDir:               ptr.To("/var/lib/rfof/reports"),
		TelemetrySchedule:       ptr.To("@every 10s"),
		AllowNonRootAccess:      ptr.To(false),
	}
)

var _ Config = &File{}

type File struct {
	c        *RawFileConfig
	mu       *sync.RWMutex
	filepath string
}

func NewFile(configPath string) (*File, error) {
	f := &File{
		filepath: configPath,
		mu:       &sync.RWMutex{},
	}
	err := f.Load()
	if err != nil {
		return nil, err
	}

	return f, nil
}

func NewFileFromConfig(c *RawFileConfig, configPath string) *File {
	if c == nil {
		c = &RawFileConfig{}
	}

	f := &File{
		c:        c,
		mu:       &sync.RWMutex{},
		filepath: configPath,
	}

	return f
}

type RawFileConfig struct {
	InstrumentResource      *string  `json:"instrumentResource,omitempty" yaml:"instrumentResource,omitempty"`
	PrologixPort            *string  `json:"prologixPort,omitempty" yaml:"prologixPort,omitempty"`
	DefaultTimeoutMs        *int     `json:"defaultTimeoutMs,omitempty" yaml:"defaultTimeoutMs,omitempty"`
	PowerMeterTimeoutMs     *int     `json:"powerMeterTimeoutMs,omitempty" yaml:"powerMeterTimeoutMs,omitempty"`
	TraceTimeoutMs          *int     `json:"traceTimeoutMs,omitempty" yaml:"traceTimeoutMs,omitempty"`
	SweepStartHz            *float64 `json:"sweepStartHz,omitempty" yaml:"sweepStartHz,omitempty"`
	SweepStopHz             *float64 `json:"sweepStopHz,omitempty" yaml:"sweepStopHz,omitempty"`
	SweepPoints             *int     `json:"sweepPoints,omitempty" yaml:"sweepPoints,omitempty"`
	IFBandwidthHz           *float64 `json:"ifBandwidthHz,omitempty" yaml:"ifBandwidthHz,omitempty"`
	MeasureStartHz          *float64 `json:"measureStartHz,omitempty" yaml:"measureStartHz,omitempty"`
	MeasureStopHz           *float64 `json:"measureStopHz,omitempty" yaml:"measureStopHz,omitempty"`
	DefaultCalPower         *float64 `json:"defaultCalPower,omitempty" yaml:"defaultCalPower,omitempty"`
	FtxBridgeIndex          *int     `json:"ftxBridgeIndex,omitempty" yaml:"ftxBridgeIndex,omitempty"`
	FrxBridgeIndex          *int     `json:"frxBridgeIndex,omitempty" yaml:"frxBridgeIndex,omitempty"`
	ADCCalibrationTimeoutMs *int     `json:"adcCalibrationTimeoutMs,omitempty" yaml:"adcCalibrationTimeoutMs,omitempty"`
	ReportDir               *string  `json:"reportDir,omitempty" yaml:"reportDir,omitempty"`
	TelemetrySchedule       *string  `json:"telemetrySchedule,omitempty" yaml:"telemetrySchedule,omitempty"`
	AllowNonRootAccess      *bool    `json:"allowNonRootAccess,omitempty" yaml:"allowNonRootAccess,omitempty"`
}

func NewRawFileConfigFromConfig(c Config) (*RawFileConfig, error) {
	if c == nil {
		return nil, pkgerrors.New("config is nil")
	}

	rawConfig := &RawFileConfig{
		InstrumentResource:      ptr.To(c.InstrumentResource()),
		PrologixPort:            ptr.To(c.PrologixPort()),
		DefaultTimeoutMs:        ptr.To(toMs(c.DefaultTimeout())),
		PowerMeterTimeoutMs:     ptr.To(toMs(c.PowerMeterTimeout())),
		TraceTimeoutMs:          ptr.To(toMs(c.TraceTimeout())),
		SweepStartHz:            ptr.To(c.SweepStartHz()),
		SweepStopHz:             ptr.To(c.SweepStopHz()),
		SweepPoints:             ptr.To(c.SweepPoints()),
		IFBandwidthHz:           ptr.To(c.IFBandwidthHz()),
		MeasureStartHz:          ptr.To(c.MeasureStartHz()),
		MeasureStopHz:           ptr.To(c.MeasureStopHz()),
		DefaultCalPower:         ptr.To(c.DefaultCalPower()),
		FtxBridgeIndex:          ptr.To(c.FtxBridgeIndex()),
		FrxBridgeIndex:          ptr.To(c.FrxBridgeIndex()),
		ADCCalibrationTimeoutMs: ptr.To(toMs(c.ADCCalibrationTimeout())),
		ReportDir:               ptr.To(c.ReportDir()),
		TelemetrySchedule:       ptr.To(c.TelemetrySchedule()),
		AllowNonRootAccess:      ptr.To(c.AllowNonRootAccess()),
	}

	return rawConfig, nil
}

// A negative millisecond count is no timeout.
func fromMs(ms int) time.Duration {
	if ms < 0 {
		return -1
	}
	return time.Duration(ms) * time.Millisecond
}

func toMs(d time.Duration) int {
	if d < 0 {
		return -1
	}
	return int(d / time.Millisecond)
}

// get reads one field under the read lock, falling back to its default.
func get[T any](f *File, field func(*RawFileConfig) *T) T {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	return ptr.Deref(field(f.c), *field(defaultFileConfig))
}

func set[T any](f *File, field func(*RawFileConfig) **T, v T) {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	*field(f.c) = &v
}

func (f *File) InstrumentResource() string {
	return get(f, func(c *RawFileConfig) *string { return c.InstrumentResource })
}

func (f *File) PrologixPort() string {
	return get(f, func(c *RawFileConfig) *string { return c.PrologixPort })
}

func (f *File) DefaultTimeout() time.Duration {
	return fromMs(get(f, func(c *RawFileConfig) *int { return c.DefaultTimeoutMs }))
}

func (f *File) PowerMeterTimeout() time.Duration {
	return fromMs(get(f, func(c *RawFileConfig) *int { return c.PowerMeterTimeoutMs }))
}

func (f *File) TraceTimeout() time.Duration {
	return fromMs(get(f, func(c *RawFileConfig) *int { return c.TraceTimeoutMs }))
}

func (f *File) SweepStartHz() float64 {
	return get(f, func(c *RawFileConfig) *float64 { return c.SweepStartHz })
}

func (f *File) SweepStopHz() float64 {
	return get(f, func(c *RawFileConfig) *float64 { return c.SweepStopHz })
}

func (f *File) SweepPoints() int {
	return get(f, func(c *RawFileConfig) *int { return c.SweepPoints })
}

func (f *File) IFBandwidthHz() float64 {
	return get(f, func(c *RawFileConfig) *float64 { return c.IFBandwidthHz })
}

func (f *File) MeasureStartHz() float64 {
	return get(f, func(c *RawFileConfig) *float64 { return c.MeasureStartHz })
}

func (f *File) MeasureStopHz() float64 {
	return get(f, func(c *RawFileConfig) *float64 { return c.MeasureStopHz })
}

func (f *File) DefaultCalPower() float64 {
	return get(f, func(c *RawFileConfig) *float64 { return c.DefaultCalPower })
}

func (f *File) FtxBridgeIndex() int {
	return get(f, func(c *RawFileConfig) *int { return c.FtxBridgeIndex })
}

func (f *File) FrxBridgeIndex() int {
	return get(f, func(c *RawFileConfig) *int { return c.FrxBridgeIndex })
}

func (f *File) ADCCalibrationTimeout() time.Duration {
	return fromMs(get(f, func(c *RawFileConfig) *int { return c.ADCCalibrationTimeoutMs }))
}

func (f *File) ReportDir() string {
	return get(f, func(c *RawFileConfig) *string { return c.ReportDir })
}

func (f *File) TelemetrySchedule() string {
	return get(f, func(c *RawFileConfig) *string { return c.TelemetrySchedule })
}

func (f *File) AllowNonRootAccess() bool {
	return get(f, func(c *RawFileConfig) *bool { return c.AllowNonRootAccess })
}

func (f *File) SetInstrumentResource(s string) {
	set(f, func(c *RawFileConfig) **string { return &c.InstrumentResource }, s)
}

func (f *File) SetPrologixPort(s string) {
	set(f, func(c *RawFileConfig) **string { return &c.PrologixPort }, s)
}

func (f *File) SetDefaultCalPower(p float64) {
	set(f, func(c *RawFileConfig) **float64 { return &c.DefaultCalPower }, p)
}

func (f *File) SetFtxBridgeIndex(i int) {
	if i < 0 {
		panic("bridge index must not be negative")
	}
	set(f, func(c *RawFileConfig) **int { return &c.FtxBridgeIndex }, i)
}

func (f *File) SetFrxBridgeIndex(i int) {
	if i < 0 {
		panic("bridge index must not be negative")
	}
	set(f, func(c *RawFileConfig) **int { return &c.FrxBridgeIndex }, i)
}

func (f *File) SetReportDir(s string) {
	set(f, func(c *RawFileConfig) **string { return &c.ReportDir }, s)
}

func (f *File) SetTelemetrySchedule(s string) {
	set(f, func(c *RawFileConfig) **string { return &c.TelemetrySchedule }, s)
}

func (f *File) SetAllowNonRootAccess(b bool) {
	set(f, func(c *RawFileConfig) **bool { return &c.AllowNonRootAccess }, b)
}

func (f *File) isYAML() bool {
	switch strings.ToLower(filepath.Ext(f.filepath)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

func (f *File) Load() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	fp, err := os.Open(f.filepath)
	if err != nil {
		if os.IsNotExist(err) {
			// If the file does not exist, return the empty config.
			// Do not make f.c a nil.
			f.c = &RawFileConfig{}
			return nil
		}
		return pkgerrors.Wrapf(err, "failed to open file %s", f.filepath)
	}
	defer func(fp *os.File) {
		err := fp.Close()
		if err != nil {
			logrus.Warnf("failed to close file %s", f.filepath)
		}
	}(fp)

	b, err := io.ReadAll(fp)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to read file %s", f.filepath)
	}

	if strings.TrimSpace(string(b)) == "" {
		f.c = &RawFileConfig{}
		return nil
	}

	conf := RawFileConfig{}
	if f.isYAML() {
		err = yaml.Unmarshal(b, &conf)
	} else {
		err = json.Unmarshal(b, &conf)
	}
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to unmarshal config from file %s", f.filepath)
	}
	f.c = &conf

	return nil
}

func (f *File) Save() error {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.c == nil {
		return pkgerrors.New("config is nil")
	}

	fp, err := os.OpenFile(f.filepath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to open file %s", f.filepath)
	}
	defer func(fp *os.File) {
		err := fp.Close()
		if err != nil {
			logrus.Warnf("failed to close file %s", f.filepath)
		}
	}(fp)

	if f.isYAML() {
		enc := yaml.NewEncoder(fp)
		enc.SetIndent(2)
		err = enc.Encode(f.c)
		if err == nil {
			err = enc.Close()
		}
	} else {
		enc := json.NewEncoder(fp)
		enc.SetIndent("", "  ")
		err = enc.Encode(f.c)
	}
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to encode config to file %s", f.filepath)
	}

	return nil
}

func (f *File) LogrusFields() logrus.Fields {
	if f.c == nil {
		panic("config is nil")
	}

	return logrus.Fields{
		"instrumentResource": f.InstrumentResource(),
		"prologixPort":       f.PrologixPort(),
		"defaultTimeout":     f.DefaultTimeout(),
		"defaultCalPower":    f.DefaultCalPower(),
		"ftxBridgeIndex":     f.FtxBridgeIndex(),
		"frxBridgeIndex":     f.FrxBridgeIndex(),
		"reportDir":          f.ReportDir(),
		"telemetrySchedule":  f.TelemetrySchedule(),
		"allowNonRootAccess": f.AllowNonRootAccess(),
	}
}
