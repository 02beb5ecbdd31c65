// Package noise turns y-factor spectrum traces into noise temperature.
package noise

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	pkgerrors "github.com/pkg/errors"
)

// Boltzmann is k_B in J/K.
const Boltzmann = 1.380649e-23

// DefaultBandwidthHz is the noise bandwidth of the analyzer trace.
const DefaultBandwidthHz = 1e6

// Header lines preceding the data in analyzer exports.
const (
	GainHeaderLines  = 8
	NoiseHeaderLines = 40
)

// Trace is a dark and a lit trace on a common frequency axis.
type Trace struct {
	Frequency []float64
	Dark      []float64
	DUT       []float64
}

// Gain is a swept S21 magnitude in dB.
type Gain struct {
	Frequency []float64
	S21       []float64
}

func dbmToWatts(dbm float64) float64 {
	return math.Pow(10, dbm/10) / 1000
}

// Temperature returns, point by point, the noise temperature in K at the
// DUT input: the DUT trace minus the dark trace in watts, referred to the
// input through gainDB and divided by k_B times bandwidthHz.
func Temperature(dark, dut, gainDB []float64, bandwidthHz float64) ([]float64, error) {
	if len(dut) != len(dark) || len(gainDB) != len(dark) {
		return nil, fmt.Errorf("trace lengths differ: dark %d, dut %d, gain %d", len(dark), len(dut), len(gainDB))
	}
	if bandwidthHz <= 0 {
		return nil, fmt.Errorf("bandwidth must be positive, got %g", bandwidthHz)
	}

	out := make([]float64, len(dark))
	for i := range dark {
		p := (dbmToWatts(dut[i]) - dbmToWatts(dark[i])) / math.Pow(10, gainDB[i]/10)
		out[i] = p / (Boltzmann * bandwidthHz)
	}
	return out, nil
}

func parseRecord(rec []string, line int) ([]float64, error) {
	out := make([]float64, len(rec))
	for i, f := range rec {
		v, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
		if err != nil {
			return nil, pkgerrors.Wrapf(err, "line %d column %d", line, i+1)
		}
		out[i] = v
	}
	return out, nil
}

// readData returns the records after skip header lines. Single field
// records are channel headers or END markers and are dropped.
func readData(r io.Reader, skip, minFields int) ([][]float64, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = true
	cr.LazyQuotes = true

	var out [][]float64
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		line, _ := cr.FieldPos(0)
		if line <= skip || len(rec) < 2 {
			continue
		}
		if len(rec) < minFields {
			return nil, fmt.Errorf("line %d: want %d columns, got %d", line, minFields, len(rec))
		}
		v, err := parseRecord(rec[:minFields], line)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
}

// ReadGain reads a network analyzer S21 export: frequency in Hz and
// magnitude in dB.
func ReadGain(r io.Reader) (*Gain, error) {
	rows, err := readData(r, GainHeaderLines, 2)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to read gain data")
	}
	g := &Gain{}
	for _, row := range rows {
		g.Frequency = append(g.Frequency, row[0])
		g.S21 = append(g.S21, row[1])
	}
	return g, nil
}

// ReadTrace reads a spectrum analyzer export with frequency, dark trace
// and DUT trace columns.
func ReadTrace(r io.Reader) (*Trace, error) {
	rows, err := readData(r, NoiseHeaderLines, 3)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to read noise data")
	}
	t := &Trace{}
	for _, row := range rows {
		t.Frequency = append(t.Frequency, row[0])
		t.Dark = append(t.Dark, row[1])
		t.DUT = append(t.DUT, row[2])
	}
	return t, nil
}
