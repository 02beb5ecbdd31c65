// Package report writes two-tone measurement results as delimited text.
package report

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/charlie0129/rfof/pkg/twotone"
)

const DefaultTitle = "Two-tone intermodulation test"

const fileTimeFormat = "20060102-150405"

// Columns is the header of the data table.
var Columns = []string{
	"frequency_hz", "pl_dbm", "ph_dbm", "im2_dbm", "im3l_dbm", "im3h_dbm",
	"oip2_dbm", "oip3_dbm", "gain_db", "iip2_dbm", "iip3_dbm",
}

// Header describes the devices under test. Missing serials and
// attenuations are written empty.
type Header struct {
	Title            string
	FtxSerial        string
	FrxSerial        string
	FtxAttenuationDB *float64
	FrxAttenuationDB *float64
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func optional(v *float64) string {
	if v == nil {
		return ""
	}
	return formatFloat(*v)
}

// Write writes h, the result metadata and one row per frequency point.
func Write(w io.Writer, h Header, r *twotone.Result) error {
	if r == nil {
		return fmt.Errorf("no measurement to report")
	}
	t := r.Traces
	d := r.Derived
	n := len(t.Frequency)
	for _, s := range [][]float64{t.PL, t.PH, t.IM2, t.IM3L, t.IM3H, d.OIP2, d.OIP3, d.Gain, d.IIP2, d.IIP3} {
		if len(s) != n {
			return &twotone.LengthMismatchError{Name: "result", Len: len(s), Want: n}
		}
	}

	title := h.Title
	if title == "" {
		title = DefaultTitle
	}
	calPower := formatFloat(r.InputPower)
	if r.Uncalibrated {
		calPower += " (uncalibrated)"
	}

	cw := csv.NewWriter(w)
	meta := [][]string{
		{"title", title},
		{"timestamp", r.Timestamp.Format(time.RFC3339)},
		{"run_id", r.RunID},
		{"ftx_serial", h.FtxSerial},
		{"frx_serial", h.FrxSerial},
		{"ftx_attenuation_db", optional(h.FtxAttenuationDB)},
		{"frx_attenuation_db", optional(h.FrxAttenuationDB)},
		{"cal_power_dbm", calPower},
		{},
		Columns,
	}
	if err := cw.WriteAll(meta); err != nil {
		return err
	}

	row := make([]string, len(Columns))
	for i := 0; i < n; i++ {
		for j, v := range []float64{
			t.Frequency[i], t.PL[i], t.PH[i], t.IM2[i], t.IM3L[i], t.IM3H[i],
			d.OIP2[i], d.OIP3[i], d.Gain[i], d.IIP2[i], d.IIP3[i],
		} {
			row[j] = formatFloat(v)
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// FileName is twotone-<serial>-<timestamp>.csv, using the FTX serial if
// known, then the FRX serial.
func FileName(h Header, ts time.Time) string {
	serial := h.FtxSerial
	if serial == "" {
		serial = h.FrxSerial
	}
	if serial == "" {
		serial = "unknown"
	}
	return fmt.Sprintf("twotone-%s-%s.csv", serial, ts.Format(fileTimeFormat))
}

// Save writes the report into dir and returns its path.
func Save(dir string, h Header, r *twotone.Result) (string, error) {
	if r == nil {
		return "", fmt.Errorf("no measurement to report")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", pkgerrors.Wrapf(err, "failed to create report dir %s", dir)
	}

	path := filepath.Join(dir, FileName(h, r.Timestamp))
	f, err := os.Create(path)
	if err != nil {
		return "", pkgerrors.Wrapf(err, "failed to create report %s", path)
	}
	if err := Write(f, h, r); err != nil {
		f.Close()
		return "", pkgerrors.Wrapf(err, "failed to write report %s", path)
	}
	if err := f.Close(); err != nil {
		return "", err
	}

	logrus.WithFields(logrus.Fields{
		"path":  path,
		"runId": r.RunID,
	}).Info("report saved")
	return path, nil
}
