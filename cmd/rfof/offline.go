package main

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/charlie0129/rfof/pkg/instrument"
	"github.com/charlie0129/rfof/pkg/noise"
	"github.com/charlie0129/rfof/pkg/spectrum"
)

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// writeColumns writes a header and one row per index of the columns.
func writeColumns(w io.Writer, header []string, cols ...[]float64) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return err
	}
	for i := range cols[0] {
		row := make([]string, len(cols))
		for j, c := range cols {
			row[j] = formatFloat(c[i])
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func openOutput(path string) (io.Writer, func() error, error) {
	if path == "" || path == "-" {
		return os.Stdout, func() error { return nil }, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, err
	}
	return f, f.Close, nil
}

func NewNoiseCommand() *cobra.Command {
	var gainPath, out string
	var bandwidth float64

	cmd := &cobra.Command{
		Use:   "noise <trace.csv>",
		Short: "Compute noise temperature from a dark/DUT spectrum export and a gain sweep",
		Long: `Compute the input referred noise temperature, point by point, from a spectrum
analyzer export (frequency, dark trace and DUT trace in dBm) and a network
analyzer S21 export (frequency and gain in dB). Both files must have the same
number of points.`,
		Args:    cobra.ExactArgs(1),
		GroupID: gOffline,
		RunE: func(cmd *cobra.Command, args []string) error {
			tf, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer tf.Close()
			trace, err := noise.ReadTrace(tf)
			if err != nil {
				return err
			}

			gf, err := os.Open(gainPath)
			if err != nil {
				return err
			}
			defer gf.Close()
			gain, err := noise.ReadGain(gf)
			if err != nil {
				return err
			}

			temp, err := noise.Temperature(trace.Dark, trace.DUT, gain.S21, bandwidth)
			if err != nil {
				return err
			}

			w, closeFn, err := openOutput(out)
			if err != nil {
				return err
			}
			if err := writeColumns(w, []string{"frequency_hz", "temperature_k"}, trace.Frequency, temp); err != nil {
				_ = closeFn()
				return err
			}
			return closeFn()
		},
	}

	f := cmd.Flags()
	f.StringVarP(&gainPath, "gain", "g", "", "S21 gain export (required)")
	f.Float64VarP(&bandwidth, "bandwidth", "b", noise.DefaultBandwidthHz, "noise bandwidth in Hz")
	f.StringVarP(&out, "output", "o", "", "output CSV (default: stdout)")
	_ = cmd.MarkFlagRequired("gain")
	return cmd
}

func NewSpectrumCommand() *cobra.Command {
	st := spectrum.DefaultSettings()
	var resource, out string
	var configureOnly bool

	cmd := &cobra.Command{
		Use:   "spectrum",
		Short: "Configure a spectrum analyzer and save trace 1",
		Long: `Configure a directly connected spectrum analyzer for averaged power detection
and save trace 1 as frequency_hz,power_dbm CSV. This does not go through the
daemon.`,
		GroupID: gOffline,
		RunE: func(cmd *cobra.Command, _ []string) error {
			r, err := instrument.ParseResource(resource)
			if err != nil {
				return err
			}
			sess, err := instrument.Open(r, instrument.DefaultTimeout)
			if err != nil {
				return fmt.Errorf("failed to open %s: %w", r, err)
			}
			defer sess.Close()

			a := spectrum.New(sess)
			if err := a.Configure(st); err != nil {
				return err
			}
			if configureOnly {
				cmd.Println("analyzer configured")
				return nil
			}
			trace, err := a.Acquire(st)
			if err != nil {
				return err
			}

			w, closeFn, err := openOutput(out)
			if err != nil {
				return err
			}
			if err := writeColumns(w, []string{"frequency_hz", "power_dbm"}, spectrum.Frequencies(st, len(trace)), trace); err != nil {
				_ = closeFn()
				return err
			}
			return closeFn()
		},
	}

	f := cmd.Flags()
	f.StringVarP(&resource, "resource", "r", "", "analyzer resource, e.g. TCPIP0::192.168.0.20::5025::SOCKET (required)")
	f.StringVarP(&out, "output", "o", "", "output CSV (default: stdout)")
	f.BoolVar(&configureOnly, "configure-only", false, "only configure the analyzer")
	f.Float64Var(&st.StartMHz, "start", st.StartMHz, "start frequency in MHz")
	f.Float64Var(&st.StopMHz, "stop", st.StopMHz, "stop frequency in MHz")
	f.Float64Var(&st.ReferenceLevel, "ref-level", st.ReferenceLevel, "reference level in dBm")
	f.IntVar(&st.AttenuationDB, "attenuation", st.AttenuationDB, "input attenuation in dB")
	f.BoolVar(&st.Preamp, "preamp", st.Preamp, "enable the preamplifier")
	f.Float64Var(&st.ResolutionBWMHz, "rbw", st.ResolutionBWMHz, "resolution bandwidth in MHz")
	f.Float64Var(&st.VideoBWMHz, "vbw", st.VideoBWMHz, "video bandwidth in MHz")
	f.IntVar(&st.Averages, "averages", st.Averages, "trace averages")
	f.IntVar(&st.Sweeps, "sweeps", st.Sweeps, "sweep count")
	f.DurationVar(&st.Dwell, "dwell", st.Dwell, "time to let the averaged trace settle")
	_ = cmd.MarkFlagRequired("resource")
	return cmd
}
