package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/charlie0129/rfof/pkg/events"
	"github.com/charlie0129/rfof/pkg/report"
	"github.com/charlie0129/rfof/pkg/twotone"
)

var errFollowDone = errors.New("follow done")

func NewMeasureCommand() *cobra.Command {
	var fallback float64
	var wait bool
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:     "measure",
		Short:   "Run one two-tone intermodulation measurement",
		GroupID: gMeasurement,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p := optionalFloat(cmd, "power", fallback)
			if !wait {
				ret, err := apiClient.StartMeasurement(p)
				return printResponse(cmd, ret, err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			errc := make(chan error, 1)
			go func() {
				errc <- apiClient.SubscribeEvents(ctx, func(ev events.Event) error {
					switch ev.Name {
					case events.MeasurementDone:
						return errFollowDone
					case events.JobFailed:
						e, err := events.DecodeAs[events.JobFailedEvent](ev)
						if err != nil {
							return err
						}
						if e.Job == "measurement" {
							return errors.New(e.Error)
						}
					}
					return nil
				})
			}()
			// Let the stream attach before the result can be published.
			time.Sleep(100 * time.Millisecond)

			if _, err := apiClient.StartMeasurement(p); err != nil {
				return err
			}
			if err := <-errc; err != nil && !errors.Is(err, errFollowDone) {
				return fmt.Errorf("measurement failed: %w", err)
			}

			r, err := apiClient.GetMeasurement()
			if err != nil {
				return err
			}
			printResult(cmd, r)
			return nil
		},
	}

	f := cmd.Flags()
	f.Float64VarP(&fallback, "power", "p", twotone.DefaultInputPower, "input power in dBm assumed if the analyzer is not calibrated")
	f.BoolVarP(&wait, "wait", "w", false, "wait for the measurement and print it")
	f.DurationVar(&timeout, "timeout", 0, "give up waiting after this long (0 waits forever)")

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the last measurement",
		RunE: func(cmd *cobra.Command, _ []string) error {
			r, err := apiClient.GetMeasurement()
			if err != nil {
				return err
			}
			printResult(cmd, r)
			return nil
		},
	})

	return cmd
}

func printResult(cmd *cobra.Command, r *twotone.Result) {
	cmd.Printf("Run %s at %s\n", r.RunID, r.Timestamp.Format(time.RFC3339))
	cmd.Printf("Input power: %s", bold("%g dBm", r.InputPower))
	if r.Uncalibrated {
		cmd.Print(" (uncalibrated)")
	}
	cmd.Println()

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(w, "MHz\tPL\tPH\tIM2\tIM3L\tIM3H\tOIP2\tOIP3\tgain\tIIP2\tIIP3\t")
	t, d := r.Traces, r.Derived
	for i := range t.PL {
		fmt.Fprintf(w, "%.3f\t%.2f\t%.2f\t%.2f\t%.2f\t%.2f\t%.2f\t%.2f\t%.2f\t%.2f\t%.2f\t\n",
			t.Frequency[i]/1e6, t.PL[i], t.PH[i], t.IM2[i], t.IM3L[i], t.IM3H[i],
			d.OIP2[i], d.OIP3[i], d.Gain[i], d.IIP2[i], d.IIP3[i])
	}
	_ = w.Flush()
}

func NewReportCommand() *cobra.Command {
	var title, dir string

	cmd := &cobra.Command{
		Use:     "report",
		Short:   "Save the last measurement as a CSV report on the daemon host",
		GroupID: gMeasurement,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, err := apiClient.SaveReport(title, dir)
			if err != nil {
				return err
			}
			cmd.Printf("Report saved to %s\n", bold("%s", path))
			return nil
		},
	}
	cmd.Flags().StringVarP(&title, "title", "t", report.DefaultTitle, "report title")
	cmd.Flags().StringVarP(&dir, "dir", "d", "", "output directory (default: from daemon config)")
	return cmd
}

func NewTelemetryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "telemetry [cron]",
		Short:   "Show or set the board telemetry polling schedule",
		Long:    "Show or set the cron schedule the daemon polls connected boards on, e.g. '@every 10s'. An empty schedule disables polling.",
		Args:    cobra.MaximumNArgs(1),
		GroupID: gBench,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				ret, err := apiClient.SetTelemetrySchedule(args[0])
				return printResponse(cmd, ret, err)
			}
			st, err := apiClient.GetTelemetrySchedule()
			if err != nil {
				return err
			}
			cmd.Printf("Schedule: %s\n", bold("%q", st.Schedule))
			if st.NextRun != 0 {
				cmd.Printf("Next poll: %s\n", time.Unix(st.NextRun, 0).Format(time.TimeOnly))
			}
			cmd.Printf("Boards: %v\n", st.Boards)
			return nil
		},
	}
	return cmd
}
