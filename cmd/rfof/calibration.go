package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/charlie0129/rfof/pkg/calibration"
	"github.com/charlie0129/rfof/pkg/client"
	"github.com/charlie0129/rfof/pkg/events"
)

func NewCalibrationCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "calibration",
		Aliases: []string{"calibrate", "cal"},
		Short:   "Run the two-tone analyzer calibration",
		Long: `Start, follow and control the two-tone calibration of the network analyzer
(preset -> source level -> power sensor cal -> source cal sweeps on ports 1 and 3
-> receiver cal). The sequence waits for the operator at every cabling step
and after every source calibration sweep.`,
		GroupID: gMeasurement,
	}

	var power float64
	var follow bool
	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start a calibration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			p := optionalFloat(cmd, "power", power)
			if !follow {
				st, err := apiClient.StartCalibration(p)
				if err != nil {
					return err
				}
				cmd.Printf("Calibration started at %s. Answer operator requests with 'rfof operator'.\n", bold("%g dBm", st.InputPower))
				return nil
			}
			return followCalibration(cmd, os.Stdin, func() error {
				st, err := apiClient.StartCalibration(p)
				if err != nil {
					return err
				}
				cmd.Printf("Calibration started at %s.\n", bold("%g dBm", st.InputPower))
				return nil
			})
		},
	}
	startCmd.Flags().Float64VarP(&power, "power", "p", 0, "source power in dBm (default: from daemon config)")
	startCmd.Flags().BoolVarP(&follow, "follow", "f", false, "follow progress and answer operator requests on this terminal")

	followCmd := &cobra.Command{
		Use:   "follow",
		Short: "Follow a running calibration and answer operator requests",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return followCalibration(cmd, os.Stdin, func() error {
				st, err := apiClient.GetCalibration()
				if err != nil {
					return err
				}
				if !st.Running {
					return fmt.Errorf("no calibration running")
				}
				return nil
			})
		},
	}

	cancelCmd := &cobra.Command{
		Use:   "cancel",
		Short: "Cancel the running calibration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ret, err := apiClient.CancelCalibration()
			if err != nil {
				return fmt.Errorf("failed to cancel calibration: %w", err)
			}
			return printResponse(cmd, ret, nil)
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show current calibration status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := apiClient.GetCalibration()
			if err != nil {
				return fmt.Errorf("failed to fetch calibration status: %w", err)
			}
			printCalibrationStatus(cmd, st)
			return nil
		},
	}

	cmd.AddCommand(startCmd, followCmd, cancelCmd, statusCmd)
	return cmd
}

func printCalibrationStatus(cmd *cobra.Command, st *calibration.Status) {
	cmd.Printf("Phase: %s\n", phaseText(st.Phase))
	cmd.Printf("Calibrated: %s", bool2Text(st.Calibrated))
	if st.InputPower != nil {
		cmd.Printf(" at %s", bold("%g dBm", *st.InputPower))
	}
	cmd.Println()
	if st.RunID != "" {
		cmd.Printf("Run: %s\n", st.RunID)
	}
	if !st.StartedAt.IsZero() {
		cmd.Printf("Started: %s (%s ago)\n", st.StartedAt.Format(time.RFC3339), time.Since(st.StartedAt).Round(time.Second))
	}
	if st.Port != 0 {
		cmd.Printf("Port: %d\n", st.Port)
	}
	for _, p := range []int{1, 3} {
		if n, ok := st.SweepAttempts[p]; ok {
			cmd.Printf("Port %d sweeps: %d\n", p, n)
		}
	}
	if st.Pending != nil {
		cmd.Printf("Waiting for operator (%s): %s\n", st.Pending.Kind, bold("%s", st.Pending.Message))
	} else if st.Message != "" {
		cmd.Printf("Message: %s\n", st.Message)
	}
}

func phaseText(p calibration.Phase) string {
	switch p {
	case calibration.PhaseCalibrated:
		return color.New(color.Bold, color.FgGreen).Sprint(p)
	case calibration.PhaseError:
		return color.New(color.Bold, color.FgRed).Sprint(p)
	default:
		return bold("%s", p)
	}
}

// pendingPoll is how often follow mode asks the daemon for an operator
// request it may have missed on the event stream.
var pendingPoll = 5 * time.Second

// followCalibration subscribes to daemon events, runs start once the
// stream is attached, then prints progress and answers operator requests
// from in until the sequence ends. Requests are also fetched from the
// daemon so one published before the stream attached, or dropped on it,
// is still answered. An interrupt cancels the calibration.
func followCalibration(cmd *cobra.Command, in io.Reader, start func() error) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	subCtx, cancelSub := context.WithCancel(ctx)
	defer cancelSub()

	evc := make(chan events.Event)
	errc := make(chan error, 1)
	go func() {
		errc <- apiClient.SubscribeEvents(subCtx, func(ev events.Event) error {
			select {
			case evc <- ev:
				return nil
			case <-subCtx.Done():
				return subCtx.Err()
			}
		})
	}()

	f := &follower{cmd: cmd, reader: bufio.NewReader(in), answered: make(map[string]bool)}
	started := false
	poll := time.NewTicker(pendingPoll)
	defer poll.Stop()

	for {
		select {
		case ev := <-evc:
			if ev.Name == events.StreamOpen && !started {
				started = true
				if err := start(); err != nil {
					return err
				}
				if err := f.answerPending(); err != nil {
					return err
				}
				continue
			}
			done, err := f.handle(ev)
			if err != nil {
				return err
			}
			if done {
				return f.failure
			}
		case <-poll.C:
			if !started {
				continue
			}
			if err := f.answerPending(); err != nil {
				return err
			}
		case err := <-errc:
			if err == nil {
				err = errors.New("event stream closed by daemon")
			}
			return err
		case <-ctx.Done():
			cmd.Println("\nInterrupted, cancelling calibration")
			if _, err := apiClient.CancelCalibration(); err != nil {
				logrus.WithError(err).Warn("failed to cancel calibration")
			}
			return ctx.Err()
		}
	}
}

type follower struct {
	cmd      *cobra.Command
	reader   *bufio.Reader
	answered map[string]bool
	failure  error
}

// handle prints one event. It reports done when the calibration ended.
func (f *follower) handle(ev events.Event) (bool, error) {
	switch ev.Name {
	case events.CalibrationPhase:
		e, err := events.DecodeAs[events.CalibrationPhaseEvent](ev)
		if err != nil {
			return false, err
		}
		f.cmd.Printf("[%s] %s: %s\n", time.Unix(e.Ts, 0).Format(time.TimeOnly), phaseText(calibration.Phase(e.To)), e.Message)
		switch calibration.Phase(e.To) {
		case calibration.PhaseCalibrated:
			return true, nil
		case calibration.PhaseError:
			f.failure = fmt.Errorf("calibration failed")
			return true, nil
		}
	case events.CalibrationSweep:
		e, err := events.DecodeAs[events.CalibrationSweepEvent](ev)
		if err != nil {
			return false, err
		}
		f.cmd.Printf("  source cal sweep on port %d, attempt %d\n", e.Port, e.Attempt)
	case events.OperatorRequest:
		e, err := events.DecodeAs[events.OperatorRequestEvent](ev)
		if err != nil {
			return false, err
		}
		return false, f.answer(e.ID, calibration.RequestKind(e.Kind), e.Message, e.AllowAdjust)
	case events.JobFailed:
		e, err := events.DecodeAs[events.JobFailedEvent](ev)
		if err != nil {
			return false, err
		}
		if e.Job == "calibration" {
			f.failure = errors.New(e.Error)
			return true, nil
		}
	}
	return false, nil
}

// answerPending answers the request the daemon is waiting on, if any.
func (f *follower) answerPending() error {
	req, err := apiClient.GetOperatorRequest()
	if errors.Is(err, client.ErrNotFound) {
		return nil
	}
	if err != nil {
		logrus.WithError(err).Warn("failed to fetch pending operator request")
		return nil
	}
	return f.answer(req.ID, req.Kind, req.Message, req.AllowAdjust)
}

func (f *follower) answer(id string, kind calibration.RequestKind, msg string, allowAdjust bool) error {
	if f.answered[id] {
		return nil
	}
	f.answered[id] = true
	return answerInteractively(f.cmd, f.reader, id, kind, msg, allowAdjust)
}

// answerInteractively asks the operator on the terminal and posts the
// answer.
func answerInteractively(cmd *cobra.Command, r *bufio.Reader, id string, kind calibration.RequestKind, msg string, allowAdjust bool) error {
	resp := calibration.OperatorResponse{ID: id, Accept: true}

	cmd.Println()
	cmd.Println(color.New(color.Bold, color.FgYellow).Sprint(">> ", msg))
	if kind == calibration.RequestPrompt {
		cmd.Print("Press Enter when done: ")
		if _, err := r.ReadString('\n'); err != nil {
			return err
		}
	} else {
		ok, err := askYesNo(cmd, r, "Accept? [y/n]: ")
		if err != nil {
			return err
		}
		resp.Accept = ok
		if !ok && allowAdjust {
			if resp.Tolerance, err = askOptionalFloat(cmd, r, "New tolerance in dB (Enter to keep): "); err != nil {
				return err
			}
			n, err := askOptionalFloat(cmd, r, "New max iterations (Enter to keep): ")
			if err != nil {
				return err
			}
			if n != nil {
				count := int(*n)
				resp.Count = &count
			}
		}
	}

	_, err := apiClient.AnswerOperator(resp)
	return err
}

func askYesNo(cmd *cobra.Command, r *bufio.Reader, prompt string) (bool, error) {
	for {
		cmd.Print(prompt)
		line, err := r.ReadString('\n')
		if err != nil {
			return false, err
		}
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			return true, nil
		case "n", "no":
			return false, nil
		}
	}
}

func askOptionalFloat(cmd *cobra.Command, r *bufio.Reader, prompt string) (*float64, error) {
	for {
		cmd.Print(prompt)
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			return nil, nil
		}
		v, err := strconv.ParseFloat(line, 64)
		if err == nil {
			return &v, nil
		}
		cmd.Printf("invalid number %q\n", line)
	}
}

func NewOperatorCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "operator",
		Short:   "Show or answer the request the calibration is waiting on",
		GroupID: gMeasurement,
		RunE: func(cmd *cobra.Command, _ []string) error {
			req, err := apiClient.GetOperatorRequest()
			if err != nil {
				return fmt.Errorf("no pending operator request: %w", err)
			}
			cmd.Printf("%s (%s): %s\n", req.ID, req.Kind, bold("%s", req.Message))
			return nil
		},
	}

	var tolerance float64
	var count int
	respond := func(accept bool) func(cmd *cobra.Command, _ []string) error {
		return func(cmd *cobra.Command, _ []string) error {
			resp := calibration.OperatorResponse{Accept: accept}
			resp.Tolerance = optionalFloat(cmd, "tolerance", tolerance)
			if cmd.Flags().Changed("count") {
				resp.Count = &count
			}
			ret, err := apiClient.AnswerOperator(resp)
			return printResponse(cmd, ret, err)
		}
	}

	ackCmd := &cobra.Command{
		Use:     "ack",
		Aliases: []string{"accept", "yes"},
		Short:   "Acknowledge a prompt or accept the last sweep",
		RunE:    respond(true),
	}
	repeatCmd := &cobra.Command{
		Use:     "repeat",
		Aliases: []string{"reject", "no"},
		Short:   "Reject the last source calibration sweep and repeat it",
		RunE:    respond(false),
	}
	repeatCmd.Flags().Float64Var(&tolerance, "tolerance", 0, "new source cal tolerance in dB")
	repeatCmd.Flags().IntVar(&count, "count", 0, "new source cal iteration count")

	cmd.AddCommand(ackCmd, repeatCmd)
	return cmd
}
