package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/charlie0129/rfof/pkg/board"
)

func NewBoardCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "board",
		Short:   "Control the FTX and FRX boards",
		GroupID: gBench,
	}

	connectCmd := &cobra.Command{
		Use:       "connect <ftx|frx>",
		Short:     "Open a board's USB-I2C bridge and set it up",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{string(board.KindFTX), string(board.KindFRX)},
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := parseBoardArg(args)
			if err != nil {
				return err
			}
			serial, err := apiClient.ConnectBoard(k)
			if err != nil {
				return err
			}
			cmd.Printf("%s connected, serial %s\n", k, bold("%s", serial))
			return nil
		},
	}

	disconnectCmd := &cobra.Command{
		Use:   "disconnect <ftx|frx>",
		Short: "Close a board's bridge",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := parseBoardArg(args)
			if err != nil {
				return err
			}
			ret, err := apiClient.DisconnectBoard(k)
			return printResponse(cmd, ret, err)
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status <ftx|frx>",
		Short: "Read a board's telemetry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := parseBoardArg(args)
			if err != nil {
				return err
			}
			t, err := apiClient.GetTelemetry(k)
			if err != nil {
				return err
			}
			printTelemetry(cmd, t)
			return nil
		},
	}

	attenuationCmd := &cobra.Command{
		Use:     "attenuation <ftx|frx> [dB]",
		Aliases: []string{"atten"},
		Short:   "Get or set a board's step attenuator",
		Long: fmt.Sprintf(`Get or set a board's step attenuator in dB. The attenuator has %g dB steps
between 0 and %g dB; other values are rounded to the nearest step.`, board.AttenuationStepDB, board.MaxAttenuationDB),
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := parseBoardArg(args)
			if err != nil {
				return err
			}
			if len(args) == 1 {
				st, err := apiClient.GetAttenuation(k)
				if err != nil {
					return err
				}
				cmd.Printf("%s attenuation: %s (code %d)\n", k, bold("%.2f dB", st.DB), st.Code)
				return nil
			}

			dB, err := parseFloatArg(args[1:], "attenuation")
			if err != nil {
				return err
			}
			st, err := apiClient.SetAttenuation(k, dB)
			if err != nil {
				return err
			}
			cmd.Printf("%s attenuation set to %s (code %d)\n", k, bold("%.2f dB", st.DB), st.Code)
			if st.Mismatch {
				cmd.Printf("  readback differs from the commanded %.2f dB\n", *st.CommandedDB)
			}
			return nil
		},
	}

	lnaCmd := newEnableDisableCommand(
		"lna",
		"FTX LNA bias",
		"Enable or disable the FTX low noise amplifier bias.",
		func() (string, error) { return apiClient.SetLNA(true) },
		func() (string, error) { return apiClient.SetLNA(false) },
	)

	laserCmd := &cobra.Command{
		Use:   "laser-current <code>",
		Short: "Set the FTX laser drive digipot code (0-255)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := strconv.ParseUint(args[0], 10, 8)
			if err != nil {
				return fmt.Errorf("invalid laser current code: %v", err)
			}
			ret, err := apiClient.SetLaserCurrent(byte(code))
			return printResponse(cmd, ret, err)
		},
	}

	cmd.AddCommand(connectCmd, disconnectCmd, statusCmd, attenuationCmd, lnaCmd, laserCmd)
	return cmd
}

func printTelemetry(cmd *cobra.Command, t *board.Telemetry) {
	cmd.Printf("%s %s\n", bold("%s", t.Board), t.Serial)
	cmd.Printf("  Temperature: %s\n", bold("%.1f °C", t.Temperature))
	cmd.Printf("  RMS power: %s\n", bold("%.2f dBm", t.RMSPower))
	cmd.Printf("  Photodiode current: %s\n", bold("%.3f mA", t.PDCurrent))
	cmd.Printf("  Attenuation: %s (code %d)\n", bold("%.2f dB", t.AttenuationDB), t.AttenuationCode)
	if t.LDCurrent != nil {
		cmd.Printf("  Laser current: %s\n", bold("%.2f mA", *t.LDCurrent))
	}
	if t.LaserCode != nil {
		cmd.Printf("  Laser digipot: %d\n", *t.LaserCode)
	}
	if t.LNACurrent != nil {
		cmd.Printf("  LNA current: %s\n", bold("%.2f mA", *t.LNACurrent))
	}
	if t.LNAFault != nil {
		cmd.Printf("  LNA healthy: %s\n", bool2Text(!*t.LNAFault))
	}
}

func newEnableDisableCommand(
	use, short, long string,
	enableFunc func() (string, error),
	disableFunc func() (string, error),
) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Long:  long,
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "enable",
			Short: "Enable " + short,
			RunE: func(cmd *cobra.Command, _ []string) error {
				ret, err := enableFunc()
				if err != nil {
					return fmt.Errorf("failed to enable %s: %v", use, err)
				}
				return printResponse(cmd, ret, nil)
			},
		},
		&cobra.Command{
			Use:   "disable",
			Short: "Disable " + short,
			RunE: func(cmd *cobra.Command, _ []string) error {
				ret, err := disableFunc()
				if err != nil {
					return fmt.Errorf("failed to disable %s: %v", use, err)
				}
				return printResponse(cmd, ret, nil)
			},
		},
	)

	return cmd
}
