package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func NewInstrumentCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "instrument",
		Aliases: []string{"vna"},
		Short:   "Connect to and inspect the network analyzer",
		GroupID: gBench,
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show the analyzer session",
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := apiClient.GetInstrument()
			if err != nil {
				return err
			}
			cmd.Printf("Connected: %s\n", bool2Text(st.Connected))
			if !st.Connected {
				return nil
			}
			cmd.Printf("  Resource: %s\n", bold("%s", st.Resource))
			cmd.Printf("  Identity: %s\n", st.IDN)
			cmd.Printf("  Calibrated: %s", bool2Text(st.Calibrated))
			if st.InputPower != nil {
				cmd.Printf(" at %s", bold("%g dBm", *st.InputPower))
			}
			cmd.Println()
			if st.Job != "" {
				cmd.Printf("  Running: %s\n", st.Job)
			}
			return nil
		},
	}

	connectCmd := &cobra.Command{
		Use:   "connect [resource]",
		Short: "Open the analyzer session",
		Long: `Open the analyzer session at a VISA style resource, e.g.

  TCPIP0::192.168.0.16::5025::SOCKET
  GPIB0::16::INSTR   (through the Prologix controller in the config)

Without a resource the daemon's configured resource is used.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resource := ""
			if len(args) == 1 {
				resource = args[0]
			}
			st, err := apiClient.ConnectInstrument(resource)
			if err != nil {
				return err
			}
			cmd.Printf("Connected to %s\n", bold("%s", st.Resource))
			cmd.Printf("  %s\n", st.IDN)
			if st.Calibrated {
				cmd.Printf("  Restored calibration at %g dBm\n", *st.InputPower)
			}
			return nil
		},
	}

	disconnectCmd := &cobra.Command{
		Use:   "disconnect",
		Short: "Close the analyzer session",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ret, err := apiClient.DisconnectInstrument()
			if err != nil {
				return fmt.Errorf("failed to disconnect: %w", err)
			}
			return printResponse(cmd, ret, nil)
		},
	}

	cmd.AddCommand(statusCmd, connectCmd, disconnectCmd)
	return cmd
}
