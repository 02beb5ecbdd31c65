package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/charlie0129/rfof/pkg/client"
)

var (
	logLevel       = "info"
	unixSocketPath = "/var/run/rfof.sock"
	configPath     = "/etc/rfof/config.json"
)

var (
	gBench        = "Bench:"
	gMeasurement  = "Measurement:"
	gOffline      = "Offline:"
	gAdvanced     = "Advanced:"
	commandGroups = []string{
		gBench,
		gMeasurement,
		gOffline,
		gAdvanced,
	}
)

var apiClient *client.Client

func setupLogger() error {
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		return fmt.Errorf("failed to parse log level: %v", err)
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{})
	if term.IsTerminal(int(os.Stderr.Fd())) {
		logrus.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.TimeOnly,
		})
	}

	return nil
}

func handleCmdError(err error) {
	if errors.Is(err, client.ErrDaemonNotRunning) {
		fmt.Fprintln(os.Stderr, "\nError: rfof daemon is not running")
		fmt.Fprintln(os.Stderr, "Start it with 'rfof daemon' (usually as root to access the USB bridges).")
	} else if errors.Is(err, client.ErrPermissionDenied) {
		fmt.Fprintln(os.Stderr, "\nError: Permission Denied")
		fmt.Fprintln(os.Stderr, "  - Try running the command again with 'sudo'")
		fmt.Fprintln(os.Stderr, "  - Or run the daemon with '--always-allow-non-root-access' to grant permissions to your user")
	} else if errors.Is(err, client.ErrConflict) {
		fmt.Fprintln(os.Stderr, "\nThe station is busy or not set up for this. Check 'rfof instrument status' and 'rfof calibration status'.")
	}
}

func main() {
	cmd := NewCommand()
	if err := cmd.Execute(); err != nil {
		handleCmdError(err)
		os.Exit(1)
	}
}

func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rfof",
		Short: "rfof drives the RF-over-fiber two-tone test station",
		Long: `rfof drives the RF-over-fiber two-tone test station: a network analyzer
for calibration and intermodulation measurements, and the FTX/FRX boards
behind their USB-I2C bridges.

The daemon owns all hardware. Other commands talk to it over a unix socket,
except the offline commands which work on files or a directly attached
spectrum analyzer.`,
		SilenceUsage: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			if err := setupLogger(); err != nil {
				return err
			}
			apiClient = client.NewClient(unixSocketPath)
			return nil
		},
	}

	globalFlags := cmd.PersistentFlags()
	globalFlags.StringVarP(&logLevel, "log-level", "l", "info", "log level (trace, debug, info, warn, error, fatal, panic)")
	globalFlags.StringVar(&configPath, "config", configPath, "config file path")
	globalFlags.StringVar(&unixSocketPath, "daemon-socket", unixSocketPath, "rfof daemon unix socket path")

	for _, i := range commandGroups {
		cmd.AddGroup(&cobra.Group{
			ID:    i,
			Title: i,
		})
	}

	cmd.AddCommand(
		NewDaemonCommand(),
		NewVersionCommand(),
		NewConfigCommand(),
		NewInstrumentCommand(),
		NewBoardCommand(),
		NewTelemetryCommand(),
		NewCalibrationCommand(),
		NewOperatorCommand(),
		NewMeasureCommand(),
		NewReportCommand(),
		NewNoiseCommand(),
		NewSpectrumCommand(),
		NewInstallCommand(),
		NewUninstallCommand(),
	)

	return cmd
}
