package daemon

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

// Uninstall stops the service and removes its unit. Nothing is done when
// the unit is not installed.
func Uninstall() error {
	unit := filepath.Base(unitPath)
	if _, err := os.Stat(unitPath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			logrus.WithField("unit", unitPath).Info("rfof service is not installed")
			return nil
		}
		return fmt.Errorf("failed to stat %s: %w", unitPath, err)
	}

	logrus.WithField("unit", unit).Info("stopping rfof service")
	if err := systemctl("disable", "--now", unit); err != nil {
		return fmt.Errorf("failed to disable %s: %w. Are you root?", unit, err)
	}

	if err := os.Remove(unitPath); err != nil {
		return fmt.Errorf("failed to remove %s: %w", unitPath, err)
	}
	logrus.WithField("unit", unitPath).Info("systemd unit removed")

	return systemctl("daemon-reload")
}
