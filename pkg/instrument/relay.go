package instrument

import (
	"fmt"
	"strings"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// relayTimeoutMS is the GPIB timeout the analyzer uses on the pass-through
// bus. Power meter calibrations are slow.
const relayTimeoutMS = 200000

// Relay is a GPIB pass-through session to a remote device (usually the
// power meter) hosted by the analyzer's own GPIB controller.
type Relay struct {
	s      Session
	handle int
}

// PowerMeterAddress asks the analyzer which GPIB address its power meter
// is on.
func PowerMeterAddress(s Session) (int, error) {
	return QueryInt(s, "SYSTem:COMMunicate:GPIB:PMETer:ADDRess?")
}

func OpenRelay(s Session, gpibAddr int) (*Relay, error) {
	if err := s.Write(fmt.Sprintf("SYSTem:COMMunicate:GPIB:RDEVice:OPEN 0, %d, %d", gpibAddr, relayTimeoutMS)); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to open relay to gpib %d", gpibAddr)
	}
	h, err := QueryInt(s, "SYSTem:COMMunicate:GPIB:RDEVice:OPEN?")
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to get relay handle")
	}

	logrus.WithFields(logrus.Fields{
		"gpib":   gpibAddr,
		"handle": h,
	}).Debug("gpib relay opened")
	return &Relay{s: s, handle: h}, nil
}

func (r *Relay) Handle() int {
	return r.handle
}

// Write forwards cmd to the remote device.
func (r *Relay) Write(cmd string) error {
	if strings.ContainsRune(cmd, '\'') {
		return fmt.Errorf("relay command %q must not contain quotes", cmd)
	}
	return r.s.Write(fmt.Sprintf("SYSTem:COMMunicate:GPIB:RDEVice:WRITe %d, '%s'", r.handle, cmd))
}

// Read returns the remote device's pending output.
func (r *Relay) Read() (string, error) {
	return r.s.Query(fmt.Sprintf("SYSTem:COMMunicate:GPIB:RDEVice:READ? %d", r.handle))
}

func (r *Relay) Close() error {
	return r.s.Write(fmt.Sprintf("SYSTem:COMMunicate:GPIB:RDEVice:CLOSE %d", r.handle))
}
