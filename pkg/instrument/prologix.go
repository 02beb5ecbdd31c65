package instrument

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.bug.st/serial"
)

const (
	prologixBaud = 115200
	// per-read timeout on the serial line; the session timeout is
	// enforced across reads
	prologixPoll = 50 * time.Millisecond
	// longest read timeout the controller accepts
	prologixMaxReadTmo = 3000
	// silence after which the controller has given up on ++read
	prologixReadWindow = prologixMaxReadTmo*time.Millisecond + 100*time.Millisecond
)

type serialPort interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
	ResetInputBuffer() error
}

// Prologix is a session to a GPIB instrument through a Prologix GPIB-USB
// controller in controller mode.
type Prologix struct {
	port    serialPort
	addr    int
	timeout time.Duration
	pending []byte

	// readWindow is how long a ++read may stay silent before it is
	// issued again.
	readWindow time.Duration

	now func() time.Time
}

var _ Session = &Prologix{}

func OpenPrologix(portName string, gpibAddr int, timeout time.Duration) (*Prologix, error) {
	port, err := serial.Open(portName, &serial.Mode{BaudRate: prologixBaud})
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to open prologix controller on %s", portName)
	}

	p, err := newPrologix(port, gpibAddr, timeout)
	if err != nil {
		_ = port.Close()
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"port": portName,
		"gpib": gpibAddr,
	}).Debug("prologix controller ready")
	return p, nil
}

func newPrologix(port serialPort, gpibAddr int, timeout time.Duration) (*Prologix, error) {
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	p := &Prologix{
		port:       port,
		addr:       gpibAddr,
		timeout:    timeout,
		readWindow: prologixReadWindow,
		now:        time.Now,
	}

	if err := port.SetReadTimeout(prologixPoll); err != nil {
		return nil, pkgerrors.Wrap(err, "failed to set serial read timeout")
	}

	setup := []string{
		"++mode 1",
		fmt.Sprintf("++addr %d", gpibAddr),
		"++auto 0",
		"++eoi 1",
		// append LF to commands sent to the instrument
		"++eos 2",
		fmt.Sprintf("++read_tmo_ms %d", prologixMaxReadTmo),
	}
	for _, c := range setup {
		if err := p.controller(c); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *Prologix) controller(cmd string) error {
	if p.port == nil {
		return ErrClosed
	}
	if _, err := p.port.Write([]byte(cmd + "\n")); err != nil {
		return pkgerrors.Wrapf(err, "prologix %q", cmd)
	}
	return nil
}

// escape protects bytes the controller would otherwise interpret.
func escape(cmd string) []byte {
	var b bytes.Buffer
	for i := 0; i < len(cmd); i++ {
		switch c := cmd[i]; c {
		case '\r', '\n', 0x1B, '+':
			b.WriteByte(0x1B)
			b.WriteByte(c)
		default:
			b.WriteByte(c)
		}
	}
	b.WriteByte('\n')
	return b.Bytes()
}

func (p *Prologix) Write(cmd string) error {
	if p.port == nil {
		return ErrClosed
	}
	logrus.WithField("cmd", cmd).Trace("gpib write")

	if _, err := p.port.Write(escape(cmd)); err != nil {
		return pkgerrors.Wrapf(err, "write %q to gpib %d", cmd, p.addr)
	}
	return nil
}

func (p *Prologix) Query(cmd string) (string, error) {
	if err := p.Write(cmd); err != nil {
		return "", err
	}
	if err := p.controller("++read eoi"); err != nil {
		return "", err
	}

	line, err := p.readLine()
	if err != nil {
		return "", pkgerrors.Wrapf(err, "query %q", cmd)
	}

	logrus.WithFields(logrus.Fields{
		"cmd":  cmd,
		"resp": line,
	}).Trace("gpib query")
	return line, nil
}

// readLine collects one reply line. Slow replies outlive the controller's
// read timeout, so ++read is repeated after every silent window until the
// session deadline.
func (p *Prologix) readLine() (string, error) {
	var deadline time.Time
	if p.timeout > 0 {
		deadline = p.now().Add(p.timeout)
	}
	lastData := p.now()

	buf := make([]byte, 512)
	for {
		if i := bytes.IndexByte(p.pending, '\n'); i >= 0 {
			line := string(p.pending[:i])
			p.pending = p.pending[i+1:]
			return strings.TrimRight(line, "\r"), nil
		}
		if !deadline.IsZero() && !p.now().Before(deadline) {
			return "", pkgerrors.Wrapf(ErrTimeout, "no response within %s", p.timeout)
		}

		n, err := p.port.Read(buf)
		if err != nil {
			return "", err
		}
		// n == 0 is a poll timeout on the serial line
		if n > 0 {
			p.pending = append(p.pending, buf[:n]...)
			lastData = p.now()
			continue
		}
		if p.now().Sub(lastData) >= p.readWindow {
			logrus.WithField("gpib", p.addr).Trace("reply pending, reading again")
			if err := p.controller("++read eoi"); err != nil {
				return "", err
			}
			lastData = p.now()
		}
	}
}

func (p *Prologix) QueryASCIIValues(cmd string) ([]float64, error) {
	return queryValues(p, cmd)
}

func (p *Prologix) SetTimeout(d time.Duration) error {
	if d == 0 {
		return errors.New("zero timeout, use Infinite to disable it")
	}
	p.timeout = d
	return nil
}

func (p *Prologix) Timeout() time.Duration {
	return p.timeout
}

// Clear sends Selected Device Clear and drops unread input.
func (p *Prologix) Clear() error {
	if err := p.controller("++clr"); err != nil {
		return err
	}
	p.pending = nil
	if err := p.port.ResetInputBuffer(); err != nil {
		return pkgerrors.Wrap(err, "failed to reset serial input")
	}
	return nil
}

func (p *Prologix) Close() error {
	if p.port == nil {
		return nil
	}
	// hand the front panel back
	_ = p.controller("++loc")
	err := p.port.Close()
	p.port = nil
	return err
}
