package instrument

import (
	"bufio"
	"errors"
	"net"
	"strings"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// ErrTimeout is wrapped by every read that runs past the session timeout.
var ErrTimeout = errors.New("instrument read timed out")

var ErrClosed = errors.New("instrument session closed")

const dialTimeout = 5 * time.Second

// Socket is a raw SCPI session over TCP, newline terminated.
type Socket struct {
	conn    net.Conn
	r       *bufio.Reader
	addr    string
	timeout time.Duration
}

var _ Session = &Socket{}

func DialSocket(addr string, timeout time.Duration) (*Socket, error) {
	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to connect to %s", addr)
	}
	logrus.WithField("addr", addr).Debug("scpi socket connected")
	return newSocket(conn, addr, timeout), nil
}

func newSocket(conn net.Conn, addr string, timeout time.Duration) *Socket {
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	return &Socket{conn: conn, r: bufio.NewReader(conn), addr: addr, timeout: timeout}
}

func (s *Socket) deadline() time.Time {
	if s.timeout < 0 {
		return time.Time{}
	}
	return time.Now().Add(s.timeout)
}

func (s *Socket) Write(cmd string) error {
	if s.conn == nil {
		return ErrClosed
	}
	logrus.WithField("cmd", cmd).Trace("scpi write")

	_ = s.conn.SetWriteDeadline(s.deadline())
	if _, err := s.conn.Write([]byte(cmd + "\n")); err != nil {
		return pkgerrors.Wrapf(err, "write %q to %s", cmd, s.addr)
	}
	return nil
}

func (s *Socket) Query(cmd string) (string, error) {
	if err := s.Write(cmd); err != nil {
		return "", err
	}

	_ = s.conn.SetReadDeadline(s.deadline())
	line, err := s.r.ReadString('\n')
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return "", pkgerrors.Wrapf(ErrTimeout, "query %q after %s", cmd, s.timeout)
		}
		return "", pkgerrors.Wrapf(err, "query %q on %s", cmd, s.addr)
	}

	resp := strings.TrimRight(line, "\r\n")
	logrus.WithFields(logrus.Fields{
		"cmd":  cmd,
		"resp": resp,
	}).Trace("scpi query")
	return resp, nil
}

func (s *Socket) QueryASCIIValues(cmd string) ([]float64, error) {
	return queryValues(s, cmd)
}

func (s *Socket) SetTimeout(d time.Duration) error {
	if d == 0 {
		return errors.New("zero timeout, use Infinite to disable it")
	}
	s.timeout = d
	return nil
}

func (s *Socket) Timeout() time.Duration {
	return s.timeout
}

// Clear drops whatever the instrument already sent. Raw sockets have no
// device clear message.
func (s *Socket) Clear() error {
	if s.conn == nil {
		return ErrClosed
	}
	_ = s.conn.SetReadDeadline(time.Now().Add(20 * time.Millisecond))
	buf := make([]byte, 4096)
	for {
		if _, err := s.r.Read(buf); err != nil {
			break
		}
	}
	s.r.Reset(s.conn)
	return nil
}

func (s *Socket) Close() error {
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}
