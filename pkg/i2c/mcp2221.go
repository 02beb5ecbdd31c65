package i2c

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/karalabe/hid"
	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Default Microchip identifiers of the MCP2221A.
const (
	MCP2221VID uint16 = 0x04D8
	MCP2221PID uint16 = 0x00DD
)

const (
	mcpMsgSize  = 64
	mcpChunkMax = 60
	mcpClockHz  = 12000000

	mcpCmdStatus          byte = 0x10
	mcpCmdWrite           byte = 0x90
	mcpCmdWriteNoStop     byte = 0x94
	mcpCmdRead            byte = 0x91
	mcpCmdReadRepStart    byte = 0x93
	mcpCmdReadGetData     byte = 0x40
	mcpStateIdle          byte = 0x00
	mcpStateAddrNACK      byte = 0x25
	mcpStatePartialData   byte = 0x41
	mcpStateWritingNoStop byte = 0x45
	mcpStateReadPartial   byte = 0x54
	mcpStateReadComplete  byte = 0x55
	mcpStateReadError     byte = 0x7F

	mcpPollLimit    = 50
	mcpPollInterval = 300 * time.Microsecond
)

var mcpTimeoutStates = map[byte]string{
	0x12: "start",
	0x17: "repeated start",
	0x23: "address",
	0x44: "write",
	0x52: "read",
	0x62: "stop",
}

// hidDevice is the part of *hid.Device the bridge uses.
type hidDevice interface {
	Write(b []byte) (int, error)
	Read(b []byte) (int, error)
	Close() error
}

// MCP2221 is a Bus over a Microchip MCP2221A USB-HID to I2C bridge. Each
// board gets its own bridge, so closing one never disturbs another.
type MCP2221 struct {
	mu    sync.Mutex
	dev   hidDevice
	index int
}

var _ Bus = &MCP2221{}

// AttachedMCP2221 lists the bridges matching vid and pid. The order is
// stable, so the position can be used as the index for OpenMCP2221.
func AttachedMCP2221(vid, pid uint16) []hid.DeviceInfo {
	return hid.Enumerate(vid, pid)
}

// OpenMCP2221 opens the bridge enumerated at index.
func OpenMCP2221(index int, vid, pid uint16) (*MCP2221, error) {
	infos := AttachedMCP2221(vid, pid)
	if index < 0 || index >= len(infos) {
		return nil, fmt.Errorf("mcp2221 index %d out of range, %d device(s) attached", index, len(infos))
	}

	dev, err := infos[index].Open()
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to open mcp2221 at index %d", index)
	}

	logrus.WithFields(logrus.Fields{
		"index":  index,
		"path":   infos[index].Path,
		"serial": infos[index].Serial,
	}).Debug("opened mcp2221")

	return &MCP2221{dev: dev, index: index}, nil
}

func newMCP2221(dev hidDevice) *MCP2221 {
	return &MCP2221{dev: dev}
}

// SetSpeed sets the I2C clock in bits per second.
func (m *MCP2221) SetSpeed(baud uint32) error {
	if baud > mcpClockHz/3 || baud < mcpClockHz/258 {
		return fmt.Errorf("invalid i2c baud rate %d", baud)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	msg := make([]byte, mcpMsgSize)
	msg[3] = 0x20
	msg[4] = byte(mcpClockHz/baud - 3)
	rsp, err := m.send(mcpCmdStatus, msg)
	if err != nil {
		return err
	}
	if rsp[3] == 0x21 {
		return errors.New("cannot change speed while a transfer is in progress")
	}
	return nil
}

func (m *MCP2221) Write(addr uint8, w []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.write(mcpCmdWrite, addr, w); err != nil {
		return &TransportError{Op: "write", Addr: addr, Err: err}
	}
	return nil
}

func (m *MCP2221) Read(addr uint8, n int) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, err := m.read(mcpCmdRead, addr, n)
	if err != nil {
		return nil, &TransportError{Op: "read", Addr: addr, Err: err}
	}
	return b, nil
}

func (m *MCP2221) Exchange(addr uint8, w []byte, n int) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.write(mcpCmdWriteNoStop, addr, w); err != nil {
		return nil, &TransportError{Op: "exchange", Addr: addr, Err: err}
	}
	b, err := m.read(mcpCmdReadRepStart, addr, n)
	if err != nil {
		return nil, &TransportError{Op: "exchange", Addr: addr, Err: err}
	}
	return b, nil
}

func (m *MCP2221) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.dev == nil {
		return nil
	}
	err := m.dev.Close()
	m.dev = nil
	return err
}

// send writes one 64-byte command report and reads the response. The
// response must echo the command code.
func (m *MCP2221) send(cmd byte, msg []byte) ([]byte, error) {
	if m.dev == nil {
		return nil, errors.New("bridge closed")
	}

	msg[0] = cmd
	if _, err := m.dev.Write(msg); err != nil {
		return nil, pkgerrors.Wrapf(err, "hid write cmd 0x%02X", cmd)
	}

	rsp := make([]byte, mcpMsgSize)
	n, err := m.dev.Read(rsp)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "hid read cmd 0x%02X", cmd)
	}
	if n < mcpMsgSize {
		return nil, fmt.Errorf("short hid response to cmd 0x%02X (%d of %d bytes)", cmd, n, mcpMsgSize)
	}
	if rsp[0] != cmd {
		return nil, fmt.Errorf("unexpected response 0x%02X to cmd 0x%02X", rsp[0], cmd)
	}
	return rsp, nil
}

func (m *MCP2221) state() (byte, error) {
	rsp, err := m.send(mcpCmdStatus, make([]byte, mcpMsgSize))
	if err != nil {
		return 0, err
	}
	return rsp[8], nil
}

func (m *MCP2221) cancel() error {
	msg := make([]byte, mcpMsgSize)
	msg[2] = 0x10
	if _, err := m.send(mcpCmdStatus, msg); err != nil {
		return err
	}
	time.Sleep(mcpPollInterval)
	return nil
}

func stateError(state byte) error {
	if state == mcpStateAddrNACK {
		return ErrNACK
	}
	if phase, ok := mcpTimeoutStates[state]; ok {
		return fmt.Errorf("%s timed out", phase)
	}
	return nil
}

// idle makes sure no stale transfer is pending before a new one starts.
func (m *MCP2221) idle(allowNoStop bool) error {
	st, err := m.state()
	if err != nil {
		return err
	}
	if st == mcpStateIdle || (allowNoStop && st == mcpStateWritingNoStop) {
		return nil
	}
	return m.cancel()
}

func (m *MCP2221) write(cmd byte, addr uint8, w []byte) error {
	if err := ValidateAddr(addr); err != nil {
		return err
	}
	if len(w) == 0 {
		return nil
	}
	if len(w) > 0xFFFF {
		return fmt.Errorf("write of %d bytes exceeds bridge limit", len(w))
	}
	if err := m.idle(false); err != nil {
		return err
	}

	for pos := 0; pos < len(w); {
		sz := len(w) - pos
		if sz > mcpChunkMax {
			sz = mcpChunkMax
		}

		msg := make([]byte, mcpMsgSize)
		msg[1] = byte(len(w) & 0xFF)
		msg[2] = byte(len(w) >> 8)
		msg[3] = addr << 1
		copy(msg[4:], w[pos:pos+sz])

		rsp, err := m.send(cmd, msg)
		if err != nil {
			return err
		}
		if rsp[1] != 0x00 {
			if err := stateError(rsp[2]); err != nil {
				return err
			}
			return fmt.Errorf("bridge busy (state 0x%02X)", rsp[2])
		}
		pos += sz

		if err := m.waitState(func(st byte) bool { return st != mcpStatePartialData }); err != nil {
			return err
		}
	}

	return m.waitState(func(st byte) bool {
		return st == mcpStateIdle || (cmd == mcpCmdWriteNoStop && st == mcpStateWritingNoStop)
	})
}

// waitState polls the engine state until done reports true. NACK and
// timeout states end the wait with an error.
func (m *MCP2221) waitState(done func(byte) bool) error {
	for i := 0; i < mcpPollLimit; i++ {
		st, err := m.state()
		if err != nil {
			return err
		}
		if done(st) {
			return nil
		}
		if err := stateError(st); err != nil {
			return err
		}
		time.Sleep(mcpPollInterval)
	}
	return errors.New("transfer did not complete")
}

func (m *MCP2221) read(cmd byte, addr uint8, n int) ([]byte, error) {
	if err := ValidateAddr(addr); err != nil {
		return nil, err
	}
	if n <= 0 {
		return []byte{}, nil
	}
	if n > 0xFFFF {
		return nil, fmt.Errorf("read of %d bytes exceeds bridge limit", n)
	}
	if err := m.idle(cmd == mcpCmdReadRepStart); err != nil {
		return nil, err
	}

	msg := make([]byte, mcpMsgSize)
	msg[1] = byte(n & 0xFF)
	msg[2] = byte(n >> 8)
	msg[3] = addr<<1 | 0x01
	rsp, err := m.send(cmd, msg)
	if err != nil {
		return nil, err
	}
	if rsp[1] != 0x00 {
		return nil, fmt.Errorf("bridge rejected read (state 0x%02X)", rsp[2])
	}

	out := make([]byte, 0, n)
	for polls := 0; len(out) < n; polls++ {
		if polls >= mcpPollLimit {
			return nil, errors.New("read did not complete")
		}

		rsp, err := m.send(mcpCmdReadGetData, make([]byte, mcpMsgSize))
		if err != nil {
			return nil, err
		}
		if rsp[1] == mcpStatePartialData || rsp[3] == mcpStateReadError {
			time.Sleep(mcpPollInterval)
			continue
		}
		if err := stateError(rsp[2]); err != nil {
			return nil, err
		}

		sz := int(rsp[3])
		if sz > mcpChunkMax {
			sz = mcpChunkMax
		}
		if sz > n-len(out) {
			sz = n - len(out)
		}
		out = append(out, rsp[4:4+sz]...)
	}

	return out, nil
}
