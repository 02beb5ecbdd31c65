package i2c

import (
	"errors"
	"fmt"
	"sync"
)

// ErrNACK is what Mock reports for an address with no target attached.
var ErrNACK = errors.New("address not acknowledged")

// Target is a simulated device attached to a Mock bus.
type Target interface {
	// HandleWrite receives the bytes of a write transaction.
	HandleWrite(w []byte) error
	// HandleRead produces the bytes of a read transaction.
	HandleRead(n int) ([]byte, error)
}

// Transaction is one recorded bus operation.
type Transaction struct {
	Op    string
	Addr  uint8
	Write []byte
	N     int
}

// Mock is an in-memory Bus for tests and dry runs.
type Mock struct {
	mu      sync.Mutex
	targets map[uint8]Target
	failing map[uint8]error
	log     []Transaction
	closed  bool
}

var _ Bus = &Mock{}

func NewMock() *Mock {
	return &Mock{
		targets: make(map[uint8]Target),
		failing: make(map[uint8]error),
	}
}

// Attach connects t at addr.
func (m *Mock) Attach(addr uint8, t Target) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.targets[addr] = t
}

// Fail makes every transaction on addr return err. A nil err clears it.
func (m *Mock) Fail(addr uint8, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failing, addr)
		return
	}
	m.failing[addr] = err
}

// Transactions returns a copy of the recorded transactions.
func (m *Mock) Transactions() []Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Transaction(nil), m.log...)
}

func (m *Mock) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *Mock) target(op string, addr uint8) (Target, error) {
	if m.closed {
		return nil, &TransportError{Op: op, Addr: addr, Err: errors.New("bus closed")}
	}
	if err, ok := m.failing[addr]; ok {
		return nil, &TransportError{Op: op, Addr: addr, Err: err}
	}
	t, ok := m.targets[addr]
	if !ok {
		return nil, &TransportError{Op: op, Addr: addr, Err: ErrNACK}
	}
	return t, nil
}

func (m *Mock) Write(addr uint8, w []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.log = append(m.log, Transaction{Op: "write", Addr: addr, Write: append([]byte(nil), w...)})
	t, err := m.target("write", addr)
	if err != nil {
		return err
	}
	if err := t.HandleWrite(w); err != nil {
		return &TransportError{Op: "write", Addr: addr, Err: err}
	}
	return nil
}

func (m *Mock) Read(addr uint8, n int) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.log = append(m.log, Transaction{Op: "read", Addr: addr, N: n})
	t, err := m.target("read", addr)
	if err != nil {
		return nil, err
	}
	return m.read(t, addr, n)
}

func (m *Mock) Exchange(addr uint8, w []byte, n int) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.log = append(m.log, Transaction{Op: "exchange", Addr: addr, Write: append([]byte(nil), w...), N: n})
	t, err := m.target("exchange", addr)
	if err != nil {
		return nil, err
	}
	if err := t.HandleWrite(w); err != nil {
		return nil, &TransportError{Op: "exchange", Addr: addr, Err: err}
	}
	return m.read(t, addr, n)
}

func (m *Mock) read(t Target, addr uint8, n int) ([]byte, error) {
	b, err := t.HandleRead(n)
	if err != nil {
		return nil, &TransportError{Op: "read", Addr: addr, Err: err}
	}
	if len(b) != n {
		return nil, &TransportError{Op: "read", Addr: addr, Err: fmt.Errorf("short read (%d of %d bytes)", len(b), n)}
	}
	return b, nil
}

func (m *Mock) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Memory is a simple register-file Target: the first byte of a write is
// the register pointer, the rest are stored from there on. Reads continue
// from the pointer.
type Memory struct {
	Regs    [256]byte
	pointer byte
}

func (r *Memory) HandleWrite(w []byte) error {
	if len(w) == 0 {
		return nil
	}
	r.pointer = w[0]
	for _, b := range w[1:] {
		r.Regs[r.pointer] = b
		r.pointer++
	}
	return nil
}

func (r *Memory) HandleRead(n int) ([]byte, error) {
	out := make([]byte, n)
	for i := range out {
		out[i] = r.Regs[r.pointer]
		r.pointer++
	}
	return out, nil
}
