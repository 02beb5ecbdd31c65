package instrument

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Call is one operation recorded by Mock.
type Call struct {
	Op      string
	Cmd     string
	Timeout time.Duration
}

// Mock is a scripted Session for tests and dry runs.
type Mock struct {
	mu        sync.Mutex
	timeout   time.Duration
	calls     []Call
	responses map[string][]string
	failures  map[string]error
	closed    bool
	busy      bool

	// Handler answers queries that have no scripted response.
	Handler func(cmd string) (string, error)
	// ConcurrentUse is set when two calls overlap.
	ConcurrentUse bool
	// Latency is added to every call.
	Latency time.Duration
}

var _ Session = &Mock{}

func NewMock() *Mock {
	return &Mock{
		timeout:   DefaultTimeout,
		responses: make(map[string][]string),
		failures:  make(map[string]error),
	}
}

// Respond queues responses for cmd. The last one repeats.
func (m *Mock) Respond(cmd string, resp ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[cmd] = append(m.responses[cmd], resp...)
}

// FailOn makes any command starting with prefix fail with err.
func (m *Mock) FailOn(prefix string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, prefix)
		return
	}
	m.failures[prefix] = err
}

func (m *Mock) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call(nil), m.calls...)
}

// Commands returns the text of every write and query in order.
func (m *Mock) Commands() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, c := range m.calls {
		if c.Op == "write" || c.Op == "query" {
			out = append(out, c.Cmd)
		}
	}
	return out
}

func (m *Mock) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *Mock) enter(op, cmd string) error {
	m.mu.Lock()
	if m.busy {
		m.ConcurrentUse = true
	}
	m.busy = true
	m.calls = append(m.calls, Call{Op: op, Cmd: cmd, Timeout: m.timeout})
	closed := m.closed
	var failure error
	for prefix, err := range m.failures {
		if strings.HasPrefix(cmd, prefix) {
			failure = err
		}
	}
	latency := m.Latency
	m.mu.Unlock()

	if latency > 0 {
		time.Sleep(latency)
	}
	if closed {
		return ErrClosed
	}
	return failure
}

func (m *Mock) leave() {
	m.mu.Lock()
	m.busy = false
	m.mu.Unlock()
}

func (m *Mock) Write(cmd string) error {
	defer m.leave()
	return m.enter("write", cmd)
}

func (m *Mock) Query(cmd string) (string, error) {
	defer m.leave()
	if err := m.enter("query", cmd); err != nil {
		return "", err
	}

	m.mu.Lock()
	if q := m.responses[cmd]; len(q) > 0 {
		resp := q[0]
		if len(q) > 1 {
			m.responses[cmd] = q[1:]
		}
		m.mu.Unlock()
		return resp, nil
	}
	h := m.Handler
	m.mu.Unlock()

	if h != nil {
		return h(cmd)
	}
	return "", fmt.Errorf("%w: nothing scripted for %q", ErrTimeout, cmd)
}

func (m *Mock) QueryASCIIValues(cmd string) ([]float64, error) {
	return queryValues(m, cmd)
}

func (m *Mock) SetTimeout(d time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Op: "timeout", Timeout: d})
	m.timeout = d
	return nil
}

func (m *Mock) Timeout() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.timeout
}

func (m *Mock) Clear() error {
	defer m.leave()
	return m.enter("clear", "")
}

func (m *Mock) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
