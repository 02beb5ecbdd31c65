package instrument

import (
	"sync"
	"time"
)

// Serialized guards a Session with a mutex so commands from different
// goroutines never interleave.
type Serialized struct {
	mu sync.Mutex
	s  Session
}

var _ Session = &Serialized{}

func Serialize(s Session) *Serialized {
	if ser, ok := s.(*Serialized); ok {
		return ser
	}
	return &Serialized{s: s}
}

// Do runs fn with exclusive access to the underlying session. fn must use
// the session it is given, not the Serialized wrapper.
func (s *Serialized) Do(fn func(Session) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.s)
}

func (s *Serialized) Write(cmd string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.s.Write(cmd)
}

func (s *Serialized) Query(cmd string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.s.Query(cmd)
}

func (s *Serialized) QueryASCIIValues(cmd string) ([]float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.s.QueryASCIIValues(cmd)
}

func (s *Serialized) SetTimeout(d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.s.SetTimeout(d)
}

func (s *Serialized) Timeout() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.s.Timeout()
}

func (s *Serialized) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.s.Clear()
}

func (s *Serialized) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.s.Close()
}

// WithTimeout runs fn with the session timeout set to d and restores the
// previous timeout afterwards, whether fn fails or not.
func WithTimeout(s Session, d time.Duration, fn func() error) (err error) {
	prev := s.Timeout()
	if err := s.SetTimeout(d); err != nil {
		return err
	}
	defer func() {
		if rerr := s.SetTimeout(prev); rerr != nil && err == nil {
			err = rerr
		}
	}()
	return fn()
}
