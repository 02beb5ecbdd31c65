package instrument

import (
	"bufio"
	"errors"
	"net"
	"strings"
	"testing"
	"time"
)

// fakeAnalyzer answers *IDN? and stays silent on everything else.
func fakeAnalyzer(t *testing.T) (string, <-chan string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	got := make(chan string, 16)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := bufio.NewReader(conn)
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			cmd := strings.TrimSpace(line)
			got <- cmd
			if cmd == "*IDN?" {
				_, _ = conn.Write([]byte("Agilent Technologies,N5242A,MY4900,A.09.80\n"))
			}
		}
	}()
	return ln.Addr().String(), got
}

func TestSocketQuery(t *testing.T) {
	addr, got := fakeAnalyzer(t)
	s, err := DialSocket(addr, time.Second)
	if err != nil {
		t.Fatalf("DialSocket: %v", err)
	}
	defer s.Close()

	if err := s.Write(":SYSTem:PRESet"); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if cmd := <-got; cmd != ":SYSTem:PRESet" {
		t.Errorf("server got %q", cmd)
	}

	idn, err := Identify(s)
	if err != nil {
		t.Fatalf("Identify: %v", err)
	}
	if !strings.HasPrefix(idn, "Agilent Technologies,N5242A") {
		t.Errorf("Identify() = %q", idn)
	}
}

func TestSocketTimeout(t *testing.T) {
	addr, _ := fakeAnalyzer(t)
	s, err := DialSocket(addr, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("DialSocket: %v", err)
	}
	defer s.Close()

	if _, err := s.Query("*OPC?"); !errors.Is(err, ErrTimeout) {
		t.Errorf("Query() = %v, want timeout", err)
	}
	if err := s.Clear(); err != nil {
		t.Errorf("Clear() = %v", err)
	}
	if err := s.SetTimeout(0); err == nil {
		t.Errorf("SetTimeout(0) expected error")
	}
}

func TestSocketClosed(t *testing.T) {
	addr, _ := fakeAnalyzer(t)
	s, err := DialSocket(addr, time.Second)
	if err != nil {
		t.Fatalf("DialSocket: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if err := s.Write("*CLS"); !errors.Is(err, ErrClosed) {
		t.Errorf("Write() after close = %v", err)
	}
}
