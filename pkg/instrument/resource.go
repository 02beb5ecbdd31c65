package instrument

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

type Transport string

const (
	TransportSocket Transport = "socket"
	TransportGPIB   Transport = "gpib"
)

// Resource identifies an instrument, VISA style:
//
//	TCPIP::192.168.0.16::5025::SOCKET
//	GPIB::16          (through a Prologix controller on SerialPort)
type Resource struct {
	Transport  Transport
	Host       string
	Port       int
	GPIBAddr   int
	SerialPort string
}

// DefaultSocketPort is the raw SCPI port used by most analyzers.
const DefaultSocketPort = 5025

func ParseResource(s string) (*Resource, error) {
	parts := strings.Split(strings.TrimSpace(s), "::")
	if len(parts) < 2 {
		return nil, fmt.Errorf("invalid resource %q", s)
	}

	head := strings.ToUpper(parts[0])
	switch {
	case strings.HasPrefix(head, "TCPIP"):
		r := &Resource{Transport: TransportSocket, Host: parts[1], Port: DefaultSocketPort}
		if len(parts) >= 3 && !strings.EqualFold(parts[2], "SOCKET") {
			p, err := strconv.Atoi(parts[2])
			if err != nil || p <= 0 || p > 65535 {
				return nil, fmt.Errorf("invalid port in resource %q", s)
			}
			r.Port = p
		}
		if len(parts) >= 4 && !strings.EqualFold(parts[3], "SOCKET") {
			return nil, fmt.Errorf("only raw SOCKET tcpip resources are supported, got %q", s)
		}
		return r, nil
	case strings.HasPrefix(head, "GPIB"):
		a, err := strconv.Atoi(parts[1])
		if err != nil || a < 0 || a > 30 {
			return nil, fmt.Errorf("invalid gpib address in resource %q", s)
		}
		return &Resource{Transport: TransportGPIB, GPIBAddr: a}, nil
	default:
		return nil, fmt.Errorf("unsupported resource %q", s)
	}
}

func (r *Resource) String() string {
	switch r.Transport {
	case TransportSocket:
		return fmt.Sprintf("TCPIP::%s::%d::SOCKET", r.Host, r.Port)
	case TransportGPIB:
		return fmt.Sprintf("GPIB::%d::INSTR", r.GPIBAddr)
	default:
		return string(r.Transport)
	}
}

func (r *Resource) address() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(r.Port))
}

// Open connects to r. Prologix resources need SerialPort set.
func Open(r *Resource, timeout time.Duration) (Session, error) {
	switch r.Transport {
	case TransportSocket:
		return DialSocket(r.address(), timeout)
	case TransportGPIB:
		if r.SerialPort == "" {
			return nil, fmt.Errorf("gpib resource %s needs a prologix serial port", r)
		}
		return OpenPrologix(r.SerialPort, r.GPIBAddr, timeout)
	default:
		return nil, fmt.Errorf("unsupported transport %q", r.Transport)
	}
}
