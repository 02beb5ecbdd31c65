// Package instrument talks SCPI to bench instruments. A Session is a
// blocking command/query channel to one instrument; it must never be used
// by two goroutines at once, see Serialized.
package instrument

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	pkgerrors "github.com/pkg/errors"
)

// Infinite disables the read timeout.
const Infinite time.Duration = -1

// DefaultTimeout matches the analyzer's power-on VISA timeout.
const DefaultTimeout = 4 * time.Second

type Session interface {
	Write(cmd string) error
	Query(cmd string) (string, error)
	// QueryASCIIValues parses a comma separated numeric response.
	QueryASCIIValues(cmd string) ([]float64, error)
	SetTimeout(d time.Duration) error
	Timeout() time.Duration
	// Clear aborts pending I/O and discards unread output.
	Clear() error
	Close() error
}

// ParseASCIIValues parses a SCPI ASCII number list.
func ParseASCIIValues(resp string) ([]float64, error) {
	resp = strings.TrimSpace(resp)
	if resp == "" {
		return []float64{}, nil
	}

	fields := strings.Split(resp, ",")
	out := make([]float64, 0, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
		if err != nil {
			return nil, pkgerrors.Wrapf(err, "value %d of response", i)
		}
		out = append(out, v)
	}
	return out, nil
}

// QueryInt runs a query whose answer is a single integer, e.g. a range
// number or a GPIB address.
func QueryInt(s Session, cmd string) (int, error) {
	resp, err := s.Query(cmd)
	if err != nil {
		return 0, err
	}
	// some firmware answers integers as "+1.00000000000E+000"
	resp = strings.TrimSpace(resp)
	if v, err := strconv.Atoi(strings.TrimPrefix(resp, "+")); err == nil {
		return v, nil
	}
	f, err := strconv.ParseFloat(resp, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: want an integer, got %q", cmd, resp)
	}
	return int(f), nil
}

func queryValues(s Session, cmd string) ([]float64, error) {
	resp, err := s.Query(cmd)
	if err != nil {
		return nil, err
	}
	v, err := ParseASCIIValues(resp)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "%s", cmd)
	}
	return v, nil
}

// Identify returns the *IDN? string.
func Identify(s Session) (string, error) {
	return s.Query("*IDN?")
}
