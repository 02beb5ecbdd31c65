// Package uid reads the factory-programmed 128-bit serial number from the
// board's UID EEPROM.
package uid

import (
	"encoding/hex"
	"strings"

	pkgerrors "github.com/pkg/errors"

	"github.com/charlie0129/rfof/pkg/i2c"
)

const (
	// Addr is the EEPROM's fixed bus address.
	Addr uint8 = 0x58
	// Offset is where the serial number starts in the EEPROM.
	Offset byte = 0x80
	// Size of the serial number in bytes.
	Size = 16
)

type port interface {
	Exchange(w []byte, n int) ([]byte, error)
}

type EEPROM struct {
	port port
}

func New(p *i2c.Port) *EEPROM {
	return &EEPROM{port: p}
}

// Read returns the raw serial number bytes.
func (e *EEPROM) Read() ([]byte, error) {
	b, err := e.port.Exchange([]byte{Offset}, Size)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to read uid")
	}
	return b, nil
}

// Serial returns the serial number as upper-case hex.
func (e *EEPROM) Serial() (string, error) {
	b, err := e.Read()
	if err != nil {
		return "", err
	}
	return Format(b), nil
}

func Format(b []byte) string {
	return strings.ToUpper(hex.EncodeToString(b))
}
