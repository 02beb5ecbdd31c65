package board

import (
	"fmt"
	"math"

	"github.com/sirupsen/logrus"
)

// Attenuator is a step attenuator with readback.
type Attenuator interface {
	SetAttenuation(code byte) error
	Attenuation() (byte, error)
}

// DBToCode converts attenuation in dB to the attenuator code, rounding to
// the nearest step.
func DBToCode(dB float64) (byte, error) {
	if math.IsNaN(dB) || dB < 0 || dB > MaxAttenuationDB {
		return 0, fmt.Errorf("attenuation %.2f dB out of range [0, %.2f]", dB, MaxAttenuationDB)
	}
	return byte(math.Round(dB / AttenuationStepDB)), nil
}

func CodeToDB(code byte) float64 {
	return float64(code) * AttenuationStepDB
}

// ApplyAttenuation sets a in dB and returns what the device reads back. A
// readback that differs from the command is logged as a warning and is not
// an error.
func ApplyAttenuation(a Attenuator, dB float64) (float64, error) {
	code, err := DBToCode(dB)
	if err != nil {
		return 0, err
	}
	if err := a.SetAttenuation(code); err != nil {
		return 0, err
	}
	got, err := a.Attenuation()
	if err != nil {
		return 0, err
	}

	if got != code {
		logrus.WithFields(logrus.Fields{
			"commanded": CodeToDB(code),
			"readback":  CodeToDB(got),
		}).Warn("attenuation readback mismatch")
	}
	return CodeToDB(got), nil
}
