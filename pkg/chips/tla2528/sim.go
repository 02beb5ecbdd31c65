package tla2528

import (
	"fmt"
	"sync"
)

// Sim is a simulated TLA2528 that can be attached to an i2c.Mock bus.
type Sim struct {
	mu sync.Mutex

	Regs map[Register]byte
	// Codes holds the raw conversion result per channel, left aligned to
	// 16 bits the way the chip returns it.
	Codes [NumPins]uint16
	// CalPolls is how many GENERAL_CFG reads still report CAL busy after a
	// calibration starts. Negative means the bit never clears.
	CalPolls int
	// Inputs is the level of each digital input.
	Inputs byte

	calLeft    int
	pendingReg *Register
	conversion bool
}

func NewSim() *Sim {
	return &Sim{Regs: make(map[Register]byte)}
}

// SetFraction makes channel pin convert to the given fraction of full scale.
func (s *Sim) SetFraction(pin int, f float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Codes[pin] = uint16(f * (1 << 16))
}

func (s *Sim) Reg(r Register) byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Regs[r]
}

func (s *Sim) HandleWrite(w []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(w) < 2 {
		return fmt.Errorf("short frame % X", w)
	}
	op, reg := opcode(w[0]), Register(w[1])
	if !reg.Valid() {
		return fmt.Errorf("unknown register 0x%02X", w[1])
	}

	s.conversion = false
	switch op {
	case opReadRegister:
		s.pendingReg = &reg
		return nil
	case opWriteRegister, opSetBit, opClearBit:
		if len(w) != 3 {
			return fmt.Errorf("bad frame length %d", len(w))
		}
	default:
		return fmt.Errorf("unknown opcode 0x%02X", w[0])
	}

	v := w[2]
	switch op {
	case opSetBit:
		v = s.Regs[reg] | w[2]
	case opClearBit:
		v = s.Regs[reg] &^ w[2]
	}

	switch {
	case reg == GeneralCfg && v&generalCfgReset != 0:
		s.Regs = make(map[Register]byte)
		return nil
	case reg == GeneralCfg && v&generalCfgCal != 0:
		s.calLeft = s.CalPolls
	case reg == OpModeCfg && v == opModeManual:
		s.conversion = true
	}
	s.Regs[reg] = v
	return nil
}

func (s *Sim) HandleRead(n int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pendingReg != nil {
		reg := *s.pendingReg
		s.pendingReg = nil
		v := s.Regs[reg]
		switch reg {
		case GeneralCfg:
			if v&generalCfgCal != 0 {
				if s.calLeft == 0 {
					v &^= generalCfgCal
					s.Regs[reg] = v
				} else if s.calLeft > 0 {
					s.calLeft--
				}
			}
		case GPIValue:
			v = s.Inputs
		}
		return fill([]byte{v}, n), nil
	}

	if s.conversion {
		code := s.Codes[s.Regs[ChannelSel]&0x07]
		if s.Regs[OSRCfg] == 0 {
			code &= 0xFFF0
		}
		return fill([]byte{byte(code >> 8), byte(code)}, n), nil
	}

	return make([]byte, n), nil
}

func fill(b []byte, n int) []byte {
	out := make([]byte, n)
	copy(out, b)
	return out
}
