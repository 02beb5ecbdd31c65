package tla2528

import "fmt"

// opcode is the first byte of every transaction with the ADC.
type opcode byte

const (
	opReadRegister  opcode = 0x10
	opWriteRegister opcode = 0x08
	opSetBit        opcode = 0x18
	opClearBit      opcode = 0x20
)

// Register is one of the ADC's addressable configuration registers.
type Register byte

const (
	SystemStatus Register = 0x00
	GeneralCfg   Register = 0x01
	DataCfg      Register = 0x02
	OSRCfg       Register = 0x03
	OpModeCfg    Register = 0x04
	PinCfg       Register = 0x05
	GPIOCfg      Register = 0x07
	GPODriveCfg  Register = 0x09
	GPOValue     Register = 0x0B
	GPIValue     Register = 0x0D
	SequenceCfg  Register = 0x10
	ChannelSel   Register = 0x11
	AutoSeqChSel Register = 0x12
)

var registerNames = map[Register]string{
	SystemStatus: "SYSTEM_STATUS",
	GeneralCfg:   "GENERAL_CFG",
	DataCfg:      "DATA_CFG",
	OSRCfg:       "OSR_CFG",
	OpModeCfg:    "OPMODE_CFG",
	PinCfg:       "PIN_CFG",
	GPIOCfg:      "GPIO_CFG",
	GPODriveCfg:  "GPO_DRIVE_CFG",
	GPOValue:     "GPO_VALUE",
	GPIValue:     "GPI_VALUE",
	SequenceCfg:  "SEQUENCE_CFG",
	ChannelSel:   "CHANNEL_SEL",
	AutoSeqChSel: "AUTO_SEQ_CH_SEL",
}

func (r Register) String() string {
	if n, ok := registerNames[r]; ok {
		return n
	}
	return fmt.Sprintf("Register(0x%02X)", byte(r))
}

// Valid reports whether r is a register the chip implements.
func (r Register) Valid() bool {
	_, ok := registerNames[r]
	return ok
}

// GENERAL_CFG bits.
const (
	generalCfgReset byte = 1 << 0
	generalCfgCal   byte = 1 << 1
)

// OPMODE_CFG value that starts a manual conversion on the selected channel.
const opModeManual byte = 0x01

// PinMode selects how a pin is driven.
type PinMode int

const (
	AnalogInput PinMode = iota + 1
	DigitalInput
	PushPullOutput
	OpenDrainOutput
)

func (m PinMode) String() string {
	switch m {
	case AnalogInput:
		return "analog-input"
	case DigitalInput:
		return "digital-input"
	case PushPullOutput:
		return "push-pull-output"
	case OpenDrainOutput:
		return "open-drain-output"
	default:
		return fmt.Sprintf("PinMode(%d)", int(m))
	}
}
