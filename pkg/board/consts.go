package board

// Bus addresses shared by both boards.
const (
	AddrADC     uint8 = 0x10
	AddrAtten   uint8 = 0x20
	AddrDigipot uint8 = 0x2C
	AddrUID     uint8 = 0x58
)

// ADC pinout. The FRX only populates the first three.
const (
	PinTemp     = 0
	PinPDIMon   = 1
	PinRFMon    = 2
	PinLNAIMon  = 3
	PinLDIMon   = 4
	PinLNAFault = 5
	PinLNAEn    = 6
)

// Analog front end constants.
const (
	VRef      = 5.0
	SenseGain = 100.0
	SensePD   = 62.0
	SenseLD   = 1.0
	SenseLNA  = 0.5

	// temperature sensor: 400 mV at 0 °C, 19.5 mV/°C
	TempOffsetMV  = 400.0
	TempSlopeMVPC = 19.5

	// RF monitor detector fit. Approximate until the detector is
	// characterized per board.
	RFMonSlope  = 17.74
	RFMonOffset = -55.0

	OversamplingRatio byte = 3
)

// Attenuator resolution.
const (
	AttenuationStepDB = 0.25
	MaxAttenuationDB  = 255 * AttenuationStepDB
)

// rawToCurrent converts an ADC fraction of full scale to amperes through a
// sense resistor and gain stage.
func rawToCurrent(raw, gain, senseR, vref float64) float64 {
	return (raw * vref) / (gain * senseR)
}
