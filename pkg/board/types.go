package board

// Telemetry is a snapshot of one board. FTX-only quantities are nil on an
// FRX.
type Telemetry struct {
	Board           Kind     `json:"board"`
	Serial          string   `json:"serial,omitempty"`
	Temperature     float64  `json:"temperature"`
	RMSPower        float64  `json:"rmsPower"`
	PDCurrent       float64  `json:"pdCurrent"`
	AttenuationCode byte     `json:"attenuationCode"`
	AttenuationDB   float64  `json:"attenuationDB"`
	LDCurrent       *float64 `json:"ldCurrent,omitempty"`
	LNACurrent      *float64 `json:"lnaCurrent,omitempty"`
	LNAFault        *bool    `json:"lnaFault,omitempty"`
	LaserCode       *byte    `json:"laserCode,omitempty"`
	Ts              int64    `json:"ts"`
}

// Controller is what both boards have in common.
type Controller interface {
	Attenuator
	Kind() Kind
	Temperature() (float64, error)
	RMSPower() (float64, error)
	PDCurrent() (float64, error)
	UID() ([]byte, error)
	Serial() (string, error)
	Telemetry() (*Telemetry, error)
	Close() error
}

var (
	_ Controller = &Ftx{}
	_ Controller = &Frx{}
)
