package calibration

import "time"

// Phase is a step of the two-tone calibration state machine.
type Phase string

const (
	PhaseIdle          Phase = "Idle"
	PhasePreset        Phase = "Preset"
	PhaseSourceLevel   Phase = "SourceLevel"
	PhasePowerMeterCal Phase = "PowerMeterCal"
	PhaseSourceSweep   Phase = "SourceCalSweep"
	// PhaseAwaitingDecision waits for the operator to accept or repeat the
	// last source calibration sweep. There is no limit on repeats.
	PhaseAwaitingDecision Phase = "AwaitingOperatorDecision"
	PhaseApplySourceCal   Phase = "ApplySourceCal"
	PhaseReceiverCal      Phase = "ReceiverCal"
	PhaseCalibrated       Phase = "Calibrated"
	PhaseError            Phase = "Error"
)

// Terminal reports whether the sequence has stopped in p.
func (p Phase) Terminal() bool {
	return p == PhaseIdle || p == PhaseCalibrated || p == PhaseError
}

// Action is something a user can ask of the calibration workflow.
type Action string

const (
	ActionStart       Action = "Start"
	ActionCancel      Action = "Cancel"
	ActionAcknowledge Action = "Acknowledge"
	ActionAccept      Action = "Accept"
	ActionRepeat      Action = "Repeat"
)

// RequestKind distinguishes operator prompts.
type RequestKind string

const (
	// RequestPrompt only needs an acknowledgment.
	RequestPrompt RequestKind = "prompt"
	// RequestConfirm needs an accept or reject.
	RequestConfirm RequestKind = "confirm"
)

// OperatorRequest is a question the running sequence is blocked on.
type OperatorRequest struct {
	ID      string      `json:"id"`
	Kind    RequestKind `json:"kind"`
	Message string      `json:"message"`
	// AllowAdjust is set when a rejection may carry new sweep iteration
	// parameters.
	AllowAdjust bool  `json:"allowAdjust,omitempty"`
	Ts          int64 `json:"ts"`
}

// OperatorResponse answers an OperatorRequest.
type OperatorResponse struct {
	ID     string `json:"id"`
	Accept bool   `json:"accept"`
	// Tolerance and Count optionally change the source calibration
	// iteration parameters before a repeated sweep.
	Tolerance *float64 `json:"tolerance,omitempty"`
	Count     *int     `json:"count,omitempty"`
}

// State holds runtime state persisted to disk.
type State struct {
	Phase      Phase     `json:"phase"`
	RunID      string    `json:"runID,omitempty"`
	Resource   string    `json:"resource,omitempty"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
	// InputPower is the source level in dBm the analyzer is calibrated at.
	InputPower *float64 `json:"inputPower,omitempty"`
	// Port is the source port being calibrated during sweep phases.
	Port int `json:"port,omitempty"`
	// SweepAttempts counts source calibration sweeps per port.
	SweepAttempts map[int]int `json:"sweepAttempts,omitempty"`
	LastError     string      `json:"lastError"`
}

// Calibrated reports whether the last sequence completed.
func (s *State) Calibrated() bool {
	return s.Phase == PhaseCalibrated && s.InputPower != nil
}

// Status is the view model returned by the daemon's HTTP API. It is
// derived from State plus the operator request the sequence is waiting
// on, if any.
type Status struct {
	Phase         Phase            `json:"phase"`
	RunID         string           `json:"runID,omitempty"`
	Calibrated    bool             `json:"calibrated"`
	Running       bool             `json:"running"`
	InputPower    *float64         `json:"inputPower,omitempty"`
	Port          int              `json:"port,omitempty"`
	SweepAttempts map[int]int      `json:"sweepAttempts,omitempty"`
	StartedAt     time.Time        `json:"startedAt"`
	CanCancel     bool             `json:"canCancel"`
	Pending       *OperatorRequest `json:"pending,omitempty"`
	Message       string           `json:"message"`
}
