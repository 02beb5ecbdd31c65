package events

import "encoding/json"

// Event name constants
const (
	CalibrationPhase = "calibration.phase"
	CalibrationSweep = "calibration.sweep"
	OperatorRequest  = "operator.request"
	OperatorResolved = "operator.resolved"
	MeasurementDone  = "measurement.done"
	JobFailed        = "job.failed"
	Telemetry        = "telemetry"
	// StreamOpen is the first event of every stream; it is sent once the
	// subscription is in place.
	StreamOpen = "stream.open"
)

// Event is a generic SSE event from daemon.
type Event struct {
	Name string          // SSE event name
	Data json.RawMessage // Raw JSON payload
}

// CalibrationPhaseEvent is the typed payload for calibration.phase.
type CalibrationPhaseEvent struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Message string `json:"message,omitempty"`
	Ts      int64  `json:"ts"`
}

// CalibrationSweepEvent is the typed payload for calibration.sweep.
type CalibrationSweepEvent struct {
	Port    int   `json:"port"`
	Attempt int   `json:"attempt"`
	Ts      int64 `json:"ts"`
}

// OperatorRequestEvent is the typed payload for operator.request.
type OperatorRequestEvent struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	Message     string `json:"message"`
	AllowAdjust bool   `json:"allowAdjust,omitempty"`
	Ts          int64  `json:"ts"`
}

// OperatorResolvedEvent is the typed payload for operator.resolved.
type OperatorResolvedEvent struct {
	ID     string `json:"id"`
	Accept bool   `json:"accept"`
	Ts     int64  `json:"ts"`
}

// MeasurementDoneEvent is the typed payload for measurement.done.
type MeasurementDoneEvent struct {
	RunID        string  `json:"runId"`
	Points       int     `json:"points"`
	InputPower   float64 `json:"inputPower"`
	Uncalibrated bool    `json:"uncalibrated,omitempty"`
	Ts           int64   `json:"ts"`
}

// JobFailedEvent is the typed payload for job.failed.
type JobFailedEvent struct {
	Job   string `json:"job"`
	Error string `json:"error"`
	Ts    int64  `json:"ts"`
}

// TelemetryEvent is the typed payload for telemetry. Readings is a
// board.Telemetry.
type TelemetryEvent struct {
	Board    string          `json:"board"`
	Readings json.RawMessage `json:"readings"`
	Ts       int64           `json:"ts"`
}

// DecodeAs decodes the event payload into the caller-specified generic type T.
// It ignores the event name and simply unmarshals Data into T. If Data is empty,
// it returns the zero value of T with a nil error.
//
// Example:
//
//	payload, err := events.DecodeAs[events.CalibrationPhaseEvent](ev)
//	if err != nil { /* handle */ }
//	fmt.Println(payload.From, payload.To)
func DecodeAs[T any](e Event) (T, error) {
	var zero T
	if len(e.Data) == 0 {
		return zero, nil
	}
	var v T
	if err := json.Unmarshal(e.Data, &v); err != nil {
		return zero, err
	}
	return v, nil
}
