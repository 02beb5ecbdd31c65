package client

import (
	"encoding/json"
	"fmt"
	"strconv"

	pkgerrors "github.com/pkg/errors"

	"github.com/charlie0129/rfof/pkg/board"
	"github.com/charlie0129/rfof/pkg/calibration"
	"github.com/charlie0129/rfof/pkg/config"
	"github.com/charlie0129/rfof/pkg/daemon"
	"github.com/charlie0129/rfof/pkg/twotone"
)

func decode[T any](ret string, what string) (*T, error) {
	var v T
	if err := json.Unmarshal([]byte(ret), &v); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to unmarshal %s", what)
	}
	return &v, nil
}

func encode(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// message unquotes the JSON string most mutating routes answer with.
func message(ret string, err error) (string, error) {
	if err != nil {
		return "", err
	}
	var s string
	if json.Unmarshal([]byte(ret), &s) != nil {
		return ret, nil
	}
	return s, nil
}

func (c *Client) GetVersion() (string, error) {
	ret, err := c.Get("/version")
	if err != nil {
		return "", pkgerrors.Wrapf(err, "failed to get version")
	}
	return message(ret, nil)
}

func (c *Client) GetConfig() (*config.RawFileConfig, error) {
	ret, err := c.Get("/config")
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to get config")
	}
	return decode[config.RawFileConfig](ret, "config")
}

// ===== Instrument APIs =====

func (c *Client) GetInstrument() (*daemon.InstrumentStatus, error) {
	ret, err := c.Get("/instrument")
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to get instrument status")
	}
	return decode[daemon.InstrumentStatus](ret, "instrument status")
}

// ConnectInstrument connects the analyzer at resource, or at the daemon's
// configured resource if empty.
func (c *Client) ConnectInstrument(resource string) (*daemon.InstrumentStatus, error) {
	data, err := encode(daemon.ConnectRequest{Resource: resource})
	if err != nil {
		return nil, err
	}
	ret, err := c.Post("/instrument/connect", data)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to connect instrument")
	}
	return decode[daemon.InstrumentStatus](ret, "instrument status")
}

func (c *Client) DisconnectInstrument() (string, error) {
	return message(c.Post("/instrument/disconnect", ""))
}

// ===== Board APIs =====

// ConnectBoard returns the board serial number.
func (c *Client) ConnectBoard(kind board.Kind) (string, error) {
	ret, err := message(c.Post(fmt.Sprintf("/boards/%s/connect", kind), ""))
	if err != nil {
		return "", pkgerrors.Wrapf(err, "failed to connect %s", kind)
	}
	return ret, nil
}

func (c *Client) DisconnectBoard(kind board.Kind) (string, error) {
	return message(c.Post(fmt.Sprintf("/boards/%s/disconnect", kind), ""))
}

func (c *Client) GetTelemetry(kind board.Kind) (*board.Telemetry, error) {
	ret, err := c.Get(fmt.Sprintf("/boards/%s/telemetry", kind))
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to get %s telemetry", kind)
	}
	return decode[board.Telemetry](ret, "telemetry")
}

func (c *Client) GetAttenuation(kind board.Kind) (*daemon.AttenuationStatus, error) {
	ret, err := c.Get(fmt.Sprintf("/boards/%s/attenuation", kind))
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to get %s attenuation", kind)
	}
	return decode[daemon.AttenuationStatus](ret, "attenuation")
}

func (c *Client) SetAttenuation(kind board.Kind, dB float64) (*daemon.AttenuationStatus, error) {
	ret, err := c.Put(fmt.Sprintf("/boards/%s/attenuation", kind), strconv.FormatFloat(dB, 'f', -1, 64))
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to set %s attenuation", kind)
	}
	return decode[daemon.AttenuationStatus](ret, "attenuation")
}

func (c *Client) SetLNA(on bool) (string, error) {
	return message(c.Put("/boards/ftx/lna", strconv.FormatBool(on)))
}

func (c *Client) SetLaserCurrent(code byte) (string, error) {
	return message(c.Put("/boards/ftx/laser-current", strconv.Itoa(int(code))))
}

func (c *Client) GetTelemetrySchedule() (*daemon.TelemetryStatus, error) {
	ret, err := c.Get("/telemetry")
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to get telemetry schedule")
	}
	return decode[daemon.TelemetryStatus](ret, "telemetry schedule")
}

func (c *Client) SetTelemetrySchedule(expr string) (string, error) {
	data, err := encode(expr)
	if err != nil {
		return "", err
	}
	return message(c.Put("/telemetry", data))
}

// ===== Calibration APIs =====

func (c *Client) GetCalibration() (*calibration.Status, error) {
	ret, err := c.Get("/calibration")
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to get calibration status")
	}
	return decode[calibration.Status](ret, "calibration status")
}

// StartCalibration starts a calibration at power dBm, or at the daemon's
// default power if nil.
func (c *Client) StartCalibration(power *float64) (*daemon.CalibrationStart, error) {
	data, err := encode(daemon.PowerRequest{Power: power})
	if err != nil {
		return nil, err
	}
	ret, err := c.Post("/calibration/start", data)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to start calibration")
	}
	return decode[daemon.CalibrationStart](ret, "calibration start")
}

func (c *Client) CancelCalibration() (string, error) {
	return message(c.Post("/calibration/cancel", ""))
}

func (c *Client) GetOperatorRequest() (*calibration.OperatorRequest, error) {
	ret, err := c.Get("/operator")
	if err != nil {
		return nil, err
	}
	return decode[calibration.OperatorRequest](ret, "operator request")
}

func (c *Client) AnswerOperator(resp calibration.OperatorResponse) (string, error) {
	data, err := encode(resp)
	if err != nil {
		return "", err
	}
	return message(c.Post("/operator", data))
}

// ===== Measurement APIs =====

// StartMeasurement starts a two-tone measurement. fallback is the input
// power assumed if the analyzer is not calibrated.
func (c *Client) StartMeasurement(fallback *float64) (string, error) {
	data, err := encode(daemon.PowerRequest{Power: fallback})
	if err != nil {
		return "", err
	}
	return message(c.Post("/measurement/start", data))
}

func (c *Client) GetMeasurement() (*twotone.Result, error) {
	ret, err := c.Get("/measurement")
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to get measurement")
	}
	return decode[twotone.Result](ret, "measurement")
}

// SaveReport writes the last measurement on the daemon side and returns
// the file path.
func (c *Client) SaveReport(title, dir string) (string, error) {
	data, err := encode(daemon.ReportRequest{Title: title, Dir: dir})
	if err != nil {
		return "", err
	}
	ret, err := message(c.Post("/report", data))
	if err != nil {
		return "", pkgerrors.Wrapf(err, "failed to save report")
	}
	return ret, nil
}
