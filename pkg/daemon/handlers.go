package daemon

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/charlie0129/rfof/pkg/board"
	"github.com/charlie0129/rfof/pkg/calibration"
	"github.com/charlie0129/rfof/pkg/config"
	"github.com/charlie0129/rfof/pkg/report"
	"github.com/charlie0129/rfof/pkg/version"
)

// abort writes err as the JSON body and records it for ginLogger.
func abort(c *gin.Context, code int, err error) {
	c.IndentedJSON(code, err.Error())
	_ = c.AbortWithError(code, err)
}

// statusFor maps station errors to HTTP codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrBusy), errors.Is(err, ErrAlreadyConnected),
		errors.Is(err, ErrNotConnected), errors.Is(err, ErrBoardNotConnected),
		errors.Is(err, ErrNotRunning), errors.Is(err, ErrNoPendingRequest):
		return http.StatusConflict
	case errors.Is(err, ErrUnknownBoard), errors.Is(err, ErrNoMeasurement):
		return http.StatusNotFound
	case errors.Is(err, ErrRequestMismatch), errors.Is(err, ErrUnsupportedOnBoard):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func getVersion(c *gin.Context) {
	c.IndentedJSON(http.StatusOK, version.Version)
}

func getConfig(c *gin.Context) {
	fc, err := config.NewRawFileConfigFromConfig(conf)
	if err != nil {
		_ = c.AbortWithError(http.StatusInternalServerError, err)
		return
	}
	c.IndentedJSON(http.StatusOK, fc)
}

func getInstrument(c *gin.Context) {
	c.IndentedJSON(http.StatusOK, station.InstrumentStatus())
}

// ConnectRequest is the body of POST /instrument/connect. An empty body
// uses the configured resource.
type ConnectRequest struct {
	Resource string `json:"resource"`
}

func connectInstrument(c *gin.Context) {
	var req ConnectRequest
	if c.Request.ContentLength > 0 {
		if err := c.BindJSON(&req); err != nil {
			abort(c, http.StatusBadRequest, err)
			return
		}
	}

	st, err := station.ConnectInstrument(req.Resource)
	if err != nil {
		logrus.Errorf("connectInstrument failed: %v", err)
		abort(c, statusFor(err), err)
		return
	}
	c.IndentedJSON(http.StatusCreated, st)
}

func disconnectInstrument(c *gin.Context) {
	if err := station.DisconnectInstrument(); err != nil {
		abort(c, statusFor(err), err)
		return
	}
	c.IndentedJSON(http.StatusOK, "instrument disconnected")
}

func boardParam(c *gin.Context) (board.Kind, bool) {
	k := board.Kind(strings.ToLower(c.Param("board")))
	if !k.Valid() {
		abort(c, http.StatusNotFound, fmt.Errorf("%w: %q", ErrUnknownBoard, c.Param("board")))
		return "", false
	}
	return k, true
}

func connectBoard(c *gin.Context) {
	k, ok := boardParam(c)
	if !ok {
		return
	}
	serial, err := station.ConnectBoard(k)
	if err != nil {
		logrus.Errorf("connectBoard failed: %v", err)
		abort(c, statusFor(err), err)
		return
	}
	c.IndentedJSON(http.StatusCreated, serial)
}

func disconnectBoard(c *gin.Context) {
	k, ok := boardParam(c)
	if !ok {
		return
	}
	if err := station.DisconnectBoard(k); err != nil {
		abort(c, statusFor(err), err)
		return
	}
	c.IndentedJSON(http.StatusOK, fmt.Sprintf("%s disconnected", k))
}

func getTelemetry(c *gin.Context) {
	k, ok := boardParam(c)
	if !ok {
		return
	}
	t, err := station.BoardTelemetry(k)
	if err != nil {
		logrus.Errorf("getTelemetry failed: %v", err)
		abort(c, statusFor(err), err)
		return
	}
	c.IndentedJSON(http.StatusOK, t)
}

func getAttenuation(c *gin.Context) {
	k, ok := boardParam(c)
	if !ok {
		return
	}
	st, err := station.Attenuation(k)
	if err != nil {
		abort(c, statusFor(err), err)
		return
	}
	c.IndentedJSON(http.StatusOK, st)
}

func setAttenuation(c *gin.Context) {
	k, ok := boardParam(c)
	if !ok {
		return
	}
	var dB float64
	if err := c.BindJSON(&dB); err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	if dB < 0 || dB > board.MaxAttenuationDB {
		abort(c, http.StatusBadRequest, fmt.Errorf("attenuation must be between 0 and %.2f dB, got %.2f", board.MaxAttenuationDB, dB))
		return
	}

	st, err := station.SetAttenuation(k, dB)
	if err != nil {
		logrus.Errorf("setAttenuation failed: %v", err)
		abort(c, statusFor(err), err)
		return
	}
	logrus.WithFields(logrus.Fields{
		"board": k,
		"dB":    st.DB,
	}).Info("set attenuation")
	c.IndentedJSON(http.StatusCreated, st)
}

func setLNA(c *gin.Context) {
	var on bool
	if err := c.BindJSON(&on); err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	if err := station.SetLNA(on); err != nil {
		logrus.Errorf("setLNA failed: %v", err)
		abort(c, statusFor(err), err)
		return
	}
	c.IndentedJSON(http.StatusCreated, fmt.Sprintf("LNA bias enabled: %t", on))
}

func setLaserCurrent(c *gin.Context) {
	var code int
	if err := c.BindJSON(&code); err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	if code < 0 || code > 255 {
		abort(c, http.StatusBadRequest, fmt.Errorf("laser current code must be between 0 and 255, got %d", code))
		return
	}
	if err := station.SetLaserCurrent(byte(code)); err != nil {
		logrus.Errorf("setLaserCurrent failed: %v", err)
		abort(c, statusFor(err), err)
		return
	}
	c.IndentedJSON(http.StatusCreated, fmt.Sprintf("set laser current code to %d", code))
}

func getCalibration(c *gin.Context) {
	c.IndentedJSON(http.StatusOK, station.CalibrationStatus())
}

// PowerRequest is the body of POST /calibration/start and
// POST /measurement/start.
type PowerRequest struct {
	Power *float64 `json:"power,omitempty"`
}

func bindPower(c *gin.Context) (*float64, bool) {
	var req PowerRequest
	if c.Request.ContentLength > 0 {
		if err := c.BindJSON(&req); err != nil {
			abort(c, http.StatusBadRequest, err)
			return nil, false
		}
	}
	return req.Power, true
}

func startCalibration(c *gin.Context) {
	p, ok := bindPower(c)
	if !ok {
		return
	}
	st, err := station.StartCalibration(p)
	if err != nil {
		abort(c, statusFor(err), err)
		return
	}
	c.IndentedJSON(http.StatusCreated, st)
}

func cancelCalibration(c *gin.Context) {
	if err := station.CancelCalibration(); err != nil {
		abort(c, statusFor(err), err)
		return
	}
	c.IndentedJSON(http.StatusOK, "calibration cancel requested")
}

func getOperator(c *gin.Context) {
	req := station.PendingRequest()
	if req == nil {
		abort(c, http.StatusNotFound, ErrNoPendingRequest)
		return
	}
	c.IndentedJSON(http.StatusOK, req)
}

func answerOperator(c *gin.Context) {
	var resp calibration.OperatorResponse
	if err := c.BindJSON(&resp); err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	if err := station.AnswerOperator(resp); err != nil {
		abort(c, statusFor(err), err)
		return
	}
	c.IndentedJSON(http.StatusCreated, "answered")
}

func startMeasurement(c *gin.Context) {
	p, ok := bindPower(c)
	if !ok {
		return
	}
	if err := station.StartMeasurement(p); err != nil {
		abort(c, statusFor(err), err)
		return
	}
	c.IndentedJSON(http.StatusCreated, "measurement started")
}

func getMeasurement(c *gin.Context) {
	r, err := station.LastResult()
	if err != nil {
		abort(c, statusFor(err), err)
		return
	}
	c.IndentedJSON(http.StatusOK, r)
}

// ReportRequest is the body of POST /report.
type ReportRequest struct {
	Title string `json:"title,omitempty"`
	Dir   string `json:"dir,omitempty"`
}

func saveReport(c *gin.Context) {
	var req ReportRequest
	if c.Request.ContentLength > 0 {
		if err := c.BindJSON(&req); err != nil {
			abort(c, http.StatusBadRequest, err)
			return
		}
	}

	path, err := station.SaveReport(req.Title, req.Dir)
	if err != nil {
		logrus.Errorf("saveReport failed: %v", err)
		abort(c, statusFor(err), err)
		return
	}
	logrus.WithField("path", path).Info("report saved")
	c.IndentedJSON(http.StatusCreated, path)
}

// SaveReport writes the last measurement with the current board state.
func (s *Station) SaveReport(title, dir string) (string, error) {
	r, err := s.LastResult()
	if err != nil {
		return "", err
	}
	if dir == "" {
		dir = s.conf.ReportDir()
	}
	h := report.Header{Title: title}
	h.FtxSerial, h.FrxSerial, h.FtxAttenuationDB, h.FrxAttenuationDB = s.reportHeader()
	return report.Save(dir, h, r)
}

// TelemetryStatus is returned by GET /telemetry.
type TelemetryStatus struct {
	Schedule string       `json:"schedule"`
	NextRun  int64        `json:"nextRun,omitempty"`
	Running  bool         `json:"running"`
	Boards   []board.Kind `json:"boards"`
}

func getTelemetrySchedule(c *gin.Context) {
	next, running := telemetry.Status()
	st := TelemetryStatus{
		Schedule: conf.TelemetrySchedule(),
		Running:  running,
		Boards:   station.ConnectedBoards(),
	}
	if !next.IsZero() {
		st.NextRun = next.Unix()
	}
	c.IndentedJSON(http.StatusOK, st)
}

func setTelemetrySchedule(c *gin.Context) {
	var expr string
	if err := c.BindJSON(&expr); err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	if err := telemetry.Schedule(expr); err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	conf.SetTelemetrySchedule(expr)
	if err := conf.Save(); err != nil {
		logrus.Errorf("saveConfig failed: %v", err)
		abort(c, http.StatusInternalServerError, err)
		return
	}
	logrus.Infof("set telemetry schedule to %q", expr)
	c.IndentedJSON(http.StatusCreated, fmt.Sprintf("set telemetry schedule to %q", expr))
}
