package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/charlie0129/rfof/pkg/board"
	"github.com/charlie0129/rfof/pkg/calibration"
	"github.com/charlie0129/rfof/pkg/chips/tla2528"
	"github.com/charlie0129/rfof/pkg/config"
	"github.com/charlie0129/rfof/pkg/events"
	"github.com/charlie0129/rfof/pkg/i2c"
	"github.com/charlie0129/rfof/pkg/instrument"
	"github.com/charlie0129/rfof/pkg/utils/ptr"
	"github.com/charlie0129/rfof/pkg/twotone"
)

const testResource = "TCPIP0::pna::5025::SOCKET"

type digipot struct{ code byte }

func (p *digipot) HandleWrite(w []byte) error {
	if len(w) != 2 {
		return errors.New("bad frame")
	}
	p.code = w[1]
	return nil
}

func (p *digipot) HandleRead(n int) ([]byte, error) { return []byte{p.code}, nil }

func boardBus() *i2c.Mock {
	bus := i2c.NewMock()
	adc := tla2528.NewSim()
	adc.Inputs = 1 << board.PinLNAFault
	uid := &i2c.Memory{}
	copy(uid.Regs[0x80:], []byte{0xCA, 0xFE, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0x00, 0x01})
	bus.Attach(board.AddrADC, adc)
	bus.Attach(board.AddrAtten, &i2c.Memory{})
	bus.Attach(board.AddrDigipot, &digipot{})
	bus.Attach(board.AddrUID, uid)
	return bus
}

// analyzer answers the queries of a two point measurement.
func analyzer() *instrument.Mock {
	m := instrument.NewMock()
	m.Respond("*IDN?", "Keysight Technologies,N5242B,MY00000000,A.15.10.06")
	m.Respond(":SENSe:FOM:RNUM? 'Primary'", "+1")
	m.Respond(":SENSe:FOM:RNUM? 'Source'", "+2")
	m.Respond(":SENSe:FOM:RNUM? 'Source2'", "+3")
	m.Respond(":SENSe:FOM:RNUM? 'Receivers'", "+4")
	for ch := 2; ch <= 5; ch++ {
		m.Respond(fmt.Sprintf(":SENSe%d:FOM:RNUM? 'Receivers'", ch), "4")
	}
	m.Respond("CALC1:X?", "1.0E9,2.0E9")
	m.Respond("CALC1:DATA? FDATA", "10,8")
	m.Respond("CALC3:DATA? FDATA", "10,9")
	m.Respond("CALC2:DATA? FDATA", "-20,-25")
	m.Respond("CALC4:DATA? FDATA", "-30,-40")
	m.Respond("CALC5:DATA? FDATA", "-28,-41")
	return m
}

type testDaemon struct {
	router *gin.Engine
	inst   *instrument.Mock
	buses  map[int]*i2c.Mock
	dir    string
}

func setupTestDaemon(t *testing.T) *testDaemon {
	t.Helper()

	dir := t.TempDir()
	c, err := config.NewFile(filepath.Join(dir, "config.json"))
	if err != nil {
		t.Fatalf("NewFile: %v", err)
	}
	conf = c
	sseHub = events.NewEventHub()
	station = NewStation(conf, sseHub, calibrationStatePath(filepath.Join(dir, "config.json")))
	telemetry = newTelemetryScheduler(station, sseHub)

	d := &testDaemon{
		router: setupRoutes(),
		inst:   analyzer(),
		buses:  map[int]*i2c.Mock{},
		dir:    dir,
	}
	station.openSession = func(r *instrument.Resource, timeout time.Duration) (instrument.Session, error) {
		return d.inst, nil
	}
	station.openBus = func(index int) (i2c.Bus, error) {
		bus := boardBus()
		d.buses[index] = bus
		return bus, nil
	}
	t.Cleanup(station.Close)
	return d
}

func (d *testDaemon) do(t *testing.T, method, path string, body any) (int, string) {
	t.Helper()

	var req *http.Request
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		req = httptest.NewRequest(method, path, strings.NewReader(string(b)))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	d.router.ServeHTTP(w, req)
	return w.Code, w.Body.String()
}

func decode[T any](t *testing.T, body string) T {
	t.Helper()
	var v T
	if err := json.Unmarshal([]byte(body), &v); err != nil {
		t.Fatalf("decode %q: %v", body, err)
	}
	return v
}

func TestInstrumentConnect(t *testing.T) {
	d := setupTestDaemon(t)

	code, body := d.do(t, http.MethodPost, "/instrument/connect", ConnectRequest{Resource: testResource})
	if code != http.StatusCreated {
		t.Fatalf("connect: %d %s", code, body)
	}
	st := decode[InstrumentStatus](t, body)
	if !st.Connected || st.Resource != "TCPIP::pna::5025::SOCKET" || !strings.Contains(st.IDN, "N5242B") {
		t.Errorf("status = %+v", st)
	}
	if st.Calibrated {
		t.Error("fresh session reported calibrated")
	}

	if code, _ := d.do(t, http.MethodPost, "/instrument/connect", ConnectRequest{Resource: testResource}); code != http.StatusConflict {
		t.Errorf("second connect = %d, want 409", code)
	}

	if code, _ := d.do(t, http.MethodPost, "/instrument/disconnect", nil); code != http.StatusOK {
		t.Errorf("disconnect = %d", code)
	}
	if !d.inst.Closed() {
		t.Error("session not closed")
	}
	if code, _ := d.do(t, http.MethodPost, "/instrument/disconnect", nil); code != http.StatusConflict {
		t.Errorf("disconnect again = %d, want 409", code)
	}
}

func TestInstrumentConnectErrors(t *testing.T) {
	d := setupTestDaemon(t)

	if code, _ := d.do(t, http.MethodPost, "/instrument/connect", ConnectRequest{Resource: "USB0::1::INSTR"}); code != http.StatusInternalServerError {
		t.Errorf("bad resource = %d", code)
	}

	d.inst = instrument.NewMock()
	d.inst.FailOn("*IDN?", errors.New("no answer"))
	if code, _ := d.do(t, http.MethodPost, "/instrument/connect", ConnectRequest{Resource: testResource}); code != http.StatusInternalServerError {
		t.Errorf("silent instrument = %d", code)
	}
	if !d.inst.Closed() {
		t.Error("session left open after failed identify")
	}
}

func TestNotConnected(t *testing.T) {
	d := setupTestDaemon(t)

	tests := []struct {
		method string
		path   string
		want   int
	}{
		{http.MethodPost, "/measurement/start", http.StatusConflict},
		{http.MethodPost, "/calibration/start", http.StatusConflict},
		{http.MethodPost, "/calibration/cancel", http.StatusConflict},
		{http.MethodGet, "/measurement", http.StatusNotFound},
		{http.MethodGet, "/operator", http.StatusNotFound},
		{http.MethodPost, "/report", http.StatusNotFound},
		{http.MethodGet, "/boards/ftx/telemetry", http.StatusConflict},
		{http.MethodGet, "/boards/xyz/telemetry", http.StatusNotFound},
		{http.MethodGet, "/version", http.StatusOK},
		{http.MethodGet, "/config", http.StatusOK},
		{http.MethodGet, "/calibration", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			if code, body := d.do(t, tt.method, tt.path, nil); code != tt.want {
				t.Errorf("got %d (%s), want %d", code, body, tt.want)
			}
		})
	}
}

func TestBusy(t *testing.T) {
	d := setupTestDaemon(t)
	if _, err := station.ConnectInstrument(testResource); err != nil {
		t.Fatal(err)
	}

	release := make(chan struct{})
	if _, err := station.startJob(jobMeasurement, func(ctx context.Context) error {
		<-release
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	for _, path := range []string{"/calibration/start", "/measurement/start", "/instrument/disconnect"} {
		if code, body := d.do(t, http.MethodPost, path, nil); code != http.StatusConflict {
			t.Errorf("%s = %d (%s), want 409", path, code, body)
		}
	}
	if st := station.InstrumentStatus(); st.Job != jobMeasurement {
		t.Errorf("job = %q", st.Job)
	}

	close(release)
	station.Wait()
	if st := station.InstrumentStatus(); st.Job != "" {
		t.Errorf("job = %q after finish", st.Job)
	}
}

func TestMeasurementAndReport(t *testing.T) {
	d := setupTestDaemon(t)
	if _, err := station.ConnectInstrument(testResource); err != nil {
		t.Fatal(err)
	}
	ch := sseHub.Subscribe()
	defer sseHub.Unsubscribe(ch)

	if code, body := d.do(t, http.MethodPost, "/measurement/start", PowerRequest{Power: ptr.To(-12.0)}); code != http.StatusCreated {
		t.Fatalf("start: %d %s", code, body)
	}
	station.Wait()

	select {
	case ev := <-ch:
		if ev.Name != events.MeasurementDone {
			t.Fatalf("event = %s %s", ev.Name, ev.Data)
		}
		done, err := events.DecodeAs[events.MeasurementDoneEvent](ev)
		if err != nil {
			t.Fatal(err)
		}
		if done.Points != 2 || !done.Uncalibrated || done.InputPower != -12 {
			t.Errorf("event = %+v", done)
		}
	case <-time.After(time.Second):
		t.Fatal("no measurement event")
	}

	code, body := d.do(t, http.MethodGet, "/measurement", nil)
	if code != http.StatusOK {
		t.Fatalf("get: %d %s", code, body)
	}
	r := decode[twotone.Result](t, body)
	if len(r.Derived.OIP3) != 2 || r.InputPower != -12 {
		t.Errorf("result = %+v", r)
	}

	if _, err := station.ConnectBoard(board.KindFTX); err != nil {
		t.Fatal(err)
	}
	code, body = d.do(t, http.MethodPost, "/report", ReportRequest{Title: "bench", Dir: d.dir})
	if code != http.StatusCreated {
		t.Fatalf("report: %d %s", code, body)
	}
	path := decode[string](t, body)
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(b), "bench") || !strings.Contains(string(b), "frequency_hz") {
		t.Errorf("report:\n%s", b)
	}
}

func TestMeasurementFailurePublished(t *testing.T) {
	d := setupTestDaemon(t)
	d.inst.FailOn("CALC2:DATA?", errors.New("bus error"))
	if _, err := station.ConnectInstrument(testResource); err != nil {
		t.Fatal(err)
	}
	ch := sseHub.Subscribe()
	defer sseHub.Unsubscribe(ch)

	if err := station.StartMeasurement(nil); err != nil {
		t.Fatal(err)
	}
	station.Wait()

	select {
	case ev := <-ch:
		if ev.Name != events.JobFailed {
			t.Fatalf("event = %s", ev.Name)
		}
		failed, _ := events.DecodeAs[events.JobFailedEvent](ev)
		if failed.Job != jobMeasurement || !strings.Contains(failed.Error, "bus error") {
			t.Errorf("event = %+v", failed)
		}
	case <-time.After(time.Second):
		t.Fatal("no failure event")
	}
	if _, err := station.LastResult(); !errors.Is(err, ErrNoMeasurement) {
		t.Errorf("LastResult err = %v", err)
	}
}

func TestBoardRoutes(t *testing.T) {
	d := setupTestDaemon(t)

	code, body := d.do(t, http.MethodPost, "/boards/ftx/connect", nil)
	if code != http.StatusCreated {
		t.Fatalf("connect ftx: %d %s", code, body)
	}
	if decode[string](t, body) == "" {
		t.Error("empty serial")
	}
	if code, _ := d.do(t, http.MethodPost, "/boards/FTX/connect", nil); code != http.StatusConflict {
		t.Errorf("second connect = %d", code)
	}

	code, body = d.do(t, http.MethodPut, "/boards/ftx/attenuation", 10.1)
	if code != http.StatusCreated {
		t.Fatalf("set attenuation: %d %s", code, body)
	}
	att := decode[AttenuationStatus](t, body)
	if att.DB != 10 || att.Code != 40 || att.Mismatch {
		t.Errorf("attenuation = %+v", att)
	}
	code, body = d.do(t, http.MethodGet, "/boards/ftx/attenuation", nil)
	if code != http.StatusOK || decode[AttenuationStatus](t, body).Code != 40 {
		t.Errorf("get attenuation: %d %s", code, body)
	}
	if code, _ := d.do(t, http.MethodPut, "/boards/ftx/attenuation", 100.0); code != http.StatusBadRequest {
		t.Errorf("out of range = %d", code)
	}

	code, body = d.do(t, http.MethodGet, "/boards/ftx/telemetry", nil)
	if code != http.StatusOK {
		t.Fatalf("telemetry: %d %s", code, body)
	}
	tel := decode[board.Telemetry](t, body)
	if tel.Board != board.KindFTX || tel.Serial == "" || tel.AttenuationCode != 40 || tel.LNACurrent == nil {
		t.Errorf("telemetry = %+v", tel)
	}

	if code, body := d.do(t, http.MethodPut, "/boards/ftx/lna", true); code != http.StatusCreated {
		t.Errorf("lna: %d %s", code, body)
	}
	if code, body := d.do(t, http.MethodPut, "/boards/ftx/laser-current", 128); code != http.StatusCreated {
		t.Errorf("laser: %d %s", code, body)
	}
	if code, _ := d.do(t, http.MethodPut, "/boards/ftx/laser-current", 300); code != http.StatusBadRequest {
		t.Errorf("laser out of range = %d", code)
	}

	if code, _ := d.do(t, http.MethodPost, "/boards/frx/connect", nil); code != http.StatusCreated {
		t.Fatalf("connect frx = %d", code)
	}
	if len(d.buses) != 2 {
		t.Errorf("opened %d bridges, want 2", len(d.buses))
	}

	if code, _ := d.do(t, http.MethodPost, "/boards/ftx/disconnect", nil); code != http.StatusOK {
		t.Errorf("disconnect = %d", code)
	}
	if !d.buses[conf.FtxBridgeIndex()].Closed() {
		t.Error("ftx bus not closed")
	}
	if d.buses[conf.FrxBridgeIndex()].Closed() {
		t.Error("frx bus closed with ftx")
	}
	if code, _ := d.do(t, http.MethodPut, "/boards/ftx/lna", false); code != http.StatusConflict {
		t.Errorf("lna after disconnect = %d", code)
	}
}

func TestBoardSetupFailureClosesBus(t *testing.T) {
	setupTestDaemon(t)
	var bus *i2c.Mock
	station.openBus = func(index int) (i2c.Bus, error) {
		bus = boardBus()
		bus.Fail(board.AddrADC, errors.New("nack"))
		return bus, nil
	}

	if _, err := station.ConnectBoard(board.KindFRX); err == nil {
		t.Fatal("no error")
	}
	if !bus.Closed() {
		t.Error("bus left open")
	}
	if got := station.ConnectedBoards(); len(got) != 0 {
		t.Errorf("connected = %v", got)
	}
}

func TestCalibrationCancel(t *testing.T) {
	d := setupTestDaemon(t)
	if _, err := station.ConnectInstrument(testResource); err != nil {
		t.Fatal(err)
	}

	code, body := d.do(t, http.MethodPost, "/calibration/start", PowerRequest{Power: ptr.To(-5.0)})
	if code != http.StatusCreated {
		t.Fatalf("start: %d %s", code, body)
	}
	if decode[CalibrationStart](t, body).InputPower != -5 {
		t.Errorf("start = %s", body)
	}

	// The sequence stops at the first operator prompt.
	deadline := time.Now().Add(5 * time.Second)
	for station.PendingRequest() == nil {
		if time.Now().After(deadline) {
			t.Fatal("no operator request")
		}
		time.Sleep(10 * time.Millisecond)
	}

	code, body = d.do(t, http.MethodGet, "/calibration", nil)
	st := decode[calibration.Status](t, body)
	if code != http.StatusOK || !st.Running || st.Pending == nil || st.Message != st.Pending.Message {
		t.Errorf("status = %d %+v", code, st)
	}

	if code, _ := d.do(t, http.MethodPost, "/calibration/cancel", nil); code != http.StatusOK {
		t.Fatalf("cancel = %d", code)
	}
	station.Wait()

	st = *station.CalibrationStatus()
	if st.Running || st.Phase != calibration.PhaseError || st.Calibrated {
		t.Errorf("status after cancel = %+v", st)
	}

	b, err := os.ReadFile(filepath.Join(d.dir, "calibration.json"))
	if err != nil {
		t.Fatalf("state not persisted: %v", err)
	}
	var persisted calibration.State
	if err := json.Unmarshal(b, &persisted); err != nil {
		t.Fatal(err)
	}
	if persisted.Phase != calibration.PhaseError || persisted.Resource != "TCPIP::pna::5025::SOCKET" {
		t.Errorf("persisted = %+v", persisted)
	}
}

func TestRestoreCalibrationState(t *testing.T) {
	tests := []struct {
		name      string
		state     calibration.State
		resource  string
		wantCal   bool
		wantPhase calibration.Phase
	}{
		{
			name:      "calibrated same analyzer",
			state:     calibration.State{Phase: calibration.PhaseCalibrated, Resource: "TCPIP::pna::5025::SOCKET", InputPower: ptr.To(-10.0)},
			resource:  testResource,
			wantCal:   true,
			wantPhase: calibration.PhaseCalibrated,
		},
		{
			name:      "calibrated other analyzer",
			state:     calibration.State{Phase: calibration.PhaseCalibrated, Resource: "TCPIP::other::5025::SOCKET", InputPower: ptr.To(-10.0)},
			resource:  testResource,
			wantPhase: calibration.PhaseIdle,
		},
		{
			name:      "interrupted",
			state:     calibration.State{Phase: calibration.PhaseSourceSweep, Resource: "TCPIP::pna::5025::SOCKET"},
			resource:  testResource,
			wantPhase: calibration.PhaseError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := setupTestDaemon(t)
			b, _ := json.Marshal(tt.state)
			if err := os.WriteFile(filepath.Join(d.dir, "calibration.json"), b, 0o644); err != nil {
				t.Fatal(err)
			}

			station.restoreCalibrationState()
			st, err := station.ConnectInstrument(tt.resource)
			if err != nil {
				t.Fatal(err)
			}
			if st.Calibrated != tt.wantCal {
				t.Errorf("calibrated = %t, want %t", st.Calibrated, tt.wantCal)
			}
			if got := station.CalibrationStatus().Phase; got != tt.wantPhase {
				t.Errorf("phase = %s, want %s", got, tt.wantPhase)
			}
		})
	}
}

func TestTelemetryScheduleRoutes(t *testing.T) {
	d := setupTestDaemon(t)

	if code, _ := d.do(t, http.MethodPut, "/telemetry", "not a cron"); code != http.StatusBadRequest {
		t.Errorf("bad schedule = %d", code)
	}
	if code, body := d.do(t, http.MethodPut, "/telemetry", "@every 1m"); code != http.StatusCreated {
		t.Fatalf("set schedule: %d %s", code, body)
	}
	if conf.TelemetrySchedule() != "@every 1m" {
		t.Errorf("schedule = %q", conf.TelemetrySchedule())
	}

	code, body := d.do(t, http.MethodGet, "/telemetry", nil)
	st := decode[TelemetryStatus](t, body)
	if code != http.StatusOK || st.Schedule != "@every 1m" || st.NextRun == 0 {
		t.Errorf("status = %d %+v", code, st)
	}
}

func TestConcurrentConnect(t *testing.T) {
	d := setupTestDaemon(t)

	entered := make(chan struct{})
	release := make(chan struct{})
	opens := 0
	station.openBus = func(index int) (i2c.Bus, error) {
		opens++
		close(entered)
		<-release
		return boardBus(), nil
	}
	station.openSession = func(r *instrument.Resource, timeout time.Duration) (instrument.Session, error) {
		<-release
		return d.inst, nil
	}

	boardErr := make(chan error, 1)
	go func() {
		_, err := station.ConnectBoard(board.KindFRX)
		boardErr <- err
	}()
	<-entered

	if _, err := station.ConnectBoard(board.KindFRX); !errors.Is(err, ErrAlreadyConnected) {
		t.Errorf("second ConnectBoard() = %v, want ErrAlreadyConnected", err)
	}

	instErr := make(chan error, 1)
	go func() {
		_, err := station.ConnectInstrument(testResource)
		instErr <- err
	}()
	// wait for the first connect to hold the reservation
	deadline := time.Now().Add(time.Second)
	for {
		station.mu.Lock()
		busy := station.instConnecting
		station.mu.Unlock()
		if busy || time.Now().After(deadline) {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if _, err := station.ConnectInstrument(testResource); !errors.Is(err, ErrAlreadyConnected) {
		t.Errorf("second ConnectInstrument() = %v, want ErrAlreadyConnected", err)
	}

	close(release)
	if err := <-boardErr; err != nil {
		t.Fatalf("ConnectBoard: %v", err)
	}
	if err := <-instErr; err != nil {
		t.Fatalf("ConnectInstrument: %v", err)
	}
	if opens != 1 {
		t.Errorf("bridge opened %d times", opens)
	}
	if got := station.ConnectedBoards(); len(got) != 1 {
		t.Errorf("ConnectedBoards() = %v", got)
	}
}
