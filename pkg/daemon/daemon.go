package daemon

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/charlie0129/rfof/pkg/config"
	"github.com/charlie0129/rfof/pkg/events"
)

var (
	conf      config.Config
	sseHub    *events.EventHub
	station   *Station
	telemetry *Scheduler
)

func setupRoutes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(ginLogger(logrus.StandardLogger()))
	router.GET("/version", getVersion)
	router.GET("/config", getConfig)

	router.GET("/instrument", getInstrument)
	router.POST("/instrument/connect", connectInstrument)
	router.POST("/instrument/disconnect", disconnectInstrument)

	router.POST("/boards/:board/connect", connectBoard)
	router.POST("/boards/:board/disconnect", disconnectBoard)
	router.GET("/boards/:board/telemetry", getTelemetry)
	router.GET("/boards/:board/attenuation", getAttenuation)
	router.PUT("/boards/:board/attenuation", setAttenuation)
	router.PUT("/boards/ftx/lna", setLNA)
	router.PUT("/boards/ftx/laser-current", setLaserCurrent)
	router.GET("/telemetry", getTelemetrySchedule)
	router.PUT("/telemetry", setTelemetrySchedule)

	router.GET("/calibration", getCalibration)
	router.POST("/calibration/start", startCalibration)
	router.POST("/calibration/cancel", cancelCalibration)
	router.GET("/operator", getOperator)
	router.POST("/operator", answerOperator)

	router.POST("/measurement/start", startMeasurement)
	router.GET("/measurement", getMeasurement)
	router.POST("/report", saveReport)

	router.GET("/events", streamEvents)

	return router
}

// calibrationStatePath keeps the calibration state next to the config.
func calibrationStatePath(configPath string) string {
	return filepath.Join(filepath.Dir(configPath), "calibration.json")
}

func Run(configPath string, unixSocketPath string, allowNonRoot bool) error {
	router := setupRoutes()

	var err error
	conf, err = config.NewFile(configPath)
	if err != nil {
		logrus.Fatalf("failed to parse config during startup: %v", err)
	}
	logrus.WithFields(conf.LogrusFields()).Infof("config loaded")

	sseHub = events.NewEventHub()
	station = NewStation(conf, sseHub, calibrationStatePath(configPath))
	station.restoreCalibrationState()

	telemetry = newTelemetryScheduler(station, sseHub)
	if err := telemetry.Schedule(conf.TelemetrySchedule()); err != nil {
		logrus.Errorf("invalid telemetry schedule %q: %v", conf.TelemetrySchedule(), err)
	}
	telemetry.Start()

	// Receive SIGHUP to reload config
	go func() {
		sigc := make(chan os.Signal, 1)
		signal.Notify(sigc, syscall.SIGHUP)
		for range sigc {
			err := conf.Load()
			if err != nil {
				logrus.Errorf("failed to reload config: %v", err)
				continue
			}
			if err := telemetry.Schedule(conf.TelemetrySchedule()); err != nil {
				logrus.Errorf("invalid telemetry schedule %q: %v", conf.TelemetrySchedule(), err)
			}
			logrus.Infof("config reloaded")
		}
	}()

	srv := &http.Server{
		Handler: router,
	}

	// Create the socket to listen on:
	_ = os.Remove(unixSocketPath)
	l, err := net.Listen("unix", unixSocketPath)
	if err != nil {
		logrus.Fatal(err)
	}

	if conf.AllowNonRootAccess() || allowNonRoot {
		logrus.Infof("non-root access is allowed, changing permissions of %s to 0777", unixSocketPath)
		err = os.Chmod(unixSocketPath, 0777)
		if err != nil {
			logrus.Fatal(err)
		}
	}

	// Serve HTTP on unix socket
	go func() {
		logrus.Infof("http server listening on %s", l.Addr().String())
		if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.Fatal(err)
		}
	}()

	// Handle common process-killing signals, so we can gracefully shut down:
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	// Wait for a SIGINT or SIGTERM:
	sig := <-sigc
	logrus.Infof("caught signal \"%s\": shutting down.", sig)

	logrus.Info("shutting down http server")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	err = srv.Shutdown(ctx)
	if err != nil {
		logrus.Errorf("failed to shutdown http server: %v", err)
	}
	cancel()

	logrus.Info("stopping telemetry")
	telemetry.Stop()

	logrus.Info("closing instrument and boards")
	station.Close()

	logrus.Info("exiting")
	return nil
}
