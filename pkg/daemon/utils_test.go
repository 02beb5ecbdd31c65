package daemon

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

func TestGinLogger(t *testing.T) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(ginLogger(logger))
	r.GET("/version", func(c *gin.Context) { c.IndentedJSON(http.StatusOK, "v1") })
	r.PUT("/instrument/disconnect", func(c *gin.Context) { abort(c, http.StatusConflict, ErrBusy) })
	r.GET("/events", func(c *gin.Context) { c.Status(http.StatusOK) })

	tests := []struct {
		method, path string
		level        logrus.Level
		msg          string
		err          string
	}{
		{http.MethodGet, "/version", logrus.DebugLevel, "request served", ""},
		{http.MethodPut, "/instrument/disconnect", logrus.WarnLevel, "request rejected", ErrBusy.Error()},
		{http.MethodGet, "/events", logrus.DebugLevel, "event stream closed", ""},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			hook.Reset()
			r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(tt.method, tt.path, nil))

			e := hook.LastEntry()
			if e == nil {
				t.Fatal("nothing logged")
			}
			if e.Level != tt.level || e.Message != tt.msg {
				t.Errorf("logged %s %q", e.Level, e.Message)
			}
			if e.Data["path"] != tt.path {
				t.Errorf("path = %v", e.Data["path"])
			}
			if tt.err != "" && e.Data["error"] != tt.err {
				t.Errorf("error = %v", e.Data["error"])
			}
		})
	}
}
