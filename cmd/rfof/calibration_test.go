package main

import (
	"bytes"
	"encoding/json"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/spf13/cobra"

	"github.com/charlie0129/rfof/pkg/calibration"
	"github.com/charlie0129/rfof/pkg/client"
)

// fakeDaemon publishes its only operator request before any stream is
// attached, so it can only be seen through GET /operator.
type fakeDaemon struct {
	mu       sync.Mutex
	answers  []calibration.OperatorResponse
	answered chan struct{}
	started  bool
}

func (d *fakeDaemon) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/events", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fl := w.(http.Flusher)
		_, _ = w.Write([]byte("event:stream.open\ndata:{}\n\n"))
		fl.Flush()

		select {
		case <-d.answered:
		case <-r.Context().Done():
			return
		}
		_, _ = w.Write([]byte("event:calibration.phase\n" + `data:{"from":"ReceiverCal","to":"Calibrated","ts":1}` + "\n\n"))
		fl.Flush()
		<-r.Context().Done()
	})
	mux.HandleFunc("/operator", func(w http.ResponseWriter, r *http.Request) {
		d.mu.Lock()
		defer d.mu.Unlock()
		switch r.Method {
		case http.MethodGet:
			if len(d.answers) > 0 {
				w.WriteHeader(http.StatusNotFound)
				_, _ = w.Write([]byte(`"no pending operator request"`))
				return
			}
			_, _ = w.Write([]byte(`{"id":"r1","kind":"prompt","message":"Connect the power sensor to port 1","ts":1}`))
		case http.MethodPost:
			var resp calibration.OperatorResponse
			if err := json.NewDecoder(r.Body).Decode(&resp); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			d.answers = append(d.answers, resp)
			if len(d.answers) == 1 {
				close(d.answered)
			}
			_, _ = w.Write([]byte(`"ok"`))
		}
	})
	return mux
}

func TestFollowAnswersRequestPublishedBeforeAttach(t *testing.T) {
	path := filepath.Join(t.TempDir(), "d.sock")
	l, err := net.Listen("unix", path)
	if err != nil {
		t.Skipf("unix sockets unavailable: %v", err)
	}
	d := &fakeDaemon{answered: make(chan struct{})}
	srv := &http.Server{Handler: d.routes()}
	go func() { _ = srv.Serve(l) }()
	t.Cleanup(func() { _ = srv.Close() })

	old := apiClient
	apiClient = client.NewClient(path)
	t.Cleanup(func() { apiClient = old })

	cmd := &cobra.Command{}
	var out bytes.Buffer
	cmd.SetOut(&out)

	err = followCalibration(cmd, strings.NewReader("\n"), func() error {
		d.mu.Lock()
		d.started = true
		d.mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("followCalibration: %v", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.started {
		t.Error("calibration never started")
	}
	if len(d.answers) != 1 || d.answers[0].ID != "r1" || !d.answers[0].Accept {
		t.Errorf("answers = %+v", d.answers)
	}
	if !strings.Contains(out.String(), "Connect the power sensor") {
		t.Errorf("output:\n%s", out.String())
	}
}
