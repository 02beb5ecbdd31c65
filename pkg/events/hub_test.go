package events

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

func TestHubPublish(t *testing.T) {
	h := NewEventHub()
	ch := h.Subscribe()
	defer h.Unsubscribe(ch)

	h.Publish(CalibrationSweep, CalibrationSweepEvent{Port: 3, Attempt: 2, Ts: 1})

	select {
	case ev := <-ch:
		if ev.Name != CalibrationSweep {
			t.Fatalf("name = %s", ev.Name)
		}
		p, err := DecodeAs[CalibrationSweepEvent](ev)
		if err != nil {
			t.Fatal(err)
		}
		if p.Port != 3 || p.Attempt != 2 {
			t.Errorf("payload = %+v", p)
		}
	case <-time.After(time.Second):
		t.Fatal("no event")
	}
}

func TestHubSlowSubscriber(t *testing.T) {
	hook := test.NewGlobal()
	defer hook.Reset()

	h := NewEventHub()
	slow := h.Subscribe()
	fast := h.Subscribe()
	defer h.Unsubscribe(fast)

	// never blocks even when the buffer is full
	for i := 0; i < SubscriberBuffer+3; i++ {
		h.Publish(JobFailed, JobFailedEvent{Job: "measure"})
		<-fast
	}
	if len(slow) != cap(slow) {
		t.Errorf("buffered %d of %d", len(slow), cap(slow))
	}

	drops := 0
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.WarnLevel && e.Data["event"] == JobFailed {
			drops++
		}
	}
	if drops != 3 {
		t.Errorf("logged %d drops, want 3", drops)
	}

	h.Unsubscribe(slow)
	h.Unsubscribe(slow)
	for range slow {
	}
	if last := hook.LastEntry(); last == nil || last.Data["dropped"] != uint64(3) {
		t.Errorf("last entry = %+v", last)
	}
}

func TestHubEncodeError(t *testing.T) {
	hook := test.NewGlobal()
	defer hook.Reset()

	h := NewEventHub()
	ch := h.Subscribe()
	defer h.Unsubscribe(ch)

	h.Publish(Telemetry, make(chan int))
	if len(ch) != 0 {
		t.Errorf("unencodable event delivered")
	}
	if last := hook.LastEntry(); last == nil || last.Level != logrus.ErrorLevel || last.Data["event"] != Telemetry {
		t.Errorf("last entry = %+v", last)
	}
}

func TestHubNil(t *testing.T) {
	var h *EventHub
	h.Publish(Telemetry, nil)
}

func TestDecodeAsEmpty(t *testing.T) {
	p, err := DecodeAs[OperatorRequestEvent](Event{Name: OperatorRequest})
	if err != nil || p.ID != "" {
		t.Errorf("got %+v, %v", p, err)
	}
}
