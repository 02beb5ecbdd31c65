package daemon

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/charlie0129/rfof/pkg/calibration"
	"github.com/charlie0129/rfof/pkg/events"
)

func waitPending(t *testing.T, o *remoteOperator) *calibration.OperatorRequest {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if p := o.Pending(); p != nil {
			return p
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("no request became pending")
	return nil
}

func TestRemoteOperatorConfirm(t *testing.T) {
	hub := events.NewEventHub()
	sub := hub.Subscribe()
	defer hub.Unsubscribe(sub)
	o := newRemoteOperator(hub)

	type result struct {
		ok  bool
		err error
	}
	done := make(chan result, 1)
	go func() {
		ok, err := o.Confirm(context.Background(), "save?")
		done <- result{ok, err}
	}()

	p := waitPending(t, o)
	if p.Kind != calibration.RequestConfirm || p.Message != "save?" || !p.AllowAdjust {
		t.Errorf("pending = %+v", p)
	}
	if err := o.Answer(calibration.OperatorResponse{ID: "other"}); !errors.Is(err, ErrRequestMismatch) {
		t.Errorf("mismatched answer: %v", err)
	}

	tol := 0.5
	if err := o.Answer(calibration.OperatorResponse{ID: p.ID, Accept: false, Tolerance: &tol}); err != nil {
		t.Fatalf("Answer: %v", err)
	}
	r := <-done
	if r.err != nil || r.ok {
		t.Fatalf("Confirm = %v, %v", r.ok, r.err)
	}
	it := o.RepeatIteration()
	if it == nil || it.Tolerance == nil || *it.Tolerance != 0.5 || it.Count != nil {
		t.Errorf("RepeatIteration() = %+v", it)
	}
	if o.Pending() != nil {
		t.Error("request still pending")
	}

	ev := <-sub
	if ev.Name != events.OperatorRequest {
		t.Errorf("first event = %s", ev.Name)
	}
}

func TestRemoteOperatorPrompt(t *testing.T) {
	o := newRemoteOperator(events.NewEventHub())
	done := make(chan error, 1)
	go func() { done <- o.Prompt(context.Background(), "connect sensor") }()

	waitPending(t, o)
	// prompts only need an acknowledgment
	if err := o.Answer(calibration.OperatorResponse{}); err != nil {
		t.Fatal(err)
	}
	if err := <-done; err != nil {
		t.Fatalf("Prompt: %v", err)
	}
	if err := o.Answer(calibration.OperatorResponse{}); !errors.Is(err, ErrNoPendingRequest) {
		t.Errorf("second answer: %v", err)
	}
}

func TestRemoteOperatorCancel(t *testing.T) {
	o := newRemoteOperator(events.NewEventHub())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := o.Confirm(ctx, "save?")
		done <- err
	}()

	waitPending(t, o)
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
	if o.Pending() != nil {
		t.Error("cancelled request still pending")
	}
}
