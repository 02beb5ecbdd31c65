package daemon

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/charlie0129/rfof/pkg/calibration"
	"github.com/charlie0129/rfof/pkg/events"
	"github.com/charlie0129/rfof/pkg/twotone"
)

var (
	ErrNoPendingRequest = errors.New("no operator request pending")
	ErrRequestMismatch  = errors.New("response does not match the pending request")
)

// remoteOperator hands prompts to whoever answers POST /operator. One
// request is outstanding at a time since the sequence blocks on it.
type remoteOperator struct {
	hub *events.EventHub

	mu      sync.Mutex
	pending *calibration.OperatorRequest
	answer  chan calibration.OperatorResponse
	adjust  *twotone.Iteration
}

var (
	_ twotone.Operator          = &remoteOperator{}
	_ twotone.IterationAdjuster = &remoteOperator{}
)

func newRemoteOperator(hub *events.EventHub) *remoteOperator {
	return &remoteOperator{hub: hub}
}

func (o *remoteOperator) Prompt(ctx context.Context, msg string) error {
	_, err := o.ask(ctx, calibration.RequestPrompt, msg)
	return err
}

func (o *remoteOperator) Confirm(ctx context.Context, msg string) (bool, error) {
	resp, err := o.ask(ctx, calibration.RequestConfirm, msg)
	if err != nil {
		return false, err
	}

	o.mu.Lock()
	o.adjust = nil
	if !resp.Accept && (resp.Tolerance != nil || resp.Count != nil) {
		o.adjust = &twotone.Iteration{Tolerance: resp.Tolerance, Count: resp.Count}
	}
	o.mu.Unlock()
	return resp.Accept, nil
}

func (o *remoteOperator) RepeatIteration() *twotone.Iteration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.adjust
}

func (o *remoteOperator) ask(ctx context.Context, kind calibration.RequestKind, msg string) (calibration.OperatorResponse, error) {
	req := &calibration.OperatorRequest{
		ID:          uuid.NewString(),
		Kind:        kind,
		Message:     msg,
		AllowAdjust: kind == calibration.RequestConfirm,
		Ts:          time.Now().Unix(),
	}
	answer := make(chan calibration.OperatorResponse, 1)

	o.mu.Lock()
	o.pending = req
	o.answer = answer
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		if o.pending == req {
			o.pending = nil
			o.answer = nil
		}
		o.mu.Unlock()
	}()

	logrus.WithFields(logrus.Fields{
		"operation": "calibration",
		"request":   req.ID,
		"kind":      kind,
	}).Info(msg)
	o.hub.Publish(events.OperatorRequest, events.OperatorRequestEvent{
		ID:          req.ID,
		Kind:        string(req.Kind),
		Message:     req.Message,
		AllowAdjust: req.AllowAdjust,
		Ts:          req.Ts,
	})

	select {
	case resp := <-answer:
		o.hub.Publish(events.OperatorResolved, events.OperatorResolvedEvent{
			ID:     req.ID,
			Accept: resp.Accept,
			Ts:     time.Now().Unix(),
		})
		return resp, nil
	case <-ctx.Done():
		return calibration.OperatorResponse{}, ctx.Err()
	}
}

// Pending returns the request the sequence is waiting on, or nil.
func (o *remoteOperator) Pending() *calibration.OperatorRequest {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.pending == nil {
		return nil
	}
	p := *o.pending
	return &p
}

// Answer resolves the pending request. An empty ID answers whatever is
// pending.
func (o *remoteOperator) Answer(resp calibration.OperatorResponse) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.pending == nil {
		return ErrNoPendingRequest
	}
	if resp.ID != "" && resp.ID != o.pending.ID {
		return ErrRequestMismatch
	}
	if o.pending.Kind == calibration.RequestPrompt {
		resp.Accept = true
	}

	o.answer <- resp
	o.pending = nil
	o.answer = nil
	return nil
}
