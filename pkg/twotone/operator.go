package twotone

import (
	"context"
	"fmt"
)

// Operator is the human at the bench. Both calls block until answered or
// ctx is done.
type Operator interface {
	// Prompt shows msg and waits for an acknowledgment.
	Prompt(ctx context.Context, msg string) error
	// Confirm shows msg and waits for accept (true) or reject (false).
	Confirm(ctx context.Context, msg string) (bool, error)
}

// Iteration holds source power calibration iteration parameters. Nil
// fields are left unchanged.
type Iteration struct {
	Tolerance *float64
	Count     *int
}

// IterationAdjuster is implemented by operators that can hand over new
// iteration parameters along with a rejected sweep.
type IterationAdjuster interface {
	// RepeatIteration returns the parameters that came with the last
	// rejection, or nil.
	RepeatIteration() *Iteration
}

// Scripted answers every confirmation from a fixed list and acknowledges
// every prompt. Once the list is exhausted it accepts.
type Scripted struct {
	Answers []bool
	Adjust  *Iteration

	Prompts  []string
	Confirms []string
}

var _ Operator = &Scripted{}

func (s *Scripted) Prompt(ctx context.Context, msg string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.Prompts = append(s.Prompts, msg)
	return nil
}

func (s *Scripted) Confirm(ctx context.Context, msg string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.Confirms = append(s.Confirms, msg)
	if len(s.Answers) == 0 {
		return true, nil
	}
	a := s.Answers[0]
	s.Answers = s.Answers[1:]
	return a, nil
}

func (s *Scripted) RepeatIteration() *Iteration {
	return s.Adjust
}

// operator messages
const (
	msgAttachPowerRef  = "Connect the power sensor to the Power Ref port of the power meter."
	msgAttachCombiner  = "Sensor zeroing and calibration complete. Connect the power sensor to the S port of the combiner."
	msgDetachSensor    = "Done with the power meter. Disconnect the sensor from the combiner and connect port 2 to the S port of the combiner."
	msgReceiverCalDone = "Receiver power calibration finished. If applicable, place the DUT between the S port and port 2."
	msgSaveSweepFormat = "Wait for the calibration sweep on port %d to finish (attempt %d). Save results?"
)

func saveSweepMessage(port, attempt int) string {
	return fmt.Sprintf(msgSaveSweepFormat, port, attempt)
}
