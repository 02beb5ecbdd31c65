package twotone

import "sync"

// CalState is the calibration context of one analyzer session: the power
// it was calibrated at and the frequency-offset fixture discovered on the
// first measurement. A new calibration run invalidates both.
type CalState struct {
	mu         sync.RWMutex
	inputPower *float64
	primary    *int
}

// InputPower returns the calibrated source level and whether a
// calibration has completed.
func (c *CalState) InputPower() (float64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.inputPower == nil {
		return 0, false
	}
	return *c.inputPower, true
}

// PrimaryRange returns the cached primary frequency range number.
func (c *CalState) PrimaryRange() (int, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.primary == nil {
		return 0, false
	}
	return *c.primary, true
}

// Invalidate forgets the calibration and the fixture.
func (c *CalState) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inputPower = nil
	c.primary = nil
}

// Restore marks the session calibrated at power without a completed run,
// e.g. after a daemon restart when the analyzer still holds the
// correction. The fixture is rediscovered on the next measurement.
func (c *CalState) Restore(power float64) {
	c.setCalibrated(power)
}

func (c *CalState) setCalibrated(power float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inputPower = &power
	c.primary = nil
}

func (c *CalState) setPrimary(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.primary = &n
}
