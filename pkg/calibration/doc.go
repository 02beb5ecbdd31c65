// Package calibration defines the types used by the two-tone calibration
// workflow. It contains:
//
//   - Phase: the discrete steps of the calibration state machine
//   - OperatorRequest / OperatorResponse: the human-in-the-loop exchange
//   - State: the persisted runtime state managed by the daemon
//   - Status: a synthesized view model returned by HTTP APIs
//
// These types are shared across twotone, daemon and client code to keep
// JSON contracts consistent.
package calibration
