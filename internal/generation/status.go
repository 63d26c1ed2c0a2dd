// Package generation drives a single loaded generator one token at a time
// (§4.3): tokenizing the prompt, stepping the backend, resynchronizing
// UTF-8 across token boundaries, checking stop strings, and honoring
// cooperative interruption.
package generation

import "time"

// State is a completion's terminal state (§3).
type State string

const (
	StateRunning     State = "running"
	StateDone        State = "done"
	StateInterrupted State = "interrupted"
)

// Status is the per-request telemetry record (§3): created at accept,
// finalized when the loop exits, logged on release. A Status exists in a
// Generator's table iff generation is in progress for that request id
// (§3 invariant) — Run removes it from the table when it returns.
type Status struct {
	RequestID       string
	StartedAt       time.Time
	InputText       string
	GeneratedText   string
	GeneratedTokens int
	State           State
}

// Snapshot returns a value copy safe to hand to a caller outside the
// generator's lock.
func (s *Status) Snapshot() Status {
	return *s
}
