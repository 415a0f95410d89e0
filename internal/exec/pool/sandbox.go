package pool

import (
	"time"

	"runlab/internal/exec/runtime"
)

// State is the lifecycle state of one pooled sandbox.
type State string

const (
	// StateCold is a declared but not yet provisioned sandbox.
	StateCold State = "cold"
	// StateWarming is a sandbox whose provisioning is in flight.
	StateWarming State = "warming"
	// StateIdle is a clean sandbox ready for checkout.
	StateIdle State = "idle"
	// StateInUse is a sandbox bound to exactly one execution.
	StateInUse State = "in_use"
	// StateDraining is a sandbox being reset after use.
	StateDraining State = "draining"
	// StateDestroyed is a torn-down sandbox; terminal.
	StateDestroyed State = "destroyed"
)

// Sandbox is one pooled runtime instance. All state transitions happen under
// the owning pool's lock.
type Sandbox struct {
	ID        string
	Image     string
	State     State
	CreatedAt time.Time
	UseCount  int
	Handle    runtime.Handle
}
