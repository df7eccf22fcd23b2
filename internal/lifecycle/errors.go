package lifecycle

import (
	"errors"
	"fmt"

	"github.com/mtzanidakis/hivemind/internal/agent"
	"github.com/mtzanidakis/hivemind/internal/registry"
)

var (
	ErrCapacityExceeded  = registry.ErrCapacityExceeded
	ErrAgentNotFound     = registry.ErrAgentNotFound
	ErrIllegalTransition = errors.New("illegal state transition")
	ErrWakeRequired      = errors.New("hibernating agents return to active only through wake")
	ErrNotActive         = errors.New("agent is not active")
	ErrShuttingDown      = errors.New("lifecycle engine is shutting down")
)

// InitializationError reports a spawn whose initialization failed. The
// agent has already been terminated and removed.
type InitializationError struct {
	AgentID string
	Err     error
}

func (e *InitializationError) Error() string {
	return fmt.Sprintf("initialize agent %s: %v", e.AgentID, e.Err)
}

func (e *InitializationError) Unwrap() error { return e.Err }

// SideEffectError reports a failed side effect of a transition into
// State. Unless the side effect had already released resources, the
// agent keeps its previous state.
type SideEffectError struct {
	AgentID string
	State   agent.State
	Err     error
}

func (e *SideEffectError) Error() string {
	return fmt.Sprintf("agent %s: %s side effect: %v", e.AgentID, e.State, e.Err)
}

func (e *SideEffectError) Unwrap() error { return e.Err }
