package agent

// State is a lifecycle state of an agent.
type State string

const (
	StateSpawning     State = "spawning"
	StateInitializing State = "initializing"
	StateActive       State = "active"
	StateLearning     State = "learning"
	StateEvolving     State = "evolving"
	StateOptimizing   State = "optimizing"
	StateHibernating  State = "hibernating"
	StateRetiring     State = "retiring"
	StateTerminated   State = "terminated"
)

// transitions lists the legal destinations of each state. Hibernating ->
// Active is listed but only reachable through an explicit wake.
var transitions = map[State][]State{
	StateSpawning:     {StateInitializing, StateTerminated},
	StateInitializing: {StateActive, StateTerminated},
	StateActive:       {StateLearning, StateEvolving, StateOptimizing, StateHibernating, StateRetiring, StateTerminated},
	StateLearning:     {StateActive, StateRetiring, StateTerminated},
	StateEvolving:     {StateActive, StateRetiring, StateTerminated},
	StateOptimizing:   {StateActive, StateRetiring, StateTerminated},
	StateHibernating:  {StateActive, StateRetiring, StateTerminated},
	StateRetiring:     {StateTerminated},
	StateTerminated:   {},
}

// CanTransition reports whether from -> to is in the transition table.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// Transient states run their side effect and fall back to Active.
func (s State) Transient() bool {
	return s == StateLearning || s == StateEvolving || s == StateOptimizing
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == StateTerminated
}

func (s State) String() string {
	return string(s)
}
