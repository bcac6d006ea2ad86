package triage

import (
	"fmt"
	"time"

	"opsdesk/app/pkg/types"
)

// State tags one position of a triage run. The state space is small and
// fixed, so transitions are a plain table rather than a graph engine.
type State string

const (
	StateIdle             State = "IDLE"
	StateSnapshot         State = "SNAPSHOT"
	StateAnalyze          State = "ANALYZE"
	StateNoProposal       State = "NO_PROPOSAL"
	StateCustomerRequired State = "CUSTOMER_REQUIRED"
	StateAwaitingApproval State = "AWAITING_APPROVAL"
	StateCommitted        State = "COMMITTED"
	StateRejected         State = "REJECTED"
)

var transitions = map[State][]State{
	StateIdle:             {StateSnapshot},
	StateSnapshot:         {StateAnalyze},
	StateAnalyze:          {StateNoProposal, StateCustomerRequired, StateAwaitingApproval},
	StateAwaitingApproval: {StateCommitted, StateRejected},
}

// canTransition is the pure transition function over the fixed state table.
func canTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// run is one triage state machine instance. Each submit owns its own run;
// there is no shared mutable state between concurrent runs.
type run struct {
	token       string
	state       State
	proposal    types.Proposal
	snapshot    types.WorkloadSnapshot
	requesterID string
	customerID  string // resolved id supplied at submit, may be empty
	createdAt   time.Time
}

func (r *run) advance(to State) error {
	if !canTransition(r.state, to) {
		return fmt.Errorf("invalid triage transition %s -> %s", r.state, to)
	}
	r.state = to
	return nil
}

func (r *run) expired(ttl time.Duration) bool {
	return ttl > 0 && time.Since(r.createdAt) > ttl
}
