package escalate

import (
	"fmt"

	"github.com/scootdev/escalate/checkpoint"
)

// decisionEvent is the outcome of one Advance call, in terms of what it did
// to the chain's top-level state.
type decisionEvent int

const (
	eventEscalated decisionEvent = iota
	eventCompleted
	eventFailedAtMax
	eventFailedNotRetried
	eventBranchPending // this resolution only closed one of several branches; chain stays RUNNING
)

// transitions is the explicit chainState x event -> chainState table. Built
// and validated once at package init, in the spirit of validating an FSM's
// transition table up front rather than discovering a missing edge at
// runtime.
var transitions = map[checkpoint.ChainState]map[decisionEvent]checkpoint.ChainState{
	checkpoint.ChainRunning: {
		eventEscalated:        checkpoint.ChainRunning,
		eventBranchPending:    checkpoint.ChainRunning,
		eventCompleted:        checkpoint.ChainCompleted,
		eventFailedAtMax:      checkpoint.ChainFailedAtMax,
		eventFailedNotRetried: checkpoint.ChainFailedNotRetried,
	},
}

// allChainStates and allEvents exist only so init can validate the table is
// total over the non-terminal states and empty over the terminal ones.
var allChainStates = []checkpoint.ChainState{
	checkpoint.ChainRunning,
	checkpoint.ChainCompleted,
	checkpoint.ChainFailedAtMax,
	checkpoint.ChainFailedNotRetried,
}

var allEvents = []decisionEvent{eventEscalated, eventCompleted, eventFailedAtMax, eventFailedNotRetried, eventBranchPending}

func init() {
	for _, s := range allChainStates {
		row, has := transitions[s]
		if s.Terminal() {
			if has {
				panic(fmt.Sprintf("escalate: transition table has outgoing edges from terminal state %s", s))
			}
			continue
		}
		if !has {
			panic(fmt.Sprintf("escalate: transition table missing row for non-terminal state %s", s))
		}
		for _, e := range allEvents {
			if _, ok := row[e]; !ok {
				panic(fmt.Sprintf("escalate: transition table missing event %d for state %s", e, s))
			}
		}
	}
}

// apply looks up the next chain state for (current, event), panicking when
// the table has no edge for the pair. init rules out a missing edge from a
// non-terminal state, and terminal states have no row at all, so a call
// with a terminal current state panics.
func apply(current checkpoint.ChainState, event decisionEvent) checkpoint.ChainState {
	row, ok := transitions[current]
	if !ok {
		panic(fmt.Sprintf("escalate: no transition row for state %s", current))
	}
	next, ok := row[event]
	if !ok {
		panic(fmt.Sprintf("escalate: no transition for event %d from state %s", event, current))
	}
	return next
}
