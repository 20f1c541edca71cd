// Package runtracker keeps in-memory state for screener invocations so
// operators can look up how far a request got and why it failed.
package runtracker

import (
	"time"

	"github.com/algomatic/screener-service/internal/errs"
)

// State is a step in the invocation lifecycle.
type State string

const (
	Received  State = "RECEIVED"
	Validated State = "VALIDATED"
	Compiled  State = "COMPILED"
	Executed  State = "EXECUTED"
	Enriched  State = "ENRICHED"
	Returned  State = "RETURNED"
	Failed    State = "FAILED"
)

// transitions lists the states reachable from each state.
var transitions = map[State][]State{
	Received:  {Validated, Failed},
	Validated: {Compiled, Failed},
	Compiled:  {Executed, Failed},
	Executed:  {Enriched, Failed},
	Enriched:  {Returned},
}

// CanTransition reports whether from → to is a legal step.
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
	switch s {
	case Received, Validated, Compiled, Executed, Enriched, Returned, Failed:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == Returned || s == Failed
}

// Step records when a state was entered.
type Step struct {
	State State     `json:"state"`
	At    time.Time `json:"at"`
}

// Invocation is the tracked lifecycle of one screen request.
type Invocation struct {
	ID           string     `json:"invocation_id"`
	State        State      `json:"state"`
	StartTime    time.Time  `json:"start_time"`
	EndTime      *time.Time `json:"end_time"`
	History      []Step     `json:"history"`
	ErrorCode    errs.Code  `json:"error_code,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	ResultCount  int        `json:"result_count"`
}

// ElapsedSeconds returns the wall time spent so far, or in total once the
// invocation has finished.
func (inv *Invocation) ElapsedSeconds() float64 {
	if inv.EndTime != nil {
		return inv.EndTime.Sub(inv.StartTime).Seconds()
	}
	return time.Since(inv.StartTime).Seconds()
}

func (inv *Invocation) clone() *Invocation {
	cp := *inv
	cp.History = make([]Step, len(inv.History))
	copy(cp.History, inv.History)
	if inv.EndTime != nil {
		end := *inv.EndTime
		cp.EndTime = &end
	}
	return &cp
}
