// Package tracker drives the per-cycle usage pipeline: enumerate the
// entities usage is attributed to, pull their CPU seconds, price them
// into energy and carbon, and upsert one fact row per entity and scope.
package tracker

import (
	"errors"
	"fmt"

	"github.com/stfc-cloud/carbonledger/internal/cpumetrics"
	"github.com/stfc-cloud/carbonledger/internal/usagefact/domain"
)

// State is a recovery checkpoint in an entry's pipeline. States only
// move forward, one step at a time; failed is terminal and reachable
// from any non-complete state.
type State string

const (
	StateInitialized State = "initialized"
	StateDownloaded  State = "downloaded"
	StateProcessed   State = "processed"
	StateComplete    State = "complete"
	StateFailed      State = "failed"
)

var stateOrder = map[State]int{
	StateInitialized: 0,
	StateDownloaded:  1,
	StateProcessed:   2,
	StateComplete:    3,
}

var ErrInvalidTransition = errors.New("invalid_state_transition")

// Entry tracks one entity through one cycle.
type Entry struct {
	Scope    domain.Scope
	Key      string
	Selector cpumetrics.Selector

	State State
	Err   error
}

func newEntry(scope domain.Scope, key string, sel cpumetrics.Selector) *Entry {
	return &Entry{Scope: scope, Key: key, Selector: sel, State: StateInitialized}
}

// Advance moves the entry to the next state. Skipping a state or
// moving backwards is a programming error and is rejected.
func (e *Entry) Advance(to State) error {
	if e.State == StateFailed || e.State == StateComplete {
		return fmt.Errorf("%w: %s is terminal", ErrInvalidTransition, e.State)
	}
	next, ok := stateOrder[to]
	if !ok || next != stateOrder[e.State]+1 {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, e.State, to)
	}
	e.State = to
	return nil
}

// Fail freezes the entry at its last good state's terminal marker.
// Failing a completed entry is rejected.
func (e *Entry) Fail(err error) error {
	if e.State == StateComplete {
		return fmt.Errorf("%w: complete is terminal", ErrInvalidTransition)
	}
	e.State = StateFailed
	e.Err = err
	return nil
}

func (e *Entry) name() string {
	if e.Key == "" {
		return string(e.Scope)
	}
	return string(e.Scope) + "/" + e.Key
}

// BatchResult summarizes one tracking cycle. PartiallyFailed counts
// entries that completed but stored the failed sentinel for their
// metrics; Errored counts entries frozen in the failed state.
type BatchResult struct {
	Succeeded       int
	PartiallyFailed int
	Errored         int
	Entries         []*Entry
}
