package tracker

import (
	"errors"
	"testing"

	"github.com/stfc-cloud/carbonledger/internal/cpumetrics"
	"github.com/stfc-cloud/carbonledger/internal/usagefact/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntryAdvancesStrictlyInOrder(t *testing.T) {
	e := newEntry(domain.ScopeProject, "IDAaaS", cpumetrics.Selector{Project: "IDAaaS"})
	assert.Equal(t, StateInitialized, e.State)

	require.NoError(t, e.Advance(StateDownloaded))
	require.NoError(t, e.Advance(StateProcessed))
	require.NoError(t, e.Advance(StateComplete))
	assert.Equal(t, StateComplete, e.State)
}

func TestEntryRejectsSkippedStates(t *testing.T) {
	e := newEntry(domain.ScopeProject, "IDAaaS", cpumetrics.Selector{})

	assert.ErrorIs(t, e.Advance(StateProcessed), ErrInvalidTransition)
	assert.ErrorIs(t, e.Advance(StateComplete), ErrInvalidTransition)
	assert.Equal(t, StateInitialized, e.State)
}

func TestEntryRejectsBackwardTransitions(t *testing.T) {
	e := newEntry(domain.ScopeMachine, "Muon", cpumetrics.Selector{})
	require.NoError(t, e.Advance(StateDownloaded))

	assert.ErrorIs(t, e.Advance(StateDownloaded), ErrInvalidTransition)
	assert.ErrorIs(t, e.Advance(StateInitialized), ErrInvalidTransition)
}

func TestEntryFailsFromAnyNonTerminalState(t *testing.T) {
	cause := errors.New("boom")

	e := newEntry(domain.ScopePlatform, "", cpumetrics.Selector{})
	require.NoError(t, e.Fail(cause))
	assert.Equal(t, StateFailed, e.State)
	assert.Equal(t, cause, e.Err)

	e = newEntry(domain.ScopePlatform, "", cpumetrics.Selector{})
	require.NoError(t, e.Advance(StateDownloaded))
	require.NoError(t, e.Advance(StateProcessed))
	require.NoError(t, e.Fail(cause))
	assert.Equal(t, StateFailed, e.State)
}

func TestEntryTerminalStatesAreFinal(t *testing.T) {
	e := newEntry(domain.ScopeUser, "alice", cpumetrics.Selector{})
	require.NoError(t, e.Fail(errors.New("boom")))
	assert.ErrorIs(t, e.Advance(StateDownloaded), ErrInvalidTransition)

	e = newEntry(domain.ScopeUser, "alice", cpumetrics.Selector{})
	require.NoError(t, e.Advance(StateDownloaded))
	require.NoError(t, e.Advance(StateProcessed))
	require.NoError(t, e.Advance(StateComplete))
	assert.ErrorIs(t, e.Fail(errors.New("late")), ErrInvalidTransition)
}
