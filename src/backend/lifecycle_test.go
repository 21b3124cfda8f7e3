package backend

import (
	"testing"

	"github.com/flotilla-io/flotilla/src/types"
)

func TestShouldApplyStrictlyGreater(t *testing.T) {
	cases := []struct {
		current, incoming types.BackendStatus
		want              bool
	}{
		{types.BackendScheduled, types.BackendStarting, true},
		{types.BackendStarting, types.BackendReady, true},
		{types.BackendReady, types.BackendTerminating, true},
		{types.BackendReady, types.BackendHardTerminating, true},
		{types.BackendTerminating, types.BackendHardTerminating, true},
		{types.BackendTerminating, types.BackendTerminated, true},
		{types.BackendScheduled, types.BackendTerminated, true},

		// Duplicates and regressions are no-ops.
		{types.BackendReady, types.BackendReady, false},
		{types.BackendReady, types.BackendStarting, false},
		{types.BackendHardTerminating, types.BackendTerminating, false},
		{types.BackendTerminated, types.BackendReady, false},
		{types.BackendTerminated, types.BackendTerminated, false},
	}
	for _, c := range cases {
		if got := ShouldApply(c.current, c.incoming); got != c.want {
			t.Errorf("ShouldApply(%s, %s) = %v, want %v", c.current, c.incoming, got, c.want)
		}
	}
}

// Applying the same reports in any order, with duplicates, must converge to
// the same final state as applying them once in order.
func TestApplyOrderConvergence(t *testing.T) {
	reports := []types.BackendStatus{
		types.BackendStarting,
		types.BackendReady,
		types.BackendTerminating,
		types.BackendTerminated,
	}

	fold := func(order []types.BackendStatus) types.BackendStatus {
		state := types.BackendScheduled
		for _, r := range order {
			if ShouldApply(state, r) {
				state = r
			}
		}
		return state
	}

	want := fold(reports)

	shuffles := [][]types.BackendStatus{
		{types.BackendTerminated, types.BackendReady, types.BackendStarting, types.BackendTerminating},
		{types.BackendReady, types.BackendReady, types.BackendStarting, types.BackendTerminated, types.BackendTerminating},
		{types.BackendTerminating, types.BackendTerminated, types.BackendTerminated, types.BackendStarting, types.BackendReady},
	}
	for i, order := range shuffles {
		if got := fold(order); got != want {
			t.Errorf("order %d converged to %s, want %s", i, got, want)
		}
	}
}
