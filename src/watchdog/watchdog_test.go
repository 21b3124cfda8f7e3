package watchdog

import (
	"testing"
	"time"

	"github.com/flotilla-io/flotilla/src/types"
)

func TestCandidateIdleBoundaryIsStrict(t *testing.T) {
	asOf := time.Now().UTC()
	idle := 500

	atBoundary := types.BackendRow{
		ID:                 "b-1",
		Status:             types.BackendReady,
		AllowedIdleSeconds: &idle,
		LastKeepalive:      asOf.Add(-500 * time.Second),
	}
	if Candidate(atBoundary, asOf) {
		t.Fatal("a backend exactly at its idle budget is not yet a candidate")
	}

	pastBoundary := atBoundary
	pastBoundary.LastKeepalive = asOf.Add(-501 * time.Second)
	if !Candidate(pastBoundary, asOf) {
		t.Fatal("a backend one second past its idle budget is a candidate")
	}
}

func TestCandidateExpirationIsStrict(t *testing.T) {
	asOf := time.Now().UTC()

	atExpiry := asOf
	notYet := types.BackendRow{ID: "b-1", Status: types.BackendReady, ExpirationTime: &atExpiry, LastKeepalive: asOf}
	if Candidate(notYet, asOf) {
		t.Fatal("a backend exactly at its expiration time is not yet a candidate")
	}

	past := asOf.Add(-time.Millisecond)
	expired := types.BackendRow{ID: "b-1", Status: types.BackendReady, ExpirationTime: &past, LastKeepalive: asOf}
	if !Candidate(expired, asOf) {
		t.Fatal("a backend past its expiration time is a candidate")
	}
}

func TestCandidateWithoutBudgets(t *testing.T) {
	asOf := time.Now().UTC()
	b := types.BackendRow{ID: "b-1", Status: types.BackendReady, LastKeepalive: asOf.Add(-24 * time.Hour)}
	if Candidate(b, asOf) {
		t.Fatal("a backend with no budgets never becomes a candidate")
	}
}

func TestShouldEscalate(t *testing.T) {
	asOf := time.Now().UTC()
	grace := time.Minute
	since := asOf.Add(-2 * time.Minute)

	stuck := types.BackendRow{ID: "b-1", Status: types.BackendTerminating, TerminatingSince: &since}
	if !ShouldEscalate(stuck, asOf, grace) {
		t.Fatal("a backend past the grace deadline must escalate")
	}

	recent := asOf.Add(-30 * time.Second)
	draining := types.BackendRow{ID: "b-1", Status: types.BackendTerminating, TerminatingSince: &recent}
	if ShouldEscalate(draining, asOf, grace) {
		t.Fatal("a backend within the grace deadline must not escalate")
	}

	if ShouldEscalate(stuck, asOf, 0) {
		t.Fatal("zero grace disables escalation")
	}

	hard := types.BackendRow{ID: "b-1", Status: types.BackendHardTerminating, TerminatingSince: &since}
	if ShouldEscalate(hard, asOf, grace) {
		t.Fatal("already hard-terminating backends are not re-escalated")
	}
}

// Backends already moving toward termination must keep being signaled: the
// terminate publish is fire-and-forget, and a backend whose command was lost
// would otherwise never be reclaimed.
func TestSweepActionResignalsStuckBackends(t *testing.T) {
	asOf := time.Now().UTC()
	grace := time.Minute
	pastGrace := asOf.Add(-2 * time.Minute)
	withinGrace := asOf.Add(-10 * time.Second)
	idle := 500

	cases := []struct {
		name string
		row  types.BackendRow
		want Action
	}{
		{
			name: "hard-terminating is re-signaled hard",
			row:  types.BackendRow{ID: "b-1", Status: types.BackendHardTerminating, TerminatingSince: &pastGrace},
			want: ActionHard,
		},
		{
			name: "terminating past grace escalates",
			row:  types.BackendRow{ID: "b-1", Status: types.BackendTerminating, TerminatingSince: &pastGrace},
			want: ActionHard,
		},
		{
			name: "terminating within grace is re-signaled soft",
			row:  types.BackendRow{ID: "b-1", Status: types.BackendTerminating, TerminatingSince: &withinGrace},
			want: ActionSoft,
		},
		{
			name: "idle candidate is soft terminated",
			row: types.BackendRow{
				ID:                 "b-1",
				Status:             types.BackendReady,
				AllowedIdleSeconds: &idle,
				LastKeepalive:      asOf.Add(-501 * time.Second),
			},
			want: ActionSoft,
		},
		{
			name: "live backend within budgets is left alone",
			row: types.BackendRow{
				ID:                 "b-1",
				Status:             types.BackendReady,
				AllowedIdleSeconds: &idle,
				LastKeepalive:      asOf,
			},
			want: ActionNone,
		},
		{
			name: "terminated backend is left alone",
			row:  types.BackendRow{ID: "b-1", Status: types.BackendTerminated, TerminatingSince: &pastGrace},
			want: ActionNone,
		},
	}
	for _, c := range cases {
		if got := SweepAction(c.row, asOf, grace); got != c.want {
			t.Errorf("%s: SweepAction = %d, want %d", c.name, got, c.want)
		}
	}
}
