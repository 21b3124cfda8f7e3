package watchdog

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"

	"github.com/flotilla-io/flotilla/src/backend"
	"github.com/flotilla-io/flotilla/src/store"
	"github.com/flotilla-io/flotilla/src/types"
	"github.com/flotilla-io/flotilla/src/utils"
)

// Candidate reports whether a backend is a termination candidate at the
// evaluation instant asOf. Both comparisons are strict: a backend exactly at
// its expiration time or exactly at its idle budget is not yet a candidate,
// so tick alignment never terminates prematurely.
func Candidate(b types.BackendRow, asOf time.Time) bool {
	if b.ExpirationTime != nil && b.ExpirationTime.Before(asOf) {
		return true
	}
	if b.AllowedIdleSeconds != nil {
		allowed := time.Duration(*b.AllowedIdleSeconds) * time.Second
		if asOf.Sub(b.LastKeepalive) > allowed {
			return true
		}
	}
	return false
}

// ShouldEscalate reports whether a soft-terminated backend has outlived the
// grace deadline and must be hard-terminated to guarantee reclamation.
// A grace of zero disables escalation.
func ShouldEscalate(b types.BackendRow, asOf time.Time, grace time.Duration) bool {
	if grace <= 0 || b.Status != types.BackendTerminating || b.TerminatingSince == nil {
		return false
	}
	return asOf.Sub(*b.TerminatingSince) > grace
}

// Action is what one sweep pass does with one backend.
type Action int

const (
	ActionNone Action = iota
	ActionSoft
	ActionHard
)

// SweepAction decides the sweep's action for one backend. Backends already in
// Terminating or HardTerminating are always re-signaled: the terminate
// publish that moved them there can be lost, and without a re-send they would
// sit in that state forever. Re-sending is safe since drone stops are
// idempotent.
func SweepAction(b types.BackendRow, asOf time.Time, grace time.Duration) Action {
	switch {
	case b.Status.Terminal():
		return ActionNone
	case b.Status == types.BackendHardTerminating:
		return ActionHard
	case b.Status == types.BackendTerminating:
		if ShouldEscalate(b, asOf, grace) {
			return ActionHard
		}
		return ActionSoft
	case Candidate(b, asOf):
		return ActionSoft
	default:
		return ActionNone
	}
}

// Watchdog periodically sweeps the backend registry, soft-terminating
// expired and idle backends and escalating ones stuck in Terminating.
type Watchdog struct {
	store    *store.Store
	backends *backend.Registry
	logger   *utils.StandardLogger
	cronSpec string
	grace    time.Duration
}

func New(st *store.Store, backends *backend.Registry, logger *utils.StandardLogger, cronSpec string, grace time.Duration) *Watchdog {
	return &Watchdog{
		store:    st,
		backends: backends,
		logger:   logger,
		cronSpec: cronSpec,
		grace:    grace,
	}
}

// Run sweeps on the configured cron cadence until ctx is cancelled.
func (w *Watchdog) Run(ctx context.Context) error {
	parser := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, err := parser.Parse(w.cronSpec)
	if err != nil {
		return fmt.Errorf("failed to parse watchdog cron spec %q: %w", w.cronSpec, err)
	}

	for {
		next := schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
			if err := w.Sweep(ctx); err != nil {
				w.logger.Errorw("Watchdog sweep failed", "error", err)
			}
		}
	}
}

// Sweep evaluates every non-terminal backend once. Per-backend failures are
// collected so one bad row never stops the rest of the sweep.
func (w *Watchdog) Sweep(ctx context.Context) error {
	asOf := time.Now().UTC()
	backends, err := w.store.ListBackends(ctx)
	if err != nil {
		return err
	}

	var errs error
	for _, b := range backends {
		switch SweepAction(b, asOf, w.grace) {
		case ActionHard:
			w.logger.Warnw("Hard terminating backend", "backend_id", b.ID, "status", b.Status.String())
			errs = multierr.Append(errs, w.backends.Terminate(ctx, b.ID, true))
		case ActionSoft:
			w.logger.Infow("Soft terminating backend", "backend_id", b.ID, "status", b.Status.String())
			errs = multierr.Append(errs, w.backends.Terminate(ctx, b.ID, false))
		}
	}
	return errs
}

// CandidatesForDrone returns the reclamation view for every non-terminal
// backend on a drone that carries an expiration or idle budget, evaluated at
// a single instant.
func (w *Watchdog) CandidatesForDrone(ctx context.Context, droneID string) ([]types.TerminationCandidate, error) {
	asOf := time.Now().UTC()
	ids, err := w.store.ListDroneBackends(ctx, droneID)
	if err != nil {
		return nil, err
	}

	candidates := make([]types.TerminationCandidate, 0, len(ids))
	for _, id := range ids {
		row, err := w.store.GetBackend(ctx, id)
		if err != nil {
			return nil, err
		}
		if row == nil || row.Status.Terminal() {
			continue
		}
		if row.ExpirationTime == nil && row.AllowedIdleSeconds == nil {
			continue
		}
		candidates = append(candidates, types.TerminationCandidate{
			BackendID:          row.ID,
			AsOf:               asOf,
			ExpirationTime:     row.ExpirationTime,
			AllowedIdleSeconds: row.AllowedIdleSeconds,
			LastKeepalive:      row.LastKeepalive,
		})
	}
	return candidates, nil
}
