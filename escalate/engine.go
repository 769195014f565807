// Package escalate implements the escalation state machine: given a
// round's resolved job id(s), classify outcomes, decide whether the chain
// is done, and if not, build and submit the next round at the next ladder
// level. It never talks to the scheduler or the checkpoint directly except
// through gateway.Gateway and checkpoint.Store, so it can be driven by a
// fake of either in tests.
package escalate

import (
	"context"
	"sort"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/scootdev/escalate/checkpoint"
	"github.com/scootdev/escalate/classify"
	"github.com/scootdev/escalate/eventlog"
	"github.com/scootdev/escalate/gateway"
)

// Engine is the escalation decision procedure, holding everything it needs
// to classify a resolved round and act on the result.
type Engine struct {
	Store       *checkpoint.Store
	Gateway     gateway.Gateway
	EventLog    *eventlog.Log // nil disables event logging
	SettleDelay time.Duration
	MaxSpecLen  int
	Overrides   classify.Overrides

	// AdvanceCommand returns the script and argument vector a handler or
	// watcher job should run to re-enter Advance for (chainID, roundNumber).
	// Supplied by the caller (cmd/escalatectl) so this package stays
	// decoupled from the CLI binary's own path.
	AdvanceCommand func(chainID string, roundNumber int) (script string, args []string)
}

// Advance is the entry point invoked by a handler or watcher job once a
// round's submission(s) have reached a terminal state. It is safe to call
// more than once for the same (chainID, roundNumber): every write it makes
// is guarded by a check of the checkpoint's current state, so a second,
// racing invocation — expected whenever a round was batched and both the
// handler and watcher fire via the any-outcome dependency — is a no-op.
func (e *Engine) Advance(ctx context.Context, chainID string, roundNumber int) error {
	chain, err := e.Store.Load(chainID)
	if err != nil {
		return err
	}
	if chain.State.Terminal() {
		return nil
	}

	// Idempotent recovery: a prior invocation may have appended the next
	// round to the checkpoint but crashed before submitting it. Finish that
	// submission instead of reclassifying this round a second time.
	if next := chain.RoundByNumber(roundNumber + 1); next != nil && next.State == checkpoint.RoundPending && len(next.JobIDs) == 0 {
		return e.submitAndRecord(ctx, chain, *next)
	}

	round := chain.RoundByNumber(roundNumber)
	if round == nil {
		return errors.Errorf("escalate: chain %s has no round %d", chainID, roundNumber)
	}
	if round.State == checkpoint.RoundCompleted || round.State == checkpoint.RoundEscalating || round.State == checkpoint.RoundTerminalFail {
		return nil // already resolved by a racing handler/watcher invocation
	}

	outcomes, err := e.classifyRound(ctx, *round)
	if err != nil {
		return errors.Wrapf(err, "escalate: classify round %d of chain %s", roundNumber, chainID)
	}
	c := classify.Classify(outcomes, e.Overrides)
	tasks := toTaskRecords(outcomes)
	counts := checkpoint.RoundCounts{
		Completed: len(c.Completed),
		OOM:       len(c.OOM),
		Timeout:   len(c.Timeout),
		Other:     len(c.Other),
	}

	nextNumber := highestRoundNumber(chain) + 1
	var planned []checkpoint.Round
	var failedAtMax bool
	var failReason string
	var residualOOM, residualTimeout []int

	if chain.Ladder.Mode == checkpoint.ModeLevels {
		// Both outcome buckets climb the same ladder together, so they share
		// a single next round rather than spawning one per axis.
		retry := append(append([]int{}, c.OOM...), c.Timeout...)
		sort.Ints(retry)
		if len(retry) > 0 {
			r, atMax, err := e.planAxis(chain, *round, checkpoint.AxisNone, retry, nextNumber)
			if err != nil {
				return err
			}
			if atMax {
				failedAtMax = true
				residualOOM = c.OOM
				residualTimeout = c.Timeout
			} else {
				planned = append(planned, r)
				nextNumber++
			}
		}
	} else {
		if len(c.OOM) > 0 {
			r, atMax, err := e.planAxis(chain, *round, checkpoint.AxisMemory, c.OOM, nextNumber)
			if err != nil {
				return err
			}
			if atMax {
				failedAtMax = true
				residualOOM = append(residualOOM, c.OOM...)
			} else {
				planned = append(planned, r)
				nextNumber++
			}
		}
		if len(c.Timeout) > 0 {
			r, atMax, err := e.planAxis(chain, *round, checkpoint.AxisTime, c.Timeout, nextNumber)
			if err != nil {
				return err
			}
			if atMax {
				failedAtMax = true
				residualTimeout = append(residualTimeout, c.Timeout...)
			} else {
				planned = append(planned, r)
				nextNumber++
			}
		}
	}

	// The round's final state reflects what actually happened to it, not just
	// that it was processed: a round that spawned a next round is ESCALATING,
	// one whose residuals exhausted the ladder is TERMINAL_FAIL, and only a
	// round with nothing left to retry is COMPLETED.
	resolvedState := checkpoint.RoundCompleted
	switch {
	case failedAtMax:
		resolvedState = checkpoint.RoundTerminalFail
	case len(planned) > 0:
		resolvedState = checkpoint.RoundEscalating
	}
	if err := e.Store.UpdateRound(chainID, roundNumber, checkpoint.RoundUpdate{
		State:  &resolvedState,
		Counts: &counts,
		Tasks:  tasks,
	}); err != nil {
		return errors.Wrapf(err, "escalate: persist classification for round %d of chain %s", roundNumber, chainID)
	}

	if failedAtMax {
		// The ladder is exhausted for at least one axis: the chain can never
		// reach COMPLETED regardless of how any sibling branch resolves, so
		// it ends now rather than waiting on other in-flight branches. Any
		// already-submitted sibling-branch jobs are left running, matching
		// §7's policy of not auto-cancelling in-flight work on a fatal
		// chain-level outcome.
		failReason = "residual OOM/TIMEOUT indices remain after exhausting the ladder"
		return e.finalizeChain(ctx, chainID, true, failReason, residualOOM, residualTimeout)
	}

	for _, r := range planned {
		// sanity check only: escalating never leaves RUNNING
		if apply(chain.State, eventEscalated) != checkpoint.ChainRunning {
			panic("escalate: transition table disagrees with Advance's escalation branch")
		}
		if err := e.Store.AppendRound(chainID, r); err != nil {
			return errors.Wrapf(err, "escalate: append round %d of chain %s", r.Number, chainID)
		}
		if err := e.submitAndRecord(ctx, chain, r); err != nil {
			return err
		}
		e.logEvent(chainID, eventlog.ActionEscalate, "", r.LevelIndex, r.IndexSet)
	}

	if len(planned) > 0 {
		return e.cleanupStale(ctx, chainID)
	}

	if e.branchesStillPending(chainID, roundNumber) {
		if apply(chain.State, eventBranchPending) != checkpoint.ChainRunning {
			panic("escalate: transition table disagrees with Advance's branch-pending path")
		}
		return e.cleanupStale(ctx, chainID)
	}

	return e.finalizeChain(ctx, chainID, false, "", nil, nil)
}

// planAxis decides, for one outcome axis with a nonempty retry set, whether
// the branch advances to a next round or has exhausted its ladder.
func (e *Engine) planAxis(chain *checkpoint.Chain, producingRound checkpoint.Round, axis checkpoint.Axis, indices []int, number int) (checkpoint.Round, bool, error) {
	ladder := chain.Ladder
	effectiveAxis := axis
	if chain.Ladder.Mode == checkpoint.ModeLevels {
		effectiveAxis = checkpoint.AxisNone
	}
	nextLevel := nextLevelForAxis(producingRound, effectiveAxis)
	if chain.Ladder.Mode == checkpoint.ModeLevels {
		// Both OOM and TIMEOUT share one ladder, so the level is driven off
		// the producing round's own level regardless of which axis nominally
		// failed.
		nextLevel = producingRound.LevelIndex + 1
	}
	if nextLevel > ladder.MaxLevel(effectiveAxis) {
		return checkpoint.Round{}, true, nil
	}
	round, err := BuildRound(ladder, effectiveAxis, nextLevel, number, indices)
	if err != nil {
		return checkpoint.Round{}, false, err
	}
	return round, false, nil
}

func (e *Engine) submitAndRecord(ctx context.Context, chain *checkpoint.Chain, round checkpoint.Round) error {
	submitted, err := SubmitRound(ctx, e.Gateway, chain, round, e.MaxSpecLen, e.AdvanceCommand)
	if err != nil {
		return err
	}
	state := submitted.State
	return e.Store.UpdateRound(chain.ID, submitted.Number, checkpoint.RoundUpdate{
		State:        &state,
		JobIDs:       submitted.JobIDs,
		HandlerJobID: &submitted.HandlerJobID,
		WatcherJobID: &submitted.WatcherJobID,
	})
}

// branchesStillPending reports whether any round other than roundNumber is
// still unresolved, meaning a sibling axis branch (independent-axes mode)
// hasn't finished and the overall chain must stay RUNNING.
func (e *Engine) branchesStillPending(chainID string, roundNumber int) bool {
	chain, err := e.Store.Load(chainID)
	if err != nil {
		log.WithError(err).WithField("chain", chainID).Warn("escalate: reload for branch check failed")
		return true // fail safe: don't finalize if we can't be sure
	}
	for _, r := range chain.Rounds {
		if r.Number == roundNumber {
			continue
		}
		if r.State == checkpoint.RoundPending || r.State == checkpoint.RoundRunning {
			return true
		}
	}
	return false
}

func (e *Engine) finalizeChain(ctx context.Context, chainID string, failedAtMax bool, reason string, residualOOM, residualTimeout []int) error {
	chain, err := e.Store.Load(chainID)
	if err != nil {
		return err
	}
	if failedAtMax || len(residualOOM) > 0 || len(residualTimeout) > 0 {
		if apply(chain.State, eventFailedAtMax) != checkpoint.ChainFailedAtMax {
			panic("escalate: transition table disagrees with finalizeChain's failedAtMax branch")
		}
		if err := e.Store.MarkFailed(chainID, checkpoint.ChainFailedAtMax, reason, residualOOM, residualTimeout); err != nil {
			return errors.Wrapf(err, "escalate: mark chain %s failed at max", chainID)
		}
		e.logEvent(chainID, eventlog.ActionFailAtMax, "", 0, append(residualOOM, residualTimeout...))
		return nil
	}
	if apply(chain.State, eventCompleted) != checkpoint.ChainCompleted {
		panic("escalate: transition table disagrees with finalizeChain's completed branch")
	}
	if err := e.Store.MarkCompleted(chainID, completedCount(chainID, e.Store)); err != nil {
		return errors.Wrapf(err, "escalate: mark chain %s completed", chainID)
	}
	e.logEvent(chainID, eventlog.ActionComplete, "", 0, nil)
	return nil
}

func completedCount(chainID string, store *checkpoint.Store) int {
	chain, err := store.Load(chainID)
	if err != nil {
		return 0
	}
	total := 0
	for _, r := range chain.Rounds {
		total += r.Counts.Completed
	}
	return total
}

// classifyRound queries the gateway for every job id of round, after the
// configured settle delay, and aggregates the results.
func (e *Engine) classifyRound(ctx context.Context, round checkpoint.Round) ([]classify.TaskOutcome, error) {
	delay := e.SettleDelay
	if delay == 0 {
		delay = gateway.DefaultSettleDelay
	}
	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	var all []classify.TaskOutcome
	for _, jobID := range round.JobIDs {
		records, err := e.Gateway.Classify(ctx, jobID)
		if err != nil {
			return nil, err
		}
		all = append(all, records...)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Index < all[j].Index })
	return all, nil
}

func toTaskRecords(outcomes []classify.TaskOutcome) []checkpoint.TaskRecord {
	out := make([]checkpoint.TaskRecord, 0, len(outcomes))
	for _, o := range outcomes {
		out = append(out, checkpoint.TaskRecord{
			Index:     o.Index,
			State:     o.State,
			ExitCode:  o.ExitCode,
			ElapsedMS: o.ElapsedMS,
			Node:      o.Node,
			PeakMemKB: o.PeakMemKB,
			OutPath:   o.OutPath,
			ErrPath:   o.ErrPath,
		})
	}
	return out
}

func highestRoundNumber(chain *checkpoint.Chain) int {
	highest := -1
	for _, r := range chain.Rounds {
		if r.Number > highest {
			highest = r.Number
		}
	}
	return highest
}

func (e *Engine) logEvent(chainID string, action eventlog.Action, jobID string, level int, indexSet []int) {
	if e.EventLog == nil {
		return
	}
	if err := e.EventLog.Append(chainID, action, jobID, level, indexSet); err != nil {
		log.WithError(err).WithField("chain", chainID).Warn("escalate: event log append failed")
	}
}

// cleanupStale cancels handler/watcher jobs recorded on already-resolved
// rounds that are still sitting in the scheduler queue, so a chain's
// escalation history doesn't leave zombie pending jobs behind once their
// dependency can never fire again.
func (e *Engine) cleanupStale(ctx context.Context, chainID string) error {
	chain, err := e.Store.Load(chainID)
	if err != nil {
		return err
	}
	var stale []string
	for _, r := range chain.Rounds {
		if r.State != checkpoint.RoundCompleted && r.State != checkpoint.RoundEscalating && r.State != checkpoint.RoundTerminalFail {
			continue
		}
		if r.HandlerJobID != "" {
			stale = append(stale, r.HandlerJobID)
		}
		if r.WatcherJobID != "" {
			stale = append(stale, r.WatcherJobID)
		}
	}
	if len(stale) == 0 {
		return nil
	}
	live, err := e.Gateway.ListUserJobs(ctx)
	if err != nil {
		log.WithError(err).WithField("chain", chainID).Warn("escalate: list user jobs failed, skipping stale handler cleanup")
		return nil
	}
	liveSet := make(map[string]bool, len(live))
	for _, j := range live {
		liveSet[j.JobID] = true
	}
	var toCancel []string
	for _, id := range stale {
		if liveSet[id] {
			toCancel = append(toCancel, id)
		}
	}
	if len(toCancel) == 0 {
		return nil
	}
	if err := e.Gateway.Cancel(ctx, toCancel...); err != nil {
		log.WithError(err).WithField("chain", chainID).Warn("escalate: stale handler cancel failed")
	}
	return nil
}
