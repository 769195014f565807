package escalate

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"github.com/scootdev/escalate/checkpoint"
	"github.com/scootdev/escalate/gateway"
	"github.com/scootdev/escalate/indexspec"
)

// BuildRound constructs the next round's checkpoint record, deterministic
// from its inputs and carrying no job ids yet. It is safe to recompute: two
// calls with the same arguments produce byte-identical rounds, which is
// what makes the crash-before-submit recovery path in Engine.Advance safe
// to retry.
func BuildRound(ladder checkpoint.Ladder, axis checkpoint.Axis, levelIndex, number int, indices []int) (checkpoint.Round, error) {
	if levelIndex > ladder.MaxLevel(axis) {
		return checkpoint.Round{}, errors.Errorf("escalate: level %d exceeds max %d for axis %q", levelIndex, ladder.MaxLevel(axis), axis)
	}
	level := ladder.At(axis, levelIndex)
	sorted := append([]int(nil), indices...)
	return checkpoint.Round{
		Number:     number,
		Axis:       axis,
		LevelIndex: levelIndex,
		Memory:     level.Memory,
		WallTime:   level.WallTime,
		Partitions: level.Partitions,
		ArraySpec:  indexspec.Compress(sorted),
		IndexSet:   sorted,
		State:      checkpoint.RoundPending,
	}, nil
}

// nextLevelForAxis computes the level a retryable outcome on outcomeAxis
// should escalate to, given the round that produced the failures. If the
// producing round was already climbing outcomeAxis, it advances by one;
// otherwise this is the first escalation along that axis for this branch
// and starts at level 1 (level 0 is the baseline every round, including
// round 0, already ran at).
func nextLevelForAxis(producingRound checkpoint.Round, outcomeAxis checkpoint.Axis) int {
	if producingRound.Axis == outcomeAxis {
		return producingRound.LevelIndex + 1
	}
	return 1
}

// MaxSpecLen is the default ceiling on a submitted array spec's character
// length, matching max_array_spec_len's documented default (spec.md §6).
const MaxSpecLen = 10000

// SubmitRound submits every batch of round.IndexSet through gw, then
// records the resulting job ids, handler job id, and watcher job id back
// onto the in-memory round. It does not touch the checkpoint — callers
// persist the result via checkpoint.Store. Calling this twice for the same
// logical round with the same inputs is safe: it always recomputes
// identical batches and submits fresh jobs, so the only unsafe case is
// calling it after job ids were already recorded in the checkpoint, which
// Engine.Advance guards against before ever reaching here.
func SubmitRound(ctx context.Context, gw gateway.Gateway, chain *checkpoint.Chain, round checkpoint.Round, maxSpecLen int, advanceCommand func(chainID string, roundNumber int) (script string, args []string)) (checkpoint.Round, error) {
	if maxSpecLen <= 0 {
		maxSpecLen = MaxSpecLen
	}
	batches, err := indexspec.Batch(round.IndexSet, maxSpecLen)
	if err != nil {
		return round, errors.Wrapf(err, "escalate: batch round %d of chain %s", round.Number, chain.ID)
	}

	res := gateway.Resources{
		Partitions: round.Partitions,
		Memory:     round.Memory,
		WallTime:   round.WallTime,
		OutputPath: fmt.Sprintf("%s.round%d.%%A_%%a.out", chain.ID, round.Number),
		ErrorPath:  fmt.Sprintf("%s.round%d.%%A_%%a.err", chain.ID, round.Number),
		Throttle:   chain.Throttle,
	}
	env := make([]gateway.EnvBinding, 0, len(chain.Env))
	for _, e := range chain.Env {
		env = append(env, gateway.EnvBinding{Key: e.Key, Value: e.Value})
	}

	var jobIDs []string
	for _, batch := range batches {
		spec := indexspec.Compress(batch)
		jobID, err := gw.Submit(ctx, spec, res, chain.Script, chain.Args, env, gateway.Dependency{})
		if err != nil {
			return round, errors.Wrapf(err, "escalate: submit batch of round %d of chain %s", round.Number, chain.ID)
		}
		jobIDs = append(jobIDs, jobID)
	}
	round.JobIDs = jobIDs

	script, args := advanceCommand(chain.ID, round.Number)
	handlerJobID, err := gw.Submit(ctx, "0", gateway.Resources{Memory: "256M", WallTime: "00:10:00"}, script, args, nil, gw.DepOnFailure(jobIDs))
	if err != nil {
		return round, errors.Wrapf(err, "escalate: submit handler for round %d of chain %s", round.Number, chain.ID)
	}
	round.HandlerJobID = handlerJobID

	watcherJobID, err := gw.Submit(ctx, "0", gateway.Resources{Memory: "256M", WallTime: "00:10:00"}, script, args, nil, gw.DepOnSuccess(jobIDs))
	if err != nil {
		return round, errors.Wrapf(err, "escalate: submit watcher for round %d of chain %s", round.Number, chain.ID)
	}
	round.WatcherJobID = watcherJobID

	round.State = checkpoint.RoundRunning
	return round, nil
}
