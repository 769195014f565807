// Package chain is the user-facing entry point: given a script, its
// arguments, an initial index set, and a ladder, it creates a chain,
// submits round 0, and wires up the failure handler and success watcher
// that drive every subsequent round through the escalate package. It also
// renders chain status for the CLI.
package chain

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/scootdev/escalate/checkpoint"
	"github.com/scootdev/escalate/escalate"
	"github.com/scootdev/escalate/eventlog"
	"github.com/scootdev/escalate/gateway"
)

// BootstrapRequest bundles everything Bootstrap needs to start a new chain.
type BootstrapRequest struct {
	Script     string
	Args       []string
	Env        []checkpoint.EnvBinding
	Indices    []int
	Ladder     checkpoint.Ladder
	Throttle   int
	MaxSpecLen int

	AdvanceCommand func(chainID string, roundNumber int) (script string, args []string)
}

// NewChainID generates a chain id in the YYYYMMDD-HHMMSS-<4 random
// lower-alphanum> format.
func NewChainID(now time.Time) string {
	suffix := uuid.NewString()[:4]
	return fmt.Sprintf("%s-%s", now.Format("20060102-150405"), suffix)
}

// Bootstrap creates a new chain, submits round 0 through the scheduler
// gateway, and persists the result. It does not wait for round 0 to reach a
// terminal state; the returned chain is RUNNING with round 0 already
// submitted and its handler/watcher already in the queue.
func Bootstrap(ctx context.Context, store *checkpoint.Store, gw gateway.Gateway, evlog *eventlog.Log, now time.Time, req BootstrapRequest) (*checkpoint.Chain, error) {
	if len(req.Indices) == 0 {
		return nil, errors.New("chain: bootstrap requires a nonempty index set")
	}
	round0, err := escalate.BuildRound(req.Ladder, checkpoint.AxisNone, 0, 0, req.Indices)
	if err != nil {
		return nil, errors.Wrap(err, "chain: build round 0")
	}

	c := &checkpoint.Chain{
		ID:           NewChainID(now),
		Script:       req.Script,
		Args:         req.Args,
		Env:          req.Env,
		Throttle:     req.Throttle,
		FullIndexSet: append([]int(nil), req.Indices...),
		Ladder:       req.Ladder,
		CreatedAt:    now,
		UpdatedAt:    now,
		State:        checkpoint.ChainRunning,
		Rounds:       []checkpoint.Round{round0},
	}
	if err := store.Create(c); err != nil {
		return nil, errors.Wrapf(err, "chain: create checkpoint for %s", c.ID)
	}

	submitted, err := escalate.SubmitRound(ctx, gw, c, round0, req.MaxSpecLen, req.AdvanceCommand)
	if err != nil {
		return nil, errors.Wrapf(err, "chain: submit round 0 for %s", c.ID)
	}
	state := submitted.State
	if err := store.UpdateRound(c.ID, 0, checkpoint.RoundUpdate{
		State:        &state,
		JobIDs:       submitted.JobIDs,
		HandlerJobID: &submitted.HandlerJobID,
		WatcherJobID: &submitted.WatcherJobID,
	}); err != nil {
		return nil, errors.Wrapf(err, "chain: record round 0 submission for %s", c.ID)
	}

	if evlog != nil {
		if err := evlog.Append(c.ID, eventlog.ActionSubmit, "", 0, req.Indices); err != nil {
			log.WithError(err).WithField("chain", c.ID).Warn("chain: event log append failed")
		}
	}

	return store.Load(c.ID)
}

// Status returns the current checkpoint state for chainID.
func Status(store *checkpoint.Store, chainID string) (*checkpoint.Chain, error) {
	return store.Load(chainID)
}

// List returns a summary of every chain the store knows about.
func List(store *checkpoint.Store) ([]checkpoint.ChainSummary, error) {
	return store.ListAll()
}

// CancelChain best-effort cancels every outstanding job (batch, handler, and
// watcher) across every non-terminal round of chainID, then marks the chain
// FAILED_NOT_RETRIED. Per spec, pending handlers whose predecessor job was
// cancelled become unreachable on their own; this sweeps them explicitly
// instead of waiting for a future handler invocation that will now never
// happen.
func CancelChain(ctx context.Context, store *checkpoint.Store, gw gateway.Gateway, chainID string) error {
	c, err := store.Load(chainID)
	if err != nil {
		return err
	}
	if c.State.Terminal() {
		return nil
	}

	var jobIDs []string
	for _, r := range c.Rounds {
		if r.State == checkpoint.RoundCompleted || r.State == checkpoint.RoundEscalating || r.State == checkpoint.RoundTerminalFail {
			continue
		}
		jobIDs = append(jobIDs, r.JobIDs...)
		if r.HandlerJobID != "" {
			jobIDs = append(jobIDs, r.HandlerJobID)
		}
		if r.WatcherJobID != "" {
			jobIDs = append(jobIDs, r.WatcherJobID)
		}
	}
	if len(jobIDs) > 0 {
		if err := gw.Cancel(ctx, jobIDs...); err != nil {
			log.WithError(err).WithField("chain", chainID).Warn("chain: cancel failed")
		}
	}

	return store.MarkFailed(chainID, checkpoint.ChainFailedNotRetried, "cancelled by user", nil, nil)
}

// Watch polls Status every interval and calls render with each snapshot,
// returning once the chain reaches a terminal state or ctx is cancelled.
func Watch(ctx context.Context, store *checkpoint.Store, chainID string, interval time.Duration, render func(*checkpoint.Chain)) error {
	for {
		c, err := Status(store, chainID)
		if err != nil {
			return err
		}
		render(c)
		if c.State.Terminal() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}
