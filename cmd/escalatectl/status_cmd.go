package main

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/scootdev/escalate/chain"
	"github.com/scootdev/escalate/checkpoint"
	"github.com/scootdev/escalate/internal/cmdutil"
	"github.com/scootdev/escalate/internal/metrics"
)

type statusCmd struct {
	watch        bool
	watchSeconds int
	report       bool
}

func (c *statusCmd) registerFlags() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <chain_id>",
		Short: "show a chain's current round-by-round status",
		Args:  cobra.ExactArgs(1),
	}
	cmd.Flags().BoolVar(&c.watch, "watch", false, "keep polling until the chain reaches a terminal state")
	cmd.Flags().IntVar(&c.watchSeconds, "watch-interval", 5, "seconds between polls when --watch is set")
	cmd.Flags().BoolVar(&c.report, "report", false, "render a markdown report with per-task detail and, if logging is enabled, the action timeline")
	return cmd
}

func (c *statusCmd) run(cl *escalatectlClient, cmd *cobra.Command, args []string) error {
	chainID := args[0]
	store, err := cl.store()
	if err != nil {
		return cmdutil.NewExitError(errors.Wrap(err, "status: open checkpoint store"), 1)
	}

	if c.report {
		cfg, err := cl.loadConfig()
		if err != nil {
			return cmdutil.NewExitError(errors.Wrap(err, "status: load config"), 1)
		}
		got, err := chain.Status(store, chainID)
		if err != nil {
			return cmdutil.NewExitError(errors.Wrapf(err, "status: load chain %s", chainID), 1)
		}
		mirror, err := cl.mirror(cfg)
		if err != nil {
			return cmdutil.NewExitError(errors.Wrap(err, "status: open sqlite mirror"), 1)
		}
		if mirror != nil {
			defer mirror.Close()
		}
		chain.RenderReport(cmd.OutOrStdout(), got, mirror, true)
		return nil
	}

	if !c.watch {
		got, err := chain.Status(store, chainID)
		if err != nil {
			return cmdutil.NewExitError(errors.Wrapf(err, "status: load chain %s", chainID), 1)
		}
		chain.RenderStatus(cmd.OutOrStdout(), got)
		return nil
	}

	interval := time.Duration(c.watchSeconds) * time.Second
	out := cmd.OutOrStdout()
	render := func(got *checkpoint.Chain) {
		chain.RenderStatus(out, got)
	}
	// --watch runs for the chain's whole lifetime rather than once-and-exit,
	// so a plain StatsReceiver would accumulate every poll's latency into a
	// histogram that only ever gets rendered on the PersistentPostRun at the
	// very end. Latch it to the poll interval instead, so each render below
	// shows what happened since the last poll, not since the process began.
	if cl.printStats {
		latched, cancel := metrics.NewLatchedStatsReceiver(interval)
		statsOut := cmd.ErrOrStderr()
		prev := cl.stats
		cl.stats = latched
		defer func() { cancel(); cl.stats = prev }()
		render = func(got *checkpoint.Chain) {
			chain.RenderStatus(out, got)
			fmt.Fprintln(statsOut, string(latched.Render(true)))
		}
	}
	err = chain.Watch(cmd.Context(), store, chainID, interval, render)
	if err != nil {
		return cmdutil.NewExitError(errors.Wrapf(err, "status: watch chain %s", chainID), 1)
	}
	return nil
}
