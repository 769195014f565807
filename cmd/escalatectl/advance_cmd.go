package main

import (
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/scootdev/escalate/escalate"
	"github.com/scootdev/escalate/internal/cmdutil"
)

// advanceCmd is the hidden subcommand the handler and watcher jobs
// themselves invoke — never a human. It is not listed as part of the CLI
// surface's human-facing verbs, but it is the concrete command
// chain.BootstrapRequest.AdvanceCommand builds for every submitted round.
type advanceCmd struct {
	round int
}

func (c *advanceCmd) registerFlags() *cobra.Command {
	cmd := &cobra.Command{
		Use:    "advance <chain_id>",
		Short:  "re-enter the escalation state machine for one round (invoked by the scheduler)",
		Args:   cobra.ExactArgs(1),
		Hidden: true,
	}
	cmd.Flags().IntVar(&c.round, "round", -1, "round number this invocation is resolving")
	return cmd
}

func (c *advanceCmd) run(cl *escalatectlClient, cmd *cobra.Command, args []string) error {
	chainID := args[0]
	if c.round < 0 {
		return cmdutil.NewExitError(errors.New("advance: --round is required"), 2)
	}

	cfg, err := cl.loadConfig()
	if err != nil {
		return cmdutil.NewExitError(errors.Wrap(err, "advance: load config"), 1)
	}
	store, _, err := cl.storeWithMirror(cfg)
	if err != nil {
		return cmdutil.NewExitError(errors.Wrap(err, "advance: open checkpoint store"), 1)
	}
	evlog, err := cl.eventLog()
	if err != nil {
		return cmdutil.NewExitError(errors.Wrap(err, "advance: open event log"), 1)
	}
	advanceCommand, err := cl.advanceCommand()
	if err != nil {
		return cmdutil.NewExitError(err, 1)
	}

	engine := &escalate.Engine{
		Store:          store,
		Gateway:        cl.gateway(),
		EventLog:       evlog,
		SettleDelay:    time.Duration(cfg.SacctSettleDelaySec) * time.Second,
		MaxSpecLen:     cfg.MaxArraySpecLen,
		Overrides:      cfg.Overrides,
		AdvanceCommand: advanceCommand,
	}

	if err := engine.Advance(cmd.Context(), chainID, c.round); err != nil {
		return cmdutil.NewExitError(errors.Wrapf(err, "advance: chain %s round %d", chainID, c.round), 1)
	}
	return nil
}
