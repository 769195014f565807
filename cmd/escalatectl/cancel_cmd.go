package main

import (
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/scootdev/escalate/chain"
	"github.com/scootdev/escalate/internal/cmdutil"
)

type cancelCmd struct{}

func (c *cancelCmd) registerFlags() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <chain_id>",
		Short: "cancel every outstanding job in a chain and mark it not retried",
		Args:  cobra.ExactArgs(1),
	}
}

func (c *cancelCmd) run(cl *escalatectlClient, cmd *cobra.Command, args []string) error {
	chainID := args[0]
	// A terminal chain has nothing left to cancel: answer before loading
	// config or building a gateway.
	if plain, err := cl.store(); err == nil {
		if got, err := chain.Status(plain, chainID); err == nil && got.State.Terminal() {
			return nil
		}
	}
	cfg, err := cl.loadConfig()
	if err != nil {
		return cmdutil.NewExitError(errors.Wrap(err, "cancel: load config"), 1)
	}
	store, _, err := cl.storeWithMirror(cfg)
	if err != nil {
		return cmdutil.NewExitError(errors.Wrap(err, "cancel: open checkpoint store"), 1)
	}
	if err := chain.CancelChain(cmd.Context(), store, cl.gateway(), chainID); err != nil {
		return cmdutil.NewExitError(errors.Wrapf(err, "cancel: chain %s", chainID), 1)
	}
	return nil
}
