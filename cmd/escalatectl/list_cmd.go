package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/scootdev/escalate/chain"
	"github.com/scootdev/escalate/internal/cmdutil"
)

type listCmd struct{}

func (c *listCmd) registerFlags() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "list known chains and their current state",
		Args:  cobra.NoArgs,
	}
}

func (c *listCmd) run(cl *escalatectlClient, cmd *cobra.Command, args []string) error {
	store, err := cl.store()
	if err != nil {
		return cmdutil.NewExitError(errors.Wrap(err, "list: open checkpoint store"), 1)
	}
	summaries, err := chain.List(store)
	if err != nil {
		return cmdutil.NewExitError(errors.Wrap(err, "list: load chains"), 1)
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CHAIN_ID\tSTATE\tSCRIPT\tROUNDS\tLAST_ROUND\tCREATED")
	for _, s := range summaries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
			s.ID, s.State, s.Script, s.NumRounds, s.LastRound, s.CreatedAt.Format("2006-01-02 15:04:05"))
	}
	return tw.Flush()
}
