package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/scootdev/escalate/chain"
	"github.com/scootdev/escalate/checkpoint"
	"github.com/scootdev/escalate/indexspec"
	"github.com/scootdev/escalate/internal/cmdutil"
)

type submitCmd struct {
	arraySpec string
	throttle  int
	export    string
}

func (c *submitCmd) registerFlags() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit <script> [script-args...]",
		Short: "start a new escalation chain",
		Args:  cobra.MinimumNArgs(1),
	}
	cmd.Flags().StringVar(&c.arraySpec, "array", "", "index set to submit, e.g. 0-999 or 0,5,10-20:2 (required)")
	cmd.Flags().IntVar(&c.throttle, "throttle", 0, "cap on simultaneously running array tasks (0 = unlimited)")
	cmd.Flags().StringVar(&c.export, "export", "", "colon-separated KEY=VALUE environment bindings")
	return cmd
}

func (c *submitCmd) run(cl *escalatectlClient, cmd *cobra.Command, args []string) error {
	if c.arraySpec == "" {
		return cmdutil.NewExitError(errors.New("submit: --array is required"), 2)
	}
	indices, err := indexspec.Expand(c.arraySpec)
	if err != nil {
		return cmdutil.NewExitError(errors.Wrap(err, "submit: invalid --array"), 2)
	}

	cfg, err := cl.loadConfig()
	if err != nil {
		return cmdutil.NewExitError(errors.Wrap(err, "submit: load config"), 2)
	}

	env, err := parseExport(c.export)
	if err != nil {
		return cmdutil.NewExitError(errors.Wrap(err, "submit: invalid --export"), 2)
	}

	store, _, err := cl.storeWithMirror(cfg)
	if err != nil {
		return cmdutil.NewExitError(errors.Wrap(err, "submit: open checkpoint store"), 1)
	}
	evlog, err := cl.eventLog()
	if err != nil {
		return cmdutil.NewExitError(errors.Wrap(err, "submit: open event log"), 1)
	}

	advanceCommand, err := cl.advanceCommand()
	if err != nil {
		return cmdutil.NewExitError(err, 1)
	}

	c2, err := chain.Bootstrap(cmd.Context(), store, cl.gateway(), evlog, time.Now(), chain.BootstrapRequest{
		Script:         args[0],
		Args:           args[1:],
		Env:            env,
		Indices:        indices,
		Ladder:         cfg.Ladder,
		Throttle:       c.throttle,
		MaxSpecLen:     cfg.MaxArraySpecLen,
		AdvanceCommand: advanceCommand,
	})
	if err != nil {
		return cmdutil.NewExitError(errors.Wrap(err, "submit: bootstrap chain"), 1)
	}

	fmt.Fprintln(cmd.OutOrStdout(), c2.ID)
	return nil
}

func parseExport(spec string) ([]checkpoint.EnvBinding, error) {
	if spec == "" {
		return nil, nil
	}
	var out []checkpoint.EnvBinding
	for _, pair := range strings.Split(spec, ":") {
		if pair == "" {
			continue
		}
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 || kv[0] == "" {
			return nil, errors.Errorf("malformed KEY=VALUE pair %q", pair)
		}
		out = append(out, checkpoint.EnvBinding{Key: kv[0], Value: kv[1]})
	}
	return out, nil
}

// advanceCommand builds the closure Bootstrap/escalate.Advance use to
// construct the handler/watcher jobs' own command line: this same binary,
// re-invoked with the "advance" subcommand and the same context flags so it
// reconstructs an identical store/config/event-log view.
func (cl *escalatectlClient) advanceCommand() (func(chainID string, roundNumber int) (string, []string), error) {
	self, err := os.Executable()
	if err != nil {
		return nil, errors.Wrap(err, "resolve own executable path")
	}
	checkpointDir, configPath, eventLogPath := cl.checkpointDir, cl.configPath, cl.eventLogPath
	return func(chainID string, roundNumber int) (string, []string) {
		args := []string{
			"advance", chainID,
			"--round", strconv.Itoa(roundNumber),
			"--checkpoint-dir", checkpointDir,
			"--config", configPath,
		}
		if eventLogPath != "" {
			args = append(args, "--event-log", eventLogPath)
		}
		return self, args
	}, nil
}
