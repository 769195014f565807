// Package main implements escalatectl, the command-line entry point for the
// resource-escalation orchestrator: submitting new chains, checking their
// status, listing them, and (invoked by the scheduler itself, not by a
// human) advancing a chain's state machine once a round resolves.
package main

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/scootdev/escalate/checkpoint"
	"github.com/scootdev/escalate/checkpoint/sqlmirror"
	"github.com/scootdev/escalate/config"
	"github.com/scootdev/escalate/eventlog"
	"github.com/scootdev/escalate/gateway"
	"github.com/scootdev/escalate/gateway/slurmgw"
	"github.com/scootdev/escalate/internal/cmdutil"
	"github.com/scootdev/escalate/internal/metrics"
)

const defaultCheckpointDir = "/var/lib/escalate/checkpoints"
const defaultConfigPath = "escalation.yaml"

// escalatectlClient holds the flags every subcommand shares and lazily
// builds the store/gateway/config a subcommand needs to do its work.
type escalatectlClient struct {
	rootCmd *cobra.Command

	checkpointDir string
	configPath    string
	eventLogPath  string
	printStats    bool

	stats metrics.StatsReceiver
}

func newEscalatectlClient() *escalatectlClient {
	c := &escalatectlClient{}
	c.rootCmd = &cobra.Command{
		Use:   "escalatectl",
		Short: "escalatectl drives a resource-escalation chain over a batch scheduler",
	}
	c.rootCmd.PersistentFlags().StringVar(&c.checkpointDir, "checkpoint-dir", defaultCheckpointDir, "directory holding chain checkpoint files")
	c.rootCmd.PersistentFlags().StringVar(&c.configPath, "config", defaultConfigPath, "path to the ladder/override config file")
	c.rootCmd.PersistentFlags().StringVar(&c.eventLogPath, "event-log", "", "path to an append-only event log (disabled if empty)")
	c.rootCmd.PersistentFlags().BoolVar(&c.printStats, "stats", false, "print operation latency/counters as JSON to stderr on exit")

	c.stats = metrics.NilStatsReceiver()
	c.rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		if c.printStats {
			c.stats = metrics.DefaultStatsReceiver()
		}
	}
	c.rootCmd.PersistentPostRun = func(cmd *cobra.Command, args []string) {
		if c.printStats {
			fmt.Fprintln(cmd.ErrOrStderr(), string(c.stats.Render(true)))
		}
	}

	c.addCmd(&submitCmd{})
	c.addCmd(&statusCmd{})
	c.addCmd(&listCmd{})
	c.addCmd(&cancelCmd{})
	c.addCmd(&advanceCmd{})

	return c
}

func (c *escalatectlClient) addCmd(cmd command) {
	cobraCmd := cmd.registerFlags()
	verb := cobraCmd.Name()
	cobraCmd.RunE = func(innerCmd *cobra.Command, args []string) error {
		lat := c.stats.Scope("escalatectl", verb).Latency("latency").Time()
		defer lat.Stop()
		err := cmd.run(c, innerCmd, args)
		if err != nil {
			c.stats.Scope("escalatectl", verb).Counter("errors").Inc(1)
		}
		return err
	}
	c.rootCmd.AddCommand(cobraCmd)
}

type command interface {
	registerFlags() *cobra.Command
	run(cl *escalatectlClient, cmd *cobra.Command, args []string) error
}

func (c *escalatectlClient) store() (*checkpoint.Store, error) {
	return checkpoint.NewStore(c.checkpointDir)
}

// storeWithMirror is store plus the SQLite mirror named by cfg, attached so
// every checkpoint mutation the returned Store makes is also replicated
// there. cfg may be nil, in which case this behaves exactly like store.
func (c *escalatectlClient) storeWithMirror(cfg *config.Config) (*checkpoint.Store, *sqlmirror.Mirror, error) {
	store, err := c.store()
	if err != nil {
		return nil, nil, err
	}
	mirror, err := c.mirror(cfg)
	if err != nil {
		log.Warnf("escalatectl: open sqlite mirror %s: %v (continuing without it)", cfg.LoggingDBPath, err)
		return store, nil, nil
	}
	if mirror != nil {
		store.Mirror = mirror
	}
	return store, mirror, nil
}

func (c *escalatectlClient) loadConfig() (*config.Config, error) {
	return config.Load(c.configPath)
}

func (c *escalatectlClient) gateway() gateway.Gateway {
	return slurmgw.New()
}

// mirror opens the SQLite mirror named by the config's logging.db_path, or
// returns nil if logging is disabled or no path is set. Failing to open the
// mirror is logged by the caller, never fatal — the checkpoint remains
// authoritative regardless.
func (c *escalatectlClient) mirror(cfg *config.Config) (*sqlmirror.Mirror, error) {
	if cfg == nil || !cfg.LoggingEnabled || cfg.LoggingDBPath == "" {
		return nil, nil
	}
	return sqlmirror.Open(cfg.LoggingDBPath)
}

func (c *escalatectlClient) eventLog() (*eventlog.Log, error) {
	if c.eventLogPath == "" {
		return nil, nil
	}
	return eventlog.Open(c.eventLogPath)
}

func main() {
	cl := newEscalatectlClient()
	err := cl.rootCmd.Execute()
	os.Exit(cmdutil.GetExitCode(err))
}
