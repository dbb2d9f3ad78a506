package main

import (
	"fmt"
	"io"
	"log"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/agentworkforce/tracksync/internal/tracksync"
)

var version = "dev"

// cli carries per-invocation state between the root command and its
// subcommands.
type cli struct {
	v          *viper.Viper
	configPath string
	cfg        Config
	logger     *log.Logger
	logCloser  io.Closer
}

func newRootCmd() *cobra.Command {
	c := &cli{v: viper.New()}
	root := &cobra.Command{
		Use:   "tracksync",
		Short: "Reconcile local work-item files with a remote issue tracker",
		Long: `tracksync keeps markdown work items in a local directory consistent with
their counterparts in a Jira-compatible tracker. Divergence is detected
against the last agreed snapshot and resolved with a selectable strategy;
every remote call goes through retry, circuit breaking and an outbox.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.load(cmd)
		},
		PersistentPostRunE: func(*cobra.Command, []string) error {
			if c.logCloser != nil {
				return c.logCloser.Close()
			}
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&c.configPath, "config", "", "config file (default .tracksync.yaml or ~/.config/tracksync/config.yaml)")
	flags.String("local-dir", "", "directory holding <id>.md work items")
	flags.String("remote-url", "", "remote tracker base URL")
	flags.String("token", "", "remote API token")
	flags.String("log-file", "", "write logs to a rotating file")
	flags.Bool("verbose", false, "also log to stderr when --log-file is set")
	for key, flag := range map[string]string{
		"local.dir":       "local-dir",
		"remote.base_url": "remote-url",
		"remote.token":    "token",
		"log.file":        "log-file",
		"log.verbose":     "verbose",
	} {
		_ = c.v.BindPFlag(key, flags.Lookup(flag))
	}

	// Subcommands (alphabetical)
	root.AddCommand(newCircuitCmd(c))
	root.AddCommand(newConflictsCmd(c))
	root.AddCommand(newReplayCmd(c))
	root.AddCommand(newServeCmd(c))
	root.AddCommand(newStatsCmd(c))
	root.AddCommand(newSyncCmd(c))
	root.AddCommand(newWatchCmd(c))
	return root
}

func (c *cli) load(cmd *cobra.Command) error {
	cfg, err := loadConfig(c.v, c.configPath)
	if err != nil {
		return err
	}
	logger, closer, err := newLogger(cfg.Log, cmd.ErrOrStderr())
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	c.cfg, c.logger, c.logCloser = cfg, logger, closer
	if cfg.FileUsed != "" {
		c.logger.Printf("using config %s", cfg.FileUsed)
	}
	return nil
}

func (c *cli) open(events tracksync.EventSink) (*app, error) {
	return buildApp(c.cfg, c.logger, events)
}
