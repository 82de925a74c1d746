// Package main implements the storagemgr command line tool.
//
// storagemgr loads the block-storage topology of a machine, queues changes described in
// a change-set file, shows the resulting commit plan and runs it. Every commit is
// recorded in a journal that the history command reads back.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/superfly/storagemgr/errcode"
)

var (
	version = "dev"

	// Global logger
	log = logrus.New()

	// flagged receives flag values; resolveConfig merges them over the config file.
	flagged    = DefaultConfig()
	configPath string

	// cfg is the effective configuration, resolved before any command runs.
	cfg Config
)

// exitError carries a process exit status out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

var rootCmd = &cobra.Command{
	Use:   "storagemgr",
	Short: "Plan and commit block storage changes",
	Long: `storagemgr manages the partitions, volume groups, RAID arrays, device-mapper,
loop and NFS devices of a machine.

Changes are queued from a change-set file, reviewed as an ordered plan and then
committed in four stages: decrease, increase, format and mount.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		resolved, err := resolveConfig(cmd.Flags(), flagged, configPath)
		if err != nil {
			return err
		}
		cfg = resolved
		return setupLogger(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	},
}

func init() {
	bindFlags(rootCmd.PersistentFlags(), &flagged, &configPath)

	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(commitCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(checkCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err == nil {
		return
	}

	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	var ee *exitError
	if errors.As(err, &ee) {
		os.Exit(ee.code)
	}
	if code := errcode.CodeOf(err); code.Kind() == errcode.KindValidation {
		os.Exit(2)
	}
	os.Exit(1)
}
