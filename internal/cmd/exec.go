package cmd

import (
	"context"
	"strings"

	"github.com/spf13/cobra"
)

var execFlags sandboxFlags

var execCmd = &cobra.Command{
	Use:   "exec <command>",
	Short: "Run one command in a fresh sandbox",
	Long: `Run a bash command in a sandbox created for this call alone. The
sandbox and everything derived for it are removed afterwards; writable
mounts are synced back to the host first.

A non-zero exit code is a normal result and is reported in the output.

Examples:
  bashlet exec 'echo hello'
  bashlet exec --mount ./src:/workspace 'ls -la'
  bashlet exec --backend microvm --memory 1G --timeout 2m -- make test`,
	Args: usageArgs(cobra.MinimumNArgs(1)),
	RunE: runExec,
}

func init() {
	execFlags.register(execCmd.Flags())
	rootCmd.AddCommand(execCmd)
}

func runExec(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	cfg, err := execFlags.config(a)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	b, err := a.factory.New(ctx, cfg)
	if err != nil {
		return err
	}
	a.log.Debug().Str("backend", b.Name()).Msg("sandbox ready")

	res, err := b.Execute(ctx, strings.Join(args, " "))
	if serr := b.Shutdown(context.WithoutCancel(ctx)); serr != nil {
		a.log.Warn().Err(serr).Msg("backend shutdown failed")
	}
	if err != nil {
		return err
	}
	return writeJSON(cmd.OutOrStdout(), res)
}
