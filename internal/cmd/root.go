package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/bashlet/bashlet/internal/sandbox"
	"github.com/bashlet/bashlet/internal/session"
	"github.com/spf13/cobra"
)

var (
	cfgFile  string
	debug    bool
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "bashlet",
	Short: "bashlet - run shell commands in a sandbox",
	Long: `bashlet runs bash commands inside an isolated sandbox, either a WASM
runtime or a hardware-virtualized microVM.

Run a one-off command:
  bashlet exec 'ls -la /workspace' --mount .:/workspace

Keep a sandbox configuration around:
  bashlet session create --name dev --mount ~/code/app:/workspace --ttl 1h
  bashlet session run dev 'make test'
  bashlet session terminate dev

Every command prints JSON on stdout. Logs go to stderr.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command with ctx.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ~/.bashlet/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging (same as --log-level debug)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn or error (default from config)")

	rootCmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return fmt.Errorf("%w: %v", sandbox.ErrConfig, err)
	})
}

// usageArgs wraps a positional argument check so its failure is reported
// as a configuration error.
func usageArgs(check cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := check(cmd, args); err != nil {
			return fmt.Errorf("%w: %v", sandbox.ErrConfig, err)
		}
		return nil
	}
}

type errorOutput struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// WriteError renders err as the JSON error object.
func WriteError(w io.Writer, err error) {
	_ = writeJSON(w, errorOutput{Error: err.Error(), Kind: errorKind(err)})
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, session.ErrNotFound):
		return "not_found"
	case errors.Is(err, session.ErrNameExists):
		return "name_exists"
	default:
		return sandbox.ErrorKind(err)
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	return nil
}
