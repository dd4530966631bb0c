package cmd

import (
	"os"
	"time"

	"github.com/bashlet/bashlet/internal/session"
	"github.com/spf13/cobra"
)

var (
	pruneArtifacts bool
	pruneOlderThan time.Duration
)

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Clean up expired sessions and leftover sandbox storage",
	Long: `Clean up state that is no longer in use.

This command removes:
  - Expired sessions
  - Instance storage not owned by a live session
  - Stale session lock files
  - Downloaded assets (with --artifacts)

Storage of one-off sandboxes is only removed once it is older than
--older-than, so a command running in another process is left alone.`,
	Args: usageArgs(cobra.NoArgs),
	RunE: runPrune,
}

type pruneResult struct {
	ExpiredSessions int  `json:"expired_sessions"`
	Instances       int  `json:"instances"`
	Locks           int  `json:"locks"`
	Artifacts       bool `json:"artifacts"`
}

func init() {
	rootCmd.AddCommand(pruneCmd)
	pruneCmd.Flags().BoolVar(&pruneArtifacts, "artifacts", false, "also remove downloaded artifacts (kernel, rootfs, runtimes)")
	pruneCmd.Flags().DurationVar(&pruneOlderThan, "older-than", time.Hour, "minimum age of one-off sandbox storage to remove")
}

func runPrune(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	mgr, err := a.sessions()
	if err != nil {
		return err
	}

	var result pruneResult
	ctx := cmd.Context()

	if result.ExpiredSessions, err = mgr.CleanupExpired(ctx); err != nil {
		return err
	}

	now := time.Now()
	keep := func(id string) bool {
		if session.OwnsInstance(id) {
			return mgr.KeepInstance(id)
		}
		info, err := os.Stat(a.assets.InstanceDir(id))
		return err != nil || now.Sub(info.ModTime()) < pruneOlderThan
	}
	if result.Instances, err = a.assets.PruneInstances(keep); err != nil {
		a.log.Warn().Err(err).Msg("failed to remove some instance storage")
	}

	if result.Locks, err = mgr.Store().PruneLocks(); err != nil {
		a.log.Warn().Err(err).Msg("failed to remove some lock files")
	}

	if pruneArtifacts {
		if err := a.assets.Clean(); err != nil {
			return err
		}
		result.Artifacts = true
	}

	a.log.Info().
		Int("sessions", result.ExpiredSessions).
		Int("instances", result.Instances).
		Int("locks", result.Locks).
		Msg("prune complete")
	return writeJSON(cmd.OutOrStdout(), result)
}
